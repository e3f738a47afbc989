package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	tarm "github.com/tarm/serial"
)

// OpenLegacy opens portName with the tarm/serial driver, 8 data bits.
//
// It serves instruments outside the GSIOC bus that are fine with the plain
// termios driver, like the bench power supply (9600 8N1). The parity defaults
// to NoParity here, unlike Open.
func OpenLegacy(ctx context.Context, portName string, baudRate int, opts ...Option) (*Bus, error) {
	cfg, err := newOpenConfig(append([]Option{WithParity(NoParity)}, opts...))
	if err != nil {
		return nil, err
	}
	if baudRate <= 0 {
		return nil, fmt.Errorf("transport: invalid baud rate %d", baudRate)
	}

	if filepath.IsAbs(portName) {
		if _, err := os.Stat(portName); errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrPortUnavailable, portName)
		}
	}

	cfg.logger.Info("transport: opening legacy port", "port", portName, "baudRate", baudRate, "parity", cfg.parity.String())

	tcfg := &tarm.Config{
		Name:        portName,
		Baud:        baudRate,
		Size:        8,
		Parity:      toTarmParity(cfg.parity),
		StopBits:    tarm.Stop1,
		ReadTimeout: serialPollTimeout,
	}
	if cfg.stopBits == 2 {
		tcfg.StopBits = tarm.Stop2
	}

	rwc, err := openWithin(ctx, portName, cfg.connectTimeout, func() (io.ReadWriteCloser, error) {
		port, err := tarm.OpenPort(tcfg)
		if err != nil {
			return nil, err
		}
		_ = port.Flush()

		return &pollingPort{port: port}, nil
	})
	if err != nil {
		return nil, mapOpenError(portName, err)
	}

	return NewBus(portName, rwc, cfg.logger.With("port", portName)), nil
}

// pollingPort hides the io.EOF the tarm driver reports when its read timeout
// elapses with nothing received, so the receive pump keeps polling.
type pollingPort struct {
	port *tarm.Port
}

func (p *pollingPort) Read(b []byte) (int, error) {
	n, err := p.port.Read(b)
	if n == 0 && errors.Is(err, io.EOF) {
		return 0, nil
	}

	return n, err
}

func (p *pollingPort) Write(b []byte) (int, error) { return p.port.Write(b) }

func (p *pollingPort) Close() error { return p.port.Close() }

func toTarmParity(p Parity) tarm.Parity {
	switch p {
	case EvenParity:
		return tarm.ParityEven
	case OddParity:
		return tarm.ParityOdd
	default:
		return tarm.ParityNone
	}
}
