package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	bugst "go.bug.st/serial"

	"github.com/arloliu/go-gsioc/logger"
)

// Default values for opening a bus.
const (
	DefaultBaudRate       = 19200
	DefaultConnectTimeout = 30 * time.Second

	// serialPollTimeout is the driver read timeout of serial ports. It only
	// bounds how long the receive pump takes to notice a closed bus.
	serialPollTimeout = 100 * time.Millisecond
)

// Parity selects the serial character parity.
type Parity uint8

const (
	EvenParity Parity = iota // GSIOC character format
	NoParity
	OddParity
)

func (p Parity) String() string {
	switch p {
	case EvenParity:
		return "even"
	case NoParity:
		return "none"
	case OddParity:
		return "odd"
	default:
		return "unknown"
	}
}

type openConfig struct {
	connectTimeout time.Duration
	parity         Parity
	stopBits       int
	logger         logger.Logger
}

// Option configures Open and OpenLegacy.
type Option interface {
	apply(*openConfig) error
}

type optFunc func(*openConfig) error

func (f optFunc) apply(cfg *openConfig) error { return f(cfg) }

// WithConnectTimeout bounds how long opening the port may take.
func WithConnectTimeout(d time.Duration) Option {
	return optFunc(func(cfg *openConfig) error {
		if d <= 0 {
			return errors.New("transport: connect timeout must be positive")
		}
		cfg.connectTimeout = d

		return nil
	})
}

// WithParity sets the serial parity. Defaults to EvenParity.
func WithParity(p Parity) Option {
	return optFunc(func(cfg *openConfig) error {
		if p > OddParity {
			return fmt.Errorf("transport: invalid parity %d", p)
		}
		cfg.parity = p

		return nil
	})
}

// WithStopBits sets one or two stop bits.
func WithStopBits(n int) Option {
	return optFunc(func(cfg *openConfig) error {
		if n != 1 && n != 2 {
			return fmt.Errorf("transport: stop bits must be 1 or 2, got %d", n)
		}
		cfg.stopBits = n

		return nil
	})
}

// WithLogger sets the logger of the opened bus.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *openConfig) error {
		if l == nil {
			return errors.New("transport: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}

func newOpenConfig(opts []Option) (*openConfig, error) {
	cfg := &openConfig{
		connectTimeout: DefaultConnectTimeout,
		parity:         EvenParity,
		stopBits:       1,
		logger:         logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Open opens portName at baudRate and returns a Bus.
//
// portName is either a serial device (/dev/ttyUSB0, COM3) or a
// tcp://host:port URL of a serial-over-TCP bridge. Open fails with
// ErrPortUnavailable when the device does not exist and with
// ErrConnectTimeout when it cannot be opened within the connect timeout.
func Open(ctx context.Context, portName string, baudRate int, opts ...Option) (*Bus, error) {
	cfg, err := newOpenConfig(opts)
	if err != nil {
		return nil, err
	}
	if baudRate <= 0 {
		return nil, fmt.Errorf("transport: invalid baud rate %d", baudRate)
	}

	cfg.logger.Info("transport: opening port", "port", portName, "baudRate", baudRate, "parity", cfg.parity.String())

	if strings.HasPrefix(portName, "tcp://") || strings.HasPrefix(portName, "socket://") {
		return openTCP(ctx, portName, cfg)
	}

	if filepath.IsAbs(portName) {
		if _, err := os.Stat(portName); errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrPortUnavailable, portName)
		}
	}

	mode := &bugst.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   toBugstParity(cfg.parity),
		StopBits: bugst.OneStopBit,
	}
	if cfg.stopBits == 2 {
		mode.StopBits = bugst.TwoStopBits
	}

	rwc, err := openWithin(ctx, portName, cfg.connectTimeout, func() (io.ReadWriteCloser, error) {
		port, err := bugst.Open(portName, mode)
		if err != nil {
			return nil, err
		}
		if err := port.SetReadTimeout(serialPollTimeout); err != nil {
			_ = port.Close()
			return nil, err
		}
		_ = port.ResetInputBuffer()

		return port, nil
	})
	if err != nil {
		return nil, mapOpenError(portName, err)
	}

	return NewBus(portName, rwc, cfg.logger.With("port", portName)), nil
}

func openTCP(ctx context.Context, portName string, cfg *openConfig) (*Bus, error) {
	u, err := url.Parse(portName)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrPortUnavailable, portName, err)
	}

	dialer := net.Dialer{Timeout: cfg.connectTimeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, fmt.Errorf("%w: %s: %w", ErrConnectTimeout, portName, err)
		}

		return nil, fmt.Errorf("%w: %s: %w", ErrPortUnavailable, portName, err)
	}

	return NewBus(portName, conn, cfg.logger.With("port", portName)), nil
}

// openWithin runs open on its own goroutine so a driver that hangs cannot
// block the caller past timeout. A port opened after the deadline is closed.
func openWithin(ctx context.Context, portName string, timeout time.Duration, open func() (io.ReadWriteCloser, error)) (io.ReadWriteCloser, error) {
	type result struct {
		rwc io.ReadWriteCloser
		err error
	}

	ch := make(chan result, 1)
	go func() {
		rwc, err := open()
		ch <- result{rwc: rwc, err: err}
	}()

	abandon := func() {
		go func() {
			if r := <-ch; r.rwc != nil {
				_ = r.rwc.Close()
			}
		}()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.rwc, r.err
	case <-timer.C:
		abandon()
		return nil, fmt.Errorf("%w: %s not opened within %v", ErrConnectTimeout, portName, timeout)
	case <-ctx.Done():
		abandon()
		return nil, ctx.Err()
	}
}

func mapOpenError(portName string, err error) error {
	if errors.Is(err, ErrConnectTimeout) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var portErr *bugst.PortError
	if errors.As(err, &portErr) && portErr.Code() == bugst.PortNotFound {
		return fmt.Errorf("%w: %s: %w", ErrPortUnavailable, portName, err)
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s: %w", ErrPortUnavailable, portName, err)
	}

	return fmt.Errorf("transport: open %s: %w", portName, err)
}

func toBugstParity(p Parity) bugst.Parity {
	switch p {
	case NoParity:
		return bugst.NoParity
	case OddParity:
		return bugst.OddParity
	default:
		return bugst.EvenParity
	}
}
