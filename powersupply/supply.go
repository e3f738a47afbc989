// Package powersupply drives the BK Precision 1739 DC power source used for
// the electrochemical reaction.
package powersupply

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/arloliu/go-gsioc/logger"
	"github.com/arloliu/go-gsioc/transport"
)

// Device commands.
const (
	cmdOutOn    = "OUT ON"
	cmdOutOff   = "OUT OFF"
	cmdVoltage  = "VOLT?"
	cmdCurrent  = "CURR?"
	cmdStatus   = "STAT?"
	cmdIdentity = "IDN?"
	cmdSave     = "SAVE"

	statusOff = "OFF"
)

var (
	ErrWrongDevice    = errors.New("powersupply: unexpected device identity")
	ErrNotInitialized = errors.New("powersupply: not initialized")
	ErrOutputNotOff   = errors.New("powersupply: output never reported OFF")
)

// Opener opens the bus the power source is attached to.
type Opener func(ctx context.Context) (*transport.Bus, error)

// SerialOpener opens portName at the power source's baud rate.
func SerialOpener(portName string, opts ...transport.Option) Opener {
	return func(ctx context.Context) (*transport.Bus, error) {
		return transport.OpenLegacy(ctx, portName, DefaultBaudRate, opts...)
	}
}

// Supply is the power-source controller. The connection is opened by
// Initialize and released by Close, so one Supply can serve many reactions.
type Supply struct {
	open   Opener
	opts   []Option
	cfg    *config
	logger logger.Logger

	mu     sync.Mutex
	client *Client
}

// New creates a Supply connecting through open.
func New(open Opener, opts ...Option) (*Supply, error) {
	if open == nil {
		return nil, errors.New("powersupply: opener must not be nil")
	}

	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}

	return &Supply{open: open, opts: opts, cfg: cfg, logger: cfg.logger}, nil
}

// Initialize opens the connection, verifies the device identity and brings
// the output to a known state: output off, voltage and current zero.
func (s *Supply) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		bus, err := s.open(ctx)
		if err != nil {
			return fmt.Errorf("powersupply: open: %w", err)
		}

		client, err := NewClient(bus, s.opts...)
		if err != nil {
			_ = bus.Close()
			return err
		}
		s.client = client
	}

	if err := s.initialize(ctx); err != nil {
		_ = s.client.Close()
		s.client = nil

		return err
	}

	s.logger.Info("powersupply: initialized", "identity", s.cfg.identity)

	return nil
}

func (s *Supply) initialize(ctx context.Context) error {
	idn, err := s.client.Send(ctx, cmdIdentity)
	if err != nil {
		return err
	}
	if idn != s.cfg.identity {
		return fmt.Errorf("%w: %q, want %q", ErrWrongDevice, idn, s.cfg.identity)
	}

	if err := s.awaitOff(ctx); err != nil {
		return err
	}

	steps := []func() error{
		func() error { return s.setVoltage(ctx, 0) },
		func() error { return s.set(ctx, cmdSave) },
		func() error { return s.setCurrent(ctx, 0) },
		func() error { return s.set(ctx, cmdSave) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}

	return nil
}

// awaitOff switches the output off and queries the readings until one of
// them reports OFF.
func (s *Supply) awaitOff(ctx context.Context) error {
	for i := 0; i < s.cfg.initPolls; i++ {
		var responses []string
		for _, cmd := range []string{cmdOutOff, cmdVoltage, cmdCurrent, cmdStatus, cmdIdentity} {
			resp, err := s.client.Send(ctx, cmd)
			if err != nil {
				if ctx.Err() != nil {
					return err
				}
				s.logger.Warn("powersupply: initialization command failed", "command", cmd, "error", err)
				continue
			}
			responses = append(responses, resp)
		}

		if slices.Contains(responses, statusOff) {
			return nil
		}

		s.logger.Warn("powersupply: output not off yet, retrying", "poll", i+1, "responses", responses)
	}

	return fmt.Errorf("%w after %d polls", ErrOutputNotOff, s.cfg.initPolls)
}

// SetCurrent sets the current limit in mA and enables the output. A current
// of zero or less switches the output off.
func (s *Supply) SetCurrent(ctx context.Context, mA float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return ErrNotInitialized
	}

	return s.setCurrent(ctx, mA)
}

func (s *Supply) setCurrent(ctx context.Context, mA float64) error {
	if math.IsNaN(mA) || mA > MaxCurrent {
		return fmt.Errorf("%w: current %vmA not in [0, %v]", ErrOutOfRange, mA, MaxCurrent)
	}

	if mA <= 0 {
		return s.set(ctx, cmdOutOff)
	}

	if err := s.set(ctx, fmt.Sprintf("CURR %05.1f", mA)); err != nil {
		return err
	}
	if err := s.set(ctx, cmdOutOn); err != nil {
		return err
	}
	s.logger.Info("powersupply: current set", "mA", mA)

	return nil
}

// SetVoltage sets the output voltage in V. A voltage of zero switches the
// output off, any other voltage switches it on.
func (s *Supply) SetVoltage(ctx context.Context, v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return ErrNotInitialized
	}

	return s.setVoltage(ctx, v)
}

func (s *Supply) setVoltage(ctx context.Context, v float64) error {
	if math.IsNaN(v) || v < 0 || v > MaxVoltage {
		return fmt.Errorf("%w: voltage %vV not in [0, %v]", ErrOutOfRange, v, MaxVoltage)
	}

	if err := s.set(ctx, fmt.Sprintf("VOLT %05.2f", v)); err != nil {
		return err
	}

	if v == 0 {
		return s.set(ctx, cmdOutOff)
	}

	if err := s.set(ctx, cmdOutOn); err != nil {
		return err
	}
	s.logger.Info("powersupply: voltage set", "V", v)

	return nil
}

// GetVoltage returns the output voltage in V; an output that is off reads 0.
func (s *Supply) GetVoltage(ctx context.Context) (float64, error) {
	return s.reading(ctx, cmdVoltage, "V")
}

// GetCurrent returns the output current in mA; an output that is off reads 0.
func (s *Supply) GetCurrent(ctx context.Context) (float64, error) {
	return s.reading(ctx, cmdCurrent, "mA")
}

// Status returns the regulation mode: CV, CC or OFF.
func (s *Supply) Status(ctx context.Context) (string, error) {
	return s.query(ctx, cmdStatus)
}

// Identity returns the device identification string.
func (s *Supply) Identity(ctx context.Context) (string, error) {
	return s.query(ctx, cmdIdentity)
}

// Close releases the connection. It is safe to call on a Supply that was
// never initialized.
func (s *Supply) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return nil
	}

	err := s.client.Close()
	s.client = nil

	return err
}

func (s *Supply) reading(ctx context.Context, cmd, unit string) (float64, error) {
	resp, err := s.query(ctx, cmd)
	if err != nil {
		return 0, err
	}

	return parseReading(resp, unit)
}

func (s *Supply) query(ctx context.Context, cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return "", ErrNotInitialized
	}

	return s.client.Send(ctx, cmd)
}

func (s *Supply) set(ctx context.Context, cmd string) error {
	_, err := s.client.Send(ctx, cmd)
	return err
}

// parseReading converts a reading such as "12.50V" or "OFF" to a number.
func parseReading(resp, unit string) (float64, error) {
	resp = strings.TrimSpace(resp)
	if resp == statusOff {
		return 0, nil
	}

	v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(resp, unit)), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: reading %q", ErrUnexpectedResponse, resp)
	}

	return v, nil
}
