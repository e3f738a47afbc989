package gsioc

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-gsioc/logger"
)

// Default timing values of the GSIOC master.
const (
	DefaultPassiveTermination = 200 * time.Millisecond // idle wait after the disconnect-all byte
	DefaultEchoTimeout        = 200 * time.Millisecond // wait for the connect echo
	DefaultReadTimeout        = 1 * time.Second        // wait for each response or echo byte
	DefaultBusyInterval       = 200 * time.Millisecond // wait after a busy echo
	DefaultCharPacing         = 200 * time.Millisecond // gap between buffered command characters
	DefaultReconnectDelay     = 200 * time.Millisecond // wait after a rejected connect echo

	DefaultRetryLimit = 5
)

// Range limits of the timing values.
const (
	MinPassiveTermination = 20 * time.Millisecond
	MaxPassiveTermination = 10 * time.Second

	MinEchoTimeout = 10 * time.Millisecond
	MaxEchoTimeout = 60 * time.Second

	MinReadTimeout = 10 * time.Millisecond
	MaxReadTimeout = 120 * time.Second

	MaxBusyInterval   = 10 * time.Second
	MaxCharPacing     = 2 * time.Second
	MaxReconnectDelay = 10 * time.Second

	MaxRetryLimit = 100

	MaxSlaveAddr = 63
)

// Config holds the timing and retry configuration of an Engine.
type Config struct {
	passiveTermination time.Duration
	echoTimeout        time.Duration
	readTimeout        time.Duration
	busyInterval       time.Duration
	charPacing         time.Duration
	reconnectDelay     time.Duration

	// retryLimit is the number of attempts of one logical operation.
	retryLimit int

	logger logger.Logger
}

// NewConfig creates a GSIOC master configuration.
//
// opts are functional options applied in order; see With* functions.
func NewConfig(opts ...ConnOption) (*Config, error) {
	cfg := &Config{
		passiveTermination: DefaultPassiveTermination,
		echoTimeout:        DefaultEchoTimeout,
		readTimeout:        DefaultReadTimeout,
		busyInterval:       DefaultBusyInterval,
		charPacing:         DefaultCharPacing,
		reconnectDelay:     DefaultReconnectDelay,
		retryLimit:         DefaultRetryLimit,
		logger:             logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// PassiveTermination returns the idle wait after the disconnect-all byte.
func (cfg *Config) PassiveTermination() time.Duration { return cfg.passiveTermination }

// EchoTimeout returns how long the master waits for the connect echo.
func (cfg *Config) EchoTimeout() time.Duration { return cfg.echoTimeout }

// ReadTimeout returns the per-read timeout of command responses.
func (cfg *Config) ReadTimeout() time.Duration { return cfg.readTimeout }

// BusyInterval returns the wait after a slave reported busy.
func (cfg *Config) BusyInterval() time.Duration { return cfg.busyInterval }

// CharPacing returns the gap between characters of a buffered command.
func (cfg *Config) CharPacing() time.Duration { return cfg.charPacing }

// ReconnectDelay returns the wait before retrying a rejected connect.
func (cfg *Config) ReconnectDelay() time.Duration { return cfg.reconnectDelay }

// RetryLimit returns the attempt budget of one logical operation.
func (cfg *Config) RetryLimit() int { return cfg.retryLimit }

// GetLogger returns the configured logger.
func (cfg *Config) GetLogger() logger.Logger { return cfg.logger }

// --- ConnOption ---

// ConnOption is a functional option for configuring a Config.
type ConnOption interface {
	apply(*Config) error
}

type connOptFunc func(*Config) error

func (f connOptFunc) apply(cfg *Config) error { return f(cfg) }

// WithPassiveTermination sets the idle wait after the disconnect-all byte.
// The protocol requires at least 20ms.
func WithPassiveTermination(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *Config) error {
		if d < MinPassiveTermination || d > MaxPassiveTermination {
			return fmt.Errorf("gsioc: passive termination %v out of range [%v, %v]", d, MinPassiveTermination, MaxPassiveTermination)
		}
		cfg.passiveTermination = d

		return nil
	})
}

// WithEchoTimeout sets how long to wait for the echo of the address byte.
func WithEchoTimeout(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *Config) error {
		if d < MinEchoTimeout || d > MaxEchoTimeout {
			return fmt.Errorf("gsioc: echo timeout %v out of range [%v, %v]", d, MinEchoTimeout, MaxEchoTimeout)
		}
		cfg.echoTimeout = d

		return nil
	})
}

// WithReadTimeout sets the per-read timeout of command responses.
func WithReadTimeout(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *Config) error {
		if d < MinReadTimeout || d > MaxReadTimeout {
			return fmt.Errorf("gsioc: read timeout %v out of range [%v, %v]", d, MinReadTimeout, MaxReadTimeout)
		}
		cfg.readTimeout = d

		return nil
	})
}

// WithBusyInterval sets the wait after a slave answered busy.
func WithBusyInterval(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *Config) error {
		if d < 0 || d > MaxBusyInterval {
			return fmt.Errorf("gsioc: busy interval %v out of range [0, %v]", d, MaxBusyInterval)
		}
		cfg.busyInterval = d

		return nil
	})
}

// WithCharPacing sets the gap between characters of a buffered command.
func WithCharPacing(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *Config) error {
		if d < 0 || d > MaxCharPacing {
			return fmt.Errorf("gsioc: char pacing %v out of range [0, %v]", d, MaxCharPacing)
		}
		cfg.charPacing = d

		return nil
	})
}

// WithReconnectDelay sets the wait before retrying a rejected connect.
func WithReconnectDelay(d time.Duration) ConnOption {
	return connOptFunc(func(cfg *Config) error {
		if d < 0 || d > MaxReconnectDelay {
			return fmt.Errorf("gsioc: reconnect delay %v out of range [0, %v]", d, MaxReconnectDelay)
		}
		cfg.reconnectDelay = d

		return nil
	})
}

// WithRetryLimit sets the attempt budget of one logical operation.
func WithRetryLimit(n int) ConnOption {
	return connOptFunc(func(cfg *Config) error {
		if n < 0 || n > MaxRetryLimit {
			return fmt.Errorf("gsioc: retry limit %d out of range [0, %d]", n, MaxRetryLimit)
		}
		cfg.retryLimit = n

		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) ConnOption {
	return connOptFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("gsioc: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
