package powersupply

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-gsioc/logger"
)

const (
	DefaultBaudRate    = 9600
	DefaultIdentity    = "B+K PRECISION 1739 Revision 1.3"
	DefaultReadTimeout = 1 * time.Second
	DefaultRetryLimit  = 3
	DefaultInitPolls   = 10

	MinReadTimeout = 10 * time.Millisecond
	MaxReadTimeout = 60 * time.Second
	MaxRetryLimit  = 100
	MaxInitPolls   = 1000

	// MaxVoltage is the highest settable voltage, in V.
	MaxVoltage = 30.0
	// MaxCurrent is the highest settable current, in mA.
	MaxCurrent = 999.9
)

type config struct {
	identity    string
	readTimeout time.Duration
	retryLimit  int
	initPolls   int
	logger      logger.Logger
}

// Option is a functional option for configuring a Client or a Supply.
type Option interface {
	apply(*config) error
}

type optFunc func(*config) error

func (f optFunc) apply(cfg *config) error { return f(cfg) }

// WithIdentity sets the IDN? answer expected from the device.
func WithIdentity(identity string) Option {
	return optFunc(func(cfg *config) error {
		if identity == "" {
			return errors.New("powersupply: identity must not be empty")
		}
		cfg.identity = identity

		return nil
	})
}

// WithReadTimeout sets the per-byte read timeout.
func WithReadTimeout(d time.Duration) Option {
	return optFunc(func(cfg *config) error {
		if d < MinReadTimeout || d > MaxReadTimeout {
			return fmt.Errorf("powersupply: read timeout %v out of range [%v, %v]", d, MinReadTimeout, MaxReadTimeout)
		}
		cfg.readTimeout = d

		return nil
	})
}

// WithRetryLimit sets how many read timeouts one command tolerates.
func WithRetryLimit(n int) Option {
	return optFunc(func(cfg *config) error {
		if n < 0 || n > MaxRetryLimit {
			return fmt.Errorf("powersupply: retry limit %d out of range [0, %d]", n, MaxRetryLimit)
		}
		cfg.retryLimit = n

		return nil
	})
}

// WithInitPolls sets how many times Initialize queries the device for an
// OFF output before giving up.
func WithInitPolls(n int) Option {
	return optFunc(func(cfg *config) error {
		if n < 1 || n > MaxInitPolls {
			return fmt.Errorf("powersupply: init polls %d out of range [1, %d]", n, MaxInitPolls)
		}
		cfg.initPolls = n

		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *config) error {
		if l == nil {
			return errors.New("powersupply: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}

func newConfig(opts []Option) (*config, error) {
	cfg := &config{
		identity:    DefaultIdentity,
		readTimeout: DefaultReadTimeout,
		retryLimit:  DefaultRetryLimit,
		initPolls:   DefaultInitPolls,
		logger:      logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}
