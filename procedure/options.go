package procedure

import (
	"errors"
	"fmt"
	"time"

	"github.com/arloliu/go-gsioc/logger"
	"github.com/arloliu/go-gsioc/rack"
)

// Parameters are the fixed quantities of the procedures.
type Parameters struct {
	Headspace      float64 // extra µL aspirated per mixture component
	PairOffset     int     // vial offset receiving the headspace
	InjectMargin   float64 // injected volume = aspirated volume * InjectMargin
	GasVial        int
	SolventVial    int
	LeadGasVolume  float64 // µL
	TrailGasVolume float64 // µL
	PowerOffPolls  int

	// syringe pump flow rates, mL/min
	AspirateFlowRate float64
	DispenseFlowRate float64
	InjectFlowRate   float64

	// slug transfer into the reactor, µL/min of the flow pump
	TransferFlowRate float64
	TransferDuration time.Duration
}

// DefaultParameters returns the parameters of the reference platform.
func DefaultParameters() Parameters {
	return Parameters{
		Headspace:        10,
		PairOffset:       4,
		InjectMargin:     1.2,
		GasVial:          2,
		SolventVial:      1,
		LeadGasVolume:    60,
		TrailGasVolume:   10,
		PowerOffPolls:    10,
		AspirateFlowRate: 1,
		DispenseFlowRate: 0.5,
		InjectFlowRate:   1,
		TransferFlowRate: 1000,
		TransferDuration: 14500 * time.Millisecond,
	}
}

func (p Parameters) validate() error {
	switch {
	case p.Headspace < 0, p.LeadGasVolume < 0, p.TrailGasVolume < 0:
		return errors.New("procedure: volumes must not be negative")
	case p.InjectMargin < 1:
		return fmt.Errorf("procedure: inject margin %v below 1", p.InjectMargin)
	case p.PowerOffPolls < 1:
		return fmt.Errorf("procedure: power-off polls %d below 1", p.PowerOffPolls)
	case p.AspirateFlowRate <= 0, p.DispenseFlowRate <= 0, p.InjectFlowRate <= 0:
		return errors.New("procedure: syringe flow rates must be positive")
	case p.TransferFlowRate < 0, p.TransferDuration < 0:
		return errors.New("procedure: slug transfer must not be negative")
	}

	return nil
}

// Timing holds the settle waits between procedure steps.
type Timing struct {
	StepSettle        time.Duration // before moving the arm
	ArriveSettle      time.Duration // after arriving, before pumping
	PumpSettle        time.Duration // after pumping
	DockSettle        time.Duration // after reaching the injection dock
	ValveSettle       time.Duration // after switching the valve to load
	MixtureSettle     time.Duration // between mixture priming steps
	SlugSettle        time.Duration // between slug segments
	PowerOffSettle    time.Duration // after switching the voltage off
	PowerPollInterval time.Duration // between power-off confirmations
}

// DefaultTiming returns the settle waits of the reference platform.
func DefaultTiming() Timing {
	return Timing{
		StepSettle:        1 * time.Second,
		ArriveSettle:      2 * time.Second,
		PumpSettle:        2 * time.Second,
		DockSettle:        5 * time.Second,
		ValveSettle:       2 * time.Second,
		MixtureSettle:     5 * time.Second,
		SlugSettle:        3 * time.Second,
		PowerOffSettle:    500 * time.Millisecond,
		PowerPollInterval: 1 * time.Second,
	}
}

// Option is a functional option for configuring an Orchestrator.
type Option interface {
	apply(*Orchestrator) error
}

type optFunc func(*Orchestrator) error

func (f optFunc) apply(o *Orchestrator) error { return f(o) }

// WithRack sets the vial rack layout.
func WithRack(r rack.Rack) Option {
	return optFunc(func(o *Orchestrator) error {
		if err := r.Validate(); err != nil {
			return err
		}
		o.rack = r

		return nil
	})
}

// WithParameters sets the procedure parameters.
func WithParameters(p Parameters) Option {
	return optFunc(func(o *Orchestrator) error {
		if err := p.validate(); err != nil {
			return err
		}
		o.params = p

		return nil
	})
}

// WithTiming sets the settle waits.
func WithTiming(t Timing) Option {
	return optFunc(func(o *Orchestrator) error {
		o.timing = t
		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(o *Orchestrator) error {
		if l == nil {
			return errors.New("procedure: logger must not be nil")
		}
		o.logger = l

		return nil
	})
}
