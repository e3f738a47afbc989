// Package procedure composes the device adapters into the experiment
// procedures of the platform: slug formation, injection and the
// electrochemical reaction.
//
// Procedures run strictly sequentially; no two device operations ever run
// concurrently on the bus.
//
// Procedures are not crash-safe. A failed step halts the procedure and
// leaves the device state as it was at the failure; a failure mid-procedure
// requires operator inspection of the physical state before retrying.
package procedure

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/arloliu/go-gsioc/device"
	"github.com/arloliu/go-gsioc/internal/pool"
	"github.com/arloliu/go-gsioc/logger"
	"github.com/arloliu/go-gsioc/rack"
)

var (
	// ErrPowerNotOff is returned when the power source could not be confirmed
	// at 0V after the reaction.
	ErrPowerNotOff = errors.New("procedure: power source not confirmed off")
	// ErrNoReactor is returned by the reaction procedures when the
	// Orchestrator was built without a power source or a flow pump.
	ErrNoReactor = errors.New("procedure: reaction needs a power source and a flow pump")
)

// shutdownTimeout bounds the power-off sequence run after a failed or
// cancelled reaction.
const shutdownTimeout = 30 * time.Second

// PowerSource is the auxiliary power supply driven during the reaction.
type PowerSource interface {
	Initialize(ctx context.Context) error
	SetCurrent(ctx context.Context, mA float64) error
	SetVoltage(ctx context.Context, v float64) error
	GetVoltage(ctx context.Context) (float64, error)
	Close() error
}

// FlowPump is the continuous pump moving the slug through the reactor.
type FlowPump interface {
	// Pump runs the pump at flowRate µL/min for d and stops it.
	Pump(ctx context.Context, flowRate float64, d time.Duration) error
}

// Devices groups the GSIOC instruments used by the procedures.
type Devices struct {
	LiquidHandler *device.LiquidHandler
	Pump          *device.SyringePump
	Valve         *device.InjectionValve
}

// Orchestrator runs the experiment procedures and holds the cross-device
// state: the aspirated volume lives in the pump adapter, the needle
// location in the liquid handler adapter.
//
// Orchestrator is NOT goroutine-safe; one procedure runs at a time.
type Orchestrator struct {
	lh    *device.LiquidHandler
	pump  *device.SyringePump
	valve *device.InjectionValve
	power PowerSource
	flow  FlowPump

	rack   rack.Rack
	params Parameters
	timing Timing
	logger logger.Logger
}

// New creates an Orchestrator. power and flow may be nil when only the
// liquid handling procedures are used.
func New(devs Devices, power PowerSource, flow FlowPump, opts ...Option) (*Orchestrator, error) {
	if devs.LiquidHandler == nil || devs.Pump == nil || devs.Valve == nil {
		return nil, errors.New("procedure: liquid handler, pump and valve are required")
	}

	o := &Orchestrator{
		lh:     devs.LiquidHandler,
		pump:   devs.Pump,
		valve:  devs.Valve,
		power:  power,
		flow:   flow,
		rack:   rack.Default(),
		params: DefaultParameters(),
		timing: DefaultTiming(),
		logger: logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(o); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// AspiratedVolume returns the volume tracked in the line, in µL.
func (o *Orchestrator) AspiratedVolume() float64 { return o.pump.AspiratedVolume() }

// AspirateFromVial moves the needle to vial, aspirates volume µL and returns
// the arm home.
func (o *Orchestrator) AspirateFromVial(ctx context.Context, vial int, volume, flowRate float64) error {
	if err := o.visit(ctx, vial, func() error {
		return o.pump.Aspirate(ctx, volume, flowRate)
	}); err != nil {
		return fmt.Errorf("procedure: aspirate %vµL from vial %d: %w", volume, vial, err)
	}

	return nil
}

// GoToVial moves the needle to vial and returns the arm home.
func (o *Orchestrator) GoToVial(ctx context.Context, vial int) error {
	if err := o.visit(ctx, vial, nil); err != nil {
		return fmt.Errorf("procedure: go to vial %d: %w", vial, err)
	}

	return nil
}

// DispenseToVial moves the needle to vial, dispenses volume µL and returns
// the arm home. When less than volume is tracked in the line, the tracked
// volume is raised to volume first.
func (o *Orchestrator) DispenseToVial(ctx context.Context, vial int, volume, flowRate float64) error {
	if _, err := o.rack.FindVial(vial); err != nil {
		return fmt.Errorf("procedure: dispense to vial %d: %w", vial, err)
	}

	if o.pump.AspiratedVolume() < volume {
		o.logger.Warn("procedure: tracked volume below dispense request", "aspirated", o.pump.AspiratedVolume(), "volume", volume)
		o.pump.SetAspiratedVolume(volume)
	}

	if err := o.visit(ctx, vial, func() error {
		_, err := o.pump.Dispense(ctx, volume, flowRate, true)
		return err
	}); err != nil {
		return fmt.Errorf("procedure: dispense %vµL to vial %d: %w", volume, vial, err)
	}

	return nil
}

// visit moves to vial, runs action (if any) and returns home.
func (o *Orchestrator) visit(ctx context.Context, vial int, action func() error) error {
	pos, err := o.rack.FindVial(vial)
	if err != nil {
		return err
	}

	o.logger.Info("procedure: switching to position", "vial", vial, "position", pos.String())

	if err := o.settle(ctx, o.timing.StepSettle); err != nil {
		return err
	}
	if err := o.lh.SwitchToPosition(ctx, pos); err != nil {
		return err
	}
	if err := o.settle(ctx, o.timing.ArriveSettle); err != nil {
		return err
	}

	if action != nil {
		if err := action(); err != nil {
			return err
		}
		if err := o.settle(ctx, o.timing.PumpSettle); err != nil {
			return err
		}
	}

	return o.lh.GoHome(ctx)
}

// Inject moves the needle into the injection dock, switches the valve to
// load and expels the aspirated volume plus the dead-volume margin.
func (o *Orchestrator) Inject(ctx context.Context, flowRate float64) error {
	volume := o.pump.AspiratedVolume() * o.params.InjectMargin

	o.logger.Info("procedure: injecting", "volume", volume)

	steps := []func() error{
		func() error { return o.settle(ctx, o.timing.StepSettle) },
		func() error { return o.lh.SwitchToInjectionDock(ctx) },
		func() error { return o.settle(ctx, o.timing.DockSettle) },
		func() error { return o.valve.SwitchToPosition(ctx, device.ValveLoad) },
		func() error { return o.settle(ctx, o.timing.ValveSettle) },
		func() error {
			_, err := o.pump.Dispense(ctx, volume, flowRate, false)
			return err
		},
		func() error { return o.settle(ctx, o.timing.PumpSettle) },
	}

	for _, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("procedure: inject %vµL: %w", volume, err)
		}
	}

	return nil
}

// AspirateMixture primes the line for every vial/volume pair in pairs: it
// aspirates the volume (rounded to 0.1µL) plus the headspace from the vial,
// then dispenses the headspace into the paired offset vial.
func (o *Orchestrator) AspirateMixture(ctx context.Context, pairs []float64, flowRate float64) error {
	substances, err := parsePairs(pairs)
	if err != nil {
		return err
	}

	for _, s := range substances {
		if err := o.checkVial("mixture", s.Vial); err != nil {
			return err
		}
		if err := o.checkVial("headspace", s.Vial+o.params.PairOffset); err != nil {
			return err
		}
	}

	for _, s := range substances {
		volume := math.Round(s.Volume*10) / 10

		o.logger.Info("procedure: aspirating mixture component", "vial", s.Vial, "volume", volume)

		if err := o.AspirateFromVial(ctx, s.Vial, volume+o.params.Headspace, flowRate); err != nil {
			return err
		}
		if err := o.settle(ctx, o.timing.MixtureSettle); err != nil {
			return err
		}

		if err := o.DispenseToVial(ctx, s.Vial+o.params.PairOffset, o.params.Headspace, o.params.DispenseFlowRate); err != nil {
			return err
		}
		if err := o.settle(ctx, o.timing.MixtureSettle); err != nil {
			return err
		}
	}

	return nil
}

// SlugFormation builds a segmented slug in the line and injects it: a
// leading gas plug, each substance followed by a solvent touch, and a
// trailing gas plug. The valve returns to inject, the arm goes home and the
// tracked volume is reset.
func (o *Orchestrator) SlugFormation(ctx context.Context, substances []Substance) error {
	p := o.params

	o.logger.Info("procedure: slug formation", "substances", len(substances))

	if err := o.AspirateFromVial(ctx, p.GasVial, p.LeadGasVolume, p.AspirateFlowRate); err != nil {
		return err
	}

	for _, s := range substances {
		if err := o.AspirateFromVial(ctx, s.Vial, s.Volume, p.AspirateFlowRate); err != nil {
			return err
		}
		if err := o.settle(ctx, o.timing.SlugSettle); err != nil {
			return err
		}
		// zero-volume touch on the solvent separates the segments
		if err := o.AspirateFromVial(ctx, p.SolventVial, 0, p.AspirateFlowRate); err != nil {
			return err
		}
	}

	if err := o.AspirateFromVial(ctx, p.GasVial, p.TrailGasVolume, p.AspirateFlowRate); err != nil {
		return err
	}

	if err := o.Inject(ctx, p.InjectFlowRate); err != nil {
		return err
	}
	o.logger.Info("procedure: injection done")

	if err := o.settle(ctx, o.timing.SlugSettle); err != nil {
		return err
	}
	if err := o.valve.SwitchToPosition(ctx, device.ValveInject); err != nil {
		return fmt.Errorf("procedure: slug formation: %w", err)
	}
	if err := o.settle(ctx, o.timing.SlugSettle); err != nil {
		return err
	}
	if err := o.lh.GoHome(ctx); err != nil {
		return fmt.Errorf("procedure: slug formation: %w", err)
	}

	o.pump.SetAspiratedVolume(0)

	return nil
}

// PerformReaction powers the reactor at the given setpoints while the flow
// pump runs for d, then switches the voltage off and confirms it, re-issuing
// the off command on every poll that does not read 0V. The power source is
// closed in every case.
//
// A failed or cancelled reaction still runs the power-off sequence.
func (o *Orchestrator) PerformReaction(ctx context.Context, flowRate float64, d time.Duration, voltage, current float64) (err error) {
	if o.power == nil || o.flow == nil {
		return ErrNoReactor
	}

	o.logger.Info("procedure: reaction", "flowRate", flowRate, "duration", d, "voltage", voltage, "current", current)

	defer func() {
		if cerr := o.power.Close(); cerr != nil {
			o.logger.Error("procedure: close power source", "error", cerr)
			err = errors.Join(err, cerr)
		}
	}()

	if err := o.power.Initialize(ctx); err != nil {
		return fmt.Errorf("procedure: initialize power source: %w", err)
	}

	runErr := o.react(ctx, flowRate, d, voltage, current)

	offCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	return errors.Join(runErr, o.powerOff(offCtx))
}

func (o *Orchestrator) react(ctx context.Context, flowRate float64, d time.Duration, voltage, current float64) error {
	if err := o.power.SetCurrent(ctx, current); err != nil {
		return fmt.Errorf("procedure: set current: %w", err)
	}
	if err := o.power.SetVoltage(ctx, voltage); err != nil {
		return fmt.Errorf("procedure: set voltage: %w", err)
	}
	if err := o.flow.Pump(ctx, flowRate, d); err != nil {
		return fmt.Errorf("procedure: reaction flow: %w", err)
	}

	return nil
}

func (o *Orchestrator) powerOff(ctx context.Context) error {
	if err := o.power.SetVoltage(ctx, 0); err != nil {
		o.logger.Warn("procedure: set voltage off", "error", err)
	}
	if err := o.settle(ctx, o.timing.PowerOffSettle); err != nil {
		return err
	}

	for i := 0; i < o.params.PowerOffPolls; i++ {
		v, err := o.power.GetVoltage(ctx)
		if err == nil && v == 0 {
			o.logger.Info("procedure: power source off", "polls", i+1)
			return nil
		}

		o.logger.Warn("procedure: power source not off yet", "poll", i+1, "voltage", v, "error", err)

		if err := o.power.SetVoltage(ctx, 0); err != nil {
			o.logger.Warn("procedure: set voltage off", "error", err)
		}
		if err := o.settle(ctx, o.timing.PowerPollInterval); err != nil {
			return err
		}
	}

	o.logger.Error("procedure: power source not confirmed off", "polls", o.params.PowerOffPolls)

	return fmt.Errorf("%w after %d polls", ErrPowerNotOff, o.params.PowerOffPolls)
}

// ValidateRecipe checks that every vial the slug formation of r visits
// exists in the rack. It touches no device.
func (o *Orchestrator) ValidateRecipe(r Recipe) error {
	if err := o.checkVial("gas", o.params.GasVial); err != nil {
		return err
	}
	if err := o.checkVial("solvent", o.params.SolventVial); err != nil {
		return err
	}
	for _, s := range r.Substances {
		if err := o.checkVial("substance", s.Vial); err != nil {
			return err
		}
	}

	return nil
}

func (o *Orchestrator) checkVial(role string, vial int) error {
	if _, err := o.rack.FindVial(vial); err != nil {
		return fmt.Errorf("%w: %s vial %d: %w", ErrInvalidRecipe, role, vial, err)
	}

	return nil
}

// RunRecipe runs one complete experiment: slug formation, transfer of the
// slug into the reactor and the reaction. The recipe and the reactor
// collaborators are checked before any device moves.
func (o *Orchestrator) RunRecipe(ctx context.Context, r Recipe) error {
	if o.power == nil || o.flow == nil {
		return ErrNoReactor
	}
	if err := o.ValidateRecipe(r); err != nil {
		return err
	}

	o.logger.Info("procedure: running recipe", "recipe", r.String())

	if err := o.SlugFormation(ctx, r.Substances); err != nil {
		return err
	}

	if err := o.flow.Pump(ctx, o.params.TransferFlowRate, o.params.TransferDuration); err != nil {
		return fmt.Errorf("procedure: slug transfer: %w", err)
	}

	if err := o.PerformReaction(ctx, r.FlowRate, r.Duration, r.Voltage, r.Current); err != nil {
		return err
	}

	o.logger.Info("procedure: recipe done")

	return nil
}

func (o *Orchestrator) settle(ctx context.Context, d time.Duration) error {
	return pool.Sleep(ctx, d)
}
