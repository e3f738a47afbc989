package device

import (
	"context"
	"fmt"

	"github.com/arloliu/go-gsioc/gsioc"
)

// ValvePosition is the position of the direct injection valve.
type ValvePosition byte

const (
	ValveInject ValvePosition = 'I'
	ValveLoad   ValvePosition = 'L'
)

func (p ValvePosition) String() string {
	switch p {
	case ValveInject:
		return "inject"
	case ValveLoad:
		return "load"
	default:
		return "unknown"
	}
}

// Valid reports whether p is a known valve position.
func (p ValvePosition) Valid() bool {
	return p == ValveInject || p == ValveLoad
}

// InjectionValve drives the GX direct injection module.
type InjectionValve struct {
	adapter

	position ValvePosition
}

// NewInjectionValve creates the valve adapter. The valve is assumed to start
// in the inject position.
func NewInjectionValve(cmdr gsioc.Commander, opts ...Option) (*InjectionValve, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}

	return &InjectionValve{
		adapter:  newAdapter(cmdr, InjectionValveSlave, o),
		position: ValveInject,
	}, nil
}

// Position returns the tracked valve position.
func (v *InjectionValve) Position() ValvePosition { return v.position }

// SwitchToPosition switches the valve to dest. Switching to the current
// position sends no command.
func (v *InjectionValve) SwitchToPosition(ctx context.Context, dest ValvePosition) error {
	if !dest.Valid() {
		return fmt.Errorf("%w: valve position %q", ErrInvalidPosition, byte(dest))
	}

	v.logger.Info("device: switching valve", "destination", dest.String())

	if err := v.connect(ctx); err != nil {
		return err
	}
	if err := v.settle(ctx, v.timing.ValveSettle); err != nil {
		return err
	}

	if dest == v.position {
		v.logger.Info("device: valve already in target position", "position", dest.String())
		return nil
	}

	if err := v.send(ctx, "V"+string(rune(dest))); err != nil {
		return err
	}
	v.position = dest

	return nil
}
