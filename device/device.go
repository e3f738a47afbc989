// Package device adapts the GSIOC instruments of the platform (liquid
// handler, syringe pump and injection valve) to domain verbs.
//
// Every adapter translates its verbs into buffered commands issued through a
// gsioc.Commander and keeps the device state the commands imply: the needle
// location, the aspirated volume and the valve position. The state lives for
// the process lifetime and is only changed through the adapter methods.
//
// All waits between commands are physical settle times taken from a Timing
// value; they are minimums, not tuning knobs.
package device

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/arloliu/go-gsioc/gsioc"
	"github.com/arloliu/go-gsioc/internal/pool"
	"github.com/arloliu/go-gsioc/logger"
)

// Sentinel errors of the device adapters.
var (
	ErrInvalidVolume   = errors.New("device: invalid volume")
	ErrInvalidFlowRate = errors.New("device: invalid flow rate")
	ErrInvalidPosition = errors.New("device: invalid position")
)

// Default bus addresses of the instruments.
var (
	LiquidHandlerSlave  = gsioc.Slave{Name: "GX-241 II", Addr: 33}
	InjectionValveSlave = gsioc.Slave{Name: "GX D Inject", Addr: 3}
	SyringePumpSlave    = gsioc.Slave{Name: "VERITY 4020", Addr: 11}
)

// Timing holds the settle times of the instruments.
type Timing struct {
	// liquid handler
	ConnectSettle time.Duration // after connecting, before homing
	HomeSettle    time.Duration // after H
	MoveSettle    time.Duration // after the XY move
	DockSettle    time.Duration // after lowering the needle into the injection dock
	GoHomeSettle  time.Duration // after going home

	// injection valve
	ValveSettle time.Duration // after connecting, before switching

	// syringe pump
	AspirateSettle time.Duration // after connecting, before aspirating
	DispenseSettle time.Duration // after connecting, before dispensing
	StrokeSettle   time.Duration // before every stroke

	// Full-stroke durations. A partial stroke waits proportionally to its
	// volume, but never less than MinStrokeWait.
	AspirateFillTime     time.Duration
	AspirateTransferTime time.Duration
	DispenseFillTime     time.Duration
	// A full dispense transfer stroke waits
	// DispenseTransferBase + DispenseTransferFlow * (strokeMl / flowRate).
	DispenseTransferBase time.Duration
	DispenseTransferFlow time.Duration
	MinStrokeWait        time.Duration
}

// DefaultTiming returns the settle times of the reference hardware.
func DefaultTiming() Timing {
	return Timing{
		ConnectSettle:        1 * time.Second,
		HomeSettle:           2 * time.Second,
		MoveSettle:           1 * time.Second,
		DockSettle:           5 * time.Second,
		GoHomeSettle:         1 * time.Second,
		ValveSettle:          3 * time.Second,
		AspirateSettle:       2 * time.Second,
		DispenseSettle:       5 * time.Second,
		StrokeSettle:         5 * time.Second,
		AspirateFillTime:     75 * time.Second,
		AspirateTransferTime: 15 * time.Second,
		DispenseFillTime:     15 * time.Second,
		DispenseTransferBase: 15 * time.Second,
		DispenseTransferFlow: time.Minute,
		MinStrokeWait:        10 * time.Second,
	}
}

// Option is a functional option shared by the adapter constructors.
// Options that do not apply to an adapter are ignored by it.
type Option interface {
	apply(*options) error
}

type optFunc func(*options) error

func (f optFunc) apply(o *options) error { return f(o) }

type options struct {
	slave     *gsioc.Slave
	timing    Timing
	logger    logger.Logger
	maxStroke float64
	dock      Location
	vialZ     float64
}

// WithSlave overrides the bus address of the adapter.
func WithSlave(slave gsioc.Slave) Option {
	return optFunc(func(o *options) error {
		if err := slave.Validate(); err != nil {
			return err
		}
		o.slave = &slave

		return nil
	})
}

// WithTiming sets the settle times.
func WithTiming(t Timing) Option {
	return optFunc(func(o *options) error {
		o.timing = t
		return nil
	})
}

// WithLogger sets the logger.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(o *options) error {
		if l == nil {
			return errors.New("device: logger must not be nil")
		}
		o.logger = l

		return nil
	})
}

// WithMaxStroke sets the syringe capacity in µL.
func WithMaxStroke(ul float64) Option {
	return optFunc(func(o *options) error {
		if !(ul > 0) {
			return fmt.Errorf("%w: max stroke %v", ErrInvalidVolume, ul)
		}
		o.maxStroke = ul

		return nil
	})
}

// WithDock sets the injection dock coordinates of the liquid handler.
func WithDock(x, y, z float64) Option {
	return optFunc(func(o *options) error {
		o.dock = Location{Kind: AtDock, X: x, Y: y, Z: z}
		return nil
	})
}

// WithVialZ sets the needle height used at rack vials.
func WithVialZ(z float64) Option {
	return optFunc(func(o *options) error {
		o.vialZ = z
		return nil
	})
}

func newOptions(opts []Option) (*options, error) {
	o := &options{
		timing:    DefaultTiming(),
		logger:    logger.GetLogger(),
		maxStroke: DefaultMaxStroke,
		dock:      Location{Kind: AtDock, X: DefaultDockX, Y: DefaultDockY, Z: DefaultDockZ},
		vialZ:     DefaultVialZ,
	}

	for _, opt := range opts {
		if err := opt.apply(o); err != nil {
			return nil, err
		}
	}

	return o, nil
}

// adapter is the connect-and-send capability shared by the instruments.
type adapter struct {
	cmdr   gsioc.Commander
	slave  gsioc.Slave
	timing Timing
	logger logger.Logger
}

func newAdapter(cmdr gsioc.Commander, def gsioc.Slave, o *options) adapter {
	slave := def
	if o.slave != nil {
		slave = *o.slave
	}

	return adapter{
		cmdr:   cmdr,
		slave:  slave,
		timing: o.timing,
		logger: o.logger.With("device", slave.Name),
	}
}

// Slave returns the bus address of the instrument.
func (a *adapter) Slave() gsioc.Slave { return a.slave }

func (a *adapter) connect(ctx context.Context) error {
	identity, err := a.cmdr.Connect(ctx, a.slave)
	if err != nil {
		return fmt.Errorf("device: connect %s: %w", a.slave, err)
	}
	a.logger.Debug("device: connected", "identity", identity)

	return nil
}

func (a *adapter) send(ctx context.Context, text string) error {
	reply, err := a.cmdr.Send(ctx, a.slave, gsioc.Buffered(text))
	if err != nil {
		return fmt.Errorf("device: %s %q: %w", a.slave, text, err)
	}

	if reply.Mismatches > 0 {
		a.logger.Warn("device: command echoed with mismatches", "command", text, "echo", reply.Data, "mismatches", reply.Mismatches)
	}

	return nil
}

func (a *adapter) settle(ctx context.Context, d time.Duration) error {
	return pool.Sleep(ctx, d)
}

// formatNumber renders a coordinate, volume or rate in command syntax.
func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
