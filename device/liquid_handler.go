package device

import (
	"context"
	"fmt"
	"time"

	"github.com/arloliu/go-gsioc/gsioc"
	"github.com/arloliu/go-gsioc/rack"
)

// Default geometry of the liquid handler, in mm.
const (
	DefaultDockX = 147.0
	DefaultDockY = 0.5
	DefaultDockZ = 95.0
	DefaultVialZ = 75.0
	DefaultHomeZ = 125.0
)

// LocationKind tells where the needle of the liquid handler is.
type LocationKind uint8

const (
	AtHome LocationKind = iota
	AtVial
	AtDock
)

func (k LocationKind) String() string {
	switch k {
	case AtHome:
		return "home"
	case AtVial:
		return "vial"
	case AtDock:
		return "dock"
	default:
		return "unknown"
	}
}

// Location is the needle position of the liquid handler.
type Location struct {
	Kind LocationKind
	X    float64
	Y    float64
	Z    float64
}

func (l Location) String() string {
	return fmt.Sprintf("%s(%g,%g,%g)", l.Kind, l.X, l.Y, l.Z)
}

// LiquidHandler drives the GX-241 liquid handler.
type LiquidHandler struct {
	adapter

	dock     Location
	vialZ    float64
	location Location
}

// NewLiquidHandler creates the liquid handler adapter.
func NewLiquidHandler(cmdr gsioc.Commander, opts ...Option) (*LiquidHandler, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}

	return &LiquidHandler{
		adapter:  newAdapter(cmdr, LiquidHandlerSlave, o),
		dock:     o.dock,
		vialZ:    o.vialZ,
		location: Location{Kind: AtHome, Z: DefaultHomeZ},
	}, nil
}

// Location returns the tracked needle position.
func (lh *LiquidHandler) Location() Location { return lh.location }

// SwitchToPosition homes the arm, moves to p and lowers the needle to the
// vial height.
func (lh *LiquidHandler) SwitchToPosition(ctx context.Context, p rack.Point) error {
	lh.logger.Info("device: changing position", "x", p.X, "y", p.Y)

	return lh.moveTo(ctx, Location{Kind: AtVial, X: p.X, Y: p.Y, Z: lh.vialZ}, 0)
}

// SwitchToInjectionDock homes the arm and lowers the needle into the
// injection dock.
func (lh *LiquidHandler) SwitchToInjectionDock(ctx context.Context) error {
	lh.logger.Info("device: changing position to injection dock", "x", lh.dock.X, "y", lh.dock.Y)

	return lh.moveTo(ctx, lh.dock, lh.timing.DockSettle)
}

func (lh *LiquidHandler) moveTo(ctx context.Context, loc Location, finalSettle time.Duration) error {
	if err := lh.connect(ctx); err != nil {
		return err
	}
	if err := lh.settle(ctx, lh.timing.ConnectSettle); err != nil {
		return err
	}

	if err := lh.send(ctx, "H"); err != nil {
		return err
	}
	lh.location = Location{Kind: AtHome, Z: DefaultHomeZ}

	if err := lh.settle(ctx, lh.timing.HomeSettle); err != nil {
		return err
	}

	if err := lh.send(ctx, "SX"+formatNumber(loc.X)+"/"+formatNumber(loc.Y)); err != nil {
		return err
	}
	if err := lh.settle(ctx, lh.timing.MoveSettle); err != nil {
		return err
	}

	if err := lh.send(ctx, "SZ"+formatNumber(loc.Z)+":50:30"); err != nil {
		return err
	}
	lh.location = loc

	return lh.settle(ctx, finalSettle)
}

// GoHome returns the arm to its home position.
func (lh *LiquidHandler) GoHome(ctx context.Context) error {
	if err := lh.connect(ctx); err != nil {
		return err
	}

	if err := lh.send(ctx, "H"); err != nil {
		return err
	}
	lh.location = Location{Kind: AtHome, Z: DefaultHomeZ}

	return lh.settle(ctx, lh.timing.GoHomeSettle)
}
