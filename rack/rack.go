// Package rack maps vial indices of the liquid handler bed to grid and
// physical coordinates.
package rack

import (
	"errors"
	"fmt"
)

// ErrIndexOutOfRange is returned for vial indices or grid coordinates
// outside the rack.
var ErrIndexOutOfRange = errors.New("rack: index out of range")

// Default layout of the vial rack, in mm of the liquid handler bed.
const (
	DefaultWidth   = 4
	DefaultHeight  = 12
	DefaultOriginX = 101.0
	DefaultOriginY = 42.0
	DefaultPitchX  = 18.0
	DefaultPitchY  = 18.0
)

// Grid is the column/row position of a vial.
type Grid struct {
	X int
	Y int
}

func (g Grid) String() string { return fmt.Sprintf("(%d,%d)", g.X, g.Y) }

// Point is a physical position on the liquid handler bed.
type Point struct {
	X float64
	Y float64
}

func (p Point) String() string { return fmt.Sprintf("(%g,%g)", p.X, p.Y) }

// Rack describes a rectangular vial rack.
type Rack struct {
	Width   int
	Height  int
	OriginX float64
	OriginY float64
	PitchX  float64
	PitchY  float64
}

// Default returns the standard 4x12 rack.
func Default() Rack {
	return Rack{
		Width:   DefaultWidth,
		Height:  DefaultHeight,
		OriginX: DefaultOriginX,
		OriginY: DefaultOriginY,
		PitchX:  DefaultPitchX,
		PitchY:  DefaultPitchY,
	}
}

// Validate checks that the rack has a positive size.
func (r Rack) Validate() error {
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("rack: invalid dimensions %dx%d", r.Width, r.Height)
	}

	return nil
}

// Capacity returns the number of addressable vial indices.
func (r Rack) Capacity() int { return r.Width * r.Height }

// GridPosition returns the grid position of vial. Index 0 is the origin.
func (r Rack) GridPosition(vial int) (Grid, error) {
	if vial < 0 || vial >= r.Capacity() {
		return Grid{}, fmt.Errorf("%w: vial %d not in [0, %d)", ErrIndexOutOfRange, vial, r.Capacity())
	}

	if vial == 0 {
		return Grid{}, nil
	}

	return Grid{X: vial % r.Width, Y: vial / r.Width}, nil
}

// PhysicalPosition returns origin + grid*pitch per axis.
//
// A coordinate equal to the dimension is accepted.
func (r Rack) PhysicalPosition(g Grid) (Point, error) {
	if g.X < 0 || g.Y < 0 || g.X > r.Width || g.Y > r.Height {
		return Point{}, fmt.Errorf("%w: grid %s exceeds %dx%d", ErrIndexOutOfRange, g, r.Width, r.Height)
	}

	return Point{
		X: r.OriginX + float64(g.X)*r.PitchX,
		Y: r.OriginY + float64(g.Y)*r.PitchY,
	}, nil
}

// FindVial returns the physical position of vial.
func (r Rack) FindVial(vial int) (Point, error) {
	g, err := r.GridPosition(vial)
	if err != nil {
		return Point{}, err
	}

	return r.PhysicalPosition(g)
}
