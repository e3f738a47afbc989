package device

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/arloliu/go-gsioc/gsioc"
)

// DefaultMaxStroke is the syringe capacity in µL.
const DefaultMaxStroke = 400.0

// transferRate is the plunger rate, in mL/min, of strokes between the
// syringe and the reservoir.
const transferRate = 2

// Volumes are tracked in nL so that repeated strokes never leave
// floating-point residue behind.
type nanoliters int64

func toNanoliters(ul float64) nanoliters { return nanoliters(math.Round(ul * 1000)) }

func (n nanoliters) microliters() float64 { return float64(n) / 1000 }

// SyringePump drives the VERITY 4020 syringe pump.
//
// Volumes are in µL and flow rates in mL/min. Every stroke is a fill stroke
// into the syringe followed by a transfer stroke out of it, each followed by
// a settle wait taken from a linear per-volume model.
type SyringePump struct {
	adapter

	maxStroke nanoliters
	aspirated nanoliters
}

// NewSyringePump creates the pump adapter.
func NewSyringePump(cmdr gsioc.Commander, opts ...Option) (*SyringePump, error) {
	o, err := newOptions(opts)
	if err != nil {
		return nil, err
	}

	return &SyringePump{
		adapter:   newAdapter(cmdr, SyringePumpSlave, o),
		maxStroke: toNanoliters(o.maxStroke),
	}, nil
}

// AspiratedVolume returns the tracked volume held in the line, in µL.
func (p *SyringePump) AspiratedVolume() float64 { return p.aspirated.microliters() }

// SetAspiratedVolume overrides the tracked volume. Negative values are
// stored as zero.
func (p *SyringePump) SetAspiratedVolume(ul float64) {
	p.aspirated = max(toNanoliters(ul), 0)
	p.logger.Info("device: aspirated volume set", "volume", p.AspiratedVolume())
}

// Aspirate draws volume µL through the needle at flowRate.
func (p *SyringePump) Aspirate(ctx context.Context, volume, flowRate float64) error {
	if err := checkVolume(volume, flowRate); err != nil {
		return err
	}

	p.logger.Info("device: aspirating", "volume", volume, "flowRate", flowRate)

	if err := p.connect(ctx); err != nil {
		return err
	}
	if err := p.settle(ctx, p.timing.AspirateSettle); err != nil {
		return err
	}

	fill := p.timing.AspirateFillTime
	transfer := p.timing.AspirateTransferTime

	return p.strokes(ctx, toNanoliters(volume), func(v string) []stroke {
		return []stroke{
			{command: "PN:+" + v + ":" + formatNumber(flowRate), fullWait: fill},
			{command: "PR:-" + v + ":" + formatNumber(transferRate), fullWait: transfer},
		}
	}, func(n nanoliters) {
		p.aspirated += n
	})
}

// Dispense pushes volume µL out of the needle at flowRate and returns the
// volume actually dispensed.
//
// With safety set, a request above the tracked aspirated volume is clamped to
// it. Without safety the full request is dispensed; the tracked volume never
// drops below zero.
func (p *SyringePump) Dispense(ctx context.Context, volume, flowRate float64, safety bool) (float64, error) {
	if err := checkVolume(volume, flowRate); err != nil {
		return 0, err
	}

	p.logger.Info("device: dispensing", "volume", volume, "flowRate", flowRate, "safety", safety)

	if err := p.connect(ctx); err != nil {
		return 0, err
	}
	if err := p.settle(ctx, p.timing.DispenseSettle); err != nil {
		return 0, err
	}

	requested := toNanoliters(volume)
	if safety && requested > p.aspirated {
		p.logger.Warn("device: dispense clamped to aspirated volume", "requested", volume, "aspirated", p.AspiratedVolume())
		requested = p.aspirated
	}

	fill := p.timing.DispenseFillTime
	strokeMl := p.maxStroke.microliters() / 1000
	transfer := p.timing.DispenseTransferBase + time.Duration(float64(p.timing.DispenseTransferFlow)*strokeMl/flowRate)

	var dispensed nanoliters
	err := p.strokes(ctx, requested, func(v string) []stroke {
		return []stroke{
			{command: "PR:+" + v + ":" + formatNumber(transferRate), fullWait: fill},
			{command: "PN:-" + v + ":" + formatNumber(flowRate), fullWait: transfer},
		}
	}, func(n nanoliters) {
		dispensed += n
		p.aspirated = max(p.aspirated-n, 0)
	})

	return dispensed.microliters(), err
}

type stroke struct {
	command  string
	fullWait time.Duration
}

// strokes splits total into strokes of at most the syringe capacity. build
// returns the commands of one stroke given its formatted volume; done is
// called after each completed stroke.
func (p *SyringePump) strokes(ctx context.Context, total nanoliters, build func(v string) []stroke, done func(nanoliters)) error {
	for remaining := total; remaining > 0; {
		if err := p.settle(ctx, p.timing.StrokeSettle); err != nil {
			return err
		}

		n := min(remaining, p.maxStroke)
		for _, s := range build(formatNumber(n.microliters())) {
			if err := p.send(ctx, s.command); err != nil {
				return err
			}
			if err := p.settle(ctx, p.strokeWait(s.fullWait, n)); err != nil {
				return err
			}
		}

		remaining -= n
		done(n)
		p.logger.Debug("device: stroke done", "volume", n.microliters(), "aspirated", p.AspiratedVolume())
	}

	return nil
}

// strokeWait scales the full-stroke wait to n, clamped at MinStrokeWait.
func (p *SyringePump) strokeWait(full time.Duration, n nanoliters) time.Duration {
	wait := time.Duration(float64(full) * float64(n) / float64(p.maxStroke))

	return max(wait, p.timing.MinStrokeWait)
}

func checkVolume(volume, flowRate float64) error {
	if math.IsNaN(volume) || math.IsInf(volume, 0) || volume < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidVolume, volume)
	}
	if math.IsNaN(flowRate) || math.IsInf(flowRate, 0) || flowRate <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidFlowRate, flowRate)
	}

	return nil
}
