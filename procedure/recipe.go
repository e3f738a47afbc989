package procedure

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidRecipe is returned for malformed recipes and vial/volume pair lists.
var ErrInvalidRecipe = errors.New("procedure: invalid recipe")

// recipeHeaderLen is the number of scalar fields before the vial/volume pairs.
const recipeHeaderLen = 4

// Substance is one reagent of a slug.
type Substance struct {
	Vial   int
	Volume float64 // µL
}

// Recipe is one experiment: the reagents of the slug and the reaction
// conditions.
type Recipe struct {
	FlowRate   float64       // µL/min of the reaction flow pump
	Duration   time.Duration // reaction time
	Voltage    float64       // V
	Current    float64       // mA
	Substances []Substance
}

// ParseRecipe decodes the flat numeric recipe layout
//
//	[flowRate, durationSeconds, voltage, currentScaled, vialA, volumeA, vialB, volumeB, ...]
//
// currentScaled carries two decimals as an integer: the current is
// currentScaled/100. A vial listed twice keeps its first position and its
// last volume.
func ParseRecipe(values []float64) (Recipe, error) {
	if len(values) < recipeHeaderLen {
		return Recipe{}, fmt.Errorf("%w: %d values, want at least %d", ErrInvalidRecipe, len(values), recipeHeaderLen)
	}

	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Recipe{}, fmt.Errorf("%w: value %d is %v", ErrInvalidRecipe, i, v)
		}
	}

	r := Recipe{
		FlowRate: values[0],
		Duration: time.Duration(values[1] * float64(time.Second)),
		Voltage:  values[2],
		Current:  values[3] / 100,
	}

	switch {
	case r.FlowRate < 0:
		return Recipe{}, fmt.Errorf("%w: negative flow rate %v", ErrInvalidRecipe, r.FlowRate)
	case r.Duration < 0:
		return Recipe{}, fmt.Errorf("%w: negative duration %v", ErrInvalidRecipe, r.Duration)
	case r.Voltage < 0 || r.Current < 0:
		return Recipe{}, fmt.Errorf("%w: negative setpoint %vV %vmA", ErrInvalidRecipe, r.Voltage, r.Current)
	}

	pairs, err := parsePairs(values[recipeHeaderLen:])
	if err != nil {
		return Recipe{}, err
	}

	index := make(map[int]int, len(pairs))
	for _, s := range pairs {
		if i, ok := index[s.Vial]; ok {
			r.Substances[i].Volume = s.Volume
			continue
		}
		index[s.Vial] = len(r.Substances)
		r.Substances = append(r.Substances, s)
	}

	return r, nil
}

// ParseValues parses a comma-separated list of numbers.
func ParseValues(s string) ([]float64, error) {
	s = strings.Trim(strings.TrimSpace(s), "[]")
	if s == "" {
		return nil, nil
	}

	fields := strings.Split(s, ",")
	values := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRecipe, err)
		}
		values = append(values, v)
	}

	return values, nil
}

// Values encodes r in the flat layout accepted by ParseRecipe.
func (r Recipe) Values() []float64 {
	values := make([]float64, 0, recipeHeaderLen+2*len(r.Substances))
	values = append(values, r.FlowRate, r.Duration.Seconds(), r.Voltage, math.Round(r.Current*100))
	for _, s := range r.Substances {
		values = append(values, float64(s.Vial), s.Volume)
	}

	return values
}

func (r Recipe) String() string {
	return fmt.Sprintf("flow=%vµL/min duration=%v voltage=%vV current=%vmA substances=%v",
		r.FlowRate, r.Duration, r.Voltage, r.Current, r.Substances)
}

// parsePairs decodes alternating vial/volume values.
func parsePairs(values []float64) ([]Substance, error) {
	if len(values)%2 != 0 {
		return nil, fmt.Errorf("%w: odd number of vial/volume values (%d)", ErrInvalidRecipe, len(values))
	}

	pairs := make([]Substance, 0, len(values)/2)
	for i := 0; i < len(values); i += 2 {
		vial, volume := values[i], values[i+1]

		if vial < 0 || vial != math.Trunc(vial) {
			return nil, fmt.Errorf("%w: vial %v is not a rack index", ErrInvalidRecipe, vial)
		}
		if volume < 0 || math.IsNaN(volume) {
			return nil, fmt.Errorf("%w: negative volume %v for vial %v", ErrInvalidRecipe, volume, vial)
		}

		pairs = append(pairs, Substance{Vial: int(vial), Volume: volume})
	}

	return pairs, nil
}
