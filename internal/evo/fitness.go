package evo

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
)

var ErrInvalidBounds = errors.New("invalid objective bounds")

// FitnessFunction scalarizes a metrics map against per-objective bounds. Each
// objective gets a random weight drawn once at construction, so successive
// fitness functions pull the search toward different trade-offs. Lower is
// better.
type FitnessFunction struct {
	keys    []string
	bounds  []float64
	lambdas []float64
}

func NewFitnessFunction(bounds map[string]float64, rng *rand.Rand) (*FitnessFunction, error) {
	if rng == nil {
		return nil, fmt.Errorf("random source is required")
	}
	if err := ValidateBounds(bounds); err != nil {
		return nil, err
	}
	f := &FitnessFunction{}
	for k := range bounds {
		f.keys = append(f.keys, k)
	}
	sort.Strings(f.keys)
	for _, k := range f.keys {
		f.bounds = append(f.bounds, bounds[k])
		f.lambdas = append(f.lambdas, rng.Float64())
	}
	return f, nil
}

// ValidateBounds requires at least one objective and strictly positive finite
// bounds.
func ValidateBounds(bounds map[string]float64) error {
	if len(bounds) == 0 {
		return fmt.Errorf("%w: at least one objective is required", ErrInvalidBounds)
	}
	for k, b := range bounds {
		if !(b > 0) || math.IsInf(b, 1) {
			return fmt.Errorf("%w: %s=%v", ErrInvalidBounds, k, b)
		}
	}
	return nil
}

// Score returns sqrt(sum((lambda_k * v_k / b_k)^2)). Objectives missing from
// metrics contribute nothing.
func (f *FitnessFunction) Score(metrics map[string]float64) float64 {
	var sum float64
	for i, k := range f.keys {
		v, ok := metrics[k]
		if !ok {
			continue
		}
		term := f.lambdas[i] * v / f.bounds[i]
		sum += term * term
	}
	return math.Sqrt(sum)
}

func (f *FitnessFunction) Lambdas() map[string]float64 {
	out := make(map[string]float64, len(f.keys))
	for i, k := range f.keys {
		out[k] = f.lambdas[i]
	}
	return out
}
