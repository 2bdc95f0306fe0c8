package interpret

import (
	"errors"
	"fmt"
	"math"
)

// ErrUnknownAggregation is returned for an unrecognised strategy name.
var ErrUnknownAggregation = errors.New("interpret: unknown aggregation strategy")

// Combine merges confidence values with the named strategy: "min" (also
// the default for an empty name), "mean" or "product". The result is
// clamped to [0, 1]. No values yield 0.
func Combine(strategy string, values ...float64) (float64, error) {
	if len(values) == 0 {
		return 0, nil
	}
	var out float64
	switch strategy {
	case "", "min":
		out = values[0]
		for _, v := range values[1:] {
			out = math.Min(out, v)
		}
	case "mean":
		for _, v := range values {
			out += v
		}
		out /= float64(len(values))
	case "product":
		out = 1
		for _, v := range values {
			out *= v
		}
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownAggregation, strategy)
	}
	return clamp01(out), nil
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
