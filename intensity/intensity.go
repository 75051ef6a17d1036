// Package intensity converts a single defense intensity level into the
// full set of operational thresholds.
//
// Intensity is an integer in [Min, Max]. Positive values are stricter.
// The mapping is deterministic and stateless: every threshold is derived
// from a base value, a direction and a multiplier which depends only on
// the level. The curve is asymmetric: the permissive end doubles the
// allowances, the strict end divides them by ten.
package intensity

import "math"

const (
	// Min is the most permissive intensity level.
	Min = -10

	// Max is the strictest intensity level.
	Max = 10
)

// Direction defines how a parameter reacts to stricter intensity.
type Direction uint8

const (
	// Throughput parameters are allowances: they shrink when intensity
	// grows (rate limits, capacities, time windows given to a client).
	Throughput Direction = iota

	// Restrictive parameters are penalties: they grow when intensity grows
	// (ban duration, challenge difficulty).
	Restrictive
)

func (d Direction) String() string {
	switch d {
	case Throughput:
		return "throughput"
	case Restrictive:
		return "restrictive"
	}

	return "unknown"
}

// Clamp brings level into [Min, Max].
func Clamp(level int) int {
	switch {
	case level < Min:
		return Min
	case level > Max:
		return Max
	}

	return level
}

// Multiplier returns a capacity multiplier for the given level.
//
// For level <= 0 it grows linearly up to 2.0 at Min. For level > 0 it
// decays geometrically down to 0.1 at Max. Multiplier(0) is exactly 1.
func Multiplier(level int) float64 {
	level = Clamp(level)

	if level <= 0 {
		return 1 + float64(-level)/10 //nolint: gomnd
	}

	return math.Pow(10, -float64(level)/10) //nolint: gomnd
}

// Scaled applies a multiplier of the level to the base value according to
// the direction: throughput values are multiplied, restrictive values are
// divided.
func Scaled(base float64, level int, dir Direction) float64 {
	mult := Multiplier(level)

	if dir == Restrictive {
		return base / mult
	}

	return base * mult
}
