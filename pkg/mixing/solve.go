// Two-stream flow solving for the Pyhorst Go migration
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mixing

import (
	"math"

	"pyhorst-go-migration/pkg/errors"
)

// PPM converts a parts-per-million value to a fractional concentration
const PPM = 1e-6

// ConcentrationTolerance is the maximum absolute deviation, in
// fractional concentration, allowed between the target and the mixture
// reproduced by a rescaled solution.
const ConcentrationTolerance = 1e-6

// Solution holds the solved flow rates for one concentration target.
// Q1 is the base-gas flow, Q2 the variable-gas flow, both in the same
// unit as the qMax constraint. Ephemeral; recomputed per request.
type Solution struct {
	Q1 float64
	Q2 float64
}

// Total returns the combined flow of the mixture
func (s Solution) Total() float64 {
	return s.Q1 + s.Q2
}

// Solve computes the two flow rates that dilute a source gas of c2PPM
// with a base gas of c1PPM to the target concentration, with each
// channel independently capped at qMax.
//
// Fails with DEGENERATE_SOURCES when the source concentrations are
// equal and with INFEASIBLE_TARGET when the target lies outside the
// closed interval bounded by the sources, or when capping a channel
// leaves a mixture that no longer reproduces the target within
// ConcentrationTolerance.
//
// Pure and deterministic; safe for concurrent callers.
func Solve(targetPPM, c1PPM, c2PPM, qMax float64) (Solution, error) {
	cTarget := targetPPM * PPM
	c1 := c1PPM * PPM
	c2 := c2PPM * PPM

	if c1 == c2 {
		return Solution{}, errors.DegenerateSourcesError(c1PPM)
	}
	if cTarget < math.Min(c1, c2) || cTarget > math.Max(c1, c2) {
		return Solution{}, errors.InfeasibleTargetError(targetPPM, c1PPM, c2PPM)
	}

	// Mixing ratios of a two-component mixture summing to qMax.
	r1 := (cTarget - c2) / (c1 - c2)
	r2 := 1 - r1

	q1 := r1 * qMax
	q2 := r2 * qMax

	if q1 > qMax || q2 > qMax {
		scale := qMax / math.Max(q1, q2)
		q1 *= scale
		q2 *= scale

		mixed := (q1*c1 + q2*c2) / (q1 + q2)
		if math.Abs(mixed-cTarget) > ConcentrationTolerance {
			return Solution{}, errors.InfeasibleTargetError(targetPPM, c1PPM, c2PPM)
		}
	}

	return Solution{Q1: q1, Q2: q2}, nil
}

// Concentration computes the concentration, in ppm, of the stream
// produced by mixing flow f1 of c1PPM gas with flow f2 of c2PPM gas.
// The second return is false when the total flow is zero.
func Concentration(c1PPM, f1, c2PPM, f2 float64) (float64, bool) {
	total := f1 + f2
	if total == 0 {
		return 0, false
	}
	return (c1PPM*f1 + c2PPM*f2) / total, true
}
