// Flow and concentration uncertainty propagation
//
// Based on the Bronkhorst MFC accuracy specification of
// ±0.5% of reading + ±0.1% of full scale.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mixing

import (
	"fmt"
	"math"

	"pyhorst-go-migration/pkg/instrument"
)

const (
	// ReadingCoeff is the reading-proportional uncertainty term
	ReadingCoeff = 0.005

	// FullScaleCoeff is the full-scale-proportional uncertainty term
	FullScaleCoeff = 0.001
)

// Uncertainty is the propagated measurement uncertainty of one mixture.
// Flows and flow uncertainties share the instruments' flow unit;
// concentration values are in ppm. Derived and ephemeral.
type Uncertainty struct {
	// UF1, UF2 are the per-instrument flow uncertainties (1-sigma)
	UF1 float64
	UF2 float64

	// UC is the propagated concentration uncertainty in ppm
	UC float64

	// Sens1, Sens2 are the concentration sensitivities dC/dF1, dC/dF2
	// in ppm per flow unit
	Sens1 float64
	Sens2 float64

	// Expected is the mixture concentration in ppm
	Expected float64
}

// FlowUncertainty evaluates an instrument's flow uncertainty at a given
// reading: reading-proportional term plus full-scale-proportional term,
// always against the instrument's own full-scale rating.
func FlowUncertainty(flow float64, spec instrument.Spec) float64 {
	return ReadingCoeff*math.Abs(flow) + FullScaleCoeff*spec.FullScale
}

// Propagate computes the concentration uncertainty of mixing flow f1 of
// c1PPM gas (measured by spec1) with flow f2 of c2PPM gas (measured by
// spec2), assuming independent flow errors. A zero total flow yields a
// zero result rather than an error.
func Propagate(c1PPM, f1, c2PPM, f2 float64, spec1, spec2 instrument.Spec) Uncertainty {
	uF1 := FlowUncertainty(f1, spec1)
	uF2 := FlowUncertainty(f2, spec2)

	total := f1 + f2
	if total == 0 {
		return Uncertainty{UF1: uF1, UF2: uF2}
	}

	expected := (c1PPM*f1 + c2PPM*f2) / total

	// dC/dF1 = (C1 - C2) * F2 / (F1+F2)^2 and symmetrically for F2.
	sens1 := (c1PPM - c2PPM) * f2 / (total * total)
	sens2 := (c2PPM - c1PPM) * f1 / (total * total)

	uC := math.Sqrt(sens1*sens1*uF1*uF1 + sens2*sens2*uF2*uF2)

	return Uncertainty{
		UF1:      uF1,
		UF2:      uF2,
		UC:       uC,
		Sens1:    sens1,
		Sens2:    sens2,
		Expected: expected,
	}
}

// RequiredFlow computes the variable-gas flow that brings a fixed base
// flow f1 of c1PPM gas to the target concentration. The second return
// is false when the source equals the target and no finite flow exists.
func RequiredFlow(targetPPM, c1PPM, f1, c2PPM float64) (float64, bool) {
	if c2PPM == targetPPM {
		return 0, false
	}
	return f1 * (targetPPM - c1PPM) / (c2PPM - targetPPM), true
}

// RelativeError returns an uncertainty as a percentage of the target
// concentration, or zero for a non-positive target.
func RelativeError(uC, targetPPM float64) float64 {
	if targetPPM <= 0 {
		return 0
	}
	return uC / targetPPM * 100
}

// FormatUncertainty renders "value ± uncertainty unit" with precision
// picked from the value's magnitude.
func FormatUncertainty(value, uncertainty float64, unit string) string {
	var s string
	switch {
	case math.Abs(value) < 0.01 || math.Abs(value) > 10000:
		s = fmt.Sprintf("%.3e ± %.2e %s", value, uncertainty, unit)
	case math.Abs(value) < 1:
		s = fmt.Sprintf("%.4f ± %.4f %s", value, uncertainty, unit)
	case math.Abs(value) < 10:
		s = fmt.Sprintf("%.3f ± %.3f %s", value, uncertainty, unit)
	case math.Abs(value) < 100:
		s = fmt.Sprintf("%.2f ± %.2f %s", value, uncertainty, unit)
	default:
		s = fmt.Sprintf("%.1f ± %.1f %s", value, uncertainty, unit)
	}

	// Trim the trailing space left by an empty unit.
	if unit == "" {
		return s[:len(s)-1]
	}
	return s
}
