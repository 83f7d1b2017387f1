// Calibration step sequence generation
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package calibration

import (
	"fmt"
	"time"

	"pyhorst-go-migration/pkg/errors"
)

// StepMode selects how the target sequence is produced
type StepMode int

const (
	// ModeAutomatic spaces targets linearly between two endpoints
	ModeAutomatic StepMode = iota

	// ModeManual takes the operator-supplied list verbatim
	ModeManual
)

// String returns the mode name as it appears in config files
func (m StepMode) String() string {
	if m == ModeManual {
		return "manual"
	}
	return "automatic"
}

// ParseStepMode parses a step mode name
func ParseStepMode(s string) (StepMode, error) {
	switch s {
	case "automatic", "":
		return ModeAutomatic, nil
	case "manual":
		return ModeManual, nil
	}
	return ModeAutomatic, fmt.Errorf("unknown step mode '%s'", s)
}

// Step is one target-concentration hold period. The sequence is
// immutable once generated for a run.
type Step struct {
	// Index is the zero-based position in the run's sequence
	Index int

	// TargetPPM is the concentration to hold
	TargetPPM float64

	// Duration is how long the concentration holds
	Duration time.Duration
}

// GenerateLinear produces count targets linearly spaced from initial to
// final, both inclusive. count must be at least 2.
func GenerateLinear(count int, initialPPM, finalPPM float64) ([]float64, error) {
	if count < 2 {
		return nil, errors.ConfigValidationError("calibration", "steps",
			fmt.Sprintf("automatic mode needs at least 2 steps, got %d", count))
	}
	stepSize := (finalPPM - initialPPM) / float64(count-1)
	targets := make([]float64, count)
	for i := range targets {
		targets[i] = initialPPM + float64(i)*stepSize
	}
	// Land exactly on the endpoint regardless of rounding.
	targets[count-1] = finalPPM
	return targets, nil
}

// BackAndForth appends the reverse of the sequence excluding its last
// element, producing a forward-then-backward sweep without a repeated
// endpoint.
func BackAndForth(targets []float64) []float64 {
	if len(targets) < 2 {
		out := make([]float64, len(targets))
		copy(out, targets)
		return out
	}
	out := make([]float64, 0, 2*len(targets)-1)
	out = append(out, targets...)
	for i := len(targets) - 2; i >= 0; i-- {
		out = append(out, targets[i])
	}
	return out
}

// BuildSteps assembles the run's step sequence from its parameters.
// Fails with a config error before any run state exists.
func BuildSteps(p Params) ([]Step, error) {
	var targets []float64
	switch p.Mode {
	case ModeManual:
		if len(p.ManualTargets) == 0 {
			return nil, errors.ConfigValidationError("calibration", "manual_steps",
				"manual mode needs a non-empty target list")
		}
		targets = append(targets, p.ManualTargets...)
	default:
		var err error
		targets, err = GenerateLinear(p.StepCount, p.InitialPPM, p.FinalPPM)
		if err != nil {
			return nil, err
		}
	}

	if p.BackAndForth {
		targets = BackAndForth(targets)
	}
	if p.StepDuration <= 0 {
		return nil, errors.ConfigValidationError("calibration", "step_duration",
			"step duration must be positive")
	}

	steps := make([]Step, len(targets))
	for i, target := range targets {
		steps[i] = Step{Index: i, TargetPPM: target, Duration: p.StepDuration}
	}
	return steps, nil
}
