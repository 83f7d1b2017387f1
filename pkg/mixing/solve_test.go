// Flow solver unit tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package mixing

import (
	"math"
	"testing"

	"pyhorst-go-migration/pkg/errors"
)

func TestSolveDilutionScenario(t *testing.T) {
	// 5000 ppm source diluted with zero-concentration base gas to
	// 100 ppm at 1.5 ln/min per channel: a ~49:1 split.
	sol, err := Solve(100, 0, 5000, 1.5)
	if err != nil {
		t.Fatalf("Solve error: %v", err)
	}

	if math.Abs(sol.Q1-1.470) > 1e-9 {
		t.Errorf("Q1 = %v, want 1.470", sol.Q1)
	}
	if math.Abs(sol.Q2-0.030) > 1e-9 {
		t.Errorf("Q2 = %v, want 0.030", sol.Q2)
	}

	mixed, ok := Concentration(0, sol.Q1, 5000, sol.Q2)
	if !ok {
		t.Fatal("zero total flow")
	}
	if math.Abs(mixed-100) > 1e-6 {
		t.Errorf("reproduced concentration = %v ppm, want 100", mixed)
	}
}

func TestSolveFeasibleTargets(t *testing.T) {
	tests := []struct {
		name                   string
		target, c1, c2, qMax   float64
	}{
		{name: "midpoint", target: 2500, c1: 0, c2: 5000, qMax: 1.5},
		{name: "near source 2", target: 4999, c1: 0, c2: 5000, qMax: 1.5},
		{name: "near source 1", target: 1, c1: 0, c2: 5000, qMax: 1.5},
		{name: "reversed sources", target: 100, c1: 5000, c2: 0, qMax: 1.5},
		{name: "nonzero base", target: 300, c1: 200, c2: 5000, qMax: 2.0},
		{name: "equal to a source", target: 5000, c1: 0, c2: 5000, qMax: 1.5},
		{name: "trace level", target: 2, c1: 0, c2: 200000, qMax: 1.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sol, err := Solve(tt.target, tt.c1, tt.c2, tt.qMax)
			if err != nil {
				t.Fatalf("Solve error: %v", err)
			}

			if sol.Q1 < 0 || sol.Q2 < 0 {
				t.Errorf("negative flow: Q1=%v Q2=%v", sol.Q1, sol.Q2)
			}
			if sol.Q1 > tt.qMax+1e-9 || sol.Q2 > tt.qMax+1e-9 {
				t.Errorf("channel cap exceeded: Q1=%v Q2=%v qMax=%v", sol.Q1, sol.Q2, tt.qMax)
			}
			if sol.Total() > tt.qMax+1e-9 {
				t.Errorf("total flow %v exceeds qMax %v", sol.Total(), tt.qMax)
			}

			mixed, ok := Concentration(tt.c1, sol.Q1, tt.c2, sol.Q2)
			if !ok {
				t.Fatal("zero total flow")
			}
			// 1e-6 in fractional concentration is 1 ppm.
			if math.Abs(mixed-tt.target)*PPM > ConcentrationTolerance {
				t.Errorf("mixture = %v ppm, want %v", mixed, tt.target)
			}
		})
	}
}

func TestSolveDegenerateSources(t *testing.T) {
	targets := []float64{0, 100, 5000}
	for _, target := range targets {
		_, err := Solve(target, 200, 200, 1.5)
		if !errors.Is(err, errors.ErrDegenerateSources) {
			t.Errorf("Solve(%v, 200, 200) error = %v, want DEGENERATE_SOURCES", target, err)
		}
	}
}

func TestSolveInfeasibleTarget(t *testing.T) {
	tests := []struct {
		name               string
		target, c1, c2     float64
	}{
		{name: "above both sources", target: 6000, c1: 0, c2: 5000},
		{name: "below both sources", target: -1, c1: 0, c2: 5000},
		{name: "below interval", target: 100, c1: 200, c2: 5000},
		{name: "reversed above", target: 6000, c1: 5000, c2: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Solve(tt.target, tt.c1, tt.c2, 1.5)
			if !errors.Is(err, errors.ErrInfeasibleTarget) {
				t.Errorf("error = %v, want INFEASIBLE_TARGET", err)
			}
		})
	}
}

func TestSolveDeterministic(t *testing.T) {
	a, err := Solve(750, 0, 5000, 1.5)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Solve(750, 0, 5000, 1.5)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("Solve not deterministic: %+v vs %+v", a, b)
	}
}

func TestConcentrationZeroTotal(t *testing.T) {
	if _, ok := Concentration(0, 0, 5000, 0); ok {
		t.Error("Concentration with zero total flow should report !ok")
	}
}
