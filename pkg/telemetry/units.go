// Flow unit normalization
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package telemetry

// Flow units reported by the instruments. The low-flow controllers
// report in thousandths of the display unit.
const (
	UnitLnMin  = "ln/min"
	UnitMlnMin = "mln/min"
)

// NormalizeFlow converts a flow reading from an instrument's unit into
// the display unit. Readings already in the display unit pass through
// unchanged, as do readings in units with no known conversion.
func NormalizeFlow(value float64, fromUnit, toUnit string) float64 {
	if fromUnit == toUnit {
		return value
	}
	switch {
	case fromUnit == UnitMlnMin && toUnit == UnitLnMin:
		return value / 1000
	case fromUnit == UnitLnMin && toUnit == UnitMlnMin:
		return value * 1000
	}
	return value
}
