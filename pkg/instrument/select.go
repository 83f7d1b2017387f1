// Variable-gas instrument selection
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package instrument

import (
	"pyhorst-go-migration/pkg/errors"
)

// Select picks the instrument best suited to deliver requiredFlow.
// Candidates are instruments whose [MinFlow, MaxFlow] range contains the
// flow inclusively, excluding the base-gas instrument. Among candidates
// the one with the highest utilization (requiredFlow/MaxFlow) wins:
// running a controller near its rated maximum minimizes the relative
// error of the reading-proportional uncertainty term. Ties break toward
// the lowest address so selection is deterministic.
func Select(requiredFlow float64, catalog *Catalog) (int, error) {
	bestAddr := 0
	bestUtilization := -1.0

	for _, spec := range catalog.All() {
		if spec.Role == RoleBase {
			continue
		}
		if requiredFlow < spec.MinFlow || requiredFlow > spec.MaxFlow {
			continue
		}
		utilization := requiredFlow / spec.MaxFlow
		// Strict > keeps the lowest address on ties; All() walks in
		// address order.
		if utilization > bestUtilization {
			bestUtilization = utilization
			bestAddr = spec.Address
		}
	}

	if bestAddr == 0 {
		return 0, errors.NoSuitableInstrumentError(requiredFlow)
	}
	return bestAddr, nil
}
