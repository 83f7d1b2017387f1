// Instrument selection unit tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package instrument

import (
	"testing"

	"pyhorst-go-migration/pkg/errors"
)

// testCatalog builds the original bench's complement of controllers:
// a low-flow, a medium-flow, and a high-flow variable candidate plus
// the base-gas instrument.
func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	c := NewCatalog()
	specs := []Spec{
		{Address: 8, Name: "low flow", MinFlow: 0.2, MaxFlow: 10, FullScale: 10, Unit: "mln/min"},
		{Address: 5, Name: "medium flow", MinFlow: 3, MaxFlow: 150, FullScale: 150, Unit: "mln/min"},
		{Address: 3, Name: "high flow", MinFlow: 30, MaxFlow: 1500, FullScale: 1500, Unit: "mln/min"},
		{Address: 20, Name: "base air", MinFlow: 30, MaxFlow: 1500, FullScale: 1500, Unit: "mln/min", Role: RoleBase},
	}
	for _, s := range specs {
		if err := c.Add(s); err != nil {
			t.Fatalf("Add(%d): %v", s.Address, err)
		}
	}
	return c
}

func TestSelectMaximizesUtilization(t *testing.T) {
	catalog := testCatalog(t)

	tests := []struct {
		name     string
		flow     float64
		wantAddr int
	}{
		// 8 mln/min fits both addr 8 (util 0.8) and addr 5 (util 0.053)
		{name: "prefers high utilization", flow: 8, wantAddr: 8},
		// 100 fits addr 5 (util 0.67) and addr 3 (util 0.067)
		{name: "medium range", flow: 100, wantAddr: 5},
		// only the high-flow instrument covers 800
		{name: "high range", flow: 800, wantAddr: 3},
		// inclusive bounds
		{name: "exact maximum", flow: 10, wantAddr: 8},
		{name: "exact minimum", flow: 0.2, wantAddr: 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, err := Select(tt.flow, catalog)
			if err != nil {
				t.Fatalf("Select(%v) error: %v", tt.flow, err)
			}
			if addr != tt.wantAddr {
				t.Errorf("Select(%v) = %d, want %d", tt.flow, addr, tt.wantAddr)
			}

			// The winner's range must contain the flow.
			spec, _ := catalog.Get(addr)
			if tt.flow < spec.MinFlow || tt.flow > spec.MaxFlow {
				t.Errorf("selected instrument %d range [%v,%v] excludes flow %v",
					addr, spec.MinFlow, spec.MaxFlow, tt.flow)
			}
		})
	}
}

func TestSelectExcludesBaseRole(t *testing.T) {
	catalog := testCatalog(t)

	// 1200 mln/min is covered only by addr 3 and the base instrument;
	// the base must never be picked even though its utilization ties.
	addr, err := Select(1200, catalog)
	if err != nil {
		t.Fatalf("Select error: %v", err)
	}
	if addr == 20 {
		t.Error("Select returned the base-gas instrument")
	}
	if addr != 3 {
		t.Errorf("Select = %d, want 3", addr)
	}
}

func TestSelectTieBreaksLowestAddress(t *testing.T) {
	c := NewCatalog()
	twins := []Spec{
		{Address: 9, Name: "twin b", MinFlow: 0, MaxFlow: 50, FullScale: 50},
		{Address: 4, Name: "twin a", MinFlow: 0, MaxFlow: 50, FullScale: 50},
	}
	for _, s := range twins {
		if err := c.Add(s); err != nil {
			t.Fatal(err)
		}
	}

	addr, err := Select(25, c)
	if err != nil {
		t.Fatal(err)
	}
	if addr != 4 {
		t.Errorf("tie should break to lowest address, got %d", addr)
	}
}

func TestSelectNoSuitableInstrument(t *testing.T) {
	catalog := testCatalog(t)

	tests := []struct {
		name string
		flow float64
	}{
		{name: "above every range", flow: 5000},
		{name: "below every range", flow: 0.01},
		{name: "under the smallest minimum", flow: 0.15},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Select(tt.flow, catalog)
			if !errors.Is(err, errors.ErrNoSuitableInstrument) {
				t.Errorf("Select(%v) error = %v, want NO_SUITABLE_INSTRUMENT", tt.flow, err)
			}
		})
	}
}
