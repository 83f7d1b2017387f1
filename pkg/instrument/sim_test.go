// Tests for the simulated instruments
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package instrument

import (
	"math"
	"testing"
	"time"

	"pyhorst-go-migration/pkg/errors"
)

func simSpec() Spec {
	return Spec{Address: 5, Name: "span", MaxFlow: 0.15, FullScale: 0.15, Unit: "ln/min", Role: RoleVariable}
}

func TestSimConvergesOnSetpoint(t *testing.T) {
	now := time.Unix(1000, 0)
	sim := NewSim(SimConfig{TimeConstant: 0.8, Temperature: 21.5}, simSpec())
	sim.SetClock(func() time.Time { return now })

	if err := sim.WriteSetpoint(5, 0.1); err != nil {
		t.Fatalf("write setpoint: %v", err)
	}

	// One time constant in: about 63% of the way there.
	now = now.Add(800 * time.Millisecond)
	flow, ok := sim.ReadFlow(5)
	if !ok {
		t.Fatal("flow reading missing")
	}
	want := 0.1 * (1 - math.Exp(-1))
	if math.Abs(flow-want) > 1e-9 {
		t.Errorf("flow after one time constant = %v, want %v", flow, want)
	}

	// Ten time constants in: settled.
	now = now.Add(8 * time.Second)
	flow, _ = sim.ReadFlow(5)
	if math.Abs(flow-0.1) > 1e-4 {
		t.Errorf("settled flow = %v", flow)
	}

	valve, ok := sim.ReadValve(5)
	if !ok || math.Abs(valve-100*flow/0.15) > 1e-9 {
		t.Errorf("valve = %v (ok=%v)", valve, ok)
	}
	temp, ok := sim.ReadTemperature(5)
	if !ok || temp != 21.5 {
		t.Errorf("temperature = %v (ok=%v)", temp, ok)
	}
}

func TestSimInstantTracking(t *testing.T) {
	now := time.Unix(1000, 0)
	sim := NewSim(SimConfig{}, simSpec())
	sim.SetClock(func() time.Time { return now })

	if err := sim.WriteSetpoint(5, 0.05); err != nil {
		t.Fatalf("write setpoint: %v", err)
	}
	now = now.Add(time.Millisecond)
	if flow, _ := sim.ReadFlow(5); flow != 0.05 {
		t.Errorf("flow = %v, want setpoint immediately", flow)
	}
}

func TestSimOffline(t *testing.T) {
	sim := NewSim(DefaultSimConfig(), simSpec())
	sim.SetOffline(5, true)

	if _, ok := sim.ReadFlow(5); ok {
		t.Error("offline instrument returned a flow")
	}
	if _, ok := sim.ReadValve(5); ok {
		t.Error("offline instrument returned a valve position")
	}
	if _, ok := sim.ReadTemperature(5); ok {
		t.Error("offline instrument returned a temperature")
	}
	err := sim.WriteSetpoint(5, 0.1)
	if !errors.Is(err, errors.ErrHardwareCommand) {
		t.Errorf("offline write error = %v", err)
	}

	sim.SetOffline(5, false)
	if _, ok := sim.ReadFlow(5); !ok {
		t.Error("instrument still offline after recovery")
	}
}

func TestSimUnknownAddress(t *testing.T) {
	sim := NewSim(DefaultSimConfig(), simSpec())
	if _, ok := sim.ReadFlow(99); ok {
		t.Error("unknown address returned a flow")
	}
	err := sim.WriteSetpoint(99, 0.1)
	if !errors.Is(err, errors.ErrUnknownInstrument) {
		t.Errorf("unknown address write error = %v", err)
	}
}
