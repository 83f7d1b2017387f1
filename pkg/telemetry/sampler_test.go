// Telemetry sampler unit tests
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package telemetry

import (
	"math"
	"testing"

	"pyhorst-go-migration/pkg/instrument"
	"pyhorst-go-migration/pkg/metrics"
)

// fakeInterface serves canned readings per address and lets tests
// knock individual values out.
type fakeInterface struct {
	flows map[int]float64
	gaps  map[int]bool
}

func (f *fakeInterface) ReadFlow(addr int) (float64, bool) {
	if f.gaps[addr] {
		return 0, false
	}
	v, ok := f.flows[addr]
	return v, ok
}

func (f *fakeInterface) ReadValve(addr int) (float64, bool) {
	if f.gaps[addr] {
		return 0, false
	}
	return 42, true
}

func (f *fakeInterface) ReadTemperature(addr int) (float64, bool) {
	if f.gaps[addr] {
		return 0, false
	}
	return 21.5, true
}

func (f *fakeInterface) WriteSetpoint(addr int, flow float64) error {
	return nil
}

func benchSetup(t *testing.T) (*fakeInterface, *instrument.Catalog) {
	t.Helper()
	catalog := instrument.NewCatalog()
	specs := []instrument.Spec{
		{Address: 5, Name: "base", MinFlow: 0, MaxFlow: 1.5, FullScale: 1.5, Unit: UnitLnMin, Role: instrument.RoleBase},
		{Address: 8, Name: "low flow", MinFlow: 0.2, MaxFlow: 10, FullScale: 10, Unit: UnitMlnMin, Role: instrument.RoleVariable},
	}
	for _, s := range specs {
		if err := catalog.Add(s); err != nil {
			t.Fatal(err)
		}
	}
	return &fakeInterface{
		flows: map[int]float64{5: 1.47, 8: 30},
		gaps:  map[int]bool{},
	}, catalog
}

func TestPollRecordsCompositeSample(t *testing.T) {
	iface, catalog := benchSetup(t)
	hm := metrics.NewHostMetrics(metrics.NewRegistry())

	s := New(Config{C1PPM: 0, C2PPM: 5000, DisplayUnit: UnitLnMin},
		iface, catalog, StaticSource(8), nil, hm)
	s.Poll()

	sample, ok := s.Latest()
	if !ok {
		t.Fatal("no sample recorded")
	}
	if sample.BaseAddr != 5 || sample.VariableAddr != 8 {
		t.Errorf("addresses = %d/%d, want 5/8", sample.BaseAddr, sample.VariableAddr)
	}
	if sample.BaseFlow != 1.47 {
		t.Errorf("base flow = %v, want 1.47", sample.BaseFlow)
	}
	// 30 mln/min normalizes to 0.03 ln/min.
	if math.Abs(sample.VariableFlow-0.03) > 1e-12 {
		t.Errorf("variable flow = %v, want 0.03", sample.VariableFlow)
	}
	if math.Abs(sample.Concentration-100) > 1e-9 {
		t.Errorf("concentration = %v ppm, want 100", sample.Concentration)
	}
	if hm.SamplesTaken.Value() != 1 {
		t.Errorf("samples_taken = %v, want 1", hm.SamplesTaken.Value())
	}
}

func TestPollDropsCycleOnMissingFlow(t *testing.T) {
	iface, catalog := benchSetup(t)
	hm := metrics.NewHostMetrics(metrics.NewRegistry())

	s := New(Config{C1PPM: 0, C2PPM: 5000}, iface, catalog, StaticSource(8), nil, hm)

	s.Poll() // one good cycle
	iface.gaps[8] = true
	s.Poll() // variable flow missing: dropped
	iface.gaps[8] = false
	iface.gaps[5] = true
	s.Poll() // base flow missing: dropped

	if got := len(s.History()); got != 1 {
		t.Errorf("history length = %d, want 1 (dropped cycles must not append)", got)
	}
	if hm.SamplesDropped.Value() != 2 {
		t.Errorf("samples_dropped = %v, want 2", hm.SamplesDropped.Value())
	}

	// The surviving sample must be the complete one, not a partial.
	sample, _ := s.Latest()
	if sample.BaseFlow != 1.47 {
		t.Errorf("surviving sample corrupted: %+v", sample)
	}
}

func TestPollKeepsRawReadingsOnDrop(t *testing.T) {
	iface, catalog := benchSetup(t)
	s := New(Config{}, iface, catalog, StaticSource(8), nil, nil)

	iface.gaps[8] = true
	s.Poll()

	readings := s.Readings()
	// The reachable instrument's raw readings are still refreshed.
	if r := readings[5]; !r.HasFlow || r.Flow != 1.47 {
		t.Errorf("base reading lost on dropped cycle: %+v", r)
	}
	// The gapped instrument reports no values, not zeros-as-values.
	if r := readings[8]; r.HasFlow || r.HasValve || r.HasTemperature {
		t.Errorf("gapped reading claims values: %+v", r)
	}
}

func TestPollUnresolvedVariableBinding(t *testing.T) {
	iface, catalog := benchSetup(t)
	hm := metrics.NewHostMetrics(metrics.NewRegistry())

	// StaticSource(0) models an automatic binding that no run has
	// resolved yet; no composite sample may be recorded.
	s := New(Config{}, iface, catalog, StaticSource(0), nil, hm)
	s.Poll()

	if _, ok := s.Latest(); ok {
		t.Error("sample recorded without a resolved variable address")
	}
}

func TestBufferTrimsToSize(t *testing.T) {
	iface, catalog := benchSetup(t)
	s := New(Config{BufferSize: 5}, iface, catalog, StaticSource(8), nil, nil)

	for i := 0; i < 12; i++ {
		s.Poll()
	}
	if got := len(s.History()); got != 5 {
		t.Errorf("history length = %d, want 5", got)
	}
}

func TestSubscribeReceivesSamples(t *testing.T) {
	iface, catalog := benchSetup(t)
	s := New(Config{C1PPM: 0, C2PPM: 5000}, iface, catalog, StaticSource(8), nil, nil)

	ch := s.Subscribe()
	defer s.Unsubscribe(ch)

	s.Poll()

	select {
	case sample := <-ch:
		if sample.VariableAddr != 8 {
			t.Errorf("subscriber sample = %+v", sample)
		}
	default:
		t.Fatal("subscriber received nothing")
	}
}

func TestSlowSubscriberDoesNotBlockPoll(t *testing.T) {
	iface, catalog := benchSetup(t)
	s := New(Config{}, iface, catalog, StaticSource(8), nil, nil)

	ch := s.Subscribe()
	defer s.Unsubscribe(ch)

	// Never drain; the channel fills and polls must keep completing.
	for i := 0; i < 50; i++ {
		s.Poll()
	}
	if got := len(s.History()); got < 50 && got != s.cfg.BufferSize {
		t.Errorf("polls stalled: history = %d", got)
	}
}

func TestNormalizeFlow(t *testing.T) {
	tests := []struct {
		value    float64
		from, to string
		want     float64
	}{
		{30, UnitMlnMin, UnitLnMin, 0.03},
		{1.47, UnitLnMin, UnitLnMin, 1.47},
		{1.47, UnitLnMin, UnitMlnMin, 1470},
		{7, "sccm", UnitLnMin, 7}, // unknown unit passes through
	}
	for _, tt := range tests {
		if got := NormalizeFlow(tt.value, tt.from, tt.to); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("NormalizeFlow(%v, %s, %s) = %v, want %v", tt.value, tt.from, tt.to, got, tt.want)
		}
	}
}
