// Metrics unit tests
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"strings"
	"sync"
	"testing"
)

func TestCounter(t *testing.T) {
	r := NewRegistry()
	c := r.Counter("test_total", "a test counter")

	c.Inc()
	c.Add(2.5)
	if got := c.Value(); got != 3.5 {
		t.Errorf("Value() = %v, want 3.5", got)
	}

	// Negative deltas are ignored
	c.Add(-1)
	if got := c.Value(); got != 3.5 {
		t.Errorf("Value() after negative Add = %v, want 3.5", got)
	}
}

func TestCounterConcurrent(t *testing.T) {
	r := NewRegistry()
	c := r.Counter("concurrent_total", "")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Inc()
			}
		}()
	}
	wg.Wait()

	if got := c.Value(); got != 1000 {
		t.Errorf("Value() = %v, want 1000", got)
	}
}

func TestGauge(t *testing.T) {
	r := NewRegistry()
	g := r.Gauge("state", "")

	g.Set(3)
	if got := g.Value(); got != 3 {
		t.Errorf("Value() = %v, want 3", got)
	}
	g.Set(-1.5)
	if got := g.Value(); got != -1.5 {
		t.Errorf("Value() = %v, want -1.5", got)
	}
}

func TestRegistryReturnsSameMetric(t *testing.T) {
	r := NewRegistry()
	a := r.Counter("dup_total", "")
	b := r.Counter("dup_total", "different help")
	if a != b {
		t.Error("Counter() should return the registered instance for a repeated name")
	}
}

func TestExportFormat(t *testing.T) {
	r := NewRegistry()
	r.Counter("pyhorst_samples_total", "Samples recorded").Add(5)
	r.Gauge("pyhorst_run_state", "Run state").Set(2)

	out := r.Export()

	for _, want := range []string{
		"# HELP pyhorst_samples_total Samples recorded",
		"# TYPE pyhorst_samples_total counter",
		"pyhorst_samples_total 5",
		"# TYPE pyhorst_run_state gauge",
		"pyhorst_run_state 2",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Export() missing %q in:\n%s", want, out)
		}
	}
}

func TestHostMetricsRegistered(t *testing.T) {
	r := NewRegistry()
	m := NewHostMetrics(r)

	m.SamplesDropped.Inc()
	m.RunState.Set(3)

	out := r.Export()
	if !strings.Contains(out, "pyhorst_telemetry_samples_dropped_total 1") {
		t.Errorf("dropped counter missing from export:\n%s", out)
	}
	if !strings.Contains(out, "pyhorst_calibration_run_state 3") {
		t.Errorf("run state gauge missing from export:\n%s", out)
	}
}
