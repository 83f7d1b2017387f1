// Metrics collection for the Pyhorst Go migration
//
// Provides counters and gauges with Prometheus text exposition. The
// status server exports the registry at /metrics.
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Counter is a monotonically increasing value
type Counter struct {
	name  string
	help  string
	value atomic.Uint64 // float64 bits
}

// Inc increments the counter by one
func (c *Counter) Inc() {
	c.Add(1)
}

// Add increments the counter by delta; negative deltas are ignored
func (c *Counter) Add(delta float64) {
	if delta < 0 {
		return
	}
	for {
		old := c.value.Load()
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if c.value.CompareAndSwap(old, next) {
			return
		}
	}
}

// Value returns the current counter value
func (c *Counter) Value() float64 {
	return math.Float64frombits(c.value.Load())
}

// Gauge is a value that can go up and down
type Gauge struct {
	name  string
	help  string
	value atomic.Uint64 // float64 bits
}

// Set sets the gauge value
func (g *Gauge) Set(v float64) {
	g.value.Store(math.Float64bits(v))
}

// Value returns the current gauge value
func (g *Gauge) Value() float64 {
	return math.Float64frombits(g.value.Load())
}

// Registry holds named metrics and renders them in Prometheus text format
type Registry struct {
	mu       sync.Mutex
	counters map[string]*Counter
	gauges   map[string]*Gauge
}

// NewRegistry creates an empty metrics registry
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]*Counter),
		gauges:   make(map[string]*Gauge),
	}
}

// Counter registers (or returns the existing) counter with the name
func (r *Registry) Counter(name, help string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := &Counter{name: name, help: help}
	r.counters[name] = c
	return c
}

// Gauge registers (or returns the existing) gauge with the name
func (r *Registry) Gauge(name, help string) *Gauge {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := &Gauge{name: name, help: help}
	r.gauges[name] = g
	return g
}

// Export renders the registry in Prometheus text exposition format,
// metrics sorted by name for stable output.
func (r *Registry) Export() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sb strings.Builder

	names := make([]string, 0, len(r.counters))
	for name := range r.counters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := r.counters[name]
		if c.help != "" {
			fmt.Fprintf(&sb, "# HELP %s %s\n", name, c.help)
		}
		fmt.Fprintf(&sb, "# TYPE %s counter\n", name)
		fmt.Fprintf(&sb, "%s %g\n", name, c.Value())
	}

	names = names[:0]
	for name := range r.gauges {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		g := r.gauges[name]
		if g.help != "" {
			fmt.Fprintf(&sb, "# HELP %s %s\n", name, g.help)
		}
		fmt.Fprintf(&sb, "# TYPE %s gauge\n", name)
		fmt.Fprintf(&sb, "%s %g\n", name, g.Value())
	}

	return sb.String()
}
