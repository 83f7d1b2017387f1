// Telemetry sampling for the Pyhorst Go migration
//
// The sampler polls every cataloged instrument on a fixed cadence,
// independent of whether a calibration run is active. Raw per-address
// readings feed the status API; composite mixture samples (both flows
// plus the derived concentration) feed the plot buffer, subscribers,
// and the calibration log. A poll cycle missing either flow reading is
// dropped silently so no corrupted data point is ever recorded.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package telemetry

import (
	"sync"
	"time"

	"pyhorst-go-migration/pkg/instrument"
	"pyhorst-go-migration/pkg/log"
	"pyhorst-go-migration/pkg/metrics"
	"pyhorst-go-migration/pkg/mixing"
	"pyhorst-go-migration/pkg/reactor"
)

// Reading is one instrument's raw state from a single poll. Missing
// values keep their Has flag false and are never unit-converted.
type Reading struct {
	Flow           float64
	Valve          float64
	Temperature    float64
	HasFlow        bool
	HasValve       bool
	HasTemperature bool
	Time           time.Time
}

// Sample is one composite observation of the running mixture, in the
// display unit, recorded only when both flow readings are present.
type Sample struct {
	Time          time.Time
	BaseAddr      int
	VariableAddr  int
	BaseFlow      float64
	VariableFlow  float64
	Concentration float64

	// Uncertainty is the propagated 1-sigma concentration
	// uncertainty in ppm, from the instruments' accuracy spec
	Uncertainty float64
}

// VariableSource resolves the variable-gas binding to the concrete
// address for the current interval. The calibration run implements this
// with its most recently selected instrument; a fixed binding resolves
// to itself.
type VariableSource interface {
	VariableAddress() (int, bool)
}

// StaticSource is a VariableSource pinned to one address
type StaticSource int

// VariableAddress implements VariableSource
func (s StaticSource) VariableAddress() (int, bool) {
	return int(s), s > 0
}

// Config holds sampler configuration
type Config struct {
	// Interval between polls in seconds (default 1.0)
	Interval float64

	// BufferSize is the number of composite samples retained for
	// plotting/consumers (default 60, one minute at the default cadence)
	BufferSize int

	// C1PPM, C2PPM are the base and variable source concentrations
	// used for the derived concentration
	C1PPM float64
	C2PPM float64

	// DisplayUnit is the unit composite flows are normalized to
	DisplayUnit string
}

// DefaultConfig returns the original bench's polling parameters
func DefaultConfig() Config {
	return Config{
		Interval:    1.0,
		BufferSize:  60,
		DisplayUnit: UnitLnMin,
	}
}

// Sampler periodically reads live instrument state
type Sampler struct {
	cfg     Config
	iface   instrument.Interface
	catalog *instrument.Catalog
	source  VariableSource
	logger  *log.Logger
	hm      *metrics.HostMetrics

	mu       sync.Mutex
	readings map[int]Reading
	buffer   []Sample
	subs     []chan Sample

	timer *reactor.Timer
	rx    *reactor.Reactor
}

// New creates a sampler over the given hardware interface
func New(cfg Config, iface instrument.Interface, catalog *instrument.Catalog, source VariableSource, logger *log.Logger, hm *metrics.HostMetrics) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = 1.0
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 60
	}
	if cfg.DisplayUnit == "" {
		cfg.DisplayUnit = UnitLnMin
	}
	return &Sampler{
		cfg:      cfg,
		iface:    iface,
		catalog:  catalog,
		source:   source,
		logger:   logger,
		hm:       hm,
		readings: make(map[int]Reading),
	}
}

// Start registers the polling timer on the reactor
func (s *Sampler) Start(rx *reactor.Reactor) {
	s.rx = rx
	s.timer = rx.RegisterTimer(func(eventtime float64) float64 {
		s.Poll()
		return eventtime + s.cfg.Interval
	}, reactor.NOW)
}

// Stop unregisters the polling timer
func (s *Sampler) Stop() {
	if s.rx != nil && s.timer != nil {
		s.rx.UnregisterTimer(s.timer)
		s.timer = nil
	}
}

// Poll performs one polling cycle: read every cataloged instrument,
// then record a composite sample when both mixture flows are available.
// Exposed for deterministic driving in tests.
func (s *Sampler) Poll() {
	now := time.Now()

	specs := s.catalog.All()
	readings := make(map[int]Reading, len(specs))
	for _, spec := range specs {
		r := Reading{Time: now}
		r.Flow, r.HasFlow = s.iface.ReadFlow(spec.Address)
		r.Valve, r.HasValve = s.iface.ReadValve(spec.Address)
		r.Temperature, r.HasTemperature = s.iface.ReadTemperature(spec.Address)
		readings[spec.Address] = r
	}

	s.mu.Lock()
	s.readings = readings
	s.mu.Unlock()

	baseAddr, haveBase := s.catalog.BaseAddress()
	varAddr, haveVar := s.source.VariableAddress()
	if !haveBase || !haveVar {
		// No resolved mixture this interval; raw readings were still
		// refreshed above.
		return
	}

	baseReading, okBase := readings[baseAddr]
	varReading, okVar := readings[varAddr]
	if !okBase || !okVar || !baseReading.HasFlow || !varReading.HasFlow {
		if s.hm != nil {
			s.hm.SamplesDropped.Inc()
		}
		if s.logger != nil {
			s.logger.Debugf("composite sample dropped: incomplete flow readings (base=%d var=%d)", baseAddr, varAddr)
		}
		return
	}

	baseSpec, err1 := s.catalog.Get(baseAddr)
	varSpec, err2 := s.catalog.Get(varAddr)
	if err1 != nil || err2 != nil {
		if s.hm != nil {
			s.hm.SamplesDropped.Inc()
		}
		return
	}

	baseFlow := NormalizeFlow(baseReading.Flow, baseSpec.Unit, s.cfg.DisplayUnit)
	varFlow := NormalizeFlow(varReading.Flow, varSpec.Unit, s.cfg.DisplayUnit)

	conc, ok := mixing.Concentration(s.cfg.C1PPM, baseFlow, s.cfg.C2PPM, varFlow)
	if !ok {
		conc = 0
	}

	// Uncertainty propagation needs flows and full-scale ratings in
	// one unit, so normalize the specs the same way as the readings.
	baseSpec.FullScale = NormalizeFlow(baseSpec.FullScale, baseSpec.Unit, s.cfg.DisplayUnit)
	varSpec.FullScale = NormalizeFlow(varSpec.FullScale, varSpec.Unit, s.cfg.DisplayUnit)
	u := mixing.Propagate(s.cfg.C1PPM, baseFlow, s.cfg.C2PPM, varFlow, baseSpec, varSpec)

	sample := Sample{
		Time:          now,
		BaseAddr:      baseAddr,
		VariableAddr:  varAddr,
		BaseFlow:      baseFlow,
		VariableFlow:  varFlow,
		Concentration: conc,
		Uncertainty:   u.UC,
	}

	s.mu.Lock()
	s.buffer = append(s.buffer, sample)
	if len(s.buffer) > s.cfg.BufferSize {
		s.buffer = s.buffer[len(s.buffer)-s.cfg.BufferSize:]
	}
	subs := make([]chan Sample, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	if s.hm != nil {
		s.hm.SamplesTaken.Inc()
	}

	for _, ch := range subs {
		select {
		case ch <- sample:
		default:
			// A stalled subscriber never blocks the poll.
		}
	}
}

// Latest returns the most recent composite sample
func (s *Sampler) Latest() (Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) == 0 {
		return Sample{}, false
	}
	return s.buffer[len(s.buffer)-1], true
}

// History returns a copy of the retained composite samples, oldest first
func (s *Sampler) History() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sample, len(s.buffer))
	copy(out, s.buffer)
	return out
}

// Readings returns the raw readings from the most recent poll cycle
func (s *Sampler) Readings() map[int]Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int]Reading, len(s.readings))
	for addr, r := range s.readings {
		out[addr] = r
	}
	return out
}

// Subscribe returns a channel receiving future composite samples. Slow
// receivers miss samples rather than stalling the sampler.
func (s *Sampler) Subscribe() chan Sample {
	ch := make(chan Sample, 16)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription channel
func (s *Sampler) Unsubscribe(ch chan Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subs {
		if sub == ch {
			s.subs = append(s.subs[:i], s.subs[i+1:]...)
			return
		}
	}
}
