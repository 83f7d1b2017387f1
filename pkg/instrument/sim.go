// Simulated mass flow controllers
//
// Used by tests and by the host's -sim mode to exercise the full
// telemetry and calibration paths without hardware attached.
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package instrument

import (
	"math"
	"sync"
	"time"

	"pyhorst-go-migration/pkg/errors"
)

// SimConfig tunes the simulated instrument dynamics
type SimConfig struct {
	// TimeConstant is the first-order lag of flow toward setpoint,
	// in seconds. Zero means flow tracks the setpoint instantly.
	TimeConstant float64

	// Temperature is the reported sensor temperature in degrees C
	Temperature float64
}

// DefaultSimConfig returns dynamics close to a real low-flow MFC
func DefaultSimConfig() SimConfig {
	return SimConfig{
		TimeConstant: 0.8,
		Temperature:  21.5,
	}
}

type simChannel struct {
	spec     Spec
	setpoint float64
	flow     float64
	lastEval time.Time
	offline  bool
}

// Sim implements Interface with first-order valve dynamics per address.
type Sim struct {
	mu       sync.Mutex
	cfg      SimConfig
	channels map[int]*simChannel
	now      func() time.Time
}

// NewSim creates a simulator for the given instrument specs
func NewSim(cfg SimConfig, specs ...Spec) *Sim {
	s := &Sim{
		cfg:      cfg,
		channels: make(map[int]*simChannel),
		now:      time.Now,
	}
	for _, spec := range specs {
		s.channels[spec.Address] = &simChannel{spec: spec, lastEval: s.now()}
	}
	return s
}

// SetClock replaces the simulator's clock, for deterministic tests
func (s *Sim) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	for _, ch := range s.channels {
		ch.lastEval = now()
	}
}

// SetOffline marks an address as unreachable; its reads return no value
// and its writes fail until it is brought back online.
func (s *Sim) SetOffline(addr int, offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[addr]; ok {
		ch.offline = offline
	}
}

// advance moves a channel's flow toward its setpoint
func (s *Sim) advance(ch *simChannel) {
	now := s.now()
	dt := now.Sub(ch.lastEval).Seconds()
	ch.lastEval = now
	if dt <= 0 {
		return
	}
	if s.cfg.TimeConstant <= 0 {
		ch.flow = ch.setpoint
		return
	}
	alpha := 1 - math.Exp(-dt/s.cfg.TimeConstant)
	ch.flow += (ch.setpoint - ch.flow) * alpha
}

// ReadFlow implements Interface
func (s *Sim) ReadFlow(addr int) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[addr]
	if !ok || ch.offline {
		return 0, false
	}
	s.advance(ch)
	return ch.flow, true
}

// ReadValve implements Interface; valve opening tracks flow demand
func (s *Sim) ReadValve(addr int) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[addr]
	if !ok || ch.offline {
		return 0, false
	}
	s.advance(ch)
	if ch.spec.FullScale <= 0 {
		return 0, true
	}
	return 100 * ch.flow / ch.spec.FullScale, true
}

// ReadTemperature implements Interface
func (s *Sim) ReadTemperature(addr int) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[addr]
	if !ok || ch.offline {
		return 0, false
	}
	return s.cfg.Temperature, true
}

// WriteSetpoint implements Interface
func (s *Sim) WriteSetpoint(addr int, flow float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[addr]
	if !ok {
		return errors.UnknownInstrumentError(addr)
	}
	if ch.offline {
		return errors.New(errors.ErrHardwareCommand, "instrument offline").SetAddress(addr)
	}
	s.advance(ch)
	ch.setpoint = flow
	return nil
}
