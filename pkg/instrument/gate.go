// Serialized setpoint command gate
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package instrument

import (
	"sync"
)

// CommandGate serializes setpoint writes per instrument address and
// tracks the last commanded setpoint. Concurrent writers to the same
// address (scheduler vs. manual operator command) queue on that
// address's lock; writes to different addresses proceed in parallel.
// Reads pass through untouched.
type CommandGate struct {
	iface Interface

	mu        sync.Mutex // guards the maps, not the writes
	addrLocks map[int]*sync.Mutex
	setpoints map[int]float64
}

// NewCommandGate wraps an instrument interface with write serialization
func NewCommandGate(iface Interface) *CommandGate {
	return &CommandGate{
		iface:     iface,
		addrLocks: make(map[int]*sync.Mutex),
		setpoints: make(map[int]float64),
	}
}

func (g *CommandGate) lockFor(addr int) *sync.Mutex {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.addrLocks[addr]
	if !ok {
		l = &sync.Mutex{}
		g.addrLocks[addr] = l
	}
	return l
}

// WriteSetpoint commands a flow setpoint, holding the per-address lock
// for the duration of the hardware write. The tracked setpoint updates
// only when the write succeeds.
func (g *CommandGate) WriteSetpoint(addr int, flow float64) error {
	l := g.lockFor(addr)
	l.Lock()
	defer l.Unlock()

	if err := g.iface.WriteSetpoint(addr, flow); err != nil {
		return err
	}

	g.mu.Lock()
	g.setpoints[addr] = flow
	g.mu.Unlock()
	return nil
}

// Setpoint returns the last successfully commanded setpoint for an
// address, or zero when none has been commanded.
func (g *CommandGate) Setpoint(addr int) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.setpoints[addr]
}

// ReadFlow passes through to the underlying interface
func (g *CommandGate) ReadFlow(addr int) (float64, bool) {
	return g.iface.ReadFlow(addr)
}

// ReadValve passes through to the underlying interface
func (g *CommandGate) ReadValve(addr int) (float64, bool) {
	return g.iface.ReadValve(addr)
}

// ReadTemperature passes through to the underlying interface
func (g *CommandGate) ReadTemperature(addr int) (float64, bool) {
	return g.iface.ReadTemperature(addr)
}
