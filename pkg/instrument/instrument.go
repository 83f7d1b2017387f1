// Instrument catalog for the Pyhorst Go migration
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package instrument

import (
	"fmt"
	"sort"
	"sync"

	"pyhorst-go-migration/pkg/errors"
)

// Role is the mixing duty assigned to an instrument
type Role int

const (
	// RoleUnassigned means the instrument takes no part in mixing
	RoleUnassigned Role = iota

	// RoleBase carries the diluent (base) gas stream
	RoleBase

	// RoleVariable carries the concentration-bearing gas stream
	RoleVariable
)

// String returns the string representation of the role
func (r Role) String() string {
	switch r {
	case RoleBase:
		return "base"
	case RoleVariable:
		return "variable"
	default:
		return "unassigned"
	}
}

// ParseRole parses a role name as found in config files
func ParseRole(s string) (Role, error) {
	switch s {
	case "base":
		return RoleBase, nil
	case "variable":
		return RoleVariable, nil
	case "unassigned", "":
		return RoleUnassigned, nil
	}
	return RoleUnassigned, fmt.Errorf("unknown role '%s'", s)
}

// Spec describes one mass flow controller. Addresses are positive,
// unique, and stable for the session. All flow fields share Unit.
type Spec struct {
	// Address is the bus address of the instrument
	Address int

	// Name is the operator-facing display name
	Name string

	// MinFlow is the lowest controllable flow
	MinFlow float64

	// MaxFlow is the highest controllable flow
	MaxFlow float64

	// FullScale is the rated full-scale flow, the basis of the
	// constant term in the uncertainty specification
	FullScale float64

	// Unit is the display flow unit (e.g. "ln/min", "mln/min")
	Unit string

	// Role is the current mixing duty
	Role Role
}

// Validate checks a spec for internal consistency
func (s Spec) Validate() error {
	if s.Address <= 0 {
		return fmt.Errorf("instrument address must be positive, got %d", s.Address)
	}
	if s.MaxFlow <= s.MinFlow {
		return fmt.Errorf("instrument %d: max flow %.4g must exceed min flow %.4g",
			s.Address, s.MaxFlow, s.MinFlow)
	}
	if s.FullScale <= 0 {
		return fmt.Errorf("instrument %d: full scale must be positive", s.Address)
	}
	return nil
}

// Binding names the variable-gas instrument either as a concrete address
// or as "pick automatically". The zero value is Automatic. A Binding is
// never used to address hardware; it resolves to an address first.
type Binding struct {
	fixed bool
	addr  int
}

// Fixed returns a binding pinned to one address
func Fixed(addr int) Binding {
	return Binding{fixed: true, addr: addr}
}

// Automatic returns the automatic binding
func Automatic() Binding {
	return Binding{}
}

// IsAutomatic reports whether the binding requires per-cycle resolution
func (b Binding) IsAutomatic() bool {
	return !b.fixed
}

// FixedAddress returns the pinned address and whether one exists
func (b Binding) FixedAddress() (int, bool) {
	return b.addr, b.fixed
}

// String returns the binding description
func (b Binding) String() string {
	if b.fixed {
		return fmt.Sprintf("fixed(%d)", b.addr)
	}
	return "automatic"
}

// Interface is the consumed hardware capability. Reads report
// (value, ok); a false ok is a transient gap for that cycle, never an
// error to propagate. All methods are safe for concurrent use.
type Interface interface {
	// ReadFlow returns the measured flow in the instrument's unit
	ReadFlow(addr int) (float64, bool)

	// ReadValve returns the valve opening in percent
	ReadValve(addr int) (float64, bool)

	// ReadTemperature returns the sensor temperature in degrees C
	ReadTemperature(addr int) (float64, bool)

	// WriteSetpoint commands a flow setpoint in the instrument's unit
	WriteSetpoint(addr int, flow float64) error
}

// Catalog is the session-scoped set of instrument specs. It is populated
// once after a scan and read-mostly afterwards; only role reassignment
// mutates it during a run.
type Catalog struct {
	mu    sync.RWMutex
	specs map[int]Spec
}

// NewCatalog creates an empty catalog
func NewCatalog() *Catalog {
	return &Catalog{specs: make(map[int]Spec)}
}

// Add registers an instrument spec
func (c *Catalog) Add(spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.specs[spec.Address]; exists {
		return fmt.Errorf("instrument address %d already registered", spec.Address)
	}
	c.specs[spec.Address] = spec
	return nil
}

// Get returns the spec for an address
func (c *Catalog) Get(addr int) (Spec, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	spec, ok := c.specs[addr]
	if !ok {
		return Spec{}, errors.UnknownInstrumentError(addr)
	}
	return spec, nil
}

// All returns all specs in address order
func (c *Catalog) All() []Spec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Spec, 0, len(c.specs))
	for _, spec := range c.specs {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Len returns the number of registered instruments
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.specs)
}

// SetRole reassigns an instrument's mixing duty
func (c *Catalog) SetRole(addr int, role Role) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	spec, ok := c.specs[addr]
	if !ok {
		return errors.UnknownInstrumentError(addr)
	}
	spec.Role = role
	c.specs[addr] = spec
	return nil
}

// BaseAddress returns the address holding the base-gas role
func (c *Catalog) BaseAddress() (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	best := 0
	for addr, spec := range c.specs {
		if spec.Role != RoleBase {
			continue
		}
		if best == 0 || addr < best {
			best = addr
		}
	}
	return best, best != 0
}
