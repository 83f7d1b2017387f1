// Instrument interface over the propar bus
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package propar

import (
	"math"

	"pyhorst-go-migration/pkg/errors"
	"pyhorst-go-migration/pkg/instrument"
	"pyhorst-go-migration/pkg/log"
)

// Bus adapts a propar client to the host's instrument interface.
// Reads that fail on the wire come back as missing values; the
// telemetry layer decides what a missing value means. Setpoint writes
// surface their errors, since the scheduler retries them.
type Bus struct {
	client  *Client
	catalog *instrument.Catalog
	logger  *log.Logger
}

// NewBus creates a Bus over an open client
func NewBus(client *Client, catalog *instrument.Catalog, logger *log.Logger) *Bus {
	return &Bus{client: client, catalog: catalog, logger: logger}
}

func (b *Bus) readFloat(addr int, index byte, what string) (float64, bool) {
	v, err := b.client.ReadFloat(byte(addr), ProcessMeasure, index)
	if err != nil {
		if b.logger != nil {
			b.logger.Debugf("read %s from addr %d failed: %v", what, addr, err)
		}
		return 0, false
	}
	return v, true
}

// ReadFlow reads the measured flow in the instrument's capacity unit
func (b *Bus) ReadFlow(addr int) (float64, bool) {
	return b.readFloat(addr, ParamFMeasure, "flow")
}

// ReadValve reads the valve output percentage
func (b *Bus) ReadValve(addr int) (float64, bool) {
	return b.readFloat(addr, ParamValve, "valve")
}

// ReadTemperature reads the onboard temperature in degC
func (b *Bus) ReadTemperature(addr int) (float64, bool) {
	return b.readFloat(addr, ParamTemperature, "temperature")
}

// ReadUnit reads the instrument's capacity unit string. Used at startup
// to cross-check the configured display units.
func (b *Bus) ReadUnit(addr int) (string, error) {
	return b.client.ReadString(byte(addr), ProcessSetup, ParamCapacityUnit)
}

// WriteSetpoint commands a flow setpoint. The flow is expressed in the
// instrument's capacity unit and converted to the 0..32000 count scale
// against its full-scale flow.
func (b *Bus) WriteSetpoint(addr int, flow float64) error {
	spec, err := b.catalog.Get(addr)
	if err != nil {
		return err
	}

	counts := math.Round(flow / spec.FullScale * SetpointFullScale)
	if counts < 0 {
		counts = 0
	}
	if counts > SetpointFullScale {
		counts = SetpointFullScale
	}

	if err := b.client.WriteInt16(byte(addr), ProcessSetup, ParamSetpoint, uint16(counts)); err != nil {
		return errors.HardwareCommandError(addr, err)
	}
	return nil
}
