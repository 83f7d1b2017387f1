// Host configuration schema
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"pyhorst-go-migration/pkg/errors"
	"pyhorst-go-migration/pkg/instrument"
)

// Connection configures the serial link to the flow bus
type Connection struct {
	Port     string
	Baud     int
	Simulate bool
}

// Calibration holds the run defaults from the config file. A run's
// parameters start from these and the API may override per run.
type Calibration struct {
	BasePPM      float64
	VariablePPM  float64
	MaxFlow      float64
	Mode         string
	Steps        int
	InitialPPM   float64
	FinalPPM     float64
	ManualSteps  []float64
	StepDuration time.Duration
	BackAndForth bool

	// VariableInstrument is "auto" or a bus address
	VariableInstrument string

	OutputDir      string
	ZeroFlowOnStop bool
}

// Telemetry configures the polling loop
type Telemetry struct {
	Interval    time.Duration
	BufferSize  int
	DisplayUnit string
}

// Log configures logging output
type Log struct {
	Level string
	File  string
}

// Status configures the HTTP/websocket status server
type Status struct {
	Enabled bool
	Listen  string
}

// Host is the complete parsed host configuration
type Host struct {
	Connection  Connection
	Instruments []instrument.Spec
	Calibration Calibration
	Telemetry   Telemetry
	Log         Log
	Status      Status
}

// LoadHost loads and validates the host configuration from a file
func LoadHost(path string) (*Host, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	return ParseHost(c)
}

// ParseHost extracts the host schema from a parsed config. Every
// section and option must be consumed; leftovers fail validation.
func ParseHost(c *Config) (*Host, error) {
	h := &Host{}
	var err error

	conn, err := c.GetSection("connection")
	if err != nil {
		return nil, err
	}
	if h.Connection.Port, err = conn.Get("port", ""); err != nil {
		return nil, err
	}
	if h.Connection.Baud, err = conn.GetInt("baud", 38400); err != nil {
		return nil, err
	}
	if h.Connection.Simulate, err = conn.GetBool("simulate", false); err != nil {
		return nil, err
	}
	if h.Connection.Port == "" && !h.Connection.Simulate {
		return nil, errors.ConfigValidationError("connection", "port",
			"a serial port is required unless simulate is enabled")
	}

	if err := parseInstruments(c, h); err != nil {
		return nil, err
	}
	if err := parseCalibration(c, h); err != nil {
		return nil, err
	}
	if err := parseTelemetry(c, h); err != nil {
		return nil, err
	}

	if sec := c.GetSectionOptional("log"); sec != nil {
		if h.Log.Level, err = sec.GetChoice("level", []string{"debug", "info", "warn", "error"}, "info"); err != nil {
			return nil, err
		}
		if h.Log.File, err = sec.Get("file", ""); err != nil {
			return nil, err
		}
	} else {
		h.Log.Level = "info"
	}

	if sec := c.GetSectionOptional("status"); sec != nil {
		if h.Status.Enabled, err = sec.GetBool("enabled", true); err != nil {
			return nil, err
		}
		if h.Status.Listen, err = sec.Get("listen", "127.0.0.1:7125"); err != nil {
			return nil, err
		}
	}

	if err := c.CheckUnused(); err != nil {
		return nil, err
	}
	return h, nil
}

func parseInstruments(c *Config, h *Host) error {
	sections := c.GetPrefixSections("instrument ")
	if len(sections) == 0 {
		return errors.ConfigSectionError("instrument <address>")
	}

	baseCount := 0
	for _, sec := range sections {
		suffix := strings.TrimSpace(strings.TrimPrefix(sec.Name(), "instrument "))
		addr, err := strconv.Atoi(suffix)
		if err != nil || addr <= 0 {
			return errors.New(errors.ErrConfigValidation,
				fmt.Sprintf("section '[%s]': address must be a positive integer", sec.Name())).
				SetSection(sec.Name())
		}

		spec := instrument.Spec{Address: addr}
		if spec.Name, err = sec.Get("name", fmt.Sprintf("MFC %d", addr)); err != nil {
			return err
		}
		if spec.MinFlow, err = sec.GetFloat("min_flow", 0); err != nil {
			return err
		}
		if spec.MaxFlow, err = sec.GetFloat("max_flow"); err != nil {
			return err
		}
		if spec.FullScale, err = sec.GetFloat("full_scale", spec.MaxFlow); err != nil {
			return err
		}
		if spec.Unit, err = sec.Get("unit", "ln/min"); err != nil {
			return err
		}
		roleName, err := sec.GetChoice("role", []string{"base", "variable", "unassigned"}, "unassigned")
		if err != nil {
			return err
		}
		if spec.Role, err = instrument.ParseRole(roleName); err != nil {
			return errors.ConfigValidationError(sec.Name(), "role", err.Error())
		}
		if spec.Role == instrument.RoleBase {
			baseCount++
		}

		if err := spec.Validate(); err != nil {
			return errors.ConfigValidationError(sec.Name(), "", err.Error())
		}
		h.Instruments = append(h.Instruments, spec)
	}

	if baseCount != 1 {
		return errors.New(errors.ErrConfigValidation,
			fmt.Sprintf("exactly one instrument must have role 'base', found %d", baseCount))
	}
	return nil
}

func parseCalibration(c *Config, h *Host) error {
	sec, err := c.GetSection("calibration")
	if err != nil {
		return err
	}
	cal := &h.Calibration

	if cal.BasePPM, err = sec.GetFloat("base_concentration_ppm", 0); err != nil {
		return err
	}
	if cal.VariablePPM, err = sec.GetFloat("variable_concentration_ppm"); err != nil {
		return err
	}
	if cal.MaxFlow, err = sec.GetFloat("max_flow"); err != nil {
		return err
	}
	if cal.MaxFlow <= 0 {
		return errors.ConfigValidationError("calibration", "max_flow", "must be positive")
	}
	if cal.Mode, err = sec.GetChoice("mode", []string{"automatic", "manual"}, "automatic"); err != nil {
		return err
	}
	if cal.Steps, err = sec.GetInt("steps", 10); err != nil {
		return err
	}
	if cal.InitialPPM, err = sec.GetFloat("initial_ppm", 0); err != nil {
		return err
	}
	if cal.FinalPPM, err = sec.GetFloat("final_ppm", 0); err != nil {
		return err
	}
	if cal.ManualSteps, err = sec.GetFloatList("manual_steps", nil); err != nil {
		return err
	}
	if cal.StepDuration, err = sec.GetDuration("step_duration", 30*time.Second); err != nil {
		return err
	}
	if cal.BackAndForth, err = sec.GetBool("back_and_forth", false); err != nil {
		return err
	}
	if cal.VariableInstrument, err = sec.Get("variable_instrument", "auto"); err != nil {
		return err
	}
	if cal.VariableInstrument != "auto" {
		if _, convErr := strconv.Atoi(cal.VariableInstrument); convErr != nil {
			return errors.ConfigValidationError("calibration", "variable_instrument",
				"must be 'auto' or a bus address")
		}
	}
	if cal.OutputDir, err = sec.Get("output_dir", "."); err != nil {
		return err
	}
	if cal.ZeroFlowOnStop, err = sec.GetBool("zero_flow_on_stop", true); err != nil {
		return err
	}
	return nil
}

func parseTelemetry(c *Config, h *Host) error {
	tel := &h.Telemetry
	sec := c.GetSectionOptional("telemetry")
	if sec == nil {
		tel.Interval = time.Second
		tel.BufferSize = 60
		tel.DisplayUnit = "ln/min"
		return nil
	}

	var err error
	if tel.Interval, err = sec.GetDuration("interval", time.Second); err != nil {
		return err
	}
	if tel.Interval <= 0 {
		return errors.ConfigValidationError("telemetry", "interval", "must be positive")
	}
	if tel.BufferSize, err = sec.GetInt("buffer_size", 60); err != nil {
		return err
	}
	if tel.DisplayUnit, err = sec.Get("display_unit", "ln/min"); err != nil {
		return err
	}
	return nil
}

// VariableBinding resolves the configured variable instrument to a
// Binding.
func (cal Calibration) VariableBinding() instrument.Binding {
	if cal.VariableInstrument == "auto" || cal.VariableInstrument == "" {
		return instrument.Automatic()
	}
	addr, err := strconv.Atoi(cal.VariableInstrument)
	if err != nil {
		return instrument.Automatic()
	}
	return instrument.Fixed(addr)
}
