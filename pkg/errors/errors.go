// Unified error handling for the Pyhorst Go migration
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package errors

import (
	"fmt"
)

// ErrorCode represents the category of error
type ErrorCode string

const (
	// Mixing solver errors
	ErrInfeasibleTarget  ErrorCode = "INFEASIBLE_TARGET"
	ErrDegenerateSources ErrorCode = "DEGENERATE_SOURCES"

	// Instrument selection errors
	ErrNoSuitableInstrument ErrorCode = "NO_SUITABLE_INSTRUMENT"
	ErrUnknownInstrument    ErrorCode = "UNKNOWN_INSTRUMENT"

	// Telemetry errors
	ErrTelemetryGap ErrorCode = "TELEMETRY_GAP"

	// Hardware interface errors
	ErrHardwareCommand ErrorCode = "HARDWARE_COMMAND"
	ErrSerialIO        ErrorCode = "SERIAL_IO"
	ErrProparFrame     ErrorCode = "PROPAR_FRAME"

	// Configuration errors
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Calibration run errors
	ErrRunState ErrorCode = "RUN_STATE"
)

// HostError is the unified error type for the host system
type HostError struct {
	// Code is the error category
	Code ErrorCode

	// Message is a human-readable error description
	Message string

	// Address is the instrument address the error relates to, if any
	Address int

	// Section is the config section or component context
	Section string

	// Option is the config option name (if applicable)
	Option string

	// Err wraps the underlying error
	Err error
}

// Error implements the error interface
func (e *HostError) Error() string {
	if e.Address > 0 {
		return fmt.Sprintf("[%s] instrument %d: %s", e.Code, e.Address, e.Message)
	}
	if e.Section != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.Section, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetAddress sets the related instrument address
func (e *HostError) SetAddress(addr int) *HostError {
	e.Address = addr
	return e
}

// SetSection sets the context section
func (e *HostError) SetSection(section string) *HostError {
	e.Section = section
	return e
}

// SetOption sets the config option
func (e *HostError) SetOption(option string) *HostError {
	e.Option = option
	return e
}

// New creates a new HostError
func New(code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Mixing errors

// InfeasibleTargetError reports a target concentration that no convex
// mixture of the two source gases can produce.
func InfeasibleTargetError(targetPPM, c1PPM, c2PPM float64) *HostError {
	return New(ErrInfeasibleTarget,
		fmt.Sprintf("target %.4g ppm unreachable from sources %.4g/%.4g ppm", targetPPM, c1PPM, c2PPM))
}

// DegenerateSourcesError reports equal source concentrations
func DegenerateSourcesError(cPPM float64) *HostError {
	return New(ErrDegenerateSources,
		fmt.Sprintf("source concentrations are both %.4g ppm; mixing ratio is undefined", cPPM))
}

// Instrument errors

// NoSuitableInstrumentError reports that no catalog entry covers a flow
func NoSuitableInstrumentError(flow float64) *HostError {
	return New(ErrNoSuitableInstrument,
		fmt.Sprintf("no instrument range contains required flow %.4g", flow))
}

// UnknownInstrumentError reports an address missing from the catalog
func UnknownInstrumentError(addr int) *HostError {
	return New(ErrUnknownInstrument, "address not in catalog").SetAddress(addr)
}

// Telemetry errors

// TelemetryGapError reports an incomplete poll cycle
func TelemetryGapError(addr int, what string) *HostError {
	return New(ErrTelemetryGap, fmt.Sprintf("no %s reading this cycle", what)).SetAddress(addr)
}

// Hardware errors

// HardwareCommandError reports a failed setpoint write
func HardwareCommandError(addr int, err error) *HostError {
	return Wrap(err, ErrHardwareCommand, "setpoint write failed").SetAddress(addr)
}

// SerialIOError reports a serial transport failure
func SerialIOError(op string, err error) *HostError {
	return Wrap(err, ErrSerialIO, fmt.Sprintf("serial %s failed", op))
}

// ProparFrameError reports a malformed propar frame
func ProparFrameError(reason string) *HostError {
	return New(ErrProparFrame, reason)
}

// Config errors

// ConfigSectionError creates an error for a missing config section
func ConfigSectionError(section string) *HostError {
	return New(ErrConfigSection, fmt.Sprintf("section '%s' not found", section)).
		SetSection(section)
}

// ConfigOptionError creates an error for a missing or invalid config option
func ConfigOptionError(section, option string) *HostError {
	return New(ErrConfigOption, fmt.Sprintf("option '%s' not found in section '%s'", option, section)).
		SetSection(section).
		SetOption(option)
}

// ConfigValidationError creates an error for config validation failure
func ConfigValidationError(section, option, reason string) *HostError {
	return New(ErrConfigValidation, fmt.Sprintf("option '%s' in section '%s': %s", option, section, reason)).
		SetSection(section).
		SetOption(option)
}

// Run errors

// RunStateError reports an operation invalid for the run's current state
func RunStateError(message string) *HostError {
	return New(ErrRunState, message)
}

// Is checks if an error matches the given error code, unwrapping as needed
func Is(err error, code ErrorCode) bool {
	for err != nil {
		hostErr, ok := err.(*HostError)
		if !ok {
			return false
		}
		if hostErr.Code == code {
			return true
		}
		err = hostErr.Err
	}
	return false
}

// IsRecoverable reports whether an error is a value-level failure the
// scheduler handles by skipping a step or dropping a sample, as opposed to
// one that ends the run.
func IsRecoverable(err error) bool {
	return Is(err, ErrInfeasibleTarget) ||
		Is(err, ErrDegenerateSources) ||
		Is(err, ErrNoSuitableInstrument) ||
		Is(err, ErrTelemetryGap)
}

// IsConfig checks if an error is a config error
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation)
}
