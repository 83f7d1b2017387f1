// Host-specific metrics definitions
//
// Copyright (C) 2026 Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"sync"
)

// HostMetrics holds all metrics of the gas-mixing host
type HostMetrics struct {
	// Telemetry metrics
	SamplesTaken   *Counter
	SamplesDropped *Counter

	// Calibration metrics
	StepsCompleted  *Counter
	StepsSkipped    *Counter
	SetpointRetries *Counter
	RunsCompleted   *Counter
	RunsStopped     *Counter
	RunsFailed      *Counter
	RunState        *Gauge
	CurrentStep     *Gauge
	TargetPPM       *Gauge

	registry *Registry
}

// NewHostMetrics registers the host metric set on a registry
func NewHostMetrics(r *Registry) *HostMetrics {
	return &HostMetrics{
		SamplesTaken:   r.Counter("pyhorst_telemetry_samples_total", "Composite telemetry samples recorded"),
		SamplesDropped: r.Counter("pyhorst_telemetry_samples_dropped_total", "Poll cycles dropped for incomplete readings"),

		StepsCompleted:  r.Counter("pyhorst_calibration_steps_completed_total", "Calibration steps completed"),
		StepsSkipped:    r.Counter("pyhorst_calibration_steps_skipped_total", "Calibration steps skipped on solver or selector failure"),
		SetpointRetries: r.Counter("pyhorst_setpoint_retries_total", "Setpoint writes retried after a command failure"),
		RunsCompleted:   r.Counter("pyhorst_calibration_runs_completed_total", "Calibration runs finished normally"),
		RunsStopped:     r.Counter("pyhorst_calibration_runs_stopped_total", "Calibration runs cancelled by the operator"),
		RunsFailed:      r.Counter("pyhorst_calibration_runs_failed_total", "Calibration runs ended by an unrecoverable error"),
		RunState:        r.Gauge("pyhorst_calibration_run_state", "Current run state (0=idle 1=running 2=stepping 3=waiting 4=completed 5=stopped 6=failed)"),
		CurrentStep:     r.Gauge("pyhorst_calibration_current_step", "Index of the calibration step in progress"),
		TargetPPM:       r.Gauge("pyhorst_calibration_target_ppm", "Target concentration of the step in progress"),

		registry: r,
	}
}

// Registry returns the underlying registry
func (m *HostMetrics) Registry() *Registry {
	return m.registry
}

var (
	globalHost     *HostMetrics
	globalHostOnce sync.Once
)

// GlobalHost returns the process-wide host metrics
func GlobalHost() *HostMetrics {
	globalHostOnce.Do(func() {
		globalHost = NewHostMetrics(NewRegistry())
	})
	return globalHost
}
