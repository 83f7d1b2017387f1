// Calibration run state
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package calibration

import (
	"sync"
	"time"

	"pyhorst-go-migration/pkg/instrument"
)

// RunState is the lifecycle state of a calibration run
type RunState int

const (
	StateIdle RunState = iota
	StateRunning
	StateStepping
	StateWaiting
	StateCompleted
	StateStopped
	StateFailed
)

var runStateNames = map[RunState]string{
	StateIdle:      "idle",
	StateRunning:   "running",
	StateStepping:  "stepping",
	StateWaiting:   "waiting",
	StateCompleted: "completed",
	StateStopped:   "stopped",
	StateFailed:    "failed",
}

func (s RunState) String() string {
	if name, ok := runStateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether the run can no longer make progress
func (s RunState) Terminal() bool {
	return s == StateCompleted || s == StateStopped || s == StateFailed
}

// Params configures one calibration run
type Params struct {
	// C1PPM is the base (dilution) source concentration
	C1PPM float64

	// C2PPM is the variable source concentration
	C2PPM float64

	// MaxFlow is the per-channel flow cap in the display unit
	MaxFlow float64

	// Mode selects automatic or manual step generation
	Mode StepMode

	// StepCount, InitialPPM and FinalPPM drive automatic mode
	StepCount  int
	InitialPPM float64
	FinalPPM   float64

	// ManualTargets is the explicit list used in manual mode
	ManualTargets []float64

	// StepDuration is the hold time per step
	StepDuration time.Duration

	// BackAndForth sweeps the sequence forward then backward
	BackAndForth bool

	// Binding selects the variable instrument, fixed or automatic
	Binding instrument.Binding

	// BaseAddr is the base instrument address
	BaseAddr int

	// OutputDir receives the run's CSV log
	OutputDir string

	// ZeroFlowOnStop drives both setpoints to zero when the run ends
	ZeroFlowOnStop bool
}

// EventKind classifies run lifecycle events
type EventKind int

const (
	EventRunStarted EventKind = iota
	EventStepStarted
	EventStepSkipped
	EventStepCompleted
	EventSetpointRetried
	EventRunCompleted
	EventRunStopped
	EventRunFailed
)

var eventKindNames = map[EventKind]string{
	EventRunStarted:      "run_started",
	EventStepStarted:     "step_started",
	EventStepSkipped:     "step_skipped",
	EventStepCompleted:   "step_completed",
	EventSetpointRetried: "setpoint_retried",
	EventRunCompleted:    "run_completed",
	EventRunStopped:      "run_stopped",
	EventRunFailed:       "run_failed",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is one observable run transition, delivered on the scheduler's
// event channel
type Event struct {
	Time      time.Time
	Kind      EventKind
	Step      int
	TargetPPM float64
	Message   string
	Err       error
}

// Run tracks a single calibration run's progress. The scheduler owns
// all mutation; external readers use the Status snapshot.
type Run struct {
	mu sync.Mutex

	params  Params
	steps   []Step
	current int
	state   RunState

	// resolved is the variable instrument address chosen for the
	// current step; zero until the first selection.
	resolved int

	startedAt time.Time
	log       *RunLog
	failure   error
}

func newRun(p Params, steps []Step, log *RunLog, start time.Time) *Run {
	r := &Run{
		params:    p,
		steps:     steps,
		state:     StateRunning,
		log:       log,
		startedAt: start,
	}
	if addr, ok := p.Binding.FixedAddress(); ok {
		r.resolved = addr
	}
	return r
}

// VariableAddress reports the variable instrument address in effect,
// which an automatic binding resolves per step.
func (r *Run) VariableAddress() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.resolved == 0 {
		return 0, false
	}
	return r.resolved, true
}

func (r *Run) setResolved(addr int) {
	r.mu.Lock()
	r.resolved = addr
	r.mu.Unlock()
}

func (r *Run) setState(s RunState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// State returns the run's current lifecycle state
func (r *Run) State() RunState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) setFailure(err error) {
	r.mu.Lock()
	r.failure = err
	r.mu.Unlock()
}

func (r *Run) advance() {
	r.mu.Lock()
	r.current++
	r.mu.Unlock()
}

func (r *Run) currentStep() (Step, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current >= len(r.steps) {
		return Step{}, false
	}
	return r.steps[r.current], true
}

// Status is a point-in-time snapshot of a run for APIs and logging
type Status struct {
	State        string    `json:"state"`
	Step         int       `json:"step"`
	TotalSteps   int       `json:"total_steps"`
	TargetPPM    float64   `json:"target_ppm"`
	VariableAddr int       `json:"variable_address"`
	StartedAt    time.Time `json:"started_at"`
	LogPath      string    `json:"log_path"`
	Error        string    `json:"error,omitempty"`
}

// Status returns a consistent snapshot of the run
func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		State:        r.state.String(),
		Step:         r.current,
		TotalSteps:   len(r.steps),
		VariableAddr: r.resolved,
		StartedAt:    r.startedAt,
	}
	if r.current < len(r.steps) {
		st.TargetPPM = r.steps[r.current].TargetPPM
	}
	if r.log != nil {
		st.LogPath = r.log.Path()
	}
	if r.failure != nil {
		st.Error = r.failure.Error()
	}
	return st
}
