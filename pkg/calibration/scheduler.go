// Calibration run scheduler
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package calibration

import (
	"sync"
	"time"

	"pyhorst-go-migration/pkg/errors"
	"pyhorst-go-migration/pkg/instrument"
	"pyhorst-go-migration/pkg/log"
	"pyhorst-go-migration/pkg/metrics"
	"pyhorst-go-migration/pkg/mixing"
	"pyhorst-go-migration/pkg/reactor"
	"pyhorst-go-migration/pkg/telemetry"
)

const (
	// cancelTickSeconds bounds cancellation latency during step holds.
	cancelTickSeconds = 0.25

	// retryPauseSeconds separates consecutive setpoint write attempts.
	retryPauseSeconds = 0.2

	// maxSetpointRetries is how many times a failed setpoint write is
	// retried before the run fails.
	maxSetpointRetries = 3
)

// Scheduler executes calibration runs on the reactor. All step work
// happens in short timer callbacks so a run in progress never starves
// the telemetry sampler. One run is active at a time; the finished
// run's state stays queryable until the next Start.
type Scheduler struct {
	rx      *reactor.Reactor
	gate    *instrument.CommandGate
	catalog *instrument.Catalog
	sampler *telemetry.Sampler
	logger  *log.Logger
	hm      *metrics.HostMetrics

	mu            sync.Mutex
	run           *Run
	timer         *reactor.Timer
	stopRequested bool

	// Per-step command state, valid while the run is stepping/waiting
	solution   mixing.Solution
	varAddr    int
	attempts   int
	waitUntil  float64
	waitStart  time.Time
	stepActive bool

	// idleBinding resolves the variable instrument for telemetry when
	// no run is active
	idleBinding instrument.Binding

	events chan Event
}

// NewScheduler creates a scheduler. The timer is registered dormant;
// Start arms it.
func NewScheduler(rx *reactor.Reactor, gate *instrument.CommandGate, catalog *instrument.Catalog, sampler *telemetry.Sampler, logger *log.Logger, hm *metrics.HostMetrics) *Scheduler {
	s := &Scheduler{
		rx:      rx,
		gate:    gate,
		catalog: catalog,
		sampler: sampler,
		logger:  logger,
		hm:      hm,
		events:  make(chan Event, 64),
	}
	s.timer = rx.RegisterTimer(s.tick, reactor.NEVER)
	return s
}

// SetSampler attaches the telemetry sampler used for recording step
// rows. The sampler and scheduler reference each other, so one side is
// wired after construction.
func (s *Scheduler) SetSampler(sampler *telemetry.Sampler) {
	s.mu.Lock()
	s.sampler = sampler
	s.mu.Unlock()
}

// SetIdleBinding sets the variable instrument used for telemetry
// resolution outside of runs.
func (s *Scheduler) SetIdleBinding(b instrument.Binding) {
	s.mu.Lock()
	s.idleBinding = b
	s.mu.Unlock()
}

// Events returns the scheduler's event stream. Events are dropped, not
// blocked on, when the consumer falls behind.
func (s *Scheduler) Events() <-chan Event {
	return s.events
}

// VariableAddress implements telemetry.VariableSource: the active (or
// last) run's resolved instrument wins, then the idle binding.
func (s *Scheduler) VariableAddress() (int, bool) {
	s.mu.Lock()
	run := s.run
	idle := s.idleBinding
	s.mu.Unlock()
	if run != nil {
		if addr, ok := run.VariableAddress(); ok {
			return addr, true
		}
	}
	return idle.FixedAddress()
}

// Active reports whether a run is in progress.
func (s *Scheduler) Active() bool {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	return run != nil && !run.State().Terminal()
}

// Status returns the current (or most recently finished) run's status,
// or an idle snapshot when no run has been started.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	run := s.run
	s.mu.Unlock()
	if run == nil {
		return Status{State: StateIdle.String()}
	}
	return run.Status()
}

// Start validates parameters, creates the run log and arms the run.
// Fails without side effects when a run is already active or the
// parameters cannot produce a step sequence.
func (s *Scheduler) Start(p Params) error {
	steps, err := BuildSteps(p)
	if err != nil {
		return err
	}
	if _, err := s.catalog.Get(p.BaseAddr); err != nil {
		return err
	}
	if addr, ok := p.Binding.FixedAddress(); ok {
		spec, err := s.catalog.Get(addr)
		if err != nil {
			return err
		}
		if spec.Role == instrument.RoleBase {
			return errors.ConfigValidationError("calibration", "variable_instrument",
				"variable instrument cannot be the base instrument")
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil && !s.run.State().Terminal() {
		return errors.RunStateError("a calibration run is already active")
	}

	start := time.Now()
	runLog, err := NewRunLog(p.OutputDir, start)
	if err != nil {
		return err
	}

	s.run = newRun(p, steps, runLog, start)
	s.stopRequested = false
	s.attempts = 0
	s.stepActive = false

	if s.hm != nil {
		s.hm.RunState.Set(float64(StateRunning))
		s.hm.CurrentStep.Set(0)
		s.hm.TargetPPM.Set(steps[0].TargetPPM)
	}
	s.logger.Infof("calibration run started: %d steps, %.1f -> %.1f ppm, log %s",
		len(steps), steps[0].TargetPPM, steps[len(steps)-1].TargetPPM, runLog.Path())
	s.emit(Event{Time: start, Kind: EventRunStarted, TargetPPM: steps[0].TargetPPM,
		Message: runLog.Path()})

	s.rx.UpdateTimer(s.timer, reactor.NOW)
	return nil
}

// Stop requests cancellation of the active run. The run reaches the
// stopped state within the cancellation tick; the step in progress is
// still logged.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil || s.run.State().Terminal() {
		return errors.RunStateError("no active calibration run")
	}
	s.stopRequested = true
	s.rx.UpdateTimer(s.timer, reactor.NOW)
	return nil
}

func (s *Scheduler) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

// tick is the scheduler's timer callback. It never blocks: waits and
// retry pauses are expressed as return waketimes.
func (s *Scheduler) tick(eventtime float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := s.run
	if run == nil {
		return reactor.NEVER
	}

	if s.stopRequested {
		return s.finishLocked(run, StateStopped, nil)
	}

	switch run.State() {
	case StateRunning, StateStepping:
		return s.commandStepLocked(run, eventtime)
	case StateWaiting:
		if eventtime >= s.waitUntil {
			s.recordStepLocked(run, true)
			return s.advanceLocked(run)
		}
		return eventtime + cancelTickSeconds
	default:
		return reactor.NEVER
	}
}

// commandStepLocked solves and commands the current step. Solver and
// selector failures skip the step; persistent write failures fail the
// run.
func (s *Scheduler) commandStepLocked(run *Run, eventtime float64) float64 {
	step, ok := run.currentStep()
	if !ok {
		return s.finishLocked(run, StateCompleted, nil)
	}
	p := run.params

	if run.State() == StateRunning {
		// First attempt at this step: solve and resolve the variable
		// instrument before touching hardware.
		sol, err := mixing.Solve(step.TargetPPM, p.C1PPM, p.C2PPM, p.MaxFlow)
		if err != nil {
			return s.skipStepLocked(run, step, err)
		}

		varAddr, fixed := p.Binding.FixedAddress()
		if !fixed {
			varAddr, err = instrument.Select(sol.Q2, s.catalog)
			if err != nil {
				return s.skipStepLocked(run, step, err)
			}
		}

		s.solution = sol
		s.varAddr = varAddr
		s.attempts = 0
		run.setResolved(varAddr)
		run.setState(StateStepping)
		s.stepActive = true
		// Freshness floor for this step's telemetry; reset again when
		// the hold starts. Without it, a stop during the command
		// phase could attribute the previous step's sample to this
		// step's row.
		s.waitStart = time.Now()

		if s.hm != nil {
			s.hm.RunState.Set(float64(StateStepping))
			s.hm.CurrentStep.Set(float64(step.Index))
			s.hm.TargetPPM.Set(step.TargetPPM)
		}
		s.logger.Infof("step %d: target %.2f ppm, base %.4f + variable %.4f on addr %d",
			step.Index, step.TargetPPM, sol.Q1, sol.Q2, varAddr)
		s.emit(Event{Time: time.Now(), Kind: EventStepStarted, Step: step.Index,
			TargetPPM: step.TargetPPM})
	}

	err := s.gate.WriteSetpoint(p.BaseAddr, s.solution.Q1)
	if err == nil {
		err = s.gate.WriteSetpoint(s.varAddr, s.solution.Q2)
	}
	if err != nil {
		s.attempts++
		if s.attempts <= maxSetpointRetries {
			if s.hm != nil {
				s.hm.SetpointRetries.Inc()
			}
			s.logger.Warnf("step %d: setpoint write failed (attempt %d): %v",
				step.Index, s.attempts, err)
			s.emit(Event{Time: time.Now(), Kind: EventSetpointRetried,
				Step: step.Index, TargetPPM: step.TargetPPM, Err: err})
			return eventtime + retryPauseSeconds
		}
		return s.finishLocked(run, StateFailed, errors.HardwareCommandError(s.varAddr, err))
	}

	s.attempts = 0
	s.waitUntil = eventtime + step.Duration.Seconds()
	s.waitStart = time.Now()
	run.setState(StateWaiting)
	if s.hm != nil {
		s.hm.RunState.Set(float64(StateWaiting))
	}
	return eventtime + cancelTickSeconds
}

// skipStepLocked records a recoverable per-step failure and moves on.
func (s *Scheduler) skipStepLocked(run *Run, step Step, err error) float64 {
	if s.hm != nil {
		s.hm.StepsSkipped.Inc()
	}
	s.logger.Warnf("step %d: skipped target %.2f ppm: %v", step.Index, step.TargetPPM, err)
	s.emit(Event{Time: time.Now(), Kind: EventStepSkipped, Step: step.Index,
		TargetPPM: step.TargetPPM, Err: err})
	return s.advanceLocked(run)
}

// recordStepLocked appends the current step's row to the run log from
// the freshest telemetry taken during its hold period.
func (s *Scheduler) recordStepLocked(run *Run, completed bool) {
	step, ok := run.currentStep()
	if !ok || !s.stepActive {
		return
	}
	s.stepActive = false

	row := RunRow{
		Step:         step.Index,
		TargetPPM:    step.TargetPPM,
		VariableAddr: s.varAddr,
		Time:         time.Now(),
	}
	if sample, ok := s.sampler.Latest(); ok && !sample.Time.Before(s.waitStart) {
		conc := sample.Concentration
		base := sample.BaseFlow
		variable := sample.VariableFlow
		row.ActualPPM = &conc
		row.BaseFlow = &base
		row.VariableFlow = &variable
		s.logger.Infof("step %d: measured %s (%.2f%% of target)",
			step.Index,
			mixing.FormatUncertainty(conc, sample.Uncertainty, "ppm"),
			mixing.RelativeError(sample.Uncertainty, step.TargetPPM))
	} else {
		s.logger.Warnf("step %d: %v", step.Index,
			errors.TelemetryGapError(s.varAddr, "composite flow"))
	}
	if err := run.log.Append(row); err != nil {
		s.logger.Errorf("step %d: run log write failed: %v", step.Index, err)
	}

	if completed {
		if s.hm != nil {
			s.hm.StepsCompleted.Inc()
		}
		s.logger.Infof("step %d: completed", step.Index)
		s.emit(Event{Time: row.Time, Kind: EventStepCompleted, Step: step.Index,
			TargetPPM: step.TargetPPM})
	}
}

// advanceLocked moves to the next step or finishes the run.
func (s *Scheduler) advanceLocked(run *Run) float64 {
	run.advance()
	if _, ok := run.currentStep(); !ok {
		return s.finishLocked(run, StateCompleted, nil)
	}
	run.setState(StateRunning)
	return reactor.NOW
}

// finishLocked moves the run to a terminal state, logging the step in
// progress on cancellation, optionally zeroing flows, and closing the
// run log.
func (s *Scheduler) finishLocked(run *Run, state RunState, err error) float64 {
	if state == StateStopped {
		s.recordStepLocked(run, false)
	}

	run.setFailure(err)
	run.setState(state)
	s.stopRequested = false
	s.stepActive = false

	if run.params.ZeroFlowOnStop {
		s.zeroFlowsLocked(run)
	}
	if closeErr := run.log.Close(); closeErr != nil {
		s.logger.Errorf("run log close failed: %v", closeErr)
	}

	now := time.Now()
	if s.hm != nil {
		s.hm.RunState.Set(float64(state))
	}
	switch state {
	case StateCompleted:
		if s.hm != nil {
			s.hm.RunsCompleted.Inc()
		}
		s.logger.Infof("calibration run completed, log %s", run.log.Path())
		s.emit(Event{Time: now, Kind: EventRunCompleted, Message: run.log.Path()})
	case StateStopped:
		if s.hm != nil {
			s.hm.RunsStopped.Inc()
		}
		s.logger.Infof("calibration run stopped by operator")
		s.emit(Event{Time: now, Kind: EventRunStopped})
	case StateFailed:
		if s.hm != nil {
			s.hm.RunsFailed.Inc()
		}
		s.logger.Errorf("calibration run failed: %v", err)
		s.emit(Event{Time: now, Kind: EventRunFailed, Err: err})
	}
	return reactor.NEVER
}

// zeroFlowsLocked drives both channels to zero flow at run end. This
// is an explicit policy choice logged per write; failures are logged
// and do not change the run's terminal state.
func (s *Scheduler) zeroFlowsLocked(run *Run) {
	addrs := []int{run.params.BaseAddr}
	if s.varAddr != 0 {
		addrs = append(addrs, s.varAddr)
	}
	for _, addr := range addrs {
		s.logger.Infof("zeroing flow on addr %d at run end", addr)
		if err := s.gate.WriteSetpoint(addr, 0); err != nil {
			s.logger.Warnf("zero flow on addr %d failed: %v", addr, err)
		}
	}
}
