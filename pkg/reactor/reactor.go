// Package reactor provides the timer-driven execution core of the host.
// The telemetry sampler and the calibration scheduler each register a
// repeating timer; the dispatch loop fires due timers in one goroutine so
// neither activity ever blocks the other for longer than a callback runs.
package reactor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Timer wake time sentinels
const (
	NOW   = 0.0
	NEVER = 9999999999999999.0
)

// ErrReactorClosed is returned for operations on a stopped reactor.
var ErrReactorClosed = errors.New("reactor: reactor closed")

// TimerCallback is called when a timer fires. The callback receives the
// event time and returns the next wake time; return NEVER to stop firing.
type TimerCallback func(eventtime float64) float64

// Timer represents a registered timer.
type Timer struct {
	id       uint64
	callback TimerCallback
	waketime float64
	inCall   bool
	mu       sync.Mutex
}

// Waketime returns the timer's current wake time.
func (t *Timer) Waketime() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.waketime
}

// Reactor manages timers and drives their callbacks from one goroutine.
type Reactor struct {
	mu          sync.Mutex
	timers      []*Timer
	nextTimerID uint64
	nextWake    float64

	// Wake channel for cross-goroutine nudges (timer updates, stop
	// requests) so a long sleep re-evaluates waketimes promptly.
	wake chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	running   atomic.Bool
	wg        sync.WaitGroup
	startTime time.Time
}

// New creates a new Reactor.
func New() *Reactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reactor{
		nextWake:  NEVER,
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
	}
}

// Monotonic returns the current monotonic time in seconds since reactor
// creation. All timer waketimes are expressed on this clock.
func (r *Reactor) Monotonic() float64 {
	return time.Since(r.startTime).Seconds()
}

// RegisterTimer registers a new timer with the given callback and wake time.
func (r *Reactor) RegisterTimer(callback TimerCallback, waketime float64) *Timer {
	r.mu.Lock()
	timer := &Timer{
		id:       atomic.AddUint64(&r.nextTimerID, 1),
		callback: callback,
		waketime: waketime,
	}
	r.timers = append(r.timers, timer)
	if waketime < r.nextWake {
		r.nextWake = waketime
	}
	r.mu.Unlock()

	r.nudge()
	return timer
}

// UnregisterTimer removes a timer.
func (r *Reactor) UnregisterTimer(timer *Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()

	timer.mu.Lock()
	timer.waketime = NEVER
	timer.mu.Unlock()

	for i, t := range r.timers {
		if t.id == timer.id {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			break
		}
	}
}

// UpdateTimer updates a timer's wake time. Safe to call from any
// goroutine; an earlier waketime wakes the dispatch loop immediately.
func (r *Reactor) UpdateTimer(timer *Timer, waketime float64) {
	timer.mu.Lock()
	if timer.inCall {
		// The callback's return value wins while it is running.
		timer.mu.Unlock()
		return
	}
	timer.waketime = waketime
	timer.mu.Unlock()

	r.mu.Lock()
	if waketime < r.nextWake {
		r.nextWake = waketime
	}
	r.mu.Unlock()

	r.nudge()
}

// Pause sleeps until the given wake time or until the reactor stops.
// Returns the monotonic time on wakeup.
func (r *Reactor) Pause(waketime float64) float64 {
	now := r.Monotonic()
	if waketime <= now {
		return now
	}
	if waketime >= NEVER {
		<-r.ctx.Done()
		return r.Monotonic()
	}

	delay := time.Duration((waketime - now) * float64(time.Second))
	select {
	case <-time.After(delay):
	case <-r.ctx.Done():
	}
	return r.Monotonic()
}

// Done exposes the reactor's shutdown signal for goroutines that block
// outside the dispatch loop.
func (r *Reactor) Done() <-chan struct{} {
	return r.ctx.Done()
}

// Run starts the reactor's dispatch loop.
func (r *Reactor) Run() {
	if r.running.Swap(true) {
		return
	}
	r.wg.Add(1)
	go r.dispatchLoop()
}

// End signals the reactor to stop.
func (r *Reactor) End() {
	r.running.Store(false)
	r.cancel()
}

// Wait waits for the dispatch loop to exit.
func (r *Reactor) Wait() {
	r.wg.Wait()
}

// nudge wakes the dispatch loop without blocking the caller.
func (r *Reactor) nudge() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Reactor) dispatchLoop() {
	defer r.wg.Done()

	for r.running.Load() {
		eventtime := r.Monotonic()
		timeout := r.checkTimers(eventtime)

		if timeout <= 0 {
			continue
		}
		delay := time.Duration(timeout * float64(time.Second))
		if delay > time.Second {
			delay = time.Second
		}
		select {
		case <-time.After(delay):
		case <-r.wake:
		case <-r.ctx.Done():
			return
		}
	}
}

// checkTimers fires due timers and returns the delay until the next one.
func (r *Reactor) checkTimers(eventtime float64) float64 {
	r.mu.Lock()
	if eventtime < r.nextWake {
		delay := r.nextWake - eventtime
		r.mu.Unlock()
		return delay
	}
	timers := make([]*Timer, len(r.timers))
	copy(timers, r.timers)
	r.nextWake = NEVER
	r.mu.Unlock()

	for _, timer := range timers {
		timer.mu.Lock()
		waketime := timer.waketime
		if eventtime >= waketime {
			timer.waketime = NEVER
			timer.inCall = true
			timer.mu.Unlock()

			newWaketime := timer.callback(eventtime)

			timer.mu.Lock()
			timer.inCall = false
			if newWaketime < timer.waketime {
				timer.waketime = newWaketime
			}
		}
		waketime = timer.waketime
		timer.mu.Unlock()

		r.mu.Lock()
		if waketime < r.nextWake {
			r.nextWake = waketime
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	delay := r.nextWake - eventtime
	r.mu.Unlock()
	if delay < 0 {
		delay = 0
	}
	return delay
}
