// Package timeutil provides timer utilities for the SIP core.
package timeutil

import (
	"sync"
	"time"
)

// TimerState represents the current state of a timer.
type TimerState string

const (
	// TimerStateRunning indicates the timer is currently running.
	TimerStateRunning TimerState = "running"
	// TimerStateStopped indicates the timer was stopped before expiration.
	TimerStateStopped TimerState = "stopped"
	// TimerStateExpired indicates the timer has expired.
	TimerStateExpired TimerState = "expired"
)

// Timer wraps a [time.Timer] with state inspection helpers.
// Unlike the standard timer it knows its own duration, elapsed and
// remaining time, which the transaction machines use to implement
// the RFC 3261 retransmission back-off.
type Timer struct {
	startTime time.Time
	duration  time.Duration
	state     TimerState
	stopTime  time.Time

	callback func()
	fired    bool
	mu       sync.Mutex
	timer    *time.Timer
}

// NewTimer creates a new running timer with the given duration and no callback.
func NewTimer(duration time.Duration) *Timer {
	return &Timer{
		startTime: time.Now(),
		duration:  duration,
		state:     TimerStateRunning,
	}
}

// AfterFunc creates a new running timer that executes f in its own
// goroutine once the duration elapses.
func AfterFunc(duration time.Duration, f func()) *Timer {
	t := NewTimer(duration)
	t.SetCallback(f)
	return t
}

// State returns the current timer state.
func (t *Timer) State() TimerState {
	if t == nil {
		return ""
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Duration returns the timer's duration.
func (t *Timer) Duration() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.duration
}

// Elapsed returns the time elapsed since the timer started.
func (t *Timer) Elapsed() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsedLocked()
}

func (t *Timer) elapsedLocked() time.Duration {
	switch t.state {
	case TimerStateRunning:
		return time.Since(t.startTime)
	case TimerStateStopped, TimerStateExpired:
		if !t.stopTime.IsZero() {
			return t.stopTime.Sub(t.startTime)
		}
	}
	return t.duration
}

// Left returns the time remaining until the timer expires.
// Returns 0 if the timer is expired or stopped.
func (t *Timer) Left() time.Duration {
	if t == nil {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == TimerStateStopped {
		return 0
	}
	left := t.duration - t.elapsedLocked()
	if left < 0 {
		return 0
	}
	return left
}

// Expired returns true if the timer has expired.
func (t *Timer) Expired() bool {
	if t == nil {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.expiredLocked()
}

func (t *Timer) expiredLocked() bool {
	if t.state == TimerStateExpired {
		return true
	}
	if t.state == TimerStateStopped {
		return false
	}
	return time.Since(t.startTime) >= t.duration
}

// Stop stops the timer. A stopped timer never executes its callback.
// It returns false when the timer already expired or was stopped.
func (t *Timer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TimerStateRunning {
		return false
	}

	t.stopTime = time.Now()
	t.state = TimerStateStopped
	t.callback = nil

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	return true
}

// SetCallback sets a function to be executed when the timer expires.
// Similar to time.AfterFunc, the function is called in its own goroutine.
// If the timer has already expired, the function is executed immediately.
// If the timer is stopped, the function is not executed.
func (t *Timer) SetCallback(f func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.callback = f

	if t.expiredLocked() && !t.fired {
		t.fired = true
		go f()
		return
	}

	if t.state == TimerStateRunning {
		if t.timer != nil {
			t.timer.Stop()
		}

		remaining := t.duration - time.Since(t.startTime)
		if remaining <= 0 {
			remaining = 1
		}
		t.timer = time.AfterFunc(remaining, t.fire)
	}
}

func (t *Timer) fire() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != TimerStateRunning || t.fired {
		return
	}
	t.state = TimerStateExpired
	t.stopTime = time.Now()
	t.fired = true
	if cb := t.callback; cb != nil {
		go cb()
	}
}

// Reset restarts the timer with a new duration, starting from now.
// The callback is preserved and will execute when the new duration expires.
// To clear the callback, call Stop() first.
func (t *Timer) Reset(duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.startTime = time.Now()
	t.duration = duration
	t.state = TimerStateRunning
	t.stopTime = time.Time{}
	t.fired = false

	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.callback != nil {
		t.timer = time.AfterFunc(duration, t.fire)
	}
}
