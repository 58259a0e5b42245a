// Package worker runs a function repeatedly on one dedicated goroutine with an
// explicit Idle -> Running -> Stopped lifecycle.
package worker

import (
	"sync"
	"sync/atomic"
)

// Status is the lifecycle state of a Thread.
type Status int32

const (
	StatusIdle Status = iota
	StatusRunning
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Thread calls fn in a loop on its own goroutine until Stop.
// Stop never abandons fn mid-call; it waits for the current call to return.
type Thread struct {
	name      string
	fn        func()
	interrupt func()

	mu     sync.Mutex
	status Status
	stop   atomic.Bool
	done   chan struct{}
}

// New returns an idle thread. Nothing runs until Start.
func New(name string, fn func()) *Thread {
	return &Thread{
		name: name,
		fn:   fn,
		done: make(chan struct{}),
	}
}

// Name returns the name given to New.
func (t *Thread) Name() string {
	return t.name
}

// Status reports the current lifecycle state.
func (t *Thread) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Start moves an idle thread to running and launches its goroutine.
// It returns false if the thread was not idle.
func (t *Thread) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusIdle {
		return false
	}
	t.status = StatusRunning
	go t.run()
	return true
}

// SetInterrupt registers fn to be called by Stop right after the stop flag is
// set, so a blocked iteration can be cut short. Call before Start.
func (t *Thread) SetInterrupt(fn func()) {
	t.mu.Lock()
	t.interrupt = fn
	t.mu.Unlock()
}

// Stop asks the goroutine to exit after the current call to fn and waits for it.
// Stopping an idle thread just marks it stopped. Stop is idempotent.
func (t *Thread) Stop() {
	t.mu.Lock()
	prev := t.status
	t.status = StatusStopped
	t.stop.Store(true)
	if prev == StatusIdle {
		close(t.done)
	}
	interrupt := t.interrupt
	t.mu.Unlock()

	if prev == StatusRunning && interrupt != nil {
		interrupt()
	}
	<-t.done
}

// Stopping reports whether Stop has been requested.
func (t *Thread) Stopping() bool {
	return t.stop.Load()
}

func (t *Thread) run() {
	defer close(t.done)
	for !t.stop.Load() {
		t.fn()
	}
}
