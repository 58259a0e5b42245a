// Package mux drives many network transfers on one background goroutine.
//
// Callers never touch the engine. AddHandle, RemoveHandle and DeleteHandle
// queue operations; the loop goroutine applies them at the start of its next
// iteration, steps the engine, and publishes the completions it saw in a
// snapshot that Query reads. The snapshot is rebuilt every iteration, so
// callers poll Query until they see EOF or a failure code.
//
// Two locks keep callers apart: one guards the operation queues and one
// guards the snapshot. Neither is held while the engine performs or waits.
package mux

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sheerbytes/fetchmux/internal/engine"
	"github.com/sheerbytes/fetchmux/internal/logging"
	"github.com/sheerbytes/fetchmux/internal/worker"
	"go.uber.org/multierr"
)

const (
	defaultPollTimeout  = 10 * time.Millisecond
	defaultIdleInterval = 10 * time.Millisecond
)

var _ Engine = (*engine.Multi)(nil)

// Engine is the non-reentrant transfer engine the loop drives.
// Only Wakeup may be called from outside the loop goroutine.
type Engine interface {
	Add(h *engine.Easy) error
	Remove(h *engine.Easy) error
	// Perform returns engine.ErrCallMultiPerform when more work is ready right away.
	Perform() (running int, err error)
	InfoRead() (engine.Message, bool)
	Poll(timeout time.Duration) (ready int, err error)
	Wakeup() error
	Close() error
}

// Wrapper owns one handle and the callback that consumes its data.
// DeleteHandle hands a Wrapper to the multiplexer for destruction.
type Wrapper interface {
	Handle() *engine.Easy
	// DisableCallback turns further data delivery into a no-op. Idempotent.
	DisableCallback()
	// Close destroys the wrapper and its handle.
	Close() error
}

// Config configures a Mux. Zero values select defaults.
type Config struct {
	Engine       Engine // default: engine.NewMulti with the same logger and clock
	Logger       *slog.Logger
	Clock        clock.Clock
	PollTimeout  time.Duration // readiness wait while transfers run (default: 10ms)
	IdleInterval time.Duration // sleep while nothing runs (default: 10ms)
	Metrics      *Metrics
}

// Mux is the multiplexer. Create one with New and release it with Close.
type Mux struct {
	engine       Engine
	logger       *slog.Logger
	clock        clock.Clock
	pollTimeout  time.Duration
	idleInterval time.Duration
	metrics      *Metrics
	thread       *worker.Thread

	queueMu sync.Mutex
	queue   opQueue
	closed  bool

	statusMu sync.Mutex
	statuses []Status

	closeOnce sync.Once
}

// New returns an idle multiplexer. The loop goroutine starts with the first AddHandle.
func New(cfg Config) *Mux {
	logger := logging.OrDiscard(cfg.Logger)
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Engine == nil {
		cfg.Engine = engine.NewMulti(engine.MultiConfig{Logger: logger, Clock: cfg.Clock})
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = defaultIdleInterval
	}

	m := &Mux{
		engine:       cfg.Engine,
		logger:       logger.With("component", "mux"),
		clock:        cfg.Clock,
		pollTimeout:  cfg.PollTimeout,
		idleInterval: cfg.IdleInterval,
		metrics:      cfg.Metrics,
	}
	m.thread = worker.New("mux-loop", m.iterate)
	m.thread.SetInterrupt(func() { _ = m.engine.Wakeup() })
	return m
}

// AddHandle queues h for registration and starts the loop if it is idle.
// A pending removal of h is cancelled.
func (m *Mux) AddHandle(h *engine.Easy) {
	if h == nil {
		return
	}
	m.queueMu.Lock()
	if m.closed {
		m.queueMu.Unlock()
		return
	}
	m.queue.add(h)
	m.queueMu.Unlock()

	if m.thread.Status() == worker.StatusIdle && m.thread.Start() {
		m.logger.Debug("loop started")
	}
}

// RemoveHandle queues h for deregistration. If h is still waiting to be
// added, the add is cancelled instead and the engine never sees h.
func (m *Mux) RemoveHandle(h *engine.Easy) {
	if h == nil {
		return
	}
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if m.closed {
		return
	}
	m.queue.remove(h)
}

// DeleteHandle takes ownership of w. The loop disables its callback, removes
// its handle from the engine and closes it, in that order. A pending add of
// the handle is cancelled.
func (m *Mux) DeleteHandle(w Wrapper) {
	if w == nil {
		return
	}
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if m.closed {
		// The engine is gone; destroy in place with the same ordering.
		w.DisableCallback()
		if err := w.Close(); err != nil {
			m.logger.Warn("close wrapper after shutdown failed", "id", handleID(w.Handle()), "error", err)
		}
		return
	}
	m.queue.delete(w)
}

// Wake interrupts the loop's readiness wait so queued operations are applied
// without waiting out the poll timeout.
func (m *Mux) Wake() {
	if err := m.engine.Wakeup(); err != nil {
		m.logger.Debug("wakeup failed", "error", err)
	}
}

// Poll sleeps for d. All real polling happens on the loop goroutine; Poll is
// kept for callers that expect to drive polling themselves.
func (m *Mux) Poll(d time.Duration) {
	if d > 0 {
		m.clock.Sleep(d)
	}
}

// Running reports whether the loop goroutine is running.
func (m *Mux) Running() bool {
	return m.thread.Status() == worker.StatusRunning
}

// Close stops the loop, destroys every wrapper still queued for deletion,
// deregisters queued removals and closes the engine. Queued adds are dropped.
// Only the first call does any work; later calls return nil.
func (m *Mux) Close() error {
	var errs error
	m.closeOnce.Do(func() {
		m.thread.Stop()

		m.queueMu.Lock()
		defer m.queueMu.Unlock()
		m.closed = true

		for _, h := range m.queue.removes {
			m.removeFromEngine(h)
		}
		for _, w := range m.queue.deletes {
			errs = multierr.Append(errs, m.destroy(w))
		}
		m.queue.reset()

		if err := m.engine.Close(); err != nil {
			errs = multierr.Append(errs, err)
		}

		m.statusMu.Lock()
		m.statuses = nil
		m.statusMu.Unlock()

		m.logger.Debug("closed")
	})
	return errs
}

// iterate is one pass of the loop: drain, drive, harvest, wait.
func (m *Mux) iterate() {
	m.drain()
	running := m.drive()
	m.harvest(running)
	m.metrics.recordIteration(running)
	m.wait(running)
}

// drain applies every queued operation. Deletes disable the callback before
// the handle leaves the engine and before the wrapper is closed.
func (m *Mux) drain() {
	m.queueMu.Lock()
	defer m.queueMu.Unlock()
	if m.queue.empty() {
		return
	}

	for _, h := range m.queue.removes {
		m.removeFromEngine(h)
	}
	for _, h := range m.queue.adds {
		if err := m.engine.Add(h); err != nil {
			m.logger.Debug("engine add failed", "id", handleID(h), "error", err)
		}
	}
	for _, w := range m.queue.deletes {
		if err := m.destroy(w); err != nil {
			m.logger.Warn("close wrapper failed", "id", handleID(w.Handle()), "error", err)
		}
	}
	m.metrics.recordOps(len(m.queue.adds), len(m.queue.removes), len(m.queue.deletes))
	m.queue.reset()
}

// drive steps the engine until it has no immediate work left.
func (m *Mux) drive() int {
	for {
		running, err := m.engine.Perform()
		if errors.Is(err, engine.ErrCallMultiPerform) {
			continue
		}
		if err != nil {
			m.logger.Debug("engine perform failed", "error", err)
		}
		return running
	}
}

func (m *Mux) wait(running int) {
	if running == 0 {
		m.clock.Sleep(m.idleInterval)
		return
	}
	if _, err := m.engine.Poll(m.pollTimeout); err != nil {
		m.metrics.recordPollError()
		m.logger.Error("engine poll failed", "error", err)
	}
}

func (m *Mux) destroy(w Wrapper) error {
	w.DisableCallback()
	m.removeFromEngine(w.Handle())
	return w.Close()
}

func (m *Mux) removeFromEngine(h *engine.Easy) {
	if h == nil {
		return
	}
	if err := m.engine.Remove(h); err != nil && !errors.Is(err, engine.ErrBadHandle) {
		m.logger.Debug("engine remove failed", "id", handleID(h), "error", err)
	}
}

func handleID(h *engine.Easy) string {
	if h == nil {
		return ""
	}
	return h.ID()
}
