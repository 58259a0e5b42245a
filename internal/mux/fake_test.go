package mux

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sheerbytes/fetchmux/internal/engine"
)

// recorder keeps the order of engine and wrapper calls across goroutines.
type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(op string, h *engine.Easy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, op+":"+h.ID())
}

func (r *recorder) index(op string, h *engine.Easy) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := op + ":" + h.ID()
	for i, e := range r.events {
		if e == want {
			return i
		}
	}
	return -1
}

func (r *recorder) count(op string, h *engine.Easy) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	want := op + ":" + h.ID()
	n := 0
	for _, e := range r.events {
		if e == want {
			n++
		}
	}
	return n
}

// behavior scripts how a registered handle progresses in the fake engine.
type behavior struct {
	steps  int // performs before the transfer stops running; <0 = never
	result engine.Code
	kind   engine.MsgKind
	once   bool // emit the completion message only once
}

type fakeTransfer struct {
	b       behavior
	taken   int
	done    bool
	emitted bool
}

// fakeEngine is a scripted, single-goroutine engine that records calls.
type fakeEngine struct {
	rec *recorder

	mu         sync.Mutex
	behaviors  map[*engine.Easy]behavior
	registered map[*engine.Easy]*fakeTransfer
	queued     []engine.Message
	closed     bool
	pollErr    error

	performs atomic.Int64
	polls    atomic.Int64
	wakes    atomic.Int64
	wake     chan struct{}

	holdNext atomic.Bool
	entered  chan struct{}
	release  chan struct{}
}

func newFakeEngine(rec *recorder) *fakeEngine {
	return &fakeEngine{
		rec:        rec,
		behaviors:  make(map[*engine.Easy]behavior),
		registered: make(map[*engine.Easy]*fakeTransfer),
		wake:       make(chan struct{}, 1),
		entered:    make(chan struct{}),
		release:    make(chan struct{}),
	}
}

func (f *fakeEngine) script(h *engine.Easy, b behavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behaviors[h] = b
}

// holdNextPerform makes the next Perform block until the returned func is called.
// The entered channel is closed once the loop is parked inside Perform.
func (f *fakeEngine) holdNextPerform() (entered <-chan struct{}, release func()) {
	f.holdNext.Store(true)
	return f.entered, func() { close(f.release) }
}

func (f *fakeEngine) isRegistered(h *engine.Easy) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.registered[h]
	return ok
}

func (f *fakeEngine) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeEngine) Add(h *engine.Easy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rec.add("add", h)
	if _, ok := f.registered[h]; ok {
		return engine.ErrAddedAlready
	}
	b, ok := f.behaviors[h]
	if !ok {
		b = behavior{steps: -1}
	}
	f.registered[h] = &fakeTransfer{b: b}
	return nil
}

func (f *fakeEngine) Remove(h *engine.Easy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rec.add("remove", h)
	if _, ok := f.registered[h]; !ok {
		return engine.ErrBadHandle
	}
	delete(f.registered, h)
	kept := f.queued[:0]
	for _, msg := range f.queued {
		if msg.Easy != h {
			kept = append(kept, msg)
		}
	}
	f.queued = kept
	return nil
}

func (f *fakeEngine) Perform() (int, error) {
	if f.holdNext.CompareAndSwap(true, false) {
		close(f.entered)
		<-f.release
	}
	f.performs.Add(1)

	f.mu.Lock()
	defer f.mu.Unlock()
	running := 0
	for h, ft := range f.registered {
		if !ft.done && ft.b.steps >= 0 {
			ft.taken++
			if ft.taken >= ft.b.steps {
				ft.done = true
			}
		}
		if !ft.done {
			running++
			continue
		}
		if ft.b.once && ft.emitted {
			continue
		}
		ft.emitted = true
		f.queued = append(f.queued, engine.Message{Kind: ft.b.kind, Easy: h, Result: ft.b.result})
	}
	return running, nil
}

func (f *fakeEngine) InfoRead() (engine.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.queued) == 0 {
		return engine.Message{}, false
	}
	msg := f.queued[0]
	f.queued = f.queued[1:]
	return msg, true
}

func (f *fakeEngine) Poll(timeout time.Duration) (int, error) {
	f.polls.Add(1)
	f.mu.Lock()
	err := f.pollErr
	f.mu.Unlock()
	select {
	case <-f.wake:
	case <-time.After(timeout):
	}
	return 0, err
}

func (f *fakeEngine) Wakeup() error {
	f.wakes.Add(1)
	select {
	case f.wake <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeEngine) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("closed twice")
	}
	f.closed = true
	f.registered = map[*engine.Easy]*fakeTransfer{}
	return nil
}

// fakeWrapper records DisableCallback and Close into the shared recorder.
type fakeWrapper struct {
	h        *engine.Easy
	rec      *recorder
	disables atomic.Int32
	closes   atomic.Int32
	closeErr error
}

func newFakeWrapper(rec *recorder) *fakeWrapper {
	return &fakeWrapper{h: engine.NewEasy(), rec: rec}
}

func (w *fakeWrapper) Handle() *engine.Easy { return w.h }

func (w *fakeWrapper) DisableCallback() {
	w.disables.Add(1)
	w.rec.add("disable", w.h)
}

func (w *fakeWrapper) Close() error {
	w.closes.Add(1)
	w.rec.add("close", w.h)
	return w.closeErr
}
