package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Info describes the most recent run of a handle.
type Info struct {
	ResponseCode  int
	ContentLength int64 // -1 when unknown
	BytesReceived int64
	TotalTime     time.Duration
	EffectiveURL  string
}

// Easy is one transfer handle. Handles are compared by identity.
type Easy struct {
	id string

	// opts and xfer belong to whoever drives the Multi.
	opts easyOptions
	xfer *transfer

	mu       sync.Mutex
	attached *Multi
	cleaned  bool
	info     Info
}

// NewEasy returns a handle with default options.
func NewEasy() *Easy {
	return &Easy{
		id:   uuid.NewString(),
		info: Info{ContentLength: -1},
	}
}

// ID returns a unique identifier for logs.
func (e *Easy) ID() string {
	return e.id
}

// SetOption sets one option. Changes take effect the next time the handle is added.
func (e *Easy) SetOption(opt Option, val any) error {
	e.mu.Lock()
	cleaned := e.cleaned
	e.mu.Unlock()
	if cleaned {
		return ErrBadHandle
	}
	return e.opts.set(opt, val)
}

// URL returns the configured URL.
func (e *Easy) URL() string {
	return e.opts.url
}

// Info returns transfer details. Safe from any goroutine.
func (e *Easy) Info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info
}

// Attached reports whether the handle is currently added to a Multi.
func (e *Easy) Attached() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.attached != nil
}

// Cleanup destroys the handle. It fails if the handle is still added to a Multi.
// Calling Cleanup twice is a no-op.
func (e *Easy) Cleanup() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.attached != nil {
		return fmt.Errorf("cleanup %s: %w", e.id, ErrAddedAlready)
	}
	e.cleaned = true
	e.opts = easyOptions{}
	e.xfer = nil
	return nil
}

func (e *Easy) attach(m *Multi) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cleaned {
		return ErrBadHandle
	}
	if e.attached != nil {
		return ErrAddedAlready
	}
	e.attached = m
	e.info = Info{ContentLength: -1, EffectiveURL: e.opts.url}
	return nil
}

func (e *Easy) detach(m *Multi) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.attached != m {
		return false
	}
	e.attached = nil
	return true
}

func (e *Easy) updateInfo(fn func(*Info)) {
	e.mu.Lock()
	fn(&e.info)
	e.mu.Unlock()
}
