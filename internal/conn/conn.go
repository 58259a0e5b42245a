// Package conn wraps one engine handle and the callback that consumes its body.
//
// A Connection is driven by a mux.Mux: Start queues it, Wait polls the
// multiplexer until the transfer ends, and Release hands it back for
// destruction on the loop goroutine.
package conn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sheerbytes/fetchmux/internal/engine"
	"github.com/sheerbytes/fetchmux/internal/logging"
	"github.com/sheerbytes/fetchmux/internal/mux"
	"github.com/sheerbytes/fetchmux/internal/progress"
)

const defaultWaitInterval = 10 * time.Millisecond

var (
	// ErrNotStarted is returned by Wait before Start.
	ErrNotStarted = errors.New("conn: not started")
	// ErrReleased is returned once the connection was handed to the multiplexer.
	ErrReleased = errors.New("conn: released")
)

var _ mux.Wrapper = (*Connection)(nil)

// Option configures a Connection.
type Option func(*settings)

type settings struct {
	writer       io.Writer
	clock        clock.Clock
	logger       *slog.Logger
	waitInterval time.Duration
	easyOpts     []easyOpt
}

type easyOpt struct {
	opt engine.Option
	val any
}

// WithWriter sends the body to w. The default discards it. If w is an
// io.Closer, Close closes it.
func WithWriter(w io.Writer) Option {
	return func(s *settings) { s.writer = w }
}

// WithClock sets the clock used for Wait and the progress meter.
func WithClock(clk clock.Clock) Option {
	return func(s *settings) { s.clock = clk }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithWaitInterval sets how often Wait queries the multiplexer.
func WithWaitInterval(d time.Duration) Option {
	return func(s *settings) { s.waitInterval = d }
}

// WithEasyOption sets an engine option on the handle. OptURL and
// OptWriteFunc are owned by the Connection and are rejected by New.
func WithEasyOption(opt engine.Option, val any) Option {
	return func(s *settings) { s.easyOpts = append(s.easyOpts, easyOpt{opt: opt, val: val}) }
}

// Connection owns one engine handle and its write callback.
type Connection struct {
	m      *mux.Mux
	easy   *engine.Easy
	url    string
	writer io.Writer
	clock  clock.Clock
	logger *slog.Logger
	meter  *progress.Meter
	every  time.Duration

	disabled  atomic.Bool
	started   atomic.Bool
	released  atomic.Bool
	totalSeen bool // loop goroutine only

	mu       sync.Mutex
	writeErr error
	state    string

	closeOnce sync.Once
	closeErr  error
}

// New creates a connection for url driven by m. Nothing is sent until Start.
func New(m *mux.Mux, url string, opts ...Option) (*Connection, error) {
	if m == nil {
		return nil, errors.New("conn: nil multiplexer")
	}
	s := settings{waitInterval: defaultWaitInterval}
	for _, opt := range opts {
		opt(&s)
	}
	if s.writer == nil {
		s.writer = io.Discard
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	if s.waitInterval <= 0 {
		s.waitInterval = defaultWaitInterval
	}

	c := &Connection{
		m:      m,
		easy:   engine.NewEasy(),
		url:    url,
		writer: s.writer,
		clock:  s.clock,
		meter:  progress.NewMeter(s.clock),
		every:  s.waitInterval,
		state:  "queued",
	}
	c.logger = logging.OrDiscard(s.logger).With("component", "conn", "id", c.easy.ID())

	if err := c.easy.SetOption(engine.OptURL, url); err != nil {
		return nil, err
	}
	if err := c.easy.SetOption(engine.OptWriteFunc, engine.WriteFunc(c.write)); err != nil {
		return nil, err
	}
	for _, o := range s.easyOpts {
		if o.opt == engine.OptURL || o.opt == engine.OptWriteFunc {
			return nil, fmt.Errorf("conn: option %d is managed by the connection: %w", o.opt, engine.ErrBadOptionValue)
		}
		if err := c.easy.SetOption(o.opt, o.val); err != nil {
			return nil, fmt.Errorf("conn: %w", err)
		}
	}
	return c, nil
}

// Handle returns the engine handle.
func (c *Connection) Handle() *engine.Easy {
	return c.easy
}

// URL returns the requested URL.
func (c *Connection) URL() string {
	return c.url
}

// Meter returns the progress meter fed by the write callback.
func (c *Connection) Meter() *progress.Meter {
	return c.meter
}

// State is "queued", "running", "done" or the failure text.
func (c *Connection) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start queues the handle with the multiplexer and wakes the loop.
func (c *Connection) Start() error {
	if c.released.Load() {
		return ErrReleased
	}
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	c.meter.Start(-1)
	c.setState("running")
	c.m.AddHandle(c.easy)
	c.m.Wake()
	c.logger.Debug("started", "url", c.url)
	return nil
}

// Wait polls the multiplexer until the transfer ends or ctx is done, then
// removes the handle from the engine. It returns nil on success and the
// engine.Code otherwise.
func (c *Connection) Wait(ctx context.Context) error {
	if !c.started.Load() {
		return ErrNotStarted
	}
	ticker := c.clock.Ticker(c.every)
	defer ticker.Stop()

	for {
		code, eof := c.m.Query(c.easy)
		if eof {
			c.m.RemoveHandle(c.easy)
			c.setState("done")
			c.logger.Debug("finished", "bytes", c.meter.Snapshot().BytesDone)
			return nil
		}
		if !code.OK() {
			c.m.RemoveHandle(c.easy)
			c.setState(code.String())
			return c.failure(code)
		}

		select {
		case <-ctx.Done():
			c.m.RemoveHandle(c.easy)
			c.setState("canceled")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Release hands the connection to the multiplexer, which disables the
// callback, removes the handle and closes the connection on its loop.
func (c *Connection) Release() {
	if c.released.CompareAndSwap(false, true) {
		c.m.DeleteHandle(c)
	}
}

// DisableCallback makes the write callback a no-op. Idempotent.
func (c *Connection) DisableCallback() {
	c.disabled.Store(true)
}

// Close destroys the handle. The handle must no longer be added to an engine.
// Idempotent.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.disabled.Store(true)
		c.closeErr = c.easy.Cleanup()
		if c.closeErr == nil {
			if cl, ok := c.writer.(io.Closer); ok {
				c.closeErr = cl.Close()
			}
		}
	})
	return c.closeErr
}

// write is the engine's write callback. It runs on the multiplexer loop.
func (c *Connection) write(p []byte) int {
	if c.disabled.Load() {
		return len(p)
	}
	if !c.totalSeen {
		c.totalSeen = true
		if n := c.easy.Info().ContentLength; n >= 0 {
			c.meter.SetTotal(n)
		}
	}
	n, err := c.writer.Write(p)
	if err != nil {
		c.mu.Lock()
		c.writeErr = err
		c.mu.Unlock()
		if n >= len(p) && len(p) > 0 {
			n = len(p) - 1
		}
	}
	c.meter.Add(n)
	return n
}

func (c *Connection) failure(code engine.Code) error {
	c.mu.Lock()
	werr := c.writeErr
	c.mu.Unlock()
	if code == engine.CodeWriteError && werr != nil {
		return fmt.Errorf("%w: %w", code, werr)
	}
	return code
}

func (c *Connection) setState(s string) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}
