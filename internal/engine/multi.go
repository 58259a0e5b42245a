package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sheerbytes/fetchmux/internal/bufpool"
	"github.com/sheerbytes/fetchmux/internal/logging"
)

const (
	defaultChunkSize  = 32 * 1024
	defaultStepBudget = 64
)

// MultiConfig configures a Multi. Zero values select defaults.
type MultiConfig struct {
	Logger     *slog.Logger
	Clock      clock.Clock
	ChunkSize  int // Receive buffer size (default: 32 KiB)
	StepBudget int // Chunks delivered per Perform call (default: 64)
}

// Multi drives a set of Easy handles. See the package documentation for the
// threading rules.
type Multi struct {
	logger     *slog.Logger
	clock      clock.Clock
	pool       *bufpool.Pool
	pipelining bool
	stepBudget int

	transports map[transportKey]*http.Transport
	active     []*transfer
	msgs       []Message

	notify chan struct{}
	wake   chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewMulti returns an empty Multi.
func NewMulti(cfg MultiConfig) *Multi {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.StepBudget <= 0 {
		cfg.StepBudget = defaultStepBudget
	}
	return &Multi{
		logger:     logging.OrDiscard(cfg.Logger).With("component", "engine"),
		clock:      cfg.Clock,
		pool:       bufpool.New(cfg.ChunkSize),
		stepBudget: cfg.StepBudget,
		transports: make(map[transportKey]*http.Transport),
		notify:     make(chan struct{}, 1),
		wake:       make(chan struct{}, 1),
	}
}

// SetOption sets an engine-wide option. OptPipelining only affects
// connections opened after the call.
func (m *Multi) SetOption(opt MultiOption, val any) error {
	if m.closed.Load() {
		return ErrClosed
	}
	switch opt {
	case OptPipelining:
		v, ok := val.(bool)
		if !ok {
			return fmt.Errorf("pipelining got %T: %w", val, ErrBadOptionValue)
		}
		if v != m.pipelining {
			m.closeTransports()
		}
		m.pipelining = v
	case OptStepBudget:
		v, ok := val.(int)
		if !ok || v <= 0 {
			return fmt.Errorf("step budget got %v: %w", val, ErrBadOptionValue)
		}
		m.stepBudget = v
	default:
		return fmt.Errorf("multi option %d: %w", opt, ErrUnknownOption)
	}
	return nil
}

// Add attaches e and starts its transfer.
func (m *Multi) Add(e *Easy) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if e == nil {
		return ErrBadHandle
	}
	if err := e.attach(m); err != nil {
		return err
	}

	opts := e.opts.clone()
	ctx, cancel := context.WithCancel(context.Background())
	if opts.timeout > 0 {
		ctx, cancel = withTimeout(ctx, cancel, opts.timeout)
	}
	t := &transfer{
		easy:    e,
		opts:    opts,
		ctx:     ctx,
		cancel:  cancel,
		chunks:  make(chan chunk, chunkQueueDepth),
		done:    make(chan Code, 1),
		notify:  m.signal,
		pool:    m.pool,
		limiter: newLimiter(opts.maxRecvSpeed, m.pool.BufSize()),
		started: m.clock.Now(),
	}
	e.xfer = t
	m.active = append(m.active, t)

	fetch := m.fetcherFor(opts)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		t.run(fetch)
	}()

	m.logger.Debug("transfer added", "id", e.id, "url", opts.url)
	return nil
}

// Remove detaches e, cancelling its transfer if it is still running, and
// drops any queued messages for it. The write callback is not called again.
func (m *Multi) Remove(e *Easy) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if e == nil || !e.detach(m) {
		return ErrBadHandle
	}

	t := e.xfer
	e.xfer = nil
	if t != nil {
		t.cancel()
		for i, a := range m.active {
			if a == t {
				m.active = append(m.active[:i], m.active[i+1:]...)
				break
			}
		}
	}

	kept := m.msgs[:0]
	for _, msg := range m.msgs {
		if msg.Easy != e {
			kept = append(kept, msg)
		}
	}
	m.msgs = kept

	m.logger.Debug("transfer removed", "id", e.id)
	return nil
}

// Perform delivers ready chunks to write callbacks and queues completion
// messages. A finished transfer's message is queued again on every call until
// the handle is removed. Perform never blocks. It returns ErrCallMultiPerform
// together with the running count when it stopped early because the step
// budget ran out.
func (m *Multi) Perform() (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}

	budget := m.stepBudget
	more := false
	for _, t := range m.active {
		if t.finished {
			m.repeatDone(t)
			continue
		}
		m.applyResponse(t)

	drain:
		for budget > 0 {
			select {
			case c := <-t.chunks:
				m.deliver(t, c)
				budget--
			default:
				break drain
			}
		}
		if budget == 0 && len(t.chunks) > 0 {
			more = true
			break
		}

		select {
		case code := <-t.done:
			// The fetch goroutine sends every chunk before its result.
			for len(t.chunks) > 0 {
				m.deliver(t, <-t.chunks)
			}
			m.applyResponse(t)
			if t.writeFailed {
				code = CodeWriteError
			}
			m.finish(t, code)
		default:
		}
	}

	running := m.running()
	if more {
		return running, ErrCallMultiPerform
	}
	return running, nil
}

// InfoRead pops the oldest queued message.
func (m *Multi) InfoRead() (Message, bool) {
	if len(m.msgs) == 0 {
		return Message{}, false
	}
	msg := m.msgs[0]
	m.msgs[0] = Message{}
	m.msgs = m.msgs[1:]
	return msg, true
}

// Poll waits up to timeout until some transfer has work for Perform or
// Wakeup is called. It returns the number of transfers with work ready.
func (m *Multi) Poll(timeout time.Duration) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	if n := m.readyCount(); n > 0 {
		return n, nil
	}
	if timeout <= 0 {
		return 0, nil
	}

	timer := m.clock.Timer(timeout)
	defer timer.Stop()
	select {
	case <-m.notify:
		return m.readyCount(), nil
	case <-m.wake:
		return 0, nil
	case <-timer.C:
		return 0, nil
	}
}

// Wakeup interrupts a Poll in progress, or makes the next Poll return at once.
// Safe from any goroutine.
func (m *Multi) Wakeup() error {
	if m.closed.Load() {
		return ErrClosed
	}
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// Running returns the number of attached transfers that have not finished.
func (m *Multi) Running() int {
	return m.running()
}

// BufferPool exposes the chunk pool, mainly for leak checks in tests.
func (m *Multi) BufferPool() *bufpool.Pool {
	return m.pool
}

// Close cancels every transfer, waits for their goroutines and releases
// idle connections. Attached handles are detached but not cleaned up.
func (m *Multi) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, t := range m.active {
		t.cancel()
		t.easy.detach(m)
		t.easy.xfer = nil
	}
	m.active = nil
	m.msgs = nil
	m.wg.Wait()
	m.closeTransports()
	return nil
}

func (m *Multi) fetcherFor(opts easyOptions) fetcher {
	u, err := url.Parse(opts.url)
	if err != nil || opts.url == "" {
		return staticFetcher(CodeURLMalformat)
	}
	switch u.Scheme {
	case "http", "https":
		return m.httpFetcher(opts)
	case "ws", "wss":
		return fetchWebSocket
	case "quic":
		return fetchQUIC
	default:
		return staticFetcher(CodeUnsupportedProtocol)
	}
}

func staticFetcher(code Code) fetcher {
	return func(context.Context, *transfer) Code { return code }
}

func (m *Multi) deliver(t *transfer, c chunk) {
	defer m.pool.Put(c.buf)
	if t.writeFailed {
		return
	}
	p := c.buf[:c.n]
	if t.opts.write != nil {
		if n := t.opts.write(p); n != len(p) {
			t.writeFailed = true
			t.cancel()
			m.logger.Debug("write callback short", "id", t.easy.id, "want", len(p), "got", n)
			return
		}
	}
	t.easy.updateInfo(func(info *Info) { info.BytesReceived += int64(len(p)) })
}

func (m *Multi) applyResponse(t *transfer) {
	if r := t.takeResponse(); r != nil {
		t.easy.updateInfo(func(info *Info) {
			info.ResponseCode = r.code
			info.ContentLength = r.contentLength
			info.EffectiveURL = r.effectiveURL
		})
	}
}

func (m *Multi) finish(t *transfer, code Code) {
	t.finished = true
	t.result = code
	t.cancel()
	elapsed := m.clock.Since(t.started)
	t.easy.updateInfo(func(info *Info) { info.TotalTime = elapsed })
	m.msgs = append(m.msgs, Message{Kind: MsgDone, Easy: t.easy, Result: code})
	m.logger.Debug("transfer finished", "id", t.easy.id, "result", code.String(), "elapsed", elapsed)
}

func (m *Multi) repeatDone(t *transfer) {
	for _, msg := range m.msgs {
		if msg.Easy == t.easy {
			return
		}
	}
	m.msgs = append(m.msgs, Message{Kind: MsgDone, Easy: t.easy, Result: t.result})
}

func (m *Multi) running() int {
	n := 0
	for _, t := range m.active {
		if !t.finished {
			n++
		}
	}
	return n
}

func (m *Multi) readyCount() int {
	n := 0
	for _, t := range m.active {
		if t.ready() {
			n++
		}
	}
	return n
}

func (m *Multi) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Multi) closeTransports() {
	for k, tr := range m.transports {
		tr.CloseIdleConnections()
		delete(m.transports, k)
	}
}

func withTimeout(parent context.Context, cancelParent context.CancelFunc, d time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(parent, d)
	return ctx, func() {
		cancel()
		cancelParent()
	}
}
