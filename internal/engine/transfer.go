package engine

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sheerbytes/fetchmux/internal/bufpool"
	"golang.org/x/time/rate"
)

const chunkQueueDepth = 8

type chunk struct {
	buf []byte
	n   int
}

// response metadata written by the fetch goroutine and copied into Info by Perform.
type response struct {
	code          int
	contentLength int64
	effectiveURL  string
}

// transfer is one run of an Easy inside a Multi. The fetch goroutine produces
// chunks and a final code; Perform consumes them on the driving goroutine.
type transfer struct {
	easy    *Easy
	opts    easyOptions
	ctx     context.Context
	cancel  context.CancelFunc
	chunks  chan chunk
	done    chan Code
	notify  func()
	pool    *bufpool.Pool
	limiter *rate.Limiter
	started time.Time

	// Driving goroutine only.
	finished    bool
	result      Code
	writeFailed bool
	respSeen    bool

	mu   sync.Mutex
	resp *response
}

// fetcher performs the network side of a transfer and returns its result.
type fetcher func(ctx context.Context, t *transfer) Code

func (t *transfer) run(fetch fetcher) {
	defer t.notify()
	code := fetch(t.ctx, t)
	t.done <- code
}

// setResponse records response metadata from the fetch goroutine.
func (t *transfer) setResponse(code int, contentLength int64, effectiveURL string) {
	t.mu.Lock()
	t.resp = &response{code: code, contentLength: contentLength, effectiveURL: effectiveURL}
	t.mu.Unlock()
	t.notify()
}

func (t *transfer) takeResponse() *response {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.resp
	t.resp = nil
	return r
}

// pump copies r into pooled chunks until EOF. It returns nil on EOF.
func (t *transfer) pump(ctx context.Context, r io.Reader) error {
	for {
		buf := t.pool.Get()
		n, err := r.Read(buf)
		if n > 0 {
			if t.limiter != nil {
				if werr := t.limiter.WaitN(ctx, n); werr != nil {
					t.pool.Put(buf)
					return werr
				}
			}
			select {
			case t.chunks <- chunk{buf: buf, n: n}:
				t.notify()
			case <-ctx.Done():
				t.pool.Put(buf)
				return ctx.Err()
			}
		} else {
			t.pool.Put(buf)
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// ready reports whether Perform has something to do for this transfer.
func (t *transfer) ready() bool {
	return !t.finished && (len(t.chunks) > 0 || len(t.done) > 0)
}

func newLimiter(bytesPerSec int64, chunkSize int) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	burst := int(bytesPerSec)
	if burst < chunkSize {
		burst = chunkSize
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// classify maps a network error to a result code.
func classify(ctx context.Context, err error) Code {
	if err == nil {
		return CodeOK
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return CodeOperationTimedOut
	}
	if errors.Is(err, context.Canceled) {
		return CodeAbortedByCallback
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return CodeCouldntResolveHost
	}

	var (
		certErr    *tls.CertificateVerificationError
		unknownCA  x509.UnknownAuthorityError
		hostErr    x509.HostnameError
		recHdrErr  tls.RecordHeaderError
		alertError tls.AlertError
	)
	if errors.As(err, &certErr) || errors.As(err, &unknownCA) || errors.As(err, &hostErr) ||
		errors.As(err, &recHdrErr) || errors.As(err, &alertError) {
		return CodeSSLConnectError
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CodeOperationTimedOut
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return CodeCouldntConnect
	}
	return CodeRecvError
}
