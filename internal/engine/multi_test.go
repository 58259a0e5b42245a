package engine

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// driveUntilMessage runs the Perform/InfoRead/Poll cycle the way a multiplexer
// loop would, until a message shows up.
func driveUntilMessage(t *testing.T, m *Multi) Message {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		for {
			_, err := m.Perform()
			if !errors.Is(err, ErrCallMultiPerform) {
				if err != nil {
					t.Fatalf("perform failed: %v", err)
				}
				break
			}
		}
		if msg, ok := m.InfoRead(); ok {
			return msg
		}
		if _, err := m.Poll(10 * time.Millisecond); err != nil {
			t.Fatalf("poll failed: %v", err)
		}
	}
	t.Fatal("timed out waiting for a completion message")
	return Message{}
}

func newEasy(t *testing.T, url string, body *bytes.Buffer) *Easy {
	t.Helper()
	e := NewEasy()
	if err := e.SetOption(OptURL, url); err != nil {
		t.Fatalf("set url: %v", err)
	}
	if body != nil {
		if err := e.SetOption(OptWriteFunc, func(p []byte) int { return mustWrite(body, p) }); err != nil {
			t.Fatalf("set write func: %v", err)
		}
	}
	return e
}

func mustWrite(buf *bytes.Buffer, p []byte) int {
	n, _ := buf.Write(p)
	return n
}

func TestHTTPTransferSuccess(t *testing.T) {
	payload := strings.Repeat("fetchmux ", 20000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, payload)
	}))
	defer srv.Close()

	m := NewMulti(MultiConfig{ChunkSize: 4096})
	defer m.Close()

	var body bytes.Buffer
	e := newEasy(t, srv.URL+"/file", &body)
	if err := m.Add(e); err != nil {
		t.Fatalf("add failed: %v", err)
	}

	msg := driveUntilMessage(t, m)
	if msg.Kind != MsgDone || msg.Easy != e || msg.Result != CodeOK {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if body.String() != payload {
		t.Fatalf("body mismatch: got %d bytes, want %d", body.Len(), len(payload))
	}

	info := e.Info()
	if info.ResponseCode != http.StatusOK {
		t.Errorf("expected response code 200, got %d", info.ResponseCode)
	}
	if info.BytesReceived != int64(len(payload)) {
		t.Errorf("expected %d bytes received, got %d", len(payload), info.BytesReceived)
	}
	if !strings.HasSuffix(info.EffectiveURL, "/file") {
		t.Errorf("unexpected effective url %q", info.EffectiveURL)
	}
	if m.Running() != 0 {
		t.Errorf("expected nothing running, got %d", m.Running())
	}
	if _, ok := m.InfoRead(); ok {
		t.Error("expected a single message")
	}

	if err := m.Remove(e); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := e.Cleanup(); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if m.BufferPool().Outstanding() != 0 {
		t.Errorf("expected all chunk buffers returned, %d outstanding", m.BufferPool().Outstanding())
	}
}

func TestHTTPRequestOptions(t *testing.T) {
	var gotUA, gotRange, gotHeader atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.Header.Get("User-Agent"))
		gotRange.Store(r.Header.Get("Range"))
		gotHeader.Store(r.Header.Get("X-Trace"))
		w.WriteHeader(http.StatusPartialContent)
		fmt.Fprint(w, "tail")
	}))
	defer srv.Close()

	m := NewMulti(MultiConfig{})
	defer m.Close()

	e := newEasy(t, srv.URL, nil)
	e.SetOption(OptUserAgent, "fetchmux-test")
	e.SetOption(OptRangeFrom, int64(100))
	e.SetOption(OptHeader, "X-Trace: abc")
	e.SetOption(OptHeader, "malformed")
	m.Add(e)

	msg := driveUntilMessage(t, m)
	if msg.Result != CodeOK {
		t.Fatalf("expected ok, got %s", msg.Result)
	}
	if gotUA.Load() != "fetchmux-test" {
		t.Errorf("unexpected user agent %v", gotUA.Load())
	}
	if gotRange.Load() != "bytes=100-" {
		t.Errorf("unexpected range %v", gotRange.Load())
	}
	if gotHeader.Load() != "abc" {
		t.Errorf("unexpected header %v", gotHeader.Load())
	}
	if e.Info().ResponseCode != http.StatusPartialContent {
		t.Errorf("expected 206, got %d", e.Info().ResponseCode)
	}
}

func TestHTTPFailOnError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	m := NewMulti(MultiConfig{})
	defer m.Close()

	plain := newEasy(t, srv.URL, nil)
	failing := newEasy(t, srv.URL, nil)
	failing.SetOption(OptFailOnError, true)
	m.Add(plain)
	m.Add(failing)

	results := map[*Easy]Code{}
	for len(results) < 2 {
		msg := driveUntilMessage(t, m)
		results[msg.Easy] = msg.Result
	}
	if results[plain] != CodeOK {
		t.Errorf("expected 404 without fail-on-error to be ok, got %s", results[plain])
	}
	if results[failing] != CodeHTTPReturnedError {
		t.Errorf("expected http error, got %s", results[failing])
	}
}

func TestShortWriteAbortsTransfer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("x", 64*1024))
	}))
	defer srv.Close()

	m := NewMulti(MultiConfig{ChunkSize: 1024})
	defer m.Close()

	var calls int
	e := newEasy(t, srv.URL, nil)
	e.SetOption(OptWriteFunc, WriteFunc(func(p []byte) int {
		calls++
		return 0
	}))
	m.Add(e)

	msg := driveUntilMessage(t, m)
	if msg.Result != CodeWriteError {
		t.Fatalf("expected write error, got %s", msg.Result)
	}
	if calls != 1 {
		t.Errorf("expected write callback to stop after the first short write, got %d calls", calls)
	}
}

func TestStaticFailures(t *testing.T) {
	m := NewMulti(MultiConfig{})
	defer m.Close()

	cases := map[string]Code{
		"ftp://example.com/file": CodeUnsupportedProtocol,
		"":                       CodeURLMalformat,
		"http://[::1":            CodeURLMalformat,
	}
	for url, want := range cases {
		e := newEasy(t, url, nil)
		if err := m.Add(e); err != nil {
			t.Fatalf("add %q: %v", url, err)
		}
		msg := driveUntilMessage(t, m)
		if msg.Result != want {
			t.Errorf("%q: expected %s, got %s", url, want, msg.Result)
		}
		m.Remove(e)
	}
}

func TestConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	m := NewMulti(MultiConfig{})
	defer m.Close()

	m.Add(newEasy(t, "http://"+addr+"/", nil))
	msg := driveUntilMessage(t, m)
	if msg.Result != CodeCouldntConnect {
		t.Fatalf("expected could not connect, got %s", msg.Result)
	}
}

func TestTransferTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	m := NewMulti(MultiConfig{})
	defer m.Close()

	e := newEasy(t, srv.URL, nil)
	e.SetOption(OptTimeout, 50*time.Millisecond)
	m.Add(e)

	msg := driveUntilMessage(t, m)
	if msg.Result != CodeOperationTimedOut {
		t.Fatalf("expected timeout, got %s", msg.Result)
	}
}

func TestContentDecoding(t *testing.T) {
	payload := strings.Repeat("compressible ", 4096)

	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write([]byte(payload))
	zw.Close()

	enc, _ := zstd.NewWriter(nil)
	zst := enc.EncodeAll([]byte(payload), nil)
	enc.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/gzip":
			w.Header().Set("Content-Encoding", "gzip")
			w.Write(gz.Bytes())
		case "/zstd":
			w.Header().Set("Content-Encoding", "zstd")
			w.Write(zst)
		case "/brotli":
			w.Header().Set("Content-Encoding", "br")
			w.Write([]byte("opaque"))
		}
	}))
	defer srv.Close()

	m := NewMulti(MultiConfig{})
	defer m.Close()

	for _, path := range []string{"/gzip", "/zstd"} {
		var body bytes.Buffer
		e := newEasy(t, srv.URL+path, &body)
		e.SetOption(OptAcceptEncoding, "gzip, zstd")
		m.Add(e)
		msg := driveUntilMessage(t, m)
		if msg.Result != CodeOK {
			t.Fatalf("%s: expected ok, got %s", path, msg.Result)
		}
		if body.String() != payload {
			t.Fatalf("%s: decoded body mismatch (%d bytes)", path, body.Len())
		}
		m.Remove(e)
	}

	e := newEasy(t, srv.URL+"/brotli", nil)
	e.SetOption(OptAcceptEncoding, "gzip")
	m.Add(e)
	if msg := driveUntilMessage(t, m); msg.Result != CodeBadContentEncoding {
		t.Fatalf("expected bad content encoding, got %s", msg.Result)
	}
}

func TestRemoveMidTransfer(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "first")
		w.(http.Flusher).Flush()
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	m := NewMulti(MultiConfig{})
	defer m.Close()

	var body bytes.Buffer
	e := newEasy(t, srv.URL, &body)
	m.Add(e)

	deadline := time.Now().Add(5 * time.Second)
	for body.Len() == 0 && time.Now().Before(deadline) {
		m.Perform()
		m.Poll(10 * time.Millisecond)
	}
	if body.String() != "first" {
		t.Fatalf("expected first chunk, got %q", body.String())
	}

	if err := m.Remove(e); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := m.Remove(e); !errors.Is(err, ErrBadHandle) {
		t.Fatalf("expected bad handle on second remove, got %v", err)
	}
	if e.Attached() {
		t.Fatal("handle still attached after remove")
	}

	for i := 0; i < 5; i++ {
		running, _ := m.Perform()
		if running != 0 {
			t.Fatalf("expected no running transfers, got %d", running)
		}
		if msg, ok := m.InfoRead(); ok {
			t.Fatalf("unexpected message after remove: %+v", msg)
		}
		m.Poll(5 * time.Millisecond)
	}
}

func TestAddTwiceAndCleanup(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	m := NewMulti(MultiConfig{})
	defer m.Close()

	e := newEasy(t, srv.URL, nil)
	if err := m.Add(e); err != nil {
		t.Fatalf("add failed: %v", err)
	}
	if err := m.Add(e); !errors.Is(err, ErrAddedAlready) {
		t.Fatalf("expected already added, got %v", err)
	}
	if err := e.Cleanup(); !errors.Is(err, ErrAddedAlready) {
		t.Fatalf("expected cleanup of attached handle to fail, got %v", err)
	}
	if err := m.Add(nil); !errors.Is(err, ErrBadHandle) {
		t.Fatalf("expected bad handle for nil, got %v", err)
	}

	driveUntilMessage(t, m)
	m.Remove(e)
	if err := e.Cleanup(); err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if err := e.SetOption(OptURL, srv.URL); !errors.Is(err, ErrBadHandle) {
		t.Fatalf("expected bad handle after cleanup, got %v", err)
	}
	if err := m.Add(e); !errors.Is(err, ErrBadHandle) {
		t.Fatalf("expected bad handle adding cleaned handle, got %v", err)
	}
}

func TestReAddRestartsTransfer(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	m := NewMulti(MultiConfig{})
	defer m.Close()

	e := newEasy(t, srv.URL, nil)
	for i := 0; i < 2; i++ {
		m.Add(e)
		if msg := driveUntilMessage(t, m); msg.Result != CodeOK {
			t.Fatalf("run %d: expected ok, got %s", i, msg.Result)
		}
		m.Remove(e)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected two requests, got %d", hits.Load())
	}
}

func TestWakeupInterruptsPoll(t *testing.T) {
	m := NewMulti(MultiConfig{})
	defer m.Close()

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Wakeup()
	}()

	start := time.Now()
	if _, err := m.Poll(5 * time.Second); err != nil {
		t.Fatalf("poll failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("poll was not interrupted by wakeup (took %s)", elapsed)
	}
}

func TestStepBudgetRequestsAnotherPerform(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Repeat("y", 64*1024))
	}))
	defer srv.Close()

	m := NewMulti(MultiConfig{ChunkSize: 512})
	defer m.Close()
	if err := m.SetOption(OptStepBudget, 1); err != nil {
		t.Fatalf("set step budget: %v", err)
	}

	m.Add(newEasy(t, srv.URL, nil))

	// Let the fetch goroutine fill its chunk queue.
	deadline := time.Now().Add(5 * time.Second)
	for len(m.active[0].chunks) < chunkQueueDepth && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	running, err := m.Perform()
	if !errors.Is(err, ErrCallMultiPerform) {
		t.Fatalf("expected call-again, got %v", err)
	}
	if running != 1 {
		t.Fatalf("expected one running transfer, got %d", running)
	}
	if msg := driveUntilMessage(t, m); msg.Result != CodeOK {
		t.Fatalf("expected ok, got %s", msg.Result)
	}
}

func TestMaxRecvSpeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("z"), 32*1024))
	}))
	defer srv.Close()

	m := NewMulti(MultiConfig{ChunkSize: 1024})
	defer m.Close()

	e := newEasy(t, srv.URL, nil)
	e.SetOption(OptMaxRecvSpeed, int64(16*1024))
	start := time.Now()
	m.Add(e)

	if msg := driveUntilMessage(t, m); msg.Result != CodeOK {
		t.Fatalf("expected ok, got %s", msg.Result)
	}
	// First 16 KiB come from the burst, the rest at 16 KiB/s.
	if elapsed := time.Since(start); elapsed < 700*time.Millisecond {
		t.Fatalf("expected throttled transfer, finished in %s", elapsed)
	}
}

func TestOptionErrors(t *testing.T) {
	e := NewEasy()
	if err := e.SetOption(OptURL, 42); !errors.Is(err, ErrBadOptionValue) {
		t.Errorf("expected bad value, got %v", err)
	}
	if err := e.SetOption(Option(999), "x"); !errors.Is(err, ErrUnknownOption) {
		t.Errorf("expected unknown option, got %v", err)
	}

	m := NewMulti(MultiConfig{})
	if err := m.SetOption(OptPipelining, "yes"); !errors.Is(err, ErrBadOptionValue) {
		t.Errorf("expected bad value, got %v", err)
	}
	if err := m.SetOption(OptStepBudget, 0); !errors.Is(err, ErrBadOptionValue) {
		t.Errorf("expected bad value, got %v", err)
	}
	if err := m.SetOption(MultiOption(999), true); !errors.Is(err, ErrUnknownOption) {
		t.Errorf("expected unknown option, got %v", err)
	}
	if err := m.SetOption(OptPipelining, true); err != nil {
		t.Errorf("set pipelining: %v", err)
	}

	m.Close()
	if err := m.Add(NewEasy()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected closed, got %v", err)
	}
	if _, err := m.Poll(time.Millisecond); !errors.Is(err, ErrClosed) {
		t.Errorf("expected closed, got %v", err)
	}
	if err := m.Wakeup(); !errors.Is(err, ErrClosed) {
		t.Errorf("expected closed, got %v", err)
	}
	if err := m.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestCloseCancelsRunningTransfers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	m := NewMulti(MultiConfig{})
	e := newEasy(t, srv.URL, nil)
	m.Add(e)
	m.Perform()

	done := make(chan struct{})
	go func() {
		m.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("close did not return")
	}
	if e.Attached() {
		t.Fatal("expected handle detached by close")
	}
	if err := e.Cleanup(); err != nil {
		t.Fatalf("cleanup after close: %v", err)
	}
}

func TestCodeStrings(t *testing.T) {
	if CodeOK.AsError() != nil {
		t.Error("expected nil error for CodeOK")
	}
	if !errors.Is(CodeRecvError.AsError(), CodeRecvError) {
		t.Error("expected code to be usable with errors.Is")
	}
	if CodeWriteError.Error() != "transfer: write callback failed" {
		t.Errorf("unexpected error text %q", CodeWriteError.Error())
	}
	if Code(999).String() != "code 999" {
		t.Errorf("unexpected string for unknown code: %q", Code(999).String())
	}
	if MsgDone.String() != "done" || MsgNone.String() != "none" {
		t.Error("unexpected message kind strings")
	}
}

func TestCompletionRepeatsUntilRemoved(t *testing.T) {
	m := NewMulti(MultiConfig{})
	defer m.Close()

	e := newEasy(t, "ftp://example.com/file", nil)
	m.Add(e)
	first := driveUntilMessage(t, m)
	if first.Result != CodeUnsupportedProtocol {
		t.Fatalf("expected unsupported protocol, got %s", first.Result)
	}

	m.Perform()
	m.Perform()
	again, ok := m.InfoRead()
	if !ok || again.Easy != e || again.Result != first.Result {
		t.Fatalf("expected the completion to be queued again, got %+v (ok=%v)", again, ok)
	}
	if _, ok := m.InfoRead(); ok {
		t.Error("expected one queued copy per handle")
	}

	m.Remove(e)
	m.Perform()
	if msg, ok := m.InfoRead(); ok {
		t.Fatalf("unexpected message after remove: %+v", msg)
	}
}
