package worker

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestThreadLifecycle(t *testing.T) {
	var calls atomic.Int64
	th := New("loop", func() {
		calls.Add(1)
		time.Sleep(time.Millisecond)
	})

	if th.Status() != StatusIdle {
		t.Fatalf("expected idle, got %s", th.Status())
	}
	if !th.Start() {
		t.Fatal("expected first Start to succeed")
	}
	if th.Start() {
		t.Fatal("expected second Start to be rejected")
	}
	if th.Status() != StatusRunning {
		t.Fatalf("expected running, got %s", th.Status())
	}

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if calls.Load() < 3 {
		t.Fatalf("expected fn to be called repeatedly, got %d calls", calls.Load())
	}

	th.Stop()
	if th.Status() != StatusStopped {
		t.Fatalf("expected stopped, got %s", th.Status())
	}
	after := calls.Load()
	time.Sleep(5 * time.Millisecond)
	if calls.Load() != after {
		t.Fatalf("fn called after Stop returned: %d -> %d", after, calls.Load())
	}
}

func TestStopIdleThread(t *testing.T) {
	th := New("idle", func() { t.Error("fn must not run") })
	th.Stop()
	if th.Status() != StatusStopped {
		t.Fatalf("expected stopped, got %s", th.Status())
	}
	if th.Start() {
		t.Fatal("Start after Stop must fail")
	}
	// Idempotent.
	th.Stop()
}

func TestStopWaitsForCurrentCall(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	var once atomic.Bool

	th := New("slow", func() {
		if once.CompareAndSwap(false, true) {
			close(entered)
			<-release
			finished.Store(true)
		}
	})
	th.Start()
	<-entered

	stopped := make(chan struct{})
	go func() {
		th.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while fn was still running")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-stopped
	if !finished.Load() {
		t.Fatal("expected in-flight call to complete before Stop returned")
	}
	if !th.Stopping() {
		t.Fatal("expected Stopping to report true")
	}
}

func TestStatusString(t *testing.T) {
	if StatusIdle.String() != "idle" || StatusRunning.String() != "running" || StatusStopped.String() != "stopped" {
		t.Fatal("unexpected status strings")
	}
	if Status(42).String() != "unknown" {
		t.Fatal("expected unknown for out of range status")
	}
}

func TestStopCallsInterrupt(t *testing.T) {
	wake := make(chan struct{}, 1)
	th := New("blocking", func() {
		select {
		case <-wake:
		case <-time.After(10 * time.Second):
		}
	})
	th.SetInterrupt(func() {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	th.Start()
	time.Sleep(5 * time.Millisecond)

	start := time.Now()
	th.Stop()
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("expected interrupt to cut the blocked call short, Stop took %s", elapsed)
	}
}
