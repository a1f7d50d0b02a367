package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/orbitalops/fds-service/internal/core/domain"
)

func TestHandle_SignalBeforeWait(t *testing.T) {
	h := NewHandle(zerolog.Nop())
	if !h.Signal(Result{Payload: "ok"}) {
		t.Fatalf("first signal should fire")
	}
	res, err := h.Wait(context.Background(), time.Nanosecond)
	if err != nil {
		t.Fatalf("Wait returned error: %v", err)
	}
	if res.Payload != "ok" {
		t.Fatalf("unexpected payload %q", res.Payload)
	}
}

func TestHandle_SecondSignalIgnored(t *testing.T) {
	h := NewHandle(zerolog.Nop())
	h.Signal(Result{Payload: "first"})
	if h.Signal(Result{Payload: "second"}) {
		t.Fatalf("second signal should be a no-op")
	}
	res, _ := h.Wait(context.Background(), time.Second)
	if res.Payload != "first" {
		t.Fatalf("expected first payload, got %q", res.Payload)
	}
}

func TestHandle_WaitTimesOut(t *testing.T) {
	h := NewHandle(zerolog.Nop())
	start := time.Now()
	_, err := h.Wait(context.Background(), 20*time.Millisecond)
	if !errors.Is(err, domain.ErrExecutionTimeout) {
		t.Fatalf("expected ErrExecutionTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Fatalf("Wait returned early after %v", elapsed)
	}
	if h.IsComplete() {
		t.Fatalf("timeout must not complete the handle")
	}
}

func TestHandle_WaitContextCancelled(t *testing.T) {
	h := NewHandle(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.Wait(ctx, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestHandle_WakesAllWaiters(t *testing.T) {
	h := NewHandle(zerolog.Nop())
	const waiters = 8
	var wg sync.WaitGroup
	got := make(chan string, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.Wait(context.Background(), 5*time.Second)
			if err == nil {
				got <- res.Payload
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	h.Signal(Result{Payload: "done"})
	wg.Wait()
	close(got)

	n := 0
	for p := range got {
		if p != "done" {
			t.Fatalf("unexpected payload %q", p)
		}
		n++
	}
	if n != waiters {
		t.Fatalf("expected %d woken waiters, got %d", waiters, n)
	}
}
