package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoRecordsErrorAndPanic(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	s.Go("boom", func(context.Context) error { return errors.New("bad") })
	s.Go("panics", func(context.Context) error { panic("oops") })
	s.Go("clean", func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() })

	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err == nil {
		t.Fatalf("expected first error")
	}

	snap := s.Snapshot()
	if snap.Started != 3 || snap.Active != 0 {
		t.Fatalf("counters = %+v", snap)
	}
	byName := map[string]GoroutineStats{}
	for _, g := range snap.Goroutines {
		byName[g.Name] = g
	}
	if byName["panics"].Panics != 1 {
		t.Fatalf("panic not counted: %+v", byName["panics"])
	}
	if byName["clean"].LastErr != "" {
		t.Fatalf("cancellation recorded as error: %+v", byName["clean"])
	}
}

func TestGoRestartRestartsUntilSuccess(t *testing.T) {
	t.Parallel()
	s := New(context.Background())
	var calls atomic.Int32
	s.GoRestart("flaky", func(context.Context) error {
		if calls.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("calls = %d, want 3", got)
	}
	var restarts uint64
	for _, g := range s.Snapshot().Goroutines {
		if g.Name == "flaky" {
			restarts = g.Restarts
		}
	}
	if restarts != 2 {
		t.Fatalf("restarts = %d, want 2", restarts)
	}
}

func TestGoRestartGivesUpAndCancels(t *testing.T) {
	t.Parallel()
	s := New(context.Background(), WithCancelOnError(true))
	s.GoRestart("dead", func(context.Context) error { return errors.New("always") },
		WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	select {
	case <-s.Context().Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("context not cancelled after giving up")
	}
	if s.Err() == nil {
		t.Fatalf("expected error")
	}
}
