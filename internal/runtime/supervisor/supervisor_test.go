package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestGoRecoversPanicAndReportsFault(t *testing.T) {
	var mu sync.Mutex
	var got []string
	s := NewSupervisor(context.Background(), WithFaultHandler(time.Hour, func(name string, err error, _ uint64) {
		mu.Lock()
		got = append(got, name)
		mu.Unlock()
	}))

	s.Go("boom", func(ctx context.Context) error { panic("bad") })
	s.Go("boom2", func(ctx context.Context) error { panic("worse") })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err == nil {
		t.Fatalf("expected first error to be recorded")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("fault handler calls = %d, want 1 (second suppressed)", len(got))
	}
}

func TestGoRestartRestartsUntilCleanExit(t *testing.T) {
	s := NewSupervisor(context.Background())
	var mu sync.Mutex
	runs := 0
	s.GoRestart("loop", func(ctx context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		runs++
		if runs < 3 {
			return errors.New("disconnected")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if runs != 3 {
		t.Fatalf("runs = %d, want 3", runs)
	}
	snap := s.Snapshot()
	found := false
	for _, g := range snap.Goroutines {
		if g.Name == "loop" {
			found = true
			if g.Restarts != 2 {
				t.Fatalf("restarts = %d, want 2", g.Restarts)
			}
		}
	}
	if !found {
		t.Fatalf("loop missing from snapshot")
	}
}
