package notifier

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"execbot/internal/eventbus"
	logx "execbot/pkg/logx"
)

type fakeTransport struct {
	mu    sync.Mutex
	fails int
	sent  []Alert
	calls int
}

func (f *fakeTransport) Name() string { return "fake" }

func (f *fakeTransport) Send(_ context.Context, a Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fails > 0 {
		f.fails--
		return errors.New("transport down")
	}
	f.sent = append(f.sent, a)
	return nil
}

func (f *fakeTransport) snapshot() (int, []Alert) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]Alert(nil), f.sent...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestAlertDeliveredWithRetry(t *testing.T) {
	ft := &fakeTransport{fails: 2}
	bus := eventbus.New()
	sent, stop := eventbus.Filter(bus, 4, EventSent)
	defer stop()

	s := New(Config{Enabled: true, RatePerSec: 100, RetryMax: 3, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond},
		[]Transport{ft}, logx.Nop(), bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	if err := s.Alert(ctx, "execution abandoned", "proposal 0x01"); err != nil {
		t.Fatalf("alert: %v", err)
	}

	select {
	case <-sent:
	case <-time.After(2 * time.Second):
		t.Fatal("no sent event")
	}
	calls, got := ft.snapshot()
	if calls != 3 || len(got) != 1 || got[0].Subject != "execution abandoned" {
		t.Fatalf("calls=%d sent=%+v", calls, got)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	s.Stop(stopCtx)
	if err := s.Alert(ctx, "x", "y"); !errors.Is(err, ErrStopped) {
		t.Fatalf("after stop err = %v", err)
	}
}

func TestAlertDedupSuppressesRepeats(t *testing.T) {
	ft := &fakeTransport{}
	s := New(Config{Enabled: true, RatePerSec: 100, DedupWindow: time.Minute}, []Transport{ft}, logx.Nop(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	for i := 0; i < 3; i++ {
		if err := s.Alert(ctx, "low balance", "0.05 ETH"); err != nil {
			t.Fatalf("alert: %v", err)
		}
	}
	if err := s.Alert(ctx, "low balance", "0.04 ETH"); err != nil {
		t.Fatalf("alert: %v", err)
	}

	waitFor(t, func() bool { _, got := ft.snapshot(); return len(got) == 2 })
	time.Sleep(20 * time.Millisecond)
	if _, got := ft.snapshot(); len(got) != 2 {
		t.Fatalf("sent %d alerts, want 2", len(got))
	}
}

func TestAlertDisabled(t *testing.T) {
	s := New(Config{Enabled: false}, []Transport{&fakeTransport{}}, logx.Nop(), nil, nil)
	if err := s.Alert(context.Background(), "a", "b"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v", err)
	}
}

func TestRetryDelayCapped(t *testing.T) {
	cfg := Config{RetryBase: time.Second, RetryMaxDelay: 3 * time.Second}
	for attempt := 1; attempt < 10; attempt++ {
		if d := retryDelay(cfg, attempt); d > cfg.RetryMaxDelay || d <= 0 {
			t.Fatalf("attempt %d delay %v", attempt, d)
		}
	}
}
