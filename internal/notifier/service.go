package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"execbot/internal/eventbus"
	rtsup "execbot/internal/runtime/supervisor"
	"execbot/internal/storage"
	logx "execbot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const (
	EventQueued  = "alert.queued"
	EventDeduped = "alert.deduped"
	EventDropped = "alert.dropped"
	EventSent    = "alert.sent"
	EventFailed  = "alert.failed"
)

type job struct {
	a        Alert
	dedupKey string
}

type dedupWrite struct {
	key   string
	until time.Time
}

// Service is the async alert pipeline: queue + worker pool + rate limit +
// retry + dedup. It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log        logx.Logger
	transports []Transport
	bus        eventbus.Bus
	store      storage.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{}

	dmu   sync.Mutex
	dedup map[string]time.Time

	persistCh chan dedupWrite

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, transports []Transport, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		transports: transports,
		log:        log.With(logx.String("comp", "notifier")),
		bus:        bus,
		store:      store,
		dedup:      map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && len(s.transports) > 0
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 30 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start launches the workers. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled || len(s.transports) == 0 {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup, q, pch, st, workers := s.sup, s.queue, s.persistCh, s.store, s.cfg.Workers
	s.mu.Unlock()

	// exitErr turns a clean loop exit into a restart unless we are stopping.
	exitErr := func(c context.Context, what string) error {
		s.mu.Lock()
		stopping := s.stopDone != nil
		s.mu.Unlock()
		if stopping || c.Err() != nil {
			return context.Canceled
		}
		return fmt.Errorf("notifier %s exited unexpectedly", what)
	}

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch, st)
			return exitErr(c, "persist loop")
		})
	}
	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return exitErr(c, "worker")
		})
	}
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, pch, sup := s.queue, s.persistCh, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		s.sendWG.Wait()
		if pch != nil {
			close(pch)
		}
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue, s.persistCh, s.stopDone, s.sup = nil, nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Alert enqueues an alert for every transport. Delivery failures are logged,
// never returned; the error only reports whether the alert was accepted.
func (s *Service) Alert(ctx context.Context, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	cfg := s.cfg
	st := s.store
	pch := s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	a := Alert{Subject: strings.TrimSpace(subject), Body: body, At: time.Now()}
	key := dedupKey(a)
	if cfg.DedupWindow > 0 {
		if !s.dedupAllow(ctx, key, cfg.DedupWindow, cfg.DedupMaxEntries, cfg.PersistDedup, st, pch) {
			s.publish(EventDeduped, AlertEvent{Subject: a.Subject, Key: key})
			return nil
		}
	}

	select {
	case q <- job{a: a, dedupKey: key}:
		s.publish(EventQueued, AlertEvent{Subject: a.Subject, Key: key})
		return nil
	default:
		s.publish(EventDropped, AlertEvent{Subject: a.Subject, Key: key, Error: ErrQueueFull.Error()})
		s.log.Info("alert dropped", logx.String("subject", a.Subject), logx.Err(ErrQueueFull))
		return ErrQueueFull
	}
}

func (s *Service) publish(typ string, ev AlertEvent) {
	if s.bus == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

// History returns recent delivery outcomes, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(h HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, h)
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st storage.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := st.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			for _, t := range s.transports {
				s.sendWithRetry(ctx, t, j)
			}
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, t Transport, j job) {
	s.mu.Lock()
	cfg, lim := s.cfg, s.limiter
	s.mu.Unlock()

	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := t.Send(callCtx, j.a)
		cancel()
		if err == nil {
			s.appendHistory(HistoryItem{At: time.Now(), Subject: j.a.Subject, Transport: t.Name()})
			s.publish(EventSent, AlertEvent{Transport: t.Name(), Subject: j.a.Subject, Key: j.dedupKey})
			return
		}
		lastErr = err
		s.log.Debug("alert send failed", logx.String("transport", t.Name()), logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}

		timer := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}

	s.appendHistory(HistoryItem{At: time.Now(), Subject: j.a.Subject, Transport: t.Name(), Error: lastErr.Error()})
	s.publish(EventFailed, AlertEvent{Transport: t.Name(), Subject: j.a.Subject, Key: j.dedupKey, Error: lastErr.Error()})
	// Info, not Warn: a Warn here would loop back through the log alert sink.
	s.log.Info("alert delivery failed", logx.String("transport", t.Name()), logx.String("subject", j.a.Subject), logx.Err(lastErr))
}

func dedupKey(a Alert) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(a.Subject))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(a.Body))
	return fmt.Sprintf("alert:%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, maxEntries int, persist bool, st storage.Store, pch chan dedupWrite) bool {
	now := time.Now()

	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	// Cross-restart check.
	if persist && st != nil {
		cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	until := now.Add(window)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var oldest string
		var oldestAt time.Time
		for k, u := range s.dedup {
			if oldest == "" || u.Before(oldestAt) {
				oldest, oldestAt = k, u
			}
		}
		delete(s.dedup, oldest)
	}
	s.dmu.Unlock()

	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}

// retryDelay is base * 2^(attempt-1) with 0.7..1.3 jitter, capped at RetryMaxDelay.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}
