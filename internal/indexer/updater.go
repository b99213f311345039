// Package indexer notifies the secondary index service after a keeper
// transaction is confirmed, so it can refresh the proposal ahead of its own
// polling.
package indexer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"execbot/internal/eventbus"
	"execbot/internal/task/engine"
	logx "execbot/pkg/logx"
)

const taskName = "indexer.update"

type Config struct {
	URL string
	// Retries is forwarded to the service as its own retry budget.
	Retries int
	Timeout time.Duration
}

// Alerter receives an alert when an update fails for good.
type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}

type Updater struct {
	cfg     Config
	hc      *http.Client
	eng     *engine.Service
	bus     eventbus.Bus
	alerter Alerter
	network string
	log     logx.Logger

	retry engine.RetryPolicy
}

func New(cfg Config, network string, eng *engine.Service, bus eventbus.Bus, alerter Alerter, log logx.Logger) *Updater {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Updater{
		cfg:     cfg,
		hc:      &http.Client{Timeout: cfg.Timeout},
		eng:     eng,
		bus:     bus,
		alerter: alerter,
		network: network,
		log:     log.With(logx.String("comp", "indexer")),
		retry:   engine.RetryPolicy{Max: 2, Base: 2 * time.Second, MaxDelay: 30 * time.Second},
	}
}

func (u *Updater) Enabled() bool { return strings.TrimSpace(u.cfg.URL) != "" }

// Run turns tx.confirmed events into update tasks and alerts on update tasks
// that failed after their retries. It returns when ctx is done.
func (u *Updater) Run(ctx context.Context) error {
	if !u.Enabled() || u.bus == nil {
		<-ctx.Done()
		return nil
	}
	events, stop := eventbus.Filter(u.bus, 256, eventbus.TxConfirmed, eventbus.TaskFailed)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-events:
			if !ok {
				return nil
			}
			switch ev := e.Data.(type) {
			case eventbus.TxEvent:
				u.enqueue(ev.Proposal, ev.Block)
			case engine.TaskEvent:
				if ev.Name == taskName {
					u.alertFailure(ctx, ev)
				}
			}
		}
	}
}

func (u *Updater) enqueue(proposal string, block uint64) {
	err := u.eng.Enqueue(engine.Task{
		Name:  taskName,
		Key:   "indexer:" + proposal,
		Retry: u.retry,
		Run: func(ctx context.Context) error {
			return u.Update(ctx, proposal, block)
		},
	})
	if err != nil {
		u.log.Warn("index update not queued", logx.String("proposal", proposal), logx.Err(err))
	}
}

// Update calls the service once. 4xx responses other than 429 are permanent.
func (u *Updater) Update(ctx context.Context, proposal string, block uint64) error {
	target := u.endpoint(proposal, block)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return engine.NoRetry(err)
	}
	resp, err := u.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", target, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode/100 == 2:
		u.log.Info("index updated", logx.String("proposal", proposal), logx.Uint64("block", block))
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return engine.RetryAfter(fmt.Errorf("%s: status 429", target), retryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode/100 == 4:
		return engine.NoRetry(fmt.Errorf("%s: status %d: %s", target, resp.StatusCode, strings.TrimSpace(string(body))))
	default:
		return fmt.Errorf("%s: status %d: %s", target, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func (u *Updater) endpoint(proposal string, block uint64) string {
	q := url.Values{}
	q.Set("proposalId", proposal)
	if block > 0 {
		q.Set("blockNumber", strconv.FormatUint(block, 10))
	}
	q.Set("retries", strconv.Itoa(max(u.cfg.Retries, 0)))
	sep := "?"
	if strings.Contains(u.cfg.URL, "?") {
		sep = "&"
	}
	return u.cfg.URL + sep + q.Encode()
}

func (u *Updater) alertFailure(ctx context.Context, ev engine.TaskEvent) {
	proposal := strings.TrimPrefix(ev.Key, "indexer:")
	u.log.Warn("index update failed", logx.String("proposal", proposal), logx.Int("attempts", ev.Attempts), logx.String("error", ev.Error))
	if u.alerter == nil {
		return
	}
	subject := "Failed to update index: " + u.network
	body := fmt.Sprintf("proposal %s\nattempts %d\nerror: %s", proposal, ev.Attempts, ev.Error)
	if err := u.alerter.Alert(ctx, subject, body); err != nil {
		u.log.Info("index failure alert not sent", logx.Err(err))
	}
}

func retryAfter(h string) time.Duration {
	if s, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && s > 0 {
		return time.Duration(s) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		return time.Until(t)
	}
	return 5 * time.Second
}
