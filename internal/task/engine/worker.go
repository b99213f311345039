package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"execbot/internal/eventbus"
	logx "execbot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queuedTask) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case t := <-queue:
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, stopCh, t, rng)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queuedTask, rng *rand.Rand) {
	if qt.state != nil {
		defer qt.state.release()
	}
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)
	t := qt.task

	var err error
	attempts := 0
attemptLoop:
	for attempt := 1; attempt <= 1+t.Retry.Max; attempt++ {
		attempts = attempt
		err = s.runOnce(ctx, t, qt.timeout)
		if err == nil {
			break
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			err = nr.err
			break
		}
		if attempt > t.Retry.Max {
			break
		}

		delay := backoffDelay(t.Retry, attempt, err, rng)
		s.log.Debug("task retry scheduled", logx.String("task", t.Name), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			err = ctx.Err()
			break attemptLoop
		case <-stopCh:
			tmr.Stop()
			err = ErrStopped
			break attemptLoop
		case <-tmr.C:
		}
	}

	dur := time.Since(start)
	ev := TaskEvent{ID: t.ID, Name: t.Name, Key: t.Key, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	item := HistoryItem{ID: t.ID, Name: t.Name, Key: t.Key, Started: start, QueueDelay: queueDelay, Duration: dur, Attempts: attempts}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Debug("task.failed", logx.String("task", t.Name), logx.String("key", t.Key), logx.Err(err), logx.Duration("dur", dur), logx.Int("attempts", attempts))
		s.publish(eventbus.TaskFailed, ev)
	} else {
		s.log.Debug("task.completed", logx.String("task", t.Name), logx.String("key", t.Key), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", dur))
		s.publish(eventbus.TaskFinished, ev)
	}
	s.recordHistory(item)
}

// runOnce runs t with its timeout and converts a panic into an error so one
// bad task cannot kill a worker.
func (s *Service) runOnce(ctx context.Context, t Task, timeout time.Duration) (err error) {
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = NoRetry(fmt.Errorf("panic: %v", r))
			s.log.Error("task.panic", logx.String("task", t.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return t.Run(runCtx)
}

func (s *Service) publish(typ string, ev TaskEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Data: ev})
	}
}

// backoffDelay is Base * 2^(retry-1) with jitter, bounded by MaxDelay. An
// explicit RetryAfter hint replaces the exponential term.
func backoffDelay(p RetryPolicy, retry int, err error, rng *rand.Rand) time.Duration {
	d := p.Base
	var ra RetryAfterError
	if errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		for i := 1; i < retry && d < p.MaxDelay; i++ {
			d *= 2
		}
	}
	if p.Jitter > 0 && d > 0 {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*p.Jitter))
	}
	return min(max(d, 0), p.MaxDelay)
}
