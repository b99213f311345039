package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"execbot/internal/eventbus"
	"execbot/internal/storage"
	"execbot/internal/task/engine"
	"execbot/internal/task/scheduler"
	logx "execbot/pkg/logx"
)

func (s *Service) fireJob(req request) scheduler.Job {
	return func(ctx context.Context) error { return s.fire(ctx, req) }
}

// fire is the timer job for deadlines and retries. The keeper retries on its
// own schedule, so errors handed to the engine are never retried there.
func (s *Service) fire(ctx context.Context, req request) error {
	unlock := s.locks.lock(req.ID)
	defer unlock()

	log := s.log.With(
		logx.String("proposal", req.ID.Hex()),
		logx.String("purpose", string(req.Purpose)),
		logx.Stringer("phase", req.Phase),
		logx.Int("attempt", req.Attempt),
	)
	start := s.now()
	s.checkBalance(ctx)
	res, err := s.execute(ctx, req, log)
	rec := attemptRecord(req, res, start, s.now())

	switch {
	case err == nil:
		rec.Outcome = "sent"
		s.record(ctx, rec)
		log.Info("transaction sent",
			logx.String("outcome", rec.Outcome),
			logx.String("action", res.Action),
			logx.String("account", res.Account.Hex()),
			logx.String("tx", res.TxHash.Hex()),
			logx.Uint64("nonce", res.Nonce),
			logx.Uint64("gas_limit", res.GasLimit),
			logx.String("gas_price", res.GasPrice.String()),
		)
		s.publish(eventbus.TxSent, s.txEvent(req, res, 0, ""))
		s.watch(req, res, log)
		return nil

	case errors.Is(err, ErrPhaseChanged):
		s.retries.clear(req.ID)
		rec.Outcome = "skipped"
		rec.Error = err.Error()
		s.record(ctx, rec)
		log.Info("phase already moved on; nothing to execute", logx.String("outcome", rec.Outcome), logx.Stringer("current_phase", res.Item.Phase))
		s.schedule(ctx, res.Item, log)
		return nil

	case permanent(err):
		s.retries.clear(req.ID)
		rec.Outcome = "skipped"
		rec.Error = err.Error()
		s.record(ctx, rec)
		if errors.Is(err, ErrAlwaysFailing) {
			log.Warn("execution dropped", logx.String("outcome", rec.Outcome), logx.Err(err))
			return engine.NoRetry(err)
		}
		log.Info("execution skipped", logx.String("outcome", rec.Outcome), logx.Err(err))
		return nil

	default:
		rec.Outcome = "failed"
		rec.Error = err.Error()
		s.record(ctx, rec)
		log.Warn("execution failed", logx.String("outcome", rec.Outcome), logx.Err(err))
		s.retryLater(ctx, req, err, log)
		return engine.NoRetry(err)
	}
}

// retryLater counts a failure and arms a retry timer, or gives up once the
// limit is exceeded. Callers hold the item lock.
//
// The timer that started an attempt is gone from the registry before the
// attempt runs, so any timer found for the item was armed by the listener
// since then and is left in place.
func (s *Service) retryLater(ctx context.Context, req request, cause error, log logx.Logger) {
	if cur, ok := s.timers.Timer(req.ID.Hex()); ok {
		if it, known := s.items.get(req.ID); known && !samePhase(req.Phase, it.Phase) {
			s.retries.clear(req.ID)
		}
		log.Info("deadline re-armed during the attempt; retry not scheduled",
			logx.String("timer_purpose", cur.Purpose),
			logx.Uint64("timer_version", cur.Version),
			logx.Err(cause),
		)
		return
	}
	n := s.retries.inc(req.ID)
	if n > s.cfg.RetryLimit {
		s.retries.clear(req.ID)
		log.Warn("execution abandoned", logx.String("outcome", "abandoned"), logx.Int("failures", n), logx.Err(cause))
		s.record(ctx, storage.AttemptRecord{
			Proposal: req.ID.Hex(),
			Version:  req.Version,
			Purpose:  string(req.Purpose),
			Outcome:  "abandoned",
			Attempt:  req.Attempt,
			Error:    cause.Error(),
		})
		s.publish(eventbus.ExecutionAbandoned, eventbus.TxEvent{
			Proposal: req.ID.Hex(),
			Attempt:  n,
			Error:    cause.Error(),
		})
		s.alert(ctx, "Execution abandoned: "+s.cfg.Network,
			fmt.Sprintf("proposal %s\nphase %s\nfailures %d\nlast error: %v", req.ID.Hex(), req.Phase, n, cause))
		return
	}
	next := req
	next.Purpose = RetryExecution
	next.Attempt = n
	s.arm(next, s.cfg.RetryDelay, log)
}

// watch waits for the receipt in the background. A revert or a timeout
// counts as a failed attempt.
func (s *Service) watch(req request, res result, log logx.Logger) {
	name := "receipt." + res.TxHash.Hex()[:10]
	s.spawn(name, func(ctx context.Context) error {
		wctx, cancel := context.WithTimeout(ctx, s.cfg.ReceiptTimeout)
		defer cancel()
		start := s.now()
		rcpt, err := s.ledger.WaitReceipt(wctx, res.TxHash)
		if err == nil && rcpt.Status == types.ReceiptStatusSuccessful {
			block := rcpt.BlockNumber.Uint64()
			log.Info("transaction confirmed", logx.String("outcome", "confirmed"), logx.String("tx", res.TxHash.Hex()), logx.Uint64("block", block), logx.Uint64("gas_used", rcpt.GasUsed))
			rec := attemptRecord(req, res, start, s.now())
			rec.Outcome = "confirmed"
			s.record(ctx, rec)
			ev := s.txEvent(req, res, block, "")
			s.publish(eventbus.TxConfirmed, ev)
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = fmt.Errorf("transaction %s reverted in block %d", res.TxHash.Hex(), rcpt.BlockNumber.Uint64())
		} else {
			err = fmt.Errorf("receipt for %s: %w", res.TxHash.Hex(), err)
		}
		log.Warn("transaction failed", logx.String("outcome", "failed"), logx.Err(err))
		rec := attemptRecord(req, res, start, s.now())
		rec.Outcome = "failed"
		rec.Error = err.Error()
		s.record(ctx, rec)
		s.publish(eventbus.TxFailed, s.txEvent(req, res, 0, err.Error()))

		unlock := s.locks.lock(req.ID)
		defer unlock()
		s.retryLater(ctx, req, err, log)
		return nil
	})
}

func (s *Service) txEvent(req request, res result, block uint64, errStr string) eventbus.TxEvent {
	return eventbus.TxEvent{
		Proposal: req.ID.Hex(),
		Action:   res.Action,
		Account:  res.Account.Hex(),
		TxHash:   res.TxHash.Hex(),
		Nonce:    res.Nonce,
		Block:    block,
		Attempt:  req.Attempt,
		Error:    errStr,
	}
}

func attemptRecord(req request, res result, start, end time.Time) storage.AttemptRecord {
	rec := storage.AttemptRecord{
		At:       end,
		Proposal: req.ID.Hex(),
		Version:  req.Version,
		Purpose:  string(req.Purpose),
		Action:   res.Action,
		Attempt:  req.Attempt,
		Nonce:    res.Nonce,
		GasLimit: res.GasLimit,
		TookMS:   end.Sub(start).Milliseconds(),
	}
	if res.Account != (common.Address{}) {
		rec.Account = res.Account.Hex()
	}
	if res.TxHash != (common.Hash{}) {
		rec.TxHash = res.TxHash.Hex()
	}
	if res.GasPrice != nil {
		rec.GasPrice = res.GasPrice.String()
	}
	return rec
}
