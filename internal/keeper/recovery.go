package keeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"execbot/internal/chain"
	logx "execbot/pkg/logx"
)

const fetchAttempts = 3

var errSubscriptionClosed = errors.New("notification subscription closed")

// run attaches the live subscription first so nothing emitted during replay
// is lost, replays recent history, then serves live notifications until ctx
// ends or the subscription fails.
func (s *Service) run(ctx context.Context) error {
	live := make(chan chain.Notification, s.cfg.SubscribeBuffer)
	sub, err := s.ledger.Subscribe(ctx, live)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer sub.Unsubscribe()

	if err := s.replayHistory(ctx); err != nil {
		return err
	}
	s.log.Info("listening for notifications", logx.Int("buffered", len(live)))

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			if err == nil {
				err = errSubscriptionClosed
			}
			return fmt.Errorf("subscription: %w", err)
		case n := <-live:
			s.dispatch(ctx, n)
		}
	}
}

// replayHistory replays the notifications of the last RecoveryBlocks blocks, one
// per item, through the same path as live notifications.
func (s *Service) replayHistory(ctx context.Context) error {
	start := s.now()
	head, err := s.ledger.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("block number: %w", err)
	}
	var from uint64
	if head > s.cfg.RecoveryBlocks {
		from = head - s.cfg.RecoveryBlocks
	}

	var all []chain.Notification
	for lo := from; lo <= head; lo += s.cfg.LogChunkBlocks {
		hi := min(lo+s.cfg.LogChunkBlocks-1, head)
		ns, err := s.fetchChunk(ctx, lo, hi)
		if err != nil {
			return err
		}
		all = append(all, ns...)
		if hi == head {
			break
		}
	}

	latest := compact(all)
	for _, n := range latest {
		if ctx.Err() != nil {
			return nil
		}
		s.dispatch(ctx, n)
	}
	s.log.Info("recovery finished",
		logx.Uint64("from_block", from),
		logx.Uint64("to_block", head),
		logx.Int("notifications", len(all)),
		logx.Int("items", len(latest)),
		logx.Duration("took", s.now().Sub(start)),
	)
	return nil
}

func (s *Service) fetchChunk(ctx context.Context, lo, hi uint64) ([]chain.Notification, error) {
	var lastErr error
	backoff := s.fetchBackoff
	for attempt := 1; attempt <= fetchAttempts; attempt++ {
		ns, err := s.ledger.FetchNotifications(ctx, lo, hi)
		if err == nil {
			return ns, nil
		}
		lastErr = err
		s.log.Warn("log fetch failed",
			logx.Uint64("from_block", lo),
			logx.Uint64("to_block", hi),
			logx.Int("attempt", attempt),
			logx.Err(err),
		)
		if attempt == fetchAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("fetch logs %d-%d: %w", lo, hi, lastErr)
}

// compact keeps the last notification of each item, ordered by where that
// last notification appeared.
func compact(ns []chain.Notification) []chain.Notification {
	last := make(map[common.Hash]int, len(ns))
	for i, n := range ns {
		last[n.ProposalID] = i
	}
	out := make([]chain.Notification, 0, len(last))
	for i, n := range ns {
		if last[n.ProposalID] == i {
			out = append(out, n)
		}
	}
	return out
}
