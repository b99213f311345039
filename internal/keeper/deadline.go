package keeper

import (
	"errors"
	"math"
	"time"

	"execbot/internal/chain"
	"execbot/internal/task/scheduler"
)

// Purpose names why a timer exists.
type Purpose string

const (
	PhaseExpiry    Purpose = "phase-expiry"
	PreBoostExpiry Purpose = "pre-boost-expiry"
	QueueExpiry    Purpose = "queue-expiry"
	RetryExecution Purpose = "retry"
)

var (
	// ErrNoDeadline is returned for phases that have nothing to wait for.
	ErrNoDeadline = errors.New("phase has no deadline")
	// ErrOutOfRange means the delay exceeds what the scheduler can hold.
	ErrOutOfRange = errors.New("deadline out of range")
)

// Deadline is a planned timer for an item.
type Deadline struct {
	Purpose Purpose
	Phase   chain.Phase
	Due     time.Time
	Delay   time.Duration
}

// Margins are added after the raw deadline for phases where execution right
// at the boundary tends to revert.
type Margins struct {
	PreBoost time.Duration
	Queue    time.Duration
}

// PlanDeadline classifies item on its current phase and computes the delay
// from now. A past deadline yields a zero raw delay plus the margin.
func PlanDeadline(item chain.Item, now time.Time, m Margins) (Deadline, error) {
	var (
		purpose Purpose
		limit   int64
		entered int64
		margin  time.Duration
	)
	switch item.Phase {
	case chain.PhaseBoosted, chain.PhaseQuietEnding:
		purpose, limit, entered = PhaseExpiry, item.CurrentBoostedVotePeriodLimit, item.Times[chain.TimeBoosted]
	case chain.PhasePreBoosted:
		purpose, limit, entered, margin = PreBoostExpiry, item.Params.PreBoostedVotePeriodLimit, item.Times[chain.TimePreBoosted], m.PreBoost
	case chain.PhaseQueued:
		purpose, limit, entered, margin = QueueExpiry, item.Params.QueuedVotePeriodLimit, item.Times[chain.TimeSubmitted], m.Queue
	default:
		return Deadline{}, ErrNoDeadline
	}

	delay, ok := Delay(limit, entered, now, margin)
	if !ok {
		return Deadline{}, ErrOutOfRange
	}
	dueMS, _ := deadlineMillis(limit, entered)
	return Deadline{
		Purpose: purpose,
		Phase:   item.Phase,
		Due:     time.UnixMilli(dueMS),
		Delay:   delay,
	}, nil
}

// Delay is the time from now until enteredAt+periodLimit (both in seconds),
// floored at zero, plus margin. It reports false when the result does not fit
// the scheduler's range.
func Delay(periodLimit, enteredAt int64, now time.Time, margin time.Duration) (time.Duration, bool) {
	dueMS, ok := deadlineMillis(periodLimit, enteredAt)
	if !ok {
		return 0, false
	}
	raw := dueMS - now.UnixMilli()
	if raw < 0 {
		raw = 0
	}
	if raw > int64(scheduler.MaxDelay/time.Millisecond) {
		return 0, false
	}
	delay := time.Duration(raw)*time.Millisecond + margin
	if delay > scheduler.MaxDelay {
		return 0, false
	}
	return delay, true
}

// deadlineMillis is (limit+entered) seconds in milliseconds, refusing values
// that would overflow.
func deadlineMillis(limit, entered int64) (int64, bool) {
	if limit < 0 || entered < 0 {
		return 0, false
	}
	if limit > math.MaxInt64-entered {
		return 0, false
	}
	sum := limit + entered
	if sum > math.MaxInt64/1000 {
		return 0, false
	}
	return sum * 1000, true
}

// samePhase treats Boosted and QuietEnding as one phase: the boosted
// deadline covers both.
func samePhase(armed, current chain.Phase) bool {
	if armed == current {
		return true
	}
	boosted := func(p chain.Phase) bool { return p == chain.PhaseBoosted || p == chain.PhaseQuietEnding }
	return boosted(armed) && boosted(current)
}
