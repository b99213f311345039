package keeper

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"time"

	"execbot/internal/chain"
	"execbot/internal/protocol"
	"execbot/internal/storage"
	logx "execbot/pkg/logx"
)

// dispatch handles one notification. It is shared by recovery and the live
// subscription, and is idempotent: replaying the same notification re-reads
// the item and re-arms the same deadline.
func (s *Service) dispatch(ctx context.Context, n chain.Notification) {
	log := s.log.With(
		logx.String("proposal", n.ProposalID.Hex()),
		logx.String("voting_machine", n.VotingMachine.Hex()),
		logx.String("event", string(n.Kind)),
		logx.Uint64("block", n.Block),
	)
	if n.Kind == chain.BountyRedeemed {
		s.onBounty(n, log)
		return
	}

	item, err := s.ledger.ReadItem(ctx, n.VotingMachine, n.ProposalID)
	if errors.Is(err, protocol.ErrValueOutOfRange) {
		s.timers.Cancel(n.ProposalID.Hex())
		log.Warn("proposal has implausible values; not armed", logx.Err(err))
		s.record(ctx, storage.AttemptRecord{
			Proposal: n.ProposalID.Hex(),
			Outcome:  "skipped",
			Error:    err.Error(),
		})
		return
	}
	if err != nil {
		log.Warn("proposal read failed; notification skipped", logx.Err(err))
		return
	}
	if item.Phase == chain.PhaseNone {
		log.Warn("proposal has no record; notification skipped")
		return
	}
	s.items.put(item)
	s.schedule(ctx, item, log)
}

// schedule replaces any timer for item with the deadline of its current
// phase.
func (s *Service) schedule(ctx context.Context, item chain.Item, log logx.Logger) {
	key := item.ID.Hex()
	d, err := PlanDeadline(item, s.now(), s.cfg.Margins)
	switch {
	case errors.Is(err, ErrNoDeadline):
		cancelled := s.timers.Cancel(key)
		s.retries.clear(item.ID)
		log.Debug("no deadline for phase", logx.Stringer("phase", item.Phase), logx.Bool("timer_cancelled", cancelled))
		return
	case errors.Is(err, ErrOutOfRange):
		s.timers.Cancel(key)
		log.Warn("deadline out of scheduler range; not armed", logx.Stringer("phase", item.Phase))
		s.record(ctx, storage.AttemptRecord{
			Proposal: key,
			Version:  item.Version,
			Purpose:  string(phasePurpose(item.Phase)),
			Outcome:  "skipped",
			Error:    err.Error(),
		})
		return
	}
	s.arm(request{
		ID:       item.ID,
		VM:       item.VotingMachine,
		Version:  item.Version,
		Phase:    item.Phase,
		Deadline: d.Purpose,
		Purpose:  d.Purpose,
	}, d.Delay, log)
}

func (s *Service) arm(req request, delay time.Duration, log logx.Logger) bool {
	info, err := s.timers.ArmTimeout(req.ID.Hex(), string(req.Purpose), delay, s.cfg.ExecTimeout, s.fireJob(req))
	if err != nil {
		log.Warn("timer not armed", logx.String("purpose", string(req.Purpose)), logx.Err(err))
		return false
	}
	log.Info("timer armed",
		logx.String("purpose", string(req.Purpose)),
		logx.Stringer("phase", req.Phase),
		logx.Duration("delay", delay),
		logx.Time("fire_at", info.FireAt),
		logx.Int("attempt", req.Attempt),
	)
	return true
}

func (s *Service) onBounty(n chain.Notification, log logx.Logger) {
	s.timers.Cancel(n.ProposalID.Hex())
	s.retries.clear(n.ProposalID)
	reward := formatUnits(n.Amount, 18)
	if s.ours(n.Beneficiary) {
		log.Info("expiration bounty received", logx.String("reward", reward), logx.String("tx", n.TxHash.Hex()))
		return
	}
	log.Info("proposal redeemed by another account",
		logx.String("beneficiary", n.Beneficiary.Hex()),
		logx.String("reward", reward),
	)
}

func phasePurpose(p chain.Phase) Purpose {
	switch p {
	case chain.PhaseBoosted, chain.PhaseQuietEnding:
		return PhaseExpiry
	case chain.PhasePreBoosted:
		return PreBoostExpiry
	case chain.PhaseQueued:
		return QueueExpiry
	}
	return ""
}

// formatUnits renders v / 10^decimals without rounding.
func formatUnits(v *big.Int, decimals int) string {
	if v == nil {
		return "0"
	}
	unit := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	out := new(big.Rat).SetFrac(v, unit).FloatString(decimals)
	if strings.Contains(out, ".") {
		out = strings.TrimSuffix(strings.TrimRight(out, "0"), ".")
	}
	return out
}
