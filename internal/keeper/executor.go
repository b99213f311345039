package keeper

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"execbot/internal/chain"
	"execbot/internal/protocol"
	logx "execbot/pkg/logx"
)

var (
	// ErrPhaseChanged means the item left the phase the timer was armed for.
	ErrPhaseChanged = errors.New("phase changed since timer was armed")
	// ErrAlwaysFailing means gas estimation says the call can never succeed.
	ErrAlwaysFailing = errors.New("transaction would always fail")
	// ErrNoBounty means the boosted deadline pays nothing to execute.
	ErrNoBounty = errors.New("no expiration bounty")
	// ErrNotIndexed means the secondary index has not seen the item yet.
	ErrNotIndexed  = errors.New("proposal not indexed")
	errNoSequencer = errors.New("no nonce sequencer for account")
)

// permanent errors end an execution without a retry.
func permanent(err error) bool {
	return errors.Is(err, ErrAlwaysFailing) || errors.Is(err, ErrNoBounty) || errors.Is(err, ErrNotIndexed) ||
		errors.Is(err, protocol.ErrValueOutOfRange)
}

// request is what a timer carries to its job.
type request struct {
	ID      common.Hash
	VM      common.Address
	Version string
	// Phase is the phase the deadline was planned for.
	Phase    chain.Phase
	Deadline Purpose
	// Purpose is the purpose of this timer: the deadline itself or a retry.
	Purpose Purpose
	Attempt int
}

const (
	actionExecute    = "execute"
	actionRedeemJoin = "redeem-join"
)

// result describes a sent transaction.
type result struct {
	Item     chain.Item
	Action   string
	Account  common.Address
	Nonce    uint64
	GasLimit uint64
	GasPrice *big.Int
	TxHash   common.Hash
}

// execute re-reads the item and, if it is still in the armed phase, sends
// the transaction that moves it on.
func (s *Service) execute(ctx context.Context, req request, log logx.Logger) (result, error) {
	var res result
	item, err := s.ledger.ReadItem(ctx, req.VM, req.ID)
	if err != nil {
		return res, fmt.Errorf("read proposal: %w", err)
	}
	res.Item = item
	s.items.put(item)
	if !samePhase(req.Phase, item.Phase) {
		return res, fmt.Errorf("%w: armed %s, now %s", ErrPhaseChanged, req.Phase, item.Phase)
	}

	signer := s.signer
	priority := s.cfg.PriorityOrganization != (common.Address{}) && item.Organization == s.cfg.PriorityOrganization
	if priority {
		signer = s.alt
	}
	from := signer.Address()
	res.Account = from

	if req.Deadline == PhaseExpiry {
		bounty, err := s.ledger.ExpirationBounty(ctx, req.VM, req.ID, from)
		if err != nil {
			return res, fmt.Errorf("expiration bounty: %w", err)
		}
		if bounty == nil || bounty.Sign() <= 0 {
			return res, ErrNoBounty
		}
		log.Debug("expiration bounty available", logx.String("bounty", formatUnits(bounty, 18)))
	}

	call, action, err := s.buildCall(ctx, req, from, log)
	if err != nil {
		return res, err
	}
	res.Action = action

	price := s.gasPrice(ctx, priority, log)
	res.GasPrice = price

	head, err := s.ledger.Head(ctx)
	if err != nil {
		return res, fmt.Errorf("latest block: %w", err)
	}
	est, estErr := s.ledger.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &call.To, GasPrice: price, Data: call.Data})
	limit, err := gasLimit(est, estErr, head.GasLimit, s.cfg.Gas)
	if err != nil {
		return res, err
	}
	if estErr != nil {
		log.Warn("gas estimation failed; using fallback limit", logx.Err(estErr), logx.Uint64("gas_limit", limit))
	}
	res.GasLimit = limit

	seq, ok := s.sequencer(from)
	if !ok {
		return res, fmt.Errorf("%w %s", errNoSequencer, from.Hex())
	}
	nonce := seq.Next()
	res.Nonce = nonce

	tx, err := signer.Sign(chain.LegacyTx(call, nonce, limit, price))
	if err != nil {
		return res, fmt.Errorf("sign: %w", err)
	}
	if err := s.ledger.Send(ctx, tx); err != nil {
		log.Warn("send failed; nonce left unused, later transactions from this account queue behind it until restart",
			logx.String("account", from.Hex()),
			logx.Uint64("nonce_gap", nonce),
			logx.Err(err),
		)
		return res, fmt.Errorf("send (nonce %d): %w", nonce, err)
	}
	res.TxHash = tx.Hash()
	return res, nil
}

// buildCall picks redeemJoin for Join proposals with a redeemer, execute
// otherwise. The index lookup doubles as the presence check.
func (s *Service) buildCall(ctx context.Context, req request, from common.Address, log logx.Logger) (chain.Call, string, error) {
	if s.index != nil {
		entry, found, err := s.index.Proposal(ctx, req.ID)
		if err != nil {
			return chain.Call{}, "", fmt.Errorf("index lookup: %w", err)
		}
		if !found {
			return chain.Call{}, "", ErrNotIndexed
		}
		if entry.Join && entry.Scheme != (common.Address{}) {
			call, err := s.ledger.RedeemJoinCall(req.VM, entry.Scheme, req.ID, from)
			switch {
			case err == nil:
				return call, actionRedeemJoin, nil
			case errors.Is(err, protocol.ErrNoRedeemer):
				log.Debug("join proposal without redeemer; executing directly")
			default:
				return chain.Call{}, "", fmt.Errorf("redeem join call: %w", err)
			}
		}
	}
	call, err := s.ledger.ExecuteCall(req.VM, req.ID)
	if err != nil {
		return chain.Call{}, "", fmt.Errorf("execute call: %w", err)
	}
	return call, actionExecute, nil
}

// gasPrice is the default price, or for the priority organization the
// oracle's fast price plus the bump, capped on mainnet.
func (s *Service) gasPrice(ctx context.Context, priority bool, log logx.Logger) *big.Int {
	def := new(big.Int).Set(s.cfg.Gas.DefaultPrice)
	if !priority || s.gas == nil {
		return def
	}
	fast, err := s.gas.Fast(ctx)
	if err != nil {
		log.Warn("gas oracle unavailable; using default price", logx.Err(err))
		return def
	}
	p := new(big.Int).Add(fast, s.cfg.Gas.PriorityBump)
	if s.cfg.Mainnet && p.Cmp(s.cfg.Gas.MaxPrice) > 0 {
		p.Set(s.cfg.Gas.MaxPrice)
	}
	return p
}

// gasLimit scales a successful estimate and clamps it below the block limit.
// A failed estimate falls back to a large fixed limit unless the node says
// the call cannot succeed.
func gasLimit(est uint64, estErr error, blockLimit uint64, pol GasPolicy) (uint64, error) {
	ceiling := blockLimit
	if blockLimit > pol.Reserve {
		ceiling = blockLimit - pol.Reserve
	}
	if estErr == nil {
		scaled := float64(est) * pol.Multiplier
		if scaled >= float64(ceiling) {
			return ceiling, nil
		}
		return uint64(scaled), nil
	}
	if alwaysFailing(estErr) {
		return 0, fmt.Errorf("%w: %v", ErrAlwaysFailing, estErr)
	}
	g := max(ceiling, pol.FallbackMinLimit)
	if blockLimit > 0 && g > blockLimit {
		g = blockLimit
	}
	return g, nil
}

func alwaysFailing(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "always failing") || strings.Contains(msg, "execution reverted")
}

// checkBalance warns and alerts when the primary account runs low.
func (s *Service) checkBalance(ctx context.Context) {
	addr := s.signer.Address()
	bal, err := s.ledger.Balance(ctx, addr)
	if err != nil {
		s.log.Debug("balance check failed", logx.Err(err))
		return
	}
	if bal.Cmp(s.cfg.LowBalance) >= 0 {
		return
	}
	eth := formatUnits(bal, 18)
	s.log.Warn("account balance low", logx.String("account", addr.Hex()), logx.String("balance_eth", eth))
	s.alert(ctx, "Execution bot needs more ETH: "+s.cfg.Network,
		fmt.Sprintf("account %s\nbalance %s ETH\nthreshold %s ETH", addr.Hex(), eth, formatUnits(s.cfg.LowBalance, 18)))
}
