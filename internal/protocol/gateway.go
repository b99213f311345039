package protocol

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/event"

	"execbot/internal/chain"
	logx "execbot/pkg/logx"
)

// Backend is the subset of chain.Client the gateway needs.
type Backend interface {
	Head(ctx context.Context) (chain.Head, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	PendingNonce(ctx context.Context, addr common.Address) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	WaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Gateway reads and writes voting machines through a Backend using the
// registry's encodings.
type Gateway struct {
	b   Backend
	reg *Registry
	log logx.Logger
	now func() time.Time
}

func NewGateway(b Backend, reg *Registry, log logx.Logger) *Gateway {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Gateway{b: b, reg: reg, log: log.With(logx.String("comp", "protocol")), now: time.Now}
}

func (g *Gateway) Registry() *Registry { return g.reg }

// ReadItem fetches the current proposal record with its times, parameters
// and organization. A proposal the voting machine does not know comes back
// with PhaseNone.
func (g *Gateway) ReadItem(ctx context.Context, vm common.Address, id common.Hash) (chain.Item, error) {
	v, ok := g.reg.Lookup(vm)
	if !ok {
		return chain.Item{}, fmt.Errorf("%w: %s", ErrUnknownVotingMachine, vm.Hex())
	}
	item := chain.Item{ID: id, VotingMachine: vm, Version: v.Tag}

	p, err := g.call(ctx, vm, "proposals", id)
	if err != nil {
		return chain.Item{}, err
	}
	item.OrganizationID = common.Hash(p[0].([32]byte))
	item.Phase = chain.Phase(p[2].(uint8))
	if item.CurrentBoostedVotePeriodLimit, err = int64Of("currentBoostedVotePeriodLimit", p[5]); err != nil {
		return chain.Item{}, err
	}
	item.ParamsHash = common.Hash(p[6].([32]byte))
	if item.Phase == chain.PhaseNone {
		item.ReadAt = g.now()
		return item, nil
	}

	t, err := g.call(ctx, vm, "getProposalTimes", id)
	if err != nil {
		return chain.Item{}, err
	}
	times := t[0].([3]*big.Int)
	for i := range times {
		if item.Times[i], err = int64Of(fmt.Sprintf("times[%d]", i), times[i]); err != nil {
			return chain.Item{}, err
		}
	}

	pr, err := g.call(ctx, vm, "parameters", item.ParamsHash)
	if err != nil {
		return chain.Item{}, err
	}
	for _, f := range []struct {
		name string
		v    any
		dst  *int64
	}{
		{"queuedVotePeriodLimit", pr[1], &item.Params.QueuedVotePeriodLimit},
		{"boostedVotePeriodLimit", pr[2], &item.Params.BoostedVotePeriodLimit},
		{"preBoostedVotePeriodLimit", pr[3], &item.Params.PreBoostedVotePeriodLimit},
		{"quietEndingPeriod", pr[6], &item.Params.QuietEndingPeriod},
	} {
		if *f.dst, err = int64Of(f.name, f.v); err != nil {
			return chain.Item{}, err
		}
	}

	o, err := g.call(ctx, vm, "organizations", item.OrganizationID)
	if err != nil {
		return chain.Item{}, err
	}
	item.Organization = o[0].(common.Address)
	item.ReadAt = g.now()
	return item, nil
}

// int64Of converts a uint256 output, refusing values that do not fit.
func int64Of(field string, v any) (int64, error) {
	n, ok := v.(*big.Int)
	if !ok || n == nil {
		return 0, fmt.Errorf("%s: unexpected type %T", field, v)
	}
	if !n.IsInt64() || n.Sign() < 0 {
		return 0, fmt.Errorf("%w: %s = %s", ErrValueOutOfRange, field, n)
	}
	return n.Int64(), nil
}

// ExpirationBounty simulates executeBoosted from the sender and returns the
// bounty it would pay.
func (g *Gateway) ExpirationBounty(ctx context.Context, vm common.Address, id common.Hash, from common.Address) (*big.Int, error) {
	call, err := g.reg.ExecuteBoostedCall(vm, id)
	if err != nil {
		return nil, err
	}
	out, err := g.b.CallContract(ctx, ethereum.CallMsg{From: from, To: &call.To, Data: call.Data})
	if err != nil {
		return nil, fmt.Errorf("call executeBoosted: %w", err)
	}
	vals, err := g.reg.gp.Unpack("executeBoosted", out)
	if err != nil {
		return nil, fmt.Errorf("unpack executeBoosted: %w", err)
	}
	return vals[0].(*big.Int), nil
}

func (g *Gateway) ExecuteCall(vm common.Address, id common.Hash) (chain.Call, error) {
	return g.reg.ExecuteCall(vm, id)
}

func (g *Gateway) RedeemJoinCall(vm, join common.Address, id common.Hash, beneficiary common.Address) (chain.Call, error) {
	return g.reg.RedeemJoinCall(vm, join, id, beneficiary)
}

// FetchNotifications returns decoded logs for blocks [from, to] in ledger
// order.
func (g *Gateway) FetchNotifications(ctx context.Context, from, to uint64) ([]chain.Notification, error) {
	logs, err := g.b.FilterLogs(ctx, g.reg.FilterQuery(new(big.Int).SetUint64(from), new(big.Int).SetUint64(to)))
	if err != nil {
		return nil, fmt.Errorf("filter logs %d-%d: %w", from, to, err)
	}
	out, errs := g.reg.DecodeAll(logs)
	for _, err := range errs {
		g.log.Debug("log skipped", logx.Err(err))
	}
	return out, nil
}

// Subscribe forwards live notifications into sink until the returned
// subscription is cancelled or the transport fails.
func (g *Gateway) Subscribe(ctx context.Context, sink chan<- chain.Notification) (ethereum.Subscription, error) {
	logs := make(chan types.Log, cap(sink))
	sub, err := g.b.SubscribeFilterLogs(ctx, g.reg.FilterQuery(nil, nil), logs)
	if err != nil {
		return nil, fmt.Errorf("subscribe logs: %w", err)
	}
	return event.NewSubscription(func(quit <-chan struct{}) error {
		defer sub.Unsubscribe()
		for {
			select {
			case l := <-logs:
				if l.Removed {
					continue
				}
				n, err := g.reg.Decode(l)
				if err != nil {
					g.log.Debug("log skipped", logx.Err(err))
					continue
				}
				select {
				case sink <- n:
				case <-quit:
					return nil
				}
			case err := <-sub.Err():
				return err
			case <-quit:
				return nil
			}
		}
	}), nil
}

func (g *Gateway) Head(ctx context.Context) (chain.Head, error) { return g.b.Head(ctx) }

func (g *Gateway) BlockNumber(ctx context.Context) (uint64, error) { return g.b.BlockNumber(ctx) }

func (g *Gateway) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return g.b.Balance(ctx, addr)
}

func (g *Gateway) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	return g.b.PendingNonce(ctx, addr)
}

func (g *Gateway) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return g.b.EstimateGas(ctx, msg)
}

func (g *Gateway) Send(ctx context.Context, tx *types.Transaction) error {
	return g.b.SendTransaction(ctx, tx)
}

func (g *Gateway) WaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	return g.b.WaitReceipt(ctx, hash)
}

func (g *Gateway) call(ctx context.Context, vm common.Address, method string, args ...any) ([]any, error) {
	data, err := g.reg.gp.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	out, err := g.b.CallContract(ctx, ethereum.CallMsg{To: &vm, Data: data})
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", method, err)
	}
	vals, err := g.reg.gp.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return vals, nil
}
