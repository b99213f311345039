package keeper

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"execbot/internal/chain"
	"execbot/internal/subgraph"
	"execbot/internal/task/scheduler"
)

// Ledger is everything the keeper needs from the chain. *protocol.Gateway
// implements it.
type Ledger interface {
	ReadItem(ctx context.Context, vm common.Address, id common.Hash) (chain.Item, error)
	ExpirationBounty(ctx context.Context, vm common.Address, id common.Hash, from common.Address) (*big.Int, error)
	ExecuteCall(vm common.Address, id common.Hash) (chain.Call, error)
	RedeemJoinCall(vm, join common.Address, id common.Hash, beneficiary common.Address) (chain.Call, error)

	Head(ctx context.Context) (chain.Head, error)
	BlockNumber(ctx context.Context) (uint64, error)
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
	PendingNonce(ctx context.Context, addr common.Address) (uint64, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	Send(ctx context.Context, tx *types.Transaction) error
	WaitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)

	FetchNotifications(ctx context.Context, from, to uint64) ([]chain.Notification, error)
	Subscribe(ctx context.Context, sink chan<- chain.Notification) (ethereum.Subscription, error)
}

// Index answers whether the secondary index already knows a proposal.
type Index interface {
	Proposal(ctx context.Context, id common.Hash) (subgraph.Proposal, bool, error)
}

// GasOracle returns the fast network gas price in wei.
type GasOracle interface {
	Fast(ctx context.Context) (*big.Int, error)
}

type Alerter interface {
	Alert(ctx context.Context, subject, body string) error
}

// Timers is the single-timer-per-key surface of the scheduler.
type Timers interface {
	ArmTimeout(key, purpose string, delay, timeout time.Duration, job scheduler.Job) (scheduler.TimerInfo, error)
	Cancel(key string) bool
	Timer(key string) (scheduler.TimerInfo, bool)
}

var _ Timers = (*scheduler.Service)(nil)
