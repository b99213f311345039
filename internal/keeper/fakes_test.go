package keeper

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/require"

	"execbot/internal/chain"
	"execbot/internal/eventbus"
	"execbot/internal/protocol"
	"execbot/internal/subgraph"
	"execbot/internal/task/scheduler"
	logx "execbot/pkg/logx"
)

const (
	primaryKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	altKey     = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

var (
	testVM       = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testRedeemer = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	testScheme   = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	testChainID  = big.NewInt(1337)
	gwei         = big.NewInt(1_000_000_000)
)

type fakeSub struct {
	errc chan error
	once sync.Once
}

func (s *fakeSub) Unsubscribe()      { s.once.Do(func() { close(s.errc) }) }
func (s *fakeSub) Err() <-chan error { return s.errc }

type fakeLedger struct {
	mu sync.Mutex

	items   map[common.Hash]chain.Item
	readErr error
	reads   int

	bounty    *big.Int
	bountyErr error
	noRedeem  bool

	head     chain.Head
	estimate uint64
	estErr   error
	balance  *big.Int
	nonce    uint64

	sendErr error
	sent    []*types.Transaction
	// onSend runs after a send is recorded, outside the ledger lock.
	onSend  func()
	receipt *types.Receipt

	logs      []chain.Notification
	fetchErrs int
	fetches   [][2]uint64

	sink chan<- chain.Notification
	sub  *fakeSub
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		items:    map[common.Hash]chain.Item{},
		bounty:   big.NewInt(1e18),
		head:     chain.Head{Number: 100, GasLimit: 10_000_000},
		estimate: 100_000,
		balance:  new(big.Int).Mul(big.NewInt(5), big.NewInt(1e18)),
		nonce:    7,
		receipt:  &types.Receipt{Status: types.ReceiptStatusSuccessful, BlockNumber: big.NewInt(101), GasUsed: 90_000},
	}
}

func (f *fakeLedger) setItem(it chain.Item) {
	f.mu.Lock()
	f.items[it.ID] = it
	f.mu.Unlock()
}

func (f *fakeLedger) ReadItem(_ context.Context, vm common.Address, id common.Hash) (chain.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.readErr != nil {
		return chain.Item{}, f.readErr
	}
	it, ok := f.items[id]
	if !ok {
		return chain.Item{ID: id, VotingMachine: vm}, nil
	}
	return it, nil
}

func (f *fakeLedger) ExpirationBounty(context.Context, common.Address, common.Hash, common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bounty, f.bountyErr
}

func (f *fakeLedger) ExecuteCall(vm common.Address, id common.Hash) (chain.Call, error) {
	return chain.Call{Method: "execute", To: vm, Data: id.Bytes()}, nil
}

func (f *fakeLedger) RedeemJoinCall(vm, join common.Address, id common.Hash, beneficiary common.Address) (chain.Call, error) {
	if f.noRedeem {
		return chain.Call{}, protocol.ErrNoRedeemer
	}
	data := append(append(join.Bytes(), id.Bytes()...), beneficiary.Bytes()...)
	return chain.Call{Method: "redeemJoin", To: testRedeemer, Data: data}, nil
}

func (f *fakeLedger) Head(context.Context) (chain.Head, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

func (f *fakeLedger) BlockNumber(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head.Number, nil
}

func (f *fakeLedger) Balance(context.Context, common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeLedger) PendingNonce(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeLedger) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.estimate, f.estErr
}

func (f *fakeLedger) Send(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	f.sent = append(f.sent, tx)
	err, hook := f.sendErr, f.onSend
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (f *fakeLedger) WaitReceipt(context.Context, common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipt, nil
}

func (f *fakeLedger) FetchNotifications(_ context.Context, from, to uint64) ([]chain.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, [2]uint64{from, to})
	if f.fetchErrs > 0 {
		f.fetchErrs--
		return nil, errors.New("query timeout")
	}
	var out []chain.Notification
	for _, n := range f.logs {
		if n.Block >= from && n.Block <= to {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeLedger) Subscribe(_ context.Context, sink chan<- chain.Notification) (ethereum.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = sink
	f.sub = &fakeSub{errc: make(chan error, 1)}
	return f.sub, nil
}

func (f *fakeLedger) sentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

func (f *fakeLedger) readCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

func (f *fakeLedger) subscribed() chan<- chain.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sink
}

type armedTimer struct {
	purpose string
	version uint64
	delay   time.Duration
	job     scheduler.Job
}

// fakeTimers keeps one timer per key and fires only when told to.
type fakeTimers struct {
	mu   sync.Mutex
	m    map[string]armedTimer
	arms int
}

func newFakeTimers() *fakeTimers { return &fakeTimers{m: map[string]armedTimer{}} }

func (f *fakeTimers) ArmTimeout(key, purpose string, delay, _ time.Duration, job scheduler.Job) (scheduler.TimerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.arms++
	ver := uint64(f.arms)
	f.m[key] = armedTimer{purpose: purpose, version: ver, delay: delay, job: job}
	return scheduler.TimerInfo{Key: key, Purpose: purpose, Version: ver, FireAt: time.Now().Add(delay)}, nil
}

func (f *fakeTimers) Cancel(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.m[key]
	delete(f.m, key)
	return ok
}

func (f *fakeTimers) Timer(key string) (scheduler.TimerInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.m[key]
	return scheduler.TimerInfo{Key: key, Purpose: t.purpose, Version: t.version}, ok
}

func (f *fakeTimers) get(key string) (armedTimer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.m[key]
	return t, ok
}

func (f *fakeTimers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.m)
}

// fire removes the timer for key and runs its job, like the scheduler does.
func (f *fakeTimers) fire(t *testing.T, key string) error {
	t.Helper()
	f.mu.Lock()
	tm, ok := f.m[key]
	delete(f.m, key)
	f.mu.Unlock()
	require.True(t, ok, "no timer armed for %s", key)
	return tm.job(context.Background())
}

type fakeIndex struct {
	entry subgraph.Proposal
	found bool
	err   error
}

func (f *fakeIndex) Proposal(context.Context, common.Hash) (subgraph.Proposal, bool, error) {
	return f.entry, f.found, f.err
}

type fakeOracle struct {
	price *big.Int
	err   error
}

func (f *fakeOracle) Fast(context.Context) (*big.Int, error) { return f.price, f.err }

type recordingAlerter struct {
	mu       sync.Mutex
	subjects []string
}

func (r *recordingAlerter) Alert(_ context.Context, subject, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subjects = append(r.subjects, subject)
	return nil
}

func (r *recordingAlerter) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.subjects...)
}

type harness struct {
	svc    *Service
	ledger *fakeLedger
	timers *fakeTimers
	alerts *recordingAlerter
	bus    eventbus.Bus
	now    time.Time
}

func newHarness(t *testing.T, mutate func(*Config, *Deps)) *harness {
	t.Helper()
	primary, err := chain.NewSigner(primaryKey, testChainID)
	require.NoError(t, err)
	alt, err := chain.NewSigner(altKey, testChainID)
	require.NoError(t, err)

	h := &harness{
		ledger: newFakeLedger(),
		timers: newFakeTimers(),
		alerts: &recordingAlerter{},
		bus:    eventbus.New(),
		now:    time.Unix(1_700_000_000, 0),
	}
	cfg := Config{
		Network:    "testnet",
		RetryLimit: 5,
		RetryDelay: 10 * time.Second,
		Margins:    Margins{PreBoost: 10 * time.Second, Queue: 20 * time.Second},
	}
	deps := Deps{
		Ledger:    h.ledger,
		Timers:    h.timers,
		Signer:    primary,
		AltSigner: alt,
		Alerts:    h.alerts,
		Bus:       h.bus,
		Log:       logx.Nop(),
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	svc, err := New(cfg, deps)
	require.NoError(t, err)
	svc.now = func() time.Time { return h.now }
	svc.fetchBackoff = time.Millisecond
	require.NoError(t, svc.initSequencers(context.Background()))
	h.svc = svc
	return h
}

func boostedItem(id common.Hash, boostedAt int64) chain.Item {
	it := chain.Item{
		ID:                            id,
		VotingMachine:                 testVM,
		Version:                       "0.1.1",
		Phase:                         chain.PhaseBoosted,
		CurrentBoostedVotePeriodLimit: 3600,
	}
	it.Times[chain.TimeBoosted] = boostedAt
	return it
}

func stateChanged(id common.Hash, block uint64) chain.Notification {
	return chain.Notification{Kind: chain.StateChanged, ProposalID: id, VotingMachine: testVM, Block: block}
}
