package keeper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execbot/internal/chain"
	"execbot/internal/eventbus"
	"execbot/internal/protocol"
	"execbot/internal/subgraph"
	"execbot/internal/task/engine"
	logx "execbot/pkg/logx"
)

func TestRepeatedNotificationsKeepOneTimer(t *testing.T) {
	h := newHarness(t, nil)
	id := common.HexToHash("0x10")
	T := h.now.Unix()
	h.ledger.setItem(boostedItem(id, T-100))

	h.svc.dispatch(context.Background(), stateChanged(id, 1))
	h.ledger.setItem(boostedItem(id, T-50))
	h.svc.dispatch(context.Background(), stateChanged(id, 2))

	require.Equal(t, 1, h.timers.count())
	tm, ok := h.timers.get(id.Hex())
	require.True(t, ok)
	assert.Equal(t, string(PhaseExpiry), tm.purpose)
	assert.Equal(t, 3550*time.Second, tm.delay)

	it, ok := h.svc.Item(id)
	require.True(t, ok)
	assert.Equal(t, int64(T-50), it.Times[chain.TimeBoosted])
}

func TestQuietEndingReplacesBoostedDeadline(t *testing.T) {
	h := newHarness(t, nil)
	id := common.HexToHash("0x14")
	T := h.now.Unix()
	h.ledger.setItem(boostedItem(id, T-100))
	h.svc.dispatch(context.Background(), stateChanged(id, 1))

	quiet := boostedItem(id, T-100)
	quiet.Phase = chain.PhaseQuietEnding
	quiet.CurrentBoostedVotePeriodLimit = 7200
	h.ledger.setItem(quiet)
	h.svc.dispatch(context.Background(), stateChanged(id, 2))

	require.Equal(t, 1, h.timers.count())
	tm, ok := h.timers.get(id.Hex())
	require.True(t, ok)
	assert.Equal(t, string(PhaseExpiry), tm.purpose)
	assert.Equal(t, 7100*time.Second, tm.delay)
	it, _ := h.svc.Item(id)
	assert.Equal(t, chain.PhaseQuietEnding, it.Phase)
}

func TestTerminalPhaseCancelsTimer(t *testing.T) {
	h := newHarness(t, nil)
	id := common.HexToHash("0x11")
	h.ledger.setItem(boostedItem(id, h.now.Unix()))
	h.svc.dispatch(context.Background(), stateChanged(id, 1))
	require.Equal(t, 1, h.timers.count())

	executed := boostedItem(id, h.now.Unix())
	executed.Phase = chain.PhaseExecuted
	h.ledger.setItem(executed)
	h.svc.dispatch(context.Background(), stateChanged(id, 2))
	assert.Equal(t, 0, h.timers.count())
}

func TestUnreadableOrEmptyItemIsSkipped(t *testing.T) {
	h := newHarness(t, nil)
	id := common.HexToHash("0x12")

	h.svc.dispatch(context.Background(), stateChanged(id, 1))
	assert.Equal(t, 0, h.timers.count(), "phase None must not arm")

	h.ledger.setItem(boostedItem(id, h.now.Unix()))
	h.ledger.readErr = errors.New("node unavailable")
	h.svc.dispatch(context.Background(), stateChanged(id, 2))
	assert.Equal(t, 0, h.timers.count())
	_, known := h.svc.Item(id)
	assert.False(t, known)
}

func TestImplausibleValuesCancelTimer(t *testing.T) {
	h := newHarness(t, nil)
	id := common.HexToHash("0x15")
	h.ledger.setItem(boostedItem(id, h.now.Unix()))
	h.svc.dispatch(context.Background(), stateChanged(id, 1))
	require.Equal(t, 1, h.timers.count())

	h.ledger.readErr = fmt.Errorf("%w: currentBoostedVotePeriodLimit = 18446744073709551676", protocol.ErrValueOutOfRange)
	h.svc.dispatch(context.Background(), stateChanged(id, 2))
	assert.Equal(t, 0, h.timers.count())
}

func TestBountyRedeemedCancelsTimer(t *testing.T) {
	h := newHarness(t, nil)
	id := common.HexToHash("0x13")
	h.ledger.setItem(boostedItem(id, h.now.Unix()))
	h.svc.dispatch(context.Background(), stateChanged(id, 1))
	require.Equal(t, 1, h.timers.count())

	h.svc.dispatch(context.Background(), chain.Notification{
		Kind:        chain.BountyRedeemed,
		ProposalID:  id,
		Beneficiary: h.svc.signer.Address(),
		Amount:      big.NewInt(5e17),
	})
	assert.Equal(t, 0, h.timers.count())
}

func TestFireSendsAndConfirms(t *testing.T) {
	h := newHarness(t, nil)
	events, stop := eventbus.Filter(h.bus, 16, eventbus.TxConfirmed)
	defer stop()

	id := common.HexToHash("0x20")
	h.ledger.setItem(boostedItem(id, h.now.Unix()-4000))
	h.svc.dispatch(context.Background(), stateChanged(id, 1))
	require.NoError(t, h.timers.fire(t, id.Hex()))

	txs := h.ledger.sentTxs()
	require.Len(t, txs, 1)
	tx := txs[0]
	assert.Equal(t, uint64(7), tx.Nonce())
	assert.Equal(t, uint64(150_000), tx.Gas())
	assert.Equal(t, 0, tx.GasPrice().Cmp(new(big.Int).Mul(big.NewInt(10), gwei)))
	assert.Equal(t, testVM, *tx.To())
	from, err := types.Sender(types.LatestSignerForChainID(testChainID), tx)
	require.NoError(t, err)
	assert.Equal(t, h.svc.signer.Address(), from)

	select {
	case e := <-events:
		ev := e.Data.(eventbus.TxEvent)
		assert.Equal(t, id.Hex(), ev.Proposal)
		assert.Equal(t, uint64(101), ev.Block)
	case <-time.After(2 * time.Second):
		t.Fatal("no tx.confirmed event")
	}
	assert.Equal(t, 0, h.timers.count())
}

func TestRetryStopsWhenItemExecuted(t *testing.T) {
	h := newHarness(t, nil)
	id := common.HexToHash("0x21")
	h.ledger.setItem(boostedItem(id, h.now.Unix()-4000))
	h.ledger.sendErr = errors.New("nonce too low")
	h.svc.dispatch(context.Background(), stateChanged(id, 1))

	err := h.timers.fire(t, id.Hex())
	require.Error(t, err)
	assert.True(t, engine.IsNoRetry(err))
	tm, ok := h.timers.get(id.Hex())
	require.True(t, ok)
	assert.Equal(t, string(RetryExecution), tm.purpose)
	assert.Equal(t, 10*time.Second, tm.delay)
	assert.Equal(t, 1, h.svc.RetryCount(id))

	executed := boostedItem(id, h.now.Unix()-4000)
	executed.Phase = chain.PhaseExecuted
	h.ledger.setItem(executed)
	require.NoError(t, h.timers.fire(t, id.Hex()))

	assert.Equal(t, 0, h.timers.count())
	assert.Equal(t, 0, h.svc.RetryCount(id))
	assert.Len(t, h.ledger.sentTxs(), 1)
}

func queuedItem(id common.Hash, submittedAt int64) chain.Item {
	it := chain.Item{ID: id, VotingMachine: testVM, Version: "0.1.1", Phase: chain.PhaseQueued}
	it.Params.QueuedVotePeriodLimit = 600
	it.Params.PreBoostedVotePeriodLimit = 86400
	it.Times[chain.TimeSubmitted] = submittedAt
	return it
}

func TestFailedSendKeepsDeadlineArmedMeanwhile(t *testing.T) {
	h := newHarness(t, nil)
	id := common.HexToHash("0x25")
	T := h.now.Unix()
	h.ledger.setItem(queuedItem(id, T-700))
	h.svc.dispatch(context.Background(), stateChanged(id, 1))

	// The proposal is pre-boosted while our send is in flight, and the send
	// then fails.
	h.ledger.sendErr = errors.New("connection reset")
	h.ledger.onSend = func() {
		pre := queuedItem(id, T-700)
		pre.Phase = chain.PhasePreBoosted
		pre.Times[chain.TimePreBoosted] = T
		h.ledger.setItem(pre)
		h.svc.dispatch(context.Background(), stateChanged(id, 2))
	}
	err := h.timers.fire(t, id.Hex())
	require.Error(t, err)

	tm, ok := h.timers.get(id.Hex())
	require.True(t, ok)
	assert.Equal(t, string(PreBoostExpiry), tm.purpose)
	assert.Equal(t, 86400*time.Second+10*time.Second, tm.delay)
	assert.Equal(t, 0, h.svc.RetryCount(id))
}

func TestPhaseChangeOnRetryReplansDeadline(t *testing.T) {
	h := newHarness(t, nil)
	id := common.HexToHash("0x26")
	T := h.now.Unix()
	h.ledger.setItem(queuedItem(id, T-700))
	h.ledger.sendErr = errors.New("connection reset")
	h.svc.dispatch(context.Background(), stateChanged(id, 1))
	_ = h.timers.fire(t, id.Hex())
	tm, ok := h.timers.get(id.Hex())
	require.True(t, ok)
	require.Equal(t, string(RetryExecution), tm.purpose)

	// No notification reaches us; only the retry's read sees the new phase.
	pre := queuedItem(id, T-700)
	pre.Phase = chain.PhasePreBoosted
	pre.Times[chain.TimePreBoosted] = T - 400
	h.ledger.setItem(pre)
	require.NoError(t, h.timers.fire(t, id.Hex()))

	tm, ok = h.timers.get(id.Hex())
	require.True(t, ok, "pre-boosted proposal left without a timer")
	assert.Equal(t, string(PreBoostExpiry), tm.purpose)
	assert.Equal(t, 86000*time.Second+10*time.Second, tm.delay)
	assert.Equal(t, 0, h.svc.RetryCount(id))
}

func TestRetryLimitAbandons(t *testing.T) {
	h := newHarness(t, nil)
	events, stop := eventbus.Filter(h.bus, 16, eventbus.ExecutionAbandoned)
	defer stop()

	id := common.HexToHash("0x22")
	h.ledger.setItem(boostedItem(id, h.now.Unix()-4000))
	h.ledger.sendErr = errors.New("replacement transaction underpriced")
	h.svc.dispatch(context.Background(), stateChanged(id, 1))

	fires := 0
	for h.timers.count() > 0 {
		_ = h.timers.fire(t, id.Hex())
		fires++
		require.LessOrEqual(t, fires, 10)
	}
	assert.Equal(t, 6, fires)
	assert.Len(t, h.ledger.sentTxs(), 6)
	assert.Equal(t, 0, h.svc.RetryCount(id))
	assert.Equal(t, []string{"Execution abandoned: testnet"}, h.alerts.all())

	select {
	case e := <-events:
		assert.Equal(t, 6, e.Data.(eventbus.TxEvent).Attempt)
	case <-time.After(time.Second):
		t.Fatal("no execution.abandoned event")
	}
}

func TestRevertedReceiptSchedulesRetry(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.receipt = &types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(101)}
	events, stop := eventbus.Filter(h.bus, 16, eventbus.TxFailed)
	defer stop()

	id := common.HexToHash("0x23")
	h.ledger.setItem(boostedItem(id, h.now.Unix()-4000))
	h.svc.dispatch(context.Background(), stateChanged(id, 1))
	require.NoError(t, h.timers.fire(t, id.Hex()))

	select {
	case <-events:
	case <-time.After(2 * time.Second):
		t.Fatal("no tx.failed event")
	}
	require.Eventually(t, func() bool {
		tm, ok := h.timers.get(id.Hex())
		return ok && tm.purpose == string(RetryExecution)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.svc.RetryCount(id))
}

func TestAlwaysFailingIsNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	id := common.HexToHash("0x24")
	h.ledger.setItem(boostedItem(id, h.now.Unix()-4000))
	h.ledger.estErr = errors.New("gas required exceeds allowance (10000000) or always failing transaction")
	h.svc.dispatch(context.Background(), stateChanged(id, 1))

	err := h.timers.fire(t, id.Hex())
	require.ErrorIs(t, err, ErrAlwaysFailing)
	assert.True(t, engine.IsNoRetry(err))
	assert.Empty(t, h.ledger.sentTxs())
	assert.Equal(t, 0, h.timers.count())
}

func TestSkippedExecutions(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*harness)
	}{
		{"zero bounty", func(h *harness) { h.ledger.bounty = big.NewInt(0) }},
		{"not indexed", func(h *harness) { h.svc.index = &fakeIndex{found: false} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			tt.setup(h)
			id := common.HexToHash("0x25")
			h.ledger.setItem(boostedItem(id, h.now.Unix()-4000))
			h.svc.dispatch(context.Background(), stateChanged(id, 1))

			require.NoError(t, h.timers.fire(t, id.Hex()))
			assert.Empty(t, h.ledger.sentTxs())
			assert.Equal(t, 0, h.timers.count())
			assert.Equal(t, 0, h.svc.RetryCount(id))
		})
	}
}

func TestIndexErrorIsRetried(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *Deps) {
		d.Index = &fakeIndex{err: subgraph.ErrUnavailable}
	})
	id := common.HexToHash("0x26")
	h.ledger.setItem(boostedItem(id, h.now.Unix()-4000))
	h.svc.dispatch(context.Background(), stateChanged(id, 1))

	require.Error(t, h.timers.fire(t, id.Hex()))
	tm, ok := h.timers.get(id.Hex())
	require.True(t, ok)
	assert.Equal(t, string(RetryExecution), tm.purpose)
}

func TestJoinProposalUsesRedeemer(t *testing.T) {
	h := newHarness(t, func(_ *Config, d *Deps) {
		d.Index = &fakeIndex{found: true, entry: subgraph.Proposal{Join: true, Scheme: testScheme}}
	})
	id := common.HexToHash("0x27")
	h.ledger.setItem(boostedItem(id, h.now.Unix()-4000))
	h.svc.dispatch(context.Background(), stateChanged(id, 1))
	require.NoError(t, h.timers.fire(t, id.Hex()))

	txs := h.ledger.sentTxs()
	require.Len(t, txs, 1)
	assert.Equal(t, testRedeemer, *txs[0].To())
	// beneficiary is the sending account
	assert.Equal(t, h.svc.signer.Address().Bytes(), txs[0].Data()[52:])

	h.ledger.noRedeem = true
	id2 := common.HexToHash("0x28")
	h.ledger.setItem(boostedItem(id2, h.now.Unix()-4000))
	h.svc.dispatch(context.Background(), stateChanged(id2, 2))
	require.NoError(t, h.timers.fire(t, id2.Hex()))
	txs = h.ledger.sentTxs()
	require.Len(t, txs, 2)
	assert.Equal(t, testVM, *txs[1].To())
}

func TestPriorityOrganizationPricing(t *testing.T) {
	org := common.HexToAddress("0x519b70055af55a007110b4ff99b0ea33071c720a")
	tests := []struct {
		name    string
		mainnet bool
		oracle  *fakeOracle
		want    int64
	}{
		{"bumped oracle price", false, &fakeOracle{price: new(big.Int).Mul(big.NewInt(250), gwei)}, 280},
		{"mainnet cap", true, &fakeOracle{price: new(big.Int).Mul(big.NewInt(250), gwei)}, 200},
		{"oracle down", true, &fakeOracle{err: errors.New("503")}, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *Config, d *Deps) {
				c.Mainnet = tt.mainnet
				c.PriorityOrganization = org
				d.Gas = tt.oracle
			})
			id := common.HexToHash("0x29")
			it := boostedItem(id, h.now.Unix()-4000)
			it.Organization = org
			h.ledger.setItem(it)
			h.svc.dispatch(context.Background(), stateChanged(id, 1))
			require.NoError(t, h.timers.fire(t, id.Hex()))

			txs := h.ledger.sentTxs()
			require.Len(t, txs, 1)
			want := new(big.Int).Mul(big.NewInt(tt.want), gwei)
			assert.Equal(t, want.String(), txs[0].GasPrice().String())
			from, err := types.Sender(types.LatestSignerForChainID(testChainID), txs[0])
			require.NoError(t, err)
			assert.Equal(t, h.svc.alt.Address(), from)
		})
	}
}

func TestSendFailureReportsNonceGap(t *testing.T) {
	var buf bytes.Buffer
	h := newHarness(t, func(_ *Config, d *Deps) { d.Log = logx.NewWriter(&buf, "warn") })
	id := common.HexToHash("0x27")
	h.ledger.setItem(boostedItem(id, h.now.Unix()-4000))
	h.ledger.sendErr = errors.New("insufficient funds for gas")
	h.svc.dispatch(context.Background(), stateChanged(id, 1))
	_ = h.timers.fire(t, id.Hex())

	out := buf.String()
	assert.Contains(t, out, "nonce left unused")
	assert.Contains(t, out, `"nonce_gap":7`)
	assert.Contains(t, out, h.svc.signer.Address().Hex())
}

func TestNoncesAreIssuedInOrder(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 3; i++ {
		id := common.BigToHash(big.NewInt(int64(0x30 + i)))
		h.ledger.setItem(boostedItem(id, h.now.Unix()-4000))
		h.svc.dispatch(context.Background(), stateChanged(id, uint64(i)))
		require.NoError(t, h.timers.fire(t, id.Hex()))
	}
	txs := h.ledger.sentTxs()
	require.Len(t, txs, 3)
	for i, tx := range txs {
		assert.Equal(t, uint64(7+i), tx.Nonce())
	}
	assert.Equal(t, uint64(10), h.svc.Snapshot().Nonces[h.svc.signer.Address().Hex()])
}

func TestLowBalanceAlerts(t *testing.T) {
	h := newHarness(t, nil)
	h.ledger.balance = big.NewInt(5e16)
	id := common.HexToHash("0x40")
	h.ledger.setItem(boostedItem(id, h.now.Unix()-4000))
	h.svc.dispatch(context.Background(), stateChanged(id, 1))
	require.NoError(t, h.timers.fire(t, id.Hex()))

	assert.Equal(t, []string{"Execution bot needs more ETH: testnet"}, h.alerts.all())
	assert.Len(t, h.ledger.sentTxs(), 1)
}

func TestGasLimit(t *testing.T) {
	pol := GasPolicy{Multiplier: 1.5, Reserve: 100_000, FallbackMinLimit: 9_000_000}
	estimateErr := errors.New("header not found")
	tests := []struct {
		name       string
		est        uint64
		err        error
		blockLimit uint64
		want       uint64
		wantErr    error
	}{
		{"scaled estimate", 200_000, nil, 10_000_000, 300_000, nil},
		{"clamped below block limit", 7_000_000, nil, 10_000_000, 9_900_000, nil},
		{"fallback", 0, estimateErr, 12_000_000, 11_900_000, nil},
		{"fallback on large block", 0, estimateErr, 30_000_000, 29_900_000, nil},
		{"fallback floor capped by block", 0, estimateErr, 8_000_000, 8_000_000, nil},
		{"fallback floor applies", 0, estimateErr, 9_050_000, 9_000_000, nil},
		{"always failing", 0, errors.New("execution reverted: not expired"), 10_000_000, 0, ErrAlwaysFailing},
		{"tiny block limit", 50, nil, 50_000, 75, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := gasLimit(tt.est, tt.err, tt.blockLimit, pol)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestKeyedLocksSerializeAndRelease(t *testing.T) {
	k := newKeyedLocks()
	id := common.HexToHash("0x50")
	unlock := k.lock(id)

	acquired := make(chan struct{})
	go func() {
		u := k.lock(id)
		close(acquired)
		u()
	}()
	select {
	case <-acquired:
		t.Fatal("second lock acquired while held")
	case <-time.After(30 * time.Millisecond):
	}
	unlock()
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired")
	}
	require.Eventually(t, func() bool { return k.size() == 0 }, time.Second, time.Millisecond)
}

func TestNewRequiresDeps(t *testing.T) {
	signer, err := chain.NewSigner(primaryKey, testChainID)
	require.NoError(t, err)
	_, err = New(Config{}, Deps{Timers: newFakeTimers(), Signer: signer})
	assert.Error(t, err)
	_, err = New(Config{PriorityOrganization: common.HexToAddress("0x1")}, Deps{Ledger: newFakeLedger(), Timers: newFakeTimers(), Signer: signer})
	assert.Error(t, err)
}
