package keeper

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"execbot/internal/chain"
)

func TestCompactKeepsLastPerItemInOrder(t *testing.T) {
	a, b, c := common.HexToHash("0xa"), common.HexToHash("0xb"), common.HexToHash("0xc")
	in := []chain.Notification{
		stateChanged(a, 1),
		stateChanged(b, 2),
		stateChanged(a, 3),
		stateChanged(c, 4),
		stateChanged(b, 5),
	}
	out := compact(in)
	require.Len(t, out, 3)
	assert.Equal(t, []uint64{3, 4, 5}, []uint64{out[0].Block, out[1].Block, out[2].Block})
	assert.Equal(t, a, out[0].ProposalID)
	assert.Empty(t, compact(nil))
}

func TestReplayArmsTimersAndIsIdempotent(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) {
		c.RecoveryBlocks = 50
		c.LogChunkBlocks = 20
	})
	T := h.now.Unix()
	a, b, done := common.HexToHash("0x1a"), common.HexToHash("0x1b"), common.HexToHash("0x1c")
	h.ledger.setItem(boostedItem(a, T-100))
	pre := chain.Item{ID: b, VotingMachine: testVM, Phase: chain.PhasePreBoosted}
	pre.Params.PreBoostedVotePeriodLimit = 600
	pre.Times[chain.TimePreBoosted] = T
	h.ledger.setItem(pre)
	executed := boostedItem(done, T)
	executed.Phase = chain.PhaseExecuted
	h.ledger.setItem(executed)

	h.ledger.head.Number = 100
	h.ledger.logs = []chain.Notification{
		stateChanged(a, 10), // before the recovery window
		stateChanged(a, 60),
		stateChanged(b, 70),
		stateChanged(a, 85),
		stateChanged(done, 99),
	}
	h.ledger.fetchErrs = 1

	require.NoError(t, h.svc.replayHistory(context.Background()))
	assert.Equal(t, [][2]uint64{{50, 69}, {50, 69}, {70, 89}, {90, 100}}, h.ledger.fetches)
	assert.Equal(t, 3, h.ledger.readCount(), "one read per item")
	assert.Equal(t, 2, h.timers.count())

	ta, _ := h.timers.get(a.Hex())
	tb, _ := h.timers.get(b.Hex())
	assert.Equal(t, 3500*time.Second, ta.delay)
	assert.Equal(t, string(PreBoostExpiry), tb.purpose)
	assert.Equal(t, 610*time.Second, tb.delay)

	require.NoError(t, h.svc.replayHistory(context.Background()))
	assert.Equal(t, 2, h.timers.count())
	ta2, _ := h.timers.get(a.Hex())
	assert.Equal(t, ta.delay, ta2.delay)
}

func TestReplayFailsAfterRepeatedFetchErrors(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.RecoveryBlocks = 10 })
	h.ledger.fetchErrs = fetchAttempts
	err := h.svc.replayHistory(context.Background())
	require.Error(t, err)
	assert.Len(t, h.ledger.fetches, fetchAttempts)
}

func TestRunServesLiveNotifications(t *testing.T) {
	h := newHarness(t, func(c *Config, _ *Deps) { c.RecoveryBlocks = 10 })
	id := common.HexToHash("0x1d")
	h.ledger.setItem(boostedItem(id, h.now.Unix()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.svc.Start(ctx))
	defer func() {
		sctx, done := context.WithTimeout(context.Background(), time.Second)
		defer done()
		_ = h.svc.Stop(sctx)
	}()

	require.Eventually(t, func() bool { return h.ledger.subscribed() != nil }, 2*time.Second, 5*time.Millisecond)
	h.ledger.subscribed() <- stateChanged(id, 101)
	require.Eventually(t, func() bool { return h.timers.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Error(t, h.svc.Start(ctx), "second start")
}
