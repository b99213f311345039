package keeper

import (
	"errors"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"execbot/internal/chain"
)

func TestPlanDeadline(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	T := now.Unix()
	m := Margins{PreBoost: 10 * time.Second, Queue: 20 * time.Second}
	id := common.HexToHash("0x01")

	preBoosted := chain.Item{ID: id, Phase: chain.PhasePreBoosted}
	preBoosted.Params.PreBoostedVotePeriodLimit = 86400
	preBoosted.Times[chain.TimePreBoosted] = T - 86400 - 5

	queued := chain.Item{ID: id, Phase: chain.PhaseQueued}
	queued.Params.QueuedVotePeriodLimit = 600
	queued.Times[chain.TimeSubmitted] = T - 60

	quiet := boostedItem(id, T-100)
	quiet.Phase = chain.PhaseQuietEnding
	quiet.CurrentBoostedVotePeriodLimit = 7200

	tests := []struct {
		name    string
		item    chain.Item
		purpose Purpose
		delay   time.Duration
	}{
		{"boosted", boostedItem(id, T-100), PhaseExpiry, 3500 * time.Second},
		{"quiet ending uses current boosted limit", quiet, PhaseExpiry, 7100 * time.Second},
		{"pre-boosted past deadline gets margin only", preBoosted, PreBoostExpiry, 10 * time.Second},
		{"queued adds margin", queued, QueueExpiry, 560 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := PlanDeadline(tt.item, now, m)
			if err != nil {
				t.Fatalf("plan: %v", err)
			}
			if d.Purpose != tt.purpose || d.Delay != tt.delay {
				t.Fatalf("got %s %v, want %s %v", d.Purpose, d.Delay, tt.purpose, tt.delay)
			}
		})
	}
}

func TestPlanDeadlineUsesMilliseconds(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_250)
	d, err := PlanDeadline(boostedItem(common.Hash{}, 1_700_000_000), now, Margins{})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if d.Delay != 3600*time.Second-250*time.Millisecond {
		t.Fatalf("delay = %v", d.Delay)
	}
}

func TestDelay(t *testing.T) {
	now := time.Unix(1000, 0)
	if d, ok := Delay(100, 950, now, 0); !ok || d != 50*time.Second {
		t.Fatalf("future: %v %v", d, ok)
	}
	if d, ok := Delay(100, 800, now, 20*time.Second); !ok || d != 20*time.Second {
		t.Fatalf("past: %v %v", d, ok)
	}
	if _, ok := Delay(-1, 800, now, 0); ok {
		t.Fatalf("negative limit accepted")
	}
}

func TestPlanDeadlineNoDeadline(t *testing.T) {
	for _, p := range []chain.Phase{chain.PhaseNone, chain.PhaseExecuted, chain.PhaseExpiredInQueue} {
		if _, err := PlanDeadline(chain.Item{Phase: p}, time.Now(), Margins{}); !errors.Is(err, ErrNoDeadline) {
			t.Fatalf("%s: err = %v", p, err)
		}
	}
}

func TestPlanDeadlineOutOfRange(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	far := boostedItem(common.Hash{}, now.Unix())
	far.CurrentBoostedVotePeriodLimit = 30 * 24 * 3600
	if _, err := PlanDeadline(far, now, Margins{}); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("30 days: err = %v", err)
	}

	huge := boostedItem(common.Hash{}, now.Unix())
	huge.CurrentBoostedVotePeriodLimit = math.MaxInt64 - 10
	if _, err := PlanDeadline(huge, now, Margins{}); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("overflow: err = %v", err)
	}

	// The margin alone can push a delay just under the ceiling over it.
	edge := chain.Item{Phase: chain.PhaseQueued}
	edge.Params.QueuedVotePeriodLimit = int64(math.MaxInt32 / 1000)
	edge.Times[chain.TimeSubmitted] = now.Unix()
	if _, err := PlanDeadline(edge, now, Margins{Queue: time.Hour}); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("edge: err = %v", err)
	}
}

func TestSamePhase(t *testing.T) {
	tests := []struct {
		armed, now chain.Phase
		want       bool
	}{
		{chain.PhaseBoosted, chain.PhaseBoosted, true},
		{chain.PhaseBoosted, chain.PhaseQuietEnding, true},
		{chain.PhaseQuietEnding, chain.PhaseBoosted, true},
		{chain.PhasePreBoosted, chain.PhaseBoosted, false},
		{chain.PhaseQueued, chain.PhaseExpiredInQueue, false},
		{chain.PhaseBoosted, chain.PhaseExecuted, false},
	}
	for _, tt := range tests {
		if got := samePhase(tt.armed, tt.now); got != tt.want {
			t.Errorf("samePhase(%s, %s) = %v", tt.armed, tt.now, got)
		}
	}
}

func TestFormatUnits(t *testing.T) {
	tests := map[string]string{
		"0":                   "0",
		"1000000000000000000": "1",
		"1500000000000000000": "1.5",
		"100000000000000000":  "0.1",
		"123":                 "0.000000000000000123",
	}
	for in, want := range tests {
		v, _ := new(big.Int).SetString(in, 10)
		if got := formatUnits(v, 18); got != want {
			t.Errorf("formatUnits(%s) = %s, want %s", in, got, want)
		}
	}
}
