package chain

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Phase is the voting machine proposal state.
type Phase uint8

const (
	PhaseNone Phase = iota
	PhaseExpiredInQueue
	PhaseExecuted
	PhaseQueued
	PhasePreBoosted
	PhaseBoosted
	PhaseQuietEnding
)

func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "None"
	case PhaseExpiredInQueue:
		return "ExpiredInQueue"
	case PhaseExecuted:
		return "Executed"
	case PhaseQueued:
		return "Queued"
	case PhasePreBoosted:
		return "PreBoosted"
	case PhaseBoosted:
		return "Boosted"
	case PhaseQuietEnding:
		return "QuietEnding"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further deadline can follow p.
func (p Phase) Terminal() bool {
	return p == PhaseExecuted || p == PhaseExpiredInQueue
}

// Indexes into Item.Times.
const (
	TimeSubmitted  = 0
	TimeBoosted    = 1
	TimePreBoosted = 2
)

// Params are the voting parameters stored under a params hash. Periods are
// in seconds.
type Params struct {
	QueuedVotePeriodLimit     int64
	BoostedVotePeriodLimit    int64
	PreBoostedVotePeriodLimit int64
	QuietEndingPeriod         int64
}

// Item is the authoritative record of a proposal as read from the voting
// machine. It is replaced wholesale on every read.
type Item struct {
	ID            common.Hash
	VotingMachine common.Address
	Version       string

	Phase Phase
	// Times are unix seconds: submitted (or queued), boosted, pre-boosted.
	Times [3]int64

	CurrentBoostedVotePeriodLimit int64
	ParamsHash                    common.Hash
	Params                        Params

	OrganizationID common.Hash
	Organization   common.Address

	ReadAt time.Time
}

// NotificationKind names the voting machine events the bot reacts to.
type NotificationKind string

const (
	StateChanged    NotificationKind = "state-changed"
	ProposalCreated NotificationKind = "proposal-created"
	BountyRedeemed  NotificationKind = "bounty-redeemed"
)

// Notification is a decoded voting machine log.
type Notification struct {
	Kind          NotificationKind
	ProposalID    common.Hash
	VotingMachine common.Address

	// Phase is the state carried by a state-changed log. It is informational;
	// scheduling always uses a fresh read.
	Phase Phase

	// Beneficiary and Amount are set for bounty-redeemed.
	Beneficiary common.Address
	Amount      *big.Int

	Block    uint64
	TxHash   common.Hash
	LogIndex uint
}

// Head is the latest block as far as gas limits are concerned.
type Head struct {
	Number   uint64
	GasLimit uint64
	Time     uint64
}

// Call is an encoded contract call.
type Call struct {
	Method string
	To     common.Address
	Data   []byte
}
