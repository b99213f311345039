// Package protocol maps protocol version tags to deployed voting machine and
// redeemer contracts and owns the ABI encoding for the calls and events the
// bot uses.
package protocol

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"execbot/internal/chain"
)

//go:embed abi/genesis_protocol.json
var genesisProtocolABI []byte

//go:embed abi/redeemer.json
var redeemerABI []byte

var (
	ErrUnknownVotingMachine = errors.New("unknown voting machine")
	ErrUnknownEvent         = errors.New("unknown event")
	ErrNoRedeemer           = errors.New("version has no redeemer")
	// ErrValueOutOfRange marks a ledger integer too large to schedule on.
	ErrValueOutOfRange = errors.New("ledger value out of range")
)

// Version is one deployed protocol version.
type Version struct {
	Tag           string
	VotingMachine common.Address
	Redeemer      common.Address // zero when the version has none
}

// Registry resolves voting machine addresses to versions. It is built once
// at startup and read-only afterwards.
type Registry struct {
	gp       abi.ABI
	redeemer abi.ABI
	versions []Version
	byVM     map[common.Address]Version
}

// NewRegistry loads the embedded ABIs. Versions sharing a voting machine
// address collapse to the first one listed.
func NewRegistry(versions []Version) (*Registry, error) {
	gp, err := abi.JSON(bytes.NewReader(genesisProtocolABI))
	if err != nil {
		return nil, fmt.Errorf("parse voting machine abi: %w", err)
	}
	rd, err := abi.JSON(bytes.NewReader(redeemerABI))
	if err != nil {
		return nil, fmt.Errorf("parse redeemer abi: %w", err)
	}
	r := &Registry{gp: gp, redeemer: rd, byVM: make(map[common.Address]Version, len(versions))}
	for _, v := range versions {
		if v.VotingMachine == (common.Address{}) {
			return nil, fmt.Errorf("version %q: voting machine address is zero", v.Tag)
		}
		if _, dup := r.byVM[v.VotingMachine]; dup {
			continue
		}
		r.byVM[v.VotingMachine] = v
		r.versions = append(r.versions, v)
	}
	return r, nil
}

func (r *Registry) Versions() []Version { return append([]Version(nil), r.versions...) }

func (r *Registry) Lookup(vm common.Address) (Version, bool) {
	v, ok := r.byVM[vm]
	return v, ok
}

// FilterQuery selects the three watched events across every voting machine.
// Nil bounds mean latest, which is what live subscriptions use.
func (r *Registry) FilterQuery(from, to *big.Int) ethereum.FilterQuery {
	addrs := make([]common.Address, 0, len(r.versions))
	for _, v := range r.versions {
		addrs = append(addrs, v.VotingMachine)
	}
	return ethereum.FilterQuery{
		FromBlock: from,
		ToBlock:   to,
		Addresses: addrs,
		Topics: [][]common.Hash{{
			r.gp.Events["StateChange"].ID,
			r.gp.Events["NewProposal"].ID,
			r.gp.Events["ExpirationCallBounty"].ID,
		}},
	}
}

// Decode turns a voting machine log into a notification.
func (r *Registry) Decode(l types.Log) (chain.Notification, error) {
	if _, ok := r.byVM[l.Address]; !ok {
		return chain.Notification{}, fmt.Errorf("%w: %s", ErrUnknownVotingMachine, l.Address.Hex())
	}
	if len(l.Topics) < 2 {
		return chain.Notification{}, fmt.Errorf("%w: %d topics", ErrUnknownEvent, len(l.Topics))
	}
	n := chain.Notification{
		ProposalID:    l.Topics[1],
		VotingMachine: l.Address,
		Block:         l.BlockNumber,
		TxHash:        l.TxHash,
		LogIndex:      l.Index,
	}
	switch l.Topics[0] {
	case r.gp.Events["StateChange"].ID:
		vals, err := r.gp.Unpack("StateChange", l.Data)
		if err != nil {
			return chain.Notification{}, fmt.Errorf("unpack StateChange: %w", err)
		}
		n.Kind = chain.StateChanged
		n.Phase = chain.Phase(vals[0].(uint8))
	case r.gp.Events["NewProposal"].ID:
		n.Kind = chain.ProposalCreated
	case r.gp.Events["ExpirationCallBounty"].ID:
		if len(l.Topics) < 3 {
			return chain.Notification{}, fmt.Errorf("%w: ExpirationCallBounty without beneficiary", ErrUnknownEvent)
		}
		vals, err := r.gp.Unpack("ExpirationCallBounty", l.Data)
		if err != nil {
			return chain.Notification{}, fmt.Errorf("unpack ExpirationCallBounty: %w", err)
		}
		n.Kind = chain.BountyRedeemed
		n.Beneficiary = common.BytesToAddress(l.Topics[2].Bytes())
		n.Amount = vals[0].(*big.Int)
	default:
		return chain.Notification{}, fmt.Errorf("%w: topic %s", ErrUnknownEvent, l.Topics[0].Hex())
	}
	return n, nil
}

// DecodeAll decodes logs in ledger order, dropping ones that do not decode.
func (r *Registry) DecodeAll(logs []types.Log) ([]chain.Notification, []error) {
	sort.SliceStable(logs, func(i, j int) bool {
		if logs[i].BlockNumber != logs[j].BlockNumber {
			return logs[i].BlockNumber < logs[j].BlockNumber
		}
		return logs[i].Index < logs[j].Index
	})
	out := make([]chain.Notification, 0, len(logs))
	var errs []error
	for _, l := range logs {
		if l.Removed {
			continue
		}
		n, err := r.Decode(l)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, n)
	}
	return out, errs
}

func (r *Registry) ExecuteCall(vm common.Address, id common.Hash) (chain.Call, error) {
	return r.vmCall(vm, "execute", id)
}

func (r *Registry) ExecuteBoostedCall(vm common.Address, id common.Hash) (chain.Call, error) {
	return r.vmCall(vm, "executeBoosted", id)
}

// RedeemJoinCall closes a Join proposal through the version's Redeemer so
// the reputation is minted in the same transaction.
func (r *Registry) RedeemJoinCall(vm, join common.Address, id common.Hash, beneficiary common.Address) (chain.Call, error) {
	v, ok := r.byVM[vm]
	if !ok {
		return chain.Call{}, fmt.Errorf("%w: %s", ErrUnknownVotingMachine, vm.Hex())
	}
	if v.Redeemer == (common.Address{}) {
		return chain.Call{}, fmt.Errorf("%w: %s", ErrNoRedeemer, v.Tag)
	}
	data, err := r.redeemer.Pack("redeemJoin", join, vm, id, beneficiary)
	if err != nil {
		return chain.Call{}, fmt.Errorf("pack redeemJoin: %w", err)
	}
	return chain.Call{Method: "redeemJoin", To: v.Redeemer, Data: data}, nil
}

func (r *Registry) vmCall(vm common.Address, method string, args ...any) (chain.Call, error) {
	if _, ok := r.byVM[vm]; !ok {
		return chain.Call{}, fmt.Errorf("%w: %s", ErrUnknownVotingMachine, vm.Hex())
	}
	data, err := r.gp.Pack(method, args...)
	if err != nil {
		return chain.Call{}, fmt.Errorf("pack %s: %w", method, err)
	}
	return chain.Call{Method: method, To: vm, Data: data}, nil
}
