package chain

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

var ErrNoKey = errors.New("private key is empty")

// Signer signs transactions locally for one account.
type Signer struct {
	key    *ecdsa.PrivateKey
	addr   common.Address
	signer types.Signer
}

// NewSigner parses a hex private key (with or without 0x).
func NewSigner(hexKey string, chainID *big.Int) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, ErrNoKey
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Signer{
		key:    key,
		addr:   crypto.PubkeyToAddress(key.PublicKey),
		signer: types.LatestSignerForChainID(chainID),
	}, nil
}

func (s *Signer) Address() common.Address { return s.addr }

// LegacyTx builds an unsigned gas-price transaction for call.
func LegacyTx(call Call, nonce, gas uint64, gasPrice *big.Int) *types.Transaction {
	to := call.To
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Data:     call.Data,
	})
}

func (s *Signer) Sign(tx *types.Transaction) (*types.Transaction, error) {
	return types.SignTx(tx, s.signer, s.key)
}
