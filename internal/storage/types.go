package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": JSON Lines attempt log plus dedup snapshot/journal
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AttemptRecord is one execution attempt for a proposal. Outcome is one of
// "sent", "confirmed", "failed", "skipped", "abandoned".
type AttemptRecord struct {
	At       time.Time `json:"at"`
	Proposal string    `json:"proposal"`
	Version  string    `json:"version,omitempty"`
	Purpose  string    `json:"purpose"`
	Action   string    `json:"action"`
	Outcome  string    `json:"outcome"`
	Attempt  int       `json:"attempt"`
	Account  string    `json:"account,omitempty"`
	Nonce    uint64    `json:"nonce,omitempty"`
	TxHash   string    `json:"tx_hash,omitempty"`
	GasLimit uint64    `json:"gas_limit,omitempty"`
	GasPrice string    `json:"gas_price,omitempty"`
	Error    string    `json:"error,omitempty"`
	TookMS   int64     `json:"took_ms,omitempty"`
}
