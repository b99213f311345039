// Package chain holds the ledger-facing building blocks: domain types for
// voting machine proposals, a go-ethereum RPC client with per-call timeouts,
// local transaction signing and the per-account nonce sequencer.
package chain
