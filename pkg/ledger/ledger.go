// File: pkg/ledger/ledger.go
package ledger

import (
	"context"
	"crypto/ed25519"
	"time"
)

// Gateway defines the interface for balance queries and value transfer against
// the ledger node. Every other component talks to the chain through it.
type Gateway interface {
	// GetBalance retrieves the native-unit balance of an address in lamports.
	GetBalance(ctx context.Context, address string) (uint64, error)

	// GetAssetBalance retrieves the held balance of a specific asset mint.
	GetAssetBalance(ctx context.Context, address, mint string) (uint64, error)

	// SubmitTransfer signs and submits a native-unit transfer, returning the
	// transaction ID. It does not wait for confirmation.
	SubmitTransfer(ctx context.Context, from ed25519.PrivateKey, to string, lamports uint64) (string, error)

	// SubmitSigned submits a pre-built signed payload (the swap venue path)
	// and returns the transaction ID.
	SubmitSigned(ctx context.Context, payload string) (string, error)

	// Confirm blocks until the transaction is finalized, the poll cap is
	// reached, or the context is cancelled.
	Confirm(ctx context.Context, txID string) error
}

// TxStatus is one entry from a signature status query.
type TxStatus struct {
	TxID       string    `json:"tx_id"`
	Finalized  bool      `json:"finalized"`
	Err        string    `json:"err,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}
