// File: vault/types.go
package vault

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// CurrentSchemaVersion is written into every new snapshot. Older files may
// carry no version at all; the reconciler normalizes them.
const CurrentSchemaVersion = 2

var (
	// ErrStoreRead indicates a filesystem-level failure listing snapshots.
	ErrStoreRead = errors.New("snapshot store read failed")
	// ErrStoreWrite indicates a snapshot could not be durably written.
	ErrStoreWrite = errors.New("snapshot store write failed")
)

// Identity is one custodial keypair: the owner or a single worker wallet.
// The secret key is the hex-encoded 64-byte ed25519 private key; the public
// key is the hex-encoded 32-byte verifying key and is the wallet's address.
type Identity struct {
	PublicKey string    `json:"public_key"`
	SecretKey string    `json:"secret_key"`
	CreatedAt time.Time `json:"created_at"`
	Slot      int       `json:"slot,omitempty"`
}

// Signer returns the identity's ed25519 private key for transaction signing.
func (id Identity) Signer() (ed25519.PrivateKey, error) {
	return ParseSecretKey(id.SecretKey)
}

// Snapshot is one immutable, timestamped record of the full wallet set.
// Written once at append time, never mutated.
type Snapshot struct {
	CreatedAt     time.Time  `json:"created_at"`
	Owner         *Identity  `json:"owner,omitempty"`
	Workers       []Identity `json:"workers"`
	SchemaVersion int        `json:"schema_version"`
	Origin        string     `json:"origin"`
}

// WalletRecord is a reconciled identity with provenance attached. Provenance
// is metadata only; it never overrides the identity's own fields.
type WalletRecord struct {
	Identity
	SourceSnapshot  string
	SourceTimestamp time.Time
}

// MergedSet is the authoritative wallet view produced by reconciliation.
type MergedSet struct {
	Owner            *WalletRecord
	Workers          []WalletRecord
	PlaceholderOwner bool
	SnapshotsRead    int
}

// MintIdentity generates a fresh ed25519 keypair for a new worker wallet.
func MintIdentity(slot int) (Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Identity{}, fmt.Errorf("mint identity: %w", err)
	}
	return Identity{
		PublicKey: hex.EncodeToString(pub),
		SecretKey: hex.EncodeToString(priv),
		CreatedAt: time.Now().UTC(),
		Slot:      slot,
	}, nil
}

// ParseSecretKey decodes and validates a hex-encoded ed25519 private key.
// This is the structural credential check performed before any network call.
func ParseSecretKey(secret string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("secret key is not valid hex: %w", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", ed25519.PrivateKeySize, len(raw))
	}
	return ed25519.PrivateKey(raw), nil
}

// PublicKeyOf derives the hex wallet address from a private key.
func PublicKeyOf(priv ed25519.PrivateKey) string {
	return hex.EncodeToString(priv.Public().(ed25519.PublicKey))
}
