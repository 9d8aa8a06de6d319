// File: vault/provision.go
package vault

import (
	"Beekeeper/utilities"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Provisioner grows the worker pool to a requested size, reusing reconciled
// wallets first and minting fresh keypairs only for the shortfall.
type Provisioner struct {
	store  *Store
	owner  *Identity
	logger *utilities.Logger
}

// NewProvisioner wires a provisioner to the snapshot store. The owner
// identity, when known, is re-recorded in every snapshot the provisioner
// appends so a single surviving file is enough to recover everything.
func NewProvisioner(store *Store, owner *Identity, logger *utilities.Logger) *Provisioner {
	return &Provisioner{store: store, owner: owner, logger: logger}
}

// Ensure returns count worker identities. When the reconciled set already
// covers the request, the first count wallets are returned in reconciled
// order (not creation order) and nothing is appended, so the call is
// idempotent. Otherwise the shortfall is minted and the full set, existing
// plus new, is appended as one snapshot before any new identity is returned:
// a key that was never durably recorded is discarded, never handed out.
func (p *Provisioner) Ensure(count int) ([]Identity, error) {
	if count <= 0 {
		return nil, nil
	}

	snaps, err := p.store.ListAll()
	if err != nil {
		return nil, fmt.Errorf("provisioner: list snapshots: %w", err)
	}
	merged := Merge(snaps, p.logger)

	existing := make([]Identity, 0, len(merged.Workers))
	for _, rec := range merged.Workers {
		existing = append(existing, rec.Identity)
	}

	if len(existing) >= count {
		p.logger.LogInfo("Provisioner: Reusing %d of %d existing worker wallet(s).", count, len(existing))
		return existing[:count], nil
	}

	shortfall := count - len(existing)
	p.logger.LogInfo("Provisioner: Minting %d new worker wallet(s) (have %d, need %d).", shortfall, len(existing), count)

	minted := make([]Identity, 0, shortfall)
	for i := 0; i < shortfall; i++ {
		id, mintErr := MintIdentity(len(existing) + i)
		if mintErr != nil {
			return nil, fmt.Errorf("provisioner: %w", mintErr)
		}
		minted = append(minted, id)
	}

	full := append(append([]Identity{}, existing...), minted...)
	snap := Snapshot{
		CreatedAt:     time.Now().UTC(),
		Owner:         p.owner,
		Workers:       full,
		SchemaVersion: CurrentSchemaVersion,
		Origin:        "provision-" + uuid.NewString(),
	}
	if _, err := p.store.Append(snap); err != nil {
		// The minted keys were never durably recorded. Funding them would
		// risk unrecoverable value, so the whole operation fails.
		return nil, fmt.Errorf("provisioner: minted %d wallet(s) but snapshot append failed, discarding them: %w", shortfall, err)
	}

	return full[:count], nil
}
