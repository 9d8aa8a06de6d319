// File: vault/reconcile.go
package vault

import (
	"Beekeeper/utilities"
	"fmt"
)

// PlaceholderSecret marks an owner slot that an old snapshot never recorded.
// It can never sign anything; callers must check MergedSet.PlaceholderOwner.
const PlaceholderSecret = "unrecorded"

// Merge folds every snapshot into one authoritative wallet set. Iteration is
// newest-first and the first occurrence of a public key wins, so the most
// recent snapshot's serialization of an identity is the one that survives.
// Reconciliation is a union over all snapshots: an identity missing from a
// later snapshot is still carried forward from the earlier one.
func Merge(snaps []Snapshot, logger *utilities.Logger) MergedSet {
	merged := MergedSet{SnapshotsRead: len(snaps)}
	seen := make(map[string]bool)

	for _, snap := range snaps {
		source := fmt.Sprintf("%s@%d", snap.Origin, snap.CreatedAt.UnixNano())

		if snap.Owner != nil && snap.Owner.PublicKey != "" {
			if merged.Owner == nil {
				rec := normalizeRecord(*snap.Owner, snap, source)
				merged.Owner = &rec
			}
			seen[snap.Owner.PublicKey] = true
		}

		for _, w := range snap.Workers {
			if w.PublicKey == "" {
				logger.LogWarn("Reconcile: Dropping worker with empty public key from snapshot %s.", source)
				continue
			}
			if seen[w.PublicKey] {
				continue
			}
			seen[w.PublicKey] = true
			merged.Workers = append(merged.Workers, normalizeRecord(w, snap, source))
		}
	}

	if merged.Owner == nil {
		// Old workers-only snapshots never carried the owner. Surface a
		// flagged placeholder instead of inventing a credential.
		merged.PlaceholderOwner = true
		merged.Owner = &WalletRecord{
			Identity: Identity{PublicKey: "", SecretKey: PlaceholderSecret},
		}
		if len(snaps) > 0 {
			logger.LogWarn("Reconcile: No snapshot records an owner identity; emitting flagged placeholder.")
		}
	}

	logger.LogInfo("Reconcile: Merged %d snapshot(s) into %d distinct worker wallet(s).", len(snaps), len(merged.Workers))
	return merged
}

func normalizeRecord(id Identity, snap Snapshot, source string) WalletRecord {
	if id.CreatedAt.IsZero() {
		id.CreatedAt = snap.CreatedAt
	}
	return WalletRecord{
		Identity:        id,
		SourceSnapshot:  source,
		SourceTimestamp: snap.CreatedAt,
	}
}
