// File: pkg/recovery/recovery.go
package recovery

import (
	"Beekeeper/journal"
	"Beekeeper/pkg/events"
	"Beekeeper/pkg/ledger"
	"Beekeeper/pkg/venue"
	"Beekeeper/utilities"
	"Beekeeper/vault"
	"context"
	"fmt"
	"time"
)

// Engine sweeps residual value from every known worker wallet back to the
// owner. Workers come from reconciliation across all snapshots ever written,
// not just the active session, so a crash mid-cycle loses nothing.
type Engine struct {
	store   *vault.Store
	gateway ledger.Gateway
	swapper venue.Swapper
	journal *journal.Journal
	bus     *events.Bus
	cfg     *utilities.RecoveryConfig
	logger  *utilities.Logger
}

// WorkerOutcome is the per-wallet result of one sweep pass.
type WorkerOutcome struct {
	PublicKey         string
	RecoveredLamports uint64
	TxID              string
	Liquidated        bool
	Err               string
}

// Result is a transient report consumed once by the caller; it is never
// persisted (individual transfers are journaled as they land).
type Result struct {
	RecoveredLamports uint64
	TransactionIDs    []string
	Outcomes          []WorkerOutcome
}

// NewEngine wires the sweep engine. journal and bus may be nil.
func NewEngine(store *vault.Store, gateway ledger.Gateway, swapper venue.Swapper, jrnl *journal.Journal, bus *events.Bus, cfg *utilities.RecoveryConfig, logger *utilities.Logger) *Engine {
	return &Engine{
		store:   store,
		gateway: gateway,
		swapper: swapper,
		journal: jrnl,
		bus:     bus,
		cfg:     cfg,
		logger:  logger,
	}
}

// RecoverAll sweeps every reconciled worker sequentially. One worker's
// failure never aborts the batch; an empty pool or zero balances everywhere
// is success. It fails only when the owner secret is structurally invalid
// (checked before any network call) or the snapshot listing itself fails.
func (e *Engine) RecoverAll(ctx context.Context, ownerSecret, assetMint string) (Result, error) {
	ownerKey, err := vault.ParseSecretKey(ownerSecret)
	if err != nil {
		return Result{}, fmt.Errorf("recovery: invalid owner credential: %w", err)
	}
	ownerAddr := vault.PublicKeyOf(ownerKey)

	snaps, err := e.store.ListAll()
	if err != nil {
		return Result{}, fmt.Errorf("recovery: %w", err)
	}
	merged := vault.Merge(snaps, e.logger)

	e.logger.LogInfo("Recovery: Sweeping %d worker wallet(s) to owner %s...", len(merged.Workers), shortKey(ownerAddr))

	dust := utilities.SolToLamports(e.cfg.DustThresholdSol)
	reservedFee := utilities.SolToLamports(e.cfg.ReservedFeeSol)
	pacing := time.Duration(e.cfg.WorkerDelayMs) * time.Millisecond
	if pacing <= 0 {
		pacing = 750 * time.Millisecond
	}

	var result Result
	for i, worker := range merged.Workers {
		outcome := e.sweepWorker(ctx, worker, ownerAddr, assetMint, dust, reservedFee)
		result.Outcomes = append(result.Outcomes, outcome)
		if outcome.TxID != "" {
			result.TransactionIDs = append(result.TransactionIDs, outcome.TxID)
			result.RecoveredLamports += outcome.RecoveredLamports
		}

		// Fixed inter-worker pacing: back-to-back sweeps against a
		// rate-limited venue cascade into request failures without it.
		if i < len(merged.Workers)-1 {
			if !utilities.SleepCtx(ctx, pacing) {
				return result, ctx.Err()
			}
		}
	}

	e.logger.LogInfo("Recovery: Complete. Recovered %.6f SOL across %d transaction(s).",
		utilities.LamportsToSol(result.RecoveredLamports), len(result.TransactionIDs))
	if e.bus != nil {
		e.bus.PublishLog(events.LevelSuccess,
			fmt.Sprintf("Recovery complete: %.6f SOL swept from %d wallet(s)",
				utilities.LamportsToSol(result.RecoveredLamports), len(result.TransactionIDs)), "")
	}
	return result, nil
}

func (e *Engine) sweepWorker(ctx context.Context, worker vault.WalletRecord, ownerAddr, assetMint string, dust, reservedFee uint64) WorkerOutcome {
	outcome := WorkerOutcome{PublicKey: worker.PublicKey}

	signer, err := worker.Signer()
	if err != nil {
		e.logger.LogError("Recovery [%s]: Unusable secret key, skipping: %v", shortKey(worker.PublicKey), err)
		outcome.Err = err.Error()
		return outcome
	}

	// Liquidate any held asset first. Failure here never blocks the native
	// sweep below.
	if assetMint != "" {
		if liquidated, liqErr := e.liquidate(ctx, worker.PublicKey, assetMint); liqErr != nil {
			e.logger.LogWarn("Recovery [%s]: Asset liquidation failed, continuing with native sweep: %v", shortKey(worker.PublicKey), liqErr)
		} else if liquidated {
			outcome.Liquidated = true
			settle := time.Duration(e.cfg.SettleDelaySec) * time.Second
			if settle <= 0 {
				settle = 12 * time.Second
			}
			utilities.SleepCtx(ctx, settle)
		}
	}

	// Balances shift asynchronously; always re-read before computing the
	// transfer amount.
	balance, err := e.gateway.GetBalance(ctx, worker.PublicKey)
	if err != nil {
		e.logger.LogError("Recovery [%s]: Balance read failed, skipping: %v", shortKey(worker.PublicKey), err)
		outcome.Err = err.Error()
		return outcome
	}
	if balance <= dust {
		e.logger.LogDebug("Recovery [%s]: Balance %d lamports at or below dust threshold, nothing to sweep.", shortKey(worker.PublicKey), balance)
		return outcome
	}
	if balance <= reservedFee {
		e.logger.LogDebug("Recovery [%s]: Balance %d lamports cannot cover the reserved fee.", shortKey(worker.PublicKey), balance)
		return outcome
	}
	amount := balance - reservedFee

	txID, err := e.gateway.SubmitTransfer(ctx, signer, ownerAddr, amount)
	if err != nil {
		e.logger.LogError("Recovery [%s]: Sweep transfer failed, skipping: %v", shortKey(worker.PublicKey), err)
		outcome.Err = err.Error()
		return outcome
	}
	if err := e.gateway.Confirm(ctx, txID); err != nil {
		e.logger.LogError("Recovery [%s]: Sweep %s not confirmed: %v", shortKey(worker.PublicKey), txID, err)
		outcome.Err = err.Error()
		return outcome
	}

	outcome.TxID = txID
	outcome.RecoveredLamports = amount
	e.logger.LogInfo("Recovery [%s]: Swept %.6f SOL to owner. Tx: %s", shortKey(worker.PublicKey), utilities.LamportsToSol(amount), txID)
	if e.journal != nil {
		if jErr := e.journal.RecordTransfer(txID, journal.KindSweep, worker.PublicKey, amount); jErr != nil {
			e.logger.LogWarn("Recovery [%s]: Failed to journal sweep %s: %v", shortKey(worker.PublicKey), txID, jErr)
		}
	}
	if e.bus != nil {
		e.bus.PublishLog(events.LevelSuccess,
			fmt.Sprintf("Swept %.6f SOL from %s", utilities.LamportsToSol(amount), shortKey(worker.PublicKey)), txID)
	}
	return outcome
}

// liquidate swaps a worker's full asset balance back to the native unit.
// Returns true when a swap was actually submitted and confirmed.
func (e *Engine) liquidate(ctx context.Context, workerAddr, assetMint string) (bool, error) {
	assetBal, err := e.gateway.GetAssetBalance(ctx, workerAddr, assetMint)
	if err != nil {
		return false, fmt.Errorf("asset balance read: %w", err)
	}
	if assetBal == 0 {
		return false, nil
	}

	slippage := e.cfg.LiquidateSlippageBps
	if slippage <= 0 {
		slippage = 300
	}
	quote, err := e.swapper.GetQuote(ctx, assetMint, venue.NativeMint, assetBal, slippage)
	if err != nil {
		return false, fmt.Errorf("quote: %w", err)
	}
	if quote == nil {
		return false, fmt.Errorf("no route for %d units of %s", assetBal, assetMint)
	}
	payload, err := e.swapper.BuildSwap(ctx, quote, workerAddr)
	if err != nil {
		return false, fmt.Errorf("build swap: %w", err)
	}
	txID, err := e.gateway.SubmitSigned(ctx, payload)
	if err != nil {
		return false, fmt.Errorf("submit swap: %w", err)
	}
	if err := e.gateway.Confirm(ctx, txID); err != nil {
		return false, fmt.Errorf("confirm swap %s: %w", txID, err)
	}
	e.logger.LogInfo("Recovery [%s]: Liquidated %d asset units. Tx: %s", shortKey(workerAddr), assetBal, txID)
	return true, nil
}

func shortKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8]
}
