// File: pkg/app/app.go
package app

import (
	"Beekeeper/journal"
	"Beekeeper/license"
	"Beekeeper/notification/discord"
	"Beekeeper/pkg/events"
	"Beekeeper/pkg/ledger/rpcnode"
	"Beekeeper/pkg/recovery"
	"Beekeeper/pkg/venue"
	"Beekeeper/utilities"
	"Beekeeper/vault"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// engineRecoverer adapts the recovery engine to the orchestrator's surface.
type engineRecoverer struct {
	eng *recovery.Engine
}

func (r engineRecoverer) RecoverAll(ctx context.Context, ownerSecret, assetMint string) (RecoveryReport, error) {
	res, err := r.eng.RecoverAll(ctx, ownerSecret, assetMint)
	return RecoveryReport{
		RecoveredLamports: res.RecoveredLamports,
		TransactionIDs:    res.TransactionIDs,
	}, err
}

// components is everything Run-style entry points construct once.
type components struct {
	store     *vault.Store
	journal   *journal.Journal
	gateway   *rpcnode.Adapter
	swapper   *venue.Client
	gate      *license.Client
	recoverer *recovery.Engine
	bus       *events.Bus
	discord   *discord.Client
	ownerID   vault.Identity
}

func buildComponents(ctx context.Context, cfg *utilities.AppConfig, logger *utilities.Logger) (*components, error) {
	logger.LogInfo("AppRun: Starting pre-flight checks...")

	if cfg.Workers.Count <= 0 {
		return nil, errors.New("pre-flight check failed: workers.count must be a positive integer")
	}
	if cfg.Cycle.PerWorkerSol <= 0 {
		return nil, errors.New("pre-flight check failed: cycle.per_worker_sol must be positive")
	}
	if cfg.Cycle.AssetMint == "" {
		return nil, errors.New("pre-flight check failed: cycle.asset_mint is not configured")
	}

	ownerKey, err := vault.ParseSecretKey(cfg.Owner.SecretKey)
	if err != nil {
		return nil, fmt.Errorf("pre-flight check failed: owner secret key: %w", err)
	}
	ownerID := vault.Identity{
		PublicKey: vault.PublicKeyOf(ownerKey),
		SecretKey: cfg.Owner.SecretKey,
		CreatedAt: time.Now().UTC(),
	}

	store, err := vault.NewStore(cfg.Snapshots.Dir, logger)
	if err != nil {
		return nil, fmt.Errorf("pre-flight check failed: snapshot store init: %w", err)
	}

	jrnl, err := journal.New(cfg.DB, logger)
	if err != nil {
		return nil, fmt.Errorf("pre-flight check failed: journal init: %w", err)
	}

	sharedHTTPClient := &http.Client{Timeout: 15 * time.Second}

	logger.LogInfo("Pre-Flight: Initializing and verifying ledger node...")
	gateway, err := rpcnode.NewAdapter(&cfg.RPC, sharedHTTPClient, logger)
	if err != nil {
		jrnl.Close()
		return nil, fmt.Errorf("pre-flight check failed: could not initialize RPC adapter: %w", err)
	}
	if err := gateway.Health(ctx); err != nil {
		jrnl.Close()
		return nil, fmt.Errorf("pre-flight check failed: ledger node health probe: %w", err)
	}

	swapper, err := venue.NewClient(&cfg.Venue, sharedHTTPClient, logger)
	if err != nil {
		jrnl.Close()
		return nil, fmt.Errorf("pre-flight check failed: could not initialize venue client: %w", err)
	}

	gate, err := license.NewClient(&cfg.License, logger, sharedHTTPClient)
	if err != nil {
		jrnl.Close()
		return nil, fmt.Errorf("pre-flight check failed: could not initialize license client: %w", err)
	}

	bus := events.NewBus()
	recoverer := recovery.NewEngine(store, gateway, swapper, jrnl, bus, &cfg.Recovery, logger)

	return &components{
		store:     store,
		journal:   jrnl,
		gateway:   gateway,
		swapper:   swapper,
		gate:      gate,
		recoverer: recoverer,
		bus:       bus,
		discord:   discord.NewClient(cfg.Discord.WebhookURL),
		ownerID:   ownerID,
	}, nil
}

// Run is the long-lived entry point: pre-flight, start the orchestrator, and
// block until the context is cancelled, then stop and wait for the background
// sweep to finish.
func Run(ctx context.Context, cfg *utilities.AppConfig, logger *utilities.Logger) error {
	comps, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.journal.Close()

	comps.discord.SendMessage(fmt.Sprintf("🐝 **Beekeeper v%s Starting Up**", cfg.Version))
	defer comps.discord.SendMessage("🛑 **Beekeeper Shutting Down**")

	// Observers subscribe to the bus; nothing downstream can block the loop.
	go forwardEventsToDiscord(ctx, comps.bus.Subscribe(), comps.discord)

	if recent, jErr := comps.journal.RecentTransfers(5); jErr == nil && len(recent) > 0 {
		logger.LogInfo("AppRun: Last journaled transfer: %s %s %.6f SOL at %s.",
			recent[0].Kind, shortKey(recent[0].Wallet), utilities.LamportsToSol(recent[0].Lamports), recent[0].CreatedAt.Format(time.RFC1123))
	}

	ownerKey, _ := vault.ParseSecretKey(cfg.Owner.SecretKey)
	prov := vault.NewProvisioner(comps.store, &comps.ownerID, logger)
	orch := NewOrchestrator(cfg, logger, comps.gateway, comps.swapper, prov,
		engineRecoverer{comps.recoverer}, comps.gate, comps.journal, comps.bus, ownerKey)

	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	logger.LogInfo("AppRun: Pre-flight checks complete. Cycle loop is running.")

	<-ctx.Done()
	orch.Stop()
	if !orch.WaitIdle(10 * time.Minute) {
		logger.LogWarn("AppRun: Background recovery did not finish before shutdown timeout.")
	}
	return nil
}

// RunRecover is the one-shot sweep entry point behind the `recover`
// subcommand: no cycling, no license gate, just reconcile and sweep.
func RunRecover(ctx context.Context, cfg *utilities.AppConfig, logger *utilities.Logger) error {
	comps, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer comps.journal.Close()

	result, err := comps.recoverer.RecoverAll(ctx, cfg.Owner.SecretKey, cfg.Recovery.LiquidateAssetMint)
	if err != nil {
		return err
	}
	logger.LogInfo("Recover: Done. %.6f SOL recovered in %d transaction(s).",
		utilities.LamportsToSol(result.RecoveredLamports), len(result.TransactionIDs))
	for _, outcome := range result.Outcomes {
		if outcome.Err != "" {
			logger.LogWarn("Recover: Worker %s failed: %s", shortKey(outcome.PublicKey), outcome.Err)
		}
	}
	comps.discord.SendMessage(fmt.Sprintf("🧹 **Manual sweep complete**: %.6f SOL in %d tx(s)",
		utilities.LamportsToSol(result.RecoveredLamports), len(result.TransactionIDs)))
	return nil
}

// ListWallets prints the reconciled worker set behind the `wallets`
// subcommand. Secrets are never printed.
func ListWallets(cfg *utilities.AppConfig, logger *utilities.Logger) error {
	store, err := vault.NewStore(cfg.Snapshots.Dir, logger)
	if err != nil {
		return err
	}
	snaps, err := store.ListAll()
	if err != nil {
		return err
	}
	merged := vault.Merge(snaps, logger)

	fmt.Printf("Snapshots read: %d\n", merged.SnapshotsRead)
	if merged.PlaceholderOwner {
		fmt.Println("Owner: (not recorded in any snapshot)")
	} else {
		fmt.Printf("Owner: %s\n", merged.Owner.PublicKey)
	}
	fmt.Printf("Workers: %d\n", len(merged.Workers))
	for i, w := range merged.Workers {
		fmt.Printf("  %3d  %s  slot=%d  minted=%s  source=%s\n",
			i, w.PublicKey, w.Slot, w.CreatedAt.Format("2006-01-02"), w.SourceSnapshot)
	}
	return nil
}

// forwardEventsToDiscord relays success and error events to the webhook.
// It is a bus consumer like any other; dropping events under load is fine.
func forwardEventsToDiscord(ctx context.Context, ch <-chan events.Event, client *discord.Client) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch {
			case ev.Log != nil && ev.Log.Level == events.LevelSuccess:
				client.NotifyTransfer(ev.Log.Message, ev.Log.TxID)
			case ev.Log != nil && ev.Log.Level == events.LevelError:
				client.SendMessage("⚠️ " + ev.Log.Message)
			case ev.Stats != nil:
				client.NotifyStats(ev.Stats.CyclesCompleted, ev.Stats.TotalVolumeSol, ev.Stats.SuccessRate, ev.Stats.ActiveWorkers)
			}
		}
	}
}
