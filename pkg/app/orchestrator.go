// File: pkg/app/orchestrator.go
package app

import (
	"Beekeeper/journal"
	"Beekeeper/license"
	"Beekeeper/pkg/events"
	"Beekeeper/pkg/ledger"
	"Beekeeper/pkg/venue"
	"Beekeeper/utilities"
	"Beekeeper/vault"
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the orchestrator's lifecycle position.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// CycleStats is the aggregate for one start/stop run. It is owned exclusively
// by the orchestrator and mutated only from the cycle loop and start/stop
// transitions; observers get copies via Stats() and the event bus.
type CycleStats struct {
	CyclesCompleted int
	TotalVolumeSol  float64
	SuccessRate     float64
	TotalFeesSol    float64
	ActiveWorkers   int
	StartTime       time.Time
	LastCycleTime   time.Time
}

// Orchestrator drives the worker pool through repeated acquire/release
// cycles. One logical loop, strictly sequential per worker: no two phases
// ever touch the same external account from different code paths at once.
type Orchestrator struct {
	cfg       *utilities.AppConfig
	logger    *utilities.Logger
	gateway   ledger.Gateway
	swapper   venue.Swapper
	prov      *vault.Provisioner
	recoverer Recoverer
	gate      license.Validator
	journal   *journal.Journal
	bus       *events.Bus

	ownerKey  ed25519.PrivateKey
	ownerAddr string

	stateMu  sync.Mutex
	state    State
	stopFlag atomic.Bool
	loopDone chan struct{}
	bgDone   chan struct{}
	runID    string

	workers []vault.Identity

	statsMu sync.RWMutex
	stats   CycleStats
}

// Recoverer is the sweep surface Stop hands the pool to.
type Recoverer interface {
	RecoverAll(ctx context.Context, ownerSecret, assetMint string) (RecoveryReport, error)
}

// RecoveryReport is the subset of the recovery result Stop logs.
type RecoveryReport struct {
	RecoveredLamports uint64
	TransactionIDs    []string
}

// NewOrchestrator wires the cycle engine. All collaborators are injected so
// tests can substitute doubles for the gateway, venue, and gate.
func NewOrchestrator(cfg *utilities.AppConfig, logger *utilities.Logger, gateway ledger.Gateway, swapper venue.Swapper, prov *vault.Provisioner, recoverer Recoverer, gate license.Validator, jrnl *journal.Journal, bus *events.Bus, ownerKey ed25519.PrivateKey) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		logger:    logger,
		gateway:   gateway,
		swapper:   swapper,
		prov:      prov,
		recoverer: recoverer,
		gate:      gate,
		journal:   jrnl,
		bus:       bus,
		ownerKey:  ownerKey,
		ownerAddr: vault.PublicKeyOf(ownerKey),
		state:     StateIdle,
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.stateMu.Lock()
	defer o.stateMu.Unlock()
	return o.state
}

// Stats returns a read-only copy of the current run's aggregates.
func (o *Orchestrator) Stats() CycleStats {
	o.statsMu.RLock()
	defer o.statsMu.RUnlock()
	return o.stats
}

// Start validates the license gate, resolves and funds the worker pool, and
// launches the cycle loop. It fails fast when a run is already active, when
// the credential gate rejects the token, or when the owner balance cannot
// cover per-worker funding plus the fee buffer. Failure reasons are meant to
// be displayed verbatim.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.stateMu.Lock()
	if o.state != StateIdle {
		state := o.state
		o.stateMu.Unlock()
		return fmt.Errorf("cannot start: orchestrator is %s", state)
	}
	o.state = StateStarting
	o.stopFlag.Store(false)
	o.stateMu.Unlock()

	if err := o.doStart(ctx); err != nil {
		// A Stop during startup already moved the state on; only a plain
		// start failure returns to Idle here.
		o.stateMu.Lock()
		if o.state == StateStarting {
			o.state = StateIdle
		}
		o.stateMu.Unlock()
		return err
	}
	return nil
}

func (o *Orchestrator) doStart(ctx context.Context) error {
	verdict, err := o.gate.Validate(ctx, o.cfg.License.Token)
	if err != nil {
		return fmt.Errorf("license validation failed: %w", err)
	}
	if !verdict.Valid {
		reason := verdict.Reason
		if reason == "" {
			reason = "license invalid or expired"
		}
		return errors.New(reason)
	}
	if o.stopFlag.Load() {
		return errors.New("stop commanded during start; startup aborted")
	}

	workers, err := o.resolveWorkers()
	if err != nil {
		return err
	}

	perWorker := utilities.SolToLamports(o.cfg.Cycle.PerWorkerSol)
	feeBuffer := utilities.SolToLamports(o.cfg.Cycle.FeeBufferSol)
	required := perWorker*uint64(len(workers)) + feeBuffer
	ownerBal, err := o.gateway.GetBalance(ctx, o.ownerAddr)
	if err != nil {
		return fmt.Errorf("could not read owner balance: %w", err)
	}
	if ownerBal < required {
		return fmt.Errorf("insufficient owner balance: have %.6f SOL, need %.6f SOL (%.6f per worker x %d + %.6f fee buffer)",
			utilities.LamportsToSol(ownerBal), utilities.LamportsToSol(required),
			o.cfg.Cycle.PerWorkerSol, len(workers), o.cfg.Cycle.FeeBufferSol)
	}

	funded := o.fundWorkers(ctx, workers, perWorker)
	if o.stopFlag.Load() {
		return errors.New("stop commanded during start; startup aborted")
	}
	if len(funded) == 0 {
		return errors.New("funding failed for every worker; nothing to run")
	}
	o.awaitReady(ctx, funded, perWorker)

	// Entering Running and clearing startup state must be atomic with the
	// stop check: a Stop commanded while we were starting wins, and the loop
	// never launches.
	o.stateMu.Lock()
	if o.state != StateStarting || o.stopFlag.Load() {
		o.stateMu.Unlock()
		return errors.New("stop commanded during start; startup aborted")
	}
	o.workers = funded
	o.runID = uuid.NewString()
	o.loopDone = make(chan struct{})
	o.state = StateRunning
	runID := o.runID
	o.stateMu.Unlock()

	now := time.Now()
	o.statsMu.Lock()
	o.stats = CycleStats{ActiveWorkers: len(funded), StartTime: now}
	o.statsMu.Unlock()
	if o.journal != nil {
		if err := o.journal.StartRun(runID, now); err != nil {
			o.logger.LogWarn("Orchestrator: Failed to journal run start: %v", err)
		}
	}
	o.publishStats()
	o.publishWorkerSet()

	o.bus.PublishLog(events.LevelInfo, fmt.Sprintf("Run %s started with %d worker(s)", runID, len(funded)), "")
	go o.runLoop(ctx)
	return nil
}

// resolveWorkers grows the pool toward the configured target with a bounded
// number of attempts. A pool still short after the cap is a warning, not a
// start failure; an empty pool is fatal.
func (o *Orchestrator) resolveWorkers() ([]vault.Identity, error) {
	target := o.cfg.Workers.Count
	attempts := o.cfg.Workers.GrowAttempts
	if attempts <= 0 {
		attempts = 3
	}

	var workers []vault.Identity
	for attempt := 1; attempt <= attempts; attempt++ {
		ws, err := o.prov.Ensure(target)
		if err != nil {
			o.logger.LogError("Orchestrator: Ensure attempt %d/%d failed: %v", attempt, attempts, err)
			continue
		}
		workers = ws
		if len(workers) >= target {
			return workers, nil
		}
		o.logger.LogWarn("Orchestrator: Pool short after attempt %d/%d: %d of %d.", attempt, attempts, len(workers), target)
	}
	if len(workers) == 0 {
		return nil, fmt.Errorf("could not provision any worker wallets after %d attempts", attempts)
	}
	o.logger.LogWarn("Orchestrator: Proceeding with %d of %d requested worker(s).", len(workers), target)
	return workers, nil
}

// fundWorkers transfers the per-worker stake from the owner, sequentially and
// paced. A worker whose funding fails is dropped from this run; it stays in
// the snapshot log and is picked up by the next recovery pass.
func (o *Orchestrator) fundWorkers(ctx context.Context, workers []vault.Identity, perWorker uint64) []vault.Identity {
	var funded []vault.Identity
	for i, w := range workers {
		if o.stopFlag.Load() {
			break
		}
		txID, err := o.gateway.SubmitTransfer(ctx, o.ownerKey, w.PublicKey, perWorker)
		if err != nil {
			o.logger.LogError("Funding [%s]: Transfer failed, excluding worker from this run: %v", shortKey(w.PublicKey), err)
			continue
		}
		if err := o.gateway.Confirm(ctx, txID); err != nil {
			o.logger.LogError("Funding [%s]: Transfer %s unconfirmed, excluding worker from this run: %v", shortKey(w.PublicKey), txID, err)
			continue
		}
		funded = append(funded, w)
		o.logger.LogInfo("Funding [%s]: Sent %.6f SOL. Tx: %s", shortKey(w.PublicKey), utilities.LamportsToSol(perWorker), txID)
		if o.journal != nil {
			if jErr := o.journal.RecordTransfer(txID, journal.KindFund, w.PublicKey, perWorker); jErr != nil {
				o.logger.LogWarn("Funding [%s]: Failed to journal transfer %s: %v", shortKey(w.PublicKey), txID, jErr)
			}
		}
		o.bus.PublishLog(events.LevelSuccess, fmt.Sprintf("Funded worker %s with %.6f SOL", shortKey(w.PublicKey), utilities.LamportsToSol(perWorker)), txID)

		if i < len(workers)-1 {
			if !utilities.SleepCtx(ctx, o.workerDelay()) {
				break
			}
		}
	}
	return funded
}

// awaitReady polls each worker's balance with a capped wait-then-recheck
// loop. Hitting the cap proceeds with a warning: blocking forever on a slow
// network is worse than a best-effort start.
func (o *Orchestrator) awaitReady(ctx context.Context, workers []vault.Identity, perWorker uint64) {
	pollInterval := time.Duration(o.cfg.Cycle.ReadyPollSec) * time.Second
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	maxPolls := o.cfg.Cycle.ReadyMaxPolls
	if maxPolls <= 0 {
		maxPolls = 15
	}

	for _, w := range workers {
		if o.stopFlag.Load() {
			return
		}
		ready := false
		for attempt := 0; attempt < maxPolls; attempt++ {
			bal, err := o.gateway.GetBalance(ctx, w.PublicKey)
			if err == nil && bal >= perWorker {
				ready = true
				break
			}
			if !utilities.SleepCtx(ctx, pollInterval) {
				return
			}
		}
		if !ready {
			o.logger.LogWarn("Readiness [%s]: Balance not visible after %d polls, proceeding anyway.", shortKey(w.PublicKey), maxPolls)
		}
	}
}

// runLoop is the supervisor: it repeats iterations until the stop flag flips,
// catching everything an iteration throws and pausing before the next one.
func (o *Orchestrator) runLoop(ctx context.Context) {
	defer close(o.loopDone)
	for {
		if o.stopFlag.Load() || ctx.Err() != nil {
			return
		}
		if err := o.safeIteration(ctx); err != nil {
			o.logger.LogError("Cycle: Iteration failed: %v. Pausing before retry.", err)
			o.bus.PublishLog(events.LevelError, fmt.Sprintf("Cycle iteration failed: %v", err), "")
			if !utilities.SleepCtx(ctx, o.errorPause()) {
				return
			}
		}
	}
}

func (o *Orchestrator) safeIteration(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in cycle loop: %v", r)
		}
	}()
	return o.runIteration(ctx)
}

// runIteration executes one full cycle: Phase A (acquire) across all workers
// in index order, a cool-down, then Phase B (release) likewise. The two
// phases never interleave across workers. The stop flag is observed between
// workers, never mid-call.
func (o *Orchestrator) runIteration(ctx context.Context) error {
	total := len(o.workers)
	okA := make([]bool, total)
	okB := make([]bool, total)

	for i, w := range o.workers {
		if o.stopFlag.Load() {
			return nil
		}
		if err := o.phaseAcquire(ctx, w); err != nil {
			o.logger.LogWarn("Phase A [%s]: %v", shortKey(w.PublicKey), err)
		} else {
			okA[i] = true
		}
		if i < total-1 && !utilities.SleepCtx(ctx, o.workerDelay()) {
			return nil
		}
	}

	if o.stopFlag.Load() {
		return nil
	}
	if !utilities.SleepCtx(ctx, o.phaseCooldown()) {
		return nil
	}

	for i, w := range o.workers {
		if o.stopFlag.Load() {
			return nil
		}
		if err := o.phaseRelease(ctx, w); err != nil {
			o.logger.LogWarn("Phase B [%s]: %v", shortKey(w.PublicKey), err)
		} else {
			okB[i] = true
		}
		if i < total-1 && !utilities.SleepCtx(ctx, o.workerDelay()) {
			return nil
		}
	}

	successful := 0
	for i := 0; i < total; i++ {
		if okA[i] && okB[i] {
			successful++
		}
	}
	o.recordIteration(successful, total)
	return nil
}

// recordIteration folds one finished cycle into the aggregates. The success
// rate is recomputed per iteration, not cumulative.
func (o *Orchestrator) recordIteration(successful, total int) {
	swapSol := o.cfg.Cycle.SwapSol
	feePerSwap := o.cfg.Cycle.EstimatedFeePerSwap

	o.statsMu.Lock()
	o.stats.CyclesCompleted++
	o.stats.TotalVolumeSol += float64(successful) * swapSol * 2
	o.stats.TotalFeesSol += float64(successful) * feePerSwap * 2
	if total > 0 {
		o.stats.SuccessRate = float64(successful) / float64(total) * 100
	}
	o.stats.LastCycleTime = time.Now()
	cycle := o.stats.CyclesCompleted
	rate := o.stats.SuccessRate
	o.statsMu.Unlock()

	o.logger.LogInfo("Cycle %d complete: %d/%d worker(s) fully succeeded (%.1f%%).", cycle, successful, total, rate)
	o.publishStats()
}

// phaseAcquire swaps the native unit into the configured asset for one worker.
func (o *Orchestrator) phaseAcquire(ctx context.Context, w vault.Identity) error {
	amount := utilities.SolToLamports(o.cfg.Cycle.SwapSol)
	quote, err := o.swapper.GetQuote(ctx, venue.NativeMint, o.cfg.Cycle.AssetMint, amount, o.cfg.Cycle.SlippageBps)
	if err != nil {
		return fmt.Errorf("quote: %w", err)
	}
	if quote == nil {
		return fmt.Errorf("no route for %.6f SOL into %s", o.cfg.Cycle.SwapSol, o.cfg.Cycle.AssetMint)
	}
	txID, err := o.executeSwap(ctx, quote, w.PublicKey)
	if err != nil {
		return err
	}
	if o.journal != nil {
		if jErr := o.journal.RecordTransfer(txID, journal.KindAcquire, w.PublicKey, amount); jErr != nil {
			o.logger.LogWarn("Phase A [%s]: Failed to journal %s: %v", shortKey(w.PublicKey), txID, jErr)
		}
	}
	return nil
}

// phaseRelease swaps the worker's full held asset balance back into the
// native unit. A worker holding nothing has nothing to release; that counts
// as a successful phase.
func (o *Orchestrator) phaseRelease(ctx context.Context, w vault.Identity) error {
	assetBal, err := o.gateway.GetAssetBalance(ctx, w.PublicKey, o.cfg.Cycle.AssetMint)
	if err != nil {
		return fmt.Errorf("asset balance: %w", err)
	}
	if assetBal == 0 {
		return nil
	}
	quote, err := o.swapper.GetQuote(ctx, o.cfg.Cycle.AssetMint, venue.NativeMint, assetBal, o.cfg.Cycle.SlippageBps)
	if err != nil {
		return fmt.Errorf("quote: %w", err)
	}
	if quote == nil {
		return fmt.Errorf("no route for %d units of %s back to native", assetBal, o.cfg.Cycle.AssetMint)
	}
	txID, err := o.executeSwap(ctx, quote, w.PublicKey)
	if err != nil {
		return err
	}
	if o.journal != nil {
		if jErr := o.journal.RecordTransfer(txID, journal.KindRelease, w.PublicKey, quote.OutAmount); jErr != nil {
			o.logger.LogWarn("Phase B [%s]: Failed to journal %s: %v", shortKey(w.PublicKey), txID, jErr)
		}
	}
	return nil
}

func (o *Orchestrator) executeSwap(ctx context.Context, quote *venue.Quote, signerPubkey string) (string, error) {
	payload, err := o.swapper.BuildSwap(ctx, quote, signerPubkey)
	if err != nil {
		return "", fmt.Errorf("build swap: %w", err)
	}
	txID, err := o.gateway.SubmitSigned(ctx, payload)
	if err != nil {
		return "", fmt.Errorf("submit swap: %w", err)
	}
	if err := o.gateway.Confirm(ctx, txID); err != nil {
		return "", fmt.Errorf("confirm swap %s: %w", txID, err)
	}
	return txID, nil
}

// Stop commands shutdown and always reports success: the caller-visible
// contract is "stop commanded", not "all funds recovered". It flips the stop
// flag and schedules the background unwind + recovery without waiting for it.
// Calling it while idle is a no-op; during startup it wins over the start,
// which then aborts instead of entering the run loop. Idempotent.
func (o *Orchestrator) Stop() {
	o.stateMu.Lock()
	switch o.state {
	case StateIdle:
		o.stateMu.Unlock()
		o.logger.LogInfo("Orchestrator: Stop requested while idle; nothing to do.")
		return
	case StateStopping:
		o.stateMu.Unlock()
		return
	}
	o.state = StateStopping
	loopDone := o.loopDone
	workers := append([]vault.Identity(nil), o.workers...)
	runID := o.runID
	o.bgDone = make(chan struct{})
	bgDone := o.bgDone
	o.stateMu.Unlock()

	o.stopFlag.Store(true)
	o.logger.LogInfo("Orchestrator: Stop commanded. Unwind and recovery will run in the background.")
	o.bus.PublishLog(events.LevelInfo, "Stop commanded; unwinding workers in background", "")

	go func() {
		defer close(bgDone)
		if loopDone != nil {
			<-loopDone
		}
		bgCtx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
		defer cancel()
		o.unwind(bgCtx, workers)

		report, err := o.recoverer.RecoverAll(bgCtx, o.ownerSecretHex(), o.cfg.Recovery.LiquidateAssetMint)
		if err != nil {
			o.logger.LogError("Orchestrator: Background recovery failed: %v", err)
			o.bus.PublishLog(events.LevelError, fmt.Sprintf("Background recovery failed: %v", err), "")
		} else {
			o.logger.LogInfo("Orchestrator: Background recovery swept %.6f SOL in %d transaction(s).",
				utilities.LamportsToSol(report.RecoveredLamports), len(report.TransactionIDs))
		}

		if o.journal != nil {
			stats := o.Stats()
			if jErr := o.journal.FinishRun(runID, stats.CyclesCompleted, stats.TotalVolumeSol, stats.TotalFeesSol); jErr != nil {
				o.logger.LogWarn("Orchestrator: Failed to journal run end: %v", jErr)
			}
		}
		o.setState(StateIdle)
	}()
}

// unwind best-effort releases every worker's held asset before the sweep.
// Failures are logged and skipped; recovery liquidates whatever remains.
func (o *Orchestrator) unwind(ctx context.Context, workers []vault.Identity) {
	for i, w := range workers {
		if err := o.phaseRelease(ctx, w); err != nil {
			o.logger.LogWarn("Unwind [%s]: %v", shortKey(w.PublicKey), err)
		}
		if i < len(workers)-1 {
			utilities.SleepCtx(ctx, o.workerDelay())
		}
	}
}

// WaitIdle blocks until the background unwind+recovery finishes or the
// timeout elapses. Used by the process shutdown path only.
func (o *Orchestrator) WaitIdle(timeout time.Duration) bool {
	o.stateMu.Lock()
	bgDone := o.bgDone
	state := o.state
	o.stateMu.Unlock()
	if state == StateIdle || bgDone == nil {
		return true
	}
	select {
	case <-bgDone:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (o *Orchestrator) ownerSecretHex() string {
	return fmt.Sprintf("%x", []byte(o.ownerKey))
}

func (o *Orchestrator) publishStats() {
	s := o.Stats()
	o.bus.Publish(events.Event{Stats: &events.StatsEvent{
		CyclesCompleted: s.CyclesCompleted,
		TotalVolumeSol:  s.TotalVolumeSol,
		SuccessRate:     s.SuccessRate,
		TotalFeesSol:    s.TotalFeesSol,
		ActiveWorkers:   s.ActiveWorkers,
		StartTime:       s.StartTime,
		LastCycleTime:   s.LastCycleTime,
	}})
}

func (o *Orchestrator) publishWorkerSet() {
	keys := make([]string, 0, len(o.workers))
	for _, w := range o.workers {
		keys = append(keys, w.PublicKey)
	}
	o.bus.Publish(events.Event{WorkerSet: &events.WorkerSetEvent{PublicKeys: keys}})
}

func (o *Orchestrator) setState(s State) {
	o.stateMu.Lock()
	o.state = s
	o.stateMu.Unlock()
}

func (o *Orchestrator) workerDelay() time.Duration {
	if o.cfg.Cycle.WorkerDelayMs > 0 {
		return time.Duration(o.cfg.Cycle.WorkerDelayMs) * time.Millisecond
	}
	return 750 * time.Millisecond
}

func (o *Orchestrator) phaseCooldown() time.Duration {
	if o.cfg.Cycle.PhaseCooldownSec > 0 {
		return time.Duration(o.cfg.Cycle.PhaseCooldownSec) * time.Second
	}
	return 8 * time.Second
}

func (o *Orchestrator) errorPause() time.Duration {
	if o.cfg.Cycle.ErrorPauseSec > 0 {
		return time.Duration(o.cfg.Cycle.ErrorPauseSec) * time.Second
	}
	return 5 * time.Second
}

func shortKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8]
}
