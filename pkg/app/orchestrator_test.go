// File: pkg/app/orchestrator_test.go
package app

import (
	"Beekeeper/license"
	"Beekeeper/pkg/events"
	"Beekeeper/pkg/venue"
	"Beekeeper/utilities"
	"Beekeeper/vault"
	"context"
	"crypto/ed25519"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cycleGateway struct {
	mu            sync.Mutex
	balances      map[string]uint64
	assetBalance  uint64
	transferCalls int
	txSeq         int
}

func newCycleGateway() *cycleGateway {
	// Every worker appears to hold some asset by default so the release
	// phase exercises the full quote/build/submit path.
	return &cycleGateway{balances: make(map[string]uint64), assetBalance: 1_000}
}

func (g *cycleGateway) setBalance(addr string, lamports uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[addr] = lamports
}

func (g *cycleGateway) GetBalance(_ context.Context, address string) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balances[address], nil
}

func (g *cycleGateway) GetAssetBalance(context.Context, string, string) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.assetBalance, nil
}

func (g *cycleGateway) SubmitTransfer(_ context.Context, from ed25519.PrivateKey, to string, lamports uint64) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transferCalls++
	g.balances[to] += lamports
	g.txSeq++
	return fmt.Sprintf("tx-%d", g.txSeq), nil
}

func (g *cycleGateway) SubmitSigned(_ context.Context, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.txSeq++
	return fmt.Sprintf("swap-tx-%d", g.txSeq), nil
}

func (g *cycleGateway) Confirm(context.Context, string) error { return nil }

func (g *cycleGateway) transfers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.transferCalls
}

// cycleSwapper records every quote as "A:<signer>" or "B:<signer>" depending
// on swap direction, and can be told to fail the acquire leg for one signer.
// onBuild, when set, runs after each recorded build.
type cycleSwapper struct {
	mu           sync.Mutex
	calls        []string
	failAcquire  string
	onBuild      func(label, signer string)
	pendingLabel map[string]string // quote ID -> label
	quoteSeq     int
}

func newCycleSwapper() *cycleSwapper {
	return &cycleSwapper{pendingLabel: make(map[string]string)}
}

func (s *cycleSwapper) GetQuote(_ context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*venue.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quoteSeq++
	q := &venue.Quote{
		ID:          fmt.Sprintf("q-%d", s.quoteSeq),
		InputMint:   inputMint,
		OutputMint:  outputMint,
		InAmount:    amount,
		OutAmount:   amount,
		SlippageBps: slippageBps,
	}
	if inputMint == venue.NativeMint {
		s.pendingLabel[q.ID] = "A"
	} else {
		s.pendingLabel[q.ID] = "B"
	}
	return q, nil
}

func (s *cycleSwapper) BuildSwap(_ context.Context, quote *venue.Quote, signerPubkey string) (string, error) {
	s.mu.Lock()
	label := s.pendingLabel[quote.ID]
	if label == "A" && signerPubkey == s.failAcquire {
		s.mu.Unlock()
		return "", fmt.Errorf("venue rejected swap for %s", signerPubkey)
	}
	s.calls = append(s.calls, label+":"+signerPubkey)
	cb := s.onBuild
	s.mu.Unlock()
	if cb != nil {
		cb(label, signerPubkey)
	}
	return "payload-" + quote.ID, nil
}

func (s *cycleSwapper) snapshotCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type staticGate struct {
	verdict license.Verdict
	err     error
}

func (g staticGate) Validate(context.Context, string) (license.Verdict, error) {
	return g.verdict, g.err
}

type fakeRecoverer struct {
	mu     sync.Mutex
	calls  int
	report RecoveryReport
}

func (r *fakeRecoverer) RecoverAll(context.Context, string, string) (RecoveryReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.report, nil
}

func (r *fakeRecoverer) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func testCycleConfig(workerCount int) *utilities.AppConfig {
	return &utilities.AppConfig{
		Cycle: utilities.CycleConfig{
			AssetMint:        "mint-usdc",
			PerWorkerSol:     0.05,
			SwapSol:          0.01,
			FeeBufferSol:     0.01,
			SlippageBps:      100,
			WorkerDelayMs:    1,
			PhaseCooldownSec: 1,
			ErrorPauseSec:    1,
			ReadyPollSec:     1,
			ReadyMaxPolls:    1,
		},
		Workers: utilities.WorkersConfig{Count: workerCount, GrowAttempts: 2},
		License: utilities.LicenseConfig{Token: "tok"},
	}
}

func newTestOrchestrator(t *testing.T, cfg *utilities.AppConfig, gw *cycleGateway, sw *cycleSwapper, gate license.Validator, rec Recoverer) (*Orchestrator, ed25519.PrivateKey) {
	t.Helper()
	logger := utilities.NewLogger(utilities.Error)
	store, err := vault.NewStore(t.TempDir(), logger)
	require.NoError(t, err)
	owner, err := vault.MintIdentity(0)
	require.NoError(t, err)
	ownerKey, err := owner.Signer()
	require.NoError(t, err)
	prov := vault.NewProvisioner(store, &owner, logger)
	o := NewOrchestrator(cfg, logger, gw, sw, prov, rec, gate, nil, events.NewBus(), ownerKey)
	return o, ownerKey
}

func TestStartRejectedByLicenseGateMakesNoTransfers(t *testing.T) {
	gw := newCycleGateway()
	gate := staticGate{verdict: license.Verdict{Valid: false, Reason: "license expired at Mon, 01 Jan 2024 00:00:00 UTC"}}
	o, _ := newTestOrchestrator(t, testCycleConfig(2), gw, newCycleSwapper(), gate, &fakeRecoverer{})

	err := o.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, "license expired at Mon, 01 Jan 2024 00:00:00 UTC", err.Error(), "the gate's reason is surfaced verbatim")
	assert.Zero(t, gw.transfers(), "no funds move past a closed gate")
	assert.Equal(t, StateIdle, o.State())
}

func TestStartFailsOnInsufficientOwnerBalance(t *testing.T) {
	gw := newCycleGateway() // owner balance stays zero
	gate := staticGate{verdict: license.Verdict{Valid: true}}
	o, _ := newTestOrchestrator(t, testCycleConfig(2), gw, newCycleSwapper(), gate, &fakeRecoverer{})

	err := o.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient owner balance")
	assert.Zero(t, gw.transfers())
	assert.Equal(t, StateIdle, o.State())
}

func TestStartWhileRunningFails(t *testing.T) {
	cfg := testCycleConfig(1)
	gw := newCycleGateway()
	gate := staticGate{verdict: license.Verdict{Valid: true}}
	rec := &fakeRecoverer{}
	o, ownerKey := newTestOrchestrator(t, cfg, gw, newCycleSwapper(), gate, rec)
	gw.setBalance(vault.PublicKeyOf(ownerKey), utilities.SolToLamports(1))

	require.NoError(t, o.Start(context.Background()))
	defer func() {
		o.Stop()
		o.WaitIdle(10 * time.Second)
	}()

	err := o.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot start")
}

func TestCycleRunsAllAcquiresBeforeAnyRelease(t *testing.T) {
	cfg := testCycleConfig(3)
	gw := newCycleGateway()
	sw := newCycleSwapper()
	gate := staticGate{verdict: license.Verdict{Valid: true}}
	rec := &fakeRecoverer{}
	o, ownerKey := newTestOrchestrator(t, cfg, gw, sw, gate, rec)
	gw.setBalance(vault.PublicKeyOf(ownerKey), utilities.SolToLamports(1))

	require.NoError(t, o.Start(context.Background()))
	assert.Equal(t, StateRunning, o.State())

	waitFor(t, 10*time.Second, func() bool { return o.Stats().CyclesCompleted >= 1 })
	o.Stop()
	require.True(t, o.WaitIdle(15*time.Second))

	calls := sw.snapshotCalls()
	require.GreaterOrEqual(t, len(calls), 6, "one full cycle is three acquires plus three releases")
	first := calls[:6]
	for i, c := range first[:3] {
		assert.True(t, strings.HasPrefix(c, "A:"), "call %d (%s) should be an acquire", i, c)
	}
	for i, c := range first[3:6] {
		assert.True(t, strings.HasPrefix(c, "B:"), "call %d (%s) should be a release", i+3, c)
	}

	// Index order holds within each phase.
	assert.Equal(t, first[0][2:], first[3][2:], "phase B visits workers in the same order as phase A")
	assert.Equal(t, first[2][2:], first[5][2:])
}

func TestStopTriggersBackgroundRecoveryAndReturnsToIdle(t *testing.T) {
	cfg := testCycleConfig(2)
	gw := newCycleGateway()
	gate := staticGate{verdict: license.Verdict{Valid: true}}
	rec := &fakeRecoverer{report: RecoveryReport{RecoveredLamports: 42, TransactionIDs: []string{"tx-a"}}}
	o, ownerKey := newTestOrchestrator(t, cfg, gw, newCycleSwapper(), gate, rec)
	gw.setBalance(vault.PublicKeyOf(ownerKey), utilities.SolToLamports(1))

	require.NoError(t, o.Start(context.Background()))
	o.Stop()
	require.True(t, o.WaitIdle(15*time.Second))

	assert.Equal(t, StateIdle, o.State())
	assert.Equal(t, 1, rec.callCount(), "stop always hands the pool to recovery exactly once")
}

// blockingGate holds Start inside license validation until released.
type blockingGate struct {
	release chan struct{}
}

func (g *blockingGate) Validate(ctx context.Context, _ string) (license.Verdict, error) {
	select {
	case <-g.release:
		return license.Verdict{Valid: true}, nil
	case <-ctx.Done():
		return license.Verdict{}, ctx.Err()
	}
}

func TestStopDuringStartAbortsStartup(t *testing.T) {
	cfg := testCycleConfig(2)
	gw := newCycleGateway()
	gate := &blockingGate{release: make(chan struct{})}
	rec := &fakeRecoverer{}
	o, ownerKey := newTestOrchestrator(t, cfg, gw, newCycleSwapper(), gate, rec)
	gw.setBalance(vault.PublicKeyOf(ownerKey), utilities.SolToLamports(1))

	errCh := make(chan error, 1)
	go func() { errCh <- o.Start(context.Background()) }()
	waitFor(t, 5*time.Second, func() bool { return o.State() == StateStarting })

	o.Stop()
	require.True(t, o.WaitIdle(10*time.Second))
	close(gate.release)

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "stop commanded during start")
	case <-time.After(5 * time.Second):
		t.Fatal("start never returned after the gate was released")
	}
	assert.Equal(t, StateIdle, o.State(), "a commanded stop must not be clobbered into a running loop")
	assert.Zero(t, gw.transfers(), "no worker may be funded after stop was commanded")
	assert.Equal(t, 1, rec.callCount())
}

func TestStopMidPhaseHaltsAtWorkerBoundary(t *testing.T) {
	cfg := testCycleConfig(3)
	gw := newCycleGateway()
	gw.assetBalance = 0 // the unwind pass finds nothing to release
	sw := newCycleSwapper()
	gate := staticGate{verdict: license.Verdict{Valid: true}}
	rec := &fakeRecoverer{}
	o, ownerKey := newTestOrchestrator(t, cfg, gw, sw, gate, rec)
	gw.setBalance(vault.PublicKeyOf(ownerKey), utilities.SolToLamports(1))

	// Stop lands while the first worker's acquire is still in flight.
	var once sync.Once
	sw.onBuild = func(label, _ string) {
		if label == "A" {
			once.Do(o.Stop)
		}
	}

	require.NoError(t, o.Start(context.Background()))
	require.True(t, o.WaitIdle(15*time.Second))

	calls := sw.snapshotCalls()
	require.Len(t, calls, 1, "the in-flight acquire completes; the boundary check halts before the next worker")
	assert.True(t, strings.HasPrefix(calls[0], "A:"))
	assert.Zero(t, o.Stats().CyclesCompleted, "an interrupted iteration is never counted")
	assert.Equal(t, 1, rec.callCount())
}

func TestStopWhileIdleIsNoop(t *testing.T) {
	rec := &fakeRecoverer{}
	o, _ := newTestOrchestrator(t, testCycleConfig(1), newCycleGateway(), newCycleSwapper(), staticGate{verdict: license.Verdict{Valid: true}}, rec)

	o.Stop()
	assert.Equal(t, StateIdle, o.State())
	assert.Zero(t, rec.callCount())
	assert.True(t, o.WaitIdle(time.Second))
}

func TestPartialCycleSuccessRate(t *testing.T) {
	cfg := testCycleConfig(3)
	gw := newCycleGateway()
	sw := newCycleSwapper()
	gate := staticGate{verdict: license.Verdict{Valid: true}}
	o, ownerKey := newTestOrchestrator(t, cfg, gw, sw, gate, &fakeRecoverer{})
	gw.setBalance(vault.PublicKeyOf(ownerKey), utilities.SolToLamports(1))

	// One of the three workers is provisioned before start so its public key
	// is known; its acquire leg always fails at the venue.
	workers, err := o.prov.Ensure(3)
	require.NoError(t, err)
	sw.failAcquire = workers[1].PublicKey

	require.NoError(t, o.Start(context.Background()))
	waitFor(t, 10*time.Second, func() bool { return o.Stats().CyclesCompleted >= 1 })
	o.Stop()
	require.True(t, o.WaitIdle(15*time.Second))

	stats := o.Stats()
	assert.InDelta(t, 66.7, stats.SuccessRate, 0.1, "2 of 3 workers completed both phases")
	wantVolume := 2 * cfg.Cycle.SwapSol * 2 * float64(stats.CyclesCompleted)
	assert.InDelta(t, wantVolume, stats.TotalVolumeSol, 1e-9)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
