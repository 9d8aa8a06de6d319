// File: pkg/recovery/recovery_test.go
package recovery

import (
	"Beekeeper/pkg/venue"
	"Beekeeper/utilities"
	"Beekeeper/vault"
	"context"
	"crypto/ed25519"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	balances      map[string]uint64
	assetBalances map[string]uint64
	failTransfer  map[string]bool
	transferCalls int
	transfers     []fakeTransfer
	submitted     []string
}

type fakeTransfer struct {
	from     string
	to       string
	lamports uint64
}

func (g *fakeGateway) GetBalance(_ context.Context, address string) (uint64, error) {
	return g.balances[address], nil
}

func (g *fakeGateway) GetAssetBalance(_ context.Context, address, _ string) (uint64, error) {
	return g.assetBalances[address], nil
}

func (g *fakeGateway) SubmitTransfer(_ context.Context, from ed25519.PrivateKey, to string, lamports uint64) (string, error) {
	g.transferCalls++
	fromAddr := vault.PublicKeyOf(from)
	if g.failTransfer[fromAddr] {
		return "", fmt.Errorf("node rejected transfer from %s", fromAddr)
	}
	g.transfers = append(g.transfers, fakeTransfer{from: fromAddr, to: to, lamports: lamports})
	return fmt.Sprintf("tx-%d", g.transferCalls), nil
}

func (g *fakeGateway) SubmitSigned(_ context.Context, payload string) (string, error) {
	g.submitted = append(g.submitted, payload)
	return fmt.Sprintf("swap-tx-%d", len(g.submitted)), nil
}

func (g *fakeGateway) Confirm(context.Context, string) error { return nil }

type fakeSwapper struct {
	quotes []string
}

func (s *fakeSwapper) GetQuote(_ context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*venue.Quote, error) {
	s.quotes = append(s.quotes, inputMint+"->"+outputMint)
	return &venue.Quote{
		ID:          fmt.Sprintf("q-%d", len(s.quotes)),
		InputMint:   inputMint,
		OutputMint:  outputMint,
		InAmount:    amount,
		SlippageBps: slippageBps,
	}, nil
}

func (s *fakeSwapper) BuildSwap(_ context.Context, quote *venue.Quote, signerPubkey string) (string, error) {
	return "payload-" + quote.ID + "-" + signerPubkey, nil
}

func testLogger() *utilities.Logger {
	return utilities.NewLogger(utilities.Error)
}

func seedStore(t *testing.T, workers ...vault.Identity) *vault.Store {
	t.Helper()
	store, err := vault.NewStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	_, err = store.Append(vault.Snapshot{Workers: workers, Origin: "test"})
	require.NoError(t, err)
	return store
}

func mintWorker(t *testing.T, slot int) vault.Identity {
	t.Helper()
	id, err := vault.MintIdentity(slot)
	require.NoError(t, err)
	return id
}

func fastCfg() *utilities.RecoveryConfig {
	return &utilities.RecoveryConfig{
		DustThresholdSol: 0.001,
		ReservedFeeSol:   0.000105,
		SettleDelaySec:   1,
		WorkerDelayMs:    1,
	}
}

func TestRecoverAllRejectsBadOwnerSecretBeforeAnyNetworkCall(t *testing.T) {
	gw := &fakeGateway{}
	store := seedStore(t, mintWorker(t, 0))
	engine := NewEngine(store, gw, &fakeSwapper{}, nil, nil, fastCfg(), testLogger())

	_, err := engine.RecoverAll(context.Background(), "not-hex", "")
	require.Error(t, err)
	assert.Zero(t, gw.transferCalls, "no transfer may be attempted with an unusable owner credential")
}

func TestRecoverAllEmptyPoolIsSuccess(t *testing.T) {
	store, err := vault.NewStore(t.TempDir(), testLogger())
	require.NoError(t, err)
	owner := mintWorker(t, 0)
	engine := NewEngine(store, &fakeGateway{}, &fakeSwapper{}, nil, nil, fastCfg(), testLogger())

	result, err := engine.RecoverAll(context.Background(), owner.SecretKey, "")
	require.NoError(t, err)
	assert.Zero(t, result.RecoveredLamports)
	assert.Empty(t, result.TransactionIDs)
}

func TestRecoverAllSweepsBalanceMinusReservedFee(t *testing.T) {
	owner := mintWorker(t, 0)
	worker := mintWorker(t, 1)
	store := seedStore(t, worker)

	cfg := fastCfg()
	gw := &fakeGateway{balances: map[string]uint64{
		worker.PublicKey: 50_000_000, // 0.05 SOL
	}}
	engine := NewEngine(store, gw, &fakeSwapper{}, nil, nil, cfg, testLogger())

	result, err := engine.RecoverAll(context.Background(), owner.SecretKey, "")
	require.NoError(t, err)

	reservedFee := utilities.SolToLamports(cfg.ReservedFeeSol)
	wantAmount := uint64(50_000_000) - reservedFee
	require.Len(t, gw.transfers, 1)
	assert.Equal(t, worker.PublicKey, gw.transfers[0].from)
	assert.Equal(t, owner.PublicKey, gw.transfers[0].to)
	assert.Equal(t, wantAmount, gw.transfers[0].lamports)
	assert.Equal(t, wantAmount, result.RecoveredLamports)
	require.Len(t, result.Outcomes, 1)
	assert.Empty(t, result.Outcomes[0].Err)
}

func TestRecoverAllSkipsDustBalances(t *testing.T) {
	owner := mintWorker(t, 0)
	worker := mintWorker(t, 1)
	store := seedStore(t, worker)

	gw := &fakeGateway{balances: map[string]uint64{
		worker.PublicKey: 900_000, // below the 0.001 SOL dust threshold
	}}
	engine := NewEngine(store, gw, &fakeSwapper{}, nil, nil, fastCfg(), testLogger())

	result, err := engine.RecoverAll(context.Background(), owner.SecretKey, "")
	require.NoError(t, err)
	assert.Zero(t, gw.transferCalls)
	assert.Zero(t, result.RecoveredLamports)
	require.Len(t, result.Outcomes, 1)
	assert.Empty(t, result.Outcomes[0].Err, "dust is not an error, just nothing to do")
}

func TestRecoverAllContinuesPastFailingWorker(t *testing.T) {
	owner := mintWorker(t, 0)
	a := mintWorker(t, 1)
	b := mintWorker(t, 2)
	c := mintWorker(t, 3)
	store := seedStore(t, a, b, c)

	gw := &fakeGateway{
		balances: map[string]uint64{
			a.PublicKey: 10_000_000,
			b.PublicKey: 10_000_000,
			c.PublicKey: 10_000_000,
		},
		failTransfer: map[string]bool{b.PublicKey: true},
	}
	engine := NewEngine(store, gw, &fakeSwapper{}, nil, nil, fastCfg(), testLogger())

	result, err := engine.RecoverAll(context.Background(), owner.SecretKey, "")
	require.NoError(t, err, "one failing worker must not abort the batch")

	require.Len(t, result.Outcomes, 3)
	assert.Len(t, result.TransactionIDs, 2)
	failures := 0
	for _, o := range result.Outcomes {
		if o.Err != "" {
			failures++
			assert.Equal(t, b.PublicKey, o.PublicKey)
		}
	}
	assert.Equal(t, 1, failures)
	assert.Equal(t, 3, gw.transferCalls, "the failing worker is attempted, the rest still swept")
}

func TestRecoverAllLiquidatesAssetBeforeNativeSweep(t *testing.T) {
	owner := mintWorker(t, 0)
	worker := mintWorker(t, 1)
	store := seedStore(t, worker)

	sw := &fakeSwapper{}
	gw := &fakeGateway{
		balances:      map[string]uint64{worker.PublicKey: 20_000_000},
		assetBalances: map[string]uint64{worker.PublicKey: 5_000},
	}
	engine := NewEngine(store, gw, sw, nil, nil, fastCfg(), testLogger())

	result, err := engine.RecoverAll(context.Background(), owner.SecretKey, "mint-usdc")
	require.NoError(t, err)

	require.Len(t, sw.quotes, 1)
	assert.Equal(t, "mint-usdc->"+venue.NativeMint, sw.quotes[0])
	assert.Len(t, gw.submitted, 1, "the built swap payload must be submitted")
	require.Len(t, result.Outcomes, 1)
	assert.True(t, result.Outcomes[0].Liquidated)
	assert.NotEmpty(t, result.Outcomes[0].TxID)
}

func TestRecoverAllReturnsPartialResultOnCancel(t *testing.T) {
	owner := mintWorker(t, 0)
	a := mintWorker(t, 1)
	b := mintWorker(t, 2)
	store := seedStore(t, a, b)

	gw := &fakeGateway{balances: map[string]uint64{
		a.PublicKey: 10_000_000,
		b.PublicKey: 10_000_000,
	}}
	cfg := fastCfg()
	cfg.WorkerDelayMs = 200
	engine := NewEngine(store, gw, &fakeSwapper{}, nil, nil, cfg, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	result, err := engine.RecoverAll(ctx, owner.SecretKey, "")
	require.ErrorIs(t, err, context.Canceled)
	assert.Len(t, result.Outcomes, 1, "the first worker's sweep is reported even though the batch was cut short")
	assert.NotZero(t, result.RecoveredLamports)
}
