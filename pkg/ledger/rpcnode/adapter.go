// File: pkg/ledger/rpcnode/adapter.go
package rpcnode

import (
	"Beekeeper/utilities"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Adapter implements ledger.Gateway on top of the JSON-RPC client. It owns
// transfer envelope construction and the bounded confirmation poll.
type Adapter struct {
	client *Client
	logger *utilities.Logger
	cfg    *utilities.RPCConfig
}

func NewAdapter(cfg *utilities.RPCConfig, httpClient *http.Client, logger *utilities.Logger) (*Adapter, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("rpcnode: base_url is not configured")
	}
	return &Adapter{
		client: NewClient(cfg, httpClient, logger),
		logger: logger,
		cfg:    cfg,
	}, nil
}

// transferEnvelope is the node's signed-transfer wire format: the signature
// covers the pipe-joined message of the other four fields.
type transferEnvelope struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Lamports  uint64 `json:"lamports"`
	Blockhash string `json:"blockhash"`
	Signature string `json:"signature"`
}

func (a *Adapter) GetBalance(ctx context.Context, address string) (uint64, error) {
	return a.client.GetBalanceAPI(ctx, address)
}

func (a *Adapter) GetAssetBalance(ctx context.Context, address, mint string) (uint64, error) {
	return a.client.GetAssetBalanceAPI(ctx, address, mint)
}

func (a *Adapter) SubmitTransfer(ctx context.Context, from ed25519.PrivateKey, to string, lamports uint64) (string, error) {
	if lamports == 0 {
		return "", errors.New("rpcnode: refusing to submit zero-lamport transfer")
	}
	blockhash, err := a.client.GetLatestBlockhashAPI(ctx)
	if err != nil {
		return "", fmt.Errorf("rpcnode: fetch blockhash for transfer: %w", err)
	}

	fromAddr := hex.EncodeToString(from.Public().(ed25519.PublicKey))
	message := fmt.Sprintf("%s|%s|%d|%s", fromAddr, to, lamports, blockhash)
	envelope := transferEnvelope{
		From:      fromAddr,
		To:        to,
		Lamports:  lamports,
		Blockhash: blockhash,
		Signature: hex.EncodeToString(ed25519.Sign(from, []byte(message))),
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("rpcnode: marshal transfer envelope: %w", err)
	}

	txID, err := a.client.SendTransactionAPI(ctx, base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		return "", err
	}
	a.logger.LogDebug("RPC transfer submitted: %s -> %s, %d lamports, tx %s", fromAddr[:8], to[:utilities.MinInt(8, len(to))], lamports, txID)
	return txID, nil
}

func (a *Adapter) SubmitSigned(ctx context.Context, payload string) (string, error) {
	if payload == "" {
		return "", errors.New("rpcnode: empty signed payload")
	}
	return a.client.SendTransactionAPI(ctx, payload)
}

// Confirm polls the signature status until finalization, wait-then-recheck
// with a capped attempt count. Hitting the cap is a timeout error; the
// transaction may still land later.
func (a *Adapter) Confirm(ctx context.Context, txID string) error {
	pollInterval := time.Duration(a.cfg.ConfirmPollSec) * time.Second
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	maxPolls := a.cfg.ConfirmMaxPolls
	if maxPolls <= 0 {
		maxPolls = 30
	}

	for attempt := 1; attempt <= maxPolls; attempt++ {
		finalized, txErr, err := a.client.GetSignatureStatusAPI(ctx, txID)
		if err != nil {
			a.logger.LogWarn("RPC confirm: status check %d/%d for %s failed: %v", attempt, maxPolls, txID, err)
		} else if txErr != "" {
			return fmt.Errorf("rpcnode: transaction %s failed on chain: %s", txID, txErr)
		} else if finalized {
			a.logger.LogDebug("RPC confirm: %s finalized after %d poll(s).", txID, attempt)
			return nil
		}
		if !utilities.SleepCtx(ctx, pollInterval) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("rpcnode: transaction %s not finalized after %d polls", txID, maxPolls)
}

// Health probes the node once; used during pre-flight.
func (a *Adapter) Health(ctx context.Context) error {
	return a.client.HealthAPI(ctx)
}
