// File: pkg/ledger/rpcnode/client.go
package rpcnode

import (
	"Beekeeper/utilities"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Client is a minimal JSON-RPC 2.0 client for the ledger node. All calls pass
// through a shared rate limiter so back-to-back flows (funding, cycling,
// sweeping) cannot trip the node's request limits.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	limiter    *rate.Limiter
	logger     *utilities.Logger
	cfg        *utilities.RPCConfig
	reqID      atomic.Int64
}

func NewClient(cfg *utilities.RPCConfig, httpClient *http.Client, logger *utilities.Logger) *Client {
	perSec := cfg.RateLimitPerSec
	if perSec <= 0 {
		perSec = 5
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 2
	}
	return &Client{
		BaseURL:    cfg.BaseURL,
		HTTPClient: httpClient,
		limiter:    rate.NewLimiter(perSec, burst),
		logger:     logger,
		cfg:        cfg,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// call performs one JSON-RPC method invocation with the teacher-grade retry
// behavior: the limiter gates the request, DoJSONRequest retries 5xx and
// transport failures, and an in-band RPC error is returned as-is.
func (c *Client) call(ctx context.Context, method string, params []interface{}, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rpcnode: limiter wait for %s: %w", method, err)
	}

	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("rpcnode: marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("rpcnode: create %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "BeekeeperBot/1.0")
	c.logger.LogDebug("RPC call: method=%s", method)

	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	retryDelay := time.Duration(c.cfg.RetryDelaySec) * time.Second
	if retryDelay <= 0 {
		retryDelay = 2 * time.Second
	}
	if err := utilities.DoJSONRequest(c.HTTPClient, req, c.cfg.MaxRetries, retryDelay, &envelope); err != nil {
		return fmt.Errorf("rpcnode: %s: %w", method, err)
	}
	if envelope.Error != nil {
		return fmt.Errorf("rpcnode: %s: %w", method, envelope.Error)
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return fmt.Errorf("rpcnode: decode %s result: %w", method, err)
		}
	}
	return nil
}

// GetBalanceAPI returns the lamport balance of an address.
func (c *Client) GetBalanceAPI(ctx context.Context, address string) (uint64, error) {
	var result struct {
		Value uint64 `json:"value"`
	}
	if err := c.call(ctx, "getBalance", []interface{}{address}, &result); err != nil {
		return 0, err
	}
	return result.Value, nil
}

// GetAssetBalanceAPI returns the held balance of one asset mint for an address.
func (c *Client) GetAssetBalanceAPI(ctx context.Context, address, mint string) (uint64, error) {
	var result struct {
		Amount string `json:"amount"`
	}
	if err := c.call(ctx, "getAssetBalance", []interface{}{address, mint}, &result); err != nil {
		return 0, err
	}
	var amount uint64
	if _, err := fmt.Sscanf(result.Amount, "%d", &amount); err != nil {
		return 0, fmt.Errorf("rpcnode: parse asset amount %q: %w", result.Amount, err)
	}
	return amount, nil
}

// GetLatestBlockhashAPI fetches the recent blockhash a transfer must reference.
func (c *Client) GetLatestBlockhashAPI(ctx context.Context) (string, error) {
	var result struct {
		Blockhash string `json:"blockhash"`
	}
	if err := c.call(ctx, "getLatestBlockhash", nil, &result); err != nil {
		return "", err
	}
	if result.Blockhash == "" {
		return "", fmt.Errorf("rpcnode: node returned empty blockhash")
	}
	return result.Blockhash, nil
}

// SendTransactionAPI submits a signed base64 payload and returns the tx ID.
func (c *Client) SendTransactionAPI(ctx context.Context, payload string) (string, error) {
	var txID string
	if err := c.call(ctx, "sendTransaction", []interface{}{payload}, &txID); err != nil {
		return "", err
	}
	if txID == "" {
		return "", fmt.Errorf("rpcnode: node accepted transaction but returned no id")
	}
	return txID, nil
}

// GetSignatureStatusAPI reports whether a transaction has finalized.
func (c *Client) GetSignatureStatusAPI(ctx context.Context, txID string) (finalized bool, txErr string, err error) {
	var result struct {
		Value []struct {
			Finalized bool   `json:"finalized"`
			Err       string `json:"err"`
		} `json:"value"`
	}
	if err := c.call(ctx, "getSignatureStatuses", []interface{}{[]string{txID}}, &result); err != nil {
		return false, "", err
	}
	if len(result.Value) == 0 {
		return false, "", nil
	}
	return result.Value[0].Finalized, result.Value[0].Err, nil
}

// HealthAPI probes the node; used once during pre-flight.
func (c *Client) HealthAPI(ctx context.Context) error {
	var status string
	if err := c.call(ctx, "getHealth", nil, &status); err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("rpcnode: node unhealthy: %s", status)
	}
	return nil
}
