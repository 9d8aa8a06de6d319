// File: pkg/venue/venue.go
package venue

import (
	"Beekeeper/utilities"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

// NativeMint is the pseudo-mint the venue uses for the ledger's native unit.
const NativeMint = "native"

// Quote is one priced swap route. A nil *Quote from GetQuote means no route
// exists for the requested pair and size, which is a normal outcome.
type Quote struct {
	ID           string `json:"id"`
	InputMint    string `json:"input_mint"`
	OutputMint   string `json:"output_mint"`
	InAmount     uint64 `json:"in_amount"`
	OutAmount    uint64 `json:"out_amount"`
	FeeLamports  uint64 `json:"fee_lamports"`
	SlippageBps  int    `json:"slippage_bps"`
	RouteSummary string `json:"route_summary"`
}

// Swapper is the venue surface the orchestrator and recovery engine consume:
// quote a swap, then build the signed payload the ledger gateway submits.
type Swapper interface {
	GetQuote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*Quote, error)
	BuildSwap(ctx context.Context, quote *Quote, signerPubkey string) (string, error)
}

// Client talks to the swap aggregator over HTTP, rate limited the same way
// the ledger client is.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	limiter    *rate.Limiter
	logger     *utilities.Logger
	cfg        *utilities.VenueConfig
}

func NewClient(cfg *utilities.VenueConfig, httpClient *http.Client, logger *utilities.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("venue: base_url is not configured")
	}
	perSec := cfg.RateLimitPerSec
	if perSec <= 0 {
		perSec = 2
	}
	burst := cfg.RateLimitBurst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		HTTPClient: httpClient,
		limiter:    rate.NewLimiter(perSec, burst),
		logger:     logger,
		cfg:        cfg,
	}, nil
}

// GetQuote asks the venue for a route. A 200 with an empty quote ID is
// treated as "no route", returned as (nil, nil).
func (c *Client) GetQuote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (*Quote, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("venue: limiter wait for quote: %w", err)
	}

	params := url.Values{
		"inputMint":   {inputMint},
		"outputMint":  {outputMint},
		"amount":      {strconv.FormatUint(amount, 10)},
		"slippageBps": {strconv.Itoa(slippageBps)},
	}
	endpoint := c.BaseURL + "/v1/quote?" + params.Encode()
	c.logger.LogDebug("Venue quote: %s -> %s amount=%d", inputMint, outputMint, amount)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("venue: create quote request: %w", err)
	}
	c.setHeaders(req)

	var quote Quote
	if err := utilities.DoJSONRequest(c.HTTPClient, req, c.cfg.MaxRetries, c.retryDelay(), &quote); err != nil {
		return nil, fmt.Errorf("venue: quote %s->%s: %w", inputMint, outputMint, err)
	}
	if quote.ID == "" {
		return nil, nil
	}
	return &quote, nil
}

// BuildSwap exchanges a quote for the signed transaction payload. Submission
// and confirmation go through the ledger gateway, not the venue.
func (c *Client) BuildSwap(ctx context.Context, quote *Quote, signerPubkey string) (string, error) {
	if quote == nil {
		return "", fmt.Errorf("venue: cannot build swap from nil quote")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("venue: limiter wait for swap build: %w", err)
	}

	params := url.Values{
		"quoteId": {quote.ID},
		"signer":  {signerPubkey},
	}
	endpoint := c.BaseURL + "/v1/swap"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("venue: create swap request: %w", err)
	}
	c.setHeaders(req)

	var resp struct {
		SignedPayload string `json:"signed_payload"`
	}
	if err := utilities.DoJSONRequest(c.HTTPClient, req, c.cfg.MaxRetries, c.retryDelay(), &resp); err != nil {
		return "", fmt.Errorf("venue: build swap for quote %s: %w", quote.ID, err)
	}
	if resp.SignedPayload == "" {
		return "", fmt.Errorf("venue: empty signed payload for quote %s", quote.ID)
	}
	return resp.SignedPayload, nil
}

func (c *Client) retryDelay() time.Duration {
	if c.cfg.RetryDelaySec > 0 {
		return time.Duration(c.cfg.RetryDelaySec) * time.Second
	}
	return 2 * time.Second
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", "BeekeeperBot/1.0")
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
}
