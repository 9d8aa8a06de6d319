// File: license/license.go
package license

import (
	"Beekeeper/utilities"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Verdict is the gate's answer: a plain yes/no with an expiry. The
// orchestrator treats Valid=false as fatal for start and displays Reason
// verbatim.
type Verdict struct {
	Valid     bool      `json:"valid"`
	ExpiresAt time.Time `json:"expires_at"`
	Reason    string    `json:"reason,omitempty"`
}

// Validator is the credential gate consumed by the orchestrator.
type Validator interface {
	Validate(ctx context.Context, token string) (Verdict, error)
}

// Client validates license tokens against the license server.
type Client struct {
	baseURL    string
	HTTPClient *http.Client
	logger     *utilities.Logger
}

func NewClient(cfg *utilities.LicenseConfig, logger *utilities.Logger, httpClient *http.Client) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("license: base_url is not configured")
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		HTTPClient: httpClient,
		logger:     logger,
	}, nil
}

// Validate checks the token with the server. A token the server marks valid
// but already expired is reported as invalid here, so callers only ever test
// Verdict.Valid.
func (c *Client) Validate(ctx context.Context, token string) (Verdict, error) {
	if token == "" {
		return Verdict{Valid: false, Reason: "no license token configured"}, nil
	}

	endpoint := c.baseURL + "/v1/validate?" + url.Values{"token": {token}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Verdict{}, fmt.Errorf("license: create validate request: %w", err)
	}
	req.Header.Set("User-Agent", "BeekeeperBot/1.0")

	var raw struct {
		Valid     bool   `json:"valid"`
		ExpiresAt int64  `json:"expires_at"`
		Reason    string `json:"reason"`
	}
	if err := utilities.DoJSONRequest(c.HTTPClient, req, 2, 2*time.Second, &raw); err != nil {
		return Verdict{}, fmt.Errorf("license: validate call failed: %w", err)
	}

	verdict := Verdict{
		Valid:  raw.Valid,
		Reason: raw.Reason,
	}
	if raw.ExpiresAt > 0 {
		verdict.ExpiresAt = time.Unix(raw.ExpiresAt, 0).UTC()
		if verdict.Valid && time.Now().After(verdict.ExpiresAt) {
			verdict.Valid = false
			verdict.Reason = fmt.Sprintf("license expired at %s", verdict.ExpiresAt.Format(time.RFC1123))
		}
	}
	if verdict.Valid {
		c.logger.LogInfo("License: Token valid until %s.", verdict.ExpiresAt.Format(time.RFC1123))
	} else {
		c.logger.LogWarn("License: Token rejected: %s", verdict.Reason)
	}
	return verdict, nil
}
