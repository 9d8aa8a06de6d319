// File: notification/discord/dclient.go
package discord

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"Beekeeper/utilities"

	"github.com/spf13/viper"
)

// Client sends notifications to a Discord webhook.
type Client struct {
	webhookURL string
	HTTPClient *http.Client
	logger     *utilities.Logger

	statsMu       sync.Mutex
	lastStatsSent time.Time
}

// statsInterval throttles the recurring stats embed; every cycle would spam
// the channel.
const statsInterval = 10 * time.Minute

// DiscordMessage represents the structure for a Discord webhook message.
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// DiscordEmbed represents an embed object in a Discord message.
type DiscordEmbed struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Timestamp   string `json:"timestamp,omitempty"` // ISO8601 timestamp
	Color       int    `json:"color,omitempty"`     // Decimal color code
}

func NewClient(webhookURL string) *Client {
	logLevel := utilities.Info
	if viper.GetBool("debug") {
		logLevel = utilities.Debug
	}

	logger := utilities.NewLogger(logLevel)

	if webhookURL == "" {
		logger.LogWarn("Discord Client: Webhook URL is empty. Notifications will not be sent.")
	} else {
		logger.LogInfo("Discord Client initialized with webhook URL.")
	}

	return &Client{
		webhookURL: webhookURL,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// SendMessage sends a simple text message to the configured Discord webhook.
func (c *Client) SendMessage(message string) error {
	if c.webhookURL == "" {
		c.logger.LogDebug("Discord SendMessage: Webhook URL is not set, skipping.")
		return nil
	}
	if strings.TrimSpace(message) == "" {
		c.logger.LogDebug("Discord SendMessage: Message is empty, skipping.")
		return nil
	}
	return c.sendPayload(DiscordMessage{Content: message})
}

// NotifyTransfer sends a formatted embed for a confirmed transaction.
func (c *Client) NotifyTransfer(summary, txID string) error {
	if c.webhookURL == "" {
		return nil
	}
	description := summary
	if txID != "" {
		description = fmt.Sprintf("%s\n**Tx ID**: `%s`", summary, txID)
	}
	embed := DiscordEmbed{
		Title:       "✅ Transfer Confirmed",
		Description: description,
		Color:       3066993, // Green
		Timestamp:   time.Now().Format(time.RFC3339),
	}
	return c.sendPayload(DiscordMessage{Embeds: []DiscordEmbed{embed}})
}

// NotifyStats sends the recurring cycle summary, throttled to one embed per
// statsInterval.
func (c *Client) NotifyStats(cycles int, volumeSol, successRate float64, activeWorkers int) error {
	if c.webhookURL == "" {
		return nil
	}
	c.statsMu.Lock()
	if time.Since(c.lastStatsSent) < statsInterval {
		c.statsMu.Unlock()
		return nil
	}
	c.lastStatsSent = time.Now()
	c.statsMu.Unlock()

	embed := DiscordEmbed{
		Title: "📊 Cycle Stats",
		Description: fmt.Sprintf(
			"**Cycles**: %d\n**Volume**: `%.4f SOL`\n**Success Rate**: `%.1f%%`\n**Active Workers**: %d",
			cycles, volumeSol, successRate, activeWorkers),
		Color:     3447003, // Blue
		Timestamp: time.Now().Format(time.RFC3339),
	}
	return c.sendPayload(DiscordMessage{Embeds: []DiscordEmbed{embed}})
}

// sendPayload is an internal helper to send the marshalled JSON payload.
func (c *Client) sendPayload(payload DiscordMessage) error {
	if c.webhookURL == "" {
		return fmt.Errorf("discord webhook URL not configured")
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		c.logger.LogError("Discord sendPayload: Failed to marshal JSON: %v", err)
		return fmt.Errorf("failed to marshal discord message: %w", err)
	}

	req, err := http.NewRequest("POST", c.webhookURL, bytes.NewBuffer(payloadBytes))
	if err != nil {
		c.logger.LogError("Discord sendPayload: Failed to create HTTP request: %v", err)
		return fmt.Errorf("failed to create discord request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "BeekeeperBot/1.0")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.logger.LogError("Discord sendPayload: Failed to send HTTP request: %v", err)
		return fmt.Errorf("failed to send discord message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.logger.LogDebug("Discord sendPayload: Message sent successfully (Status: %s)", resp.Status)
		return nil
	}

	bodyBytes, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		c.logger.LogError("Discord sendPayload: Received non-OK status: %s. Failed to read body: %v", resp.Status, readErr)
		return fmt.Errorf("discord API error: %s, failed to read response body", resp.Status)
	}
	c.logger.LogError("Discord sendPayload: Received non-OK status: %s. Body: %s", resp.Status, string(bodyBytes))
	return fmt.Errorf("discord API error: %s, response: %s", resp.Status, string(bodyBytes))
}
