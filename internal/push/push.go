// Package push delivers mobile push notifications through the Expo
// push service. Delivery is best-effort; failures are logged and
// counted, never surfaced to callers' request flows.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/avolkov/chatrelay/internal/config"
	"github.com/avolkov/chatrelay/internal/metrics"
)

const tokenPrefix = "ExponentPushToken"

// Client talks to the Expo push endpoint.
type Client struct {
	endpoint string
	enabled  bool
	http     *http.Client
	metrics  *metrics.Metrics // optional
}

// New creates a push client from config.
func New(cfg config.PushConfig, m *metrics.Metrics) *Client {
	return &Client{
		endpoint: cfg.Endpoint,
		enabled:  cfg.Enabled,
		http:     &http.Client{Timeout: cfg.Timeout},
		metrics:  m,
	}
}

type expoMessage struct {
	To      string         `json:"to"`
	Sound   string         `json:"sound"`
	Title   string         `json:"title"`
	Body    string         `json:"body"`
	Data    map[string]any `json:"data,omitempty"`
	Android expoAndroid    `json:"android"`
}

type expoAndroid struct {
	ChannelID string `json:"channelId"`
}

// Send posts one notification. Tokens that are not Expo push tokens
// are skipped silently: users who never registered a device keep an
// empty token.
func (c *Client) Send(ctx context.Context, token, title, body string, data map[string]any) error {
	if !c.enabled || !strings.HasPrefix(token, tokenPrefix) {
		c.count("skipped")
		return nil
	}

	payload, err := json.Marshal(expoMessage{
		To:      token,
		Sound:   "default",
		Title:   title,
		Body:    body,
		Data:    data,
		Android: expoAndroid{ChannelID: "default"},
	})
	if err != nil {
		c.count("error")
		return fmt.Errorf("marshal push: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		c.count("error")
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.count("error")
		return fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.count("error")
		return fmt.Errorf("push endpoint returned %s", resp.Status)
	}
	c.count("ok")
	slog.Debug("push sent", "title", title)
	return nil
}

func (c *Client) count(result string) {
	if c.metrics != nil {
		c.metrics.PushTotal.WithLabelValues(result).Inc()
	}
}
