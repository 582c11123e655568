// Package notify delivers human-readable event notifications to chat
// channels. Delivery is best-effort: failures are reported to the caller
// but never block batch processing.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDisabled is returned by the no-op notifier so callers can tell a
	// skipped send from a failed one.
	ErrDisabled = errors.New("notifications disabled")
)

// MessageRef identifies a delivered message so it can be updated later.
type MessageRef struct {
	Channel string `json:"channel"`
	ID      string `json:"id"`
}

// Notifier is the outbound notification transport contract.
type Notifier interface {
	// Send posts text to a named channel and returns a handle for updates.
	Send(ctx context.Context, channel, text string) (MessageRef, error)

	// Update rewrites a previously sent message in place.
	Update(ctx context.Context, ref MessageRef, text string) error
}

// Config holds chat API connection settings.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns defaults for the hosted chat API.
func DefaultConfig() Config {
	return Config{
		BaseURL: "https://slack.com/api",
		Timeout: 10 * time.Second,
	}
}

// ChatClient is a Slack-compatible chat transport using the
// chat.postMessage / chat.update endpoints.
type ChatClient struct {
	cfg    Config
	client *http.Client
}

// NewChatClient creates a chat transport. The token must be set.
func NewChatClient(cfg Config) (*ChatClient, error) {
	if cfg.Token == "" {
		return nil, errors.New("chat token required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultConfig().BaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	return &ChatClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type chatRequest struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
	TS      string `json:"ts,omitempty"`
}

type chatResponse struct {
	OK      bool   `json:"ok"`
	Error   string `json:"error"`
	Channel string `json:"channel"`
	TS      string `json:"ts"`
}

func (c *ChatClient) post(ctx context.Context, endpoint string, req chatRequest) (chatResponse, error) {
	var resp chatResponse

	body, err := json.Marshal(req)
	if err != nil {
		return resp, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/"+endpoint, bytes.NewReader(body))
	if err != nil {
		return resp, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	httpReq.Header.Set("X-Request-Id", uuid.NewString())

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return resp, fmt.Errorf("%s: %w", endpoint, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return resp, fmt.Errorf("%s: unexpected status %d", endpoint, httpResp.StatusCode)
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return resp, fmt.Errorf("%s: decode response: %w", endpoint, err)
	}
	if !resp.OK {
		return resp, fmt.Errorf("%s: api error: %s", endpoint, resp.Error)
	}
	return resp, nil
}

// Send implements Notifier.
func (c *ChatClient) Send(ctx context.Context, channel, text string) (MessageRef, error) {
	resp, err := c.post(ctx, "chat.postMessage", chatRequest{Channel: channel, Text: text})
	if err != nil {
		return MessageRef{}, err
	}
	return MessageRef{Channel: resp.Channel, ID: resp.TS}, nil
}

// Update implements Notifier.
func (c *ChatClient) Update(ctx context.Context, ref MessageRef, text string) error {
	_, err := c.post(ctx, "chat.update", chatRequest{Channel: ref.Channel, Text: text, TS: ref.ID})
	return err
}

// Disabled is a Notifier that refuses every call with ErrDisabled. Used
// when no chat credentials are configured.
type Disabled struct{}

func (Disabled) Send(context.Context, string, string) (MessageRef, error) {
	return MessageRef{}, ErrDisabled
}

func (Disabled) Update(context.Context, MessageRef, string) error {
	return ErrDisabled
}
