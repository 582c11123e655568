// Package bridge correlates cross-chain bridge orders with credit
// consumptions and tracks their settlement on the destination chain
// through a bounded polling loop.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Status is the settlement state reported by the external status endpoint.
type Status string

const (
	StatusSuccess        Status = "success"
	StatusNeedsGas       Status = "needs_gas"
	StatusOngoing        Status = "ongoing"
	StatusPartialSuccess Status = "partial_success"
	StatusNotFound       Status = "not_found"
	StatusRefund         Status = "refund"
)

// Terminal reports whether the status ends the polling lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusPartialSuccess, StatusRefund, StatusNeedsGas:
		return true
	}
	return false
}

// StatusResult is one answer from the external status endpoint. Both
// fields may be empty when the endpoint has no information yet.
type StatusResult struct {
	DestinationTx string
	Status        Status
}

// Resolved reports whether the result carries enough information to stop
// polling: a known destination transaction or a terminal status.
func (r StatusResult) Resolved() bool {
	return r.DestinationTx != "" || r.Status.Terminal()
}

// StatusClient queries an external cross-chain status endpoint by source
// transaction hash.
type StatusClient interface {
	QueryStatus(ctx context.Context, sourceTxHash string) (StatusResult, error)
}

// StatusConfig holds the status endpoint connection settings.
type StatusConfig struct {
	BaseURL      string        `yaml:"base_url"`
	IntegratorID string        `yaml:"integrator_id"`
	FromChain    uint64        `yaml:"from_chain"`
	ToChain      uint64        `yaml:"to_chain"`
	Timeout      time.Duration `yaml:"timeout"`
}

// DefaultStatusConfig returns the hosted router API defaults for the
// Polygon -> Ethereum route.
func DefaultStatusConfig() StatusConfig {
	return StatusConfig{
		BaseURL:   "https://v2.api.squidrouter.com",
		FromChain: 137,
		ToChain:   1,
		Timeout:   10 * time.Second,
	}
}

// HTTPStatusClient implements StatusClient against the router's
// /v2/status endpoint.
type HTTPStatusClient struct {
	cfg    StatusConfig
	client *http.Client
}

// NewHTTPStatusClient creates a status client with cfg defaults filled in.
func NewHTTPStatusClient(cfg StatusConfig) *HTTPStatusClient {
	defaults := DefaultStatusConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaults.BaseURL
	}
	if cfg.FromChain == 0 {
		cfg.FromChain = defaults.FromChain
	}
	if cfg.ToChain == 0 {
		cfg.ToChain = defaults.ToChain
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaults.Timeout
	}
	return &HTTPStatusClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type statusResponse struct {
	SquidTransactionStatus string `json:"squidTransactionStatus"`
	ToChain                struct {
		TransactionID string `json:"transactionId"`
	} `json:"toChain"`
}

// QueryStatus implements StatusClient. Any transport failure or non-2xx
// response is an error; the caller treats it as "no new information".
func (c *HTTPStatusClient) QueryStatus(ctx context.Context, sourceTxHash string) (StatusResult, error) {
	params := url.Values{}
	params.Set("transactionId", sourceTxHash)
	params.Set("fromChainId", strconv.FormatUint(c.cfg.FromChain, 10))
	params.Set("toChainId", strconv.FormatUint(c.cfg.ToChain, 10))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.cfg.BaseURL+"/v2/status?"+params.Encode(), nil)
	if err != nil {
		return StatusResult{}, fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if c.cfg.IntegratorID != "" {
		req.Header.Set("x-integrator-id", c.cfg.IntegratorID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return StatusResult{}, fmt.Errorf("status query %s: %w", sourceTxHash, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return StatusResult{}, fmt.Errorf("status query %s: unexpected status %d", sourceTxHash, resp.StatusCode)
	}

	var body statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return StatusResult{}, fmt.Errorf("status query %s: decode: %w", sourceTxHash, err)
	}

	return StatusResult{
		DestinationTx: body.ToChain.TransactionID,
		Status:        Status(body.SquidTransactionStatus),
	}, nil
}
