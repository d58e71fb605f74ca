// Package delivery submits canonical order documents to the internal
// system of record.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"order-activity-relay/internal/config"
	"order-activity-relay/internal/faults"
	"order-activity-relay/internal/transform"
)

// Client posts canonical orders to the internal API with a bearer token.
type Client struct {
	url        string
	token      string
	httpClient *http.Client
}

func New(cfg config.Config) *Client {
	timeout := cfg.InternalTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:        cfg.InternalAPIURL,
		token:      cfg.InternalAPIToken,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Submit delivers one canonical order. Failures come back classified so the
// processing stage can decide between redelivery and dead-lettering.
func (c *Client) Submit(ctx context.Context, order transform.Canonical) error {
	body, err := json.Marshal(order)
	if err != nil {
		return faults.Permanent("submit order: marshal: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return faults.Permanent("submit order: build request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return faults.ClassifyNetErr("submit order", err)
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	return faults.ClassifyStatus("submit order", resp.StatusCode)
}
