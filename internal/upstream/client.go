// Package upstream talks to the marketplace vendor API that full order and
// message detail is fetched from. The pipeline treats it as a fallible
// black box: every call is timeout-bounded and failures come back
// classified as transient or permanent faults.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"order-activity-relay/internal/config"
	"order-activity-relay/internal/faults"
)

const maxPayloadBytes = 25 * 1024 * 1024

// Client fetches order and message detail from the upstream API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New builds a client with a bounded per-request timeout.
func New(cfg config.Config) *Client {
	timeout := cfg.UpstreamTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    cfg.UpstreamBaseURL,
		token:      cfg.UpstreamToken,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// MessageAttachment is a file reference on an upstream message.
type MessageAttachment struct {
	ID   string `json:"_id"`
	Name string `json:"name"`
	URL  string `json:"url"`
	Tag  string `json:"tag"`
}

// Message is the upstream wire shape of a single order message.
type Message struct {
	MessageID   string              `json:"message_id"`
	FromName    string              `json:"from_name"`
	Text        string              `json:"text"`
	CreatedDate time.Time           `json:"created_date"`
	Read        bool                `json:"read"`
	Attachments []MessageAttachment `json:"attachments"`
}

// FetchOrder downloads the full order document.
func (c *Client) FetchOrder(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.get(ctx, fmt.Sprintf("%s/orders/%s", c.baseURL, orderID), "fetch order")
}

// FetchMessage downloads one message of an order. The raw body is returned
// alongside the parsed message so the caller can archive it verbatim.
func (c *Client) FetchMessage(ctx context.Context, orderID, messageID string) (*Message, json.RawMessage, error) {
	raw, err := c.get(ctx, fmt.Sprintf("%s/orders/%s/messages/%s", c.baseURL, orderID, messageID), "fetch message")
	if err != nil {
		return nil, nil, err
	}
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, nil, faults.Permanent("fetch message: malformed body: %v", err)
	}
	if msg.MessageID == "" {
		msg.MessageID = messageID
	}
	return &msg, raw, nil
}

func (c *Client) get(ctx context.Context, url, op string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, faults.Permanent("%s: build request: %v", op, err)
	}
	req.Header.Set("Authorization", "Basic "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, faults.ClassifyNetErr(op, err)
	}
	defer resp.Body.Close()

	if err := faults.ClassifyStatus(op, resp.StatusCode); err != nil {
		return nil, err
	}

	limited := io.LimitReader(resp.Body, maxPayloadBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, faults.ClassifyNetErr(op, err)
	}
	if len(body) > maxPayloadBytes {
		return nil, faults.Permanent("%s: payload too large (>%d bytes)", op, maxPayloadBytes)
	}
	if !json.Valid(body) {
		return nil, faults.Permanent("%s: response is not valid JSON", op)
	}
	return body, nil
}
