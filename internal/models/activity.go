package models

import (
	"fmt"
	"time"
)

// ActivityType is the closed set of marketplace activity notifications.
type ActivityType string

const (
	ActivityOrderRequest           ActivityType = "order_request"
	ActivityOrderCancelled         ActivityType = "order_cancelled"
	ActivityOrderCompleted         ActivityType = "order_completed"
	ActivityOrderRevisionRequested ActivityType = "order_revision_requested"
	ActivityMessage                ActivityType = "message"
	ActivityDocuments              ActivityType = "documents"
)

// ParseActivityType validates a wire-format type literal.
func ParseActivityType(s string) (ActivityType, error) {
	switch t := ActivityType(s); t {
	case ActivityOrderRequest, ActivityOrderCancelled, ActivityOrderCompleted,
		ActivityOrderRevisionRequested, ActivityMessage, ActivityDocuments:
		return t, nil
	default:
		return "", fmt.Errorf("unknown activity type %q", s)
	}
}

// ActivityNotification is one inbound webhook call, recorded verbatim.
// Notifications are append-only: written once at ingestion, never mutated.
type ActivityNotification struct {
	OrderID      string       `json:"order_id"`
	ActivityType ActivityType `json:"activity_type"`
	Description  string       `json:"description"`
	MessageID    string       `json:"message_id,omitempty"`
	ReceivedAtMs int64        `json:"received_at_ms"`
}

// Attachment is a file reference carried on a message.
type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
	Tag  string `json:"tag,omitempty"`
}

// MessageDetail is the full content of a message activity, fetched from the
// upstream API by the download stage.
type MessageDetail struct {
	OrderID     string       `json:"order_id"`
	MessageID   string       `json:"message_id"`
	FromName    string       `json:"from_name"`
	Text        string       `json:"text"`
	CreatedAt   time.Time    `json:"created_at"`
	Read        bool         `json:"read"`
	Attachments []Attachment `json:"attachments,omitempty"`
	FetchedAtMs int64        `json:"fetched_at_ms"`
}
