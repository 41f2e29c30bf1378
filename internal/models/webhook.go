package models

import (
	"encoding/json"
	"time"
)

// Webhook processing statuses.
const (
	WebhookReceived  = "RECEIVED"
	WebhookProcessed = "PROCESSED"
	WebhookFailed    = "FAILED"
	WebhookIgnored   = "IGNORED"
)

// WebhookRecord is an immutable record of one inbound gateway delivery.
// (provider, delivery id, event type) is unique; a second delivery with the
// same triple is recorded IGNORED and never reprocessed.
type WebhookRecord struct {
	ID          string          `json:"id"`
	DeliveryID  string          `json:"delivery_id"`
	EventType   string          `json:"event_type"`
	Provider    string          `json:"provider"`
	Payload     json.RawMessage `json:"payload"`
	Signature   string          `json:"signature"`
	Verified    bool            `json:"verified"`
	Status      string          `json:"status"`
	EntityID    *string         `json:"entity_id,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}
