package models

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Payload is the typed body of a job, keyed by job kind. Each kind has its
// own shape; raw payloads are decoded and validated before a job is created.
type Payload interface {
	Kind() string
	Validate() error
}

// RefundPayload drives PROCESS_REFUND jobs.
type RefundPayload struct {
	RefundID   string          `json:"refund_id"`
	OrderID    string          `json:"order_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	GatewayRef string          `json:"gateway_ref,omitempty"`
}

func (RefundPayload) Kind() string { return KindProcessRefund }

func (p RefundPayload) Validate() error {
	if p.RefundID == "" {
		return errors.New("refund_id is required")
	}
	if p.Amount.LessThanOrEqual(decimal.Zero) {
		return errors.New("amount must be positive")
	}
	if p.Currency == "" {
		return errors.New("currency is required")
	}
	return nil
}

// PaymentRetryPayload drives RETRY_PAYMENT jobs.
type PaymentRetryPayload struct {
	PaymentID string          `json:"payment_id"`
	OrderID   string          `json:"order_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Attempt   int             `json:"attempt"`
}

func (PaymentRetryPayload) Kind() string { return KindRetryPayment }

func (p PaymentRetryPayload) Validate() error {
	if p.PaymentID == "" {
		return errors.New("payment_id is required")
	}
	if p.Amount.LessThanOrEqual(decimal.Zero) {
		return errors.New("amount must be positive")
	}
	return nil
}

// GatewaySyncPayload drives SYNC_GATEWAY jobs.
type GatewaySyncPayload struct {
	EntityID   string `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
	Provider   string `json:"provider"`
}

func (GatewaySyncPayload) Kind() string { return KindSyncGateway }

func (p GatewaySyncPayload) Validate() error {
	if p.EntityID == "" {
		return errors.New("entity_id is required")
	}
	if p.Provider == "" {
		return errors.New("provider is required")
	}
	return nil
}

// SettlementBatchPayload drives SETTLEMENT_BATCH jobs.
type SettlementBatchPayload struct {
	SettlementID string   `json:"settlement_id"`
	SellerIDs    []string `json:"seller_ids"`
	PeriodStart  string   `json:"period_start"`
	PeriodEnd    string   `json:"period_end"`
}

func (SettlementBatchPayload) Kind() string { return KindSettlementBatch }

func (p SettlementBatchPayload) Validate() error {
	if p.SettlementID == "" {
		return errors.New("settlement_id is required")
	}
	if len(p.SellerIDs) == 0 {
		return errors.New("seller_ids must not be empty")
	}
	return nil
}

// NotificationPayload drives SEND_NOTIFICATION jobs.
type NotificationPayload struct {
	SubjectID string         `json:"subject_id"`
	EventKind string         `json:"event_kind"`
	Data      map[string]any `json:"data,omitempty"`
}

func (NotificationPayload) Kind() string { return KindSendNotification }

func (p NotificationPayload) Validate() error {
	if p.SubjectID == "" {
		return errors.New("subject_id is required")
	}
	if p.EventKind == "" {
		return errors.New("event_kind is required")
	}
	return nil
}

// DecodePayload unmarshals raw job payload bytes into the typed shape for
// the given kind and validates it.
func DecodePayload(kind string, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch kind {
	case KindProcessRefund:
		p = &RefundPayload{}
	case KindRetryPayment:
		p = &PaymentRetryPayload{}
	case KindSyncGateway:
		p = &GatewaySyncPayload{}
	case KindSettlementBatch:
		p = &SettlementBatchPayload{}
	case KindSendNotification:
		p = &NotificationPayload{}
	default:
		return nil, fmt.Errorf("unknown job kind %q", kind)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", kind, err)
	}
	return p, nil
}

// EncodePayload validates a typed payload and marshals it for storage.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", p.Kind(), err)
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", p.Kind(), err)
	}
	return raw, nil
}
