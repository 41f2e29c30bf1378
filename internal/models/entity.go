package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Entity kinds driven through the status transition tables.
const (
	EntityRefund     = "refund"
	EntityPayment    = "payment_intent"
	EntitySettlement = "settlement"
	EntityJob        = "job"
)

// Refund statuses.
const (
	RefundPending    = "PENDING"
	RefundApproved   = "APPROVED"
	RefundProcessing = "PROCESSING"
	RefundCompleted  = "COMPLETED"
	RefundFailed     = "FAILED"
	RefundRejected   = "REJECTED"
	RefundCancelled  = "CANCELLED"
)

// Payment intent statuses.
const (
	PaymentCreated    = "CREATED"
	PaymentAuthorized = "AUTHORIZED"
	PaymentCaptured   = "CAPTURED"
	PaymentVoided     = "VOIDED"
	PaymentRetrying   = "RETRYING"
	PaymentFailed     = "FAILED"
	PaymentCancelled  = "CANCELLED"
)

// Settlement statuses.
const (
	SettlementScheduled      = "SCHEDULED"
	SettlementCalculating    = "CALCULATING"
	SettlementAwaitingPayout = "AWAITING_PAYOUT"
	SettlementPaid           = "PAID"
	SettlementFailed         = "FAILED"
	SettlementCancelled      = "CANCELLED"
)

// Entity is the slice of the domain model the engine drives: just enough to
// run the state machine and reconcile gateway events. The full order/refund
// domain lives elsewhere.
type Entity struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status"`
	OrderID    string          `json:"order_id,omitempty"`
	SellerID   string          `json:"seller_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	GatewayRef *string         `json:"gateway_ref,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}
