// Package gateway defines the payment-gateway adapter contract the engine
// consumes. Gateway-specific request/response shapes stay behind this
// boundary.
package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/shopspring/decimal"
)

// RefundRequest asks the gateway to move money back to the buyer.
type RefundRequest struct {
	RefundID   string          `json:"refund_id"`
	OrderID    string          `json:"order_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	GatewayRef string          `json:"gateway_ref,omitempty"`
}

// PaymentRequest asks the gateway to re-attempt a capture.
type PaymentRequest struct {
	PaymentID string          `json:"payment_id"`
	OrderID   string          `json:"order_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

// PayoutRequest asks the gateway to pay out a settlement batch.
type PayoutRequest struct {
	SettlementID string   `json:"settlement_id"`
	SellerIDs    []string `json:"seller_ids"`
	PeriodStart  string   `json:"period_start"`
	PeriodEnd    string   `json:"period_end"`
}

// Result is the gateway-side acknowledgement of an accepted operation. The
// definitive outcome arrives later by webhook.
type Result struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// Adapter is the contract every gateway integration satisfies.
type Adapter interface {
	ProcessRefund(ctx context.Context, req RefundRequest) (Result, error)
	RetryPayment(ctx context.Context, req PaymentRequest) (Result, error)
	SubmitPayout(ctx context.Context, req PayoutRequest) (Result, error)
	SyncStatus(ctx context.Context, provider, reference string) (string, error)
	VerifyWebhookSignature(payload []byte, signature, secret string) bool
}

// Sign computes the hex HMAC-SHA256 of a payload under a provider secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares an inbound signature against the expected HMAC
// in constant time.
func VerifySignature(payload []byte, signature, secret string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected := Sign(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
