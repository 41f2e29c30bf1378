package transition

import (
	"errors"
	"testing"

	"marketplace-reconciler/internal/models"
)

func TestRefundTransitions(t *testing.T) {
	cases := []struct {
		from, to string
		ok       bool
	}{
		{models.RefundPending, models.RefundApproved, true},
		{models.RefundPending, models.RefundRejected, true},
		{models.RefundPending, models.RefundCancelled, true},
		{models.RefundApproved, models.RefundProcessing, true},
		{models.RefundProcessing, models.RefundCompleted, true},
		{models.RefundProcessing, models.RefundFailed, true},
		{models.RefundFailed, models.RefundProcessing, true},
		{models.RefundPending, models.RefundCompleted, false},
		{models.RefundCompleted, models.RefundPending, false},
		{models.RefundRejected, models.RefundApproved, false},
	}
	for _, c := range cases {
		if got := CanTransition(models.EntityRefund, c.from, c.to); got != c.ok {
			t.Fatalf("refund %s->%s: got %v want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestPaymentIntentTransitions(t *testing.T) {
	if !CanTransition(models.EntityPayment, models.PaymentFailed, models.PaymentRetrying) {
		t.Fatalf("FAILED payment must allow a retry request")
	}
	if !CanTransition(models.EntityPayment, models.PaymentRetrying, models.PaymentAuthorized) {
		t.Fatalf("retrying payment must allow authorization")
	}
	if CanTransition(models.EntityPayment, models.PaymentCaptured, models.PaymentVoided) {
		t.Fatalf("captured is terminal")
	}
}

func TestSettlementTransitions(t *testing.T) {
	if !CanTransition(models.EntitySettlement, models.SettlementFailed, models.SettlementCalculating) {
		t.Fatalf("failed settlement must allow recalculation")
	}
	if CanTransition(models.EntitySettlement, models.SettlementPaid, models.SettlementCalculating) {
		t.Fatalf("paid is terminal")
	}
}

func TestValidateWrapsSentinel(t *testing.T) {
	err := Validate(models.EntityRefund, models.RefundCompleted, models.RefundPending)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := Validate(models.EntityRefund, models.RefundPending, models.RefundApproved); err != nil {
		t.Fatalf("legal transition rejected: %v", err)
	}
}

func TestValidateUnknownKind(t *testing.T) {
	if err := Validate("order", "A", "B"); err == nil {
		t.Fatalf("unknown kind must be rejected")
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []struct{ kind, status string }{
		{models.EntityRefund, models.RefundCompleted},
		{models.EntityRefund, models.RefundRejected},
		{models.EntityRefund, models.RefundCancelled},
		{models.EntityPayment, models.PaymentCaptured},
		{models.EntitySettlement, models.SettlementPaid},
	}
	for _, c := range terminal {
		if !IsTerminal(c.kind, c.status) {
			t.Fatalf("%s %s should be terminal", c.kind, c.status)
		}
	}
	if IsTerminal(models.EntityRefund, models.RefundFailed) {
		t.Fatalf("refund FAILED is recoverable, not terminal")
	}
}

func TestInitial(t *testing.T) {
	if got := Initial(models.EntityRefund); got != models.RefundPending {
		t.Fatalf("refund initial = %s", got)
	}
	if got := Initial(models.EntitySettlement); got != models.SettlementScheduled {
		t.Fatalf("settlement initial = %s", got)
	}
}
