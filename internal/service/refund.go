package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketplace-reconciler/internal/audit"
	"marketplace-reconciler/internal/gateway"
	"marketplace-reconciler/internal/models"
	"marketplace-reconciler/internal/transition"
)

// RefundService drives refund entities: create, approve/reject, process
// through the gateway, and reconcile the gateway's verdict.
type RefundService struct {
	*Core
}

func NewRefundService(c *Core) *RefundService {
	return &RefundService{Core: c}
}

// CreateRefund persists a refund request in PENDING.
func (s *RefundService) CreateRefund(ctx context.Context, orderID, sellerID string, amount decimal.Decimal, currency, actorID string) (models.Entity, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return models.Entity{}, fmt.Errorf("refund amount must be positive")
	}
	e, err := s.repo.CreateEntity(ctx, models.Entity{
		ID:       uuid.New().String(),
		Kind:     models.EntityRefund,
		Status:   transition.Initial(models.EntityRefund),
		OrderID:  orderID,
		SellerID: sellerID,
		Amount:   amount,
		Currency: currency,
	})
	if err != nil {
		return models.Entity{}, err
	}
	s.ledger.LogAction(ctx, audit.Action{
		SubjectID: e.ID,
		Action:    models.ActionCreate,
		ActorID:   actorID,
		After:     e,
		Reason:    "refund requested",
	})
	return e, nil
}

// Approve moves a refund to APPROVED and submits the processing job.
func (s *RefundService) Approve(ctx context.Context, refundID, actorID, reason string) (models.Entity, error) {
	e, err := s.transitionTo(ctx, refundID, models.RefundApproved, models.ActionApprove, actorID, reason)
	if err != nil {
		return models.Entity{}, err
	}
	gatewayRef := ""
	if e.GatewayRef != nil {
		gatewayRef = *e.GatewayRef
	}
	_, duplicate, err := s.submitJob(ctx, e.ID, &models.RefundPayload{
		RefundID:   e.ID,
		OrderID:    e.OrderID,
		Amount:     e.Amount,
		Currency:   e.Currency,
		GatewayRef: gatewayRef,
	}, 0, time.Time{}, actorID)
	if err != nil {
		return e, fmt.Errorf("submit refund job: %w", err)
	}
	if duplicate {
		s.log.WithField("refund_id", e.ID).Info("refund job already submitted")
	}
	return e, nil
}

// Reject closes a refund without processing it.
func (s *RefundService) Reject(ctx context.Context, refundID, actorID, reason string) (models.Entity, error) {
	e, err := s.transitionTo(ctx, refundID, models.RefundRejected, models.ActionReject, actorID, reason)
	if err != nil {
		return models.Entity{}, err
	}
	s.notifier.Notify(ctx, e.ID, models.ActionReject, map[string]any{"reason": reason})
	return e, nil
}

// Cancel withdraws a refund before processing starts.
func (s *RefundService) Cancel(ctx context.Context, refundID, actorID, reason string) (models.Entity, error) {
	e, err := s.transitionTo(ctx, refundID, models.RefundCancelled, models.ActionCancel, actorID, reason)
	if err != nil {
		return models.Entity{}, err
	}
	s.notifier.Notify(ctx, e.ID, models.ActionCancel, map[string]any{"reason": reason})
	return e, nil
}

// executeRefund is the PROCESS_REFUND executor: move the refund to
// PROCESSING and hand it to the gateway. The terminal outcome arrives later
// by webhook. The gateway call happens outside the entity lock.
func (s *RefundService) executeRefund(ctx context.Context, job models.Job) (json.RawMessage, error) {
	p, err := models.DecodePayload(job.Kind, job.Payload)
	if err != nil {
		return nil, err
	}
	payload := p.(*models.RefundPayload)

	e, err := s.repo.GetEntity(ctx, payload.RefundID)
	if err != nil {
		return nil, err
	}
	// A retried job may find the refund already PROCESSING.
	if e.Status != models.RefundProcessing {
		if _, err := s.transitionTo(ctx, e.ID, models.RefundProcessing, models.ActionProcess, models.SystemActor, "refund dispatched to gateway"); err != nil {
			return nil, err
		}
	}

	res, err := s.gw.ProcessRefund(ctx, gateway.RefundRequest{
		RefundID:   payload.RefundID,
		OrderID:    payload.OrderID,
		Amount:     payload.Amount,
		Currency:   payload.Currency,
		GatewayRef: payload.GatewayRef,
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.SetEntityGatewayRef(ctx, e.ID, res.Reference); err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

// handleProcessed applies the gateway's "refund.processed" verdict.
func (s *RefundService) handleProcessed(ctx context.Context, rec models.WebhookRecord) (string, error) {
	id, err := entityRef(rec, "refund_id")
	if err != nil {
		return "", err
	}
	return id, s.applyGatewayStatus(ctx, id, models.RefundCompleted, models.ActionComplete, "gateway reported refund processed")
}

// handleFailed applies the gateway's "refund.failed" verdict.
func (s *RefundService) handleFailed(ctx context.Context, rec models.WebhookRecord) (string, error) {
	id, err := entityRef(rec, "refund_id")
	if err != nil {
		return "", err
	}
	return id, s.applyGatewayStatus(ctx, id, models.RefundFailed, models.ActionFail, "gateway reported refund failure")
}
