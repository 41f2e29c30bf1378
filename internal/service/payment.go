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

// PaymentService drives payment intents through retry after a failed
// capture.
type PaymentService struct {
	*Core
}

func NewPaymentService(c *Core) *PaymentService {
	return &PaymentService{Core: c}
}

// RegisterPayment persists a payment intent in CREATED.
func (s *PaymentService) RegisterPayment(ctx context.Context, orderID string, amount decimal.Decimal, currency, actorID string) (models.Entity, error) {
	e, err := s.repo.CreateEntity(ctx, models.Entity{
		ID:       uuid.New().String(),
		Kind:     models.EntityPayment,
		Status:   transition.Initial(models.EntityPayment),
		OrderID:  orderID,
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
		Reason:    "payment intent registered",
	})
	return e, nil
}

// RequestRetry moves a FAILED intent to RETRYING and submits the retry job.
func (s *PaymentService) RequestRetry(ctx context.Context, paymentID, actorID, reason string) (models.Entity, error) {
	e, err := s.transitionTo(ctx, paymentID, models.PaymentRetrying, models.ActionUpdate, actorID, reason)
	if err != nil {
		return models.Entity{}, err
	}
	_, _, err = s.submitJob(ctx, e.ID, &models.PaymentRetryPayload{
		PaymentID: e.ID,
		OrderID:   e.OrderID,
		Amount:    e.Amount,
		Currency:  e.Currency,
	}, 0, time.Time{}, actorID)
	if err != nil {
		return e, fmt.Errorf("submit payment retry job: %w", err)
	}
	return e, nil
}

// executeRetry is the RETRY_PAYMENT executor.
func (s *PaymentService) executeRetry(ctx context.Context, job models.Job) (json.RawMessage, error) {
	p, err := models.DecodePayload(job.Kind, job.Payload)
	if err != nil {
		return nil, err
	}
	payload := p.(*models.PaymentRetryPayload)

	e, err := s.repo.GetEntity(ctx, payload.PaymentID)
	if err != nil {
		return nil, err
	}
	if e.Status != models.PaymentRetrying {
		return nil, fmt.Errorf("payment %s is %s, expected %s", e.ID, e.Status, models.PaymentRetrying)
	}

	res, err := s.gw.RetryPayment(ctx, gateway.PaymentRequest{
		PaymentID: payload.PaymentID,
		OrderID:   payload.OrderID,
		Amount:    payload.Amount,
		Currency:  payload.Currency,
	})
	if err != nil {
		return nil, err
	}
	if err := s.repo.SetEntityGatewayRef(ctx, e.ID, res.Reference); err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

func (s *PaymentService) handleAuthorized(ctx context.Context, rec models.WebhookRecord) (string, error) {
	id, err := entityRef(rec, "payment_id")
	if err != nil {
		return "", err
	}
	return id, s.applyGatewayStatus(ctx, id, models.PaymentAuthorized, models.ActionUpdate, "gateway authorized payment")
}

func (s *PaymentService) handleCaptured(ctx context.Context, rec models.WebhookRecord) (string, error) {
	id, err := entityRef(rec, "payment_id")
	if err != nil {
		return "", err
	}
	return id, s.applyGatewayStatus(ctx, id, models.PaymentCaptured, models.ActionComplete, "gateway captured payment")
}

func (s *PaymentService) handleFailed(ctx context.Context, rec models.WebhookRecord) (string, error) {
	id, err := entityRef(rec, "payment_id")
	if err != nil {
		return "", err
	}
	return id, s.applyGatewayStatus(ctx, id, models.PaymentFailed, models.ActionFail, "gateway reported payment failure")
}
