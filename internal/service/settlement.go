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
	"marketplace-reconciler/internal/store"
	"marketplace-reconciler/internal/transition"
)

// SettlementService drives seller settlement batches: schedule, calculate,
// submit the payout, and reconcile the payout outcome.
type SettlementService struct {
	*Core
}

func NewSettlementService(c *Core) *SettlementService {
	return &SettlementService{Core: c}
}

// ScheduleSettlement persists a settlement in SCHEDULED and submits the
// batch job for the period end.
func (s *SettlementService) ScheduleSettlement(ctx context.Context, sellerIDs []string, amount decimal.Decimal, currency string, periodStart, periodEnd time.Time, actorID string) (models.Entity, error) {
	if len(sellerIDs) == 0 {
		return models.Entity{}, fmt.Errorf("seller_ids must not be empty")
	}
	e, err := s.repo.CreateEntity(ctx, models.Entity{
		ID:       uuid.New().String(),
		Kind:     models.EntitySettlement,
		Status:   transition.Initial(models.EntitySettlement),
		SellerID: sellerIDs[0],
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
		Reason:    "settlement scheduled",
		Metadata:  map[string]any{"sellers": len(sellerIDs), "period_end": periodEnd.Format(time.RFC3339)},
	})

	_, _, err = s.submitJob(ctx, e.ID, &models.SettlementBatchPayload{
		SettlementID: e.ID,
		SellerIDs:    sellerIDs,
		PeriodStart:  periodStart.Format(time.RFC3339),
		PeriodEnd:    periodEnd.Format(time.RFC3339),
	}, 0, periodEnd, actorID)
	if err != nil {
		return e, fmt.Errorf("submit settlement job: %w", err)
	}
	return e, nil
}

// executeBatch is the SETTLEMENT_BATCH executor: move to CALCULATING,
// submit the payout, then record AWAITING_PAYOUT and the gateway reference
// in one transaction.
func (s *SettlementService) executeBatch(ctx context.Context, job models.Job) (json.RawMessage, error) {
	p, err := models.DecodePayload(job.Kind, job.Payload)
	if err != nil {
		return nil, err
	}
	payload := p.(*models.SettlementBatchPayload)

	e, err := s.repo.GetEntity(ctx, payload.SettlementID)
	if err != nil {
		return nil, err
	}
	if e.Status == models.SettlementScheduled {
		e, err = s.transitionTo(ctx, e.ID, models.SettlementCalculating, models.ActionProcess, models.SystemActor, "settlement batch started")
		if err != nil {
			return nil, err
		}
	}

	res, err := s.gw.SubmitPayout(ctx, gateway.PayoutRequest{
		SettlementID: payload.SettlementID,
		SellerIDs:    payload.SellerIDs,
		PeriodStart:  payload.PeriodStart,
		PeriodEnd:    payload.PeriodEnd,
	})
	if err != nil {
		return nil, err
	}

	after := e
	after.Status = models.SettlementAwaitingPayout
	err = s.locker.WithLock(ctx, e.ID, func(ctx context.Context) error {
		return s.repo.WithEntityTx(ctx, func(w store.EntityWriter) error {
			if err := w.UpdateEntityStatus(ctx, e.ID, models.SettlementCalculating, models.SettlementAwaitingPayout); err != nil {
				return err
			}
			if err := w.SetEntityGatewayRef(ctx, e.ID, res.Reference); err != nil {
				return err
			}
			return w.AppendAudit(ctx, s.ledger.Build(audit.Action{
				SubjectID: e.ID,
				Action:    models.ActionUpdate,
				ActorID:   models.SystemActor,
				Before:    e,
				After:     after,
				Reason:    "payout submitted to gateway",
				Metadata:  map[string]any{"gateway_ref": res.Reference},
			}))
		})
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

func (s *SettlementService) handleCompleted(ctx context.Context, rec models.WebhookRecord) (string, error) {
	id, err := entityRef(rec, "settlement_id")
	if err != nil {
		return "", err
	}
	return id, s.applyGatewayStatus(ctx, id, models.SettlementPaid, models.ActionComplete, "gateway completed payout")
}

func (s *SettlementService) handleFailed(ctx context.Context, rec models.WebhookRecord) (string, error) {
	id, err := entityRef(rec, "settlement_id")
	if err != nil {
		return "", err
	}
	return id, s.applyGatewayStatus(ctx, id, models.SettlementFailed, models.ActionFail, "gateway reported payout failure")
}
