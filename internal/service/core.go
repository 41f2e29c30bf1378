// Package service composes the engine per domain: refund, payment retry,
// and settlement facades sit between the HTTP layer, the lifecycle manager,
// and the webhook reconciler.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"marketplace-reconciler/internal/audit"
	"marketplace-reconciler/internal/entitylock"
	"marketplace-reconciler/internal/gateway"
	"marketplace-reconciler/internal/lifecycle"
	"marketplace-reconciler/internal/models"
	"marketplace-reconciler/internal/notifier"
	"marketplace-reconciler/internal/reconciler"
	"marketplace-reconciler/internal/store"
	"marketplace-reconciler/internal/transition"
)

// Repository is the entity slice of the store the facades need.
type Repository interface {
	CreateEntity(ctx context.Context, e models.Entity) (models.Entity, error)
	GetEntity(ctx context.Context, id string) (models.Entity, error)
	UpdateEntityStatus(ctx context.Context, id, from, to string) error
	SetEntityGatewayRef(ctx context.Context, id, ref string) error
	WithEntityTx(ctx context.Context, fn func(store.EntityWriter) error) error
}

// Core carries the collaborators shared by the domain facades.
type Core struct {
	repo     Repository
	locker   *entitylock.Locker
	ledger   *audit.Ledger
	manager  *lifecycle.Manager
	notifier notifier.Notifier
	gw       gateway.Adapter
	log      *logrus.Logger
}

func NewCore(repo Repository, locker *entitylock.Locker, ledger *audit.Ledger, manager *lifecycle.Manager, n notifier.Notifier, gw gateway.Adapter, log *logrus.Logger) *Core {
	return &Core{
		repo:     repo,
		locker:   locker,
		ledger:   ledger,
		manager:  manager,
		notifier: n,
		gw:       gw,
		log:      log,
	}
}

// transitionTo moves an entity to the target status under its advisory lock:
// read, validate against the transition table, then commit the guarded write
// and the audit row together. The lock never spans an external call.
func (c *Core) transitionTo(ctx context.Context, entityID, target, action, actorID, reason string) (models.Entity, error) {
	var out models.Entity
	err := c.locker.WithLock(ctx, entityID, func(ctx context.Context) error {
		e, err := c.repo.GetEntity(ctx, entityID)
		if err != nil {
			return err
		}
		if err := transition.Validate(e.Kind, e.Status, target); err != nil {
			return err
		}

		after := e
		after.Status = target
		err = c.repo.WithEntityTx(ctx, func(w store.EntityWriter) error {
			if err := w.UpdateEntityStatus(ctx, e.ID, e.Status, target); err != nil {
				return err
			}
			return w.AppendAudit(ctx, c.ledger.Build(audit.Action{
				SubjectID: e.ID,
				Action:    action,
				ActorID:   actorID,
				Before:    e,
				After:     after,
				Reason:    reason,
			}))
		})
		if err != nil {
			return err
		}
		out = after
		return nil
	})
	return out, err
}

// applyGatewayStatus is the webhook path: apply the target status at most
// once. An entity already at the target reports success without a mutation,
// so re-deliveries of an already-terminal state are harmless.
func (c *Core) applyGatewayStatus(ctx context.Context, entityID, target, action, reason string) error {
	var applied bool
	err := c.locker.WithLock(ctx, entityID, func(ctx context.Context) error {
		e, err := c.repo.GetEntity(ctx, entityID)
		if err != nil {
			return err
		}
		if e.Status == target {
			return nil
		}
		if err := transition.Validate(e.Kind, e.Status, target); err != nil {
			return err
		}

		after := e
		after.Status = target
		err = c.repo.WithEntityTx(ctx, func(w store.EntityWriter) error {
			if err := w.UpdateEntityStatus(ctx, e.ID, e.Status, target); err != nil {
				return err
			}
			return w.AppendAudit(ctx, c.ledger.Build(audit.Action{
				SubjectID: e.ID,
				Action:    action,
				ActorID:   models.SystemActor,
				Before:    e,
				After:     after,
				Reason:    reason,
			}))
		})
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return err
	}
	if applied {
		c.notifier.Notify(ctx, entityID, action, map[string]any{"status": target})
	}
	return nil
}

// entityRef extracts the domain entity id from a webhook payload.
func entityRef(rec models.WebhookRecord, field string) (string, error) {
	var body map[string]any
	if err := json.Unmarshal(rec.Payload, &body); err != nil {
		return "", fmt.Errorf("decode webhook payload: %w", err)
	}
	id, ok := body[field].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("webhook payload missing %s", field)
	}
	return id, nil
}

// submitJob hands work to the lifecycle manager with the standard retry
// budget unless the caller overrides it.
func (c *Core) submitJob(ctx context.Context, ownerID string, payload models.Payload, maxRetries int, scheduledAt time.Time, actorID string) (models.Job, bool, error) {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return c.manager.CreateJob(ctx, lifecycle.CreateParams{
		OwnerID:     ownerID,
		Payload:     payload,
		MaxRetries:  maxRetries,
		ScheduledAt: scheduledAt,
		CreatedBy:   actorID,
	})
}

// Services bundles the domain facades for callers that need them after
// registration.
type Services struct {
	Refunds     *RefundService
	Payments    *PaymentService
	Settlements *SettlementService
}

// RegisterAll wires every domain executor and webhook handler. Called once
// at startup by both binaries (the API needs handler registration for
// ingest, the worker needs executors).
func RegisterAll(c *Core, m *lifecycle.Manager, r *reconciler.Reconciler) *Services {
	refunds := NewRefundService(c)
	payments := NewPaymentService(c)
	settlements := NewSettlementService(c)

	m.Register(models.KindProcessRefund, refunds.executeRefund)
	m.Register(models.KindRetryPayment, payments.executeRetry)
	m.Register(models.KindSettlementBatch, settlements.executeBatch)
	m.Register(models.KindSyncGateway, c.executeSync)
	m.Register(models.KindSendNotification, c.executeNotification)

	r.RegisterHandler("refund.processed", refunds.handleProcessed)
	r.RegisterHandler("refund.failed", refunds.handleFailed)
	r.RegisterHandler("payment.authorized", payments.handleAuthorized)
	r.RegisterHandler("payment.captured", payments.handleCaptured)
	r.RegisterHandler("payment.failed", payments.handleFailed)
	r.RegisterHandler("payout.completed", settlements.handleCompleted)
	r.RegisterHandler("payout.failed", settlements.handleFailed)

	return &Services{Refunds: refunds, Payments: payments, Settlements: settlements}
}
