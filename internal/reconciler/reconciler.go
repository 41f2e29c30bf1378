// Package reconciler ingests gateway webhook deliveries: verify, dedupe,
// record, and apply the corresponding domain transition exactly once.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"marketplace-reconciler/internal/audit"
	"marketplace-reconciler/internal/gateway"
	"marketplace-reconciler/internal/idempotency"
	"marketplace-reconciler/internal/models"
	"marketplace-reconciler/internal/store"
	"marketplace-reconciler/internal/telemetry"
)

// Handler applies one gateway event type to domain state. It returns the
// resolved entity id for the webhook record. Handlers must be idempotent:
// a re-run against an already-applied state is a no-op success.
type Handler func(ctx context.Context, rec models.WebhookRecord) (entityID string, err error)

// Repository is the slice of the store the reconciler needs.
type Repository interface {
	CreateWebhook(ctx context.Context, p store.CreateWebhookParams) (models.WebhookRecord, error)
	GetWebhook(ctx context.Context, id string) (models.WebhookRecord, error)
	FindWebhookByDeliveryKey(ctx context.Context, provider, deliveryID, eventType string) (models.WebhookRecord, error)
	UpdateWebhookStatus(ctx context.Context, id, status string, entityID, lastError *string) error
}

// Recorder appends to the audit ledger.
type Recorder interface {
	LogAction(ctx context.Context, act audit.Action)
}

// Outcome is the synchronous result of an ingest call.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeRejected  Outcome = "rejected" // signature verification failed
	OutcomeIgnored   Outcome = "ignored"  // duplicate or unknown event type
	OutcomeFailed    Outcome = "failed"   // handler error, eligible for retry
)

// Delivery is one inbound gateway notification.
type Delivery struct {
	Provider   string          `json:"provider"`
	DeliveryID string          `json:"delivery_id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	Signature  string          `json:"signature"`
}

// Reconciler verifies, deduplicates, and applies webhook deliveries.
type Reconciler struct {
	repo    Repository
	guard   *idempotency.Guard
	ledger  Recorder
	secrets map[string]string
	log     *logrus.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

func New(repo Repository, guard *idempotency.Guard, ledger Recorder, secrets map[string]string, log *logrus.Logger) *Reconciler {
	return &Reconciler{
		repo:     repo,
		guard:    guard,
		ledger:   ledger,
		secrets:  secrets,
		log:      log,
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to a gateway event type. Domain modules
// call this at startup.
func (r *Reconciler) RegisterHandler(eventType string, h Handler) {
	if eventType == "" || h == nil {
		return
	}
	r.mu.Lock()
	r.handlers[eventType] = h
	r.mu.Unlock()
}

func (r *Reconciler) handler(eventType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[eventType]
	return h, ok
}

// Ingest runs the full pipeline for one delivery. The error return covers
// only ingest-level failures (store unavailable); every verification,
// duplicate, and handler outcome is expressed through the record and the
// Outcome so the HTTP layer can always answer 200 once the delivery is
// durably recorded.
func (r *Reconciler) Ingest(ctx context.Context, d Delivery) (models.WebhookRecord, Outcome, error) {
	secret := r.secrets[d.Provider]
	if !gateway.VerifySignature(d.Payload, d.Signature, secret) {
		telemetry.WebhooksRejected.Inc()
		errMsg := models.ErrSignatureInvalid.Error()
		rec, err := r.repo.CreateWebhook(ctx, store.CreateWebhookParams{
			Provider:   d.Provider,
			DeliveryID: d.DeliveryID,
			EventType:  d.EventType,
			Payload:    d.Payload,
			Signature:  d.Signature,
			Verified:   false,
			Status:     models.WebhookFailed,
			LastError:  &errMsg,
		})
		if err != nil {
			return models.WebhookRecord{}, OutcomeRejected, err
		}
		r.log.WithFields(logrus.Fields{
			"provider":    d.Provider,
			"delivery_id": d.DeliveryID,
		}).Warn("webhook signature rejected")
		return rec, OutcomeRejected, nil
	}
	telemetry.WebhooksVerified.Inc()

	id := uuid.New().String()
	key := idempotency.WebhookKey(d.Provider, d.DeliveryID, d.EventType)
	acquired, err := r.guard.Reserve(ctx, key, id)
	if err != nil {
		return models.WebhookRecord{}, OutcomeFailed, err
	}
	if !acquired {
		telemetry.WebhooksIgnored.Inc()
		// The shelved row points back at the delivery that was admitted
		// first; that record carries the processing outcome.
		note := models.ErrDuplicateDelivery.Error()
		var entityRef *string
		original, err := r.repo.FindWebhookByDeliveryKey(ctx, d.Provider, d.DeliveryID, d.EventType)
		if err == nil {
			note = fmt.Sprintf("duplicate of %s", original.ID)
			entityRef = original.EntityID
		} else if !errors.Is(err, models.ErrNotFound) {
			return models.WebhookRecord{}, OutcomeIgnored, err
		}
		rec, err := r.repo.CreateWebhook(ctx, store.CreateWebhookParams{
			ID:         id,
			Provider:   d.Provider,
			DeliveryID: d.DeliveryID,
			EventType:  d.EventType,
			Payload:    d.Payload,
			Signature:  d.Signature,
			Verified:   true,
			Status:     models.WebhookIgnored,
			EntityID:   entityRef,
			LastError:  &note,
		})
		return rec, OutcomeIgnored, err
	}

	rec, err := r.repo.CreateWebhook(ctx, store.CreateWebhookParams{
		ID:         id,
		Provider:   d.Provider,
		DeliveryID: d.DeliveryID,
		EventType:  d.EventType,
		Payload:    d.Payload,
		Signature:  d.Signature,
		Verified:   true,
		Status:     models.WebhookReceived,
	})
	if err != nil {
		// Free the key so the gateway's re-delivery can be admitted.
		if relErr := r.guard.Release(ctx, key); relErr != nil {
			r.log.WithError(relErr).Warn("release webhook key after failed insert")
		}
		return models.WebhookRecord{}, OutcomeFailed, err
	}

	return r.process(ctx, rec)
}

// process dispatches the event handler and records the outcome. Shared by
// first-time ingest and RetryFailed.
func (r *Reconciler) process(ctx context.Context, rec models.WebhookRecord) (models.WebhookRecord, Outcome, error) {
	h, ok := r.handler(rec.EventType)
	if !ok {
		// Forward compatibility: unknown event types are accepted and shelved.
		telemetry.WebhooksIgnored.Inc()
		reason := fmt.Sprintf("no handler for event type %q", rec.EventType)
		if err := r.repo.UpdateWebhookStatus(ctx, rec.ID, models.WebhookIgnored, nil, &reason); err != nil {
			return rec, OutcomeIgnored, err
		}
		rec.Status = models.WebhookIgnored
		return rec, OutcomeIgnored, nil
	}

	entityID, handlerErr := r.runHandler(ctx, h, rec)
	if handlerErr != nil {
		telemetry.WebhooksFailed.Inc()
		errMsg := handlerErr.Error()
		var entityRef *string
		if entityID != "" {
			entityRef = &entityID
		}
		if err := r.repo.UpdateWebhookStatus(ctx, rec.ID, models.WebhookFailed, entityRef, &errMsg); err != nil {
			return rec, OutcomeFailed, err
		}
		// Handler failures are retryable: free the dedup key so a legitimate
		// gateway re-delivery reprocesses instead of short-circuiting.
		key := idempotency.WebhookKey(rec.Provider, rec.DeliveryID, rec.EventType)
		if err := r.guard.Release(ctx, key); err != nil {
			r.log.WithError(err).WithField("webhook_id", rec.ID).Warn("release webhook key failed")
		}
		r.log.WithError(handlerErr).WithFields(logrus.Fields{
			"webhook_id": rec.ID,
			"event_type": rec.EventType,
		}).Error("webhook handler failed")
		rec.Status = models.WebhookFailed
		rec.LastError = &errMsg
		return rec, OutcomeFailed, nil
	}

	var entityRef *string
	if entityID != "" {
		entityRef = &entityID
	}
	if err := r.repo.UpdateWebhookStatus(ctx, rec.ID, models.WebhookProcessed, entityRef, nil); err != nil {
		return rec, OutcomeProcessed, err
	}
	r.ledger.LogAction(ctx, audit.Action{
		SubjectID: rec.ID,
		Action:    models.ActionProcess,
		ActorID:   models.SystemActor,
		Reason:    "webhook applied",
		Metadata: map[string]any{
			"provider":    rec.Provider,
			"delivery_id": rec.DeliveryID,
			"event_type":  rec.EventType,
			"entity_id":   entityID,
		},
	})
	rec.Status = models.WebhookProcessed
	rec.EntityID = entityRef
	return rec, OutcomeProcessed, nil
}

func (r *Reconciler) runHandler(ctx context.Context, h Handler, rec models.WebhookRecord) (entityID string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, rec)
}

// RetryFailed re-runs the handler for a FAILED record. The dedup key is
// re-reserved first; losing that race means a re-delivery already owns the
// triple and this record is shelved IGNORED.
func (r *Reconciler) RetryFailed(ctx context.Context, webhookID string) (models.WebhookRecord, Outcome, error) {
	rec, err := r.repo.GetWebhook(ctx, webhookID)
	if err != nil {
		return models.WebhookRecord{}, OutcomeFailed, err
	}
	if rec.Status != models.WebhookFailed {
		return rec, OutcomeFailed, fmt.Errorf("webhook %s is %s, only FAILED records can be retried", webhookID, rec.Status)
	}
	if !rec.Verified {
		return rec, OutcomeRejected, fmt.Errorf("webhook %s: %w", webhookID, models.ErrSignatureInvalid)
	}

	key := idempotency.WebhookKey(rec.Provider, rec.DeliveryID, rec.EventType)
	acquired, err := r.guard.Reserve(ctx, key, rec.ID)
	if err != nil {
		return rec, OutcomeFailed, err
	}
	if !acquired {
		holder, err := r.guard.Holder(ctx, key)
		if err != nil || holder != rec.ID {
			reason := "delivery reprocessed elsewhere"
			if updErr := r.repo.UpdateWebhookStatus(ctx, rec.ID, models.WebhookIgnored, nil, &reason); updErr != nil {
				return rec, OutcomeIgnored, updErr
			}
			rec.Status = models.WebhookIgnored
			return rec, OutcomeIgnored, nil
		}
	}

	if err := r.repo.UpdateWebhookStatus(ctx, rec.ID, models.WebhookReceived, rec.EntityID, nil); err != nil {
		return rec, OutcomeFailed, err
	}
	rec.Status = models.WebhookReceived
	rec.LastError = nil
	return r.process(ctx, rec)
}
