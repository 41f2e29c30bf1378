package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"marketplace-reconciler/internal/models"
)

// CreateWebhookParams collects inputs for one inbound delivery record. ID
// may be pre-generated so the dedup key can be reserved before the insert.
type CreateWebhookParams struct {
	ID         string
	Provider   string
	DeliveryID string
	EventType  string
	Payload    json.RawMessage
	Signature  string
	Verified   bool
	Status     string
	EntityID   *string
	LastError  *string
}

const webhookColumns = `id, provider, delivery_id, event_type, payload, signature, verified, status, entity_id, last_error, received_at, processed_at`

// CreateWebhook inserts a delivery record. Every delivery gets its own row;
// deduplication is the idempotency guard's job, not a table constraint.
func (s *Store) CreateWebhook(ctx context.Context, p CreateWebhookParams) (models.WebhookRecord, error) {
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	_, err := s.db.Exec(ctx, `
		INSERT INTO webhooks (id, provider, delivery_id, event_type, payload, signature, verified, status, entity_id, last_error, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, id, p.Provider, p.DeliveryID, p.EventType, p.Payload, p.Signature, p.Verified, p.Status, p.EntityID, p.LastError, now)
	if err != nil {
		return models.WebhookRecord{}, fmt.Errorf("insert webhook: %w", err)
	}
	return models.WebhookRecord{
		ID:         id,
		Provider:   p.Provider,
		DeliveryID: p.DeliveryID,
		EventType:  p.EventType,
		Payload:    p.Payload,
		Signature:  p.Signature,
		Verified:   p.Verified,
		Status:     p.Status,
		EntityID:   p.EntityID,
		LastError:  p.LastError,
		ReceivedAt: now,
	}, nil
}

// GetWebhook fetches a delivery record by id.
func (s *Store) GetWebhook(ctx context.Context, id string) (models.WebhookRecord, error) {
	row := s.db.QueryRow(ctx, `SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id)
	rec, err := scanWebhook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WebhookRecord{}, fmt.Errorf("webhook %s: %w", id, models.ErrNotFound)
	}
	return rec, err
}

// FindWebhookByDeliveryKey returns the admitted record for a (provider,
// delivery id, event type) triple. Shelved duplicates and forged rows never
// qualify.
func (s *Store) FindWebhookByDeliveryKey(ctx context.Context, provider, deliveryID, eventType string) (models.WebhookRecord, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+webhookColumns+` FROM webhooks
		WHERE provider = $1 AND delivery_id = $2 AND event_type = $3 AND verified AND status <> $4
		ORDER BY received_at ASC
		LIMIT 1
	`, provider, deliveryID, eventType, models.WebhookIgnored)
	rec, err := scanWebhook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WebhookRecord{}, fmt.Errorf("webhook %s/%s/%s: %w", provider, deliveryID, eventType, models.ErrNotFound)
	}
	return rec, err
}

// UpdateWebhookStatus records the processing outcome of a delivery.
func (s *Store) UpdateWebhookStatus(ctx context.Context, id, status string, entityID, lastError *string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE webhooks
		SET status = $2, entity_id = COALESCE($3, entity_id), last_error = $4, processed_at = NOW()
		WHERE id = $1
	`, id, status, entityID, lastError)
	if err != nil {
		return fmt.Errorf("update webhook: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("webhook %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func scanWebhook(row pgx.Row) (models.WebhookRecord, error) {
	var rec models.WebhookRecord
	var entityID, lastErr pgtype.Text
	var processed pgtype.Timestamptz
	if err := row.Scan(
		&rec.ID, &rec.Provider, &rec.DeliveryID, &rec.EventType, &rec.Payload,
		&rec.Signature, &rec.Verified, &rec.Status, &entityID, &lastErr,
		&rec.ReceivedAt, &processed,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WebhookRecord{}, err
		}
		return models.WebhookRecord{}, fmt.Errorf("scan webhook: %w", err)
	}
	rec.EntityID = textPtr(entityID)
	rec.LastError = textPtr(lastErr)
	rec.ProcessedAt = timePtr(processed)
	return rec, nil
}
