package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"marketplace-reconciler/internal/models"
)

const entityColumns = `id, kind, status, order_id, seller_id, amount, currency, gateway_ref, created_at, updated_at`

// CreateEntity inserts a domain entity row.
func (s *Store) CreateEntity(ctx context.Context, e models.Entity) (models.Entity, error) {
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	_, err := s.db.Exec(ctx, `
		INSERT INTO domain_entities (id, kind, status, order_id, seller_id, amount, currency, gateway_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, e.ID, e.Kind, e.Status, e.OrderID, e.SellerID, e.Amount.String(), e.Currency, e.GatewayRef, now)
	if err != nil {
		return models.Entity{}, fmt.Errorf("insert entity: %w", err)
	}
	return e, nil
}

// GetEntity fetches a domain entity by id.
func (s *Store) GetEntity(ctx context.Context, id string) (models.Entity, error) {
	row := s.db.QueryRow(ctx, `SELECT `+entityColumns+` FROM domain_entities WHERE id = $1`, id)
	e, err := scanEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Entity{}, fmt.Errorf("entity %s: %w", id, models.ErrNotFound)
	}
	return e, err
}

// UpdateEntityStatus writes a status transition guarded by the expected
// current status, so a concurrent writer that got there first makes this a
// no-op surfaced as ErrNotFound.
func (s *Store) UpdateEntityStatus(ctx context.Context, id, from, to string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE domain_entities SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, from, to)
	if err != nil {
		return fmt.Errorf("update entity status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entity %s at %s: %w", id, from, models.ErrNotFound)
	}
	return nil
}

// SetEntityGatewayRef records the gateway-side reference for an entity.
func (s *Store) SetEntityGatewayRef(ctx context.Context, id, ref string) error {
	if _, err := s.db.Exec(ctx, `
		UPDATE domain_entities SET gateway_ref = $2, updated_at = NOW() WHERE id = $1
	`, id, ref); err != nil {
		return fmt.Errorf("set gateway ref: %w", err)
	}
	return nil
}

func scanEntity(row pgx.Row) (models.Entity, error) {
	var e models.Entity
	var amount string
	var gatewayRef pgtype.Text
	if err := row.Scan(
		&e.ID, &e.Kind, &e.Status, &e.OrderID, &e.SellerID, &amount,
		&e.Currency, &gatewayRef, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Entity{}, err
		}
		return models.Entity{}, fmt.Errorf("scan entity: %w", err)
	}
	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return models.Entity{}, fmt.Errorf("parse entity amount: %w", err)
	}
	e.Amount = dec
	e.GatewayRef = textPtr(gatewayRef)
	return e, nil
}
