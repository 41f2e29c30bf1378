package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"marketplace-reconciler/internal/models"
)

// AppendAuditParams collects inputs for one immutable audit record.
type AppendAuditParams struct {
	SubjectID string
	Action    string
	ActorID   string
	Before    json.RawMessage
	After     json.RawMessage
	Diff      json.RawMessage
	Reason    string
	Metadata  json.RawMessage
}

// AppendAudit inserts one audit row. Rows are never updated; ordering is by
// created_at with the bigserial seq as tiebreaker.
func (s *Store) AppendAudit(ctx context.Context, p AppendAuditParams) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO audit_logs (id, subject_id, action, actor_id, before_value, after_value, diff, reason, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`, uuid.New().String(), p.SubjectID, p.Action, p.ActorID, p.Before, p.After, p.Diff, p.Reason, p.Metadata)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

// FindAuditBySubject returns a subject's entries in timeline order.
func (s *Store) FindAuditBySubject(ctx context.Context, subjectID string) ([]models.AuditLogEntry, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, seq, subject_id, action, actor_id, before_value, after_value, diff, reason, metadata, created_at
		FROM audit_logs
		WHERE subject_id = $1
		ORDER BY created_at ASC, seq ASC
	`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("query audit logs: %w", err)
	}
	defer rows.Close()

	var entries []models.AuditLogEntry
	for rows.Next() {
		var e models.AuditLogEntry
		if err := rows.Scan(
			&e.ID, &e.Seq, &e.SubjectID, &e.Action, &e.ActorID,
			&e.Before, &e.After, &e.Diff, &e.Reason, &e.Metadata, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan audit log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// PurgeAudit bulk-deletes entries older than the retention cutoff. The only
// sanctioned deletion path for audit rows.
func (s *Store) PurgeAudit(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM audit_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge audit logs: %w", err)
	}
	return tag.RowsAffected(), nil
}
