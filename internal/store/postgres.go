package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"marketplace-reconciler/internal/models"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so every store
// method can run inside or outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	db   querier
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{db: pool, pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// WithTx runs fn against a transaction-scoped store so a status mutation and
// its audit entry commit atomically. Nested calls reuse the open transaction.
func (s *Store) WithTx(ctx context.Context, fn func(*Store) error) error {
	if s.pool == nil {
		return fn(s)
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op after commit

	if err := fn(&Store{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// EntityWriter is the transactional slice handed to WithEntityTx callbacks:
// a domain status write and its audit entry committing together.
type EntityWriter interface {
	UpdateEntityStatus(ctx context.Context, id, from, to string) error
	SetEntityGatewayRef(ctx context.Context, id, ref string) error
	AppendAudit(ctx context.Context, p AppendAuditParams) error
}

// WithEntityTx narrows WithTx to the entity transition surface.
func (s *Store) WithEntityTx(ctx context.Context, fn func(EntityWriter) error) error {
	return s.WithTx(ctx, func(tx *Store) error { return fn(tx) })
}

// ReserveKey atomically claims an idempotency key. Returns false when another
// caller holds it. This is the single correctness-critical race in the
// engine, settled by the primary-key insert.
func (s *Store) ReserveKey(ctx context.Context, key, refID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO idempotency_keys (key, ref_id, created_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO NOTHING
	`, key, refID)
	if err != nil {
		return false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FindKeyRef returns the record id a key was reserved for.
func (s *Store) FindKeyRef(ctx context.Context, key string) (string, error) {
	var refID string
	err := s.db.QueryRow(ctx, `SELECT ref_id FROM idempotency_keys WHERE key = $1`, key).Scan(&refID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("idempotency key %q: %w", key, models.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("query idempotency key: %w", err)
	}
	return refID, nil
}

// ReleaseKey frees a reserved key, allowing a later retry to re-admit the
// same operation.
func (s *Store) ReleaseKey(ctx context.Context, key string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// CreateJobParams collects inputs required to insert a job. ID may be
// pre-generated so the idempotency key can be reserved before the insert.
type CreateJobParams struct {
	ID          string
	Kind        string
	OwnerID     string
	Payload     json.RawMessage
	MaxRetries  int
	ScheduledAt time.Time
	CreatedBy   string
}

// CreateJob inserts a job row in PENDING.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	if p.ScheduledAt.IsZero() {
		p.ScheduledAt = now
	}
	if p.CreatedBy == "" {
		p.CreatedBy = models.SystemActor
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO jobs (id, kind, status, owner_id, payload, retry_count, max_retries, scheduled_at, priority, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $8, $9, $10, $10)
	`, id, p.Kind, models.JobPending, p.OwnerID, p.Payload, p.MaxRetries, p.ScheduledAt, models.KindWeight(p.Kind), p.CreatedBy, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	return models.Job{
		ID:          id,
		Kind:        p.Kind,
		Status:      models.JobPending,
		OwnerID:     p.OwnerID,
		Payload:     p.Payload,
		MaxRetries:  p.MaxRetries,
		ScheduledAt: p.ScheduledAt,
		CreatedBy:   p.CreatedBy,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

const jobColumns = `id, kind, status, owner_id, payload, retry_count, max_retries, next_retry_at, scheduled_at, result, last_error, created_by, created_at, started_at, completed_at, updated_at`

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return job, err
}

// ClaimJob atomically moves a dispatchable job to RUNNING. The status
// predicate keeps terminal and already-running jobs immutable under
// concurrent dispatchers; a lost claim surfaces as ErrNotFound.
func (s *Store) ClaimJob(ctx context.Context, id string) (models.Job, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE jobs
		SET status = $2, started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ($3, $4)
		RETURNING `+jobColumns+`
	`, id, models.JobRunning, models.JobPending, models.JobRetrying)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, fmt.Errorf("claim job %s: %w", id, models.ErrNotFound)
	}
	return job, err
}

// CompleteJob finalizes a RUNNING job as COMPLETED with its result.
func (s *Store) CompleteJob(ctx context.Context, id string, result json.RawMessage) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs
		SET status = $2, result = $3, last_error = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.JobCompleted, result, models.JobRunning)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete job %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// RetryJob moves a RUNNING job to RETRYING with its incremented retry count
// and the computed next attempt time. The enqueued marker is cleared so the
// due sweep re-admits it.
func (s *Store) RetryJob(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastError string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs
		SET status = $2, retry_count = $3, next_retry_at = $4, last_error = $5, enqueued_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $6
	`, id, models.JobRetrying, retryCount, nextRetryAt, lastError, models.JobRunning)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("retry job %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// FailJob finalizes a job as FAILED. Terminal rows are untouched so the
// predicate doubles as the finality guard.
func (s *Store) FailJob(ctx context.Context, id string, retryCount int, lastError string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE jobs
		SET status = $2, retry_count = $3, next_retry_at = NULL, last_error = $4, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($5, $6)
	`, id, models.JobFailed, retryCount, lastError, models.JobCompleted, models.JobFailed)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail job %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// FindDueJobs returns dispatchable jobs: RETRYING whose backoff elapsed and
// scheduled PENDING not yet handed to the queue. Ordered by kind weight then
// scheduled time so refunds beat housekeeping when both are due.
func (s *Store) FindDueJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE (status = $1 AND next_retry_at <= $3 AND enqueued_at IS NULL)
		   OR (status = $2 AND scheduled_at <= $3 AND enqueued_at IS NULL)
		ORDER BY priority DESC, scheduled_at ASC
		LIMIT $4
	`, models.JobRetrying, models.JobPending, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query due jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// MarkEnqueued stamps jobs handed to the dispatch queue so the next sweep
// skips them.
func (s *Store) MarkEnqueued(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := s.db.Exec(ctx, `UPDATE jobs SET enqueued_at = NOW() WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("mark enqueued: %w", err)
	}
	return nil
}

// FindStaleJobs returns non-terminal jobs untouched since the cutoff.
// Deferred PENDING rows are excluded until their scheduled time passes;
// sitting idle is what deferral means, not a hang.
func (s *Store) FindStaleJobs(ctx context.Context, cutoff time.Time) ([]models.Job, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN ($1, $2) AND updated_at < $3 AND scheduled_at <= NOW()
	`, models.JobPending, models.JobRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// PurgeTerminalJobs deletes COMPLETED/FAILED jobs older than the cutoff,
// freeing their idempotency keys in the same statement, and returns how many
// jobs were removed.
func (s *Store) PurgeTerminalJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `
		WITH gone AS (
			DELETE FROM jobs WHERE status IN ($1, $2) AND completed_at < $3
			RETURNING id
		), freed AS (
			DELETE FROM idempotency_keys WHERE ref_id IN (SELECT id FROM gone)
		)
		SELECT COUNT(*) FROM gone
	`, models.JobCompleted, models.JobFailed, cutoff).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("purge jobs: %w", err)
	}
	return n, nil
}

func collectJobs(rows pgx.Rows) ([]models.Job, error) {
	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var nextRetry, started, completed pgtype.Timestamptz
	var lastErr pgtype.Text
	if err := row.Scan(
		&job.ID, &job.Kind, &job.Status, &job.OwnerID, &job.Payload,
		&job.RetryCount, &job.MaxRetries, &nextRetry, &job.ScheduledAt,
		&job.Result, &lastErr, &job.CreatedBy, &job.CreatedAt,
		&started, &completed, &job.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, err
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.NextRetryAt = timePtr(nextRetry)
	job.StartedAt = timePtr(started)
	job.CompletedAt = timePtr(completed)
	job.LastError = textPtr(lastErr)
	return job, nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
