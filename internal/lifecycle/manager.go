// Package lifecycle drives jobs through their state machine: create, queue,
// execute, retry with backoff, finalize, sweep, purge.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"marketplace-reconciler/internal/audit"
	"marketplace-reconciler/internal/idempotency"
	"marketplace-reconciler/internal/models"
	"marketplace-reconciler/internal/store"
	"marketplace-reconciler/internal/telemetry"
)

// Executor runs one job kind. Returned errors are classified retryable or
// terminal; they never escape Dispatch.
type Executor func(ctx context.Context, job models.Job) (json.RawMessage, error)

// Repository is the slice of the store the manager needs.
type Repository interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ClaimJob(ctx context.Context, id string) (models.Job, error)
	CompleteJob(ctx context.Context, id string, result json.RawMessage) error
	RetryJob(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastError string) error
	FailJob(ctx context.Context, id string, retryCount int, lastError string) error
	FindDueJobs(ctx context.Context, now time.Time, limit int) ([]models.Job, error)
	MarkEnqueued(ctx context.Context, ids []string) error
	FindStaleJobs(ctx context.Context, cutoff time.Time) ([]models.Job, error)
	PurgeTerminalJobs(ctx context.Context, cutoff time.Time) (int64, error)
	GetEntity(ctx context.Context, id string) (models.Entity, error)
}

// Queue is the dispatch channel between the sweeps and the workers.
type Queue interface {
	Enqueue(ctx context.Context, jobID, priority string) error
	DequeueWithLease(ctx context.Context) (string, error)
	Ack(ctx context.Context, jobID string) error
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	DLQPush(ctx context.Context, jobID string) error
	ReadyDepth(ctx context.Context) (int64, error)
}

// Recorder appends to the audit ledger.
type Recorder interface {
	LogAction(ctx context.Context, act audit.Action)
}

// Backoff holds the retry delay parameters.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	Jitter     bool
}

// Manager owns job rows end to end.
type Manager struct {
	repo    Repository
	queue   Queue
	guard   *idempotency.Guard
	ledger  Recorder
	backoff Backoff
	batch   int
	log     *logrus.Logger

	mu        sync.RWMutex
	executors map[string]Executor
}

func NewManager(repo Repository, queue Queue, guard *idempotency.Guard, ledger Recorder, backoff Backoff, batch int, log *logrus.Logger) *Manager {
	if backoff.Multiplier <= 1 {
		backoff.Multiplier = 2
	}
	if batch <= 0 {
		batch = 100
	}
	return &Manager{
		repo:      repo,
		queue:     queue,
		guard:     guard,
		ledger:    ledger,
		backoff:   backoff,
		batch:     batch,
		log:       log,
		executors: make(map[string]Executor),
	}
}

// Register binds an executor to a job kind. Domain modules call this at
// startup.
func (m *Manager) Register(kind string, exec Executor) {
	if kind == "" || exec == nil {
		return
	}
	m.mu.Lock()
	m.executors[kind] = exec
	m.mu.Unlock()
}

// GetJob reads a job by id.
func (m *Manager) GetJob(ctx context.Context, id string) (models.Job, error) {
	return m.repo.GetJob(ctx, id)
}

func (m *Manager) executor(kind string) (Executor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executors[kind]
	return exec, ok
}

// CreateParams collects inputs for a job submission.
type CreateParams struct {
	OwnerID     string
	Payload     models.Payload
	MaxRetries  int
	ScheduledAt time.Time
	CreatedBy   string
}

const defaultMaxRetries = 3

// CreateJob validates the owner, admits the submission through the
// idempotency guard, persists the job PENDING, and enqueues it when already
// due. A duplicate submission returns the original job and duplicate=true.
func (m *Manager) CreateJob(ctx context.Context, p CreateParams) (models.Job, bool, error) {
	if p.MaxRetries <= 0 {
		p.MaxRetries = defaultMaxRetries
	}
	kind := p.Payload.Kind()
	raw, err := models.EncodePayload(p.Payload)
	if err != nil {
		return models.Job{}, false, err
	}
	if _, err := m.repo.GetEntity(ctx, p.OwnerID); err != nil {
		return models.Job{}, false, fmt.Errorf("owner %s: %w", p.OwnerID, err)
	}

	id := uuid.New().String()
	key := idempotency.JobKey(kind, p.OwnerID)
	acquired, err := m.guard.Reserve(ctx, key, id)
	if err != nil {
		return models.Job{}, false, err
	}
	if !acquired {
		existingID, err := m.guard.Holder(ctx, key)
		if err != nil {
			return models.Job{}, false, err
		}
		existing, err := m.repo.GetJob(ctx, existingID)
		if err != nil {
			return models.Job{}, false, err
		}
		return existing, true, nil
	}

	job, err := m.repo.CreateJob(ctx, store.CreateJobParams{
		ID:          id,
		Kind:        kind,
		OwnerID:     p.OwnerID,
		Payload:     raw,
		MaxRetries:  p.MaxRetries,
		ScheduledAt: p.ScheduledAt,
		CreatedBy:   p.CreatedBy,
	})
	if err != nil {
		// Free the key so the caller can retry the submission.
		if relErr := m.guard.Release(ctx, key); relErr != nil {
			m.log.WithError(relErr).Warn("release job key after failed insert")
		}
		return models.Job{}, false, err
	}

	m.ledger.LogAction(ctx, audit.Action{
		SubjectID: job.ID,
		Action:    models.ActionCreate,
		ActorID:   job.CreatedBy,
		After:     job,
		Reason:    "job submitted",
		Metadata:  map[string]any{"kind": kind, "owner_id": p.OwnerID},
	})

	if !job.ScheduledAt.After(time.Now()) {
		if err := m.enqueue(ctx, job); err != nil {
			m.log.WithError(err).WithField("job_id", job.ID).Warn("immediate enqueue failed, sweep will retry")
		}
	}
	return job, false, nil
}

func (m *Manager) enqueue(ctx context.Context, job models.Job) error {
	if err := m.queue.Enqueue(ctx, job.ID, models.KindPriority(job.Kind)); err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	if err := m.repo.MarkEnqueued(ctx, []string{job.ID}); err != nil {
		return err
	}
	telemetry.JobsEnqueued.Inc()
	return nil
}

// Dispatch claims the job, runs its executor, and converts the outcome into
// a status transition. The returned error covers only the dispatch itself
// (job missing, claim lost); execution failures always land in the job row.
func (m *Manager) Dispatch(ctx context.Context, jobID string) error {
	job, err := m.repo.ClaimJob(ctx, jobID)
	if err != nil {
		return err
	}

	exec, ok := m.executor(job.Kind)
	var result json.RawMessage
	var execErr error
	if !ok {
		execErr = fmt.Errorf("no executor registered for kind %q", job.Kind)
	} else {
		result, execErr = m.runExecutor(ctx, exec, job)
	}

	if execErr == nil {
		if err := m.repo.CompleteJob(ctx, job.ID, result); err != nil {
			return err
		}
		m.ledger.LogAction(ctx, audit.Action{
			SubjectID: job.ID,
			Action:    models.ActionComplete,
			ActorID:   models.SystemActor,
			Before:    job,
			Reason:    "executor succeeded",
		})
		telemetry.JobsCompleted.Inc()
		return nil
	}

	attempt := job.RetryCount + 1
	if models.Retryable(execErr) && attempt < job.MaxRetries {
		delay := backoffDelay(m.backoff, attempt)
		nextRetry := time.Now().Add(delay)
		if err := m.repo.RetryJob(ctx, job.ID, attempt, nextRetry, execErr.Error()); err != nil {
			return err
		}
		m.ledger.LogAction(ctx, audit.Action{
			SubjectID: job.ID,
			Action:    models.ActionUpdate,
			ActorID:   models.SystemActor,
			Reason:    fmt.Sprintf("retry %d/%d scheduled in %s", attempt, job.MaxRetries, delay),
			Metadata:  map[string]any{"error": execErr.Error()},
		})
		telemetry.JobsRetried.Inc()
		m.log.WithFields(logrus.Fields{
			"job_id":  job.ID,
			"kind":    job.Kind,
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warn("job retry scheduled")
		return nil
	}

	if err := m.repo.FailJob(ctx, job.ID, attempt, execErr.Error()); err != nil {
		return err
	}
	if err := m.queue.DLQPush(ctx, job.ID); err != nil {
		m.log.WithError(err).WithField("job_id", job.ID).Warn("dlq push failed")
	}
	m.ledger.LogAction(ctx, audit.Action{
		SubjectID: job.ID,
		Action:    models.ActionFail,
		ActorID:   models.SystemActor,
		Before:    job,
		Reason:    "retries exhausted or terminal error",
		Metadata:  map[string]any{"error": execErr.Error(), "retry_count": attempt},
	})
	telemetry.JobsFailed.Inc()
	m.log.WithFields(logrus.Fields{
		"job_id": job.ID,
		"kind":   job.Kind,
		"error":  execErr.Error(),
	}).Error("job failed")
	return nil
}

// runExecutor isolates executor panics so they surface as terminal errors
// instead of escaping the dispatch loop.
func (m *Manager) runExecutor(ctx context.Context, exec Executor, job models.Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return exec(ctx, job)
}

// SweepDue hands due work to the queue: RETRYING jobs whose backoff elapsed
// and scheduled PENDING jobs whose time arrived, in kind-weight then
// scheduled-at order.
func (m *Manager) SweepDue(ctx context.Context, now time.Time) (int, error) {
	jobs, err := m.repo.FindDueJobs(ctx, now, m.batch)
	if err != nil {
		return 0, err
	}
	var enqueued []string
	for _, job := range jobs {
		if err := m.queue.Enqueue(ctx, job.ID, models.KindPriority(job.Kind)); err != nil {
			m.log.WithError(err).WithField("job_id", job.ID).Warn("sweep enqueue failed")
			continue
		}
		enqueued = append(enqueued, job.ID)
		telemetry.JobsEnqueued.Inc()
	}
	if err := m.repo.MarkEnqueued(ctx, enqueued); err != nil {
		return len(enqueued), err
	}
	return len(enqueued), nil
}

// SweepStale force-fails PENDING/RUNNING jobs older than maxAge. There is no
// cooperative cancellation: a still-running executor is expected to be
// idempotent if it eventually completes.
func (m *Manager) SweepStale(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	jobs, err := m.repo.FindStaleJobs(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	reaped := 0
	now := time.Now()
	for _, job := range jobs {
		// A deferred job waiting for its scheduled time is not hanging.
		if job.Status == models.JobPending && job.ScheduledAt.After(now) {
			continue
		}
		reason := fmt.Sprintf("timed out: %s for more than %s", job.Status, maxAge)
		if err := m.repo.FailJob(ctx, job.ID, job.RetryCount, reason); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue // finished between query and reap
			}
			return reaped, err
		}
		if err := m.queue.Ack(ctx, job.ID); err != nil {
			m.log.WithError(err).WithField("job_id", job.ID).Warn("ack stale job failed")
		}
		m.ledger.LogAction(ctx, audit.Action{
			SubjectID: job.ID,
			Action:    models.ActionFail,
			ActorID:   models.SystemActor,
			Before:    job,
			Reason:    reason,
		})
		telemetry.JobsReaped.Inc()
		reaped++
	}
	return reaped, nil
}

// PurgeCompleted deletes terminal jobs past the retention window.
func (m *Manager) PurgeCompleted(ctx context.Context, retention time.Duration) (int64, error) {
	n, err := m.repo.PurgeTerminalJobs(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.WithField("purged", n).Info("terminal jobs purged")
	}
	return n, nil
}
