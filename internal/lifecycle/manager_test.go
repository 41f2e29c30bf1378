package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"marketplace-reconciler/internal/audit"
	"marketplace-reconciler/internal/idempotency"
	"marketplace-reconciler/internal/models"
	"marketplace-reconciler/internal/store"
)

type fakeRepo struct {
	jobs     map[string]*models.Job
	entities map[string]models.Entity
	keys     map[string]string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		jobs:     make(map[string]*models.Job),
		entities: make(map[string]models.Entity),
		keys:     make(map[string]string),
	}
}

func (f *fakeRepo) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	job := models.Job{
		ID:          p.ID,
		Kind:        p.Kind,
		Status:      models.JobPending,
		OwnerID:     p.OwnerID,
		Payload:     p.Payload,
		MaxRetries:  p.MaxRetries,
		ScheduledAt: p.ScheduledAt,
		CreatedBy:   p.CreatedBy,
		CreatedAt:   time.Now(),
	}
	f.jobs[job.ID] = &job
	return job, nil
}

func (f *fakeRepo) GetJob(_ context.Context, id string) (models.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, models.ErrNotFound
	}
	return *job, nil
}

func (f *fakeRepo) ClaimJob(_ context.Context, id string) (models.Job, error) {
	job, ok := f.jobs[id]
	if !ok || (job.Status != models.JobPending && job.Status != models.JobRetrying) {
		return models.Job{}, models.ErrNotFound
	}
	job.Status = models.JobRunning
	return *job, nil
}

func (f *fakeRepo) CompleteJob(_ context.Context, id string, result json.RawMessage) error {
	job, ok := f.jobs[id]
	if !ok || job.Status != models.JobRunning {
		return models.ErrNotFound
	}
	job.Status = models.JobCompleted
	job.Result = result
	return nil
}

func (f *fakeRepo) RetryJob(_ context.Context, id string, retryCount int, nextRetryAt time.Time, lastError string) error {
	job, ok := f.jobs[id]
	if !ok {
		return models.ErrNotFound
	}
	job.Status = models.JobRetrying
	job.RetryCount = retryCount
	job.NextRetryAt = &nextRetryAt
	job.LastError = &lastError
	return nil
}

func (f *fakeRepo) FailJob(_ context.Context, id string, retryCount int, lastError string) error {
	job, ok := f.jobs[id]
	if !ok || job.Terminal() {
		return models.ErrNotFound
	}
	job.Status = models.JobFailed
	job.RetryCount = retryCount
	job.LastError = &lastError
	return nil
}

func (f *fakeRepo) FindDueJobs(_ context.Context, now time.Time, limit int) ([]models.Job, error) {
	var due []models.Job
	for _, job := range f.jobs {
		switch job.Status {
		case models.JobRetrying:
			if job.NextRetryAt != nil && !job.NextRetryAt.After(now) {
				due = append(due, *job)
			}
		case models.JobPending:
			if !job.ScheduledAt.After(now) {
				due = append(due, *job)
			}
		}
		if len(due) >= limit {
			break
		}
	}
	return due, nil
}

func (f *fakeRepo) MarkEnqueued(_ context.Context, _ []string) error { return nil }

func (f *fakeRepo) FindStaleJobs(_ context.Context, cutoff time.Time) ([]models.Job, error) {
	var stale []models.Job
	for _, job := range f.jobs {
		if (job.Status == models.JobRunning || job.Status == models.JobPending) && job.CreatedAt.Before(cutoff) {
			stale = append(stale, *job)
		}
	}
	return stale, nil
}

func (f *fakeRepo) PurgeTerminalJobs(_ context.Context, cutoff time.Time) (int64, error) {
	var n int64
	for id, job := range f.jobs {
		if job.Terminal() && job.CreatedAt.Before(cutoff) {
			delete(f.jobs, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) GetEntity(_ context.Context, id string) (models.Entity, error) {
	e, ok := f.entities[id]
	if !ok {
		return models.Entity{}, models.ErrNotFound
	}
	return e, nil
}

// Reserver side, so the same fake backs the idempotency guard.
func (f *fakeRepo) ReserveKey(_ context.Context, key, refID string) (bool, error) {
	if _, taken := f.keys[key]; taken {
		return false, nil
	}
	f.keys[key] = refID
	return true, nil
}

func (f *fakeRepo) ReleaseKey(_ context.Context, key string) error {
	delete(f.keys, key)
	return nil
}

func (f *fakeRepo) FindKeyRef(_ context.Context, key string) (string, error) {
	ref, ok := f.keys[key]
	if !ok {
		return "", models.ErrNotFound
	}
	return ref, nil
}

type fakeQueue struct {
	ready []string
	dlq   []string
	acked []string
}

func (q *fakeQueue) Enqueue(_ context.Context, jobID, _ string) error {
	q.ready = append(q.ready, jobID)
	return nil
}

func (q *fakeQueue) DequeueWithLease(_ context.Context) (string, error) {
	if len(q.ready) == 0 {
		return "", nil
	}
	id := q.ready[0]
	q.ready = q.ready[1:]
	return id, nil
}

func (q *fakeQueue) Ack(_ context.Context, jobID string) error {
	q.acked = append(q.acked, jobID)
	return nil
}

func (q *fakeQueue) RequeueExpired(_ context.Context, _ time.Time, _ int64) ([]string, error) {
	return nil, nil
}

func (q *fakeQueue) DLQPush(_ context.Context, jobID string) error {
	q.dlq = append(q.dlq, jobID)
	return nil
}

func (q *fakeQueue) ReadyDepth(_ context.Context) (int64, error) {
	return int64(len(q.ready)), nil
}

type fakeRecorder struct {
	actions []audit.Action
}

func (r *fakeRecorder) LogAction(_ context.Context, act audit.Action) {
	r.actions = append(r.actions, act)
}

func testManager(t *testing.T) (*Manager, *fakeRepo, *fakeQueue, *fakeRecorder) {
	t.Helper()
	repo := newFakeRepo()
	repo.entities["refund-1"] = models.Entity{ID: "refund-1", Kind: models.EntityRefund, Status: models.RefundApproved}
	q := &fakeQueue{}
	rec := &fakeRecorder{}
	log := logrus.New()
	m := NewManager(repo, q, idempotency.New(repo), rec, Backoff{
		Base:       time.Second,
		Multiplier: 2,
		Max:        time.Minute,
	}, 100, log)
	return m, repo, q, rec
}

func refundPayload() models.Payload {
	return &models.RefundPayload{
		RefundID: "refund-1",
		OrderID:  "order-1",
		Amount:   decimal.NewFromInt(25),
		Currency: "USD",
	}
}

func TestCreateJobEnqueuesWhenDue(t *testing.T) {
	m, repo, q, rec := testManager(t)

	job, duplicate, err := m.CreateJob(context.Background(), CreateParams{
		OwnerID:    "refund-1",
		Payload:    refundPayload(),
		MaxRetries: 3,
		CreatedBy:  "ops-1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if duplicate {
		t.Fatalf("first submission flagged duplicate")
	}
	if got := repo.jobs[job.ID].Status; got != models.JobPending {
		t.Fatalf("status = %s, want PENDING", got)
	}
	if len(q.ready) != 1 || q.ready[0] != job.ID {
		t.Fatalf("job not enqueued: %v", q.ready)
	}
	if len(rec.actions) == 0 || rec.actions[0].Action != models.ActionCreate {
		t.Fatalf("creation not audited: %+v", rec.actions)
	}
}

func TestCreateJobDeferredStaysOffQueue(t *testing.T) {
	m, _, q, _ := testManager(t)

	_, _, err := m.CreateJob(context.Background(), CreateParams{
		OwnerID:     "refund-1",
		Payload:     refundPayload(),
		MaxRetries:  3,
		ScheduledAt: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(q.ready) != 0 {
		t.Fatalf("deferred job enqueued early: %v", q.ready)
	}
}

func TestCreateJobDuplicateReturnsOriginal(t *testing.T) {
	m, _, _, _ := testManager(t)
	ctx := context.Background()

	first, _, err := m.CreateJob(ctx, CreateParams{OwnerID: "refund-1", Payload: refundPayload(), MaxRetries: 3})
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, duplicate, err := m.CreateJob(ctx, CreateParams{OwnerID: "refund-1", Payload: refundPayload(), MaxRetries: 3})
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if !duplicate {
		t.Fatalf("expected duplicate flag")
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate returned a different job: %s vs %s", second.ID, first.ID)
	}
}

func TestCreateJobUnknownOwner(t *testing.T) {
	m, _, _, _ := testManager(t)
	_, _, err := m.CreateJob(context.Background(), CreateParams{OwnerID: "ghost", Payload: refundPayload(), MaxRetries: 3})
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown owner, got %v", err)
	}
}

func TestDispatchSuccess(t *testing.T) {
	m, repo, _, _ := testManager(t)
	ctx := context.Background()

	m.Register(models.KindProcessRefund, func(_ context.Context, _ models.Job) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	job, _, err := m.CreateJob(ctx, CreateParams{OwnerID: "refund-1", Payload: refundPayload(), MaxRetries: 3})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Dispatch(ctx, job.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got := repo.jobs[job.ID]
	if got.Status != models.JobCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}
	if string(got.Result) != `{"ok":true}` {
		t.Fatalf("result not stored: %s", got.Result)
	}
}

func TestDispatchRetriesThenFails(t *testing.T) {
	m, repo, q, _ := testManager(t)
	ctx := context.Background()

	m.Register(models.KindProcessRefund, func(_ context.Context, _ models.Job) (json.RawMessage, error) {
		return nil, models.Retryablef("gateway timeout")
	})
	job, _, err := m.CreateJob(ctx, CreateParams{OwnerID: "refund-1", Payload: refundPayload(), MaxRetries: 3})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Attempts 1 and 2 reschedule, attempt 3 exhausts the budget.
	for want := 1; want <= 2; want++ {
		if err := m.Dispatch(ctx, job.ID); err != nil {
			t.Fatalf("dispatch %d: %v", want, err)
		}
		got := repo.jobs[job.ID]
		if got.Status != models.JobRetrying || got.RetryCount != want {
			t.Fatalf("after attempt %d: status=%s retries=%d", want, got.Status, got.RetryCount)
		}
		if got.NextRetryAt == nil || !got.NextRetryAt.After(time.Now()) {
			t.Fatalf("next retry not in the future: %v", got.NextRetryAt)
		}
	}
	if err := m.Dispatch(ctx, job.ID); err != nil {
		t.Fatalf("final dispatch: %v", err)
	}
	got := repo.jobs[job.ID]
	if got.Status != models.JobFailed || got.RetryCount != 3 {
		t.Fatalf("after exhaustion: status=%s retries=%d", got.Status, got.RetryCount)
	}
	if len(q.dlq) != 1 || q.dlq[0] != job.ID {
		t.Fatalf("failed job not dead-lettered: %v", q.dlq)
	}
}

func TestDispatchTerminalErrorFailsImmediately(t *testing.T) {
	m, repo, q, _ := testManager(t)
	ctx := context.Background()

	m.Register(models.KindProcessRefund, func(_ context.Context, _ models.Job) (json.RawMessage, error) {
		return nil, fmt.Errorf("amount exceeds original charge")
	})
	job, _, err := m.CreateJob(ctx, CreateParams{OwnerID: "refund-1", Payload: refundPayload(), MaxRetries: 3})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Dispatch(ctx, job.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	got := repo.jobs[job.ID]
	if got.Status != models.JobFailed {
		t.Fatalf("terminal error should fail, got %s", got.Status)
	}
	if got.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", got.RetryCount)
	}
	if len(q.dlq) != 1 {
		t.Fatalf("expected dlq entry")
	}
}

func TestDispatchPanicIsTerminal(t *testing.T) {
	m, repo, _, _ := testManager(t)
	ctx := context.Background()

	m.Register(models.KindProcessRefund, func(_ context.Context, _ models.Job) (json.RawMessage, error) {
		panic("nil payload field")
	})
	job, _, err := m.CreateJob(ctx, CreateParams{OwnerID: "refund-1", Payload: refundPayload(), MaxRetries: 3})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Dispatch(ctx, job.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := repo.jobs[job.ID].Status; got != models.JobFailed {
		t.Fatalf("panic should be terminal, got %s", got)
	}
}

func TestDispatchNoExecutor(t *testing.T) {
	m, repo, _, _ := testManager(t)
	ctx := context.Background()

	job, _, err := m.CreateJob(ctx, CreateParams{OwnerID: "refund-1", Payload: refundPayload(), MaxRetries: 3})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Dispatch(ctx, job.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if got := repo.jobs[job.ID].Status; got != models.JobFailed {
		t.Fatalf("missing executor should fail the job, got %s", got)
	}
}

func TestDispatchMissingJob(t *testing.T) {
	m, _, _, _ := testManager(t)
	if err := m.Dispatch(context.Background(), "nope"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSweepDuePromotesRetrying(t *testing.T) {
	m, _, q, _ := testManager(t)
	ctx := context.Background()

	m.Register(models.KindProcessRefund, func(_ context.Context, _ models.Job) (json.RawMessage, error) {
		return nil, models.Retryablef("503 from gateway")
	})
	job, _, err := m.CreateJob(ctx, CreateParams{OwnerID: "refund-1", Payload: refundPayload(), MaxRetries: 3})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Dispatch(ctx, job.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	q.ready = nil

	n, err := m.SweepDue(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 || len(q.ready) != 1 || q.ready[0] != job.ID {
		t.Fatalf("retrying job not promoted: n=%d ready=%v", n, q.ready)
	}

	// Before the backoff elapses nothing is due.
	n, err = m.SweepDue(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("swept %d jobs before their backoff elapsed", n)
	}
}

func TestSweepStaleReapsOldRunning(t *testing.T) {
	m, repo, q, _ := testManager(t)
	ctx := context.Background()

	job, _, err := m.CreateJob(ctx, CreateParams{OwnerID: "refund-1", Payload: refundPayload(), MaxRetries: 3})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	stored := repo.jobs[job.ID]
	stored.Status = models.JobRunning
	stored.CreatedAt = time.Now().Add(-48 * time.Hour)

	n, err := m.SweepStale(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("sweep stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("reaped %d, want 1", n)
	}
	if stored.Status != models.JobFailed {
		t.Fatalf("stale job status = %s, want FAILED", stored.Status)
	}
	if len(q.acked) != 1 || q.acked[0] != job.ID {
		t.Fatalf("stale job lease not acked: %v", q.acked)
	}
}

func TestSweepStaleSparesDeferredJob(t *testing.T) {
	m, repo, _, _ := testManager(t)
	ctx := context.Background()

	job, _, err := m.CreateJob(ctx, CreateParams{
		OwnerID:     "refund-1",
		Payload:     refundPayload(),
		MaxRetries:  3,
		ScheduledAt: time.Now().Add(5 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// The row is old, but its scheduled time is still days away. Waiting is
	// not hanging.
	repo.jobs[job.ID].CreatedAt = time.Now().Add(-48 * time.Hour)

	n, err := m.SweepStale(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("sweep stale: %v", err)
	}
	if n != 0 {
		t.Fatalf("reaped %d, want 0", n)
	}
	if got := repo.jobs[job.ID].Status; got != models.JobPending {
		t.Fatalf("deferred job status = %s, want PENDING", got)
	}
}

func TestCreateJobDefaultsRetryBudget(t *testing.T) {
	m, repo, _, _ := testManager(t)

	job, _, err := m.CreateJob(context.Background(), CreateParams{
		OwnerID: "refund-1",
		Payload: refundPayload(),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := repo.jobs[job.ID].MaxRetries; got != defaultMaxRetries {
		t.Fatalf("max retries = %d, want %d", got, defaultMaxRetries)
	}
}

func TestPurgeCompleted(t *testing.T) {
	m, repo, _, _ := testManager(t)
	ctx := context.Background()

	m.Register(models.KindProcessRefund, func(_ context.Context, _ models.Job) (json.RawMessage, error) {
		return nil, nil
	})
	job, _, err := m.CreateJob(ctx, CreateParams{OwnerID: "refund-1", Payload: refundPayload(), MaxRetries: 3})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := m.Dispatch(ctx, job.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	repo.jobs[job.ID].CreatedAt = time.Now().Add(-60 * 24 * time.Hour)

	n, err := m.PurgeCompleted(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	if _, ok := repo.jobs[job.ID]; ok {
		t.Fatalf("terminal job not deleted")
	}
}
