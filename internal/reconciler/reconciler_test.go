package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"marketplace-reconciler/internal/audit"
	"marketplace-reconciler/internal/gateway"
	"marketplace-reconciler/internal/idempotency"
	"marketplace-reconciler/internal/models"
	"marketplace-reconciler/internal/store"
)

type fakeWebhookRepo struct {
	mu      sync.Mutex
	records map[string]*models.WebhookRecord
	order   []string
	keys    map[string]string
}

func newFakeWebhookRepo() *fakeWebhookRepo {
	return &fakeWebhookRepo{
		records: make(map[string]*models.WebhookRecord),
		keys:    make(map[string]string),
	}
}

func (f *fakeWebhookRepo) CreateWebhook(_ context.Context, p store.CreateWebhookParams) (models.WebhookRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	rec := models.WebhookRecord{
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
	}
	f.records[id] = &rec
	f.order = append(f.order, id)
	return rec, nil
}

func (f *fakeWebhookRepo) GetWebhook(_ context.Context, id string) (models.WebhookRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return models.WebhookRecord{}, models.ErrNotFound
	}
	return *rec, nil
}

func (f *fakeWebhookRepo) FindWebhookByDeliveryKey(_ context.Context, provider, deliveryID, eventType string) (models.WebhookRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.order {
		rec := f.records[id]
		if rec.Provider == provider && rec.DeliveryID == deliveryID && rec.EventType == eventType &&
			rec.Verified && rec.Status != models.WebhookIgnored {
			return *rec, nil
		}
	}
	return models.WebhookRecord{}, models.ErrNotFound
}

func (f *fakeWebhookRepo) UpdateWebhookStatus(_ context.Context, id, status string, entityID, lastError *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return models.ErrNotFound
	}
	rec.Status = status
	if entityID != nil {
		rec.EntityID = entityID
	}
	rec.LastError = lastError
	return nil
}

func (f *fakeWebhookRepo) ReserveKey(_ context.Context, key, refID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, taken := f.keys[key]; taken {
		return false, nil
	}
	f.keys[key] = refID
	return true, nil
}

func (f *fakeWebhookRepo) ReleaseKey(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.keys, key)
	return nil
}

func (f *fakeWebhookRepo) FindKeyRef(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ref, ok := f.keys[key]
	if !ok {
		return "", models.ErrNotFound
	}
	return ref, nil
}

type nopRecorder struct{}

func (nopRecorder) LogAction(context.Context, audit.Action) {}

const testSecret = "whsec_test"

func testReconciler() (*Reconciler, *fakeWebhookRepo) {
	repo := newFakeWebhookRepo()
	log := logrus.New()
	r := New(repo, idempotency.New(repo), nopRecorder{}, map[string]string{"stripeish": testSecret}, log)
	return r, repo
}

func signedDelivery(eventType string, payload []byte) Delivery {
	return Delivery{
		Provider:   "stripeish",
		DeliveryID: "evt_123",
		EventType:  eventType,
		Payload:    payload,
		Signature:  gateway.Sign(payload, testSecret),
	}
}

func TestIngestProcessed(t *testing.T) {
	r, repo := testReconciler()
	r.RegisterHandler("refund.processed", func(_ context.Context, rec models.WebhookRecord) (string, error) {
		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Payload, &body))
		return body["refund_id"], nil
	})

	payload := []byte(`{"refund_id":"refund-1"}`)
	rec, outcome, err := r.Ingest(context.Background(), signedDelivery("refund.processed", payload))
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, outcome)
	require.Equal(t, models.WebhookProcessed, rec.Status)
	require.NotNil(t, rec.EntityID)
	require.Equal(t, "refund-1", *rec.EntityID)
	require.Equal(t, models.WebhookProcessed, repo.records[rec.ID].Status)
}

func TestIngestBadSignature(t *testing.T) {
	r, repo := testReconciler()

	d := signedDelivery("refund.processed", []byte(`{"refund_id":"refund-1"}`))
	d.Signature = "deadbeef"
	rec, outcome, err := r.Ingest(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, outcome)
	require.Equal(t, models.WebhookFailed, rec.Status)
	require.False(t, rec.Verified)
	// Forged deliveries never consume the dedup key.
	require.Empty(t, repo.keys)
}

func TestIngestUnknownProviderRejected(t *testing.T) {
	r, _ := testReconciler()

	payload := []byte(`{}`)
	d := Delivery{
		Provider:   "unknown",
		DeliveryID: "evt_9",
		EventType:  "refund.processed",
		Payload:    payload,
		Signature:  gateway.Sign(payload, "whatever"),
	}
	_, outcome, err := r.Ingest(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, outcome)
}

func TestIngestDuplicateIgnored(t *testing.T) {
	r, repo := testReconciler()
	calls := 0
	r.RegisterHandler("refund.processed", func(_ context.Context, _ models.WebhookRecord) (string, error) {
		calls++
		return "refund-1", nil
	})

	d := signedDelivery("refund.processed", []byte(`{"refund_id":"refund-1"}`))
	_, outcome, err := r.Ingest(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, outcome)

	rec, outcome, err := r.Ingest(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, outcome)
	require.Equal(t, models.WebhookIgnored, rec.Status)
	require.Equal(t, 1, calls, "handler must run once per delivery")
	// Both deliveries leave a row behind, and the shelved one points back at
	// the record that carries the processing outcome.
	require.Len(t, repo.records, 2)
	first, err := repo.FindWebhookByDeliveryKey(context.Background(), d.Provider, d.DeliveryID, d.EventType)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, rec.ID)
	require.NotNil(t, rec.LastError)
	require.Equal(t, "duplicate of "+first.ID, *rec.LastError)
	require.NotNil(t, rec.EntityID)
	require.Equal(t, "refund-1", *rec.EntityID)
}

func TestIngestConcurrentDuplicatesAdmitOne(t *testing.T) {
	r, repo := testReconciler()
	var calls atomic.Int32
	r.RegisterHandler("refund.processed", func(_ context.Context, _ models.WebhookRecord) (string, error) {
		calls.Add(1)
		return "refund-1", nil
	})

	type result struct {
		outcome Outcome
		err     error
	}
	d := signedDelivery("refund.processed", []byte(`{"refund_id":"refund-1"}`))
	results := make(chan result, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, outcome, err := r.Ingest(context.Background(), d)
			results <- result{outcome, err}
		}()
	}
	wg.Wait()
	close(results)

	got := map[Outcome]int{}
	for res := range results {
		require.NoError(t, res.err)
		got[res.outcome]++
	}
	require.Equal(t, 1, got[OutcomeProcessed], "exactly one delivery is admitted")
	require.Equal(t, 1, got[OutcomeIgnored], "the loser is shelved")
	require.Equal(t, int32(1), calls.Load(), "handler must run once")
	require.Len(t, repo.records, 2)
}

func TestIngestUnknownEventTypeShelved(t *testing.T) {
	r, _ := testReconciler()

	rec, outcome, err := r.Ingest(context.Background(), signedDelivery("refund.disputed", []byte(`{}`)))
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, outcome)
	require.Equal(t, models.WebhookIgnored, rec.Status)
}

func TestIngestHandlerFailureReleasesKey(t *testing.T) {
	r, repo := testReconciler()
	r.RegisterHandler("refund.processed", func(_ context.Context, _ models.WebhookRecord) (string, error) {
		return "refund-1", errors.New("entity lookup failed")
	})

	d := signedDelivery("refund.processed", []byte(`{"refund_id":"refund-1"}`))
	rec, outcome, err := r.Ingest(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, outcome)
	require.Equal(t, models.WebhookFailed, rec.Status)
	require.NotNil(t, rec.LastError)

	// The key was released, so re-delivery reprocesses instead of deduping.
	r.RegisterHandler("refund.processed", func(_ context.Context, _ models.WebhookRecord) (string, error) {
		return "refund-1", nil
	})
	rec2, outcome, err := r.Ingest(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, outcome)
	require.Equal(t, models.WebhookProcessed, repo.records[rec2.ID].Status)
}

func TestIngestHandlerPanicRecorded(t *testing.T) {
	r, _ := testReconciler()
	r.RegisterHandler("refund.processed", func(_ context.Context, _ models.WebhookRecord) (string, error) {
		panic("boom")
	})

	rec, outcome, err := r.Ingest(context.Background(), signedDelivery("refund.processed", []byte(`{}`)))
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, outcome)
	require.Contains(t, *rec.LastError, "panic")
}

func TestRetryFailed(t *testing.T) {
	r, repo := testReconciler()
	r.RegisterHandler("refund.processed", func(_ context.Context, _ models.WebhookRecord) (string, error) {
		return "", errors.New("transient store error")
	})

	d := signedDelivery("refund.processed", []byte(`{"refund_id":"refund-1"}`))
	rec, outcome, err := r.Ingest(context.Background(), d)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, outcome)

	r.RegisterHandler("refund.processed", func(_ context.Context, _ models.WebhookRecord) (string, error) {
		return "refund-1", nil
	})
	retried, outcome, err := r.RetryFailed(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeProcessed, outcome)
	require.Equal(t, models.WebhookProcessed, retried.Status)
	require.Equal(t, models.WebhookProcessed, repo.records[rec.ID].Status)
}

func TestRetryFailedRejectsNonFailed(t *testing.T) {
	r, _ := testReconciler()
	r.RegisterHandler("refund.processed", func(_ context.Context, _ models.WebhookRecord) (string, error) {
		return "refund-1", nil
	})

	rec, _, err := r.Ingest(context.Background(), signedDelivery("refund.processed", []byte(`{}`)))
	require.NoError(t, err)

	_, _, err = r.RetryFailed(context.Background(), rec.ID)
	require.Error(t, err)
}

func TestRetryFailedLostRaceShelved(t *testing.T) {
	r, repo := testReconciler()
	r.RegisterHandler("refund.processed", func(_ context.Context, _ models.WebhookRecord) (string, error) {
		return "", errors.New("down")
	})

	d := signedDelivery("refund.processed", []byte(`{}`))
	rec, _, err := r.Ingest(context.Background(), d)
	require.NoError(t, err)

	// A re-delivery claims the key before the manual retry runs.
	key := idempotency.WebhookKey(d.Provider, d.DeliveryID, d.EventType)
	repo.keys[key] = "someone-else"

	retried, outcome, err := r.RetryFailed(context.Background(), rec.ID)
	require.NoError(t, err)
	require.Equal(t, OutcomeIgnored, outcome)
	require.Equal(t, models.WebhookIgnored, retried.Status)
}

func TestRetryFailedUnknownID(t *testing.T) {
	r, _ := testReconciler()
	_, _, err := r.RetryFailed(context.Background(), "missing")
	require.ErrorIs(t, err, models.ErrNotFound)
}
