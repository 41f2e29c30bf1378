package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"marketplace-reconciler/internal/audit"
	"marketplace-reconciler/internal/config"
	"marketplace-reconciler/internal/lifecycle"
	"marketplace-reconciler/internal/models"
	"marketplace-reconciler/internal/queue"
	"marketplace-reconciler/internal/ratelimit"
	"marketplace-reconciler/internal/reconciler"
	"marketplace-reconciler/internal/service"
	"marketplace-reconciler/internal/telemetry"
)

const maxBodyBytes = 1 << 20

// Server wires HTTP handlers for the back-office API: webhook ingress,
// job submission, domain entity actions, and audit reads.
type Server struct {
	cfg      config.Config
	refunds  *service.RefundService
	payments *service.PaymentService
	settles  *service.SettlementService
	manager  *lifecycle.Manager
	rec      *reconciler.Reconciler
	ledger   *audit.Ledger
	exporter *audit.Exporter
	queue    *queue.RedisQueue
	limiter  *ratelimit.ProviderLimiter
	log      *logrus.Logger
}

// New constructs the API server. exporter may be nil when no trail bucket
// is configured.
func New(cfg config.Config, refunds *service.RefundService, payments *service.PaymentService, settles *service.SettlementService, m *lifecycle.Manager, rec *reconciler.Reconciler, ledger *audit.Ledger, exporter *audit.Exporter, q *queue.RedisQueue, limiter *ratelimit.ProviderLimiter, log *logrus.Logger) *Server {
	return &Server{
		cfg:      cfg,
		refunds:  refunds,
		payments: payments,
		settles:  settles,
		manager:  m,
		rec:      rec,
		ledger:   ledger,
		exporter: exporter,
		queue:    q,
		limiter:  limiter,
		log:      log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhooks/{provider}", s.handleWebhook)
	r.Post("/webhooks/records/{id}/retry", s.handleWebhookRetry)

	r.Post("/jobs", s.handleCreateJob)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/dlq", s.handleDLQ)

	r.Post("/refunds", s.handleCreateRefund)
	r.Post("/refunds/{id}/approve", s.handleRefundAction(s.refunds.Approve))
	r.Post("/refunds/{id}/reject", s.handleRefundAction(s.refunds.Reject))
	r.Post("/refunds/{id}/cancel", s.handleRefundAction(s.refunds.Cancel))

	r.Post("/payments", s.handleRegisterPayment)
	r.Post("/payments/{id}/retry", s.handlePaymentRetry)
	r.Post("/settlements", s.handleScheduleSettlement)

	r.Get("/audit/{subjectID}", s.handleAuditTrail)
	r.Get("/audit/{subjectID}/integrity", s.handleAuditIntegrity)
	r.Post("/audit/{subjectID}/export", s.handleAuditExport)
	return r
}

type webhookResponse struct {
	WebhookID string `json:"webhook_id"`
	Outcome   string `json:"outcome"`
}

// handleWebhook ingests a gateway delivery. Any delivery that was durably
// recorded is acknowledged with 200 so the gateway stops redelivering; only
// storage failures return 5xx.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), provider)
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	deliveryID := r.Header.Get("X-Delivery-ID")
	eventType := r.Header.Get("X-Event-Type")
	if deliveryID == "" || eventType == "" {
		http.Error(w, "X-Delivery-ID and X-Event-Type headers are required", http.StatusBadRequest)
		return
	}

	rec, outcome, err := s.rec.Ingest(r.Context(), reconciler.Delivery{
		Provider:   provider,
		DeliveryID: deliveryID,
		EventType:  eventType,
		Payload:    body,
		Signature:  r.Header.Get("X-Signature"),
	})
	if err != nil {
		s.log.WithError(err).WithField("provider", provider).Error("webhook ingest failed")
		http.Error(w, "ingest failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{WebhookID: rec.ID, Outcome: string(outcome)})
}

func (s *Server) handleWebhookRetry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, outcome, err := s.rec.RetryFailed(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "webhook not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{WebhookID: rec.ID, Outcome: string(outcome)})
}

type createJobRequest struct {
	Kind        string          `json:"kind"`
	OwnerID     string          `json:"owner_id"`
	Payload     json.RawMessage `json:"payload"`
	MaxRetries  int             `json:"max_retries"`
	ScheduledAt *time.Time      `json:"scheduled_at"`
	DelaySecs   int             `json:"delay_seconds"`
}

type createJobResponse struct {
	Job       models.Job `json:"job"`
	Duplicate bool       `json:"duplicate"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		http.Error(w, "kind is required", http.StatusBadRequest)
		return
	}
	payload, err := models.DecodePayload(req.Kind, req.Payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = s.cfg.MaxRetries
	}
	scheduledAt := time.Now()
	if req.ScheduledAt != nil {
		scheduledAt = *req.ScheduledAt
	}
	if req.DelaySecs > 0 {
		scheduledAt = time.Now().Add(time.Duration(req.DelaySecs) * time.Second)
	}

	job, duplicate, err := s.manager.CreateJob(r.Context(), lifecycle.CreateParams{
		OwnerID:     req.OwnerID,
		Payload:     payload,
		MaxRetries:  req.MaxRetries,
		ScheduledAt: scheduledAt,
		CreatedBy:   actorFromRequest(r),
	})
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "owner entity not found", http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	code := http.StatusAccepted
	if duplicate {
		code = http.StatusOK
	}
	writeJSON(w, code, createJobResponse{Job: job, Duplicate: duplicate})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleDLQ returns dead-lettered job IDs.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type createRefundRequest struct {
	OrderID  string          `json:"order_id"`
	SellerID string          `json:"seller_id"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

func (s *Server) handleCreateRefund(w http.ResponseWriter, r *http.Request) {
	var req createRefundRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.OrderID == "" || req.Amount.LessThanOrEqual(decimal.Zero) {
		http.Error(w, "order_id and a positive amount are required", http.StatusBadRequest)
		return
	}
	e, err := s.refunds.CreateRefund(r.Context(), req.OrderID, req.SellerID, req.Amount, req.Currency, actorFromRequest(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

type actionRequest struct {
	Reason string `json:"reason"`
}

// handleRefundAction adapts Approve/Reject/Cancel to a handler.
func (s *Server) handleRefundAction(fn func(ctx context.Context, id, actor, reason string) (models.Entity, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req actionRequest
		_ = json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req)
		e, err := fn(r.Context(), chi.URLParam(r, "id"), actorFromRequest(r), req.Reason)
		if err != nil {
			writeEntityError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, e)
	}
}

func (s *Server) handleRegisterPayment(w http.ResponseWriter, r *http.Request) {
	var req createRefundRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.OrderID == "" || req.Amount.LessThanOrEqual(decimal.Zero) {
		http.Error(w, "order_id and a positive amount are required", http.StatusBadRequest)
		return
	}
	e, err := s.payments.RegisterPayment(r.Context(), req.OrderID, req.Amount, req.Currency, actorFromRequest(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handlePaymentRetry(w http.ResponseWriter, r *http.Request) {
	var req actionRequest
	_ = json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req)
	e, err := s.payments.RequestRetry(r.Context(), chi.URLParam(r, "id"), actorFromRequest(r), req.Reason)
	if err != nil {
		writeEntityError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

type scheduleSettlementRequest struct {
	SellerIDs   []string        `json:"seller_ids"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	PeriodStart time.Time       `json:"period_start"`
	PeriodEnd   time.Time       `json:"period_end"`
}

func (s *Server) handleScheduleSettlement(w http.ResponseWriter, r *http.Request) {
	var req scheduleSettlementRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(req.SellerIDs) == 0 || req.PeriodEnd.IsZero() {
		http.Error(w, "seller_ids and period_end are required", http.StatusBadRequest)
		return
	}
	e, err := s.settles.ScheduleSettlement(r.Context(), req.SellerIDs, req.Amount, req.Currency, req.PeriodStart, req.PeriodEnd, actorFromRequest(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	trail, err := s.ledger.GetTrail(r.Context(), chi.URLParam(r, "subjectID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(trail.Entries) == 0 {
		http.Error(w, "no audit trail for subject", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, trail)
}

func (s *Server) handleAuditIntegrity(w http.ResponseWriter, r *http.Request) {
	subjectID := chi.URLParam(r, "subjectID")
	kind := r.URL.Query().Get("kind")
	status := r.URL.Query().Get("status")
	issues, err := s.ledger.ValidateIntegrity(r.Context(), subjectID, kind, status)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject_id": subjectID,
		"valid":      len(issues) == 0,
		"issues":     issues,
	})
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		http.Error(w, "trail export is not configured", http.StatusNotImplemented)
		return
	}
	trail, err := s.ledger.GetTrail(r.Context(), chi.URLParam(r, "subjectID"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(trail.Entries) == 0 {
		http.Error(w, "no audit trail for subject", http.StatusNotFound)
		return
	}
	uri, err := s.exporter.ExportTrail(r.Context(), trail)
	if err != nil {
		http.Error(w, "export failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"location": uri})
}

func writeEntityError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, "entity not found", http.StatusNotFound)
	case errors.Is(err, models.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func actorFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Actor-ID"); v != "" {
		return v
	}
	return models.SystemActor
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
