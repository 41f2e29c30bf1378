package models

import (
	"encoding/json"
	"time"
)

// Job statuses persisted in Postgres.
const (
	JobPending   = "PENDING"
	JobRunning   = "RUNNING"
	JobRetrying  = "RETRYING"
	JobCompleted = "COMPLETED"
	JobFailed    = "FAILED"
)

// Job kinds registered with the lifecycle manager.
const (
	KindProcessRefund    = "PROCESS_REFUND"
	KindRetryPayment     = "RETRY_PAYMENT"
	KindSyncGateway      = "SYNC_GATEWAY"
	KindSettlementBatch  = "SETTLEMENT_BATCH"
	KindSendNotification = "SEND_NOTIFICATION"
)

// kindWeights orders dispatch when multiple jobs are due: higher runs first.
var kindWeights = map[string]int{
	KindProcessRefund:    30,
	KindRetryPayment:     25,
	KindSettlementBatch:  20,
	KindSendNotification: 10,
	KindSyncGateway:      5,
}

// KindWeight returns the static dispatch weight for a job kind.
func KindWeight(kind string) int {
	return kindWeights[kind]
}

// KindPriority maps a job kind to a named priority queue.
func KindPriority(kind string) string {
	w := KindWeight(kind)
	switch {
	case w >= 25:
		return "high"
	case w >= 10:
		return "default"
	default:
		return "low"
	}
}

// Job represents one unit of scheduled asynchronous work tied to a domain entity.
type Job struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Status      string          `json:"status"`
	OwnerID     string          `json:"owner_id"`
	Payload     json.RawMessage `json:"payload"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	NextRetryAt *time.Time      `json:"next_retry_at,omitempty"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	Result      json.RawMessage `json:"result,omitempty"`
	LastError   *string         `json:"last_error,omitempty"`
	CreatedBy   string          `json:"created_by"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Terminal reports whether the job can no longer change status.
func (j Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}
