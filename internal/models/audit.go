package models

import (
	"encoding/json"
	"time"
)

// Audit actions. The critical set drives the trail summary.
const (
	ActionCreate   = "CREATE"
	ActionUpdate   = "UPDATE"
	ActionApprove  = "APPROVE"
	ActionReject   = "REJECT"
	ActionProcess  = "PROCESS"
	ActionComplete = "COMPLETE"
	ActionFail     = "FAIL"
	ActionCancel   = "CANCEL"
)

// SystemActor is the actor id recorded for mutations not made by a user.
const SystemActor = "SYSTEM"

// CriticalAction reports whether an action counts toward the trail's
// critical-action summary.
func CriticalAction(action string) bool {
	switch action {
	case ActionApprove, ActionReject, ActionProcess, ActionComplete, ActionCancel:
		return true
	}
	return false
}

// AuditLogEntry is one append-only mutation record. Entries are never
// updated or deleted outside retention archival. Ordering is by timestamp,
// ties broken by Seq.
type AuditLogEntry struct {
	ID        string          `json:"id"`
	Seq       int64           `json:"seq"`
	SubjectID string          `json:"subject_id"`
	Action    string          `json:"action"`
	ActorID   string          `json:"actor_id"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
	Diff      json.RawMessage `json:"diff,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// FieldChange is one entry in a computed before/after diff.
type FieldChange struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// TrailSummary aggregates a subject's audit timeline.
type TrailSummary struct {
	TotalActions   int        `json:"total_actions"`
	DistinctActors int        `json:"distinct_actors"`
	CriticalCount  int        `json:"critical_count"`
	FirstAt        *time.Time `json:"first_at,omitempty"`
	LastAt         *time.Time `json:"last_at,omitempty"`
}

// Trail is the ordered timeline plus its summary.
type Trail struct {
	SubjectID string          `json:"subject_id"`
	Entries   []AuditLogEntry `json:"entries"`
	Summary   TrailSummary    `json:"summary"`
}
