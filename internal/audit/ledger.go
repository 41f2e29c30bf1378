// Package audit is the append-only ledger of state mutations. Every write
// the engine makes lands here with a before/after diff; the trail is the
// compliance record and the input for integrity checks.
package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"marketplace-reconciler/internal/models"
	"marketplace-reconciler/internal/store"
	"marketplace-reconciler/internal/telemetry"
	"marketplace-reconciler/internal/transition"
)

// Repository is the slice of the store the ledger needs.
type Repository interface {
	AppendAudit(ctx context.Context, p store.AppendAuditParams) error
	FindAuditBySubject(ctx context.Context, subjectID string) ([]models.AuditLogEntry, error)
	PurgeAudit(ctx context.Context, cutoff time.Time) (int64, error)
}

// Ledger appends and reads audit records.
type Ledger struct {
	repo Repository
	log  *logrus.Logger
}

func New(repo Repository, log *logrus.Logger) *Ledger {
	return &Ledger{repo: repo, log: log}
}

// Action describes one mutation to record.
type Action struct {
	SubjectID string
	Action    string
	ActorID   string
	Before    any
	After     any
	Reason    string
	Metadata  map[string]any
}

const redactedPlaceholder = "[REDACTED]"

var sensitiveFragments = []string{"password", "token", "secret", "key"}

// Build computes the field diff and redacts sensitive metadata, producing
// the row an action appends. Exposed so a caller holding a transaction can
// commit the audit row together with the status write.
func (l *Ledger) Build(act Action) store.AppendAuditParams {
	if act.ActorID == "" {
		act.ActorID = models.SystemActor
	}
	before := marshalSnapshot(act.Before)
	after := marshalSnapshot(act.After)
	return store.AppendAuditParams{
		SubjectID: act.SubjectID,
		Action:    act.Action,
		ActorID:   act.ActorID,
		Before:    before,
		After:     after,
		Diff:      computeDiff(before, after),
		Reason:    act.Reason,
		Metadata:  marshalSnapshot(redactMetadata(act.Metadata)),
	}
}

// LogAction appends the record for an action. A failed append never aborts
// the primary operation: it is logged, counted, and swallowed.
func (l *Ledger) LogAction(ctx context.Context, act Action) {
	if err := l.repo.AppendAudit(ctx, l.Build(act)); err != nil {
		telemetry.AuditAppendFail.Inc()
		l.log.WithError(err).WithFields(logrus.Fields{
			"subject_id": act.SubjectID,
			"action":     act.Action,
		}).Error("audit append failed")
	}
}

// GetTrail returns a subject's ordered timeline plus its summary.
func (l *Ledger) GetTrail(ctx context.Context, subjectID string) (models.Trail, error) {
	entries, err := l.repo.FindAuditBySubject(ctx, subjectID)
	if err != nil {
		return models.Trail{}, err
	}

	summary := models.TrailSummary{TotalActions: len(entries)}
	actors := make(map[string]struct{})
	for i, e := range entries {
		actors[e.ActorID] = struct{}{}
		if models.CriticalAction(e.Action) {
			summary.CriticalCount++
		}
		if i == 0 {
			first := e.CreatedAt
			summary.FirstAt = &first
		}
		if i == len(entries)-1 {
			last := e.CreatedAt
			summary.LastAt = &last
		}
	}
	summary.DistinctActors = len(actors)

	return models.Trail{SubjectID: subjectID, Entries: entries, Summary: summary}, nil
}

// IntegrityIssue is one structural defect found in a trail.
type IntegrityIssue struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// rapidRepeatWindow flags the same actor repeating the same action faster
// than a human review cycle plausibly allows.
const rapidRepeatWindow = 5 * time.Minute

// ValidateIntegrity checks a subject's trail against its observed state:
// missing creation record, an observed non-initial status with no entry
// carrying it, and suspicious rapid repeats.
func (l *Ledger) ValidateIntegrity(ctx context.Context, subjectID, entityKind, currentStatus string) ([]IntegrityIssue, error) {
	entries, err := l.repo.FindAuditBySubject(ctx, subjectID)
	if err != nil {
		return nil, err
	}

	var issues []IntegrityIssue
	if len(entries) == 0 {
		issues = append(issues, IntegrityIssue{Code: "no_audit_trail", Detail: "subject has no audit entries"})
	} else if entries[0].Action != models.ActionCreate {
		issues = append(issues, IntegrityIssue{Code: "missing_creation_record", Detail: "first entry is " + entries[0].Action + ", expected CREATE"})
	}

	if currentStatus != "" && currentStatus != transition.Initial(entityKind) {
		if !statusRecorded(entries, currentStatus) {
			issues = append(issues, IntegrityIssue{
				Code:   "missing_status_audit",
				Detail: "status " + currentStatus + " has no matching audit entry",
			})
		}
	}

	type actorAction struct{ actor, action string }
	last := make(map[actorAction]time.Time)
	for _, e := range entries {
		k := actorAction{e.ActorID, e.Action}
		if prev, ok := last[k]; ok && e.CreatedAt.Sub(prev) < rapidRepeatWindow {
			issues = append(issues, IntegrityIssue{
				Code:   "rapid_repeat",
				Detail: e.ActorID + " repeated " + e.Action + " within " + rapidRepeatWindow.String(),
			})
		}
		last[k] = e.CreatedAt
	}

	return issues, nil
}

// Purge bulk-deletes entries past the retention window.
func (l *Ledger) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	return l.repo.PurgeAudit(ctx, time.Now().Add(-retention))
}

// statusRecorded reports whether any entry's after snapshot carries status.
func statusRecorded(entries []models.AuditLogEntry, status string) bool {
	for _, e := range entries {
		if len(e.After) == 0 {
			continue
		}
		var snap map[string]any
		if err := json.Unmarshal(e.After, &snap); err != nil {
			continue
		}
		if s, ok := snap["status"].(string); ok && s == status {
			return true
		}
	}
	return false
}

func marshalSnapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

// computeDiff returns the keys present in either snapshot whose serialized
// values differ.
func computeDiff(before, after json.RawMessage) json.RawMessage {
	var b, a map[string]any
	if len(before) > 0 {
		_ = json.Unmarshal(before, &b)
	}
	if len(after) > 0 {
		_ = json.Unmarshal(after, &a)
	}
	if b == nil && a == nil {
		return nil
	}

	diff := make(map[string]models.FieldChange)
	for k, bv := range b {
		av, ok := a[k]
		if !ok || !sameValue(bv, av) {
			diff[k] = models.FieldChange{From: bv, To: av}
		}
	}
	for k, av := range a {
		if _, ok := b[k]; !ok {
			diff[k] = models.FieldChange{From: nil, To: av}
		}
	}
	if len(diff) == 0 {
		return nil
	}
	raw, err := json.Marshal(diff)
	if err != nil {
		return nil
	}
	return raw
}

func sameValue(a, b any) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ra) == string(rb)
}

// redactMetadata replaces values under sensitive-looking keys.
func redactMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		lower := strings.ToLower(k)
		redacted := false
		for _, frag := range sensitiveFragments {
			if strings.Contains(lower, frag) {
				out[k] = redactedPlaceholder
				redacted = true
				break
			}
		}
		if !redacted {
			out[k] = v
		}
	}
	return out
}
