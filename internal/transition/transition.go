// Package transition holds the static status adjacency tables for every
// entity kind the engine drives, plus the validator run before any status
// write. Pure data, no side effects.
package transition

import (
	"fmt"

	"marketplace-reconciler/internal/models"
)

// tables maps entity kind -> status -> legal next statuses. Terminal
// statuses are present with an empty set so IsTerminal can distinguish them
// from unknown statuses.
var tables = map[string]map[string][]string{
	models.EntityRefund: {
		models.RefundPending:    {models.RefundApproved, models.RefundRejected, models.RefundCancelled},
		models.RefundApproved:   {models.RefundProcessing, models.RefundCancelled},
		models.RefundProcessing: {models.RefundCompleted, models.RefundFailed},
		models.RefundFailed:     {models.RefundProcessing},
		models.RefundCompleted:  {},
		models.RefundRejected:   {},
		models.RefundCancelled:  {},
	},
	models.EntityPayment: {
		models.PaymentCreated:    {models.PaymentAuthorized, models.PaymentFailed, models.PaymentCancelled},
		models.PaymentAuthorized: {models.PaymentCaptured, models.PaymentVoided, models.PaymentFailed},
		models.PaymentFailed:     {models.PaymentRetrying},
		models.PaymentRetrying:   {models.PaymentAuthorized, models.PaymentFailed},
		models.PaymentCaptured:   {},
		models.PaymentVoided:     {},
		models.PaymentCancelled:  {},
	},
	models.EntitySettlement: {
		models.SettlementScheduled:      {models.SettlementCalculating, models.SettlementCancelled},
		models.SettlementCalculating:    {models.SettlementAwaitingPayout, models.SettlementFailed},
		models.SettlementAwaitingPayout: {models.SettlementPaid, models.SettlementFailed},
		models.SettlementFailed:         {models.SettlementCalculating},
		models.SettlementPaid:           {},
		models.SettlementCancelled:      {},
	},
	models.EntityJob: {
		models.JobPending:   {models.JobRunning, models.JobFailed},
		models.JobRunning:   {models.JobCompleted, models.JobRetrying, models.JobFailed},
		models.JobRetrying:  {models.JobRunning, models.JobFailed},
		models.JobCompleted: {},
		models.JobFailed:    {},
	},
}

// initials maps entity kind to the status new entities are born with.
var initials = map[string]string{
	models.EntityRefund:     models.RefundPending,
	models.EntityPayment:    models.PaymentCreated,
	models.EntitySettlement: models.SettlementScheduled,
	models.EntityJob:        models.JobPending,
}

// Initial returns the starting status for an entity kind.
func Initial(kind string) string {
	return initials[kind]
}

// CanTransition reports whether kind may legally move from -> to. Unknown
// kinds and statuses are never legal.
func CanTransition(kind, from, to string) bool {
	table, ok := tables[kind]
	if !ok {
		return false
	}
	for _, next := range table[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether status has no outgoing edges for kind.
func IsTerminal(kind, status string) bool {
	table, ok := tables[kind]
	if !ok {
		return false
	}
	next, known := table[status]
	return known && len(next) == 0
}

// Validate rejects an illegal move with ErrInvalidTransition. Callers run
// this before every status write; illegal moves are never coerced.
func Validate(kind, from, to string) error {
	if !CanTransition(kind, from, to) {
		return fmt.Errorf("%w: %s %s -> %s", models.ErrInvalidTransition, kind, from, to)
	}
	return nil
}
