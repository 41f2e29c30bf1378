package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"

	"marketplace-reconciler/internal/models"
	"marketplace-reconciler/internal/transition"
)

// executeSync is the SYNC_GATEWAY executor: poll the gateway for the
// authoritative status and converge the local entity onto it when the
// transition table allows. A remote status we cannot legally reach is
// reported in the result, not treated as a job failure.
func (c *Core) executeSync(ctx context.Context, job models.Job) (json.RawMessage, error) {
	p, err := models.DecodePayload(job.Kind, job.Payload)
	if err != nil {
		return nil, err
	}
	payload := p.(*models.GatewaySyncPayload)

	e, err := c.repo.GetEntity(ctx, payload.EntityID)
	if err != nil {
		return nil, err
	}
	if e.GatewayRef == nil || *e.GatewayRef == "" {
		return nil, fmt.Errorf("entity %s has no gateway reference to sync", e.ID)
	}

	remote, err := c.gw.SyncStatus(ctx, payload.Provider, *e.GatewayRef)
	if err != nil {
		return nil, err
	}

	out := map[string]any{
		"entity_id":     e.ID,
		"local_status":  e.Status,
		"remote_status": remote,
		"applied":       false,
	}
	switch {
	case remote == e.Status:
		// Already converged.
	case transition.CanTransition(e.Kind, e.Status, remote):
		if err := c.applyGatewayStatus(ctx, e.ID, remote, models.ActionUpdate, "status converged from gateway sync"); err != nil {
			return nil, err
		}
		out["applied"] = true
	default:
		c.log.WithFields(logrus.Fields{
			"entity_id":     e.ID,
			"local_status":  e.Status,
			"remote_status": remote,
		}).Warn("gateway sync found unreachable remote status")
		out["discrepancy"] = true
	}
	return json.Marshal(out)
}

// executeNotification is the SEND_NOTIFICATION executor. Delivery runs
// through the configured notifier, which never surfaces publish failures,
// so the job completes once the payload is handed off.
func (c *Core) executeNotification(ctx context.Context, job models.Job) (json.RawMessage, error) {
	p, err := models.DecodePayload(job.Kind, job.Payload)
	if err != nil {
		return nil, err
	}
	payload := p.(*models.NotificationPayload)

	c.notifier.Notify(ctx, payload.SubjectID, payload.EventKind, payload.Data)
	return json.Marshal(map[string]any{"delivered": payload.EventKind})
}
