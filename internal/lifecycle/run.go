package lifecycle

import (
	"context"
	"errors"
	"time"

	"marketplace-reconciler/internal/models"
	"marketplace-reconciler/internal/telemetry"
)

// Run is the worker dispatch loop: reclaim expired leases, pull the next due
// job, dispatch it, ack. Multiple workers run this concurrently; the atomic
// claim in Dispatch settles who wins a job.
func (m *Manager) Run(ctx context.Context, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if reclaimed, err := m.queue.RequeueExpired(ctx, time.Now(), 100); err == nil && len(reclaimed) > 0 {
			telemetry.InFlightGauge.Sub(float64(len(reclaimed)))
			m.log.WithField("count", len(reclaimed)).Warn("expired leases reclaimed")
		}
		if depth, err := m.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		jobID, err := m.queue.DequeueWithLease(ctx)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(pollInterval):
			}
			continue
		}

		telemetry.InFlightGauge.Inc()
		if err := m.Dispatch(ctx, jobID); err != nil && !errors.Is(err, models.ErrNotFound) {
			m.log.WithError(err).WithField("job_id", jobID).Error("dispatch failed")
		}
		// Lost claims and vanished jobs are acked too: the row either became
		// terminal or another worker owns it now.
		if err := m.queue.Ack(ctx, jobID); err != nil {
			m.log.WithError(err).WithField("job_id", jobID).Warn("ack failed")
		}
		telemetry.InFlightGauge.Dec()
	}
}

// RunSweeps drives the periodic maintenance until context cancellation:
// the due sweep, the stale-job reaper, and the terminal purge.
func (m *Manager) RunSweeps(ctx context.Context, dueEvery, staleEvery, purgeEvery, staleMaxAge, retention time.Duration) {
	dueTicker := time.NewTicker(dueEvery)
	staleTicker := time.NewTicker(staleEvery)
	purgeTicker := time.NewTicker(purgeEvery)
	defer dueTicker.Stop()
	defer staleTicker.Stop()
	defer purgeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-dueTicker.C:
			if _, err := m.SweepDue(ctx, time.Now()); err != nil {
				m.log.WithError(err).Error("due sweep failed")
			}
		case <-staleTicker.C:
			if n, err := m.SweepStale(ctx, staleMaxAge); err != nil {
				m.log.WithError(err).Error("stale sweep failed")
			} else if n > 0 {
				m.log.WithField("reaped", n).Warn("stale jobs failed by reaper")
			}
		case <-purgeTicker.C:
			if _, err := m.PurgeCompleted(ctx, retention); err != nil {
				m.log.WithError(err).Error("purge failed")
			}
		}
	}
}
