package executor

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rosfleet/rosfleet/pkg/errdefs"
	"github.com/rosfleet/rosfleet/pkg/log"
	"github.com/rosfleet/rosfleet/pkg/metrics"
	"github.com/rosfleet/rosfleet/pkg/plan"
	"github.com/rosfleet/rosfleet/pkg/routeros"
	"github.com/rosfleet/rosfleet/pkg/types"
)

// Post-change degradation thresholds relative to the pre-change probe,
// in percentage points
const (
	maxCPUDelta = 30.0
	maxMemDelta = 20.0
)

// applyPlan executes an approved plan target by target. Targets run
// sequentially by default so one failure halts the blast radius; plans
// that opted into parallelism fan out.
func (e *Executor) applyPlan(ctx context.Context, job *types.Job) error {
	p, err := e.store.GetPlan(job.PlanID)
	if err != nil {
		return err
	}
	if p.Status != types.PlanStatusApproved {
		return errdefs.New(errdefs.CodePlanAlreadyApplied, "plan %s is %s, not approved", p.ID, p.Status)
	}
	if time.Now().After(p.ExpiresAt) {
		p.Status = types.PlanStatusExpired
		_ = e.store.UpdatePlan(p)
		return errdefs.New(errdefs.CodePlanExpired, "plan %s expired before execution", p.ID)
	}

	p.Status = types.PlanStatusExecuting
	if err := e.store.UpdatePlan(p); err != nil {
		return err
	}

	var applied, skipped int
	var firstErr error

	if p.ParallelTargets {
		g, gctx := errgroup.WithContext(ctx)
		for _, target := range p.Targets {
			target := target
			g.Go(func() error {
				outcome := e.applyTarget(gctx, p, job, target)
				return outcome
			})
		}
		firstErr = g.Wait()
		if firstErr == nil {
			applied = len(p.Targets)
		}
	} else {
		for _, target := range p.Targets {
			err := e.applyTarget(ctx, p, job, target)
			switch {
			case err == nil:
				applied++
			case errdefs.IsCode(err, errdefs.CodePreChangeHealthFailed),
				errdefs.IsCode(err, errdefs.CodeSnapshotCreateFailed):
				// Unhealthy or uncapturable devices are skipped; the
				// rest of the rollout continues
				skipped++
				if firstErr == nil {
					firstErr = err
				}
			default:
				// A rollback (or worse) halts the remaining targets
				firstErr = err
				goto done
			}
		}
	}

done:
	if firstErr == nil {
		p.Status = types.PlanStatusCompleted
	} else {
		p.Status = types.PlanStatusFailed
	}
	if err := e.store.UpdatePlan(p); err != nil {
		return err
	}
	metrics.PlansTotal.WithLabelValues(string(p.Status)).Inc()

	job.ResultSummary = fmt.Sprintf("%d applied, %d skipped of %d targets", applied, skipped, len(p.Targets))
	return firstErr
}

// applyTarget runs the pre-health / pre-snapshot / apply / settle /
// post-health / post-snapshot pipeline for one device. No device
// mutation happens before the pre-change snapshot is durable.
func (e *Executor) applyTarget(ctx context.Context, p *types.Plan, job *types.Job, target types.PlanTarget) error {
	device, err := e.store.GetDevice(target.DeviceID)
	if err != nil {
		return err
	}

	sem := e.deviceSem(device.ID)
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer sem.Release(1)

	preHealth, probeErr := e.health.Probe(ctx, device, "pre_change")
	if probeErr != nil {
		e.recordWrite(p, job, device, types.AuditResultFailure, "pre-change health check failed")
		return errdefs.Wrap(errdefs.CodePreChangeHealthFailed, probeErr,
			"device %s failed its pre-change health check", device.Name)
	}
	if preHealth.Status == types.HealthStateCritical || preHealth.Status == types.HealthStateError {
		e.recordWrite(p, job, device, types.AuditResultFailure, "pre-change health check failed")
		return errdefs.New(errdefs.CodePreChangeHealthFailed,
			"device %s failed its pre-change health check (%s)", device.Name, preHealth.Status)
	}

	preSnap, err := e.snapshots.Capture(ctx, device, types.SnapshotPreChange, "plan_apply", p.CorrelationID)
	if err != nil {
		e.recordWrite(p, job, device, types.AuditResultFailure, "pre-change snapshot failed")
		return err
	}

	for _, change := range target.Changes {
		op, err := plan.OperationFor(change)
		if err != nil {
			return e.rollback(ctx, p, job, device, preSnap, err)
		}
		if _, err := e.client.Call(ctx, device, op); err != nil {
			return e.rollback(ctx, p, job, device, preSnap, err)
		}
	}

	if err := e.settle(ctx); err != nil {
		return err
	}

	postHealth, err := e.health.Probe(ctx, device, "post_change")
	if err != nil {
		return e.rollback(ctx, p, job, device, preSnap,
			errdefs.Wrap(errdefs.CodePostChangeHealthFailed, err, "post-change probe failed on %s", device.Name))
	}
	if reason := degradation(preHealth, postHealth); reason != "" {
		return e.rollback(ctx, p, job, device, preSnap,
			errdefs.New(errdefs.CodePostChangeHealthFailed, "device %s degraded after change: %s", device.Name, reason))
	}

	if _, err := e.snapshots.Capture(ctx, device, types.SnapshotPostChange, "plan_apply", p.CorrelationID); err != nil {
		// The change is live and healthy; a missing post-change capture
		// is not worth rolling back over
		e.logger.Warn().Err(err).Str("device_id", device.ID).Msg("Post-change snapshot failed")
	}

	e.recordWrite(p, job, device, types.AuditResultSuccess, "")
	e.invalidateDevice(device.ID)
	return nil
}

// settle waits for the device to converge before the post-change probe
func (e *Executor) settle(ctx context.Context) error {
	if e.cfg.SettleDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(e.cfg.SettleDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// degradation compares pre and post probes against the rollback
// thresholds; empty string means healthy
func degradation(pre, post *types.HealthCheck) string {
	if post.Status == types.HealthStateCritical || post.Status == types.HealthStateError {
		return fmt.Sprintf("health state %s", post.Status)
	}
	if delta := post.CPUPct - pre.CPUPct; delta > maxCPUDelta {
		return fmt.Sprintf("cpu up %.0f points", delta)
	}
	if delta := post.MemPct - pre.MemPct; delta > maxMemDelta {
		return fmt.Sprintf("memory up %.0f points", delta)
	}
	return ""
}

// rollback restores the pre-change snapshot after a failed or
// degrading apply. A rollback that itself fails blocks the device for
// writes and surfaces for manual intervention.
func (e *Executor) rollback(ctx context.Context, p *types.Plan, job *types.Job, device *types.Device, preSnap *types.Snapshot, cause error) error {
	logger := log.WithCorrelationID(p.CorrelationID)
	logger.Warn().
		Err(cause).
		Str("device_id", device.ID).
		Str("plan_id", p.ID).
		Str("snapshot_id", preSnap.ID).
		Msg("Apply failed, rolling back")

	snap, err := e.snapshots.Get(preSnap.ID)
	if err != nil {
		return e.rollbackFailed(ctx, p, job, device, cause, err)
	}

	if _, err := e.client.Call(ctx, device, routeros.OpImportConfiguration(snap.Payload)); err != nil {
		return e.rollbackFailed(ctx, p, job, device, cause, err)
	}

	if _, err := e.snapshots.Capture(ctx, device, types.SnapshotRollback, "rollback", p.CorrelationID); err != nil {
		e.logger.Warn().Err(err).Str("device_id", device.ID).Msg("Rollback snapshot failed")
	}

	metrics.RollbacksTotal.WithLabelValues("rolled_back").Inc()
	e.recordWrite(p, job, device, types.AuditResultRolledBack, cause.Error())
	e.invalidateDevice(device.ID)
	return errdefs.Wrap(errdefs.CodeOf(cause), cause, "change rolled back on %s", device.Name)
}

// rollbackFailed is the worst path: the device is in an unknown state.
// Block further automated writes and flag it for a human.
func (e *Executor) rollbackFailed(ctx context.Context, p *types.Plan, job *types.Job, device *types.Device, cause, rollbackErr error) error {
	metrics.RollbacksTotal.WithLabelValues("rollback_failed").Inc()

	device.WriteBlocked = true
	device.Status = types.DeviceStatusDegraded
	if err := e.store.UpdateDevice(device); err != nil {
		e.logger.Error().Err(err).Str("device_id", device.ID).Msg("Failed to block device after rollback failure")
	}

	e.recordWrite(p, job, device, types.AuditResultRollbackFailed,
		fmt.Sprintf("apply: %v; rollback: %v", cause, rollbackErr))
	e.invalidateDevice(device.ID)

	e.logger.Error().
		Err(rollbackErr).
		Str("device_id", device.ID).
		Str("plan_id", p.ID).
		Msg("ROLLBACK FAILED, device blocked for writes pending manual intervention")

	return errdefs.Wrap(errdefs.CodeRollbackFailed, rollbackErr,
		"rollback failed on %s; device blocked for writes", device.Name)
}

func (e *Executor) recordWrite(p *types.Plan, job *types.Job, device *types.Device, result types.AuditResult, detail string) {
	e.audit.Record(&types.AuditEvent{
		Action:        types.AuditActionWrite,
		DeviceID:      device.ID,
		Environment:   device.Environment,
		ToolName:      p.ToolName,
		PlanID:        p.ID,
		JobID:         job.ID,
		UserID:        p.ApprovedBy,
		Result:        result,
		ErrorMessage:  detail,
		CorrelationID: p.CorrelationID,
	})
}

// manualRollback restores each device's most recent pre-change
// snapshot. Used when an operator wants to back out a completed plan.
func (e *Executor) manualRollback(ctx context.Context, job *types.Job) error {
	p, err := e.store.GetPlan(job.PlanID)
	if err != nil {
		return err
	}

	for _, target := range p.Targets {
		device, err := e.store.GetDevice(target.DeviceID)
		if err != nil {
			return err
		}

		snap, err := e.latestPreChange(device.ID, p.CorrelationID)
		if err != nil {
			return err
		}
		full, err := e.snapshots.Get(snap.ID)
		if err != nil {
			return err
		}

		if _, err := e.client.Call(ctx, device, routeros.OpImportConfiguration(full.Payload)); err != nil {
			return e.rollbackFailed(ctx, p, job, device, errdefs.New(errdefs.CodeInvalidRequest, "manual rollback requested"), err)
		}

		if _, err := e.snapshots.Capture(ctx, device, types.SnapshotRollback, "manual_rollback", p.CorrelationID); err != nil {
			e.logger.Warn().Err(err).Str("device_id", device.ID).Msg("Rollback snapshot failed")
		}
		metrics.RollbacksTotal.WithLabelValues("rolled_back").Inc()
		e.recordWrite(p, job, device, types.AuditResultRolledBack, "manual rollback")
		e.invalidateDevice(device.ID)
	}
	return nil
}

// latestPreChange finds the newest pre-change snapshot for a device,
// preferring one from the given correlation id
func (e *Executor) latestPreChange(deviceID, correlationID string) (*types.Snapshot, error) {
	snaps, err := e.snapshots.List(deviceID, 100)
	if err != nil {
		return nil, err
	}
	var fallback *types.Snapshot
	for _, snap := range snaps {
		if snap.Kind != types.SnapshotPreChange {
			continue
		}
		if snap.CorrelationID == correlationID {
			return snap, nil
		}
		if fallback == nil {
			fallback = snap
		}
	}
	if fallback == nil {
		return nil, errdefs.New(errdefs.CodeSnapshotNotFound, "no pre-change snapshot for device %s", deviceID)
	}
	return fallback, nil
}
