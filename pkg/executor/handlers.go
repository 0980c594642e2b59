package executor

import (
	"bytes"
	"context"
	"fmt"

	"github.com/rosfleet/rosfleet/pkg/types"
)

// runHealthCheck probes each device in the job
func (e *Executor) runHealthCheck(ctx context.Context, job *types.Job) error {
	var firstErr error
	for _, deviceID := range job.DeviceIDs {
		device, err := e.store.GetDevice(deviceID)
		if err != nil {
			return err
		}
		if _, err := e.health.Probe(ctx, device, "on_demand"); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// runBackup captures a full configuration snapshot per device
func (e *Executor) runBackup(ctx context.Context, job *types.Job) error {
	captured := 0
	for _, deviceID := range job.DeviceIDs {
		device, err := e.store.GetDevice(deviceID)
		if err != nil {
			return err
		}
		if _, err := e.snapshots.Capture(ctx, device, types.SnapshotConfigFull, "scheduled_backup", job.CorrelationID); err != nil {
			return err
		}
		captured++
	}
	job.ResultSummary = fmt.Sprintf("%d configuration(s) backed up", captured)
	return nil
}

// runDriftDetection captures a fresh compact export per device and
// compares it against the previous one. Drift is recorded as an audit
// event, not corrected automatically.
func (e *Executor) runDriftDetection(ctx context.Context, job *types.Job) error {
	drifted := 0
	for _, deviceID := range job.DeviceIDs {
		device, err := e.store.GetDevice(deviceID)
		if err != nil {
			return err
		}

		previous := e.latestByKind(device.ID, types.SnapshotConfigCompact)

		fresh, err := e.snapshots.Capture(ctx, device, types.SnapshotConfigCompact, "drift_check", job.CorrelationID)
		if err != nil {
			return err
		}

		if previous == nil {
			continue // First capture is the baseline
		}
		prevFull, err := e.snapshots.Get(previous.ID)
		if err != nil {
			return err
		}
		freshFull, err := e.snapshots.Get(fresh.ID)
		if err != nil {
			return err
		}
		if !bytes.Equal(prevFull.Payload, freshFull.Payload) {
			drifted++
			e.audit.Record(&types.AuditEvent{
				Action:        types.AuditActionRead,
				DeviceID:      device.ID,
				Environment:   device.Environment,
				JobID:         job.ID,
				Result:        types.AuditResultSuccess,
				CorrelationID: job.CorrelationID,
				Metadata: map[string]string{
					"drift":             "true",
					"baseline_snapshot": previous.ID,
					"current_snapshot":  fresh.ID,
				},
			})
			e.logger.Warn().
				Str("device_id", device.ID).
				Str("device", device.Name).
				Msg("Configuration drift detected")
		}
	}
	job.ResultSummary = fmt.Sprintf("%d of %d device(s) drifted", drifted, len(job.DeviceIDs))
	return nil
}

func (e *Executor) latestByKind(deviceID string, kind types.SnapshotKind) *types.Snapshot {
	snaps, err := e.snapshots.List(deviceID, 100)
	if err != nil {
		return nil
	}
	for _, snap := range snaps {
		if snap.Kind == kind {
			return snap
		}
	}
	return nil
}

// runCleanup applies health-check and snapshot retention. An empty
// device list means the whole fleet.
func (e *Executor) runCleanup(job *types.Job) error {
	deviceIDs := job.DeviceIDs
	if len(deviceIDs) == 0 {
		devices, err := e.store.ListDevices()
		if err != nil {
			return err
		}
		for _, device := range devices {
			deviceIDs = append(deviceIDs, device.ID)
		}
	}

	var checks, snaps int
	for _, deviceID := range deviceIDs {
		n, err := e.health.PruneHistory(deviceID)
		if err != nil {
			return err
		}
		checks += n
		n, err = e.snapshots.Prune(deviceID)
		if err != nil {
			return err
		}
		snaps += n
	}
	job.ResultSummary = fmt.Sprintf("pruned %d health checks, %d snapshots", checks, snaps)
	return nil
}

// runMetricsCollection refreshes observed metadata for stale devices
// by probing them outside the regular schedule
func (e *Executor) runMetricsCollection(ctx context.Context, job *types.Job) error {
	deviceIDs := job.DeviceIDs
	if len(deviceIDs) == 0 {
		devices, err := e.store.ListDevices()
		if err != nil {
			return err
		}
		for _, device := range devices {
			if device.Status == types.DeviceStatusDecommissioned {
				continue
			}
			deviceIDs = append(deviceIDs, device.ID)
		}
	}
	for _, deviceID := range deviceIDs {
		device, err := e.store.GetDevice(deviceID)
		if err != nil {
			return err
		}
		// Best effort; unreachable devices are the health loop's problem
		_, _ = e.health.Probe(ctx, device, "on_demand")
	}
	return nil
}
