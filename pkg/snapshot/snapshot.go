// Package snapshot captures and retrieves device configuration
// snapshots. Captures run over the export path, payloads above the
// compression threshold are gzipped, and retention keeps the pre-change
// captures a live plan still depends on.
package snapshot

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rosfleet/rosfleet/pkg/errdefs"
	"github.com/rosfleet/rosfleet/pkg/log"
	"github.com/rosfleet/rosfleet/pkg/metrics"
	"github.com/rosfleet/rosfleet/pkg/routeros"
	"github.com/rosfleet/rosfleet/pkg/storage"
	"github.com/rosfleet/rosfleet/pkg/types"
)

// compressThreshold is the payload size above which captures are
// gzipped before storage
const compressThreshold = 16 * 1024

// Config tunes snapshot retention
type Config struct {
	// RetentionKeep is how many snapshots to keep per device
	RetentionKeep int

	// RetentionAge is how long snapshots beyond RetentionKeep survive
	RetentionAge time.Duration
}

// DefaultConfig returns the retention defaults
func DefaultConfig() Config {
	return Config{
		RetentionKeep: 50,
		RetentionAge:  90 * 24 * time.Hour,
	}
}

// Store captures and serves configuration snapshots
type Store struct {
	cfg    Config
	db     storage.Store
	client routeros.Caller
	logger zerolog.Logger
}

// NewStore creates a snapshot store
func NewStore(cfg Config, db storage.Store, client routeros.Caller) *Store {
	if cfg.RetentionKeep == 0 {
		cfg = DefaultConfig()
	}
	return &Store{
		cfg:    cfg,
		db:     db,
		client: client,
		logger: log.WithComponent("snapshot"),
	}
}

// exportOp maps a snapshot kind onto the capture operation
func exportOp(kind types.SnapshotKind) routeros.Operation {
	switch kind {
	case types.SnapshotConfigFull:
		return routeros.OpExportFull()
	case types.SnapshotDNSNTP:
		return routeros.OpDNSGet()
	case types.SnapshotIPAddresses:
		return routeros.OpIPAddressList()
	default:
		// Pre/post/rollback captures use the compact export: it is the
		// form the import path can replay
		return routeros.OpExportCompact()
	}
}

// Capture exports the device configuration and persists it as a
// snapshot of the given kind. The correlation id ties pre/post/rollback
// captures to the plan that caused them.
func (s *Store) Capture(ctx context.Context, device *types.Device, kind types.SnapshotKind, trigger, correlationID string) (*types.Snapshot, error) {
	result, err := s.client.Call(ctx, device, exportOp(kind))
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeSnapshotCreateFailed, err, "failed to capture %s snapshot of %s", kind, device.Name)
	}

	payload := result.Raw
	if len(payload) == 0 {
		return nil, errdefs.New(errdefs.CodeSnapshotCreateFailed, "empty export from %s", device.Name)
	}

	snap := &types.Snapshot{
		ID:            uuid.New().String(),
		DeviceID:      device.ID,
		Timestamp:     time.Now(),
		Kind:          kind,
		Trigger:       trigger,
		SizeBytes:     int64(len(payload)),
		CorrelationID: correlationID,
		Metadata: map[string]string{
			"transport": result.Transport,
			"device":    device.Name,
		},
	}

	if len(payload) > compressThreshold {
		compressed, err := gzipBytes(payload)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.CodeSnapshotCreateFailed, err, "failed to compress snapshot")
		}
		snap.Payload = compressed
		snap.Compressed = true
	} else {
		snap.Payload = payload
	}

	if err := s.db.CreateSnapshot(snap); err != nil {
		return nil, errdefs.Wrap(errdefs.CodeSnapshotCreateFailed, err, "failed to persist snapshot")
	}
	metrics.SnapshotsTotal.WithLabelValues(string(kind)).Inc()

	s.logger.Info().
		Str("snapshot_id", snap.ID).
		Str("device_id", device.ID).
		Str("kind", string(kind)).
		Int64("size_bytes", snap.SizeBytes).
		Bool("compressed", snap.Compressed).
		Msg("Snapshot captured")

	return snap, nil
}

// Get returns a snapshot row with its payload decompressed
func (s *Store) Get(id string) (*types.Snapshot, error) {
	snap, err := s.db.GetSnapshot(id)
	if err != nil {
		return nil, err
	}
	if snap.Compressed {
		payload, err := gunzipBytes(snap.Payload)
		if err != nil {
			return nil, errdefs.Wrap(errdefs.CodeInternalError, err, "failed to decompress snapshot %s", id)
		}
		snap.Payload = payload
		snap.Compressed = false
	}
	return snap, nil
}

// List returns the most recent snapshot rows for a device, payloads
// omitted
func (s *Store) List(deviceID string, limit int) ([]*types.Snapshot, error) {
	snaps, err := s.db.ListSnapshotsByDevice(deviceID, limit)
	if err != nil {
		return nil, err
	}
	for _, snap := range snaps {
		snap.Payload = nil
	}
	return snaps, nil
}

// Prune applies the retention policy for one device. The cutoff stays
// inside the plan retention window so pre-change captures outlive any
// plan that can still roll back to them.
func (s *Store) Prune(deviceID string) (int, error) {
	cutoff := time.Now().Add(-s.cfg.RetentionAge)
	return s.db.PruneSnapshots(deviceID, s.cfg.RetentionKeep, cutoff)
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
