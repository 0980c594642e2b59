package storage

import (
	"time"

	"github.com/rosfleet/rosfleet/pkg/types"
)

// AuditFilter narrows audit event queries
type AuditFilter struct {
	DeviceID string
	Action   types.AuditAction
	PlanID   string
	Since    time.Time
	Limit    int
}

// Store defines the interface for fleet state storage.
// Implemented by the BoltDB-backed store.
type Store interface {
	// Devices
	CreateDevice(device *types.Device) error
	GetDevice(id string) (*types.Device, error)
	GetDeviceByName(name string) (*types.Device, error)
	ListDevices() ([]*types.Device, error)
	UpdateDevice(device *types.Device) error

	// Credentials. Rotation must be atomic: RotateCredential flips the
	// old active row and inserts the new one in a single transaction.
	CreateCredential(cred *types.Credential) error
	GetActiveCredential(deviceID string, kind types.CredentialKind) (*types.Credential, error)
	ListCredentialsByDevice(deviceID string) ([]*types.Credential, error)
	RotateCredential(old, new *types.Credential) error
	DeactivateCredentials(deviceID string) error

	// Health checks
	CreateHealthCheck(hc *types.HealthCheck) error
	ListHealthChecksByDevice(deviceID string, limit int) ([]*types.HealthCheck, error)
	PruneHealthChecks(deviceID string, keep int, olderThan time.Time) (int, error)

	// Snapshots
	CreateSnapshot(snap *types.Snapshot) error
	GetSnapshot(id string) (*types.Snapshot, error)
	ListSnapshotsByDevice(deviceID string, limit int) ([]*types.Snapshot, error)
	PruneSnapshots(deviceID string, keep int, olderThan time.Time) (int, error)

	// Plans
	CreatePlan(plan *types.Plan) error
	GetPlan(id string) (*types.Plan, error)
	UpdatePlan(plan *types.Plan) error
	ListPlans() ([]*types.Plan, error)
	ListPlansByStatus(status types.PlanStatus) ([]*types.Plan, error)

	// Jobs
	CreateJob(job *types.Job) error
	GetJob(id string) (*types.Job, error)
	UpdateJob(job *types.Job) error
	ListJobsByStatus(status types.JobStatus) ([]*types.Job, error)

	// Audit events are append-only: no update or delete exists on this
	// interface. AppendAuditEvent assigns the monotonic sequence.
	AppendAuditEvent(event *types.AuditEvent) error
	ListAuditEvents(filter AuditFilter) ([]*types.AuditEvent, error)

	// Utility
	Close() error
}
