package types

import (
	"time"
)

// Environment is the deployment tier a device belongs to. The service
// refuses to operate on devices outside its own configured environment.
type Environment string

const (
	EnvLab     Environment = "lab"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// ValidEnvironment reports whether e is one of the closed environment set.
func ValidEnvironment(e Environment) bool {
	switch e {
	case EnvLab, EnvStaging, EnvProd:
		return true
	}
	return false
}

// DeviceStatus represents the current state of a managed device
type DeviceStatus string

const (
	DeviceStatusPending        DeviceStatus = "pending"
	DeviceStatusHealthy        DeviceStatus = "healthy"
	DeviceStatusDegraded       DeviceStatus = "degraded"
	DeviceStatusUnreachable    DeviceStatus = "unreachable"
	DeviceStatusDecommissioned DeviceStatus = "decommissioned"
)

// Capabilities are per-device gates for write tiers. All default to false;
// enabling writes on a device is an explicit admin action.
type Capabilities struct {
	AllowAdvancedWrites       bool `json:"allow_advanced_writes"`
	AllowProfessionalWorkflows bool `json:"allow_professional_workflows"`
	AllowSSHCommands          bool `json:"allow_ssh_commands"`
}

// Device identifies a managed RouterOS instance
type Device struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"` // Unique fleet-wide
	Host         string            `json:"host"`
	Port         int               `json:"port"`
	Environment  Environment       `json:"environment"`
	Status       DeviceStatus      `json:"status"`
	Tags         map[string]string `json:"tags,omitempty"`
	Capabilities Capabilities      `json:"capabilities"`

	// Observed metadata, refreshed by health probes
	RouterOSVersion string `json:"routeros_version,omitempty"`
	Identity        string `json:"identity,omitempty"`
	HardwareModel   string `json:"hardware_model,omitempty"`
	SerialNumber    string `json:"serial_number,omitempty"`

	// Set when a rollback failed and an admin must intervene before
	// automated writes may resume
	WriteBlocked bool `json:"write_blocked,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CredentialKind distinguishes REST from SSH credentials
type CredentialKind string

const (
	CredentialREST CredentialKind = "rest"
	CredentialSSH  CredentialKind = "ssh"
)

// Credential holds an encrypted per-device secret. At most one row per
// (device, kind) is active. Plaintext is never persisted or logged.
type Credential struct {
	ID         string         `json:"id"`
	DeviceID   string         `json:"device_id"`
	Kind       CredentialKind `json:"kind"`
	Username   string         `json:"username"`
	Ciphertext []byte         `json:"ciphertext"` // AES-256-GCM, nonce prepended
	Active     bool           `json:"active"`
	CreatedAt  time.Time      `json:"created_at"`
	RotatedAt  *time.Time     `json:"rotated_at,omitempty"`
}

// HealthState classifies a single probe result
type HealthState string

const (
	HealthStateHealthy  HealthState = "healthy"
	HealthStateWarning  HealthState = "warning"
	HealthStateCritical HealthState = "critical"
	HealthStateError    HealthState = "error"
)

// HealthCheck is an immutable row recorded per probe
type HealthCheck struct {
	ID             string      `json:"id"`
	DeviceID       string      `json:"device_id"`
	Timestamp      time.Time   `json:"timestamp"`
	Status         HealthState `json:"status"`
	ResponseTimeMs int64       `json:"response_time_ms"`
	CheckType      string      `json:"check_type"` // "scheduled", "pre_change", "post_change", "on_demand"
	CPUPct         float64     `json:"cpu_pct"`
	MemPct         float64     `json:"mem_pct"`
	TempC          float64     `json:"temp_c"`
	Voltage        float64     `json:"voltage"`
	UptimeSec      int64       `json:"uptime_sec"`
	InterfaceSummary string    `json:"interface_summary,omitempty"`
	ErrorDetail    string      `json:"error_detail,omitempty"`
}

// SnapshotKind classifies what a snapshot captured and why
type SnapshotKind string

const (
	SnapshotConfigFull    SnapshotKind = "config_full"
	SnapshotConfigCompact SnapshotKind = "config_compact"
	SnapshotDNSNTP        SnapshotKind = "dns_ntp"
	SnapshotFirewallRules SnapshotKind = "firewall_rules"
	SnapshotIPAddresses   SnapshotKind = "ip_addresses"
	SnapshotPreChange     SnapshotKind = "pre_change"
	SnapshotPostChange    SnapshotKind = "post_change"
	SnapshotRollback      SnapshotKind = "rollback"
)

// Snapshot is a captured device configuration. Payloads under the
// externalization threshold are stored inline; larger ones live in the
// payload store and the row carries only the reference.
type Snapshot struct {
	ID            string            `json:"id"`
	DeviceID      string            `json:"device_id"`
	Timestamp     time.Time         `json:"timestamp"`
	Kind          SnapshotKind      `json:"kind"`
	Trigger       string            `json:"trigger,omitempty"`
	Payload       []byte            `json:"payload,omitempty"`
	PayloadRef    string            `json:"payload_ref,omitempty"`
	SizeBytes     int64             `json:"size_bytes"`
	Compressed    bool              `json:"compressed"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// RiskLevel classifies a plan's blast radius
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// riskRank orders risk levels for max() comparisons
var riskRank = map[RiskLevel]int{RiskLow: 0, RiskMedium: 1, RiskHigh: 2}

// MaxRisk returns the higher of two risk levels
func MaxRisk(a, b RiskLevel) RiskLevel {
	if riskRank[b] > riskRank[a] {
		return b
	}
	return a
}

// PlanStatus is the plan lifecycle state
type PlanStatus string

const (
	PlanStatusDraft           PlanStatus = "draft"
	PlanStatusPendingApproval PlanStatus = "pending_approval"
	PlanStatusApproved        PlanStatus = "approved"
	PlanStatusExecuting       PlanStatus = "executing"
	PlanStatusCompleted       PlanStatus = "completed"
	PlanStatusFailed          PlanStatus = "failed"
	PlanStatusCancelled       PlanStatus = "cancelled"
	PlanStatusExpired         PlanStatus = "expired"
)

// Terminal reports whether a plan status admits no further transitions
func (s PlanStatus) Terminal() bool {
	switch s {
	case PlanStatusCompleted, PlanStatusFailed, PlanStatusCancelled, PlanStatusExpired:
		return true
	}
	return false
}

// Change is one proposed modification to one topic on one device
type Change struct {
	Topic           string      `json:"topic"`     // "dns", "ntp", "identity", "ip", ...
	Operation       string      `json:"operation"` // closed operation id, e.g. "dns.set_servers"
	CurrentValue    interface{} `json:"current_value,omitempty"`
	DesiredValue    interface{} `json:"desired_value,omitempty"`
	EstimatedImpact string      `json:"estimated_impact,omitempty"`
	PreCheckResult  string      `json:"pre_check_result,omitempty"`
}

// PlanTarget binds one device to its ordered change set
type PlanTarget struct {
	DeviceID string   `json:"device_id"`
	Changes  []Change `json:"changes"`
}

// Plan is an immutable-after-approval description of a proposed change
// set. Amending a plan means cancelling it and creating a new one.
type Plan struct {
	ID            string       `json:"id"`
	CreatedAt     time.Time    `json:"created_at"`
	CreatedBy     string       `json:"created_by"`
	ToolName      string       `json:"tool_name"`
	Status        PlanStatus   `json:"status"`
	Summary       string       `json:"summary"`
	RiskLevel     RiskLevel    `json:"risk_level"`
	Targets       []PlanTarget `json:"targets"`
	ExpiresAt     time.Time    `json:"expires_at"`
	CorrelationID string       `json:"correlation_id,omitempty"`

	// Set when approved; binds the plan to exactly one approval token
	ApprovedBy      string `json:"approved_by,omitempty"`
	ApprovedTokenID string `json:"approved_token_id,omitempty"`

	// Allow parallel per-device execution when the planner has proven
	// the targets independent; sequential otherwise
	ParallelTargets bool `json:"parallel_targets,omitempty"`
}

// JobType enumerates the background work the executor runs
type JobType string

const (
	JobApplyPlan         JobType = "apply_plan"
	JobHealthCheck       JobType = "health_check"
	JobMetricsCollection JobType = "metrics_collection"
	JobConfigBackup      JobType = "config_backup"
	JobDriftDetection    JobType = "drift_detection"
	JobRollback          JobType = "rollback"
	JobCleanup           JobType = "cleanup"
)

// JobStatus is the job lifecycle state
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"

	// A timed-out job leaves device consistency unknown; the next health
	// check re-establishes it. Distinct from failed.
	JobStatusTimeout JobStatus = "timeout"
)

// Job is a unit of queued work
type Job struct {
	ID            string     `json:"id"`
	PlanID        string     `json:"plan_id,omitempty"`
	Type          JobType    `json:"type"`
	Status        JobStatus  `json:"status"`
	Priority      int        `json:"priority"` // 0-10, higher runs first
	DeviceIDs     []string   `json:"device_ids,omitempty"`
	ScheduledAt   time.Time  `json:"scheduled_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	ResultSummary string     `json:"result_summary,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CorrelationID string     `json:"correlation_id,omitempty"`
}

// AuditAction classifies what an audit event records
type AuditAction string

const (
	AuditActionRead          AuditAction = "READ"
	AuditActionReadSensitive AuditAction = "READ_SENSITIVE"
	AuditActionWrite         AuditAction = "WRITE"
	AuditActionPlan          AuditAction = "PLAN"
	AuditActionApprove       AuditAction = "APPROVE"
	AuditActionRegister      AuditAction = "REGISTER"
	AuditActionDecommission  AuditAction = "DECOMMISSION"
)

// AuditResult is the outcome recorded on an audit event
type AuditResult string

const (
	AuditResultSuccess        AuditResult = "success"
	AuditResultFailure        AuditResult = "failure"
	AuditResultRolledBack     AuditResult = "rolled_back"
	AuditResultRollbackFailed AuditResult = "rollback_failed"
	AuditResultDenied         AuditResult = "denied"
)

// AuditEvent is an append-only record. Events survive device
// decommission; there are no updates and no deletes.
type AuditEvent struct {
	ID            string            `json:"id"`
	Seq           uint64            `json:"seq"` // Monotonic per writer
	Timestamp     time.Time         `json:"timestamp"`
	DeviceID      string            `json:"device_id,omitempty"`
	Environment   Environment       `json:"environment,omitempty"`
	Action        AuditAction       `json:"action"`
	ToolName      string            `json:"tool_name,omitempty"`
	ToolTier      string            `json:"tool_tier,omitempty"`
	PlanID        string            `json:"plan_id,omitempty"`
	JobID         string            `json:"job_id,omitempty"`
	Result        AuditResult       `json:"result"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	UserID        string            `json:"user_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
}

// ApprovalToken is a bearer capability binding an approver's consent to
// one plan for a bounded time. Verified statelessly via HMAC; never
// persisted with its signature.
type ApprovalToken struct {
	Token     string    `json:"token"`
	PlanID    string    `json:"plan_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Signature string    `json:"signature"`
}
