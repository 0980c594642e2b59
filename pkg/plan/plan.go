// Package plan materializes proposed change sets. A plan records what
// would change on which devices, carries a risk classification, and is
// immutable once it leaves draft: amending means cancel and re-plan.
package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rosfleet/rosfleet/pkg/audit"
	"github.com/rosfleet/rosfleet/pkg/errdefs"
	"github.com/rosfleet/rosfleet/pkg/log"
	"github.com/rosfleet/rosfleet/pkg/metrics"
	"github.com/rosfleet/rosfleet/pkg/routeros"
	"github.com/rosfleet/rosfleet/pkg/storage"
	"github.com/rosfleet/rosfleet/pkg/types"
)

// Tier is the authorization level of the tool that created a plan
type Tier string

const (
	TierFundamental  Tier = "fundamental"
	TierAdvanced     Tier = "advanced"
	TierProfessional Tier = "professional"
)

// Config tunes the plan service
type Config struct {
	// Expiry is how long a plan stays actionable
	Expiry time.Duration

	// ServiceEnv is the environment this service instance operates in;
	// plans may only target devices in the same environment
	ServiceEnv types.Environment

	// AutoApprove skips the approval step for low-risk lab plans
	AutoApprove bool
}

// DefaultConfig returns the plan defaults
func DefaultConfig() Config {
	return Config{
		Expiry:     24 * time.Hour,
		ServiceEnv: types.EnvLab,
	}
}

// Request is the input to CreatePlan
type Request struct {
	ToolName      string
	Operation     string // closed operation id, e.g. "dns.set_servers"
	Tier          Tier
	CreatedBy     string
	DeviceIDs     []string
	Params        map[string]interface{}
	CorrelationID string
}

// Service builds, stores, and expires plans
type Service struct {
	cfg    Config
	store  storage.Store
	client routeros.Caller
	audit  *audit.Log
	logger zerolog.Logger

	stopCh chan struct{}
}

// NewService creates a plan service
func NewService(cfg Config, store storage.Store, client routeros.Caller, auditLog *audit.Log) *Service {
	if cfg.Expiry == 0 {
		cfg.Expiry = 24 * time.Hour
	}
	return &Service{
		cfg:    cfg,
		store:  store,
		client: client,
		audit:  auditLog,
		logger: log.WithComponent("plan"),
		stopCh: make(chan struct{}),
	}
}

// Create resolves targets, diffs desired against current state, runs
// pre-checks, classifies risk, and persists the plan.
func (s *Service) Create(ctx context.Context, req Request) (*types.Plan, error) {
	spec, ok := topics[req.Operation]
	if !ok {
		return nil, errdefs.New(errdefs.CodeInvalidParams, "unknown operation %q", req.Operation)
	}
	if len(req.DeviceIDs) == 0 {
		return nil, errdefs.New(errdefs.CodeInvalidParams, "plan needs at least one target device")
	}

	desired, err := spec.desired(req.Params)
	if err != nil {
		return nil, err
	}

	risk := spec.risk
	if req.Tier == TierProfessional {
		risk = types.RiskHigh
	}
	// Multi-device rollouts always carry high risk
	if len(req.DeviceIDs) > 1 {
		risk = types.RiskHigh
	}

	var targets []types.PlanTarget
	for _, deviceID := range req.DeviceIDs {
		device, err := s.resolveTarget(deviceID, req.Tier)
		if err != nil {
			return nil, err
		}

		current, err := s.readCurrent(ctx, device, spec)
		if err != nil {
			return nil, err
		}

		if isUnchanged(spec, current, desired) {
			continue
		}

		change := types.Change{
			Topic:           spec.topic,
			Operation:       req.Operation,
			CurrentValue:    current,
			DesiredValue:    desired,
			EstimatedImpact: spec.impact,
		}

		if spec.precheck != nil {
			result, err := spec.precheck(ctx, s.client, device, req.Params)
			if err != nil {
				return nil, err
			}
			change.PreCheckResult = result
		}

		targets = append(targets, types.PlanTarget{
			DeviceID: device.ID,
			Changes:  []types.Change{change},
		})
	}

	if len(targets) == 0 {
		return nil, errdefs.New(errdefs.CodeNoChange, "all targets already match the desired state")
	}

	now := time.Now()
	plan := &types.Plan{
		ID:            uuid.New().String(),
		CreatedAt:     now,
		CreatedBy:     req.CreatedBy,
		ToolName:      req.ToolName,
		Status:        types.PlanStatusPendingApproval,
		Summary:       fmt.Sprintf("%s on %d device(s)", req.Operation, len(targets)),
		RiskLevel:     risk,
		Targets:       targets,
		ExpiresAt:     now.Add(s.cfg.Expiry),
		CorrelationID: req.CorrelationID,
	}

	if s.cfg.AutoApprove && s.cfg.ServiceEnv == types.EnvLab && risk == types.RiskLow {
		plan.Status = types.PlanStatusApproved
		plan.ApprovedBy = "auto"
	}

	if err := s.store.CreatePlan(plan); err != nil {
		return nil, err
	}

	s.audit.Record(&types.AuditEvent{
		Action:        types.AuditActionPlan,
		UserID:        req.CreatedBy,
		PlanID:        plan.ID,
		Result:        types.AuditResultSuccess,
		CorrelationID: req.CorrelationID,
		Metadata: map[string]string{
			"tool":    req.ToolName,
			"risk":    string(risk),
			"targets": fmt.Sprintf("%d", len(targets)),
			"status":  string(plan.Status),
		},
	})

	s.logger.Info().
		Str("plan_id", plan.ID).
		Str("tool", req.ToolName).
		Str("risk", string(risk)).
		Int("targets", len(targets)).
		Str("status", string(plan.Status)).
		Msg("Plan created")

	return plan, nil
}

// resolveTarget loads a device and checks environment and capabilities
func (s *Service) resolveTarget(deviceID string, tier Tier) (*types.Device, error) {
	device, err := s.store.GetDevice(deviceID)
	if err != nil {
		return nil, err
	}
	if device.Status == types.DeviceStatusDecommissioned {
		return nil, errdefs.New(errdefs.CodeDeviceNotFound, "device %s is decommissioned", device.Name)
	}
	if device.Environment != s.cfg.ServiceEnv {
		return nil, errdefs.New(errdefs.CodeEnvironmentMismatch,
			"device %s is in %s but this service operates in %s", device.Name, device.Environment, s.cfg.ServiceEnv)
	}
	if device.WriteBlocked {
		return nil, errdefs.New(errdefs.CodeForbidden,
			"device %s is blocked for writes after a failed rollback", device.Name)
	}
	switch tier {
	case TierAdvanced:
		if !device.Capabilities.AllowAdvancedWrites {
			return nil, errdefs.New(errdefs.CodeCapabilityMissing, "device %s does not allow advanced writes", device.Name)
		}
	case TierProfessional:
		if !device.Capabilities.AllowProfessionalWorkflows {
			return nil, errdefs.New(errdefs.CodeCapabilityMissing, "device %s does not allow professional workflows", device.Name)
		}
	}
	return device, nil
}

func (s *Service) readCurrent(ctx context.Context, device *types.Device, spec *topicSpec) (interface{}, error) {
	result, err := s.client.Call(ctx, device, spec.read())
	if err != nil {
		return nil, err
	}
	return spec.current(result.Data), nil
}

// isUnchanged applies the topic's own equality when it has one,
// otherwise compares canonical JSON
func isUnchanged(spec *topicSpec, current, desired interface{}) bool {
	if spec.unchanged != nil {
		return spec.unchanged(current, desired)
	}
	if reflect.DeepEqual(current, desired) {
		return true
	}
	a, errA := json.Marshal(current)
	b, errB := json.Marshal(desired)
	return errA == nil && errB == nil && string(a) == string(b)
}

// Get returns a plan, applying lazy expiry on observation
func (s *Service) Get(id string) (*types.Plan, error) {
	plan, err := s.store.GetPlan(id)
	if err != nil {
		return nil, err
	}
	return s.expireIfDue(plan)
}

// Cancel moves a plan to cancelled. Executing and terminal plans
// cannot be cancelled.
func (s *Service) Cancel(id, identity string) (*types.Plan, error) {
	plan, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if plan.Status == types.PlanStatusExecuting {
		return nil, errdefs.New(errdefs.CodePlanAlreadyApplied, "plan %s is executing", id)
	}
	if plan.Status.Terminal() {
		return nil, errdefs.New(errdefs.CodePlanAlreadyApplied, "plan %s is already %s", id, plan.Status)
	}

	plan.Status = types.PlanStatusCancelled
	if err := s.store.UpdatePlan(plan); err != nil {
		return nil, err
	}
	metrics.PlansTotal.WithLabelValues(string(types.PlanStatusCancelled)).Inc()

	s.audit.Record(&types.AuditEvent{
		Action:   types.AuditActionPlan,
		UserID:   identity,
		PlanID:   plan.ID,
		Result:   types.AuditResultSuccess,
		Metadata: map[string]string{"transition": "cancelled"},
	})
	return plan, nil
}

// ListPending returns plans awaiting approval, expiring overdue ones
// along the way
func (s *Service) ListPending() ([]*types.Plan, error) {
	plans, err := s.store.ListPlansByStatus(types.PlanStatusPendingApproval)
	if err != nil {
		return nil, err
	}
	out := plans[:0]
	for _, plan := range plans {
		plan, err := s.expireIfDue(plan)
		if err != nil {
			return nil, err
		}
		if plan.Status == types.PlanStatusPendingApproval {
			out = append(out, plan)
		}
	}
	return out, nil
}

// expireIfDue transitions an overdue actionable plan to expired
func (s *Service) expireIfDue(plan *types.Plan) (*types.Plan, error) {
	actionable := plan.Status == types.PlanStatusPendingApproval || plan.Status == types.PlanStatusApproved
	if !actionable || time.Now().Before(plan.ExpiresAt) {
		return plan, nil
	}
	plan.Status = types.PlanStatusExpired
	if err := s.store.UpdatePlan(plan); err != nil {
		return nil, err
	}
	metrics.PlansTotal.WithLabelValues(string(types.PlanStatusExpired)).Inc()
	logger := log.WithPlanID(plan.ID)
	logger.Info().Msg("Plan expired")
	return plan, nil
}

// Start launches the periodic expiry sweep
func (s *Service) Start() {
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweep()
			case <-s.stopCh:
				return
			}
		}
	}()
}

// Stop halts the expiry sweep
func (s *Service) Stop() {
	close(s.stopCh)
}

func (s *Service) sweep() {
	for _, status := range []types.PlanStatus{types.PlanStatusPendingApproval, types.PlanStatusApproved} {
		plans, err := s.store.ListPlansByStatus(status)
		if err != nil {
			s.logger.Error().Err(err).Msg("Expiry sweep failed to list plans")
			continue
		}
		for _, plan := range plans {
			if _, err := s.expireIfDue(plan); err != nil {
				s.logger.Error().Err(err).Str("plan_id", plan.ID).Msg("Failed to expire plan")
			}
		}
	}
}
