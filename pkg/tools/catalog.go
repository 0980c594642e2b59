package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rosfleet/rosfleet/pkg/errdefs"
	"github.com/rosfleet/rosfleet/pkg/plan"
	"github.com/rosfleet/rosfleet/pkg/registry"
	"github.com/rosfleet/rosfleet/pkg/routeros"
	"github.com/rosfleet/rosfleet/pkg/storage"
	"github.com/rosfleet/rosfleet/pkg/types"
)

// registerCatalog wires every tool. Ordering is the order clients see
// in tools/list: device lifecycle first, then reads, then the change
// pipeline, then sensitive operations.
func (r *Registry) registerCatalog() {
	r.register(&Tool{
		Name:        "device_register",
		Tier:        plan.TierAdvanced,
		Topic:       "device",
		Description: "Register a RouterOS device in the fleet inventory",
		InputSchema: schemaDeviceRegister,
		SideEffect:  true,
		Handler:     r.deviceRegister,
	})
	r.register(&Tool{
		Name:        "device_list",
		Tier:        plan.TierFundamental,
		Topic:       "device",
		Description: "List registered devices, optionally filtered by environment, status, or tag",
		InputSchema: schemaDeviceList,
		Idempotent:  true,
		Handler:     r.deviceList,
	})
	r.register(&Tool{
		Name:        "device_update_flags",
		Tier:        plan.TierAdvanced,
		Topic:       "device",
		Description: "Update a device's capability flags, tags, or write block",
		InputSchema: schemaDeviceUpdateFlags,
		SideEffect:  true,
		Handler:     r.deviceUpdateFlags,
	})
	r.register(&Tool{
		Name:        "device_decommission",
		Tier:        plan.TierProfessional,
		Topic:       "device",
		Description: "Decommission a device: stop health checks, deactivate credentials, keep history",
		InputSchema: schemaDeviceID,
		SideEffect:  true,
		Handler:     r.deviceDecommission,
	})
	r.register(&Tool{
		Name:        "connectivity_check",
		Tier:        plan.TierFundamental,
		Topic:       "health",
		Description: "Probe a device over REST with SSH fallback and report reachability",
		InputSchema: schemaDeviceID,
		Idempotent:  true,
		Timeout:     45 * time.Second,
		Handler:     r.connectivityCheck,
	})
	r.register(&Tool{
		Name:        "device_health",
		Tier:        plan.TierFundamental,
		Topic:       "health",
		Description: "Report the latest health check for a device; set force_probe to run a fresh one",
		InputSchema: schemaDeviceHealth,
		Idempotent:  true,
		Timeout:     45 * time.Second,
		Handler:     r.deviceHealth,
	})
	r.register(&Tool{
		Name:        "fleet_summary",
		Tier:        plan.TierFundamental,
		Topic:       "fleet",
		Description: "Aggregate fleet counts by status and environment plus queue depth",
		InputSchema: schemaEmpty,
		Idempotent:  true,
		Cacheable:   true,
		CacheTTL:    60 * time.Second,
		Handler:     r.fleetSummary,
	})
	r.register(&Tool{
		Name:        "dns_read",
		Tier:        plan.TierFundamental,
		Topic:       "dns",
		Description: "Read the DNS configuration of a device",
		InputSchema: schemaDeviceID,
		Idempotent:  true,
		Cacheable:   true,
		CacheTTL:    300 * time.Second,
		Handler:     r.dnsRead,
	})
	r.register(&Tool{
		Name:            "dns_update",
		Tier:            plan.TierAdvanced,
		Topic:           "dns",
		Description:     "Plan a DNS server change for a device; returns a plan pending approval",
		InputSchema:     schemaServersChange,
		SideEffect:      true,
		DryRunSupported: true,
		Handler:         r.changeTool("dns_update", "dns.set_servers", plan.TierAdvanced),
	})
	r.register(&Tool{
		Name:            "ntp_update",
		Tier:            plan.TierAdvanced,
		Topic:           "ntp",
		Description:     "Plan an NTP server change for a device",
		InputSchema:     schemaServersChange,
		SideEffect:      true,
		DryRunSupported: true,
		Handler:         r.changeTool("ntp_update", "ntp.set_servers", plan.TierAdvanced),
	})
	r.register(&Tool{
		Name:            "identity_set",
		Tier:            plan.TierAdvanced,
		Topic:           "identity",
		Description:     "Plan a system identity rename for a device",
		InputSchema:     schemaIdentitySet,
		SideEffect:      true,
		DryRunSupported: true,
		Handler:         r.changeTool("identity_set", "identity.set", plan.TierAdvanced),
	})
	r.register(&Tool{
		Name:            "ip_add_secondary_address",
		Tier:            plan.TierProfessional,
		Topic:           "ip",
		Description:     "Plan adding a secondary IP address to an interface, with overlap pre-checks",
		InputSchema:     schemaIPAdd,
		SideEffect:      true,
		DryRunSupported: true,
		Handler:         r.changeTool("ip_add_secondary_address", "ip.add_secondary_address", plan.TierProfessional),
	})
	r.register(&Tool{
		Name:            "address_list_update",
		Tier:            plan.TierProfessional,
		Topic:           "firewall",
		Description:     "Plan adding an entry to a firewall address list",
		InputSchema:     schemaAddressList,
		SideEffect:      true,
		DryRunSupported: true,
		Handler:         r.changeTool("address_list_update", "firewall.address_list_add", plan.TierProfessional),
	})
	r.register(&Tool{
		Name:          "config_export",
		Tier:          plan.TierFundamental,
		Topic:         "config",
		Description:   "Export a device configuration as a RouterOS script",
		InputSchema:   schemaConfigExport,
		Idempotent:    true,
		ReadSensitive: true,
		Timeout:       2 * time.Minute,
		Handler:       r.configExport,
	})
	r.register(&Tool{
		Name:            "plan_create_rollout",
		Tier:            plan.TierProfessional,
		Topic:           "plan",
		Description:     "Plan one change across multiple devices, serial by default",
		InputSchema:     schemaRollout,
		SideEffect:      true,
		DryRunSupported: true,
		Handler:         r.planCreateRollout,
	})
	r.register(&Tool{
		Name:        "plan_get",
		Tier:        plan.TierFundamental,
		Topic:       "plan",
		Description: "Fetch a plan with its per-device diffs and status",
		InputSchema: schemaPlanID,
		Idempotent:  true,
		Handler:     r.planGet,
	})
	r.register(&Tool{
		Name:        "plan_approve",
		Tier:        plan.TierAdvanced,
		Topic:       "plan",
		Description: "Approve a pending plan and receive a single-use signed token",
		InputSchema: schemaPlanID,
		SideEffect:  true,
		Handler:     r.planApprove,
	})
	r.register(&Tool{
		Name:        "plan_apply",
		Tier:        plan.TierAdvanced,
		Topic:       "plan",
		Description: "Apply an approved plan by queueing its execution job; requires the approval token",
		InputSchema: schemaPlanApply,
		SideEffect:  true,
		Handler:     r.planApply,
	})
	r.register(&Tool{
		Name:        "plan_cancel",
		Tier:        plan.TierAdvanced,
		Topic:       "plan",
		Description: "Cancel a plan that has not started executing",
		InputSchema: schemaPlanID,
		SideEffect:  true,
		Handler:     r.planCancel,
	})
	r.register(&Tool{
		Name:          "snapshot_get",
		Tier:          plan.TierFundamental,
		Topic:         "snapshot",
		Description:   "Fetch a configuration snapshot by id, decompressed",
		InputSchema:   schemaSnapshotGet,
		Idempotent:    true,
		ReadSensitive: true,
		Handler:       r.snapshotGet,
	})
	r.register(&Tool{
		Name:        "audit_query",
		Tier:        plan.TierFundamental,
		Topic:       "audit",
		Description: "Query the audit trail by device, plan, action, or time",
		InputSchema: schemaAuditQuery,
		Idempotent:  true,
		Handler:     r.auditQuery,
	})
	r.register(&Tool{
		Name:          "credential_store",
		Tier:          plan.TierAdvanced,
		Topic:         "credential",
		Description:   "Store a device credential; the secret is encrypted at rest and never echoed",
		InputSchema:   schemaCredentialStore,
		SideEffect:    true,
		ReadSensitive: true,
		Handler:       r.credentialStore,
	})
	r.register(&Tool{
		Name:          "credential_rotate",
		Tier:          plan.TierProfessional,
		Topic:         "credential",
		Description:   "Rotate a device credential atomically; the old one is deactivated",
		InputSchema:   schemaCredentialRotate,
		SideEffect:    true,
		ReadSensitive: true,
		Handler:       r.credentialRotate,
	})
}

// --- device lifecycle ---

func (r *Registry) deviceRegister(ctx context.Context, call *Call) (*Result, error) {
	name, err := requireStringArg(call.Args, "name")
	if err != nil {
		return nil, err
	}
	host, err := requireStringArg(call.Args, "host")
	if err != nil {
		return nil, err
	}
	env := types.Environment(stringArg(call.Args, "environment"))

	device, err := r.devices.Register(
		name, host,
		intArg(call.Args, "port", 443),
		env,
		capabilitiesArg(call.Args),
		stringMapArg(call.Args, "tags"),
	)
	if err != nil {
		return nil, err
	}
	return &Result{
		Summary: fmt.Sprintf("Registered device %s (%s) in %s as %s", device.Name, device.Host, device.Environment, device.ID),
		Data:    map[string]interface{}{"device": device},
	}, nil
}

func (r *Registry) deviceList(ctx context.Context, call *Call) (*Result, error) {
	filter := registry.Filter{
		Environment: types.Environment(stringArg(call.Args, "environment")),
		Status:      types.DeviceStatus(stringArg(call.Args, "status")),
		TagKey:      stringArg(call.Args, "tag_key"),
		TagValue:    stringArg(call.Args, "tag_value"),
	}
	devices, err := r.devices.Query(filter)
	if err != nil {
		return nil, err
	}
	return &Result{
		Summary: fmt.Sprintf("%d devices", len(devices)),
		Data:    map[string]interface{}{"devices": devices, "count": len(devices)},
	}, nil
}

func (r *Registry) deviceUpdateFlags(ctx context.Context, call *Call) (*Result, error) {
	deviceID, err := requireStringArg(call.Args, "device_id")
	if err != nil {
		return nil, err
	}
	if _, err := r.resolveDevice(deviceID, plan.TierFundamental); err != nil {
		return nil, err
	}

	patch := registry.Patch{Tags: stringMapArg(call.Args, "tags")}
	if _, ok := call.Args["capabilities"]; ok {
		caps := capabilitiesArg(call.Args)
		patch.Capabilities = &caps
	}
	if v, ok := call.Args["write_blocked"].(bool); ok {
		patch.WriteBlocked = &v
	}

	device, err := r.devices.Update(deviceID, patch)
	if err != nil {
		return nil, err
	}
	return &Result{
		Summary: fmt.Sprintf("Updated flags on %s", device.Name),
		Data:    map[string]interface{}{"device": device},
		Touched: []string{deviceID},
	}, nil
}

func (r *Registry) deviceDecommission(ctx context.Context, call *Call) (*Result, error) {
	deviceID, err := requireStringArg(call.Args, "device_id")
	if err != nil {
		return nil, err
	}
	device, err := r.resolveDevice(deviceID, plan.TierProfessional)
	if err != nil {
		return nil, err
	}
	if err := r.devices.Decommission(deviceID); err != nil {
		return nil, err
	}
	if err := r.vault.DeactivateAll(deviceID); err != nil {
		return nil, err
	}
	return &Result{
		Summary: fmt.Sprintf("Decommissioned %s; history retained, credentials deactivated", device.Name),
		Data:    map[string]interface{}{"device_id": deviceID},
		Touched: []string{deviceID},
	}, nil
}

// --- reads ---

func (r *Registry) connectivityCheck(ctx context.Context, call *Call) (*Result, error) {
	deviceID, err := requireStringArg(call.Args, "device_id")
	if err != nil {
		return nil, err
	}
	device, err := r.resolveDevice(deviceID, plan.TierFundamental)
	if err != nil {
		return nil, err
	}

	probe, err := r.client.Probe(ctx, device)
	if err != nil {
		// A failed probe is a useful answer, not a tool failure
		data := map[string]interface{}{
			"reachable": false,
			"error":     err.Error(),
		}
		if probe != nil {
			data["probe"] = probe
		}
		summary := fmt.Sprintf("%s is unreachable", device.Name)
		if probe != nil && probe.FailureReason != "" {
			summary = fmt.Sprintf("%s is unreachable (%s). %s",
				device.Name, probe.FailureReason, strings.Join(probe.Remediation, " "))
		}
		return &Result{Summary: summary, Data: data}, nil
	}

	return &Result{
		Summary: fmt.Sprintf("%s reachable over %s in %dms", device.Name, probe.Transport, probe.ResponseTimeMs),
		Data:    map[string]interface{}{"reachable": true, "probe": probe},
	}, nil
}

func (r *Registry) deviceHealth(ctx context.Context, call *Call) (*Result, error) {
	deviceID, err := requireStringArg(call.Args, "device_id")
	if err != nil {
		return nil, err
	}
	device, err := r.resolveDevice(deviceID, plan.TierFundamental)
	if err != nil {
		return nil, err
	}

	var check *types.HealthCheck
	if boolArg(call.Args, "force_probe") {
		check, err = r.health.Probe(ctx, device, "on_demand")
		if err != nil {
			return nil, err
		}
	} else {
		history, err := r.store.ListHealthChecksByDevice(deviceID, 1)
		if err != nil {
			return nil, err
		}
		if len(history) == 0 {
			check, err = r.health.Probe(ctx, device, "on_demand")
			if err != nil {
				return nil, err
			}
		} else {
			check = history[0]
		}
	}

	return &Result{
		Summary: fmt.Sprintf("%s is %s (cpu %.0f%%, mem %.0f%%)", device.Name, check.Status, check.CPUPct, check.MemPct),
		Data:    map[string]interface{}{"health": check, "device_status": device.Status},
	}, nil
}

func (r *Registry) fleetSummary(ctx context.Context, call *Call) (*Result, error) {
	devices, err := r.store.ListDevices()
	if err != nil {
		return nil, err
	}

	byStatus := map[string]int{}
	byEnv := map[string]int{}
	blocked := 0
	for _, device := range devices {
		byStatus[string(device.Status)]++
		byEnv[string(device.Environment)]++
		if device.WriteBlocked {
			blocked++
		}
	}

	return &Result{
		Summary: fmt.Sprintf("%d devices: %d healthy, %d degraded, %d unreachable, %d write-blocked",
			len(devices), byStatus[string(types.DeviceStatusHealthy)],
			byStatus[string(types.DeviceStatusDegraded)],
			byStatus[string(types.DeviceStatusUnreachable)], blocked),
		Data: map[string]interface{}{
			"total":           len(devices),
			"by_status":       byStatus,
			"by_environment":  byEnv,
			"write_blocked":   blocked,
			"queue_depth":     r.exec.Depth(),
			"service_version": r.cfg.Version,
		},
	}, nil
}

func (r *Registry) dnsRead(ctx context.Context, call *Call) (*Result, error) {
	deviceID, err := requireStringArg(call.Args, "device_id")
	if err != nil {
		return nil, err
	}
	device, err := r.resolveDevice(deviceID, plan.TierFundamental)
	if err != nil {
		return nil, err
	}
	result, err := r.client.Call(ctx, device, routeros.OpDNSGet())
	if err != nil {
		return nil, err
	}
	return &Result{
		Summary: fmt.Sprintf("DNS configuration of %s", device.Name),
		Data:    map[string]interface{}{"dns": result.Data, "transport": result.Transport},
	}, nil
}

func (r *Registry) configExport(ctx context.Context, call *Call) (*Result, error) {
	deviceID, err := requireStringArg(call.Args, "device_id")
	if err != nil {
		return nil, err
	}
	device, err := r.resolveDevice(deviceID, plan.TierFundamental)
	if err != nil {
		return nil, err
	}

	op := routeros.OpExportCompact()
	if stringArg(call.Args, "format") == "full" {
		op = routeros.OpExportFull()
	}
	result, err := r.client.Call(ctx, device, op)
	if err != nil {
		return nil, err
	}

	script := string(result.Raw)
	return &Result{
		Summary: fmt.Sprintf("Exported %d bytes of configuration from %s", len(script), device.Name),
		Data: map[string]interface{}{
			"script":    script,
			"mime_type": "text/x-routeros-script",
			"transport": result.Transport,
		},
	}, nil
}

// --- change pipeline ---

// changeTool builds a handler that runs the planning path for one
// single-device operation. With dry_run the computed plan is cancelled
// right away so only the preview survives.
func (r *Registry) changeTool(toolName, operation string, tier plan.Tier) func(context.Context, *Call) (*Result, error) {
	return func(ctx context.Context, call *Call) (*Result, error) {
		deviceID, err := requireStringArg(call.Args, "device_id")
		if err != nil {
			return nil, err
		}
		return r.createPlan(ctx, call, toolName, operation, tier, []string{deviceID}, false)
	}
}

func (r *Registry) planCreateRollout(ctx context.Context, call *Call) (*Result, error) {
	operation, err := requireStringArg(call.Args, "operation")
	if err != nil {
		return nil, err
	}
	deviceIDs := stringSliceArg(call.Args, "device_ids")
	if len(deviceIDs) == 0 {
		return nil, errdefs.New(errdefs.CodeInvalidParams, "device_ids is required")
	}
	return r.createPlan(ctx, call, "plan_create_rollout", operation, plan.TierProfessional,
		deviceIDs, boolArg(call.Args, "parallel"))
}

func (r *Registry) createPlan(ctx context.Context, call *Call, toolName, operation string, tier plan.Tier, deviceIDs []string, parallel bool) (*Result, error) {
	created, err := r.plans.Create(ctx, plan.Request{
		ToolName:      toolName,
		Operation:     operation,
		Tier:          tier,
		CreatedBy:     call.Identity,
		DeviceIDs:     deviceIDs,
		Params:        call.Args,
		CorrelationID: call.CorrelationID,
	})
	if err != nil {
		return nil, err
	}

	if parallel {
		created.ParallelTargets = true
		if err := r.store.UpdatePlan(created); err != nil {
			return nil, err
		}
	}

	if call.DryRun {
		created, err = r.plans.Cancel(created.ID, call.Identity)
		if err != nil {
			return nil, err
		}
		return &Result{
			Summary: fmt.Sprintf("Dry run: %s would change %d device(s); no plan left pending", operation, len(created.Targets)),
			Data:    map[string]interface{}{"plan": created, "dry_run": true},
		}, nil
	}

	summary := fmt.Sprintf("Plan %s created for %d device(s), status %s", created.ID, len(created.Targets), created.Status)
	if created.Status == types.PlanStatusPendingApproval {
		summary += "; approve with plan_approve before applying"
	}
	return &Result{
		Summary: summary,
		Data: map[string]interface{}{
			"plan":              created,
			"plan_uri":          "plan://" + created.ID,
			"requires_approval": created.Status == types.PlanStatusPendingApproval,
		},
	}, nil
}

func (r *Registry) planGet(ctx context.Context, call *Call) (*Result, error) {
	planID, err := requireStringArg(call.Args, "plan_id")
	if err != nil {
		return nil, err
	}
	found, err := r.plans.Get(planID)
	if err != nil {
		return nil, err
	}
	return &Result{
		Summary: fmt.Sprintf("Plan %s: %s, risk %s, %d target(s)", found.ID, found.Status, found.RiskLevel, len(found.Targets)),
		Data:    map[string]interface{}{"plan": found},
	}, nil
}

func (r *Registry) planApprove(ctx context.Context, call *Call) (*Result, error) {
	planID, err := requireStringArg(call.Args, "plan_id")
	if err != nil {
		return nil, err
	}
	token, err := r.approvals.Issue(planID, call.Identity)
	if err != nil {
		return nil, err
	}
	return &Result{
		Summary: fmt.Sprintf("Plan %s approved; token %s expires %s", planID, token.Token, token.ExpiresAt.Format(time.RFC3339)),
		Data:    map[string]interface{}{"approval_token": token},
	}, nil
}

func (r *Registry) planApply(ctx context.Context, call *Call) (*Result, error) {
	planID, err := requireStringArg(call.Args, "plan_id")
	if err != nil {
		return nil, err
	}
	token, err := approvalTokenArg(call.Args)
	if err != nil {
		return nil, err
	}
	if token.PlanID != planID {
		return nil, errdefs.New(errdefs.CodeApprovalTokenInvalid, "token is bound to a different plan")
	}
	if err := r.approvals.Verify(token); err != nil {
		return nil, err
	}

	found, err := r.plans.Get(planID)
	if err != nil {
		return nil, err
	}
	deviceIDs := make([]string, 0, len(found.Targets))
	for _, target := range found.Targets {
		deviceIDs = append(deviceIDs, target.DeviceID)
	}

	job := &types.Job{
		ID:            uuid.New().String(),
		PlanID:        planID,
		Type:          types.JobApplyPlan,
		Priority:      5,
		DeviceIDs:     deviceIDs,
		ScheduledAt:   time.Now(),
		MaxAttempts:   1, // writes are never auto-retried
		CorrelationID: found.CorrelationID,
	}
	if err := r.exec.Submit(job); err != nil {
		return nil, err
	}

	return &Result{
		Summary: fmt.Sprintf("Plan %s queued for execution as job %s on %d device(s)", planID, job.ID, len(deviceIDs)),
		Data:    map[string]interface{}{"job_id": job.ID, "plan_id": planID},
		Touched: deviceIDs,
	}, nil
}

func (r *Registry) planCancel(ctx context.Context, call *Call) (*Result, error) {
	planID, err := requireStringArg(call.Args, "plan_id")
	if err != nil {
		return nil, err
	}
	cancelled, err := r.plans.Cancel(planID, call.Identity)
	if err != nil {
		return nil, err
	}
	return &Result{
		Summary: fmt.Sprintf("Plan %s cancelled", planID),
		Data:    map[string]interface{}{"plan": cancelled},
	}, nil
}

// --- snapshots, audit, credentials ---

func (r *Registry) snapshotGet(ctx context.Context, call *Call) (*Result, error) {
	snapshotID, err := requireStringArg(call.Args, "snapshot_id")
	if err != nil {
		return nil, err
	}
	snap, err := r.snapshots.Get(snapshotID)
	if err != nil {
		return nil, err
	}
	return &Result{
		Summary: fmt.Sprintf("Snapshot %s (%s) of device %s, %d bytes", snap.ID, snap.Kind, snap.DeviceID, snap.SizeBytes),
		Data: map[string]interface{}{
			"snapshot": snap,
			"payload":  string(snap.Payload),
		},
	}, nil
}

func (r *Registry) auditQuery(ctx context.Context, call *Call) (*Result, error) {
	filter := storage.AuditFilter{
		DeviceID: stringArg(call.Args, "device_id"),
		PlanID:   stringArg(call.Args, "plan_id"),
		Action:   types.AuditAction(stringArg(call.Args, "action")),
		Limit:    intArg(call.Args, "limit", 100),
	}
	if since := stringArg(call.Args, "since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			return nil, errdefs.New(errdefs.CodeInvalidParams, "since must be RFC3339")
		}
		filter.Since = t
	}

	events, err := r.audit.Query(filter)
	if err != nil {
		return nil, err
	}
	return &Result{
		Summary: fmt.Sprintf("%d audit events", len(events)),
		Data:    map[string]interface{}{"events": events, "count": len(events)},
	}, nil
}

func (r *Registry) credentialStore(ctx context.Context, call *Call) (*Result, error) {
	deviceID, err := requireStringArg(call.Args, "device_id")
	if err != nil {
		return nil, err
	}
	if _, err := r.resolveDevice(deviceID, plan.TierFundamental); err != nil {
		return nil, err
	}
	username, err := requireStringArg(call.Args, "username")
	if err != nil {
		return nil, err
	}
	password, err := requireStringArg(call.Args, "password")
	if err != nil {
		return nil, err
	}
	kind, err := credentialKindArg(call.Args)
	if err != nil {
		return nil, err
	}

	cred, err := r.vault.Store(deviceID, kind, username, password)
	if err != nil {
		return nil, err
	}
	// The secret never leaves the vault boundary again
	return &Result{
		Summary: fmt.Sprintf("Stored %s credential for device %s", kind, deviceID),
		Data: map[string]interface{}{
			"credential_id": cred.ID,
			"kind":          cred.Kind,
			"username":      cred.Username,
		},
		Touched: []string{deviceID},
	}, nil
}

func (r *Registry) credentialRotate(ctx context.Context, call *Call) (*Result, error) {
	deviceID, err := requireStringArg(call.Args, "device_id")
	if err != nil {
		return nil, err
	}
	if _, err := r.resolveDevice(deviceID, plan.TierFundamental); err != nil {
		return nil, err
	}
	password, err := requireStringArg(call.Args, "new_password")
	if err != nil {
		return nil, err
	}
	kind, err := credentialKindArg(call.Args)
	if err != nil {
		return nil, err
	}

	cred, err := r.vault.Rotate(deviceID, kind, password)
	if err != nil {
		return nil, err
	}
	return &Result{
		Summary: fmt.Sprintf("Rotated %s credential for device %s", kind, deviceID),
		Data: map[string]interface{}{
			"credential_id": cred.ID,
			"kind":          cred.Kind,
			"rotated_at":    cred.RotatedAt,
		},
		Touched: []string{deviceID},
	}, nil
}

// --- argument shapes ---

func capabilitiesArg(args map[string]interface{}) types.Capabilities {
	raw, ok := args["capabilities"].(map[string]interface{})
	if !ok {
		return types.Capabilities{}
	}
	get := func(key string) bool {
		v, _ := raw[key].(bool)
		return v
	}
	return types.Capabilities{
		AllowAdvancedWrites:        get("allow_advanced_writes"),
		AllowProfessionalWorkflows: get("allow_professional_workflows"),
		AllowSSHCommands:           get("allow_ssh_commands"),
	}
}

func credentialKindArg(args map[string]interface{}) (types.CredentialKind, error) {
	kind := types.CredentialKind(stringArg(args, "kind"))
	switch kind {
	case types.CredentialREST, types.CredentialSSH:
		return kind, nil
	}
	return "", errdefs.New(errdefs.CodeInvalidParams, "kind must be rest or ssh")
}

// approvalTokenArg reconstructs the signed token from the arguments so
// it can be verified statelessly.
func approvalTokenArg(args map[string]interface{}) (*types.ApprovalToken, error) {
	raw, ok := args["approval_token"]
	if !ok {
		return nil, errdefs.New(errdefs.CodeInvalidParams, "approval_token is required")
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, errdefs.New(errdefs.CodeInvalidParams, "malformed approval_token")
	}
	var token types.ApprovalToken
	if err := json.Unmarshal(encoded, &token); err != nil {
		return nil, errdefs.New(errdefs.CodeInvalidParams, "malformed approval_token")
	}
	if token.Token == "" || token.Signature == "" {
		return nil, errdefs.New(errdefs.CodeInvalidParams, "approval_token must carry token and signature")
	}
	return &token, nil
}
