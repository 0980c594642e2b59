// Package tools holds the MCP tool catalog and its dispatch rules: the
// authorization cascade, dry-run handling, result caching, and the
// audit emission policy. It implements mcp.Handler.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rosfleet/rosfleet/pkg/approval"
	"github.com/rosfleet/rosfleet/pkg/audit"
	"github.com/rosfleet/rosfleet/pkg/cache"
	"github.com/rosfleet/rosfleet/pkg/errdefs"
	"github.com/rosfleet/rosfleet/pkg/executor"
	"github.com/rosfleet/rosfleet/pkg/health"
	"github.com/rosfleet/rosfleet/pkg/log"
	"github.com/rosfleet/rosfleet/pkg/mcp"
	"github.com/rosfleet/rosfleet/pkg/metrics"
	"github.com/rosfleet/rosfleet/pkg/plan"
	"github.com/rosfleet/rosfleet/pkg/registry"
	"github.com/rosfleet/rosfleet/pkg/routeros"
	"github.com/rosfleet/rosfleet/pkg/snapshot"
	"github.com/rosfleet/rosfleet/pkg/storage"
	"github.com/rosfleet/rosfleet/pkg/types"
	"github.com/rosfleet/rosfleet/pkg/vault"
)

// RateLimiter is the per-identity, per-tier admission check
type RateLimiter interface {
	Allow(identity, tier string) error
}

// Tool is one entry of the catalog
type Tool struct {
	Name        string
	Tier        plan.Tier
	Topic       string
	Description string
	InputSchema json.RawMessage

	SideEffect      bool
	DryRunSupported bool
	Idempotent      bool
	ReadSensitive   bool

	Timeout time.Duration

	Cacheable bool
	CacheTTL  time.Duration

	Handler func(ctx context.Context, call *Call) (*Result, error)
}

// Call is the resolved context of one tool invocation
type Call struct {
	Identity      string
	Args          map[string]interface{}
	CorrelationID string
	DryRun        bool
}

// Result is a tool outcome before envelope packaging: a one-line human
// summary plus the structured payload for _meta.
type Result struct {
	Summary string
	Data    map[string]interface{}

	// DeviceIDs whose cached resources this call invalidated
	Touched []string
}

// Config carries registry-wide settings
type Config struct {
	Environment types.Environment
	Version     string

	// DefaultTimeout bounds tool handlers that set none
	DefaultTimeout time.Duration
}

// Registry owns the tool catalog and routes MCP calls into the domain
// services.
type Registry struct {
	cfg       Config
	store     storage.Store
	devices   *registry.Registry
	vault     *vault.Vault
	client    routeros.Caller
	health    *health.Scheduler
	snapshots *snapshot.Store
	plans     *plan.Service
	approvals *approval.Gateway
	exec      *executor.Executor
	cache     *cache.Cache
	limiter   RateLimiter
	audit     *audit.Log
	logger    zerolog.Logger

	catalog map[string]*Tool
	order   []string

	subs *subscriptions
}

// Deps bundles the services the catalog dispatches into
type Deps struct {
	Store     storage.Store
	Devices   *registry.Registry
	Vault     *vault.Vault
	Client    routeros.Caller
	Health    *health.Scheduler
	Snapshots *snapshot.Store
	Plans     *plan.Service
	Approvals *approval.Gateway
	Executor  *executor.Executor
	Cache     *cache.Cache
	Limiter   RateLimiter
	Audit     *audit.Log
}

// NewRegistry builds the full catalog
func NewRegistry(cfg Config, deps Deps) *Registry {
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	r := &Registry{
		cfg:       cfg,
		store:     deps.Store,
		devices:   deps.Devices,
		vault:     deps.Vault,
		client:    deps.Client,
		health:    deps.Health,
		snapshots: deps.Snapshots,
		plans:     deps.Plans,
		approvals: deps.Approvals,
		exec:      deps.Executor,
		cache:     deps.Cache,
		limiter:   deps.Limiter,
		audit:     deps.Audit,
		logger:    log.WithComponent("tools"),
		catalog:   make(map[string]*Tool),
		subs:      newSubscriptions(),
	}
	r.registerCatalog()
	return r
}

func (r *Registry) register(tool *Tool) {
	r.catalog[tool.Name] = tool
	r.order = append(r.order, tool.Name)
}

// ListTools implements mcp.Handler
func (r *Registry) ListTools(ctx context.Context) []mcp.ToolDefinition {
	defs := make([]mcp.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		tool := r.catalog[name]
		defs = append(defs, mcp.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		})
	}
	return defs
}

// CallTool implements mcp.Handler: lookup, rate limit, dry-run
// resolution, handler execution, audit emission.
func (r *Registry) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	tool, ok := r.catalog[name]
	if !ok {
		return nil, errdefs.New(errdefs.CodeMethodNotFound, "unknown tool %q", name)
	}

	identity := mcp.IdentityFrom(ctx)
	if err := r.limiter.Allow(identity, string(tool.Tier)); err != nil {
		return nil, err
	}

	call := &Call{
		Identity:      identity,
		Args:          args,
		CorrelationID: uuid.New().String(),
	}
	if args != nil {
		if v, ok := args["dry_run"].(bool); ok && v {
			if !tool.DryRunSupported {
				return nil, errdefs.New(errdefs.CodeInvalidParams, "tool %q does not support dry_run", name)
			}
			call.DryRun = true
		}
	}

	timeout := tool.Timeout
	if timeout == 0 {
		timeout = r.cfg.DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	result, err := r.invoke(ctx, tool, call)
	elapsed := time.Since(started)
	metrics.ToolCallDuration.WithLabelValues(tool.Name).Observe(elapsed.Seconds())

	r.emitAudit(tool, call, err)

	if err != nil {
		metrics.ToolCallsTotal.WithLabelValues(tool.Name, "error").Inc()
		r.logger.Warn().
			Str("tool", tool.Name).
			Str("identity", identity).
			Str("correlation_id", call.CorrelationID).
			Str("code", string(errdefs.CodeOf(err))).
			Msg("tool call failed")
		return nil, err
	}
	metrics.ToolCallsTotal.WithLabelValues(tool.Name, "success").Inc()

	for _, deviceID := range result.Touched {
		r.cache.InvalidateDevice(deviceID)
	}

	meta := result.Data
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["correlationId"] = call.CorrelationID
	meta["estimatedTokens"] = estimateTokens(meta)

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent(result.Summary)},
		Meta:    meta,
	}, nil
}

// invoke runs the handler, serving cacheable reads through the
// resource cache so repeated calls skip the device entirely.
func (r *Registry) invoke(ctx context.Context, tool *Tool, call *Call) (*Result, error) {
	if !tool.Cacheable || call.DryRun {
		return tool.Handler(ctx, call)
	}

	key := toolCacheKey(tool.Name, call.Args)
	value, _, err := r.cache.GetOrLoad(key, call.Identity, tool.CacheTTL, func() (interface{}, error) {
		return tool.Handler(ctx, call)
	})
	if err != nil {
		return nil, err
	}
	result, ok := value.(*Result)
	if !ok {
		return nil, errdefs.New(errdefs.CodeInternalError, "unexpected cache entry for %s", tool.Name)
	}
	return result, nil
}

// toolCacheKey folds the arguments into the cache key so distinct
// queries do not collide. Device ids stay in the clear so writes can
// invalidate by substring.
func toolCacheKey(name string, args map[string]interface{}) string {
	encoded, _ := json.Marshal(args)
	return "tool://" + name + "/" + string(encoded)
}

// emitAudit applies the audit policy: every advanced and professional
// invocation, plus read-sensitive fundamental ones. Handlers that
// record richer events (plan, approve, write) do so themselves; this
// is the dispatch-level floor.
func (r *Registry) emitAudit(tool *Tool, call *Call, callErr error) {
	if tool.Tier == plan.TierFundamental && !tool.ReadSensitive {
		return
	}

	action := types.AuditActionRead
	if tool.ReadSensitive {
		action = types.AuditActionReadSensitive
	}
	if tool.SideEffect {
		action = types.AuditActionWrite
	}

	event := &types.AuditEvent{
		Action:        action,
		ToolName:      tool.Name,
		ToolTier:      string(tool.Tier),
		Result:        types.AuditResultSuccess,
		UserID:        call.Identity,
		CorrelationID: call.CorrelationID,
	}
	if callErr != nil {
		event.Result = types.AuditResultFailure
		event.ErrorMessage = callErr.Error()
	}
	if deviceID := stringArg(call.Args, "device_id"); deviceID != "" {
		event.DeviceID = deviceID
	}
	if call.DryRun {
		event.Metadata = map[string]string{"dry_run": "true"}
	}
	if err := r.audit.Record(event); err != nil {
		r.logger.Error().Err(err).Str("tool", tool.Name).Msg("audit record failed")
	}
}

// resolveDevice looks up a device and applies the environment and
// capability gates for the calling tool's tier.
func (r *Registry) resolveDevice(deviceID string, tier plan.Tier) (*types.Device, error) {
	device, err := r.devices.Lookup(deviceID)
	if err != nil {
		return nil, err
	}
	if device.Status == types.DeviceStatusDecommissioned {
		return nil, errdefs.New(errdefs.CodeDeviceNotFound, "device %s is decommissioned", deviceID)
	}
	if device.Environment != r.cfg.Environment {
		return nil, errdefs.New(errdefs.CodeEnvironmentMismatch,
			"device %s is in %s, this service operates in %s", deviceID, device.Environment, r.cfg.Environment)
	}
	switch tier {
	case plan.TierAdvanced:
		if !device.Capabilities.AllowAdvancedWrites {
			return nil, errdefs.New(errdefs.CodeCapabilityMissing, "device %s does not allow advanced writes", deviceID)
		}
	case plan.TierProfessional:
		if !device.Capabilities.AllowProfessionalWorkflows {
			return nil, errdefs.New(errdefs.CodeCapabilityMissing, "device %s does not allow professional workflows", deviceID)
		}
	}
	return device, nil
}

// estimateTokens is a rough serialized-size heuristic so clients can
// budget context before asking for big payloads.
func estimateTokens(data map[string]interface{}) int {
	encoded, err := json.Marshal(data)
	if err != nil {
		return 0
	}
	return len(encoded) / 4
}

// Argument extraction helpers. Arguments arrive as generic JSON, so
// everything funnels through typed accessors that fail as
// InvalidParams.

func stringArg(args map[string]interface{}, key string) string {
	if args == nil {
		return ""
	}
	v, _ := args[key].(string)
	return v
}

func requireStringArg(args map[string]interface{}, key string) (string, error) {
	v := stringArg(args, key)
	if v == "" {
		return "", errdefs.New(errdefs.CodeInvalidParams, "%s is required", key)
	}
	return v, nil
}

func intArg(args map[string]interface{}, key string, fallback int) int {
	if args == nil {
		return fallback
	}
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func boolArg(args map[string]interface{}, key string) bool {
	if args == nil {
		return false
	}
	v, _ := args[key].(bool)
	return v
}

func stringSliceArg(args map[string]interface{}, key string) []string {
	if args == nil {
		return nil
	}
	switch v := args[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func stringMapArg(args map[string]interface{}, key string) map[string]string {
	if args == nil {
		return nil
	}
	raw, ok := args[key].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}
