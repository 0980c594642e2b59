package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rosfleet/rosfleet/pkg/errdefs"
	"github.com/rosfleet/rosfleet/pkg/mcp"
	"github.com/rosfleet/rosfleet/pkg/plan"
	"github.com/rosfleet/rosfleet/pkg/storage"
	"github.com/rosfleet/rosfleet/pkg/types"
)

const (
	mimeJSON   = "application/json"
	mimeScript = "text/x-routeros-script"
)

// ListResources implements mcp.Handler. Device-scoped URIs are listed
// per registered device; the rest are fixed roots.
func (r *Registry) ListResources(ctx context.Context) []mcp.ResourceDefinition {
	defs := []mcp.ResourceDefinition{
		{
			URI:         fmt.Sprintf("fleet://%s/summary", r.cfg.Environment),
			Name:        "Fleet summary",
			Description: "Device counts by status plus queue depth",
			MimeType:    mimeJSON,
		},
	}

	devices, err := r.store.ListDevices()
	if err != nil {
		r.logger.Error().Err(err).Msg("resource listing failed")
		return defs
	}
	for _, device := range devices {
		if device.Status == types.DeviceStatusDecommissioned {
			continue
		}
		defs = append(defs,
			mcp.ResourceDefinition{
				URI:         fmt.Sprintf("device://%s/health", device.ID),
				Name:        device.Name + " health",
				Description: "Recent health checks",
				MimeType:    mimeJSON,
			},
			mcp.ResourceDefinition{
				URI:         fmt.Sprintf("device://%s/config", device.ID),
				Name:        device.Name + " configuration",
				Description: "Latest configuration export",
				MimeType:    mimeScript,
			},
			mcp.ResourceDefinition{
				URI:         fmt.Sprintf("audit://%s", device.ID),
				Name:        device.Name + " audit trail",
				MimeType:    mimeJSON,
			},
		)
	}
	return defs
}

// ReadResource implements mcp.Handler. Reads are cached per (uri,
// identity) with the default TTL; writes against a device evict its
// entries.
func (r *Registry) ReadResource(ctx context.Context, uri string) (*mcp.ResourcesReadResult, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return nil, errdefs.New(errdefs.CodeInvalidParams, "malformed resource uri %q", uri)
	}

	identity := mcp.IdentityFrom(ctx)
	value, _, err := r.cache.GetOrLoad(uri, identity, 0, func() (interface{}, error) {
		return r.readResource(ctx, parsed)
	})
	if err != nil {
		return nil, err
	}
	result, ok := value.(*mcp.ResourcesReadResult)
	if !ok {
		return nil, errdefs.New(errdefs.CodeInternalError, "unexpected cache entry for %s", uri)
	}
	return result, nil
}

func (r *Registry) readResource(ctx context.Context, uri *url.URL) (*mcp.ResourcesReadResult, error) {
	switch uri.Scheme {
	case "device":
		return r.readDeviceResource(ctx, uri)
	case "plan":
		return r.readPlanResource(uri.Host)
	case "fleet":
		return r.readFleetResource(ctx, uri.Host)
	case "audit":
		return r.readAuditResource(uri)
	case "snapshot":
		return r.readSnapshotResource(uri.Host)
	}
	return nil, errdefs.New(errdefs.CodeInvalidParams, "unknown resource scheme %q", uri.Scheme)
}

func (r *Registry) readDeviceResource(ctx context.Context, uri *url.URL) (*mcp.ResourcesReadResult, error) {
	device, err := r.resolveDevice(uri.Host, plan.TierFundamental)
	if err != nil {
		return nil, err
	}

	switch uri.Path {
	case "/health":
		checks, err := r.store.ListHealthChecksByDevice(device.ID, 10)
		if err != nil {
			return nil, err
		}
		return jsonResource(uri.String(), map[string]interface{}{
			"device_id": device.ID,
			"status":    device.Status,
			"checks":    checks,
		})

	case "/config":
		// Prefer the newest stored export; fall back to a live one
		snaps, err := r.snapshots.List(device.ID, 50)
		if err != nil {
			return nil, err
		}
		for _, snap := range snaps {
			if snap.Kind != types.SnapshotConfigCompact && snap.Kind != types.SnapshotConfigFull {
				continue
			}
			full, err := r.snapshots.Get(snap.ID)
			if err != nil {
				return nil, err
			}
			r.audit.RecordSensitiveRead(device.ID, map[string]string{"resource": uri.String(), "snapshot_id": snap.ID})
			return textResource(uri.String(), mimeScript, string(full.Payload)), nil
		}

		live, err := r.snapshots.Capture(ctx, device, types.SnapshotConfigCompact, "resource_read", "")
		if err != nil {
			return nil, err
		}
		full, err := r.snapshots.Get(live.ID)
		if err != nil {
			return nil, err
		}
		r.audit.RecordSensitiveRead(device.ID, map[string]string{"resource": uri.String(), "snapshot_id": live.ID})
		return textResource(uri.String(), mimeScript, string(full.Payload)), nil
	}
	return nil, errdefs.New(errdefs.CodeInvalidParams, "unknown device resource %q", uri.Path)
}

func (r *Registry) readPlanResource(planID string) (*mcp.ResourcesReadResult, error) {
	found, err := r.plans.Get(planID)
	if err != nil {
		return nil, err
	}
	return jsonResource("plan://"+planID, found)
}

func (r *Registry) readFleetResource(ctx context.Context, env string) (*mcp.ResourcesReadResult, error) {
	if env != string(r.cfg.Environment) {
		return nil, errdefs.New(errdefs.CodeEnvironmentMismatch,
			"this service operates in %s, not %s", r.cfg.Environment, env)
	}
	summary, err := r.fleetSummary(ctx, &Call{})
	if err != nil {
		return nil, err
	}
	return jsonResource(fmt.Sprintf("fleet://%s/summary", env), summary.Data)
}

func (r *Registry) readAuditResource(uri *url.URL) (*mcp.ResourcesReadResult, error) {
	filter := storage.AuditFilter{DeviceID: uri.Host, Limit: 100}
	query := uri.Query()
	if v := query.Get("action"); v != "" {
		filter.Action = types.AuditAction(v)
	}
	if v := query.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := query.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, errdefs.New(errdefs.CodeInvalidParams, "since must be RFC3339")
		}
		filter.Since = t
	}

	events, err := r.audit.Query(filter)
	if err != nil {
		return nil, err
	}
	return jsonResource(uri.String(), map[string]interface{}{"events": events, "count": len(events)})
}

func (r *Registry) readSnapshotResource(snapshotID string) (*mcp.ResourcesReadResult, error) {
	snap, err := r.snapshots.Get(snapshotID)
	if err != nil {
		return nil, err
	}
	r.audit.RecordSensitiveRead(snap.DeviceID, map[string]string{"resource": "snapshot://" + snapshotID})

	mime := mimeScript
	if snap.Kind == types.SnapshotDNSNTP || snap.Kind == types.SnapshotIPAddresses {
		mime = mimeJSON
	}
	return textResource("snapshot://"+snapshotID, mime, string(snap.Payload)), nil
}

// SubscribeResource implements mcp.Handler. The URI must resolve now;
// update notifications flow from the audit feed in the server layer.
func (r *Registry) SubscribeResource(ctx context.Context, uri string) error {
	if _, err := r.ReadResource(ctx, uri); err != nil {
		return err
	}
	r.subs.add(uri)
	return nil
}

// SubscribedForDevice returns the subscribed URIs that reference a
// device, used to fan out update notifications after audit events.
func (r *Registry) SubscribedForDevice(deviceID string) []string {
	return r.subs.matching(deviceID)
}

func jsonResource(uri string, payload interface{}) (*mcp.ResourcesReadResult, error) {
	encoded, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, errdefs.Wrap(errdefs.CodeInternalError, err, "resource serialization failed")
	}
	return textResource(uri, mimeJSON, string(encoded)), nil
}

func textResource(uri, mime, text string) *mcp.ResourcesReadResult {
	return &mcp.ResourcesReadResult{
		Contents: []mcp.ResourceContent{{URI: uri, MimeType: mime, Text: text}},
	}
}

// subscriptions is the set of live resource subscriptions
type subscriptions struct {
	mu   sync.Mutex
	uris map[string]struct{}
}

func newSubscriptions() *subscriptions {
	return &subscriptions{uris: make(map[string]struct{})}
}

func (s *subscriptions) add(uri string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uris[uri] = struct{}{}
}

func (s *subscriptions) matching(deviceID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for uri := range s.uris {
		parsed, err := url.Parse(uri)
		if err != nil {
			continue
		}
		if parsed.Host == deviceID {
			out = append(out, uri)
		}
	}
	return out
}
