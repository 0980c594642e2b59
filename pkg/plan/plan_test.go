package plan

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosfleet/rosfleet/pkg/audit"
	"github.com/rosfleet/rosfleet/pkg/errdefs"
	"github.com/rosfleet/rosfleet/pkg/routeros"
	"github.com/rosfleet/rosfleet/pkg/storage"
	"github.com/rosfleet/rosfleet/pkg/types"
)

// scriptedCaller serves canned reads keyed by operation id
type scriptedCaller struct {
	data map[string]interface{}
	errs map[string]error
}

func (c *scriptedCaller) Call(ctx context.Context, device *types.Device, op routeros.Operation) (*routeros.Result, error) {
	if err, ok := c.errs[op.ID]; ok {
		return nil, err
	}
	return &routeros.Result{Transport: "rest", Data: c.data[op.ID]}, nil
}

func (c *scriptedCaller) Probe(ctx context.Context, device *types.Device) (*routeros.ProbeResult, error) {
	return nil, errdefs.New(errdefs.CodeInternalError, "not used")
}

type fixture struct {
	service *Service
	store   storage.Store
	caller  *scriptedCaller
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	caller := &scriptedCaller{
		data: map[string]interface{}{
			"dns.get":      map[string]interface{}{"servers": "8.8.8.8,8.8.4.4"},
			"ntp.get":      map[string]interface{}{"servers": "time.cloudflare.com"},
			"identity.get": map[string]interface{}{"name": "edge-01"},
		},
		errs: map[string]error{},
	}

	return &fixture{
		service: NewService(cfg, store, caller, audit.NewLog(store)),
		store:   store,
		caller:  caller,
	}
}

func (f *fixture) addDevice(t *testing.T, id string, caps types.Capabilities) *types.Device {
	t.Helper()
	device := &types.Device{
		ID:           id,
		Name:         "edge-" + id,
		Host:         "10.0.0.1",
		Port:         443,
		Environment:  types.EnvLab,
		Status:       types.DeviceStatusHealthy,
		Capabilities: caps,
		CreatedAt:    time.Now(),
		UpdatedAt:    time.Now(),
	}
	require.NoError(t, f.store.CreateDevice(device))
	return device
}

func writeCaps() types.Capabilities {
	return types.Capabilities{AllowAdvancedWrites: true}
}

func dnsRequest(deviceIDs ...string) Request {
	return Request{
		ToolName:  "dns_update",
		Operation: "dns.set_servers",
		Tier:      TierAdvanced,
		CreatedBy: "alice",
		DeviceIDs: deviceIDs,
		Params:    map[string]interface{}{"servers": []interface{}{"1.1.1.1", "1.0.0.1"}},
	}
}

func TestCreatePlanDNS(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.addDevice(t, "d1", writeCaps())

	plan, err := f.service.Create(context.Background(), dnsRequest("d1"))
	require.NoError(t, err)

	assert.Equal(t, types.PlanStatusPendingApproval, plan.Status)
	assert.Equal(t, types.RiskMedium, plan.RiskLevel)
	require.Len(t, plan.Targets, 1)
	require.Len(t, plan.Targets[0].Changes, 1)

	change := plan.Targets[0].Changes[0]
	assert.Equal(t, "dns", change.Topic)
	assert.Equal(t, []string{"8.8.4.4", "8.8.8.8"}, change.CurrentValue)
	assert.Equal(t, []string{"1.0.0.1", "1.1.1.1"}, change.DesiredValue)

	assert.WithinDuration(t, plan.CreatedAt.Add(24*time.Hour), plan.ExpiresAt, time.Second)
}

func TestCreatePlanNoChange(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.addDevice(t, "d1", writeCaps())

	req := dnsRequest("d1")
	req.Params = map[string]interface{}{"servers": []interface{}{"8.8.8.8", "8.8.4.4"}}

	_, err := f.service.Create(context.Background(), req)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeNoChange))
}

func TestCreatePlanCapabilityGate(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.addDevice(t, "d1", types.Capabilities{}) // writes not enabled

	_, err := f.service.Create(context.Background(), dnsRequest("d1"))
	assert.True(t, errdefs.IsCode(err, errdefs.CodeCapabilityMissing))
}

func TestCreatePlanEnvironmentMismatch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServiceEnv = types.EnvProd
	f := newFixture(t, cfg)
	f.addDevice(t, "d1", writeCaps()) // lab device

	_, err := f.service.Create(context.Background(), dnsRequest("d1"))
	assert.True(t, errdefs.IsCode(err, errdefs.CodeEnvironmentMismatch))
}

func TestCreatePlanWriteBlockedDevice(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	device := f.addDevice(t, "d1", writeCaps())
	device.WriteBlocked = true
	require.NoError(t, f.store.UpdateDevice(device))

	_, err := f.service.Create(context.Background(), dnsRequest("d1"))
	assert.True(t, errdefs.IsCode(err, errdefs.CodeForbidden))
}

func TestMultiDeviceIsHighRisk(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.addDevice(t, "d1", writeCaps())
	f.addDevice(t, "d2", writeCaps())

	plan, err := f.service.Create(context.Background(), dnsRequest("d1", "d2"))
	require.NoError(t, err)
	assert.Equal(t, types.RiskHigh, plan.RiskLevel)
}

func TestAutoApproveLowRiskLab(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoApprove = true
	f := newFixture(t, cfg)
	f.addDevice(t, "d1", writeCaps())

	req := Request{
		ToolName:  "device_rename",
		Operation: "identity.set",
		Tier:      TierAdvanced,
		CreatedBy: "alice",
		DeviceIDs: []string{"d1"},
		Params:    map[string]interface{}{"name": "edge-renamed"},
	}
	plan, err := f.service.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, types.PlanStatusApproved, plan.Status)
	assert.Equal(t, "auto", plan.ApprovedBy)

	// Medium risk still needs a human even with auto-approval on
	dns, err := f.service.Create(context.Background(), dnsRequest("d1"))
	require.NoError(t, err)
	assert.Equal(t, types.PlanStatusPendingApproval, dns.Status)
}

func TestLazyExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Expiry = -time.Minute // Already overdue on creation
	f := newFixture(t, cfg)
	f.addDevice(t, "d1", writeCaps())

	plan, err := f.service.Create(context.Background(), dnsRequest("d1"))
	require.NoError(t, err)

	got, err := f.service.Get(plan.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PlanStatusExpired, got.Status)

	pending, err := f.service.ListPending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCancel(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.addDevice(t, "d1", writeCaps())

	plan, err := f.service.Create(context.Background(), dnsRequest("d1"))
	require.NoError(t, err)

	cancelled, err := f.service.Cancel(plan.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, types.PlanStatusCancelled, cancelled.Status)

	// Cancelling twice fails
	_, err = f.service.Cancel(plan.ID, "bob")
	assert.True(t, errdefs.IsCode(err, errdefs.CodePlanAlreadyApplied))
}

func TestPrecheckRejectsOverlappingSubnet(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.addDevice(t, "d1", writeCaps())

	f.caller.data["interface.list"] = []interface{}{
		map[string]interface{}{"name": "ether1"},
		map[string]interface{}{"name": "bridge1"},
	}
	f.caller.data["ip.address_list"] = []interface{}{
		map[string]interface{}{"address": "192.168.1.1/24", "interface": "bridge1"},
	}

	req := Request{
		ToolName:  "ip_address_add",
		Operation: "ip.add_secondary_address",
		Tier:      TierAdvanced,
		CreatedBy: "alice",
		DeviceIDs: []string{"d1"},
		Params: map[string]interface{}{
			"address":   "192.168.1.64/26",
			"interface": "bridge1",
		},
	}
	_, err := f.service.Create(context.Background(), req)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeUnsafeOperation))

	// Non-overlapping subnet on an existing interface passes
	req.Params["address"] = "10.20.0.1/24"
	plan, err := f.service.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Contains(t, plan.Targets[0].Changes[0].PreCheckResult, "no subnet overlap")
}

func TestPrecheckRejectsUnknownInterface(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.addDevice(t, "d1", writeCaps())

	f.caller.data["interface.list"] = []interface{}{
		map[string]interface{}{"name": "ether1"},
	}
	f.caller.data["ip.address_list"] = []interface{}{}

	req := Request{
		ToolName:  "ip_address_add",
		Operation: "ip.add_secondary_address",
		Tier:      TierAdvanced,
		CreatedBy: "alice",
		DeviceIDs: []string{"d1"},
		Params: map[string]interface{}{
			"address":   "10.20.0.1/24",
			"interface": "vlan99",
		},
	}
	_, err := f.service.Create(context.Background(), req)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeInvalidParams))
}

func TestOperationForRoundTrip(t *testing.T) {
	change := types.Change{
		Topic:        "dns",
		Operation:    "dns.set_servers",
		DesiredValue: []interface{}{"1.1.1.1", "1.0.0.1"},
	}
	op, err := OperationFor(change)
	require.NoError(t, err)
	assert.Equal(t, "dns.set_servers", op.ID)
	assert.True(t, op.Write)

	_, err = OperationFor(types.Change{Operation: "system.reboot"})
	assert.True(t, errdefs.IsCode(err, errdefs.CodeUnsafeOperation))
}
