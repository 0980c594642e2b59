package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosfleet/rosfleet/pkg/errdefs"
	"github.com/rosfleet/rosfleet/pkg/routeros"
	"github.com/rosfleet/rosfleet/pkg/storage"
	"github.com/rosfleet/rosfleet/pkg/types"
)

// fakeCaller scripts probe outcomes per invocation
type fakeCaller struct {
	probes []probeScript
	calls  int
}

type probeScript struct {
	resource map[string]interface{}
	err      error
}

func (f *fakeCaller) Probe(ctx context.Context, device *types.Device) (*routeros.ProbeResult, error) {
	script := f.probes[f.calls%len(f.probes)]
	f.calls++
	if script.err != nil {
		return &routeros.ProbeResult{FailureReason: "unreachable"}, script.err
	}
	return &routeros.ProbeResult{
		Transport:      "rest",
		Resource:       script.resource,
		ResponseTimeMs: 12,
	}, nil
}

func (f *fakeCaller) Call(ctx context.Context, device *types.Device, op routeros.Operation) (*routeros.Result, error) {
	// Temperature endpoint; absent sensor is fine
	return nil, errdefs.New(errdefs.CodeDeviceError, "no such endpoint")
}

func newTestScheduler(t *testing.T, caller routeros.Caller) (*Scheduler, storage.Store, *types.Device) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	device := &types.Device{
		ID:          "dev-1",
		Name:        "edge-01",
		Host:        "10.0.0.1",
		Port:        443,
		Environment: types.EnvLab,
		Status:      types.DeviceStatusPending,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}
	require.NoError(t, store.CreateDevice(device))

	return NewScheduler(DefaultConfig(), store, caller), store, device
}

func healthyResource() map[string]interface{} {
	return map[string]interface{}{
		"cpu-load":     "4",
		"free-memory":  "200000000",
		"total-memory": "256000000",
		"uptime":       "2w3d",
		"version":      "7.15.2",
		"board-name":   "RB5009",
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name            string
		cpu, mem, temp  float64
		want            types.HealthState
	}{
		{"all normal", 10, 40, 45, types.HealthStateHealthy},
		{"cpu warning", 85, 40, 45, types.HealthStateWarning},
		{"mem warning", 10, 90, 45, types.HealthStateWarning},
		{"temp warning", 10, 40, 72, types.HealthStateWarning},
		{"cpu critical", 97, 40, 45, types.HealthStateCritical},
		{"mem critical", 10, 97, 45, types.HealthStateCritical},
		{"temp critical", 10, 40, 85, types.HealthStateCritical},
		{"boundary stays warning", 90, 40, 45, types.HealthStateWarning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classify(tt.cpu, tt.mem, tt.temp))
		})
	}
}

func TestProbeRecordsCheck(t *testing.T) {
	caller := &fakeCaller{probes: []probeScript{{resource: healthyResource()}}}
	scheduler, store, device := newTestScheduler(t, caller)

	check, err := scheduler.Probe(context.Background(), device, TriggerOnDemand)
	require.NoError(t, err)

	assert.Equal(t, types.HealthStateHealthy, check.Status)
	assert.Equal(t, TriggerOnDemand, check.CheckType)
	assert.InDelta(t, 4.0, check.CPUPct, 0.01)
	assert.InDelta(t, 21.875, check.MemPct, 0.01)
	assert.Equal(t, int64(2*604800+3*86400), check.UptimeSec)

	// Probe refreshes observed metadata
	assert.Equal(t, "7.15.2", device.RouterOSVersion)
	assert.Equal(t, "RB5009", device.HardwareModel)

	rows, err := store.ListHealthChecksByDevice(device.ID, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, check.ID, rows[0].ID)
}

func TestUnreachableAfterThreeErrors(t *testing.T) {
	caller := &fakeCaller{probes: []probeScript{
		{err: errdefs.New(errdefs.CodeDeviceUnreachable, "refused")},
	}}
	scheduler, store, device := newTestScheduler(t, caller)

	for i := 0; i < 2; i++ {
		_, err := scheduler.Probe(context.Background(), device, TriggerScheduled)
		require.Error(t, err)
		got, err := store.GetDevice(device.ID)
		require.NoError(t, err)
		assert.NotEqual(t, types.DeviceStatusUnreachable, got.Status, "threshold is 3, not %d", i+1)
	}

	_, err := scheduler.Probe(context.Background(), device, TriggerScheduled)
	require.Error(t, err)

	got, err := store.GetDevice(device.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeviceStatusUnreachable, got.Status)
}

func TestPendingGoesHealthyOnFirstSuccess(t *testing.T) {
	caller := &fakeCaller{probes: []probeScript{{resource: healthyResource()}}}
	scheduler, store, device := newTestScheduler(t, caller)

	require.Equal(t, types.DeviceStatusPending, device.Status)
	_, err := scheduler.Probe(context.Background(), device, TriggerScheduled)
	require.NoError(t, err)

	got, err := store.GetDevice(device.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeviceStatusHealthy, got.Status,
		"the recovery streak only gates devices coming back, not first contact")
}

func TestRecoveryAfterThreeSuccesses(t *testing.T) {
	caller := &fakeCaller{probes: []probeScript{{resource: healthyResource()}}}
	scheduler, store, device := newTestScheduler(t, caller)

	device.Status = types.DeviceStatusUnreachable
	require.NoError(t, store.UpdateDevice(device))

	for i := 0; i < 3; i++ {
		_, err := scheduler.Probe(context.Background(), device, TriggerScheduled)
		require.NoError(t, err)
	}

	got, err := store.GetDevice(device.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeviceStatusHealthy, got.Status)
}

func TestSingleCriticalDegrades(t *testing.T) {
	res := healthyResource()
	res["cpu-load"] = "98"
	caller := &fakeCaller{probes: []probeScript{{resource: res}}}
	scheduler, store, device := newTestScheduler(t, caller)

	check, err := scheduler.Probe(context.Background(), device, TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, types.HealthStateCritical, check.Status)

	got, err := store.GetDevice(device.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeviceStatusDegraded, got.Status)
}

func TestErrorRowCarriesDetail(t *testing.T) {
	caller := &fakeCaller{probes: []probeScript{
		{err: errdefs.New(errdefs.CodeTimeout, "deadline exceeded")},
	}}
	scheduler, store, device := newTestScheduler(t, caller)

	check, err := scheduler.Probe(context.Background(), device, TriggerPreChange)
	require.Error(t, err)
	assert.Equal(t, types.HealthStateError, check.Status)
	assert.Contains(t, check.ErrorDetail, "deadline exceeded")

	rows, err := store.ListHealthChecksByDevice(device.ID, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, TriggerPreChange, rows[0].CheckType)
}

func TestParseUptime(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"2w3d", 2*604800 + 3*86400},
		{"5h10m4s", 5*3600 + 10*60 + 4},
		{"45s", 45},
		{"", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseUptime(tt.in), "input %q", tt.in)
	}
}

func TestNextDelayStaysWithinJitter(t *testing.T) {
	scheduler := NewScheduler(DefaultConfig(), nil, nil)
	for i := 0; i < 100; i++ {
		d := scheduler.nextDelay()
		assert.GreaterOrEqual(t, d, 50*time.Second)
		assert.Less(t, d, 70*time.Second)
	}
}
