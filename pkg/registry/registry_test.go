package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rosfleet/rosfleet/pkg/audit"
	"github.com/rosfleet/rosfleet/pkg/errdefs"
	"github.com/rosfleet/rosfleet/pkg/storage"
	"github.com/rosfleet/rosfleet/pkg/types"
)

func newTestRegistry(t *testing.T) (*Registry, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return New(store, audit.NewLog(store)), store
}

func TestRegisterDefaults(t *testing.T) {
	reg, _ := newTestRegistry(t)

	device, err := reg.Register("edge-01", "10.0.0.1", 0, types.EnvLab, types.Capabilities{}, nil)
	require.NoError(t, err)

	assert.Equal(t, types.DeviceStatusPending, device.Status)
	assert.Equal(t, 443, device.Port)
	assert.False(t, device.Capabilities.AllowAdvancedWrites)
	assert.False(t, device.Capabilities.AllowProfessionalWorkflows)
	assert.False(t, device.Capabilities.AllowSSHCommands)
}

func TestRegisterInvalidEnvironment(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.Register("edge-01", "10.0.0.1", 443, "production", types.Capabilities{}, nil)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeInvalidEnvironment))
}

func TestRegisterNameConflict(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.Register("edge-01", "10.0.0.1", 443, types.EnvLab, types.Capabilities{}, nil)
	require.NoError(t, err)

	_, err = reg.Register("edge-01", "10.0.0.2", 443, types.EnvLab, types.Capabilities{}, nil)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeNameConflict))
}

func TestQueryFilters(t *testing.T) {
	reg, _ := newTestRegistry(t)

	_, err := reg.Register("lab-1", "10.0.0.1", 443, types.EnvLab, types.Capabilities{}, map[string]string{"site": "ams"})
	require.NoError(t, err)
	_, err = reg.Register("lab-2", "10.0.0.2", 443, types.EnvLab, types.Capabilities{}, map[string]string{"site": "fra"})
	require.NoError(t, err)
	_, err = reg.Register("prod-1", "10.1.0.1", 443, types.EnvProd, types.Capabilities{}, map[string]string{"site": "ams"})
	require.NoError(t, err)

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{name: "by environment", filter: Filter{Environment: types.EnvLab}, want: 2},
		{name: "by tag", filter: Filter{TagKey: "site", TagValue: "ams"}, want: 2},
		{name: "env and tag", filter: Filter{Environment: types.EnvProd, TagKey: "site", TagValue: "ams"}, want: 1},
		{name: "tag exact match only", filter: Filter{TagKey: "site", TagValue: "am"}, want: 0},
		{name: "no filter returns all", filter: Filter{}, want: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			devices, err := reg.Query(tt.filter)
			require.NoError(t, err)
			assert.Len(t, devices, tt.want)
		})
	}
}

func TestUpdatePatch(t *testing.T) {
	reg, _ := newTestRegistry(t)

	device, err := reg.Register("edge-01", "10.0.0.1", 443, types.EnvLab, types.Capabilities{}, nil)
	require.NoError(t, err)

	caps := types.Capabilities{AllowAdvancedWrites: true}
	version := "7.15.2"
	updated, err := reg.Update(device.ID, Patch{Capabilities: &caps, RouterOSVersion: &version})
	require.NoError(t, err)

	assert.True(t, updated.Capabilities.AllowAdvancedWrites)
	assert.Equal(t, "7.15.2", updated.RouterOSVersion)
	// Untouched fields survive
	assert.Equal(t, "10.0.0.1", updated.Host)
}

func TestDecommission(t *testing.T) {
	reg, store := newTestRegistry(t)

	device, err := reg.Register("edge-01", "10.0.0.1", 443, types.EnvLab, types.Capabilities{}, nil)
	require.NoError(t, err)

	cred := &types.Credential{ID: "c1", DeviceID: device.ID, Kind: types.CredentialREST, Active: true}
	require.NoError(t, store.CreateCredential(cred))

	require.NoError(t, reg.Decommission(device.ID))

	got, err := reg.Lookup(device.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DeviceStatusDecommissioned, got.Status)

	_, err = store.GetActiveCredential(device.ID, types.CredentialREST)
	assert.True(t, errdefs.IsCode(err, errdefs.CodeCredentialNotFound))

	// Audit events survive decommission
	events, err := store.ListAuditEvents(storage.AuditFilter{DeviceID: device.ID})
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}
