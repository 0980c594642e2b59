// Package registry manages the persisted fleet of RouterOS devices:
// registration, metadata updates, tag queries, and decommissioning.
package registry

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rosfleet/rosfleet/pkg/audit"
	"github.com/rosfleet/rosfleet/pkg/errdefs"
	"github.com/rosfleet/rosfleet/pkg/log"
	"github.com/rosfleet/rosfleet/pkg/storage"
	"github.com/rosfleet/rosfleet/pkg/types"
)

// Registry provides device registry operations over the store
type Registry struct {
	store  storage.Store
	audit  *audit.Log
	logger zerolog.Logger
}

// New creates a device registry
func New(store storage.Store, auditLog *audit.Log) *Registry {
	return &Registry{
		store:  store,
		audit:  auditLog,
		logger: log.WithComponent("registry"),
	}
}

// Register adds a new device. Capability flags default to false unless
// explicitly enabled by the caller.
func (r *Registry) Register(name, host string, port int, env types.Environment, caps types.Capabilities, tags map[string]string) (*types.Device, error) {
	if !types.ValidEnvironment(env) {
		return nil, errdefs.New(errdefs.CodeInvalidEnvironment, "invalid environment: %s", env)
	}
	if port == 0 {
		port = 443
	}

	now := time.Now()
	device := &types.Device{
		ID:           uuid.New().String(),
		Name:         name,
		Host:         host,
		Port:         port,
		Environment:  env,
		Status:       types.DeviceStatusPending,
		Tags:         tags,
		Capabilities: caps,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := r.store.CreateDevice(device); err != nil {
		return nil, err
	}

	r.logger.Info().Str("device_id", device.ID).Str("name", name).Str("environment", string(env)).Msg("device registered")

	_ = r.audit.Record(&types.AuditEvent{
		DeviceID:    device.ID,
		Environment: env,
		Action:      types.AuditActionRegister,
		Result:      types.AuditResultSuccess,
		Metadata:    map[string]string{"name": name},
	})

	return device, nil
}

// Patch carries the mutable device fields for Update. Nil pointers
// leave the current value untouched.
type Patch struct {
	Host         *string
	Port         *int
	Tags         map[string]string
	Capabilities *types.Capabilities
	Status       *types.DeviceStatus
	WriteBlocked *bool

	// Observed metadata from probes
	RouterOSVersion *string
	Identity        *string
	HardwareModel   *string
	SerialNumber    *string
}

// Update applies a patch to a device
func (r *Registry) Update(id string, patch Patch) (*types.Device, error) {
	device, err := r.store.GetDevice(id)
	if err != nil {
		return nil, err
	}

	if patch.Host != nil {
		device.Host = *patch.Host
	}
	if patch.Port != nil {
		device.Port = *patch.Port
	}
	if patch.Tags != nil {
		device.Tags = patch.Tags
	}
	if patch.Capabilities != nil {
		device.Capabilities = *patch.Capabilities
	}
	if patch.Status != nil {
		device.Status = *patch.Status
	}
	if patch.WriteBlocked != nil {
		device.WriteBlocked = *patch.WriteBlocked
	}
	if patch.RouterOSVersion != nil {
		device.RouterOSVersion = *patch.RouterOSVersion
	}
	if patch.Identity != nil {
		device.Identity = *patch.Identity
	}
	if patch.HardwareModel != nil {
		device.HardwareModel = *patch.HardwareModel
	}
	if patch.SerialNumber != nil {
		device.SerialNumber = *patch.SerialNumber
	}
	device.UpdatedAt = time.Now()

	if err := r.store.UpdateDevice(device); err != nil {
		return nil, err
	}
	return device, nil
}

// Lookup returns a device by id
func (r *Registry) Lookup(id string) (*types.Device, error) {
	return r.store.GetDevice(id)
}

// LookupByName returns a device by its unique name
func (r *Registry) LookupByName(name string) (*types.Device, error) {
	return r.store.GetDeviceByName(name)
}

// Filter narrows Query results. Tag matches are exact key+value, no
// globbing.
type Filter struct {
	Environment types.Environment
	Status      types.DeviceStatus
	TagKey      string
	TagValue    string
}

// Query returns devices matching all set filter fields
func (r *Registry) Query(filter Filter) ([]*types.Device, error) {
	devices, err := r.store.ListDevices()
	if err != nil {
		return nil, err
	}

	var matched []*types.Device
	for _, device := range devices {
		if filter.Environment != "" && device.Environment != filter.Environment {
			continue
		}
		if filter.Status != "" && device.Status != filter.Status {
			continue
		}
		if filter.TagKey != "" {
			value, ok := device.Tags[filter.TagKey]
			if !ok || value != filter.TagValue {
				continue
			}
		}
		matched = append(matched, device)
	}
	return matched, nil
}

// Decommission retires a device: status becomes decommissioned and all
// its credentials are deactivated. Audit events are retained.
func (r *Registry) Decommission(id string) error {
	device, err := r.store.GetDevice(id)
	if err != nil {
		return err
	}

	device.Status = types.DeviceStatusDecommissioned
	device.UpdatedAt = time.Now()
	if err := r.store.UpdateDevice(device); err != nil {
		return err
	}

	if err := r.store.DeactivateCredentials(id); err != nil {
		return err
	}

	r.logger.Info().Str("device_id", id).Msg("device decommissioned")

	_ = r.audit.Record(&types.AuditEvent{
		DeviceID:    id,
		Environment: device.Environment,
		Action:      types.AuditActionDecommission,
		Result:      types.AuditResultSuccess,
	})

	return nil
}
