package storage

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rosfleet/rosfleet/pkg/errdefs"
	"github.com/rosfleet/rosfleet/pkg/types"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testDevice(name string) *types.Device {
	return &types.Device{
		ID:          uuid.New().String(),
		Name:        name,
		Host:        "10.0.0.1",
		Port:        443,
		Environment: types.EnvLab,
		Status:      types.DeviceStatusPending,
		CreatedAt:   time.Now(),
	}
}

func TestDeviceNameUniqueness(t *testing.T) {
	store := newTestStore(t)

	if err := store.CreateDevice(testDevice("edge-01")); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	err := store.CreateDevice(testDevice("edge-01"))
	if !errdefs.IsCode(err, errdefs.CodeNameConflict) {
		t.Errorf("duplicate name error = %v, want NameConflict", err)
	}
}

func TestGetDeviceByName(t *testing.T) {
	store := newTestStore(t)

	dev := testDevice("edge-02")
	if err := store.CreateDevice(dev); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	got, err := store.GetDeviceByName("edge-02")
	if err != nil {
		t.Fatalf("GetDeviceByName() error = %v", err)
	}
	if got.ID != dev.ID {
		t.Errorf("GetDeviceByName() ID = %v, want %v", got.ID, dev.ID)
	}

	_, err = store.GetDeviceByName("nope")
	if !errdefs.IsCode(err, errdefs.CodeDeviceNotFound) {
		t.Errorf("missing device error = %v, want DeviceNotFound", err)
	}
}

func TestCredentialRotationKeepsOneActive(t *testing.T) {
	store := newTestStore(t)
	deviceID := uuid.New().String()

	old := &types.Credential{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		Kind:      types.CredentialREST,
		Username:  "admin",
		Active:    true,
		CreatedAt: time.Now(),
	}
	if err := store.CreateCredential(old); err != nil {
		t.Fatalf("CreateCredential() error = %v", err)
	}

	now := time.Now()
	old.Active = false
	old.RotatedAt = &now
	newCred := &types.Credential{
		ID:        uuid.New().String(),
		DeviceID:  deviceID,
		Kind:      types.CredentialREST,
		Username:  "admin",
		Active:    true,
		CreatedAt: now,
	}
	if err := store.RotateCredential(old, newCred); err != nil {
		t.Fatalf("RotateCredential() error = %v", err)
	}

	active, err := store.GetActiveCredential(deviceID, types.CredentialREST)
	if err != nil {
		t.Fatalf("GetActiveCredential() error = %v", err)
	}
	if active.ID != newCred.ID {
		t.Errorf("active credential = %v, want rotated-in %v", active.ID, newCred.ID)
	}

	all, err := store.ListCredentialsByDevice(deviceID)
	if err != nil {
		t.Fatalf("ListCredentialsByDevice() error = %v", err)
	}
	activeCount := 0
	for _, c := range all {
		if c.Active {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Errorf("active credential count = %d, want 1", activeCount)
	}
}

func TestDeactivateCredentials(t *testing.T) {
	store := newTestStore(t)
	deviceID := uuid.New().String()

	for _, kind := range []types.CredentialKind{types.CredentialREST, types.CredentialSSH} {
		cred := &types.Credential{
			ID:       uuid.New().String(),
			DeviceID: deviceID,
			Kind:     kind,
			Username: "admin",
			Active:   true,
		}
		if err := store.CreateCredential(cred); err != nil {
			t.Fatalf("CreateCredential() error = %v", err)
		}
	}

	if err := store.DeactivateCredentials(deviceID); err != nil {
		t.Fatalf("DeactivateCredentials() error = %v", err)
	}

	_, err := store.GetActiveCredential(deviceID, types.CredentialREST)
	if !errdefs.IsCode(err, errdefs.CodeCredentialNotFound) {
		t.Errorf("after deactivation error = %v, want CredentialNotFound", err)
	}
}

func TestHealthCheckRetention(t *testing.T) {
	store := newTestStore(t)
	deviceID := uuid.New().String()

	base := time.Now().Add(-60 * 24 * time.Hour)
	for i := 0; i < 10; i++ {
		hc := &types.HealthCheck{
			ID:        uuid.New().String(),
			DeviceID:  deviceID,
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Status:    types.HealthStateHealthy,
		}
		if err := store.CreateHealthCheck(hc); err != nil {
			t.Fatalf("CreateHealthCheck() error = %v", err)
		}
	}

	deleted, err := store.PruneHealthChecks(deviceID, 3, time.Now().Add(-30*24*time.Hour))
	if err != nil {
		t.Fatalf("PruneHealthChecks() error = %v", err)
	}
	if deleted != 7 {
		t.Errorf("deleted = %d, want 7", deleted)
	}

	remaining, err := store.ListHealthChecksByDevice(deviceID, 0)
	if err != nil {
		t.Fatalf("ListHealthChecksByDevice() error = %v", err)
	}
	if len(remaining) != 3 {
		t.Errorf("remaining = %d, want 3", len(remaining))
	}
	// Newest first
	if len(remaining) > 1 && remaining[0].Timestamp.Before(remaining[1].Timestamp) {
		t.Error("ListHealthChecksByDevice should return newest first")
	}
}

func TestSnapshotPayloadExternalization(t *testing.T) {
	store := newTestStore(t)

	big := bytes.Repeat([]byte("x"), ExternalizeThreshold+1)
	snap := &types.Snapshot{
		ID:        uuid.New().String(),
		DeviceID:  uuid.New().String(),
		Timestamp: time.Now(),
		Kind:      types.SnapshotPreChange,
		Payload:   big,
		SizeBytes: int64(len(big)),
	}
	if err := store.CreateSnapshot(snap); err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	if snap.PayloadRef == "" {
		t.Error("large payload should be externalized with a reference")
	}

	got, err := store.GetSnapshot(snap.ID)
	if err != nil {
		t.Fatalf("GetSnapshot() error = %v", err)
	}
	if !bytes.Equal(got.Payload, big) {
		t.Error("GetSnapshot should rehydrate the externalized payload")
	}
}

func TestSnapshotInlineBelowThreshold(t *testing.T) {
	store := newTestStore(t)

	snap := &types.Snapshot{
		ID:        uuid.New().String(),
		DeviceID:  uuid.New().String(),
		Timestamp: time.Now(),
		Kind:      types.SnapshotPostChange,
		Payload:   []byte("/ip dns set servers=1.1.1.1"),
	}
	if err := store.CreateSnapshot(snap); err != nil {
		t.Fatalf("CreateSnapshot() error = %v", err)
	}
	if snap.PayloadRef != "" {
		t.Error("small payload should stay inline")
	}
}

func TestAuditAppendMonotonic(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 5; i++ {
		event := &types.AuditEvent{
			ID:        uuid.New().String(),
			Timestamp: time.Now(),
			Action:    types.AuditActionWrite,
			Result:    types.AuditResultSuccess,
		}
		if err := store.AppendAuditEvent(event); err != nil {
			t.Fatalf("AppendAuditEvent() error = %v", err)
		}
		if event.Seq != uint64(i+1) {
			t.Errorf("event seq = %d, want %d", event.Seq, i+1)
		}
	}

	events, err := store.ListAuditEvents(AuditFilter{})
	if err != nil {
		t.Fatalf("ListAuditEvents() error = %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("events = %d, want 5", len(events))
	}
	// Newest first means descending sequence
	for i := 1; i < len(events); i++ {
		if events[i].Seq >= events[i-1].Seq {
			t.Error("ListAuditEvents should return descending sequence")
		}
	}
}

func TestAuditFilterByDevice(t *testing.T) {
	store := newTestStore(t)

	for _, dev := range []string{"a", "a", "b"} {
		event := &types.AuditEvent{
			ID:        uuid.New().String(),
			Timestamp: time.Now(),
			DeviceID:  dev,
			Action:    types.AuditActionRead,
			Result:    types.AuditResultSuccess,
		}
		if err := store.AppendAuditEvent(event); err != nil {
			t.Fatalf("AppendAuditEvent() error = %v", err)
		}
	}

	events, err := store.ListAuditEvents(AuditFilter{DeviceID: "a"})
	if err != nil {
		t.Fatalf("ListAuditEvents() error = %v", err)
	}
	if len(events) != 2 {
		t.Errorf("filtered events = %d, want 2", len(events))
	}
}

func TestPlanRoundTrip(t *testing.T) {
	store := newTestStore(t)

	plan := &types.Plan{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
		CreatedBy: "user-1",
		ToolName:  "dns_update",
		Status:    types.PlanStatusPendingApproval,
		RiskLevel: types.RiskMedium,
		Targets: []types.PlanTarget{{
			DeviceID: "dev-1",
			Changes: []types.Change{{
				Topic:        "dns",
				Operation:    "dns.set_servers",
				CurrentValue: []string{"8.8.8.8"},
				DesiredValue: []string{"1.1.1.1"},
			}},
		}},
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}
	if err := store.CreatePlan(plan); err != nil {
		t.Fatalf("CreatePlan() error = %v", err)
	}

	got, err := store.GetPlan(plan.ID)
	if err != nil {
		t.Fatalf("GetPlan() error = %v", err)
	}
	if got.Status != types.PlanStatusPendingApproval || len(got.Targets) != 1 {
		t.Errorf("GetPlan() = %+v, round-trip mismatch", got)
	}

	pending, err := store.ListPlansByStatus(types.PlanStatusPendingApproval)
	if err != nil {
		t.Fatalf("ListPlansByStatus() error = %v", err)
	}
	if len(pending) != 1 {
		t.Errorf("pending plans = %d, want 1", len(pending))
	}

	var notFound *errdefs.Error
	_, err = store.GetPlan("missing")
	if !errors.As(err, &notFound) || notFound.Code != errdefs.CodePlanNotFound {
		t.Errorf("missing plan error = %v, want PlanNotFound", err)
	}
}
