package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/rosfleet/rosfleet/pkg/errdefs"
	"github.com/rosfleet/rosfleet/pkg/types"
)

var (
	// Bucket names
	bucketDevices          = []byte("devices")
	bucketDevicesByName    = []byte("devices_by_name")
	bucketCredentials      = []byte("credentials")
	bucketActiveCreds      = []byte("credentials_active") // "deviceID/kind" -> credential ID
	bucketHealthChecks     = []byte("health_checks")      // "deviceID/tsNano/id" -> row
	bucketSnapshots        = []byte("snapshots")
	bucketSnapshotsByDev   = []byte("snapshots_by_device") // "deviceID/tsNano/id" -> snapshot ID
	bucketSnapshotPayloads = []byte("snapshot_payloads")   // snapshot ID -> raw payload
	bucketPlans            = []byte("plans")
	bucketJobs             = []byte("jobs")
	bucketAudit            = []byte("audit") // big-endian seq -> row
)

// ExternalizeThreshold is the payload size above which snapshot bodies
// are moved out of the snapshot row into the payload bucket.
const ExternalizeThreshold = 1 << 20 // 1 MiB

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the fleet database under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "rosfleet.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketDevices,
			bucketDevicesByName,
			bucketCredentials,
			bucketActiveCreds,
			bucketHealthChecks,
			bucketSnapshots,
			bucketSnapshotsByDev,
			bucketSnapshotPayloads,
			bucketPlans,
			bucketJobs,
			bucketAudit,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Device operations

func (s *BoltStore) CreateDevice(device *types.Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketDevicesByName)
		if existing := names.Get([]byte(device.Name)); existing != nil {
			return errdefs.New(errdefs.CodeNameConflict, "device name already registered: %s", device.Name)
		}
		data, err := json.Marshal(device)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketDevices).Put([]byte(device.ID), data); err != nil {
			return err
		}
		return names.Put([]byte(device.Name), []byte(device.ID))
	})
}

func (s *BoltStore) GetDevice(id string) (*types.Device, error) {
	var device types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDevices).Get([]byte(id))
		if data == nil {
			return errdefs.New(errdefs.CodeDeviceNotFound, "device not found: %s", id)
		}
		return json.Unmarshal(data, &device)
	})
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (s *BoltStore) GetDeviceByName(name string) (*types.Device, error) {
	var id string
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDevicesByName).Get([]byte(name))
		if data == nil {
			return errdefs.New(errdefs.CodeDeviceNotFound, "device not found: %s", name)
		}
		id = string(data)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetDevice(id)
}

func (s *BoltStore) ListDevices() ([]*types.Device, error) {
	var devices []*types.Device
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDevices).ForEach(func(k, v []byte) error {
			var device types.Device
			if err := json.Unmarshal(v, &device); err != nil {
				return err
			}
			devices = append(devices, &device)
			return nil
		})
	})
	return devices, err
}

func (s *BoltStore) UpdateDevice(device *types.Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDevices)
		if b.Get([]byte(device.ID)) == nil {
			return errdefs.New(errdefs.CodeDeviceNotFound, "device not found: %s", device.ID)
		}
		data, err := json.Marshal(device)
		if err != nil {
			return err
		}
		return b.Put([]byte(device.ID), data)
	})
}

// Credential operations

func activeCredKey(deviceID string, kind types.CredentialKind) []byte {
	return []byte(deviceID + "/" + string(kind))
}

func (s *BoltStore) CreateCredential(cred *types.Credential) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putCredential(tx, cred)
	})
}

func putCredential(tx *bolt.Tx, cred *types.Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return err
	}
	if err := tx.Bucket(bucketCredentials).Put([]byte(cred.ID), data); err != nil {
		return err
	}
	// Maintain the one-active-per-(device,kind) index
	if cred.Active {
		return tx.Bucket(bucketActiveCreds).Put(activeCredKey(cred.DeviceID, cred.Kind), []byte(cred.ID))
	}
	return nil
}

func (s *BoltStore) GetActiveCredential(deviceID string, kind types.CredentialKind) (*types.Credential, error) {
	var cred types.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketActiveCreds).Get(activeCredKey(deviceID, kind))
		if id == nil {
			return errdefs.New(errdefs.CodeCredentialNotFound, "no active %s credential for device %s", kind, deviceID)
		}
		data := tx.Bucket(bucketCredentials).Get(id)
		if data == nil {
			return errdefs.New(errdefs.CodeCredentialNotFound, "credential row missing: %s", id)
		}
		if err := json.Unmarshal(data, &cred); err != nil {
			return err
		}
		if !cred.Active {
			return errdefs.New(errdefs.CodeCredentialNotFound, "no active %s credential for device %s", kind, deviceID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func (s *BoltStore) ListCredentialsByDevice(deviceID string) ([]*types.Credential, error) {
	var creds []*types.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).ForEach(func(k, v []byte) error {
			var cred types.Credential
			if err := json.Unmarshal(v, &cred); err != nil {
				return err
			}
			if cred.DeviceID == deviceID {
				creds = append(creds, &cred)
			}
			return nil
		})
	})
	return creds, err
}

// RotateCredential deactivates old and activates new in one transaction
func (s *BoltStore) RotateCredential(old, new *types.Credential) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if old != nil {
			if err := putCredential(tx, old); err != nil {
				return err
			}
		}
		return putCredential(tx, new)
	})
}

func (s *BoltStore) DeactivateCredentials(deviceID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCredentials)
		var updates []*types.Credential
		err := b.ForEach(func(k, v []byte) error {
			var cred types.Credential
			if err := json.Unmarshal(v, &cred); err != nil {
				return err
			}
			if cred.DeviceID == deviceID && cred.Active {
				cred.Active = false
				updates = append(updates, &cred)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, cred := range updates {
			data, err := json.Marshal(cred)
			if err != nil {
				return err
			}
			if err := b.Put([]byte(cred.ID), data); err != nil {
				return err
			}
			if err := tx.Bucket(bucketActiveCreds).Delete(activeCredKey(cred.DeviceID, cred.Kind)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Health check operations

func timeOrderedKey(deviceID string, ts time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%s/%020d/%s", deviceID, ts.UnixNano(), id))
}

func devicePrefix(deviceID string) []byte {
	return []byte(deviceID + "/")
}

func (s *BoltStore) CreateHealthCheck(hc *types.HealthCheck) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(hc)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketHealthChecks).Put(timeOrderedKey(hc.DeviceID, hc.Timestamp, hc.ID), data)
	})
}

// ListHealthChecksByDevice returns the most recent checks first
func (s *BoltStore) ListHealthChecksByDevice(deviceID string, limit int) ([]*types.HealthCheck, error) {
	var checks []*types.HealthCheck
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketHealthChecks).Cursor()
		prefix := devicePrefix(deviceID)
		// Walk backwards from the end of the device's key range
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for i := len(keys) - 1; i >= 0; i-- {
			if limit > 0 && len(checks) >= limit {
				break
			}
			var hc types.HealthCheck
			if err := json.Unmarshal(tx.Bucket(bucketHealthChecks).Get(keys[i]), &hc); err != nil {
				return err
			}
			checks = append(checks, &hc)
		}
		return nil
	})
	return checks, err
}

// PruneHealthChecks keeps the most recent `keep` rows per device plus
// anything newer than olderThan, deleting the rest.
func (s *BoltStore) PruneHealthChecks(deviceID string, keep int, olderThan time.Time) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHealthChecks)
		c := b.Cursor()
		prefix := devicePrefix(deviceID)
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		// keys are time-ordered ascending; candidates for deletion are
		// everything except the newest `keep`
		if len(keys) <= keep {
			return nil
		}
		for _, k := range keys[:len(keys)-keep] {
			var hc types.HealthCheck
			if err := json.Unmarshal(b.Get(k), &hc); err != nil {
				return err
			}
			if hc.Timestamp.After(olderThan) {
				continue // still inside the retention window
			}
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// Snapshot operations

func (s *BoltStore) CreateSnapshot(snap *types.Snapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		// Externalize large payloads; the row keeps only the reference
		if len(snap.Payload) > ExternalizeThreshold {
			if err := tx.Bucket(bucketSnapshotPayloads).Put([]byte(snap.ID), snap.Payload); err != nil {
				return err
			}
			snap.PayloadRef = "bolt://snapshot_payloads/" + snap.ID
			snap.Payload = nil
		}
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketSnapshots).Put([]byte(snap.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketSnapshotsByDev).Put(timeOrderedKey(snap.DeviceID, snap.Timestamp, snap.ID), []byte(snap.ID))
	})
}

// GetSnapshot returns the snapshot with its payload rehydrated
func (s *BoltStore) GetSnapshot(id string) (*types.Snapshot, error) {
	var snap types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get([]byte(id))
		if data == nil {
			return errdefs.New(errdefs.CodeSnapshotNotFound, "snapshot not found: %s", id)
		}
		if err := json.Unmarshal(data, &snap); err != nil {
			return err
		}
		if snap.PayloadRef != "" {
			payload := tx.Bucket(bucketSnapshotPayloads).Get([]byte(id))
			if payload == nil {
				return errdefs.New(errdefs.CodeSnapshotNotFound, "snapshot payload missing: %s", id)
			}
			snap.Payload = append([]byte(nil), payload...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *BoltStore) ListSnapshotsByDevice(deviceID string, limit int) ([]*types.Snapshot, error) {
	var snaps []*types.Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSnapshotsByDev).Cursor()
		prefix := devicePrefix(deviceID)
		var ids []string
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			ids = append(ids, string(v))
		}
		for i := len(ids) - 1; i >= 0; i-- {
			if limit > 0 && len(snaps) >= limit {
				break
			}
			data := tx.Bucket(bucketSnapshots).Get([]byte(ids[i]))
			if data == nil {
				continue
			}
			var snap types.Snapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				return err
			}
			snaps = append(snaps, &snap)
		}
		return nil
	})
	return snaps, err
}

func (s *BoltStore) PruneSnapshots(deviceID string, keep int, olderThan time.Time) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		idx := tx.Bucket(bucketSnapshotsByDev)
		c := idx.Cursor()
		prefix := devicePrefix(deviceID)
		type entry struct {
			key []byte
			id  string
		}
		var entries []entry
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			entries = append(entries, entry{key: append([]byte(nil), k...), id: string(v)})
		}
		if len(entries) <= keep {
			return nil
		}
		for _, e := range entries[:len(entries)-keep] {
			data := tx.Bucket(bucketSnapshots).Get([]byte(e.id))
			if data != nil {
				var snap types.Snapshot
				if err := json.Unmarshal(data, &snap); err != nil {
					return err
				}
				if snap.Timestamp.After(olderThan) {
					continue
				}
				// Pre-change snapshots stay addressable while their plan
				// is live; the snapshot service only passes olderThan
				// values beyond the plan retention window.
				if err := tx.Bucket(bucketSnapshots).Delete([]byte(e.id)); err != nil {
					return err
				}
				if err := tx.Bucket(bucketSnapshotPayloads).Delete([]byte(e.id)); err != nil {
					return err
				}
			}
			if err := idx.Delete(e.key); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// Plan operations

func (s *BoltStore) CreatePlan(plan *types.Plan) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(plan)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketPlans).Put([]byte(plan.ID), data)
	})
}

func (s *BoltStore) GetPlan(id string) (*types.Plan, error) {
	var plan types.Plan
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketPlans).Get([]byte(id))
		if data == nil {
			return errdefs.New(errdefs.CodePlanNotFound, "plan not found: %s", id)
		}
		return json.Unmarshal(data, &plan)
	})
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (s *BoltStore) UpdatePlan(plan *types.Plan) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketPlans)
		if b.Get([]byte(plan.ID)) == nil {
			return errdefs.New(errdefs.CodePlanNotFound, "plan not found: %s", plan.ID)
		}
		data, err := json.Marshal(plan)
		if err != nil {
			return err
		}
		return b.Put([]byte(plan.ID), data)
	})
}

func (s *BoltStore) ListPlans() ([]*types.Plan, error) {
	var plans []*types.Plan
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketPlans).ForEach(func(k, v []byte) error {
			var plan types.Plan
			if err := json.Unmarshal(v, &plan); err != nil {
				return err
			}
			plans = append(plans, &plan)
			return nil
		})
	})
	return plans, err
}

func (s *BoltStore) ListPlansByStatus(status types.PlanStatus) ([]*types.Plan, error) {
	plans, err := s.ListPlans()
	if err != nil {
		return nil, err
	}
	var filtered []*types.Plan
	for _, plan := range plans {
		if plan.Status == status {
			filtered = append(filtered, plan)
		}
	}
	return filtered, nil
}

// Job operations

func (s *BoltStore) CreateJob(job *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(job)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Put([]byte(job.ID), data)
	})
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketJobs).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("job not found: %s", id)
		}
		return json.Unmarshal(data, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *BoltStore) UpdateJob(job *types.Job) error {
	return s.CreateJob(job) // Same as create (upsert)
}

func (s *BoltStore) ListJobsByStatus(status types.JobStatus) ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			if job.Status == status {
				jobs = append(jobs, &job)
			}
			return nil
		})
	})
	return jobs, err
}

// Audit operations

// AppendAuditEvent assigns the monotonic sequence and persists the
// event. The audit bucket is append-only; no code path deletes from it.
func (s *BoltStore) AppendAuditEvent(event *types.AuditEvent) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAudit)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		event.Seq = seq
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return b.Put(key, data)
	})
}

func (s *BoltStore) ListAuditEvents(filter AuditFilter) ([]*types.AuditEvent, error) {
	var events []*types.AuditEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		// Newest first
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if filter.Limit > 0 && len(events) >= filter.Limit {
				break
			}
			var event types.AuditEvent
			if err := json.Unmarshal(v, &event); err != nil {
				return err
			}
			if filter.DeviceID != "" && event.DeviceID != filter.DeviceID {
				continue
			}
			if filter.Action != "" && event.Action != filter.Action {
				continue
			}
			if filter.PlanID != "" && event.PlanID != filter.PlanID {
				continue
			}
			if !filter.Since.IsZero() && event.Timestamp.Before(filter.Since) {
				break // time-ordered keys, nothing older will match
			}
			events = append(events, &event)
		}
		return nil
	})
	return events, err
}
