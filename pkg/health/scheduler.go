// Package health runs the periodic device probe loops and owns the
// classification thresholds and device status transition rules.
package health

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rosfleet/rosfleet/pkg/log"
	"github.com/rosfleet/rosfleet/pkg/metrics"
	"github.com/rosfleet/rosfleet/pkg/routeros"
	"github.com/rosfleet/rosfleet/pkg/storage"
	"github.com/rosfleet/rosfleet/pkg/types"
)

// Check trigger tags. Scheduled probes come from the per-device loops;
// the rest are on-demand.
const (
	TriggerScheduled  = "scheduled"
	TriggerOnDemand   = "on_demand"
	TriggerPreChange  = "pre_change"
	TriggerPostChange = "post_change"
)

// Classification thresholds
const (
	warnCPUPct  = 80
	warnMemPct  = 85
	warnTempC   = 70
	critCPUPct  = 95
	critMemPct  = 95
	critTempC   = 80
)

// Config tunes the scheduler
type Config struct {
	// Interval is the base time between scheduled probes per device
	Interval time.Duration

	// Jitter is the uniform spread applied to each interval so a large
	// fleet does not probe in lockstep
	Jitter time.Duration

	// ProbeTimeout bounds a single probe
	ProbeTimeout time.Duration

	// FailureThreshold is the number of consecutive probe errors before
	// a device is marked unreachable
	FailureThreshold int

	// RecoveryThreshold is the number of consecutive successful probes
	// before an unreachable or degraded device is marked healthy again
	RecoveryThreshold int

	// RetentionKeep is how many health check rows to keep per device
	RetentionKeep int

	// RetentionAge is how long rows beyond RetentionKeep survive
	RetentionAge time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Interval:          60 * time.Second,
		Jitter:            10 * time.Second,
		ProbeTimeout:      30 * time.Second,
		FailureThreshold:  3,
		RecoveryThreshold: 3,
		RetentionKeep:     1000,
		RetentionAge:      30 * 24 * time.Hour,
	}
}

// streak tracks consecutive probe outcomes for one device
type streak struct {
	errors    int
	successes int
}

// Scheduler probes every registered device on a jittered interval and
// applies status transitions. One goroutine per device; loops are
// reconciled against the registry as devices come and go.
type Scheduler struct {
	cfg    Config
	store  storage.Store
	client routeros.Caller
	logger zerolog.Logger

	mu      sync.Mutex
	streaks map[string]*streak
	loops   map[string]chan struct{}

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler creates a health scheduler
func NewScheduler(cfg Config, store storage.Store, client routeros.Caller) *Scheduler {
	if cfg.Interval == 0 {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		cfg:     cfg,
		store:   store,
		client:  client,
		logger:  log.WithComponent("health"),
		streaks: make(map[string]*streak),
		loops:   make(map[string]chan struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Start launches probe loops for registered devices and keeps the loop
// set reconciled as the fleet changes
func (s *Scheduler) Start() error {
	s.reconcile()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.reconcile()
			case <-s.stopCh:
				return
			}
		}
	}()

	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Dur("jitter", s.cfg.Jitter).
		Msg("Health scheduler started")
	return nil
}

// Stop halts all probe loops and waits for them to drain
func (s *Scheduler) Stop() {
	close(s.stopCh)

	s.mu.Lock()
	for id, stop := range s.loops {
		close(stop)
		delete(s.loops, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("Health scheduler stopped")
}

// reconcile aligns the running loops with the current device list
func (s *Scheduler) reconcile() {
	devices, err := s.store.ListDevices()
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list devices for health loops")
		return
	}

	active := make(map[string]bool, len(devices))
	for _, device := range devices {
		if device.Status == types.DeviceStatusDecommissioned {
			continue
		}
		active[device.ID] = true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range active {
		if _, running := s.loops[id]; !running {
			stop := make(chan struct{})
			s.loops[id] = stop
			s.wg.Add(1)
			go s.deviceLoop(id, stop)
		}
	}
	for id, stop := range s.loops {
		if !active[id] {
			close(stop)
			delete(s.loops, id)
			delete(s.streaks, id)
		}
	}
}

// deviceLoop probes one device until stopped
func (s *Scheduler) deviceLoop(deviceID string, stop chan struct{}) {
	defer s.wg.Done()

	for {
		timer := time.NewTimer(s.nextDelay())
		select {
		case <-timer.C:
			s.runScheduled(deviceID)
		case <-stop:
			timer.Stop()
			return
		case <-s.stopCh:
			timer.Stop()
			return
		}
	}
}

// nextDelay returns the base interval with uniform jitter applied
func (s *Scheduler) nextDelay() time.Duration {
	if s.cfg.Jitter <= 0 {
		return s.cfg.Interval
	}
	spread := int64(2 * s.cfg.Jitter)
	return s.cfg.Interval - s.cfg.Jitter + time.Duration(rand.Int63n(spread))
}

func (s *Scheduler) runScheduled(deviceID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ProbeTimeout)
	defer cancel()

	device, err := s.store.GetDevice(deviceID)
	if err != nil {
		return
	}
	if device.Status == types.DeviceStatusDecommissioned {
		return
	}

	if _, err := s.Probe(ctx, device, TriggerScheduled); err != nil {
		logger := log.WithDeviceID(deviceID)
		logger.Debug().Err(err).Msg("Scheduled probe failed")
	}
}

// Probe runs one health check now, records the result, and applies the
// device status transition rules. On-demand callers pass their trigger
// so the recorded row explains why it exists.
func (s *Scheduler) Probe(ctx context.Context, device *types.Device, trigger string) (*types.HealthCheck, error) {
	start := time.Now()
	probe, probeErr := s.client.Probe(ctx, device)
	metrics.HealthProbeDuration.Observe(time.Since(start).Seconds())

	check := &types.HealthCheck{
		ID:        uuid.New().String(),
		DeviceID:  device.ID,
		Timestamp: time.Now(),
		CheckType: trigger,
	}
	if probe != nil {
		check.ResponseTimeMs = probe.ResponseTimeMs
	}

	if probeErr != nil {
		check.Status = types.HealthStateError
		check.ErrorDetail = probeErr.Error()
		if probe != nil && probe.FailureReason != "" {
			check.ErrorDetail = fmt.Sprintf("%s: %s", probe.FailureReason, probeErr.Error())
		}
	} else {
		s.fillMetrics(ctx, device, probe, check)
		check.Status = classify(check.CPUPct, check.MemPct, check.TempC)
	}

	if err := s.store.CreateHealthCheck(check); err != nil {
		s.logger.Error().Err(err).Str("device_id", device.ID).Msg("Failed to persist health check")
	}
	metrics.HealthChecksTotal.WithLabelValues(string(check.Status)).Inc()

	s.applyTransition(device, check)

	if probeErr != nil {
		return check, probeErr
	}
	return check, nil
}

// fillMetrics extracts resource figures from the probe and a
// best-effort temperature read
func (s *Scheduler) fillMetrics(ctx context.Context, device *types.Device, probe *routeros.ProbeResult, check *types.HealthCheck) {
	res := probe.Resource
	check.CPUPct = parseMetric(res, "cpu-load")

	free := parseMetric(res, "free-memory")
	total := parseMetric(res, "total-memory")
	if total > 0 {
		check.MemPct = (1 - free/total) * 100
	}

	check.UptimeSec = parseUptime(stringField(res, "uptime"))

	if version := stringField(res, "version"); version != "" {
		device.RouterOSVersion = version
	}
	if board := stringField(res, "board-name"); board != "" {
		device.HardwareModel = board
	}

	// Temperature lives on a separate endpoint and not every board has
	// a sensor; failure here is not a probe failure
	if result, err := s.client.Call(ctx, device, routeros.OpSystemHealth()); err == nil {
		check.TempC = temperatureOf(result.Data)
		check.Voltage = voltageOf(result.Data)
	}
}

// classify buckets a probe by the worst offending metric
func classify(cpuPct, memPct, tempC float64) types.HealthState {
	if cpuPct > critCPUPct || memPct > critMemPct || tempC > critTempC {
		return types.HealthStateCritical
	}
	if cpuPct > warnCPUPct || memPct > warnMemPct || tempC > warnTempC {
		return types.HealthStateWarning
	}
	return types.HealthStateHealthy
}

// applyTransition updates device.Status from the probe streak:
// FailureThreshold consecutive errors mark it unreachable,
// RecoveryThreshold consecutive successes bring it back, and a single
// critical probe degrades it immediately. A pending device goes
// healthy on its first successful probe; the recovery streak only
// gates devices coming back from unreachable or degraded.
func (s *Scheduler) applyTransition(device *types.Device, check *types.HealthCheck) {
	s.mu.Lock()
	st, ok := s.streaks[device.ID]
	if !ok {
		st = &streak{}
		s.streaks[device.ID] = st
	}
	if check.Status == types.HealthStateError {
		st.errors++
		st.successes = 0
	} else {
		st.successes++
		st.errors = 0
	}
	errors, successes := st.errors, st.successes
	s.mu.Unlock()

	next := device.Status
	switch {
	case check.Status == types.HealthStateCritical:
		next = types.DeviceStatusDegraded
	case errors >= s.cfg.FailureThreshold:
		next = types.DeviceStatusUnreachable
	case successes >= 1 && device.Status == types.DeviceStatusPending:
		next = types.DeviceStatusHealthy
	case successes >= s.cfg.RecoveryThreshold:
		next = types.DeviceStatusHealthy
	}

	if next == device.Status {
		return
	}

	prev := device.Status
	device.Status = next
	if err := s.store.UpdateDevice(device); err != nil {
		s.logger.Error().Err(err).Str("device_id", device.ID).Msg("Failed to update device status")
		return
	}
	s.logger.Info().
		Str("device_id", device.ID).
		Str("device", device.Name).
		Str("from", string(prev)).
		Str("to", string(next)).
		Msg("Device status changed")
}

// PruneHistory applies the retention policy for one device
func (s *Scheduler) PruneHistory(deviceID string) (int, error) {
	cutoff := time.Now().Add(-s.cfg.RetentionAge)
	return s.store.PruneHealthChecks(deviceID, s.cfg.RetentionKeep, cutoff)
}

// parseMetric pulls a numeric field out of a probe resource map,
// tolerating RouterOS suffixes like "4%" or "38C"
func parseMetric(res map[string]interface{}, key string) float64 {
	return parseNumber(stringField(res, key))
}

func stringField(res map[string]interface{}, key string) string {
	if res == nil {
		return ""
	}
	switch v := res[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// parseNumber reads the leading numeric portion of a value
func parseNumber(s string) float64 {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && (s[end] >= '0' && s[end] <= '9' || s[end] == '.' || s[end] == '-') {
		end++
	}
	if end == 0 {
		return 0
	}
	f, err := strconv.ParseFloat(s[:end], 64)
	if err != nil {
		return 0
	}
	return f
}

// parseUptime converts a RouterOS duration like "2w3d5h10m4s" to seconds
func parseUptime(s string) int64 {
	units := map[byte]int64{'w': 604800, 'd': 86400, 'h': 3600, 'm': 60, 's': 1}
	var total, cur int64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' {
			cur = cur*10 + int64(c-'0')
			continue
		}
		if mult, ok := units[c]; ok {
			total += cur * mult
		}
		cur = 0
	}
	return total
}

// temperatureOf extracts a temperature reading from /system/health
// data, which is a list of sensor rows on REST and a flat map over SSH
func temperatureOf(data interface{}) float64 {
	return sensorValue(data, "temperature")
}

func voltageOf(data interface{}) float64 {
	return sensorValue(data, "voltage")
}

func sensorValue(data interface{}, name string) float64 {
	switch v := data.(type) {
	case map[string]interface{}:
		return parseNumber(stringField(v, name))
	case []interface{}:
		for _, item := range v {
			row, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if stringField(row, "name") == name {
				return parseNumber(stringField(row, "value"))
			}
		}
	}
	return 0
}
