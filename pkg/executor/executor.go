// Package executor runs background jobs: plan applies with rollback,
// health checks, backups, drift detection, and retention cleanup. Jobs
// flow through a priority queue into a bounded worker pool with
// per-device concurrency caps.
package executor

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/rosfleet/rosfleet/pkg/audit"
	"github.com/rosfleet/rosfleet/pkg/errdefs"
	"github.com/rosfleet/rosfleet/pkg/log"
	"github.com/rosfleet/rosfleet/pkg/metrics"
	"github.com/rosfleet/rosfleet/pkg/routeros"
	"github.com/rosfleet/rosfleet/pkg/storage"
	"github.com/rosfleet/rosfleet/pkg/types"
)

// PriorityUrgent bypasses the queue saturation cap. Follow-up health
// checks after a timeout run at this priority.
const PriorityUrgent = 10

// HealthProber is the slice of the health scheduler the executor needs
type HealthProber interface {
	Probe(ctx context.Context, device *types.Device, trigger string) (*types.HealthCheck, error)
	PruneHistory(deviceID string) (int, error)
}

// Snapshotter is the slice of the snapshot store the executor needs
type Snapshotter interface {
	Capture(ctx context.Context, device *types.Device, kind types.SnapshotKind, trigger, correlationID string) (*types.Snapshot, error)
	Get(id string) (*types.Snapshot, error)
	List(deviceID string, limit int) ([]*types.Snapshot, error)
	Prune(deviceID string) (int, error)
}

// Config tunes the executor
type Config struct {
	// Workers is the worker pool size
	Workers int

	// PerDeviceLimit caps concurrent jobs touching one device
	PerDeviceLimit int64

	// QueueSoftCap rejects non-urgent submissions beyond this depth
	QueueSoftCap int

	// SettleDelay is the wait between applying changes and the
	// post-change health probe
	SettleDelay time.Duration

	// Retry backoff for transient failures
	RetryBase   time.Duration
	RetryFactor float64
	MaxAttempts int

	// Per-job-type deadlines
	ProbeTimeout  time.Duration
	ApplyTimeout  time.Duration
	BackupTimeout time.Duration
}

// DefaultConfig returns the executor defaults
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		PerDeviceLimit: 3,
		QueueSoftCap:   500,
		SettleDelay:    30 * time.Second,
		RetryBase:      60 * time.Second,
		RetryFactor:    2.0,
		MaxAttempts:    3,
		ProbeTimeout:   30 * time.Second,
		ApplyTimeout:   5 * time.Minute,
		BackupTimeout:  15 * time.Minute,
	}
}

// Executor owns the job queue and worker pool
type Executor struct {
	cfg       Config
	store     storage.Store
	client    routeros.Caller
	health    HealthProber
	snapshots Snapshotter
	audit     *audit.Log
	logger    zerolog.Logger

	// invalidate drops cached reads for a device once a write (or
	// rollback) has actually landed on it
	invalidate func(deviceID string)

	mu      sync.Mutex
	queue   jobQueue
	sems    map[string]*semaphore.Weighted
	cancels map[string]context.CancelFunc
	stopped bool

	wake   chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a job executor
func New(cfg Config, store storage.Store, client routeros.Caller, health HealthProber, snapshots Snapshotter, auditLog *audit.Log) *Executor {
	if cfg.Workers == 0 {
		cfg = DefaultConfig()
	}
	return &Executor{
		cfg:       cfg,
		store:     store,
		client:    client,
		health:    health,
		snapshots: snapshots,
		audit:     auditLog,
		logger:    log.WithComponent("executor"),
		sems:      make(map[string]*semaphore.Weighted),
		cancels:   make(map[string]context.CancelFunc),
		wake:      make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// SetInvalidator registers the cache hook called after each device
// mutation. Tool-level invalidation at submit time is not enough: a
// read served while the job waits in the queue would otherwise
// repopulate the cache with pre-change data that outlives the write.
func (e *Executor) SetInvalidator(fn func(deviceID string)) {
	e.invalidate = fn
}

func (e *Executor) invalidateDevice(deviceID string) {
	if e.invalidate != nil {
		e.invalidate(deviceID)
	}
}

// Start launches the worker pool
func (e *Executor) Start() error {
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
	e.logger.Info().Int("workers", e.cfg.Workers).Msg("Job executor started")
	return nil
}

// Stop drains the workers. Queued jobs stay persisted for the next
// start; running jobs are cancelled.
func (e *Executor) Stop() {
	e.mu.Lock()
	e.stopped = true
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()
	close(e.stopCh)
	e.wg.Wait()
	e.logger.Info().Msg("Job executor stopped")
}

// Submit enqueues a job. Non-urgent jobs are rejected once the queue
// passes the soft cap; urgent ones always get in.
func (e *Executor) Submit(job *types.Job) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return errdefs.New(errdefs.CodeInternalError, "executor is stopped")
	}
	if len(e.queue) >= e.cfg.QueueSoftCap && job.Priority < PriorityUrgent {
		e.mu.Unlock()
		return errdefs.New(errdefs.CodeQueueSaturated, "job queue is full (%d jobs)", e.cfg.QueueSoftCap).
			WithData("queue_depth", e.cfg.QueueSoftCap)
	}

	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = time.Now()
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = e.cfg.MaxAttempts
	}
	job.Status = types.JobStatusPending

	heap.Push(&e.queue, job)
	depth := len(e.queue)
	e.mu.Unlock()

	if err := e.store.CreateJob(job); err != nil {
		return err
	}
	metrics.QueueDepth.Set(float64(depth))

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// Cancel stops a job. Pending jobs leave the queue; running jobs get
// their context cancelled.
func (e *Executor) Cancel(jobID string) error {
	e.mu.Lock()
	if cancel, running := e.cancels[jobID]; running {
		e.mu.Unlock()
		cancel()
		return nil
	}
	for i, queued := range e.queue {
		if queued.ID == jobID {
			heap.Remove(&e.queue, i)
			e.mu.Unlock()
			queued.Status = types.JobStatusCancelled
			return e.store.UpdateJob(queued)
		}
	}
	e.mu.Unlock()
	return errdefs.New(errdefs.CodeInvalidRequest, "job %s is not pending or running", jobID)
}

// Depth returns the current queue depth
func (e *Executor) Depth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

func (e *Executor) worker() {
	defer e.wg.Done()
	for {
		job := e.next()
		if job == nil {
			return
		}
		e.run(job)
	}
}

// next blocks until a ready job is available or the executor stops.
// Future-dated jobs stay queued until their scheduledAt passes.
func (e *Executor) next() *types.Job {
	for {
		e.mu.Lock()
		if e.stopped {
			e.mu.Unlock()
			return nil
		}
		var wait time.Duration
		if len(e.queue) > 0 {
			top := e.queue[0]
			if delay := time.Until(top.ScheduledAt); delay <= 0 {
				job := heap.Pop(&e.queue).(*types.Job)
				metrics.QueueDepth.Set(float64(len(e.queue)))
				e.mu.Unlock()
				return job
			} else {
				wait = delay
			}
		} else {
			wait = time.Second
		}
		e.mu.Unlock()

		if wait > time.Second {
			wait = time.Second
		}
		timer := time.NewTimer(wait)
		select {
		case <-e.stopCh:
			timer.Stop()
			return nil
		case <-e.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// deviceSem returns the per-device job semaphore
func (e *Executor) deviceSem(deviceID string) *semaphore.Weighted {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.sems[deviceID]
	if !ok {
		s = semaphore.NewWeighted(e.cfg.PerDeviceLimit)
		e.sems[deviceID] = s
	}
	return s
}

func (e *Executor) timeoutFor(jobType types.JobType) time.Duration {
	switch jobType {
	case types.JobApplyPlan, types.JobRollback:
		return e.cfg.ApplyTimeout
	case types.JobConfigBackup, types.JobCleanup, types.JobDriftDetection:
		return e.cfg.BackupTimeout
	default:
		return e.cfg.ProbeTimeout
	}
}

func (e *Executor) run(job *types.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeoutFor(job.Type))
	defer cancel()

	e.mu.Lock()
	e.cancels[job.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, job.ID)
		e.mu.Unlock()
	}()

	// An apply job only enters running while its plan is still
	// approved; a cancellation between submit and dispatch fails the
	// job before any transition
	if job.Type == types.JobApplyPlan {
		if err := e.requireApprovedPlan(job); err != nil {
			job.Attempts++
			e.finish(ctx, job, err)
			return
		}
	}

	now := time.Now()
	job.Status = types.JobStatusRunning
	job.StartedAt = &now
	job.Attempts++
	if err := e.store.UpdateJob(job); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to mark job running")
	}

	start := time.Now()
	err := e.dispatch(ctx, job)
	metrics.JobDuration.WithLabelValues(string(job.Type)).Observe(time.Since(start).Seconds())

	e.finish(ctx, job, err)
}

// requireApprovedPlan gates the pending→running transition of apply
// jobs on the plan still being approved
func (e *Executor) requireApprovedPlan(job *types.Job) error {
	p, err := e.store.GetPlan(job.PlanID)
	if err != nil {
		return err
	}
	if p.Status != types.PlanStatusApproved {
		return errdefs.New(errdefs.CodePlanAlreadyApplied, "plan %s is %s, not approved", p.ID, p.Status)
	}
	return nil
}

func (e *Executor) dispatch(ctx context.Context, job *types.Job) error {
	switch job.Type {
	case types.JobApplyPlan:
		return e.applyPlan(ctx, job)
	case types.JobRollback:
		return e.manualRollback(ctx, job)
	case types.JobHealthCheck:
		return e.runHealthCheck(ctx, job)
	case types.JobConfigBackup:
		return e.runBackup(ctx, job)
	case types.JobDriftDetection:
		return e.runDriftDetection(ctx, job)
	case types.JobCleanup:
		return e.runCleanup(job)
	case types.JobMetricsCollection:
		return e.runMetricsCollection(ctx, job)
	default:
		return errdefs.New(errdefs.CodeInvalidRequest, "unknown job type %s", job.Type)
	}
}

// finish resolves the job's terminal (or retried) state
func (e *Executor) finish(ctx context.Context, job *types.Job, err error) {
	done := time.Now()
	job.CompletedAt = &done

	switch {
	case err == nil:
		job.Status = types.JobStatusCompleted

	case errors.Is(err, context.Canceled):
		job.Status = types.JobStatusCancelled
		job.ErrorMessage = "cancelled"

	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		// Device consistency is unknown after a timeout; a follow-up
		// health check re-establishes it
		job.Status = types.JobStatusTimeout
		job.ErrorMessage = err.Error()
		e.scheduleFollowUpHealthCheck(job)

	case errdefs.Transient(err) && job.Attempts < job.MaxAttempts:
		job.Status = types.JobStatusPending
		job.ErrorMessage = err.Error()
		job.CompletedAt = nil
		job.ScheduledAt = time.Now().Add(e.backoff(job.Attempts))
		if uerr := e.store.UpdateJob(job); uerr != nil {
			e.logger.Error().Err(uerr).Str("job_id", job.ID).Msg("Failed to persist retry")
		}
		e.mu.Lock()
		if !e.stopped {
			heap.Push(&e.queue, job)
		}
		e.mu.Unlock()
		e.logger.Warn().
			Str("job_id", job.ID).
			Int("attempt", job.Attempts).
			Time("next_attempt", job.ScheduledAt).
			Err(err).
			Msg("Transient failure, job requeued")
		return

	default:
		job.Status = types.JobStatusFailed
		job.ErrorMessage = err.Error()
	}

	metrics.JobsTotal.WithLabelValues(string(job.Type), string(job.Status)).Inc()
	if uerr := e.store.UpdateJob(job); uerr != nil {
		e.logger.Error().Err(uerr).Str("job_id", job.ID).Msg("Failed to persist job result")
	}

	jobLogger := log.WithJobID(job.ID)
	event := jobLogger.Info()
	if job.Status != types.JobStatusCompleted {
		event = jobLogger.Warn()
	}
	event.
		Str("type", string(job.Type)).
		Str("status", string(job.Status)).
		Int("attempts", job.Attempts).
		Msg("Job finished")
}

// backoff returns the delay before retry attempt n+1
func (e *Executor) backoff(attempt int) time.Duration {
	d := e.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * e.cfg.RetryFactor)
	}
	return d
}

func (e *Executor) scheduleFollowUpHealthCheck(job *types.Job) {
	follow := &types.Job{
		Type:          types.JobHealthCheck,
		Priority:      PriorityUrgent,
		DeviceIDs:     job.DeviceIDs,
		CorrelationID: job.CorrelationID,
	}
	if err := e.Submit(follow); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID).Msg("Failed to schedule follow-up health check")
	}
}
