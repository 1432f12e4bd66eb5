package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"fetchqd/internal/common"
	"fetchqd/internal/entity"
)

const (
	serviceName       = "jobmanager"
	defaultMaxRetries = 3

	// Processed-message markers only need to outlive the bus backlog.
	dedupKeyPrefix = "processed:"
	dedupTTL       = 24 * time.Hour
)

type MessageBus interface {
	Publish(ctx context.Context, msg *entity.ServiceMessage) error
}

type JobRepository interface {
	Save(ctx context.Context, job *entity.Job) error
	Load(ctx context.Context, id string) (*entity.Job, error)
	Enqueue(ctx context.Context, job *entity.Job) error
	RemoveFromQueue(ctx context.Context, id string) error
	QueueLen(ctx context.Context) (int64, error)
	Active(ctx context.Context) ([]*entity.Job, error)
	Reconcile(ctx context.Context) (int, error)
}

// JobClaims is the manager's read/release view of worker ownership locks.
type JobClaims interface {
	Holder(ctx context.Context, jobID string) (string, error)
	Release(ctx context.Context, jobID string) error
}

// DedupStore claims a message id exactly once, so handlers with side effects
// beyond the state machine survive redelivery.
type DedupStore interface {
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
}

// QueueStatus is the snapshot served by the status endpoint.
type QueueStatus struct {
	QueueLength int64 `json:"queue_length"`
	ActiveJobs  int   `json:"active_jobs"`
}

// jobManager owns the job lifecycle. Every status change flows through the
// entity state machine, so duplicate bus deliveries land on edges the
// machine rejects and become no-ops.
type jobManager struct {
	repo   JobRepository
	claims JobClaims
	dedup  DedupStore
	bus    MessageBus
	log    *slog.Logger

	mu     sync.Mutex
	active map[string]struct{}
}

func NewJobManager(repo JobRepository, claims JobClaims, dedup DedupStore,
	bus MessageBus, log *slog.Logger) *jobManager {
	return &jobManager{
		repo:   repo,
		claims: claims,
		dedup:  dedup,
		bus:    bus,
		log:    log.With(slog.String("service", serviceName)),
		active: make(map[string]struct{}),
	}
}

// Create validates the request, persists the job and announces it. The job
// id returns immediately; workers pick the job up from the bus.
func (m *jobManager) Create(ctx context.Context, urls []string, cfg entity.FetchConfig, priority int) (string, error) {
	if len(urls) == 0 {
		return "", common.ErrEmptyURLListError
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	job := entity.NewJob(uuid.NewString(), urls, cfg, priority)

	if err := m.repo.Save(ctx, job); err != nil {
		return "", fmt.Errorf("cannot create job: %w", err)
	}

	if err := m.repo.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("cannot enqueue job %s: %w", job.ID, err)
	}

	job.Transition(entity.StatusQueued)
	if err := m.repo.Save(ctx, job); err != nil {
		return "", fmt.Errorf("cannot save job %s: %w", job.ID, err)
	}

	// announce last so nobody picks the job up before it reads QUEUED
	if err := m.announce(ctx, job); err != nil {
		return "", fmt.Errorf("cannot announce job %s: %w", job.ID, err)
	}

	m.track(job.ID)
	m.log.Info("Job created",
		slog.String("job_id", job.ID),
		slog.Int("urls", len(urls)),
		slog.Int("priority", priority))

	return job.ID, nil
}

func (m *jobManager) Get(ctx context.Context, id string) (*entity.Job, error) {
	return m.repo.Load(ctx, id)
}

// Cancel moves the job to CANCELLED from any non-terminal state. A job
// already terminal reports false, not an error.
func (m *jobManager) Cancel(ctx context.Context, id string) (bool, error) {
	job, err := m.repo.Load(ctx, id)
	if err != nil {
		return false, err
	}

	if !job.Transition(entity.StatusCancelled) {
		return false, nil
	}

	if err := m.repo.Save(ctx, job); err != nil {
		return false, err
	}
	if err := m.repo.RemoveFromQueue(ctx, id); err != nil {
		return false, err
	}

	m.untrack(id)

	if err := m.bus.Publish(ctx, entity.NewJobMessage(entity.ServiceJobManager,
		entity.MessageJobCancelled, entity.JobPayload{JobID: id})); err != nil {
		return false, err
	}

	return true, nil
}

// Pause is permitted only from RUNNING.
func (m *jobManager) Pause(ctx context.Context, id string) (bool, error) {
	job, err := m.repo.Load(ctx, id)
	if err != nil {
		return false, err
	}

	if job.Status != entity.StatusRunning || !job.Transition(entity.StatusPaused) {
		return false, nil
	}

	if err := m.repo.Save(ctx, job); err != nil {
		return false, err
	}

	if err := m.bus.Publish(ctx, entity.NewJobMessage(entity.ServiceJobManager,
		entity.MessageJobPause, entity.JobPayload{JobID: id})); err != nil {
		return false, err
	}

	return true, nil
}

// Resume is permitted only from PAUSED and re-enqueues the job.
func (m *jobManager) Resume(ctx context.Context, id string) (bool, error) {
	job, err := m.repo.Load(ctx, id)
	if err != nil {
		return false, err
	}

	if job.Status != entity.StatusPaused || !job.Transition(entity.StatusQueued) {
		return false, nil
	}

	if err := m.repo.Save(ctx, job); err != nil {
		return false, err
	}
	if err := m.repo.Enqueue(ctx, job); err != nil {
		return false, err
	}

	if err := m.bus.Publish(ctx, entity.NewJobMessage(entity.ServiceJobManager,
		entity.MessageJobResume, entity.JobPayload{JobID: id})); err != nil {
		return false, err
	}

	return true, nil
}

func (m *jobManager) QueueStatus(ctx context.Context) (*QueueStatus, error) {
	n, err := m.repo.QueueLen(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	active := len(m.active)
	m.mu.Unlock()

	return &QueueStatus{QueueLength: n, ActiveJobs: active}, nil
}

// HandleJobStarted marks the job RUNNING. Re-delivery hits a rejected
// RUNNING -> RUNNING edge and is dropped.
func (m *jobManager) HandleJobStarted(ctx context.Context, msg *entity.ServiceMessage) error {
	p, ok := msg.Payload.(entity.JobPayload)
	if !ok {
		return fmt.Errorf("%w: expected job payload, got %T", common.ErrUnknownMessageType, msg.Payload)
	}

	job, err := m.repo.Load(ctx, p.JobID)
	if err != nil {
		return err
	}

	if !job.Transition(entity.StatusRunning) {
		return nil
	}

	if err := m.repo.Save(ctx, job); err != nil {
		return err
	}
	if err := m.repo.RemoveFromQueue(ctx, p.JobID); err != nil {
		return err
	}

	m.track(p.JobID)

	return nil
}

func (m *jobManager) HandleJobProgress(ctx context.Context, msg *entity.ServiceMessage) error {
	p, ok := msg.Payload.(entity.JobPayload)
	if !ok {
		return fmt.Errorf("%w: expected job payload, got %T", common.ErrUnknownMessageType, msg.Payload)
	}

	job, err := m.repo.Load(ctx, p.JobID)
	if err != nil {
		return err
	}

	if job.Status.IsTerminal() {
		return nil
	}

	job.Progress = p.Progress

	return m.repo.Save(ctx, job)
}

func (m *jobManager) HandleJobCompleted(ctx context.Context, msg *entity.ServiceMessage) error {
	p, ok := msg.Payload.(entity.JobPayload)
	if !ok {
		return fmt.Errorf("%w: expected job payload, got %T", common.ErrUnknownMessageType, msg.Payload)
	}

	job, err := m.repo.Load(ctx, p.JobID)
	if err != nil {
		return err
	}

	if !job.Transition(entity.StatusCompleted) {
		return nil
	}

	if err := m.repo.Save(ctx, job); err != nil {
		return err
	}
	if err := m.repo.RemoveFromQueue(ctx, p.JobID); err != nil {
		return err
	}

	m.untrack(p.JobID)
	m.log.Info("Job completed", slog.String("job_id", p.JobID))

	return nil
}

// HandleJobFailed applies job-level retry: while attempts remain the job is
// re-queued and re-announced, otherwise it lands on FAILED for good. The
// retry counter is a side effect outside the state machine, so the handler
// claims the message id first and drops redeliveries outright.
func (m *jobManager) HandleJobFailed(ctx context.Context, msg *entity.ServiceMessage) error {
	p, ok := msg.Payload.(entity.JobPayload)
	if !ok {
		return fmt.Errorf("%w: expected job payload, got %T", common.ErrUnknownMessageType, msg.Payload)
	}

	fresh, err := m.dedup.SetNX(ctx, dedupKeyPrefix+msg.ID, []byte(p.JobID), dedupTTL)
	if err != nil {
		return err
	}
	if !fresh {
		m.log.Debug("Dropping redelivered failure report",
			slog.String("message_id", msg.ID), slog.String("job_id", p.JobID))

		return nil
	}

	job, err := m.repo.Load(ctx, p.JobID)
	if err != nil {
		return err
	}

	if job.Status.IsTerminal() {
		return nil
	}

	job.Error = p.Error
	job.RetryCount++

	if job.RetryCount < job.MaxRetries {
		if job.Status != entity.StatusQueued && !job.Transition(entity.StatusQueued) {
			return fmt.Errorf("%w: %s cannot requeue from %s", common.ErrInvalidTransition, job.ID, job.Status)
		}

		if err := m.repo.Save(ctx, job); err != nil {
			return err
		}
		if err := m.repo.Enqueue(ctx, job); err != nil {
			return err
		}

		m.log.Info("Job requeued for retry",
			slog.String("job_id", job.ID),
			slog.Int("retry_count", job.RetryCount),
			slog.String("error", p.Error))

		// re-announce so a worker expands the job again
		return m.announce(ctx, job)
	}

	if !job.Transition(entity.StatusFailed) {
		return fmt.Errorf("%w: %s cannot fail from %s", common.ErrInvalidTransition, job.ID, job.Status)
	}
	if err := m.repo.Save(ctx, job); err != nil {
		return err
	}
	if err := m.repo.RemoveFromQueue(ctx, p.JobID); err != nil {
		return err
	}

	m.untrack(p.JobID)
	m.log.Warn("Job failed permanently",
		slog.String("job_id", job.ID),
		slog.Int("retry_count", job.RetryCount),
		slog.String("error", p.Error))

	return nil
}

// Recover rebuilds the in-memory index from the durable records after a
// restart and re-drives non-terminal jobs nobody is working on: jobs whose
// claim expired with a dead worker, or whose claim the previous incarnation
// of this process (ownerID) still holds. Paused jobs wait for an explicit
// resume; jobs claimed by someone else are presumed alive and left alone.
// Returns the number of jobs sent back through the queue.
func (m *jobManager) Recover(ctx context.Context, ownerID string) (int, error) {
	jobs, err := m.repo.Active(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, job := range jobs {
		m.track(job.ID)

		if job.Status == entity.StatusPaused {
			continue
		}

		holder, err := m.claims.Holder(ctx, job.ID)
		switch {
		case errors.Is(err, common.ErrKeyNotFoundError):
			// unclaimed, safe to re-drive
		case err != nil:
			return recovered, err
		case holder != ownerID:
			continue
		default:
			// claim survives from before the restart and guards nothing
			if err := m.claims.Release(ctx, job.ID); err != nil {
				return recovered, err
			}
		}

		was := job.Status
		if was != entity.StatusQueued && !job.Transition(entity.StatusQueued) {
			continue
		}
		if err := m.repo.Save(ctx, job); err != nil {
			return recovered, err
		}
		if err := m.repo.Enqueue(ctx, job); err != nil {
			return recovered, err
		}
		if err := m.announce(ctx, job); err != nil {
			return recovered, err
		}

		m.log.Info("Recovered orphaned job",
			slog.String("job_id", job.ID), slog.String("was", string(was)))
		recovered++
	}

	return recovered, nil
}

// RunReconciler sweeps the priority queue for zombie entries until ctx is
// cancelled.
func (m *jobManager) RunReconciler(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			removed, err := m.repo.Reconcile(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				m.log.Error("Queue reconciliation failed", slog.Any("error", err))

				continue
			}
			if removed > 0 {
				m.log.Info("Queue reconciled", slog.Int("removed", removed))
			}
		}
	}
}

// announce publishes the job_created event workers compete over.
func (m *jobManager) announce(ctx context.Context, job *entity.Job) error {
	return m.bus.Publish(ctx, entity.NewJobMessage(entity.ServiceJobManager,
		entity.MessageJobCreated, entity.JobPayload{
			JobID:    job.ID,
			URLs:     job.URLs,
			Config:   &job.Config,
			Priority: job.Priority,
		}))
}

func (m *jobManager) track(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.active[id] = struct{}{}
}

func (m *jobManager) untrack(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.active, id)
}
