package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/afero"

	"fetchqd/internal/common"
	"fetchqd/internal/entity"
	"fetchqd/internal/fetch"
)

const serviceName = "worker"

var (
	errJobPaused    = errors.New("job paused")
	errJobCancelled = errors.New("job cancelled")
)

type MessageBus interface {
	Publish(ctx context.Context, msg *entity.ServiceMessage) error
}

type ResumeRepository interface {
	Save(ctx context.Context, taskID string, rd *entity.ResumeData) error
	Load(ctx context.Context, taskID string) (*entity.ResumeData, error)
	Clear(ctx context.Context, taskID string) error
}

// JobClaims hands out job ownership. Acquire follows first-caller-wins
// semantics, so everyone but one worker no-ops.
type JobClaims interface {
	Acquire(ctx context.Context, jobID, ownerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, jobID string) error
}

type Config struct {
	WorkerID        string
	DownloadDir     string
	ClaimTTL        time.Duration
	MaxAttempts     int
	LiveMaxAttempts int
	BaseDelay       time.Duration
	LiveBaseDelay   time.Duration
	MaxDelay        time.Duration
}

func (c *Config) applyDefaults() {
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 24 * time.Hour
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.LiveMaxAttempts <= 0 {
		c.LiveMaxAttempts = liveMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.LiveBaseDelay <= 0 {
		c.LiveBaseDelay = defaultLiveDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
}

// jobRun is the in-memory state of one claimed job: its task list, the
// index of the next task to run, and the cancellation plumbing that pause
// and cancel act through.
type jobRun struct {
	job       *entity.Job
	tasks     []*entity.Task
	next      int
	completed int
	paused    bool

	ctx    context.Context
	cancel context.CancelCauseFunc
}

// Worker claims job_created events, expands them into tasks and drives each
// task through the fetch engine sequentially. Parallelism comes from
// running more worker processes, never from concurrent tasks in one worker.
type Worker struct {
	cfg    Config
	bus    MessageBus
	resume ResumeRepository
	claims JobClaims
	engine fetch.Engine
	fs     afero.Fs
	log    *slog.Logger

	mu   sync.Mutex
	jobs map[string]*jobRun
	wg   sync.WaitGroup
}

func New(cfg Config, b MessageBus, r ResumeRepository, claims JobClaims,
	engine fetch.Engine, fs afero.Fs, log *slog.Logger) *Worker {
	cfg.applyDefaults()

	return &Worker{
		cfg:    cfg,
		bus:    b,
		resume: r,
		claims: claims,
		engine: engine,
		fs:     fs,
		log: log.With(slog.String("service", serviceName),
			slog.String("worker_id", cfg.WorkerID)),
		jobs: make(map[string]*jobRun),
	}
}

// HandleJobCreated claims the job and starts processing it. Losing the
// claim to another worker is the normal competing-consumer outcome and a
// silent no-op, which also makes redelivery of job_created idempotent.
func (w *Worker) HandleJobCreated(ctx context.Context, msg *entity.ServiceMessage) error {
	p, ok := msg.Payload.(entity.JobPayload)
	if !ok {
		return fmt.Errorf("%w: expected job payload, got %T", common.ErrUnknownMessageType, msg.Payload)
	}
	if p.JobID == "" || len(p.URLs) == 0 {
		return nil
	}

	claimed, err := w.claims.Acquire(ctx, p.JobID, w.cfg.WorkerID, w.cfg.ClaimTTL)
	if err != nil {
		return err
	}
	if !claimed {
		w.log.Debug("Job already claimed", slog.String("job_id", p.JobID))

		return nil
	}

	cfg := entity.FetchConfig{}
	if p.Config != nil {
		cfg = *p.Config
	}
	job := entity.NewJob(p.JobID, p.URLs, cfg, p.Priority)

	run := &jobRun{
		job:   job,
		tasks: entity.ExpandJob(job),
	}
	run.ctx, run.cancel = context.WithCancelCause(context.Background())

	w.mu.Lock()
	w.jobs[p.JobID] = run
	w.mu.Unlock()

	w.log.Info("Claimed job", slog.String("job_id", p.JobID), slog.Int("tasks", len(run.tasks)))

	w.wg.Add(1)
	go w.processJob(run)

	return nil
}

// HandleJobPause interrupts the job's in-flight task; the task loop
// checkpoints resume data before yielding.
func (w *Worker) HandleJobPause(_ context.Context, msg *entity.ServiceMessage) error {
	p, ok := msg.Payload.(entity.JobPayload)
	if !ok {
		return fmt.Errorf("%w: expected job payload, got %T", common.ErrUnknownMessageType, msg.Payload)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if run, ok := w.jobs[p.JobID]; ok && !run.paused {
		run.cancel(errJobPaused)
	}

	return nil
}

// HandleJobResume continues a paused job from the task it was interrupted
// in, which picks up its resume checkpoint.
func (w *Worker) HandleJobResume(_ context.Context, msg *entity.ServiceMessage) error {
	p, ok := msg.Payload.(entity.JobPayload)
	if !ok {
		return fmt.Errorf("%w: expected job payload, got %T", common.ErrUnknownMessageType, msg.Payload)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	run, ok := w.jobs[p.JobID]
	if !ok || !run.paused {
		return nil
	}

	run.paused = false
	run.ctx, run.cancel = context.WithCancelCause(context.Background())

	w.wg.Add(1)
	go w.processJob(run)

	return nil
}

func (w *Worker) HandleJobCancelled(_ context.Context, msg *entity.ServiceMessage) error {
	p, ok := msg.Payload.(entity.JobPayload)
	if !ok {
		return fmt.Errorf("%w: expected job payload, got %T", common.ErrUnknownMessageType, msg.Payload)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if run, ok := w.jobs[p.JobID]; ok {
		run.cancel(errJobCancelled)
		if run.paused {
			// no goroutine is running to observe the cancel
			delete(w.jobs, p.JobID)
		}
	}

	return nil
}

// ActiveJobs reports how many jobs this worker currently holds, paused
// ones included.
func (w *Worker) ActiveJobs() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.jobs)
}

// Stop pauses every running job, checkpointing in-flight tasks, and waits
// for the task loops to yield.
func (w *Worker) Stop() {
	w.mu.Lock()
	for _, run := range w.jobs {
		if !run.paused {
			run.cancel(errJobPaused)
		}
	}
	w.mu.Unlock()

	w.wg.Wait()
}

func (w *Worker) processJob(run *jobRun) {
	defer w.wg.Done()

	ctx := run.ctx
	jobID := run.job.ID
	log := w.log.With(slog.String("job_id", jobID))

	// announced on every entry, so a run resumed mid-job moves the record
	// back to running; the job manager drops duplicate started edges
	w.publish(ctx, entity.NewJobMessage(entity.ServiceDownloadWorker,
		entity.MessageJobStarted, entity.JobPayload{JobID: jobID}))

	total := len(run.tasks)
	for run.next < total {
		task := run.tasks[run.next]

		err := w.runTask(ctx, run, task)
		switch {
		case errors.Is(err, errJobPaused):
			w.mu.Lock()
			run.paused = true
			w.mu.Unlock()
			log.Info("Job paused", slog.String("task_id", task.ID))

			return
		case errors.Is(err, errJobCancelled):
			w.dropJob(jobID)
			log.Info("Job cancelled", slog.String("task_id", task.ID))

			return
		case err != nil:
			log.Error("Task failed", slog.String("task_id", task.ID), slog.Any("error", err))
		default:
			run.completed++
			progress := float64(run.completed) / float64(total) * 100
			w.publish(ctx, entity.NewJobMessage(entity.ServiceDownloadWorker,
				entity.MessageJobProgress, entity.JobPayload{JobID: jobID, Progress: progress}))
		}

		run.next++
	}

	if run.completed == total {
		w.publish(ctx, entity.NewJobMessage(entity.ServiceDownloadWorker,
			entity.MessageJobCompleted, entity.JobPayload{JobID: jobID}))
	} else {
		w.publish(ctx, entity.NewJobMessage(entity.ServiceDownloadWorker,
			entity.MessageJobFailed, entity.JobPayload{
				JobID: jobID,
				Error: fmt.Sprintf("completed %d/%d tasks", run.completed, total),
			}))

		// releasing the claim lets the job manager's retry re-expand the
		// job, here or on any other worker
		if err := w.claims.Release(context.Background(), jobID); err != nil {
			log.Error("Cannot release job claim", slog.Any("error", err))
		}
	}

	w.dropJob(jobID)
}

// runTask drives one task to a terminal state, resuming from a checkpoint
// when one exists and retrying transient failures with capped exponential
// backoff. Pause and cancel surface as errJobPaused / errJobCancelled.
func (w *Worker) runTask(ctx context.Context, run *jobRun, task *entity.Task) error {
	task.Status = entity.StatusRunning

	w.publish(ctx, entity.NewDownloadMessage(entity.ServiceDownloadWorker,
		entity.MessageDownloadStarted, entity.DownloadPayload{TaskID: task.ID, JobID: task.JobID}))

	policy := newRetryPolicy(w.cfg, run.job.Config.Live)

	for attempt := 0; ; attempt++ {
		rd := w.loadCheckpoint(ctx, task)
		if rd != nil {
			w.publish(ctx, entity.NewDownloadMessage(entity.ServiceDownloadWorker,
				entity.MessageDownloadResume, entity.DownloadPayload{
					TaskID:     task.ID,
					JobID:      task.JobID,
					RetryCount: task.RetryCount,
				}))
		}

		err := w.fetchOnce(ctx, run, task, rd)
		if err == nil {
			task.Status = entity.StatusCompleted

			return nil
		}

		if cause := interruption(ctx, err); cause != nil {
			w.checkpoint(context.Background(), task)
			if errors.Is(cause, errJobPaused) {
				task.Status = entity.StatusPaused
			} else {
				task.Status = entity.StatusCancelled
			}

			return cause
		}

		w.checkpoint(ctx, task)

		if !policy.retryable(err) || attempt >= policy.maxAttempts {
			task.Status = entity.StatusFailed
			task.Error = err.Error()
			w.publish(ctx, entity.NewDownloadMessage(entity.ServiceDownloadWorker,
				entity.MessageDownloadFailed, entity.DownloadPayload{
					TaskID:     task.ID,
					JobID:      task.JobID,
					RetryCount: task.RetryCount,
					Error:      err.Error(),
				}))

			return err
		}

		task.RetryCount = attempt + 1
		w.log.Warn("Retrying task",
			slog.String("task_id", task.ID),
			slog.Int("attempt", task.RetryCount),
			slog.Any("error", err))

		if werr := policy.wait(ctx, attempt); werr != nil {
			// cancellation during the backoff sleep aborts immediately
			w.checkpoint(context.Background(), task)
			if errors.Is(werr, errJobPaused) {
				task.Status = entity.StatusPaused

				return errJobPaused
			}
			task.Status = entity.StatusCancelled

			return errJobCancelled
		}
	}
}

// fetchOnce runs a single engine attempt, republishing its progress stream.
func (w *Worker) fetchOnce(ctx context.Context, run *jobRun, task *entity.Task, rd *entity.ResumeData) error {
	st := w.engine.Fetch(ctx, task.URL, fetch.Options{
		Config:  run.job.Config,
		DestDir: w.cfg.DownloadDir,
		Resume:  rd,
	})

	for p := range st.Progress() {
		task.FilePath = p.FilePath
		task.DownloadedBytes = p.DownloadedBytes
		task.Progress = p.Percent
		if p.ETag != "" {
			task.ETag = p.ETag
		}

		w.publish(ctx, entity.NewDownloadMessage(entity.ServiceDownloadWorker,
			entity.MessageDownloadProgress, entity.DownloadPayload{
				TaskID:   task.ID,
				JobID:    task.JobID,
				Progress: p.Percent,
				Speed:    p.Speed,
				ETA:      p.ETA,
			}))
	}

	result, err := st.Wait()
	if err != nil {
		return err
	}

	if err := w.resume.Clear(ctx, task.ID); err != nil {
		w.log.Error("Cannot clear resume data", slog.String("task_id", task.ID), slog.Any("error", err))
	}

	task.FilePath = result.FilePath
	task.FileSize = result.FileSize
	task.Metadata = result.Metadata
	task.Progress = 100.0

	w.publish(ctx, entity.NewDownloadMessage(entity.ServiceDownloadWorker,
		entity.MessageDownloadCompleted, entity.DownloadPayload{
			TaskID:   task.ID,
			JobID:    task.JobID,
			FilePath: result.FilePath,
			FileSize: result.FileSize,
			Metadata: result.Metadata,
		}))

	return nil
}

func (w *Worker) loadCheckpoint(ctx context.Context, task *entity.Task) *entity.ResumeData {
	rd, err := w.resume.Load(ctx, task.ID)
	if err != nil {
		if !errors.Is(err, common.ErrKeyNotFoundError) && !errors.Is(err, common.ErrStaleResumeData) {
			w.log.Error("Cannot load resume data", slog.String("task_id", task.ID), slog.Any("error", err))
		}

		return nil
	}

	return rd
}

// checkpoint records what is on disk for the task's partial file, plus the
// validator the server handed out, so a later attempt, or another worker
// after this one dies, continues from there.
func (w *Worker) checkpoint(ctx context.Context, task *entity.Task) {
	if task.FilePath == "" {
		return
	}

	info, err := w.fs.Stat(task.FilePath)
	if err != nil {
		return
	}

	rd := &entity.ResumeData{
		URL:             task.URL,
		FilePath:        task.FilePath,
		DownloadedBytes: info.Size(),
		LastModified:    info.ModTime(),
		ETag:            task.ETag,
	}
	if err := w.resume.Save(ctx, task.ID, rd); err != nil {
		w.log.Error("Cannot save resume data", slog.String("task_id", task.ID), slog.Any("error", err))
	}
}

func (w *Worker) dropJob(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.jobs, id)
}

// interruption distinguishes pause/cancel from engine failures: any error
// observed while the run context carries a cause is the interruption, not
// a fetch problem.
func interruption(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && ctx.Err() != nil {
		return cause
	}
	if errors.Is(err, errJobPaused) || errors.Is(err, errJobCancelled) {
		return err
	}

	return nil
}

func (w *Worker) publish(ctx context.Context, msg *entity.ServiceMessage) {
	// the bus owns delivery; a publish failure must not kill the task loop
	if err := w.bus.Publish(context.WithoutCancel(ctx), msg); err != nil {
		w.log.Error("Cannot publish message",
			slog.String("message_type", string(msg.Type)), slog.Any("error", err))
	}
}
