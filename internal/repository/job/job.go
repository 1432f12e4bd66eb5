package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"fetchqd/internal/common"
	"fetchqd/internal/entity"
	"fetchqd/internal/store"
)

const (
	keyPrefix = "job:"
	queueKey  = "job_queue"
	seqKey    = "job_queue:seq"

	// Jobs are garbage-collected a week after their last write, terminal
	// or not.
	jobTTL = 7 * 24 * time.Hour

	// seqScale folds a monotonic sequence into the fractional part of the
	// queue score, keeping FIFO order among equal priorities.
	seqScale = 1e12
)

type jobRepository struct {
	store store.Store
	log   *slog.Logger
}

func NewJobRepository(s store.Store, log *slog.Logger) *jobRepository {
	return &jobRepository{
		store: s,
		log:   log.With(slog.String("item", "JobRepository")),
	}
}

func (r *jobRepository) Save(ctx context.Context, job *entity.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("cannot marshal job %s: %w", job.ID, err)
	}

	if err := r.store.Put(ctx, keyPrefix+job.ID, data, jobTTL); err != nil {
		return fmt.Errorf("cannot save job %s: %w", job.ID, err)
	}

	return nil
}

func (r *jobRepository) Load(ctx context.Context, id string) (*entity.Job, error) {
	data, err := r.store.Get(ctx, keyPrefix+id)
	if err != nil {
		if errors.Is(err, common.ErrKeyNotFoundError) {
			return nil, common.ErrJobNotFoundError
		}

		return nil, fmt.Errorf("cannot load job %s: %w", id, err)
	}

	var job entity.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("cannot unmarshal job %s: %w", id, err)
	}

	return &job, nil
}

func (r *jobRepository) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, keyPrefix+id); err != nil {
		return fmt.Errorf("cannot delete job %s: %w", id, err)
	}

	return nil
}

// Enqueue adds the job to the priority queue. Lower priority values are
// served first; the sequence fraction keeps insertion order stable within
// one priority.
func (r *jobRepository) Enqueue(ctx context.Context, job *entity.Job) error {
	seq, err := r.store.Incr(ctx, seqKey)
	if err != nil {
		return fmt.Errorf("cannot advance queue sequence: %w", err)
	}

	score := float64(job.Priority) + float64(seq)/seqScale
	if err := r.store.ZAdd(ctx, queueKey, job.ID, score); err != nil {
		return fmt.Errorf("cannot enqueue job %s: %w", job.ID, err)
	}

	return nil
}

func (r *jobRepository) RemoveFromQueue(ctx context.Context, id string) error {
	if err := r.store.ZRem(ctx, queueKey, id); err != nil {
		return fmt.Errorf("cannot remove job %s from queue: %w", id, err)
	}

	return nil
}

func (r *jobRepository) QueueLen(ctx context.Context) (int64, error) {
	return r.store.ZCard(ctx, queueKey)
}

// Active returns every non-terminal job record, queue membership aside.
// Jobs sitting in RUNNING with no worker behind them only show up here, not
// in the queue.
func (r *jobRepository) Active(ctx context.Context) ([]*entity.Job, error) {
	keys, err := r.store.Scan(ctx, keyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("cannot scan job records: %w", err)
	}

	jobs := make([]*entity.Job, 0, len(keys))
	for _, key := range keys {
		job, err := r.Load(ctx, strings.TrimPrefix(key, keyPrefix))
		switch {
		case errors.Is(err, common.ErrJobNotFoundError):
			continue // expired between scan and load
		case err != nil:
			return nil, err
		case job.Status.IsTerminal():
			continue
		}

		jobs = append(jobs, job)
	}

	return jobs, nil
}

// Reconcile drops queue members whose record is terminal or has expired.
// Queue membership and the job record are independent writes, so the two
// can transiently disagree; this closes the gap and returns the number of
// zombie entries removed.
func (r *jobRepository) Reconcile(ctx context.Context) (int, error) {
	members, err := r.store.ZRange(ctx, queueKey, 0, -1)
	if err != nil {
		return 0, fmt.Errorf("cannot list queue: %w", err)
	}

	removed := 0
	for _, m := range members {
		job, err := r.Load(ctx, m.Value)
		switch {
		case errors.Is(err, common.ErrJobNotFoundError):
			// record expired out from under the queue
		case err != nil:
			return removed, err
		case !job.Status.IsTerminal():
			continue
		}

		if err := r.RemoveFromQueue(ctx, m.Value); err != nil {
			return removed, err
		}

		r.log.Info("Removed zombie queue entry", slog.String("job_id", m.Value))
		removed++
	}

	return removed, nil
}
