package resume

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/afero"

	"fetchqd/internal/common"
	"fetchqd/internal/entity"
	"fetchqd/internal/store"
)

const (
	keyPrefix = "resume:"

	// Checkpoints follow the job record lifetime.
	resumeTTL = 7 * 24 * time.Hour
)

// resumeRepository persists resume checkpoints keyed 1:1 by task id and
// validates them against the partial file on load.
type resumeRepository struct {
	store store.Store
	fs    afero.Fs
	log   *slog.Logger
}

func NewResumeRepository(s store.Store, fs afero.Fs, log *slog.Logger) *resumeRepository {
	return &resumeRepository{
		store: s,
		fs:    fs,
		log:   log.With(slog.String("item", "ResumeRepository")),
	}
}

func (r *resumeRepository) Save(ctx context.Context, taskID string, rd *entity.ResumeData) error {
	data, err := json.Marshal(rd)
	if err != nil {
		return fmt.Errorf("cannot marshal resume data for %s: %w", taskID, err)
	}

	if err := r.store.Put(ctx, keyPrefix+taskID, data, resumeTTL); err != nil {
		return fmt.Errorf("cannot save resume data for %s: %w", taskID, err)
	}

	return nil
}

// Load returns the checkpoint for taskID, or common.ErrKeyNotFoundError if
// none exists. A checkpoint whose partial file is missing or smaller than
// the recorded byte count is discarded and reported as
// common.ErrStaleResumeData; the caller falls back to a cold start.
func (r *resumeRepository) Load(ctx context.Context, taskID string) (*entity.ResumeData, error) {
	data, err := r.store.Get(ctx, keyPrefix+taskID)
	if err != nil {
		return nil, err
	}

	var rd entity.ResumeData
	if err := json.Unmarshal(data, &rd); err != nil {
		return nil, fmt.Errorf("cannot unmarshal resume data for %s: %w", taskID, err)
	}

	info, err := r.fs.Stat(rd.FilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, r.discard(ctx, taskID, "partial file is missing")
		}

		return nil, fmt.Errorf("cannot stat partial file for %s: %w", taskID, err)
	}

	if info.Size() < rd.DownloadedBytes {
		return nil, r.discard(ctx, taskID, "partial file is smaller than recorded")
	}

	return &rd, nil
}

func (r *resumeRepository) Clear(ctx context.Context, taskID string) error {
	if err := r.store.Delete(ctx, keyPrefix+taskID); err != nil {
		return fmt.Errorf("cannot clear resume data for %s: %w", taskID, err)
	}

	return nil
}

func (r *resumeRepository) discard(ctx context.Context, taskID, reason string) error {
	r.log.Warn("Discarding stale resume data",
		slog.String("task_id", taskID), slog.String("reason", reason))

	if err := r.Clear(ctx, taskID); err != nil {
		return err
	}

	return common.ErrStaleResumeData
}
