package job

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fetchqd/internal/common"
	"fetchqd/internal/entity"
	"fetchqd/internal/store"
)

func newRepo() *jobRepository {
	return NewJobRepository(store.NewMemoryStore(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestJobRepository_RoundTrip(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	job := entity.NewJob("j1", []string{"http://a", "http://b"}, entity.FetchConfig{
		Format:    "best",
		AudioOnly: true,
		RateLimit: 500_000,
		Extra:     map[string]string{"geo_bypass": "true", "referer": "http://example.com"},
	}, 5)
	job.Status = entity.StatusRunning
	job.StartedAt = &started
	job.Progress = 37.5
	job.RetryCount = 1
	job.MaxRetries = 3
	job.Error = "previous attempt failed"

	require.NoError(t, repo.Save(ctx, job))

	got, err := repo.Load(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, job, got)
}

func TestJobRepository_LoadMissing(t *testing.T) {
	repo := newRepo()

	_, err := repo.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, common.ErrJobNotFoundError)
}

func TestJobRepository_QueueFIFOWithinPriority(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	a := entity.NewJob("a", []string{"u"}, entity.FetchConfig{}, 5)
	b := entity.NewJob("b", []string{"u"}, entity.FetchConfig{}, 5)
	urgent := entity.NewJob("urgent", []string{"u"}, entity.FetchConfig{}, 1)

	require.NoError(t, repo.Enqueue(ctx, a))
	require.NoError(t, repo.Enqueue(ctx, b))
	require.NoError(t, repo.Enqueue(ctx, urgent))

	members, err := repo.store.ZRange(ctx, queueKey, 0, -1)
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, "urgent", members[0].Value)
	assert.Equal(t, "a", members[1].Value)
	assert.Equal(t, "b", members[2].Value)
}

func TestJobRepository_ActiveSkipsTerminal(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	running := entity.NewJob("running", []string{"u"}, entity.FetchConfig{}, 1)
	running.Status = entity.StatusRunning
	paused := entity.NewJob("paused", []string{"u"}, entity.FetchConfig{}, 1)
	paused.Status = entity.StatusPaused
	done := entity.NewJob("done", []string{"u"}, entity.FetchConfig{}, 1)
	done.Status = entity.StatusCompleted

	require.NoError(t, repo.Save(ctx, running))
	require.NoError(t, repo.Save(ctx, paused))
	require.NoError(t, repo.Save(ctx, done))

	jobs, err := repo.Active(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	ids := []string{jobs[0].ID, jobs[1].ID}
	assert.Contains(t, ids, "running")
	assert.Contains(t, ids, "paused")
}

func TestJobRepository_Reconcile(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	live := entity.NewJob("live", []string{"u"}, entity.FetchConfig{}, 1)
	live.Status = entity.StatusQueued
	done := entity.NewJob("done", []string{"u"}, entity.FetchConfig{}, 1)
	done.Status = entity.StatusCompleted

	require.NoError(t, repo.Save(ctx, live))
	require.NoError(t, repo.Save(ctx, done))
	require.NoError(t, repo.Enqueue(ctx, live))
	require.NoError(t, repo.Enqueue(ctx, done))

	// expired record still sitting in the queue
	gone := entity.NewJob("gone", []string{"u"}, entity.FetchConfig{}, 1)
	require.NoError(t, repo.Enqueue(ctx, gone))

	removed, err := repo.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	n, err := repo.QueueLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
