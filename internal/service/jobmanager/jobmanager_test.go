package jobmanager

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fetchqd/internal/common"
	"fetchqd/internal/entity"
	"fetchqd/internal/repository/claim"
	"fetchqd/internal/repository/job"
	"fetchqd/internal/store"
)

type busRecorder struct {
	mu   sync.Mutex
	msgs []*entity.ServiceMessage
}

func (b *busRecorder) Publish(_ context.Context, msg *entity.ServiceMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.msgs = append(b.msgs, msg)

	return nil
}

func (b *busRecorder) ofType(mt entity.MessageType) []*entity.ServiceMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []*entity.ServiceMessage
	for _, m := range b.msgs {
		if m.Type == mt {
			out = append(out, m)
		}
	}

	return out
}

// testClaims widens JobClaims with the worker-side acquire, so tests can
// plant claims the way a worker would.
type testClaims interface {
	JobClaims
	Acquire(ctx context.Context, jobID, ownerID string, ttl time.Duration) (bool, error)
}

type fixture struct {
	mgr    *jobManager
	bus    *busRecorder
	repo   JobRepository
	claims testClaims
}

func newFixture() *fixture {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st := store.NewMemoryStore()
	bus := &busRecorder{}
	repo := job.NewJobRepository(st, log)
	claims := claim.NewClaimRepository(st, log)

	return &fixture{
		mgr:    NewJobManager(repo, claims, st, bus, log),
		bus:    bus,
		repo:   repo,
		claims: claims,
	}
}

func TestJobManager_CreateRejectsEmptyURLList(t *testing.T) {
	f := newFixture()

	_, err := f.mgr.Create(context.Background(), nil, entity.FetchConfig{}, 5)
	assert.ErrorIs(t, err, common.ErrEmptyURLListError)
	assert.Empty(t, f.bus.msgs)
}

func TestJobManager_Create(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	id, err := f.mgr.Create(ctx, []string{"http://a", "http://b"}, entity.FetchConfig{Format: "best"}, 2)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := f.mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusQueued, got.Status)
	assert.Equal(t, 3, got.MaxRetries, "default retry budget applies")

	status, err := f.mgr.QueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.QueueLength)
	assert.Equal(t, 1, status.ActiveJobs)

	created := f.bus.ofType(entity.MessageJobCreated)
	require.Len(t, created, 1)
	p := created[0].Payload.(entity.JobPayload)
	assert.Equal(t, id, p.JobID)
	assert.Equal(t, []string{"http://a", "http://b"}, p.URLs)
	assert.Equal(t, 2, p.Priority)
}

func TestJobManager_PauseOnlyWhenRunning(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	id, err := f.mgr.Create(ctx, []string{"http://a"}, entity.FetchConfig{}, 5)
	require.NoError(t, err)

	ok, err := f.mgr.Pause(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "queued jobs cannot pause")

	require.NoError(t, f.mgr.HandleJobStarted(ctx, entity.NewJobMessage(
		entity.ServiceDownloadWorker, entity.MessageJobStarted, entity.JobPayload{JobID: id})))

	ok, err = f.mgr.Pause(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := f.mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPaused, got.Status)
	assert.Len(t, f.bus.ofType(entity.MessageJobPause), 1)
}

func TestJobManager_ResumeRequeues(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	id, err := f.mgr.Create(ctx, []string{"http://a"}, entity.FetchConfig{}, 5)
	require.NoError(t, err)

	require.NoError(t, f.mgr.HandleJobStarted(ctx, entity.NewJobMessage(
		entity.ServiceDownloadWorker, entity.MessageJobStarted, entity.JobPayload{JobID: id})))

	ok, err := f.mgr.Resume(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "only paused jobs resume")

	_, err = f.mgr.Pause(ctx, id)
	require.NoError(t, err)

	ok, err = f.mgr.Resume(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := f.mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusQueued, got.Status)

	status, err := f.mgr.QueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.QueueLength)
	assert.Len(t, f.bus.ofType(entity.MessageJobResume), 1)
}

func TestJobManager_CancelIsIdempotent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	id, err := f.mgr.Create(ctx, []string{"http://a"}, entity.FetchConfig{}, 5)
	require.NoError(t, err)

	ok, err := f.mgr.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.mgr.Cancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "terminal jobs report false, not an error")

	got, err := f.mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCancelled, got.Status)

	status, err := f.mgr.QueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.QueueLength)
	assert.Len(t, f.bus.ofType(entity.MessageJobCancelled), 1)
}

func TestJobManager_HandleJobStartedDuplicate(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	id, err := f.mgr.Create(ctx, []string{"http://a"}, entity.FetchConfig{}, 5)
	require.NoError(t, err)

	msg := entity.NewJobMessage(entity.ServiceDownloadWorker,
		entity.MessageJobStarted, entity.JobPayload{JobID: id})
	require.NoError(t, f.mgr.HandleJobStarted(ctx, msg))
	require.NoError(t, f.mgr.HandleJobStarted(ctx, msg))

	got, err := f.mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusRunning, got.Status)
	require.NotNil(t, got.StartedAt)
}

func TestJobManager_HandleJobProgress(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	id, err := f.mgr.Create(ctx, []string{"http://a"}, entity.FetchConfig{}, 5)
	require.NoError(t, err)

	require.NoError(t, f.mgr.HandleJobProgress(ctx, entity.NewJobMessage(
		entity.ServiceDownloadWorker, entity.MessageJobProgress,
		entity.JobPayload{JobID: id, Progress: 42.5})))

	got, err := f.mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 42.5, got.Progress, 0.001)
}

func TestJobManager_HandleJobCompleted(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	id, err := f.mgr.Create(ctx, []string{"http://a"}, entity.FetchConfig{}, 5)
	require.NoError(t, err)

	require.NoError(t, f.mgr.HandleJobStarted(ctx, entity.NewJobMessage(
		entity.ServiceDownloadWorker, entity.MessageJobStarted, entity.JobPayload{JobID: id})))

	msg := entity.NewJobMessage(entity.ServiceDownloadWorker,
		entity.MessageJobCompleted, entity.JobPayload{JobID: id})
	require.NoError(t, f.mgr.HandleJobCompleted(ctx, msg))
	require.NoError(t, f.mgr.HandleJobCompleted(ctx, msg), "re-delivery is a no-op")

	got, err := f.mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCompleted, got.Status)
	assert.InDelta(t, 100.0, got.Progress, 0.001)
	require.NotNil(t, got.CompletedAt)
}

func TestJobManager_PauseResumeThenComplete(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	id, err := f.mgr.Create(ctx, []string{"http://a", "http://b"}, entity.FetchConfig{}, 5)
	require.NoError(t, err)

	started := func() {
		require.NoError(t, f.mgr.HandleJobStarted(ctx, entity.NewJobMessage(
			entity.ServiceDownloadWorker, entity.MessageJobStarted, entity.JobPayload{JobID: id})))
	}

	started()

	ok, err := f.mgr.Pause(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.mgr.Resume(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	// the worker re-announces itself when it picks the job back up
	started()

	require.NoError(t, f.mgr.HandleJobCompleted(ctx, entity.NewJobMessage(
		entity.ServiceDownloadWorker, entity.MessageJobCompleted, entity.JobPayload{JobID: id})))

	got, err := f.mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusCompleted, got.Status)
	assert.InDelta(t, 100.0, got.Progress, 0.001)

	status, err := f.mgr.QueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.QueueLength)
	assert.Equal(t, 0, status.ActiveJobs)
}

func TestJobManager_HandleJobFailedDuplicateDelivery(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	id, err := f.mgr.Create(ctx, []string{"http://a"}, entity.FetchConfig{MaxRetries: 3}, 5)
	require.NoError(t, err)

	require.NoError(t, f.mgr.HandleJobStarted(ctx, entity.NewJobMessage(
		entity.ServiceDownloadWorker, entity.MessageJobStarted, entity.JobPayload{JobID: id})))

	msg := entity.NewJobMessage(entity.ServiceDownloadWorker, entity.MessageJobFailed,
		entity.JobPayload{JobID: id, Error: "completed 0/1 tasks"})
	require.NoError(t, f.mgr.HandleJobFailed(ctx, msg))
	require.NoError(t, f.mgr.HandleJobFailed(ctx, msg), "redelivery is dropped")

	got, err := f.mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount, "one failure burns one retry")
	assert.Len(t, f.bus.ofType(entity.MessageJobCreated), 2, "one create, one retry")

	status, err := f.mgr.QueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.QueueLength)
}

func TestJobManager_RecoverAfterRestart(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	seed := func(id string, status entity.JobStatus) {
		j := entity.NewJob(id, []string{"http://" + id}, entity.FetchConfig{}, 5)
		j.Status = status
		require.NoError(t, f.repo.Save(ctx, j))
	}

	seed("orphan", entity.StatusRunning) // claim expired with its worker
	seed("held", entity.StatusRunning)   // another worker is still on it
	seed("mine", entity.StatusRunning)   // claimed by this process before the restart
	seed("napping", entity.StatusPaused)
	seed("done", entity.StatusCompleted)

	ok, err := f.claims.Acquire(ctx, "held", "other-worker", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = f.claims.Acquire(ctx, "mine", "w1", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := f.mgr.Recover(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for id, want := range map[string]entity.JobStatus{
		"orphan":  entity.StatusQueued,
		"held":    entity.StatusRunning,
		"mine":    entity.StatusQueued,
		"napping": entity.StatusPaused,
		"done":    entity.StatusCompleted,
	} {
		got, err := f.mgr.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, id)
	}

	_, err = f.claims.Holder(ctx, "mine")
	assert.ErrorIs(t, err, common.ErrKeyNotFoundError, "stale own claim is released")

	created := f.bus.ofType(entity.MessageJobCreated)
	require.Len(t, created, 2)

	status, err := f.mgr.QueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), status.QueueLength)
	assert.Equal(t, 4, status.ActiveJobs, "every non-terminal job is tracked again")
}

func TestJobManager_HandleJobFailedRetriesThenFails(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	id, err := f.mgr.Create(ctx, []string{"http://a"}, entity.FetchConfig{MaxRetries: 2}, 5)
	require.NoError(t, err)

	fail := func() {
		require.NoError(t, f.mgr.HandleJobStarted(ctx, entity.NewJobMessage(
			entity.ServiceDownloadWorker, entity.MessageJobStarted, entity.JobPayload{JobID: id})))
		require.NoError(t, f.mgr.HandleJobFailed(ctx, entity.NewJobMessage(
			entity.ServiceDownloadWorker, entity.MessageJobFailed,
			entity.JobPayload{JobID: id, Error: "completed 0/1 tasks"})))
	}

	fail()

	got, err := f.mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusQueued, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Len(t, f.bus.ofType(entity.MessageJobCreated), 2, "retry re-announces the job")

	fail()

	got, err = f.mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "completed 0/1 tasks", got.Error)

	status, err := f.mgr.QueueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), status.QueueLength)

	// stray duplicate after the terminal write changes nothing
	require.NoError(t, f.mgr.HandleJobFailed(ctx, entity.NewJobMessage(
		entity.ServiceDownloadWorker, entity.MessageJobFailed,
		entity.JobPayload{JobID: id, Error: "late duplicate"})))

	got, err = f.mgr.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, entity.StatusFailed, got.Status)
	assert.Equal(t, "completed 0/1 tasks", got.Error)
}
