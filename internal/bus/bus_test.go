package bus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"fetchqd/internal/entity"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBus_DispatchOrder(t *testing.T) {
	b := New(nil, testLogger())

	var calls []string
	b.Subscribe(entity.MessageJobCreated, func(ctx context.Context, msg *entity.ServiceMessage) error {
		calls = append(calls, "first")
		return nil
	})
	b.Subscribe(entity.MessageJobCreated, func(ctx context.Context, msg *entity.ServiceMessage) error {
		calls = append(calls, "second")
		return nil
	})

	msg := entity.NewJobMessage(entity.ServiceJobManager, entity.MessageJobCreated, entity.JobPayload{JobID: "j1"})
	b.Dispatch(context.Background(), msg)

	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestBus_DispatchHandlerFailureDoesNotBlockOthers(t *testing.T) {
	b := New(nil, testLogger())

	var reached bool
	b.Subscribe(entity.MessageJobFailed, func(ctx context.Context, msg *entity.ServiceMessage) error {
		return fmt.Errorf("boom")
	})
	b.Subscribe(entity.MessageJobFailed, func(ctx context.Context, msg *entity.ServiceMessage) error {
		reached = true
		return nil
	})

	msg := entity.NewJobMessage(entity.ServiceJobManager, entity.MessageJobFailed, entity.JobPayload{JobID: "j1"})
	b.Dispatch(context.Background(), msg)

	assert.True(t, reached)
}

func TestBus_DispatchUnsubscribedTypeIsNoop(t *testing.T) {
	b := New(nil, testLogger())

	msg := entity.NewStorageMessage(entity.MessageStorageCleanup, entity.StoragePayload{Operation: "cleanup"})
	b.Dispatch(context.Background(), msg)
}
