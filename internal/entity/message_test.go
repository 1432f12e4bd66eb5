package entity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fetchqd/internal/common"
)

func TestServiceMessage_RoundTrip(t *testing.T) {
	msg := NewJobMessage(ServiceJobManager, MessageJobCreated, JobPayload{
		JobID:    "j1",
		URLs:     []string{"http://a", "http://b"},
		Config:   &FetchConfig{Format: "best", Extra: map[string]string{"geo_bypass": "true"}},
		Priority: 5,
	})
	msg.CorrelationID = "corr-1"

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var got ServiceMessage
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, msg.ID, got.ID)
	assert.Equal(t, MessageJobCreated, got.Type)
	assert.Equal(t, ServiceJobManager, got.Service)
	assert.Equal(t, "corr-1", got.CorrelationID)

	payload, ok := got.Payload.(JobPayload)
	require.True(t, ok, "payload must decode to JobPayload, got %T", got.Payload)
	assert.Equal(t, "j1", payload.JobID)
	assert.Equal(t, []string{"http://a", "http://b"}, payload.URLs)
	require.NotNil(t, payload.Config)
	assert.Equal(t, "best", payload.Config.Format)
	assert.Equal(t, "true", payload.Config.Extra["geo_bypass"])
}

func TestServiceMessage_DownloadPayload(t *testing.T) {
	msg := NewDownloadMessage(ServiceDownloadWorker, MessageDownloadProgress, DownloadPayload{
		TaskID:   "j1_task_0",
		Progress: 42.5,
		Speed:    1024,
		ETA:      30,
	})

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var got ServiceMessage
	require.NoError(t, json.Unmarshal(data, &got))

	payload, ok := got.Payload.(DownloadPayload)
	require.True(t, ok)
	assert.Equal(t, "j1_task_0", payload.TaskID)
	assert.Equal(t, 42.5, payload.Progress)
}

func TestServiceMessage_UnknownTypeRejected(t *testing.T) {
	raw := `{"message_id":"m1","message_type":"bogus","service":"x","timestamp":"2025-01-01T00:00:00Z","payload":{}}`

	var got ServiceMessage
	err := json.Unmarshal([]byte(raw), &got)
	assert.ErrorIs(t, err, common.ErrUnknownMessageType)
}

func TestServiceMessage_StoragePayload(t *testing.T) {
	msg := NewStorageMessage(MessageStorageCleanup, StoragePayload{
		Operation:    "cleanup",
		DeletedCount: 7,
		Days:         30,
	})

	data, err := json.Marshal(msg)
	require.NoError(t, err)

	var got ServiceMessage
	require.NoError(t, json.Unmarshal(data, &got))

	payload, ok := got.Payload.(StoragePayload)
	require.True(t, ok)
	assert.Equal(t, 7, payload.DeletedCount)
	assert.Equal(t, ServiceStorage, got.Service)
}
