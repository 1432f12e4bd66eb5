package entity

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fetchqd/internal/common"
)

type MessageType string

const (
	MessageJobCreated   MessageType = "job_created"
	MessageJobStarted   MessageType = "job_started"
	MessageJobProgress  MessageType = "job_progress"
	MessageJobCompleted MessageType = "job_completed"
	MessageJobFailed    MessageType = "job_failed"
	MessageJobCancelled MessageType = "job_cancelled"
	MessageJobPause     MessageType = "job_pause"
	MessageJobResume    MessageType = "job_resume"

	MessageDownloadStarted   MessageType = "download_started"
	MessageDownloadProgress  MessageType = "download_progress"
	MessageDownloadCompleted MessageType = "download_completed"
	MessageDownloadFailed    MessageType = "download_failed"
	MessageDownloadResume    MessageType = "download_resume"

	MessageStorageUpload  MessageType = "storage_upload"
	MessageStorageDelete  MessageType = "storage_delete"
	MessageStorageCleanup MessageType = "storage_cleanup"

	MessageHealthCheck MessageType = "health_check"
)

const (
	ServiceJobManager     = "job-manager"
	ServiceDownloadWorker = "download-worker"
	ServiceStorage        = "storage-coordinator"
)

// Payload is the closed set of message payload kinds. Messages are decoded
// into their concrete payload exactly once, at the bus boundary.
type Payload interface {
	isPayload()
}

type JobPayload struct {
	JobID    string       `json:"job_id"`
	URLs     []string     `json:"urls,omitempty"`
	Config   *FetchConfig `json:"config,omitempty"`
	Priority int          `json:"priority,omitempty"`
	Progress float64      `json:"progress,omitempty"`
	Error    string       `json:"error,omitempty"`
}

type DownloadPayload struct {
	TaskID     string            `json:"task_id"`
	JobID      string            `json:"job_id,omitempty"`
	Progress   float64           `json:"progress,omitempty"`
	Speed      float64           `json:"speed,omitempty"` // bytes per second
	ETA        float64           `json:"eta,omitempty"`   // seconds
	FilePath   string            `json:"file_path,omitempty"`
	FileSize   int64             `json:"file_size,omitempty"`
	RetryCount int               `json:"retry_count,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Error      string            `json:"error,omitempty"`
}

type StoragePayload struct {
	Operation    string            `json:"operation"`
	FilePath     string            `json:"file_path,omitempty"`
	OriginalName string            `json:"original_name,omitempty"`
	FileHash     string            `json:"file_hash,omitempty"`
	JobID        string            `json:"job_id,omitempty"`
	DeletedCount int               `json:"deleted_count,omitempty"`
	Days         int               `json:"days,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type HealthPayload struct {
	Service string `json:"service"`
	Status  string `json:"status"`
}

func (JobPayload) isPayload()      {}
func (DownloadPayload) isPayload() {}
func (StoragePayload) isPayload()  {}
func (HealthPayload) isPayload()   {}

// ServiceMessage is the immutable envelope carried by the bus.
type ServiceMessage struct {
	ID            string
	Type          MessageType
	Service       string
	Timestamp     time.Time
	CorrelationID string
	Payload       Payload
}

type envelope struct {
	MessageID     string          `json:"message_id"`
	MessageType   MessageType     `json:"message_type"`
	Service       string          `json:"service"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

func (m ServiceMessage) MarshalJSON() ([]byte, error) {
	payload, err := json.Marshal(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("cannot marshal payload: %w", err)
	}

	return json.Marshal(envelope{
		MessageID:     m.ID,
		MessageType:   m.Type,
		Service:       m.Service,
		Timestamp:     m.Timestamp,
		CorrelationID: m.CorrelationID,
		Payload:       payload,
	})
}

func (m *ServiceMessage) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("cannot unmarshal message envelope: %w", err)
	}

	payload, err := decodePayload(env.MessageType, env.Payload)
	if err != nil {
		return err
	}

	m.ID = env.MessageID
	m.Type = env.MessageType
	m.Service = env.Service
	m.Timestamp = env.Timestamp
	m.CorrelationID = env.CorrelationID
	m.Payload = payload

	return nil
}

func decodePayload(t MessageType, data json.RawMessage) (Payload, error) {
	switch t {
	case MessageJobCreated, MessageJobStarted, MessageJobProgress, MessageJobCompleted,
		MessageJobFailed, MessageJobCancelled, MessageJobPause, MessageJobResume:
		var p JobPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("cannot unmarshal job payload: %w", err)
		}

		return p, nil
	case MessageDownloadStarted, MessageDownloadProgress, MessageDownloadCompleted,
		MessageDownloadFailed, MessageDownloadResume:
		var p DownloadPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("cannot unmarshal download payload: %w", err)
		}

		return p, nil
	case MessageStorageUpload, MessageStorageDelete, MessageStorageCleanup:
		var p StoragePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("cannot unmarshal storage payload: %w", err)
		}

		return p, nil
	case MessageHealthCheck:
		var p HealthPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("cannot unmarshal health payload: %w", err)
		}

		return p, nil
	}

	return nil, fmt.Errorf("%w: %s", common.ErrUnknownMessageType, t)
}

// NewJobMessage builds a job lifecycle message. Handlers route on the
// payload's job id, never on the envelope.
func NewJobMessage(service string, t MessageType, p JobPayload) *ServiceMessage {
	return &ServiceMessage{
		ID:        uuid.NewString(),
		Type:      t,
		Service:   service,
		Timestamp: time.Now().UTC(),
		Payload:   p,
	}
}

func NewDownloadMessage(service string, t MessageType, p DownloadPayload) *ServiceMessage {
	return &ServiceMessage{
		ID:        uuid.NewString(),
		Type:      t,
		Service:   service,
		Timestamp: time.Now().UTC(),
		Payload:   p,
	}
}

func NewStorageMessage(t MessageType, p StoragePayload) *ServiceMessage {
	return &ServiceMessage{
		ID:        uuid.NewString(),
		Type:      t,
		Service:   ServiceStorage,
		Timestamp: time.Now().UTC(),
		Payload:   p,
	}
}

func NewHealthMessage(service, status string) *ServiceMessage {
	return &ServiceMessage{
		ID:        uuid.NewString(),
		Type:      MessageHealthCheck,
		Service:   service,
		Timestamp: time.Now().UTC(),
		Payload:   HealthPayload{Service: service, Status: status},
	}
}
