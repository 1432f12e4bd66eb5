package entity

import (
	"time"
)

type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusPaused    JobStatus = "paused"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal reports whether the status admits no further transitions.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func (s JobStatus) IsActive() bool {
	return s == StatusQueued || s == StatusRunning || s == StatusPaused
}

var validTransitions = map[JobStatus][]JobStatus{
	StatusPending: {StatusQueued, StatusCancelled},
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusPaused, StatusCompleted, StatusFailed, StatusQueued, StatusCancelled},
	StatusPaused:  {StatusQueued, StatusCancelled},
}

// CanTransitionTo reports whether to is a legal next status. Terminal
// statuses never transition again.
func (s JobStatus) CanTransitionTo(to JobStatus) bool {
	for _, t := range validTransitions[s] {
		if t == to {
			return true
		}
	}

	return false
}

// Job is a user-submitted request to fetch one or more URLs under one
// configuration. It is owned by the job manager and mutated only through
// its state-transition methods.
type Job struct {
	ID          string         `json:"id"`
	URLs        []string       `json:"urls"`
	Config      FetchConfig    `json:"config"`
	Status      JobStatus      `json:"status"`
	Priority    int            `json:"priority"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Progress    float64        `json:"progress"`
	Error       string         `json:"error,omitempty"`
	RetryCount  int            `json:"retry_count"`
	MaxRetries  int            `json:"max_retries"`
	ResumeData  map[string]any `json:"resume_data,omitempty"`
}

func NewJob(id string, urls []string, cfg FetchConfig, priority int) *Job {
	return &Job{
		ID:         id,
		URLs:       urls,
		Config:     cfg,
		Status:     StatusPending,
		Priority:   priority,
		CreatedAt:  time.Now().UTC(),
		MaxRetries: cfg.MaxRetries,
	}
}

// Transition moves the job to the given status, returning false if the
// edge is not in the state machine. Timestamps and progress are adjusted
// on the edges that own them.
func (j *Job) Transition(to JobStatus) bool {
	if !j.Status.CanTransitionTo(to) {
		return false
	}

	now := time.Now().UTC()
	switch to {
	case StatusRunning:
		if j.StartedAt == nil {
			j.StartedAt = &now
		}
	case StatusCompleted:
		j.CompletedAt = &now
		j.Progress = 100.0
	case StatusFailed, StatusCancelled:
		j.CompletedAt = &now
	}

	j.Status = to

	return true
}
