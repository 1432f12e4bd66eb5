package entity

import "fmt"

// Task is the unit of work for a single URL within a job. Tasks live only
// inside a worker process; nothing but resume checkpoints survives a crash.
type Task struct {
	ID              string
	JobID           string
	URL             string
	Status          JobStatus
	Progress        float64
	DownloadedBytes int64
	FilePath        string
	FileSize        int64
	ETag            string
	RetryCount      int
	Error           string
	Metadata        map[string]string
}

// TaskID derives the task identifier from its job and position, so a second
// expansion of the same job yields the same ids.
func TaskID(jobID string, index int) string {
	return fmt.Sprintf("%s_task_%d", jobID, index)
}

// ExpandJob turns a job into its ordered task list.
func ExpandJob(job *Job) []*Task {
	tasks := make([]*Task, 0, len(job.URLs))
	for i, url := range job.URLs {
		tasks = append(tasks, &Task{
			ID:     TaskID(job.ID, i),
			JobID:  job.ID,
			URL:    url,
			Status: StatusQueued,
		})
	}

	return tasks
}
