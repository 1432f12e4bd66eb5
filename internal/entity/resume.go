package entity

import "time"

// ResumeData allows an interrupted task to continue without re-fetching
// already-obtained bytes. EngineState is opaque and replayed to the fetch
// engine verbatim.
type ResumeData struct {
	URL             string         `json:"url"`
	FilePath        string         `json:"file_path"`
	DownloadedBytes int64          `json:"downloaded_bytes"`
	TotalBytes      int64          `json:"total_bytes,omitempty"`
	LastModified    time.Time      `json:"last_modified"`
	ETag            string         `json:"etag,omitempty"`
	EngineState     map[string]any `json:"engine_state,omitempty"`
}
