package fetch

import (
	"context"

	"fetchqd/internal/entity"
)

// Progress is one point-in-time report from an engine. Byte counters are
// monotonically non-decreasing within a single fetch.
type Progress struct {
	FilePath        string // partial artifact on disk, for checkpointing
	ETag            string // source validator, checkpointed for If-Range
	DownloadedBytes int64
	TotalBytes      int64   // 0 if unknown
	Percent         float64 // 0-100, 0 if total is unknown
	Speed           float64 // bytes per second
	ETA             float64 // seconds, 0 if unknown
}

// Result is the terminal success report.
type Result struct {
	FilePath string
	FileSize int64
	Metadata map[string]string
}

// Options carries everything an engine needs beyond the URL. Resume, when
// set, is replayed to the engine verbatim; the engine decides how much of
// it applies.
type Options struct {
	Config  entity.FetchConfig
	DestDir string
	Resume  *entity.ResumeData
}

// Engine resolves a source URL into a local artifact. Implementations emit
// zero or more Progress events followed by exactly one terminal outcome,
// and must honor ctx cancellation within their read loop.
type Engine interface {
	Fetch(ctx context.Context, url string, opts Options) *Stream
}

// Stream is the consumer side of one fetch: a progress channel plus a
// terminal result. The progress channel is closed before Wait unblocks, so
// started -> progress* -> terminal ordering holds for every task.
type Stream struct {
	progress chan Progress
	done     chan struct{}
	result   *Result
	err      error
}

func NewStream(buffer int) *Stream {
	return &Stream{
		progress: make(chan Progress, buffer),
		done:     make(chan struct{}),
	}
}

// Progress returns the event channel. The consumer must drain it; sends
// block, which is what gives the engine backpressure.
func (s *Stream) Progress() <-chan Progress {
	return s.progress
}

// Wait blocks until the fetch terminates and returns its outcome.
func (s *Stream) Wait() (*Result, error) {
	<-s.done

	return s.result, s.err
}

// Emit delivers one progress event, abandoning the send if ctx is done.
func (s *Stream) Emit(ctx context.Context, p Progress) {
	select {
	case s.progress <- p:
	case <-ctx.Done():
	}
}

// Finish records the terminal outcome. Exactly one of result and err should
// be set; calling Finish twice is a bug in the engine.
func (s *Stream) Finish(result *Result, err error) {
	s.result = result
	s.err = err
	close(s.progress)
	close(s.done)
}
