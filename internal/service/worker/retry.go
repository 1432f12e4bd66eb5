package worker

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"
)

const (
	defaultBaseDelay   = 1 * time.Second
	defaultLiveDelay   = 5 * time.Second
	defaultMaxDelay    = 5 * time.Minute
	defaultMaxAttempts = 5
	liveMaxAttempts    = 10
)

// transientSignatures mark errors worth a backoff-and-retry. Everything
// else is fatal for the task.
var transientSignatures = []string{
	"429",
	"too many requests",
	"rate limit",
	"502",
	"503",
	"504",
	"gateway",
	"connection reset",
	"timed out",
	"timeout",
	"temporary failure",
	"fragment not available",
	"fragment unavailable",
}

// liveSignatures extend the transient set for live-stream sources, where a
// gap in the stream is the norm rather than a failure.
var liveSignatures = []string{
	"stream ended",
	"stream offline",
	"fragment",
}

type retryPolicy struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	live        bool
}

func newRetryPolicy(cfg Config, live bool) retryPolicy {
	p := retryPolicy{
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		maxAttempts: cfg.MaxAttempts,
		live:        live,
	}
	if live {
		p.baseDelay = cfg.LiveBaseDelay
		p.maxAttempts = cfg.LiveMaxAttempts
	}

	return p
}

func (p retryPolicy) retryable(err error) bool {
	if err == nil {
		return false
	}

	text := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(text, sig) {
			return true
		}
	}

	if p.live {
		for _, sig := range liveSignatures {
			if strings.Contains(text, sig) {
				return true
			}
		}
	}

	return false
}

// delay computes base * 2^attempt * jitter with jitter uniform in
// [0.5, 1.5), capped at maxDelay.
func (p retryPolicy) delay(attempt int) time.Duration {
	jitter := 0.5 + rand.Float64()
	d := float64(p.baseDelay) * math.Pow(2, float64(attempt)) * jitter
	if d > float64(p.maxDelay) {
		return p.maxDelay
	}

	return time.Duration(d)
}

// wait sleeps for the attempt's backoff delay, aborting immediately if ctx
// is cancelled mid-sleep.
func (p retryPolicy) wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.delay(attempt))
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
