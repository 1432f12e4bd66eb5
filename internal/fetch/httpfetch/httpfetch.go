package httpfetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"fetchqd/internal/fetch"
)

const (
	partSuffix       = ".part"
	copyBufferSize   = 32 * 1024
	progressInterval = 500 * time.Millisecond
)

// engine fetches plain HTTP(S) sources with range-request resume. When a
// checkpoint carries an offset, the request asks for the byte tail and the
// checkpoint's ETag guards against the source having changed; a 200 reply
// to a ranged request means the source no longer supports or matches the
// range, and the fetch falls back to a cold start.
type engine struct {
	client *http.Client
	fs     afero.Fs
	log    *slog.Logger
}

func New(fs afero.Fs, log *slog.Logger) *engine {
	return &engine{
		client: &http.Client{}, // no overall deadline, bodies stream for hours
		fs:     fs,
		log:    log.With(slog.String("item", "HTTPFetchEngine")),
	}
}

func (e *engine) Fetch(ctx context.Context, rawURL string, opts fetch.Options) *fetch.Stream {
	st := fetch.NewStream(1)
	go e.run(ctx, rawURL, opts, st)

	return st
}

func (e *engine) run(ctx context.Context, rawURL string, opts fetch.Options, st *fetch.Stream) {
	dest := filepath.Join(opts.DestDir, destName(rawURL, opts))
	part := dest + partSuffix

	var (
		offset int64
		etag   string
	)
	if opts.Resume != nil && opts.Resume.DownloadedBytes > 0 {
		offset = opts.Resume.DownloadedBytes
		etag = opts.Resume.ETag
		part = opts.Resume.FilePath
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		st.Finish(nil, fmt.Errorf("cannot build request: %w", err))

		return
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
		if etag != "" {
			req.Header.Set("If-Range", etag)
		}
	}
	if opts.Config.Auth != "" {
		req.Header.Set("Authorization", opts.Config.Auth)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		st.Finish(nil, fmt.Errorf("request failed: %w", err))

		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		if offset > 0 {
			e.log.Info("Source ignored range request, restarting from zero",
				slog.String("url", rawURL))
			offset = 0
		}
	case http.StatusPartialContent:
	default:
		st.Finish(nil, fmt.Errorf("server returned %s", resp.Status))

		return
	}

	total := offset + resp.ContentLength
	if resp.ContentLength < 0 {
		total = 0
	}

	if err := e.fs.MkdirAll(filepath.Dir(part), 0o755); err != nil {
		st.Finish(nil, fmt.Errorf("cannot create destination dir: %w", err))

		return
	}

	file, err := e.openPart(part, offset)
	if err != nil {
		st.Finish(nil, err)

		return
	}

	// first event lands before any bytes move, so the caller always knows
	// where the partial file lives and which validator its bytes belong to
	st.Emit(ctx, fetch.Progress{
		FilePath:        part,
		ETag:            resp.Header.Get("ETag"),
		DownloadedBytes: offset,
		TotalBytes:      total,
	})

	written, err := e.copyBody(ctx, st, part, file, resp, offset, total, opts.Config.RateLimit)
	closeErr := file.Close()
	if err != nil {
		st.Finish(nil, err)

		return
	}
	if closeErr != nil {
		st.Finish(nil, fmt.Errorf("cannot close partial file: %w", closeErr))

		return
	}

	if err := e.fs.Rename(part, dest); err != nil {
		st.Finish(nil, fmt.Errorf("cannot move artifact into place: %w", err))

		return
	}

	st.Finish(&fetch.Result{
		FilePath: dest,
		FileSize: written,
		Metadata: map[string]string{
			"content_type": resp.Header.Get("Content-Type"),
			"etag":         resp.Header.Get("ETag"),
		},
	}, nil)
}

// openPart prepares the partial file at the resume offset. Anything past
// the offset is unverified tail from an interrupted write and gets cut.
func (e *engine) openPart(part string, offset int64) (afero.File, error) {
	file, err := e.fs.OpenFile(part, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot open partial file: %w", err)
	}

	if err := file.Truncate(offset); err != nil {
		file.Close()

		return nil, fmt.Errorf("cannot truncate partial file: %w", err)
	}

	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		file.Close()

		return nil, fmt.Errorf("cannot seek partial file: %w", err)
	}

	return file, nil
}

func (e *engine) copyBody(ctx context.Context, st *fetch.Stream, part string, file afero.File,
	resp *http.Response, offset, total, rateLimit int64) (int64, error) {

	buf := make([]byte, copyBufferSize)
	downloaded := offset

	start := time.Now()
	lastEmit := start
	lastBytes := downloaded

	for {
		if err := ctx.Err(); err != nil {
			return downloaded, err
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, err := file.Write(buf[:n]); err != nil {
				return downloaded, fmt.Errorf("cannot write partial file: %w", err)
			}
			downloaded += int64(n)

			if rateLimit > 0 {
				throttle(ctx, downloaded-offset, start, rateLimit)
			}

			if now := time.Now(); now.Sub(lastEmit) >= progressInterval {
				st.Emit(ctx, progressAt(part, downloaded, total, lastBytes, now.Sub(lastEmit)))
				lastEmit = now
				lastBytes = downloaded
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}

			return downloaded, fmt.Errorf("read failed: %w", readErr)
		}
	}

	return downloaded, nil
}

func progressAt(part string, downloaded, total, lastBytes int64, window time.Duration) fetch.Progress {
	p := fetch.Progress{FilePath: part, DownloadedBytes: downloaded, TotalBytes: total}

	if window > 0 {
		p.Speed = float64(downloaded-lastBytes) / window.Seconds()
	}
	if total > 0 {
		p.Percent = float64(downloaded) / float64(total) * 100
		if p.Speed > 0 {
			p.ETA = float64(total-downloaded) / p.Speed
		}
	}

	return p
}

// throttle sleeps just enough to keep the average transfer rate at or
// below limit bytes per second.
func throttle(ctx context.Context, transferred int64, start time.Time, limit int64) {
	expected := time.Duration(float64(transferred) / float64(limit) * float64(time.Second))
	excess := expected - time.Since(start)
	if excess <= 0 {
		return
	}

	t := time.NewTimer(excess)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func destName(rawURL string, opts fetch.Options) string {
	if opts.Config.OutputTemplate != "" {
		return opts.Config.OutputTemplate
	}

	u, err := url.Parse(rawURL)
	if err == nil {
		if name := path.Base(u.Path); name != "" && name != "." && name != "/" {
			return name
		}
	}

	return "download"
}
