package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"

	"fetchqd/internal/common"
	"fetchqd/internal/entity"
	"fetchqd/internal/service/jobmanager"
	"fetchqd/internal/service/storage"
)

var (
	idRegexp = regexp.MustCompile(`^[a-f\d]{8}-[a-f\d]{4}-[a-f\d]{4}-[a-f\d]{4}-[a-f\d]{12}$`)
)

type JobService interface {
	Create(ctx context.Context, urls []string, cfg entity.FetchConfig, priority int) (string, error)
	Get(ctx context.Context, id string) (*entity.Job, error)
	Cancel(ctx context.Context, id string) (bool, error)
	Pause(ctx context.Context, id string) (bool, error)
	Resume(ctx context.Context, id string) (bool, error)
	QueueStatus(ctx context.Context) (*jobmanager.QueueStatus, error)
}

type FileService interface {
	List(ctx context.Context) ([]*storage.StoredFile, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type createJobRequest struct {
	URLs     []string           `json:"urls"`
	Config   entity.FetchConfig `json:"config"`
	Priority int                `json:"priority"`
}

func NewCreateJobHandler(srv JobService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "CreateJobHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		var req createJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Bad request", http.StatusBadRequest)

			return
		}

		id, err := srv.Create(r.Context(), req.URLs, req.Config, req.Priority)
		if err != nil {
			switch {
			case errors.Is(err, common.ErrEmptyURLListError):
				http.Error(w, "At least one url is required", http.StatusBadRequest)
			default:
				log.Error("Cannot create job", slog.Any("error", err))
				http.Error(w, "Cannot create job", http.StatusInternalServerError)
			}

			return
		}

		writeJSON(w, http.StatusCreated, map[string]string{"job_id": id})
	}
}

func NewGetJobHandler(srv JobService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "GetJobHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !idRegexp.MatchString(id) {
			http.Error(w, "Bad request", http.StatusBadRequest)

			return
		}

		job, err := srv.Get(r.Context(), id)
		if err != nil {
			switch {
			case errors.Is(err, common.ErrJobNotFoundError):
				http.Error(w, "Job not found", http.StatusNotFound)
			default:
				log.Error("Cannot get job", slog.String("job_id", id), slog.Any("error", err))
				http.Error(w, "Cannot get job", http.StatusInternalServerError)
			}

			return
		}

		writeJSON(w, http.StatusOK, job)
	}
}

// NewCancelJobHandler serves DELETE on a job. Cancelling an already finished
// job is a client error, not a server one.
func NewCancelJobHandler(srv JobService, log *slog.Logger) http.HandlerFunc {
	return newTransitionHandler("CancelJobHandler", "cancelled", srv.Cancel, log)
}

func NewPauseJobHandler(srv JobService, log *slog.Logger) http.HandlerFunc {
	return newTransitionHandler("PauseJobHandler", "paused", srv.Pause, log)
}

func NewResumeJobHandler(srv JobService, log *slog.Logger) http.HandlerFunc {
	return newTransitionHandler("ResumeJobHandler", "resumed", srv.Resume, log)
}

func newTransitionHandler(name, verb string,
	op func(ctx context.Context, id string) (bool, error), log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", name))

	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !idRegexp.MatchString(id) {
			http.Error(w, "Bad request", http.StatusBadRequest)

			return
		}

		ok, err := op(r.Context(), id)
		if err != nil {
			switch {
			case errors.Is(err, common.ErrJobNotFoundError):
				http.Error(w, "Job not found", http.StatusNotFound)
			default:
				log.Error("Cannot change job state", slog.String("job_id", id), slog.Any("error", err))
				http.Error(w, "Cannot change job state", http.StatusInternalServerError)
			}

			return
		}
		if !ok {
			http.Error(w, "Job state does not permit this", http.StatusBadRequest)

			return
		}

		writeJSON(w, http.StatusOK, map[string]any{verb: true, "job_id": id})
	}
}

func NewQueueStatusHandler(srv JobService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "QueueStatusHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		status, err := srv.QueueStatus(r.Context())
		if err != nil {
			log.Error("Cannot get queue status", slog.Any("error", err))
			http.Error(w, "Cannot get queue status", http.StatusInternalServerError)

			return
		}

		writeJSON(w, http.StatusOK, status)
	}
}

func NewFilesHandler(srv FileService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "FilesHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		files, err := srv.List(r.Context())
		if err != nil {
			log.Error("Cannot list files", slog.Any("error", err))
			http.Error(w, "Cannot list files", http.StatusInternalServerError)

			return
		}
		if files == nil {
			files = []*storage.StoredFile{}
		}

		writeJSON(w, http.StatusOK, files)
	}
}

func NewHealthHandler(p Pinger, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "HealthHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		if err := p.Ping(r.Context()); err != nil {
			log.Error("Health check failed", slog.Any("error", err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})

			return
		}

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
