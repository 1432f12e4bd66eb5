package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"

	"fetchqd/internal/bus"
	"fetchqd/internal/config"
	"fetchqd/internal/entity"
	"fetchqd/internal/fetch/httpfetch"
	httphandler "fetchqd/internal/handler/http"
	claimrepo "fetchqd/internal/repository/claim"
	jobrepo "fetchqd/internal/repository/job"
	resumerepo "fetchqd/internal/repository/resume"
	"fetchqd/internal/service/jobmanager"
	"fetchqd/internal/service/storage"
	"fetchqd/internal/service/worker"
	"fetchqd/internal/store"
)

const (
	shutdownTimeout = 5 * time.Second

	// pendingBatch bounds how much backlog one startup replays.
	pendingBatch = 1000

	heartbeatInterval = 30 * time.Second
	cleanupInterval   = 24 * time.Hour
)

type App struct {
	cfgPath string
	cfg     *config.Config
	srv     *http.Server
	bus     *bus.Bus
	worker  *worker.Worker
	stopRec context.CancelFunc
	log     *slog.Logger
}

func New(cfgPath string) *App {
	return &App{
		cfgPath: cfgPath,
	}
}

func (a *App) Start() {
	a.cfg = config.MustLoad(a.cfgPath)

	opt, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		panic(err)
	}

	rdb := redis.NewClient(opt)
	ctx := context.Background()
	_, err = rdb.Ping(ctx).Result()
	if err != nil {
		panic(err)
	}

	lo := &slog.HandlerOptions{}
	switch a.cfg.LogLevel {
	case config.LogLevelInfo:
		lo.Level = slog.LevelInfo
	case config.LogLevelWarn:
		lo.Level = slog.LevelWarn
	case config.LogLevelError:
		lo.Level = slog.LevelError
	case config.LogLevelDebug:
		lo.Level = slog.LevelDebug
	default:
		panic("unknown log level")
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, lo))
	a.log = log

	fs := afero.NewOsFs()
	st := store.NewRedisStore(rdb)
	a.bus = bus.New(rdb, log)

	jobs := jobrepo.NewJobRepository(st, log)
	resumes := resumerepo.NewResumeRepository(st, fs, log)
	claims := claimrepo.NewClaimRepository(st, log)

	manager := jobmanager.NewJobManager(jobs, claims, st, a.bus, log)

	workerID := a.cfg.Worker.ID
	if workerID == "" {
		workerID = uuid.NewString()
	}
	a.worker = worker.New(worker.Config{
		WorkerID:        workerID,
		DownloadDir:     a.cfg.Worker.DownloadDir,
		ClaimTTL:        a.cfg.Worker.ClaimTTL,
		MaxAttempts:     a.cfg.Worker.MaxAttempts,
		LiveMaxAttempts: a.cfg.Worker.LiveMaxAttempts,
		BaseDelay:       a.cfg.Worker.BaseDelay,
		LiveBaseDelay:   a.cfg.Worker.LiveBaseDelay,
		MaxDelay:        a.cfg.Worker.MaxDelay,
	}, a.bus, resumes, claims, httpfetch.New(fs, log), fs, log)

	coord := storage.NewCoordinator(a.cfg.Storage.Root, fs, a.bus, log)

	a.bus.Subscribe(entity.MessageJobCreated, a.worker.HandleJobCreated)
	a.bus.Subscribe(entity.MessageJobPause, a.worker.HandleJobPause)
	a.bus.Subscribe(entity.MessageJobResume, a.worker.HandleJobResume)
	a.bus.Subscribe(entity.MessageJobCancelled, a.worker.HandleJobCancelled)

	a.bus.Subscribe(entity.MessageJobStarted, manager.HandleJobStarted)
	a.bus.Subscribe(entity.MessageJobProgress, manager.HandleJobProgress)
	a.bus.Subscribe(entity.MessageJobCompleted, manager.HandleJobCompleted)
	a.bus.Subscribe(entity.MessageJobFailed, manager.HandleJobFailed)

	a.bus.Subscribe(entity.MessageDownloadCompleted, coord.HandleDownloadCompleted)

	// jobs a dead worker left mid-flight get sent back through the queue
	if n, err := manager.Recover(ctx, workerID); err != nil {
		log.Error("Job recovery failed", slog.Any("error", err))
	} else if n > 0 {
		log.Info("Recovered orphaned jobs", slog.Int("count", n))
	}

	// jobs announced while no process was listening sit in the durable
	// backlog; replay them before going live
	a.catchUp(ctx, entity.MessageJobCreated)

	if err := a.bus.StartConsuming(ctx); err != nil {
		panic(err)
	}

	var rctx context.Context
	rctx, a.stopRec = context.WithCancel(ctx)
	go manager.RunReconciler(rctx, a.cfg.ReconcileInterval)
	go a.heartbeat(rctx)
	go a.cleanupLoop(rctx, coord)

	mux := http.NewServeMux()
	mux.Handle("POST /jobs", httphandler.NewCreateJobHandler(manager, log))
	mux.Handle("GET /jobs/{id}", httphandler.NewGetJobHandler(manager, log))
	mux.Handle("DELETE /jobs/{id}", httphandler.NewCancelJobHandler(manager, log))
	mux.Handle("POST /jobs/{id}/pause", httphandler.NewPauseJobHandler(manager, log))
	mux.Handle("POST /jobs/{id}/resume", httphandler.NewResumeJobHandler(manager, log))
	mux.Handle("GET /queue/status", httphandler.NewQueueStatusHandler(manager, log))
	mux.Handle("GET /files", httphandler.NewFilesHandler(coord, log))
	mux.Handle("GET /health", httphandler.NewHealthHandler(redisPinger{cl: rdb}, log))

	a.srv = &http.Server{
		Addr:    a.cfg.Listen,
		Handler: mux,
	}

	go func() {
		log.Info("Start listen", slog.String("addr", a.cfg.Listen))

		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Could not serve", slog.String("listen_addr", a.cfg.Listen), slog.Any("error", err))
			os.Exit(2)
		}
	}()
}

func (a *App) catchUp(ctx context.Context, t entity.MessageType) {
	pending, err := a.bus.Pending(ctx, t, pendingBatch)
	if err != nil {
		a.log.Error("Cannot read pending messages",
			slog.String("message_type", string(t)), slog.Any("error", err))

		return
	}

	for _, msg := range pending {
		a.bus.Dispatch(ctx, msg)
	}

	if len(pending) > 0 {
		a.log.Info("Replayed pending messages",
			slog.String("message_type", string(t)), slog.Int("count", len(pending)))
	}
}

// heartbeat announces liveness on the bus so external monitors can watch
// the health_check backlog instead of polling the HTTP endpoint.
func (a *App) heartbeat(ctx context.Context) {
	t := time.NewTicker(heartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := a.bus.Publish(ctx, entity.NewHealthMessage("fetchqd", "ok")); err != nil {
				a.log.Error("Cannot publish heartbeat", slog.Any("error", err))
			}
		}
	}
}

// cleanupLoop sweeps expired artifacts once a day.
func (a *App) cleanupLoop(ctx context.Context, coord storageCleaner) {
	t := time.NewTicker(cleanupInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := coord.Cleanup(ctx, a.cfg.Storage.CleanupDays); err != nil {
				a.log.Error("Storage cleanup failed", slog.Any("error", err))
			}
		}
	}
}

type storageCleaner interface {
	Cleanup(ctx context.Context, olderThanDays int) (int, error)
}

func (a *App) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.srv.Shutdown(ctx)
	a.stopRec()
	a.bus.Stop()

	// checkpoints in-flight downloads so the next start resumes them
	a.worker.Stop()
}

type redisPinger struct {
	cl *redis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.cl.Ping(ctx).Err()
}
