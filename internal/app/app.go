package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gomodule/redigo/redis"
	"golang.org/x/sync/errgroup"

	"discourse/backend/features/job"
	"discourse/backend/features/stats"
	"discourse/backend/features/tasks"
	"discourse/backend/internal/adapter/redisstats"
	"discourse/backend/internal/config"
	"discourse/backend/internal/middleware"
	"discourse/backend/internal/worker"
)

type App struct {
	Handler    http.Handler
	Enqueuer   *job.Enqueuer
	JobService *job.Service
	Pool       *worker.Pool
	Registry   *job.Registry
	Statistics *redisstats.Statistics

	cfg *config.Config
}

// New wires the job subsystem. pub and redisPool may be nil.
func New(cfg *config.Config, db *sql.DB, pub worker.EventPublisher, redisPool *redis.Pool) (*App, error) {
	mode, err := job.ParseClaimMode(cfg.ClaimMode)
	if err != nil {
		return nil, err
	}

	// Feature: Job
	jobRepo := job.NewPostgresRepo(db,
		job.WithClaimMode(mode),
		job.WithCandidateBatch(cfg.CandidateBatch),
		job.WithReclaimGrace(cfg.ReclaimGrace))
	enqueuer := job.NewEnqueuer(jobRepo, job.Policy{Timeout: cfg.JobTimeout, MaxRetries: cfg.JobMaxRetries})
	jobService := job.NewService(jobRepo)
	jobHandler := job.NewHandler(jobService)

	// Feature: Tasks
	registry, err := job.NewRegistry(tasks.Definitions(tasks.Deps{
		Mentions: tasks.NewPostgresMentionRewriter(db),
	})...)
	if err != nil {
		return nil, fmt.Errorf("failed to build job registry: %w", err)
	}
	tasksHandler := tasks.NewHandler(enqueuer)

	// Worker Pool
	opts := []worker.Option{
		worker.WithConcurrency(cfg.WorkerCount),
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithReapInterval(cfg.ReapInterval),
		worker.WithRetryPolicy(worker.RetryPolicy{
			Enabled:   cfg.RetryEnabled,
			BaseDelay: cfg.RetryBaseDelay,
			MaxDelay:  cfg.RetryMaxDelay,
		}),
	}
	if pub != nil {
		opts = append(opts, worker.WithEventPublisher(pub, cfg.EventsTopic))
	}

	var redisStats *redisstats.Statistics
	if redisPool != nil {
		redisStats = redisstats.New(redisPool, cfg.RedisNamespace)
		opts = append(opts, worker.WithStatistics(redisStats))
	}
	pool := worker.NewPool(jobRepo, registry, opts...)

	// Feature: Stats
	var totals stats.WorkerTotals
	if redisStats != nil {
		totals = redisStats
	}
	var local stats.LocalWorkers
	if cfg.EnableWorkers {
		local = pool
	}
	statsHandler := stats.NewHandler(jobService, totals, local)

	// Middleware: CORS
	enableCORS := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}
			next(w, r)
		}
	}

	// Routes
	mux := http.NewServeMux()

	mux.Handle("POST /jobs/welcome_email", middleware.CorrelationID(enableCORS(tasksHandler.EnqueueWelcomeEmail)))
	mux.Handle("POST /jobs/process_topic", middleware.CorrelationID(enableCORS(tasksHandler.EnqueueProcessTopic)))
	mux.Handle("GET /jobs", middleware.CorrelationID(enableCORS(jobHandler.List)))
	mux.Handle("GET /jobs/{id}", middleware.CorrelationID(enableCORS(jobHandler.Get)))

	mux.Handle("GET /stats", middleware.CorrelationID(enableCORS(statsHandler.GetStats)))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	return &App{
		Handler:    mux,
		Enqueuer:   enqueuer,
		JobService: jobService,
		Pool:       pool,
		Registry:   registry,
		Statistics: redisStats,
		cfg:        cfg,
	}, nil
}

// Run serves the API and runs the worker pool, as enabled in the config,
// until ctx is cancelled. In-flight jobs are allowed to finish.
func (a *App) Run(ctx context.Context) error {
	if !a.cfg.EnableAPI && !a.cfg.EnableWorkers {
		return errors.New("nothing to run: both ENABLE_API and ENABLE_WORKERS are false")
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.cfg.EnableAPI {
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", a.cfg.ServerPort),
			Handler: a.Handler,
		}

		g.Go(func() error {
			<-gctx.Done()
			slog.Info("shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("server shutdown failed", "error", err)
			}
			return nil
		})

		g.Go(func() error {
			slog.Info("server starting", "port", a.cfg.ServerPort)
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	if a.cfg.EnableWorkers {
		g.Go(func() error {
			slog.Info("worker pool starting", "workers", a.cfg.WorkerCount, "kinds", a.Registry.Names(), "claim_mode", a.cfg.ClaimMode)
			err := a.Pool.Run(gctx)
			a.forgetWorkers()
			return err
		})
	}

	return g.Wait()
}

// forgetWorkers drops this process's per-worker counters from Redis.
func (a *App) forgetWorkers() {
	if a.Statistics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, ws := range a.Pool.Stats() {
		if err := a.Statistics.Forget(ctx, ws.ID); err != nil {
			slog.Warn("failed to forget worker", "worker_id", ws.ID, "error", err)
		}
	}
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.ShutdownTimeout > 0 {
		return a.cfg.ShutdownTimeout
	}
	return 30 * time.Second
}
