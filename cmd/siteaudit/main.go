// Package main wires together the site audit service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/sitevitals/siteaudit/internal/api"
	"github.com/sitevitals/siteaudit/internal/audit"
	"github.com/sitevitals/siteaudit/internal/cache"
	"github.com/sitevitals/siteaudit/internal/clock/system"
	"github.com/sitevitals/siteaudit/internal/config"
	"github.com/sitevitals/siteaudit/internal/crawl"
	"github.com/sitevitals/siteaudit/internal/id/uuid"
	"github.com/sitevitals/siteaudit/internal/logging"
	"github.com/sitevitals/siteaudit/internal/metrics"
	notifymemory "github.com/sitevitals/siteaudit/internal/notify/memory"
	notifypubsub "github.com/sitevitals/siteaudit/internal/notify/pubsub"
	"github.com/sitevitals/siteaudit/internal/orchestrator"
	"github.com/sitevitals/siteaudit/internal/scheduler"
	"github.com/sitevitals/siteaudit/internal/session"
	"github.com/sitevitals/siteaudit/internal/snapshot"
	memstore "github.com/sitevitals/siteaudit/internal/store/memory"
	"github.com/sitevitals/siteaudit/internal/store/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clock := system.New()
	idGen := uuid.New()

	var sessionStore audit.SessionStore
	if cfg.Sessions.Backend == "redis" {
		redisStore := session.NewRedisStore(session.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   "siteaudit",
			TTL:      cfg.Sessions.TTL(),
		})
		defer redisStore.Close() //nolint:errcheck // best-effort close
		sessionStore = redisStore
	} else {
		sessionStore = session.NewMemoryStore()
	}
	registry := session.NewRegistry(sessionStore, clock, session.Config{
		TTL:           cfg.Sessions.TTL(),
		SweepInterval: cfg.Sessions.SweepInterval(),
	}, logger.Named("sessions"))
	go registry.RunSweeper(ctx)

	var records audit.RecordStore
	if cfg.DB.DSN != "" {
		pgStore, err := postgres.NewRecordStore(ctx, postgres.RecordStoreConfig{
			DSN:             cfg.DB.DSN,
			Table:           cfg.DB.Table,
			MaxConns:        int32(cfg.DB.MaxConns),
			MinConns:        int32(cfg.DB.MinConns),
			MaxConnLifetime: time.Duration(cfg.DB.ConnLifetimeMin) * time.Minute,
		})
		if err != nil {
			logger.Fatal("postgres record store init failed", zap.Error(err))
		}
		defer pgStore.Close()
		records = pgStore
	} else {
		logger.Warn("db.dsn not set, audit records are not durable")
		records = memstore.NewRecordStore()
	}

	gate := cache.NewGate(records, clock, cache.Config{
		FreshnessWindow: time.Duration(cfg.Cache.FreshnessHours) * time.Hour,
	}, logger.Named("cache"))

	writer := snapshot.NewWriter(cfg.Snapshots.BaseDir, clock)
	loader := snapshot.NewLoader(cfg.Snapshots.BaseDir)

	crawler := crawl.New(crawl.Config{
		UserAgent:       cfg.Crawler.UserAgent,
		Parallelism:     cfg.Crawler.Concurrency,
		Delay:           time.Duration(cfg.Crawler.DelayMs) * time.Millisecond,
		MaxDepth:        cfg.Crawler.MaxDepth,
		RequestTimeout:  time.Duration(cfg.Crawler.TimeoutSeconds) * time.Second,
		ExternalTimeout: time.Duration(cfg.Crawler.ExternalTimeout) * time.Second,
	}, writer, clock, logger.Named("crawler"))

	var publisher audit.Publisher
	if cfg.PubSub.ProjectID != "" {
		client, err := gcppubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("pubsub client init failed", zap.Error(err))
		}
		pub := notifypubsub.New(client)
		defer pub.Close() //nolint:errcheck // best-effort close
		publisher = pub
	} else {
		publisher = notifymemory.New()
	}

	orch := orchestrator.New(orchestrator.Config{
		SettlingDelay:   cfg.Audit.SettlingDelay(),
		LoadAttempts:    cfg.Audit.LoadAttempts,
		LoadBackoffUnit: cfg.Audit.LoadBackoffUnit(),
		RunTimeout:      cfg.Audit.RunTimeout(),
		CompletionTopic: cfg.Audit.CompletionTopic,
	}, crawler, loader, registry, records, publisher, clock, logger.Named("orchestrator"))

	sink, err := metrics.NewSink(nil)
	if err != nil {
		logger.Fatal("metrics init failed", zap.Error(err))
	}

	handlers := map[audit.JobKind]scheduler.Handler{
		audit.JobKindRunAudit: func(jobCtx context.Context, job audit.Job) error {
			payload, ok := job.Payload.(audit.AuditPayload)
			if !ok {
				return fmt.Errorf("%w: unexpected payload %T", audit.ErrValidation, job.Payload)
			}
			res, err := orch.Run(jobCtx, orchestrator.Request{
				TargetURL:   payload.TargetURL,
				PageBudget:  payload.PageBudget,
				ReportKind:  payload.ReportKind,
				SessionID:   payload.SessionID,
				Limits:      payload.Limits,
				Attempt:     job.Attempts + 1,
				MaxAttempts: job.MaxAttempts,
			})
			if err != nil {
				return err
			}
			sink.ObserveAudit(res.Metrics.PagesCrawled, res.Metrics.Elapsed)
			return nil
		},
	}
	sched := scheduler.New(ctx, scheduler.Config{
		ConcurrencyLimit:   cfg.Scheduler.ConcurrencyLimit,
		HousekeepThreshold: cfg.Scheduler.HousekeepThreshold,
		RetainTerminal:     time.Duration(cfg.Scheduler.RetainTerminalMin) * time.Minute,
	}, handlers, idGen, clock, logger.Named("scheduler"))
	go sink.Consume(ctx, sched.Subscribe())

	apiServer := api.NewServer(registry, gate, sched, sink, idGen, clock, api.Config{
		HeartbeatInterval: time.Duration(cfg.Server.HeartbeatInterval) * time.Second,
		DefaultPageBudget: cfg.Audit.DefaultPageBudget,
		MaxAttempts:       cfg.Scheduler.MaxAttempts,
	}, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		// WriteTimeout stays unset so event streams can outlive it.
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	grace := time.Duration(cfg.Server.ShutdownGraceSec) * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := sched.Wait(shutdownCtx); err != nil {
		logger.Warn("jobs still in flight at shutdown", zap.Error(err))
	}
	crawler.Cleanup()
	logger.Info("shutdown complete")
}
