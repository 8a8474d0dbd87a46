package main

import (
	"context"
	"database/sql"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/send-orchestrator/internal/config"
	"github.com/ignite/send-orchestrator/internal/domain"
	"github.com/ignite/send-orchestrator/internal/httpapi"
	"github.com/ignite/send-orchestrator/internal/metrics"
	"github.com/ignite/send-orchestrator/internal/orchestrator"
	"github.com/ignite/send-orchestrator/internal/pkg/distlock"
	"github.com/ignite/send-orchestrator/internal/pkg/logger"
	"github.com/ignite/send-orchestrator/internal/provider"
	"github.com/ignite/send-orchestrator/internal/repository/postgres"
	"github.com/ignite/send-orchestrator/internal/scheduler"
	"github.com/ignite/send-orchestrator/internal/throttle"
	"github.com/ignite/send-orchestrator/internal/worker"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if cfg.Log.RedactPII != nil {
		logger.SetRedactPII(*cfg.Log.RedactPII)
	}
	logger.Info("send orchestrator starting")

	if cfg.Database.URL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.Error("open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Minute)
	db.SetConnMaxIdleTime(time.Minute)

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = db.PingContext(pingCtx)
	pingCancel()
	if err != nil {
		logger.Error("ping database", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// Redis is optional: without it the throttle is off and job locks
	// fall back to PG advisory locks.
	var redisClient *redis.Client
	var limiter *throttle.Limiter
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Error("parse redis url", "error", err)
			os.Exit(1)
		}
		redisClient = redis.NewClient(opts)
		limiter = throttle.New(redisClient, int(cfg.Worker.SendsPerSecond), 0)
		logger.Info("redis throttle enabled")
	}

	metrics.MustRegister()

	accounts := postgres.NewAccountRepo(db)
	queue := postgres.NewQueueRepo(db, cfg.Worker.MaxRetries, cfg.Worker.RetryBackoffBase())
	sendLogs := postgres.NewSendLogRepo(db)
	senderFactory := provider.NewFactory(cfg.SES, cfg.SMTP)

	workerOpts := worker.Options{
		BatchSize:      cfg.Worker.BatchSize,
		IdleSleep:      cfg.Worker.IdleSleep(),
		SendsPerSecond: cfg.Worker.SendsPerSecond,
		SendTimeout:    cfg.Worker.SendTimeout(),
	}
	factory := func(account domain.SenderAccount) (orchestrator.Runner, error) {
		sender, err := senderFactory(&account)
		if err != nil {
			return nil, err
		}
		var th worker.Throttle
		if limiter != nil {
			th = limiter
		}
		return worker.New(account.ID, accounts, queue, sender, th, workerOpts), nil
	}

	orch := orchestrator.New(accounts, factory, orchestrator.Options{
		ReconcileInterval: cfg.Orchestrator.ReconcileInterval(),
		RestartWindow:     cfg.Orchestrator.RestartWindow(),
		MaxRestarts:       cfg.Orchestrator.MaxRestarts,
		RestartBackoffCap: cfg.Orchestrator.RestartBackoffCap(),
		HealthInterval:    cfg.Orchestrator.HealthCheckInterval(),
		HeartbeatTimeout:  cfg.Orchestrator.HeartbeatTimeout(),
		ShutdownGrace:     cfg.Orchestrator.GraceTimeout(),
	})

	locks := func(key string, ttl time.Duration) distlock.DistLock {
		return distlock.NewLock(redisClient, db, key, ttl)
	}
	sched := scheduler.New(accounts, queue, sendLogs, locks, cfg.Scheduler)
	if err := sched.Start(); err != nil {
		logger.Error("start scheduler", "error", err)
		os.Exit(1)
	}

	api := httpapi.New(cfg.HTTP, db, orch, queue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	httpErr := make(chan error, 1)
	go func() { httpErr <- api.Start() }()

	orchDone := make(chan error, 1)
	go func() { orchDone <- orch.Run(ctx) }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case s := <-sig:
		logger.Info("shutdown signal received", "signal", s.String())
	case err := <-httpErr:
		logger.Error("http server failed", "error", err)
	}

	cancel()
	if err := <-orchDone; err != nil {
		logger.Error("orchestrator shutdown", "error", err)
	}
	sched.Stop()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := api.Shutdown(shutCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	if limiter != nil {
		limiter.Close()
	}
	logger.Info("send orchestrator stopped")
}
