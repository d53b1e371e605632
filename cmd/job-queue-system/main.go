// Copyright 2025 James Ross
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flyingrobots/comfyqueue/internal/admin"
	"github.com/flyingrobots/comfyqueue/internal/api"
	"github.com/flyingrobots/comfyqueue/internal/backendclient"
	"github.com/flyingrobots/comfyqueue/internal/config"
	"github.com/flyingrobots/comfyqueue/internal/jobrepo"
	"github.com/flyingrobots/comfyqueue/internal/kv"
	"github.com/flyingrobots/comfyqueue/internal/obs"
	"github.com/flyingrobots/comfyqueue/internal/objectstore"
	"github.com/flyingrobots/comfyqueue/internal/quota"
	"github.com/flyingrobots/comfyqueue/internal/reaper"
	"github.com/flyingrobots/comfyqueue/internal/redisclient"
	"github.com/flyingrobots/comfyqueue/internal/worker"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var role string
	var configPath string
	var httpAddr string
	var adminCmd string
	var adminN int64
	var adminJobID string
	var benchCount int
	var benchRate int
	var benchTimeout time.Duration
	var showVersion bool

	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: api|worker|all|admin")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.StringVar(&httpAddr, "http-addr", ":8080", "Listen address for the submission API (role=api|all)")
	fs.StringVar(&adminCmd, "admin-cmd", "", "Admin command: stats|peek|purge|bench")
	fs.Int64Var(&adminN, "n", 10, "Number of items for admin peek")
	fs.StringVar(&adminJobID, "job-id", "", "Job id for admin purge")
	fs.IntVar(&benchCount, "bench-count", 100, "Number of synthetic jobs for admin bench")
	fs.IntVar(&benchRate, "bench-rate", 50, "Synthetic jobs enqueued per second for admin bench")
	fs.DurationVar(&benchTimeout, "bench-timeout", 60*time.Second, "Max time to wait for synthetic jobs to finish for admin bench")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "failed to parse flags: %v\n", err)
		os.Exit(2)
	}

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tracerProvider, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed, continuing without a collector", obs.Err(err))
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := obs.TracerShutdown(shutdownCtx, tracerProvider); err != nil {
			logger.Warn("tracer shutdown failed", obs.Err(err))
		}
	}()

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	if role == "admin" {
		runAdmin(context.Background(), cfg, rdb, logger, adminCmd, adminN, adminJobID, benchCount, benchRate, benchTimeout)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	store := kv.New(rdb, cfg.Queue.KeyPrefix)
	repo := jobrepo.New(store, cfg.Queue.RecordTTL)
	backend := backendclient.New(cfg.Backend)

	obs.StartQueueDepthSampler(ctx, rdb, cfg.Queue.KeyPrefix+":queue:"+cfg.Queue.Name, cfg.Queue.KeyPrefix+":jobs:inprogress", logger)

	switch role {
	case "api":
		runAPI(ctx, cfg, store, repo, backend, httpAddr, logger)
	case "worker":
		readyCheck := func(c context.Context) error { return rdb.Ping(c).Err() }
		metricsSrv := obs.StartHTTPServer(cfg, readyCheck)
		defer func() { _ = metricsSrv.Shutdown(context.Background()) }()
		runWorker(ctx, cfg, store, repo, backend, logger)
	case "all":
		go runAPI(ctx, cfg, store, repo, backend, httpAddr, logger)
		runWorker(ctx, cfg, store, repo, backend, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

func runAPI(ctx context.Context, cfg *config.Config, store kv.Store, repo *jobrepo.Repo, backend *backendclient.Client, addr string, logger *zap.Logger) {
	var limiter quota.RateLimiter
	if cfg.RateLimit.Algorithm == "token_bucket" {
		limiter = quota.NewTokenBucketLimiter(store, cfg.RateLimit.Window())
	} else {
		limiter = quota.NewLimiter(store, cfg.RateLimit.Window())
	}
	quotas := quota.NewChecker(store)
	auth := api.NewAuthenticator(cfg.Auth.Enabled, store)
	srv := api.New(*cfg, repo, store, limiter, quotas, backend, auth, logger)

	httpSrv := &http.Server{Addr: addr, Handler: srv.Router()}
	go func() {
		logger.Info("submission API listening", obs.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("submission API stopped", obs.Err(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

func runWorker(ctx context.Context, cfg *config.Config, store kv.Store, repo *jobrepo.Repo, backend *backendclient.Client, logger *zap.Logger) {
	objects, err := objectstore.New(cfg.ObjectStore)
	if err != nil {
		logger.Fatal("object store init failed", obs.Err(err))
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		logger.Warn("ensure bucket failed, continuing", obs.Err(err))
	}

	rep := reaper.New(*cfg, repo, logger)
	c := cron.New()
	if cfg.Recovery.SweepCron != "" {
		if _, err := c.AddFunc(cfg.Recovery.SweepCron, func() {
			if _, err := rep.Sweep(ctx); err != nil {
				logger.Warn("scheduled recovery sweep failed", obs.Err(err))
			}
		}); err != nil {
			logger.Warn("invalid recovery.sweep_cron, periodic sweep disabled", obs.Err(err))
		} else {
			c.Start()
			defer c.Stop()
		}
	}
	if _, err := rep.Sweep(ctx); err != nil {
		logger.Error("startup recovery sweep failed", obs.Err(err))
	}

	pool := worker.New(*cfg, repo, store, backend, objects, logger)
	pool.Run(ctx)
}

func runAdmin(ctx context.Context, cfg *config.Config, rdb *redis.Client, logger *zap.Logger, cmd string, n int64, jobID string, benchCount, benchRate int, benchTimeout time.Duration) {
	switch cmd {
	case "stats":
		res, err := admin.Stats(ctx, cfg, rdb)
		if err != nil {
			logger.Fatal("admin stats error", obs.Err(err))
		}
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(b))
	case "peek":
		res, err := admin.Peek(ctx, cfg, rdb, n)
		if err != nil {
			logger.Fatal("admin peek error", obs.Err(err))
		}
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(b))
	case "purge":
		if jobID == "" {
			logger.Fatal("admin purge requires --job-id")
		}
		if err := admin.PurgeTerminal(ctx, cfg, rdb, jobID); err != nil {
			logger.Fatal("admin purge error", obs.Err(err))
		}
		fmt.Printf("purged %s\n", jobID)
	case "bench":
		res, err := admin.Bench(ctx, cfg, rdb, benchCount, benchRate, benchTimeout)
		if err != nil {
			logger.Fatal("admin bench error", obs.Err(err))
		}
		b, _ := json.MarshalIndent(res, "", "  ")
		fmt.Println(string(b))
	default:
		logger.Fatal("unknown admin command", obs.String("cmd", cmd))
	}
}
