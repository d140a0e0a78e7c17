// Package main is the entry point for the ingest worker
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/knowledge-mesh/ingest-worker/internal/config"
	"github.com/knowledge-mesh/ingest-worker/internal/crawl"
	"github.com/knowledge-mesh/ingest-worker/internal/database"
	"github.com/knowledge-mesh/ingest-worker/internal/embedding"
	"github.com/knowledge-mesh/ingest-worker/internal/exports"
	"github.com/knowledge-mesh/ingest-worker/internal/feeder"
	"github.com/knowledge-mesh/ingest-worker/internal/limiter"
	"github.com/knowledge-mesh/ingest-worker/internal/metrics"
	"github.com/knowledge-mesh/ingest-worker/internal/persister"
	"github.com/knowledge-mesh/ingest-worker/internal/queue"
	"github.com/knowledge-mesh/ingest-worker/internal/recovery"
	"github.com/knowledge-mesh/ingest-worker/internal/repository"
	"github.com/knowledge-mesh/ingest-worker/internal/runner"
	"github.com/knowledge-mesh/ingest-worker/internal/scheduler"
	"github.com/knowledge-mesh/ingest-worker/internal/subscription"
	"github.com/knowledge-mesh/ingest-worker/pkg/chunking"
	"github.com/knowledge-mesh/ingest-worker/pkg/observability"
	"github.com/knowledge-mesh/ingest-worker/pkg/tokenizer"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Ingest Worker\nVersion: %s\nBuild Time: %s\nGit Commit: %s\n",
			version, buildTime, gitCommit)
		os.Exit(0)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewStandardLoggerWithLevel("worker", observability.ParseLevel(cfg.Worker.LogLevel))
	logger.Info("Starting ingest worker", map[string]interface{}{
		"version":    version,
		"build_time": buildTime,
		"git_commit": gitCommit,
		"worker_id":  cfg.Worker.ID,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	db, err := database.Connect(ctx, cfg.Database, logger)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer func() { _ = db.Close() }()

	rdb := redis.NewClient(&redis.Options{
		Addr:        cfg.Redis.Address,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.Database,
		MaxRetries:  cfg.Redis.MaxRetries,
		DialTimeout: cfg.Redis.DialTimeout,
		PoolSize:    cfg.Redis.PoolSize,
	})
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	logger.Info("redis connected", map[string]interface{}{
		"address": cfg.Redis.Address,
	})

	m := metrics.New()
	rec := recovery.NewRunner(database.NewSessionFactory(db, logger), m, logger)
	lim := limiter.New(rdb, cfg.Limiter, m, logger)

	q, err := queue.New(ctx, cfg.Queue, rdb, cfg.Worker.ID, logger)
	if err != nil {
		log.Fatalf("Failed to initialize job queue: %v", err)
	}

	bedrock, err := embedding.NewBedrockProvider(ctx, cfg.Embedding.AWSRegion)
	if err != nil {
		log.Fatalf("Failed to create Bedrock provider: %v", err)
	}
	modelFactory, err := embedding.NewFactory(repository.NewEmbeddingModelRepository(db), cfg.Embedding.ModelCacheSize, bedrock)
	if err != nil {
		log.Fatalf("Failed to create embedding factory: %v", err)
	}
	embedder := embedding.NewService(modelFactory, cfg.Embedding, m, logger)

	splitter := chunking.NewTokenSplitter(
		tokenizer.NewSimpleTokenizer(cfg.Crawl.ChunkSize),
		cfg.Crawl.ChunkSize,
		cfg.Crawl.ChunkOverlap,
	)
	persist := persister.New(embedder, splitter, rec, cfg.Crawl, m, logger)

	crawler := crawl.New(cfg.Crawler, logger)
	run := runner.New(q, lim, crawler, persist, runner.NewStore(rec), rdb, cfg, m, logger)

	pending := feeder.NewPendingQueue(rdb)
	elector := feeder.NewElector(rdb, cfg.Worker.ID, m, logger)
	feed := feeder.New(elector, pending, lim, repository.NewTenantRepository(db), q, cfg.Crawl.FeederInterval, m, logger)

	// Subscriptions and exports are optional; their cron loops report
	// themselves disabled when the backing service is not configured.
	var subMgr *subscription.Manager
	var tokens subscription.TokenSource
	if cfg.Graph.BaseURL != "" {
		subMgr = subscription.NewManager(subscription.NewHTTPGraphClient(cfg.Graph, logger), rec, cfg.Graph, m, logger)
		if cfg.Graph.AccessToken != "" {
			tokens = subscription.StaticTokenSource(cfg.Graph.AccessToken)
		}
	}

	var exportStore *exports.Store
	if cfg.Exports.Bucket != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Exports.AWSRegion))
		if err != nil {
			log.Fatalf("Failed to load AWS config for exports: %v", err)
		}
		exportStore = exports.NewStore(s3.NewFromConfig(awsCfg), rdb, cfg.Exports, m, logger)
	}

	sched := scheduler.New(m, logger)
	jobs := scheduler.NewJobs(rec, pending, subMgr, tokens, exportStore, cfg, logger)
	if err := jobs.RegisterAll(sched, cfg.Scheduler); err != nil {
		log.Fatalf("Failed to register cron loops: %v", err)
	}
	sched.Start()

	opsServer := startOpsServer(cfg, db, rdb, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return run.Run(gctx) })
	g.Go(func() error { return feed.Run(gctx) })

	logger.Info("worker running", map[string]interface{}{
		"concurrency": cfg.Worker.Concurrency,
		"queue":       cfg.Queue.Backend,
	})

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", map[string]interface{}{
			"signal": sig.String(),
		})
	case <-gctx.Done():
		logger.Error("worker loop exited early", nil)
	}

	// Stop admitting and scheduling first, then wait for in-flight jobs
	// up to the shutdown budget. Jobs still running after that stay
	// unacked and redeliver once the visibility timeout lapses.
	cancel()
	sched.Stop()

	loopsDone := make(chan error, 1)
	go func() { loopsDone <- g.Wait() }()
	select {
	case err := <-loopsDone:
		if err != nil {
			logger.Error("worker loops stopped with error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	case <-time.After(cfg.Worker.ShutdownTimeout):
		logger.Warn("shutdown timeout elapsed with jobs still in flight", nil)
	}

	if subMgr != nil {
		subMgr.Wait()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("ops server shutdown error", map[string]interface{}{
			"error": err.Error(),
		})
	}

	logger.Info("shutdown complete", nil)
}

// startOpsServer serves health, readiness, and Prometheus metrics
func startOpsServer(cfg *config.Config, db *sqlx.DB, rdb *redis.Client, logger observability.Logger) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, "healthy")
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, "not ready: %v", err)
			return
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprintf(w, "not ready: %v", err)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, "ready")
	})

	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:    cfg.Worker.MetricsAddr,
		Handler: mux,
	}

	go func() {
		logger.Info("Starting health and metrics server", map[string]interface{}{
			"address": cfg.Worker.MetricsAddr,
		})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Health server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return server
}
