package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/joseph-ayodele/resume-pipeline/internal/admission"
	"github.com/joseph-ayodele/resume-pipeline/internal/app"
	"github.com/joseph-ayodele/resume-pipeline/internal/async"
	"github.com/joseph-ayodele/resume-pipeline/internal/common"
	"github.com/joseph-ayodele/resume-pipeline/internal/core"
	coreasync "github.com/joseph-ayodele/resume-pipeline/internal/core/async"
	"github.com/joseph-ayodele/resume-pipeline/internal/dedup"
	"github.com/joseph-ayodele/resume-pipeline/internal/export"
	"github.com/joseph-ayodele/resume-pipeline/internal/ingest"
	"github.com/joseph-ayodele/resume-pipeline/internal/notify"
	repo "github.com/joseph-ayodele/resume-pipeline/internal/repository"
	"github.com/joseph-ayodele/resume-pipeline/internal/server"
)

// RESUMED_ROLE selects what this process runs: "all" (default), "api" or
// "worker". Split deployments point workers at the API via NOTIFY_BASE_URL.
func main() {
	level := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := app.NewLogger(level)
	slog.SetDefault(logger)

	if err := common.LoadDotEnv(); err != nil {
		logger.Error("failed to load .env", "error", err)
		os.Exit(1)
	}
	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}
	role := getenv("RESUMED_ROLE", "all")
	runAPI := role == "all" || role == "api"
	runWorker := role == "all" || role == "worker"
	if !runAPI && !runWorker {
		logger.Error("RESUMED_ROLE must be all, api or worker", "role", role)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := server.ConnectDB(ctx, cfg.Database, logger)
	if err != nil {
		os.Exit(1)
	}
	defer server.CloseDB(db, logger)
	if err := server.PingDB(ctx, db, logger, 5*time.Second); err != nil {
		os.Exit(1)
	}
	if err := repo.Migrate(ctx, db, logger); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}

	rdb, err := app.OpenRedis(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}
	if rdb != nil {
		defer rdb.Close()
	}
	queue, err := app.OpenQueue(cfg, rdb, logger)
	if err != nil {
		logger.Error("failed to open queue", "error", err)
		os.Exit(1)
	}
	blobs, err := app.OpenBlobStore(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open blob store", "error", err)
		os.Exit(1)
	}

	jobs := repo.NewJobRepository(db, logger)
	hub := notify.NewHub(logger)

	g, gctx := errgroup.WithContext(ctx)

	var consumer *coreasync.Consumer
	if runWorker {
		parser, err := app.NewParser(cfg.LLM, logger)
		if err != nil {
			logger.Error("failed to build parser", "error", err)
			os.Exit(1)
		}
		if rq, ok := queue.(*async.RedisQueue); ok {
			n, err := rq.RecoverInFlight(ctx)
			if err != nil {
				logger.Error("failed to recover in-flight messages", "error", err)
				os.Exit(1)
			}
			if n > 0 {
				logger.Warn("requeued in-flight messages from a previous run", "count", n)
			}
		}
		dd := dedup.NewDeduplicator(jobs, dedup.NewJobCache(cfg.Pipeline.DedupCacheTTL), logger)
		proc := core.NewProcessor(logger, jobs, dd, blobs, parser,
			app.NewNotifier(cfg.Notify, hub, logger), queue,
			core.Config{
				MaxTotalAttempts: cfg.Pipeline.MaxTotalAttempts,
				WaitWindow:       cfg.Pipeline.WaitWindow,
				StageOutput:      cfg.Pipeline.StageOutput,
			})
		consumer = coreasync.NewConsumer(queue, proc, logger,
			coreasync.WithWorkers(cfg.Queue.Workers),
			coreasync.WithProcessTimeout(cfg.Queue.ProcessTimeout),
		)
		consumer.Start(gctx)
	}

	var httpServer *http.Server
	var grpcLis net.Listener
	if runAPI {
		adm := admission.NewService(logger, jobs, blobs, queue,
			app.NewLimiter(cfg.Admission, rdb, jobs),
			admission.Config{
				MaxUploadBytes:    cfg.Admission.MaxUploadBytes,
				RecentClaimWindow: cfg.Admission.RecentClaimWindow,
				MaxManualRetries:  cfg.Admission.MaxManualRetries,
				MaxTotalAttempts:  cfg.Pipeline.MaxTotalAttempts,
			})
		srv := server.NewServer(server.Config{
			AllowedOrigins: cfg.Server.AllowedOrigins,
			NotifyToken:    cfg.Notify.Token,
			MaxUploadBytes: cfg.Admission.MaxUploadBytes,
		}, adm, ingest.NewBlobIngestor(blobs, cfg.Admission.MaxUploadBytes, logger),
			export.NewService(jobs, logger), hub, db, logger)

		httpServer = &http.Server{
			Addr:              cfg.Server.HTTPAddr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("http listening", "addr", cfg.Server.HTTPAddr, "role", role)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	grpcServer, health := server.NewGRPCServer(logger)
	if cfg.Server.GRPCAddr != "" {
		grpcLis, err = net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			logger.Error("failed to listen on address", "addr", cfg.Server.GRPCAddr, "error", err)
			os.Exit(1)
		}
		g.Go(func() error {
			logger.Info("grpc health listening", "addr", cfg.Server.GRPCAddr)
			return grpcServer.Serve(grpcLis)
		})
		g.Go(func() error {
			server.WatchHealth(gctx, health, db, 15*time.Second, logger)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", "grace", cfg.Server.ShutdownGrace)
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()

		if httpServer != nil {
			if err := httpServer.Shutdown(sctx); err != nil {
				logger.Warn("http shutdown", "error", err)
			}
		}
		if consumer != nil {
			consumer.Shutdown(sctx)
		}
		queue.Shutdown(sctx)
		grpcServer.GracefulStop()
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("resumed stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
