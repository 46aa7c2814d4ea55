// Package app builds the infrastructure both binaries share from a loaded
// common.Config.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/joseph-ayodele/resume-pipeline/internal/admission"
	"github.com/joseph-ayodele/resume-pipeline/internal/async"
	"github.com/joseph-ayodele/resume-pipeline/internal/blob"
	"github.com/joseph-ayodele/resume-pipeline/internal/common"
	"github.com/joseph-ayodele/resume-pipeline/internal/llm"
	"github.com/joseph-ayodele/resume-pipeline/internal/llm/openai"
	"github.com/joseph-ayodele/resume-pipeline/internal/notify"
	"github.com/joseph-ayodele/resume-pipeline/internal/repository"
)

// NewLogger returns the JSON logger daemons use.
func NewLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// OpenRedis connects and pings. A nil client is returned when nothing in
// cfg needs Redis.
func OpenRedis(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*redis.Client, error) {
	if cfg.Queue.Backend != "redis" && cfg.Admission.RateLimiter != "redis" {
		return nil, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info("redis connected", "addr", cfg.Redis.Addr, "db", cfg.Redis.DB)
	return rdb, nil
}

// OpenQueue returns the configured transport. The Redis queue also serves
// dead-letter operations; memory queues only live as long as the process.
func OpenQueue(cfg *common.Config, rdb *redis.Client, logger *slog.Logger) (async.Queue, error) {
	switch cfg.Queue.Backend {
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("queue backend redis needs a redis client")
		}
		return async.NewRedisQueue(rdb, async.RedisConfig{
			Key:           cfg.Queue.Key,
			PollTimeout:   cfg.Queue.PollTimeout,
			MaxDeliveries: cfg.Queue.MaxDeliveries,
			BackoffBase:   cfg.Queue.BackoffBase,
			BackoffMax:    cfg.Queue.BackoffMax,
		}, logger), nil
	case "memory":
		return async.NewMemoryQueue(logger,
			async.WithQueueSize(cfg.Queue.Size),
			async.WithMaxDeliveries(cfg.Queue.MaxDeliveries),
			async.WithBackoff(cfg.Queue.BackoffBase, cfg.Queue.BackoffMax),
		), nil
	}
	return nil, fmt.Errorf("unknown queue backend %q", cfg.Queue.Backend)
}

func OpenBlobStore(ctx context.Context, cfg *common.Config, logger *slog.Logger) (blob.Store, error) {
	switch cfg.Blob.Backend {
	case "minio":
		return blob.NewMinioStore(ctx, blob.MinioConfig{
			Endpoint:  cfg.Blob.Endpoint,
			AccessKey: cfg.Blob.AccessKey,
			SecretKey: cfg.Blob.SecretKey,
			Bucket:    cfg.Blob.Bucket,
			Region:    cfg.Blob.Region,
			UseSSL:    cfg.Blob.UseSSL,
		}, logger)
	case "memory":
		logger.Warn("using in-memory blob store; documents are lost on exit")
		return blob.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown blob backend %q", cfg.Blob.Backend)
}

func OpenDB(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*repository.DB, error) {
	return repository.Open(ctx, repository.Config{
		Driver:           cfg.Database.Driver,
		DSN:              cfg.Database.DSN,
		MaxConns:         cfg.Database.MaxConns,
		MinConns:         cfg.Database.MinConns,
		MaxConnLifetime:  cfg.Database.MaxConnLifetime,
		MaxConnIdleTime:  cfg.Database.MaxConnIdleTime,
		DialTimeout:      cfg.Database.DialTimeout,
		StatementTimeout: cfg.Database.StatementTimeout,
	}, logger)
}

// NewParser picks the parse capability: the OpenAI client or the offline stub.
func NewParser(cfg common.LLMConfig, logger *slog.Logger) (llm.Parser, error) {
	switch cfg.Provider {
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:          cfg.APIKey,
			BaseURL:         cfg.BaseURL,
			Model:           cfg.Model,
			Temperature:     cfg.Temperature,
			Timeout:         cfg.Timeout,
			LenientOptional: true,
		}, logger), nil
	case "stub":
		return llm.StubParser{}, nil
	}
	return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
}

func NewLimiter(cfg common.AdmissionConfig, rdb *redis.Client, jobs repository.JobRepository) admission.Limiter {
	if cfg.RateLimiter == "redis" && rdb != nil {
		return admission.NewRedisLimiter(rdb, "resume:claims", cfg.ClaimsPerWindow, cfg.ClaimWindow)
	}
	return admission.NewStoreLimiter(jobs, cfg.ClaimsPerWindow, cfg.ClaimWindow)
}

// NewNotifier delivers in process when no base URL is configured, which is
// the case when workers and the API share one process.
func NewNotifier(cfg common.NotifyConfig, hub *notify.Hub, logger *slog.Logger) notify.Notifier {
	if cfg.BaseURL == "" {
		return notify.NewHubNotifier(hub)
	}
	return notify.NewHTTPNotifier(notify.HTTPConfig{
		BaseURL:     cfg.BaseURL,
		Token:       cfg.Token,
		Timeout:     cfg.Timeout,
		Concurrency: cfg.Concurrency,
	}, logger)
}
