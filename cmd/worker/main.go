// Command transcribeq-worker consumes envelopes from the broker and
// drives each job through model acquisition, transcription, and
// completion or failure handling. It also runs the background
// retention sweeps that purge eligible jobs and report stale errors.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/voxpipe/transcribeq/internal/audit"
	"github.com/voxpipe/transcribeq/internal/broker"
	"github.com/voxpipe/transcribeq/internal/config"
	"github.com/voxpipe/transcribeq/internal/dbstore"
	"github.com/voxpipe/transcribeq/internal/engine"
	"github.com/voxpipe/transcribeq/internal/jobstore"
	"github.com/voxpipe/transcribeq/internal/logging"
	"github.com/voxpipe/transcribeq/internal/modelpool"
	"github.com/voxpipe/transcribeq/internal/repair"
	"github.com/voxpipe/transcribeq/internal/retention"
	"github.com/voxpipe/transcribeq/internal/worker"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "transcribeq-worker",
		Short: "transcribeq-worker — consumes jobs from the broker and runs transcription",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			if err := cfg.Validate(); err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("transcribeq-worker %s (commit: %s)\n", version, commit)
		},
	})

	return root
}

func run(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting transcribeq worker",
		zap.String("version", version),
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.String("model_size", string(cfg.ModelSize)),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	gormDB, err := dbstore.New(dbstore.Config{
		Driver:   cfg.DatabaseDriver,
		DSN:      cfg.DatabaseDSN,
		Logger:   logger,
		LogLevel: gormLogLevel(cfg.LogLevel),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	store := jobstore.NewStore(gormDB)
	auditLog := audit.New(gormDB, cfg.DatabaseDriver)

	brokerClient, err := buildBroker(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer brokerClient.Close()

	// Real model loading is out of scope; the pool is exercised against
	// a loader that always succeeds and reports a nominal memory cost
	// per tier so the hit/miss and eviction bookkeeping still runs
	// against real acquire/release traffic; this loader never reports
	// out-of-memory, so the pool's OOM fallback is not exercised here.
	pool := modelpool.New(cfg.ModelPoolSize, cfg.ModelPoolMaxSize, stubLoader, stubUnloader)

	runtime := &worker.Runtime{
		Store:          store,
		Broker:         brokerClient,
		Pool:           pool,
		Audit:          auditLog,
		Engine:         engine.Stub{},
		Repair:         repair.FFmpeg{},
		Log:            logger,
		OutputFolder:   cfg.OutputFolder,
		AcquireTimeout: time.Duration(cfg.TaskTimeoutSeconds) * time.Second,
		WorkerID:       workerID(),
	}

	sweeper, err := retention.New(store, logger)
	if err != nil {
		return fmt.Errorf("failed to build retention sweeper: %w", err)
	}
	if err := sweeper.Start(15*time.Minute, 5*time.Minute); err != nil {
		return fmt.Errorf("failed to start retention sweeper: %w", err)
	}

	queues := []string{broker.QueueHigh, broker.QueueNormal, broker.QueueRetry}

	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			log := logger.With(zap.Int("slot", slot))
			log.Info("consumer started")
			if err := brokerClient.Consume(ctx, queues, runtime.Handle); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("consumer stopped", zap.Error(err))
			}
		}(i)
	}

	<-ctx.Done()
	logger.Info("shutting down transcribeq worker")

	if err := sweeper.Stop(); err != nil {
		logger.Warn("retention sweeper shutdown error", zap.Error(err))
	}

	wg.Wait()
	logger.Info("transcribeq worker stopped")
	return nil
}

func stubLoader(ctx context.Context, tier config.Tier) (modelpool.Model, int64, error) {
	return "model-" + string(tier), 512 << 20, nil
}

func stubUnloader(modelpool.Model) {}

func workerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker"
	}
	return host
}

// buildBroker dials Redis unless BrokerURL names the reserved "memory"
// scheme, which selects the in-process broker for local development
// and demos without a Redis instance.
func buildBroker(cfg config.Config) (broker.Broker, error) {
	if cfg.BrokerURL == "memory://" {
		return broker.NewMemory(), nil
	}

	opts, err := redis.ParseURL(cfg.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid BROKER_URL: %w", err)
	}
	return broker.NewRedis(broker.RedisConfig{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

