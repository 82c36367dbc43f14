// Command transcribeq-server runs the HTTP job API: it accepts
// uploads, publishes them to the broker, and serves job/admin
// inspection endpoints backed by the shared JobStore.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/voxpipe/transcribeq/internal/api"
	"github.com/voxpipe/transcribeq/internal/audit"
	"github.com/voxpipe/transcribeq/internal/broker"
	"github.com/voxpipe/transcribeq/internal/config"
	"github.com/voxpipe/transcribeq/internal/dbstore"
	"github.com/voxpipe/transcribeq/internal/jobstore"
	"github.com/voxpipe/transcribeq/internal/logging"
	"github.com/voxpipe/transcribeq/internal/modelpool"
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
		Use:   "transcribeq-server",
		Short: "transcribeq-server — HTTP job API for the asynchronous transcription service",
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
			fmt.Printf("transcribeq-server %s (commit: %s)\n", version, commit)
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

	logger.Info("starting transcribeq server",
		zap.String("version", version),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("db_driver", cfg.DatabaseDriver),
		zap.String("model_size", string(cfg.ModelSize)),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. Database ---
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

	// --- 2. JobStore + AuditLog ---
	store := jobstore.NewStore(gormDB)
	auditLog := audit.New(gormDB, cfg.DatabaseDriver)

	// --- 3. Broker ---
	brokerClient, err := buildBroker(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer brokerClient.Close()

	// --- 4. Model pool ---
	// The API process never transcribes, so Acquire is never called on
	// this instance; it exists solely so /admin/health can report pool
	// occupancy the same way the worker process's pool does.
	pool := modelpool.New(cfg.ModelPoolSize, cfg.ModelPoolMaxSize,
		func(ctx context.Context, tier config.Tier) (modelpool.Model, int64, error) {
			return nil, 0, fmt.Errorf("modelpool: the API process does not load models")
		},
		func(modelpool.Model) {},
	)

	// --- 5. HTTP server ---
	router := api.NewRouter(api.RouterConfig{
		DB:              gormDB,
		Store:           store,
		Broker:          brokerClient,
		Pool:            pool,
		Audit:           auditLog,
		Metrics:         api.NewMetrics(),
		Logger:          logger,
		APIKeys:         cfg.APIKeys,
		RateLimit:       100,
		RateLimitWindow: 60 * time.Second,
		WorkFolder:      cfg.WorkFolder,
		MaxUploadBytes:  cfg.MaxUploadSizeBytes(),
		DefaultTier:     cfg.ModelSize,
		DefaultPriority: 9,
		ServiceName:     "transcribeq",
	})

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down transcribeq server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("transcribeq server stopped")
	return nil
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

