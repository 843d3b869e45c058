package setup

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robalyx/modguard/internal/classifier"
	"github.com/robalyx/modguard/internal/database"
	"github.com/robalyx/modguard/internal/database/migrations"
	"github.com/robalyx/modguard/internal/metrics"
	"github.com/robalyx/modguard/internal/redis"
	"github.com/robalyx/modguard/internal/setup/config"
	"github.com/robalyx/modguard/internal/setup/telemetry"
	"github.com/robalyx/modguard/internal/stats"
	"github.com/uptrace/bun/migrate"
	"go.uber.org/zap"
)

// App bundles the dependencies shared by every command.
type App struct {
	Config       *config.Config        // Application configuration
	Logger       *zap.Logger           // Main application logger
	DBLogger     *zap.Logger           // Database-specific logger
	DB           database.Client       // Postgres client, nil with the redis backend
	Gateway      *database.Gateway     // Scope config and counter access
	Sessions     *redis.SessionStore   // Feedback session storage
	Buffer       *stats.Buffer         // Pending counter deltas
	Classifier   *classifier.Client    // Moderation endpoint client
	Metrics      *metrics.Manager      // Prometheus collectors
	RedisManager *redis.Manager        // Redis connection manager
	LogManager   *telemetry.Manager    // Log session management
	metricsSrv   *metrics.Server       // Metrics HTTP server
	pprofServer  *pprofServer          // Debug HTTP server for pprof
}

// InitializeApp loads the configuration and connects every backend.
func InitializeApp(ctx context.Context, serviceType telemetry.ServiceType, logDir string) (*App, error) {
	cfg, _, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	// Logging comes first to capture setup issues
	logManager := telemetry.NewManager(serviceType, logDir, &cfg.Common.Debug)

	logger, dbLogger, err := logManager.GetLoggers()
	if err != nil {
		return nil, err
	}

	redisManager := redis.NewManager(&cfg.Common.Redis, logger)

	backend, db, err := openBackend(ctx, cfg, redisManager, logger, dbLogger)
	if err != nil {
		redisManager.Close()
		return nil, err
	}

	sessionClient, err := redisManager.GetClient(redis.SessionDBIndex)
	if err != nil {
		_ = backend.Close()
		redisManager.Close()
		return nil, err
	}

	metricsManager := metrics.NewManager()

	gateway := database.NewGateway(backend, logger,
		database.WithConfigCacheTTL(time.Duration(cfg.Common.Storage.ConfigCacheTTL)*time.Second))

	app := &App{
		Config:       cfg,
		Logger:       logger,
		DBLogger:     dbLogger.Named("database"),
		DB:           db,
		Gateway:      gateway,
		Sessions:     redis.NewSessionStore(sessionClient, logger),
		Buffer:       stats.NewBuffer(logger, stats.WithFlushObserver(metricsManager.FlushObserved)),
		Classifier:   classifier.NewClient(&cfg.Common.Moderation, logger),
		Metrics:      metricsManager,
		RedisManager: redisManager,
		LogManager:   logManager,
	}

	// Only the long running bot exposes metrics
	if cfg.Common.Metrics.Enabled && serviceType == telemetry.ServiceBot {
		srv, err := metrics.StartServer(cfg.Common.Metrics.Address, metricsManager, logger)
		if err != nil {
			logger.Error("Failed to start metrics server", zap.Error(err))
		} else {
			app.metricsSrv = srv
		}
	}

	if cfg.Common.Debug.EnablePprof {
		srv, err := startPprofServer(cfg.Common.Debug.PprofPort, logger)
		if err != nil {
			logger.Error("Failed to start pprof server", zap.Error(err))
		} else {
			app.pprofServer = srv

			logger.Warn("pprof debugging endpoint enabled - this should not be used in production!")
		}
	}

	logger.Info("Application initialized",
		zap.String("storage", cfg.Common.Storage.Backend),
		zap.String("endpoint", cfg.Common.Moderation.Endpoint),
		zap.String("model", cfg.Common.Moderation.Model))

	return app, nil
}

// Cleanup shuts components down in reverse initialization order.
// Errors are logged so every component gets its cleanup attempt.
func (s *App) Cleanup(ctx context.Context) {
	if s.metricsSrv != nil {
		if err := s.metricsSrv.Shutdown(ctx); err != nil {
			s.Logger.Error("Failed to shutdown metrics server", zap.Error(err))
		}
	}

	if s.pprofServer != nil {
		if err := s.pprofServer.srv.Shutdown(ctx); err != nil {
			s.Logger.Error("Failed to shutdown pprof server", zap.Error(err))
		}
	}

	// Closes the postgres client when it is the backend
	if err := s.Gateway.Close(); err != nil {
		s.Logger.Error("Failed to close storage backend", zap.Error(err))
	}

	// Redis goes last as the backend may still need it above
	s.RedisManager.Close()

	if err := s.Logger.Sync(); err != nil {
		log.Printf("Failed to sync logger: %v", err)
	}

	if err := s.DBLogger.Sync(); err != nil {
		log.Printf("Failed to sync DB logger: %v", err)
	}

	if err := s.LogManager.Close(); err != nil {
		log.Printf("Failed to close log files: %v", err)
	}
}

// openBackend connects the configured storage backend.
func openBackend(
	ctx context.Context, cfg *config.Config, redisManager *redis.Manager, logger, dbLogger *zap.Logger,
) (database.Backend, database.Client, error) {
	switch cfg.Common.Storage.Backend {
	case config.StorageRedis:
		client, err := redisManager.GetClient(redis.StoreDBIndex)
		if err != nil {
			return nil, nil, err
		}

		return redis.NewStore(client, logger), nil, nil

	case config.StoragePostgres:
		db, err := database.NewConnection(ctx, &cfg.Common.PostgreSQL, dbLogger, cfg.Common.Storage.AutoMigrate)
		if err != nil {
			return nil, nil, err
		}

		if !cfg.Common.Storage.AutoMigrate {
			warnPendingMigrations(ctx, db, logger)
		}

		return db, db, nil

	default:
		return nil, nil, fmt.Errorf("%w: %q", config.ErrUnknownStorageBackend, cfg.Common.Storage.Backend)
	}
}

// warnPendingMigrations logs migrations that still have to be applied.
func warnPendingMigrations(ctx context.Context, db database.Client, logger *zap.Logger) {
	migrator := migrate.NewMigrator(db.DB(), migrations.Migrations)

	ms, err := migrator.MigrationsWithStatus(ctx)
	if err != nil {
		logger.Warn("Failed to check migration status", zap.Error(err))
		return
	}

	if unapplied := ms.Unapplied(); len(unapplied) > 0 {
		logger.Warn("Database migrations are pending, run `modguard migrate`",
			zap.Int("count", len(unapplied)),
			zap.String("first", unapplied[0].Name))
	}
}
