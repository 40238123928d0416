package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/revlake/revlake-engine/pkg/config"
	"github.com/revlake/revlake-engine/pkg/connectors"
	_ "github.com/revlake/revlake-engine/pkg/connectors/all"
	"github.com/revlake/revlake-engine/pkg/crypto"
	"github.com/revlake/revlake-engine/pkg/database"
	"github.com/revlake/revlake-engine/pkg/handlers"
	"github.com/revlake/revlake-engine/pkg/logging"
	"github.com/revlake/revlake-engine/pkg/repositories"
	"github.com/revlake/revlake-engine/pkg/retry"
	"github.com/revlake/revlake-engine/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("database", cfg.Database.Host),
		zap.String("redis", cfg.Redis.Host),
		zap.String("schedule", cfg.Sync.Schedule))

	ctx := context.Background()

	// Migrations run over database/sql; the pool below uses pgx natively.
	migrationDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		logger.Fatal("Failed to open migration connection", zap.Error(err))
	}
	if err := database.RunMigrations(migrationDB, cfg.MigrationsPath, logger); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}
	_ = migrationDB.Close()

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	redisClient, err := database.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	encryptor, err := crypto.NewCredentialEncryptor(cfg.CredentialsKey)
	if err != nil {
		logger.Fatal("Failed to initialize credential encryption", zap.Error(err))
	}

	// Repositories
	connectionRepo := repositories.NewConnectionRepository(db)
	mappingRepo := repositories.NewMappingRepository(db)
	rawRepo := repositories.NewRawRepository(db)
	canonicalRepo := repositories.NewCanonicalRepository(db)
	syncLogRepo := repositories.NewSyncLogRepository(db)
	conflictRepo := repositories.NewConflictRepository(db)
	aggregateRepo := repositories.NewAggregateRepository(db)

	// Services
	connOpts := connectors.Options{Logger: logger, Retry: retry.DefaultConfig()}
	connectionService := services.NewConnectionService(connectionRepo, encryptor, connOpts, logger)
	mappingService := services.NewMappingService(mappingRepo, logger)
	servingService := services.NewServingService(aggregateRepo, redisClient,
		time.Duration(cfg.Redis.TTL)*time.Second, logger)

	syncService := services.NewSyncService(
		connectionService, mappingRepo, rawRepo, canonicalRepo,
		syncLogRepo, conflictRepo, canonicalRepo, servingService, cfg.Sync, logger)

	if err := mappingService.SeedDefaults(ctx, cfg.MappingSeedPath); err != nil {
		logger.Fatal("Failed to seed default mappings", zap.Error(err))
	}

	scheduler := services.NewScheduler(syncService, cfg.Sync.Schedule, logger)
	if err := scheduler.Start(ctx); err != nil {
		logger.Fatal("Failed to start scheduler", zap.Error(err))
	}
	defer scheduler.Stop()

	mux := http.NewServeMux()

	// Register handlers
	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	handlers.NewConnectionsHandler(connectionService, mappingService, logger).RegisterRoutes(mux)
	handlers.NewMappingsHandler(mappingService, syncService, logger).RegisterRoutes(mux)
	handlers.NewSyncHandler(syncService, logger).RegisterRoutes(mux)
	handlers.NewLogsHandler(syncLogRepo, logger).RegisterRoutes(mux)
	handlers.NewConflictsHandler(conflictRepo, canonicalRepo, logger).RegisterRoutes(mux)
	handlers.NewStatsHandler(servingService, logger).RegisterRoutes(mux)

	addr := cfg.BindAddr + ":" + cfg.Port
	logger.Info("Starting revlake-engine",
		zap.String("addr", addr),
		zap.String("version", cfg.Version))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
}
