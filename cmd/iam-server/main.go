// Package main provides the entry point for the agent IAM server.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/agent-iam/go-core/internal/api/rest"
	"github.com/agent-iam/go-core/internal/audit"
	"github.com/agent-iam/go-core/internal/auth/capability"
	"github.com/agent-iam/go-core/internal/auth/jwt"
	"github.com/agent-iam/go-core/internal/authz"
	"github.com/agent-iam/go-core/internal/cel"
	"github.com/agent-iam/go-core/internal/config"
	"github.com/agent-iam/go-core/internal/db"
	"github.com/agent-iam/go-core/internal/identity"
	"github.com/agent-iam/go-core/internal/metrics"
	"github.com/agent-iam/go-core/internal/policy"
	"github.com/agent-iam/go-core/internal/ratelimit"
	"github.com/agent-iam/go-core/internal/revocation"
	"github.com/agent-iam/go-core/internal/service"
	"github.com/agent-iam/go-core/internal/session"
)

var (
	// Version information (set at build time)
	Version   = "dev"
	GitCommit = "unknown"
)

func main() {
	var (
		configPath      = flag.String("config", "", "Path to the YAML config file")
		showVersion     = flag.Bool("version", false, "Show version information")
		gracefulTimeout = flag.Duration("shutdown-timeout", 30*time.Second, "Graceful shutdown timeout")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("iam-server %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	path := *configPath
	if path == "" {
		path = os.Getenv("AGENT_IAM__CONFIG")
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Starting agent IAM server",
		zap.String("version", Version),
		zap.Int("port", cfg.Server.Port),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Relational store.
	pool, err := db.Open(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	if cfg.Database.Migrate {
		if err := db.Migrate(pool, logger); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
	}

	// Redis backs the revocation set and the rate limiter.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("Failed to connect to redis", zap.Error(err))
	}

	m := metrics.New("agent_iam")

	// Audit pipeline: postgres is the primary sink and chain source; the
	// rotated file is an optional secondary sink.
	auditPG := audit.NewPostgresBackend(pool)
	var auditBackend audit.Backend = auditPG
	if cfg.Audit.FilePath != "" {
		auditBackend = audit.NewMultiBackend(logger, auditPG, audit.NewFileBackend(audit.FileBackendConfig{
			Path:       cfg.Audit.FilePath,
			MaxSizeMB:  cfg.Audit.FileMaxSizeMB,
			MaxBackups: cfg.Audit.FileMaxBackups,
		}))
	}
	auditLogger := audit.NewLogger(auditBackend, auditPG, audit.LoggerConfig{
		QueueDepth:    cfg.Audit.QueueDepth,
		BatchSize:     cfg.Audit.BatchSize,
		FlushInterval: cfg.Audit.FlushInterval,
	}, logger, m)

	identities := identity.NewPostgresStore(pool)
	sessions := session.NewPostgresStore(pool)
	policies := policy.NewPostgresStore(pool)

	jwtManager, err := jwt.NewManager(jwt.Config{
		Secret:     []byte(cfg.JWT.Secret),
		AccessTTL:  cfg.JWT.AccessTTL,
		RefreshTTL: cfg.JWT.RefreshTTL,
	})
	if err != nil {
		logger.Fatal("Failed to build JWT manager", zap.Error(err))
	}

	celEngine, err := cel.NewEngine()
	if err != nil {
		logger.Fatal("Failed to build CEL engine", zap.Error(err))
	}

	capabilities, err := buildCapabilityManager(cfg.Capability, celEngine, logger)
	if err != nil {
		logger.Fatal("Failed to build capability manager", zap.Error(err))
	}

	revocations := revocation.NewSet(redisClient, logger)
	limiter := ratelimit.NewLimiter(ratelimit.NewSlidingWindow(redisClient), ratelimit.Config{
		AuthPerMinute:    cfg.RateLimit.AuthPerMinute,
		DefaultPerMinute: cfg.RateLimit.DefaultPerMinute,
		PerHour:          cfg.RateLimit.PerHour,
		PerDay:           cfg.RateLimit.PerDay,
	})

	// Policy engine: load the persisted working set, then (optionally)
	// follow the seed directory.
	engine := policy.NewEngine(policy.NewCedarBackend(), logger)
	if cfg.Policy.SeedDir != "" && cfg.Policy.WatchSeeds {
		watcher := policy.NewWatcher(cfg.Policy.SeedDir, policies, engine, cfg.Policy.WatchDebounce, logger)
		go func() {
			if err := watcher.Run(ctx); err != nil {
				logger.Error("policy seed watcher stopped", zap.Error(err))
			}
		}()
	} else {
		count, err := engine.Reload(ctx, policies)
		if err != nil {
			logger.Fatal("Failed to load policies", zap.Error(err))
		}
		logger.Info("policies loaded", zap.Int("count", count))
	}

	provisioner := identity.NewProvisioner(identities, auditLogger, logger)
	evaluator := authz.NewEvaluator(engine, auditLogger, m, logger)

	svc := service.New(service.Deps{
		Identities:   identities,
		Provisioner:  provisioner,
		Sessions:     sessions,
		JWT:          jwtManager,
		Capabilities: capabilities,
		Revocations:  revocations,
		Limiter:      limiter,
		Evaluator:    evaluator,
		Policies:     policies,
		Audit:        auditLogger,
		Metrics:      m,
		Logger:       logger,
	})

	// Background maintenance: expired-agent sweeps and session retention.
	sweeper := identity.NewSweeper(identities, time.Minute, logger)
	go sweeper.Run(ctx)
	go purgeSessions(ctx, sessions, cfg.Audit.SessionRetention, logger)

	srv, err := rest.New(rest.Config{
		Port:         cfg.Server.Port,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		EnableCORS:   cfg.Server.EnableCORS,
		CORSOrigins:  cfg.Server.CORSOrigins,
	}, svc, limiter, m, pool, redisClient, logger)
	if err != nil {
		logger.Fatal("Failed to build HTTP server", zap.Error(err))
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Info("Starting HTTP server", zap.Int("port", cfg.Server.Port))
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		if err != nil {
			logger.Fatal("Server error", zap.Error(err))
		}
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *gracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown failed", zap.Error(err))
	}
	if err := auditLogger.Close(); err != nil {
		logger.Error("Audit pipeline shutdown failed", zap.Error(err))
	}

	logger.Info("Server stopped")
}

// buildCapabilityManager uses the configured seed when present so capability
// tokens survive restarts; otherwise it mints an ephemeral key.
func buildCapabilityManager(cfg config.CapabilityConfig, engine *cel.Engine, logger *zap.Logger) (*capability.Manager, error) {
	if cfg.KeySeed == "" {
		logger.Warn("capability.key_seed not set; minting ephemeral signing key")
		return capability.NewRandomManager(engine, logger)
	}
	seed, err := hex.DecodeString(cfg.KeySeed)
	if err != nil {
		return nil, fmt.Errorf("failed to decode capability key seed: %w", err)
	}
	return capability.NewManager(seed, engine, logger)
}

// purgeSessions deletes session rows past the retention horizon once an hour.
func purgeSessions(ctx context.Context, store session.Store, retention time.Duration, logger *zap.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			purged, err := store.Purge(ctx, retention)
			if err != nil {
				logger.Error("session purge failed", zap.Error(err))
				continue
			}
			if purged > 0 {
				logger.Info("expired sessions purged", zap.Int64("count", purged))
			}
		}
	}
}

// initLogger builds the zap logger from the logging section.
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	var level zapcore.Level
	switch cfg.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "info", "":
		level = zapcore.InfoLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}

	var zapConfig zap.Config
	if cfg.Development {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)

	return zapConfig.Build()
}
