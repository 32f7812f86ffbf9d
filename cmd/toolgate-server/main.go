package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/outrider-ai/toolgate/internal/audit"
	"github.com/outrider-ai/toolgate/internal/auth"
	"github.com/outrider-ai/toolgate/internal/authz"
	"github.com/outrider-ai/toolgate/internal/config"
	"github.com/outrider-ai/toolgate/internal/gateway"
	"github.com/outrider-ai/toolgate/internal/ratelimit"
	"github.com/outrider-ai/toolgate/internal/registry"
	"github.com/outrider-ai/toolgate/internal/sanitize"
	"github.com/outrider-ai/toolgate/internal/server"
	"github.com/outrider-ai/toolgate/internal/transport"
	"github.com/outrider-ai/toolgate/internal/validate"
)

func main() {
	configPath := envOrDefault("TOOLGATE_CONFIG", "")
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "toolgate: %v\n", err)
		os.Exit(1)
	}

	logger := mustBuildLogger(cfg.Log.Level)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting tool gateway",
		zap.String("addr", cfg.Server.Addr),
		zap.Int("stdio_servers", len(cfg.Transport.StdioServers)),
		zap.Strings("allowed_hosts", cfg.Transport.AllowedHosts),
	)

	// Audit sink — ClickHouse or structured log fallback, plus an
	// in-memory ring for the events API.
	ring := audit.NewRingWriter(cfg.Audit.RingSize)
	var sink audit.EventWriter
	if cfg.Audit.ClickHouseDSN != "" {
		chWriter, err := audit.NewClickHouseWriter(cfg.Audit.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log writer",
				zap.Error(err),
			)
			sink = audit.NewLogWriter(logger)
		} else {
			sink = chWriter
			logger.Info("clickhouse writer connected")
		}
	} else {
		sink = audit.NewLogWriter(logger)
		logger.Info("no clickhouse_dsn set, using log writer")
	}
	events := audit.NewTee(sink, ring)
	defer events.Close()

	// Postgres — shared by the authenticator and the permission matrix
	// when configured.
	var db *sql.DB
	if cfg.Auth.PostgresDSN != "" {
		db, err = sql.Open("pgx", cfg.Auth.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(context.Background()); err != nil {
			logger.Fatal("failed to ping postgres", zap.Error(err))
		}
	}

	// Authenticator — Postgres if configured, otherwise static keys.
	var authenticator auth.Authenticator
	if db != nil {
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: cfg.Auth.CacheTTL,
			Logger:   logger,
		})
		logger.Info("postgres authenticator connected")
	} else {
		keys := make(map[string]auth.Principal, len(cfg.Auth.StaticKeys))
		for _, k := range cfg.Auth.StaticKeys {
			keys[k.Key] = auth.Principal{Name: k.Name, Role: k.Role}
		}
		authenticator = auth.NewStaticAuthenticator(keys)
		logger.Info("using static authenticator", zap.Int("keys", len(keys)))
	}

	// Permission matrix — Postgres if configured, otherwise from file.
	var gate *authz.Gate
	if db != nil {
		gate, err = authz.LoadPostgresGate(context.Background(), db, logger)
		if err != nil {
			logger.Fatal("failed to load permission matrix", zap.Error(err))
		}
	} else {
		gate = authz.NewGate(cfg.Roles)
		logger.Info("permission matrix loaded from config", zap.Int("roles", len(cfg.Roles)))
	}

	// Transport and registry.
	manager := transport.NewManager(cfg.TransportPolicy(), logger)
	defer manager.Close()

	sanitizer := sanitize.New(sanitize.DefaultLimits())
	catalog := registry.New(manager, logger,
		registry.WithTTL(cfg.Registry.TTL),
		registry.WithSanitizer(sanitizer),
	)

	gw := gateway.New(gateway.Config{
		Gate:      gate,
		Limiter:   ratelimit.New(cfg.RateLimiterConfig()),
		Catalog:   catalog,
		Caller:    manager,
		Validator: validate.New(validate.Config{WorkspaceRoot: cfg.Validation.WorkspaceRoot}),
		Sanitizer: sanitizer,
		Events:    events,
		Logger:    logger,
	})

	router := server.NewRouter(&server.Dependencies{
		Gateway:       gw,
		Authenticator: authenticator,
		Events:        ring,
		Logger:        logger,
		ClientRPS:     cfg.Server.ClientRPS,
		ClientBurst:   cfg.Server.ClientBurst,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown.
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("tool gateway listening", zap.String("addr", cfg.Server.Addr))
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("http server failed", zap.Error(err))
	}
	<-done
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
