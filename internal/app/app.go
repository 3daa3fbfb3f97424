// Package app provides the main application struct for centralized dependency management
// and lifecycle control of the chat gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"chatgateway/config"
	"chatgateway/internal/auth"
	"chatgateway/internal/conversation"
	"chatgateway/internal/observability"
	"chatgateway/internal/providers"
	"chatgateway/internal/providers/anthropic"
	"chatgateway/internal/providers/openai"
	"chatgateway/internal/quota"
	"chatgateway/internal/server"
	"chatgateway/internal/session"
	"chatgateway/internal/storage"
	"chatgateway/internal/usage"
)

// App represents the main application with all its dependencies.
type App struct {
	config        *config.Config
	storage       storage.Storage
	quotaStore    quota.Store
	usage         usage.LoggerInterface
	conversations conversation.Store
	providers     *providers.InitResult
	sessions      *session.Engine
	server        *server.Server

	shutdownMu sync.Mutex
	shutdown   bool
}

// Config holds the configuration options for creating an App.
type Config struct {
	// AppConfig is the loaded and validated configuration.
	AppConfig *config.Config

	// Factory builds provider adapters. Nil registers the OpenAI and
	// Anthropic adapters with metrics hooks and the resilience settings.
	Factory *providers.ProviderFactory

	// Registerer receives the gateway metrics. Nil uses a fresh registry
	// that is also served on the metrics endpoint.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// New creates a new App with all dependencies initialized.
// The caller must call Shutdown to release resources.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.AppConfig == nil {
		return nil, fmt.Errorf("app config is required")
	}
	appCfg := cfg.AppConfig
	app := &App{config: appCfg}

	registerer, gatherer := cfg.Registerer, cfg.Gatherer
	if registerer == nil {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		registerer, gatherer = reg, reg
	}
	var metrics *observability.Metrics
	if appCfg.Metrics.Enabled {
		metrics = observability.NewMetrics(registerer)
	}

	factory := cfg.Factory
	if factory == nil {
		factory = providers.NewProviderFactory(providers.ProviderOptions{
			Hooks:      metrics.Hooks(),
			Resilience: appCfg.Resilience,
		})
		factory.Add(openai.Registration)
		factory.Add(anthropic.Registration)
	}

	if err := app.initStores(ctx); err != nil {
		return nil, errors.Join(err, app.closeStores())
	}

	validator, err := auth.New(appCfg.Auth)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to initialize auth: %w", err), app.closeStores())
	}

	providerResult, err := providers.Init(ctx, appCfg, factory)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to initialize providers: %w", err), app.closeStores())
	}
	app.providers = providerResult

	quotaEngine := quota.NewEngine(app.quotaStore, quota.Limits{
		Daily:   appCfg.Quota.DailyLimit,
		Monthly: appCfg.Quota.MonthlyLimit,
	}, quota.WithLedger(app.usage))

	app.sessions, err = session.NewEngine(session.Config{
		OutboundBuffer: appCfg.Session.OutboundBuffer,
		RecordTimeout:  appCfg.Session.RecordTimeout,
	}, session.Deps{
		Validator:     validator,
		Router:        providerResult.Router,
		Quota:         quotaEngine,
		Conversations: app.conversations,
		Metrics:       metrics,
	})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to initialize sessions: %w", err), app.providers.Close(), app.closeStores())
	}

	app.logStartupInfo()

	app.server = server.New(server.Deps{
		Router:    providerResult.Router,
		Registry:  providerResult.Registry,
		Quota:     quotaEngine,
		Validator: validator,
		Sessions:  app.sessions,
		Gatherer:  gatherer,
	}, &server.Config{
		MetricsEnabled:  appCfg.Metrics.Enabled,
		MetricsEndpoint: appCfg.Metrics.Endpoint,
		BodySizeLimit:   appCfg.Server.BodyLimit,
		WebSocket: server.WebSocketConfig{
			AllowedOrigins: appCfg.Server.AllowedOrigins,
			ReadLimit:      appCfg.Session.ReadLimit,
			PingInterval:   appCfg.Session.PingInterval,
			WriteTimeout:   appCfg.Session.WriteTimeout,
		},
	})

	return app, nil
}

// initStores opens the shared database when something needs it, then the
// quota store, the usage ledger and the conversation store on top of it.
func (a *App) initStores(ctx context.Context) error {
	cfg := a.config

	if needsStorage(cfg) {
		shared, err := storage.New(ctx, storage.Config{
			Type: cfg.Storage.Type,
			URL:  cfg.Storage.URL,
			SQLite: storage.SQLiteConfig{
				Path: cfg.Storage.SQLitePath,
			},
			PostgreSQL: storage.PostgreSQLConfig{
				MaxConns: cfg.Storage.PostgresMaxConns,
			},
			MongoDB: storage.MongoDBConfig{
				Database: cfg.Storage.MongoDatabase,
			},
		})
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		a.storage = shared
	}

	var err error
	if a.quotaStore, err = quota.NewStore(ctx, cfg, a.storage); err != nil {
		return fmt.Errorf("failed to initialize quota store: %w", err)
	}
	if a.usage, err = usage.New(ctx, cfg, a.storage); err != nil {
		return fmt.Errorf("failed to initialize usage ledger: %w", err)
	}
	if a.conversations, err = conversation.New(ctx, a.storage); err != nil {
		return fmt.Errorf("failed to initialize conversation store: %w", err)
	}
	return nil
}

// needsStorage reports whether any component persists to the shared database.
// An explicit storage type or URL also enables persistent conversations.
func needsStorage(cfg *config.Config) bool {
	return cfg.Quota.Store == "storage" ||
		cfg.Usage.Enabled ||
		cfg.Storage.Type != "" ||
		cfg.Storage.URL != ""
}

// Router returns the model router.
func (a *App) Router() *providers.Router {
	if a.providers == nil {
		return nil
	}
	return a.providers.Router
}

// Sessions returns the WebSocket session engine.
func (a *App) Sessions() *session.Engine {
	return a.sessions
}

// Start starts the HTTP server on the given address.
// This is a blocking call that returns when the server stops.
func (a *App) Start(addr string) error {
	if a.server == nil {
		return fmt.Errorf("server is not initialized")
	}
	slog.Info("starting server", "address", addr)
	if err := a.server.Start(addr); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			slog.Info("server stopped gracefully")
			return nil
		}
		return fmt.Errorf("server failed to start: %w", err)
	}
	return nil
}

// Shutdown gracefully tears down app components in dependency order:
// the HTTP server and its sessions, the provider subsystem, then the stores
// (flushing the usage ledger) and finally the shared database.
//
// Shutdown is idempotent. It attempts every step and returns the joined failures.
func (a *App) Shutdown(ctx context.Context) error {
	a.shutdownMu.Lock()
	if a.shutdown {
		a.shutdownMu.Unlock()
		return nil
	}
	a.shutdown = true
	a.shutdownMu.Unlock()

	slog.Info("shutting down application...")

	var errs []error

	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
	}

	if a.providers != nil {
		if err := a.providers.Close(); err != nil {
			slog.Error("providers close error", "error", err)
			errs = append(errs, fmt.Errorf("providers close: %w", err))
		}
	}

	if err := a.closeStores(); err != nil {
		slog.Error("store close error", "error", err)
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}

	slog.Info("application shutdown complete")
	return nil
}

// closeStores closes whatever initStores opened, in reverse order.
func (a *App) closeStores() error {
	var errs []error
	if a.conversations != nil {
		if err := a.conversations.Close(); err != nil {
			errs = append(errs, fmt.Errorf("conversation store close: %w", err))
		}
		a.conversations = nil
	}
	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("usage close: %w", err))
		}
		a.usage = nil
	}
	if a.quotaStore != nil {
		if err := a.quotaStore.Close(); err != nil {
			errs = append(errs, fmt.Errorf("quota store close: %w", err))
		}
		a.quotaStore = nil
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
		a.storage = nil
	}
	return errors.Join(errs...)
}

// logStartupInfo logs the application configuration on startup.
func (a *App) logStartupInfo() {
	cfg := a.config

	switch {
	case cfg.Auth.JWTSecret != "" && cfg.Auth.StaticTokens != "":
		slog.Info("authentication enabled", "mode", "jwt+static")
	case cfg.Auth.JWTSecret != "":
		slog.Info("authentication enabled", "mode", "jwt", "issuer", cfg.Auth.Issuer)
	default:
		slog.Warn("authentication uses static tokens only", "recommendation", "set JWT_SECRET in production")
	}

	if cfg.Metrics.Enabled {
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Metrics.Endpoint)
	} else {
		slog.Info("prometheus metrics disabled")
	}

	if a.storage != nil {
		slog.Info("storage configured", "type", a.storage.Type())
	} else {
		slog.Info("storage disabled, conversations kept in memory")
	}

	slog.Info("quota configured",
		"store", cfg.Quota.Store,
		"daily_limit", cfg.Quota.DailyLimit,
		"monthly_limit", cfg.Quota.MonthlyLimit,
	)

	if cfg.Usage.Enabled {
		slog.Info("usage ledger enabled",
			"buffer_size", cfg.Usage.BufferSize,
			"flush_interval", cfg.Usage.FlushInterval,
			"retention_days", cfg.Usage.RetentionDays,
		)
	} else {
		slog.Info("usage ledger disabled")
	}
}
