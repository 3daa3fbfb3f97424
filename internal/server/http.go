package server

import (
	"context"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatgateway/internal/core"
	"chatgateway/internal/providers"
	"chatgateway/internal/quota"
	"chatgateway/internal/session"
)

const (
	defaultMetricsPath   = "/metrics"
	defaultBodySizeLimit = "10M"
	chatWebSocketPath    = "/v1/chat/ws"
)

// Server wraps the Echo server
type Server struct {
	echo    *echo.Echo
	handler *Handler

	cancelSessions context.CancelFunc
	sockets        sync.WaitGroup
}

// Config holds server configuration options
type Config struct {
	MetricsEnabled  bool   // Whether to expose Prometheus metrics endpoint
	MetricsEndpoint string // HTTP path for metrics endpoint (default: /metrics)
	BodySizeLimit   string // Max request body size, e.g. "10M" (default: 10M)
	WebSocket       WebSocketConfig
}

// Deps are the components the routes serve. Validator may be nil to disable
// bearer authentication. Gatherer defaults to the global Prometheus registry.
type Deps struct {
	Router    ChatRouter
	Registry  *providers.ModelRegistry
	Quota     *quota.Engine
	Validator core.TokenValidator
	Sessions  *session.Engine
	Gatherer  prometheus.Gatherer
}

// New creates a new HTTP server
func New(deps Deps, cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	handler := NewHandler(deps.Router, deps.Registry, deps.Quota)
	sessionsCtx, cancelSessions := context.WithCancel(context.Background())
	s := &Server{
		echo:           e,
		handler:        handler,
		cancelSessions: cancelSessions,
	}

	metricsPath := metricsPath(cfg.MetricsEndpoint)
	authSkipPaths := []string{"/health", chatWebSocketPath}
	if cfg.MetricsEnabled {
		authSkipPaths = append(authSkipPaths, metricsPath)
	}

	// Decompression runs before the body limit so the limit sees decoded bytes.
	e.Use(RequestID())
	e.Use(requestLogger())
	e.Use(middleware.Recover())
	e.Use(RequestDecompression())

	bodySizeLimit := defaultBodySizeLimit
	if cfg.BodySizeLimit != "" {
		bodySizeLimit = cfg.BodySizeLimit
	}
	e.Use(middleware.BodyLimit(bodySizeLimit))

	e.Use(AuthMiddleware(deps.Validator, authSkipPaths))

	// Public routes
	e.GET("/health", handler.Health)
	if cfg.MetricsEnabled {
		gatherer := deps.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		e.GET(metricsPath, echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	// API routes
	e.GET("/v1/models", handler.ListModels)
	e.POST("/v1/chat/completions", handler.ChatCompletion, ModelValidation(deps.Router))
	e.GET("/v1/usage", handler.Usage)
	if deps.Sessions != nil {
		ws := ChatWebSocket(sessionsCtx, deps.Sessions, cfg.WebSocket)
		e.GET(chatWebSocketPath, func(c echo.Context) error {
			s.sockets.Add(1)
			defer s.sockets.Done()
			return ws(c)
		})
	}

	return s
}

// metricsPath cleans the configured endpoint. Paths under /v1/ would shadow
// API routes and fall back to the default.
func metricsPath(endpoint string) string {
	if endpoint == "" {
		return defaultMetricsPath
	}
	p := path.Clean("/" + endpoint)
	if p == "/" || p == "/v1" || strings.HasPrefix(p, "/v1/") {
		return defaultMetricsPath
	}
	return p
}

// RequestID propagates X-Request-ID, generating one when the client sent none.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			requestID := req.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			c.Response().Header().Set("X-Request-ID", requestID)
			c.SetRequest(req.WithContext(core.WithRequestID(req.Context(), requestID)))
			return next(c)
		}
	}
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
				slog.String("request_id", core.GetRequestID(c.Request().Context())),
			}
			level := slog.LevelInfo
			if v.Error != nil {
				level = slog.LevelError
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			if userID, ok := c.Get(userIDKey).(string); ok {
				attrs = append(attrs, slog.String("user_id", userID))
			}
			if providerType := GetProviderType(c); providerType != "" {
				attrs = append(attrs, slog.String("provider", providerType))
			}
			slog.LogAttrs(c.Request().Context(), level, "http request", attrs...)
			return nil
		},
	})
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown stops accepting requests, ends every WebSocket session and waits
// for their bookkeeping until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.echo.Shutdown(ctx)
	s.cancelSessions()

	done := make(chan struct{})
	go func() {
		s.sockets.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// ServeHTTP implements the http.Handler interface, allowing Server to be used with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
