package server

import (
	"context"
	"log/slog"
	"net/http"
	"path"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"costgate/internal/core"
)

const defaultBodySizeLimit = "1M"

// Server wraps the Echo server.
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// Config holds server configuration options.
type Config struct {
	MasterKey       string // optional bearer token; empty disables auth
	MetricsEnabled  bool
	MetricsEndpoint string
	BodySizeLimit   string // echo size string, e.g. "1M"
}

// New builds the HTTP server over the given services.
func New(services Services, cfg *Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	handler := NewHandler(services)

	authSkipPaths := []string{"/health"}

	metricsPath := "/metrics"
	if cfg != nil && cfg.MetricsEnabled {
		if cfg.MetricsEndpoint != "" {
			metricsPath = path.Clean(cfg.MetricsEndpoint)
		}
		authSkipPaths = append(authSkipPaths, metricsPath)
	}

	e.Use(middleware.Recover())
	e.Use(requestIDMiddleware())
	e.Use(requestLogger())

	bodyLimit := defaultBodySizeLimit
	if cfg != nil && cfg.BodySizeLimit != "" {
		bodyLimit = cfg.BodySizeLimit
	}
	e.Use(middleware.BodyLimit(bodyLimit))

	if cfg != nil && cfg.MasterKey != "" {
		e.Use(AuthMiddleware(cfg.MasterKey, authSkipPaths))
	}

	// Public routes
	e.GET("/health", handler.Health)
	if cfg != nil && cfg.MetricsEnabled {
		e.GET(metricsPath, echo.WrapHandler(promhttp.Handler()))
	}

	// API routes
	e.POST("/v1/generate", handler.Generate)
	e.POST("/v1/budget/check", handler.CheckBudget)
	e.POST("/v1/jobs", handler.QueueJob)
	e.GET("/v1/jobs/:id", handler.GetJobResult)
	e.DELETE("/v1/jobs/:id", handler.CancelJob)
	e.GET("/v1/queue/stats", handler.QueueStats)
	e.PUT("/v1/queue/rate-limits", handler.UpdateRateLimits)
	e.POST("/v1/batch", handler.QueueBatch)
	e.GET("/v1/batch/:id", handler.GetBatchResult)
	e.POST("/v1/breaker/probe", handler.ProbeBreaker)

	return &Server{
		echo:    e,
		handler: handler,
	}
}

// Start starts the HTTP server on the given address.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements http.Handler so the server can be driven by httptest.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// requestIDMiddleware propagates the caller's X-Request-Id, or assigns one,
// into both the request context and the response.
func requestIDMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := c.Request().Header.Get(echo.HeaderXRequestID)
			if id == "" {
				id = uuid.NewString()
			}

			ctx := core.WithRequestID(c.Request().Context(), id)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Response().Header().Set(echo.HeaderXRequestID, id)

			return next(c)
		}
	}
}

func requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:  true,
		LogURI:     true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			slog.Info("http request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds(),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			)
			return nil
		},
	})
}
