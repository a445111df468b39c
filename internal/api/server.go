package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/tphakala/rxclassify/internal/buildinfo"
	"github.com/tphakala/rxclassify/internal/conf"
	"github.com/tphakala/rxclassify/internal/dispatcher"
	"github.com/tphakala/rxclassify/internal/errors"
	"github.com/tphakala/rxclassify/internal/imagenorm"
	"github.com/tphakala/rxclassify/internal/logger"
	"github.com/tphakala/rxclassify/internal/observability"
)

// Dispatcher is the part of the result dispatcher the server drives.
type Dispatcher interface {
	Submit(src imagenorm.Source, sink func(dispatcher.Outcome)) string
	Pending() int
	Overlap() dispatcher.Overlap
}

// OutcomeHook observes every outcome of a classify request. It runs on the
// presentation executor and must not block.
type OutcomeHook func(dispatcher.Outcome)

// Server is the HTTP front end.
type Server struct {
	echo     *echo.Echo
	config   *Config
	settings *conf.Settings

	dispatcher Dispatcher
	metrics    *observability.Metrics
	modelInfo  any
	buildInfo  buildinfo.BuildInfo
	hooks      []OutcomeHook
	limiter    *rateLimiter
	memStats   func() (*MemoryStats, error)

	startTime time.Time
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithDispatcher sets the dispatcher classify requests are submitted to.
func WithDispatcher(d Dispatcher) ServerOption {
	return func(s *Server) {
		s.dispatcher = d
	}
}

// WithMetrics enables request metrics and the /metrics endpoint.
func WithMetrics(m *observability.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithModelInfo sets the model description reported by the health endpoint.
func WithModelInfo(info any) ServerOption {
	return func(s *Server) {
		s.modelInfo = info
	}
}

// WithBuildInfo sets the version reported by the health endpoint.
func WithBuildInfo(info buildinfo.BuildInfo) ServerOption {
	return func(s *Server) {
		s.buildInfo = info
	}
}

// WithOutcomeHook registers a hook called with every classify outcome,
// including outcomes of requests whose HTTP client already gave up.
func WithOutcomeHook(hook OutcomeHook) ServerOption {
	return func(s *Server) {
		if hook != nil {
			s.hooks = append(s.hooks, hook)
		}
	}
}

// WithConfig overrides the configuration derived from settings.
func WithConfig(cfg *Config) ServerOption {
	return func(s *Server) {
		s.config = cfg
	}
}

// New creates a new HTTP server with the given settings and options.
func New(settings *conf.Settings, opts ...ServerOption) (*Server, error) {
	s := &Server{
		config:    ConfigFromSettings(settings),
		settings:  settings,
		memStats:  captureMemoryStats,
		startTime: time.Now(),
	}

	for _, opt := range opts {
		opt(s)
	}

	if err := s.config.Validate(); err != nil {
		return nil, errors.New(fmt.Errorf("invalid server configuration: %w", err)).
			Component("api").
			Category(errors.CategoryConfiguration).
			Build()
	}

	if s.config.RateLimit > 0 {
		s.limiter = newRateLimiter(s.config.RateLimit, s.config.Burst)
	}

	s.echo = echo.New()
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Debug = s.config.Debug
	s.echo.HTTPErrorHandler = s.handleHTTPError
	s.echo.Logger = logger.NewEchoLoggerAdapter(GetLogger().Module("echo"))

	s.echo.Server.ReadTimeout = s.config.ReadTimeout
	s.echo.Server.WriteTimeout = s.config.WriteTimeout
	s.echo.Server.IdleTimeout = s.config.IdleTimeout

	s.setupMiddleware()
	s.setupRoutes()

	GetLogger().Info("HTTP server initialized",
		logger.String("address", s.config.Listen),
		logger.Bool("rate_limited", s.limiter != nil),
		logger.Bool("metrics", s.metrics != nil))

	return s, nil
}

// setupMiddleware configures the Echo middleware stack.
func (s *Server) setupMiddleware() {
	// Recovery middleware - should be first
	s.echo.Use(echomw.Recover())
	s.echo.Use(newRequestLogger(s.httpMetrics()))
	s.echo.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: s.config.AllowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept},
	}))
	s.echo.Use(echomw.SecureWithConfig(echomw.SecureConfig{
		XSSProtection:      "1; mode=block",
		ContentTypeNosniff: "nosniff",
		XFrameOptions:      "DENY",
	}))
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	v1 := s.echo.Group("/api/v1")
	v1.GET("/health", s.handleHealth)

	classify := []echo.MiddlewareFunc{echomw.BodyLimit(s.config.BodyLimit)}
	if s.limiter != nil {
		classify = append(classify, s.limiter.middleware(s.httpMetrics()))
	}
	v1.POST("/classify", s.handleClassify, classify...)

	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
}

func (s *Server) httpMetrics() httpObserver {
	if s.metrics == nil || s.metrics.HTTP == nil {
		return nil
	}
	return s.metrics.HTTP
}

// Serve begins serving HTTP requests and blocks until the server is shut down.
func (s *Server) Serve() error {
	GetLogger().Info("starting HTTP server", logger.String("address", s.config.Listen))

	err := s.echo.Start(s.config.Listen)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.New(fmt.Errorf("server error: %w", err)).
			Component("api").
			Category(errors.CategoryNetwork).
			Context("address", s.config.Listen).
			Build()
	}
	return nil
}

// Shutdown gracefully stops the server within the configured timeout. A
// server shut down before Serve runs never starts listening.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.echo.Shutdown(ctx); err != nil {
		GetLogger().Error("error during server shutdown", logger.Error(err))
		return fmt.Errorf("shutdown error: %w", err)
	}

	GetLogger().Info("server shutdown complete")
	return nil
}

// Echo returns the underlying Echo instance.
// This is useful for testing or advanced configuration.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// handleHTTPError renders errors returned by echo itself, such as unknown
// routes or oversized bodies, in the ErrorResponse format.
func (s *Server) handleHTTPError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	code := http.StatusInternalServerError
	message := http.StatusText(code)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			message = m
		} else {
			message = http.StatusText(code)
		}
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = writeError(c, err, message, code, "")
	}
	if err != nil {
		GetLogger().Warn("failed to write error response", logger.Error(err))
	}
}

func (s *Server) notify(out dispatcher.Outcome) {
	for _, hook := range s.hooks {
		hook(out)
	}
}
