// Package api provides the HTTP front end for rxclassify: image classification,
// health reporting and the Prometheus scrape endpoint.
package api

import (
	"fmt"
	"sync"
	"time"

	"github.com/tphakala/rxclassify/internal/conf"
	"github.com/tphakala/rxclassify/internal/logger"
)

var (
	pkgLogger     logger.Logger
	pkgLoggerOnce sync.Once
)

// GetLogger returns the api package logger.
func GetLogger() logger.Logger {
	pkgLoggerOnce.Do(func() {
		pkgLogger = logger.Global().Module("api")
	})
	return pkgLogger
}

// Default constants for the HTTP server.
const (
	DefaultReadTimeout     = 30 * time.Second
	DefaultWriteTimeout    = 60 * time.Second
	DefaultIdleTimeout     = 120 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultRequestTimeout  = 30 * time.Second
)

// Config holds the HTTP server configuration.
type Config struct {
	Listen string // host:port to bind

	ReadTimeout     time.Duration // maximum duration for reading a request
	WriteTimeout    time.Duration // maximum duration for writing a response
	IdleTimeout     time.Duration // keep-alive idle time
	ShutdownTimeout time.Duration // graceful shutdown budget
	RequestTimeout  time.Duration // how long a classify request waits for its outcome

	BodyLimit string // maximum request body size, e.g. "32M"

	RateLimit float64 // requests per second per client IP, 0 disables limiting
	Burst     int     // limiter burst

	AllowedOrigins []string // CORS allowed origins
	Debug          bool
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:          ":8080",
		ReadTimeout:     DefaultReadTimeout,
		WriteTimeout:    DefaultWriteTimeout,
		IdleTimeout:     DefaultIdleTimeout,
		ShutdownTimeout: DefaultShutdownTimeout,
		RequestTimeout:  DefaultRequestTimeout,
		BodyLimit:       "32M",
		AllowedOrigins:  []string{"*"},
	}
}

// ConfigFromSettings creates a Config from the application settings.
func ConfigFromSettings(settings *conf.Settings) *Config {
	cfg := DefaultConfig()
	cfg.Listen = settings.WebServer.Listen
	cfg.RateLimit = settings.WebServer.RateLimit
	cfg.Burst = settings.WebServer.Burst
	cfg.Debug = settings.Debug

	if settings.WebServer.Timeout > 0 {
		cfg.RequestTimeout = settings.WebServer.Timeout
		// Leave room to encode the response after the outcome arrives.
		cfg.WriteTimeout = max(cfg.WriteTimeout, settings.WebServer.Timeout+5*time.Second)
	}
	if settings.Image.MaxBytes > 0 {
		// Multipart framing adds a little on top of the image itself.
		cfg.BodyLimit = fmt.Sprintf("%dK", settings.Image.MaxBytes/1024+64)
	}
	return cfg
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("read timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("write timeout must be positive")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit must not be negative")
	}
	if c.RateLimit > 0 && c.Burst < 1 {
		return fmt.Errorf("burst must be at least 1 when rate limiting is enabled")
	}
	return nil
}
