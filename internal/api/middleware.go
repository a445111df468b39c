package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"github.com/tphakala/rxclassify/internal/logger"
)

// httpObserver receives per-request measurements.
type httpObserver interface {
	ObserveRequest(method, route string, code int, seconds float64)
	IncrementRateLimited()
}

// newRequestLogger logs each request through the api logger and feeds the
// HTTP metrics when obs is non-nil.
func newRequestLogger(obs httpObserver) echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRemoteIP:  true,
		LogRoutePath: true,
		LogError:     true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			if obs != nil {
				route := v.RoutePath
				if route == "" {
					route = "unmatched"
				}
				obs.ObserveRequest(v.Method, route, v.Status, v.Latency.Seconds())
			}

			fields := []logger.Field{
				logger.String("method", v.Method),
				logger.String("uri", v.URI),
				logger.Int("status", v.Status),
				logger.String("ip", v.RemoteIP),
				logger.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, logger.Error(v.Error))
			}

			log := GetLogger().WithContext(c.Request().Context())
			if v.Status >= http.StatusInternalServerError {
				log.Warn("request", fields...)
			} else {
				log.Debug("request", fields...)
			}
			return nil
		},
	})
}

const (
	limiterIdleExpiry    = 10 * time.Minute
	limiterCleanupPeriod = 5 * time.Minute
)

// rateLimiter keeps one token bucket per client IP. Buckets of clients that
// stay idle for limiterIdleExpiry are dropped.
type rateLimiter struct {
	limit   rate.Limit
	burst   int
	clients *cache.Cache
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	return &rateLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		clients: cache.New(limiterIdleExpiry, limiterCleanupPeriod),
	}
}

func (l *rateLimiter) get(key string) *rate.Limiter {
	if v, ok := l.clients.Get(key); ok {
		lim := v.(*rate.Limiter)
		// Refresh the idle expiry.
		l.clients.SetDefault(key, lim)
		return lim
	}
	lim := rate.NewLimiter(l.limit, l.burst)
	if err := l.clients.Add(key, lim, cache.DefaultExpiration); err != nil {
		// Another request created the bucket first.
		if v, ok := l.clients.Get(key); ok {
			return v.(*rate.Limiter)
		}
	}
	return lim
}

func (l *rateLimiter) allow(key string) bool {
	return l.get(key).Allow()
}

func (l *rateLimiter) middleware(obs httpObserver) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()
			if l.allow(ip) {
				return next(c)
			}
			if obs != nil {
				obs.IncrementRateLimited()
			}
			GetLogger().Debug("rate limit exceeded", logger.String("ip", ip))
			c.Response().Header().Set("Retry-After", "1")
			return writeError(c, nil, "Too many requests. Please slow down.", http.StatusTooManyRequests, "")
		}
	}
}
