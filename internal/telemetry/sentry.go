// Package telemetry provides opt-in Sentry error reporting with privacy filtering.
package telemetry

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/tphakala/rxclassify/internal/buildinfo"
	"github.com/tphakala/rxclassify/internal/conf"
	"github.com/tphakala/rxclassify/internal/errors"
	"github.com/tphakala/rxclassify/internal/logger"
)

var (
	initialized atomic.Bool

	// httpClient replaces the SDK's HTTP client when set.
	httpClient *http.Client

	pkgLogger     logger.Logger
	pkgLoggerOnce sync.Once
)

// GetLogger returns the telemetry module logger.
func GetLogger() logger.Logger {
	pkgLoggerOnce.Do(func() {
		pkgLogger = logger.Global().Module("telemetry")
	})
	return pkgLogger
}

// allowedExtra lists the only extra fields kept on outgoing events.
var allowedExtra = map[string]bool{"error_type": true, "component": true, "category": true}

// InitSentry initializes the Sentry SDK when enabled in settings and routes
// enhanced errors to it. It is a no-op when telemetry is disabled.
func InitSentry(settings *conf.Settings, info *buildinfo.Context) error {
	if !settings.Sentry.Enabled {
		GetLogger().Debug("error telemetry disabled")
		return nil
	}
	if settings.Sentry.DSN == "" {
		return errors.Newf("sentry is enabled but no DSN is configured").
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              settings.Sentry.DSN,
		SampleRate:       1.0,
		Debug:            settings.Sentry.Debug,
		AttachStacktrace: false,
		Environment:      settings.Sentry.Environment,
		ServerName:       "",
		Release:          info.Release(),
		HTTPClient:       httpClient,
		BeforeSend: func(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
			return applyPrivacyFilters(event)
		},
	})
	if err != nil {
		return errors.New(fmt.Errorf("sentry initialization failed: %w", err)).
			Component("telemetry").
			Category(errors.CategoryConfiguration).
			Build()
	}

	sentry.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("application", "rxclassify")
		scope.SetTag("target_label", settings.Classifier.TargetLabel)
	})

	errors.SetTelemetryReporter(errors.NewSentryReporter(true))
	initialized.Store(true)

	GetLogger().Info("error telemetry enabled",
		logger.String("environment", settings.Sentry.Environment))
	return nil
}

// Flush waits up to timeout for buffered events to be sent.
func Flush(timeout time.Duration) bool {
	if !initialized.Load() {
		return true
	}
	return sentry.Flush(timeout)
}

// applyPrivacyFilters strips host, user and free-form data from an event.
func applyPrivacyFilters(event *sentry.Event) *sentry.Event {
	if event == nil {
		return nil
	}
	event.User = sentry.User{}
	event.ServerName = ""
	event.Request = nil
	event.Message = errors.ScrubMessage(event.Message)

	if event.Contexts != nil {
		delete(event.Contexts, "device")
		delete(event.Contexts, "os")
		delete(event.Contexts, "runtime")
	}
	for k := range event.Extra {
		if !allowedExtra[k] {
			delete(event.Extra, k)
		}
	}
	if event.Tags != nil {
		delete(event.Tags, "server_name")
		delete(event.Tags, "hostname")
	}
	for i := range event.Exception {
		event.Exception[i].Value = errors.ScrubMessage(event.Exception[i].Value)
	}
	return event
}
