package conf

import (
	"fmt"
	"slices"
	"strings"
)

// Accepted enumerated values.
const (
	OverlapQueue          = "queue"
	OverlapCancelPrevious = "cancel-previous"
)

var (
	validLayouts     = []string{"RGBA", "BGRA"}
	validFilters     = []string{"lanczos", "catmullrom", "linear", "box", "nearest"}
	validActivations = []string{"none", "softmax", "sigmoid"}
	validLogLevels   = []string{"trace", "debug", "info", "warn", "error"}
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings validates the entire Settings struct and reports every problem at once
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	for _, validate := range []func(*Settings) []string{
		validateModelSettings,
		validateClassifierSettings,
		validateImageSettings,
		validateDispatcherSettings,
		validateWebServerSettings,
		validateMQTTSettings,
		validateSentrySettings,
		validateLoggingSettings,
	} {
		ve.Errors = append(ve.Errors, validate(settings)...)
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateModelSettings(s *Settings) []string {
	var errs []string
	if s.Model.Path == "" {
		errs = append(errs, "model.path must be set")
	}
	if s.Model.LabelPath == "" {
		errs = append(errs, "model.labelpath must be set")
	}
	if s.Model.Threads < 0 {
		errs = append(errs, fmt.Sprintf("model.threads must be >= 0, got %d", s.Model.Threads))
	}
	if !slices.Contains(validActivations, s.Model.Activation) {
		errs = append(errs, fmt.Sprintf("model.activation must be one of %v, got %q", validActivations, s.Model.Activation))
	}
	return errs
}

func validateClassifierSettings(s *Settings) []string {
	var errs []string
	if strings.TrimSpace(s.Classifier.TargetLabel) == "" {
		errs = append(errs, "classifier.targetlabel must not be blank")
	}
	if s.Classifier.TopK < 1 {
		errs = append(errs, fmt.Sprintf("classifier.topk must be >= 1, got %d", s.Classifier.TopK))
	}
	if s.Classifier.Cache.Enabled && s.Classifier.Cache.TTL <= 0 {
		errs = append(errs, "classifier.cache.ttl must be positive when the cache is enabled")
	}
	return errs
}

func validateImageSettings(s *Settings) []string {
	var errs []string
	if s.Image.Width <= 0 || s.Image.Height <= 0 {
		errs = append(errs, fmt.Sprintf("image size must be positive, got %dx%d", s.Image.Width, s.Image.Height))
	}
	if !slices.Contains(validLayouts, s.Image.Layout) {
		errs = append(errs, fmt.Sprintf("image.layout must be one of %v, got %q", validLayouts, s.Image.Layout))
	}
	if !slices.Contains(validFilters, s.Image.Filter) {
		errs = append(errs, fmt.Sprintf("image.filter must be one of %v, got %q", validFilters, s.Image.Filter))
	}
	if s.Image.MaxPixels <= 0 {
		errs = append(errs, "image.maxpixels must be positive")
	}
	if s.Image.MaxBytes <= 0 {
		errs = append(errs, "image.maxbytes must be positive")
	}
	return errs
}

func validateDispatcherSettings(s *Settings) []string {
	var errs []string
	if s.Dispatcher.Workers < 1 {
		errs = append(errs, fmt.Sprintf("dispatcher.workers must be >= 1, got %d", s.Dispatcher.Workers))
	}
	if s.Dispatcher.QueueSize < 1 {
		errs = append(errs, fmt.Sprintf("dispatcher.queuesize must be >= 1, got %d", s.Dispatcher.QueueSize))
	}
	if err := validateEnvOverlap(s.Dispatcher.Overlap); err != nil {
		errs = append(errs, "dispatcher.overlap "+err.Error())
	}
	return errs
}

func validateWebServerSettings(s *Settings) []string {
	var errs []string
	if s.WebServer.Listen == "" {
		errs = append(errs, "webserver.listen must be set")
	}
	if s.WebServer.RateLimit < 0 {
		errs = append(errs, "webserver.ratelimit must be >= 0")
	}
	if s.WebServer.RateLimit > 0 && s.WebServer.Burst < 1 {
		errs = append(errs, "webserver.burst must be >= 1 when rate limiting is enabled")
	}
	if s.WebServer.Timeout <= 0 {
		errs = append(errs, "webserver.timeout must be positive")
	}
	return errs
}

func validateMQTTSettings(s *Settings) []string {
	if !s.MQTT.Enabled {
		return nil
	}
	var errs []string
	if err := validateEnvBrokerURL(s.MQTT.Broker); err != nil {
		errs = append(errs, "mqtt.broker "+err.Error())
	}
	if s.MQTT.Topic == "" {
		errs = append(errs, "mqtt.topic must be set when MQTT is enabled")
	}
	if s.MQTT.QoS > 2 {
		errs = append(errs, fmt.Sprintf("mqtt.qos must be 0, 1 or 2, got %d", s.MQTT.QoS))
	}
	return errs
}

func validateSentrySettings(s *Settings) []string {
	if s.Sentry.Enabled && s.Sentry.DSN == "" {
		return []string{"sentry.dsn must be set when Sentry is enabled"}
	}
	return nil
}

func validateLoggingSettings(s *Settings) []string {
	var errs []string
	check := func(key, level string) {
		if level != "" && !slices.Contains(validLogLevels, level) {
			errs = append(errs, fmt.Sprintf("%s must be one of %v, got %q", key, validLogLevels, level))
		}
	}
	check("logging.default_level", s.Logging.DefaultLevel)
	if s.Logging.Console != nil {
		check("logging.console.level", s.Logging.Console.Level)
	}
	if s.Logging.FileOutput != nil {
		check("logging.file_output.level", s.Logging.FileOutput.Level)
	}
	for module, level := range s.Logging.ModuleLevels {
		check("logging.module_levels."+module, level)
	}
	return errs
}
