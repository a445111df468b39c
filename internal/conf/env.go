package conf

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// envBinding maps an environment variable to a config key
type envBinding struct {
	ConfigKey string
	EnvVar    string
	Validate  func(string) error
}

func getEnvBindings() []envBinding {
	return []envBinding{
		{"debug", "RXCLASSIFY_DEBUG", validateEnvBool},
		{"model.path", "RXCLASSIFY_MODEL_PATH", validateEnvPath},
		{"model.labelpath", "RXCLASSIFY_MODEL_LABELPATH", validateEnvPath},
		{"model.threads", "RXCLASSIFY_MODEL_THREADS", validateEnvThreads},
		{"model.usexnnpack", "RXCLASSIFY_MODEL_USEXNNPACK", validateEnvBool},
		{"classifier.targetlabel", "RXCLASSIFY_TARGET_LABEL", validateEnvNonEmpty},
		{"dispatcher.overlap", "RXCLASSIFY_OVERLAP", validateEnvOverlap},
		{"webserver.listen", "RXCLASSIFY_LISTEN", validateEnvNonEmpty},
		{"mqtt.enabled", "RXCLASSIFY_MQTT_ENABLED", validateEnvBool},
		{"mqtt.broker", "RXCLASSIFY_MQTT_BROKER", validateEnvBrokerURL},
		{"mqtt.username", "RXCLASSIFY_MQTT_USERNAME", nil},
		{"mqtt.password", "RXCLASSIFY_MQTT_PASSWORD", nil},
		{"sentry.enabled", "RXCLASSIFY_SENTRY_ENABLED", validateEnvBool},
		{"sentry.dsn", "RXCLASSIFY_SENTRY_DSN", nil},
	}
}

// bindEnvVars binds every environment variable and validates the ones that are set
func bindEnvVars(v *viper.Viper) error {
	var warnings []string

	for _, binding := range getEnvBindings() {
		if err := v.BindEnv(binding.ConfigKey, binding.EnvVar); err != nil {
			warnings = append(warnings, fmt.Sprintf("failed to bind %s: %v", binding.EnvVar, err))
			continue
		}

		if binding.Validate == nil {
			continue
		}
		if value := os.Getenv(binding.EnvVar); value != "" {
			if err := binding.Validate(value); err != nil {
				warnings = append(warnings, fmt.Sprintf("invalid %s value '%s': %v", binding.EnvVar, value, err))
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}
	return nil
}

func validateEnvBool(value string) error {
	if _, err := strconv.ParseBool(value); err != nil {
		return fmt.Errorf("must be true/false, 1/0, t/f")
	}
	return nil
}

func validateEnvNonEmpty(value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("must not be blank")
	}
	return nil
}

func validateEnvPath(value string) error {
	if strings.ContainsRune(value, 0) {
		return fmt.Errorf("path contains NUL byte")
	}
	return validateEnvNonEmpty(value)
}

func validateEnvThreads(value string) error {
	threads, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid thread count: %w", err)
	}
	if threads < 0 {
		return fmt.Errorf("thread count must be >= 0, got %d", threads)
	}
	return nil
}

func validateEnvOverlap(value string) error {
	switch value {
	case OverlapQueue, OverlapCancelPrevious:
		return nil
	default:
		return fmt.Errorf("must be %q or %q", OverlapQueue, OverlapCancelPrevious)
	}
}

func validateEnvBrokerURL(value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid broker URL: %w", err)
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "ws", "wss", "mqtt", "mqtts":
	default:
		return fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("broker URL has no host")
	}
	return nil
}
