// Package conf holds the settings struct and loads it from defaults, the
// YAML config file and RXCLASSIFY_* environment variables.
package conf

import (
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tphakala/rxclassify/internal/logger"
)

//go:embed config.yaml
var configFiles embed.FS

// MainSettings contains application identity settings.
type MainSettings struct {
	Name string // instance name, used in MQTT payloads and health output
}

// ModelSettings describes the TensorFlow Lite artifact.
type ModelSettings struct {
	Path       string // path to the .tflite model file
	LabelPath  string // path to the labels file, one label per line
	Threads    int    // interpreter threads, 0 = physical cores
	UseXNNPACK bool   // enable the XNNPACK delegate
	Activation string // output activation: none, softmax or sigmoid
}

// CacheSettings controls the in-memory result cache.
type CacheSettings struct {
	Enabled bool
	TTL     time.Duration
}

// ClassifierSettings controls how model output maps to a result.
type ClassifierSettings struct {
	TargetLabel string // label whose probability becomes the confidence
	TopK        int    // number of ranked labels returned with each result
	Cache       CacheSettings
}

// ImageSettings controls normalization and decoding limits.
type ImageSettings struct {
	Width     int    // output width in pixels
	Height    int    // output height in pixels
	Layout    string // RGBA or BGRA
	Filter    string // resample filter name
	MaxPixels int    // decoded pixel count limit
	MaxBytes  int64  // encoded size limit
}

// DispatcherSettings controls request scheduling.
type DispatcherSettings struct {
	Workers   int    // background workers
	QueueSize int    // pending request capacity
	Overlap   string // queue or cancel-previous
}

// WebServerSettings controls the HTTP front end.
type WebServerSettings struct {
	Listen    string        // listen address
	RateLimit float64       // requests per second, 0 disables limiting
	Burst     int           // rate limiter burst
	Timeout   time.Duration // per-request classification timeout
}

// MQTTSettings controls result publishing.
type MQTTSettings struct {
	Enabled  bool
	Broker   string
	Topic    string
	ClientID string
	Username string
	Password string
	QoS      byte
	Retain   bool
	Timeout  time.Duration
}

// SentrySettings controls opt-in error telemetry.
type SentrySettings struct {
	Enabled     bool
	DSN         string
	Environment string
	Debug       bool
}

// Settings is the root configuration.
type Settings struct {
	Debug      bool
	Main       MainSettings
	Model      ModelSettings
	Classifier ClassifierSettings
	Image      ImageSettings
	Dispatcher DispatcherSettings
	WebServer  WebServerSettings
	MQTT       MQTTSettings
	Sentry     SentrySettings
	Logging    logger.LoggingConfig
}

var (
	settingsInstance *Settings
	settingsMutex    sync.RWMutex
)

// Load reads configuration into the global viper instance and returns validated settings.
// An empty configFile searches the default config paths.
func Load(configFile string) (*Settings, error) {
	settings, err := LoadWithViper(viper.GetViper(), configFile)
	if err != nil {
		return nil, err
	}

	settingsMutex.Lock()
	settingsInstance = settings
	settingsMutex.Unlock()

	return settings, nil
}

// LoadWithViper is Load against a caller supplied viper instance.
func LoadWithViper(v *viper.Viper, configFile string) (*Settings, error) {
	if err := initViper(v, configFile); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	return settings, nil
}

func initViper(v *viper.Viper, configFile string) error {
	setDefaultConfig(v)

	if err := bindEnvVars(v); err != nil {
		return err
	}

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, path := range GetDefaultConfigPaths() {
			v.AddConfigPath(path)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile == "" && errors.As(err, &notFound) {
			GetLogger().Debug("no config file found, using defaults")
			return nil
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	GetLogger().Debug("loaded config file", logger.String("path", v.ConfigFileUsed()))
	return nil
}

// GetDefaultConfigPaths returns the directories searched for config.yaml.
func GetDefaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "rxclassify"))
	}
	return append(paths, "/etc/rxclassify")
}

// GetSettings returns the most recently loaded settings
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// DefaultConfig returns the embedded default config.yaml.
func DefaultConfig() []byte {
	data, err := configFiles.ReadFile("config.yaml")
	if err != nil {
		panic(fmt.Sprintf("embedded config.yaml missing: %v", err))
	}
	return data
}

// WriteDefaultConfig writes the embedded default config to path. Existing
// files are left alone unless force is set.
func WriteDefaultConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}
	return writeFileAtomic(path, DefaultConfig())
}

// MarshalYAML renders settings as YAML.
func MarshalYAML(settings *Settings) ([]byte, error) {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("error marshaling settings to YAML: %w", err)
	}
	return data, nil
}

// SaveYAMLConfig writes settings to configPath, replacing the file atomically.
// Comments in the existing file are not preserved.
func SaveYAMLConfig(configPath string, settings *Settings) error {
	data, err := MarshalYAML(settings)
	if err != nil {
		return err
	}
	return writeFileAtomic(configPath, data)
}

func writeFileAtomic(path string, data []byte) error {
	tempFile, err := os.CreateTemp(filepath.Dir(path), "config-*.yaml")
	if err != nil {
		return fmt.Errorf("error creating temporary file: %w", err)
	}
	tempName := tempFile.Name()
	defer os.Remove(tempName)

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("error writing to temporary file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("error closing temporary file: %w", err)
	}
	if err := os.Rename(tempName, path); err != nil {
		return fmt.Errorf("error replacing config file: %w", err)
	}
	return nil
}
