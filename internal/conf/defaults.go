package conf

import (
	"time"

	"github.com/spf13/viper"
)

// Default values shared with other packages.
const (
	DefaultTargetLabel = "prescription"
	DefaultImageSize   = 224
	DefaultTopK        = 3
)

// setDefaultConfig sets default values for every configuration key.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("main.name", "rxclassify")

	v.SetDefault("model.path", "models/classifier.tflite")
	v.SetDefault("model.labelpath", "models/labels.txt")
	v.SetDefault("model.threads", 0)
	v.SetDefault("model.usexnnpack", false)
	v.SetDefault("model.activation", "none")

	v.SetDefault("classifier.targetlabel", DefaultTargetLabel)
	v.SetDefault("classifier.topk", DefaultTopK)
	v.SetDefault("classifier.cache.enabled", false)
	v.SetDefault("classifier.cache.ttl", 10*time.Minute)

	v.SetDefault("image.width", DefaultImageSize)
	v.SetDefault("image.height", DefaultImageSize)
	v.SetDefault("image.layout", "RGBA")
	v.SetDefault("image.filter", "lanczos")
	v.SetDefault("image.maxpixels", 50_000_000)
	v.SetDefault("image.maxbytes", 32<<20)

	v.SetDefault("dispatcher.workers", 1)
	v.SetDefault("dispatcher.queuesize", 16)
	v.SetDefault("dispatcher.overlap", "queue")

	v.SetDefault("webserver.listen", ":8080")
	v.SetDefault("webserver.ratelimit", 10.0)
	v.SetDefault("webserver.burst", 20)
	v.SetDefault("webserver.timeout", 30*time.Second)

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.topic", "rxclassify/results")
	v.SetDefault("mqtt.clientid", "rxclassify")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.retain", false)
	v.SetDefault("mqtt.timeout", 5*time.Second)

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.dsn", "")
	v.SetDefault("sentry.environment", "production")
	v.SetDefault("sentry.debug", false)

	v.SetDefault("logging.default_level", "info")
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", "info")
	v.SetDefault("logging.file_output.enabled", false)
	v.SetDefault("logging.file_output.path", "logs/rxclassify.log")
	v.SetDefault("logging.file_output.level", "info")
}
