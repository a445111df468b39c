package conf

import "github.com/tphakala/rxclassify/internal/logger"

// GetLogger returns the config module logger. It is resolved on each call
// because configuration loads before the central logger is installed.
func GetLogger() logger.Logger {
	return logger.Global().Module("config")
}
