package tflitemodel

import (
	"sync"

	"github.com/tphakala/rxclassify/internal/logger"
)

var (
	pkgLogger     logger.Logger
	pkgLoggerOnce sync.Once
)

// GetLogger returns the tflitemodel module logger.
func GetLogger() logger.Logger {
	pkgLoggerOnce.Do(func() {
		pkgLogger = logger.Global().Module("tflite")
	})
	return pkgLogger
}
