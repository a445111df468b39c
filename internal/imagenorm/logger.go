package imagenorm

import (
	"sync"

	"github.com/tphakala/rxclassify/internal/logger"
)

var (
	pkgLogger     logger.Logger
	pkgLoggerOnce sync.Once
)

// GetLogger returns the imagenorm module logger.
func GetLogger() logger.Logger {
	pkgLoggerOnce.Do(func() {
		pkgLogger = logger.Global().Module("imagenorm")
	})
	return pkgLogger
}
