package dispatcher

import (
	"sync"

	"github.com/tphakala/rxclassify/internal/logger"
)

var (
	pkgLogger     logger.Logger
	pkgLoggerOnce sync.Once
)

// GetLogger returns the dispatcher module logger.
func GetLogger() logger.Logger {
	pkgLoggerOnce.Do(func() {
		pkgLogger = logger.Global().Module("dispatcher")
	})
	return pkgLogger
}
