package logger

import (
	"fmt"
	"io"
	"sync/atomic"

	echolog "github.com/labstack/gommon/log"
)

// EchoLoggerAdapter routes the Echo framework's own log output, such as
// startup failures and recovered panics, through a Logger.
//
//	e := echo.New()
//	e.Logger = logger.NewEchoLoggerAdapter(log.Module("echo"))
//
// Output, prefix and header settings are ignored. The level set through
// SetLevel filters messages before they reach the wrapped logger.
type EchoLoggerAdapter struct {
	logger Logger
	level  atomic.Uint32
}

// NewEchoLoggerAdapter wraps log. A nil log discards everything.
func NewEchoLoggerAdapter(log Logger) *EchoLoggerAdapter {
	if log == nil {
		log = NewDiscardLogger()
	}
	a := &EchoLoggerAdapter{logger: log}
	a.level.Store(uint32(echolog.DEBUG))
	return a
}

var echoLevels = map[echolog.Lvl]LogLevel{
	echolog.DEBUG: LogLevelDebug,
	echolog.INFO:  LogLevelInfo,
	echolog.WARN:  LogLevelWarn,
	echolog.ERROR: LogLevelError,
}

func (a *EchoLoggerAdapter) emit(lvl echolog.Lvl, msg string, fields ...Field) {
	if lvl < a.Level() {
		return
	}
	a.logger.Log(echoLevels[lvl], msg, fields...)
}

func (a *EchoLoggerAdapter) Output() io.Writer {
	return io.Discard
}

func (a *EchoLoggerAdapter) SetOutput(io.Writer) {}

func (a *EchoLoggerAdapter) Prefix() string {
	return ""
}

func (a *EchoLoggerAdapter) SetPrefix(string) {}

func (a *EchoLoggerAdapter) SetHeader(string) {}

func (a *EchoLoggerAdapter) Level() echolog.Lvl {
	return echolog.Lvl(a.level.Load()) //nolint:gosec // G115: stored from a Lvl
}

func (a *EchoLoggerAdapter) SetLevel(lvl echolog.Lvl) {
	a.level.Store(uint32(lvl))
}

func (a *EchoLoggerAdapter) Print(i ...any) {
	a.emit(echolog.INFO, fmt.Sprint(i...))
}

func (a *EchoLoggerAdapter) Printf(format string, args ...any) {
	a.emit(echolog.INFO, fmt.Sprintf(format, args...))
}

func (a *EchoLoggerAdapter) Printj(j echolog.JSON) {
	a.emit(echolog.INFO, "echo", Any("data", j))
}

func (a *EchoLoggerAdapter) Debug(i ...any) {
	a.emit(echolog.DEBUG, fmt.Sprint(i...))
}

func (a *EchoLoggerAdapter) Debugf(format string, args ...any) {
	a.emit(echolog.DEBUG, fmt.Sprintf(format, args...))
}

func (a *EchoLoggerAdapter) Debugj(j echolog.JSON) {
	a.emit(echolog.DEBUG, "echo", Any("data", j))
}

func (a *EchoLoggerAdapter) Info(i ...any) {
	a.emit(echolog.INFO, fmt.Sprint(i...))
}

func (a *EchoLoggerAdapter) Infof(format string, args ...any) {
	a.emit(echolog.INFO, fmt.Sprintf(format, args...))
}

func (a *EchoLoggerAdapter) Infoj(j echolog.JSON) {
	a.emit(echolog.INFO, "echo", Any("data", j))
}

func (a *EchoLoggerAdapter) Warn(i ...any) {
	a.emit(echolog.WARN, fmt.Sprint(i...))
}

func (a *EchoLoggerAdapter) Warnf(format string, args ...any) {
	a.emit(echolog.WARN, fmt.Sprintf(format, args...))
}

func (a *EchoLoggerAdapter) Warnj(j echolog.JSON) {
	a.emit(echolog.WARN, "echo", Any("data", j))
}

func (a *EchoLoggerAdapter) Error(i ...any) {
	a.emit(echolog.ERROR, fmt.Sprint(i...))
}

func (a *EchoLoggerAdapter) Errorf(format string, args ...any) {
	a.emit(echolog.ERROR, fmt.Sprintf(format, args...))
}

func (a *EchoLoggerAdapter) Errorj(j echolog.JSON) {
	a.emit(echolog.ERROR, "echo", Any("data", j))
}

// Fatal logs at error level and panics rather than exiting the process.
func (a *EchoLoggerAdapter) Fatal(i ...any) {
	a.Panic(i...)
}

func (a *EchoLoggerAdapter) Fatalf(format string, args ...any) {
	a.Panicf(format, args...)
}

func (a *EchoLoggerAdapter) Fatalj(j echolog.JSON) {
	a.Panicj(j)
}

func (a *EchoLoggerAdapter) Panic(i ...any) {
	msg := fmt.Sprint(i...)
	a.logger.Error(msg)
	panic(msg)
}

func (a *EchoLoggerAdapter) Panicf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	a.logger.Error(msg)
	panic(msg)
}

func (a *EchoLoggerAdapter) Panicj(j echolog.JSON) {
	a.logger.Error("echo", Any("data", j))
	panic(fmt.Sprint(j))
}
