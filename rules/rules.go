//go:build ruleguard

// Package gorules contains custom linting rules for golangci-lint via ruleguard.
package gorules

import "github.com/quasilyte/go-ruleguard/dsl"

// StdErrorsNew flags standard library error construction outside the errors
// and logger packages. Errors that leave a package should carry a component
// and category so that telemetry can group them.
//
//	return errors.New("model is closed")
//
// becomes
//
//	return errors.Newf("model is closed").
//	    Component("tflitemodel").
//	    Category(errors.CategoryInference).
//	    Build()
func StdErrorsNew(m dsl.Matcher) {
	m.Match(`errors.New($s)`).
		Where(m["s"].Type.Is("string") &&
			!m.File().PkgPath.Matches(`/internal/(errors|logger)$`) &&
			!m.File().Name.Matches(`_test\.go$`)).
		Report("use the internal errors builder instead of the standard errors.New")
}

// EnhancedErrorCategory flags enhanced errors built without a category.
func EnhancedErrorCategory(m dsl.Matcher) {
	m.Import("github.com/tphakala/rxclassify/internal/errors")

	m.Match(
		`errors.New($e).Component($c).Build()`,
		`errors.Newf($*_).Component($c).Build()`,
	).
		Report("set a Category before Build")
}

// LoggerFormattedMessage flags formatted log messages. Values belong in
// structured fields so that log queries can filter on them.
//
//	log.Info(fmt.Sprintf("classified %s", id))
//
// becomes
//
//	log.Info("classified", logger.String("request_id", id))
func LoggerFormattedMessage(m dsl.Matcher) {
	m.Import("github.com/tphakala/rxclassify/internal/logger")

	m.Match(
		`$l.Debug(fmt.Sprintf($*_), $*_)`,
		`$l.Info(fmt.Sprintf($*_), $*_)`,
		`$l.Warn(fmt.Sprintf($*_), $*_)`,
		`$l.Error(fmt.Sprintf($*_), $*_)`,
	).
		Where(m["l"].Type.Implements("logger.Logger")).
		Report("pass values as logger fields instead of formatting the message")
}

// WaitGroupModernize detects WaitGroup patterns that can use wg.Go().
func WaitGroupModernize(m dsl.Matcher) {
	m.Match(`go func() { defer $wg.Done(); $*_ }()`).
		Where(m["wg"].Type.Is("*sync.WaitGroup")).
		Report("use $wg.Go(func() { ... }) instead of go func() { defer $wg.Done(); ... }()").
		Suggest("$wg.Go(func() { $*_ })")

	m.Match(`go func() { $*_; $wg.Done() }()`).
		Where(m["wg"].Type.Is("*sync.WaitGroup")).
		Report("use $wg.Go(func() { ... }) instead of a manual Done() call")
}

// TestingContext detects context.Background() in tests, where t.Context()
// is canceled when the test completes.
func TestingContext(m dsl.Matcher) {
	m.Match(
		`$ctx := context.Background()`,
		`$ctx = context.Background()`,
		`$fn(context.Background(), $*_)`,
	).
		Where(m.File().Name.Matches(`_test\.go$`)).
		Report("in tests, use t.Context() instead of context.Background()")
}
