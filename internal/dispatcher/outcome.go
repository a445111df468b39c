// Package dispatcher sequences normalize → classify on background workers and
// delivers every request's outcome exactly once through a presentation
// executor.
package dispatcher

import (
	"fmt"
	"time"

	"github.com/tphakala/rxclassify/internal/classifier"
	"github.com/tphakala/rxclassify/internal/errors"
	"github.com/tphakala/rxclassify/internal/imagenorm"
)

var (
	// ErrQueueFull is returned when no queue slot is free at submission.
	ErrQueueFull = errors.NewStd("dispatcher queue is full")
	// ErrSuperseded completes requests replaced by a newer submission
	// under the cancel-previous overlap policy.
	ErrSuperseded = errors.NewStd("request superseded by a newer request")
	// ErrClosed completes requests submitted to, or still queued in, a closed dispatcher.
	ErrClosed = errors.NewStd("dispatcher is closed")
)

// State is the lifecycle position of a single request.
type State int

const (
	StateIdle State = iota
	StateNormalizing
	StateClassifying
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNormalizing:
		return "normalizing"
	case StateClassifying:
		return "classifying"
	case StateCompleted:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Outcome is the single terminal result of a request.
type Outcome struct {
	RequestID string            `json:"request_id"`
	Result    classifier.Result `json:"result"`
	Err       error             `json:"-"`
	// Stage is the last stage the request entered: idle when it never
	// started, otherwise the stage that failed or classifying on success.
	Stage   State         `json:"stage"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Succeeded reports whether the outcome carries a result.
func (o Outcome) Succeeded() bool {
	return o.Err == nil
}

// Message returns text suitable for replacing the result display.
func (o Outcome) Message() string {
	switch {
	case o.Err == nil && o.Result.IsTargetClass:
		return fmt.Sprintf("Matched %q with %.0f%% confidence", o.Result.Label, o.Result.Confidence*100)
	case o.Err == nil:
		return fmt.Sprintf("No match: top label %q, target confidence %.0f%%", o.Result.Label, o.Result.Confidence*100)
	case errors.Is(o.Err, imagenorm.ErrConversionFailed):
		return "The image could not be read. Try a different image."
	case errors.Is(o.Err, classifier.ErrInferenceFailed):
		return "Classification failed. Please try again."
	case errors.Is(o.Err, ErrQueueFull):
		return "Too many images are waiting. Please try again shortly."
	case errors.Is(o.Err, ErrSuperseded):
		return "Replaced by a newer request."
	case errors.Is(o.Err, ErrClosed):
		return "The classifier is shutting down."
	default:
		return "Something went wrong. Please try again."
	}
}
