package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/tphakala/rxclassify/internal/dispatcher"
	"github.com/tphakala/rxclassify/internal/errors"
	"github.com/tphakala/rxclassify/internal/imagenorm"
	"github.com/tphakala/rxclassify/internal/logger"
)

// ErrorResponse represents a standard error response
type ErrorResponse struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          int    `json:"code"`
	CorrelationID string `json:"correlation_id"` // Unique identifier for tracking this error
}

// NewErrorResponse creates a new API error response. An empty correlationID
// is replaced by a generated one.
func NewErrorResponse(err error, message string, code int, correlationID string) *ErrorResponse {
	if correlationID == "" {
		correlationID = uuid.NewString()[:8]
	}

	errorStr := message
	if err != nil {
		errorStr = errors.ScrubMessage(err.Error())
	}

	return &ErrorResponse{
		Error:         errorStr,
		Message:       message,
		Code:          code,
		CorrelationID: correlationID,
	}
}

// statusForError maps an outcome error to the HTTP status returned to clients.
// Inference failures and anything unrecognized are server errors.
func statusForError(err error) int {
	switch {
	case errors.Is(err, imagenorm.ErrConversionFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, dispatcher.ErrQueueFull), errors.Is(err, dispatcher.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, dispatcher.ErrSuperseded):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c echo.Context, err error, message string, code int, correlationID string) error {
	resp := NewErrorResponse(err, message, code, correlationID)

	fields := []logger.Field{
		logger.String("correlation_id", resp.CorrelationID),
		logger.String("path", c.Path()),
		logger.String("ip", c.RealIP()),
		logger.Int("code", code),
	}
	if err != nil {
		fields = append(fields, logger.Error(err))
	}
	if code >= http.StatusInternalServerError {
		GetLogger().Error(message, fields...)
	} else {
		GetLogger().Debug(message, fields...)
	}

	return c.JSON(code, resp)
}
