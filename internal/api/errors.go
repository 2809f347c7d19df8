package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/eventstore/internal/eventstore"
	"example.com/backstage/services/eventstore/internal/projection"
)

// ErrorResponse defines the structure of an error response
type ErrorResponse struct {
	Message string            `json:"message"`
	Code    string            `json:"code"`
	Fields  map[string]string `json:"fields,omitempty"`
	Details interface{}       `json:"details,omitempty"`
}

// Error represents an API error
type Error struct {
	Message    string
	StatusCode int
	Code       string
}

func (e *Error) Error() string {
	return e.Message
}

var (
	ErrInvalidRequest = &Error{Message: "Invalid request", StatusCode: http.StatusBadRequest, Code: "INVALID_REQUEST"}
	ErrMissingTenant  = &Error{Message: "X-Tenant-ID header is required", StatusCode: http.StatusBadRequest, Code: "MISSING_TENANT"}
	ErrInternalServer = &Error{Message: "Internal server error", StatusCode: http.StatusInternalServerError, Code: "INTERNAL_ERROR"}
)

// badRequest creates an invalid request error with a custom message
func badRequest(message string) *Error {
	return &Error{Message: message, StatusCode: http.StatusBadRequest, Code: "INVALID_REQUEST"}
}

// conflictDetails is attached to 409 responses for version mismatches
type conflictDetails struct {
	StreamName      string `json:"stream_name"`
	ExpectedVersion int64  `json:"expected_version"`
	ActualVersion   int64  `json:"actual_version"`
}

// writeError maps an error from the event store or projection engine to a response
func writeError(c *gin.Context, err error) {
	var (
		apiErr      *Error
		conflictErr *eventstore.ConcurrencyConflictError
		validErr    *eventstore.ValidationError
	)

	switch {
	case errors.As(err, &apiErr):
		c.JSON(apiErr.StatusCode, ErrorResponse{Message: apiErr.Message, Code: apiErr.Code})
	case errors.As(err, &conflictErr):
		c.JSON(http.StatusConflict, ErrorResponse{
			Message: err.Error(),
			Code:    "CONCURRENCY_CONFLICT",
			Details: conflictDetails{
				StreamName:      conflictErr.StreamName,
				ExpectedVersion: conflictErr.Expected,
				ActualVersion:   conflictErr.Actual,
			},
		})
	case errors.Is(err, eventstore.ErrConcurrencyConflict):
		c.JSON(http.StatusConflict, ErrorResponse{Message: err.Error(), Code: "CONCURRENCY_CONFLICT"})
	case errors.As(err, &validErr):
		c.JSON(http.StatusBadRequest, ErrorResponse{Message: err.Error(), Code: "VALIDATION_ERROR", Fields: validErr.Fields})
	case errors.Is(err, eventstore.ErrStreamDeleted):
		c.JSON(http.StatusConflict, ErrorResponse{Message: err.Error(), Code: "STREAM_DELETED"})
	case errors.Is(err, eventstore.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Message: err.Error(), Code: "NOT_FOUND"})
	case errors.Is(err, projection.ErrNotRegistered):
		c.JSON(http.StatusNotFound, ErrorResponse{Message: err.Error(), Code: "PROJECTION_NOT_REGISTERED"})
	case errors.Is(err, projection.ErrInvalidTransition):
		c.JSON(http.StatusConflict, ErrorResponse{Message: err.Error(), Code: "INVALID_TRANSITION"})
	default:
		log.Error().Err(err).Str("request_id", c.GetString(requestIDKey)).Msg("Unhandled error")
		c.JSON(ErrInternalServer.StatusCode, ErrorResponse{Message: ErrInternalServer.Message, Code: ErrInternalServer.Code})
	}
}
