package eventstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"example.com/backstage/services/eventstore/internal/repository"
)

var (
	// ErrConcurrencyConflict matches every *ConcurrencyConflictError.
	ErrConcurrencyConflict = errors.New("concurrency conflict")
	// ErrNotFound is returned when a stream or snapshot does not exist.
	ErrNotFound = repository.ErrNotFound
	// ErrStreamDeleted is returned when appending to a soft-deleted stream.
	ErrStreamDeleted = errors.New("stream is deleted")
)

// ConcurrencyConflictError reports an append whose expected version did not
// match the stream's current version. Nothing was written; the caller should
// re-read the stream and decide whether to retry with the current version.
type ConcurrencyConflictError struct {
	StreamName string
	Expected   int64
	Actual     int64
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("concurrency conflict on stream %s: expected version %d, actual version %d",
		e.StreamName, e.Expected, e.Actual)
}

func (e *ConcurrencyConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

// ValidationError is returned for malformed requests before anything is written.
type ValidationError struct {
	Fields map[string]string
	Reason string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return "validation failed: " + e.Reason
	}

	parts := make([]string, 0, len(e.Fields))
	for field, tag := range e.Fields {
		parts = append(parts, field+" "+tag)
	}
	return "validation failed: " + strings.Join(parts, ", ")
}

func invalid(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// fromValidator flattens validator field errors into a ValidationError
func fromValidator(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return &ValidationError{Reason: err.Error()}
	}

	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		tag := fe.Tag()
		if fe.Param() != "" {
			tag += "=" + fe.Param()
		}
		fields[fe.Namespace()] = tag
	}
	return &ValidationError{Fields: fields}
}
