package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/backstage/services/eventstore/internal/models"
)

var (
	// ErrNotRegistered is returned for a projection with no handler bound in this process.
	ErrNotRegistered = errors.New("projection not registered")
	// ErrInvalidTransition is returned when a lifecycle call does not apply to the current status.
	ErrInvalidTransition = errors.New("invalid projection state transition")
)

// Handler applies one event to a read model. Returning an error makes the
// engine retry the event and, once retries run out, fault the projection
// with the checkpoint left before the event; wrap it with Skip to quarantine
// the event and move on instead.
type Handler interface {
	Handle(ctx context.Context, event *models.Event) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, event *models.Event) error

func (f HandlerFunc) Handle(ctx context.Context, event *models.Event) error {
	return f(ctx, event)
}

// RetryPolicy bounds the attempts made for a single event. The delay starts at
// InitialDelay and is multiplied by BackoffMultiplier after every failed
// attempt, never exceeding MaxDelay.
type RetryPolicy struct {
	MaxRetries        int           `mapstructure:"max_retries"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
}

// DefaultRetryPolicy is used for zero-valued policy fields
var DefaultRetryPolicy = RetryPolicy{
	MaxRetries:        3,
	InitialDelay:      100 * time.Millisecond,
	BackoffMultiplier: 2,
	MaxDelay:          5 * time.Second,
}

func (p RetryPolicy) withDefaults(d RetryPolicy) RetryPolicy {
	if p.MaxRetries <= 0 {
		p.MaxRetries = d.MaxRetries
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = d.InitialDelay
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = d.BackoffMultiplier
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 1
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	return p
}

// next returns the delay that follows d
func (p RetryPolicy) next(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * p.BackoffMultiplier)
	if p.MaxDelay > 0 && next > p.MaxDelay {
		return p.MaxDelay
	}
	return next
}

// Options are the subscription and processing settings of a projection.
type Options struct {
	EventTypes        []string
	AggregateTypes    []string
	TenantID          string
	ConsumerGroup     string
	BatchSize         int
	RetryPolicy       RetryPolicy
	StartFromPosition int64
}

// BatchResult describes one ProcessBatch call.
type BatchResult struct {
	Processed int                     `json:"processed"`
	Failed    int                     `json:"failed"`
	Position  int64                   `json:"position"`
	Status    models.ProjectionStatus `json:"status"`
	// Skipped is set when another batch for the projection was in flight.
	Skipped bool `json:"skipped"`
}

// Status is a projection's checkpoint plus its distance from the head of the log.
type Status struct {
	Checkpoint *models.ProjectionCheckpoint `json:"checkpoint"`
	Lag        int64                        `json:"lag"`
	Registered bool                         `json:"registered"`
	Scheduled  bool                         `json:"scheduled"`
}

// HandlerError is the final failure of a handler for one event.
type HandlerError struct {
	Projection string
	EventID    string
	Position   int64
	Attempts   int
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("projection %s failed on event %s at position %d after %d attempt(s): %v",
		e.Projection, e.EventID, e.Position, e.Attempts, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type skipError struct {
	err error
}

func (e *skipError) Error() string { return "skip event: " + e.err.Error() }
func (e *skipError) Unwrap() error { return e.err }

// Skip marks err as permanent for the event being handled. The event is
// counted as failed, not retried, and the checkpoint moves past it.
func Skip(err error) error {
	if err == nil {
		return nil
	}
	return &skipError{err: err}
}

// IsSkip reports whether err was produced by Skip
func IsSkip(err error) bool {
	var s *skipError
	return errors.As(err, &s)
}
