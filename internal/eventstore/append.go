package eventstore

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/eventstore/internal/models"
	"example.com/backstage/services/eventstore/internal/repository"
)

// appendRequest is the validated shape of an Append call
type appendRequest struct {
	TenantID        string     `validate:"required,max=64"`
	AggregateType   string     `validate:"required,max=255"`
	AggregateID     string     `validate:"required,max=255"`
	Events          []NewEvent `validate:"required,min=1,dive"`
	ExpectedVersion int64      `validate:"gte=-1"`
}

// Appender is the only writer of events and stream heads. Each append runs
// as one transaction: lock the stream, check the expected version, allocate
// global positions, insert the events and advance the stream head.
type Appender struct {
	tx       repository.Transactor
	clock    clockwork.Clock
	validate *validator.Validate
}

// NewAppender creates an append engine
func NewAppender(tx repository.Transactor, clock clockwork.Clock) *Appender {
	return &Appender{
		tx:       tx,
		clock:    clock,
		validate: validator.New(),
	}
}

// Append writes events to the aggregate's stream. expectedVersion must equal
// the stream's current version (0 for a new stream) unless it is AnyVersion.
// On a mismatch nothing is written and a *ConcurrencyConflictError is returned.
func (a *Appender) Append(ctx context.Context, tenantID, aggregateType, aggregateID string, events []NewEvent, expectedVersion int64) (*AppendResult, error) {
	req := appendRequest{
		TenantID:        tenantID,
		AggregateType:   aggregateType,
		AggregateID:     aggregateID,
		Events:          events,
		ExpectedVersion: expectedVersion,
	}
	if err := a.validate.StructCtx(ctx, req); err != nil {
		return nil, fromValidator(err)
	}

	streamName := models.StreamName(aggregateType, aggregateID)
	var result *AppendResult

	err := a.tx.WithinAppend(ctx, func(tx repository.AppendTx) error {
		stream, err := tx.LockStream(ctx, &models.Stream{
			StreamName:    streamName,
			AggregateType: aggregateType,
			AggregateID:   aggregateID,
			TenantID:      tenantID,
		})
		if err != nil {
			return err
		}

		if stream.TenantID != tenantID {
			return invalid("stream %s belongs to another tenant", streamName)
		}
		if !stream.Identifies(aggregateType, aggregateID) {
			return invalid("stream %s belongs to aggregate %s/%s", streamName, stream.AggregateType, stream.AggregateID)
		}
		if stream.IsDeleted {
			return ErrStreamDeleted
		}
		if expectedVersion != AnyVersion && expectedVersion != stream.CurrentVersion {
			return &ConcurrencyConflictError{
				StreamName: streamName,
				Expected:   expectedVersion,
				Actual:     stream.CurrentVersion,
			}
		}

		first, err := tx.AllocatePositions(ctx, len(events))
		if err != nil {
			return err
		}

		now := a.clock.Now().UTC()
		rows := make([]models.Event, len(events))
		result = &AppendResult{
			StreamName:      streamName,
			EventIDs:        make([]string, len(events)),
			GlobalPositions: make([]int64, len(events)),
		}

		for i, e := range events {
			version := stream.CurrentVersion + int64(i) + 1
			occurredAt := now
			if e.OccurredAt != nil {
				occurredAt = e.OccurredAt.UTC()
			}
			schemaVersion := e.SchemaVersion
			if schemaVersion == 0 {
				schemaVersion = 1
			}

			rows[i] = models.Event{
				ID:             uuid.NewString(),
				StreamName:     streamName,
				GlobalPosition: first + int64(i),
				StreamPosition: version,
				AggregateType:  aggregateType,
				AggregateID:    aggregateID,
				Version:        version,
				EventType:      e.EventType,
				Payload:        e.Payload,
				Metadata:       e.Metadata,
				TenantID:       tenantID,
				CorrelationID:  optional(e.CorrelationID),
				CausationID:    optional(e.CausationID),
				UserID:         optional(e.UserID),
				OccurredAt:     occurredAt,
				StoredAt:       now,
				SchemaVersion:  schemaVersion,
			}
			result.EventIDs[i] = rows[i].ID
			result.GlobalPositions[i] = rows[i].GlobalPosition
		}

		if err := tx.InsertEvents(ctx, rows); err != nil {
			if errors.Is(err, repository.ErrDuplicateKey) {
				return &ConcurrencyConflictError{
					StreamName: streamName,
					Expected:   expectedVersion,
					Actual:     stream.CurrentVersion,
				}
			}
			return err
		}

		stream.CurrentVersion += int64(len(events))
		stream.EventCount += int64(len(events))
		stream.LastEventAt = &now
		if err := tx.UpdateStream(ctx, stream); err != nil {
			return err
		}

		result.NewVersion = stream.CurrentVersion
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) {
			log.Warn().Err(err).Str("stream", streamName).Msg("Append rejected")
		}
		return nil, err
	}

	log.Debug().
		Str("stream", streamName).
		Int64("version", result.NewVersion).
		Int("events", len(events)).
		Msg("Events appended")

	return result, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
