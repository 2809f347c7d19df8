package eventstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"example.com/backstage/services/eventstore/internal/models"
	"example.com/backstage/services/eventstore/internal/repository"
)

type snapshotRequest struct {
	TenantID      string `validate:"required,max=64"`
	AggregateType string `validate:"required,max=255"`
	AggregateID   string `validate:"required,max=255"`
	Version       int64  `validate:"gte=0"`
	SchemaVersion int    `validate:"gte=0"`
}

// SnapshotStore keeps the latest snapshot per aggregate. When to take a
// snapshot is up to the caller.
type SnapshotStore struct {
	snapshots repository.SnapshotRepository
	streams   repository.StreamRepository
	validate  *validator.Validate
}

// NewSnapshotStore creates a snapshot store
func NewSnapshotStore(snapshots repository.SnapshotRepository, streams repository.StreamRepository) *SnapshotStore {
	return &SnapshotStore{
		snapshots: snapshots,
		streams:   streams,
		validate:  validator.New(),
	}
}

// CreateSnapshot replaces any prior snapshot of the aggregate. The aggregate
// must have a stream owned by tenantID, and version must not exceed the
// stream's current version.
func (s *SnapshotStore) CreateSnapshot(ctx context.Context, tenantID, aggregateType, aggregateID string, version int64, state []byte, schemaVersion int) (*models.Snapshot, error) {
	if err := s.validate.StructCtx(ctx, snapshotRequest{
		TenantID:      tenantID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Version:       version,
		SchemaVersion: schemaVersion,
	}); err != nil {
		return nil, fromValidator(err)
	}

	streamName := models.StreamName(aggregateType, aggregateID)
	stream, err := s.streams.Get(ctx, streamName)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	if err != nil || stream.TenantID != tenantID || !stream.Identifies(aggregateType, aggregateID) {
		return nil, fmt.Errorf("stream %s: %w", streamName, ErrNotFound)
	}
	if version > stream.CurrentVersion {
		return nil, invalid("snapshot version %d is ahead of stream %s at version %d", version, streamName, stream.CurrentVersion)
	}

	if schemaVersion == 0 {
		schemaVersion = 1
	}

	snapshot := &models.Snapshot{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Version:       version,
		State:         state,
		TenantID:      tenantID,
		SchemaVersion: schemaVersion,
	}
	if err := s.snapshots.Replace(ctx, snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// GetSnapshot returns the aggregate's snapshot or an error matching ErrNotFound.
func (s *SnapshotStore) GetSnapshot(ctx context.Context, tenantID, aggregateType, aggregateID string) (*models.Snapshot, error) {
	return s.snapshots.Get(ctx, tenantID, aggregateType, aggregateID)
}
