package repository

import (
	"context"
	"errors"
	"time"

	"example.com/backstage/services/eventstore/internal/models"
)

// Common repository errors
var (
	ErrNotFound     = errors.New("record not found")
	ErrDuplicateKey = errors.New("duplicate key violation")
	ErrStreamLocked = errors.New("stream already locked in this transaction")
)

// Sortable event columns
const (
	OrderByGlobalPosition = "global_position"
	OrderByVersion        = "version"
	OrderByOccurredAt     = "occurred_at"
	OrderByStoredAt       = "stored_at"
)

// EventQuery describes a filtered, ordered read over the events table.
// Zero-valued fields do not filter.
type EventQuery struct {
	TenantID       string
	StreamName     string
	AggregateType  string
	AggregateID    string
	CorrelationID  string
	UserID         string
	EventTypes     []string
	AggregateTypes []string

	// AfterVersion and AfterPosition are exclusive lower bounds.
	AfterVersion  int64
	AfterPosition int64
	// BeforePosition is an exclusive upper bound, ignored when zero.
	BeforePosition int64

	// FromDate and ToDate bound OccurredAt inclusively.
	FromDate *time.Time
	ToDate   *time.Time

	// StoredSince bounds StoredAt inclusively.
	StoredSince *time.Time

	OrderBy    string
	Descending bool
	Limit      int
	Offset     int
}

// EventRepository reads committed events.
type EventRepository interface {
	Find(ctx context.Context, q EventQuery) ([]models.Event, error)
	Count(ctx context.Context, q EventQuery) (int64, error)
	Exists(ctx context.Context, q EventQuery) (bool, error)
	// MaxPosition returns the highest committed global position, 0 for an empty log.
	MaxPosition(ctx context.Context) (int64, error)
	// CountBy groups the tenant's events by column ("event_type" or "aggregate_type").
	CountBy(ctx context.Context, tenantID, column string) (map[string]int64, error)
}

// StreamRepository reads and administers stream heads outside the append path.
type StreamRepository interface {
	Get(ctx context.Context, streamName string) (*models.Stream, error)
	SoftDelete(ctx context.Context, streamName string) error
	CountActive(ctx context.Context, tenantID string) (int64, error)
}

// SnapshotRepository keeps at most one snapshot per aggregate.
type SnapshotRepository interface {
	// Replace deletes any prior snapshot of the aggregate and inserts the given one.
	Replace(ctx context.Context, snapshot *models.Snapshot) error
	Get(ctx context.Context, tenantID, aggregateType, aggregateID string) (*models.Snapshot, error)
}

// CheckpointRepository persists projection checkpoints.
type CheckpointRepository interface {
	// CreateIfAbsent inserts the checkpoint unless one with the same name
	// exists. It returns the stored row and whether it was created.
	CreateIfAbsent(ctx context.Context, checkpoint *models.ProjectionCheckpoint) (*models.ProjectionCheckpoint, bool, error)
	Get(ctx context.Context, name string) (*models.ProjectionCheckpoint, error)
	Save(ctx context.Context, checkpoint *models.ProjectionCheckpoint) error
	List(ctx context.Context) ([]models.ProjectionCheckpoint, error)
}

// AppendTx is the write side of a single append. Every change made through
// it becomes visible atomically when the surrounding transaction commits.
type AppendTx interface {
	// LockStream returns the stream row, creating it from the template when
	// it does not exist, and holds an exclusive lock on it until commit.
	LockStream(ctx context.Context, template *models.Stream) (*models.Stream, error)
	// AllocatePositions reserves n consecutive global positions and returns
	// the first. Allocation is serialized across all streams until commit.
	AllocatePositions(ctx context.Context, n int) (int64, error)
	InsertEvents(ctx context.Context, events []models.Event) error
	UpdateStream(ctx context.Context, stream *models.Stream) error
}

// Transactor runs the append path as one atomic unit. Returning an error
// from fn rolls back every change.
type Transactor interface {
	WithinAppend(ctx context.Context, fn func(tx AppendTx) error) error
}

// Store groups the repositories of one backing database.
type Store interface {
	Transactor
	Events() EventRepository
	Streams() StreamRepository
	Snapshots() SnapshotRepository
	Checkpoints() CheckpointRepository
	Close() error
}
