package eventstore

import (
	"time"

	"example.com/backstage/services/eventstore/internal/models"
)

// AnyVersion disables the optimistic concurrency check on append.
const AnyVersion int64 = -1

// Direction orders a read.
type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
)

// NewEvent is an event to append. Payload and Metadata are stored verbatim.
type NewEvent struct {
	EventType     string     `json:"event_type" validate:"required,max=255"`
	Payload       []byte     `json:"payload"`
	Metadata      []byte     `json:"metadata"`
	CorrelationID string     `json:"correlation_id" validate:"max=255"`
	CausationID   string     `json:"causation_id" validate:"max=255"`
	UserID        string     `json:"user_id" validate:"max=255"`
	OccurredAt    *time.Time `json:"occurred_at"`
	SchemaVersion int        `json:"schema_version" validate:"gte=0"`
}

// AppendResult describes a committed append.
type AppendResult struct {
	StreamName      string   `json:"stream_name"`
	NewVersion      int64    `json:"new_version"`
	EventIDs        []string `json:"event_ids"`
	GlobalPositions []int64  `json:"global_positions"`
}

// ReadStreamOptions bounds a stream read. FromVersion is exclusive.
type ReadStreamOptions struct {
	FromVersion int64
	MaxCount    int
	Direction   Direction
}

// StreamSlice is one page of a stream.
type StreamSlice struct {
	StreamName    string         `json:"stream_name"`
	Events        []models.Event `json:"events"`
	FromVersion   int64          `json:"from_version"`
	NextVersion   int64          `json:"next_version"`
	LastVersion   int64          `json:"last_version"`
	Direction     Direction      `json:"direction"`
	IsEndOfStream bool           `json:"is_end_of_stream"`
}

// ReadAllOptions bounds a read over the whole log. FromPosition is exclusive;
// the remaining filters are conjunctive.
type ReadAllOptions struct {
	FromPosition   int64
	MaxCount       int
	Direction      Direction
	EventTypes     []string
	AggregateTypes []string
	FromDate       *time.Time
	ToDate         *time.Time
}

// AllSlice is one page of the global log.
type AllSlice struct {
	Events       []models.Event `json:"events"`
	FromPosition int64          `json:"from_position"`
	NextPosition int64          `json:"next_position"`
	Direction    Direction      `json:"direction"`
	IsEndOfAll   bool           `json:"is_end_of_all"`
}

// ConcurrencyCheck is the read-only outcome of a version check.
type ConcurrencyCheck struct {
	Valid             bool           `json:"valid"`
	CurrentVersion    int64          `json:"current_version"`
	ConflictingEvents []models.Event `json:"conflicting_events,omitempty"`
}

// SearchCriteria are equality filters plus an inclusive OccurredAt range.
type SearchCriteria struct {
	EventType     string
	AggregateType string
	AggregateID   string
	CorrelationID string
	UserID        string
	FromDate      *time.Time
	ToDate        *time.Time
}

// Pagination is 1-based offset pagination.
type Pagination struct {
	Page  int
	Limit int
}

// Sort fields accepted by Search
const (
	SortByOccurredAt     = "occurredAt"
	SortByStoredAt       = "storedAt"
	SortByGlobalPosition = "globalPosition"
)

// Sorting orders search results. Order is "asc" or "desc".
type Sorting struct {
	Field string
	Order string
}

// Page is one page of search results.
type Page struct {
	Items      []models.Event `json:"items"`
	Total      int64          `json:"total"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
	TotalPages int            `json:"total_pages"`
}

// Aggregate is what LoadAggregate returns: the latest snapshot, if any, and
// the events recorded after it. Folding them is the caller's job.
type Aggregate struct {
	Snapshot       *models.Snapshot `json:"snapshot,omitempty"`
	Events         []models.Event   `json:"events"`
	CurrentVersion int64            `json:"current_version"`
}

// Statistics summarizes a tenant's log.
type Statistics struct {
	TenantID              string           `json:"tenant_id"`
	TotalEvents           int64            `json:"total_events"`
	TotalStreams          int64            `json:"total_streams"`
	EventsByType          map[string]int64 `json:"events_by_type"`
	EventsByAggregateType map[string]int64 `json:"events_by_aggregate_type"`
	EventsLast24h         int64            `json:"events_last_24h"`
	GeneratedAt           time.Time        `json:"generated_at"`
}
