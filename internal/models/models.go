package models

import (
	"time"
)

// Event represents a committed domain event in the log. Rows are never
// updated or deleted once written.
type Event struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	StreamName     string    `gorm:"size:255;not null;index" json:"stream_name"`
	GlobalPosition int64     `gorm:"not null;uniqueIndex" json:"global_position"`
	StreamPosition int64     `gorm:"not null" json:"stream_position"`
	AggregateType  string    `gorm:"size:255;not null;uniqueIndex:idx_events_aggregate_version,priority:1" json:"aggregate_type"`
	AggregateID    string    `gorm:"size:255;not null;uniqueIndex:idx_events_aggregate_version,priority:2" json:"aggregate_id"`
	Version        int64     `gorm:"not null;uniqueIndex:idx_events_aggregate_version,priority:3" json:"version"`
	EventType      string    `gorm:"size:255;not null;index" json:"event_type"`
	Payload        []byte    `json:"payload"`
	Metadata       []byte    `json:"metadata"`
	TenantID       string    `gorm:"size:64;not null;index" json:"tenant_id"`
	CorrelationID  *string   `gorm:"size:255;index" json:"correlation_id,omitempty"`
	CausationID    *string   `gorm:"size:255" json:"causation_id,omitempty"`
	UserID         *string   `gorm:"size:255" json:"user_id,omitempty"`
	OccurredAt     time.Time `gorm:"not null;index" json:"occurred_at"`
	StoredAt       time.Time `gorm:"not null" json:"stored_at"`
	SchemaVersion  int       `gorm:"not null" json:"schema_version"`
}

// Stream tracks the head of one aggregate instance's event stream.
type Stream struct {
	ID             string     `gorm:"primaryKey;size:36" json:"id"`
	StreamName     string     `gorm:"size:255;not null;uniqueIndex" json:"stream_name"`
	AggregateType  string     `gorm:"size:255;not null" json:"aggregate_type"`
	AggregateID    string     `gorm:"size:255;not null" json:"aggregate_id"`
	CurrentVersion int64      `gorm:"not null" json:"current_version"`
	EventCount     int64      `gorm:"not null" json:"event_count"`
	TenantID       string     `gorm:"size:64;not null;index" json:"tenant_id"`
	IsDeleted      bool       `gorm:"not null;index" json:"is_deleted"`
	LastEventAt    *time.Time `json:"last_event_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Identifies reports whether the stream row was created for this aggregate.
// Stream names are not injective: Farm/x-y and Farm-x/y share one.
func (s *Stream) Identifies(aggregateType, aggregateID string) bool {
	return s.AggregateType == aggregateType && s.AggregateID == aggregateID
}

// Snapshot holds the latest materialized state of one aggregate.
type Snapshot struct {
	ID            string    `gorm:"primaryKey;size:36" json:"id"`
	AggregateType string    `gorm:"size:255;not null;uniqueIndex:idx_snapshots_aggregate,priority:1" json:"aggregate_type"`
	AggregateID   string    `gorm:"size:255;not null;uniqueIndex:idx_snapshots_aggregate,priority:2" json:"aggregate_id"`
	Version       int64     `gorm:"not null" json:"version"`
	State         []byte    `json:"state"`
	Encoding      string    `gorm:"size:16;not null" json:"-"`
	TenantID      string    `gorm:"size:64;not null;index" json:"tenant_id"`
	SchemaVersion int       `gorm:"not null" json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// ProjectionStatus is the lifecycle state of a registered projection.
type ProjectionStatus string

const (
	ProjectionRunning ProjectionStatus = "RUNNING"
	ProjectionPaused  ProjectionStatus = "PAUSED"
	ProjectionStopped ProjectionStatus = "STOPPED"
	ProjectionFaulted ProjectionStatus = "FAULTED"
)

// ProjectionCheckpoint records how far a projection has advanced through the log.
type ProjectionCheckpoint struct {
	ID                  string           `gorm:"primaryKey;size:36" json:"id"`
	ProjectionName      string           `gorm:"size:255;not null;uniqueIndex" json:"projection_name"`
	Position            int64            `gorm:"not null" json:"position"`
	Status              ProjectionStatus `gorm:"size:16;not null" json:"status"`
	TenantID            *string          `gorm:"size:64" json:"tenant_id,omitempty"`
	ConsumerGroup       *string          `gorm:"size:255" json:"consumer_group,omitempty"`
	EventTypes          []string         `gorm:"type:text;serializer:json" json:"event_types,omitempty"`
	AggregateTypes      []string         `gorm:"type:text;serializer:json" json:"aggregate_types,omitempty"`
	EventsProcessed     int64            `gorm:"not null" json:"events_processed"`
	EventsFailed        int64            `gorm:"not null" json:"events_failed"`
	LastError           *string          `json:"last_error,omitempty"`
	LastErrorAt         *time.Time       `json:"last_error_at,omitempty"`
	AvgProcessingTimeMs float64          `gorm:"not null" json:"avg_processing_time_ms"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// Sequence is a named monotonic counter. The global position of the log is
// allocated from the row named GlobalPositionSequence.
type Sequence struct {
	Name  string `gorm:"primaryKey;size:64"`
	Value int64  `gorm:"not null"`
}

// GlobalPositionSequence names the counter that allocates global positions.
const GlobalPositionSequence = "global_position"

// StreamName builds the stream name of an aggregate instance.
func StreamName(aggregateType, aggregateID string) string {
	return aggregateType + "-" + aggregateID
}

// All returns every table model, in migration order.
func All() []interface{} {
	return []interface{}{
		&Event{},
		&Stream{},
		&Snapshot{},
		&ProjectionCheckpoint{},
		&Sequence{},
	}
}
