package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"example.com/backstage/services/eventstore/internal/eventstore"
	"example.com/backstage/services/eventstore/internal/models"
)

// EventRequest is one event of an append request
type EventRequest struct {
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Metadata      json.RawMessage `json:"metadata"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id"`
	UserID        string          `json:"user_id"`
	OccurredAt    *time.Time      `json:"occurred_at"`
	SchemaVersion int             `json:"schema_version"`
}

// AppendRequest is the body of an append. ExpectedVersion -1 skips the
// concurrency check.
type AppendRequest struct {
	ExpectedVersion *int64         `json:"expected_version" binding:"required"`
	Events          []EventRequest `json:"events" binding:"required"`
}

// EventResponse is a stored event with its payload and metadata inlined as JSON
type EventResponse struct {
	ID             string          `json:"id"`
	StreamName     string          `json:"stream_name"`
	GlobalPosition int64           `json:"global_position"`
	StreamPosition int64           `json:"stream_position"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	Version        int64           `json:"version"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	TenantID       string          `json:"tenant_id"`
	CorrelationID  *string         `json:"correlation_id,omitempty"`
	CausationID    *string         `json:"causation_id,omitempty"`
	UserID         *string         `json:"user_id,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
	StoredAt       time.Time       `json:"stored_at"`
	SchemaVersion  int             `json:"schema_version"`
}

func newEventResponse(e *models.Event) EventResponse {
	return EventResponse{
		ID:             e.ID,
		StreamName:     e.StreamName,
		GlobalPosition: e.GlobalPosition,
		StreamPosition: e.StreamPosition,
		AggregateType:  e.AggregateType,
		AggregateID:    e.AggregateID,
		Version:        e.Version,
		EventType:      e.EventType,
		Payload:        rawJSON(e.Payload),
		Metadata:       rawJSON(e.Metadata),
		TenantID:       e.TenantID,
		CorrelationID:  e.CorrelationID,
		CausationID:    e.CausationID,
		UserID:         e.UserID,
		OccurredAt:     e.OccurredAt,
		StoredAt:       e.StoredAt,
		SchemaVersion:  e.SchemaVersion,
	}
}

func newEventResponses(events []models.Event) []EventResponse {
	responses := make([]EventResponse, 0, len(events))
	for i := range events {
		responses = append(responses, newEventResponse(&events[i]))
	}
	return responses
}

// rawJSON inlines b when it is JSON and encodes it as a JSON string otherwise
func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	if json.Valid(b) {
		return b
	}
	encoded, _ := json.Marshal(b)
	return encoded
}

// StreamSliceResponse is one page of a stream
type StreamSliceResponse struct {
	StreamName    string               `json:"stream_name"`
	Events        []EventResponse      `json:"events"`
	FromVersion   int64                `json:"from_version"`
	NextVersion   int64                `json:"next_version"`
	LastVersion   int64                `json:"last_version"`
	Direction     eventstore.Direction `json:"direction"`
	IsEndOfStream bool                 `json:"is_end_of_stream"`
}

// AllSliceResponse is one page of the global log
type AllSliceResponse struct {
	Events       []EventResponse      `json:"events"`
	FromPosition int64                `json:"from_position"`
	NextPosition int64                `json:"next_position"`
	Direction    eventstore.Direction `json:"direction"`
	IsEndOfAll   bool                 `json:"is_end_of_all"`
}

// PageResponse is one page of search results
type PageResponse struct {
	Items      []EventResponse `json:"items"`
	Total      int64           `json:"total"`
	Page       int             `json:"page"`
	Limit      int             `json:"limit"`
	TotalPages int             `json:"total_pages"`
}

type readStreamQuery struct {
	FromVersion int64  `form:"from_version"`
	MaxCount    int    `form:"max_count"`
	Direction   string `form:"direction"`
}

type readAllQuery struct {
	FromPosition   int64      `form:"from_position"`
	MaxCount       int        `form:"max_count"`
	Direction      string     `form:"direction"`
	EventTypes     []string   `form:"event_type"`
	AggregateTypes []string   `form:"aggregate_type"`
	FromDate       *time.Time `form:"from_date" time_format:"2006-01-02T15:04:05Z07:00"`
	ToDate         *time.Time `form:"to_date" time_format:"2006-01-02T15:04:05Z07:00"`
}

type searchQuery struct {
	EventType     string     `form:"event_type"`
	AggregateType string     `form:"aggregate_type"`
	AggregateID   string     `form:"aggregate_id"`
	CorrelationID string     `form:"correlation_id"`
	UserID        string     `form:"user_id"`
	FromDate      *time.Time `form:"from_date" time_format:"2006-01-02T15:04:05Z07:00"`
	ToDate        *time.Time `form:"to_date" time_format:"2006-01-02T15:04:05Z07:00"`
	Page          int        `form:"page"`
	Limit         int        `form:"limit"`
	SortBy        string     `form:"sort_by"`
	SortOrder     string     `form:"sort_order"`
}

type concurrencyQuery struct {
	ExpectedVersion *int64 `form:"expected_version" binding:"required"`
}

// SnapshotRequest is the body of a snapshot write
type SnapshotRequest struct {
	Version       *int64          `json:"version" binding:"required"`
	State         json.RawMessage `json:"state" binding:"required"`
	SchemaVersion int             `json:"schema_version"`
}

// SnapshotResponse is a stored snapshot with its state inlined as JSON
type SnapshotResponse struct {
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Version       int64           `json:"version"`
	State         json.RawMessage `json:"state"`
	TenantID      string          `json:"tenant_id"`
	SchemaVersion int             `json:"schema_version"`
	CreatedAt     time.Time       `json:"created_at"`
}

func newSnapshotResponse(s *models.Snapshot) *SnapshotResponse {
	if s == nil {
		return nil
	}
	return &SnapshotResponse{
		AggregateType: s.AggregateType,
		AggregateID:   s.AggregateID,
		Version:       s.Version,
		State:         rawJSON(s.State),
		TenantID:      s.TenantID,
		SchemaVersion: s.SchemaVersion,
		CreatedAt:     s.CreatedAt,
	}
}

// AggregateResponse is a loaded aggregate
type AggregateResponse struct {
	Snapshot       *SnapshotResponse `json:"snapshot,omitempty"`
	Events         []EventResponse   `json:"events"`
	CurrentVersion int64             `json:"current_version"`
}

// appendEvents handles POST /streams/:type/:id/events
func (s *Server) appendEvents(c *gin.Context) {
	var req AppendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, badRequest(err.Error()))
		return
	}

	events := make([]eventstore.NewEvent, 0, len(req.Events))
	for _, e := range req.Events {
		events = append(events, eventstore.NewEvent{
			EventType:     e.EventType,
			Payload:       e.Payload,
			Metadata:      e.Metadata,
			CorrelationID: e.CorrelationID,
			CausationID:   e.CausationID,
			UserID:        e.UserID,
			OccurredAt:    e.OccurredAt,
			SchemaVersion: e.SchemaVersion,
		})
	}

	result, err := s.store.AppendEvents(c.Request.Context(), tenant(c), c.Param("type"), c.Param("id"), events, *req.ExpectedVersion)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, result)
}

// readStream handles GET /streams/:type/:id/events
func (s *Server) readStream(c *gin.Context) {
	var q readStreamQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeError(c, badRequest(err.Error()))
		return
	}

	slice, err := s.store.ReadStream(c.Request.Context(), tenant(c), c.Param("type"), c.Param("id"), eventstore.ReadStreamOptions{
		FromVersion: q.FromVersion,
		MaxCount:    q.MaxCount,
		Direction:   eventstore.Direction(q.Direction),
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, StreamSliceResponse{
		StreamName:    slice.StreamName,
		Events:        newEventResponses(slice.Events),
		FromVersion:   slice.FromVersion,
		NextVersion:   slice.NextVersion,
		LastVersion:   slice.LastVersion,
		Direction:     slice.Direction,
		IsEndOfStream: slice.IsEndOfStream,
	})
}

// readAll handles GET /events
func (s *Server) readAll(c *gin.Context) {
	var q readAllQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeError(c, badRequest(err.Error()))
		return
	}

	slice, err := s.store.ReadAll(c.Request.Context(), tenant(c), eventstore.ReadAllOptions{
		FromPosition:   q.FromPosition,
		MaxCount:       q.MaxCount,
		Direction:      eventstore.Direction(q.Direction),
		EventTypes:     q.EventTypes,
		AggregateTypes: q.AggregateTypes,
		FromDate:       q.FromDate,
		ToDate:         q.ToDate,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, AllSliceResponse{
		Events:       newEventResponses(slice.Events),
		FromPosition: slice.FromPosition,
		NextPosition: slice.NextPosition,
		Direction:    slice.Direction,
		IsEndOfAll:   slice.IsEndOfAll,
	})
}

// search handles GET /events/search
func (s *Server) search(c *gin.Context) {
	var q searchQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeError(c, badRequest(err.Error()))
		return
	}

	page, err := s.store.Search(c.Request.Context(), tenant(c),
		eventstore.SearchCriteria{
			EventType:     q.EventType,
			AggregateType: q.AggregateType,
			AggregateID:   q.AggregateID,
			CorrelationID: q.CorrelationID,
			UserID:        q.UserID,
			FromDate:      q.FromDate,
			ToDate:        q.ToDate,
		},
		eventstore.Pagination{Page: q.Page, Limit: q.Limit},
		eventstore.Sorting{Field: q.SortBy, Order: q.SortOrder},
	)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, PageResponse{
		Items:      newEventResponses(page.Items),
		Total:      page.Total,
		Page:       page.Page,
		Limit:      page.Limit,
		TotalPages: page.TotalPages,
	})
}

// checkConcurrency handles GET /streams/:type/:id/concurrency
func (s *Server) checkConcurrency(c *gin.Context) {
	var q concurrencyQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		writeError(c, badRequest(err.Error()))
		return
	}

	check, err := s.store.CheckConcurrency(c.Request.Context(), tenant(c), c.Param("type"), c.Param("id"), *q.ExpectedVersion)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"valid":              check.Valid,
		"current_version":    check.CurrentVersion,
		"conflicting_events": newEventResponses(check.ConflictingEvents),
	})
}

// getStreamInfo handles GET /streams/:type/:id
func (s *Server) getStreamInfo(c *gin.Context) {
	stream, err := s.store.GetStreamInfo(c.Request.Context(), tenant(c), c.Param("type"), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, stream)
}

// deleteStream handles DELETE /streams/:type/:id
func (s *Server) deleteStream(c *gin.Context) {
	if err := s.store.DeleteStream(c.Request.Context(), tenant(c), c.Param("type"), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// getStatistics handles GET /statistics
func (s *Server) getStatistics(c *gin.Context) {
	stats, err := s.store.GetStatistics(c.Request.Context(), tenant(c))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// createSnapshot handles PUT /streams/:type/:id/snapshot
func (s *Server) createSnapshot(c *gin.Context) {
	var req SnapshotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, badRequest(err.Error()))
		return
	}

	snapshot, err := s.store.CreateSnapshot(c.Request.Context(), tenant(c), c.Param("type"), c.Param("id"), *req.Version, req.State, req.SchemaVersion)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, newSnapshotResponse(snapshot))
}

// getSnapshot handles GET /streams/:type/:id/snapshot
func (s *Server) getSnapshot(c *gin.Context) {
	snapshot, err := s.store.GetSnapshot(c.Request.Context(), tenant(c), c.Param("type"), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, newSnapshotResponse(snapshot))
}

// loadAggregate handles GET /streams/:type/:id/aggregate
func (s *Server) loadAggregate(c *gin.Context) {
	aggregate, err := s.store.LoadAggregate(c.Request.Context(), tenant(c), c.Param("type"), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, AggregateResponse{
		Snapshot:       newSnapshotResponse(aggregate.Snapshot),
		Events:         newEventResponses(aggregate.Events),
		CurrentVersion: aggregate.CurrentVersion,
	})
}
