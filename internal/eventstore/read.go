package eventstore

import (
	"context"
	"errors"
	"strings"

	"example.com/backstage/services/eventstore/internal/models"
	"example.com/backstage/services/eventstore/internal/repository"
)

// Reader serves ordered reads over streams and the global log. Reads observe
// committed events only and never block appenders.
type Reader struct {
	events          repository.EventRepository
	streams         repository.StreamRepository
	defaultMaxCount int
	maxCountLimit   int
}

// NewReader creates a read engine. maxCount values of zero fall back to
// defaultMaxCount and are clamped to maxCountLimit.
func NewReader(events repository.EventRepository, streams repository.StreamRepository, defaultMaxCount, maxCountLimit int) *Reader {
	if maxCountLimit <= 0 {
		maxCountLimit = 1000
	}
	if defaultMaxCount <= 0 || defaultMaxCount > maxCountLimit {
		defaultMaxCount = maxCountLimit
	}
	return &Reader{
		events:          events,
		streams:         streams,
		defaultMaxCount: defaultMaxCount,
		maxCountLimit:   maxCountLimit,
	}
}

func (r *Reader) clamp(maxCount int) int {
	if maxCount <= 0 {
		return r.defaultMaxCount
	}
	if maxCount > r.maxCountLimit {
		return r.maxCountLimit
	}
	return maxCount
}

// stream returns the aggregate's stream head, or nil when the tenant has no
// stream for that aggregate.
func (r *Reader) stream(ctx context.Context, tenantID, aggregateType, aggregateID string) (*models.Stream, error) {
	stream, err := r.streams.Get(ctx, models.StreamName(aggregateType, aggregateID))
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if stream.TenantID != tenantID || !stream.Identifies(aggregateType, aggregateID) {
		return nil, nil
	}
	return stream, nil
}

// ReadStream returns up to MaxCount events of the aggregate's stream with a
// version greater than FromVersion.
func (r *Reader) ReadStream(ctx context.Context, tenantID, aggregateType, aggregateID string, opts ReadStreamOptions) (*StreamSlice, error) {
	if opts.FromVersion < 0 {
		return nil, invalid("from version must not be negative")
	}
	direction, err := parseDirection(opts.Direction)
	if err != nil {
		return nil, err
	}

	streamName := models.StreamName(aggregateType, aggregateID)
	slice := &StreamSlice{
		StreamName:    streamName,
		Events:        []models.Event{},
		FromVersion:   opts.FromVersion,
		NextVersion:   opts.FromVersion,
		Direction:     direction,
		IsEndOfStream: true,
	}

	stream, err := r.stream(ctx, tenantID, aggregateType, aggregateID)
	if err != nil {
		return nil, err
	}
	if stream == nil {
		return slice, nil
	}
	slice.LastVersion = stream.CurrentVersion

	events, err := r.events.Find(ctx, repository.EventQuery{
		TenantID:     tenantID,
		StreamName:   streamName,
		AfterVersion: opts.FromVersion,
		OrderBy:      repository.OrderByVersion,
		Descending:   direction == Backward,
		Limit:        r.clamp(opts.MaxCount),
	})
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return slice, nil
	}

	last := events[len(events)-1]
	slice.Events = events
	slice.NextVersion = last.Version
	if direction == Forward {
		slice.IsEndOfStream = last.Version >= stream.CurrentVersion
	} else {
		slice.IsEndOfStream = last.Version <= opts.FromVersion+1
	}
	return slice, nil
}

// ReadAll returns up to MaxCount events of the tenant's log with a global
// position greater than FromPosition that match every given filter.
func (r *Reader) ReadAll(ctx context.Context, tenantID string, opts ReadAllOptions) (*AllSlice, error) {
	if opts.FromPosition < 0 {
		return nil, invalid("from position must not be negative")
	}
	direction, err := parseDirection(opts.Direction)
	if err != nil {
		return nil, err
	}

	query := repository.EventQuery{
		TenantID:       tenantID,
		EventTypes:     opts.EventTypes,
		AggregateTypes: opts.AggregateTypes,
		FromDate:       opts.FromDate,
		ToDate:         opts.ToDate,
		AfterPosition:  opts.FromPosition,
		OrderBy:        repository.OrderByGlobalPosition,
		Descending:     direction == Backward,
		Limit:          r.clamp(opts.MaxCount),
	}
	events, err := r.events.Find(ctx, query)
	if err != nil {
		return nil, err
	}

	slice := &AllSlice{
		Events:       events,
		FromPosition: opts.FromPosition,
		NextPosition: opts.FromPosition,
		Direction:    direction,
		IsEndOfAll:   true,
	}
	if len(events) == 0 {
		slice.Events = []models.Event{}
		return slice, nil
	}

	last := events[len(events)-1]
	slice.NextPosition = last.GlobalPosition

	rest := query
	rest.Limit = 0
	rest.Descending = false
	if direction == Forward {
		rest.AfterPosition = last.GlobalPosition
	} else {
		rest.BeforePosition = last.GlobalPosition
	}
	more, err := r.events.Exists(ctx, rest)
	if err != nil {
		return nil, err
	}
	slice.IsEndOfAll = !more
	return slice, nil
}

// CheckConcurrency reports whether an append with expectedVersion would pass
// the version check right now, and which events it would conflict with.
func (r *Reader) CheckConcurrency(ctx context.Context, tenantID, aggregateType, aggregateID string, expectedVersion int64) (*ConcurrencyCheck, error) {
	if expectedVersion < AnyVersion {
		return nil, invalid("expected version must be -1 or greater")
	}

	streamName := models.StreamName(aggregateType, aggregateID)
	stream, err := r.stream(ctx, tenantID, aggregateType, aggregateID)
	if err != nil {
		return nil, err
	}

	check := &ConcurrencyCheck{}
	if stream != nil {
		check.CurrentVersion = stream.CurrentVersion
	}
	check.Valid = expectedVersion == AnyVersion || expectedVersion == check.CurrentVersion
	if check.Valid || expectedVersion > check.CurrentVersion {
		return check, nil
	}

	conflicting, err := r.events.Find(ctx, repository.EventQuery{
		TenantID:     tenantID,
		StreamName:   streamName,
		AfterVersion: expectedVersion,
		OrderBy:      repository.OrderByVersion,
	})
	if err != nil {
		return nil, err
	}
	check.ConflictingEvents = conflicting
	return check, nil
}

// Search returns one page of the tenant's events matching the criteria.
func (r *Reader) Search(ctx context.Context, tenantID string, criteria SearchCriteria, page Pagination, sorting Sorting) (*Page, error) {
	orderBy, err := sortColumn(sorting.Field)
	if err != nil {
		return nil, err
	}

	var descending bool
	switch strings.ToLower(sorting.Order) {
	case "", "asc":
	case "desc":
		descending = true
	default:
		return nil, invalid("unsupported sort order %q", sorting.Order)
	}

	if page.Page <= 0 {
		page.Page = 1
	}
	if page.Limit <= 0 {
		page.Limit = 20
	}
	if page.Limit > r.maxCountLimit {
		page.Limit = r.maxCountLimit
	}

	query := repository.EventQuery{
		TenantID:      tenantID,
		AggregateType: criteria.AggregateType,
		AggregateID:   criteria.AggregateID,
		CorrelationID: criteria.CorrelationID,
		UserID:        criteria.UserID,
		FromDate:      criteria.FromDate,
		ToDate:        criteria.ToDate,
	}
	if criteria.EventType != "" {
		query.EventTypes = []string{criteria.EventType}
	}

	total, err := r.events.Count(ctx, query)
	if err != nil {
		return nil, err
	}

	query.OrderBy = orderBy
	query.Descending = descending
	query.Limit = page.Limit
	query.Offset = (page.Page - 1) * page.Limit
	items, err := r.events.Find(ctx, query)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []models.Event{}
	}

	return &Page{
		Items:      items,
		Total:      total,
		Page:       page.Page,
		Limit:      page.Limit,
		TotalPages: int((total + int64(page.Limit) - 1) / int64(page.Limit)),
	}, nil
}

func parseDirection(d Direction) (Direction, error) {
	switch d {
	case "", Forward:
		return Forward, nil
	case Backward:
		return Backward, nil
	default:
		return "", invalid("unsupported direction %q", d)
	}
}

func sortColumn(field string) (string, error) {
	switch field {
	case "", SortByGlobalPosition, repository.OrderByGlobalPosition:
		return repository.OrderByGlobalPosition, nil
	case SortByOccurredAt, repository.OrderByOccurredAt:
		return repository.OrderByOccurredAt, nil
	case SortByStoredAt, repository.OrderByStoredAt:
		return repository.OrderByStoredAt, nil
	default:
		return "", invalid("unsupported sort field %q", field)
	}
}
