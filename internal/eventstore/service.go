package eventstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/eventstore/internal/models"
	"example.com/backstage/services/eventstore/internal/repository"
)

// Cache is a read-through cache for snapshots and statistics. A miss is
// reported as an error.
type Cache interface {
	Get(ctx context.Context, key string, value interface{}) error
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// Recorder receives operation metrics
type Recorder interface {
	IncrementCounterBy(name string, value int64)
	RecordTimer(name string, durationMs int64)
	RecordSuccess(name string)
	RecordError(name string)
}

// Config holds the read limits and cache lifetimes of a Service
type Config struct {
	DefaultMaxCount    int
	MaxCountLimit      int
	SnapshotCacheTTL   time.Duration
	StatisticsCacheTTL time.Duration
}

// Service is the event store API: appends, reads, snapshots and stream
// administration for one backing store.
type Service struct {
	appender  *Appender
	reader    *Reader
	snapshots *SnapshotStore
	events    repository.EventRepository
	streams   repository.StreamRepository
	clock     clockwork.Clock
	cfg       Config
	cache     Cache
	metrics   Recorder
}

// Option configures a Service
type Option func(*Service)

// WithCache enables the snapshot and statistics cache
func WithCache(cache Cache) Option {
	return func(s *Service) {
		s.cache = cache
	}
}

// WithMetrics records operation counts and timings
func WithMetrics(recorder Recorder) Option {
	return func(s *Service) {
		s.metrics = recorder
	}
}

// NewService wires the append engine, read engine and snapshot store over store
func NewService(store repository.Store, clock clockwork.Clock, cfg Config, opts ...Option) *Service {
	s := &Service{
		appender:  NewAppender(store, clock),
		reader:    NewReader(store.Events(), store.Streams(), cfg.DefaultMaxCount, cfg.MaxCountLimit),
		snapshots: NewSnapshotStore(store.Snapshots(), store.Streams()),
		events:    store.Events(),
		streams:   store.Streams(),
		clock:     clock,
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// observe ends the operation's segment and records its outcome
func (s *Service) observe(ctx context.Context, op string) func(err error) {
	start := s.clock.Now()
	segment := newrelic.FromContext(ctx).StartSegment("eventstore/" + op)

	return func(err error) {
		segment.End()
		if s.metrics == nil {
			return
		}
		name := "eventstore." + op
		s.metrics.RecordTimer(name, s.clock.Since(start).Milliseconds())
		if err != nil && !errors.Is(err, ErrNotFound) {
			s.metrics.RecordError(name)
			return
		}
		s.metrics.RecordSuccess(name)
	}
}

// AppendEvents appends events to an aggregate's stream, see Appender.Append.
func (s *Service) AppendEvents(ctx context.Context, tenantID, aggregateType, aggregateID string, events []NewEvent, expectedVersion int64) (result *AppendResult, err error) {
	done := s.observe(ctx, "append")
	defer func() { done(err) }()

	result, err = s.appender.Append(ctx, tenantID, aggregateType, aggregateID, events, expectedVersion)
	if err != nil {
		if errors.Is(err, ErrConcurrencyConflict) && s.metrics != nil {
			s.metrics.IncrementCounterBy("eventstore.append.conflicts", 1)
		}
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.IncrementCounterBy("eventstore.events.appended", int64(len(events)))
	}
	return result, nil
}

// ReadStream reads one page of an aggregate's stream.
func (s *Service) ReadStream(ctx context.Context, tenantID, aggregateType, aggregateID string, opts ReadStreamOptions) (slice *StreamSlice, err error) {
	done := s.observe(ctx, "read_stream")
	defer func() { done(err) }()

	return s.reader.ReadStream(ctx, tenantID, aggregateType, aggregateID, opts)
}

// ReadAll reads one page of the tenant's global log.
func (s *Service) ReadAll(ctx context.Context, tenantID string, opts ReadAllOptions) (slice *AllSlice, err error) {
	done := s.observe(ctx, "read_all")
	defer func() { done(err) }()

	return s.reader.ReadAll(ctx, tenantID, opts)
}

// CheckConcurrency performs the append version check without writing.
func (s *Service) CheckConcurrency(ctx context.Context, tenantID, aggregateType, aggregateID string, expectedVersion int64) (*ConcurrencyCheck, error) {
	return s.reader.CheckConcurrency(ctx, tenantID, aggregateType, aggregateID, expectedVersion)
}

// Search returns a page of events matching criteria.
func (s *Service) Search(ctx context.Context, tenantID string, criteria SearchCriteria, page Pagination, sorting Sorting) (result *Page, err error) {
	done := s.observe(ctx, "search")
	defer func() { done(err) }()

	return s.reader.Search(ctx, tenantID, criteria, page, sorting)
}

// GetStreamInfo returns the stream head of an aggregate.
func (s *Service) GetStreamInfo(ctx context.Context, tenantID, aggregateType, aggregateID string) (*models.Stream, error) {
	streamName := models.StreamName(aggregateType, aggregateID)
	stream, err := s.streams.Get(ctx, streamName)
	if err != nil {
		return nil, err
	}
	if stream.TenantID != tenantID || !stream.Identifies(aggregateType, aggregateID) {
		return nil, fmt.Errorf("stream %s: %w", streamName, ErrNotFound)
	}
	return stream, nil
}

// DeleteStream soft-deletes a stream. Its events stay in the log and remain
// readable; further appends are rejected with ErrStreamDeleted.
func (s *Service) DeleteStream(ctx context.Context, tenantID, aggregateType, aggregateID string) error {
	stream, err := s.GetStreamInfo(ctx, tenantID, aggregateType, aggregateID)
	if err != nil {
		return err
	}
	if err := s.streams.SoftDelete(ctx, stream.StreamName); err != nil {
		return err
	}

	s.invalidate(ctx, statisticsKey(tenantID))
	log.Info().Str("stream", stream.StreamName).Str("tenant", tenantID).Msg("Stream deleted")
	return nil
}

// GetStatistics summarizes the tenant's log.
func (s *Service) GetStatistics(ctx context.Context, tenantID string) (stats *Statistics, err error) {
	done := s.observe(ctx, "statistics")
	defer func() { done(err) }()

	if tenantID == "" {
		return nil, invalid("tenant id is required")
	}

	key := statisticsKey(tenantID)
	var cached Statistics
	if s.cacheGet(ctx, key, &cached) {
		return &cached, nil
	}

	stats = &Statistics{TenantID: tenantID, GeneratedAt: s.clock.Now().UTC()}
	if stats.TotalEvents, err = s.events.Count(ctx, repository.EventQuery{TenantID: tenantID}); err != nil {
		return nil, err
	}
	if stats.TotalStreams, err = s.streams.CountActive(ctx, tenantID); err != nil {
		return nil, err
	}
	if stats.EventsByType, err = s.events.CountBy(ctx, tenantID, "event_type"); err != nil {
		return nil, err
	}
	if stats.EventsByAggregateType, err = s.events.CountBy(ctx, tenantID, "aggregate_type"); err != nil {
		return nil, err
	}

	since := stats.GeneratedAt.Add(-24 * time.Hour)
	if stats.EventsLast24h, err = s.events.Count(ctx, repository.EventQuery{TenantID: tenantID, StoredSince: &since}); err != nil {
		return nil, err
	}

	s.cacheSet(ctx, key, stats, s.cfg.StatisticsCacheTTL)
	return stats, nil
}

// CreateSnapshot replaces the aggregate's snapshot.
func (s *Service) CreateSnapshot(ctx context.Context, tenantID, aggregateType, aggregateID string, version int64, state []byte, schemaVersion int) (snapshot *models.Snapshot, err error) {
	done := s.observe(ctx, "create_snapshot")
	defer func() { done(err) }()

	snapshot, err = s.snapshots.CreateSnapshot(ctx, tenantID, aggregateType, aggregateID, version, state, schemaVersion)
	if err != nil {
		return nil, err
	}

	s.cacheSet(ctx, snapshotKey(tenantID, aggregateType, aggregateID), snapshot, s.cfg.SnapshotCacheTTL)
	log.Debug().
		Str("stream", models.StreamName(aggregateType, aggregateID)).
		Int64("version", version).
		Msg("Snapshot created")
	return snapshot, nil
}

// GetSnapshot returns the aggregate's snapshot or an error matching ErrNotFound.
func (s *Service) GetSnapshot(ctx context.Context, tenantID, aggregateType, aggregateID string) (*models.Snapshot, error) {
	key := snapshotKey(tenantID, aggregateType, aggregateID)

	var cached models.Snapshot
	if s.cacheGet(ctx, key, &cached) {
		return &cached, nil
	}

	snapshot, err := s.snapshots.GetSnapshot(ctx, tenantID, aggregateType, aggregateID)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, key, snapshot, s.cfg.SnapshotCacheTTL)
	return snapshot, nil
}

// LoadAggregate returns the latest snapshot and every event recorded after it.
func (s *Service) LoadAggregate(ctx context.Context, tenantID, aggregateType, aggregateID string) (aggregate *Aggregate, err error) {
	done := s.observe(ctx, "load_aggregate")
	defer func() { done(err) }()

	aggregate = &Aggregate{Events: []models.Event{}}

	snapshot, err := s.GetSnapshot(ctx, tenantID, aggregateType, aggregateID)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return nil, err
	default:
		aggregate.Snapshot = snapshot
		aggregate.CurrentVersion = snapshot.Version
	}

	from := int64(0)
	if aggregate.Snapshot != nil {
		from = aggregate.Snapshot.Version
	}

	for {
		slice, err := s.reader.ReadStream(ctx, tenantID, aggregateType, aggregateID, ReadStreamOptions{
			FromVersion: from,
			MaxCount:    s.reader.maxCountLimit,
			Direction:   Forward,
		})
		if err != nil {
			return nil, err
		}
		aggregate.Events = append(aggregate.Events, slice.Events...)
		if slice.LastVersion > aggregate.CurrentVersion {
			aggregate.CurrentVersion = slice.LastVersion
		}
		if slice.IsEndOfStream {
			break
		}
		from = slice.NextVersion
	}

	return aggregate, nil
}

func (s *Service) cacheGet(ctx context.Context, key string, value interface{}) bool {
	if s.cache == nil {
		return false
	}
	if err := s.cache.Get(ctx, key, value); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("Cache miss")
		return false
	}
	return true
}

func (s *Service) cacheSet(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	if s.cache == nil || ttl <= 0 {
		return
	}
	if err := s.cache.Set(ctx, key, value, ttl); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to cache value")
	}
}

func (s *Service) invalidate(ctx context.Context, keys ...string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		log.Warn().Err(err).Strs("keys", keys).Msg("Failed to invalidate cache")
	}
}

func snapshotKey(tenantID, aggregateType, aggregateID string) string {
	return fmt.Sprintf("snapshot:%s:%s", tenantID, models.StreamName(aggregateType, aggregateID))
}

func statisticsKey(tenantID string) string {
	return fmt.Sprintf("statistics:%s", tenantID)
}
