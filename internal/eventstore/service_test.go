package eventstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/eventstore/internal/metrics"
	"example.com/backstage/services/eventstore/internal/models"
)

// MockCache records cache traffic
type MockCache struct {
	mock.Mock
}

func (m *MockCache) Get(ctx context.Context, key string, value interface{}) error {
	args := m.Called(ctx, key, value)
	return args.Error(0)
}

func (m *MockCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	args := m.Called(ctx, key, value, expiration)
	return args.Error(0)
}

func (m *MockCache) Delete(ctx context.Context, keys ...string) error {
	args := m.Called(ctx, keys)
	return args.Error(0)
}

var errCacheMiss = errors.New("cache miss")

func TestSnapshot_CreateReplacesPrevious(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AppendEvents(ctx, tenantID, "Order", "o-1", events("A", "B", "C", "D", "E", "F", "G"), 0)
	require.NoError(t, err)

	first, err := svc.CreateSnapshot(ctx, tenantID, "Order", "o-1", 3, []byte(`{"total":3}`), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, first.SchemaVersion)

	_, err = svc.CreateSnapshot(ctx, tenantID, "Order", "o-1", 7, []byte(`{"total":7}`), 2)
	require.NoError(t, err)

	snapshot, err := svc.GetSnapshot(ctx, tenantID, "Order", "o-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), snapshot.Version)
	assert.Equal(t, 2, snapshot.SchemaVersion)
	assert.JSONEq(t, `{"total":7}`, string(snapshot.State))
}

func TestSnapshot_NotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.GetSnapshot(ctx, tenantID, "Order", "missing")
	require.True(t, errors.Is(err, ErrNotFound))

	_, err = svc.AppendEvents(ctx, tenantID, "Order", "o-1", events("A"), 0)
	require.NoError(t, err)
	_, err = svc.CreateSnapshot(ctx, tenantID, "Order", "o-1", 1, []byte(`{}`), 0)
	require.NoError(t, err)
	_, err = svc.GetSnapshot(ctx, "tenant-2", "Order", "o-1")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestSnapshot_Validation(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.CreateSnapshot(context.Background(), tenantID, "", "o-1", -1, nil, 0)
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
	assert.Contains(t, validationErr.Fields, "snapshotRequest.AggregateType")
	assert.Contains(t, validationErr.Fields, "snapshotRequest.Version")
}

func TestSnapshot_RequiresOwnStream(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateSnapshot(ctx, tenantID, "Farm", "abc", 0, []byte(`{}`), 1)
	require.True(t, errors.Is(err, ErrNotFound))

	_, err = svc.AppendEvents(ctx, tenantID, "Farm", "abc", events("A", "B"), 0)
	require.NoError(t, err)
	_, err = svc.CreateSnapshot(ctx, tenantID, "Farm", "abc", 2, []byte(`{"owner":"tenant-1"}`), 1)
	require.NoError(t, err)

	_, err = svc.CreateSnapshot(ctx, "tenant-2", "Farm", "abc", 1, []byte(`{"owner":"tenant-2"}`), 1)
	require.True(t, errors.Is(err, ErrNotFound))

	snapshot, err := svc.GetSnapshot(ctx, tenantID, "Farm", "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(2), snapshot.Version)
	assert.JSONEq(t, `{"owner":"tenant-1"}`, string(snapshot.State))
}

func TestSnapshot_VersionAheadOfStream(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AppendEvents(ctx, tenantID, "Order", "o-1", events("A", "B"), 0)
	require.NoError(t, err)

	_, err = svc.CreateSnapshot(ctx, tenantID, "Order", "o-1", 3, []byte(`{}`), 1)
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))

	aggregate, err := svc.LoadAggregate(ctx, tenantID, "Order", "o-1")
	require.NoError(t, err)
	assert.Nil(t, aggregate.Snapshot)
	assert.Equal(t, int64(2), aggregate.CurrentVersion)
}

func TestLoadAggregate_WithoutSnapshot(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AppendEvents(ctx, tenantID, "Order", "o-1", events("A", "B", "C"), 0)
	require.NoError(t, err)

	aggregate, err := svc.LoadAggregate(ctx, tenantID, "Order", "o-1")
	require.NoError(t, err)
	assert.Nil(t, aggregate.Snapshot)
	assert.Equal(t, []int64{1, 2, 3}, versions(aggregate.Events))
	assert.Equal(t, int64(3), aggregate.CurrentVersion)
}

func TestLoadAggregate_FromSnapshot(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AppendEvents(ctx, tenantID, "Order", "o-1", events("A", "B", "C", "D", "E"), 0)
	require.NoError(t, err)
	_, err = svc.CreateSnapshot(ctx, tenantID, "Order", "o-1", 3, []byte(`{"n":3}`), 1)
	require.NoError(t, err)

	aggregate, err := svc.LoadAggregate(ctx, tenantID, "Order", "o-1")
	require.NoError(t, err)
	require.NotNil(t, aggregate.Snapshot)
	assert.Equal(t, int64(3), aggregate.Snapshot.Version)
	assert.Equal(t, []int64{4, 5}, versions(aggregate.Events))
	assert.Equal(t, int64(5), aggregate.CurrentVersion)
}

func TestLoadAggregate_SnapshotAtHead(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AppendEvents(ctx, tenantID, "Order", "o-1", events("A", "B"), 0)
	require.NoError(t, err)
	_, err = svc.CreateSnapshot(ctx, tenantID, "Order", "o-1", 2, []byte(`{}`), 1)
	require.NoError(t, err)

	aggregate, err := svc.LoadAggregate(ctx, tenantID, "Order", "o-1")
	require.NoError(t, err)
	assert.NotNil(t, aggregate.Events)
	assert.Empty(t, aggregate.Events)
	assert.Equal(t, int64(2), aggregate.CurrentVersion)
}

func TestLoadAggregate_ReadsEveryPage(t *testing.T) {
	store, clock := newTestStore()
	svc := NewService(store, clock, Config{DefaultMaxCount: 2, MaxCountLimit: 2})
	ctx := context.Background()

	_, err := svc.AppendEvents(ctx, tenantID, "Order", "o-1", events("A", "B", "C", "D", "E"), 0)
	require.NoError(t, err)

	aggregate, err := svc.LoadAggregate(ctx, tenantID, "Order", "o-1")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, versions(aggregate.Events))
}

func TestLoadAggregate_MissingStream(t *testing.T) {
	svc, _, _ := newTestService(t)

	aggregate, err := svc.LoadAggregate(context.Background(), tenantID, "Order", "missing")
	require.NoError(t, err)
	assert.Nil(t, aggregate.Snapshot)
	assert.Empty(t, aggregate.Events)
	assert.Zero(t, aggregate.CurrentVersion)
}

func TestGetStreamInfo(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.GetStreamInfo(ctx, tenantID, "Order", "missing")
	require.True(t, errors.Is(err, ErrNotFound))

	_, err = svc.AppendEvents(ctx, tenantID, "Order", "o-1", events("A", "B"), 0)
	require.NoError(t, err)

	stream, err := svc.GetStreamInfo(ctx, tenantID, "Order", "o-1")
	require.NoError(t, err)
	assert.Equal(t, "Order", stream.AggregateType)
	assert.Equal(t, "o-1", stream.AggregateID)
	assert.Equal(t, int64(2), stream.EventCount)

	_, err = svc.GetStreamInfo(ctx, "tenant-2", "Order", "o-1")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestDeleteStream_KeepsEventsReadable(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AppendEvents(ctx, tenantID, "Order", "o-1", events("A", "B"), 0)
	require.NoError(t, err)
	require.NoError(t, svc.DeleteStream(ctx, tenantID, "Order", "o-1"))

	stream, err := svc.GetStreamInfo(ctx, tenantID, "Order", "o-1")
	require.NoError(t, err)
	assert.True(t, stream.IsDeleted)

	slice, err := svc.ReadStream(ctx, tenantID, "Order", "o-1", ReadStreamOptions{})
	require.NoError(t, err)
	assert.Len(t, slice.Events, 2)

	_, err = svc.AppendEvents(ctx, tenantID, "Order", "o-1", events("C"), 2)
	require.True(t, errors.Is(err, ErrStreamDeleted))

	err = svc.DeleteStream(ctx, tenantID, "Order", "missing")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestGetStatistics(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	_, err := svc.AppendEvents(ctx, tenantID, "Order", "o-1", events("OrderCreated", "OrderPaid"), 0)
	require.NoError(t, err)
	clock.Advance(25 * time.Hour)
	_, err = svc.AppendEvents(ctx, tenantID, "Order", "o-2", events("OrderCreated"), 0)
	require.NoError(t, err)
	_, err = svc.AppendEvents(ctx, tenantID, "Invoice", "i-1", events("InvoiceIssued"), 0)
	require.NoError(t, err)
	_, err = svc.AppendEvents(ctx, "tenant-2", "Order", "o-9", events("OrderCreated"), 0)
	require.NoError(t, err)
	require.NoError(t, svc.DeleteStream(ctx, tenantID, "Invoice", "i-1"))

	stats, err := svc.GetStatistics(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, tenantID, stats.TenantID)
	assert.Equal(t, int64(4), stats.TotalEvents)
	assert.Equal(t, int64(2), stats.TotalStreams)
	assert.Equal(t, map[string]int64{"OrderCreated": 2, "OrderPaid": 1, "InvoiceIssued": 1}, stats.EventsByType)
	assert.Equal(t, map[string]int64{"Order": 3, "Invoice": 1}, stats.EventsByAggregateType)
	assert.Equal(t, int64(2), stats.EventsLast24h)
	assert.True(t, testNow.Add(25*time.Hour).Equal(stats.GeneratedAt))

	_, err = svc.GetStatistics(ctx, "")
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))
}

func TestGetStatistics_EmptyTenant(t *testing.T) {
	svc, _, _ := newTestService(t)

	stats, err := svc.GetStatistics(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEvents)
	assert.Zero(t, stats.TotalStreams)
	assert.Empty(t, stats.EventsByType)
}

func TestCache_SnapshotHit(t *testing.T) {
	cache := new(MockCache)
	svc, _, _ := newTestService(t, WithCache(cache))

	cache.On("Get", mock.Anything, "snapshot:tenant-1:Order-o-1", mock.AnythingOfType("*models.Snapshot")).
		Run(func(args mock.Arguments) {
			snapshot := args.Get(2).(*models.Snapshot)
			snapshot.Version = 9
			snapshot.TenantID = tenantID
		}).
		Return(nil)

	snapshot, err := svc.GetSnapshot(context.Background(), tenantID, "Order", "o-1")
	require.NoError(t, err)
	assert.Equal(t, int64(9), snapshot.Version)

	cache.AssertExpectations(t)
	cache.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCache_SnapshotMissFillsCache(t *testing.T) {
	cache := new(MockCache)
	svc, _, _ := newTestService(t, WithCache(cache))
	ctx := context.Background()

	cache.On("Set", mock.Anything, "snapshot:tenant-1:Order-o-1", mock.AnythingOfType("*models.Snapshot"), time.Minute).Return(nil)
	cache.On("Get", mock.Anything, "snapshot:tenant-1:Order-o-1", mock.Anything).Return(errCacheMiss)

	_, err := svc.AppendEvents(ctx, tenantID, "Order", "o-1", events("A"), 0)
	require.NoError(t, err)
	_, err = svc.CreateSnapshot(ctx, tenantID, "Order", "o-1", 1, []byte(`{}`), 1)
	require.NoError(t, err)

	snapshot, err := svc.GetSnapshot(ctx, tenantID, "Order", "o-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), snapshot.Version)

	cache.AssertNumberOfCalls(t, "Set", 2)
	cache.AssertExpectations(t)
}

func TestCache_DeleteStreamInvalidatesStatistics(t *testing.T) {
	cache := new(MockCache)
	svc, _, _ := newTestService(t, WithCache(cache))
	ctx := context.Background()

	cache.On("Delete", mock.Anything, []string{"statistics:tenant-1"}).Return(nil).Once()

	_, err := svc.AppendEvents(ctx, tenantID, "Order", "o-1", events("A"), 0)
	require.NoError(t, err)
	require.NoError(t, svc.DeleteStream(ctx, tenantID, "Order", "o-1"))

	cache.AssertExpectations(t)
}

func TestCache_StatisticsHit(t *testing.T) {
	cache := new(MockCache)
	svc, _, _ := newTestService(t, WithCache(cache))

	cache.On("Get", mock.Anything, "statistics:tenant-1", mock.AnythingOfType("*eventstore.Statistics")).
		Run(func(args mock.Arguments) {
			args.Get(2).(*Statistics).TotalEvents = 42
		}).
		Return(nil)

	stats, err := svc.GetStatistics(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), stats.TotalEvents)
}

func TestCache_ErrorsDoNotFailReads(t *testing.T) {
	cache := new(MockCache)
	svc, _, _ := newTestService(t, WithCache(cache))
	ctx := context.Background()

	cache.On("Get", mock.Anything, mock.Anything, mock.Anything).Return(errCacheMiss)
	cache.On("Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(errors.New("redis down"))

	_, err := svc.AppendEvents(ctx, tenantID, "Order", "o-1", events("A"), 0)
	require.NoError(t, err)
	_, err = svc.CreateSnapshot(ctx, tenantID, "Order", "o-1", 1, []byte(`{}`), 1)
	require.NoError(t, err)

	stats, err := svc.GetStatistics(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalEvents)
}

func TestMetrics_RecordsOperations(t *testing.T) {
	store, clock := newTestStore()
	recorder := metrics.NewMetrics(clock)
	svc := NewService(store, clock, Config{}, WithMetrics(recorder))
	ctx := context.Background()

	_, err := svc.AppendEvents(ctx, tenantID, "Order", "o-1", events("A", "B"), 0)
	require.NoError(t, err)
	_, err = svc.AppendEvents(ctx, tenantID, "Order", "o-1", events("C"), 0)
	require.Error(t, err)
	_, err = svc.ReadStream(ctx, tenantID, "Order", "o-1", ReadStreamOptions{})
	require.NoError(t, err)

	counters := recorder.GetCounters()
	assert.Equal(t, int64(2), counters["eventstore.events.appended"])
	assert.Equal(t, int64(1), counters["eventstore.append.conflicts"])

	rates := recorder.GetErrorRates()
	assert.Equal(t, int64(2), rates["eventstore.append"].Total)
	assert.Equal(t, int64(1), rates["eventstore.append"].Errors)
	assert.Equal(t, int64(1), recorder.GetTimers()["eventstore.read_stream"].Count)
}
