package eventstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/eventstore/internal/models"
)

func versions(events []models.Event) []int64 {
	out := make([]int64, len(events))
	for i, e := range events {
		out[i] = e.Version
	}
	return out
}

func positions(events []models.Event) []int64 {
	out := make([]int64, len(events))
	for i, e := range events {
		out[i] = e.GlobalPosition
	}
	return out
}

func TestReadStream_Pages(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AppendEvents(ctx, tenantID, "Order", "o-1", events("A", "B", "C", "D", "E"), 0)
	require.NoError(t, err)

	first, err := svc.ReadStream(ctx, tenantID, "Order", "o-1", ReadStreamOptions{MaxCount: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, versions(first.Events))
	assert.Equal(t, int64(2), first.NextVersion)
	assert.Equal(t, int64(5), first.LastVersion)
	assert.False(t, first.IsEndOfStream)

	second, err := svc.ReadStream(ctx, tenantID, "Order", "o-1", ReadStreamOptions{FromVersion: first.NextVersion, MaxCount: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 4}, versions(second.Events))
	assert.False(t, second.IsEndOfStream)

	third, err := svc.ReadStream(ctx, tenantID, "Order", "o-1", ReadStreamOptions{FromVersion: second.NextVersion, MaxCount: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, versions(third.Events))
	assert.True(t, third.IsEndOfStream)
}

func TestReadStream_FromCurrentVersionIsEmpty(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AppendEvents(ctx, tenantID, "Order", "o-1", events("A", "B"), 0)
	require.NoError(t, err)

	slice, err := svc.ReadStream(ctx, tenantID, "Order", "o-1", ReadStreamOptions{FromVersion: 2})
	require.NoError(t, err)
	assert.Empty(t, slice.Events)
	assert.True(t, slice.IsEndOfStream)
	assert.Equal(t, int64(2), slice.NextVersion)
}

func TestReadStream_MissingStream(t *testing.T) {
	svc, _, _ := newTestService(t)

	slice, err := svc.ReadStream(context.Background(), tenantID, "Order", "missing", ReadStreamOptions{})
	require.NoError(t, err)
	assert.NotNil(t, slice.Events)
	assert.Empty(t, slice.Events)
	assert.True(t, slice.IsEndOfStream)
	assert.Zero(t, slice.LastVersion)
}

func TestReadStream_Backward(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AppendEvents(ctx, tenantID, "Order", "o-1", events("A", "B", "C", "D"), 0)
	require.NoError(t, err)

	slice, err := svc.ReadStream(ctx, tenantID, "Order", "o-1", ReadStreamOptions{MaxCount: 3, Direction: Backward})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 3, 2}, versions(slice.Events))
	assert.False(t, slice.IsEndOfStream)

	all, err := svc.ReadStream(ctx, tenantID, "Order", "o-1", ReadStreamOptions{Direction: Backward})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 3, 2, 1}, versions(all.Events))
	assert.True(t, all.IsEndOfStream)
}

func TestReadStream_InvalidOptions(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.ReadStream(ctx, tenantID, "Order", "o-1", ReadStreamOptions{FromVersion: -1})
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))

	_, err = svc.ReadStream(ctx, tenantID, "Order", "o-1", ReadStreamOptions{Direction: "sideways"})
	require.True(t, errors.As(err, &validationErr))
}

func TestReadStream_ClampsMaxCount(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()
	reader := NewReader(store.Events(), store.Streams(), 2, 3)

	_, err := svc.AppendEvents(ctx, tenantID, "Order", "o-1", events("A", "B", "C", "D", "E"), 0)
	require.NoError(t, err)

	byDefault, err := reader.ReadStream(ctx, tenantID, "Order", "o-1", ReadStreamOptions{})
	require.NoError(t, err)
	assert.Len(t, byDefault.Events, 2)

	clamped, err := reader.ReadStream(ctx, tenantID, "Order", "o-1", ReadStreamOptions{MaxCount: 50})
	require.NoError(t, err)
	assert.Len(t, clamped.Events, 3)
}

func TestReadAll_OrderAndFilters(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	_, err := svc.AppendEvents(ctx, tenantID, "Order", "o-1", events("OrderCreated", "OrderPaid"), 0)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = svc.AppendEvents(ctx, tenantID, "Invoice", "i-1", events("InvoiceIssued"), 0)
	require.NoError(t, err)
	_, err = svc.AppendEvents(ctx, "tenant-2", "Order", "o-9", events("OrderCreated"), 0)
	require.NoError(t, err)
	_, err = svc.AppendEvents(ctx, tenantID, "Order", "o-2", events("OrderCreated"), 0)
	require.NoError(t, err)

	all, err := svc.ReadAll(ctx, tenantID, ReadAllOptions{})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3, 5}, positions(all.Events))
	assert.True(t, all.IsEndOfAll)
	assert.Equal(t, int64(5), all.NextPosition)

	byType, err := svc.ReadAll(ctx, tenantID, ReadAllOptions{EventTypes: []string{"OrderCreated"}})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 5}, positions(byType.Events))

	byAggregate, err := svc.ReadAll(ctx, tenantID, ReadAllOptions{AggregateTypes: []string{"Invoice"}})
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, positions(byAggregate.Events))

	from := testNow.Add(30 * time.Minute)
	byDate, err := svc.ReadAll(ctx, tenantID, ReadAllOptions{FromDate: &from})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 5}, positions(byDate.Events))
}

func TestReadAll_Pages(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	for _, id := range []string{"o-1", "o-2", "o-3"} {
		_, err := svc.AppendEvents(ctx, tenantID, "Order", id, events("A", "B"), 0)
		require.NoError(t, err)
	}

	var (
		seen []int64
		from int64
	)
	for {
		slice, err := svc.ReadAll(ctx, tenantID, ReadAllOptions{FromPosition: from, MaxCount: 4})
		require.NoError(t, err)
		seen = append(seen, positions(slice.Events)...)
		if slice.IsEndOfAll {
			break
		}
		from = slice.NextPosition
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, seen)
}

func TestReadAll_Backward(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AppendEvents(ctx, tenantID, "Order", "o-1", events("A", "B", "C"), 0)
	require.NoError(t, err)

	slice, err := svc.ReadAll(ctx, tenantID, ReadAllOptions{MaxCount: 2, Direction: Backward})
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 2}, positions(slice.Events))
	assert.False(t, slice.IsEndOfAll)
}

func TestCheckConcurrency(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.AppendEvents(ctx, tenantID, "Order", "o-1", events("A", "B", "C"), 0)
	require.NoError(t, err)

	valid, err := svc.CheckConcurrency(ctx, tenantID, "Order", "o-1", 3)
	require.NoError(t, err)
	assert.True(t, valid.Valid)
	assert.Equal(t, int64(3), valid.CurrentVersion)
	assert.Empty(t, valid.ConflictingEvents)

	stale, err := svc.CheckConcurrency(ctx, tenantID, "Order", "o-1", 1)
	require.NoError(t, err)
	assert.False(t, stale.Valid)
	assert.Equal(t, []int64{2, 3}, versions(stale.ConflictingEvents))

	ahead, err := svc.CheckConcurrency(ctx, tenantID, "Order", "o-1", 7)
	require.NoError(t, err)
	assert.False(t, ahead.Valid)
	assert.Empty(t, ahead.ConflictingEvents)

	fresh, err := svc.CheckConcurrency(ctx, tenantID, "Order", "new", 0)
	require.NoError(t, err)
	assert.True(t, fresh.Valid)

	anyVersion, err := svc.CheckConcurrency(ctx, tenantID, "Order", "o-1", AnyVersion)
	require.NoError(t, err)
	assert.True(t, anyVersion.Valid)
}

func TestSearch(t *testing.T) {
	svc, _, clock := newTestService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.AppendEvents(ctx, tenantID, "Order", "o-1", []NewEvent{{
			EventType:     "OrderUpdated",
			Payload:       []byte(`{}`),
			CorrelationID: "corr-1",
			UserID:        "user-1",
		}}, int64(i))
		require.NoError(t, err)
		clock.Advance(time.Minute)
	}
	_, err := svc.AppendEvents(ctx, tenantID, "Invoice", "i-1", events("InvoiceIssued"), 0)
	require.NoError(t, err)

	page, err := svc.Search(ctx, tenantID,
		SearchCriteria{EventType: "OrderUpdated", CorrelationID: "corr-1"},
		Pagination{Page: 2, Limit: 2},
		Sorting{Field: SortByOccurredAt, Order: "desc"},
	)
	require.NoError(t, err)
	assert.Equal(t, int64(5), page.Total)
	assert.Equal(t, 3, page.TotalPages)
	assert.Equal(t, 2, page.Page)
	assert.Equal(t, []int64{3, 2}, versions(page.Items))

	byUser, err := svc.Search(ctx, tenantID, SearchCriteria{UserID: "user-1", AggregateID: "o-1"}, Pagination{}, Sorting{})
	require.NoError(t, err)
	assert.Equal(t, int64(5), byUser.Total)
	assert.Equal(t, 20, byUser.Limit)

	to := testNow.Add(90 * time.Second)
	byDate, err := svc.Search(ctx, tenantID, SearchCriteria{ToDate: &to}, Pagination{}, Sorting{})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, positions(byDate.Items))

	empty, err := svc.Search(ctx, tenantID, SearchCriteria{EventType: "Nothing"}, Pagination{}, Sorting{})
	require.NoError(t, err)
	assert.NotNil(t, empty.Items)
	assert.Zero(t, empty.TotalPages)
}

func TestSearch_InvalidSorting(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Search(ctx, tenantID, SearchCriteria{}, Pagination{}, Sorting{Field: "payload"})
	var validationErr *ValidationError
	require.True(t, errors.As(err, &validationErr))

	_, err = svc.Search(ctx, tenantID, SearchCriteria{}, Pagination{}, Sorting{Order: "up"})
	require.True(t, errors.As(err, &validationErr))
}
