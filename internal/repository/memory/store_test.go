package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"example.com/backstage/services/eventstore/internal/models"
	"example.com/backstage/services/eventstore/internal/repository"
)

func appendEvents(t *testing.T, s *Store, streamName string, types ...string) {
	t.Helper()
	require.NoError(t, tryAppend(s, streamName, types...))
}

func tryAppend(s *Store, streamName string, types ...string) error {
	ctx := context.Background()
	return s.WithinAppend(ctx, func(tx repository.AppendTx) error {
		stream, err := tx.LockStream(ctx, &models.Stream{StreamName: streamName, AggregateType: "Order", AggregateID: streamName, TenantID: "tenant-1"})
		if err != nil {
			return err
		}
		first, err := tx.AllocatePositions(ctx, len(types))
		if err != nil {
			return err
		}
		events := make([]models.Event, len(types))
		for i, eventType := range types {
			version := stream.CurrentVersion + int64(i) + 1
			events[i] = models.Event{
				ID:             streamName + "-" + eventType,
				StreamName:     streamName,
				GlobalPosition: first + int64(i),
				AggregateType:  "Order",
				AggregateID:    streamName,
				Version:        version,
				EventType:      eventType,
				Payload:        []byte(`{}`),
				TenantID:       "tenant-1",
				StoredAt:       time.Now().UTC(),
			}
		}
		if err := tx.InsertEvents(ctx, events); err != nil {
			return err
		}
		stream.CurrentVersion += int64(len(types))
		stream.EventCount += int64(len(types))
		return tx.UpdateStream(ctx, stream)
	})
}

func TestStore_AppendIsAtomic(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	appendEvents(t, s, "a", "A", "B")

	err := s.WithinAppend(ctx, func(tx repository.AppendTx) error {
		if _, err := tx.LockStream(ctx, &models.Stream{StreamName: "b", TenantID: "tenant-1"}); err != nil {
			return err
		}
		if _, err := tx.AllocatePositions(ctx, 3); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	_, err = s.Streams().Get(ctx, "b")
	require.ErrorIs(t, err, repository.ErrNotFound)

	appendEvents(t, s, "c", "A")
	max, err := s.Events().MaxPosition(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), max)
}

func TestStore_DuplicateVersion(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	appendEvents(t, s, "a", "A")

	err := s.WithinAppend(ctx, func(tx repository.AppendTx) error {
		return tx.InsertEvents(ctx, []models.Event{{ID: "x", StreamName: "a", AggregateType: "Order", AggregateID: "a", Version: 1, GlobalPosition: 99}})
	})
	require.ErrorIs(t, err, repository.ErrDuplicateKey)
}

func TestStore_LockStreamOncePerTx(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	err := s.WithinAppend(ctx, func(tx repository.AppendTx) error {
		if _, err := tx.LockStream(ctx, &models.Stream{StreamName: "a"}); err != nil {
			return err
		}
		_, err := tx.LockStream(ctx, &models.Stream{StreamName: "b"})
		return err
	})
	require.ErrorIs(t, err, repository.ErrStreamLocked)
}

func TestStore_ReturnsCopies(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	appendEvents(t, s, "a", "A")

	found, err := s.Events().Find(ctx, repository.EventQuery{})
	require.NoError(t, err)
	found[0].Payload[0] = 'X'
	found[0].EventType = "Mutated"

	again, err := s.Events().Find(ctx, repository.EventQuery{})
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(again[0].Payload))
	assert.Equal(t, "A", again[0].EventType)
}

func TestStore_QueryHelpers(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	appendEvents(t, s, "a", "A", "B")
	appendEvents(t, s, "b", "A")

	counts, err := s.Events().CountBy(ctx, "tenant-1", "event_type")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"A": 2, "B": 1}, counts)

	_, err = s.Events().CountBy(ctx, "tenant-1", "payload")
	require.Error(t, err)

	_, err = s.Events().Find(ctx, repository.EventQuery{OrderBy: "payload"})
	require.Error(t, err)

	page, err := s.Events().Find(ctx, repository.EventQuery{Descending: true, Offset: 1, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, int64(2), page[0].GlobalPosition)

	exists, err := s.Events().Exists(ctx, repository.EventQuery{AfterPosition: 3})
	require.NoError(t, err)
	assert.False(t, exists)

	active, err := s.Streams().CountActive(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), active)
	require.NoError(t, s.Streams().SoftDelete(ctx, "a"))
	active, err = s.Streams().CountActive(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), active)
	require.ErrorIs(t, s.Streams().SoftDelete(ctx, "ghost"), repository.ErrNotFound)
}

func TestStore_StripeIsStable(t *testing.T) {
	s := NewStore()

	// every tail length of the 4-byte block hash, including the empty name
	for n := 0; n <= 9; n++ {
		name := strings.Repeat("x", n)
		assert.Same(t, s.stripe(name), s.stripe(name), "name %q", name)
	}
}

func TestStore_ConcurrentAppendsAcrossStripes(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 32)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = tryAppend(s, fmt.Sprintf("%s-%d", strings.Repeat("s", i%7), i), "A", "B")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	events, err := s.Events().Find(ctx, repository.EventQuery{OrderBy: repository.OrderByGlobalPosition})
	require.NoError(t, err)
	require.Len(t, events, 64)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.GlobalPosition)
	}
}
