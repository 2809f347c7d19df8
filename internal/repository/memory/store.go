package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"

	"example.com/backstage/services/eventstore/internal/models"
	"example.com/backstage/services/eventstore/internal/repository"
)

var _ repository.Store = (*Store)(nil)

const lockStripes = 64

type versionKey struct {
	aggregateType string
	aggregateID   string
	version       int64
}

type aggregateKey struct {
	aggregateType string
	aggregateID   string
}

// Store is an in-process implementation of repository.Store. Appenders to
// the same stream serialize on a striped stream lock; global positions are
// allocated under a single position lock held until commit, so positions
// become visible in order and a rolled back append leaves no gap.
type Store struct {
	mu           sync.RWMutex
	events       []models.Event
	versions     map[versionKey]struct{}
	streams      map[string]models.Stream
	snapshots    map[aggregateKey]models.Snapshot
	checkpoints  map[string]models.ProjectionCheckpoint
	lastPosition int64

	positionMu sync.Mutex
	stripes    [lockStripes]sync.Mutex
}

// NewStore creates an empty in-memory store
func NewStore() *Store {
	return &Store{
		versions:    make(map[versionKey]struct{}),
		streams:     make(map[string]models.Stream),
		snapshots:   make(map[aggregateKey]models.Snapshot),
		checkpoints: make(map[string]models.ProjectionCheckpoint),
	}
}

func (s *Store) Events() repository.EventRepository           { return (*eventRepository)(s) }
func (s *Store) Streams() repository.StreamRepository         { return (*streamRepository)(s) }
func (s *Store) Snapshots() repository.SnapshotRepository     { return (*snapshotRepository)(s) }
func (s *Store) Checkpoints() repository.CheckpointRepository { return (*checkpointRepository)(s) }

// Close is a no-op
func (s *Store) Close() error { return nil }

// WithinAppend stages every write made by fn and applies them in one step
// when fn succeeds.
func (s *Store) WithinAppend(ctx context.Context, fn func(tx repository.AppendTx) error) error {
	tx := &appendTx{store: s}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

// stripe hashes through the streaming digest; murmur3.Sum32 walks the input
// with uintptr arithmetic that checkptr rejects under -race.
func (s *Store) stripe(streamName string) *sync.Mutex {
	h := murmur3.New32()
	h.Write([]byte(streamName))
	return &s.stripes[h.Sum32()%lockStripes]
}

type appendTx struct {
	store *Store

	stripe *sync.Mutex
	stream *models.Stream

	positionLocked bool
	basePosition   int64
	allocated      int64

	events []models.Event
}

func (t *appendTx) LockStream(ctx context.Context, template *models.Stream) (*models.Stream, error) {
	if t.stripe != nil {
		return nil, repository.ErrStreamLocked
	}

	t.stripe = t.store.stripe(template.StreamName)
	t.stripe.Lock()

	t.store.mu.RLock()
	stream, ok := t.store.streams[template.StreamName]
	t.store.mu.RUnlock()

	if !ok {
		now := time.Now().UTC()
		stream = *template
		if stream.ID == "" {
			stream.ID = uuid.NewString()
		}
		stream.CreatedAt = now
		stream.UpdatedAt = now
	}

	t.stream = &stream
	locked := stream
	return &locked, nil
}

func (t *appendTx) AllocatePositions(ctx context.Context, n int) (int64, error) {
	if !t.positionLocked {
		t.store.positionMu.Lock()
		t.positionLocked = true

		t.store.mu.RLock()
		t.basePosition = t.store.lastPosition
		t.store.mu.RUnlock()
	}

	first := t.basePosition + t.allocated + 1
	t.allocated += int64(n)
	return first, nil
}

func (t *appendTx) InsertEvents(ctx context.Context, events []models.Event) error {
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	for _, e := range events {
		key := versionKey{e.AggregateType, e.AggregateID, e.Version}
		if _, exists := t.store.versions[key]; exists {
			return fmt.Errorf("event %s version %d: %w", e.StreamName, e.Version, repository.ErrDuplicateKey)
		}
		for _, staged := range t.events {
			if staged.AggregateType == e.AggregateType && staged.AggregateID == e.AggregateID && staged.Version == e.Version {
				return fmt.Errorf("event %s version %d: %w", e.StreamName, e.Version, repository.ErrDuplicateKey)
			}
		}

		e.Payload = cloneBytes(e.Payload)
		e.Metadata = cloneBytes(e.Metadata)
		t.events = append(t.events, e)
	}
	return nil
}

func (t *appendTx) UpdateStream(ctx context.Context, stream *models.Stream) error {
	if t.stream == nil || t.stream.ID != stream.ID {
		return fmt.Errorf("stream %s: %w", stream.StreamName, repository.ErrNotFound)
	}

	updated := *t.stream
	updated.CurrentVersion = stream.CurrentVersion
	updated.EventCount = stream.EventCount
	updated.LastEventAt = stream.LastEventAt
	updated.UpdatedAt = time.Now().UTC()
	t.stream = &updated
	return nil
}

func (t *appendTx) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	sort.Slice(t.events, func(i, j int) bool {
		return t.events[i].GlobalPosition < t.events[j].GlobalPosition
	})
	for _, e := range t.events {
		if e.GlobalPosition <= s.lastPosition {
			return fmt.Errorf("position %d: %w", e.GlobalPosition, repository.ErrDuplicateKey)
		}
	}

	for _, e := range t.events {
		s.versions[versionKey{e.AggregateType, e.AggregateID, e.Version}] = struct{}{}
		s.events = append(s.events, e)
	}
	if t.positionLocked && t.allocated > 0 {
		s.lastPosition = t.basePosition + t.allocated
	}
	if t.stream != nil {
		s.streams[t.stream.StreamName] = *t.stream
	}
	return nil
}

func (t *appendTx) release() {
	if t.positionLocked {
		t.store.positionMu.Unlock()
		t.positionLocked = false
	}
	if t.stripe != nil {
		t.stripe.Unlock()
		t.stripe = nil
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
