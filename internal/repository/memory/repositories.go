package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"example.com/backstage/services/eventstore/internal/models"
	"example.com/backstage/services/eventstore/internal/repository"
)

type eventRepository Store

func (r *eventRepository) Find(ctx context.Context, q repository.EventQuery) ([]models.Event, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []models.Event
	for _, e := range r.events {
		if matches(&e, q) {
			e.Payload = cloneBytes(e.Payload)
			e.Metadata = cloneBytes(e.Metadata)
			matched = append(matched, e)
		}
	}

	if err := sortEvents(matched, q.OrderBy, q.Descending); err != nil {
		return nil, err
	}

	if q.Offset > 0 {
		if q.Offset >= len(matched) {
			return nil, nil
		}
		matched = matched[q.Offset:]
	}
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, nil
}

func (r *eventRepository) Count(ctx context.Context, q repository.EventQuery) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var count int64
	for i := range r.events {
		if matches(&r.events[i], q) {
			count++
		}
	}
	return count, nil
}

func (r *eventRepository) Exists(ctx context.Context, q repository.EventQuery) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.events {
		if matches(&r.events[i], q) {
			return true, nil
		}
	}
	return false, nil
}

func (r *eventRepository) MaxPosition(ctx context.Context) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.events) == 0 {
		return 0, nil
	}
	return r.events[len(r.events)-1].GlobalPosition, nil
}

func (r *eventRepository) CountBy(ctx context.Context, tenantID, column string) (map[string]int64, error) {
	var key func(e *models.Event) string
	switch column {
	case "event_type":
		key = func(e *models.Event) string { return e.EventType }
	case "aggregate_type":
		key = func(e *models.Event) string { return e.AggregateType }
	default:
		return nil, fmt.Errorf("unsupported group column %q", column)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int64)
	for i := range r.events {
		if r.events[i].TenantID == tenantID {
			counts[key(&r.events[i])]++
		}
	}
	return counts, nil
}

func matches(e *models.Event, q repository.EventQuery) bool {
	switch {
	case q.TenantID != "" && e.TenantID != q.TenantID:
		return false
	case q.StreamName != "" && e.StreamName != q.StreamName:
		return false
	case q.AggregateType != "" && e.AggregateType != q.AggregateType:
		return false
	case q.AggregateID != "" && e.AggregateID != q.AggregateID:
		return false
	case q.CorrelationID != "" && (e.CorrelationID == nil || *e.CorrelationID != q.CorrelationID):
		return false
	case q.UserID != "" && (e.UserID == nil || *e.UserID != q.UserID):
		return false
	case len(q.EventTypes) > 0 && !contains(q.EventTypes, e.EventType):
		return false
	case len(q.AggregateTypes) > 0 && !contains(q.AggregateTypes, e.AggregateType):
		return false
	case q.AfterVersion > 0 && e.Version <= q.AfterVersion:
		return false
	case q.AfterPosition > 0 && e.GlobalPosition <= q.AfterPosition:
		return false
	case q.BeforePosition > 0 && e.GlobalPosition >= q.BeforePosition:
		return false
	case q.FromDate != nil && e.OccurredAt.Before(*q.FromDate):
		return false
	case q.ToDate != nil && e.OccurredAt.After(*q.ToDate):
		return false
	case q.StoredSince != nil && e.StoredAt.Before(*q.StoredSince):
		return false
	}
	return true
}

func sortEvents(events []models.Event, orderBy string, descending bool) error {
	var less func(a, b *models.Event) bool
	switch orderBy {
	case "", repository.OrderByGlobalPosition:
		less = func(a, b *models.Event) bool { return a.GlobalPosition < b.GlobalPosition }
	case repository.OrderByVersion:
		less = func(a, b *models.Event) bool {
			if a.Version != b.Version {
				return a.Version < b.Version
			}
			return a.GlobalPosition < b.GlobalPosition
		}
	case repository.OrderByOccurredAt:
		less = func(a, b *models.Event) bool {
			if !a.OccurredAt.Equal(b.OccurredAt) {
				return a.OccurredAt.Before(b.OccurredAt)
			}
			return a.GlobalPosition < b.GlobalPosition
		}
	case repository.OrderByStoredAt:
		less = func(a, b *models.Event) bool {
			if !a.StoredAt.Equal(b.StoredAt) {
				return a.StoredAt.Before(b.StoredAt)
			}
			return a.GlobalPosition < b.GlobalPosition
		}
	default:
		return fmt.Errorf("unsupported order column %q", orderBy)
	}

	sort.SliceStable(events, func(i, j int) bool {
		if descending {
			return less(&events[j], &events[i])
		}
		return less(&events[i], &events[j])
	})
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

type streamRepository Store

func (r *streamRepository) Get(ctx context.Context, streamName string) (*models.Stream, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stream, ok := r.streams[streamName]
	if !ok {
		return nil, fmt.Errorf("stream %s: %w", streamName, repository.ErrNotFound)
	}
	return &stream, nil
}

func (r *streamRepository) SoftDelete(ctx context.Context, streamName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stream, ok := r.streams[streamName]
	if !ok {
		return fmt.Errorf("stream %s: %w", streamName, repository.ErrNotFound)
	}
	stream.IsDeleted = true
	stream.UpdatedAt = time.Now().UTC()
	r.streams[streamName] = stream
	return nil
}

func (r *streamRepository) CountActive(ctx context.Context, tenantID string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var count int64
	for _, stream := range r.streams {
		if stream.TenantID == tenantID && !stream.IsDeleted {
			count++
		}
	}
	return count, nil
}

type snapshotRepository Store

func (r *snapshotRepository) Replace(ctx context.Context, snapshot *models.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if snapshot.ID == "" {
		snapshot.ID = uuid.NewString()
	}
	snapshot.CreatedAt = time.Now().UTC()

	stored := *snapshot
	stored.State = cloneBytes(snapshot.State)
	r.snapshots[aggregateKey{snapshot.AggregateType, snapshot.AggregateID}] = stored
	return nil
}

func (r *snapshotRepository) Get(ctx context.Context, tenantID, aggregateType, aggregateID string) (*models.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot, ok := r.snapshots[aggregateKey{aggregateType, aggregateID}]
	if !ok || snapshot.TenantID != tenantID {
		return nil, fmt.Errorf("snapshot %s-%s: %w", aggregateType, aggregateID, repository.ErrNotFound)
	}
	snapshot.State = cloneBytes(snapshot.State)
	return &snapshot, nil
}

type checkpointRepository Store

func (r *checkpointRepository) CreateIfAbsent(ctx context.Context, checkpoint *models.ProjectionCheckpoint) (*models.ProjectionCheckpoint, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.checkpoints[checkpoint.ProjectionName]; ok {
		return copyCheckpoint(existing), false, nil
	}

	now := time.Now().UTC()
	if checkpoint.ID == "" {
		checkpoint.ID = uuid.NewString()
	}
	checkpoint.CreatedAt = now
	checkpoint.UpdatedAt = now
	r.checkpoints[checkpoint.ProjectionName] = *copyCheckpoint(*checkpoint)
	return copyCheckpoint(*checkpoint), true, nil
}

func (r *checkpointRepository) Get(ctx context.Context, name string) (*models.ProjectionCheckpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	checkpoint, ok := r.checkpoints[name]
	if !ok {
		return nil, fmt.Errorf("checkpoint %s: %w", name, repository.ErrNotFound)
	}
	return copyCheckpoint(checkpoint), nil
}

func (r *checkpointRepository) Save(ctx context.Context, checkpoint *models.ProjectionCheckpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	checkpoint.UpdatedAt = time.Now().UTC()
	r.checkpoints[checkpoint.ProjectionName] = *copyCheckpoint(*checkpoint)
	return nil
}

func (r *checkpointRepository) List(ctx context.Context) ([]models.ProjectionCheckpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	checkpoints := make([]models.ProjectionCheckpoint, 0, len(r.checkpoints))
	for _, checkpoint := range r.checkpoints {
		checkpoints = append(checkpoints, *copyCheckpoint(checkpoint))
	}
	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].ProjectionName < checkpoints[j].ProjectionName
	})
	return checkpoints, nil
}

func copyCheckpoint(c models.ProjectionCheckpoint) *models.ProjectionCheckpoint {
	c.EventTypes = append([]string(nil), c.EventTypes...)
	c.AggregateTypes = append([]string(nil), c.AggregateTypes...)
	return &c
}
