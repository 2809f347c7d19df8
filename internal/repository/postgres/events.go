package postgres

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/backstage/services/eventstore/internal/models"
	"example.com/backstage/services/eventstore/internal/repository"
)

var orderColumns = map[string]bool{
	repository.OrderByGlobalPosition: true,
	repository.OrderByVersion:        true,
	repository.OrderByOccurredAt:     true,
	repository.OrderByStoredAt:       true,
}

var groupColumns = map[string]bool{
	"event_type":     true,
	"aggregate_type": true,
}

type eventRepository struct {
	db *gorm.DB
}

func (r *eventRepository) Find(ctx context.Context, q repository.EventQuery) ([]models.Event, error) {
	orderBy := q.OrderBy
	if orderBy == "" {
		orderBy = repository.OrderByGlobalPosition
	}
	if !orderColumns[orderBy] {
		return nil, fmt.Errorf("unsupported order column %q", orderBy)
	}

	direction := "ASC"
	if q.Descending {
		direction = "DESC"
	}

	query := filter(r.db.WithContext(ctx).Model(&models.Event{}), q).
		Order(fmt.Sprintf("%s %s", orderBy, direction))
	if orderBy != repository.OrderByGlobalPosition {
		query = query.Order(fmt.Sprintf("global_position %s", direction))
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}
	if q.Offset > 0 {
		query = query.Offset(q.Offset)
	}

	var events []models.Event
	if err := query.Find(&events).Error; err != nil {
		return nil, errors.Wrap(err, "failed to find events")
	}
	return events, nil
}

func (r *eventRepository) Count(ctx context.Context, q repository.EventQuery) (int64, error) {
	var count int64
	if err := filter(r.db.WithContext(ctx).Model(&models.Event{}), q).Count(&count).Error; err != nil {
		return 0, errors.Wrap(err, "failed to count events")
	}
	return count, nil
}

func (r *eventRepository) Exists(ctx context.Context, q repository.EventQuery) (bool, error) {
	var ids []string
	if err := filter(r.db.WithContext(ctx).Model(&models.Event{}), q).
		Limit(1).
		Pluck("id", &ids).Error; err != nil {
		return false, errors.Wrap(err, "failed to check events")
	}
	return len(ids) > 0, nil
}

func (r *eventRepository) MaxPosition(ctx context.Context) (int64, error) {
	var max int64
	if err := r.db.WithContext(ctx).
		Model(&models.Event{}).
		Select("COALESCE(MAX(global_position), 0)").
		Scan(&max).Error; err != nil {
		return 0, errors.Wrap(err, "failed to read max position")
	}
	return max, nil
}

func (r *eventRepository) CountBy(ctx context.Context, tenantID, column string) (map[string]int64, error) {
	if !groupColumns[column] {
		return nil, fmt.Errorf("unsupported group column %q", column)
	}

	var rows []struct {
		Name  string
		Total int64
	}
	if err := r.db.WithContext(ctx).
		Model(&models.Event{}).
		Select(fmt.Sprintf("%s AS name, COUNT(*) AS total", column)).
		Where("tenant_id = ?", tenantID).
		Group(column).
		Scan(&rows).Error; err != nil {
		return nil, errors.Wrapf(err, "failed to count events by %s", column)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Name] = row.Total
	}
	return counts, nil
}

// filter applies the conjunction of every non-zero field of q
func filter(db *gorm.DB, q repository.EventQuery) *gorm.DB {
	if q.TenantID != "" {
		db = db.Where("tenant_id = ?", q.TenantID)
	}
	if q.StreamName != "" {
		db = db.Where("stream_name = ?", q.StreamName)
	}
	if q.AggregateType != "" {
		db = db.Where("aggregate_type = ?", q.AggregateType)
	}
	if q.AggregateID != "" {
		db = db.Where("aggregate_id = ?", q.AggregateID)
	}
	if q.CorrelationID != "" {
		db = db.Where("correlation_id = ?", q.CorrelationID)
	}
	if q.UserID != "" {
		db = db.Where("user_id = ?", q.UserID)
	}
	if len(q.EventTypes) > 0 {
		db = db.Where("event_type IN ?", q.EventTypes)
	}
	if len(q.AggregateTypes) > 0 {
		db = db.Where("aggregate_type IN ?", q.AggregateTypes)
	}
	if q.AfterVersion > 0 {
		db = db.Where("version > ?", q.AfterVersion)
	}
	if q.AfterPosition > 0 {
		db = db.Where("global_position > ?", q.AfterPosition)
	}
	if q.BeforePosition > 0 {
		db = db.Where("global_position < ?", q.BeforePosition)
	}
	if q.FromDate != nil {
		db = db.Where("occurred_at >= ?", *q.FromDate)
	}
	if q.ToDate != nil {
		db = db.Where("occurred_at <= ?", *q.ToDate)
	}
	if q.StoredSince != nil {
		db = db.Where("stored_at >= ?", *q.StoredSince)
	}
	return db
}
