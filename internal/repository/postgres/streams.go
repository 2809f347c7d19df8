package postgres

import (
	"context"

	"github.com/pkg/errors"
	"gorm.io/gorm"

	"example.com/backstage/services/eventstore/internal/models"
	"example.com/backstage/services/eventstore/internal/repository"
)

type streamRepository struct {
	db *gorm.DB
}

func (r *streamRepository) Get(ctx context.Context, streamName string) (*models.Stream, error) {
	var stream models.Stream
	if err := r.db.WithContext(ctx).
		Where("stream_name = ?", streamName).
		First(&stream).Error; err != nil {
		return nil, errors.Wrapf(translate(err), "failed to get stream %s", streamName)
	}
	return &stream, nil
}

func (r *streamRepository) SoftDelete(ctx context.Context, streamName string) error {
	res := r.db.WithContext(ctx).
		Model(&models.Stream{}).
		Where("stream_name = ?", streamName).
		Update("is_deleted", true)
	if res.Error != nil {
		return errors.Wrapf(res.Error, "failed to delete stream %s", streamName)
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(repository.ErrNotFound, "stream %s", streamName)
	}
	return nil
}

func (r *streamRepository) CountActive(ctx context.Context, tenantID string) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.Stream{}).
		Where("tenant_id = ? AND is_deleted = ?", tenantID, false).
		Count(&count).Error; err != nil {
		return 0, errors.Wrap(err, "failed to count streams")
	}
	return count, nil
}
