package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/backstage/services/eventstore/internal/models"
)

type checkpointRepository struct {
	db *gorm.DB
}

func (r *checkpointRepository) CreateIfAbsent(ctx context.Context, checkpoint *models.ProjectionCheckpoint) (*models.ProjectionCheckpoint, bool, error) {
	if checkpoint.ID == "" {
		checkpoint.ID = uuid.NewString()
	}

	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "projection_name"}}, DoNothing: true}).
		Create(checkpoint)
	if res.Error != nil {
		return nil, false, errors.Wrap(res.Error, "failed to create checkpoint")
	}

	stored, err := r.Get(ctx, checkpoint.ProjectionName)
	if err != nil {
		return nil, false, err
	}
	return stored, res.RowsAffected > 0, nil
}

func (r *checkpointRepository) Get(ctx context.Context, name string) (*models.ProjectionCheckpoint, error) {
	var checkpoint models.ProjectionCheckpoint
	if err := r.db.WithContext(ctx).
		Where("projection_name = ?", name).
		First(&checkpoint).Error; err != nil {
		return nil, errors.Wrapf(translate(err), "failed to get checkpoint %s", name)
	}
	return &checkpoint, nil
}

func (r *checkpointRepository) Save(ctx context.Context, checkpoint *models.ProjectionCheckpoint) error {
	if err := r.db.WithContext(ctx).Save(checkpoint).Error; err != nil {
		return errors.Wrapf(err, "failed to save checkpoint %s", checkpoint.ProjectionName)
	}
	return nil
}

func (r *checkpointRepository) List(ctx context.Context) ([]models.ProjectionCheckpoint, error) {
	var checkpoints []models.ProjectionCheckpoint
	if err := r.db.WithContext(ctx).
		Order("projection_name ASC").
		Find(&checkpoints).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list checkpoints")
	}
	return checkpoints, nil
}
