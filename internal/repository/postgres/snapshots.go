package postgres

import (
	"context"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/backstage/services/eventstore/internal/models"
)

// Snapshot state encodings
const (
	encodingRaw    = "raw"
	encodingSnappy = "snappy"
)

type snapshotRepository struct {
	db       *gorm.DB
	compress bool
}

func (r *snapshotRepository) Replace(ctx context.Context, snapshot *models.Snapshot) error {
	row := *snapshot
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	row.Encoding = encodingRaw
	if r.compress {
		row.State = snappy.Encode(nil, snapshot.State)
		row.Encoding = encodingSnappy
	}

	// single upsert on idx_snapshots_aggregate; concurrent replaces never both insert
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "aggregate_type"}, {Name: "aggregate_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"id", "version", "state", "encoding", "tenant_id", "schema_version", "created_at"}),
	}).Create(&row).Error
	if err != nil {
		return errors.Wrap(translate(err), "failed to replace snapshot")
	}

	snapshot.ID = row.ID
	snapshot.Encoding = row.Encoding
	snapshot.CreatedAt = row.CreatedAt
	return nil
}

func (r *snapshotRepository) Get(ctx context.Context, tenantID, aggregateType, aggregateID string) (*models.Snapshot, error) {
	var snapshot models.Snapshot
	if err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND aggregate_type = ? AND aggregate_id = ?", tenantID, aggregateType, aggregateID).
		First(&snapshot).Error; err != nil {
		return nil, errors.Wrapf(translate(err), "failed to get snapshot %s-%s", aggregateType, aggregateID)
	}

	if snapshot.Encoding == encodingSnappy {
		state, err := snappy.Decode(nil, snapshot.State)
		if err != nil {
			return nil, errors.Wrap(err, "failed to decode snapshot state")
		}
		snapshot.State = state
		snapshot.Encoding = encodingRaw
	}
	return &snapshot, nil
}
