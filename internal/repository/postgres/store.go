package postgres

import (
	"context"
	stderrors "errors"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"example.com/backstage/services/eventstore/internal/models"
	"example.com/backstage/services/eventstore/internal/repository"
)

var _ repository.Store = (*Store)(nil)

// Store implements repository.Store on top of GORM. Production runs it
// against PostgreSQL; the row locks it takes are no-ops on SQLite, where the
// database lock serializes writers instead.
type Store struct {
	db          *gorm.DB
	events      *eventRepository
	streams     *streamRepository
	snapshots   *snapshotRepository
	checkpoints *checkpointRepository
}

// Option configures a Store.
type Option func(*Store)

// WithSnapshotCompression stores snapshot state snappy-compressed.
func WithSnapshotCompression(enabled bool) Option {
	return func(s *Store) {
		s.snapshots.compress = enabled
	}
}

// NewStore creates a GORM-backed store
func NewStore(db *gorm.DB, opts ...Option) *Store {
	s := &Store{
		db:          db,
		events:      &eventRepository{db: db},
		streams:     &streamRepository{db: db},
		snapshots:   &snapshotRepository{db: db},
		checkpoints: &checkpointRepository{db: db},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Events() repository.EventRepository           { return s.events }
func (s *Store) Streams() repository.StreamRepository         { return s.streams }
func (s *Store) Snapshots() repository.SnapshotRepository     { return s.snapshots }
func (s *Store) Checkpoints() repository.CheckpointRepository { return s.checkpoints }

// WithinAppend runs fn inside a database transaction.
func (s *Store) WithinAppend(ctx context.Context, fn func(tx repository.AppendTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&appendTx{db: tx})
	})
}

// Close closes the underlying connection pool
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "failed to get database connection")
	}
	return sqlDB.Close()
}

type appendTx struct {
	db     *gorm.DB
	locked bool
}

func (t *appendTx) LockStream(ctx context.Context, template *models.Stream) (*models.Stream, error) {
	if t.locked {
		return nil, repository.ErrStreamLocked
	}

	if template.ID == "" {
		template.ID = uuid.NewString()
	}

	// Insert the stream head if it has never been seen. A concurrent creator
	// wins the unique index and this insert becomes a no-op.
	if err := t.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "stream_name"}}, DoNothing: true}).
		Create(template).Error; err != nil {
		return nil, errors.Wrap(err, "failed to create stream")
	}

	var stream models.Stream
	if err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("stream_name = ?", template.StreamName).
		First(&stream).Error; err != nil {
		return nil, errors.Wrap(translate(err), "failed to lock stream")
	}

	t.locked = true
	return &stream, nil
}

func (t *appendTx) AllocatePositions(ctx context.Context, n int) (int64, error) {
	var seq models.Sequence
	err := t.lockSequence(ctx, &seq)
	if stderrors.Is(err, gorm.ErrRecordNotFound) {
		seed := models.Sequence{Name: models.GlobalPositionSequence}
		if err := t.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&seed).Error; err != nil {
			return 0, errors.Wrap(err, "failed to seed position sequence")
		}
		err = t.lockSequence(ctx, &seq)
	}
	if err != nil {
		return 0, errors.Wrap(err, "failed to lock position sequence")
	}

	if err := t.db.WithContext(ctx).
		Model(&models.Sequence{}).
		Where("name = ?", models.GlobalPositionSequence).
		Update("value", seq.Value+int64(n)).Error; err != nil {
		return 0, errors.Wrap(err, "failed to advance position sequence")
	}

	return seq.Value + 1, nil
}

func (t *appendTx) lockSequence(ctx context.Context, seq *models.Sequence) error {
	return t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("name = ?", models.GlobalPositionSequence).
		First(seq).Error
}

func (t *appendTx) InsertEvents(ctx context.Context, events []models.Event) error {
	if len(events) == 0 {
		return nil
	}
	if err := t.db.WithContext(ctx).Create(&events).Error; err != nil {
		return errors.Wrap(translate(err), "failed to insert events")
	}
	return nil
}

func (t *appendTx) UpdateStream(ctx context.Context, stream *models.Stream) error {
	res := t.db.WithContext(ctx).
		Model(&models.Stream{}).
		Where("id = ?", stream.ID).
		Updates(map[string]interface{}{
			"current_version": stream.CurrentVersion,
			"event_count":     stream.EventCount,
			"last_event_at":   stream.LastEventAt,
		})
	if res.Error != nil {
		return errors.Wrap(res.Error, "failed to update stream")
	}
	if res.RowsAffected == 0 {
		return errors.Wrapf(repository.ErrNotFound, "stream %s", stream.StreamName)
	}
	return nil
}

// translate maps GORM errors onto repository errors
func translate(err error) error {
	switch {
	case stderrors.Is(err, gorm.ErrRecordNotFound):
		return repository.ErrNotFound
	case stderrors.Is(err, gorm.ErrDuplicatedKey):
		return repository.ErrDuplicateKey
	default:
		return err
	}
}
