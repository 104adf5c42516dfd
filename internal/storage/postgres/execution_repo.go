package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/jkaninda/galaxy/internal/storage"
)

// uniqueViolation is the SQLSTATE for a unique constraint violation.
const uniqueViolation = "23505"

// ExecutionRepository stores execution history with GORM. It works on any
// dialect GORM supports, so the SQLite backend reuses it as is.
type ExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository creates an ExecutionRepository.
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{db: db}
}

// Record inserts a single execution record.
func (r *ExecutionRepository) Record(ctx context.Context, rec *storage.ExecutionRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	model := toExecutionModel(rec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("recording execution %s: %w", rec.ID, storage.ErrDuplicate)
		}
		return fmt.Errorf("recording execution: %w", err)
	}
	return nil
}

// Get returns the record with the given ID.
func (r *ExecutionRepository) Get(ctx context.Context, id uuid.UUID) (*storage.ExecutionRecord, error) {
	var model ExecutionModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("getting execution %s: %w", id, err)
	}
	rec := toExecutionRecord(&model)
	return &rec, nil
}

// List returns records matching the filter, newest first.
func (r *ExecutionRepository) List(ctx context.Context, filter storage.ListFilter) ([]storage.ExecutionRecord, error) {
	var models []ExecutionModel
	err := r.db.WithContext(ctx).
		Scopes(FilterScope(filter)).
		Order("created_at DESC").
		Limit(filter.EffectiveLimit()).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing executions: %w", err)
	}

	records := make([]storage.ExecutionRecord, len(models))
	for i := range models {
		records[i] = toExecutionRecord(&models[i])
	}
	return records, nil
}

// Prune deletes records created before the cutoff.
func (r *ExecutionRepository) Prune(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", before.UTC()).
		Delete(&ExecutionModel{})
	if result.Error != nil {
		return 0, fmt.Errorf("pruning executions: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// isDuplicate reports whether err is a unique-key violation. PostgreSQL
// surfaces it as a pgconn error; other dialects go through GORM's
// translated error.
func isDuplicate(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == uniqueViolation
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
