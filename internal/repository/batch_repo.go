package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/timmy/caseboard/internal/domain"
)

// BatchRepository persists batch runs and their reconciled records.
type BatchRepository struct {
	db *gorm.DB
}

// NewBatchRepository creates a new BatchRepository.
func NewBatchRepository(db *gorm.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

// Create inserts a new run.
func (r *BatchRepository) Create(ctx context.Context, run *domain.BatchRun) error {
	return r.db.WithContext(ctx).Create(run).Error
}

// UpdateFields applies a partial update to the run with the given id.
// Returns:
//   - error: domain.ErrRunNotFound when no row matched.
func (r *BatchRepository) UpdateFields(ctx context.Context, id string, fields map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&domain.BatchRun{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
	}
	return nil
}

// GetByID retrieves a run by its ID.
// Returns:
//   - error: wraps domain.ErrRunNotFound when absent.
func (r *BatchRepository) GetByID(ctx context.Context, id string) (*domain.BatchRun, error) {
	var run domain.BatchRun
	if err := r.db.WithContext(ctx).First(&run, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", domain.ErrRunNotFound, id)
		}
		return nil, err
	}
	return &run, nil
}

// List returns runs, newest first.
func (r *BatchRepository) List(ctx context.Context, filter domain.RunFilter) ([]domain.BatchRun, error) {
	q := r.db.WithContext(ctx).Model(&domain.BatchRun{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Dataset != "" {
		q = q.Where("dataset = ?", filter.Dataset)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var runs []domain.BatchRun
	if err := q.Order("created_at DESC").Order("id").Find(&runs).Error; err != nil {
		return nil, err
	}
	return runs, nil
}

// SaveRecords replaces the stored records of a run.
func (r *BatchRepository) SaveRecords(ctx context.Context, runID string, records []domain.Record, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 500
	}

	rows := make([]domain.BatchRecord, len(records))
	for i, rec := range records {
		rows[i] = domain.BatchRecord{
			RunID:    runID,
			Sequence: rec.ID,
			Values:   domain.StringMap(rec.Values),
		}
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("run_id = ?", runID).Delete(&domain.BatchRecord{}).Error; err != nil {
			return fmt.Errorf("clear records of run %s: %w", runID, err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(rows, batchSize).Error; err != nil {
			return fmt.Errorf("insert records of run %s: %w", runID, err)
		}
		return nil
	})
}

// ListRecords returns a page of a run's records in sequence order.
// A non-positive limit returns all remaining records.
func (r *BatchRepository) ListRecords(ctx context.Context, runID string, limit, offset int) ([]domain.BatchRecord, error) {
	q := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("sequence")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if offset > 0 {
		q = q.Offset(offset)
	}

	var records []domain.BatchRecord
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// CountRecords returns the number of stored records of a run.
func (r *BatchRepository) CountRecords(ctx context.Context, runID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&domain.BatchRecord{}).Where("run_id = ?", runID).Count(&count).Error
	return count, err
}

// MarkInterrupted fails every run still pending or running. It is meant to
// be called once at startup, before any new run is started.
// Returns:
//   - int64: number of runs updated.
func (r *BatchRepository) MarkInterrupted(ctx context.Context, message string) (int64, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&domain.BatchRun{}).
		Where("status IN ?", []domain.RunStatus{domain.RunStatusPending, domain.RunStatusRunning}).
		Updates(map[string]interface{}{
			"status":        domain.RunStatusFailed,
			"failure_kind":  domain.FailureInterrupted,
			"error_message": message,
			"completed_at":  now,
		})
	return res.RowsAffected, res.Error
}
