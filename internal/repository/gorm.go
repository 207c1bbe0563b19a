package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	apperrors "github.com/parallel-histogram/pkg/errors"
	"github.com/parallel-histogram/pkg/model"
)

// ErrRunNotFound is returned when the ledger has no run with the requested ID.
var ErrRunNotFound = errors.New("run not found")

// GormRunRepository implements RunRepository using GORM.
type GormRunRepository struct {
	db *gorm.DB
}

// NewGormRunRepository creates a new GormRunRepository.
func NewGormRunRepository(db *gorm.DB) *GormRunRepository {
	return &GormRunRepository{db: db}
}

// SaveRun records a finished run.
func (r *GormRunRepository) SaveRun(ctx context.Context, report *model.RunReport, runErr error) (*model.RunRecord, error) {
	if report == nil {
		return nil, apperrors.New(apperrors.CodeDatabaseError, "cannot record a nil run report")
	}
	row, err := newHistogramRun(report, runErr)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to encode run "+report.Spec.RunID, err)
	}

	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to save run "+report.Spec.RunID, err)
	}
	return row.ToModel()
}

// GetRun retrieves a run by its run ID.
func (r *GormRunRepository) GetRun(ctx context.Context, runID string) (*model.RunRecord, error) {
	var row HistogramRun

	err := r.db.WithContext(ctx).Where("run_id = ?", runID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "run "+runID, ErrRunNotFound)
		}
		return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to get run "+runID, err)
	}

	return row.ToModel()
}

// ListRuns returns the most recent runs, newest first.
func (r *GormRunRepository) ListRuns(ctx context.Context, limit int) ([]*model.RunRecord, error) {
	var rows []HistogramRun

	q := r.db.WithContext(ctx).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to list runs", err)
	}

	result := make([]*model.RunRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].ToModel()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to decode run "+rows[i].RunID, err)
		}
		result = append(result, rec)
	}
	return result, nil
}

// DeleteRunsBefore removes runs that finished before the given time.
func (r *GormRunRepository) DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("finished_at < ?", before).Delete(&HistogramRun{})
	if result.Error != nil {
		return 0, apperrors.Wrap(apperrors.CodeDatabaseError, "failed to prune runs", result.Error)
	}
	return result.RowsAffected, nil
}
