// Package repository records histogram runs in a SQL ledger.
package repository

import (
	"context"
	"time"

	"github.com/parallel-histogram/pkg/model"
)

// RunRepository defines the ledger operations.
type RunRepository interface {
	// SaveRun records a finished run. runErr is the error the run ended with, if any.
	SaveRun(ctx context.Context, report *model.RunReport, runErr error) (*model.RunRecord, error)

	// GetRun retrieves a run by its run ID.
	GetRun(ctx context.Context, runID string) (*model.RunRecord, error)

	// ListRuns returns the most recent runs, newest first.
	ListRuns(ctx context.Context, limit int) ([]*model.RunRecord, error)

	// DeleteRunsBefore removes runs that finished before the given time.
	DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error)
}
