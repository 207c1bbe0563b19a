package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"

	"github.com/parallel-histogram/pkg/config"
	apperrors "github.com/parallel-histogram/pkg/errors"
	"github.com/parallel-histogram/pkg/model"
)

func setupTestLedger(t *testing.T) *Ledger {
	t.Helper()
	// One connection: every new connection to :memory: is a fresh database.
	db, err := Open(sqlite.Open(":memory:"), 1)
	require.NoError(t, err)

	ledger := NewLedgerFromDB(db)
	t.Cleanup(func() { _ = ledger.Close() })
	return ledger
}

func testReport(runID string, finished time.Time) *model.RunReport {
	return &model.RunReport{
		Spec: model.RunSpec{
			RunID:      runID,
			Range:      model.Range{Min: 0, Max: 10},
			BinCount:   3,
			EdgePolicy: model.EdgeHalfOpen,
			Strategy:   model.StrategyShared,
			Substrate:  model.SubstrateGoroutine,
			Inputs:     []string{"a.txt", "b.txt"},
		},
		Result: model.Histogram{6, 0, 2},
		Workers: []model.WorkerReport{
			{Ordinal: 1, Source: "a.txt", Samples: 4},
			{Ordinal: 2, Source: "b.txt", Samples: 4},
		},
		StartedAt:  finished.Add(-time.Second),
		FinishedAt: finished,
	}
}

func TestGormRunRepository_SaveAndGet(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()
	finished := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	saved, err := ledger.Runs.SaveRun(ctx, testReport("run-1", finished), nil)
	require.NoError(t, err)
	assert.NotZero(t, saved.ID)
	assert.Equal(t, model.RunStatusSucceeded, saved.Status)

	got, err := ledger.Runs.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, model.StrategyShared, got.Strategy)
	assert.Equal(t, model.SubstrateGoroutine, got.Substrate)
	assert.Equal(t, model.EdgeHalfOpen, got.EdgePolicy)
	assert.Equal(t, model.Range{Min: 0, Max: 10}, got.Range)
	assert.Equal(t, []string{"a.txt", "b.txt"}, got.Inputs)
	assert.Equal(t, model.Histogram{6, 0, 2}, got.Result)
	assert.Equal(t, 2, got.Workers)
	assert.Equal(t, int64(8), got.Samples)
	assert.True(t, finished.Equal(got.FinishedAt))
}

func TestGormRunRepository_SaveFailedRun(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()

	report := testReport("run-partial", time.Now())
	report.Workers[1].Err = apperrors.New(apperrors.CodeIOFailure, "open b.txt")
	report.Skipped = []int{2}
	runErr := apperrors.New(apperrors.CodeIOFailure, "1 of 2 workers failed")

	saved, err := ledger.Runs.SaveRun(ctx, report, runErr)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusPartial, saved.Status)
	assert.Equal(t, apperrors.CodeIOFailure, saved.ErrorCode)
	assert.Equal(t, 1, saved.FailedWorkers)
	assert.Equal(t, []int{2}, saved.Skipped)
	assert.Equal(t, int64(4), saved.Samples)
}

func TestGormRunRepository_GetNotFound(t *testing.T) {
	ledger := setupTestLedger(t)

	_, err := ledger.Runs.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRunNotFound))
	assert.Equal(t, apperrors.CodeDatabaseError, apperrors.GetErrorCode(err))
}

func TestGormRunRepository_DuplicateRunID(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()

	_, err := ledger.Runs.SaveRun(ctx, testReport("dup", time.Now()), nil)
	require.NoError(t, err)
	_, err = ledger.Runs.SaveRun(ctx, testReport("dup", time.Now()), nil)
	assert.Error(t, err)
}

func TestGormRunRepository_ListAndPrune(t *testing.T) {
	ledger := setupTestLedger(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"r1", "r2", "r3"} {
		_, err := ledger.Runs.SaveRun(ctx, testReport(id, base.Add(time.Duration(i)*time.Hour)), nil)
		require.NoError(t, err)
	}

	runs, err := ledger.Runs.ListRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r3", runs[0].RunID)
	assert.Equal(t, "r2", runs[1].RunID)

	removed, err := ledger.Runs.DeleteRunsBefore(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	runs, err = ledger.Runs.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "r3", runs[0].RunID)
}

func TestGormRunRepository_SaveNil(t *testing.T) {
	ledger := setupTestLedger(t)
	_, err := ledger.Runs.SaveRun(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestNewLedger_SQLiteFile(t *testing.T) {
	path := t.TempDir() + "/ledger/runs.db"
	ledger, err := NewLedger(&config.LedgerConfig{Type: "sqlite", Path: path, MaxConns: 2})
	require.NoError(t, err)
	defer ledger.Close()

	require.NoError(t, ledger.HealthCheck(context.Background()))
	_, err = ledger.Runs.SaveRun(context.Background(), testReport("file-run", time.Now()), nil)
	require.NoError(t, err)
}

func TestDialector(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.LedgerConfig
		dialect string
		wantErr bool
	}{
		{"SQLite", config.LedgerConfig{Type: "sqlite", Path: ":memory:"}, "sqlite", false},
		{"Postgres", config.LedgerConfig{Type: "postgres", Host: "db", Database: "h"}, "postgres", false},
		{"PostgreSQLAlias", config.LedgerConfig{Type: "postgresql", Host: "db"}, "postgres", false},
		{"MySQL", config.LedgerConfig{Type: "mysql", Host: "db", Database: "h"}, "mysql", false},
		{"Unsupported", config.LedgerConfig{Type: "oracle"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := Dialector(&tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, apperrors.CodeConfigError, apperrors.GetErrorCode(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.dialect, d.Name())
		})
	}
}
