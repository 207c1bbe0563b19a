package formatter

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/parallel-histogram/pkg/errors"
	"github.com/parallel-histogram/pkg/model"
	"github.com/parallel-histogram/pkg/utils"
)

func sampleReport(strategy model.Strategy) *model.RunReport {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return &model.RunReport{
		Spec: model.RunSpec{
			RunID:         "r1",
			Range:         model.Range{Min: 0, Max: 3},
			BinCount:      3,
			Strategy:      strategy,
			Substrate:     model.SubstrateProcess,
			Inputs:        []string{"a.txt", "b.txt"},
			ArtifactDir:   "runs/r1",
			SegmentName:   "histogram-r1-shm",
			SemaphoreName: "histogram-r1-lock",
		},
		Result: model.Histogram{3, 0, 1},
		Workers: []model.WorkerReport{
			{Ordinal: 1, Source: "a.txt", Samples: 4},
			{Ordinal: 2, Source: "b.txt", Err: apperrors.New(apperrors.CodeIOFailure, "open b.txt")},
		},
		Skipped:    []int{2},
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
	}
}

func TestRegistry_FormatDisjoint(t *testing.T) {
	var buf bytes.Buffer
	log := utils.NewDefaultLogger(utils.LevelInfo, &buf)

	runErr := errors.New("1 of 2 workers failed")
	NewRegistry().Format(sampleReport(model.StrategyDisjoint), runErr, log)

	out := buf.String()
	assert.Contains(t, out, "=== Run r1 ===")
	assert.Contains(t, out, "partial")
	assert.Contains(t, out, "runs/r1/hist2.txt")
	assert.Contains(t, out, "open b.txt")
	assert.NotContains(t, out, "histogram-r1-shm")
}

func TestRegistry_FormatShared(t *testing.T) {
	var buf bytes.Buffer
	log := utils.NewDefaultLogger(utils.LevelInfo, &buf)

	NewRegistry().Format(sampleReport(model.StrategyShared), nil, log)
	assert.Contains(t, buf.String(), "histogram-r1-shm")
	assert.Contains(t, buf.String(), "histogram-r1-lock")
}

func TestRegistry_FormatSummary(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.FormatSummary(nil, nil))

	summary := r.FormatSummary(sampleReport(model.StrategyDisjoint), apperrors.New(apperrors.CodeIOFailure, "workers"))
	assert.Equal(t, "r1", summary["run_id"])
	assert.Equal(t, model.RunStatusPartial, summary["status"])
	assert.Equal(t, model.Histogram{3, 0, 1}, summary["result"])
	assert.Equal(t, []int{2}, summary["skipped"])
	assert.Equal(t, apperrors.CodeIOFailure, summary["error_code"])
	assert.Equal(t, int64(1500), summary["duration_ms"])

	summary = r.FormatSummary(sampleReport(model.StrategyShared), nil)
	assert.Equal(t, "histogram-r1-lock", summary["semaphore"])
	assert.NotContains(t, summary, "error_code")
}

func TestWriteRecords(t *testing.T) {
	records := []*model.RunRecord{
		{RunID: "r2", Status: model.RunStatusSucceeded, Strategy: model.StrategyShared, Substrate: model.SubstrateGoroutine, BinCount: 5, Workers: 3, Samples: 30},
		{RunID: "r1", Status: model.RunStatusPartial, Strategy: model.StrategyDisjoint, Substrate: model.SubstrateProcess, BinCount: 3, Workers: 2, FailedWorkers: 1, ErrorCode: "IO_FAILURE"},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteRecords(&buf, records))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "RUN ID"))
	assert.Contains(t, lines[1], "succeeded")
	assert.Contains(t, lines[2], "2 (1 failed)")
	assert.Contains(t, lines[2], "IO_FAILURE")
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", truncateString("short", 10))
	assert.Equal(t, "abcdefg...", truncateString("abcdefghijklmnop", 10))
	assert.Equal(t, "a b", truncateString("a\nb", 10))
}
