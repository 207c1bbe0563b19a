package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parallel-histogram/pkg/config"
	apperrors "github.com/parallel-histogram/pkg/errors"
	"github.com/parallel-histogram/pkg/model"
	"github.com/parallel-histogram/pkg/utils"
)

func testSpec() model.RunSpec {
	return model.RunSpec{RunID: "r1", Strategy: model.StrategyDisjoint, Substrate: model.SubstrateGoroutine}
}

func testReport() *model.RunReport {
	start := time.Unix(1700000000, 0)
	return &model.RunReport{
		Spec:   testSpec(),
		Result: model.Histogram{6, 0, 2},
		Workers: []model.WorkerReport{
			{Ordinal: 1, Samples: 4},
			{Ordinal: 2, Samples: 4},
			{Ordinal: 3, Samples: 9, Err: apperrors.New(apperrors.CodeIOFailure, "open")},
		},
		Skipped:    []int{2},
		StartedAt:  start,
		FinishedAt: start.Add(250 * time.Millisecond),
	}
}

func TestRecorder_ObserveRun(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	r.ObserveRun(testSpec(), testReport(), nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.runs.WithLabelValues("disjoint", "goroutine", "partial")))
	assert.Equal(t, 2.0, testutil.ToFloat64(r.workers.WithLabelValues("disjoint", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.workers.WithLabelValues("disjoint", "failed")))
	assert.Equal(t, 8.0, testutil.ToFloat64(r.samples))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.mergeSkips))
	assert.Equal(t, 8.0, testutil.ToFloat64(r.lastCounts))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.lastSuccess), "partial runs do not count as success")
	assert.Equal(t, 1, testutil.CollectAndCount(r.runDuration))
}

func TestRecorder_ObserveSuccessfulRun(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	report := testReport()
	report.Workers = report.Workers[:2]
	report.Skipped = nil
	r.ObserveRun(testSpec(), report, nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.runs.WithLabelValues("disjoint", "goroutine", "succeeded")))
	assert.Equal(t, float64(report.FinishedAt.Unix()), testutil.ToFloat64(r.lastSuccess))
}

func TestRecorder_ObserveFailedRunWithoutReport(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	r.ObserveRun(testSpec(), nil, apperrors.New(apperrors.CodeResourceConflict, "shm_open"))

	assert.Equal(t, 1.0, testutil.ToFloat64(r.runs.WithLabelValues("disjoint", "goroutine", "failed")))
	assert.Equal(t, 0, testutil.CollectAndCount(r.runDuration))
}

func TestRecorder_ObservePhases(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	clock := utils.NewMockClock(time.Unix(0, 0))
	timer := utils.NewTimer("run", clock)
	stop := timer.Start("spawn")
	clock.Advance(20 * time.Millisecond)
	stop()
	stop = timer.Start("merge")
	clock.Advance(time.Millisecond)
	stop()

	r.ObservePhases(timer.Phases())
	assert.Equal(t, 2, testutil.CollectAndCount(r.phaseDuration))
}

func TestRecorder_WriteTextfile(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	r.ObserveRun(testSpec(), testReport(), nil)

	path := filepath.Join(t.TempDir(), "textfile", "histogram.prom")
	require.NoError(t, r.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `histogram_runs_total{status="partial",strategy="disjoint",substrate="goroutine"} 1`)
	assert.Contains(t, string(data), "histogram_samples_total 8")
}

type pushRequest struct {
	method string
	path   string
	body   string
}

func fakeGateway(t *testing.T, status int) (*httptest.Server, func() []pushRequest) {
	t.Helper()
	var mu sync.Mutex
	var reqs []pushRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, pushRequest{method: r.Method, path: r.URL.Path, body: string(body)})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []pushRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]pushRequest(nil), reqs...)
	}
}

func TestRecorder_Push(t *testing.T) {
	srv, requests := fakeGateway(t, http.StatusAccepted)

	r, err := New()
	require.NoError(t, err)
	r.ObserveRun(testSpec(), testReport(), nil)

	require.NoError(t, r.Push(context.Background(), srv.URL, "", "r1"))

	reqs := requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, http.MethodPut, reqs[0].method)
	assert.Equal(t, "/metrics/job/histogram/run_id/r1", reqs[0].path)
	assert.NotEmpty(t, reqs[0].body)
}

func TestRecorder_PushFailure(t *testing.T) {
	srv, _ := fakeGateway(t, http.StatusInternalServerError)

	r, err := New()
	require.NoError(t, err)

	err = r.Push(context.Background(), srv.URL, "job", "r1")
	require.Error(t, err)
	assert.True(t, apperrors.IsIOFailure(err))

	err = r.Push(context.Background(), "", "job", "r1")
	assert.Equal(t, apperrors.CodeConfigError, apperrors.GetErrorCode(err))
}

func TestRecorder_Export(t *testing.T) {
	srv, requests := fakeGateway(t, http.StatusOK)

	r, err := New()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "h.prom")
	err = r.Export(context.Background(), config.MetricsConfig{
		TextfilePath: path,
		PushGateway:  srv.URL,
		Job:          "nightly",
	}, "r9")
	require.NoError(t, err)

	_, err = os.Stat(path)
	assert.NoError(t, err)
	reqs := requests()
	require.Len(t, reqs, 1)
	assert.True(t, strings.HasPrefix(reqs[0].path, "/metrics/job/nightly"))

	assert.NoError(t, r.Export(context.Background(), config.MetricsConfig{}, "r9"), "nothing configured")
}
