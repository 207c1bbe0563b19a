// Package spawn runs one producer per input on a concurrency substrate and
// waits for all of them.
package spawn

import (
	"context"
	"time"

	"github.com/parallel-histogram/pkg/model"
	"github.com/parallel-histogram/pkg/parallel"
	"github.com/parallel-histogram/pkg/utils"
)

// Substrate runs the workers of a run.
type Substrate interface {
	// Spawn starts one worker per input of spec, ordinals 1..N, and waits for
	// every one of them. A failing worker never cancels its siblings. The
	// reports are returned in ordinal order.
	Spawn(ctx context.Context, spec model.RunSpec) []model.WorkerReport

	// Name returns the substrate name.
	Name() model.Substrate
}

// ordinals returns 1..n.
func ordinals(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i + 1
	}
	return out
}

// failAll reports err for every worker of spec.
func failAll(spec model.RunSpec, err error) []model.WorkerReport {
	reports := make([]model.WorkerReport, len(spec.Inputs))
	for i, src := range spec.Inputs {
		reports[i] = model.WorkerReport{Ordinal: i + 1, Source: src, Err: err}
	}
	return reports
}

// runAll runs fn for every ordinal of spec, one goroutine per input, and
// collects the reports in ordinal order.
func runAll(ctx context.Context, spec model.RunSpec, logger utils.Logger, fn func(ctx context.Context, ordinal int) model.WorkerReport) []model.WorkerReport {
	cfg := parallel.DefaultPoolConfig().
		WithWorkers(len(spec.Inputs)).
		WithOnDone(func(index int, err error, took time.Duration) {
			if err != nil {
				logger.Debug("worker %d finished after %s with error", index+1, took)
				return
			}
			logger.Debug("worker %d finished after %s", index+1, took)
		})

	pool := parallel.NewWorkerPool[int, model.WorkerReport](cfg)
	results := pool.Map(ctx, ordinals(len(spec.Inputs)), func(ctx context.Context, ordinal int) (model.WorkerReport, error) {
		report := fn(ctx, ordinal)
		return report, report.Err
	})

	reports := make([]model.WorkerReport, len(results))
	for _, r := range results {
		reports[r.Index] = r.Value
	}
	return reports
}
