// Package metrics records run outcomes as Prometheus metrics.
//
// A run is a short-lived batch job, so nothing is scraped: the registry is
// written to a node_exporter textfile, pushed to a Pushgateway, or both,
// once the run has finished.
package metrics

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/parallel-histogram/pkg/config"
	apperrors "github.com/parallel-histogram/pkg/errors"
	"github.com/parallel-histogram/pkg/model"
	"github.com/parallel-histogram/pkg/utils"
)

const namespace = "histogram"

// Recorder owns a private registry with the run metrics.
type Recorder struct {
	reg *prometheus.Registry

	runs          *prometheus.CounterVec   // histogram_runs_total{strategy,substrate,status}
	workers       *prometheus.CounterVec   // histogram_workers_total{strategy,outcome}
	samples       prometheus.Counter       // histogram_samples_total
	mergeSkips    prometheus.Counter       // histogram_merge_skips_total
	runDuration   *prometheus.HistogramVec // histogram_run_duration_seconds{strategy,substrate}
	phaseDuration *prometheus.HistogramVec // histogram_phase_duration_seconds{phase}
	lastCounts    prometheus.Gauge         // histogram_last_result_count
	lastSuccess   prometheus.Gauge         // histogram_last_success_timestamp_seconds
}

// New creates a Recorder and registers its collectors.
func New() (*Recorder, error) {
	r := &Recorder{
		reg: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Runs by strategy, substrate and final status.",
		}, []string{"strategy", "substrate", "status"}),
		workers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_total",
			Help:      "Workers by strategy and outcome (succeeded or failed).",
		}, []string{"strategy", "outcome"}),
		samples: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Samples read by successful workers.",
		}),
		mergeSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "merge_skips_total",
			Help:      "Intermediate artifacts rejected during the merge.",
		}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of runs.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}, []string{"strategy", "substrate"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of coordinator phases (create, spawn, merge, collect, destroy).",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"phase"}),
		lastCounts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_result_count",
			Help:      "Sum of all bin counts in the most recent result.",
		}),
		lastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time the most recent fully successful run finished.",
		}),
	}

	for _, c := range []prometheus.Collector{
		r.runs, r.workers, r.samples, r.mergeSkips,
		r.runDuration, r.phaseDuration, r.lastCounts, r.lastSuccess,
	} {
		if err := r.reg.Register(c); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeUnknown, "failed to register metric", err)
		}
	}
	return r, nil
}

// Registry returns the registry holding the run metrics.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.reg
}

// ObserveRun records a finished run. report may be nil when the run failed
// before any worker was spawned.
func (r *Recorder) ObserveRun(spec model.RunSpec, report *model.RunReport, runErr error) {
	status := model.StatusOf(report, runErr)
	r.runs.WithLabelValues(string(spec.Strategy), string(spec.Substrate), string(status)).Inc()
	if report == nil {
		return
	}

	failed := len(report.FailedWorkers())
	r.workers.WithLabelValues(string(spec.Strategy), "succeeded").Add(float64(len(report.Workers) - failed))
	r.workers.WithLabelValues(string(spec.Strategy), "failed").Add(float64(failed))
	r.samples.Add(float64(report.TotalSamples()))
	r.mergeSkips.Add(float64(len(report.Skipped)))
	r.runDuration.WithLabelValues(string(spec.Strategy), string(spec.Substrate)).Observe(report.Duration().Seconds())

	if report.Result != nil {
		r.lastCounts.Set(float64(report.Result.Sum()))
	}
	if status == model.RunStatusSucceeded {
		r.lastSuccess.Set(float64(report.FinishedAt.Unix()))
	}
}

// ObservePhases records the completed phases of a run timer.
func (r *Recorder) ObservePhases(phases []utils.Phase) {
	for _, p := range phases {
		r.phaseDuration.WithLabelValues(p.Name).Observe(p.Duration.Seconds())
	}
}

// WriteTextfile writes the registry in the text exposition format to path,
// atomically, for the node_exporter textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return apperrors.Wrap(apperrors.CodeIOFailure, "failed to create metrics directory", err)
	}
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return apperrors.Wrap(apperrors.CodeIOFailure, "failed to write metrics textfile "+path, err)
	}
	return nil
}

// Push sends the registry to a Pushgateway, grouped by job and run ID.
func (r *Recorder) Push(ctx context.Context, gatewayURL, job, runID string) error {
	if gatewayURL == "" {
		return apperrors.New(apperrors.CodeConfigError, "pushgateway URL is required")
	}
	if job == "" {
		job = namespace
	}
	pusher := push.New(gatewayURL, job).Gatherer(r.reg)
	if runID != "" {
		pusher = pusher.Grouping("run_id", runID)
	}
	if err := pusher.PushContext(ctx); err != nil {
		return apperrors.Wrap(apperrors.CodeIOFailure, "failed to push metrics to "+gatewayURL, err)
	}
	return nil
}

// Export writes and pushes the registry as configured. Both exports are
// attempted; their errors are joined.
func (r *Recorder) Export(ctx context.Context, cfg config.MetricsConfig, runID string) error {
	var errs []error
	if cfg.TextfilePath != "" {
		errs = append(errs, r.WriteTextfile(cfg.TextfilePath))
	}
	if cfg.PushGateway != "" {
		errs = append(errs, r.Push(ctx, cfg.PushGateway, cfg.Job, runID))
	}
	return errors.Join(errs...)
}
