package coordinator

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/parallel-histogram/pkg/errors"
	"github.com/parallel-histogram/pkg/model"
	"github.com/parallel-histogram/pkg/telemetry"
)

// Disjoint has every worker write its partial histogram to its own artifact
// and sums the artifacts once all workers have exited.
type Disjoint struct {
	cfg Config
}

// Strategy returns model.StrategyDisjoint.
func (d *Disjoint) Strategy() model.Strategy {
	return model.StrategyDisjoint
}

// Run implements Coordinator. A failed worker does not stop the merge; its
// artifact key is left out of it.
func (d *Disjoint) Run(ctx context.Context, spec model.RunSpec) (*model.RunReport, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.Strategy != model.StrategyDisjoint {
		return nil, apperrors.InvalidArgument("disjoint coordinator cannot run strategy %q", spec.Strategy)
	}

	ctx, span := startRunSpan(ctx, "coordinator.disjoint", spec)
	defer span.End()

	logger := d.cfg.Logger.WithField("run", spec.RunID)
	report := &model.RunReport{Spec: spec, StartedAt: d.cfg.Clock.Now()}

	stop := d.cfg.Timer.Start("spawn")
	report.Workers = d.cfg.Substrate.Spawn(ctx, spec)
	stop()

	keys := make([]string, len(spec.Inputs))
	for i := range keys {
		keys[i] = spec.ArtifactKey(i + 1)
	}

	// A failed worker contributes nothing, whatever an earlier run with the
	// same artifact directory may have left under its key.
	merged := make([]string, len(keys))
	copy(merged, keys)
	for _, w := range report.FailedWorkers() {
		if w.Ordinal >= 1 && w.Ordinal <= len(merged) {
			merged[w.Ordinal-1] = ""
		}
	}

	stop = d.cfg.Timer.Start("merge")
	result := model.NewHistogram(spec.EffectiveBins())
	report.Skipped = Merge(ctx, result, d.cfg.Store, merged, logger)
	report.Result = result
	stop()

	var cleanupErr error
	if !d.cfg.KeepArtifacts {
		stop = d.cfg.Timer.Start("cleanup")
		cleanupErr = d.removeArtifacts(context.WithoutCancel(ctx), keys)
		stop()
		if cleanupErr != nil {
			logger.Warn("failed to remove artifacts: %v", cleanupErr)
		}
	}
	report.FinishedAt = d.cfg.Clock.Now()

	err := workersError(report.Workers)
	endRunSpan(span, report, err)
	failed := len(report.FailedWorkers())
	logger.Info("merged %d artifacts into %d bins (%d skipped, %d workers failed)",
		len(keys)-failed-len(report.Skipped), result.Len(), len(report.Skipped), failed)
	return report, err
}

// removeArtifacts deletes every artifact of the run. Deleting an artifact
// that was never written succeeds.
func (d *Disjoint) removeArtifacts(ctx context.Context, keys []string) error {
	var errs []error
	for _, key := range keys {
		if err := d.cfg.Store.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func startRunSpan(ctx context.Context, name string, spec model.RunSpec) (context.Context, trace.Span) {
	return telemetry.Tracer().Start(ctx, name, trace.WithAttributes(
		attribute.String("histogram.run_id", spec.RunID),
		attribute.String("histogram.strategy", string(spec.Strategy)),
		attribute.String("histogram.substrate", string(spec.Substrate)),
		attribute.Int("histogram.bins", spec.EffectiveBins()),
		attribute.Int("histogram.workers", len(spec.Inputs)),
	))
}

func endRunSpan(span trace.Span, report *model.RunReport, err error) {
	if report != nil {
		span.SetAttributes(
			attribute.Int("histogram.failed_workers", len(report.FailedWorkers())),
			attribute.Int("histogram.skipped", len(report.Skipped)),
			attribute.Int("histogram.samples", report.TotalSamples()),
		)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperrors.GetErrorMessage(err))
	}
}
