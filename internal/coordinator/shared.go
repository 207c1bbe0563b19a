package coordinator

import (
	"context"
	"errors"

	"github.com/parallel-histogram/internal/shm"
	apperrors "github.com/parallel-histogram/pkg/errors"
	"github.com/parallel-histogram/pkg/model"
)

// Shared has every worker add its partial histogram into one named shared
// accumulator guarded by a named semaphore.
type Shared struct {
	cfg Config
}

// Strategy returns model.StrategyShared.
func (s *Shared) Strategy() model.Strategy {
	return model.StrategyShared
}

// Run implements Coordinator. Both names are created before any worker is
// spawned and destroyed on every path out of Run, after every worker has
// exited.
func (s *Shared) Run(ctx context.Context, spec model.RunSpec) (report *model.RunReport, err error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if spec.Strategy != model.StrategyShared {
		return nil, apperrors.InvalidArgument("shared coordinator cannot run strategy %q", spec.Strategy)
	}

	ctx, span := startRunSpan(ctx, "coordinator.shared", spec)
	defer span.End()
	defer func() { endRunSpan(span, report, err) }()

	logger := s.cfg.Logger.WithField("run", spec.RunID)
	report = &model.RunReport{Spec: spec, StartedAt: s.cfg.Clock.Now()}
	defer func() { report.FinishedAt = s.cfg.Clock.Now() }()

	lc := shm.NewLifecycle(shm.NamesFromSpec(spec), spec.EffectiveBins(), spec.LockTimeout)
	if err := s.cfg.Timer.Time("create", lc.Create); err != nil {
		return report, err
	}
	names := lc.Names()
	logger.Debug("created segment %s and semaphore %s in %s", names.Segment, names.Semaphore, names.Namespace)

	defer func() {
		stop := s.cfg.Timer.Start("destroy")
		defer stop()
		if derr := lc.Destroy(); derr != nil {
			logger.Error("failed to destroy shared resources: %v", derr)
			err = errors.Join(err, derr)
		}
	}()

	stop := s.cfg.Timer.Start("spawn")
	report.Workers = s.cfg.Substrate.Spawn(ctx, spec)
	stop()

	// Teardown runs to completion even when ctx is done; the lock timeout
	// bounds it.
	stop = s.cfg.Timer.Start("collect")
	result, cerr := lc.Collect(context.WithoutCancel(ctx))
	stop()
	if cerr != nil {
		return report, errors.Join(cerr, workersError(report.Workers))
	}
	report.Result = result

	logger.Info("collected %d bins from %d workers (%d failed)",
		result.Len(), len(report.Workers), len(report.FailedWorkers()))
	return report, workersError(report.Workers)
}
