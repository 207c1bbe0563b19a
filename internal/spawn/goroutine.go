package spawn

import (
	"context"

	"github.com/parallel-histogram/internal/producer"
	"github.com/parallel-histogram/internal/storage"
	"github.com/parallel-histogram/pkg/model"
	"github.com/parallel-histogram/pkg/utils"
)

// GoroutineSubstrate runs every worker on its own goroutine in this process.
// Workers still go through the named shared resources, exactly as worker
// processes do.
type GoroutineSubstrate struct {
	store  storage.Storage
	logger utils.Logger
	opts   []producer.Option
}

// NewGoroutineSubstrate creates a GoroutineSubstrate. store is used by the
// disjoint strategy.
func NewGoroutineSubstrate(store storage.Storage, logger utils.Logger, opts ...producer.Option) *GoroutineSubstrate {
	if logger == nil {
		logger = &utils.NullLogger{}
	}
	return &GoroutineSubstrate{store: store, logger: logger, opts: opts}
}

// Name returns model.SubstrateGoroutine.
func (s *GoroutineSubstrate) Name() model.Substrate {
	return model.SubstrateGoroutine
}

// Spawn implements Substrate.
func (s *GoroutineSubstrate) Spawn(ctx context.Context, spec model.RunSpec) []model.WorkerReport {
	p, err := producer.New(spec, s.store, s.logger, s.opts...)
	if err != nil {
		return failAll(spec, err)
	}

	return runAll(ctx, spec, s.logger, p.Run)
}
