// Package coordinator runs one histogram computation end to end: it spawns a
// producer per input, waits for every one of them, and combines their partial
// results with the strategy of the run.
package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/parallel-histogram/internal/spawn"
	"github.com/parallel-histogram/internal/storage"
	apperrors "github.com/parallel-histogram/pkg/errors"
	"github.com/parallel-histogram/pkg/model"
	"github.com/parallel-histogram/pkg/utils"
)

// Coordinator runs a RunSpec to completion.
type Coordinator interface {
	// Run executes spec. The returned report carries the result whenever one
	// could be produced, even if some workers failed; the error then
	// describes what went wrong.
	Run(ctx context.Context, spec model.RunSpec) (*model.RunReport, error)

	// Strategy returns the aggregation strategy implemented.
	Strategy() model.Strategy
}

// Config holds what every coordinator needs.
type Config struct {
	// Substrate runs the workers.
	Substrate spawn.Substrate

	// Store holds the intermediate artifacts of the disjoint strategy.
	Store storage.Storage

	// KeepArtifacts leaves intermediate artifacts in Store after the merge.
	KeepArtifacts bool

	// Timer, if set, records the phases of every run.
	Timer *utils.Timer

	Logger utils.Logger
	Clock  utils.Clock
}

func (c *Config) defaults() {
	if c.Logger == nil {
		c.Logger = &utils.NullLogger{}
	}
	if c.Clock == nil {
		c.Clock = utils.NewRealClock()
	}
	if c.Timer == nil {
		c.Timer = utils.NewTimer("run", c.Clock)
	}
}

// New creates the coordinator for strategy.
func New(strategy model.Strategy, cfg Config) (Coordinator, error) {
	if cfg.Substrate == nil {
		return nil, apperrors.New(apperrors.CodeConfigError, "coordinator requires a substrate")
	}
	cfg.defaults()

	switch strategy {
	case model.StrategyDisjoint:
		if cfg.Store == nil {
			return nil, apperrors.New(apperrors.CodeConfigError, "disjoint strategy requires an artifact store")
		}
		return &Disjoint{cfg: cfg}, nil
	case model.StrategyShared:
		return &Shared{cfg: cfg}, nil
	default:
		return nil, apperrors.InvalidArgument("unknown strategy: %q", strategy)
	}
}

// workersError summarises the failed workers of a run, or returns nil.
// The individual causes stay reachable with errors.Is.
func workersError(workers []model.WorkerReport) error {
	var errs []error
	for _, w := range workers {
		if w.Failed() {
			errs = append(errs, fmt.Errorf("worker %d (%s): %w", w.Ordinal, w.Source, w.Err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return apperrors.Wrap(apperrors.CodeIOFailure,
		fmt.Sprintf("%d of %d workers failed", len(errs), len(workers)), errors.Join(errs...))
}
