// Package producer computes the partial histogram of one input source and
// publishes it, either as a disjointly named artifact or by adding it into
// the run's shared accumulator.
package producer

import (
	"bytes"
	"context"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/parallel-histogram/internal/binner"
	"github.com/parallel-histogram/internal/histio"
	"github.com/parallel-histogram/internal/shm"
	"github.com/parallel-histogram/internal/storage"
	apperrors "github.com/parallel-histogram/pkg/errors"
	"github.com/parallel-histogram/pkg/model"
	"github.com/parallel-histogram/pkg/telemetry"
	"github.com/parallel-histogram/pkg/utils"
)

// SampleReader reads every sample of a source.
type SampleReader func(source string) ([]float64, error)

// Producer runs the worker side of a run. One Producer serves any number of
// ordinals of the same RunSpec.
type Producer struct {
	spec   model.RunSpec
	binner *binner.Binner
	store  storage.Storage
	read   SampleReader
	logger utils.Logger
	clock  utils.Clock
}

// Option configures a Producer.
type Option func(*Producer)

// WithSampleReader replaces the file reader.
func WithSampleReader(read SampleReader) Option {
	return func(p *Producer) { p.read = read }
}

// WithClock sets the clock used to time workers.
func WithClock(clock utils.Clock) Option {
	return func(p *Producer) { p.clock = clock }
}

// New creates a Producer for spec. store is required by the disjoint
// strategy and ignored by the shared one.
func New(spec model.RunSpec, store storage.Storage, logger utils.Logger, opts ...Option) (*Producer, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	b, err := binner.New(spec.Range, spec.BinCount, spec.EdgePolicy)
	if err != nil {
		return nil, err
	}
	if spec.Strategy == model.StrategyDisjoint && store == nil {
		return nil, apperrors.New(apperrors.CodeConfigError, "disjoint strategy requires an artifact store")
	}
	if logger == nil {
		logger = &utils.NullLogger{}
	}

	p := &Producer{
		spec:   spec,
		binner: b,
		store:  store,
		read:   histio.ReadSamplesFile,
		logger: logger,
		clock:  utils.NewRealClock(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Compute reads source completely and bins it. Nothing is published.
func (p *Producer) Compute(ctx context.Context, source string) (model.Histogram, int, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	samples, err := p.read(source)
	if err != nil {
		if apperrors.GetErrorCode(err) == apperrors.CodeUnknown {
			err = apperrors.Wrap(apperrors.CodeIOFailure, "read "+source, err)
		}
		return nil, 0, err
	}
	return p.binner.BinParallel(samples, p.spec.BinningParallelism), len(samples), nil
}

// WriteArtifact computes the histogram of the ordinal's source and stores it
// under the ordinal's artifact key, without bin numbers.
func (p *Producer) WriteArtifact(ctx context.Context, ordinal int) (int, error) {
	source, err := p.source(ordinal)
	if err != nil {
		return 0, err
	}
	h, n, err := p.Compute(ctx, source)
	if err != nil {
		return 0, err
	}

	key := p.spec.ArtifactKey(ordinal)
	if err := p.store.Upload(ctx, key, bytes.NewReader(histio.FormatHistogram(h, false))); err != nil {
		return n, apperrors.Wrap(apperrors.CodeIOFailure, "write artifact "+key, err)
	}
	return n, nil
}

// Accumulate computes the histogram of the ordinal's source and adds it into
// the shared accumulator. The named resources are opened only after the
// local computation succeeded, so a failed read never touches shared state.
func (p *Producer) Accumulate(ctx context.Context, ordinal int) (int, error) {
	source, err := p.source(ordinal)
	if err != nil {
		return 0, err
	}
	h, n, err := p.Compute(ctx, source)
	if err != nil {
		return 0, err
	}

	if err := p.jitter(ctx); err != nil {
		return n, err
	}

	acc, err := shm.OpenAccumulator(shm.NamesFromSpec(p.spec), h.Len(), p.spec.LockTimeout)
	if err != nil {
		return n, err
	}
	err = acc.Accumulate(ctx, h, uint64(ordinal))
	if cerr := acc.Close(); err == nil && cerr != nil {
		err = apperrors.Wrap(apperrors.CodeSyncFailure, "detach shared accumulator", cerr)
	}
	return n, err
}

// Run executes the ordinal's unit of work for the spec's strategy and
// reports its outcome. It never panics on a failed source.
func (p *Producer) Run(ctx context.Context, ordinal int) model.WorkerReport {
	report := model.WorkerReport{Ordinal: ordinal}
	if ordinal >= 1 && ordinal <= len(p.spec.Inputs) {
		report.Source = p.spec.Inputs[ordinal-1]
	}
	logger := p.logger.WithFields(map[string]interface{}{"worker": ordinal, "source": report.Source})

	ctx, span := telemetry.Tracer().Start(ctx, "producer.run", trace.WithAttributes(
		attribute.Int("histogram.worker", ordinal),
		attribute.String("histogram.source", report.Source),
		attribute.String("histogram.strategy", string(p.spec.Strategy)),
	))
	defer span.End()

	start := p.clock.Now()
	switch p.spec.Strategy {
	case model.StrategyShared:
		report.Samples, report.Err = p.Accumulate(ctx, ordinal)
	default:
		report.Samples, report.Err = p.WriteArtifact(ctx, ordinal)
	}
	report.Duration = p.clock.Since(start)

	span.SetAttributes(attribute.Int("histogram.samples", report.Samples))
	if report.Err != nil {
		span.RecordError(report.Err)
		span.SetStatus(codes.Error, apperrors.GetErrorMessage(report.Err))
		logger.Error("worker failed: %v", report.Err)
	} else {
		logger.Debug("worker binned %d samples in %s", report.Samples, report.Duration)
	}
	return report
}

func (p *Producer) source(ordinal int) (string, error) {
	if ordinal < 1 || ordinal > len(p.spec.Inputs) {
		return "", apperrors.InvalidArgument("worker ordinal %d out of range 1..%d", ordinal, len(p.spec.Inputs))
	}
	return p.spec.Inputs[ordinal-1], nil
}

// jitter sleeps for a random duration up to the spec's spawn jitter.
func (p *Producer) jitter(ctx context.Context) error {
	if p.spec.SpawnJitter <= 0 {
		return nil
	}
	t := time.NewTimer(rand.N(p.spec.SpawnJitter))
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
