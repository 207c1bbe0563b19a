package producer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	testifymock "github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/parallel-histogram/internal/histio"
	"github.com/parallel-histogram/internal/mock"
	"github.com/parallel-histogram/internal/shm"
	"github.com/parallel-histogram/internal/storage"
	apperrors "github.com/parallel-histogram/pkg/errors"
	"github.com/parallel-histogram/pkg/model"
)

func writeSource(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func baseSpec(strategy model.Strategy, inputs ...string) model.RunSpec {
	return model.RunSpec{
		RunID:         "test",
		Range:         model.Range{Min: 0, Max: 3},
		BinCount:      3,
		Strategy:      strategy,
		Substrate:     model.SubstrateGoroutine,
		Inputs:        inputs,
		ArtifactDir:   "runs/test",
		SegmentName:   "test-shm",
		SemaphoreName: "test-lock",
	}
}

func TestProducer_Compute(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "a.txt", "0.1 0.2\n0.3\n2.5\n")

	p, err := New(baseSpec(model.StrategyDisjoint, src), &mock.MockStorage{}, nil)
	require.NoError(t, err)

	h, n, err := p.Compute(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, model.Histogram{3, 0, 1}, h)
	assert.Equal(t, 4, n)
}

func TestProducer_ComputeMalformed(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "bad.txt", "1 2 x 3\n")

	p, err := New(baseSpec(model.StrategyDisjoint, src), &mock.MockStorage{}, nil)
	require.NoError(t, err)

	_, _, err = p.Compute(context.Background(), src)
	require.Error(t, err)
	assert.True(t, apperrors.IsIOFailure(err))
}

func TestProducer_ComputeWrapsForeignReadErrors(t *testing.T) {
	p, err := New(baseSpec(model.StrategyDisjoint, "x"), &mock.MockStorage{}, nil,
		WithSampleReader(func(string) ([]float64, error) { return nil, errors.New("network down") }))
	require.NoError(t, err)

	_, _, err = p.Compute(context.Background(), "x")
	assert.True(t, apperrors.IsIOFailure(err))
}

func TestProducer_WriteArtifact(t *testing.T) {
	dir := t.TempDir()
	src := writeSource(t, dir, "a.txt", "0.1 0.2 0.3 2.5")
	store, err := storage.NewLocalStorage(filepath.Join(dir, "store"))
	require.NoError(t, err)

	p, err := New(baseSpec(model.StrategyDisjoint, src, src), store, nil)
	require.NoError(t, err)

	n, err := p.WriteArtifact(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	data, err := os.ReadFile(filepath.Join(dir, "store", "runs", "test", "hist2.txt"))
	require.NoError(t, err)
	assert.Equal(t, "3\n0\n1\n", string(data))

	h, err := histio.ReadHistogram(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, model.Histogram{3, 0, 1}, h)
}

func TestProducer_WriteArtifactReadFailureWritesNothing(t *testing.T) {
	store := &mock.MockStorage{}

	p, err := New(baseSpec(model.StrategyDisjoint, filepath.Join(t.TempDir(), "missing.txt")), store, nil)
	require.NoError(t, err)

	_, err = p.WriteArtifact(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, apperrors.IsIOFailure(err))
	store.AssertNotCalled(t, "Upload", testifymock.Anything, testifymock.Anything, testifymock.Anything)
}

func TestProducer_WriteArtifactUploadFailure(t *testing.T) {
	src := writeSource(t, t.TempDir(), "a.txt", "1")
	store := &mock.MockStorage{}
	store.On("Upload", testifymock.Anything, "runs/test/hist1.txt", testifymock.Anything).
		Return(apperrors.New(apperrors.CodeStorageError, "bucket gone"))

	p, err := New(baseSpec(model.StrategyDisjoint, src), store, nil)
	require.NoError(t, err)

	n, err := p.WriteArtifact(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, apperrors.IsIOFailure(err))
	store.AssertExpectations(t)
}

func TestProducer_OrdinalOutOfRange(t *testing.T) {
	p, err := New(baseSpec(model.StrategyDisjoint, "a"), &mock.MockStorage{}, nil)
	require.NoError(t, err)

	for _, ordinal := range []int{0, 2} {
		_, err := p.WriteArtifact(context.Background(), ordinal)
		assert.True(t, apperrors.IsInvalidArgument(err), "ordinal %d", ordinal)
	}
}

func TestNew_Validation(t *testing.T) {
	_, err := New(baseSpec(model.StrategyDisjoint, "a"), nil, nil)
	assert.Equal(t, apperrors.CodeConfigError, apperrors.GetErrorCode(err))

	spec := baseSpec(model.StrategyShared, "a")
	spec.BinCount = 0
	_, err = New(spec, nil, nil)
	assert.True(t, apperrors.IsInvalidArgument(err))

	_, err = New(baseSpec(model.StrategyShared, "a"), nil, nil)
	assert.NoError(t, err, "shared strategy needs no store")
}

func sharedSpec(t *testing.T, inputs ...string) model.RunSpec {
	spec := baseSpec(model.StrategyShared, inputs...)
	spec.NamespaceDir = t.TempDir()
	spec.LockTimeout = 5 * time.Second
	return spec
}

func TestProducer_Accumulate(t *testing.T) {
	dir := t.TempDir()
	a := writeSource(t, dir, "a.txt", "0.1 0.2 0.3 2.5")
	b := writeSource(t, dir, "b.txt", "2.9 0.5 0.6 0.7")
	spec := sharedSpec(t, a, b)
	spec.SpawnJitter = 5 * time.Millisecond

	lc := shm.NewLifecycle(shm.NamesFromSpec(spec), spec.EffectiveBins(), spec.LockTimeout)
	require.NoError(t, lc.Create())
	defer lc.Destroy()

	p, err := New(spec, nil, nil)
	require.NoError(t, err)

	for ordinal := 1; ordinal <= 2; ordinal++ {
		n, err := p.Accumulate(context.Background(), ordinal)
		require.NoError(t, err)
		assert.Equal(t, 4, n)
	}

	h, err := lc.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.Histogram{6, 0, 2}, h)
}

func TestProducer_AccumulateReadFailureLeavesSharedStateAlone(t *testing.T) {
	// The shared names are never created: a worker that touched them
	// would fail with a synchronization error instead of an I/O error.
	spec := sharedSpec(t, filepath.Join(t.TempDir(), "missing.txt"))

	p, err := New(spec, nil, nil)
	require.NoError(t, err)

	_, err = p.Accumulate(context.Background(), 1)
	require.Error(t, err)
	assert.True(t, apperrors.IsIOFailure(err))
	assert.False(t, apperrors.IsSyncFailure(err))
}

func TestProducer_AccumulateWithoutSharedResources(t *testing.T) {
	src := writeSource(t, t.TempDir(), "a.txt", "1 2")
	p, err := New(sharedSpec(t, src), nil, nil)
	require.NoError(t, err)

	_, err = p.Accumulate(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, 3, apperrors.ExitCode(err))
}

func TestProducer_Run(t *testing.T) {
	dir := t.TempDir()
	good := writeSource(t, dir, "good.txt", "0.5 1.5 2.5")
	store, err := storage.NewLocalStorage(filepath.Join(dir, "store"))
	require.NoError(t, err)

	p, err := New(baseSpec(model.StrategyDisjoint, good, filepath.Join(dir, "missing.txt")), store, nil)
	require.NoError(t, err)

	ok := p.Run(context.Background(), 1)
	assert.False(t, ok.Failed())
	assert.Equal(t, good, ok.Source)
	assert.Equal(t, 3, ok.Samples)

	failed := p.Run(context.Background(), 2)
	assert.True(t, failed.Failed())
	assert.True(t, apperrors.IsIOFailure(failed.Err))

	exists, err := store.Exists(context.Background(), "runs/test/hist2.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestProducer_JitterHonoursContext(t *testing.T) {
	src := writeSource(t, t.TempDir(), "a.txt", "1")
	spec := sharedSpec(t, src)
	spec.SpawnJitter = time.Hour

	p, err := New(spec, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Accumulate(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
