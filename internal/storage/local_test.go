package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLocalStorage(t *testing.T) {
	base := filepath.Join(t.TempDir(), "nested", "store")

	storage, err := NewLocalStorage(base)
	require.NoError(t, err)
	assert.Equal(t, base, storage.GetBasePath())

	info, err := os.Stat(base)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLocalStorage_UploadDownload(t *testing.T) {
	tempDir := t.TempDir()
	storage, err := NewLocalStorage(tempDir)
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		require.NoError(t, storage.Upload(ctx, "runs/r1/hist1.txt", bytes.NewReader([]byte("3\n0\n1\n"))))

		data, err := os.ReadFile(filepath.Join(tempDir, "runs", "r1", "hist1.txt"))
		require.NoError(t, err)
		assert.Equal(t, "3\n0\n1\n", string(data))

		rc, err := storage.Download(ctx, "runs/r1/hist1.txt")
		require.NoError(t, err)
		defer rc.Close()
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, data, got)
	})

	t.Run("OverwriteReplacesWhole", func(t *testing.T) {
		require.NoError(t, storage.Upload(ctx, "over.txt", bytes.NewReader([]byte("long content here"))))
		require.NoError(t, storage.Upload(ctx, "over.txt", bytes.NewReader([]byte("short"))))

		data, err := os.ReadFile(filepath.Join(tempDir, "over.txt"))
		require.NoError(t, err)
		assert.Equal(t, "short", string(data))
	})

	t.Run("FailedUploadLeavesNothing", func(t *testing.T) {
		err := storage.Upload(ctx, "broken.txt", io.MultiReader(
			bytes.NewReader([]byte("partial")),
			&failingReader{},
		))
		require.Error(t, err)

		ok, err := storage.Exists(ctx, "broken.txt")
		require.NoError(t, err)
		assert.False(t, ok)

		keys, err := storage.List(ctx, "")
		require.NoError(t, err)
		assert.NotContains(t, keys, "broken.txt")
	})

	t.Run("DownloadMissing", func(t *testing.T) {
		_, err := storage.Download(ctx, "nonexistent.txt")
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
	})

	t.Run("CanceledContext", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.Error(t, storage.Upload(cctx, "canceled.txt", bytes.NewReader([]byte("x"))))
	})
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("disk on fire")
}

func TestLocalStorage_DeleteAndExists(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, storage.Upload(ctx, "a.txt", bytes.NewReader([]byte("a"))))

	ok, err := storage.Exists(ctx, "a.txt")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, storage.Delete(ctx, "a.txt"))
	require.NoError(t, storage.Delete(ctx, "a.txt"), "deleting a missing key succeeds")

	ok, err = storage.Exists(ctx, "a.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLocalStorage_List(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, k := range []string{"runs/r1/hist2.txt", "runs/r1/hist1.txt", "runs/r2/hist1.txt", "out.txt"} {
		require.NoError(t, storage.Upload(ctx, k, bytes.NewReader([]byte("1\n"))))
	}

	keys, err := storage.List(ctx, "runs/r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"runs/r1/hist1.txt", "runs/r1/hist2.txt"}, keys)

	keys, err = storage.List(ctx, "runs/r1/hist2")
	require.NoError(t, err)
	assert.Equal(t, []string{"runs/r1/hist2.txt"}, keys)

	keys, err = storage.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, keys, 4)

	keys, err = storage.List(ctx, "runs/none")
	require.NoError(t, err)
	assert.Empty(t, keys)

	removed, err := DeletePrefix(ctx, storage, "runs/r1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	keys, err = storage.List(ctx, "runs")
	require.NoError(t, err)
	assert.Equal(t, []string{"runs/r2/hist1.txt"}, keys)
}
