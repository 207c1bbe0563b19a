package coordinator

import (
	"context"

	"github.com/parallel-histogram/internal/histio"
	"github.com/parallel-histogram/internal/storage"
	apperrors "github.com/parallel-histogram/pkg/errors"
	"github.com/parallel-histogram/pkg/model"
	"github.com/parallel-histogram/pkg/utils"
)

// Merge adds the artifacts stored under keys into dest, in order. An artifact
// with more bins than dest is skipped whole and its 1-based position in keys
// is returned. A shorter artifact contributes zero to the bins it lacks; a
// missing or unreadable one contributes nothing at all. An empty key stands
// for a worker known to have produced nothing and is not read.
func Merge(ctx context.Context, dest model.Histogram, store storage.Storage, keys []string, logger utils.Logger) []int {
	if logger == nil {
		logger = &utils.NullLogger{}
	}

	var skipped []int
	for i, key := range keys {
		if key == "" {
			continue
		}
		if ctx.Err() != nil {
			logger.Warn("merge interrupted before %s: %v", key, ctx.Err())
			return skipped
		}

		h, err := readArtifact(ctx, store, key)
		if err != nil {
			if storage.IsNotFound(err) {
				logger.Warn("artifact %s is missing, contributing zero", key)
			} else {
				logger.Warn("artifact %s is unreadable, contributing zero: %v", key, err)
			}
			continue
		}

		if h.Len() > dest.Len() {
			skip := apperrors.Newf(apperrors.CodeMergeSkip,
				"artifact %s has %d bins, expected at most %d", key, h.Len(), dest.Len())
			logger.Warn("%v", skip)
			skipped = append(skipped, i+1)
			continue
		}
		dest.Add(h)
	}
	return skipped
}

func readArtifact(ctx context.Context, store storage.Storage, key string) (model.Histogram, error) {
	rc, err := store.Download(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return histio.ReadHistogram(rc)
}
