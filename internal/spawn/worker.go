package spawn

import (
	"context"
	"encoding/json"
	"io"

	"github.com/parallel-histogram/internal/producer"
	"github.com/parallel-histogram/internal/storage"
	"github.com/parallel-histogram/pkg/config"
	apperrors "github.com/parallel-histogram/pkg/errors"
	"github.com/parallel-histogram/pkg/model"
	"github.com/parallel-histogram/pkg/utils"
)

// Payload is what a worker process reads from stdin.
type Payload struct {
	Spec     model.RunSpec        `json:"spec"`
	Storage  config.StorageConfig `json:"storage"`
	LogLevel string               `json:"log_level,omitempty"`
}

// Result is what a successful worker process writes to stdout.
type Result struct {
	Ordinal int `json:"ordinal"`
	Samples int `json:"samples"`
}

// DecodePayload reads a worker payload.
func DecodePayload(r io.Reader) (*Payload, error) {
	var p Payload
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, "decode worker payload", err)
	}
	return &p, nil
}

// ServeWorker is the body of a worker process: it runs the unit of work of
// ordinal as described by payload and writes a Result to out. The returned
// error decides the process exit status.
func ServeWorker(ctx context.Context, payload *Payload, ordinal int, out io.Writer, logger utils.Logger) error {
	var store storage.Storage
	if payload.Spec.Strategy == model.StrategyDisjoint {
		var err error
		if store, err = storage.NewStorage(&payload.Storage); err != nil {
			return err
		}
	}

	p, err := producer.New(payload.Spec, store, logger)
	if err != nil {
		return err
	}
	report := p.Run(ctx, ordinal)
	if report.Err != nil {
		return report.Err
	}

	if err := json.NewEncoder(out).Encode(Result{Ordinal: ordinal, Samples: report.Samples}); err != nil {
		return apperrors.Wrap(apperrors.CodeIOFailure, "write worker result", err)
	}
	return nil
}
