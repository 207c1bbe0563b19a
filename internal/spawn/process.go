package spawn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/parallel-histogram/pkg/config"
	apperrors "github.com/parallel-histogram/pkg/errors"
	"github.com/parallel-histogram/pkg/model"
	"github.com/parallel-histogram/pkg/telemetry"
	"github.com/parallel-histogram/pkg/utils"
)

const (
	// stderrTailSize bounds how much of a failed worker's stderr is kept.
	stderrTailSize = 4096
	// waitDelay bounds how long output copying may run after a worker exits.
	waitDelay = 5 * time.Second
)

// ProcessConfig configures a ProcessSubstrate.
type ProcessConfig struct {
	// Executable is the worker binary. Empty means the running executable.
	Executable string
	// Args precede "--ordinal N" on the worker command line, e.g. ["worker"].
	Args []string
	// Env is appended to the inherited environment.
	Env []string
	// Storage is handed to workers that write artifacts.
	Storage config.StorageConfig
	// LogLevel is handed to workers.
	LogLevel string
	// Stderr, if set, receives the workers' stderr as it is written.
	Stderr io.Writer
}

// ProcessSubstrate runs every worker in its own OS process. The RunSpec is
// handed to each worker explicitly as JSON on stdin; the ordinal is a flag.
type ProcessSubstrate struct {
	cfg    ProcessConfig
	logger utils.Logger
}

// NewProcessSubstrate creates a ProcessSubstrate.
func NewProcessSubstrate(cfg ProcessConfig, logger utils.Logger) (*ProcessSubstrate, error) {
	if cfg.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeIOFailure, "locate worker executable", err)
		}
		cfg.Executable = exe
	}
	if logger == nil {
		logger = &utils.NullLogger{}
	}
	return &ProcessSubstrate{cfg: cfg, logger: logger}, nil
}

// Name returns model.SubstrateProcess.
func (s *ProcessSubstrate) Name() model.Substrate {
	return model.SubstrateProcess
}

// Spawn implements Substrate. All workers are started before any is waited for.
func (s *ProcessSubstrate) Spawn(ctx context.Context, spec model.RunSpec) []model.WorkerReport {
	payload, err := json.Marshal(Payload{Spec: spec, Storage: s.cfg.Storage, LogLevel: s.cfg.LogLevel})
	if err != nil {
		return failAll(spec, apperrors.Wrap(apperrors.CodeInvalidArgument, "encode worker payload", err))
	}

	return runAll(ctx, spec, s.logger, func(ctx context.Context, ordinal int) model.WorkerReport {
		return s.runWorker(ctx, payload, ordinal, spec.Inputs[ordinal-1])
	})
}

func (s *ProcessSubstrate) runWorker(ctx context.Context, payload []byte, ordinal int, source string) model.WorkerReport {
	report := model.WorkerReport{Ordinal: ordinal, Source: source}
	logger := s.logger.WithFields(map[string]interface{}{"worker": ordinal, "source": source})

	ctx, span := telemetry.Tracer().Start(ctx, "spawn.process", trace.WithAttributes(
		attribute.Int("histogram.worker", ordinal),
		attribute.String("histogram.source", source),
	))
	defer span.End()

	args := append(append([]string{}, s.cfg.Args...), "--ordinal", strconv.Itoa(ordinal))
	// A started worker is never killed: it may be inside the critical
	// section. The lock timeout bounds how long it can block.
	cmd := exec.CommandContext(context.WithoutCancel(ctx), s.cfg.Executable, args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	tail := newTailBuffer(stderrTailSize)
	if s.cfg.Stderr != nil {
		cmd.Stderr = io.MultiWriter(tail, s.cfg.Stderr)
	} else {
		cmd.Stderr = tail
	}
	cmd.Env = append(append(os.Environ(), s.cfg.Env...), telemetry.InjectEnv(ctx)...)
	cmd.WaitDelay = waitDelay

	start := time.Now()
	err := cmd.Run()
	report.Duration = time.Since(start)
	if cmd.Process != nil {
		span.SetAttributes(attribute.Int("process.pid", cmd.Process.Pid))
	}

	if err != nil {
		report.Err = workerError(ordinal, err, tail.String())
	} else {
		var res Result
		if derr := json.Unmarshal(stdout.Bytes(), &res); derr != nil {
			report.Err = apperrors.Wrap(apperrors.CodeIOFailure,
				fmt.Sprintf("worker %d returned a malformed result", ordinal), derr)
		} else {
			report.Samples = res.Samples
		}
	}

	if report.Err != nil {
		span.RecordError(report.Err)
		span.SetStatus(codes.Error, apperrors.GetErrorMessage(report.Err))
		logger.Error("worker process failed: %v", report.Err)
	} else {
		logger.Debug("worker process binned %d samples in %s", report.Samples, report.Duration)
	}
	return report
}

// workerError maps a worker's exit status back onto an error code.
func workerError(ordinal int, err error, stderrTail string) error {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return apperrors.Wrap(apperrors.CodeIOFailure, fmt.Sprintf("start worker %d", ordinal), err)
	}

	code := apperrors.CodeIOFailure
	switch exitErr.ExitCode() {
	case apperrors.ExitBadInput:
		code = apperrors.CodeInvalidArgument
	case apperrors.ExitResourceError:
		code = apperrors.CodeSyncFailure
	}

	msg := fmt.Sprintf("worker %d %s", ordinal, exitErr.ProcessState.String())
	if last := lastLine(stderrTail); last != "" {
		msg += ": " + last
	}
	return apperrors.Wrap(code, msg, err)
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
