package model

import (
	"fmt"
	"path"
	"strings"
	"time"

	apperrors "github.com/parallel-histogram/pkg/errors"
)

// EdgePolicy decides which bin a sample lying on a bin boundary belongs to.
type EdgePolicy int

const (
	// EdgeInclusive counts a boundary sample in both adjacent bins.
	EdgeInclusive EdgePolicy = iota
	// EdgeHalfOpen uses [lower, upper) for every bin except the last, which is closed.
	EdgeHalfOpen
)

// String returns the string representation of EdgePolicy.
func (p EdgePolicy) String() string {
	switch p {
	case EdgeInclusive:
		return "inclusive"
	case EdgeHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ParseEdgePolicy parses an edge policy name.
func ParseEdgePolicy(s string) (EdgePolicy, error) {
	switch strings.ToLower(s) {
	case "", "inclusive", "0":
		return EdgeInclusive, nil
	case "half_open", "half-open", "1":
		return EdgeHalfOpen, nil
	default:
		return 0, apperrors.InvalidArgument("unknown edge policy: %s (valid: inclusive, half_open)", s)
	}
}

// Strategy is the aggregation strategy used to combine partial results.
type Strategy string

const (
	// StrategyDisjoint has every worker write its own artifact; the coordinator sums them.
	StrategyDisjoint Strategy = "disjoint"
	// StrategyShared has every worker add into one named shared accumulator.
	StrategyShared Strategy = "shared"
)

// ParseStrategy parses a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "disjoint", "merge":
		return StrategyDisjoint, nil
	case "shared", "shm":
		return StrategyShared, nil
	default:
		return "", apperrors.InvalidArgument("unknown strategy: %s (valid: disjoint, shared)", s)
	}
}

// Substrate is the concurrency substrate that runs workers.
type Substrate string

const (
	// SubstrateProcess runs every worker in its own OS process.
	SubstrateProcess Substrate = "process"
	// SubstrateGoroutine runs every worker on its own goroutine.
	SubstrateGoroutine Substrate = "goroutine"
)

// ParseSubstrate parses a substrate name.
func ParseSubstrate(s string) (Substrate, error) {
	switch strings.ToLower(s) {
	case "process", "fork":
		return SubstrateProcess, nil
	case "goroutine", "thread":
		return SubstrateGoroutine, nil
	default:
		return "", apperrors.InvalidArgument("unknown substrate: %s (valid: process, goroutine)", s)
	}
}

// DefaultArtifactPrefix is the prefix of intermediate artifact names.
const DefaultArtifactPrefix = "hist"

// MaxBinCount bounds the number of bins of a run. A shared segment of this
// many counters is 128 MiB.
const MaxBinCount = 1 << 24

// RunSpec is the immutable description of one run. It is handed by value to
// every worker at spawn time, across process boundaries as JSON.
type RunSpec struct {
	RunID      string     `json:"run_id"`
	Range      Range      `json:"range"`
	BinCount   int        `json:"bin_count"`
	EdgePolicy EdgePolicy `json:"edge_policy"`
	Strategy   Strategy   `json:"strategy"`
	Substrate  Substrate  `json:"substrate"`
	Inputs     []string   `json:"inputs"`

	// Disjoint-merge strategy.
	ArtifactDir    string `json:"artifact_dir"`
	ArtifactPrefix string `json:"artifact_prefix"`

	// Shared-accumulator strategy.
	NamespaceDir  string        `json:"namespace_dir"`
	SegmentName   string        `json:"segment_name"`
	SemaphoreName string        `json:"semaphore_name"`
	LockTimeout   time.Duration `json:"lock_timeout"`

	// SpawnJitter adds a random delay of up to this long before a worker
	// enters its critical section.
	SpawnJitter time.Duration `json:"spawn_jitter"`

	// BinningParallelism splits one worker's samples across this many
	// goroutines. Values below 2 bin serially.
	BinningParallelism int `json:"binning_parallelism,omitempty"`
}

// EffectiveBins returns the number of bins actually produced: a degenerate
// range always collapses to one bin.
func (s RunSpec) EffectiveBins() int {
	if s.Range.Degenerate() {
		return 1
	}
	return s.BinCount
}

// ArtifactKey returns the storage key of the intermediate artifact written by
// the worker with the given 1-based ordinal.
func (s RunSpec) ArtifactKey(ordinal int) string {
	prefix := s.ArtifactPrefix
	if prefix == "" {
		prefix = DefaultArtifactPrefix
	}
	return path.Join(s.ArtifactDir, fmt.Sprintf("%s%d.txt", prefix, ordinal))
}

// Validate rejects a spec before any worker is spawned.
func (s RunSpec) Validate() error {
	if s.BinCount < 1 {
		return apperrors.InvalidArgument("bin count must be at least 1, got %d", s.BinCount)
	}
	if s.BinCount > MaxBinCount {
		return apperrors.InvalidArgument("bin count must be at most %d, got %d", MaxBinCount, s.BinCount)
	}
	if err := s.Range.Validate(); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid range", err)
	}
	if len(s.Inputs) == 0 {
		return apperrors.InvalidArgument("at least one input source is required")
	}
	for i, in := range s.Inputs {
		if strings.TrimSpace(in) == "" {
			return apperrors.InvalidArgument("input %d is empty", i+1)
		}
	}
	switch s.Strategy {
	case StrategyDisjoint:
	case StrategyShared:
		if s.SegmentName == "" || s.SemaphoreName == "" {
			return apperrors.InvalidArgument("shared strategy requires segment and semaphore names")
		}
		if s.SegmentName == s.SemaphoreName {
			return apperrors.InvalidArgument("segment and semaphore names must differ: %s", s.SegmentName)
		}
	default:
		return apperrors.InvalidArgument("unknown strategy: %q", s.Strategy)
	}
	switch s.Substrate {
	case SubstrateProcess, SubstrateGoroutine:
	default:
		return apperrors.InvalidArgument("unknown substrate: %q", s.Substrate)
	}
	if s.LockTimeout < 0 {
		return apperrors.InvalidArgument("lock timeout must not be negative")
	}
	return nil
}

// WorkerReport is what the coordinator learns about one worker.
type WorkerReport struct {
	Ordinal  int           `json:"ordinal"`
	Source   string        `json:"source"`
	Samples  int           `json:"samples"`
	Duration time.Duration `json:"duration"`
	Err      error         `json:"-"`
}

// Failed reports whether the worker terminated with a failure status.
func (w WorkerReport) Failed() bool {
	return w.Err != nil
}

// RunReport is the outcome of a coordinator run.
type RunReport struct {
	Spec       RunSpec        `json:"spec"`
	Result     Histogram      `json:"result"`
	Workers    []WorkerReport `json:"workers"`
	Skipped    []int          `json:"skipped,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// FailedWorkers returns the reports of workers that failed.
func (r *RunReport) FailedWorkers() []WorkerReport {
	var failed []WorkerReport
	for _, w := range r.Workers {
		if w.Failed() {
			failed = append(failed, w)
		}
	}
	return failed
}

// TotalSamples returns the number of samples read by successful workers.
func (r *RunReport) TotalSamples() int {
	total := 0
	for _, w := range r.Workers {
		if !w.Failed() {
			total += w.Samples
		}
	}
	return total
}

// Duration returns the wall-clock duration of the run.
func (r *RunReport) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunStatus is the final status of a run as recorded in the ledger.
type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	// RunStatusPartial means the run completed but at least one worker failed
	// or an artifact was skipped during the merge.
	RunStatusPartial RunStatus = "partial"
	RunStatusFailed  RunStatus = "failed"
)

// StatusOf derives the ledger status of a finished run.
func StatusOf(report *RunReport, runErr error) RunStatus {
	switch {
	case report == nil || report.Result == nil:
		return RunStatusFailed
	case runErr != nil || len(report.FailedWorkers()) > 0 || len(report.Skipped) > 0:
		return RunStatusPartial
	default:
		return RunStatusSucceeded
	}
}

// RunRecord is a run as stored in the ledger.
type RunRecord struct {
	ID            int64      `json:"id"`
	RunID         string     `json:"run_id"`
	Strategy      Strategy   `json:"strategy"`
	Substrate     Substrate  `json:"substrate"`
	Range         Range      `json:"range"`
	BinCount      int        `json:"bin_count"`
	EdgePolicy    EdgePolicy `json:"edge_policy"`
	Inputs        []string   `json:"inputs"`
	Result        Histogram  `json:"result"`
	Workers       int        `json:"workers"`
	FailedWorkers int        `json:"failed_workers"`
	Skipped       []int      `json:"skipped,omitempty"`
	Samples       int64      `json:"samples"`
	Status        RunStatus  `json:"status"`
	ErrorCode     string     `json:"error_code,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    time.Time  `json:"finished_at"`
}
