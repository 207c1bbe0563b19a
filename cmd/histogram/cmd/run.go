package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/parallel-histogram/internal/coordinator"
	"github.com/parallel-histogram/internal/formatter"
	"github.com/parallel-histogram/internal/histio"
	"github.com/parallel-histogram/internal/metrics"
	"github.com/parallel-histogram/internal/repository"
	"github.com/parallel-histogram/internal/spawn"
	"github.com/parallel-histogram/internal/storage"
	"github.com/parallel-histogram/pkg/compression"
	"github.com/parallel-histogram/pkg/config"
	apperrors "github.com/parallel-histogram/pkg/errors"
	"github.com/parallel-histogram/pkg/model"
	"github.com/parallel-histogram/pkg/utils"
	"github.com/parallel-histogram/pkg/writer"
)

var (
	// Run command flags
	runMin           float64
	runMax           float64
	runBins          int
	runEdgePolicy    string
	runStrategy      string
	runSubstrate     string
	runID            string
	runOutput        string
	runBinNumbers    bool
	runArchive       string
	runCompression   string
	runReport        string
	runNamespaceDir  string
	runArtifactDir   string
	runStoragePath   string
	runKeepArtifacts bool
	runLockTimeout   time.Duration
	runSpawnJitter   time.Duration
	runParallelism   int
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run [flags] <input>...",
	Short: "Compute the histogram of the input files",
	Long: `Compute one histogram over all input files, one worker per file.

Each input is a text file of whitespace-separated decimal numbers. Samples
outside [min, max] are dropped. With min equal to max every sample lands in a
single bin. A sample on an interior bin boundary is counted in both adjacent
bins unless --edge-policy half_open is given.

The result is written one line per bin, as "index: count" by default or as a
bare count with --bin-numbers=false.

Exit status is 0 on success, 1 when a worker failed or I/O broke, 2 for bad
input and 3 for resource or synchronization failures.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return apperrors.InvalidArgument("at least one input file is required")
		}
		return nil
	},
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	binName := BinName()
	runCmd.Example = `  # Ten bins over [0, 100]
  ` + binName + ` run --min 0 --max 100 --bins 10 a.txt b.txt

  # Shared accumulator, bare counts written to a file
  ` + binName + ` run --min 0 --max 1 --bins 4 --strategy shared --bin-numbers=false -o hist.txt a.txt b.txt

  # Keep the intermediate artifacts and archive a zstd copy of the result
  ` + binName + ` run --min 0 --max 10 --bins 5 --keep-artifacts --archive results a.txt b.txt`

	f := runCmd.Flags()
	f.SortFlags = false
	f.Float64Var(&runMin, "min", 0, "Lower bound of the range")
	f.Float64Var(&runMax, "max", 0, "Upper bound of the range")
	f.IntVarP(&runBins, "bins", "b", 10, "Number of bins")
	f.StringVar(&runEdgePolicy, "edge-policy", "", "Boundary samples: inclusive or half_open")
	f.StringVarP(&runStrategy, "strategy", "s", "", "Aggregation strategy: disjoint or shared")
	f.StringVar(&runSubstrate, "substrate", "", "Worker substrate: process or goroutine")
	f.StringVar(&runID, "run-id", "", "Run ID (generated if empty)")
	f.StringVarP(&runOutput, "output", "o", "", "Output file (default stdout)")
	f.BoolVar(&runBinNumbers, "bin-numbers", true, "Prefix every count with its 1-based bin number")
	f.StringVar(&runArchive, "archive", "", "Storage prefix for a compressed copy of the result")
	f.StringVar(&runCompression, "compression", "", "Archive compression: zstd, gzip or none")
	f.StringVar(&runReport, "report", "", "Write a JSON run report to this file (.gz or .zst to compress)")
	f.StringVar(&runNamespaceDir, "namespace-dir", "", "Directory holding shared-memory names (default /dev/shm)")
	f.StringVar(&runArtifactDir, "artifact-dir", "", "Storage prefix for intermediate artifacts (default runs/<run-id>)")
	f.StringVar(&runStoragePath, "storage-path", "", "Root directory for local storage")
	f.BoolVar(&runKeepArtifacts, "keep-artifacts", false, "Keep intermediate artifacts after the merge")
	f.DurationVar(&runLockTimeout, "lock-timeout", 0, "Give up waiting for the semaphore after this long (0 waits forever)")
	f.DurationVar(&runSpawnJitter, "spawn-jitter", 0, "Random delay of up to this long before each worker publishes")
	f.IntVar(&runParallelism, "binning-parallelism", 1, "Goroutines binning the samples of one input")
}

// applyRunFlags overrides cfg with every flag set on the command line.
func applyRunFlags(flags *pflag.FlagSet, cfg *config.Config) error {
	if changed(flags, "min") {
		cfg.Histogram.Min = runMin
	}
	if changed(flags, "max") {
		cfg.Histogram.Max = runMax
	}
	if changed(flags, "bins") {
		cfg.Histogram.Bins = runBins
	}
	if changed(flags, "edge-policy") {
		cfg.Histogram.EdgePolicy = runEdgePolicy
	}
	if changed(flags, "strategy") {
		cfg.Run.Strategy = runStrategy
	}
	if changed(flags, "substrate") {
		cfg.Run.Substrate = runSubstrate
	}
	if changed(flags, "output") {
		cfg.Output.Path = runOutput
	}
	if changed(flags, "bin-numbers") {
		cfg.Output.BinNumbers = runBinNumbers
	}
	if changed(flags, "archive") {
		cfg.Output.Archive = runArchive
	}
	if changed(flags, "compression") {
		cfg.Output.Compression = runCompression
	}
	if changed(flags, "namespace-dir") {
		cfg.Run.NamespaceDir = runNamespaceDir
	}
	if changed(flags, "artifact-dir") {
		cfg.Run.ArtifactDir = runArtifactDir
	}
	if changed(flags, "storage-path") {
		cfg.Storage.Type = string(storage.StorageTypeLocal)
		cfg.Storage.LocalPath = runStoragePath
	}
	if changed(flags, "keep-artifacts") {
		cfg.Run.KeepArtifacts = runKeepArtifacts
	}
	if changed(flags, "lock-timeout") {
		cfg.Run.LockTimeout = runLockTimeout
	}
	if changed(flags, "spawn-jitter") {
		cfg.Run.SpawnJitter = runSpawnJitter
	}
	if changed(flags, "binning-parallelism") {
		cfg.Run.BinningParallelism = runParallelism
	}

	if err := cfg.Validate(); err != nil {
		// a flag, not the file, made the configuration invalid
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid flags", err)
	}
	return nil
}

// newRunID returns a short random run ID. It ends up in shared-memory names,
// which must stay well below NAME_MAX.
func newRunID() string {
	return uuid.NewString()[:8]
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	log := GetLogger()

	if err := applyRunFlags(cmd.Flags(), cfg); err != nil {
		return err
	}
	id := runID
	if id == "" {
		id = newRunID()
	}
	spec, err := cfg.RunSpec(id, args)
	if err != nil {
		return err
	}
	log = log.WithField("run", spec.RunID)

	store, err := storage.NewStorage(&cfg.Storage)
	if err != nil {
		return err
	}
	substrate, err := newSubstrate(spec, store, log)
	if err != nil {
		return err
	}

	timer := utils.NewTimer("run "+spec.RunID, nil)
	coord, err := coordinator.New(spec.Strategy, coordinator.Config{
		Substrate:     substrate,
		Store:         store,
		KeepArtifacts: cfg.Run.KeepArtifacts,
		Timer:         timer,
		Logger:        log,
	})
	if err != nil {
		return err
	}

	log.Info("starting %s run over %d inputs on %s workers", spec.Strategy, len(spec.Inputs), spec.Substrate)
	report, runErr := coord.Run(ctx, spec)

	if report != nil && report.Result != nil {
		stop := timer.Start("output")
		if err := writeResult(ctx, cmd.OutOrStdout(), store, spec.RunID, report.Result); err != nil {
			runErr = errors.Join(runErr, err)
		}
		stop()
	}

	formatter.NewRegistry().Format(report, runErr, log)
	if runReport != "" && report != nil {
		summary := formatter.NewRegistry().FormatSummary(report, runErr)
		if err := writer.ForPath[map[string]interface{}](runReport).WriteToFile(summary, runReport); err != nil {
			log.Warn("failed to write run report %s: %v", runReport, err)
		}
	}
	recordRun(ctx, spec, report, runErr, timer, log)
	timer.Log(log)
	return runErr
}

// newSubstrate builds the substrate named by spec. Worker processes re-run
// this binary with the hidden worker command.
func newSubstrate(spec model.RunSpec, store storage.Storage, log utils.Logger) (spawn.Substrate, error) {
	switch spec.Substrate {
	case model.SubstrateGoroutine:
		return spawn.NewGoroutineSubstrate(store, log), nil
	case model.SubstrateProcess:
		level := cfg.Log.Level
		if verbose {
			level = "debug"
		} else if logLevel != "" {
			level = logLevel
		}
		return spawn.NewProcessSubstrate(spawn.ProcessConfig{
			Args:     []string{workerCmd.Name()},
			Storage:  cfg.Storage,
			LogLevel: level,
			Stderr:   os.Stderr,
		}, log)
	default:
		return nil, apperrors.InvalidArgument("unknown substrate: %q", spec.Substrate)
	}
}

// writeResult persists the final histogram once: to the output file or
// stdout, and, if configured, as a compressed archive in storage.
func writeResult(ctx context.Context, stdout io.Writer, store storage.Storage, runID string, h model.Histogram) error {
	data := histio.FormatHistogram(h, cfg.Output.BinNumbers)

	if p := cfg.Output.Path; p == "" || p == "-" {
		if _, err := stdout.Write(data); err != nil {
			return apperrors.Wrap(apperrors.CodeIOFailure, "write result to stdout", err)
		}
	} else if err := os.WriteFile(p, data, 0644); err != nil {
		return apperrors.Wrap(apperrors.CodeIOFailure, "write result to "+p, err)
	}

	if cfg.Output.Archive == "" {
		return nil
	}
	ct, err := compression.ParseType(cfg.Output.Compression)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeConfigError, "output.compression", err)
	}
	packed, err := compression.Compress(data, ct, compression.LevelDefault)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeIOFailure, "compress result", err)
	}
	key := path.Join(cfg.Output.Archive, runID+".txt"+ct.Extension())
	if err := store.Upload(ctx, key, bytes.NewReader(packed)); err != nil {
		return apperrors.Wrap(apperrors.CodeIOFailure, "archive result", err)
	}
	GetLogger().Info("archived result to %s", store.GetURL(key))
	return nil
}

// recordRun saves the run to the ledger and exports its metrics. Failures
// here are logged and never change the outcome of the run.
func recordRun(ctx context.Context, spec model.RunSpec, report *model.RunReport, runErr error, timer *utils.Timer, log utils.Logger) {
	ctx = context.WithoutCancel(ctx)

	if cfg.Ledger.Enabled {
		if report == nil {
			now := time.Now()
			report = &model.RunReport{Spec: spec, StartedAt: now, FinishedAt: now}
		}
		if err := saveToLedger(ctx, report, runErr); err != nil {
			log.Warn("failed to record run in ledger: %v", err)
		}
	}

	if cfg.Metrics.TextfilePath == "" && cfg.Metrics.PushGateway == "" {
		return
	}
	rec, err := metrics.New()
	if err != nil {
		log.Warn("failed to set up metrics: %v", err)
		return
	}
	rec.ObserveRun(spec, report, runErr)
	rec.ObservePhases(timer.Phases())
	if err := rec.Export(ctx, cfg.Metrics, spec.RunID); err != nil {
		log.Warn("failed to export metrics: %v", err)
	}
}

func saveToLedger(ctx context.Context, report *model.RunReport, runErr error) error {
	ledger, err := repository.NewLedger(&cfg.Ledger)
	if err != nil {
		return err
	}
	defer ledger.Close()

	record, err := ledger.Runs.SaveRun(ctx, report, runErr)
	if err != nil {
		return err
	}
	GetLogger().Debug("recorded run %s as %s (ledger id %d)", record.RunID, record.Status, record.ID)
	return nil
}
