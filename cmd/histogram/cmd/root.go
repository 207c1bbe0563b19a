package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/parallel-histogram/pkg/config"
	apperrors "github.com/parallel-histogram/pkg/errors"
	"github.com/parallel-histogram/pkg/pprof"
	"github.com/parallel-histogram/pkg/telemetry"
	"github.com/parallel-histogram/pkg/utils"
)

var (
	// Global flags
	cfgFile  string
	verbose  bool
	logLevel string

	// Pprof flags
	pprofEnabled  bool
	pprofDir      string
	pprofProfiles string

	pprofCollector    *pprof.Collector
	cfg               *config.Config
	logger            utils.Logger
	shutdownTelemetry telemetry.ShutdownFunc
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "histogram",
	Short: "Concurrent histogram aggregation",
	Long: `histogram bins the samples of many input files into one histogram.

Every input is handled by its own worker, a goroutine or a separate process.
Partial results are combined with one of two strategies:

  disjoint  every worker writes its own artifact; the artifacts are merged
            after all workers have exited
  shared    every worker adds into one named shared-memory accumulator
            guarded by a named semaphore`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

// Execute runs the command line and exits with a status that tells bad
// input (2) apart from resource or synchronization failures (3).
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	stopPprof()
	flushTelemetry()

	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", BinName(), err)
		os.Exit(apperrors.ExitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Config file (default ./histogram.yaml or /etc/histogram/histogram.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	// Pprof flags
	rootCmd.PersistentFlags().BoolVar(&pprofEnabled, "pprof", false, "Profile this invocation")
	rootCmd.PersistentFlags().StringVar(&pprofDir, "pprof-dir", "./pprof", "Output directory for pprof data")
	rootCmd.PersistentFlags().StringVar(&pprofProfiles, "pprof-profiles", "cpu,heap,goroutine", "Comma-separated profile types: cpu,heap,goroutine,block,mutex,allocs")

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, cmd.CommandPath(), err)
	})

	binName := BinName()
	rootCmd.Example = `  # Histogram of three files, 10 bins over [0, 100], one process per file
  ` + binName + ` run --min 0 --max 100 --bins 10 a.txt b.txt c.txt

  # Same, accumulating in shared memory from goroutines
  ` + binName + ` run --min 0 --max 100 --bins 10 --strategy shared --substrate goroutine a.txt b.txt c.txt

  # Remove names left behind by a crashed run
  ` + binName + ` cleanup --run-id 3f2a9c1e

  # Show recent runs from the ledger
  ` + binName + ` runs --limit 20`
}

// setup loads the configuration and builds the logger and tracer provider
// shared by every subcommand.
func setup(cmd *cobra.Command, args []string) error {
	c, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	cfg = c

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	if verbose {
		level = "debug"
	}

	if cfg.Log.File != "" {
		fl, err := utils.NewFileLogger(utils.ParseLogLevel(level), cfg.Log.File)
		if err != nil {
			return apperrors.Wrap(apperrors.CodeConfigError, "open log file", err)
		}
		logger = fl
	} else {
		// stdout carries the histogram and worker results
		logger = utils.NewDefaultLogger(utils.ParseLogLevel(level), os.Stderr)
	}
	utils.SetGlobalLogger(logger)

	role := telemetry.RoleCoordinator
	if cmd == workerCmd {
		role = telemetry.RoleWorker
	}

	if pprofEnabled && cmd != workerCmd {
		if err := startPprof(string(role)); err != nil {
			return err
		}
	}
	shutdown, err := telemetry.Init(cmd.Context(), role)
	if err != nil {
		logger.Warn("tracing disabled: %v", err)
		return nil
	}
	shutdownTelemetry = shutdown
	return nil
}

func startPprof(name string) error {
	profiles, err := pprof.ParseProfileTypes(pprofProfiles)
	if err != nil {
		return err
	}
	collector, err := pprof.NewCollector(pprof.Config{Dir: pprofDir, Profiles: profiles}, name)
	if err != nil {
		return err
	}
	if err := collector.Start(); err != nil {
		return err
	}
	pprofCollector = collector
	logger.Info("pprof collection started (dir: %s)", pprofDir)
	return nil
}

func stopPprof() {
	if pprofCollector == nil {
		return
	}
	files, err := pprofCollector.Stop()
	if err != nil {
		logger.Warn("Failed to stop pprof collector: %v", err)
	}
	if len(files) > 0 {
		logger.Info("pprof data saved to: %s", pprofDir)
	}
	pprofCollector = nil
}

func flushTelemetry() {
	if shutdownTelemetry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTelemetry(ctx); err != nil && logger != nil {
		logger.Warn("failed to flush traces: %v", err)
	}
	shutdownTelemetry = nil
}

// GetLogger returns the configured logger
func GetLogger() utils.Logger {
	if logger == nil {
		return &utils.NullLogger{}
	}
	return logger
}

// BinName returns the base name of the current executable
func BinName() string {
	return filepath.Base(os.Args[0])
}

// changed reports whether the flag name was set on the command line.
func changed(flags *pflag.FlagSet, name string) bool {
	f := flags.Lookup(name)
	return f != nil && f.Changed
}
