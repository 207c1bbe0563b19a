package cmd

import (
	"context"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/parallel-histogram/internal/formatter"
	"github.com/parallel-histogram/internal/repository"
	apperrors "github.com/parallel-histogram/pkg/errors"
	"github.com/parallel-histogram/pkg/model"
	"github.com/parallel-histogram/pkg/writer"
)

var (
	// Runs command flags
	runsLimit      int
	runsJSON       bool
	runsPruneAfter time.Duration
)

// runsCmd represents the runs command
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List runs recorded in the ledger",
	Long: `List the runs recorded in the run ledger, newest first. The ledger is
written by "run" when ledger.enabled is set in the configuration.`,
	Args: cobra.NoArgs,
	RunE: runRuns,
}

// runsShowCmd represents the runs show command
var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one recorded run as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsShowCmd)

	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Number of runs to list (0 for all)")
	runsCmd.Flags().BoolVar(&runsJSON, "json", false, "Print the runs as JSON")
	runsCmd.Flags().DurationVar(&runsPruneAfter, "prune-older-than", 0, "Delete runs that finished longer ago than this before listing")
}

func openLedger() (*repository.Ledger, error) {
	if !cfg.Ledger.Enabled {
		return nil, apperrors.New(apperrors.CodeConfigError, "the run ledger is disabled (set ledger.enabled)")
	}
	return repository.NewLedger(&cfg.Ledger)
}

func runRuns(cmd *cobra.Command, args []string) error {
	ledger, err := openLedger()
	if err != nil {
		return err
	}
	defer ledger.Close()
	return listRuns(cmd.Context(), ledger.Runs, cmd.OutOrStdout())
}

func listRuns(ctx context.Context, runs repository.RunRepository, out io.Writer) error {
	if runsPruneAfter > 0 {
		n, err := runs.DeleteRunsBefore(ctx, time.Now().Add(-runsPruneAfter))
		if err != nil {
			return err
		}
		GetLogger().Info("pruned %d runs older than %s", n, runsPruneAfter)
	}

	records, err := runs.ListRuns(ctx, runsLimit)
	if err != nil {
		return err
	}
	if runsJSON {
		return writer.NewPrettyJSONWriter[[]*model.RunRecord]().Write(records, out)
	}
	return formatter.WriteRecords(out, records)
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	ledger, err := openLedger()
	if err != nil {
		return err
	}
	defer ledger.Close()

	record, err := ledger.Runs.GetRun(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	return writer.NewPrettyJSONWriter[*model.RunRecord]().Write(record, cmd.OutOrStdout())
}
