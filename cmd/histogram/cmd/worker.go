package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/parallel-histogram/internal/spawn"
	apperrors "github.com/parallel-histogram/pkg/errors"
	"github.com/parallel-histogram/pkg/telemetry"
	"github.com/parallel-histogram/pkg/utils"
)

var workerOrdinal int

// workerCmd is the body of a worker process. The coordinator starts it with
// the run spec as JSON on stdin; the result goes to stdout as JSON and
// diagnostics to stderr.
var workerCmd = &cobra.Command{
	Use:    "worker --ordinal N",
	Short:  "Run one worker of a run (internal)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().IntVar(&workerOrdinal, "ordinal", 0, "1-based ordinal of the input to process")
}

func runWorker(cmd *cobra.Command, args []string) error {
	if workerOrdinal < 1 {
		return apperrors.InvalidArgument("worker ordinal must be at least 1, got %d", workerOrdinal)
	}
	ctx := telemetry.ExtractEnv(cmd.Context(), os.Environ())

	payload, err := spawn.DecodePayload(cmd.InOrStdin())
	if err != nil {
		return err
	}

	log := GetLogger()
	if payload.LogLevel != "" && cfg.Log.File == "" {
		log = utils.NewDefaultLogger(utils.ParseLogLevel(payload.LogLevel), os.Stderr)
	}
	log = log.WithFields(map[string]interface{}{"run": payload.Spec.RunID, "worker": workerOrdinal})

	return spawn.ServeWorker(ctx, payload, workerOrdinal, cmd.OutOrStdout(), log)
}
