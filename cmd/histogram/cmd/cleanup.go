package cmd

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/parallel-histogram/internal/shm"
	"github.com/parallel-histogram/internal/storage"
	apperrors "github.com/parallel-histogram/pkg/errors"
)

var (
	// Cleanup command flags
	cleanupRunID        string
	cleanupAll          bool
	cleanupArtifacts    bool
	cleanupNamespaceDir string
)

// cleanupCmd represents the cleanup command
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove named resources left behind by a crashed run",
	Long: `Remove the shared-memory segment and semaphore of a run that did not
tear them down, for instance because the coordinator was killed. A leftover
name makes the next run with the same name fail with exit status 3.

Never point cleanup at a run that is still alive.`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)

	binName := BinName()
	cleanupCmd.Example = `  # Remove the names of one run
  ` + binName + ` cleanup --run-id 3f2a9c1e

  # Remove the names of every run with the configured prefix, and their artifacts
  ` + binName + ` cleanup --all --artifacts`

	cleanupCmd.Flags().StringVar(&cleanupRunID, "run-id", "", "Run whose names are removed")
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Remove the names of every run with the configured name prefix")
	cleanupCmd.Flags().BoolVar(&cleanupArtifacts, "artifacts", false, "Also remove the runs' intermediate artifacts from storage")
	cleanupCmd.Flags().StringVar(&cleanupNamespaceDir, "namespace-dir", "", "Directory holding shared-memory names (default /dev/shm)")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	log := GetLogger()

	if (cleanupRunID == "") == !cleanupAll {
		return apperrors.InvalidArgument("exactly one of --run-id and --all is required")
	}
	ns := cfg.Run.NamespaceDir
	if changed(cmd.Flags(), "namespace-dir") {
		ns = cleanupNamespaceDir
	}
	ns = shm.NamespaceDir(ns)
	prefix := cfg.Run.NamePrefix

	runIDs := []string{cleanupRunID}
	if cleanupAll {
		found, err := staleRunIDs(ns, prefix)
		if err != nil {
			return err
		}
		runIDs = found
	}

	var store storage.Storage
	if cleanupArtifacts {
		s, err := storage.NewStorage(&cfg.Storage)
		if err != nil {
			return err
		}
		store = s
	}

	var errs []error
	for _, id := range runIDs {
		segment, semaphore := prefix+"-"+id+"-shm", prefix+"-"+id+"-lock"
		res, err := shm.Reclaim(ns, segment, semaphore)
		if err != nil {
			errs = append(errs, err)
		}
		if res.SegmentRemoved {
			log.Info("removed segment %s", filepath.Join(ns, segment))
		}
		if res.SemaphoreRemoved {
			log.Info("removed semaphore %s", semaphore)
		}
		if !res.SegmentRemoved && !res.SemaphoreRemoved && err == nil {
			log.Info("no names left for run %s", id)
		}

		if store != nil {
			dir := cfg.Run.ArtifactDir
			if dir == "" {
				dir = "runs/" + id
			}
			n, err := storage.DeletePrefix(cmd.Context(), store, dir)
			if err != nil {
				errs = append(errs, err)
			}
			if n > 0 {
				log.Info("removed %d artifacts under %s", n, dir)
			}
		}
	}
	return errors.Join(errs...)
}

// staleRunIDs returns the run IDs that still own a segment or semaphore in ns.
func staleRunIDs(ns, prefix string) ([]string, error) {
	seen := map[string]bool{}
	var ids []string
	patterns := []struct{ glob, head, tail string }{
		{prefix + "-*-shm", prefix + "-", "-shm"},
		{"sem." + prefix + "-*-lock", "sem." + prefix + "-", "-lock"},
	}
	for _, p := range patterns {
		matches, err := filepath.Glob(filepath.Join(ns, p.glob))
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, "bad name prefix "+prefix, err)
		}
		for _, m := range matches {
			id := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), p.head), p.tail)
			if id != "" && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids, nil
}
