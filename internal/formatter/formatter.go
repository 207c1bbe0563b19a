// Package formatter renders run outcomes for people: a log summary after a
// run and a table of ledger entries.
package formatter

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	apperrors "github.com/parallel-histogram/pkg/errors"
	"github.com/parallel-histogram/pkg/model"
	"github.com/parallel-histogram/pkg/utils"
)

// ResultFormatter formats the outcome of one strategy.
type ResultFormatter interface {
	// Format writes the run summary to the logger.
	Format(report *model.RunReport, runErr error, log utils.Logger)

	// FormatSummary returns a summary map for serialization.
	FormatSummary(report *model.RunReport, runErr error) map[string]interface{}

	// Strategy returns the strategy this formatter handles.
	Strategy() model.Strategy
}

// Registry manages formatter instances.
type Registry struct {
	formatters map[model.Strategy]ResultFormatter
}

// NewRegistry creates a registry with the formatter of every strategy.
func NewRegistry() *Registry {
	r := &Registry{formatters: make(map[model.Strategy]ResultFormatter)}
	r.Register(&DisjointFormatter{})
	r.Register(&SharedFormatter{})
	return r
}

// Register registers a formatter.
func (r *Registry) Register(f ResultFormatter) {
	r.formatters[f.Strategy()] = f
}

// Get returns the formatter for strategy, or nil.
func (r *Registry) Get(strategy model.Strategy) ResultFormatter {
	return r.formatters[strategy]
}

// Format formats report with the formatter of its strategy.
func (r *Registry) Format(report *model.RunReport, runErr error, log utils.Logger) {
	if report == nil {
		return
	}
	if f := r.Get(report.Spec.Strategy); f != nil {
		f.Format(report, runErr, log)
	}
}

// FormatSummary returns the summary map of report.
func (r *Registry) FormatSummary(report *model.RunReport, runErr error) map[string]interface{} {
	if report == nil {
		return nil
	}
	if f := r.Get(report.Spec.Strategy); f != nil {
		return f.FormatSummary(report, runErr)
	}
	return baseSummary(report, runErr)
}

// DisjointFormatter formats runs of the disjoint strategy.
type DisjointFormatter struct{}

// Strategy returns model.StrategyDisjoint.
func (f *DisjointFormatter) Strategy() model.Strategy { return model.StrategyDisjoint }

// Format writes the summary and lists the skipped artifacts.
func (f *DisjointFormatter) Format(report *model.RunReport, runErr error, log utils.Logger) {
	formatHeader(report, runErr, log)
	if len(report.Skipped) > 0 {
		log.Info("=== Skipped Artifacts ===")
		for _, ordinal := range report.Skipped {
			log.Info("  %s", report.Spec.ArtifactKey(ordinal))
		}
	}
	formatWorkers(report, log)
}

// FormatSummary returns the summary map including the artifact location.
func (f *DisjointFormatter) FormatSummary(report *model.RunReport, runErr error) map[string]interface{} {
	summary := baseSummary(report, runErr)
	summary["artifact_dir"] = report.Spec.ArtifactDir
	summary["skipped"] = report.Skipped
	return summary
}

// SharedFormatter formats runs of the shared strategy.
type SharedFormatter struct{}

// Strategy returns model.StrategyShared.
func (f *SharedFormatter) Strategy() model.Strategy { return model.StrategyShared }

// Format writes the summary and the names that were used.
func (f *SharedFormatter) Format(report *model.RunReport, runErr error, log utils.Logger) {
	formatHeader(report, runErr, log)
	log.Info("Segment:        %s", report.Spec.SegmentName)
	log.Info("Semaphore:      %s", report.Spec.SemaphoreName)
	formatWorkers(report, log)
}

// FormatSummary returns the summary map including the resource names.
func (f *SharedFormatter) FormatSummary(report *model.RunReport, runErr error) map[string]interface{} {
	summary := baseSummary(report, runErr)
	summary["segment"] = report.Spec.SegmentName
	summary["semaphore"] = report.Spec.SemaphoreName
	return summary
}

func formatHeader(report *model.RunReport, runErr error, log utils.Logger) {
	spec := report.Spec
	log.Info("=== Run %s ===", spec.RunID)
	log.Info("Status:         %s", model.StatusOf(report, runErr))
	log.Info("Strategy:       %s on %s", spec.Strategy, spec.Substrate)
	log.Info("Range:          %s in %d bins (%s edges)", spec.Range, spec.EffectiveBins(), spec.EdgePolicy)
	log.Info("Samples:        %d", report.TotalSamples())
	if report.Result != nil {
		log.Info("Counted:        %d", report.Result.Sum())
	}
	log.Info("Duration:       %s", report.Duration().Round(time.Millisecond))
	if runErr != nil {
		log.Info("Error:          %s", truncateString(runErr.Error(), 120))
	}
}

func formatWorkers(report *model.RunReport, log utils.Logger) {
	failed := report.FailedWorkers()
	if len(failed) == 0 {
		return
	}
	log.Info("=== Failed Workers ===")
	for _, w := range failed {
		log.Info("  %2d. %s: %s", w.Ordinal, w.Source, truncateString(apperrors.GetErrorMessage(w.Err), 100))
	}
}

func baseSummary(report *model.RunReport, runErr error) map[string]interface{} {
	spec := report.Spec
	summary := map[string]interface{}{
		"run_id":         spec.RunID,
		"status":         model.StatusOf(report, runErr),
		"strategy":       spec.Strategy,
		"substrate":      spec.Substrate,
		"min":            spec.Range.Min,
		"max":            spec.Range.Max,
		"bins":           spec.EffectiveBins(),
		"edge_policy":    spec.EdgePolicy.String(),
		"inputs":         spec.Inputs,
		"result":         report.Result,
		"samples":        report.TotalSamples(),
		"failed_workers": len(report.FailedWorkers()),
		"duration_ms":    report.Duration().Milliseconds(),
	}
	if runErr != nil {
		summary["error_code"] = apperrors.GetErrorCode(runErr)
		summary["error"] = runErr.Error()
	}
	return summary
}

// WriteRecords writes ledger records as an aligned table.
func WriteRecords(w io.Writer, records []*model.RunRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN ID\tSTATUS\tSTRATEGY\tSUBSTRATE\tBINS\tWORKERS\tSAMPLES\tFINISHED\tERROR")
	for _, r := range records {
		workers := fmt.Sprintf("%d", r.Workers)
		if r.FailedWorkers > 0 {
			workers = fmt.Sprintf("%d (%d failed)", r.Workers, r.FailedWorkers)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%d\t%s\t%s\n",
			r.RunID, r.Status, r.Strategy, r.Substrate, r.BinCount, workers, r.Samples,
			r.FinishedAt.Local().Format(time.DateTime), r.ErrorCode)
	}
	return tw.Flush()
}

func truncateString(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
