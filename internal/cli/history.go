package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/cimatrix/internal/ir"
	"github.com/roach88/cimatrix/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	Database string
	Pipeline string
	Branch   string
	Status   string
	Limit    int
	Repair   bool

	// Now allows overriding the time repaired runs are finished at (for testing).
	Now func() time.Time
}

// HistoryResult is the history command's payload.
type HistoryResult struct {
	Runs     []ir.RunRecord `json:"runs"`
	Repaired []string       `json:"repaired,omitempty"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	return newHistoryCommand(&HistoryOptions{RootOptions: rootOpts})
}

func newHistoryCommand(opts *HistoryOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs",
		Long: `List the runs recorded in the run log, newest first.

A run left pending or running by a process that died can be closed with
--repair: the run and its unfinished job runs are marked canceled.

Examples:
  cimatrix history
  cimatrix history --branch stable --status failed
  cimatrix history --db ./runs.db --limit 5 --format json
  cimatrix history --repair`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("db") {
				opts.Database = opts.settings().Store
			}
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite run log (default from config)")
	cmd.Flags().StringVar(&opts.Pipeline, "pipeline", "", "only runs of this pipeline")
	cmd.Flags().StringVar(&opts.Branch, "branch", "", "only runs of this branch")
	cmd.Flags().StringVar(&opts.Status, "status", "", "only runs with this status")
	cmd.Flags().IntVar(&opts.Limit, "limit", 20, "maximum number of runs, 0 = all")
	cmd.Flags().BoolVar(&opts.Repair, "repair", false, "cancel runs left unfinished by a dead process")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	ctx := context.Background()

	if opts.Limit < 0 {
		_ = formatter.Error(ErrCodeInvalidFlag, "--limit must not be negative", nil)
		return NewExitError(ExitCommandError, "invalid --limit")
	}

	st, err := openStore(opts.Database, false)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	var result HistoryResult
	if opts.Repair {
		if result.Repaired, err = repairRuns(ctx, st, opts.now()); err != nil {
			_ = formatter.Error(ErrCodeStore, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to repair runs", err)
		}
		opts.logger().Info("repaired unfinished runs", "count", len(result.Repaired))
	}

	result.Runs, err = st.ListRuns(ctx, store.RunFilter{
		Pipeline: opts.Pipeline,
		Branch:   opts.Branch,
		Status:   ir.Status(opts.Status),
		Limit:    opts.Limit,
	})
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to list runs", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	outputHistoryText(formatter, result)
	return nil
}

func (o *HistoryOptions) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// repairRuns cancels every run that never recorded a final status.
func repairRuns(ctx context.Context, st *store.Store, at time.Time) ([]string, error) {
	incomplete, err := st.FindIncompleteRuns(ctx)
	if err != nil {
		return nil, err
	}
	repaired := make([]string, 0, len(incomplete))
	for _, run := range incomplete {
		changed, err := st.AbandonRun(ctx, run.ID, at)
		if err != nil {
			return repaired, fmt.Errorf("abandon run %s: %w", run.ID, err)
		}
		if changed {
			repaired = append(repaired, run.ID)
		}
	}
	return repaired, nil
}

// outputHistoryText prints one line per run.
func outputHistoryText(formatter *OutputFormatter, result HistoryResult) {
	w := formatter.Writer
	p := newPalette(w)

	for _, id := range result.Repaired {
		fmt.Fprintf(w, "Repaired run %s (marked %s)\n", id, p.status(ir.StatusCanceled))
	}
	if len(result.Repaired) > 0 {
		fmt.Fprintln(w)
	}

	if len(result.Runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}

	for _, run := range result.Runs {
		branch := run.Branch
		if branch == "" {
			branch = "-"
		}
		// Pad before colouring so escape codes do not break alignment
		status := p.status(run.Status) + spaces(len("succeeded_with_issues")-len(run.Status))
		fmt.Fprintf(w, "%s %s  %s  %-12s %-8s %s\n",
			p.mark(run.Status),
			truncateID(run.ID),
			status,
			branch,
			formatDuration(run),
			run.Pipeline)
		if formatter.Verbose {
			fmt.Fprintf(w, "    id: %s  started: %s  hash: %s\n",
				run.ID, run.StartedAt.Format(time.RFC3339), truncateID(run.PipelineHash))
		}
	}
}

// formatDuration returns the wall time of a finished run, or "-".
func formatDuration(run ir.RunRecord) string {
	if run.FinishedAt.IsZero() || run.StartedAt.IsZero() {
		return "-"
	}
	return run.FinishedAt.Sub(run.StartedAt).Round(time.Second).String()
}

func spaces(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf("%*s", n, "")
}

// truncateID truncates a long ID for display.
func truncateID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "..." + id[len(id)-8:]
}
