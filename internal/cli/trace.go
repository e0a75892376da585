package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/cimatrix/internal/ir"
	"github.com/roach88/cimatrix/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database string
	Job      string // optional - filter to one job
	Logs     bool   // include step log tails
}

// TraceEvent represents a single event in the trace timeline.
type TraceEvent struct {
	Seq      int64     `json:"seq"`
	Type     string    `json:"type"`    // "job_run", "step" or "artifact"
	JobRun   string    `json:"job_run"` // Job/Entry
	JobRunID string    `json:"job_run_id"`
	Step     string    `json:"step,omitempty"`
	Status   ir.Status `json:"status,omitempty"`
	ExitCode int       `json:"exit_code,omitempty"`
	Error    string    `json:"error,omitempty"`
	Artifact string    `json:"artifact,omitempty"`
	Files    int       `json:"files,omitempty"`
	Digest   string    `json:"digest,omitempty"`
	Log      string    `json:"log,omitempty"`
}

// TraceResult holds the complete trace output.
type TraceResult struct {
	Run      ir.RunRecord `json:"run"`
	Timeline []TraceEvent `json:"timeline"`
	Stats    TraceStats   `json:"stats"`
}

// TraceStats holds summary statistics for the trace.
type TraceStats struct {
	TotalEvents int  `json:"total_events"`
	JobRuns     int  `json:"job_runs"`
	Steps       int  `json:"steps"`
	FailedSteps int  `json:"failed_steps"`
	Artifacts   int  `json:"artifacts"`
	IsComplete  bool `json:"is_complete"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace <run-id>",
		Short: "Show everything recorded for a run",
		Long: `Show the recorded events of one run in logical clock order.

The output includes:
- Timeline: job runs, steps and artifacts ordered by seq
- Stats: summary counts for the run

Examples:
  cimatrix trace 0190b2c4-7d1e-7c3a-9f7e-2b61d0a4c9e1
  cimatrix trace 0190b2c4-7d1e-7c3a-9f7e-2b61d0a4c9e1 --job Windows_Tests --logs
  cimatrix trace 0190b2c4-7d1e-7c3a-9f7e-2b61d0a4c9e1 --db ./runs.db --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("db") {
				opts.Database = opts.settings().Store
			}
			return runTrace(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite run log (default from config)")
	cmd.Flags().StringVar(&opts.Job, "job", "", "filter to one job")
	cmd.Flags().BoolVar(&opts.Logs, "logs", false, "include the log tail of each step")

	return cmd
}

func runTrace(opts *TraceOptions, runID string, cmd *cobra.Command) error {
	ctx := context.Background()
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	// Open database
	st, err := openStore(opts.Database, false)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	trace, err := st.ReadTrace(ctx, runID)
	if errors.Is(err, store.ErrNotFound) {
		_ = formatter.Error(ErrCodeNotFound, fmt.Sprintf("run not found: %s", runID), nil)
		return WrapExitError(ExitCommandError, "run not found", err)
	}
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read trace", err)
	}

	result := buildTraceResult(trace, opts.Job, opts.Logs)

	// Output results
	if opts.Format == "json" {
		return outputTraceJSON(cmd, result)
	}

	return outputTraceText(cmd, result, opts.Verbose)
}

// buildTraceResult converts a stored trace into timeline events.
// When jobFilter is set, only that job's records are kept.
func buildTraceResult(trace store.RunTrace, jobFilter string, withLogs bool) TraceResult {
	keys := make(map[string]string, len(trace.JobRuns))
	jobs := make(map[string]string, len(trace.JobRuns))
	for _, jr := range trace.JobRuns {
		keys[jr.JobRunID] = ir.JobRun{Job: jr.Job, Entry: jr.Entry}.Key()
		jobs[jr.JobRunID] = jr.Job
	}

	result := TraceResult{
		Run:      trace.Run,
		Timeline: []TraceEvent{},
		Stats:    TraceStats{IsComplete: trace.Run.Status.Final()},
	}

	for _, event := range trace.Events() {
		if jobFilter != "" && !strings.EqualFold(jobs[event.JobRunID], jobFilter) {
			continue
		}

		te := TraceEvent{
			Seq:      event.Seq,
			Type:     event.Type.String(),
			JobRun:   keys[event.JobRunID],
			JobRunID: event.JobRunID,
		}

		switch event.Type {
		case store.EventJobRun:
			te.Status = event.JobRun.Status
			te.Error = event.JobRun.Error
			result.Stats.JobRuns++

		case store.EventStep:
			s := event.Step
			te.Step = s.Name
			te.Status = s.Status
			te.ExitCode = s.ExitCode
			te.Error = s.Error
			if withLogs {
				te.Log = s.Log
			}
			result.Stats.Steps++
			if s.Status == ir.StatusFailed {
				result.Stats.FailedSteps++
			}

		case store.EventArtifact:
			a := event.Artifact
			te.Artifact = a.Name
			te.Files = a.Files
			te.Digest = a.Digest
			result.Stats.Artifacts++
		}

		result.Timeline = append(result.Timeline, te)
	}

	result.Stats.TotalEvents = len(result.Timeline)
	return result
}

// outputTraceJSON outputs the trace result as JSON.
func outputTraceJSON(cmd *cobra.Command, result TraceResult) error {
	response := CLIResponse{
		Status: "ok",
		Data:   result,
		RunID:  result.Run.ID,
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

// outputTraceText outputs the trace result as text.
func outputTraceText(cmd *cobra.Command, result TraceResult, verbose bool) error {
	w := cmd.OutOrStdout()
	p := newPalette(w)

	fmt.Fprintf(w, "Trace for Run: %s\n", result.Run.ID)
	fmt.Fprintf(w, "Pipeline: %s\n", result.Run.Pipeline)
	if result.Run.Branch != "" {
		fmt.Fprintf(w, "Branch: %s\n", result.Run.Branch)
	}
	fmt.Fprintf(w, "Status: %s\n", p.status(result.Run.Status))
	if !result.Stats.IsComplete {
		fmt.Fprintln(w, p.warn.Render("Run never finished (see history --repair)"))
	}
	fmt.Fprintln(w)

	// Timeline section
	fmt.Fprintln(w, "=== Timeline ===")
	if len(result.Timeline) == 0 {
		fmt.Fprintln(w, "  (no events)")
	} else {
		for _, event := range result.Timeline {
			formatTimelineEvent(w, p, event, verbose)
		}
	}
	fmt.Fprintln(w)

	// Stats section
	fmt.Fprintln(w, "=== Stats ===")
	fmt.Fprintf(w, "  Total Events: %d\n", result.Stats.TotalEvents)
	fmt.Fprintf(w, "  Job Runs:     %d\n", result.Stats.JobRuns)
	fmt.Fprintf(w, "  Steps:        %d (%d failed)\n", result.Stats.Steps, result.Stats.FailedSteps)
	fmt.Fprintf(w, "  Artifacts:    %d\n", result.Stats.Artifacts)

	return nil
}

// formatTimelineEvent formats a single timeline event for text output.
func formatTimelineEvent(w io.Writer, p palette, event TraceEvent, verbose bool) {
	switch event.Type {
	case "job_run":
		fmt.Fprintf(w, "  [%d] JOB  %s %s\n", event.Seq, event.JobRun, p.status(event.Status))
		if event.Error != "" {
			fmt.Fprintf(w, "       Error: %s\n", event.Error)
		}

	case "step":
		fmt.Fprintf(w, "  [%d] STEP %s %s: %s", event.Seq, p.mark(event.Status), event.JobRun, event.Step)
		if event.Status == ir.StatusFailed {
			fmt.Fprintf(w, " (exit %d)", event.ExitCode)
		}
		fmt.Fprintln(w)
		if verbose && event.Error != "" {
			fmt.Fprintf(w, "       Error: %s\n", event.Error)
		}
		if event.Log != "" {
			for _, line := range strings.Split(strings.TrimRight(event.Log, "\n"), "\n") {
				fmt.Fprintf(w, "       | %s\n", line)
			}
		}

	case "artifact":
		fmt.Fprintf(w, "  [%d] ART  %s: %s (%d file(s))\n", event.Seq, event.JobRun, event.Artifact, event.Files)
		if verbose {
			fmt.Fprintf(w, "       Digest: %s\n", event.Digest)
		}
	}
}
