package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/cimatrix/internal/artifact"
	"github.com/roach88/cimatrix/internal/engine"
	"github.com/roach88/cimatrix/internal/ir"
	"github.com/roach88/cimatrix/internal/store"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Branch      string
	Jobs        []string
	Entries     []string
	Database    string
	Artifacts   string
	WorkDir     string
	Source      string
	MaxParallel int
	KeepWork    bool

	// RunIDGenerator allows overriding the run ID generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDGenerator engine.RunIDGenerator

	// Executor allows overriding how steps run (for testing).
	// If nil, steps go through engine.NewDispatcher.
	Executor engine.StepExecutor
}

// RunSummary is the run command's payload.
type RunSummary struct {
	Run  ir.RunRecord `json:"run"`
	Jobs []JobSummary `json:"jobs"`
}

// JobSummary is one job of a run with its entries.
type JobSummary struct {
	Name   string          `json:"name"`
	Status ir.Status       `json:"status"`
	Runs   []JobRunSummary `json:"runs"`
}

// JobRunSummary is one matrix entry with its steps and artifacts.
type JobRunSummary struct {
	ir.JobRunRecord
	Steps     []ir.StepRecord     `json:"steps"`
	Artifacts []ir.ArtifactRecord `json:"artifacts,omitempty"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <pipeline-file>",
		Short: "Run a pipeline locally",
		Long: `Validate, expand and run a pipeline on this machine.

Every matrix entry runs in its own working directory under the work root,
entries of one job run concurrently, and a job starts once the jobs it
depends on succeeded. The run, its job runs, steps and artifacts are
recorded in the SQLite run log.

Flags override the values in the config file.

Exit codes:
  0 - Run succeeded (or the branch does not trigger the pipeline)
  1 - Validation failed, or a job failed or was canceled
  2 - Command error (unreadable file, database error, etc.)

Examples:
  cimatrix run azure-pipelines.yml
  cimatrix run azure-pipelines.yml --branch stable
  cimatrix run azure-pipelines.yml --job Windows_Tests --entry Python37
  cimatrix run azure-pipelines.yml --db /tmp/runs.db --max-parallel 2 --verbose`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.resolve(cmd, args[0])
			return runPipeline(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Branch, "branch", "", "branch being built; a branch the trigger excludes records a skipped run")
	cmd.Flags().StringSliceVar(&opts.Jobs, "job", nil, "only run these jobs (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Entries, "entry", nil, "only run these matrix entries (repeatable)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite run log (default from config)")
	cmd.Flags().StringVar(&opts.Artifacts, "artifacts", "", "artifact root (default from config)")
	cmd.Flags().StringVar(&opts.WorkDir, "work", "", "root for entry working directories (default from config)")
	cmd.Flags().StringVar(&opts.Source, "source", "", "directory `checkout: self` copies (default: the pipeline file's directory)")
	cmd.Flags().IntVar(&opts.MaxParallel, "max-parallel", 0, "limit on concurrently running entries, 0 = unbounded (default from config)")
	cmd.Flags().BoolVar(&opts.KeepWork, "keep-work", false, "keep entry working directories after the run")

	return cmd
}

// resolve fills every flag the user did not set from the config.
func (o *RunOptions) resolve(cmd *cobra.Command, pipelinePath string) {
	cfg := o.settings()
	flags := cmd.Flags()
	if !flags.Changed("db") {
		o.Database = cfg.Store
	}
	if !flags.Changed("artifacts") {
		o.Artifacts = cfg.Artifacts
	}
	if !flags.Changed("work") {
		o.WorkDir = cfg.Work
	}
	if !flags.Changed("max-parallel") {
		o.MaxParallel = cfg.MaxParallel
	}
	if o.Source == "" {
		o.Source = filepath.Dir(pipelinePath)
	}
}

func runPipeline(opts *RunOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
	logger := opts.logger()

	if opts.MaxParallel < 0 {
		_ = formatter.Error(ErrCodeInvalidFlag, "--max-parallel must not be negative", nil)
		return NewExitError(ExitCommandError, "invalid --max-parallel")
	}

	plan, err := planPipeline(formatter, opts.RootOptions, path, opts.Jobs, opts.Entries)
	if err != nil {
		return err
	}
	logger.Info("pipeline planned", "pipeline", plan.Pipeline, "jobs", len(plan.Jobs), "job_runs", plan.RunCount())

	// Open database (create if not exists)
	st, err := openStore(opts.Database, true)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	// Setup signal handling for graceful shutdown
	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan) // Prevent signal handler leak

	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, canceling run", "signal", sig)
			cancel()
		case <-ctx.Done():
			// Parent context cancelled (e.g., from test)
		}
	}()

	if incomplete, err := st.FindIncompleteRuns(ctx); err == nil && len(incomplete) > 0 {
		logger.Warn("run log has unfinished runs from an earlier process",
			"count", len(incomplete), "oldest", incomplete[0].ID, "hint", "cimatrix history --repair")
	}

	// Continue the logical clock after the last recorded event
	lastSeq, err := st.LastSeq(ctx)
	if err != nil {
		_ = formatter.Error(ErrCodeStore, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to read run log", err)
	}

	eng, err := opts.newEngine(st, engine.NewClockAt(lastSeq), formatter, logger)
	if err != nil {
		_ = formatter.Error(ErrCodeRunAborted, err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to set up engine", err)
	}

	logger.Info("run starting", "db", opts.Database, "branch", opts.Branch, "work", opts.WorkDir)
	result, err := eng.Run(ctx, plan, engine.RunOptions{Branch: opts.Branch})
	if err != nil {
		_ = formatter.Error(ErrCodeRunAborted, err.Error(), nil)
		return WrapExitError(ExitCommandError, "run aborted", err)
	}
	logger.Info("run finished", "run_id", result.Run.ID, "status", result.Run.Status)

	summary := summarize(result)
	if err := outputRun(formatter, summary); err != nil {
		return err
	}

	switch result.Run.Status {
	case ir.StatusFailed, ir.StatusCanceled:
		return NewExitError(ExitFailure, fmt.Sprintf("run %s %s", result.Run.ID, result.Run.Status))
	}
	return nil
}

// newEngine wires the executor, recorder and clock.
func (o *RunOptions) newEngine(st *store.Store, clock *engine.Clock, formatter *OutputFormatter, logger *slog.Logger) (*engine.Engine, error) {
	exec := o.Executor
	if exec == nil {
		source, err := filepath.Abs(o.Source)
		if err != nil {
			return nil, fmt.Errorf("resolve source: %w", err)
		}
		d := engine.NewDispatcher(source, &artifact.Publisher{Root: o.Artifacts})
		for _, dir := range []string{o.WorkDir, o.Artifacts, filepath.Dir(o.Database)} {
			if abs, err := filepath.Abs(dir); err == nil && abs != source {
				d.Checkout.Exclude = append(d.Checkout.Exclude, abs)
			}
		}
		exec = d
	}

	engineOpts := []engine.Option{
		engine.WithRecorder(st),
		engine.WithClock(clock),
		engine.WithMaxParallel(o.MaxParallel),
		engine.WithWorkRoot(o.WorkDir),
		engine.WithKeepWorkDirs(o.KeepWork),
		engine.WithLogger(logger),
	}
	if o.RunIDGenerator != nil {
		engineOpts = append(engineOpts, engine.WithRunIDGenerator(o.RunIDGenerator))
	}
	if formatter.Verbose {
		// Stream step output; stderr keeps JSON on stdout intact
		engineOpts = append(engineOpts, engine.WithOutput(formatter.GetErrWriter()))
	}
	return engine.New(exec, engineOpts...), nil
}

// openStore opens the run log. With create unset, a missing file is an
// error instead of an empty new database.
func openStore(path string, create bool) (*store.Store, error) {
	if create {
		if dir := filepath.Dir(path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("database not found: %s", path)
	}
	return store.Open(path)
}

// summarize converts an engine result into the command payload.
func summarize(result *engine.Result) RunSummary {
	summary := RunSummary{
		Run:  result.Run,
		Jobs: make([]JobSummary, 0, len(result.Jobs)),
	}
	for _, job := range result.Jobs {
		js := JobSummary{
			Name:   job.Name,
			Status: job.Status,
			Runs:   make([]JobRunSummary, 0, len(job.Runs)),
		}
		for _, run := range job.Runs {
			steps := run.Steps
			if steps == nil {
				steps = []ir.StepRecord{}
			}
			js.Runs = append(js.Runs, JobRunSummary{
				JobRunRecord: run.Record,
				Steps:        steps,
				Artifacts:    run.Artifacts,
			})
		}
		summary.Jobs = append(summary.Jobs, js)
	}
	return summary
}

// outputRun writes the run summary.
func outputRun(formatter *OutputFormatter, summary RunSummary) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "ok",
			Data:   summary,
			RunID:  summary.Run.ID,
		}
		if summary.Run.Status == ir.StatusFailed || summary.Run.Status == ir.StatusCanceled {
			response.Status = "error"
			response.Error = &CLIError{
				Code:    string(engine.ErrCodeStepFailed),
				Message: fmt.Sprintf("run %s", summary.Run.Status),
			}
		}
		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		return encoder.Encode(response)
	}

	w := formatter.Writer
	p := newPalette(w)

	fmt.Fprintf(w, "Run %s  %s\n", summary.Run.ID, p.status(summary.Run.Status))
	if summary.Run.Branch != "" {
		fmt.Fprintf(w, "Branch: %s\n", summary.Run.Branch)
	}
	if summary.Run.Status == ir.StatusSkipped && ranNothing(summary) {
		fmt.Fprintln(w, p.dim.Render("Branch does not trigger this pipeline; nothing ran."))
		return nil
	}
	fmt.Fprintln(w)

	for _, job := range summary.Jobs {
		fmt.Fprintf(w, "%s %s  %s\n", p.mark(job.Status), p.bold.Render(job.Name), p.status(job.Status))
		for _, run := range job.Runs {
			fmt.Fprintf(w, "  %s %-16s %s\n", p.mark(run.Status), run.Entry, p.status(run.Status))
			if run.Error != "" {
				fmt.Fprintf(w, "      %s\n", p.bad.Render(run.Error))
			}
			for _, step := range run.Steps {
				if step.Status == ir.StatusSucceeded && !formatter.Verbose {
					continue
				}
				fmt.Fprintf(w, "      %s %d. %s", p.mark(step.Status), step.Index+1, step.Name)
				if step.Status == ir.StatusFailed {
					fmt.Fprintf(w, " (exit %d)", step.ExitCode)
				}
				fmt.Fprintln(w)
			}
			for _, a := range run.Artifacts {
				fmt.Fprintf(w, "      artifact %s: %d file(s) -> %s\n", a.Name, a.Files, a.Path)
			}
		}
	}
	return nil
}

// ranNothing reports whether no job run was started or recorded, as when the
// branch does not trigger the pipeline.
func ranNothing(summary RunSummary) bool {
	for _, job := range summary.Jobs {
		if len(job.Runs) > 0 {
			return false
		}
	}
	return true
}
