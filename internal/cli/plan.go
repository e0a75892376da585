package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/cimatrix/internal/compiler"
	"github.com/roach88/cimatrix/internal/engine"
	"github.com/roach88/cimatrix/internal/ir"
)

// Error codes for command-level failures outside the compiler's ranges.
const (
	ErrCodeSelection   = "E007" // --job/--entry matched no job run
	ErrCodeWriteFailed = "E008" // output file could not be written
	ErrCodeStore       = "E009" // run log could not be opened or read
	ErrCodeNotFound    = "E010" // run ID not in the run log
	ErrCodeInvalidFlag = "E011" // flag value out of range
	ErrCodeRunAborted  = "E012" // the engine stopped on an infrastructure error
)

// PlanOptions holds flags for the plan command.
type PlanOptions struct {
	*RootOptions
	Output  string   // output file path
	Branch  string   // report whether this branch triggers the pipeline
	Jobs    []string // --job filters
	Entries []string // --entry filters
}

// PlanResult is the plan command's payload.
type PlanResult struct {
	Plan      *ir.Plan `json:"plan"`
	JobRuns   int      `json:"job_runs"`
	Branch    string   `json:"branch,omitempty"`
	Triggered bool     `json:"triggered"`
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "plan <pipeline-file>",
		Short: "Expand a pipeline into its job runs",
		Long: `Validate a pipeline and expand it into an execution plan.

Jobs are listed in dependency order with one job run per matrix entry.
Each job run carries its merged variables and a content-addressed ID, so
planning an unchanged file always prints the same plan.

Examples:
  cimatrix plan azure-pipelines.yml
  cimatrix plan azure-pipelines.yml --job Windows_Tests --entry Python37
  cimatrix plan azure-pipelines.yml --branch stable --format json
  cimatrix plan azure-pipelines.yml -o plan.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the plan as JSON to this file")
	cmd.Flags().StringVar(&opts.Branch, "branch", "", "report whether this branch triggers the pipeline")
	cmd.Flags().StringSliceVar(&opts.Jobs, "job", nil, "only plan these jobs (repeatable)")
	cmd.Flags().StringSliceVar(&opts.Entries, "entry", nil, "only plan these matrix entries (repeatable)")

	return cmd
}

func runPlan(opts *PlanOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	plan, err := planPipeline(formatter, opts.RootOptions, path, opts.Jobs, opts.Entries)
	if err != nil {
		return err
	}

	result := PlanResult{
		Plan:      plan,
		JobRuns:   plan.RunCount(),
		Branch:    opts.Branch,
		Triggered: opts.Branch == "" || engine.ShouldTrigger(plan.Trigger, opts.Branch),
	}

	if opts.Output != "" {
		if err := writePlanToFile(plan, opts.Output); err != nil {
			_ = formatter.Error(ErrCodeWriteFailed, err.Error(), nil)
			return WrapExitError(ExitCommandError, "failed to write plan", err)
		}
		formatter.VerboseLog("Wrote plan to %s", opts.Output)
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	outputPlanText(formatter, result, opts.Output)
	return nil
}

// planPipeline compiles, expands and narrows a pipeline. Errors have
// already been written through formatter.
func planPipeline(formatter *OutputFormatter, opts *RootOptions, path string, jobs, entries []string) (*ir.Plan, error) {
	pipeline, err := compilePipeline(formatter, opts.logger(), path, opts.settings().Policy)
	if err != nil {
		return nil, err
	}

	plan, err := engine.Expand(pipeline)
	if err != nil {
		_ = formatter.Error(compiler.ErrGeneric, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to expand pipeline", err)
	}

	plan, err = engine.Select(plan, jobs, entries)
	if err != nil {
		_ = formatter.Error(ErrCodeSelection, err.Error(), nil)
		return nil, WrapExitError(ExitCommandError, "failed to select job runs", err)
	}
	return plan, nil
}

// outputPlanText prints the plan in dependency order.
func outputPlanText(formatter *OutputFormatter, result PlanResult, outputFile string) {
	w := formatter.Writer
	p := newPalette(w)
	plan := result.Plan

	fmt.Fprintf(w, "%s Planned %d job(s), %d job run(s) for %s\n",
		p.ok.Render("✓"), len(plan.Jobs), result.JobRuns, p.bold.Render(plan.Pipeline))
	fmt.Fprintf(w, "Pipeline hash: %s\n", plan.PipelineHash)
	if result.Branch != "" {
		if result.Triggered {
			fmt.Fprintf(w, "Branch %s triggers this pipeline\n", result.Branch)
		} else {
			fmt.Fprintf(w, "Branch %s %s\n", result.Branch, p.warn.Render("does not trigger this pipeline"))
		}
	}
	fmt.Fprintln(w)

	for _, job := range plan.Jobs {
		header := p.bold.Render(job.Name)
		if job.DisplayName != "" && job.DisplayName != job.Name {
			header += " (" + job.DisplayName + ")"
		}
		var notes []string
		if len(job.DependsOn) > 0 {
			notes = append(notes, "depends on "+strings.Join(job.DependsOn, ", "))
		}
		if job.MaxParallel > 0 {
			notes = append(notes, fmt.Sprintf("max parallel %d", job.MaxParallel))
		}
		if job.TimeoutMinutes > 0 {
			notes = append(notes, fmt.Sprintf("timeout %dm", job.TimeoutMinutes))
		}
		if len(notes) > 0 {
			header += "  " + p.dim.Render("["+strings.Join(notes, "; ")+"]")
		}
		fmt.Fprintln(w, header)

		for _, run := range job.Runs {
			line := fmt.Sprintf("  %-16s %d step(s)", run.Entry, len(run.Steps))
			if run.VMImage != "" {
				line += "  " + run.VMImage
			}
			fmt.Fprintln(w, line)
			if formatter.Verbose {
				fmt.Fprintf(w, "      id: %s\n", run.ID)
				for _, v := range run.Variables {
					fmt.Fprintf(w, "      %s=%s\n", v.Name, v.Value)
				}
				for i, step := range run.Steps {
					fmt.Fprintf(w, "      %d. %s\n", i+1, engine.ExpandMacros(step.Label(), run.Variables))
				}
			}
		}
	}

	if outputFile != "" {
		fmt.Fprintf(w, "\nWrote plan to %s\n", outputFile)
	}
}

// writePlanToFile writes the plan as indented JSON.
func writePlanToFile(plan *ir.Plan, filename string) error {
	// Canonical JSON without indentation is used only for hashing
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling plan: %w", err)
	}

	if err := os.WriteFile(filename, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("writing file: %w", err)
	}

	return nil
}
