package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/cimatrix/internal/compiler"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool                       `json:"valid"`
	Pipeline string                     `json:"pipeline,omitempty"`
	Jobs     int                        `json:"jobs,omitempty"`
	Errors   []compiler.ValidationError `json:"errors,omitempty"`
	Warnings []compiler.ValidationError `json:"warnings,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <pipeline-file>",
		Short: "Check a pipeline file without running it",
		Long: `Check a pipeline file against the schema, the semantic rules and the
project policy.

Schema errors (E0xx) stop the check. Semantic errors (E1xx) are all
reported; the policy lint (E2xx) runs only on a semantically valid
pipeline. Warnings (W2xx) are printed but do not fail validation.

Exit codes:
  0 - Pipeline is valid
  1 - Validation errors
  2 - File could not be loaded`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(), // Verbose logs go to stderr to avoid corrupting JSON
		Verbose:   opts.Verbose,
	}

	formatter.VerboseLog("Validating %s", path)

	res, err := LoadPipeline(path, opts.settings().Policy)
	if err != nil {
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			return outputLoadError(formatter, loadErr)
		}
		return outputLoadError(formatter, &LoadError{Code: compiler.ErrGeneric, Message: err.Error(), Err: err})
	}

	errs, warnings := splitFindings(res.Findings)
	if len(errs) > 0 || res.Pipeline == nil {
		return outputValidationErrors(formatter, errs, warnings)
	}

	formatter.VerboseLog("Pipeline %q: %d job(s)", res.Pipeline.Name, len(res.Pipeline.Jobs))
	return outputValidateSuccess(formatter, ValidationResult{
		Valid:    true,
		Pipeline: res.Pipeline.Name,
		Jobs:     len(res.Pipeline.Jobs),
		Warnings: warnings,
	})
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	p := newPalette(formatter.Writer)
	fmt.Fprintf(formatter.Writer, "%s %s is valid (%d job(s))\n", p.ok.Render("✓"), result.Pipeline, result.Jobs)
	writeWarnings(formatter.Writer, p, result.Warnings)
	return nil
}

// outputValidationErrors outputs error findings, and any warnings found
// alongside them.
func outputValidationErrors(formatter *OutputFormatter, errs, warnings []compiler.ValidationError) error {
	exitErr := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))

	if formatter.Format == "json" {
		result := ValidationResult{
			Valid:    false,
			Errors:   errs,
			Warnings: warnings,
		}

		response := CLIResponse{
			Status: "error",
			Data:   result,
		}
		if len(errs) > 0 {
			response.Error = &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			}
		}

		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}

		// Validation failures = exit code 1
		return exitErr
	}

	// Text format
	p := newPalette(formatter.Writer)
	fmt.Fprintln(formatter.Writer, p.bad.Render("✗ Validation failed"))
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		if err.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d: %s\n", err.Line, err.Field)
		} else {
			fmt.Fprintf(formatter.Writer, "%s\n", err.Field)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s\n\n", p.bad.Render(err.Code), err.Message)
	}
	writeWarnings(formatter.Writer, p, warnings)

	// Validation failures = exit code 1
	return exitErr
}

// writeWarnings prints advisory findings after the main result.
func writeWarnings(w io.Writer, p palette, warnings []compiler.ValidationError) {
	if len(warnings) == 0 {
		return
	}
	fmt.Fprintf(w, "\n%d warning(s):\n", len(warnings))
	for _, warn := range warnings {
		if warn.Line > 0 {
			fmt.Fprintf(w, "  %s line %d: %s\n", p.warn.Render(warn.Code), warn.Line, warn.Message)
			continue
		}
		fmt.Fprintf(w, "  %s %s\n", p.warn.Render(warn.Code), warn.Message)
	}
}

// ValidateFile checks a pipeline file and returns every finding, warnings
// included. This is a helper function for external callers.
func ValidateFile(path string, policy compiler.Policy) ([]compiler.ValidationError, error) {
	res, err := LoadPipeline(path, policy)
	if err != nil {
		return nil, err
	}
	return res.Findings, nil
}
