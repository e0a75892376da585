package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/roach88/cimatrix/internal/artifact"
	"github.com/roach88/cimatrix/internal/ir"
)

// StepExecutor runs one step of one job run.
//
// Execute returns a non-nil error only when the step could not be carried
// out at all (unknown task, missing input, command not found, canceled).
// A command that ran and exited non-zero reports it through ExitCode.
type StepExecutor interface {
	Execute(ctx context.Context, sc *StepContext) (StepOutcome, error)
}

// StepContext is everything a step needs to run.
type StepContext struct {
	RunID  string
	JobRun ir.JobRun

	// Index is the step's position in the job; -1 for the implicit checkout.
	Index int

	// Step has macros already expanded.
	Step ir.Step

	// WorkDir is the entry's private working directory (the sources).
	WorkDir string

	// Env is the complete process environment for the step.
	Env []string

	// Variables holds the entry's variables, including values set by
	// earlier steps.
	Variables ir.Vars

	// Output receives the step's combined stdout and stderr.
	Output io.Writer
}

// StepOutcome is what a step produced.
type StepOutcome struct {
	ExitCode int

	// Variables are bound for later steps of the same entry.
	Variables ir.Vars

	// PrependPath entries are put in front of PATH for later steps.
	PrependPath []string

	// Artifacts were published by the step.
	Artifacts []artifact.Result
}

// Dispatcher routes steps to the executor for their kind.
type Dispatcher struct {
	Shell    *ShellExecutor
	Tasks    *TaskExecutor
	Checkout *CheckoutExecutor
}

// NewDispatcher wires the default executors. source is the directory
// `checkout: self` copies into each entry's working directory.
func NewDispatcher(source string, pub *artifact.Publisher) *Dispatcher {
	shell := NewShellExecutor()
	return &Dispatcher{
		Shell:    shell,
		Tasks:    NewTaskExecutor(shell, pub),
		Checkout: &CheckoutExecutor{Source: source},
	}
}

// Execute implements StepExecutor.
func (d *Dispatcher) Execute(ctx context.Context, sc *StepContext) (StepOutcome, error) {
	switch sc.Step.Kind {
	case ir.StepCheckout:
		return d.Checkout.Execute(ctx, sc)
	case ir.StepTask:
		return d.Tasks.Execute(ctx, sc)
	case ir.StepBash, ir.StepScript, ir.StepPowerShell:
		return d.Shell.Execute(ctx, sc)
	}
	return StepOutcome{}, fmt.Errorf("unsupported step kind %q", sc.Step.Kind)
}
