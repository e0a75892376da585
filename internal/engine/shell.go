package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/roach88/cimatrix/internal/ir"
)

// ShellExecutor runs bash, script and powershell steps as host processes.
//
//	bash       -> bash --noprofile --norc -c <script>
//	script     -> sh -c <script>, or cmd.exe /D /C <file>.cmd on Windows
//	powershell -> pwsh -NoLogo -NoProfile -NonInteractive -Command <script>
//
// The vmImage of a job is recorded, not emulated: steps run on the host.
type ShellExecutor struct {
	GOOS       string // Defaults to runtime.GOOS
	Bash       string
	Sh         string
	Cmd        string
	PowerShell string
}

// NewShellExecutor returns an executor using the usual binary names.
func NewShellExecutor() *ShellExecutor {
	return &ShellExecutor{
		GOOS:       runtime.GOOS,
		Bash:       "bash",
		Sh:         "sh",
		Cmd:        "cmd.exe",
		PowerShell: "pwsh",
	}
}

// Command returns the program and arguments for a script. scriptFile is
// only used for cmd.exe, which cannot take a multi-line script inline.
func (e *ShellExecutor) Command(kind ir.StepKind, script, scriptFile string) (string, []string, error) {
	switch kind {
	case ir.StepBash:
		return e.Bash, []string{"--noprofile", "--norc", "-c", script}, nil
	case ir.StepScript:
		if e.GOOS == "windows" {
			return e.Cmd, []string{"/D", "/C", scriptFile}, nil
		}
		return e.Sh, []string{"-c", script}, nil
	case ir.StepPowerShell:
		return e.PowerShell, []string{"-NoLogo", "-NoProfile", "-NonInteractive", "-Command", script}, nil
	}
	return "", nil, fmt.Errorf("step kind %q is not a shell step", kind)
}

// Execute implements StepExecutor.
func (e *ShellExecutor) Execute(ctx context.Context, sc *StepContext) (StepOutcome, error) {
	dir := resolveDir(sc.WorkDir, sc.Step.WorkingDirectory)

	scriptFile := ""
	if sc.Step.Kind == ir.StepScript && e.GOOS == "windows" {
		f, err := os.CreateTemp("", "cimatrix-*.cmd")
		if err != nil {
			return StepOutcome{}, fmt.Errorf("write script: %w", err)
		}
		defer os.Remove(f.Name())
		if _, err := f.WriteString("@echo off\r\n" + sc.Step.Value + "\r\n"); err != nil {
			f.Close()
			return StepOutcome{}, fmt.Errorf("write script: %w", err)
		}
		if err := f.Close(); err != nil {
			return StepOutcome{}, fmt.Errorf("write script: %w", err)
		}
		scriptFile = f.Name()
	}

	name, args, err := e.Command(sc.Step.Kind, sc.Step.Value, scriptFile)
	if err != nil {
		return StepOutcome{}, err
	}
	return runCommand(ctx, sc, dir, name, args...)
}

// runCommand runs a process with the step's environment and output.
func runCommand(ctx context.Context, sc *StepContext, dir, name string, args ...string) (StepOutcome, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = sc.Env
	cmd.Stdout = sc.Output
	cmd.Stderr = sc.Output
	cmd.WaitDelay = 5 * time.Second

	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return StepOutcome{ExitCode: -1}, ctxErr
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return StepOutcome{}, nil
	case errors.As(err, &exitErr):
		return StepOutcome{ExitCode: exitErr.ExitCode()}, nil
	default:
		return StepOutcome{ExitCode: -1}, fmt.Errorf("start %s: %w", name, err)
	}
}

// resolveDir joins a step's workingDirectory onto the entry directory.
func resolveDir(workDir, sub string) string {
	if sub == "" {
		return workDir
	}
	if filepath.IsAbs(sub) {
		return sub
	}
	return filepath.Join(workDir, sub)
}
