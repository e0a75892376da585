package engine

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/roach88/cimatrix/internal/artifact"
	"github.com/roach88/cimatrix/internal/compiler"
	"github.com/roach88/cimatrix/internal/ir"
)

// TaskFunc implements one versioned task.
type TaskFunc func(ctx context.Context, sc *StepContext) (StepOutcome, error)

// TaskExecutor runs task steps from a registry keyed by "Name@Major".
type TaskExecutor struct {
	tasks     map[string]TaskFunc
	shell     *ShellExecutor
	publisher *artifact.Publisher

	// LookPath and PythonVersion locate interpreters for UsePythonVersion.
	LookPath      func(file string) (string, error)
	PythonVersion func(ctx context.Context, bin string) (string, error)
}

// NewTaskExecutor registers the built-in tasks:
//
//	UsePythonVersion@0          put a matching host Python first on PATH
//	CondaEnvironment@1          conda create --name <environmentName> <packageSpecs>
//	PublishBuildArtifacts@1     publish pathtoPublish as artifactName
//	PublishPipelineArtifact@1   publish targetPath as artifactName
func NewTaskExecutor(shell *ShellExecutor, pub *artifact.Publisher) *TaskExecutor {
	t := &TaskExecutor{
		tasks:         make(map[string]TaskFunc),
		shell:         shell,
		publisher:     pub,
		LookPath:      exec.LookPath,
		PythonVersion: hostPythonVersion,
	}
	t.Register("UsePythonVersion@0", t.usePythonVersion)
	t.Register("CondaEnvironment@1", t.condaEnvironment)
	t.Register("PublishBuildArtifacts@1", t.publish)
	t.Register("PublishPipelineArtifact@1", t.publish)
	return t
}

// Register adds or replaces a task implementation.
func (t *TaskExecutor) Register(ref string, fn TaskFunc) {
	t.tasks[strings.ToLower(ref)] = fn
}

// Has reports whether ref has an implementation.
func (t *TaskExecutor) Has(ref string) bool {
	_, ok := t.tasks[strings.ToLower(ref)]
	return ok
}

// Execute implements StepExecutor.
func (t *TaskExecutor) Execute(ctx context.Context, sc *StepContext) (StepOutcome, error) {
	fn, ok := t.tasks[strings.ToLower(sc.Step.Value)]
	if !ok {
		return StepOutcome{ExitCode: -1}, NewUnknownTaskError(sc.Step.Value)
	}
	return fn(ctx, sc)
}

// usePythonVersion finds a host interpreter matching versionSpec ("3.7",
// "3.x") and prepends its directory to PATH for later steps.
func (t *TaskExecutor) usePythonVersion(ctx context.Context, sc *StepContext) (StepOutcome, error) {
	spec, _ := sc.Step.Input("versionSpec")
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return StepOutcome{ExitCode: -1}, NewInputError("UsePythonVersion: versionSpec is required")
	}

	candidates := []string{"python3", "python"}
	if major, minor, ok := strings.Cut(spec, "."); ok && minor != "x" {
		candidates = append([]string{"python" + major + "." + minor}, candidates...)
	}

	for _, name := range candidates {
		bin, err := t.LookPath(name)
		if err != nil {
			continue
		}
		version, err := t.PythonVersion(ctx, bin)
		if err != nil || !matchVersionSpec(spec, version) {
			continue
		}
		dir := filepath.Dir(bin)
		fmt.Fprintf(sc.Output, "Using Python %s from %s\n", version, bin)
		return StepOutcome{
			PrependPath: []string{dir},
			Variables:   ir.Vars{{Name: "pythonLocation", Value: dir}},
		}, nil
	}

	return StepOutcome{ExitCode: -1}, NewInputError("UsePythonVersion: no Python matching versionSpec %q found on this host", spec)
}

// matchVersionSpec compares "major.minor" against a spec where any
// component may be "x".
func matchVersionSpec(spec, version string) bool {
	want := strings.Split(spec, ".")
	got := strings.Split(version, ".")
	for i, w := range want {
		if w == "x" || w == "*" {
			continue
		}
		if i >= len(got) || got[i] != w {
			return false
		}
	}
	return true
}

func hostPythonVersion(ctx context.Context, bin string) (string, error) {
	out, err := exec.CommandContext(ctx, bin, "-c", "import sys; print('%d.%d.%d' % sys.version_info[:3])").Output()
	if err != nil {
		return "", err
	}
	return string(bytes.TrimSpace(out)), nil
}

// condaEnvironment creates a named conda environment.
func (t *TaskExecutor) condaEnvironment(ctx context.Context, sc *StepContext) (StepOutcome, error) {
	name, _ := sc.Step.Input("environmentName")
	if strings.TrimSpace(name) == "" {
		return StepOutcome{ExitCode: -1}, NewInputError("CondaEnvironment: environmentName is required")
	}
	specs, ok := sc.Step.Input("packageSpecs")
	if !ok {
		specs = "python=3"
	}
	opts, _ := sc.Step.Input("createOptions")

	line := strings.Join(strings.Fields(fmt.Sprintf("conda create --yes --quiet --name %s %s %s", name, specs, opts)), " ")

	kind := ir.StepBash
	if t.shell.GOOS == "windows" {
		kind = ir.StepScript
	}
	inner := *sc
	inner.Step = ir.Step{Kind: kind, Value: line, WorkingDirectory: sc.Step.WorkingDirectory}
	out, err := t.shell.Execute(ctx, &inner)
	if err != nil || out.ExitCode != 0 {
		return out, err
	}
	out.Variables = ir.Vars{{Name: "CONDA_ENV_NAME", Value: name}}
	return out, nil
}

// publish implements both publish tasks.
func (t *TaskExecutor) publish(ctx context.Context, sc *StepContext) (StepOutcome, error) {
	name, src := compiler.PublishInputs(sc.Step)
	if name == "" || src == "" {
		return StepOutcome{ExitCode: -1}, NewInputError("%s: artifact name and path are required", sc.Step.TaskName())
	}
	if t.publisher == nil {
		return StepOutcome{ExitCode: -1}, &RuntimeError{Code: ErrCodeArtifact, Message: "no artifact root configured"}
	}

	res, err := t.publisher.Publish(sc.RunID, name, resolveDir(sc.WorkDir, src))
	if err != nil {
		return StepOutcome{ExitCode: -1}, &RuntimeError{Code: ErrCodeArtifact, Message: err.Error()}
	}
	res.SourcePath = src
	fmt.Fprintf(sc.Output, "Published %s (%d files) to %s\n", res.Name, res.Files, res.Path)
	return StepOutcome{Artifacts: []artifact.Result{*res}}, nil
}
