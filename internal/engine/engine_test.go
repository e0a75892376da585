package engine

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cimatrix/internal/artifact"
	"github.com/roach88/cimatrix/internal/ir"
	"github.com/roach88/cimatrix/internal/testutil"
)

// memRecorder keeps every record in memory.
type memRecorder struct {
	mu        sync.Mutex
	begun     []ir.RunRecord
	finished  []ir.RunRecord
	jobRuns   []ir.JobRunRecord
	steps     []ir.StepRecord
	artifacts []ir.ArtifactRecord
}

func (m *memRecorder) BeginRun(_ context.Context, run ir.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.begun = append(m.begun, run)
	return nil
}

func (m *memRecorder) RecordJobRun(_ context.Context, rec ir.JobRunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobRuns = append(m.jobRuns, rec)
	return nil
}

func (m *memRecorder) RecordStep(_ context.Context, rec ir.StepRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, rec)
	return nil
}

func (m *memRecorder) RecordArtifact(_ context.Context, rec ir.ArtifactRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts = append(m.artifacts, rec)
	return nil
}

func (m *memRecorder) FinishRun(_ context.Context, run ir.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, run)
	return nil
}

func testEngine(t *testing.T, exec StepExecutor, opts ...Option) *Engine {
	t.Helper()
	base := []Option{
		WithWorkRoot(t.TempDir()),
		WithRunIDGenerator(NewFixedGenerator("run-1")),
		WithBaseEnv([]string{"PATH=/usr/bin", "HOME=/home/ci"}),
		WithNow(testutil.NewTickingTime().Now),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return New(exec, append(base, opts...)...)
}

func run(t *testing.T, e *Engine, p *ir.Pipeline, opts RunOptions) *Result {
	t.Helper()
	res, err := e.Run(context.Background(), mustExpand(t, p), opts)
	require.NoError(t, err)
	return res
}

// buildAndTest: Build (Py35, Py36; checkout, install, test) <- Test.
func buildAndTest() *ir.Pipeline {
	return &ir.Pipeline{
		Name:    "ci",
		Trigger: ir.Trigger{Declared: true, Include: []string{"master"}},
		Jobs: []ir.Job{
			{
				Name: "Build",
				Pool: ir.Pool{VMImage: "ubuntu-16.04"},
				Strategy: ir.Strategy{Matrix: []ir.MatrixEntry{
					{Name: "Py35", Variables: ir.Vars{{Name: "python.version", Value: "3.5"}, {Name: "TOXENV", Value: "py35"}}},
					{Name: "Py36", Variables: ir.Vars{{Name: "python.version", Value: "3.6"}, {Name: "TOXENV", Value: "py36"}}},
				}},
				Steps: []ir.Step{
					{Kind: ir.StepCheckout, Value: "self"},
					{Kind: ir.StepBash, Value: "pip install tox", DisplayName: "Install"},
					{Kind: ir.StepBash, Value: "tox -e $(TOXENV)", DisplayName: "Test $(TOXENV)"},
				},
			},
			{
				Name:      "Test",
				DependsOn: []string{"Build"},
				Steps:     []ir.Step{{Kind: ir.StepBash, Value: "echo report"}},
			},
		},
	}
}

func stepStatuses(r *JobRunResult) []ir.Status {
	out := make([]ir.Status, len(r.Steps))
	for i, s := range r.Steps {
		out[i] = s.Status
	}
	return out
}

func mustJobRun(t *testing.T, res *Result, job, entry string) *JobRunResult {
	t.Helper()
	jr, ok := res.JobRun(job, entry)
	require.True(t, ok, "no result for %s/%s", job, entry)
	return jr
}

// =============================================================================
// Success Path
// =============================================================================

func TestRunSucceeds(t *testing.T) {
	exec := NewScriptedExecutor()
	rec := &memRecorder{}
	res := run(t, testEngine(t, exec, WithRecorder(rec)), buildAndTest(), RunOptions{Branch: "master"})

	assert.Equal(t, ir.StatusSucceeded, res.Run.Status)
	assert.Equal(t, "run-1", res.Run.ID)
	assert.Equal(t, "master", res.Run.Branch)
	require.Len(t, res.Jobs, 2)
	assert.Equal(t, ir.StatusSucceeded, res.Jobs[0].Status)
	assert.Equal(t, ir.StatusSucceeded, res.Jobs[1].Status)

	py36 := mustJobRun(t, res, "Build", "Py36")
	assert.Equal(t, ir.StatusSucceeded, py36.Record.Status)
	assert.Equal(t, "ubuntu-16.04", py36.Record.VMImage)
	assert.Equal(t, []ir.Status{ir.StatusSucceeded, ir.StatusSucceeded, ir.StatusSucceeded}, stepStatuses(py36))
	assert.Equal(t, "Test py36", py36.Steps[2].Name, "display names are macro-expanded")

	// Build declares a checkout step, so no implicit checkout runs for it.
	assert.Equal(t, []int{0, 1, 2}, exec.Steps("Build", "Py36"))
	assert.Equal(t, []int{-1, 0}, exec.Steps("Test", "Test"))

	require.Len(t, rec.begun, 1)
	require.Len(t, rec.finished, 1)
	assert.Equal(t, ir.StatusRunning, rec.begun[0].Status)
	assert.Equal(t, ir.StatusSucceeded, rec.finished[0].Status)
}

func TestRunStepEnvironment(t *testing.T) {
	exec := NewScriptedExecutor()
	res := run(t, testEngine(t, exec), buildAndTest(), RunOptions{Branch: "refs/heads/master"})
	require.Equal(t, ir.StatusSucceeded, res.Run.Status)

	sc, ok := exec.Seen("Build", "Py36", 2)
	require.True(t, ok)
	assert.Equal(t, "tox -e py36", sc.Step.Value, "macros are expanded before execution")
	assert.Contains(t, sc.Env, "TOXENV=py36")
	assert.Contains(t, sc.Env, "PYTHON_VERSION=3.6")
	assert.Contains(t, sc.Env, "HOME=/home/ci")
	assert.Contains(t, sc.Env, "SYSTEM_JOBNAME=Py36")
	assert.Contains(t, sc.Env, "BUILD_SOURCEBRANCHNAME=master")
	assert.Contains(t, sc.Env, "BUILD_BUILDID=run-1")

	other, ok := exec.Seen("Build", "Py35", 2)
	require.True(t, ok)
	assert.NotEqual(t, sc.WorkDir, other.WorkDir, "entries get separate working directories")
	assert.Contains(t, other.Env, "TOXENV=py35")
}

func TestRunEntryWorkDirsNeverCollide(t *testing.T) {
	p := &ir.Pipeline{
		Name: "ci",
		Jobs: []ir.Job{{
			Name: "Build",
			Strategy: ir.Strategy{Matrix: []ir.MatrixEntry{
				{Name: "py 37", Variables: ir.Vars{{Name: "python.version", Value: "3.7"}}},
				{Name: "py_37", Variables: ir.Vars{{Name: "python.version", Value: "3.7"}}},
				{Name: "PY37", Variables: ir.Vars{{Name: "python.version", Value: "3.7"}}},
				{Name: "py37", Variables: ir.Vars{{Name: "python.version", Value: "3.7"}}},
			}},
			Steps: []ir.Step{{Kind: ir.StepBash, Value: "echo hi"}},
		}},
	}
	exec := NewScriptedExecutor()
	res := run(t, testEngine(t, exec, WithKeepWorkDirs(true)), p, RunOptions{})
	require.Equal(t, ir.StatusSucceeded, res.Run.Status)

	seen := map[string]string{}
	for _, entry := range []string{"py 37", "py_37", "PY37", "py37"} {
		sc, ok := exec.Seen("Build", entry, 0)
		require.True(t, ok, entry)
		folded := strings.ToLower(sc.WorkDir)
		if other, dup := seen[folded]; dup {
			t.Fatalf("entries %q and %q share working directory %s", other, entry, sc.WorkDir)
		}
		seen[folded] = entry
	}
}

func TestEntryDirNameWithoutID(t *testing.T) {
	a := entryDirName(0, ir.JobRun{Entry: "py 37"})
	b := entryDirName(1, ir.JobRun{Entry: "py_37"})
	assert.NotEqual(t, a, b)
	assert.Equal(t, "py_37-0", a)
}

func TestRunWorkDirsRemoved(t *testing.T) {
	root := t.TempDir()
	exec := NewScriptedExecutor()
	run(t, testEngine(t, exec, WithWorkRoot(root)), buildAndTest(), RunOptions{})

	sc, ok := exec.Seen("Build", "Py35", 0)
	require.True(t, ok)
	assert.NoDirExists(t, sc.WorkDir)
}

func TestRunKeepWorkDirs(t *testing.T) {
	exec := NewScriptedExecutor()
	run(t, testEngine(t, exec, WithKeepWorkDirs(true)), buildAndTest(), RunOptions{})

	sc, ok := exec.Seen("Build", "Py35", 0)
	require.True(t, ok)
	assert.DirExists(t, sc.WorkDir)
}

// =============================================================================
// Failure Propagation
// =============================================================================

func TestRunFailFastWithinEntry(t *testing.T) {
	exec := NewScriptedExecutor().On("Build", "Py36", 1, ScriptedResult{ExitCode: 1, Output: "no matching distribution\n"})
	res := run(t, testEngine(t, exec), buildAndTest(), RunOptions{})

	py36 := mustJobRun(t, res, "Build", "Py36")
	assert.Equal(t, ir.StatusFailed, py36.Record.Status)
	assert.Equal(t, []ir.Status{ir.StatusSucceeded, ir.StatusFailed, ir.StatusSkipped}, stepStatuses(py36))
	assert.Equal(t, 1, py36.Steps[1].ExitCode)
	assert.Contains(t, py36.Steps[1].Log, "no matching distribution")
	assert.Contains(t, py36.Steps[1].Error, string(ErrCodeStepFailed))
	assert.Contains(t, py36.Record.Error, "Build/Py36")
	assert.Equal(t, []int{0, 1}, exec.Steps("Build", "Py36"))

	// Sibling entries are independent.
	py35 := mustJobRun(t, res, "Build", "Py35")
	assert.Equal(t, ir.StatusSucceeded, py35.Record.Status)

	assert.Equal(t, ir.StatusFailed, res.Jobs[0].Status)
}

func TestRunDependentSkipped(t *testing.T) {
	exec := NewScriptedExecutor().On("Build", "Py35", 2, ScriptedResult{ExitCode: 2})
	res := run(t, testEngine(t, exec), buildAndTest(), RunOptions{})

	test, ok := res.Job("Test")
	require.True(t, ok)
	assert.Equal(t, ir.StatusSkipped, test.Status)
	require.Len(t, test.Runs, 1)
	assert.Contains(t, test.Runs[0].Record.Error, string(ErrCodeDependencyFailed))
	assert.Contains(t, test.Runs[0].Record.Error, "Build (failed)")
	assert.Empty(t, exec.Steps("Test", "Test"))

	assert.Equal(t, ir.StatusFailed, res.Run.Status)
}

func TestRunExecutionError(t *testing.T) {
	p := &ir.Pipeline{
		Name: "tasks",
		Jobs: []ir.Job{{
			Name: "Docs",
			Steps: []ir.Step{
				{Kind: ir.StepCheckout, Value: "none"},
				{Kind: ir.StepTask, Value: "InstallSSHKey@0"},
				{Kind: ir.StepBash, Value: "echo unreachable"},
			},
		}},
	}
	d := NewDispatcher(t.TempDir(), nil)
	res := run(t, testEngine(t, d), p, RunOptions{})

	docs := mustJobRun(t, res, "Docs", "Docs")
	assert.Equal(t, ir.StatusFailed, docs.Record.Status)
	assert.Equal(t, []ir.Status{ir.StatusSucceeded, ir.StatusFailed, ir.StatusSkipped}, stepStatuses(docs))
	assert.Contains(t, docs.Steps[1].Error, string(ErrCodeUnknownTask))
	assert.Contains(t, docs.Steps[1].Error, "job=Docs")
}

func TestRunLogCommandResult(t *testing.T) {
	p := &ir.Pipeline{
		Name: "results",
		Jobs: []ir.Job{{
			Name: "Lint",
			Steps: []ir.Step{
				{Kind: ir.StepBash, Value: "warn"},
				{Kind: ir.StepBash, Value: "fail"},
			},
		}},
	}
	exec := NewScriptedExecutor().
		On("Lint", "Lint", 0, ScriptedResult{Output: "##vso[task.logissue type=error]deprecated API\n"}).
		On("Lint", "Lint", 1, ScriptedResult{Output: "##vso[task.complete result=Failed]"})
	res := run(t, testEngine(t, exec), p, RunOptions{})

	lint := mustJobRun(t, res, "Lint", "Lint")
	assert.Equal(t, []ir.Status{ir.StatusPartial, ir.StatusFailed}, stepStatuses(lint))
	assert.Equal(t, ir.StatusFailed, lint.Record.Status)
}

// =============================================================================
// Conditions and continueOnError
// =============================================================================

func TestRunConditions(t *testing.T) {
	p := &ir.Pipeline{
		Name: "conditions",
		Jobs: []ir.Job{{
			Name: "Build",
			Steps: []ir.Step{
				{Kind: ir.StepBash, Value: "exit 1"},
				{Kind: ir.StepBash, Value: "cleanup", Condition: "always()"},
				{Kind: ir.StepBash, Value: "diagnose", Condition: "failed()"},
				{Kind: ir.StepBash, Value: "deploy", Condition: "succeeded()"},
				{Kind: ir.StepBash, Value: "deploy", Condition: ""},
				{Kind: ir.StepBash, Value: "report", Condition: "succeededOrFailed()"},
				{Kind: ir.StepBash, Value: "never", Condition: "canceled()"},
			},
		}},
	}
	exec := NewScriptedExecutor().On("Build", "Build", 0, ScriptedResult{ExitCode: 1})
	res := run(t, testEngine(t, exec), p, RunOptions{})

	build := mustJobRun(t, res, "Build", "Build")
	assert.Equal(t, []ir.Status{
		ir.StatusFailed,
		ir.StatusSucceeded,
		ir.StatusSucceeded,
		ir.StatusSkipped,
		ir.StatusSkipped,
		ir.StatusSucceeded,
		ir.StatusSkipped,
	}, stepStatuses(build))
	assert.Equal(t, ir.StatusFailed, build.Record.Status)
	assert.Equal(t, []int{-1, 0, 1, 2, 5}, exec.Steps("Build", "Build"))
}

func TestRunFailedConditionSkippedOnSuccess(t *testing.T) {
	p := &ir.Pipeline{
		Name: "conditions",
		Jobs: []ir.Job{{
			Name: "Build",
			Steps: []ir.Step{
				{Kind: ir.StepBash, Value: "ok"},
				{Kind: ir.StepBash, Value: "diagnose", Condition: "failed()"},
			},
		}},
	}
	res := run(t, testEngine(t, NewScriptedExecutor()), p, RunOptions{})

	build := mustJobRun(t, res, "Build", "Build")
	assert.Equal(t, []ir.Status{ir.StatusSucceeded, ir.StatusSkipped}, stepStatuses(build))
	assert.Equal(t, ir.StatusSucceeded, build.Record.Status)
}

func TestRunStepContinueOnError(t *testing.T) {
	p := buildAndTest()
	p.Jobs[0].Steps[1].ContinueOnError = true
	exec := NewScriptedExecutor().On("Build", "*", 1, ScriptedResult{ExitCode: 1})
	res := run(t, testEngine(t, exec), p, RunOptions{})

	py35 := mustJobRun(t, res, "Build", "Py35")
	assert.Equal(t, []ir.Status{ir.StatusSucceeded, ir.StatusFailed, ir.StatusSucceeded}, stepStatuses(py35))
	assert.Equal(t, ir.StatusPartial, py35.Record.Status)
	assert.Empty(t, py35.Record.Error)

	assert.Equal(t, ir.StatusPartial, res.Jobs[0].Status)
	assert.Equal(t, ir.StatusSucceeded, res.Jobs[1].Status, "a partially successful dependency still lets dependents run")
	assert.Equal(t, ir.StatusPartial, res.Run.Status)
}

func TestRunJobContinueOnError(t *testing.T) {
	p := buildAndTest()
	p.Jobs[0].ContinueOnError = true
	exec := NewScriptedExecutor().On("Build", "Py35", 2, ScriptedResult{ExitCode: 1})
	res := run(t, testEngine(t, exec), p, RunOptions{})

	py35 := mustJobRun(t, res, "Build", "Py35")
	assert.Equal(t, ir.StatusPartial, py35.Record.Status)
	assert.NotEmpty(t, py35.Record.Error)
	assert.Equal(t, ir.StatusPartial, res.Jobs[0].Status)
	assert.Equal(t, ir.StatusSucceeded, res.Jobs[1].Status)
}

// =============================================================================
// Variables and log commands
// =============================================================================

func TestRunSetVariableAndPrependPath(t *testing.T) {
	p := &ir.Pipeline{
		Name: "vars",
		Jobs: []ir.Job{{
			Name: "Windows_Tests",
			Steps: []ir.Step{
				{Kind: ir.StepBash, Value: "setup"},
				{Kind: ir.StepBash, Value: "conda create -n $(conda.env)"},
			},
		}},
	}
	exec := NewScriptedExecutor().On("Windows_Tests", "Windows_Tests", 0, ScriptedResult{
		Output: "##vso[task.setvariable variable=conda.env]py37\n##vso[task.prependpath]/opt/conda/bin\n",
		Outcome: StepOutcome{
			Variables:   ir.Vars{{Name: "pythonLocation", Value: "/opt/py"}},
			PrependPath: []string{"/opt/py"},
		},
	})
	res := run(t, testEngine(t, exec), p, RunOptions{})
	require.Equal(t, ir.StatusSucceeded, res.Run.Status)

	sc, ok := exec.Seen("Windows_Tests", "Windows_Tests", 1)
	require.True(t, ok)
	assert.Equal(t, "conda create -n py37", sc.Step.Value)
	env, _ := sc.Variables.Get("conda.env")
	assert.Equal(t, "py37", env)
	loc, _ := sc.Variables.Get("pythonLocation")
	assert.Equal(t, "/opt/py", loc)
	assert.Contains(t, sc.Env, "CONDA_ENV=py37")

	sep := string(os.PathListSeparator)
	assert.Contains(t, sc.Env, "PATH=/opt/conda/bin"+sep+"/opt/py"+sep+"/usr/bin")
}

func TestRunSetVariableIsPerEntry(t *testing.T) {
	exec := NewScriptedExecutor().On("Build", "Py35", 1, ScriptedResult{
		Output: "##vso[task.setvariable variable=marker]set\n",
	})
	run(t, testEngine(t, exec), buildAndTest(), RunOptions{})

	sc, _ := exec.Seen("Build", "Py35", 2)
	_, ok := sc.Variables.Get("marker")
	assert.True(t, ok)

	sc, _ = exec.Seen("Build", "Py36", 2)
	_, ok = sc.Variables.Get("marker")
	assert.False(t, ok, "variables set in one entry do not leak into another")
}

// =============================================================================
// Parallelism
// =============================================================================

func wideJob(entries, maxParallel int) *ir.Pipeline {
	job := ir.Job{
		Name:     "Wide",
		Strategy: ir.Strategy{MaxParallel: maxParallel},
		Steps:    []ir.Step{{Kind: ir.StepCheckout, Value: "none"}, {Kind: ir.StepBash, Value: "sleep"}},
	}
	for i := 0; i < entries; i++ {
		name := "E" + string(rune('A'+i))
		job.Strategy.Matrix = append(job.Strategy.Matrix, ir.MatrixEntry{Name: name, Variables: ir.Vars{{Name: "n", Value: name}}})
	}
	return &ir.Pipeline{Name: "wide", Jobs: []ir.Job{job}}
}

func TestRunMatrixMaxParallel(t *testing.T) {
	exec := NewScriptedExecutor().On("Wide", "*", 1, ScriptedResult{Delay: 30 * time.Millisecond})
	res := run(t, testEngine(t, exec), wideJob(4, 1), RunOptions{})

	assert.Equal(t, ir.StatusSucceeded, res.Run.Status)
	assert.Equal(t, 1, exec.PeakConcurrency("Wide"))
}

func TestRunEngineMaxParallel(t *testing.T) {
	exec := NewScriptedExecutor().On("Wide", "*", 1, ScriptedResult{Delay: 30 * time.Millisecond})
	res := run(t, testEngine(t, exec, WithMaxParallel(2)), wideJob(5, 0), RunOptions{})

	assert.Equal(t, ir.StatusSucceeded, res.Run.Status)
	assert.LessOrEqual(t, exec.PeakConcurrency("Wide"), 2)
}

func TestRunEntriesInParallel(t *testing.T) {
	exec := NewScriptedExecutor().On("Wide", "*", 1, ScriptedResult{Delay: 100 * time.Millisecond})
	run(t, testEngine(t, exec), wideJob(3, 0), RunOptions{})

	assert.Greater(t, exec.PeakConcurrency("Wide"), 1)
}

// =============================================================================
// Timeouts and cancellation
// =============================================================================

func TestRunStepTimeout(t *testing.T) {
	p := &ir.Pipeline{
		Name: "timeouts",
		Jobs: []ir.Job{{
			Name: "Slow",
			Steps: []ir.Step{
				{Kind: ir.StepBash, Value: "sleep", TimeoutMinutes: 1},
				{Kind: ir.StepBash, Value: "after"},
			},
		}},
	}
	exec := NewScriptedExecutor().On("Slow", "Slow", 0, ScriptedResult{Delay: 5 * time.Second})
	res := run(t, testEngine(t, exec, WithTimeUnit(20*time.Millisecond)), p, RunOptions{})

	slow := mustJobRun(t, res, "Slow", "Slow")
	assert.Equal(t, []ir.Status{ir.StatusFailed, ir.StatusSkipped}, stepStatuses(slow))
	assert.Contains(t, slow.Steps[0].Error, string(ErrCodeTimeout))
	assert.Equal(t, ir.StatusFailed, slow.Record.Status)
}

func TestRunJobTimeout(t *testing.T) {
	p := &ir.Pipeline{
		Name: "timeouts",
		Jobs: []ir.Job{{
			Name:           "Slow",
			TimeoutMinutes: 1,
			Steps: []ir.Step{
				{Kind: ir.StepBash, Value: "sleep"},
				{Kind: ir.StepBash, Value: "cleanup", Condition: "always()"},
			},
		}},
	}
	exec := NewScriptedExecutor().On("Slow", "Slow", 0, ScriptedResult{Delay: 5 * time.Second})
	res := run(t, testEngine(t, exec, WithTimeUnit(20*time.Millisecond)), p, RunOptions{})

	slow := mustJobRun(t, res, "Slow", "Slow")
	assert.Equal(t, []ir.Status{ir.StatusFailed, ir.StatusCanceled}, stepStatuses(slow))
	assert.Equal(t, ir.StatusFailed, slow.Record.Status)
	assert.Contains(t, slow.Record.Error, string(ErrCodeTimeout))
	assert.Equal(t, ir.StatusFailed, res.Run.Status)
}

func TestRunCanceled(t *testing.T) {
	p := buildAndTest()
	p.Jobs[0].Strategy.Matrix = p.Jobs[0].Strategy.Matrix[:1]
	exec := NewScriptedExecutor().On("Build", "Py35", 1, ScriptedResult{Delay: 5 * time.Second})
	e := testEngine(t, exec)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	defer cancel()

	res, err := e.Run(ctx, mustExpand(t, p), RunOptions{})
	require.NoError(t, err)

	py35 := mustJobRun(t, res, "Build", "Py35")
	assert.Equal(t, []ir.Status{ir.StatusSucceeded, ir.StatusCanceled, ir.StatusCanceled}, stepStatuses(py35))
	assert.Equal(t, ir.StatusCanceled, py35.Record.Status)
	assert.Equal(t, ir.StatusCanceled, res.Jobs[1].Status)
	assert.Equal(t, ir.StatusCanceled, res.Run.Status)
}

// =============================================================================
// Triggers
// =============================================================================

func TestRunTriggerMismatch(t *testing.T) {
	exec := NewScriptedExecutor()
	rec := &memRecorder{}
	res := run(t, testEngine(t, exec, WithRecorder(rec)), buildAndTest(), RunOptions{Branch: "feature/docs"})

	assert.Equal(t, ir.StatusSkipped, res.Run.Status)
	for _, j := range res.Jobs {
		assert.Equal(t, ir.StatusSkipped, j.Status)
	}
	assert.Empty(t, exec.Calls())
	assert.Empty(t, rec.jobRuns)
	require.Len(t, rec.finished, 1)
	assert.Equal(t, ir.StatusSkipped, rec.finished[0].Status)
}

func TestRunWithoutBranchIgnoresTrigger(t *testing.T) {
	p := buildAndTest()
	p.Trigger = ir.Trigger{Declared: true, None: true}
	res := run(t, testEngine(t, NewScriptedExecutor()), p, RunOptions{})
	assert.Equal(t, ir.StatusSucceeded, res.Run.Status)
}

// =============================================================================
// Records and output
// =============================================================================

func TestRunRecords(t *testing.T) {
	exec := NewScriptedExecutor().On("Build", "Py35", 2, ScriptedResult{
		Outcome: StepOutcome{Artifacts: []artifact.Result{{
			Name: "html_docs", SourcePath: "docs/_build/html", Path: "/artifacts/run-1/html_docs", Files: 3, Digest: "abc",
		}}},
	})
	rec := &memRecorder{}
	res := run(t, testEngine(t, exec, WithRecorder(rec)), buildAndTest(), RunOptions{})

	// Each entry is recorded when it starts and again when it finishes.
	assert.Len(t, rec.jobRuns, 6)
	assert.Len(t, rec.steps, 7)
	require.Len(t, rec.artifacts, 1)

	a := rec.artifacts[0]
	py35 := mustJobRun(t, res, "Build", "Py35")
	assert.Equal(t, "run-1", a.RunID)
	assert.Equal(t, py35.Record.JobRunID, a.JobRunID)
	assert.Equal(t, "html_docs", a.Name)
	assert.Equal(t, []ir.ArtifactRecord{a}, py35.Artifacts)

	seqs := make(map[int64]bool)
	for _, r := range rec.jobRuns {
		seqs[r.Seq] = true
	}
	for _, s := range rec.steps {
		seqs[s.Seq] = true
	}
	seqs[a.Seq] = true
	assert.Len(t, seqs, 6+7+1, "every record gets its own seq")

	// Within an entry, steps are recorded in order.
	var last int64
	for _, s := range py35.Steps {
		assert.Greater(t, s.Seq, last)
		last = s.Seq
	}
	assert.Greater(t, py35.Record.Seq, last, "the final entry record follows its steps")
}

func TestRunClockContinues(t *testing.T) {
	clock := NewClockAt(100)
	res := run(t, testEngine(t, NewScriptedExecutor(), WithClock(clock)), buildAndTest(), RunOptions{})

	for _, j := range res.Jobs {
		for _, r := range j.Runs {
			assert.Greater(t, r.Record.Seq, int64(100))
		}
	}
}

func TestRunStreamsOutput(t *testing.T) {
	var buf bytes.Buffer
	exec := NewScriptedExecutor().On("Build", "*", 2, ScriptedResult{Output: "collected 12 items\nall passed"})
	run(t, testEngine(t, exec, WithOutput(&buf)), buildAndTest(), RunOptions{})

	out := buf.String()
	assert.Contains(t, out, "[Build/Py35] collected 12 items\n")
	assert.Contains(t, out, "[Build/Py36] all passed\n")
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		assert.True(t, strings.HasPrefix(line, "[Build/"), "unprefixed line %q", line)
	}
}

func TestRunLogLimit(t *testing.T) {
	exec := NewScriptedExecutor().On("Build", "*", 1, ScriptedResult{Output: strings.Repeat("x", 100) + "tail"})
	res := run(t, testEngine(t, exec, WithLogLimit(10)), buildAndTest(), RunOptions{})

	py35 := mustJobRun(t, res, "Build", "Py35")
	assert.Equal(t, "...(truncated)\nxxxxxxtail", py35.Steps[1].Log)
}

// =============================================================================
// Aggregation
// =============================================================================

func TestAggregateJob(t *testing.T) {
	tests := []struct {
		name string
		in   []ir.Status
		want ir.Status
	}{
		{"all succeeded", []ir.Status{ir.StatusSucceeded, ir.StatusSucceeded}, ir.StatusSucceeded},
		{"one failed", []ir.Status{ir.StatusSucceeded, ir.StatusFailed, ir.StatusPartial}, ir.StatusFailed},
		{"partial", []ir.Status{ir.StatusSucceeded, ir.StatusPartial}, ir.StatusPartial},
		{"canceled", []ir.Status{ir.StatusSucceeded, ir.StatusCanceled}, ir.StatusCanceled},
		{"all skipped", []ir.Status{ir.StatusSkipped, ir.StatusSkipped}, ir.StatusSkipped},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, aggregateJob(tt.in))
		})
	}
}

func TestAggregateRun(t *testing.T) {
	assert.Equal(t, ir.StatusSucceeded, aggregateRun([]ir.Status{ir.StatusSucceeded}))
	assert.Equal(t, ir.StatusFailed, aggregateRun([]ir.Status{ir.StatusSucceeded, ir.StatusSkipped}))
	assert.Equal(t, ir.StatusPartial, aggregateRun([]ir.Status{ir.StatusPartial, ir.StatusSucceeded}))
	assert.Equal(t, ir.StatusCanceled, aggregateRun([]ir.Status{ir.StatusCanceled, ir.StatusSucceeded}))
}

func TestSafeName(t *testing.T) {
	assert.Equal(t, "Windows_Tests", safeName("Windows_Tests"))
	assert.Equal(t, "a_b", safeName("a/b"))
	assert.Equal(t, "_", safeName(".."))
	assert.Equal(t, "_", safeName(""))
}
