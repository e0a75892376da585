package harness

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cimatrix/internal/compiler"
	"github.com/roach88/cimatrix/internal/ir"
)

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func canonicalPipeline() string {
	return filepath.Join("testdata", "pipelines", "azure-pipelines.yml")
}

func TestRun_ShippedScenariosPass(t *testing.T) {
	for _, name := range []string{
		"canonical_success",
		"windows_py36_install_fails",
		"build_then_test",
		"build_fails_skips_test",
		"branch_not_triggered",
	} {
		t.Run(name, func(t *testing.T) {
			result, err := Run(loadTestScenario(t, name))
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
		})
	}
}

func TestRun_FailingAssertionsReported(t *testing.T) {
	s := &Scenario{
		Name:     "wrong_expectations",
		Pipeline: canonicalPipeline(),
		Branch:   "master",
		Assertions: []Assertion{
			{Type: AssertRunStatus, Status: ir.StatusFailed},
			{Type: AssertJobRunStatus, Job: "Windows_Tests", Entry: "Python35", Status: ir.StatusSucceeded},
		},
	}

	result, err := Run(s)
	require.NoError(t, err)

	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "run_status")
	assert.Contains(t, result.Errors[0], "Expected: run failed")
	assert.Contains(t, result.Errors[0], "Actual: run succeeded")
}

func TestRun_RecordsTrace(t *testing.T) {
	result, err := Run(loadTestScenario(t, "windows_py36_install_fails"))
	require.NoError(t, err)

	trace := result.Trace
	assert.Equal(t, "test-run-default", trace.Run.ID)
	assert.Equal(t, ir.StatusFailed, trace.Run.Status)
	assert.Len(t, trace.JobRuns, 4)
	assert.Len(t, trace.Steps, 6+3*5)

	jr, ok := findJobRun(trace, "Windows_Tests", "Python36")
	require.True(t, ok)
	assert.Contains(t, jr.Error, "STEP_FAILED")

	require.Len(t, result.Jobs, 2)
	assert.Equal(t, "Docs", result.Jobs[0].Name)
}

func TestRun_Selection(t *testing.T) {
	s := &Scenario{
		Name:       "only_py37",
		Pipeline:   canonicalPipeline(),
		Jobs:       []string{"Windows_Tests"},
		Entries:    []string{"Python37"},
		RunID:      "run-selected",
		Assertions: []Assertion{{Type: AssertJobRunCount, Job: "Windows_Tests", Count: 1}},
	}

	result, err := Run(s)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	assert.Equal(t, "run-selected", result.Trace.Run.ID)
	require.Len(t, result.Trace.JobRuns, 1)
	assert.Equal(t, "Python37", result.Trace.JobRuns[0].Entry)
}

func TestRun_SelectionMatchesNothing(t *testing.T) {
	s := &Scenario{
		Name:       "nothing",
		Pipeline:   canonicalPipeline(),
		Entries:    []string{"Python27"},
		Assertions: []Assertion{{Type: AssertRunStatus, Status: ir.StatusSucceeded}},
	}

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to select jobs")
}

func TestRun_PolicyViolationAborts(t *testing.T) {
	s := &Scenario{
		Name:       "policy",
		Pipeline:   canonicalPipeline(),
		Policy:     compiler.Policy{Branches: []string{"master"}},
		Assertions: []Assertion{{Type: AssertRunStatus, Status: ir.StatusSucceeded}},
	}

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is invalid")
	assert.Contains(t, err.Error(), "E202")
}

func TestRun_MissingPipeline(t *testing.T) {
	s := &Scenario{
		Name:     "missing",
		Pipeline: filepath.Join(t.TempDir(), "nope.yml"),
	}

	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load pipeline")
}

func TestRun_Deterministic(t *testing.T) {
	s := loadTestScenario(t, "build_then_test")

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	assert.Equal(t, first.Trace.Run.ID, second.Trace.Run.ID)
	assert.Equal(t, first.Trace.Run.PipelineHash, second.Trace.Run.PipelineHash)
	assert.Equal(t, len(first.Trace.Steps), len(second.Trace.Steps))
	assert.Equal(t, jobRunIDs(first), jobRunIDs(second))
}

// jobRunIDs maps Job/Entry to the job run ID; entries finish in any order.
func jobRunIDs(r *Result) map[string]string {
	ids := make(map[string]string, len(r.Trace.JobRuns))
	for _, jr := range r.Trace.JobRuns {
		ids[jr.Job+"/"+jr.Entry] = jr.JobRunID
	}
	return ids
}
