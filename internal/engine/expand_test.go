package engine

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cimatrix/internal/compiler"
	"github.com/roach88/cimatrix/internal/ir"
)

func bash(script string) ir.Step {
	return ir.Step{Kind: ir.StepBash, Value: script}
}

// matrixPipeline: Build (3 entries) <- Test <- Report, plus independent Lint.
func matrixPipeline() *ir.Pipeline {
	return &ir.Pipeline{
		Name:      "ci",
		Trigger:   ir.Trigger{Declared: true, Include: []string{"master", "stable"}},
		Variables: ir.Vars{{Name: "level", Value: "pipeline"}, {Name: "shared", Value: "pipeline"}},
		Jobs: []ir.Job{
			{
				Name:      "Report",
				DependsOn: []string{"Test"},
				Steps:     []ir.Step{bash("echo report")},
			},
			{
				Name:      "Test",
				DependsOn: []string{"Build"},
				Steps:     []ir.Step{bash("echo test")},
			},
			{
				Name:      "Build",
				Pool:      ir.Pool{VMImage: "ubuntu-16.04"},
				Variables: ir.Vars{{Name: "level", Value: "job"}},
				Strategy: ir.Strategy{Matrix: []ir.MatrixEntry{
					{Name: "Py35", Variables: ir.Vars{{Name: "python.version", Value: "3.5"}, {Name: "TOXENV", Value: "py35"}}},
					{Name: "Py36", Variables: ir.Vars{{Name: "python.version", Value: "3.6"}, {Name: "TOXENV", Value: "py36"}}},
					{Name: "Py37", Variables: ir.Vars{{Name: "python.version", Value: "3.7"}, {Name: "TOXENV", Value: "py37"}, {Name: "level", Value: "entry"}}},
				}},
				Steps: []ir.Step{
					{Kind: ir.StepCheckout, Value: "self"},
					bash("pip install tox"),
					bash("tox -e $(TOXENV)"),
					bash("echo done"),
				},
			},
			{
				Name:  "Lint",
				Steps: []ir.Step{bash("flake8")},
			},
		},
	}
}

func mustExpand(t *testing.T, p *ir.Pipeline) *ir.Plan {
	t.Helper()
	plan, err := Expand(p)
	require.NoError(t, err)
	return plan
}

func jobNames(plan *ir.Plan) []string {
	var out []string
	for _, j := range plan.Jobs {
		out = append(out, j.Name)
	}
	return out
}

// =============================================================================
// Expand Tests
// =============================================================================

func TestExpandDependencyOrder(t *testing.T) {
	plan := mustExpand(t, matrixPipeline())

	assert.Equal(t, []string{"Build", "Test", "Report", "Lint"}, jobNames(plan))
	assert.Equal(t, ir.IRVersion, plan.IRVersion)
	assert.Equal(t, "ci", plan.Pipeline)
	assert.Equal(t, 6, plan.RunCount())
}

func TestExpandMatrixEntries(t *testing.T) {
	plan := mustExpand(t, matrixPipeline())
	build := plan.Jobs[0]

	require.Len(t, build.Runs, 3)
	for i, name := range []string{"Py35", "Py36", "Py37"} {
		run := build.Runs[i]
		assert.Equal(t, name, run.Entry)
		assert.Equal(t, "Build", run.Job)
		assert.Equal(t, "ubuntu-16.04", run.VMImage)
		assert.Len(t, run.Steps, 4)
		assert.Len(t, run.ID, 64)
	}
}

func TestExpandVariablePrecedence(t *testing.T) {
	plan := mustExpand(t, matrixPipeline())
	build := plan.Jobs[0]

	level, _ := build.Runs[0].Variables.Get("level")
	assert.Equal(t, "job", level, "job variables override pipeline variables")

	level, _ = build.Runs[2].Variables.Get("level")
	assert.Equal(t, "entry", level, "matrix bindings override job variables")

	shared, _ := build.Runs[1].Variables.Get("shared")
	assert.Equal(t, "pipeline", shared)

	version, _ := build.Runs[1].Variables.Get("python.version")
	assert.Equal(t, "3.6", version)
}

func TestExpandJobWithoutMatrix(t *testing.T) {
	plan := mustExpand(t, matrixPipeline())
	test := plan.Jobs[1]

	require.Len(t, test.Runs, 1)
	assert.Equal(t, "Test", test.Runs[0].Entry)
	assert.Equal(t, "Test", test.Runs[0].Key())
	assert.Equal(t, []string{"Build"}, test.DependsOn)
}

func TestExpandIdempotent(t *testing.T) {
	first := mustExpand(t, matrixPipeline())
	second := mustExpand(t, matrixPipeline())

	assert.Equal(t, first, second, "planning the same pipeline twice yields the same plan")
}

func TestExpandIDsDistinguishEntries(t *testing.T) {
	plan := mustExpand(t, matrixPipeline())

	seen := make(map[string]string)
	for _, j := range plan.Jobs {
		for _, r := range j.Runs {
			prev, dup := seen[r.ID]
			assert.False(t, dup, "%s and %s share an ID", prev, r.Key())
			seen[r.ID] = r.Key()
		}
	}
}

func TestExpandIDChangesWithSource(t *testing.T) {
	p := matrixPipeline()
	before := mustExpand(t, p)

	p.Jobs[2].Steps[2] = bash("tox -e $(TOXENV) -- -x")
	after := mustExpand(t, p)

	assert.NotEqual(t, before.PipelineHash, after.PipelineHash)
	assert.NotEqual(t, before.Jobs[0].Runs[0].ID, after.Jobs[0].Runs[0].ID)
}

func TestExpandCycleFails(t *testing.T) {
	p := matrixPipeline()
	p.Jobs[2].DependsOn = []string{"Report"}

	_, err := Expand(p)
	assert.Error(t, err)
}

func TestExpandCanonicalPipeline(t *testing.T) {
	doc, err := compiler.ParseFile(filepath.Join("..", "..", "examples", "azure-pipelines.yml"))
	require.NoError(t, err)
	p, err := compiler.Compile(doc)
	require.NoError(t, err)

	plan := mustExpand(t, p)
	assert.Equal(t, []string{"Docs", "Windows_Tests"}, jobNames(plan))
	assert.Equal(t, 4, plan.RunCount())

	for _, run := range plan.Jobs[1].Runs {
		version, _ := run.Variables.Get("python.version")
		tox, _ := run.Variables.Get("TOXENV")
		assert.Equal(t, compiler.ExpectedToxEnv(version), tox)
	}
}

// =============================================================================
// Select Tests
// =============================================================================

func TestSelectAll(t *testing.T) {
	plan := mustExpand(t, matrixPipeline())
	got, err := Select(plan, nil, nil)
	require.NoError(t, err)
	assert.Same(t, plan, got)
}

func TestSelectJobDropsUnselectedDependencies(t *testing.T) {
	plan := mustExpand(t, matrixPipeline())

	got, err := Select(plan, []string{"test", "Report"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Test", "Report"}, jobNames(got))
	assert.Empty(t, got.Jobs[0].DependsOn, "Build was not selected")
	assert.Equal(t, []string{"Test"}, got.Jobs[1].DependsOn)

	// The original plan is untouched.
	assert.Equal(t, []string{"Build"}, plan.Jobs[1].DependsOn)
}

func TestSelectEntry(t *testing.T) {
	plan := mustExpand(t, matrixPipeline())

	got, err := Select(plan, []string{"Build"}, []string{"py36"})
	require.NoError(t, err)
	require.Len(t, got.Jobs, 1)
	require.Len(t, got.Jobs[0].Runs, 1)
	assert.Equal(t, "Py36", got.Jobs[0].Runs[0].Entry)
	assert.Equal(t, plan.Jobs[0].Runs[1].ID, got.Jobs[0].Runs[0].ID, "selection keeps IDs")
}

func TestSelectNothing(t *testing.T) {
	plan := mustExpand(t, matrixPipeline())
	_, err := Select(plan, []string{"Ghost"}, nil)
	assert.Error(t, err)
}

// =============================================================================
// Trigger Tests
// =============================================================================

func TestShouldTrigger(t *testing.T) {
	include := ir.Trigger{Declared: true, Include: []string{"master", "stable"}}
	wildcard := ir.Trigger{Declared: true, Include: []string{"releases/*", "master"}, Exclude: []string{"releases/old*"}}
	excludeOnly := ir.Trigger{Declared: true, Include: []string{"*"}, Exclude: []string{"experimental"}}

	tests := []struct {
		name    string
		trigger ir.Trigger
		branch  string
		want    bool
	}{
		{"listed branch", include, "master", true},
		{"second listed branch", include, "stable", true},
		{"full ref", include, "refs/heads/stable", true},
		{"unlisted branch", include, "feature/x", false},
		{"prefix of listed branch", include, "mast", false},
		{"omitted trigger runs everywhere", ir.Trigger{}, "anything", true},
		{"none never runs", ir.Trigger{Declared: true, None: true}, "master", false},
		{"wildcard include", wildcard, "releases/1.0", true},
		{"wildcard exclude", wildcard, "releases/old-1", false},
		{"empty include", ir.Trigger{Declared: true}, "master", false},
		{"exclude only runs elsewhere", excludeOnly, "feature/x", true},
		{"exclude only skips excluded", excludeOnly, "experimental", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldTrigger(tt.trigger, tt.branch))
		})
	}
}
