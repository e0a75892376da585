package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cimatrix/internal/ir"
)

func jobsWithDeps(deps map[string][]string, order ...string) *ir.Pipeline {
	p := &ir.Pipeline{}
	for _, name := range order {
		p.Jobs = append(p.Jobs, ir.Job{
			Name:      name,
			DependsOn: deps[name],
			Steps:     []ir.Step{{Kind: ir.StepBash, Value: "true"}},
		})
	}
	return p
}

// =============================================================================
// Cycle Detection Tests
// =============================================================================

func TestAnalyzeDependenciesDAG(t *testing.T) {
	p := jobsWithDeps(map[string][]string{
		"Test":   {"Build"},
		"Docs":   {"Build"},
		"Report": {"Test", "Docs"},
	}, "Build", "Test", "Docs", "Report")

	assert.Empty(t, AnalyzeDependencies(p))
}

func TestAnalyzeDependenciesSelfLoop(t *testing.T) {
	p := jobsWithDeps(map[string][]string{"A": {"A"}}, "A")

	errs := AnalyzeDependencies(p)
	require.Len(t, errs, 1)
	assert.Equal(t, ErrDependencyCycle, errs[0].Code)
	assert.Equal(t, "dependency cycle: A -> A", errs[0].Message)
}

func TestAnalyzeDependenciesTwoNodeCycle(t *testing.T) {
	p := jobsWithDeps(map[string][]string{
		"A": {"B"},
		"B": {"A"},
	}, "A", "B")

	errs := AnalyzeDependencies(p)
	require.Len(t, errs, 1)
	assert.Equal(t, "dependency cycle: A -> B -> A", errs[0].Message)
}

func TestAnalyzeDependenciesThreeNodeCycle(t *testing.T) {
	p := jobsWithDeps(map[string][]string{
		"A": {"C"},
		"B": {"A"},
		"C": {"B"},
		"D": {"A"},
	}, "A", "B", "C", "D")

	errs := AnalyzeDependencies(p)
	require.Len(t, errs, 1)
	assert.Equal(t, "dependency cycle: A -> C -> B -> A", errs[0].Message)
}

func TestAnalyzeDependenciesCaseInsensitive(t *testing.T) {
	p := jobsWithDeps(map[string][]string{
		"Build": {"test"},
		"Test":  {"BUILD"},
	}, "Build", "Test")

	errs := AnalyzeDependencies(p)
	require.Len(t, errs, 1)
	assert.Equal(t, "dependency cycle: Build -> Test -> Build", errs[0].Message)
}

func TestAnalyzeDependenciesIgnoresUnknown(t *testing.T) {
	p := jobsWithDeps(map[string][]string{"A": {"Ghost"}}, "A")
	assert.Empty(t, AnalyzeDependencies(p))
}

func TestAnalyzeDependenciesDeterministic(t *testing.T) {
	p := jobsWithDeps(map[string][]string{
		"A": {"B"},
		"B": {"A"},
		"C": {"D"},
		"D": {"C"},
	}, "A", "B", "C", "D")

	first := AnalyzeDependencies(p)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, AnalyzeDependencies(p))
	}
	require.Len(t, first, 2)
}

// =============================================================================
// Topological Order Tests
// =============================================================================

func TestTopologicalOrder(t *testing.T) {
	p := jobsWithDeps(map[string][]string{
		"Report": {"Test", "Docs"},
		"Test":   {"Build"},
		"Docs":   {"Build"},
	}, "Report", "Test", "Docs", "Build")

	order, err := TopologicalOrder(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"Build", "Test", "Docs", "Report"}, order)
}

func TestTopologicalOrderIndependentKeepsDeclarationOrder(t *testing.T) {
	p := jobsWithDeps(nil, "Docs", "Windows_Tests")

	order, err := TopologicalOrder(p)
	require.NoError(t, err)
	assert.Equal(t, []string{"Docs", "Windows_Tests"}, order)
}

func TestTopologicalOrderCycle(t *testing.T) {
	p := jobsWithDeps(map[string][]string{"A": {"B"}, "B": {"A"}}, "A", "B")

	_, err := TopologicalOrder(p)
	assert.Error(t, err)
}
