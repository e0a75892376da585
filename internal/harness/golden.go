package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/cimatrix/internal/ir"
)

// Snapshot is the deterministic part of a scenario run: statuses, merged
// variables and expanded step names in plan order. Times, seqs and IDs are
// left out; they are covered by the idempotence tests.
type Snapshot struct {
	Scenario string
	Result   *Result
}

// toCanonicalMap converts a Snapshot to a map[string]any for canonical JSON
// serialization, since ir.MarshalCanonical only handles IR types and
// primitives.
func (s *Snapshot) toCanonicalMap() map[string]any {
	jobs := make([]any, 0, len(s.Result.Jobs))
	for _, job := range s.Result.Jobs {
		runs := make([]any, 0, len(job.Runs))
		for _, run := range job.Runs {
			rec := run.Record
			steps := make([]any, 0)
			for _, st := range s.Result.Trace.StepsFor(rec.JobRunID) {
				steps = append(steps, map[string]any{
					"index":     st.Index,
					"name":      st.Name,
					"status":    string(st.Status),
					"exit_code": st.ExitCode,
				})
			}
			runMap := map[string]any{
				"entry":     rec.Entry,
				"status":    string(rec.Status),
				"variables": rec.Variables,
				"steps":     steps,
			}
			var artifacts []string
			for _, a := range s.Result.Trace.Artifacts {
				if a.JobRunID == rec.JobRunID {
					artifacts = append(artifacts, a.Name)
				}
			}
			if len(artifacts) > 0 {
				runMap["artifacts"] = artifacts
			}
			runs = append(runs, runMap)
		}
		jobs = append(jobs, map[string]any{
			"name":   job.Name,
			"status": string(job.Status),
			"runs":   runs,
		})
	}

	run := map[string]any{"status": string(s.Result.Trace.Run.Status)}
	if s.Result.Trace.Run.Branch != "" {
		run["branch"] = s.Result.Trace.Run.Branch
	}
	return map[string]any{
		"scenario": s.Scenario,
		"run":      run,
		"jobs":     jobs,
	}
}

// RunWithGolden executes a scenario and compares its snapshot against a
// golden file stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the snapshot doesn't match.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares a result that was already produced against the
// golden file named scenarioName.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := SnapshotJSON(scenarioName, result)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}

// SnapshotJSON returns the canonical JSON golden files hold for a result.
func SnapshotJSON(scenarioName string, result *Result) ([]byte, error) {
	snapshot := Snapshot{Scenario: scenarioName, Result: result}
	return ir.MarshalCanonical(snapshot.toCanonicalMap())
}
