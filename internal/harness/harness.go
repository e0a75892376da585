package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/roach88/cimatrix/internal/artifact"
	"github.com/roach88/cimatrix/internal/compiler"
	"github.com/roach88/cimatrix/internal/engine"
	"github.com/roach88/cimatrix/internal/ir"
	"github.com/roach88/cimatrix/internal/store"
	"github.com/roach88/cimatrix/internal/testutil"
)

// baseEnv is the process environment every scenario step sees, so step
// contexts do not depend on the machine running the tests.
var baseEnv = []string{"PATH=/usr/bin:/bin", "HOME=/home/ci"}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against a fresh in-memory run log with a fixed run ID
// and a ticking clock, so repeated runs record identical traces.
//
// Execution flow:
// 1. Load the pipeline through every static check (lint errors abort)
// 2. Expand the plan and apply the job/entry selection
// 3. Run it with a ScriptedExecutor built from the outcomes
// 4. Read the trace back from the run log and evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	plan, err := planScenario(scenario)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	workRoot, err := os.MkdirTemp("", "cimatrix-harness-")
	if err != nil {
		return nil, fmt.Errorf("failed to create work root: %w", err)
	}
	defer os.RemoveAll(workRoot)

	eng := engine.New(scriptOutcomes(scenario.Outcomes),
		engine.WithRecorder(st),
		engine.WithRunIDGenerator(testutil.NewFixedRunID(scenario.RunID)),
		engine.WithNow(testutil.NewTickingTime().Now),
		engine.WithWorkRoot(workRoot),
		engine.WithBaseEnv(baseEnv),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)

	ctx := context.Background()
	res, err := eng.Run(ctx, plan, engine.RunOptions{Branch: scenario.Branch})
	if err != nil {
		return nil, fmt.Errorf("failed to run pipeline: %w", err)
	}

	trace, err := st.ReadTrace(ctx, res.Run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read trace: %w", err)
	}

	result := NewResult()
	result.Trace = trace
	result.Jobs = res.Jobs
	for _, errMsg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(errMsg)
	}
	return result, nil
}

// planScenario loads, checks and expands the scenario's pipeline.
func planScenario(scenario *Scenario) (*ir.Plan, error) {
	loaded, err := compiler.LoadFile(scenario.Pipeline, scenario.Policy)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline: %w", err)
	}
	if !loaded.OK() {
		var msgs []string
		for _, f := range loaded.Findings {
			if !f.IsWarning() {
				msgs = append(msgs, f.Error())
			}
		}
		return nil, fmt.Errorf("pipeline %s is invalid:\n  %s", scenario.Pipeline, strings.Join(msgs, "\n  "))
	}

	plan, err := engine.Expand(loaded.Pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to expand plan: %w", err)
	}
	if len(scenario.Jobs) > 0 || len(scenario.Entries) > 0 {
		plan, err = engine.Select(plan, scenario.Jobs, scenario.Entries)
		if err != nil {
			return nil, fmt.Errorf("failed to select jobs: %w", err)
		}
	}
	return plan, nil
}

// scriptOutcomes builds the executor that replays the scenario's outcomes.
func scriptOutcomes(outcomes []Outcome) *engine.ScriptedExecutor {
	exec := engine.NewScriptedExecutor()
	for _, o := range outcomes {
		entry := o.Entry
		if entry == "" {
			entry = "*"
		}
		r := engine.ScriptedResult{ExitCode: o.ExitCode, Output: o.Output}
		if a := o.Artifact; a != nil {
			r.Outcome.Artifacts = []artifact.Result{{
				Name:       a.Name,
				SourcePath: a.Path,
				Path:       a.Path,
				Files:      a.Files,
			}}
		}
		exec.On(o.Job, entry, o.Step, r)
	}
	return exec
}
