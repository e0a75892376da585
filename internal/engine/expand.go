package engine

import (
	"fmt"
	"strings"

	"github.com/roach88/cimatrix/internal/compiler"
	"github.com/roach88/cimatrix/internal/ir"
)

// Expand turns a validated pipeline into an execution plan.
//
// Jobs are ordered so that every job follows the jobs it depends on, ties
// broken by declaration order. Within a job, runs follow matrix declaration
// order; a job without a matrix yields a single run named after the job.
//
// Variable precedence, lowest first: pipeline variables, job variables,
// matrix entry bindings.
//
// Expansion is pure: the same pipeline always yields the same plan,
// including job run IDs.
func Expand(p *ir.Pipeline) (*ir.Plan, error) {
	pipelineHash, err := ir.PipelineHash(p)
	if err != nil {
		return nil, fmt.Errorf("expand: %w", err)
	}

	order, err := compiler.TopologicalOrder(p)
	if err != nil {
		return nil, fmt.Errorf("expand: %w", err)
	}

	plan := &ir.Plan{
		Pipeline:     p.Name,
		PipelineHash: pipelineHash,
		Trigger:      p.Trigger,
		Jobs:         make([]ir.PlannedJob, 0, len(order)),
		IRVersion:    ir.IRVersion,
	}

	for _, name := range order {
		job, _ := p.Job(name)
		planned, err := expandJob(pipelineHash, p.Variables, job)
		if err != nil {
			return nil, fmt.Errorf("expand job %q: %w", job.Name, err)
		}
		plan.Jobs = append(plan.Jobs, planned)
	}

	return plan, nil
}

func expandJob(pipelineHash string, pipelineVars ir.Vars, job *ir.Job) (ir.PlannedJob, error) {
	planned := ir.PlannedJob{
		Name:            job.Name,
		DisplayName:     job.DisplayName,
		DependsOn:       resolveDependsOn(job),
		MaxParallel:     job.Strategy.MaxParallel,
		TimeoutMinutes:  job.TimeoutMinutes,
		ContinueOnError: job.ContinueOnError,
	}

	base := pipelineVars.Merge(job.Variables)

	entries := job.Strategy.Matrix
	if len(entries) == 0 {
		entries = []ir.MatrixEntry{{Name: job.Name}}
	}

	for _, entry := range entries {
		vars := base.Merge(entry.Variables)
		if vars == nil {
			vars = ir.Vars{}
		}
		id, err := ir.JobRunID(pipelineHash, job.Name, entry.Name, vars, job.Steps)
		if err != nil {
			return planned, err
		}
		planned.Runs = append(planned.Runs, ir.JobRun{
			ID:        id,
			Job:       job.Name,
			Entry:     entry.Name,
			VMImage:   job.Pool.VMImage,
			Variables: vars,
			Steps:     job.Steps,
		})
	}
	return planned, nil
}

// resolveDependsOn copies dependsOn with duplicates removed.
func resolveDependsOn(job *ir.Job) []string {
	if len(job.DependsOn) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(job.DependsOn))
	out := make([]string, 0, len(job.DependsOn))
	for _, d := range job.DependsOn {
		key := strings.ToLower(d)
		if !seen[key] {
			seen[key] = true
			out = append(out, d)
		}
	}
	return out
}

// Select narrows a plan to the named jobs and matrix entries.
//
// Empty jobs or entries select everything along that axis. Names match
// case-insensitively; an entry filter applies to every selected job.
// Dependencies on jobs that were filtered out are dropped, so a selected
// job does not wait on work that will never run. Selecting nothing is an
// error.
func Select(plan *ir.Plan, jobs, entries []string) (*ir.Plan, error) {
	if len(jobs) == 0 && len(entries) == 0 {
		return plan, nil
	}

	out := *plan
	out.Jobs = nil

	kept := make(map[string]bool)
	for _, j := range plan.Jobs {
		if len(jobs) > 0 && !containsFold(jobs, j.Name) {
			continue
		}
		pj := j
		pj.Runs = nil
		for _, r := range j.Runs {
			if len(entries) == 0 || containsFold(entries, r.Entry) {
				pj.Runs = append(pj.Runs, r)
			}
		}
		if len(pj.Runs) == 0 {
			continue
		}
		kept[strings.ToLower(pj.Name)] = true
		out.Jobs = append(out.Jobs, pj)
	}

	if len(out.Jobs) == 0 {
		return nil, fmt.Errorf("no job runs match jobs=%v entries=%v", jobs, entries)
	}

	for i := range out.Jobs {
		var deps []string
		for _, d := range out.Jobs[i].DependsOn {
			if kept[strings.ToLower(d)] {
				deps = append(deps, d)
			}
		}
		out.Jobs[i].DependsOn = deps
	}
	return &out, nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
