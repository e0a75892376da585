package compiler

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/cimatrix/internal/ir"
)

// Validate validates a compiled pipeline against semantic rules.
// Returns all errors found (does not fail-fast), including dependency
// cycles found by AnalyzeDependencies.
func Validate(p *ir.Pipeline) []ValidationError {
	var errs []ValidationError

	// E101: a declared include list must name at least one branch
	if p.Trigger.Declared && !p.Trigger.None && len(p.Trigger.Include) == 0 {
		errs = append(errs, ValidationError{
			Field:   "trigger",
			Message: "trigger must list at least one branch (use `trigger: none` to disable)",
			Code:    ErrTriggerEmpty,
		})
	}

	errs = append(errs, validateVarNames(p.Variables, "variables", 0)...)

	// E102: at least one job required
	if len(p.Jobs) == 0 {
		errs = append(errs, ValidationError{
			Field:   "jobs",
			Message: "at least one job is required",
			Code:    ErrNoJobs,
		})
		return errs
	}

	jobNames := make(map[string]bool)
	for i := range p.Jobs {
		job := &p.Jobs[i]
		field := fmt.Sprintf("jobs[%d]", i)

		// E103: duplicate job name (job names are case-insensitive)
		key := strings.ToLower(job.Name)
		if jobNames[key] {
			errs = append(errs, ValidationError{
				Field:   field + ".job",
				Message: fmt.Sprintf("duplicate job name: %q", job.Name),
				Code:    ErrDuplicateJob,
				Line:    job.Line,
			})
		}
		jobNames[key] = true

		errs = append(errs, validateJob(job, field)...)
	}

	// E105: dependsOn must name declared jobs
	for i, job := range p.Jobs {
		for _, dep := range job.DependsOn {
			if !jobNames[strings.ToLower(dep)] {
				errs = append(errs, ValidationError{
					Field:   fmt.Sprintf("jobs[%d].dependsOn", i),
					Message: fmt.Sprintf("job %q depends on unknown job %q", job.Name, dep),
					Code:    ErrUnknownDependency,
					Line:    job.Line,
				})
			}
		}
	}

	// E106: dependency cycles
	errs = append(errs, AnalyzeDependencies(p)...)

	return errs
}

func validateJob(job *ir.Job, field string) []ValidationError {
	var errs []ValidationError

	// E109: a declared pool must select something; an omitted pool runs on the host
	if job.Pool.Declared && job.Pool.Name == "" && job.Pool.VMImage == "" {
		errs = append(errs, ValidationError{
			Field:   field + ".pool",
			Message: fmt.Sprintf("job %q declares a pool without vmImage or name", job.Name),
			Code:    ErrInvalidPool,
			Line:    job.Line,
		})
	}

	errs = append(errs, validateVarNames(job.Variables, field+".variables", job.Line)...)

	// E108: matrix entries must bind at least one variable
	if job.Strategy.Matrix != nil && len(job.Strategy.Matrix) == 0 {
		errs = append(errs, ValidationError{
			Field:   field + ".strategy.matrix",
			Message: fmt.Sprintf("job %q declares an empty matrix", job.Name),
			Code:    ErrEmptyMatrix,
			Line:    job.Line,
		})
	}
	for _, entry := range job.Strategy.Matrix {
		entryField := fmt.Sprintf("%s.strategy.matrix.%s", field, entry.Name)
		if len(entry.Variables) == 0 {
			errs = append(errs, ValidationError{
				Field:   entryField,
				Message: fmt.Sprintf("matrix entry %q binds no variables", entry.Name),
				Code:    ErrEmptyMatrix,
				Line:    entry.Line,
			})
		}
		errs = append(errs, validateVarNames(entry.Variables, entryField, entry.Line)...)
	}

	// E104: job must have steps
	if len(job.Steps) == 0 {
		errs = append(errs, ValidationError{
			Field:   field + ".steps",
			Message: fmt.Sprintf("job %q must have at least one step", job.Name),
			Code:    ErrJobNoSteps,
			Line:    job.Line,
		})
	}

	stepNames := make(map[string]bool)
	for i, step := range job.Steps {
		stepField := fmt.Sprintf("%s.steps[%d]", field, i)

		// E113: step names are unique within a job
		if step.Name != "" {
			if stepNames[step.Name] {
				errs = append(errs, ValidationError{
					Field:   stepField + ".name",
					Message: fmt.Sprintf("duplicate step name: %q", step.Name),
					Code:    ErrDuplicateStepName,
					Line:    step.Line,
				})
			}
			stepNames[step.Name] = true
		}

		errs = append(errs, validateStep(step, stepField)...)
	}

	return errs
}

func validateStep(step ir.Step, field string) []ValidationError {
	var errs []ValidationError

	// E006: keyword must be known (schema catches this first for YAML input)
	if !ir.ValidStepKinds[step.Kind] {
		errs = append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("unknown step keyword %q", step.Kind),
			Code:    ErrUnknownStep,
			Line:    step.Line,
		})
		return errs
	}

	// E111: condition must be one of the supported status functions
	if !IsValidCondition(step.Condition) {
		errs = append(errs, ValidationError{
			Field:   field + ".condition",
			Message: fmt.Sprintf("unsupported condition %q, must be one of %s", step.Condition, strings.Join(validConditions, ", ")),
			Code:    ErrInvalidCondition,
			Line:    step.Line,
		})
	}

	switch {
	case step.Kind.IsShell():
		// E112: inline scripts must not be blank
		if strings.TrimSpace(step.Value) == "" {
			errs = append(errs, ValidationError{
				Field:   field + "." + string(step.Kind),
				Message: "inline script is empty",
				Code:    ErrEmptyScript,
				Line:    step.Line,
			})
		}

	case step.Kind == ir.StepTask:
		// E107: task reference format
		if !taskRefPattern.MatchString(step.Value) {
			errs = append(errs, ValidationError{
				Field:   field + ".task",
				Message: fmt.Sprintf("invalid task reference %q, expected format \"Name@Major\"", step.Value),
				Code:    ErrInvalidTaskRef,
				Line:    step.Line,
			})
			return errs
		}
		// E110: publish tasks need an artifact name and a path
		if IsPublishTask(step) {
			name, path := PublishInputs(step)
			if name == "" || path == "" {
				errs = append(errs, ValidationError{
					Field:   field + ".inputs",
					Message: fmt.Sprintf("%s requires an artifact name and a path to publish", step.Value),
					Code:    ErrPublishInputs,
					Line:    step.Line,
				})
			}
		}

	case step.Kind == ir.StepCheckout:
		if strings.TrimSpace(step.Value) == "" {
			errs = append(errs, ValidationError{
				Field:   field + ".checkout",
				Message: "checkout target is empty (use \"self\" or \"none\")",
				Code:    ErrEmptyScript,
				Line:    step.Line,
			})
		}
	}

	return errs
}

// validateVarNames checks E114 for every binding.
func validateVarNames(vars ir.Vars, field string, line int) []ValidationError {
	var errs []ValidationError
	for _, v := range vars {
		if !varNamePattern.MatchString(v.Name) {
			errs = append(errs, ValidationError{
				Field:   field + "." + v.Name,
				Message: fmt.Sprintf("invalid variable name %q", v.Name),
				Code:    ErrInvalidVariableName,
				Line:    line,
			})
		}
	}
	return errs
}

// taskRefPattern matches "Name@Major", e.g. "PublishBuildArtifacts@1".
var taskRefPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]*@[0-9]+$`)

// varNamePattern matches the characters allowed in variable names.
var varNamePattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._]*$`)

var validConditions = []string{"succeeded()", "always()", "failed()", "succeededOrFailed()", "canceled()"}

// IsValidCondition reports whether a step condition is supported.
// An empty condition means succeeded().
func IsValidCondition(cond string) bool {
	if cond == "" {
		return true
	}
	normalized := strings.ReplaceAll(strings.TrimSpace(cond), " ", "")
	for _, c := range validConditions {
		if strings.EqualFold(normalized, c) {
			return true
		}
	}
	return false
}

// publishTasks maps publish task names to their (artifact name, path) input keys.
var publishTasks = map[string][2]string{
	"publishbuildartifacts":   {"artifactName", "pathtoPublish"},
	"publishpipelineartifact": {"artifactName", "targetPath"},
}

// IsPublishTask reports whether the step publishes an artifact.
func IsPublishTask(step ir.Step) bool {
	if step.Kind != ir.StepTask {
		return false
	}
	_, ok := publishTasks[strings.ToLower(step.TaskName())]
	return ok
}

// PublishInputs returns the artifact name and source path of a publish task.
// PublishPipelineArtifact also accepts the `artifact` and `path` aliases.
func PublishInputs(step ir.Step) (name, path string) {
	keys, ok := publishTasks[strings.ToLower(step.TaskName())]
	if !ok {
		return "", ""
	}
	name, _ = step.Input(keys[0])
	path, _ = step.Input(keys[1])
	if name == "" {
		name, _ = step.Input("artifact")
	}
	if path == "" {
		path, _ = step.Input("path")
	}
	return name, path
}
