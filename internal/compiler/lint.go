package compiler

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/roach88/cimatrix/internal/ir"
)

// Policy holds the project-level expectations checked by Lint.
// A zero Policy only runs the checks that need no configuration
// (TOXENV consistency and constraints asymmetry).
type Policy struct {
	// Branches is the exact set of branches the trigger must include.
	Branches []string `yaml:"branches" json:"branches,omitempty"`

	// Artifacts lists the artifacts each named job must publish. A job that
	// appears here must publish exactly these artifacts, nothing more.
	Artifacts []ArtifactRule `yaml:"artifacts" json:"artifacts,omitempty"`

	// RequireConstraints reports every unpinned pip install, even when no
	// job in the pipeline pins with a constraints file.
	RequireConstraints bool `yaml:"require_constraints" json:"require_constraints,omitempty"`
}

// ArtifactRule is one expected publication.
type ArtifactRule struct {
	Job  string `yaml:"job" json:"job"`
	Name string `yaml:"name" json:"name"`
	Path string `yaml:"path" json:"path"`
}

// Lint checks a validated pipeline against policy.
// Findings with Severity warning do not fail validation.
func Lint(p *ir.Pipeline, policy Policy) []ValidationError {
	var errs []ValidationError
	errs = append(errs, lintToxEnv(p)...)
	errs = append(errs, lintTrigger(p, policy)...)
	errs = append(errs, lintArtifacts(p, policy)...)
	errs = append(errs, lintConstraints(p, policy)...)
	return errs
}

// lintToxEnv checks E201: TOXENV == "py" + digits(python.version) whenever an
// entry binds both.
func lintToxEnv(p *ir.Pipeline) []ValidationError {
	var errs []ValidationError
	for _, job := range p.Jobs {
		base := p.Variables.Merge(job.Variables)
		if len(job.Strategy.Matrix) == 0 {
			if e, ok := checkToxEnv(base, job.Name, "", job.Line); !ok {
				errs = append(errs, e)
			}
			continue
		}
		for _, entry := range job.Strategy.Matrix {
			if e, ok := checkToxEnv(base.Merge(entry.Variables), job.Name, entry.Name, entry.Line); !ok {
				errs = append(errs, e)
			}
		}
	}
	return errs
}

func checkToxEnv(vars ir.Vars, job, entry string, line int) (ValidationError, bool) {
	version, hasVersion := vars.Get("python.version")
	toxenv, hasTox := vars.Get("TOXENV")
	if !hasVersion || !hasTox {
		return ValidationError{}, true
	}
	want := ExpectedToxEnv(version)
	if toxenv == want {
		return ValidationError{}, true
	}

	field := "jobs." + job + ".variables.TOXENV"
	if entry != "" {
		field = "jobs." + job + ".strategy.matrix." + entry + ".TOXENV"
	}
	return ValidationError{
		Field:   field,
		Message: fmt.Sprintf("TOXENV is %q but python.version %q implies %q", toxenv, version, want),
		Code:    ErrToxEnvMismatch,
		Line:    line,
	}, false
}

// ExpectedToxEnv returns "py" followed by the digits of a Python version,
// e.g. "3.7" => "py37".
func ExpectedToxEnv(version string) string {
	var b strings.Builder
	b.WriteString("py")
	for _, r := range version {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// lintTrigger checks E202: the include list equals the configured branch set.
func lintTrigger(p *ir.Pipeline, policy Policy) []ValidationError {
	if len(policy.Branches) == 0 {
		return nil
	}
	want := strings.Join(sortedSet(policy.Branches), ", ")

	if !p.Trigger.Declared || p.Trigger.None {
		form := "omitted (every branch triggers)"
		if p.Trigger.None {
			form = "none"
		}
		return []ValidationError{{
			Field:   "trigger",
			Message: fmt.Sprintf("trigger is %s, expected branches {%s}", form, want),
			Code:    ErrTriggerPolicy,
		}}
	}

	got := strings.Join(sortedSet(p.Trigger.Include), ", ")
	if got != want {
		return []ValidationError{{
			Field:   "trigger",
			Message: fmt.Sprintf("trigger branches are {%s}, expected {%s}", got, want),
			Code:    ErrTriggerPolicy,
		}}
	}
	return nil
}

// lintArtifacts checks E203: each configured job publishes exactly the
// configured artifacts from the configured paths.
func lintArtifacts(p *ir.Pipeline, policy Policy) []ValidationError {
	if len(policy.Artifacts) == 0 {
		return nil
	}

	var jobOrder []string
	rules := make(map[string][]ArtifactRule)
	for _, r := range policy.Artifacts {
		key := strings.ToLower(r.Job)
		if _, ok := rules[key]; !ok {
			jobOrder = append(jobOrder, r.Job)
		}
		rules[key] = append(rules[key], r)
	}

	var errs []ValidationError
	for _, jobName := range jobOrder {
		job, ok := p.Job(jobName)
		if !ok {
			errs = append(errs, ValidationError{
				Field:   "jobs",
				Message: fmt.Sprintf("policy expects job %q to publish artifacts, but it is not declared", jobName),
				Code:    ErrArtifactPolicy,
			})
			continue
		}

		published := make(map[string]string)
		counts := make(map[string]int)
		firstLine := make(map[string]int)
		for _, step := range job.Steps {
			if !IsPublishTask(step) {
				continue
			}
			name, src := PublishInputs(step)
			expected := false
			for _, r := range rules[strings.ToLower(jobName)] {
				if r.Name == name {
					expected = true
					break
				}
			}
			if !expected {
				errs = append(errs, ValidationError{
					Field:   "jobs." + job.Name + ".steps",
					Message: fmt.Sprintf("job %q publishes unexpected artifact %q", job.Name, name),
					Code:    ErrArtifactPolicy,
					Line:    step.Line,
				})
			}
			if counts[name] == 0 {
				published[name] = src
				firstLine[name] = step.Line
			}
			counts[name]++
		}

		for _, r := range rules[strings.ToLower(jobName)] {
			if n := counts[r.Name]; n > 1 {
				errs = append(errs, ValidationError{
					Field:   "jobs." + job.Name + ".steps",
					Message: fmt.Sprintf("job %q publishes artifact %q %d times", job.Name, r.Name, n),
					Code:    ErrArtifactPolicy,
					Line:    firstLine[r.Name],
				})
			}
		}

		for _, r := range rules[strings.ToLower(jobName)] {
			src, ok := published[r.Name]
			switch {
			case !ok:
				errs = append(errs, ValidationError{
					Field:   "jobs." + job.Name + ".steps",
					Message: fmt.Sprintf("job %q does not publish artifact %q", job.Name, r.Name),
					Code:    ErrArtifactPolicy,
					Line:    job.Line,
				})
			case r.Path != "" && cleanPath(src) != cleanPath(r.Path):
				errs = append(errs, ValidationError{
					Field:   "jobs." + job.Name + ".steps",
					Message: fmt.Sprintf("artifact %q is published from %q, expected %q", r.Name, src, r.Path),
					Code:    ErrArtifactPolicy,
					Line:    job.Line,
				})
			}
		}
	}
	return errs
}

var (
	pipInstallPattern = regexp.MustCompile(`\bpip3?\s+install\b`)
	constraintPattern = regexp.MustCompile(`(^|\s)(-c|--constraint)(\s+|=)\S+`)
)

// lintConstraints reports W204: pip installs that do not pass a constraints
// file, when another job does pin (or when the policy requires pinning).
// The findings are warnings only.
func lintConstraints(p *ir.Pipeline, policy Policy) []ValidationError {
	type unpinned struct {
		job  string
		line int
		cmd  string
	}

	var loose []unpinned
	pinnedJobs := make(map[string]bool)
	for _, job := range p.Jobs {
		for _, step := range job.Steps {
			if !step.Kind.IsShell() {
				continue
			}
			for _, cmd := range strings.Split(step.Value, "\n") {
				cmd = strings.TrimSpace(cmd)
				if !pipInstallPattern.MatchString(cmd) {
					continue
				}
				if constraintPattern.MatchString(cmd) {
					pinnedJobs[job.Name] = true
					continue
				}
				loose = append(loose, unpinned{job: job.Name, line: step.Line, cmd: cmd})
			}
		}
	}

	if len(pinnedJobs) == 0 && !policy.RequireConstraints {
		return nil
	}

	pinned := make([]string, 0, len(pinnedJobs))
	for name := range pinnedJobs {
		pinned = append(pinned, name)
	}
	sort.Strings(pinned)

	var errs []ValidationError
	for _, u := range loose {
		msg := fmt.Sprintf("%q installs without a constraints file", u.cmd)
		if len(pinned) > 0 {
			msg += fmt.Sprintf(" (pinned in: %s)", strings.Join(pinned, ", "))
		}
		errs = append(errs, ValidationError{
			Field:    "jobs." + u.job + ".steps",
			Message:  msg,
			Code:     WarnConstraintsDrift,
			Line:     u.line,
			Severity: SeverityWarning,
		})
	}
	return errs
}

func sortedSet(items []string) []string {
	seen := make(map[string]bool, len(items))
	out := make([]string, 0, len(items))
	for _, s := range items {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

func cleanPath(p string) string {
	return path.Clean(strings.ReplaceAll(strings.TrimSpace(p), `\`, "/"))
}
