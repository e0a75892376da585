package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/cimatrix/internal/compiler"
	"github.com/roach88/cimatrix/internal/ir"
)

// Scenario runs one pipeline with scripted step results and checks the
// recorded outcome.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Pipeline is the pipeline definition to run.
	// Relative paths resolve against the scenario file location.
	Pipeline string `yaml:"pipeline"`

	// Branch is the branch being built. Empty runs regardless of trigger.
	Branch string `yaml:"branch,omitempty"`

	// Jobs and Entries narrow the plan as `cimatrix run --job/--entry` do.
	Jobs    []string `yaml:"jobs,omitempty"`
	Entries []string `yaml:"entries,omitempty"`

	// Policy is applied by lint before the run; lint errors fail the scenario.
	Policy compiler.Policy `yaml:"policy,omitempty"`

	// Outcomes script step results. Unscripted steps succeed silently.
	Outcomes []Outcome `yaml:"outcomes,omitempty"`

	// Assertions validate the recorded run.
	Assertions []Assertion `yaml:"assertions"`

	// RunID is an optional fixed run ID. Defaults to "test-run-default".
	RunID string `yaml:"run_id,omitempty"`
}

// Outcome is the scripted result of one step.
type Outcome struct {
	Job string `yaml:"job"`

	// Entry is the matrix entry; "*" or empty matches every entry.
	Entry string `yaml:"entry,omitempty"`

	// Step is the step index within the job.
	Step int `yaml:"step"`

	ExitCode int `yaml:"exit_code,omitempty"`

	// Output is written to the step log. Logging commands
	// (##vso[task.setvariable ...]) take effect.
	Output string `yaml:"output,omitempty"`

	// Artifact, when set, is reported as published by the step.
	Artifact *ArtifactOutcome `yaml:"artifact,omitempty"`
}

// ArtifactOutcome is a published artifact reported by a scripted step.
type ArtifactOutcome struct {
	Name  string `yaml:"name"`
	Path  string `yaml:"path"`
	Files int    `yaml:"files,omitempty"`
}

// Assertion validates the recorded run.
type Assertion struct {
	// Type specifies the assertion type:
	// - "run_status": the run finished with Status
	// - "job_status": job Job aggregated to Status
	// - "job_run_status": entry Job/Entry finished with Status
	// - "step_status": step Step of Job/Entry finished with Status
	// - "log_contains": the log of step Step of Job/Entry contains Text
	// - "job_run_count": Count entries of Job finished with Status
	// - "job_order": every entry of each job in Jobs finished before the next job started
	// - "artifact": Job/Entry published artifact Name
	Type string `yaml:"type"`

	Job    string    `yaml:"job,omitempty"`
	Entry  string    `yaml:"entry,omitempty"`
	Step   int       `yaml:"step,omitempty"`
	Status ir.Status `yaml:"status,omitempty"`
	Text   string    `yaml:"text,omitempty"`
	Count  int       `yaml:"count,omitempty"`
	Jobs   []string  `yaml:"jobs,omitempty"`
	Name   string    `yaml:"name,omitempty"`
}

// Assertion type constants.
const (
	AssertRunStatus    = "run_status"
	AssertJobStatus    = "job_status"
	AssertJobRunStatus = "job_run_status"
	AssertStepStatus   = "step_status"
	AssertLogContains  = "log_contains"
	AssertJobRunCount  = "job_run_count"
	AssertJobOrder     = "job_order"
	AssertArtifact     = "artifact"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Pipeline != "" && !filepath.IsAbs(scenario.Pipeline) {
		scenario.Pipeline = filepath.Join(filepath.Dir(path), scenario.Pipeline)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}

	return &scenario, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}

	if s.Description == "" {
		return fmt.Errorf("description is required")
	}

	if s.Pipeline == "" {
		return fmt.Errorf("pipeline is required")
	}
	if _, err := os.Stat(s.Pipeline); os.IsNotExist(err) {
		return fmt.Errorf("pipeline file not found: %s", s.Pipeline)
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, o := range s.Outcomes {
		if o.Job == "" {
			return fmt.Errorf("outcomes[%d]: job is required", i)
		}
		if o.Step < -1 {
			return fmt.Errorf("outcomes[%d]: step must be >= -1", i)
		}
		if o.Artifact != nil && o.Artifact.Name == "" {
			return fmt.Errorf("outcomes[%d].artifact: name is required", i)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}

	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	needStatus := func() error {
		if a.Status == "" {
			return fmt.Errorf("assertions[%d]: status is required for %s", index, a.Type)
		}
		return nil
	}
	needJob := func() error {
		if a.Job == "" {
			return fmt.Errorf("assertions[%d]: job is required for %s", index, a.Type)
		}
		return nil
	}

	switch a.Type {
	case AssertRunStatus:
		return needStatus()
	case AssertJobStatus, AssertJobRunStatus, AssertStepStatus:
		if err := needJob(); err != nil {
			return err
		}
		return needStatus()
	case AssertLogContains:
		if err := needJob(); err != nil {
			return err
		}
		if a.Text == "" {
			return fmt.Errorf("assertions[%d]: text is required for log_contains", index)
		}
	case AssertJobRunCount:
		if err := needJob(); err != nil {
			return err
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for job_run_count", index)
		}
	case AssertJobOrder:
		if len(a.Jobs) < 2 {
			return fmt.Errorf("assertions[%d]: at least two jobs are required for job_order", index)
		}
	case AssertArtifact:
		if err := needJob(); err != nil {
			return err
		}
		if a.Name == "" {
			return fmt.Errorf("assertions[%d]: name is required for artifact", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}

	return nil
}
