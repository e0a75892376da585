package ir

import "strings"

// Pipeline represents a compiled pipeline definition.
type Pipeline struct {
	Name      string  `json:"name"`
	Source    string  `json:"source,omitempty"` // Path the definition was loaded from
	Trigger   Trigger `json:"trigger"`
	Variables Vars    `json:"variables,omitempty"`
	Jobs      []Job   `json:"jobs"`
}

// Trigger decides which branches activate the pipeline.
type Trigger struct {
	// Declared is false when the definition omits `trigger` (every branch triggers).
	Declared bool     `json:"declared"`
	None     bool     `json:"none,omitempty"` // `trigger: none`
	Include  []string `json:"include,omitempty"`
	Exclude  []string `json:"exclude,omitempty"`
}

// Job is a named unit of execution with a pool, a matrix and ordered steps.
type Job struct {
	Name            string   `json:"name"`
	DisplayName     string   `json:"display_name,omitempty"`
	DependsOn       []string `json:"depends_on,omitempty"`
	Pool            Pool     `json:"pool"`
	Strategy        Strategy `json:"strategy"`
	TimeoutMinutes  int      `json:"timeout_minutes,omitempty"`
	ContinueOnError bool     `json:"continue_on_error,omitempty"`
	Variables       Vars     `json:"variables,omitempty"`
	Steps           []Step   `json:"steps"`
	Line            int      `json:"-"` // Source line of the job mapping
}

// Pool selects the base image a job runs on.
type Pool struct {
	VMImage  string `json:"vm_image,omitempty"`
	Name     string `json:"name,omitempty"`
	Declared bool   `json:"-"` // the definition carried a pool key
}

// Strategy holds the matrix and its parallelism limit.
type Strategy struct {
	Matrix      []MatrixEntry `json:"matrix,omitempty"`
	MaxParallel int           `json:"max_parallel,omitempty"` // 0 = unbounded
}

// MatrixEntry is one named set of variable bindings.
type MatrixEntry struct {
	Name      string `json:"name"`
	Variables Vars   `json:"variables"`
	Line      int    `json:"-"`
}

// StepKind is the action keyword of a step.
type StepKind string

const (
	StepCheckout   StepKind = "checkout"
	StepTask       StepKind = "task"
	StepBash       StepKind = "bash"
	StepScript     StepKind = "script"
	StepPowerShell StepKind = "powershell"
)

// ValidStepKinds defines allowed step keywords.
var ValidStepKinds = map[StepKind]bool{
	StepCheckout:   true,
	StepTask:       true,
	StepBash:       true,
	StepScript:     true,
	StepPowerShell: true,
}

// IsShell reports whether the step runs an inline script.
func (k StepKind) IsShell() bool {
	return k == StepBash || k == StepScript || k == StepPowerShell
}

// Step is an ordered action within a job.
type Step struct {
	Kind             StepKind          `json:"kind"`
	Value            string            `json:"value"` // Script text, task reference or checkout target
	Name             string            `json:"name,omitempty"`
	DisplayName      string            `json:"display_name,omitempty"`
	Inputs           map[string]string `json:"inputs,omitempty"`
	Env              map[string]string `json:"env,omitempty"`
	Condition        string            `json:"condition,omitempty"`
	ContinueOnError  bool              `json:"continue_on_error,omitempty"`
	TimeoutMinutes   int               `json:"timeout_minutes,omitempty"`
	WorkingDirectory string            `json:"working_directory,omitempty"`
	Line             int               `json:"-"`
}

// Label returns the human-facing step name.
func (s Step) Label() string {
	if s.DisplayName != "" {
		return s.DisplayName
	}
	if s.Name != "" {
		return s.Name
	}
	switch s.Kind {
	case StepTask:
		return s.Value
	case StepCheckout:
		return "Checkout " + s.Value
	default:
		line, _, _ := strings.Cut(strings.TrimSpace(s.Value), "\n")
		return string(s.Kind) + ": " + line
	}
}

// Input looks up a task input case-insensitively.
func (s Step) Input(name string) (string, bool) {
	if v, ok := s.Inputs[name]; ok {
		return v, true
	}
	for k, v := range s.Inputs {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// TaskName splits a task reference "Name@Major" and returns Name.
func (s Step) TaskName() string {
	name, _, _ := strings.Cut(s.Value, "@")
	return name
}

// Job lookup by name (case-insensitive, as job references are).
func (p *Pipeline) Job(name string) (*Job, bool) {
	for i := range p.Jobs {
		if strings.EqualFold(p.Jobs[i].Name, name) {
			return &p.Jobs[i], true
		}
	}
	return nil, false
}

// Label returns the job's display name, falling back to its name.
func (j Job) Label() string {
	if j.DisplayName != "" {
		return j.DisplayName
	}
	return j.Name
}
