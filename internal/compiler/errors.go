package compiler

import "fmt"

// Error codes.
//
// E0xx: loading and schema errors
// E1xx: semantic validation errors
// E2xx: policy lint findings
const (
	ErrGeneric        = "E001" // generic/unknown error
	ErrReadFailed     = "E002" // file could not be read
	ErrYAMLSyntax     = "E003" // YAML syntax error
	ErrSchemaMismatch = "E004" // CUE schema violation
	ErrNotFound       = "E005" // path not found
	ErrUnknownStep    = "E006" // step without a recognised action keyword

	ErrTriggerEmpty        = "E101" // trigger include list is empty
	ErrNoJobs              = "E102" // at least one job required
	ErrDuplicateJob        = "E103" // duplicate job name
	ErrJobNoSteps          = "E104" // job must have steps
	ErrUnknownDependency   = "E105" // dependsOn names an unknown job
	ErrDependencyCycle     = "E106" // dependsOn cycle
	ErrInvalidTaskRef      = "E107" // task reference not "Name@Major"
	ErrEmptyMatrix         = "E108" // matrix or matrix entry without bindings
	ErrInvalidPool         = "E109" // pool declared without image or name
	ErrPublishInputs       = "E110" // publish task missing artifact inputs
	ErrInvalidCondition    = "E111" // unsupported condition expression
	ErrEmptyScript         = "E112" // inline script is blank
	ErrDuplicateStepName   = "E113" // duplicate step name within a job
	ErrInvalidVariableName = "E114" // variable name has invalid characters

	ErrToxEnvMismatch    = "E201" // TOXENV does not match python.version
	ErrTriggerPolicy     = "E202" // trigger branches differ from policy
	ErrArtifactPolicy    = "E203" // published artifacts differ from policy
	WarnConstraintsDrift = "W204" // some jobs pin with a constraints file, others do not
)

// Severity levels for findings.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// ValidationError represents a validation or lint finding.
type ValidationError struct {
	Field    string `json:"field"`
	Message  string `json:"message"`
	Code     string `json:"code"`
	Line     int    `json:"line,omitempty"`
	Severity string `json:"severity,omitempty"` // empty means error
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// IsWarning reports whether the finding is advisory only.
func (e ValidationError) IsWarning() bool {
	return e.Severity == SeverityWarning
}

// HasErrors reports whether any finding is an error (not a warning).
func HasErrors(errs []ValidationError) bool {
	for _, e := range errs {
		if !e.IsWarning() {
			return true
		}
	}
	return false
}

// CompileError represents a parse or compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	File    string
	Line    int
}

func (e *CompileError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("%s:%d: %s: %s", e.File, e.Line, e.Field, e.Message)
	}
	if e.File != "" {
		return fmt.Sprintf("%s: %s: %s", e.File, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
