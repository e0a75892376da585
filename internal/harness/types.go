package harness

import (
	"github.com/roach88/cimatrix/internal/engine"
	"github.com/roach88/cimatrix/internal/store"
)

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every assertion holds.
	Pass bool `json:"pass"`

	// Trace is the run as read back from the run log.
	Trace store.RunTrace `json:"trace"`

	// Jobs holds the aggregated job results in plan order.
	Jobs []engine.JobResult `json:"jobs"`

	// Errors contains assertion failure messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
