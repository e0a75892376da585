package ir

import "time"

// Status is the lifecycle state of a run, job run or step.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	// StatusPartial marks success where a continueOnError step failed.
	StatusPartial  Status = "succeeded_with_issues"
	StatusFailed   Status = "failed"
	StatusSkipped  Status = "skipped"
	StatusCanceled Status = "canceled"
)

// Succeeded reports whether dependents may proceed.
func (s Status) Succeeded() bool {
	return s == StatusSucceeded || s == StatusPartial
}

// Final reports whether the status is terminal.
func (s Status) Final() bool {
	return s != StatusPending && s != StatusRunning
}

// RunRecord is one execution of a plan.
type RunRecord struct {
	ID            string    `json:"id"`
	Pipeline      string    `json:"pipeline"`
	PipelineHash  string    `json:"pipeline_hash"`
	Branch        string    `json:"branch,omitempty"`
	Status        Status    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at,omitempty"`
	EngineVersion string    `json:"engine_version"`
}

// JobRunRecord is the outcome of one matrix entry.
type JobRunRecord struct {
	RunID      string    `json:"run_id"`
	JobRunID   string    `json:"job_run_id"`
	Job        string    `json:"job"`
	Entry      string    `json:"entry"`
	VMImage    string    `json:"vm_image,omitempty"`
	Variables  Vars      `json:"variables"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Seq        int64     `json:"seq"` // Logical clock
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// StepRecord is the outcome of one step in one job run.
type StepRecord struct {
	RunID      string    `json:"run_id"`
	JobRunID   string    `json:"job_run_id"`
	Index      int       `json:"index"`
	Name       string    `json:"name"`
	Kind       StepKind  `json:"kind"`
	Status     Status    `json:"status"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
	Log        string    `json:"log,omitempty"`
	Seq        int64     `json:"seq"` // Logical clock
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// ArtifactRecord describes a published artifact.
type ArtifactRecord struct {
	RunID      string `json:"run_id"`
	JobRunID   string `json:"job_run_id"`
	Name       string `json:"name"`
	SourcePath string `json:"source_path"`
	Path       string `json:"path"`
	Files      int    `json:"files"`
	Digest     string `json:"digest"` // Content hash of the published tree
	Seq        int64  `json:"seq"`
}
