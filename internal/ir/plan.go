package ir

// Plan is the fully expanded, execution-ready form of a pipeline.
// Jobs appear in dependency order; runs within a job in matrix order.
type Plan struct {
	Pipeline     string       `json:"pipeline"`
	PipelineHash string       `json:"pipeline_hash"`
	Trigger      Trigger      `json:"trigger"`
	Jobs         []PlannedJob `json:"jobs"`
	IRVersion    string       `json:"ir_version"`
}

// PlannedJob groups the matrix instances of one job.
type PlannedJob struct {
	Name            string   `json:"name"`
	DisplayName     string   `json:"display_name,omitempty"`
	DependsOn       []string `json:"depends_on,omitempty"`
	MaxParallel     int      `json:"max_parallel,omitempty"`
	TimeoutMinutes  int      `json:"timeout_minutes,omitempty"`
	ContinueOnError bool     `json:"continue_on_error,omitempty"`
	Runs            []JobRun `json:"runs"`
}

// JobRun is one matrix entry of one job, ready to execute.
type JobRun struct {
	ID        string `json:"id"` // Content-addressed, see JobRunID
	Job       string `json:"job"`
	Entry     string `json:"entry"` // Matrix entry name; equals Job when no matrix
	VMImage   string `json:"vm_image,omitempty"`
	Variables Vars   `json:"variables"`
	Steps     []Step `json:"steps"`
}

// Key returns "Job/Entry", the display key of a run.
func (r JobRun) Key() string {
	if r.Entry == "" || r.Entry == r.Job {
		return r.Job
	}
	return r.Job + "/" + r.Entry
}

// RunCount returns the total number of job runs in the plan.
func (p *Plan) RunCount() int {
	n := 0
	for _, j := range p.Jobs {
		n += len(j.Runs)
	}
	return n
}
