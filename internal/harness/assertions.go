package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/cimatrix/internal/ir"
	"github.com/roach88/cimatrix/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string         // Assertion type for categorization
	Expected string         // Human-readable expected outcome
	Actual   string         // Human-readable actual outcome
	Trace    store.RunTrace // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nRecorded job runs (run %s):\n", e.Trace.Run.Status)
	for _, jr := range e.Trace.JobRuns {
		fmt.Fprintf(&buf, "  %s/%s %s\n", jr.Job, jr.Entry, jr.Status)
		for _, s := range e.Trace.StepsFor(jr.JobRunID) {
			fmt.Fprintf(&buf, "    [%d] %s %s\n", s.Index, s.Name, s.Status)
		}
	}

	return buf.String()
}

// EvaluateAssertions checks every assertion against the result and returns
// the failure messages.
func EvaluateAssertions(result *Result, assertions []Assertion) []string {
	var errs []string
	for _, a := range assertions {
		if err := evaluateAssertion(result, a); err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func evaluateAssertion(result *Result, a Assertion) error {
	switch a.Type {
	case AssertRunStatus:
		return assertRunStatus(result.Trace, a)
	case AssertJobStatus:
		return assertJobStatus(result, a)
	case AssertJobRunStatus:
		return assertJobRunStatus(result.Trace, a)
	case AssertStepStatus:
		return assertStepStatus(result.Trace, a)
	case AssertLogContains:
		return assertLogContains(result.Trace, a)
	case AssertJobRunCount:
		return assertJobRunCount(result.Trace, a)
	case AssertJobOrder:
		return assertJobOrder(result.Trace, a)
	case AssertArtifact:
		return assertArtifact(result.Trace, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func assertRunStatus(trace store.RunTrace, a Assertion) error {
	if trace.Run.Status == a.Status {
		return nil
	}
	return &AssertionError{
		Type:     AssertRunStatus,
		Expected: fmt.Sprintf("run %s", a.Status),
		Actual:   fmt.Sprintf("run %s", trace.Run.Status),
		Trace:    trace,
	}
}

func assertJobStatus(result *Result, a Assertion) error {
	for _, j := range result.Jobs {
		if !strings.EqualFold(j.Name, a.Job) {
			continue
		}
		if j.Status == a.Status {
			return nil
		}
		return &AssertionError{
			Type:     AssertJobStatus,
			Expected: fmt.Sprintf("job %s %s", a.Job, a.Status),
			Actual:   fmt.Sprintf("job %s %s", a.Job, j.Status),
			Trace:    result.Trace,
		}
	}
	return &AssertionError{
		Type:     AssertJobStatus,
		Expected: fmt.Sprintf("job %s %s", a.Job, a.Status),
		Actual:   "job not in plan",
		Trace:    result.Trace,
	}
}

// findJobRun locates Job/Entry; an empty entry matches a job without a matrix.
func findJobRun(trace store.RunTrace, job, entry string) (ir.JobRunRecord, bool) {
	if entry == "" {
		entry = job
	}
	for _, jr := range trace.JobRuns {
		if strings.EqualFold(jr.Job, job) && strings.EqualFold(jr.Entry, entry) {
			return jr, true
		}
	}
	return ir.JobRunRecord{}, false
}

func findStep(trace store.RunTrace, a Assertion) (ir.StepRecord, error) {
	jr, ok := findJobRun(trace, a.Job, a.Entry)
	if !ok {
		return ir.StepRecord{}, &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("job run %s/%s", a.Job, a.Entry),
			Actual:   "not recorded",
			Trace:    trace,
		}
	}
	for _, s := range trace.StepsFor(jr.JobRunID) {
		if s.Index == a.Step {
			return s, nil
		}
	}
	return ir.StepRecord{}, &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("step %d of %s/%s", a.Step, jr.Job, jr.Entry),
		Actual:   "not recorded",
		Trace:    trace,
	}
}

func assertJobRunStatus(trace store.RunTrace, a Assertion) error {
	jr, ok := findJobRun(trace, a.Job, a.Entry)
	actual := "not recorded"
	if ok {
		if jr.Status == a.Status {
			return nil
		}
		actual = string(jr.Status)
	}
	return &AssertionError{
		Type:     AssertJobRunStatus,
		Expected: fmt.Sprintf("%s/%s %s", a.Job, a.Entry, a.Status),
		Actual:   actual,
		Trace:    trace,
	}
}

func assertStepStatus(trace store.RunTrace, a Assertion) error {
	s, err := findStep(trace, a)
	if err != nil {
		return err
	}
	if s.Status == a.Status {
		return nil
	}
	return &AssertionError{
		Type:     AssertStepStatus,
		Expected: fmt.Sprintf("step %d (%s) %s", a.Step, s.Name, a.Status),
		Actual:   fmt.Sprintf("%s (exit %d) %s", s.Status, s.ExitCode, s.Error),
		Trace:    trace,
	}
}

func assertLogContains(trace store.RunTrace, a Assertion) error {
	s, err := findStep(trace, a)
	if err != nil {
		return err
	}
	if strings.Contains(s.Log, a.Text) {
		return nil
	}
	return &AssertionError{
		Type:     AssertLogContains,
		Expected: fmt.Sprintf("log of step %d (%s) contains %q", a.Step, s.Name, a.Text),
		Actual:   fmt.Sprintf("log %q", s.Log),
		Trace:    trace,
	}
}

// assertJobRunCount counts the entries of Job, restricted to Status when set.
func assertJobRunCount(trace store.RunTrace, a Assertion) error {
	count := 0
	for _, jr := range trace.JobRuns {
		if strings.EqualFold(jr.Job, a.Job) && (a.Status == "" || jr.Status == a.Status) {
			count++
		}
	}
	if count == a.Count {
		return nil
	}

	what := a.Job + " entries"
	if a.Status != "" {
		what = fmt.Sprintf("%s entries %s", a.Job, a.Status)
	}
	return &AssertionError{
		Type:     AssertJobRunCount,
		Expected: fmt.Sprintf("%d %s", a.Count, what),
		Actual:   fmt.Sprintf("%d", count),
		Trace:    trace,
	}
}

// assertJobOrder checks that every record of each job precedes every record
// of the next job in the list, by seq.
func assertJobOrder(trace store.RunTrace, a Assertion) error {
	type span struct{ first, last int64 }
	spans := make(map[string]*span)
	grow := func(job string, seq int64) {
		key := strings.ToLower(job)
		sp, ok := spans[key]
		if !ok {
			spans[key] = &span{first: seq, last: seq}
			return
		}
		sp.first = min(sp.first, seq)
		sp.last = max(sp.last, seq)
	}

	jobOf := make(map[string]string, len(trace.JobRuns))
	for _, jr := range trace.JobRuns {
		jobOf[jr.JobRunID] = jr.Job
		grow(jr.Job, jr.Seq)
	}
	for _, s := range trace.Steps {
		grow(jobOf[s.JobRunID], s.Seq)
	}

	for _, job := range a.Jobs {
		if spans[strings.ToLower(job)] == nil {
			return &AssertionError{
				Type:     AssertJobOrder,
				Expected: fmt.Sprintf("jobs in order: %v", a.Jobs),
				Actual:   fmt.Sprintf("missing job: %s", job),
				Trace:    trace,
			}
		}
	}

	for i := 1; i < len(a.Jobs); i++ {
		prev := spans[strings.ToLower(a.Jobs[i-1])]
		curr := spans[strings.ToLower(a.Jobs[i])]
		if prev.last >= curr.first {
			return &AssertionError{
				Type:     AssertJobOrder,
				Expected: fmt.Sprintf("jobs in order: %v", a.Jobs),
				Actual: fmt.Sprintf("%s (last seq %d) overlaps %s (first seq %d)",
					a.Jobs[i-1], prev.last, a.Jobs[i], curr.first),
				Trace: trace,
			}
		}
	}
	return nil
}

func assertArtifact(trace store.RunTrace, a Assertion) error {
	jr, ok := findJobRun(trace, a.Job, a.Entry)
	if ok {
		for _, art := range trace.Artifacts {
			if art.JobRunID == jr.JobRunID && art.Name == a.Name {
				return nil
			}
		}
	}

	var published []string
	for _, art := range trace.Artifacts {
		published = append(published, art.Name)
	}
	return &AssertionError{
		Type:     AssertArtifact,
		Expected: fmt.Sprintf("%s/%s publishes %s", a.Job, a.Entry, a.Name),
		Actual:   fmt.Sprintf("published: %v", published),
		Trace:    trace,
	}
}
