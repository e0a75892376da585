package engine

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// ScriptedResult is a canned step result for ScriptedExecutor.
type ScriptedResult struct {
	ExitCode int
	Output   string        // Written to the step output; log commands are honoured
	Err      error         // Returned as an execution error
	Delay    time.Duration // Sleep before finishing (ends early on cancellation)
	Outcome  StepOutcome   // Variables, PrependPath, Artifacts to report
}

// ScriptedExecutor is a StepExecutor that replays canned results instead of
// running processes. Steps without a script succeed with no output.
//
// Thread-safety: safe for concurrent use; entries call it in parallel.
type ScriptedExecutor struct {
	mu      sync.Mutex
	results map[string]ScriptedResult
	calls   []string
	seen    map[string]StepContext
	active  map[string]int
	peak    map[string]int
}

// NewScriptedExecutor creates an executor where every step succeeds.
func NewScriptedExecutor() *ScriptedExecutor {
	return &ScriptedExecutor{
		results: make(map[string]ScriptedResult),
		seen:    make(map[string]StepContext),
		active:  make(map[string]int),
		peak:    make(map[string]int),
	}
}

// On scripts step index of job/entry. entry "*" matches every entry; index
// -1 is the implicit checkout.
func (s *ScriptedExecutor) On(job, entry string, index int, r ScriptedResult) *ScriptedExecutor {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[scriptKey(job, entry, index)] = r
	return s
}

// Execute implements StepExecutor.
func (s *ScriptedExecutor) Execute(ctx context.Context, sc *StepContext) (StepOutcome, error) {
	key := scriptKey(sc.JobRun.Job, sc.JobRun.Entry, sc.Index)

	s.mu.Lock()
	r, ok := s.results[key]
	if !ok {
		r = s.results[scriptKey(sc.JobRun.Job, "*", sc.Index)]
	}
	s.calls = append(s.calls, key)
	s.seen[key] = *sc
	job := sc.JobRun.Job
	s.active[job]++
	if s.active[job] > s.peak[job] {
		s.peak[job] = s.active[job]
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.active[job]--
		s.mu.Unlock()
	}()

	if r.Delay > 0 {
		timer := time.NewTimer(r.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return StepOutcome{ExitCode: -1}, ctx.Err()
		case <-timer.C:
		}
	}

	if r.Output != "" && sc.Output != nil {
		io.WriteString(sc.Output, r.Output)
	}

	out := r.Outcome
	out.ExitCode = r.ExitCode
	return out, r.Err
}

// Calls returns "Job/Entry/index" for every executed step, in call order.
func (s *ScriptedExecutor) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.calls))
	copy(out, s.calls)
	return out
}

// Steps returns the step indexes executed for job/entry, sorted.
func (s *ScriptedExecutor) Steps(job, entry string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := job + "/" + entry + "/"
	var out []int
	for _, c := range s.calls {
		rest, ok := strings.CutPrefix(c, prefix)
		if !ok {
			continue
		}
		if idx, err := strconv.Atoi(rest); err == nil {
			out = append(out, idx)
		}
	}
	sort.Ints(out)
	return out
}

// Seen returns the context a step was executed with.
func (s *ScriptedExecutor) Seen(job, entry string, index int) (StepContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sc, ok := s.seen[scriptKey(job, entry, index)]
	return sc, ok
}

// PeakConcurrency returns the most steps of job that ran at the same time.
func (s *ScriptedExecutor) PeakConcurrency(job string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peak[job]
}

func scriptKey(job, entry string, index int) string {
	return fmt.Sprintf("%s/%s/%d", job, entry, index)
}
