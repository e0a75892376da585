package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/roach88/cimatrix/internal/ir"
)

// DefaultLogLimit is the number of trailing log bytes kept per step record.
const DefaultLogLimit = 64 * 1024

// Engine executes plans.
//
// Thread-safety model:
//   - Run(): may be called from several goroutines; runs share only the
//     Recorder, the Clock and the output writer
//   - the StepExecutor is called concurrently for different entries
type Engine struct {
	exec        StepExecutor
	recorder    Recorder
	clock       *Clock
	ids         RunIDGenerator
	maxParallel int
	workRoot    string
	keepWork    bool
	minute      time.Duration
	logLimit    int
	now         func() time.Time
	baseEnv     []string
	output      *syncWriter
	logger      *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithRecorder sets where run records go. Default: NopRecorder.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithClock sets the logical clock, e.g. to continue after the last seq in
// an existing store.
func WithClock(c *Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithRunIDGenerator sets the run ID source. Default: UUIDv7Generator.
func WithRunIDGenerator(g RunIDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithMaxParallel limits concurrently running entries across all jobs.
// 0 means unlimited.
func WithMaxParallel(n int) Option {
	return func(e *Engine) { e.maxParallel = n }
}

// WithWorkRoot sets the directory under which entry working directories are
// created (<root>/<run-id>/<job>/<entry>). Default: a temporary directory.
func WithWorkRoot(dir string) Option {
	return func(e *Engine) { e.workRoot = dir }
}

// WithKeepWorkDirs keeps entry working directories after the run.
func WithKeepWorkDirs(keep bool) Option {
	return func(e *Engine) { e.keepWork = keep }
}

// WithTimeUnit sets the duration of one "minute" in timeoutInMinutes.
// Tests use it to exercise timeouts quickly.
func WithTimeUnit(d time.Duration) Option {
	return func(e *Engine) { e.minute = d }
}

// WithLogLimit sets the trailing log bytes kept per step.
func WithLogLimit(n int) Option {
	return func(e *Engine) { e.logLimit = n }
}

// WithNow sets the wall clock used for started/finished timestamps.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithBaseEnv sets the environment steps inherit. Default: os.Environ().
func WithBaseEnv(env []string) Option {
	return func(e *Engine) { e.baseEnv = env }
}

// WithOutput streams step output, each line prefixed with "[Job/Entry] ".
func WithOutput(w io.Writer) Option {
	return func(e *Engine) {
		if w != nil {
			e.output = &syncWriter{w: w}
		}
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New creates an Engine that runs steps with exec.
func New(exec StepExecutor, opts ...Option) *Engine {
	e := &Engine{
		exec:     exec,
		recorder: NopRecorder{},
		clock:    NewClock(),
		ids:      UUIDv7Generator{},
		minute:   time.Minute,
		logLimit: DefaultLogLimit,
		now:      time.Now,
		baseEnv:  os.Environ(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Clock returns the engine's logical clock.
func (e *Engine) Clock() *Clock {
	return e.clock
}

// RunOptions describe one invocation.
type RunOptions struct {
	// Branch is the branch being built. When set, a pipeline whose trigger
	// does not match it is recorded as skipped without running anything.
	Branch string
}

// Result is the outcome of Run, in plan order.
type Result struct {
	Run  ir.RunRecord
	Jobs []JobResult
}

// JobResult aggregates the entries of one job.
type JobResult struct {
	Name   string
	Status ir.Status
	Runs   []JobRunResult
}

// JobRunResult is one entry with its steps and artifacts.
type JobRunResult struct {
	Record    ir.JobRunRecord
	Steps     []ir.StepRecord
	Artifacts []ir.ArtifactRecord
}

// JobRun finds an entry's result.
func (r *Result) JobRun(job, entry string) (*JobRunResult, bool) {
	for i := range r.Jobs {
		if !strings.EqualFold(r.Jobs[i].Name, job) {
			continue
		}
		for j := range r.Jobs[i].Runs {
			if strings.EqualFold(r.Jobs[i].Runs[j].Record.Entry, entry) {
				return &r.Jobs[i].Runs[j], true
			}
		}
	}
	return nil, false
}

// Job finds a job's result.
func (r *Result) Job(name string) (*JobResult, bool) {
	for i := range r.Jobs {
		if strings.EqualFold(r.Jobs[i].Name, name) {
			return &r.Jobs[i], true
		}
	}
	return nil, false
}

// Run executes plan and returns once every job has finished or was skipped.
//
// The returned error is reserved for infrastructure problems (work directory
// or recorder failures). Failing steps are reported through Result.
func (e *Engine) Run(ctx context.Context, plan *ir.Plan, opts RunOptions) (*Result, error) {
	rs := &runState{
		e:      e,
		branch: opts.Branch,
		record: ir.RunRecord{
			ID:            e.ids.Generate(),
			Pipeline:      plan.Pipeline,
			PipelineHash:  plan.PipelineHash,
			Branch:        opts.Branch,
			Status:        ir.StatusRunning,
			StartedAt:     e.now().UTC(),
			EngineVersion: ir.EngineVersion,
		},
		status: make(map[string]ir.Status, len(plan.Jobs)),
		done:   make(map[string]chan struct{}, len(plan.Jobs)),
	}
	log := e.logger.With("run_id", rs.record.ID, "pipeline", plan.Pipeline)

	rs.recordErr(e.recorder.BeginRun(context.WithoutCancel(ctx), rs.record))

	result := &Result{Jobs: make([]JobResult, len(plan.Jobs))}

	if opts.Branch != "" && !ShouldTrigger(plan.Trigger, opts.Branch) {
		log.Info("trigger does not match branch, skipping run", "branch", opts.Branch)
		for i, job := range plan.Jobs {
			result.Jobs[i] = JobResult{Name: job.Name, Status: ir.StatusSkipped}
		}
		return rs.finish(ctx, result, ir.StatusSkipped)
	}

	root := e.workRoot
	if root == "" {
		tmp, err := os.MkdirTemp("", "cimatrix-work-")
		if err != nil {
			return nil, fmt.Errorf("create work root: %w", err)
		}
		root = tmp
		if !e.keepWork {
			defer os.RemoveAll(tmp)
		}
	}
	rs.runDir = filepath.Join(root, rs.record.ID)
	if err := os.MkdirAll(rs.runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run directory: %w", err)
	}
	if !e.keepWork {
		defer os.RemoveAll(rs.runDir)
	}

	if e.maxParallel > 0 {
		rs.sem = make(chan struct{}, e.maxParallel)
	}

	log.Info("run starting", "jobs", len(plan.Jobs), "entries", plan.RunCount(), "branch", opts.Branch)

	for _, job := range plan.Jobs {
		rs.done[strings.ToLower(job.Name)] = make(chan struct{})
	}

	var wg sync.WaitGroup
	for i, job := range plan.Jobs {
		wg.Add(1)
		go func(i int, job ir.PlannedJob) {
			defer wg.Done()
			result.Jobs[i] = rs.runJob(ctx, job)
		}(i, job)
	}
	wg.Wait()

	statuses := make([]ir.Status, len(result.Jobs))
	for i, j := range result.Jobs {
		statuses[i] = j.Status
	}
	status := aggregateRun(statuses)
	if ctx.Err() != nil && status != ir.StatusFailed {
		status = ir.StatusCanceled
	}

	log.Info("run finished", "status", status)
	return rs.finish(ctx, result, status)
}

// runState is the shared state of one Run call.
type runState struct {
	e      *Engine
	branch string
	runDir string
	sem    chan struct{}
	record ir.RunRecord

	mu     sync.Mutex
	status map[string]ir.Status
	done   map[string]chan struct{}
	err    error
}

func (rs *runState) recordErr(err error) {
	if err == nil {
		return
	}
	rs.e.logger.Error("recording run state failed", "run_id", rs.record.ID, "error", err)
	rs.mu.Lock()
	if rs.err == nil {
		rs.err = err
	}
	rs.mu.Unlock()
}

func (rs *runState) finish(ctx context.Context, result *Result, status ir.Status) (*Result, error) {
	rs.record.Status = status
	rs.record.FinishedAt = rs.e.now().UTC()
	result.Run = rs.record

	// Record the final state even when ctx was canceled.
	rs.recordErr(rs.e.recorder.FinishRun(context.WithoutCancel(ctx), rs.record))

	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.err != nil {
		return result, fmt.Errorf("record run %s: %w", rs.record.ID, rs.err)
	}
	return result, nil
}

// runJob waits for dependencies, then runs or skips every entry of job.
func (rs *runState) runJob(ctx context.Context, job ir.PlannedJob) JobResult {
	key := strings.ToLower(job.Name)
	res := JobResult{Name: job.Name, Runs: make([]JobRunResult, len(job.Runs))}
	defer func() {
		rs.mu.Lock()
		rs.status[key] = res.Status
		rs.mu.Unlock()
		close(rs.done[key])
	}()

	var blocked []string
	for _, dep := range job.DependsOn {
		ch, ok := rs.done[strings.ToLower(dep)]
		if !ok {
			continue
		}
		<-ch
		rs.mu.Lock()
		st := rs.status[strings.ToLower(dep)]
		rs.mu.Unlock()
		if !st.Succeeded() {
			blocked = append(blocked, fmt.Sprintf("%s (%s)", dep, st))
		}
	}

	if len(blocked) > 0 || ctx.Err() != nil {
		status := ir.StatusSkipped
		msg := (&RuntimeError{
			Code:    ErrCodeDependencyFailed,
			Message: "dependencies did not succeed: " + strings.Join(blocked, ", "),
			JobRun:  job.Name,
		}).Error()
		if ctx.Err() != nil {
			status = ir.StatusCanceled
			msg = (&RuntimeError{Code: ErrCodeCanceled, Message: "run canceled", JobRun: job.Name}).Error()
		}
		rs.e.logger.Info("job not started", "run_id", rs.record.ID, "job", job.Name, "status", status, "reason", msg)
		for i, jr := range job.Runs {
			res.Runs[i] = rs.notRun(ctx, jr, status, msg)
		}
		res.Status = status
		return res
	}

	var jobSem chan struct{}
	if job.MaxParallel > 0 {
		jobSem = make(chan struct{}, job.MaxParallel)
	}

	var wg sync.WaitGroup
	for i, jr := range job.Runs {
		wg.Add(1)
		go func(i int, jr ir.JobRun) {
			defer wg.Done()
			if !acquire(ctx, jobSem) {
				res.Runs[i] = rs.notRun(ctx, jr, ir.StatusCanceled, (&RuntimeError{Code: ErrCodeCanceled, Message: "run canceled", JobRun: jr.Key()}).Error())
				return
			}
			defer release(jobSem)
			if !acquire(ctx, rs.sem) {
				res.Runs[i] = rs.notRun(ctx, jr, ir.StatusCanceled, (&RuntimeError{Code: ErrCodeCanceled, Message: "run canceled", JobRun: jr.Key()}).Error())
				return
			}
			defer release(rs.sem)
			res.Runs[i] = rs.runEntry(ctx, job, i, jr)
		}(i, jr)
	}
	wg.Wait()

	statuses := make([]ir.Status, len(res.Runs))
	for i, r := range res.Runs {
		statuses[i] = r.Record.Status
	}
	res.Status = aggregateJob(statuses)
	return res
}

func acquire(ctx context.Context, sem chan struct{}) bool {
	if sem == nil {
		return ctx.Err() == nil
	}
	select {
	case sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func release(sem chan struct{}) {
	if sem != nil {
		<-sem
	}
}

// notRun records an entry that never started.
func (rs *runState) notRun(ctx context.Context, jr ir.JobRun, status ir.Status, msg string) JobRunResult {
	now := rs.e.now().UTC()
	rec := ir.JobRunRecord{
		RunID:      rs.record.ID,
		JobRunID:   jr.ID,
		Job:        jr.Job,
		Entry:      jr.Entry,
		VMImage:    jr.VMImage,
		Variables:  jr.Variables,
		Status:     status,
		Error:      msg,
		Seq:        rs.e.clock.Next(),
		StartedAt:  now,
		FinishedAt: now,
	}
	rs.recordErr(rs.e.recorder.RecordJobRun(context.WithoutCancel(ctx), rec))
	return JobRunResult{Record: rec}
}

// entryState tracks one entry while its steps run.
type entryState struct {
	vars     ir.Vars
	prepend  []string
	failed   bool
	partial  bool
	canceled bool
	timedOut bool
	err      string
}

// runEntry runs the steps of one matrix entry in its own working directory.
func (rs *runState) runEntry(ctx context.Context, job ir.PlannedJob, index int, jr ir.JobRun) JobRunResult {
	e := rs.e
	log := e.logger.With("run_id", rs.record.ID, "job_run", jr.Key())
	recCtx := context.WithoutCancel(ctx)

	rec := ir.JobRunRecord{
		RunID:     rs.record.ID,
		JobRunID:  jr.ID,
		Job:       jr.Job,
		Entry:     jr.Entry,
		VMImage:   jr.VMImage,
		Variables: jr.Variables,
		Status:    ir.StatusRunning,
		Seq:       e.clock.Next(),
		StartedAt: e.now().UTC(),
	}
	rs.recordErr(e.recorder.RecordJobRun(recCtx, rec))
	result := JobRunResult{}

	entryCtx := ctx
	if job.TimeoutMinutes > 0 {
		var cancel context.CancelFunc
		entryCtx, cancel = context.WithTimeout(ctx, time.Duration(job.TimeoutMinutes)*e.minute)
		defer cancel()
	}

	workDir := filepath.Join(rs.runDir, safeName(jr.Job), entryDirName(index, jr))
	st := &entryState{}
	if err := freshDir(workDir); err != nil {
		st.failed = true
		st.err = fmt.Sprintf("prepare working directory: %v", err)
	} else if !e.keepWork {
		defer os.RemoveAll(workDir)
	}
	st.vars = predefinedVars(rs.record.ID, rs.branch, job, jr, workDir).Merge(jr.Variables)

	log.Info("entry starting", "workdir", workDir)

	if !st.failed && !hasCheckout(jr.Steps) {
		implicit := ir.Step{Kind: ir.StepCheckout, Value: "self", DisplayName: "Checkout"}
		sc := rs.stepContext(jr, -1, implicit, workDir, st, io.Discard)
		if out, err := e.exec.Execute(entryCtx, sc); err != nil || out.ExitCode != 0 {
			st.failed = true
			st.err = fmt.Sprintf("implicit checkout failed: %v", errOrExit(err, out.ExitCode))
		}
	}

	for i, step := range jr.Steps {
		srec, artifacts := rs.runStep(ctx, entryCtx, jr, i, step, workDir, st, log)
		result.Steps = append(result.Steps, srec)
		result.Artifacts = append(result.Artifacts, artifacts...)
	}

	switch {
	case st.canceled:
		rec.Status = ir.StatusCanceled
	case st.failed && job.ContinueOnError:
		rec.Status = ir.StatusPartial
	case st.failed:
		rec.Status = ir.StatusFailed
	case st.partial:
		rec.Status = ir.StatusPartial
	default:
		rec.Status = ir.StatusSucceeded
	}
	rec.Error = st.err
	rec.Seq = e.clock.Next()
	rec.FinishedAt = e.now().UTC()
	rs.recordErr(e.recorder.RecordJobRun(recCtx, rec))

	log.Info("entry finished", "status", rec.Status)
	result.Record = rec
	return result
}

// runStep runs or skips one step and records it.
func (rs *runState) runStep(
	runCtx, entryCtx context.Context,
	jr ir.JobRun,
	index int,
	step ir.Step,
	workDir string,
	st *entryState,
	log *slog.Logger,
) (ir.StepRecord, []ir.ArtifactRecord) {
	e := rs.e
	recCtx := context.WithoutCancel(runCtx)
	now := e.now().UTC()
	srec := ir.StepRecord{
		RunID:     rs.record.ID,
		JobRunID:  jr.ID,
		Index:     index,
		Name:      ExpandMacros(step.Label(), st.vars),
		Kind:      step.Kind,
		StartedAt: now,
	}
	finish := func(status ir.Status) (ir.StepRecord, []ir.ArtifactRecord) {
		srec.Status = status
		srec.Seq = e.clock.Next()
		srec.FinishedAt = e.now().UTC()
		rs.recordErr(e.recorder.RecordStep(recCtx, srec))
		return srec, nil
	}

	if runCtx.Err() != nil || st.canceled {
		st.canceled = true
		return finish(ir.StatusCanceled)
	}
	if st.timedOut || entryCtx.Err() != nil {
		if !st.timedOut {
			st.timedOut = true
			st.failed = true
			st.err = (&RuntimeError{Code: ErrCodeTimeout, Message: "job timed out", JobRun: jr.Key()}).Error()
		}
		return finish(ir.StatusCanceled)
	}
	if !shouldRun(step.Condition, st.failed) {
		return finish(ir.StatusSkipped)
	}

	expanded := ExpandStep(step, st.vars)
	stepCtx := entryCtx
	if step.TimeoutMinutes > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(entryCtx, time.Duration(step.TimeoutMinutes)*e.minute)
		defer cancel()
	}

	logBuf := newTailBuffer(e.logLimit)
	cmds := &commandWriter{}
	writers := []io.Writer{logBuf, cmds}
	var stream *lineWriter
	if e.output != nil {
		stream = &lineWriter{out: e.output, prefix: "[" + jr.Key() + "] "}
		writers = append(writers, stream)
	}
	sc := rs.stepContext(jr, index, expanded, workDir, st, io.MultiWriter(writers...))

	log.Debug("step starting", "index", index, "step", srec.Name, "kind", step.Kind)
	out, err := e.exec.Execute(stepCtx, sc)
	cmds.Flush()
	if stream != nil {
		stream.Flush()
	}
	fx := cmds.effects
	srec.ExitCode = out.ExitCode

	var failure error
	switch {
	case runCtx.Err() != nil:
		st.canceled = true
		srec.Log = logBuf.String()
		srec.Error = (&RuntimeError{Code: ErrCodeCanceled, Message: "run canceled", JobRun: jr.Key(), Step: srec.Name}).Error()
		return finish(ir.StatusCanceled)
	case entryCtx.Err() != nil:
		st.timedOut = true
		st.failed = true
		failure = &RuntimeError{Code: ErrCodeTimeout, Message: "job timed out", JobRun: jr.Key(), Step: srec.Name}
		st.err = failure.Error()
		srec.Log = logBuf.String()
		srec.Error = failure.Error()
		return finish(ir.StatusFailed)
	case stepCtx.Err() != nil:
		failure = &RuntimeError{Code: ErrCodeTimeout, Message: "step timed out", JobRun: jr.Key(), Step: srec.Name}
	case err != nil:
		failure = err
		var re *RuntimeError
		if errors.As(err, &re) && re.JobRun == "" {
			re.JobRun, re.Step = jr.Key(), srec.Name
		}
	case out.ExitCode != 0:
		failure = NewStepFailedError(jr.Key(), srec.Name, out.ExitCode)
	case fx.Result == "failed":
		failure = &RuntimeError{Code: ErrCodeStepFailed, Message: "step reported result Failed", JobRun: jr.Key(), Step: srec.Name}
	}

	// Variables and PATH changes apply whether or not the step succeeded.
	for _, kv := range fx.SetVariables {
		st.vars = st.vars.With(kv[0], kv[1])
	}
	st.vars = st.vars.Merge(out.Variables)
	st.prepend = append(append(append([]string{}, fx.PrependPath...), out.PrependPath...), st.prepend...)

	var artifacts []ir.ArtifactRecord
	for _, a := range out.Artifacts {
		artifacts = append(artifacts, ir.ArtifactRecord{
			RunID:      rs.record.ID,
			JobRunID:   jr.ID,
			Name:       a.Name,
			SourcePath: a.SourcePath,
			Path:       a.Path,
			Files:      a.Files,
			Digest:     a.Digest,
			Seq:        e.clock.Next(),
		})
	}
	for _, a := range artifacts {
		rs.recordErr(e.recorder.RecordArtifact(recCtx, a))
	}

	srec.Log = logBuf.String()
	status := ir.StatusSucceeded
	switch {
	case failure != nil:
		srec.Error = failure.Error()
		status = ir.StatusFailed
		if step.ContinueOnError {
			st.partial = true
			log.Warn("step failed, continuing", "index", index, "step", srec.Name, "error", failure)
		} else {
			if !st.failed {
				st.err = failure.Error()
			}
			st.failed = true
			log.Info("step failed", "index", index, "step", srec.Name, "error", failure)
		}
	case fx.Result == "succeededwithissues" || hasErrorIssue(fx.Issues):
		status = ir.StatusPartial
		st.partial = true
	}

	rec, _ := finish(status)
	return rec, artifacts
}

// stepContext builds the environment a step runs in.
func (rs *runState) stepContext(jr ir.JobRun, index int, step ir.Step, workDir string, st *entryState, out io.Writer) *StepContext {
	env := envMap(rs.e.baseEnv)
	for _, kv := range EnvFromVars(st.vars) {
		k, v, _ := strings.Cut(kv, "=")
		env[k] = v
	}
	for k, v := range step.Env {
		env[k] = v
	}
	if len(st.prepend) > 0 {
		pathKey := "PATH"
		for k := range env {
			if strings.EqualFold(k, "PATH") {
				pathKey = k
			}
		}
		env[pathKey] = strings.Join(append(append([]string{}, st.prepend...), env[pathKey]), string(os.PathListSeparator))
	}

	return &StepContext{
		RunID:     rs.record.ID,
		JobRun:    jr,
		Index:     index,
		Step:      step,
		WorkDir:   workDir,
		Env:       envList(env),
		Variables: st.vars.Clone(),
		Output:    out,
	}
}

// shouldRun evaluates a step condition against the entry state.
// canceled() never runs: canceled entries stop scheduling steps.
func shouldRun(condition string, failed bool) bool {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(condition), " ", "")) {
	case "", "succeeded()":
		return !failed
	case "failed()":
		return failed
	case "always()", "succeededorfailed()":
		return true
	}
	return false
}

func hasErrorIssue(issues []string) bool {
	for _, i := range issues {
		if strings.HasPrefix(strings.ToLower(i), "error:") {
			return true
		}
	}
	return false
}

func hasCheckout(steps []ir.Step) bool {
	for _, s := range steps {
		if s.Kind == ir.StepCheckout {
			return true
		}
	}
	return false
}

// predefinedVars are visible to every step, lowest precedence.
func predefinedVars(runID, branch string, job ir.PlannedJob, jr ir.JobRun, workDir string) ir.Vars {
	vars := ir.Vars{
		{Name: "Build.BuildId", Value: runID},
		{Name: "Build.SourcesDirectory", Value: workDir},
		{Name: "System.DefaultWorkingDirectory", Value: workDir},
		{Name: "System.JobName", Value: jr.Entry},
		{Name: "System.JobDisplayName", Value: jobDisplayName(job, jr)},
		{Name: "Agent.OS", Value: agentOS()},
	}
	if branch != "" {
		name := strings.TrimPrefix(branch, "refs/heads/")
		vars = append(vars,
			ir.Var{Name: "Build.SourceBranch", Value: "refs/heads/" + name},
			ir.Var{Name: "Build.SourceBranchName", Value: name[strings.LastIndex(name, "/")+1:]},
		)
	}
	return vars
}

func jobDisplayName(job ir.PlannedJob, jr ir.JobRun) string {
	label := job.Name
	if job.DisplayName != "" {
		label = job.DisplayName
	}
	if jr.Entry != jr.Job {
		label += " " + jr.Entry
	}
	return label
}

func agentOS() string {
	switch runtime.GOOS {
	case "windows":
		return "Windows_NT"
	case "darwin":
		return "Darwin"
	}
	return "Linux"
}

// aggregateJob folds entry statuses into the job status.
func aggregateJob(statuses []ir.Status) ir.Status {
	has := make(map[ir.Status]bool, len(statuses))
	for _, s := range statuses {
		has[s] = true
	}
	switch {
	case has[ir.StatusFailed]:
		return ir.StatusFailed
	case has[ir.StatusCanceled]:
		return ir.StatusCanceled
	case len(statuses) > 0 && len(has) == 1 && has[ir.StatusSkipped]:
		return ir.StatusSkipped
	case has[ir.StatusPartial]:
		return ir.StatusPartial
	}
	return ir.StatusSucceeded
}

// aggregateRun folds job statuses into the run status. A job skipped
// because a dependency failed makes the run fail even if nothing else did.
func aggregateRun(statuses []ir.Status) ir.Status {
	has := make(map[ir.Status]bool, len(statuses))
	for _, s := range statuses {
		has[s] = true
	}
	switch {
	case has[ir.StatusFailed] || has[ir.StatusSkipped]:
		return ir.StatusFailed
	case has[ir.StatusCanceled]:
		return ir.StatusCanceled
	case has[ir.StatusPartial]:
		return ir.StatusPartial
	}
	return ir.StatusSucceeded
}

func errOrExit(err error, code int) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("exit code %d", code)
}

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// safeName maps a job or entry name to a directory name.
func safeName(s string) string {
	s = unsafeNameChars.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// entryDirName names an entry's working directory. Names stay distinct among
// siblings even when safeName or a case-insensitive filesystem folds their
// entry names together.
func entryDirName(index int, jr ir.JobRun) string {
	if len(jr.ID) >= 12 {
		return safeName(jr.Entry) + "-" + jr.ID[:12]
	}
	return fmt.Sprintf("%s-%d", safeName(jr.Entry), index)
}

func freshDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return err
	}
	return os.MkdirAll(dir, 0o755)
}

func envMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			m[k] = v
		}
	}
	return m
}
