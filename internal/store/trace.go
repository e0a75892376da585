package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/roach88/cimatrix/internal/ir"
)

// RunTrace is everything recorded for one run.
type RunTrace struct {
	Run       ir.RunRecord
	JobRuns   []ir.JobRunRecord
	Steps     []ir.StepRecord
	Artifacts []ir.ArtifactRecord
}

// ReadTrace reads a run and all of its records in one read transaction, so
// a run still being written reads back consistently.
func (s *Store) ReadTrace(ctx context.Context, runID string) (RunTrace, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return RunTrace{}, fmt.Errorf("read trace: begin tx: %w", err)
	}
	defer tx.Rollback()

	var trace RunTrace
	if trace.Run, err = readRun(ctx, tx, runID); err != nil {
		return RunTrace{}, fmt.Errorf("read trace: %w", err)
	}
	if trace.JobRuns, err = readJobRuns(ctx, tx, runID); err != nil {
		return RunTrace{}, fmt.Errorf("read trace: %w", err)
	}
	if trace.Steps, err = readSteps(ctx, tx, runID); err != nil {
		return RunTrace{}, fmt.Errorf("read trace: %w", err)
	}
	if trace.Artifacts, err = readArtifacts(ctx, tx, runID); err != nil {
		return RunTrace{}, fmt.Errorf("read trace: %w", err)
	}
	return trace, nil
}

// StepsFor returns the steps of one job run in step order.
func (t RunTrace) StepsFor(jobRunID string) []ir.StepRecord {
	var out []ir.StepRecord
	for _, s := range t.Steps {
		if s.JobRunID == jobRunID {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// TraceEvent is a single record of a run in seq order.
type TraceEvent struct {
	Type     TraceEventType
	Seq      int64
	JobRunID string
	JobRun   *ir.JobRunRecord
	Step     *ir.StepRecord
	Artifact *ir.ArtifactRecord
}

// TraceEventType distinguishes the record kinds of a trace.
type TraceEventType int

const (
	EventJobRun TraceEventType = iota
	EventStep
	EventArtifact
)

// String returns the event type as a string.
func (t TraceEventType) String() string {
	switch t {
	case EventJobRun:
		return "job_run"
	case EventStep:
		return "step"
	case EventArtifact:
		return "artifact"
	default:
		return "unknown"
	}
}

// Events merges the records of a trace into one stream ordered by seq.
// A job run appears once, at the seq of its latest record.
func (t RunTrace) Events() []TraceEvent {
	events := make([]TraceEvent, 0, len(t.JobRuns)+len(t.Steps)+len(t.Artifacts))
	for i := range t.JobRuns {
		jr := &t.JobRuns[i]
		events = append(events, TraceEvent{Type: EventJobRun, Seq: jr.Seq, JobRunID: jr.JobRunID, JobRun: jr})
	}
	for i := range t.Steps {
		s := &t.Steps[i]
		events = append(events, TraceEvent{Type: EventStep, Seq: s.Seq, JobRunID: s.JobRunID, Step: s})
	}
	for i := range t.Artifacts {
		a := &t.Artifacts[i]
		events = append(events, TraceEvent{Type: EventArtifact, Seq: a.Seq, JobRunID: a.JobRunID, Artifact: a})
	}
	sort.SliceStable(events, func(i, j int) bool { return eventLess(events[i], events[j]) })
	return events
}

// eventLess orders by seq, then type, then job run ID.
func eventLess(a, b TraceEvent) bool {
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	return a.JobRunID < b.JobRunID
}

// FindIncompleteRuns returns runs that never recorded a final status, oldest
// first. They are left behind when the process dies mid-run.
func (s *Store) FindIncompleteRuns(ctx context.Context) ([]ir.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, pipeline, pipeline_hash, branch, status, started_at, finished_at, engine_version
		FROM runs
		WHERE status IN (?, ?)
		ORDER BY started_at ASC, id COLLATE BINARY ASC
	`, string(ir.StatusPending), string(ir.StatusRunning))
	if err != nil {
		return nil, fmt.Errorf("find incomplete runs: %w", err)
	}
	defer rows.Close()

	runs := []ir.RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incomplete runs: %w", err)
	}
	return runs, nil
}

// AbandonRun marks an incomplete run and its unfinished job runs canceled.
// Runs that already have a final status are left alone; the returned bool
// reports whether anything changed.
func (s *Store) AbandonRun(ctx context.Context, runID string, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("abandon run: begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, string(ir.StatusCanceled), formatTime(at), runID, string(ir.StatusPending), string(ir.StatusRunning))
	if err != nil {
		return false, fmt.Errorf("abandon run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("abandon run: rows affected: %w", err)
	}
	if n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE job_runs SET status = ?, error = ?, finished_at = ?
		WHERE run_id = ? AND status IN (?, ?)
	`, string(ir.StatusCanceled), "run abandoned", formatTime(at), runID, string(ir.StatusPending), string(ir.StatusRunning))
	if err != nil {
		return false, fmt.Errorf("abandon run: job runs: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("abandon run: commit: %w", err)
	}
	return true, nil
}
