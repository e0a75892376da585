package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/cimatrix/internal/ir"
)

// RunFilter narrows ListRuns.
type RunFilter struct {
	Pipeline string    // Exact pipeline name; empty matches all
	Branch   string    // Exact branch; empty matches all
	Status   ir.Status // Empty matches all
	Limit    int       // 0 = no limit
}

// ListRuns returns runs newest first (started_at DESC, id DESC).
//
// Returns an empty slice (not nil) when nothing matches.
func (s *Store) ListRuns(ctx context.Context, f RunFilter) ([]ir.RunRecord, error) {
	query := `
		SELECT id, pipeline, pipeline_hash, branch, status, started_at, finished_at, engine_version
		FROM runs
		WHERE (? = '' OR pipeline = ?)
		  AND (? = '' OR branch = ?)
		  AND (? = '' OR status = ?)
		ORDER BY started_at DESC, id COLLATE BINARY DESC
	`
	args := []any{f.Pipeline, f.Pipeline, f.Branch, f.Branch, string(f.Status), string(f.Status)}
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
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
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ReadRun retrieves a single run by ID.
// Returns an error wrapping ErrNotFound if the run does not exist.
func (s *Store) ReadRun(ctx context.Context, id string) (ir.RunRecord, error) {
	return readRun(ctx, s.db, id)
}

func readRun(ctx context.Context, q queryer, id string) (ir.RunRecord, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, pipeline, pipeline_hash, branch, status, started_at, finished_at, engine_version
		FROM runs
		WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.RunRecord{}, fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	return run, err
}

// ReadJobRuns returns the job runs of a run in seq order.
func (s *Store) ReadJobRuns(ctx context.Context, runID string) ([]ir.JobRunRecord, error) {
	return readJobRuns(ctx, s.db, runID)
}

func readJobRuns(ctx context.Context, q queryer, runID string) ([]ir.JobRunRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT run_id, job_run_id, job, entry, vm_image, variables, status, error, seq, started_at, finished_at
		FROM job_runs
		WHERE run_id = ?
		ORDER BY seq ASC, job_run_id COLLATE BINARY ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query job runs: %w", err)
	}
	defer rows.Close()

	recs := []ir.JobRunRecord{}
	for rows.Next() {
		var (
			rec                   ir.JobRunRecord
			status, varsJSON      string
			startedAt, finishedAt string
		)
		if err := rows.Scan(
			&rec.RunID, &rec.JobRunID, &rec.Job, &rec.Entry, &rec.VMImage, &varsJSON,
			&status, &rec.Error, &rec.Seq, &startedAt, &finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan job run: %w", err)
		}
		rec.Status = ir.Status(status)
		if rec.Variables, err = unmarshalVars(varsJSON); err != nil {
			return nil, err
		}
		if rec.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if rec.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job runs: %w", err)
	}
	return recs, nil
}

// ReadSteps returns the step records of a run in seq order.
func (s *Store) ReadSteps(ctx context.Context, runID string) ([]ir.StepRecord, error) {
	return readSteps(ctx, s.db, runID)
}

func readSteps(ctx context.Context, q queryer, runID string) ([]ir.StepRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT run_id, job_run_id, step_index, name, kind, status, exit_code, error, log, seq, started_at, finished_at
		FROM step_runs
		WHERE run_id = ?
		ORDER BY seq ASC, job_run_id COLLATE BINARY ASC, step_index ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	recs := []ir.StepRecord{}
	for rows.Next() {
		var (
			rec                   ir.StepRecord
			kind, status          string
			startedAt, finishedAt string
		)
		if err := rows.Scan(
			&rec.RunID, &rec.JobRunID, &rec.Index, &rec.Name, &kind, &status,
			&rec.ExitCode, &rec.Error, &rec.Log, &rec.Seq, &startedAt, &finishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		rec.Kind = ir.StepKind(kind)
		rec.Status = ir.Status(status)
		if rec.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if rec.FinishedAt, err = parseTime(finishedAt); err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate steps: %w", err)
	}
	return recs, nil
}

// ReadArtifacts returns the artifacts of a run in seq order.
func (s *Store) ReadArtifacts(ctx context.Context, runID string) ([]ir.ArtifactRecord, error) {
	return readArtifacts(ctx, s.db, runID)
}

func readArtifacts(ctx context.Context, q queryer, runID string) ([]ir.ArtifactRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT run_id, job_run_id, name, source_path, path, files, digest, seq
		FROM artifacts
		WHERE run_id = ?
		ORDER BY seq ASC, name COLLATE BINARY ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	recs := []ir.ArtifactRecord{}
	for rows.Next() {
		var rec ir.ArtifactRecord
		if err := rows.Scan(
			&rec.RunID, &rec.JobRunID, &rec.Name, &rec.SourcePath, &rec.Path,
			&rec.Files, &rec.Digest, &rec.Seq,
		); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return recs, nil
}

// ReadJobRunHistory returns every recorded outcome of a content-addressed job
// run across runs, newest first. Because job run IDs only change when the
// pipeline source does, this answers "has this exact entry passed before?".
func (s *Store) ReadJobRunHistory(ctx context.Context, jobRunID string) ([]ir.JobRunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT j.run_id
		FROM job_runs j
		JOIN runs r ON r.id = j.run_id
		WHERE j.job_run_id = ?
		ORDER BY r.started_at DESC, r.id COLLATE BINARY DESC
	`, jobRunID)
	if err != nil {
		return nil, fmt.Errorf("query job run history: %w", err)
	}
	var runIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan job run history: %w", err)
		}
		runIDs = append(runIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job run history: %w", err)
	}

	history := []ir.JobRunRecord{}
	for _, runID := range runIDs {
		recs, err := s.ReadJobRuns(ctx, runID)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if rec.JobRunID == jobRunID {
				history = append(history, rec)
			}
		}
	}
	return history, nil
}

// LastSeq returns the highest seq recorded in any table, or 0 for an empty
// store. The engine's clock continues from it so seqs never repeat.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(seq) FROM (
			SELECT MAX(seq) AS seq FROM job_runs
			UNION ALL SELECT MAX(seq) FROM step_runs
			UNION ALL SELECT MAX(seq) FROM artifacts
		)
	`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq.Int64, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (ir.RunRecord, error) {
	var (
		run                   ir.RunRecord
		status                string
		startedAt, finishedAt string
	)
	if err := row.Scan(
		&run.ID, &run.Pipeline, &run.PipelineHash, &run.Branch, &status,
		&startedAt, &finishedAt, &run.EngineVersion,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ir.RunRecord{}, err
		}
		return ir.RunRecord{}, fmt.Errorf("scan run: %w", err)
	}
	run.Status = ir.Status(status)

	var err error
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return ir.RunRecord{}, err
	}
	if run.FinishedAt, err = parseTime(finishedAt); err != nil {
		return ir.RunRecord{}, err
	}
	return run, nil
}
