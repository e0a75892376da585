package store

import (
	"context"
	"fmt"

	"github.com/roach88/cimatrix/internal/ir"
)

// BeginRun inserts a run record.
// Uses ON CONFLICT(id) DO NOTHING for idempotency - a duplicate ID is
// silently ignored.
func (s *Store) BeginRun(ctx context.Context, run ir.RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs
		(id, pipeline, pipeline_hash, branch, status, started_at, finished_at, engine_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID,
		run.Pipeline,
		run.PipelineHash,
		run.Branch,
		string(run.Status),
		formatTime(run.StartedAt),
		formatTime(run.FinishedAt),
		run.EngineVersion,
	)
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// FinishRun records the final status of a run started with BeginRun.
func (s *Store) FinishRun(ctx context.Context, run ir.RunRecord) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = ?
		WHERE id = ?
	`,
		string(run.Status),
		formatTime(run.FinishedAt),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finish run %q: %w", run.ID, ErrNotFound)
	}
	return nil
}

// RecordJobRun inserts or updates a job run.
//
// An entry is recorded twice: as running when it starts, and with its final
// status when it finishes. The second write replaces status, error, seq and
// finished_at; identity columns and started_at keep their first value.
//
// Note: The run referenced by RunID must exist (foreign key constraint).
func (s *Store) RecordJobRun(ctx context.Context, rec ir.JobRunRecord) error {
	varsJSON, err := marshalVars(rec.Variables)
	if err != nil {
		return fmt.Errorf("record job run: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_runs
		(run_id, job_run_id, job, entry, vm_image, variables, status, error, seq, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, job_run_id) DO UPDATE SET
			status = excluded.status,
			error = excluded.error,
			seq = excluded.seq,
			finished_at = excluded.finished_at
	`,
		rec.RunID,
		rec.JobRunID,
		rec.Job,
		rec.Entry,
		rec.VMImage,
		varsJSON,
		string(rec.Status),
		rec.Error,
		rec.Seq,
		formatTime(rec.StartedAt),
		formatTime(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("record job run: %w", err)
	}
	return nil
}

// RecordStep inserts a step outcome. Re-recording the same step index of a
// job run replaces the earlier row.
//
// Note: The job run must exist (foreign key constraint).
func (s *Store) RecordStep(ctx context.Context, rec ir.StepRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO step_runs
		(run_id, job_run_id, step_index, name, kind, status, exit_code, error, log, seq, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, job_run_id, step_index) DO UPDATE SET
			status = excluded.status,
			exit_code = excluded.exit_code,
			error = excluded.error,
			log = excluded.log,
			seq = excluded.seq,
			finished_at = excluded.finished_at
	`,
		rec.RunID,
		rec.JobRunID,
		rec.Index,
		rec.Name,
		string(rec.Kind),
		string(rec.Status),
		rec.ExitCode,
		rec.Error,
		rec.Log,
		rec.Seq,
		formatTime(rec.StartedAt),
		formatTime(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("record step: %w", err)
	}
	return nil
}

// RecordArtifact inserts an artifact record.
// Uses ON CONFLICT DO NOTHING - artifact names are unique within a run and
// the first record wins.
func (s *Store) RecordArtifact(ctx context.Context, rec ir.ArtifactRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts
		(run_id, name, job_run_id, source_path, path, files, digest, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, name) DO NOTHING
	`,
		rec.RunID,
		rec.Name,
		rec.JobRunID,
		rec.SourcePath,
		rec.Path,
		rec.Files,
		rec.Digest,
		rec.Seq,
	)
	if err != nil {
		return fmt.Errorf("record artifact: %w", err)
	}
	return nil
}
