package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/roach88/cimatrix/internal/ir"
)

// createTestStore creates a new store in a temp directory for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var testStart = time.Date(2019, 6, 1, 12, 0, 0, 0, time.UTC)

// createTestRun creates a running run record with minimal required fields.
func createTestRun(id string, started time.Time) ir.RunRecord {
	return ir.RunRecord{
		ID:            id,
		Pipeline:      "ci",
		PipelineHash:  "test-hash",
		Branch:        "master",
		Status:        ir.StatusRunning,
		StartedAt:     started,
		EngineVersion: "0.1.0",
	}
}

// createTestJobRun creates a job run record for a matrix entry.
func createTestJobRun(runID, jobRunID, job, entry string, status ir.Status, seq int64) ir.JobRunRecord {
	return ir.JobRunRecord{
		RunID:     runID,
		JobRunID:  jobRunID,
		Job:       job,
		Entry:     entry,
		VMImage:   "vs2017-win2016",
		Variables: ir.Vars{{Name: "python.version", Value: "3.7"}, {Name: "TOXENV", Value: "py37"}},
		Status:    status,
		Seq:       seq,
		StartedAt: testStart,
	}
}

// createTestStep creates a step record.
func createTestStep(runID, jobRunID string, index int, status ir.Status, seq int64) ir.StepRecord {
	return ir.StepRecord{
		RunID:    runID,
		JobRunID: jobRunID,
		Index:    index,
		Name:     "step",
		Kind:     ir.StepBash,
		Status:   status,
		Seq:      seq,
	}
}

// seedRun writes a run with one job run so steps and artifacts can reference it.
func seedRun(t *testing.T, s *Store, runID, jobRunID string) {
	t.Helper()
	ctx := context.Background()
	if err := s.BeginRun(ctx, createTestRun(runID, testStart)); err != nil {
		t.Fatalf("BeginRun() failed: %v", err)
	}
	if err := s.RecordJobRun(ctx, createTestJobRun(runID, jobRunID, "Windows_Tests", "Python37", ir.StatusRunning, 1)); err != nil {
		t.Fatalf("RecordJobRun() failed: %v", err)
	}
}
