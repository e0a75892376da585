package engine

import (
	"context"

	"github.com/roach88/cimatrix/internal/ir"
)

// Recorder receives run records as they happen.
// Implemented by store.Store; calls may come from several goroutines.
type Recorder interface {
	BeginRun(ctx context.Context, run ir.RunRecord) error
	RecordJobRun(ctx context.Context, rec ir.JobRunRecord) error
	RecordStep(ctx context.Context, rec ir.StepRecord) error
	RecordArtifact(ctx context.Context, rec ir.ArtifactRecord) error
	FinishRun(ctx context.Context, run ir.RunRecord) error
}

// NopRecorder discards every record.
type NopRecorder struct{}

func (NopRecorder) BeginRun(context.Context, ir.RunRecord) error { return nil }
func (NopRecorder) RecordJobRun(context.Context, ir.JobRunRecord) error { return nil }
func (NopRecorder) RecordStep(context.Context, ir.StepRecord) error { return nil }
func (NopRecorder) RecordArtifact(context.Context, ir.ArtifactRecord) error { return nil }
func (NopRecorder) FinishRun(context.Context, ir.RunRecord) error { return nil }
