package engine

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/roach88/cimatrix/internal/artifact"
)

// CheckoutExecutor copies the source tree into an entry's working directory.
//
// `checkout: self` copies Source; `checkout: none` does nothing. Other
// repository resources are not supported locally.
type CheckoutExecutor struct {
	Source string

	// Exclude lists directories (absolute) never copied, e.g. the work and
	// artifact roots when they live inside Source.
	Exclude []string
}

// Execute implements StepExecutor.
func (c *CheckoutExecutor) Execute(ctx context.Context, sc *StepContext) (StepOutcome, error) {
	switch strings.ToLower(strings.TrimSpace(sc.Step.Value)) {
	case "none":
		return StepOutcome{}, nil
	case "self":
	default:
		return StepOutcome{ExitCode: -1}, NewInputError("checkout %q: only self and none are supported", sc.Step.Value)
	}
	if c.Source == "" {
		return StepOutcome{ExitCode: -1}, NewInputError("checkout: no source directory configured")
	}
	if err := ctx.Err(); err != nil {
		return StepOutcome{ExitCode: -1}, err
	}

	exclude := make(map[string]bool, len(c.Exclude)+1)
	for _, dir := range append([]string{sc.WorkDir}, c.Exclude...) {
		if abs, err := filepath.Abs(dir); err == nil {
			exclude[abs] = true
		}
	}
	src, err := filepath.Abs(c.Source)
	if err != nil {
		return StepOutcome{ExitCode: -1}, err
	}

	n, err := artifact.CopyTree(src, sc.WorkDir, func(rel string, d fs.DirEntry) bool {
		if !d.IsDir() {
			return false
		}
		if rel == ".git" {
			return true
		}
		return exclude[filepath.Join(src, filepath.FromSlash(rel))]
	})
	if err != nil {
		return StepOutcome{ExitCode: -1}, fmt.Errorf("checkout: %w", err)
	}
	fmt.Fprintf(sc.Output, "Checked out %d files from %s\n", n, src)
	return StepOutcome{}, nil
}
