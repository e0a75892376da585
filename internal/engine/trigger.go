package engine

import (
	"strings"

	"github.com/roach88/cimatrix/internal/ir"
)

// ShouldTrigger reports whether a push to branch activates the pipeline.
//
//   - an omitted trigger matches every branch
//   - `trigger: none` matches nothing
//   - otherwise the branch must match an include pattern and no exclude pattern
//
// Branch names may be given as "refs/heads/<name>". A pattern ending in '*'
// matches by prefix; anything else must match exactly.
func ShouldTrigger(t ir.Trigger, branch string) bool {
	if !t.Declared {
		return true
	}
	if t.None {
		return false
	}

	branch = strings.TrimPrefix(branch, "refs/heads/")
	included := false
	for _, pattern := range t.Include {
		if matchBranch(pattern, branch) {
			included = true
			break
		}
	}
	if !included {
		return false
	}
	for _, pattern := range t.Exclude {
		if matchBranch(pattern, branch) {
			return false
		}
	}
	return true
}

func matchBranch(pattern, branch string) bool {
	pattern = strings.TrimPrefix(pattern, "refs/heads/")
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(branch, prefix)
	}
	return pattern == branch
}
