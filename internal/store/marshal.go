package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/cimatrix/internal/ir"
)

// marshalVars converts variables to canonical JSON TEXT for storage.
// Bindings keep their order: [["name","value"], ...].
func marshalVars(vars ir.Vars) (string, error) {
	if vars == nil {
		vars = ir.Vars{}
	}
	data, err := ir.MarshalCanonical(vars)
	if err != nil {
		return "", fmt.Errorf("marshal variables: %w", err)
	}
	return string(data), nil
}

// unmarshalVars parses the TEXT written by marshalVars.
func unmarshalVars(data string) (ir.Vars, error) {
	if data == "" || data == "[]" {
		return ir.Vars{}, nil
	}
	var pairs [][2]string
	if err := json.Unmarshal([]byte(data), &pairs); err != nil {
		return nil, fmt.Errorf("unmarshal variables: %w", err)
	}
	vars := make(ir.Vars, len(pairs))
	for i, p := range pairs {
		vars[i] = ir.Var{Name: p[0], Value: p[1]}
	}
	return vars, nil
}

// formatTime stores timestamps as RFC 3339 UTC text; the zero time is "".
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
