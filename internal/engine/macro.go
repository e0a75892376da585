package engine

import (
	"regexp"
	"sort"

	"github.com/roach88/cimatrix/internal/ir"
)

// macroPattern matches $(name) references.
var macroPattern = regexp.MustCompile(`\$\(([A-Za-z0-9_][A-Za-z0-9._]*)\)`)

// ExpandMacros replaces $(name) references with variable values.
//
// Lookup is case-insensitive. Unknown references are left verbatim so the
// shell (or a later stage) sees exactly what was written. Substituted values
// are not expanded again.
func ExpandMacros(s string, vars ir.Vars) string {
	if len(vars) == 0 {
		return s
	}
	return macroPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := macroPattern.FindStringSubmatch(m)[1]
		if v, ok := vars.Get(name); ok {
			return v
		}
		return m
	})
}

// ExpandStep returns a copy of step with macros expanded in the script text,
// task inputs and env values.
func ExpandStep(step ir.Step, vars ir.Vars) ir.Step {
	out := step
	out.Value = ExpandMacros(step.Value, vars)
	out.DisplayName = ExpandMacros(step.DisplayName, vars)
	out.WorkingDirectory = ExpandMacros(step.WorkingDirectory, vars)
	out.Inputs = expandMap(step.Inputs, vars)
	out.Env = expandMap(step.Env, vars)
	return out
}

func expandMap(m map[string]string, vars ir.Vars) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = ExpandMacros(v, vars)
	}
	return out
}

// EnvFromVars maps variables to "NAME=value" environment entries using
// ir.EnvName, e.g. python.version=3.7 becomes PYTHON_VERSION=3.7.
// When two names map to the same variable the later binding wins.
func EnvFromVars(vars ir.Vars) []string {
	m := make(map[string]string, len(vars))
	for _, v := range vars {
		m[ir.EnvName(v.Name)] = v.Value
	}
	return envList(m)
}

func envList(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}
