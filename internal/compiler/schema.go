package compiler

import (
	_ "embed"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

//go:embed schema.cue
var schemaSource string

// stepKeywords lists the recognised step action keywords in schema order.
var stepKeywords = []string{"checkout", "task", "bash", "script", "powershell"}

// CheckSchema validates the generic document against the embedded CUE
// #Pipeline definition. Returns all violations, one per offending path.
//
// Uses the CUE SDK's Go API directly (not the CLI).
func CheckSchema(doc *Document) []ValidationError {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		// The schema is embedded; failing to compile it is a programming error.
		return []ValidationError{{
			Field:   "schema",
			Message: fmt.Sprintf("compiling pipeline schema: %v", err),
			Code:    ErrGeneric,
		}}
	}
	def := schema.LookupPath(cue.ParsePath("#Pipeline"))

	data := doc.Data
	if data == nil {
		data = map[string]any{}
	}
	value := ctx.Encode(data)
	if err := value.Err(); err != nil {
		return []ValidationError{{
			Field:   "document",
			Message: fmt.Sprintf("encoding document: %v", err),
			Code:    ErrSchemaMismatch,
		}}
	}

	err := def.Unify(value).Validate(cue.Concrete(true))
	if err == nil {
		return nil
	}
	return convertSchemaErrors(doc, err)
}

// convertSchemaErrors flattens CUE errors into ValidationErrors.
// Errors inside a step collapse into one finding per step; a step without
// any recognised keyword gets an explicit "unknown step" message.
func convertSchemaErrors(doc *Document, err error) []ValidationError {
	seen := make(map[string]bool)
	var out []ValidationError

	for _, e := range cueerrors.Errors(err) {
		path := e.Path()
		format, args := e.Msg()
		msg := fmt.Sprintf(format, args...)
		code := ErrSchemaMismatch

		if jobIdx, stepIdx, ok := stepPath(path); ok {
			path = path[:4]
			if kw, unknown := unknownStepKeyword(doc, jobIdx, stepIdx); unknown {
				code = ErrUnknownStep
				msg = fmt.Sprintf("step has no recognised action keyword (found %q); expected one of %s",
					kw, strings.Join(stepKeywords, ", "))
			}
		}

		field := strings.Join(path, ".")
		if field == "" {
			field = "pipeline"
		}
		if seen[field] {
			continue
		}
		seen[field] = true

		out = append(out, ValidationError{
			Field:   field,
			Message: msg,
			Code:    code,
			Line:    doc.Line(path),
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Line < out[j].Line })
	return out
}

// stepPath recognises paths of the form jobs.<i>.steps.<j>[...].
func stepPath(path []string) (job, step int, ok bool) {
	if len(path) < 4 || path[0] != "jobs" || path[2] != "steps" {
		return 0, 0, false
	}
	job, err1 := strconv.Atoi(path[1])
	step, err2 := strconv.Atoi(path[3])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return job, step, true
}

// unknownStepKeyword reports whether the step at jobs[job].steps[step] lacks
// every recognised keyword, returning the first key it does have.
func unknownStepKeyword(doc *Document, job, step int) (string, bool) {
	jobs, _ := doc.Data["jobs"].([]any)
	if job >= len(jobs) {
		return "", false
	}
	jobMap, _ := jobs[job].(map[string]any)
	steps, _ := jobMap["steps"].([]any)
	if step >= len(steps) {
		return "", false
	}
	stepMap, ok := steps[step].(map[string]any)
	if !ok {
		return "", true
	}
	for _, kw := range stepKeywords {
		if _, has := stepMap[kw]; has {
			return "", false
		}
	}

	keys := make([]string, 0, len(stepMap))
	for k := range stepMap {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) == 0 {
		return "", true
	}
	// Prefer a key that is not a common step attribute.
	for _, k := range keys {
		if !commonStepFields[k] {
			return k, true
		}
	}
	return keys[0], true
}

var commonStepFields = map[string]bool{
	"name":             true,
	"displayName":      true,
	"condition":        true,
	"continueOnError":  true,
	"timeoutInMinutes": true,
	"env":              true,
	"inputs":           true,
	"workingDirectory": true,
}
