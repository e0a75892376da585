package compiler

import (
	"errors"
	"io/fs"

	"github.com/roach88/cimatrix/internal/ir"
)

// LoadResult is a pipeline that went through every static check.
type LoadResult struct {
	// Pipeline is nil when schema validation failed.
	Pipeline *ir.Pipeline

	// Findings holds schema, semantic and lint findings in that order.
	// Lint runs only when schema and semantic checks found no errors.
	Findings []ValidationError
}

// OK reports whether the pipeline compiled with no error findings.
func (r *LoadResult) OK() bool {
	return r.Pipeline != nil && !HasErrors(r.Findings)
}

// LoadFile runs the full static chain on a pipeline file:
// parse, schema check, compile, validate, lint.
//
// The returned error is reserved for problems that stop the chain before any
// finding can be produced (unreadable file, YAML syntax, compile failure).
// ErrorCode classifies it.
func LoadFile(path string, policy Policy) (*LoadResult, error) {
	doc, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	return Load(doc, policy)
}

// Load runs the static chain on an already parsed document.
func Load(doc *Document, policy Policy) (*LoadResult, error) {
	res := &LoadResult{}
	if res.Findings = CheckSchema(doc); len(res.Findings) > 0 {
		return res, nil
	}

	p, err := Compile(doc)
	if err != nil {
		return nil, err
	}
	res.Pipeline = p
	res.Findings = Validate(p)
	if HasErrors(res.Findings) {
		return res, nil
	}
	res.Findings = append(res.Findings, Lint(p, policy)...)
	return res, nil
}

// ErrorCode maps a LoadFile error to its E0xx code.
func ErrorCode(err error) string {
	var ce *CompileError
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case errors.As(err, &ce) && ce.Field == "yaml":
		return ErrYAMLSyntax
	case errors.As(err, &ce):
		return ErrSchemaMismatch
	case errors.Is(err, fs.ErrPermission):
		return ErrReadFailed
	default:
		return ErrGeneric
	}
}
