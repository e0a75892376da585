package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainPipeline = "cimatrix/pipeline/v1"
	DomainJobRun   = "cimatrix/jobrun/v1"
	DomainArtifact = "cimatrix/artifact/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// NewArtifactHasher returns a hash pre-seeded with the artifact domain.
// Callers feed it relative paths and file contents in sorted path order.
func NewArtifactHasher() hash.Hash {
	h := sha256.New()
	h.Write([]byte(DomainArtifact))
	h.Write([]byte{0x00})
	return h
}

// PipelineHash computes the content hash of a compiled pipeline.
// Source paths and line numbers are excluded: moving a file does not change
// its identity.
func PipelineHash(p *Pipeline) (string, error) {
	canonical, err := MarshalCanonical(pipelineObject(p))
	if err != nil {
		return "", fmt.Errorf("PipelineHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainPipeline, canonical), nil
}

// JobRunID computes the content-addressed ID of one matrix instance.
// The ID is stable across re-plans of unchanged source, which is what makes
// re-running an entry comparable with an earlier run.
func JobRunID(pipelineHash, job, entry string, vars Vars, steps []Step) (string, error) {
	stepList := make([]any, len(steps))
	for i, s := range steps {
		stepList[i] = stepObject(s)
	}
	obj := map[string]any{
		"pipeline_hash": pipelineHash,
		"job":           job,
		"entry":         entry,
		"variables":     vars,
		"steps":         stepList,
	}

	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("JobRunID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainJobRun, canonical), nil
}

// MustPipelineHash is like PipelineHash but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustPipelineHash(p *Pipeline) string {
	h, err := PipelineHash(p)
	if err != nil {
		panic(err)
	}
	return h
}

func pipelineObject(p *Pipeline) map[string]any {
	jobs := make([]any, len(p.Jobs))
	for i, j := range p.Jobs {
		jobs[i] = jobObject(j)
	}
	trigger := map[string]any{
		"declared": p.Trigger.Declared,
		"none":     p.Trigger.None,
		"include":  nonNil(p.Trigger.Include),
		"exclude":  nonNil(p.Trigger.Exclude),
	}
	return map[string]any{
		"name":      p.Name,
		"trigger":   trigger,
		"variables": nonNilVars(p.Variables),
		"jobs":      jobs,
	}
}

func jobObject(j Job) map[string]any {
	matrix := make([]any, len(j.Strategy.Matrix))
	for i, e := range j.Strategy.Matrix {
		matrix[i] = map[string]any{
			"name":      e.Name,
			"variables": nonNilVars(e.Variables),
		}
	}
	steps := make([]any, len(j.Steps))
	for i, s := range j.Steps {
		steps[i] = stepObject(s)
	}
	return map[string]any{
		"name":              j.Name,
		"display_name":      j.DisplayName,
		"depends_on":        nonNil(j.DependsOn),
		"vm_image":          j.Pool.VMImage,
		"pool_name":         j.Pool.Name,
		"matrix":            matrix,
		"max_parallel":      j.Strategy.MaxParallel,
		"timeout_minutes":   j.TimeoutMinutes,
		"continue_on_error": j.ContinueOnError,
		"variables":         nonNilVars(j.Variables),
		"steps":             steps,
	}
}

func stepObject(s Step) map[string]any {
	return map[string]any{
		"kind":              s.Kind,
		"value":             s.Value,
		"name":              s.Name,
		"display_name":      s.DisplayName,
		"inputs":            nonNilMap(s.Inputs),
		"env":               nonNilMap(s.Env),
		"condition":         s.Condition,
		"continue_on_error": s.ContinueOnError,
		"timeout_minutes":   s.TimeoutMinutes,
		"working_directory": s.WorkingDirectory,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilVars(v Vars) Vars {
	if v == nil {
		return Vars{}
	}
	return v
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
