package compiler

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/cimatrix/internal/ir"
)

// Compile converts a parsed document into an ir.Pipeline.
//
// Compile walks the YAML node tree rather than the generic map so that
// declaration order (jobs, matrix entries, variables) and line numbers
// survive. Run CheckSchema first: Compile reports only structural problems
// it cannot skip over.
func Compile(doc *Document) (*ir.Pipeline, error) {
	p := &ir.Pipeline{Source: doc.Filename}

	if n := lookup(doc.Root, "name"); n != nil {
		p.Name = n.Value
	}
	if p.Name == "" {
		base := filepath.Base(doc.Filename)
		p.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}

	trigger, err := compileTrigger(doc, lookup(doc.Root, "trigger"))
	if err != nil {
		return nil, err
	}
	p.Trigger = trigger

	p.Variables, err = compileVars(doc, lookup(doc.Root, "variables"), "variables")
	if err != nil {
		return nil, err
	}

	jobsNode := lookup(doc.Root, "jobs")
	if jobsNode == nil {
		return p, nil
	}
	if jobsNode.Kind != yaml.SequenceNode {
		return nil, compileErr(doc, jobsNode, "jobs", "jobs must be a list")
	}
	for i, jn := range jobsNode.Content {
		job, err := compileJob(doc, jn, fmt.Sprintf("jobs[%d]", i))
		if err != nil {
			return nil, err
		}
		p.Jobs = append(p.Jobs, *job)
	}

	return p, nil
}

// compileTrigger supports the list form, `none`, and branches.include/exclude.
// An exclude list without an include list includes every other branch.
func compileTrigger(doc *Document, n *yaml.Node) (ir.Trigger, error) {
	if n == nil {
		return ir.Trigger{}, nil
	}
	t := ir.Trigger{Declared: true}

	switch n.Kind {
	case yaml.ScalarNode:
		if n.Value == "none" {
			t.None = true
			return t, nil
		}
		return t, compileErr(doc, n, "trigger", fmt.Sprintf("unsupported trigger %q", n.Value))
	case yaml.SequenceNode:
		t.Include = scalarList(n)
		return t, nil
	case yaml.MappingNode:
		branches := lookup(n, "branches")
		if branches != nil {
			t.Include = scalarList(lookup(branches, "include"))
			t.Exclude = scalarList(lookup(branches, "exclude"))
			if len(t.Include) == 0 && len(t.Exclude) > 0 {
				t.Include = []string{"*"}
			}
		}
		return t, nil
	}
	return t, compileErr(doc, n, "trigger", "unsupported trigger form")
}

func compileJob(doc *Document, n *yaml.Node, field string) (*ir.Job, error) {
	if n.Kind != yaml.MappingNode {
		return nil, compileErr(doc, n, field, "job must be a mapping")
	}
	job := &ir.Job{Line: n.Line}

	if v := lookup(n, "job"); v != nil {
		job.Name = v.Value
	}
	if v := lookup(n, "displayName"); v != nil {
		job.DisplayName = v.Value
	}
	if v := lookup(n, "dependsOn"); v != nil {
		if v.Kind == yaml.ScalarNode {
			if v.Value != "" {
				job.DependsOn = []string{v.Value}
			}
		} else {
			job.DependsOn = scalarList(v)
		}
	}
	if v := lookup(n, "pool"); v != nil {
		job.Pool.Declared = true
		if v.Kind == yaml.ScalarNode {
			job.Pool.Name = v.Value
		} else {
			if img := lookup(v, "vmImage"); img != nil {
				job.Pool.VMImage = img.Value
			}
			if name := lookup(v, "name"); name != nil {
				job.Pool.Name = name.Value
			}
		}
	}

	var err error
	if job.TimeoutMinutes, err = intField(doc, n, "timeoutInMinutes", field); err != nil {
		return nil, err
	}
	if job.ContinueOnError, err = boolField(doc, n, "continueOnError", field); err != nil {
		return nil, err
	}
	if job.Variables, err = compileVars(doc, lookup(n, "variables"), field+".variables"); err != nil {
		return nil, err
	}

	if strategy := lookup(n, "strategy"); strategy != nil {
		if job.Strategy.MaxParallel, err = intField(doc, strategy, "maxParallel", field+".strategy"); err != nil {
			return nil, err
		}
		if matrix := lookup(strategy, "matrix"); matrix != nil {
			if matrix.Kind != yaml.MappingNode {
				return nil, compileErr(doc, matrix, field+".strategy.matrix", "matrix must be a mapping")
			}
			// An empty matrix mapping is kept as non-nil so validation can flag it.
			job.Strategy.Matrix = []ir.MatrixEntry{}
			for i := 0; i+1 < len(matrix.Content); i += 2 {
				key, val := matrix.Content[i], matrix.Content[i+1]
				vars, err := compileVars(doc, val, field+".strategy.matrix."+key.Value)
				if err != nil {
					return nil, err
				}
				job.Strategy.Matrix = append(job.Strategy.Matrix, ir.MatrixEntry{
					Name:      key.Value,
					Variables: vars,
					Line:      key.Line,
				})
			}
		}
	}

	if steps := lookup(n, "steps"); steps != nil {
		if steps.Kind != yaml.SequenceNode {
			return nil, compileErr(doc, steps, field+".steps", "steps must be a list")
		}
		for i, sn := range steps.Content {
			step, err := compileStep(doc, sn, fmt.Sprintf("%s.steps[%d]", field, i))
			if err != nil {
				return nil, err
			}
			job.Steps = append(job.Steps, *step)
		}
	}

	return job, nil
}

func compileStep(doc *Document, n *yaml.Node, field string) (*ir.Step, error) {
	if n.Kind != yaml.MappingNode {
		return nil, compileErr(doc, n, field, "step must be a mapping")
	}
	step := &ir.Step{Line: n.Line}

	for _, kw := range stepKeywords {
		if v := lookup(n, kw); v != nil {
			if step.Kind != "" {
				return nil, compileErr(doc, v, field, fmt.Sprintf("step declares both %q and %q", step.Kind, kw))
			}
			step.Kind = ir.StepKind(kw)
			step.Value = v.Value
		}
	}
	if step.Kind == "" {
		return nil, compileErr(doc, n, field, "step has no recognised action keyword")
	}

	if v := lookup(n, "name"); v != nil {
		step.Name = v.Value
	}
	if v := lookup(n, "displayName"); v != nil {
		step.DisplayName = v.Value
	}
	if v := lookup(n, "condition"); v != nil {
		step.Condition = strings.TrimSpace(v.Value)
	}
	if v := lookup(n, "workingDirectory"); v != nil {
		step.WorkingDirectory = v.Value
	}

	var err error
	if step.ContinueOnError, err = boolField(doc, n, "continueOnError", field); err != nil {
		return nil, err
	}
	if step.TimeoutMinutes, err = intField(doc, n, "timeoutInMinutes", field); err != nil {
		return nil, err
	}
	if step.Inputs, err = compileMap(doc, lookup(n, "inputs"), field+".inputs"); err != nil {
		return nil, err
	}
	if step.Env, err = compileMap(doc, lookup(n, "env"), field+".env"); err != nil {
		return nil, err
	}

	return step, nil
}

// compileVars reads a mapping of scalar bindings, keeping declaration order.
func compileVars(doc *Document, n *yaml.Node, field string) (ir.Vars, error) {
	if n == nil {
		return nil, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, compileErr(doc, n, field, "variables must be a mapping")
	}
	vars := ir.Vars{}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i], n.Content[i+1]
		if val.Kind != yaml.ScalarNode {
			return nil, compileErr(doc, val, field+"."+key.Value, "variable values must be scalars")
		}
		vars = append(vars, ir.Var{Name: key.Value, Value: val.Value})
	}
	return vars, nil
}

func compileMap(doc *Document, n *yaml.Node, field string) (map[string]string, error) {
	vars, err := compileVars(doc, n, field)
	if err != nil || vars == nil {
		return nil, err
	}
	return vars.Map(), nil
}

func intField(doc *Document, n *yaml.Node, key, field string) (int, error) {
	v := lookup(n, key)
	if v == nil {
		return 0, nil
	}
	i, err := strconv.Atoi(v.Value)
	if err != nil || i < 0 {
		return 0, compileErr(doc, v, field+"."+key, fmt.Sprintf("%s must be a non-negative integer", key))
	}
	return i, nil
}

func boolField(doc *Document, n *yaml.Node, key, field string) (bool, error) {
	v := lookup(n, key)
	if v == nil {
		return false, nil
	}
	var b bool
	if err := v.Decode(&b); err != nil {
		return false, compileErr(doc, v, field+"."+key, fmt.Sprintf("%s must be a boolean", key))
	}
	return b, nil
}

// lookup returns the value node for key in a mapping node.
func lookup(n *yaml.Node, key string) *yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}

func scalarList(n *yaml.Node) []string {
	if n == nil {
		return nil
	}
	if n.Kind == yaml.ScalarNode {
		return []string{n.Value}
	}
	out := make([]string, 0, len(n.Content))
	for _, c := range n.Content {
		if c.Kind == yaml.ScalarNode {
			out = append(out, c.Value)
		}
	}
	return out
}

func compileErr(doc *Document, n *yaml.Node, field, msg string) *CompileError {
	return &CompileError{Field: field, Message: msg, File: doc.Filename, Line: n.Line}
}
