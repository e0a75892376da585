package compiler

import (
	"bytes"
	"os"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Document is a parsed pipeline definition that has not been compiled yet.
// It keeps the YAML node tree for source positions and a generic decoding
// for schema validation.
type Document struct {
	Filename string
	Root     *yaml.Node // Top-level mapping node
	Data     map[string]any
}

// ParseFile reads and parses a pipeline definition from disk.
func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(path, data)
}

// Parse parses pipeline YAML. Errors are returned as *CompileError with
// the line number reported by the YAML decoder when available.
func Parse(filename string, data []byte) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, &CompileError{Field: "yaml", Message: "pipeline definition is empty", File: filename}
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, yamlError(filename, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, &CompileError{Field: "yaml", Message: "pipeline definition is empty", File: filename}
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, &CompileError{
			Field:   "yaml",
			Message: "pipeline definition must be a mapping",
			File:    filename,
			Line:    root.Line,
		}
	}

	var generic map[string]any
	if err := root.Decode(&generic); err != nil {
		return nil, yamlError(filename, err)
	}

	return &Document{Filename: filename, Root: root, Data: generic}, nil
}

// yamlLinePattern extracts "line N" from yaml.v3 error text.
var yamlLinePattern = regexp.MustCompile(`line (\d+)`)

func yamlError(filename string, err error) *CompileError {
	ce := &CompileError{Field: "yaml", Message: err.Error(), File: filename}
	if m := yamlLinePattern.FindStringSubmatch(err.Error()); m != nil {
		ce.Line, _ = strconv.Atoi(m[1])
	}
	return ce
}

// Line returns the source line of the node addressed by path, or of the
// deepest existing ancestor. Path elements are mapping keys or sequence
// indexes, as CUE error paths are.
func (d *Document) Line(path []string) int {
	if d == nil || d.Root == nil {
		return 0
	}
	node := d.Root
	line := node.Line
	for _, sel := range path {
		next := child(node, sel)
		if next == nil {
			break
		}
		node = next
		line = node.Line
	}
	return line
}

// child resolves one path selector against a node.
func child(n *yaml.Node, sel string) *yaml.Node {
	switch n.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(n.Content); i += 2 {
			if n.Content[i].Value == sel {
				// Report the key line; the value of a block scalar starts below it.
				if n.Content[i+1].Kind == yaml.ScalarNode {
					return n.Content[i]
				}
				return n.Content[i+1]
			}
		}
	case yaml.SequenceNode:
		idx, err := strconv.Atoi(sel)
		if err == nil && idx >= 0 && idx < len(n.Content) {
			return n.Content[idx]
		}
	}
	return nil
}
