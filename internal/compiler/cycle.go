package compiler

import (
	"fmt"
	"strings"

	"github.com/roach88/cimatrix/internal/ir"
)

// AnalyzeDependencies detects cycles in the job dependsOn graph.
//
// The algorithm:
//  1. Build job -> dependency edges from dependsOn (unknown names are skipped,
//     Validate reports them separately as E105)
//  2. Use Tarjan's algorithm to find strongly connected components
//  3. Report each SCC with size > 1 or a self-loop as an E106 error
//
// Nodes are visited in declaration order so the reported cycles are stable.
// A DAG returns nil.
func AnalyzeDependencies(p *ir.Pipeline) []ValidationError {
	if len(p.Jobs) == 0 {
		return nil
	}

	graph, order := buildDependencyGraph(p)
	sccs := tarjanSCC(graph, order)

	var errs []ValidationError
	for _, scc := range sccs {
		if len(scc) > 1 || hasSelfLoop(scc[0], graph) {
			path := reconstructCyclePath(scc, graph, order)
			job, _ := p.Job(path[0])
			line := 0
			if job != nil {
				line = job.Line
			}
			errs = append(errs, ValidationError{
				Field:   "jobs." + path[0] + ".dependsOn",
				Message: "dependency cycle: " + strings.Join(path, " -> "),
				Code:    ErrDependencyCycle,
				Line:    line,
			})
		}
	}
	return errs
}

// dependencyGraph maps a job name to the names of the jobs it depends on.
type dependencyGraph map[string][]string

// buildDependencyGraph returns the graph and the job names in declaration
// order. Dependency references are resolved case-insensitively to the
// declared spelling.
func buildDependencyGraph(p *ir.Pipeline) (dependencyGraph, []string) {
	graph := make(dependencyGraph, len(p.Jobs))
	order := make([]string, 0, len(p.Jobs))
	canonical := make(map[string]string, len(p.Jobs))

	for _, job := range p.Jobs {
		key := strings.ToLower(job.Name)
		if _, dup := canonical[key]; dup {
			continue
		}
		canonical[key] = job.Name
		order = append(order, job.Name)
		graph[job.Name] = []string{}
	}

	for _, job := range p.Jobs {
		for _, dep := range job.DependsOn {
			if name, ok := canonical[strings.ToLower(dep)]; ok {
				graph[job.Name] = append(graph[job.Name], name)
			}
		}
	}
	return graph, order
}

// hasSelfLoop checks if a node has an edge to itself.
func hasSelfLoop(node string, graph dependencyGraph) bool {
	for _, neighbor := range graph[node] {
		if neighbor == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
//
// Returns a list of SCCs, where each SCC is a list of job names.
// Single-node SCCs without self-loops are NOT cycles.
func tarjanSCC(graph dependencyGraph, order []string) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// v is a root node: pop the stack and emit an SCC
		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, node := range order {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	return sccs
}

// reconstructCyclePath builds a closed path through an SCC.
//
// Starts at the SCC member declared first and follows edges to unvisited
// members until it can return to the start, e.g. [a, b, a].
func reconstructCyclePath(scc []string, graph dependencyGraph, order []string) []string {
	inSCC := make(map[string]bool, len(scc))
	for _, n := range scc {
		inSCC[n] = true
	}

	start := scc[0]
	for _, n := range order {
		if inSCC[n] {
			start = n
			break
		}
	}

	if len(scc) == 1 {
		return []string{start, start}
	}

	path := []string{start}
	visited := map[string]bool{start: true}
	current := start
	for {
		next := ""
		for _, w := range graph[current] {
			if inSCC[w] && !visited[w] {
				next = w
				break
			}
		}
		if next == "" {
			break
		}
		path = append(path, next)
		visited[next] = true
		current = next
	}
	return append(path, start)
}

// TopologicalOrder returns job names so that every job follows its
// dependencies, breaking ties by declaration order (Kahn's algorithm).
// Returns an error when the graph has a cycle.
func TopologicalOrder(p *ir.Pipeline) ([]string, error) {
	graph, order := buildDependencyGraph(p)

	pending := make(map[string]int, len(order))
	dependents := make(map[string][]string, len(order))
	for _, name := range order {
		seen := make(map[string]bool)
		for _, dep := range graph[name] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			pending[name]++
			dependents[dep] = append(dependents[dep], name)
		}
	}

	result := make([]string, 0, len(order))
	done := make(map[string]bool, len(order))
	for len(result) < len(order) {
		progressed := false
		for _, name := range order {
			if done[name] || pending[name] > 0 {
				continue
			}
			done[name] = true
			result = append(result, name)
			for _, d := range dependents[name] {
				pending[d]--
			}
			progressed = true
			break
		}
		if !progressed {
			return nil, fmt.Errorf("dependency cycle among jobs")
		}
	}
	return result, nil
}
