package orchestrator

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/aristath/taskd/internal/task"
)

// ValidationError rejects an orchestration submission at admission.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ValidateSpecs checks an orchestration submission and returns the member
// identifiers in a valid execution order. The whole batch is rejected if an
// identifier repeats, a dependency names a non-member, a delay is negative,
// or the dependency relation has a cycle.
func ValidateSpecs(specs []task.Spec) ([]string, error) {
	if len(specs) == 0 {
		return nil, validationErrorf("orchestration contains no tasks")
	}

	graph := make(map[string][]string, len(specs))
	for _, spec := range specs {
		if spec.Identifier == "" {
			return nil, validationErrorf("task with empty identifier")
		}
		if _, dup := graph[spec.Identifier]; dup {
			return nil, validationErrorf("duplicate task identifier %q", spec.Identifier)
		}
		if spec.WaitAfterDeps < 0 {
			return nil, validationErrorf("task %q has negative wait_after_dependencies", spec.Identifier)
		}
		graph[spec.Identifier] = spec.DependsOn
	}

	for _, spec := range specs {
		for _, dep := range spec.DependsOn {
			if _, ok := graph[dep]; !ok {
				return nil, validationErrorf("task %q depends on non-existent task %q", spec.Identifier, dep)
			}
		}
	}

	if path := findCycle(graph); path != nil {
		return nil, validationErrorf("dependency cycle: %s", strings.Join(path, " -> "))
	}

	order, err := sortTopologically(specs)
	if err != nil {
		return nil, validationErrorf("ordering dependency graph: %v", err)
	}
	return order, nil
}

// findCycle runs a depth-first search with gray/black marking and returns
// the path of the first back edge discovered, or nil for an acyclic graph.
func findCycle(graph map[string][]string) []string {
	const (
		white = 0 // Unvisited
		gray  = 1 // On the current path
		black = 2 // Fully explored
	)
	color := make(map[string]int, len(graph))
	var path []string

	var visit func(node string) []string
	visit = func(node string) []string {
		color[node] = gray
		path = append(path, node)

		for _, dep := range graph[node] {
			switch color[dep] {
			case gray:
				// Back edge: report the cycle from the first occurrence of
				// dep on the current path, closed with dep itself.
				start := 0
				for i, n := range path {
					if n == dep {
						start = i
						break
					}
				}
				return append(append([]string{}, path[start:]...), dep)
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		path = path[:len(path)-1]
		color[node] = black
		return nil
	}

	for node := range graph {
		if color[node] == white {
			if cycle := visit(node); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// sortTopologically produces an execution order over the validated graph.
func sortTopologically(specs []task.Spec) ([]string, error) {
	var edges []toposort.Edge
	for _, spec := range specs {
		if len(spec.DependsOn) == 0 {
			edges = append(edges, toposort.Edge{nil, spec.Identifier})
			continue
		}
		for _, dep := range spec.DependsOn {
			edges = append(edges, toposort.Edge{dep, spec.Identifier})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, err
	}

	order := make([]string, 0, len(specs))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	if len(order) != len(specs) {
		return nil, fmt.Errorf("topological sort lost %d tasks", len(specs)-len(order))
	}
	return order, nil
}
