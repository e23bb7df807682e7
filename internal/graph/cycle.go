package graph

import (
	"fmt"
	"strings"

	"github.com/rfujimoto/macroplan/internal/model"
)

// CycleError reports a circular dependency with the offending path.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency detected: %s", strings.Join(e.Path, " -> "))
}

// ValidateDAG checks the node set for circular dependencies and returns a
// topological order of node ids. Used at node-creation time for UI
// validation; the scheduler itself does not need it for correctness (a cycle
// simply never becomes runnable and surfaces via Diagnose).
//
// Kahn's algorithm; on cycle detection a DFS reconstructs the cycle path.
func ValidateDAG(nodes []model.MacroNode) ([]string, error) {
	if len(nodes) == 0 {
		return nil, nil
	}

	nodeSet := make(map[string]bool, len(nodes))
	edges := make(map[string][]string, len(nodes))
	var ids []string
	for _, n := range nodes {
		nodeSet[n.ID] = true
		ids = append(ids, n.ID)
		edges[n.ID] = n.Dependencies
	}

	// Build in-degree map and forward adjacency (dependency → dependent)
	inDegree := make(map[string]int, len(ids))
	forward := make(map[string][]string)
	for _, id := range ids {
		inDegree[id] = 0
	}

	for node, deps := range edges {
		for _, dep := range deps {
			if !nodeSet[dep] {
				continue // dangling refs are reported by Diagnose, not here
			}
			inDegree[node]++
			forward[dep] = append(forward[dep], node)
		}
	}

	// Kahn's algorithm
	var queue []string
	for _, id := range ids {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	var sorted []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		for _, dependent := range forward[node] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sorted) == len(ids) {
		return sorted, nil
	}

	return nil, &CycleError{Path: findCyclePath(ids, edges, nodeSet)}
}

// findCyclePath finds a cycle path among the remaining nodes via DFS.
func findCyclePath(ids []string, edges map[string][]string, nodeSet map[string]bool) []string {
	const (
		white = 0 // unvisited
		gray  = 1 // in current path
		black = 2 // finished
	)

	color := make(map[string]int)
	parent := make(map[string]string)

	var cyclePath []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, dep := range edges[node] {
			if !nodeSet[dep] {
				continue
			}
			if color[dep] == gray {
				// Found cycle: reconstruct path
				cyclePath = []string{dep}
				current := node
				for current != dep {
					cyclePath = append(cyclePath, current)
					current = parent[current]
				}
				cyclePath = append(cyclePath, dep)
				// Reverse to get forward order
				for i, j := 0, len(cyclePath)-1; i < j; i, j = i+1, j-1 {
					cyclePath[i], cyclePath[j] = cyclePath[j], cyclePath[i]
				}
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for _, id := range ids {
		if color[id] == white {
			if dfs(id) {
				break
			}
		}
	}

	return cyclePath
}
