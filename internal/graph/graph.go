// Package graph implements dependency scheduling over a blueprint's macro
// nodes: runnable selection, blocked propagation, cycle detection, and the
// stalled-blueprint diagnostic.
package graph

import (
	"errors"
	"sort"
	"time"

	"github.com/rfujimoto/macroplan/internal/model"
)

// RunnableNodes returns the pending nodes whose every dependency id resolves
// to a node with status done or skipped, sorted by display order. A dangling
// dependency id is unsatisfiable, not an error: the node simply never becomes
// runnable and is reported by Diagnose instead.
func RunnableNodes(nodes []model.MacroNode) []*model.MacroNode {
	byID := indexByID(nodes)

	var runnable []*model.MacroNode
	for i := range nodes {
		node := &nodes[i]
		if node.Status != model.NodeStatusPending {
			continue
		}
		if depsSatisfied(node, byID) {
			runnable = append(runnable, node)
		}
	}

	sort.Slice(runnable, func(i, j int) bool {
		if runnable[i].Order != runnable[j].Order {
			return runnable[i].Order < runnable[j].Order
		}
		return runnable[i].ID < runnable[j].ID
	})
	return runnable
}

// DepsSatisfied reports whether every dependency of the node resolves to a
// done or skipped node.
func DepsSatisfied(node *model.MacroNode, nodes []model.MacroNode) bool {
	return depsSatisfied(node, indexByID(nodes))
}

func depsSatisfied(node *model.MacroNode, byID map[string]*model.MacroNode) bool {
	for _, depID := range node.Dependencies {
		dep, ok := byID[depID]
		if !ok {
			return false // dangling reference never satisfies
		}
		if !model.NodeSatisfiesDependency(dep.Status) {
			return false
		}
	}
	return true
}

// BlockChange records one status flip performed by PropagateBlocked.
type BlockChange struct {
	NodeID string
	From   model.NodeStatus
	To     model.NodeStatus
	Reason string
}

// PropagateBlocked updates node statuses in place and returns the changes:
//
//   - a pending node with a dependency that has been failed longer than the
//     grace window flips to blocked;
//   - a dependency-blocked node whose dependencies no longer include a
//     failure reverts to pending, so a retried-and-recovered dependency
//     unblocks downstream automatically on the next evaluation pass. A node
//     the agent itself reported blocked is never auto-reverted.
//
// Blocking is not instantaneous: within the grace window a failed dependency
// may still be retried, so its dependents stay pending.
func PropagateBlocked(nodes []model.MacroNode, grace time.Duration, now time.Time) []BlockChange {
	byID := indexByID(nodes)

	var changes []BlockChange
	for i := range nodes {
		node := &nodes[i]
		switch node.Status {
		case model.NodeStatusPending:
			if depID, expired := failedDepBeyondGrace(node, byID, grace, now); expired {
				node.Status = model.NodeStatusBlocked
				node.BlockedBy = model.BlockCauseDependency
				node.UpdatedAt = now.UTC().Format(time.RFC3339)
				changes = append(changes, BlockChange{
					NodeID: node.ID,
					From:   model.NodeStatusPending,
					To:     model.NodeStatusBlocked,
					Reason: "dependency " + depID + " failed",
				})
			}
		case model.NodeStatusBlocked:
			if node.BlockedBy == model.BlockCauseAgent {
				continue
			}
			if !hasFailedDep(node, byID) {
				node.Status = model.NodeStatusPending
				node.BlockedBy = ""
				node.UpdatedAt = now.UTC().Format(time.RFC3339)
				changes = append(changes, BlockChange{
					NodeID: node.ID,
					From:   model.NodeStatusBlocked,
					To:     model.NodeStatusPending,
					Reason: "failed dependency recovered",
				})
			}
		}
	}
	return changes
}

func failedDepBeyondGrace(node *model.MacroNode, byID map[string]*model.MacroNode, grace time.Duration, now time.Time) (string, bool) {
	for _, depID := range node.Dependencies {
		dep, ok := byID[depID]
		if !ok || dep.Status != model.NodeStatusFailed {
			continue
		}
		failedAt, err := time.Parse(time.RFC3339, dep.UpdatedAt)
		if err != nil {
			// Unparseable timestamp: treat the grace window as already
			// expired rather than leaving the dependent pending forever.
			return depID, true
		}
		if now.Sub(failedAt) >= grace {
			return depID, true
		}
	}
	return "", false
}

func hasFailedDep(node *model.MacroNode, byID map[string]*model.MacroNode) bool {
	for _, depID := range node.Dependencies {
		if dep, ok := byID[depID]; ok && dep.Status == model.NodeStatusFailed {
			return true
		}
	}
	return false
}

// TransitiveDependents finds every node that transitively depends on rootID,
// via BFS over the reverse dependency edges.
func TransitiveDependents(nodes []model.MacroNode, rootID string) []string {
	dependents := make(map[string][]string)
	for _, node := range nodes {
		for _, dep := range node.Dependencies {
			dependents[dep] = append(dependents[dep], node.ID)
		}
	}

	visited := make(map[string]bool)
	queue := []string{rootID}
	var result []string

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, dependent := range dependents[current] {
			if visited[dependent] {
				continue
			}
			visited[dependent] = true
			result = append(result, dependent)
			queue = append(queue, dependent)
		}
	}

	return result
}

// Diagnostic describes why a blueprint is making no progress.
type Diagnostic struct {
	Stalled   bool
	Remaining int
	Dangling  map[string][]string // node id → unknown dependency ids
	CyclePath []string            // non-empty when the stall is a cycle
}

// Diagnose reports the stalled-blueprint condition: remaining nodes are all
// pending or blocked, none are running or queued, and nothing is runnable.
func Diagnose(nodes []model.MacroNode) Diagnostic {
	byID := indexByID(nodes)

	d := Diagnostic{Dangling: make(map[string][]string)}
	active := 0
	for i := range nodes {
		node := &nodes[i]
		switch node.Status {
		case model.NodeStatusRunning, model.NodeStatusQueued:
			active++
		case model.NodeStatusPending, model.NodeStatusBlocked, model.NodeStatusFailed:
			d.Remaining++
		}
		for _, depID := range node.Dependencies {
			if _, ok := byID[depID]; !ok {
				d.Dangling[node.ID] = append(d.Dangling[node.ID], depID)
			}
		}
	}

	if active == 0 && d.Remaining > 0 && len(RunnableNodes(nodes)) == 0 {
		d.Stalled = true
		var cycleErr *CycleError
		if _, err := ValidateDAG(nodes); errors.As(err, &cycleErr) {
			d.CyclePath = cycleErr.Path
		}
	}
	return d
}

func indexByID(nodes []model.MacroNode) map[string]*model.MacroNode {
	byID := make(map[string]*model.MacroNode, len(nodes))
	for i := range nodes {
		byID[nodes[i].ID] = &nodes[i]
	}
	return byID
}
