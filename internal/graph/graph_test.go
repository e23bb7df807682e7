package graph

import (
	"errors"
	"testing"
	"time"

	"github.com/rfujimoto/macroplan/internal/model"
)

func node(id string, status model.NodeStatus, order int, deps ...string) model.MacroNode {
	return model.MacroNode{
		ID:           id,
		Order:        order,
		Status:       status,
		Dependencies: deps,
		UpdatedAt:    time.Now().UTC().Format(time.RFC3339),
	}
}

func runnableIDs(nodes []model.MacroNode) []string {
	var ids []string
	for _, n := range RunnableNodes(nodes) {
		ids = append(ids, n.ID)
	}
	return ids
}

func TestRunnableNodes_DepsSatisfied(t *testing.T) {
	nodes := []model.MacroNode{
		node("a", model.NodeStatusDone, 0),
		node("b", model.NodeStatusSkipped, 1),
		node("c", model.NodeStatusPending, 2, "a", "b"),
		node("d", model.NodeStatusPending, 3, "c"),
		node("e", model.NodeStatusRunning, 4),
	}

	got := runnableIDs(nodes)
	if len(got) != 1 || got[0] != "c" {
		t.Errorf("runnable = %v, want [c]", got)
	}
}

func TestRunnableNodes_ExcludesNonPending(t *testing.T) {
	for _, status := range []model.NodeStatus{
		model.NodeStatusQueued, model.NodeStatusRunning, model.NodeStatusDone,
		model.NodeStatusFailed, model.NodeStatusBlocked, model.NodeStatusSkipped,
	} {
		nodes := []model.MacroNode{node("a", status, 0)}
		if got := runnableIDs(nodes); len(got) != 0 {
			t.Errorf("status %s: runnable = %v, want none", status, got)
		}
	}
}

func TestRunnableNodes_DanglingDepNeverRunnable(t *testing.T) {
	nodes := []model.MacroNode{
		node("a", model.NodeStatusPending, 0, "ghost"),
	}
	// A dangling reference is unsatisfiable across any number of passes.
	for pass := 0; pass < 3; pass++ {
		if got := runnableIDs(nodes); len(got) != 0 {
			t.Fatalf("pass %d: dangling-dep node returned as runnable", pass)
		}
	}
}

func TestRunnableNodes_OrderedByDisplayOrder(t *testing.T) {
	nodes := []model.MacroNode{
		node("z", model.NodeStatusPending, 5),
		node("a", model.NodeStatusPending, 1),
		node("m", model.NodeStatusPending, 3),
	}
	got := runnableIDs(nodes)
	want := []string{"a", "m", "z"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("runnable order = %v, want %v", got, want)
		}
	}
}

func TestPropagateBlocked_AfterGrace(t *testing.T) {
	now := time.Now().UTC()
	failedAt := now.Add(-10 * time.Minute).Format(time.RFC3339)

	nodes := []model.MacroNode{
		{ID: "a", Status: model.NodeStatusFailed, UpdatedAt: failedAt},
		node("b", model.NodeStatusPending, 1, "a"),
		node("c", model.NodeStatusPending, 2, "a"),
		node("d", model.NodeStatusPending, 3), // independent branch
	}

	changes := PropagateBlocked(nodes, 5*time.Minute, now)
	if len(changes) != 2 {
		t.Fatalf("changes = %+v, want 2", changes)
	}
	if nodes[1].Status != model.NodeStatusBlocked || nodes[2].Status != model.NodeStatusBlocked {
		t.Errorf("b=%s c=%s, want both blocked", nodes[1].Status, nodes[2].Status)
	}
	if nodes[1].BlockedBy != model.BlockCauseDependency {
		t.Errorf("b blocked_by = %q, want dependency", nodes[1].BlockedBy)
	}
	if nodes[3].Status != model.NodeStatusPending {
		t.Errorf("independent node d flipped to %s", nodes[3].Status)
	}
}

func TestPropagateBlocked_WithinGraceStaysPending(t *testing.T) {
	now := time.Now().UTC()
	failedAt := now.Add(-time.Minute).Format(time.RFC3339)

	nodes := []model.MacroNode{
		{ID: "a", Status: model.NodeStatusFailed, UpdatedAt: failedAt},
		node("b", model.NodeStatusPending, 1, "a"),
	}

	changes := PropagateBlocked(nodes, 5*time.Minute, now)
	if len(changes) != 0 {
		t.Fatalf("changes = %+v, want none within grace window", changes)
	}
	if nodes[1].Status != model.NodeStatusPending {
		t.Errorf("b = %s, want pending", nodes[1].Status)
	}
}

func TestPropagateBlocked_UnblocksAfterRecovery(t *testing.T) {
	now := time.Now().UTC()
	nodes := []model.MacroNode{
		node("a", model.NodeStatusDone, 0), // retried and succeeded
		node("b", model.NodeStatusBlocked, 1, "a"),
	}
	nodes[1].BlockedBy = model.BlockCauseDependency

	changes := PropagateBlocked(nodes, 5*time.Minute, now)
	if len(changes) != 1 || changes[0].To != model.NodeStatusPending {
		t.Fatalf("changes = %+v, want b → pending", changes)
	}
	if nodes[1].Status != model.NodeStatusPending {
		t.Errorf("b = %s, want pending", nodes[1].Status)
	}
	if nodes[1].BlockedBy != "" {
		t.Errorf("blocked_by = %q, want cleared", nodes[1].BlockedBy)
	}
	// And it is runnable on the next evaluation.
	if got := runnableIDs(nodes); len(got) != 1 || got[0] != "b" {
		t.Errorf("runnable after unblock = %v, want [b]", got)
	}
}

func TestPropagateBlocked_AgentBlockStays(t *testing.T) {
	now := time.Now().UTC()
	nodes := []model.MacroNode{
		node("a", model.NodeStatusBlocked, 0),
		node("b", model.NodeStatusBlocked, 1, "a"),
	}
	nodes[0].BlockedBy = model.BlockCauseAgent
	nodes[1].BlockedBy = model.BlockCauseAgent

	// A node the agent reported blocked has no failed dependency to recover;
	// repeated passes must still leave it alone.
	for pass := 0; pass < 3; pass++ {
		if changes := PropagateBlocked(nodes, 5*time.Minute, now); len(changes) != 0 {
			t.Fatalf("pass %d: changes = %+v, want none", pass, changes)
		}
	}
	if nodes[0].Status != model.NodeStatusBlocked || nodes[1].Status != model.NodeStatusBlocked {
		t.Errorf("a=%s b=%s, want both still blocked", nodes[0].Status, nodes[1].Status)
	}
}

func TestTransitiveDependents(t *testing.T) {
	nodes := []model.MacroNode{
		node("a", model.NodeStatusFailed, 0),
		node("b", model.NodeStatusPending, 1, "a"),
		node("c", model.NodeStatusPending, 2, "b"),
		node("d", model.NodeStatusPending, 3, "c"),
		node("x", model.NodeStatusPending, 4),
	}

	got := TransitiveDependents(nodes, "a")
	if len(got) != 3 {
		t.Fatalf("dependents = %v, want b c d", got)
	}
	seen := map[string]bool{}
	for _, id := range got {
		seen[id] = true
	}
	for _, want := range []string{"b", "c", "d"} {
		if !seen[want] {
			t.Errorf("missing dependent %s", want)
		}
	}
	if seen["x"] {
		t.Error("unrelated node reported as dependent")
	}
}

func TestValidateDAG_Valid(t *testing.T) {
	nodes := []model.MacroNode{
		node("a", model.NodeStatusPending, 0),
		node("b", model.NodeStatusPending, 1, "a"),
		node("c", model.NodeStatusPending, 2, "a", "b"),
	}
	sorted, err := ValidateDAG(nodes)
	if err != nil {
		t.Fatalf("ValidateDAG: %v", err)
	}
	pos := map[string]int{}
	for i, id := range sorted {
		pos[id] = i
	}
	if !(pos["a"] < pos["b"] && pos["b"] < pos["c"]) {
		t.Errorf("topological order violated: %v", sorted)
	}
}

func TestValidateDAG_Cycle(t *testing.T) {
	nodes := []model.MacroNode{
		node("a", model.NodeStatusPending, 0, "c"),
		node("b", model.NodeStatusPending, 1, "a"),
		node("c", model.NodeStatusPending, 2, "b"),
	}
	_, err := ValidateDAG(nodes)
	if err == nil {
		t.Fatal("expected cycle error")
	}
	var cycleErr *CycleError
	if !errors.As(err, &cycleErr) {
		t.Fatalf("error type = %T", err)
	}
	if len(cycleErr.Path) < 4 {
		t.Errorf("cycle path too short: %v", cycleErr.Path)
	}
}

func TestDiagnose_StalledOnCycle(t *testing.T) {
	nodes := []model.MacroNode{
		node("a", model.NodeStatusPending, 0, "b"),
		node("b", model.NodeStatusPending, 1, "a"),
	}
	d := Diagnose(nodes)
	if !d.Stalled {
		t.Fatal("cyclic blueprint not reported as stalled")
	}
	if len(d.CyclePath) == 0 {
		t.Error("stall diagnostic missing cycle path")
	}
}

func TestDiagnose_DanglingReported(t *testing.T) {
	nodes := []model.MacroNode{
		node("a", model.NodeStatusPending, 0, "ghost"),
	}
	d := Diagnose(nodes)
	if !d.Stalled {
		t.Fatal("dangling-only blueprint not stalled")
	}
	if deps := d.Dangling["a"]; len(deps) != 1 || deps[0] != "ghost" {
		t.Errorf("dangling = %v", d.Dangling)
	}
}

func TestDiagnose_NotStalledWhileRunning(t *testing.T) {
	nodes := []model.MacroNode{
		node("a", model.NodeStatusRunning, 0),
		node("b", model.NodeStatusPending, 1, "a"),
	}
	if d := Diagnose(nodes); d.Stalled {
		t.Error("blueprint with a running node reported stalled")
	}
}
