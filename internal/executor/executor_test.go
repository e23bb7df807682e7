package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rfujimoto/macroplan/internal/agentrt"
	"github.com/rfujimoto/macroplan/internal/events"
	"github.com/rfujimoto/macroplan/internal/graph"
	"github.com/rfujimoto/macroplan/internal/logutil"
	"github.com/rfujimoto/macroplan/internal/model"
	"github.com/rfujimoto/macroplan/internal/queue"
	"github.com/rfujimoto/macroplan/internal/store"
	"github.com/rfujimoto/macroplan/internal/transcript"
)

// scripted is one fake agent run outcome.
type scripted struct {
	output  string
	events  []transcript.Event
	exitErr error
	delay   time.Duration
}

// fakeRuntime plays back scripted results in order and records every call.
type fakeRuntime struct {
	mu      sync.Mutex
	script  []scripted
	calls   int
	resumes []string // session ids passed to ResumeSession
	byPath  map[string][]transcript.Event
}

func newFakeRuntime(script ...scripted) *fakeRuntime {
	return &fakeRuntime{script: script, byPath: make(map[string][]transcript.Event)}
}

func (f *fakeRuntime) Name() string { return "fake" }

func (f *fakeRuntime) next() scripted {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.script) {
		f.calls++
		return scripted{output: "MACROPLAN_STATUS: done\n"}
	}
	s := f.script[f.calls]
	f.calls++
	return s
}

func (f *fakeRuntime) run(ctx context.Context, req agentrt.RunRequest) (*agentrt.SessionResult, error) {
	s := f.next()
	if req.OnPid != nil {
		// Out of range for real pids so a cancel's SIGTERM has no target.
		req.OnPid(1 << 30)
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
		}
	}

	f.mu.Lock()
	sessionID := fmt.Sprintf("sess-%d", f.calls)
	path := fmt.Sprintf("fake-transcript-%d", f.calls)
	f.byPath[path] = s.events
	f.mu.Unlock()

	return &agentrt.SessionResult{
		SessionID:      sessionID,
		Output:         s.output,
		TranscriptPath: path,
		ExitErr:        s.exitErr,
	}, nil
}

func (f *fakeRuntime) RunSession(ctx context.Context, req agentrt.RunRequest) (*agentrt.SessionResult, error) {
	return f.run(ctx, req)
}

func (f *fakeRuntime) ResumeSession(ctx context.Context, sessionID string, req agentrt.RunRequest) (*agentrt.SessionResult, error) {
	f.mu.Lock()
	f.resumes = append(f.resumes, sessionID)
	f.mu.Unlock()
	return f.run(ctx, req)
}

func (f *fakeRuntime) DetectNewSession(workDir string, since time.Time) (string, string) {
	return "", ""
}

func (f *fakeRuntime) TranscriptEvents(path string) ([]transcript.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	evs, ok := f.byPath[path]
	if !ok {
		return nil, errors.New("unknown transcript")
	}
	return evs, nil
}

func (f *fakeRuntime) IsProcessAlive(pid int) bool { return false }

type fakeProvider struct{ rt agentrt.Runtime }

func (p fakeProvider) Get(name string) (agentrt.Runtime, error) { return p.rt, nil }

type harness struct {
	exec  *Executor
	store *store.Store
	ctrl  *queue.Controller
	rt    *fakeRuntime
}

func newHarness(t *testing.T, rt *fakeRuntime) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := model.ApplyDefaults(model.Config{})
	st := store.NewStore(dir)
	logger := log.New(os.Stderr, "", 0)
	ctrl := queue.NewController(dir, 4, logger, logutil.LevelError)
	bus := events.NewBus(10)
	t.Cleanup(bus.Close)

	return &harness{
		exec:  New(cfg, st, fakeProvider{rt: rt}, ctrl, bus, logger, logutil.LevelError),
		store: st,
		ctrl:  ctrl,
		rt:    rt,
	}
}

func seedChain(t *testing.T, st *store.Store, status model.BlueprintStatus, nodeSpecs ...[]string) {
	t.Helper()
	now := time.Now().UTC().Format(time.RFC3339)
	bf := &model.BlueprintFile{
		Blueprint: model.Blueprint{
			ID:        "bp_1",
			Title:     "test plan",
			Status:    status,
			CreatedAt: now,
			UpdatedAt: now,
		},
	}
	for i, spec := range nodeSpecs {
		bf.Nodes = append(bf.Nodes, model.MacroNode{
			ID:           spec[0],
			BlueprintID:  "bp_1",
			Order:        i + 1,
			Title:        "step " + spec[0],
			Description:  "do " + spec[0],
			Status:       model.NodeStatusPending,
			Dependencies: spec[1:],
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	require.NoError(t, st.Create(bf))
}

func TestExecuteAllNodes_LinearChainSucceeds(t *testing.T) {
	rt := newFakeRuntime(
		scripted{output: "did a\nMACROPLAN_STATUS: done\n"},
		scripted{output: "did b\nMACROPLAN_STATUS: done\n"},
		scripted{output: "did c\nMACROPLAN_STATUS: done\n"},
	)
	h := newHarness(t, rt)
	seedChain(t, h.store, model.BlueprintStatusApproved,
		[]string{"node_a"},
		[]string{"node_b", "node_a"},
		[]string{"node_c", "node_b"},
	)

	require.NoError(t, h.exec.ExecuteAllNodes(context.Background(), "bp_1"))

	bf, err := h.store.Load("bp_1")
	require.NoError(t, err)

	assert.Equal(t, model.BlueprintStatusDone, bf.Blueprint.Status)
	for _, n := range bf.Nodes {
		assert.Equal(t, model.NodeStatusDone, n.Status, "node %s", n.ID)
		assert.Greater(t, n.ActualMinutes, 0.0)
	}

	require.Len(t, bf.Executions, 3)
	for _, exec := range bf.Executions {
		assert.Equal(t, model.ExecutionTypePrimary, exec.Type)
		assert.Equal(t, model.ExecutionStatusDone, exec.Status)
		assert.NotNil(t, exec.CompletedAt)
	}

	// Each completed node leaves a handoff artifact for its dependents.
	assert.Len(t, bf.Artifacts, 3)
	for _, art := range bf.Artifacts {
		assert.Equal(t, model.ArtifactHandoffSummary, art.Kind)
	}
}

func TestExecuteNode_NotRunnable(t *testing.T) {
	h := newHarness(t, newFakeRuntime())
	seedChain(t, h.store, model.BlueprintStatusApproved,
		[]string{"node_a"},
		[]string{"node_b", "node_a"},
	)

	// Dependency not satisfied.
	err := h.exec.ExecuteNode(context.Background(), "bp_1", "node_b")
	assert.ErrorIs(t, err, ErrNotRunnable)

	// Unknown node.
	err = h.exec.ExecuteNode(context.Background(), "bp_1", "node_zzz")
	assert.ErrorIs(t, err, ErrNotRunnable)

	bf, _ := h.store.Load("bp_1")
	assert.Empty(t, bf.Executions, "no execution row for rejected runs")
}

func TestExecuteNode_DraftBlueprintRejected(t *testing.T) {
	h := newHarness(t, newFakeRuntime())
	seedChain(t, h.store, model.BlueprintStatusDraft, []string{"node_a"})

	err := h.exec.ExecuteNode(context.Background(), "bp_1", "node_a")
	assert.ErrorIs(t, err, ErrNotRunnable)
}

func TestExecuteNode_SameBlueprintSerializes(t *testing.T) {
	rt := newFakeRuntime(scripted{output: "MACROPLAN_STATUS: done\n", delay: 300 * time.Millisecond})
	h := newHarness(t, rt)
	seedChain(t, h.store, model.BlueprintStatusApproved, []string{"node_a"}, []string{"node_b"})

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		done <- h.exec.ExecuteNode(context.Background(), "bp_1", "node_a")
	}()
	<-started
	time.Sleep(100 * time.Millisecond) // let the first call take the token

	err := h.exec.ExecuteNode(context.Background(), "bp_1", "node_b")
	assert.ErrorIs(t, err, queue.ErrBusy)

	require.NoError(t, <-done)
}

func TestExecuteNode_RetryEscalatesToContinuation(t *testing.T) {
	exhausted := []transcript.Event{
		{Kind: transcript.EventMessage, Role: "assistant", TotalTokens: 160_000},
		{Kind: transcript.EventCompaction},
		{Kind: transcript.EventMessage, Role: "assistant", TotalTokens: 80_000},
		{Kind: transcript.EventCompaction},
	}
	rt := newFakeRuntime(
		scripted{output: "ran out of room", events: exhausted, exitErr: errors.New("exit status 1")},
		scripted{output: "picked up and finished\nMACROPLAN_STATUS: done\n"},
	)
	h := newHarness(t, rt)
	seedChain(t, h.store, model.BlueprintStatusApproved, []string{"node_a"})

	require.NoError(t, h.exec.ExecuteNode(context.Background(), "bp_1", "node_a"))

	bf, err := h.store.Load("bp_1")
	require.NoError(t, err)
	assert.Equal(t, model.NodeStatusDone, bf.NodeByID("node_a").Status)

	require.Len(t, bf.Executions, 2)
	first, second := bf.Executions[0], bf.Executions[1]
	assert.Equal(t, model.ExecutionTypePrimary, first.Type)
	assert.Equal(t, model.ExecutionStatusFailed, first.Status)
	assert.Equal(t, model.FailureContextExhausted, first.Health.FailureReason)
	assert.Equal(t, model.PressureCritical, first.Health.ContextPressure)

	assert.Equal(t, model.ExecutionTypeContinuation, second.Type)
	assert.Equal(t, model.ExecutionStatusDone, second.Status)

	// The continuation resumed the exhausted session rather than starting over.
	require.Len(t, rt.resumes, 1)
	assert.Equal(t, first.SessionID, rt.resumes[0])
}

func TestExecuteNode_MarkerPrecedence(t *testing.T) {
	// Exit 0 and a clean transcript, but the agent itself reports failure.
	rt := newFakeRuntime(
		scripted{output: "tests are red\nMACROPLAN_STATUS: failed cannot satisfy acceptance criteria\n"},
		scripted{output: "MACROPLAN_STATUS: failed still red\n"},
		scripted{output: "MACROPLAN_STATUS: failed giving up\n"},
	)
	h := newHarness(t, rt)
	seedChain(t, h.store, model.BlueprintStatusApproved, []string{"node_a"})

	require.NoError(t, h.exec.ExecuteNode(context.Background(), "bp_1", "node_a"))

	bf, _ := h.store.Load("bp_1")
	node := bf.NodeByID("node_a")
	assert.Equal(t, model.NodeStatusFailed, node.Status)
	require.NotNil(t, node.LastError)
	assert.Equal(t, "giving up", *node.LastError)

	require.Len(t, bf.Executions, 3, "retried up to the attempt cap")
	assert.Equal(t, "failed", bf.Executions[0].Health.ReportedStatus)
	assert.Equal(t, "cannot satisfy acceptance criteria", bf.Executions[0].Health.ReportedReason)
}

func TestExecuteNode_BlockedMarker(t *testing.T) {
	rt := newFakeRuntime(
		scripted{output: "need credentials\nMACROPLAN_STATUS: blocked waiting on access\n"},
		scripted{output: "credentials arrived\nMACROPLAN_STATUS: done\n"},
	)
	h := newHarness(t, rt)
	seedChain(t, h.store, model.BlueprintStatusApproved, []string{"node_a"})

	require.NoError(t, h.exec.ExecuteNode(context.Background(), "bp_1", "node_a"))

	bf, _ := h.store.Load("bp_1")
	assert.Equal(t, model.NodeStatusBlocked, bf.NodeByID("node_a").Status)
	assert.Equal(t, model.BlockCauseAgent, bf.NodeByID("node_a").BlockedBy)
	require.Len(t, bf.Executions, 1, "blocked is not retried")
	assert.Equal(t, model.ExecutionStatusDone, bf.Executions[0].Status)
	assert.Equal(t, "blocked", bf.Executions[0].Health.ReportedStatus)

	// The scheduler's blocked re-evaluation must not flip the node back to
	// pending: it has no failed dependency, but the block came from the agent.
	changes := graph.PropagateBlocked(bf.Nodes, time.Minute, time.Now())
	assert.Empty(t, changes)
	assert.Equal(t, model.NodeStatusBlocked, bf.NodeByID("node_a").Status)

	// An explicit run restarts the blocked node and clears the cause.
	require.NoError(t, h.exec.ExecuteNode(context.Background(), "bp_1", "node_a"))
	bf, _ = h.store.Load("bp_1")
	assert.Equal(t, model.NodeStatusDone, bf.NodeByID("node_a").Status)
	assert.Empty(t, bf.NodeByID("node_a").BlockedBy)
}

func TestExecuteNode_DependencyArtifactFlowsIntoPrompt(t *testing.T) {
	rt := newFakeRuntime(
		scripted{output: "schema written to db/schema.sql\nMACROPLAN_STATUS: done\n"},
		scripted{output: "MACROPLAN_STATUS: done\n"},
	)
	h := newHarness(t, rt)
	seedChain(t, h.store, model.BlueprintStatusApproved,
		[]string{"node_a"},
		[]string{"node_b", "node_a"},
	)

	require.NoError(t, h.exec.ExecuteAllNodes(context.Background(), "bp_1"))

	bf, _ := h.store.Load("bp_1")
	require.NotEmpty(t, bf.Artifacts)

	// Rebuild the prompt node_b saw and verify the handoff was included.
	prompt := h.exec.buildPrompt(bf, bf.NodeByID("node_b"))
	assert.Contains(t, prompt, "schema written to db/schema.sql")
	assert.Contains(t, prompt, "step node_a")
}

func TestExecuteNextNode_Outcomes(t *testing.T) {
	rt := newFakeRuntime(scripted{output: "MACROPLAN_STATUS: done\n"})
	h := newHarness(t, rt)
	seedChain(t, h.store, model.BlueprintStatusApproved, []string{"node_a"})

	out, err := h.exec.ExecuteNextNode(context.Background(), "bp_1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDispatched, out)

	out, err = h.exec.ExecuteNextNode(context.Background(), "bp_1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNothingToDo, out)
}

func TestExecuteNextNode_StalledOnCycle(t *testing.T) {
	h := newHarness(t, newFakeRuntime())
	seedChain(t, h.store, model.BlueprintStatusApproved,
		[]string{"node_a", "node_b"},
		[]string{"node_b", "node_a"},
	)

	out, err := h.exec.ExecuteNextNode(context.Background(), "bp_1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeStalled, out)
}

func TestExecuteAllNodes_FailedNodeBlocksChain(t *testing.T) {
	rt := newFakeRuntime(
		scripted{output: "MACROPLAN_STATUS: failed broken\n"},
		scripted{output: "MACROPLAN_STATUS: failed broken\n"},
		scripted{output: "MACROPLAN_STATUS: failed broken\n"},
	)
	h := newHarness(t, rt)
	seedChain(t, h.store, model.BlueprintStatusApproved,
		[]string{"node_a"},
		[]string{"node_b", "node_a"},
		[]string{"node_c", "node_a"},
	)

	require.NoError(t, h.exec.ExecuteAllNodes(context.Background(), "bp_1"))

	bf, _ := h.store.Load("bp_1")
	assert.Equal(t, model.BlueprintStatusFailed, bf.Blueprint.Status)
	assert.Equal(t, model.NodeStatusFailed, bf.NodeByID("node_a").Status)
	// b and c never ran.
	assert.Equal(t, model.NodeStatusPending, bf.NodeByID("node_b").Status)
	assert.Equal(t, model.NodeStatusPending, bf.NodeByID("node_c").Status)
	for _, exec := range bf.Executions {
		assert.Equal(t, "node_a", exec.NodeID)
	}
}

func TestCancel_MarksExecutionAndResetsNode(t *testing.T) {
	rt := newFakeRuntime(scripted{output: "MACROPLAN_STATUS: done\n", delay: 2 * time.Second})
	h := newHarness(t, rt)
	seedChain(t, h.store, model.BlueprintStatusApproved, []string{"node_a"})

	done := make(chan error, 1)
	go func() {
		done <- h.exec.ExecuteNode(context.Background(), "bp_1", "node_a")
	}()

	// Wait for the execution row to appear.
	deadline := time.Now().Add(2 * time.Second)
	for {
		bf, err := h.store.Load("bp_1")
		require.NoError(t, err)
		if len(bf.Executions) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("execution never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.NoError(t, h.exec.Cancel("bp_1", "node_a"))

	bf, _ := h.store.Load("bp_1")
	assert.Equal(t, model.ExecutionStatusCancelled, bf.Executions[0].Status)
	assert.Equal(t, model.NodeStatusPending, bf.NodeByID("node_a").Status)

	// The in-flight run finishes without clobbering the cancelled state.
	require.NoError(t, <-done)
	bf, _ = h.store.Load("bp_1")
	assert.Equal(t, model.ExecutionStatusCancelled, bf.Executions[0].Status)
	assert.Equal(t, model.NodeStatusPending, bf.NodeByID("node_a").Status)
}

func TestExecuteAllNodes_ReentrantNoop(t *testing.T) {
	rt := newFakeRuntime(scripted{output: "MACROPLAN_STATUS: done\n", delay: 500 * time.Millisecond})
	h := newHarness(t, rt)
	seedChain(t, h.store, model.BlueprintStatusApproved, []string{"node_a"})

	done := make(chan error, 1)
	go func() {
		done <- h.exec.ExecuteAllNodes(context.Background(), "bp_1")
	}()
	time.Sleep(100 * time.Millisecond)

	// Second run-all while the first is in flight is a silent no-op.
	require.NoError(t, h.exec.ExecuteAllNodes(context.Background(), "bp_1"))
	require.NoError(t, <-done)

	bf, _ := h.store.Load("bp_1")
	require.Len(t, bf.Executions, 1, "no duplicate execution from the no-op call")
}
