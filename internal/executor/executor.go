// Package executor is the blueprint state machine: it selects runnable nodes,
// launches agent sessions for them, classifies the outcomes, and drives node
// and blueprint status transitions.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"syscall"
	"time"

	"github.com/rfujimoto/macroplan/internal/agentrt"
	"github.com/rfujimoto/macroplan/internal/events"
	"github.com/rfujimoto/macroplan/internal/graph"
	"github.com/rfujimoto/macroplan/internal/logutil"
	"github.com/rfujimoto/macroplan/internal/model"
	"github.com/rfujimoto/macroplan/internal/queue"
	"github.com/rfujimoto/macroplan/internal/store"
	"github.com/rfujimoto/macroplan/internal/transcript"
)

// ErrNotRunnable means the node exists but its preconditions fail: wrong
// status, unsatisfied dependencies, or an unapproved blueprint. Surfaced to
// clients as a validation error, never a crash.
var ErrNotRunnable = errors.New("node is not runnable")

// NextOutcome tells the caller of ExecuteNextNode why nothing more happened.
type NextOutcome int

const (
	// OutcomeDispatched means a node was selected and executed.
	OutcomeDispatched NextOutcome = iota
	// OutcomeNothingToDo means every node already reached a terminal status.
	OutcomeNothingToDo
	// OutcomeStalled means work remains but nothing is runnable: the
	// remaining nodes are blocked, dangling, or cyclic.
	OutcomeStalled
)

// RuntimeProvider resolves an agent runtime by name. *agentrt.Registry is the
// production implementation; tests substitute fakes.
type RuntimeProvider interface {
	Get(name string) (agentrt.Runtime, error)
}

type Executor struct {
	cfg      model.Config
	store    *store.Store
	runtimes RuntimeProvider
	ctrl     *queue.Controller
	bus      *events.Bus
	logger   *log.Logger
	logLevel logutil.Level
}

func New(cfg model.Config, st *store.Store, runtimes RuntimeProvider, ctrl *queue.Controller, bus *events.Bus, logger *log.Logger, logLevel logutil.Level) *Executor {
	return &Executor{
		cfg:      cfg,
		store:    st,
		runtimes: runtimes,
		ctrl:     ctrl,
		bus:      bus,
		logger:   logger,
		logLevel: logLevel,
	}
}

// ExecuteNode runs one node to completion, holding the blueprint's
// single-flight token for the whole call. A second call against the same
// blueprint fails fast with queue.ErrBusy.
func (e *Executor) ExecuteNode(ctx context.Context, blueprintID, nodeID string) error {
	if err := e.ctrl.TryAcquire(blueprintID); err != nil {
		return err
	}
	defer e.ctrl.Release(blueprintID)
	return e.runNode(ctx, blueprintID, nodeID)
}

// ExecuteNextNode runs the highest-priority runnable node (lowest order).
// The outcome distinguishes "all work finished" from "work remains but
// nothing can run".
func (e *Executor) ExecuteNextNode(ctx context.Context, blueprintID string) (NextOutcome, error) {
	if err := e.ctrl.TryAcquire(blueprintID); err != nil {
		return OutcomeNothingToDo, err
	}
	defer e.ctrl.Release(blueprintID)
	return e.runNext(ctx, blueprintID)
}

// ExecuteAllNodes drains the blueprint: it repeatedly runs the next runnable
// node until none remain, then settles the blueprint status (done when every
// node ended done/skipped, failed otherwise). Calling it while the blueprint
// already has an execution in flight is a no-op.
func (e *Executor) ExecuteAllNodes(ctx context.Context, blueprintID string) error {
	if err := e.ctrl.TryAcquire(blueprintID); err != nil {
		if errors.Is(err, queue.ErrBusy) {
			e.log(logutil.LevelInfo, "run_all_noop blueprint=%s reason=busy", blueprintID)
			return nil
		}
		return err
	}
	defer e.ctrl.Release(blueprintID)
	return e.drainAll(ctx, blueprintID)
}

// RunQueuedTask executes one task popped from the pending queue. The queue
// controller already holds the blueprint's single-flight token; it is
// released here when the task finishes. A task whose node settled between
// enqueue and dispatch is dropped silently.
func (e *Executor) RunQueuedTask(ctx context.Context, task model.PendingTask) error {
	defer e.ctrl.Release(task.BlueprintID)

	switch task.Type {
	case model.TaskRun:
		if task.NodeID == "" {
			return e.drainAll(ctx, task.BlueprintID)
		}
		err := e.runNode(ctx, task.BlueprintID, task.NodeID)
		if errors.Is(err, ErrNotRunnable) {
			e.log(logutil.LevelInfo, "task_skipped task=%s node=%s reason=not_runnable", task.ID, task.NodeID)
			return nil
		}
		return err
	case model.TaskReevaluate:
		_, err := e.runNext(ctx, task.BlueprintID)
		return err
	default:
		// Authoring task types (generate, enrich, split, smart-dependency-pick)
		// stay in the queue taxonomy for clients but have no daemon-side
		// handler yet.
		e.log(logutil.LevelWarn, "task_unhandled task=%s type=%s", task.ID, task.Type)
		return nil
	}
}

// drainAll runs the blueprint to quiescence. The caller holds the
// single-flight token.
func (e *Executor) drainAll(ctx context.Context, blueprintID string) error {
	e.publish(events.EventBlueprintStarted, map[string]any{"blueprint_id": blueprintID})

	var outcome NextOutcome
	raced := 0
	for {
		var err error
		outcome, err = e.runNext(ctx, blueprintID)
		if err != nil {
			// A selected node can stop being runnable between selection and
			// start when a concurrent cancel rewrites state. Re-evaluate a
			// bounded number of times.
			if errors.Is(err, ErrNotRunnable) && raced < 3 {
				raced++
				continue
			}
			return err
		}
		raced = 0
		if outcome != OutcomeDispatched {
			break
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	return e.settleBlueprint(blueprintID, outcome)
}

func (e *Executor) runNext(ctx context.Context, blueprintID string) (NextOutcome, error) {
	bf, err := e.store.Load(blueprintID)
	if err != nil {
		return OutcomeNothingToDo, err
	}

	runnable := graph.RunnableNodes(bf.Nodes)
	if len(runnable) == 0 {
		if d := graph.Diagnose(bf.Nodes); d.Stalled {
			e.log(logutil.LevelWarn, "blueprint_stalled blueprint=%s remaining=%d cycle=%v", blueprintID, d.Remaining, d.CyclePath)
			e.publish(events.EventBlueprintStalled, map[string]any{
				"blueprint_id": blueprintID,
				"remaining":    d.Remaining,
			})
			return OutcomeStalled, nil
		}
		return OutcomeNothingToDo, nil
	}

	if err := e.runNode(ctx, blueprintID, runnable[0].ID); err != nil {
		return OutcomeDispatched, err
	}
	return OutcomeDispatched, nil
}

// settleBlueprint writes the final blueprint status after a run-all drain.
func (e *Executor) settleBlueprint(blueprintID string, outcome NextOutcome) error {
	var finalStatus model.BlueprintStatus
	_, err := e.store.Mutate(blueprintID, func(bf *model.BlueprintFile) error {
		allSettled := true
		for _, n := range bf.Nodes {
			if !model.NodeSatisfiesDependency(n.Status) {
				allSettled = false
				break
			}
		}

		target := model.BlueprintStatusDone
		if !allSettled {
			target = model.BlueprintStatusFailed
		}
		if bf.Blueprint.Status == target {
			finalStatus = target
			return nil
		}
		// A blueprint whose nodes were all skipped settles without ever
		// starting an execution; step it through running first.
		if bf.Blueprint.Status == model.BlueprintStatusApproved {
			bf.Blueprint.Status = model.BlueprintStatusRunning
		}
		if err := model.ValidateBlueprintTransition(bf.Blueprint.Status, target); err != nil {
			return err
		}
		bf.Blueprint.Status = target
		finalStatus = target
		return nil
	})
	if err != nil {
		return fmt.Errorf("settle blueprint %s: %w", blueprintID, err)
	}

	eventType := events.EventBlueprintCompleted
	if finalStatus == model.BlueprintStatusFailed {
		eventType = events.EventBlueprintFailed
	}
	e.publish(eventType, map[string]any{"blueprint_id": blueprintID, "status": string(finalStatus)})
	e.log(logutil.LevelInfo, "blueprint_settled blueprint=%s status=%s stalled=%v", blueprintID, finalStatus, outcome == OutcomeStalled)
	return nil
}

// Cancel marks the node's running execution cancelled, best-effort kills its
// process, and drops any queued tasks for it. The in-flight run observes the
// cancelled execution when it finishes and leaves it untouched.
func (e *Executor) Cancel(blueprintID, nodeID string) error {
	var pid int
	_, err := e.store.Mutate(blueprintID, func(bf *model.BlueprintFile) error {
		now := time.Now().UTC().Format(time.RFC3339)
		cancelled := 0
		for i := range bf.Executions {
			exec := &bf.Executions[i]
			if exec.Status != model.ExecutionStatusRunning {
				continue
			}
			if nodeID != "" && exec.NodeID != nodeID {
				continue
			}
			exec.Status = model.ExecutionStatusCancelled
			exec.CompletedAt = &now
			pid = exec.PID
			cancelled++

			if node := bf.NodeByID(exec.NodeID); node != nil && node.Status == model.NodeStatusRunning {
				node.Status = model.NodeStatusPending
				node.UpdatedAt = now
			}
		}
		if cancelled == 0 {
			return fmt.Errorf("no running execution for blueprint %s node %q", blueprintID, nodeID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if pid > 0 {
		// Lingering processes are reconciled by crash recovery on the next
		// startup if the signal does not land.
		_ = syscall.Kill(pid, syscall.SIGTERM)
	}
	e.ctrl.DropPending(blueprintID, nodeID)
	e.log(logutil.LevelInfo, "cancelled blueprint=%s node=%s pid=%d", blueprintID, nodeID, pid)
	return nil
}

func (e *Executor) publish(t events.EventType, data map[string]any) {
	if e.bus != nil {
		e.bus.Publish(t, data)
	}
}

func (e *Executor) log(level logutil.Level, format string, args ...any) {
	if level < e.logLevel || e.logger == nil {
		return
	}
	e.logger.Printf("[executor] "+format, args...)
}

func (e *Executor) budgetFor(execType model.ExecutionType) time.Duration {
	b := e.cfg.Executor.Budgets
	minutes := b.PrimaryMin
	switch execType {
	case model.ExecutionTypeRetry:
		minutes = b.RetryMin
	case model.ExecutionTypeContinuation:
		minutes = b.ContinuationMin
	case model.ExecutionTypeSubtask:
		minutes = b.SubtaskMin
	}
	return time.Duration(minutes) * time.Minute
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// truncateHead keeps the first max bytes of s.
func truncateHead(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[:max]
	}
	return s
}

// truncateTail keeps the last max bytes of s. Used for output summaries where
// the agent's final report matters more than its preamble.
func truncateTail(s string, max int) string {
	if max > 0 && len(s) > max {
		return s[len(s)-max:]
	}
	return s
}

// classify combines the transcript report, the process exit, and the marker
// into the execution's final disposition.
type attemptResult struct {
	report     transcript.Report
	marker     transcript.CompletionMarker
	hasMarker  bool
	timedOut   bool
	outputGrew bool // whether the transcript grew near the deadline
	sessionID  string
	output     string
	elapsed    time.Duration
}
