package executor

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rfujimoto/macroplan/internal/agentrt"
	"github.com/rfujimoto/macroplan/internal/events"
	"github.com/rfujimoto/macroplan/internal/graph"
	"github.com/rfujimoto/macroplan/internal/logutil"
	"github.com/rfujimoto/macroplan/internal/model"
	"github.com/rfujimoto/macroplan/internal/transcript"
)

// attemptSpec is everything one spawn needs, captured from the store under
// the mutation lock so the run itself happens without holding it.
type attemptSpec struct {
	executionID   string
	executionType model.ExecutionType
	prompt        string
	workDir       string
	agent         string
	resumeSession string
}

// runNode drives one node through its attempt loop. The caller holds the
// blueprint's single-flight token.
func (e *Executor) runNode(ctx context.Context, blueprintID, nodeID string) error {
	spec, err := e.startNode(blueprintID, nodeID)
	if err != nil {
		return err
	}

	e.publish(events.EventNodeStarted, map[string]any{
		"blueprint_id": blueprintID,
		"node_id":      nodeID,
		"execution_id": spec.executionID,
	})

	for {
		result, runErr := e.runAttempt(ctx, blueprintID, spec)
		if runErr != nil {
			// Launch failures (binary missing, spawn slot lost to shutdown)
			// fail the execution but must not leave it marked running.
			e.failAttempt(blueprintID, nodeID, spec.executionID, runErr)
			return runErr
		}

		next, err := e.finishAttempt(blueprintID, nodeID, spec, result)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		spec = next
	}
}

// startNode validates preconditions and, in one write, marks the node
// running, transitions the blueprint if needed, and creates the running
// NodeExecution.
func (e *Executor) startNode(blueprintID, nodeID string) (*attemptSpec, error) {
	var spec attemptSpec
	_, err := e.store.Mutate(blueprintID, func(bf *model.BlueprintFile) error {
		node := bf.NodeByID(nodeID)
		if node == nil {
			return fmt.Errorf("%w: node %s does not exist", ErrNotRunnable, nodeID)
		}
		switch node.Status {
		case model.NodeStatusPending, model.NodeStatusFailed:
		case model.NodeStatusBlocked:
			// An explicit run is how an operator restarts a node after
			// resolving whatever the agent reported itself blocked on.
		default:
			return fmt.Errorf("%w: node %s has status %s", ErrNotRunnable, nodeID, node.Status)
		}
		if !graph.DepsSatisfied(node, bf.Nodes) {
			return fmt.Errorf("%w: node %s has unsatisfied dependencies", ErrNotRunnable, nodeID)
		}

		switch bf.Blueprint.Status {
		case model.BlueprintStatusRunning:
		case model.BlueprintStatusApproved, model.BlueprintStatusPaused, model.BlueprintStatusFailed:
			if err := model.ValidateBlueprintTransition(bf.Blueprint.Status, model.BlueprintStatusRunning); err != nil {
				return err
			}
			bf.Blueprint.Status = model.BlueprintStatusRunning
		default:
			return fmt.Errorf("%w: blueprint %s has status %s", ErrNotRunnable, blueprintID, bf.Blueprint.Status)
		}

		spec = e.nextAttemptSpec(bf, node)

		now := nowRFC3339()
		node.Status = model.NodeStatusRunning
		node.BlockedBy = ""
		node.UpdatedAt = now
		bf.Executions = append(bf.Executions, model.NodeExecution{
			ID:          spec.executionID,
			NodeID:      nodeID,
			BlueprintID: blueprintID,
			Type:        spec.executionType,
			Status:      model.ExecutionStatusRunning,
			StartedAt:   now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &spec, nil
}

// nextAttemptSpec decides the execution type for the next attempt and builds
// its prompt. First attempt is primary; later attempts are retries, except
// that a context-exhausted predecessor escalates to a continuation of the
// same external session with a condensed prompt.
func (e *Executor) nextAttemptSpec(bf *model.BlueprintFile, node *model.MacroNode) attemptSpec {
	spec := attemptSpec{
		executionID:   model.MustGenerateID(model.IDTypeExecution),
		executionType: model.ExecutionTypePrimary,
		workDir:       bf.Blueprint.WorkDir,
		agent:         bf.Blueprint.Agent,
	}

	prior := 0
	var latest *model.NodeExecution
	for i := range bf.Executions {
		exec := &bf.Executions[i]
		if exec.NodeID != node.ID || exec.Type == model.ExecutionTypeSubtask {
			continue
		}
		prior++
		latest = exec
	}

	if prior > 0 {
		spec.executionType = model.ExecutionTypeRetry
		if latest != nil && latest.Health.FailureReason == model.FailureContextExhausted && latest.SessionID != "" {
			spec.executionType = model.ExecutionTypeContinuation
			spec.resumeSession = latest.SessionID
		}
	}

	if spec.executionType == model.ExecutionTypeContinuation {
		spec.prompt = e.buildContinuationPrompt(node)
	} else {
		spec.prompt = e.buildPrompt(bf, node)
	}
	return spec
}

// buildPrompt concatenates the most recent artifact from each dependency
// (truncated per artifact) with the node's own instructions.
func (e *Executor) buildPrompt(bf *model.BlueprintFile, node *model.MacroNode) string {
	var sb strings.Builder

	sb.WriteString("You are executing one step of a larger plan")
	if bf.Blueprint.Title != "" {
		fmt.Fprintf(&sb, ": %s", bf.Blueprint.Title)
	}
	sb.WriteString(".\n\n")

	for _, depID := range node.Dependencies {
		art := latestArtifactFor(bf, depID, node.ID)
		if art == nil {
			continue
		}
		dep := bf.NodeByID(depID)
		title := depID
		if dep != nil && dep.Title != "" {
			title = dep.Title
		}
		fmt.Fprintf(&sb, "## Handoff from completed step %q\n%s\n\n",
			title, truncateHead(art.Content, e.cfg.Executor.ArtifactContextBytes))
	}

	fmt.Fprintf(&sb, "## Your task: %s\n", node.Title)
	if instructions := nodeInstructions(node); instructions != "" {
		sb.WriteString(instructions)
		sb.WriteString("\n")
	}
	sb.WriteString("\nWhen finished, print a final line exactly of the form\n")
	sb.WriteString("MACROPLAN_STATUS: done|failed|blocked [reason]\n")
	return sb.String()
}

func (e *Executor) buildContinuationPrompt(node *model.MacroNode) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Your previous session for the task %q ran out of context before finishing.\n", node.Title)
	sb.WriteString("Continue from where you left off. Re-read your own notes and the working tree instead of re-deriving prior work.\n")
	if instructions := nodeInstructions(node); instructions != "" {
		sb.WriteString("\nOriginal task instructions:\n")
		sb.WriteString(instructions)
		sb.WriteString("\n")
	}
	sb.WriteString("\nWhen finished, print a final line exactly of the form\n")
	sb.WriteString("MACROPLAN_STATUS: done|failed|blocked [reason]\n")
	return sb.String()
}

func nodeInstructions(node *model.MacroNode) string {
	if node.PromptOverride != "" {
		return node.PromptOverride
	}
	return node.Description
}

// latestArtifactFor returns the dependency's most recent artifact, preferring
// one addressed to the consuming node.
func latestArtifactFor(bf *model.BlueprintFile, depID, targetNodeID string) *model.Artifact {
	var latest, targeted *model.Artifact
	for i := range bf.Artifacts {
		art := &bf.Artifacts[i]
		if art.NodeID != depID {
			continue
		}
		if art.TargetNodeID == targetNodeID {
			targeted = art
		}
		if art.TargetNodeID == "" {
			latest = art
		}
	}
	if targeted != nil {
		return targeted
	}
	return latest
}

// runAttempt spawns the agent under a global slot and the type's wall-clock
// budget, then classifies the transcript.
func (e *Executor) runAttempt(ctx context.Context, blueprintID string, spec *attemptSpec) (*attemptResult, error) {
	rt, err := e.runtimes.Get(spec.agent)
	if err != nil {
		return nil, err
	}

	if err := e.ctrl.AcquireSpawnSlot(ctx); err != nil {
		return nil, err
	}
	defer e.ctrl.ReleaseSpawnSlot()

	budget := e.budgetFor(spec.executionType)
	runCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	started := time.Now()
	watch := newGrowthWatch(rt, spec.workDir, started, time.Duration(e.cfg.Executor.HungCheckIntervalSec)*time.Second)
	defer watch.stop()

	req := agentrt.RunRequest{
		Prompt:  spec.prompt,
		WorkDir: spec.workDir,
		OnPid: func(pid int) {
			e.recordPid(blueprintID, spec.executionID, pid)
		},
	}

	e.log(logutil.LevelInfo, "attempt_started execution=%s type=%s agent=%s budget=%s",
		spec.executionID, spec.executionType, rt.Name(), budget)

	var result *agentrt.SessionResult
	if spec.resumeSession != "" {
		result, err = rt.ResumeSession(runCtx, spec.resumeSession, req)
	} else {
		result, err = rt.RunSession(runCtx, req)
	}
	if err != nil {
		return nil, fmt.Errorf("agent launch: %w", err)
	}

	ar := &attemptResult{
		timedOut:   runCtx.Err() == context.DeadlineExceeded,
		outputGrew: watch.grewRecently(),
		sessionID:  result.SessionID,
		output:     result.Output,
		elapsed:    time.Since(started),
	}

	if result.TranscriptPath != "" {
		if evs, perr := rt.TranscriptEvents(result.TranscriptPath); perr == nil {
			ar.report = transcript.Analyze(evs)
		} else {
			e.log(logutil.LevelWarn, "transcript_parse_failed execution=%s error=%v", spec.executionID, perr)
		}
	}
	if ar.report.FailureReason == model.FailureNone && result.ExitErr != nil && !ar.timedOut {
		ar.report.FailureReason = model.FailureError
		ar.report.Detail = result.ExitErr.Error()
	}
	ar.marker, ar.hasMarker = transcript.ParseCompletionMarker(result.Output)
	return ar, nil
}

// recordPid persists the external pid as soon as it is known so crash
// recovery can probe liveness.
func (e *Executor) recordPid(blueprintID, executionID string, pid int) {
	_, err := e.store.Mutate(blueprintID, func(bf *model.BlueprintFile) error {
		if exec := bf.ExecutionByID(executionID); exec != nil {
			exec.PID = pid
		}
		return nil
	})
	if err != nil {
		e.log(logutil.LevelWarn, "record_pid_failed execution=%s error=%v", executionID, err)
	}
}

// failAttempt settles an execution whose process never ran.
func (e *Executor) failAttempt(blueprintID, nodeID, executionID string, cause error) {
	_, err := e.store.Mutate(blueprintID, func(bf *model.BlueprintFile) error {
		now := nowRFC3339()
		if exec := bf.ExecutionByID(executionID); exec != nil && exec.Status == model.ExecutionStatusRunning {
			exec.Status = model.ExecutionStatusFailed
			exec.CompletedAt = &now
			exec.Health.FailureReason = model.FailureError
			exec.Health.Detail = cause.Error()
		}
		if node := bf.NodeByID(nodeID); node != nil && node.Status == model.NodeStatusRunning {
			node.Status = model.NodeStatusFailed
			msg := cause.Error()
			node.LastError = &msg
			node.UpdatedAt = now
		}
		return nil
	})
	if err != nil {
		e.log(logutil.LevelError, "fail_attempt_persist execution=%s error=%v", executionID, err)
	}
}

// finishAttempt persists the attempt outcome and decides whether to retry.
// It returns the spec for the next attempt, or nil when the node settled.
func (e *Executor) finishAttempt(blueprintID, nodeID string, spec *attemptSpec, ar *attemptResult) (*attemptSpec, error) {
	reason := ar.report.FailureReason
	detail := ar.report.Detail
	if ar.timedOut {
		reason = model.FailureTimeout
		detail = "wall-clock budget exceeded"
		if !ar.outputGrew {
			reason = model.FailureHung
			detail = "budget exceeded with no transcript growth"
		}
	}

	var nodeStatus model.NodeStatus
	var retrySpec *attemptSpec

	_, err := e.store.Mutate(blueprintID, func(bf *model.BlueprintFile) error {
		exec := bf.ExecutionByID(spec.executionID)
		if exec == nil {
			return fmt.Errorf("execution %s vanished", spec.executionID)
		}
		if exec.Status != model.ExecutionStatusRunning {
			// Cancelled out from under us; leave everything as Cancel wrote it.
			nodeStatus = ""
			return nil
		}

		node := bf.NodeByID(nodeID)
		if node == nil {
			return fmt.Errorf("node %s vanished", nodeID)
		}

		now := nowRFC3339()
		exec.CompletedAt = &now
		exec.SessionID = ar.sessionID
		exec.OutputSummary = truncateTail(ar.output, e.cfg.Executor.OutputSummaryBytes)
		exec.Health = ar.report.Health()
		exec.Health.FailureReason = reason
		exec.Health.Detail = detail
		if ar.hasMarker {
			exec.Health.ReportedStatus = ar.marker.Status
			exec.Health.ReportedReason = ar.marker.Reason
		}

		node.ActualMinutes += ar.elapsed.Minutes()
		node.UpdatedAt = now

		// The agent's explicit self-report wins over heuristics; a timeout
		// means the report never arrived, so heuristics take over.
		switch {
		case ar.hasMarker && !ar.timedOut && ar.marker.Status == "done":
			exec.Status = model.ExecutionStatusDone
			nodeStatus = model.NodeStatusDone
		case ar.hasMarker && !ar.timedOut && ar.marker.Status == "blocked":
			exec.Status = model.ExecutionStatusDone
			nodeStatus = model.NodeStatusBlocked
			// Agent-reported blocks are not lifted by the dependency
			// re-evaluation pass.
			node.BlockedBy = model.BlockCauseAgent
		case ar.hasMarker && !ar.timedOut && ar.marker.Status == "failed":
			exec.Status = model.ExecutionStatusFailed
			nodeStatus = model.NodeStatusFailed
		case reason == model.FailureNone:
			exec.Status = model.ExecutionStatusDone
			nodeStatus = model.NodeStatusDone
		default:
			exec.Status = model.ExecutionStatusFailed
			nodeStatus = model.NodeStatusFailed
		}

		if nodeStatus == model.NodeStatusFailed {
			attempts := countAttempts(bf, nodeID)
			if attempts < e.cfg.Executor.MaxAttempts {
				node.Status = model.NodeStatusRunning // stays running across the retry
				next := e.nextAttemptSpec(bf, node)
				bf.Executions = append(bf.Executions, model.NodeExecution{
					ID:          next.executionID,
					NodeID:      nodeID,
					BlueprintID: blueprintID,
					Type:        next.executionType,
					Status:      model.ExecutionStatusRunning,
					StartedAt:   now,
				})
				retrySpec = &next
				return nil
			}
			msg := string(reason)
			if ar.hasMarker && ar.marker.Reason != "" {
				msg = ar.marker.Reason
			} else if detail != "" {
				msg = detail
			}
			node.LastError = &msg
		}

		node.Status = nodeStatus

		if nodeStatus == model.NodeStatusDone && exec.OutputSummary != "" {
			bf.Artifacts = append(bf.Artifacts, model.Artifact{
				ID:          model.MustGenerateID(model.IDTypeArtifact),
				BlueprintID: blueprintID,
				NodeID:      nodeID,
				Kind:        model.ArtifactHandoffSummary,
				Content:     exec.OutputSummary,
				CreatedAt:   now,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if retrySpec != nil {
		e.log(logutil.LevelInfo, "attempt_retry node=%s execution=%s reason=%s next_type=%s",
			nodeID, spec.executionID, reason, retrySpec.executionType)
		return retrySpec, nil
	}

	switch nodeStatus {
	case model.NodeStatusDone:
		e.publish(events.EventNodeCompleted, map[string]any{
			"blueprint_id": blueprintID, "node_id": nodeID, "execution_id": spec.executionID,
		})
	case model.NodeStatusFailed:
		e.publish(events.EventNodeFailed, map[string]any{
			"blueprint_id": blueprintID, "node_id": nodeID, "execution_id": spec.executionID,
			"reason": string(reason),
		})
	case model.NodeStatusBlocked:
		e.publish(events.EventNodeBlocked, map[string]any{
			"blueprint_id": blueprintID, "node_id": nodeID, "execution_id": spec.executionID,
		})
	}
	e.log(logutil.LevelInfo, "attempt_finished node=%s execution=%s status=%s reason=%s",
		nodeID, spec.executionID, nodeStatus, reason)
	return nil, nil
}

// countAttempts counts completed non-subtask executions for the node.
func countAttempts(bf *model.BlueprintFile, nodeID string) int {
	n := 0
	for i := range bf.Executions {
		exec := &bf.Executions[i]
		if exec.NodeID == nodeID && exec.Type != model.ExecutionTypeSubtask && exec.Status != model.ExecutionStatusRunning {
			n++
		}
	}
	return n
}

// growthWatch samples the newest session transcript during a run so a budget
// overrun can be split into timeout (still producing output) and hung (output
// stopped growing).
type growthWatch struct {
	stopCh chan struct{}
	grewCh chan bool
}

func newGrowthWatch(rt agentrt.Runtime, workDir string, started time.Time, interval time.Duration) *growthWatch {
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	w := &growthWatch{
		stopCh: make(chan struct{}),
		grewCh: make(chan bool, 1),
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var lastSize int64 = -1
		grew := true // before the first sample, give the agent the benefit of the doubt
		for {
			select {
			case <-w.stopCh:
				w.grewCh <- grew
				return
			case <-ticker.C:
				_, path := rt.DetectNewSession(workDir, started)
				var size int64 = -1
				if path != "" {
					if info, err := os.Stat(path); err == nil {
						size = info.Size()
					}
				}
				grew = size != lastSize
				lastSize = size
			}
		}
	}()
	return w
}

func (w *growthWatch) stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
}

// grewRecently reports whether the transcript grew during the last sampling
// interval. Must be called before stop's deferred execution completes the
// run; it stops the watcher itself.
func (w *growthWatch) grewRecently() bool {
	w.stop()
	return <-w.grewCh
}
