// Package recovery reconciles persisted state with reality after a daemon
// restart: executions still marked running whose processes died while the
// daemon was down, and nodes stranded in running or queued with no execution
// backing them.
package recovery

import (
	"fmt"
	"log"
	"time"

	"github.com/rfujimoto/macroplan/internal/agentrt"
	"github.com/rfujimoto/macroplan/internal/events"
	"github.com/rfujimoto/macroplan/internal/logutil"
	"github.com/rfujimoto/macroplan/internal/model"
	"github.com/rfujimoto/macroplan/internal/store"
)

// RuntimeProvider resolves the runtime used for liveness and session probes.
type RuntimeProvider interface {
	Get(name string) (agentrt.Runtime, error)
}

type Service struct {
	store    *store.Store
	runtimes RuntimeProvider
	bus      *events.Bus
	logger   *log.Logger
	logLevel logutil.Level
}

func NewService(st *store.Store, runtimes RuntimeProvider, bus *events.Bus, logger *log.Logger, logLevel logutil.Level) *Service {
	return &Service{
		store:    st,
		runtimes: runtimes,
		bus:      bus,
		logger:   logger,
		logLevel: logLevel,
	}
}

// Summary counts what a recovery pass changed.
type Summary struct {
	Blueprints          int
	ExecutionsCompleted int // dead process but post-crash session evidence
	ExecutionsFailed    int // dead process, no evidence
	NodesRequeued       int
	Errors              []error
}

// RecoverAll runs both recovery passes over every stored blueprint. Per-
// blueprint failures are collected, not fatal: one corrupt blueprint must not
// keep the rest of the daemon from starting.
func (s *Service) RecoverAll() Summary {
	var sum Summary
	ids, err := s.store.ListIDs()
	if err != nil {
		sum.Errors = append(sum.Errors, err)
		return sum
	}

	for _, id := range ids {
		sum.Blueprints++
		completed, failed, err := s.SmartRecoverStaleExecutions(id)
		if err != nil {
			sum.Errors = append(sum.Errors, fmt.Errorf("recover executions %s: %w", id, err))
			continue
		}
		sum.ExecutionsCompleted += completed
		sum.ExecutionsFailed += failed

		requeued, err := s.RequeueOrphanedNodes(id)
		if err != nil {
			sum.Errors = append(sum.Errors, fmt.Errorf("requeue nodes %s: %w", id, err))
			continue
		}
		sum.NodesRequeued += requeued
	}

	s.log(logutil.LevelInfo, "recovery_done blueprints=%d completed=%d failed=%d requeued=%d errors=%d",
		sum.Blueprints, sum.ExecutionsCompleted, sum.ExecutionsFailed, sum.NodesRequeued, len(sum.Errors))
	return sum
}

// SmartRecoverStaleExecutions settles every running execution whose process
// no longer exists. A session transcript created after the execution started
// is taken as evidence the agent finished while the daemon was down, so the
// execution completes; otherwise it failed mid-flight and the node goes back
// to pending for a clean rerun.
func (s *Service) SmartRecoverStaleExecutions(blueprintID string) (completed, failed int, err error) {
	type recovered struct {
		executionID string
		nodeID      string
		outcome     model.ExecutionStatus
	}
	var changes []recovered

	_, err = s.store.Mutate(blueprintID, func(bf *model.BlueprintFile) error {
		rt, rerr := s.runtimes.Get(bf.Blueprint.Agent)
		if rerr != nil {
			return rerr
		}

		now := time.Now().UTC().Format(time.RFC3339)
		for i := range bf.Executions {
			exec := &bf.Executions[i]
			if exec.Status != model.ExecutionStatusRunning {
				continue
			}
			if rt.IsProcessAlive(exec.PID) {
				s.log(logutil.LevelDebug, "execution_alive execution=%s pid=%d", exec.ID, exec.PID)
				continue
			}

			exec.CompletedAt = &now
			sessionID, _ := rt.DetectNewSession(bf.Blueprint.WorkDir, startedAt(exec))
			if sessionID != "" {
				exec.Status = model.ExecutionStatusDone
				if exec.SessionID == "" {
					exec.SessionID = sessionID
				}
				if exec.OutputSummary == "" {
					exec.OutputSummary = fmt.Sprintf(
						"Recovered after a daemon restart: session %s finished while the daemon was down; output was not captured.", sessionID)
				}
				if node := bf.NodeByID(exec.NodeID); node != nil && node.Status == model.NodeStatusRunning {
					node.Status = model.NodeStatusDone
					node.UpdatedAt = now
				}
				completed++
				changes = append(changes, recovered{exec.ID, exec.NodeID, model.ExecutionStatusDone})
				continue
			}

			exec.Status = model.ExecutionStatusFailed
			exec.Health.FailureReason = model.FailureInterrupted
			exec.Health.Detail = "interrupted by restart"
			if node := bf.NodeByID(exec.NodeID); node != nil && node.Status == model.NodeStatusRunning {
				node.Status = model.NodeStatusPending
				node.UpdatedAt = now
			}
			failed++
			changes = append(changes, recovered{exec.ID, exec.NodeID, model.ExecutionStatusFailed})
		}
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	for _, c := range changes {
		s.log(logutil.LevelInfo, "execution_recovered blueprint=%s execution=%s node=%s outcome=%s",
			blueprintID, c.executionID, c.nodeID, c.outcome)
		s.publish(events.EventExecutionRecovered, map[string]any{
			"blueprint_id": blueprintID,
			"node_id":      c.nodeID,
			"execution_id": c.executionID,
			"outcome":      string(c.outcome),
		})
	}
	return completed, failed, nil
}

// RequeueOrphanedNodes resets running or queued nodes that have no running
// execution backing them. Runs after SmartRecoverStaleExecutions so nodes it
// already settled are not touched again.
func (s *Service) RequeueOrphanedNodes(blueprintID string) (int, error) {
	requeued := 0
	_, err := s.store.Mutate(blueprintID, func(bf *model.BlueprintFile) error {
		backed := make(map[string]bool)
		for i := range bf.Executions {
			if bf.Executions[i].Status == model.ExecutionStatusRunning {
				backed[bf.Executions[i].NodeID] = true
			}
		}

		now := time.Now().UTC().Format(time.RFC3339)
		for i := range bf.Nodes {
			node := &bf.Nodes[i]
			if node.Status != model.NodeStatusRunning && node.Status != model.NodeStatusQueued {
				continue
			}
			if backed[node.ID] {
				continue
			}
			node.Status = model.NodeStatusPending
			node.UpdatedAt = now
			requeued++
			s.log(logutil.LevelInfo, "node_requeued blueprint=%s node=%s", blueprintID, node.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return requeued, nil
}

func startedAt(exec *model.NodeExecution) time.Time {
	t, err := time.Parse(time.RFC3339, exec.StartedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *Service) publish(t events.EventType, data map[string]any) {
	if s.bus != nil {
		s.bus.Publish(t, data)
	}
}

func (s *Service) log(level logutil.Level, format string, args ...any) {
	if level < s.logLevel || s.logger == nil {
		return
	}
	s.logger.Printf("[recovery] "+format, args...)
}
