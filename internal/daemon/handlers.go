package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rfujimoto/macroplan/internal/events"
	"github.com/rfujimoto/macroplan/internal/graph"
	"github.com/rfujimoto/macroplan/internal/logutil"
	"github.com/rfujimoto/macroplan/internal/model"
	"github.com/rfujimoto/macroplan/internal/store"
	"github.com/rfujimoto/macroplan/internal/uds"
)

func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]any{"status": "ok", "pid": os.Getpid()})
	})

	d.server.Handle("scan", func(req *uds.Request) *uds.Response {
		d.scan()
		return uds.SuccessResponse(map[string]string{"status": "scanned"})
	})

	d.server.Handle("shutdown", func(req *uds.Request) *uds.Response {
		d.log(logutil.LevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.server.Handle("submit_blueprint", d.handleSubmitBlueprint)
	d.server.Handle("list_blueprints", d.handleListBlueprints)
	d.server.Handle("get_blueprint", d.handleGetBlueprint)
	d.server.Handle("run_node", d.handleRunNode)
	d.server.Handle("run_all", d.handleRunAll)
	d.server.Handle("cancel", d.handleCancel)
	d.server.Handle("queue_status", d.handleQueueStatus)
	d.server.Handle("global_status", d.handleGlobalStatus)
}

// SubmitNodeParams is one macro node in a submission. Node ids are chosen by
// the client (they are what dependencies reference); the daemon validates
// uniqueness and DAG shape.
type SubmitNodeParams struct {
	ID               string   `json:"id"`
	Title            string   `json:"title"`
	Description      string   `json:"description,omitempty"`
	Dependencies     []string `json:"dependencies,omitempty"`
	PromptOverride   string   `json:"prompt_override,omitempty"`
	EstimatedMinutes int      `json:"estimated_minutes,omitempty"`
}

type SubmitBlueprintParams struct {
	Title       string             `json:"title"`
	Description string             `json:"description,omitempty"`
	WorkDir     string             `json:"work_dir"`
	Agent       string             `json:"agent,omitempty"`
	Approve     bool               `json:"approve,omitempty"`
	Nodes       []SubmitNodeParams `json:"nodes"`
}

func (d *Daemon) handleSubmitBlueprint(req *uds.Request) *uds.Response {
	var params SubmitBlueprintParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("parse params: %v", err))
	}
	if params.Title == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "title is required")
	}
	if params.WorkDir == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "work_dir is required")
	}
	if len(params.Nodes) == 0 {
		return uds.ErrorResponse(uds.ErrCodeValidation, "at least one node is required")
	}
	if params.Agent != "" {
		if _, err := d.registry.Get(params.Agent); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
	}

	blueprintID, err := model.GenerateID(model.IDTypeBlueprint)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}

	now := time.Now().UTC().Format(time.RFC3339)
	status := model.BlueprintStatusDraft
	if params.Approve {
		status = model.BlueprintStatusApproved
	}

	bf := &model.BlueprintFile{
		Blueprint: model.Blueprint{
			ID:          blueprintID,
			Title:       params.Title,
			Description: params.Description,
			WorkDir:     params.WorkDir,
			Agent:       params.Agent,
			Status:      status,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}

	seen := make(map[string]bool, len(params.Nodes))
	for i, n := range params.Nodes {
		if n.ID == "" {
			return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("node %d has no id", i))
		}
		if n.Title == "" {
			return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("node %q has no title", n.ID))
		}
		if seen[n.ID] {
			return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		seen[n.ID] = true
		bf.Nodes = append(bf.Nodes, model.MacroNode{
			ID:               n.ID,
			BlueprintID:      blueprintID,
			Order:            i + 1,
			Title:            n.Title,
			Description:      n.Description,
			Status:           model.NodeStatusPending,
			Dependencies:     n.Dependencies,
			PromptOverride:   n.PromptOverride,
			EstimatedMinutes: n.EstimatedMinutes,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}
	for _, n := range bf.Nodes {
		for _, dep := range n.Dependencies {
			if !seen[dep] {
				return uds.ErrorResponse(uds.ErrCodeValidation,
					fmt.Sprintf("node %q depends on unknown node %q", n.ID, dep))
			}
		}
	}
	if _, err := graph.ValidateDAG(bf.Nodes); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}

	if err := d.store.Create(bf); err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}

	d.log(logutil.LevelInfo, "blueprint_submitted blueprint=%s nodes=%d status=%s", blueprintID, len(bf.Nodes), status)
	return uds.SuccessResponse(map[string]any{
		"blueprint_id": blueprintID,
		"status":       string(status),
		"nodes":        len(bf.Nodes),
	})
}

// BlueprintSummary is the list_blueprints row.
type BlueprintSummary struct {
	ID         string `json:"id"`
	Title      string `json:"title"`
	Status     string `json:"status"`
	Nodes      int    `json:"nodes"`
	NodesDone  int    `json:"nodes_done"`
	NodesBad   int    `json:"nodes_failed_or_blocked"`
	UpdatedAt  string `json:"updated_at"`
	WorkDir    string `json:"work_dir"`
	AgentName  string `json:"agent,omitempty"`
	Executions int    `json:"executions"`
}

func (d *Daemon) handleListBlueprints(req *uds.Request) *uds.Response {
	files, errs := d.store.List()
	for _, err := range errs {
		d.log(logutil.LevelWarn, "list_blueprints skip error=%v", err)
	}

	summaries := make([]BlueprintSummary, 0, len(files))
	for _, bf := range files {
		s := BlueprintSummary{
			ID:         bf.Blueprint.ID,
			Title:      bf.Blueprint.Title,
			Status:     string(bf.Blueprint.Status),
			Nodes:      len(bf.Nodes),
			UpdatedAt:  bf.Blueprint.UpdatedAt,
			WorkDir:    bf.Blueprint.WorkDir,
			AgentName:  bf.Blueprint.Agent,
			Executions: len(bf.Executions),
		}
		for _, n := range bf.Nodes {
			switch n.Status {
			case model.NodeStatusDone, model.NodeStatusSkipped:
				s.NodesDone++
			case model.NodeStatusFailed, model.NodeStatusBlocked:
				s.NodesBad++
			}
		}
		summaries = append(summaries, s)
	}
	return uds.SuccessResponse(map[string]any{"blueprints": summaries})
}

type blueprintIDParams struct {
	BlueprintID string `json:"blueprint_id"`
	NodeID      string `json:"node_id,omitempty"`
}

// NodeView is the per-node detail in get_blueprint.
type NodeView struct {
	ID            string         `json:"id"`
	Title         string         `json:"title"`
	Status        string         `json:"status"`
	BlockedBy     string         `json:"blocked_by,omitempty"`
	Order         int            `json:"order"`
	Dependencies  []string       `json:"dependencies,omitempty"`
	EstimatedMin  int            `json:"estimated_minutes,omitempty"`
	ActualMin     float64        `json:"actual_minutes,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	LastExecution *ExecutionView `json:"last_execution,omitempty"`
}

// ExecutionView summarizes one NodeExecution for clients.
type ExecutionView struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	Status          string `json:"status"`
	SessionID       string `json:"session_id,omitempty"`
	StartedAt       string `json:"started_at"`
	CompletedAt     string `json:"completed_at,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`
	ContextPressure string `json:"context_pressure,omitempty"`
	CompactCount    int    `json:"compact_count,omitempty"`
	PeakTokens      int    `json:"peak_tokens,omitempty"`
}

// BlueprintDetail is the get_blueprint response.
type BlueprintDetail struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	WorkDir     string     `json:"work_dir"`
	Agent       string     `json:"agent,omitempty"`
	CreatedAt   string     `json:"created_at"`
	UpdatedAt   string     `json:"updated_at"`
	Nodes       []NodeView `json:"nodes"`
	Stalled     bool       `json:"stalled,omitempty"`
	CyclePath   []string   `json:"cycle_path,omitempty"`
}

func (d *Daemon) handleGetBlueprint(req *uds.Request) *uds.Response {
	var params blueprintIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("parse params: %v", err))
	}
	if params.BlueprintID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "blueprint_id is required")
	}

	bf, err := d.store.Load(params.BlueprintID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		}
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}

	detail := BlueprintDetail{
		ID:          bf.Blueprint.ID,
		Title:       bf.Blueprint.Title,
		Description: bf.Blueprint.Description,
		Status:      string(bf.Blueprint.Status),
		WorkDir:     bf.Blueprint.WorkDir,
		Agent:       bf.Blueprint.Agent,
		CreatedAt:   bf.Blueprint.CreatedAt,
		UpdatedAt:   bf.Blueprint.UpdatedAt,
	}
	if diag := graph.Diagnose(bf.Nodes); diag.Stalled {
		detail.Stalled = true
		detail.CyclePath = diag.CyclePath
	}

	for _, n := range bf.Nodes {
		view := NodeView{
			ID:           n.ID,
			Title:        n.Title,
			Status:       string(n.Status),
			BlockedBy:    string(n.BlockedBy),
			Order:        n.Order,
			Dependencies: n.Dependencies,
			EstimatedMin: n.EstimatedMinutes,
			ActualMin:    n.ActualMinutes,
		}
		if n.LastError != nil {
			view.LastError = *n.LastError
		}
		if exec := bf.LatestExecutionForNode(n.ID); exec != nil {
			ev := ExecutionView{
				ID:              exec.ID,
				Type:            string(exec.Type),
				Status:          string(exec.Status),
				SessionID:       exec.SessionID,
				StartedAt:       exec.StartedAt,
				FailureReason:   string(exec.Health.FailureReason),
				ContextPressure: string(exec.Health.ContextPressure),
				CompactCount:    exec.Health.CompactCount,
				PeakTokens:      exec.Health.PeakTokens,
			}
			if exec.CompletedAt != nil {
				ev.CompletedAt = *exec.CompletedAt
			}
			view.LastExecution = &ev
		}
		detail.Nodes = append(detail.Nodes, view)
	}
	return uds.SuccessResponse(detail)
}

// handleRunNode enqueues a run task for one node and kicks the dispatcher.
// Enqueueing an already-queued (blueprint, node, run) pair reports DUPLICATE.
func (d *Daemon) handleRunNode(req *uds.Request) *uds.Response {
	var params blueprintIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("parse params: %v", err))
	}
	if params.BlueprintID == "" || params.NodeID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "blueprint_id and node_id are required")
	}

	bf, err := d.store.Load(params.BlueprintID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		}
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	node := bf.NodeByID(params.NodeID)
	if node == nil {
		return uds.ErrorResponse(uds.ErrCodeNotFound, fmt.Sprintf("node %s not found", params.NodeID))
	}
	if bf.Blueprint.Status == model.BlueprintStatusDraft {
		return uds.ErrorResponse(uds.ErrCodeValidation, "blueprint is draft; submit with approve or approve it first")
	}

	return d.enqueueRun(params.BlueprintID, params.NodeID)
}

func (d *Daemon) handleRunAll(req *uds.Request) *uds.Response {
	var params blueprintIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("parse params: %v", err))
	}
	if params.BlueprintID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "blueprint_id is required")
	}

	bf, err := d.store.Load(params.BlueprintID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		}
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	if bf.Blueprint.Status == model.BlueprintStatusDraft {
		return uds.ErrorResponse(uds.ErrCodeValidation, "blueprint is draft; submit with approve or approve it first")
	}

	return d.enqueueRun(params.BlueprintID, "")
}

func (d *Daemon) enqueueRun(blueprintID, nodeID string) *uds.Response {
	enqueued, err := d.ctrl.Enqueue(model.PendingTask{
		BlueprintID: blueprintID,
		NodeID:      nodeID,
		Type:        model.TaskRun,
	})
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	if !enqueued {
		return uds.ErrorResponse(uds.ErrCodeDuplicate, "an identical task is already queued")
	}
	d.bus.Publish(events.EventTaskEnqueued, map[string]any{
		"blueprint_id": blueprintID,
		"node_id":      nodeID,
	})
	d.dispatch()
	return uds.SuccessResponse(map[string]any{"queued": true})
}

func (d *Daemon) handleCancel(req *uds.Request) *uds.Response {
	var params blueprintIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("parse params: %v", err))
	}
	if params.BlueprintID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "blueprint_id is required")
	}

	if err := d.exec.Cancel(params.BlueprintID, params.NodeID); err != nil {
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	}
	return uds.SuccessResponse(map[string]string{"status": "cancelled"})
}

func (d *Daemon) handleQueueStatus(req *uds.Request) *uds.Response {
	var params blueprintIDParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("parse params: %v", err))
	}
	if params.BlueprintID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "blueprint_id is required")
	}
	return uds.SuccessResponse(d.ctrl.Status(params.BlueprintID))
}

func (d *Daemon) handleGlobalStatus(req *uds.Request) *uds.Response {
	view := d.ctrl.GlobalStatus()
	return uds.SuccessResponse(map[string]any{
		"daemon": map[string]any{
			"pid":        os.Getpid(),
			"max_spawns": d.ctrl.MaxSpawns(),
		},
		"queue": view,
	})
}
