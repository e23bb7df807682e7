package model

// TaskType is the typed pending-task taxonomy exposed for UI polling.
type TaskType string

const (
	TaskRun          TaskType = "run"
	TaskReevaluate   TaskType = "reevaluate"
	TaskEnrich       TaskType = "enrich"
	TaskGenerate     TaskType = "generate"
	TaskSplit        TaskType = "split"
	TaskSmartDepPick TaskType = "smart-dependency-pick"
)

var validTaskTypes = map[TaskType]bool{
	TaskRun:          true,
	TaskReevaluate:   true,
	TaskEnrich:       true,
	TaskGenerate:     true,
	TaskSplit:        true,
	TaskSmartDepPick: true,
}

func ValidTaskType(t TaskType) bool {
	return validTaskTypes[t]
}

// PendingTask is one queued unit of work for a blueprint. NodeID is empty for
// blueprint-level tasks (generate, run-all style reevaluate).
type PendingTask struct {
	ID          string   `yaml:"id" json:"id"`
	BlueprintID string   `yaml:"blueprint_id" json:"blueprint_id"`
	NodeID      string   `yaml:"node_id,omitempty" json:"node_id,omitempty"`
	Type        TaskType `yaml:"type" json:"type"`
	QueuedAt    string   `yaml:"queued_at" json:"queued_at"`
}

// QueueStatusView is the per-blueprint queue surface polled by the dashboard.
type QueueStatusView struct {
	BlueprintID  string        `json:"blueprint_id"`
	Running      bool          `json:"running"`
	QueueLength  int           `json:"queue_length"`
	PendingTasks []PendingTask `json:"pending_tasks"`
}

// GlobalQueueView aggregates every blueprint's queue state for dashboard
// polling.
type GlobalQueueView struct {
	Running     bool              `json:"running"`
	ActiveSlots int               `json:"active_slots"`
	QueueLength int               `json:"queue_length"`
	Blueprints  []QueueStatusView `json:"blueprints"`
}
