// Package queue implements per-blueprint single-flight admission, the bounded
// global spawn pool, and the persisted pending-task queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/rfujimoto/macroplan/internal/lock"
	"github.com/rfujimoto/macroplan/internal/logutil"
	"github.com/rfujimoto/macroplan/internal/model"
	"github.com/rfujimoto/macroplan/internal/yamlutil"
)

// ErrBusy means a task is already in flight for the blueprint.
var ErrBusy = errors.New("blueprint is busy")

const fileTypePendingTasks = "pending_tasks"

// pendingTasksFile is the persisted queue document.
type pendingTasksFile struct {
	SchemaVersion int                 `yaml:"schema_version"`
	FileType      string              `yaml:"file_type"`
	Tasks         []model.PendingTask `yaml:"tasks"`
}

// Controller enforces the two concurrency rules: at most one task in flight
// per blueprint, and a bounded number of external agent processes overall.
// Pending tasks survive restarts via pending_tasks.yaml.
type Controller struct {
	dataDir  string
	logger   *log.Logger
	logLevel logutil.Level

	flight    *lock.MutexMap
	spawns    *semaphore.Weighted
	maxSpawns int64

	mu          sync.Mutex
	pending     []model.PendingTask
	inFlight    map[string]bool // blueprintID → single-flight token held
	activeSlots int
}

func NewController(dataDir string, maxSpawns int, logger *log.Logger, logLevel logutil.Level) *Controller {
	if maxSpawns <= 0 {
		maxSpawns = 1
	}
	return &Controller{
		dataDir:   dataDir,
		logger:    logger,
		logLevel:  logLevel,
		flight:    lock.NewMutexMap(),
		spawns:    semaphore.NewWeighted(int64(maxSpawns)),
		maxSpawns: int64(maxSpawns),
		inFlight:  make(map[string]bool),
	}
}

func (c *Controller) tasksPath() string {
	return filepath.Join(c.dataDir, "pending_tasks.yaml")
}

// LoadPending restores the queue from disk at daemon startup. A corrupted
// queue file is recovered (backup or empty skeleton) rather than fatal.
func (c *Controller) LoadPending() error {
	tasks, err := c.readTasks()
	if err != nil {
		if rerr := yamlutil.RecoverCorruptedFile(c.dataDir, c.tasksPath(), fileTypePendingTasks); rerr != nil {
			return fmt.Errorf("recover pending tasks: %w (original error: %v)", rerr, err)
		}
		tasks, err = c.readTasks()
		if err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.pending = tasks
	c.mu.Unlock()
	c.log(logutil.LevelInfo, "pending_tasks_loaded count=%d", len(tasks))
	return nil
}

func (c *Controller) readTasks() ([]model.PendingTask, error) {
	content, err := os.ReadFile(c.tasksPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read pending tasks: %w", err)
	}
	if err := yamlutil.ValidateSchemaHeaderFromBytes(content, fileTypePendingTasks); err != nil {
		return nil, fmt.Errorf("pending tasks schema: %w", err)
	}
	var f pendingTasksFile
	if err := yamlv3.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("parse pending tasks: %w", err)
	}
	return f.Tasks, nil
}

// persistLocked writes the queue document. Callers hold c.mu.
func (c *Controller) persistLocked() error {
	f := pendingTasksFile{
		SchemaVersion: yamlutil.CurrentSchemaVersion,
		FileType:      fileTypePendingTasks,
		Tasks:         c.pending,
	}
	return yamlutil.AtomicWrite(c.tasksPath(), f)
}

// Enqueue appends a pending task. Enqueueing is idempotent on
// (blueprint, node, type): a duplicate of an already-queued task is dropped
// and reported as not enqueued.
func (c *Controller) Enqueue(task model.PendingTask) (bool, error) {
	if !model.ValidTaskType(task.Type) {
		return false, fmt.Errorf("invalid task type %q", task.Type)
	}
	if task.BlueprintID == "" {
		return false, fmt.Errorf("task has no blueprint id")
	}
	if task.ID == "" {
		id, err := model.GenerateID(model.IDTypeTask)
		if err != nil {
			return false, err
		}
		task.ID = id
	}
	if task.QueuedAt == "" {
		task.QueuedAt = time.Now().UTC().Format(time.RFC3339)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range c.pending {
		if t.BlueprintID == task.BlueprintID && t.NodeID == task.NodeID && t.Type == task.Type {
			c.log(logutil.LevelDebug, "enqueue_duplicate blueprint=%s node=%s type=%s", task.BlueprintID, task.NodeID, task.Type)
			return false, nil
		}
	}

	c.pending = append(c.pending, task)
	if err := c.persistLocked(); err != nil {
		c.pending = c.pending[:len(c.pending)-1]
		return false, fmt.Errorf("persist queue: %w", err)
	}
	c.log(logutil.LevelInfo, "enqueued task=%s blueprint=%s node=%s type=%s", task.ID, task.BlueprintID, task.NodeID, task.Type)
	return true, nil
}

// NextAdmissible pops the oldest pending task whose blueprint has no task in
// flight and acquires that blueprint's single-flight token. The caller must
// call Release when the task finishes. Returns false when nothing is
// admissible.
func (c *Controller) NextAdmissible() (model.PendingTask, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, task := range c.pending {
		if c.inFlight[task.BlueprintID] {
			continue
		}
		if !c.flight.TryLock(task.BlueprintID) {
			continue
		}
		c.inFlight[task.BlueprintID] = true
		c.pending = append(c.pending[:i], c.pending[i+1:]...)
		if err := c.persistLocked(); err != nil {
			c.log(logutil.LevelWarn, "persist_queue_failed error=%v", err)
		}
		return task, true
	}
	return model.PendingTask{}, false
}

// TryAcquire takes the blueprint's single-flight token directly, bypassing
// the queue. Used for user-initiated run commands that should fail fast with
// ErrBusy instead of queueing behind themselves.
func (c *Controller) TryAcquire(blueprintID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inFlight[blueprintID] || !c.flight.TryLock(blueprintID) {
		return fmt.Errorf("%w: %s", ErrBusy, blueprintID)
	}
	c.inFlight[blueprintID] = true
	return nil
}

// Release returns the blueprint's single-flight token.
func (c *Controller) Release(blueprintID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.inFlight[blueprintID] {
		return
	}
	delete(c.inFlight, blueprintID)
	c.flight.Unlock(blueprintID)
}

// AcquireSpawnSlot blocks until a global agent-process slot is free or ctx is
// done.
func (c *Controller) AcquireSpawnSlot(ctx context.Context) error {
	if err := c.spawns.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire spawn slot: %w", err)
	}
	c.mu.Lock()
	c.activeSlots++
	c.mu.Unlock()
	return nil
}

// ReleaseSpawnSlot frees a global agent-process slot.
func (c *Controller) ReleaseSpawnSlot() {
	c.mu.Lock()
	if c.activeSlots > 0 {
		c.activeSlots--
	}
	c.mu.Unlock()
	c.spawns.Release(1)
}

// DropPending removes queued tasks for the blueprint (all of them when
// nodeID is empty) and reports how many were dropped.
func (c *Controller) DropPending(blueprintID, nodeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.pending[:0]
	dropped := 0
	for _, t := range c.pending {
		if t.BlueprintID == blueprintID && (nodeID == "" || t.NodeID == nodeID) {
			dropped++
			continue
		}
		kept = append(kept, t)
	}
	c.pending = kept
	if dropped > 0 {
		if err := c.persistLocked(); err != nil {
			c.log(logutil.LevelWarn, "persist_queue_failed error=%v", err)
		}
	}
	return dropped
}

// Status returns the queue view for one blueprint.
func (c *Controller) Status(blueprintID string) model.QueueStatusView {
	c.mu.Lock()
	defer c.mu.Unlock()

	view := model.QueueStatusView{
		BlueprintID:  blueprintID,
		Running:      c.inFlight[blueprintID],
		PendingTasks: []model.PendingTask{},
	}
	for _, t := range c.pending {
		if t.BlueprintID == blueprintID {
			view.PendingTasks = append(view.PendingTasks, t)
		}
	}
	view.QueueLength = len(view.PendingTasks)
	return view
}

// GlobalStatus aggregates every blueprint that is running or has queued
// tasks.
func (c *Controller) GlobalStatus() model.GlobalQueueView {
	c.mu.Lock()
	defer c.mu.Unlock()

	byBlueprint := make(map[string]*model.QueueStatusView)
	var order []string

	add := func(id string) *model.QueueStatusView {
		if v, ok := byBlueprint[id]; ok {
			return v
		}
		v := &model.QueueStatusView{BlueprintID: id, PendingTasks: []model.PendingTask{}}
		byBlueprint[id] = v
		order = append(order, id)
		return v
	}

	for id := range c.inFlight {
		add(id).Running = true
	}
	for _, t := range c.pending {
		v := add(t.BlueprintID)
		v.PendingTasks = append(v.PendingTasks, t)
		v.QueueLength++
	}
	sort.Strings(order)

	global := model.GlobalQueueView{
		Running:     len(c.inFlight) > 0,
		ActiveSlots: c.activeSlots,
		QueueLength: len(c.pending),
	}
	for _, id := range order {
		global.Blueprints = append(global.Blueprints, *byBlueprint[id])
	}
	return global
}

// MaxSpawns returns the configured global agent-process cap.
func (c *Controller) MaxSpawns() int {
	return int(c.maxSpawns)
}

func (c *Controller) log(level logutil.Level, format string, args ...any) {
	if level < c.logLevel || c.logger == nil {
		return
	}
	c.logger.Printf("[queue] "+format, args...)
}
