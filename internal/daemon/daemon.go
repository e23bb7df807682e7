// Package daemon wires the macroplan runtime together: the flock'd singleton
// process, the blueprint store watcher, the periodic scheduler scan, and the
// UDS command surface the CLI talks to.
package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/rfujimoto/macroplan/internal/agentrt"
	"github.com/rfujimoto/macroplan/internal/events"
	"github.com/rfujimoto/macroplan/internal/executor"
	"github.com/rfujimoto/macroplan/internal/graph"
	"github.com/rfujimoto/macroplan/internal/lock"
	"github.com/rfujimoto/macroplan/internal/logutil"
	"github.com/rfujimoto/macroplan/internal/model"
	"github.com/rfujimoto/macroplan/internal/notify"
	"github.com/rfujimoto/macroplan/internal/queue"
	"github.com/rfujimoto/macroplan/internal/recovery"
	"github.com/rfujimoto/macroplan/internal/store"
	"github.com/rfujimoto/macroplan/internal/uds"
)

// Daemon is the long-running macroplan process.
type Daemon struct {
	dataDir  string
	config   model.Config
	logLevel logutil.Level
	logger   *log.Logger
	logFile  io.Closer

	fileLock *lock.FileLock
	server   *uds.Server
	watcher  *fsnotify.Watcher
	ticker   *time.Ticker

	store    *store.Store
	ctrl     *queue.Controller
	registry *agentrt.Registry
	exec     *executor.Executor
	recov    *recovery.Service
	bus      *events.Bus
	audit    *events.AuditLogger

	detach []func() // bus unsubscribes, undone at shutdown

	// Debounce state for filesystem events. Explicit timestamp, guarded by
	// its own mutex so the watcher goroutine never contends with dispatch.
	debounceMu sync.Mutex
	lastBurst  time.Time

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	shutdown  sync.Once
	forceExit atomic.Bool
}

// New creates a Daemon logging to <dataDir>/logs/daemon.log.
func New(dataDir string, cfg model.Config) (*Daemon, error) {
	logPath := filepath.Join(dataDir, "logs", "daemon.log")
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("open daemon log: %w", err)
	}
	return newDaemon(dataDir, cfg, logFile, logFile)
}

// newDaemon is the internal constructor for testing.
func newDaemon(dataDir string, cfg model.Config, w io.Writer, closer io.Closer) (*Daemon, error) {
	cfg = model.ApplyDefaults(cfg)
	ctx, cancel := context.WithCancel(context.Background())

	logLevel := logutil.ParseLevel(cfg.Logging.Level)
	logger := log.New(w, "", log.LstdFlags|log.LUTC)

	st := store.NewStore(dataDir)
	ctrl := queue.NewController(dataDir, cfg.Scheduler.MaxConcurrentSpawns, logger, logLevel)
	registry := agentrt.NewRegistry(cfg.Runtimes)
	bus := events.NewBus(64)

	audit, err := events.NewAuditLogger(filepath.Join(dataDir, "logs", "audit.jsonl"), 0)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	d := &Daemon{
		dataDir:  dataDir,
		config:   cfg,
		logLevel: logLevel,
		logger:   logger,
		logFile:  closer,
		fileLock: lock.NewFileLock(filepath.Join(dataDir, "locks", "daemon.lock")),
		server:   uds.NewServer(filepath.Join(dataDir, uds.DefaultSocketName)),
		ticker:   time.NewTicker(time.Duration(cfg.Scheduler.ScanIntervalSec) * time.Second),
		store:    st,
		ctrl:     ctrl,
		registry: registry,
		exec:     executor.New(cfg, st, registry, ctrl, bus, logger, logLevel),
		recov:    recovery.NewService(st, registry, bus, logger, logLevel),
		bus:      bus,
		audit:    audit,
		ctx:      ctx,
		cancel:   cancel,
	}
	return d, nil
}

// Run starts the daemon and blocks until shutdown completes.
func (d *Daemon) Run() error {
	if err := os.MkdirAll(filepath.Join(d.dataDir, "locks"), 0755); err != nil {
		return fmt.Errorf("create locks dir: %w", err)
	}
	if err := d.fileLock.TryLock(); err != nil {
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.log(logutil.LevelInfo, "daemon starting pid=%d data_dir=%s", os.Getpid(), d.dataDir)

	d.detach = append(d.detach, d.audit.AttachTo(d.bus))
	if d.config.Notify.Enabled {
		d.detach = append(d.detach, d.subscribeNotifications())
	}

	// Reconcile state left behind by the previous process before anything
	// can dispatch.
	sum := d.recov.RecoverAll()
	for _, err := range sum.Errors {
		d.log(logutil.LevelWarn, "recovery error=%v", err)
	}

	if err := d.ctrl.LoadPending(); err != nil {
		d.cleanup()
		return fmt.Errorf("load pending tasks: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.cleanup()
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	d.watcher = watcher

	blueprintsDir := filepath.Join(d.dataDir, "blueprints")
	if err := os.MkdirAll(blueprintsDir, 0755); err != nil {
		d.cleanup()
		return fmt.Errorf("ensure blueprints dir: %w", err)
	}
	if err := watcher.Add(blueprintsDir); err != nil {
		d.cleanup()
		return fmt.Errorf("watch %s: %w", blueprintsDir, err)
	}

	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.log(logutil.LevelInfo, "UDS server listening on %s", filepath.Join(d.dataDir, uds.DefaultSocketName))

	d.wg.Add(2)
	go d.fsnotifyLoop()
	go d.tickerLoop()

	d.scan()
	d.log(logutil.LevelInfo, "daemon ready")

	d.waitSignals()
	return nil
}

// scan is one scheduler pass: re-evaluate blocked propagation for every
// blueprint, then dispatch every admissible pending task.
func (d *Daemon) scan() {
	ids, err := d.store.ListIDs()
	if err != nil {
		d.log(logutil.LevelError, "scan list error=%v", err)
		return
	}
	for _, id := range ids {
		d.propagateBlocked(id)
	}
	d.dispatch()
}

// propagateBlocked applies the failed-dependency grace-window policy. The
// blueprint file is only rewritten when a status actually flips.
func (d *Daemon) propagateBlocked(blueprintID string) {
	bf, err := d.store.Load(blueprintID)
	if err != nil {
		d.log(logutil.LevelWarn, "scan load blueprint=%s error=%v", blueprintID, err)
		return
	}
	grace := time.Duration(d.config.Executor.BlockedGraceSec) * time.Second
	now := time.Now()

	probe := make([]model.MacroNode, len(bf.Nodes))
	copy(probe, bf.Nodes)
	if len(graph.PropagateBlocked(probe, grace, now)) == 0 {
		return
	}

	_, err = d.store.Mutate(blueprintID, func(bf *model.BlueprintFile) error {
		for _, c := range graph.PropagateBlocked(bf.Nodes, grace, now) {
			d.log(logutil.LevelInfo, "block_propagated blueprint=%s node=%s %s→%s reason=%q",
				blueprintID, c.NodeID, c.From, c.To, c.Reason)
			if c.To == model.NodeStatusBlocked {
				d.bus.Publish(events.EventNodeBlocked, map[string]any{
					"blueprint_id": blueprintID,
					"node_id":      c.NodeID,
					"reason":       c.Reason,
				})
			}
		}
		return nil
	})
	if err != nil {
		d.log(logutil.LevelWarn, "block_propagation_persist blueprint=%s error=%v", blueprintID, err)
	}
}

// dispatch drains the admissible prefix of the pending-task queue, one
// goroutine per task. Per-blueprint serialization and the global spawn cap
// are both enforced by the queue controller.
func (d *Daemon) dispatch() {
	for {
		task, ok := d.ctrl.NextAdmissible()
		if !ok {
			return
		}
		d.wg.Add(1)
		go func(task model.PendingTask) {
			defer d.wg.Done()
			if err := d.exec.RunQueuedTask(d.ctx, task); err != nil {
				d.log(logutil.LevelError, "task_failed task=%s blueprint=%s error=%v", task.ID, task.BlueprintID, err)
			}
			// A finished node can unlock successors immediately.
			if d.ctx.Err() == nil {
				d.dispatch()
			}
		}(task)
	}
}

func (d *Daemon) subscribeNotifications() func() {
	completed := d.bus.Subscribe(events.EventBlueprintCompleted, func(e events.Event) {
		id, _ := e.Data["blueprint_id"].(string)
		if err := notify.Send("macroplan", fmt.Sprintf("Blueprint %s completed", id)); err != nil {
			d.log(logutil.LevelDebug, "notify error=%v", err)
		}
	})
	failed := d.bus.Subscribe(events.EventBlueprintFailed, func(e events.Event) {
		id, _ := e.Data["blueprint_id"].(string)
		if err := notify.Send("macroplan", fmt.Sprintf("Blueprint %s failed", id)); err != nil {
			d.log(logutil.LevelDebug, "notify error=%v", err)
		}
	})
	return func() {
		completed()
		failed()
	}
}

// fsnotifyLoop reacts to blueprint file changes (external edits, submissions
// written by another process) with a debounced scan.
func (d *Daemon) fsnotifyLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				d.onFileEvent(event.Name)
			}
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.log(logutil.LevelError, "fsnotify error=%v", err)
		}
	}
}

func (d *Daemon) onFileEvent(name string) {
	if !strings.HasSuffix(name, ".yaml") {
		return
	}

	debounce := time.Duration(d.config.Scheduler.DebounceSec * float64(time.Second))
	d.debounceMu.Lock()
	if time.Since(d.lastBurst) < debounce {
		// The ticker pass catches anything a collapsed burst would have
		// scanned.
		d.debounceMu.Unlock()
		return
	}
	d.lastBurst = time.Now()
	d.debounceMu.Unlock()

	d.log(logutil.LevelDebug, "file_event file=%s", name)
	d.scan()
}

func (d *Daemon) tickerLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.ticker.C:
			d.scan()
		}
	}
}

// waitSignals blocks until a shutdown signal is received. A second signal
// forces exit.
func (d *Daemon) waitSignals() {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigCh
	d.log(logutil.LevelInfo, "received signal=%s, initiating graceful shutdown", sig)

	go func() {
		<-sigCh
		d.log(logutil.LevelWarn, "received second signal, forcing exit")
		d.forceExit.Store(true)
		os.Exit(1)
	}()

	d.Shutdown()
}

// Shutdown performs graceful shutdown. Idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.log(logutil.LevelInfo, "shutdown started")

		d.cancel()
		d.ticker.Stop()
		if d.watcher != nil {
			d.watcher.Close()
		}
		if d.server != nil {
			d.server.Stop()
		}

		timeout := time.Duration(d.config.Daemon.ShutdownTimeoutSec) * time.Second
		done := make(chan struct{})
		go func() {
			d.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			d.log(logutil.LevelInfo, "all goroutines drained")
		case <-time.After(timeout):
			d.log(logutil.LevelWarn, "shutdown timeout after %s, in-flight executions reconcile on next start", timeout)
		}

		d.cleanup()
		d.log(logutil.LevelInfo, "daemon stopped")
	})
}

func (d *Daemon) cleanup() {
	for _, fn := range d.detach {
		fn()
	}
	d.detach = nil
	d.bus.Close()
	if d.audit != nil {
		d.audit.Close()
	}
	os.Remove(filepath.Join(d.dataDir, uds.DefaultSocketName))
	d.fileLock.Unlock()
	if d.logFile != nil {
		d.logFile.Close()
	}
}

func (d *Daemon) log(level logutil.Level, format string, args ...any) {
	if level < d.logLevel {
		return
	}
	d.logger.Printf("%s [daemon] "+format, append([]any{level.String()}, args...)...)
}
