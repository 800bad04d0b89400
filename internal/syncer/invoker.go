// Package syncer coalesces change notifications for a project into calls
// of an external synchronization command, at most one in flight at a time.
package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mschirtzinger/filewatchd/internal/logging"
	"github.com/mschirtzinger/filewatchd/internal/model"
)

// ErrNoTool is returned when no sync command is configured.
var ErrNoTool = errors.New("sync tool not configured")

// Config holds configuration for an Invoker.
type Config struct {
	// Tool is the path of the sync command.
	Tool string

	// Runner executes the command (default: ExecRunner{}).
	Runner Runner

	// Logger for invocation activity (default: log.Default()).
	Logger *log.Logger

	// Now returns the current time; tests override it.
	Now func() time.Time
}

// Invoker runs the external sync command for one project. Changes that
// arrive while an invocation is running are folded into exactly one
// follow-up invocation.
type Invoker struct {
	projectID   string
	projectPath string
	tool        string
	runner      Runner
	logger      *log.Logger
	now         func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu               sync.Mutex
	invocationActive bool
	changeWaiting    bool
	sinceMillis      int64
	invocations      int
	failures         int
	disposed         bool
}

// New creates an Invoker for project p. The first invocation syncs
// everything changed since the project's creation time.
func New(p model.ProjectToWatch, config Config) (*Invoker, error) {
	if config.Tool == "" {
		return nil, ErrNoTool
	}
	if config.Runner == nil {
		config.Runner = ExecRunner{}
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Invoker{
		projectID:   p.ProjectID,
		projectPath: p.PathToMonitor,
		tool:        config.Tool,
		runner:      config.Runner,
		logger:      logging.Component(config.Logger, "sync").With("project", p.ProjectID),
		now:         config.Now,
		ctx:         ctx,
		cancel:      cancel,
		sinceMillis: p.CreationTime,
	}, nil
}

// Flush implements batch.Sink. The command discovers the changes itself,
// so the event payload is not needed.
func (inv *Invoker) Flush(projectID string, events []model.ChangeEvent, newestMillis int64) {
	inv.OnChange()
}

// OnChange requests a sync. If one is running, a single follow-up is
// scheduled for when it completes.
func (inv *Invoker) OnChange() {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	if inv.disposed {
		return
	}
	if inv.invocationActive {
		inv.changeWaiting = true
		return
	}
	inv.startLocked()
}

// startLocked launches an invocation. Caller must hold inv.mu.
func (inv *Invoker) startLocked() {
	inv.invocationActive = true
	inv.changeWaiting = false
	inv.invocations++
	since := inv.sinceMillis
	go inv.invoke(since)
}

// invoke runs the command once and then either finishes or starts the
// follow-up invocation.
func (inv *Invoker) invoke(since int64) {
	start := inv.now()
	ok := inv.runSafely(since)

	inv.mu.Lock()
	defer inv.mu.Unlock()

	if ok && start.UnixMilli() > inv.sinceMillis {
		inv.sinceMillis = start.UnixMilli()
	}
	if !ok {
		inv.failures++
	}
	inv.invocationActive = false

	if inv.changeWaiting && !inv.disposed {
		inv.startLocked()
	}
}

// runSafely executes the command and reports success. Panics count as failures.
func (inv *Invoker) runSafely(since int64) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			inv.logger.Error("Sync invocation panicked", "panic", r)
			ok = false
		}
	}()

	args := SyncArgs(inv.projectPath, inv.projectID, since)
	inv.logger.Debug("Running sync", "tool", inv.tool, "since", since)

	started := time.Now()
	stdout, stderr, err := inv.runner.Run(inv.ctx, inv.tool, args...)
	if err != nil {
		// The since timestamp is kept, so the next run resends these changes.
		inv.logger.Error("Sync failed", "err", err, "since", since,
			"stdout", string(stdout), "stderr", string(stderr))
		return false
	}

	inv.logger.Info("Sync complete", "since", since, "duration", time.Since(started).Round(time.Millisecond))
	return true
}

// Since returns the timestamp the next invocation will sync from.
func (inv *Invoker) Since() int64 {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.sinceMillis
}

// Stats returns the number of invocations started and the number that failed.
func (inv *Invoker) Stats() (invocations, failures int) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.invocations, inv.failures
}

// Active reports whether an invocation is running.
func (inv *Invoker) Active() bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.invocationActive
}

// Dispose cancels a running invocation and prevents new ones. Safe to
// call more than once.
func (inv *Invoker) Dispose() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.disposed {
		return
	}
	inv.disposed = true
	inv.changeWaiting = false
	inv.cancel()
}
