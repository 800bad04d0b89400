// Package daemon wires the watcher together: it keeps the watch list in step
// with the server, watches every listed project, and forwards settled change
// batches either to the external sync tool or to the delivery queue.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mschirtzinger/filewatchd/internal/batch"
	"github.com/mschirtzinger/filewatchd/internal/client"
	"github.com/mschirtzinger/filewatchd/internal/delivery"
	"github.com/mschirtzinger/filewatchd/internal/logging"
	"github.com/mschirtzinger/filewatchd/internal/model"
	"github.com/mschirtzinger/filewatchd/internal/syncer"
	"github.com/mschirtzinger/filewatchd/internal/watch"
	"github.com/mschirtzinger/filewatchd/internal/watchlist"
)

// Config holds configuration for the daemon.
type Config struct {
	// ServerURL is the root of the remote server.
	ServerURL string

	// Tokens supplies auth tokens (default: none).
	Tokens client.TokenProvider

	// Insecure disables TLS verification.
	Insecure bool

	// Direct selects the external sync tool instead of the delivery queue.
	Direct bool

	// SyncTool is the sync command used in direct mode.
	SyncTool string

	// Debounce is the batching window for change events.
	Debounce time.Duration

	// Delivery configures the queue used when Direct is false.
	Delivery delivery.Config

	// PollInterval is the unconditional watch-list refresh period.
	PollInterval time.Duration

	// GracePeriod is how long a vanished project root is waited for.
	GracePeriod time.Duration

	// FilePollInterval is the individual file polling period.
	FilePollInterval time.Duration

	// StatusInterval logs a status summary periodically; 0 disables it.
	StatusInterval time.Duration

	// Events receives daemon activity notifications (optional).
	Events EventSink

	// Logger for daemon activity (default: log.Default()).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Direct:           true,
		Debounce:         batch.DefaultDebounce,
		Delivery:         delivery.DefaultConfig(),
		PollInterval:     watchlist.DefaultPollInterval,
		GracePeriod:      watch.DefaultGracePeriod,
		FilePollInterval: watch.DefaultPollInterval,
	}
}

// EventSink is told about batches and watch-list changes as they happen.
type EventSink interface {
	BatchFlushed(projectID string, events []model.ChangeEvent)
	ProjectChanged(projectID, action string)
}

// pipeline is the per-project path from watcher to server.
type pipeline struct {
	project model.ProjectToWatch
	batcher *batch.Batcher
	invoker *syncer.Invoker
}

// Daemon orchestrates watch-list synchronization and change delivery.
type Daemon struct {
	config *Config
	logger *log.Logger

	client     *client.Client
	platform   *watch.PlatformService
	files      *watch.IndividualService
	reconciler *watchlist.Reconciler
	queue      *delivery.Queue
	poller     *watchlist.Poller
	push       *watchlist.PushChannel

	mu        sync.Mutex
	pipelines map[string]*pipeline
	started   bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates a daemon. Use Start to begin watching.
func New(config *Config) (*Daemon, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Direct && config.SyncTool == "" {
		return nil, fmt.Errorf("direct sync mode: %w", syncer.ErrNoTool)
	}

	logger := logging.Component(config.Logger, "daemon")

	c, err := client.New(client.Config{
		BaseURL:  config.ServerURL,
		Tokens:   config.Tokens,
		Insecure: config.Insecure,
		Logger:   config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config:    config,
		logger:    logger,
		client:    c,
		pipelines: make(map[string]*pipeline),
		ctx:       ctx,
		cancel:    cancel,
	}

	d.platform = watch.NewPlatformService(d, watch.PlatformConfig{
		GracePeriod: config.GracePeriod,
		Logger:      config.Logger,
	})
	d.files = watch.NewIndividualService(d, watch.IndividualConfig{
		PollInterval: config.FilePollInterval,
		Logger:       config.Logger,
	})
	d.reconciler = watchlist.NewReconciler(d.platform, d.files, watchlist.ReconcilerConfig{
		Observer: d,
		Logger:   config.Logger,
	})
	return d, nil
}

// Start begins watching. It performs the first watch-list refresh, opens
// the push channel, and blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errors.New("daemon already started")
	}
	d.started = true
	d.mu.Unlock()

	mode := "queue"
	if d.config.Direct {
		mode = "direct"
	}
	d.logger.Info("Starting daemon", "server", d.client.BaseURL(), "mode", mode)

	// The queue must exist before the poller delivers the first projects.
	if !d.config.Direct {
		qc := d.config.Delivery
		qc.Logger = d.config.Logger
		queue := delivery.New(d.client, qc)
		d.mu.Lock()
		d.queue = queue
		d.mu.Unlock()
	}

	poller := watchlist.NewPoller(d.client, d.reconciler, watchlist.PollerConfig{
		Interval: d.config.PollInterval,
		Logger:   d.config.Logger,
	})
	push := watchlist.NewPushChannel(d.client, d.reconciler, poller, watchlist.PushConfig{
		Logger: d.config.Logger,
	})
	d.mu.Lock()
	d.poller = poller
	d.push = push
	d.mu.Unlock()

	if d.config.StatusInterval > 0 {
		d.wg.Add(1)
		go d.reportStatus()
	}

	select {
	case <-ctx.Done():
		d.logger.Info("Shutdown signal received")
	case <-d.ctx.Done():
	}
	d.Stop()
	return nil
}

// Stop disposes every component. Safe to call more than once.
func (d *Daemon) Stop() {
	d.stopOnce.Do(func() {
		d.logger.Info("Stopping daemon")
		d.cancel()

		d.mu.Lock()
		queue, push, poller := d.queue, d.push, d.poller
		d.mu.Unlock()

		if push != nil {
			push.Dispose()
		}
		if poller != nil {
			poller.Dispose()
		}
		d.platform.Dispose()
		d.files.Dispose()

		d.mu.Lock()
		for id, p := range d.pipelines {
			p.dispose()
			delete(d.pipelines, id)
		}
		d.mu.Unlock()

		if queue != nil {
			queue.Dispose()
		}

		d.wg.Wait()
		d.logger.Info("Daemon stopped")
	})
}

// Reconciler exposes the watch-list state.
func (d *Daemon) Reconciler() *watchlist.Reconciler {
	return d.reconciler
}

// ChangesDetected implements watch.Listener.
func (d *Daemon) ChangesDetected(projectID string, events []model.ChangeEvent) {
	if len(events) == 0 {
		return
	}
	p := d.ensurePipeline(projectID)
	if p == nil {
		d.logger.Debug("Dropping events for unknown project", "project", projectID, "events", len(events))
		return
	}
	p.batcher.AddChangedFiles(events)
}

// ProjectAdded implements watchlist.ProjectObserver.
func (d *Daemon) ProjectAdded(p model.ProjectToWatch) {
	d.ensurePipeline(p.ProjectID)
	d.notifyProject(p.ProjectID, "added")
}

// ProjectUpdated implements watchlist.ProjectObserver. The sync command
// is bound to the project path, so a moved project gets a new pipeline.
func (d *Daemon) ProjectUpdated(old, p model.ProjectToWatch) {
	if old.PathToMonitor != p.PathToMonitor {
		d.removePipeline(p.ProjectID)
	}
	d.ensurePipeline(p.ProjectID)
	d.notifyProject(p.ProjectID, "updated")
}

// ProjectRemoved implements watchlist.ProjectObserver.
func (d *Daemon) ProjectRemoved(projectID string) {
	d.removePipeline(projectID)
	d.notifyProject(projectID, "removed")
}

// ensurePipeline returns the pipeline for projectID, creating it when the
// project is on the watch list. Watchers may report events before the
// reconciler's observer call, so both paths create on demand.
func (d *Daemon) ensurePipeline(projectID string) *pipeline {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.pipelines[projectID]; ok {
		return p
	}
	if d.ctx.Err() != nil {
		return nil
	}
	project, ok := d.reconciler.Project(projectID)
	if !ok {
		return nil
	}

	p, err := d.newPipeline(project)
	if err != nil {
		d.logger.Error("Failed to create pipeline", "project", projectID, "err", err)
		return nil
	}
	d.pipelines[projectID] = p
	return p
}

func (d *Daemon) newPipeline(project model.ProjectToWatch) (*pipeline, error) {
	p := &pipeline{project: project}

	var sink batch.Sink
	if d.config.Direct {
		inv, err := syncer.New(project, syncer.Config{
			Tool:   d.config.SyncTool,
			Logger: d.config.Logger,
		})
		if err != nil {
			return nil, err
		}
		p.invoker = inv
		sink = inv
	} else {
		sink = d.queue
	}

	if d.config.Events != nil {
		next := sink
		sink = batch.SinkFunc(func(projectID string, events []model.ChangeEvent, newest int64) {
			d.config.Events.BatchFlushed(projectID, events)
			next.Flush(projectID, events, newest)
		})
	}

	p.batcher = batch.New(project.ProjectID, sink, batch.Config{
		Debounce: d.config.Debounce,
		Logger:   d.config.Logger,
	})
	return p, nil
}

func (d *Daemon) removePipeline(projectID string) {
	d.mu.Lock()
	p, ok := d.pipelines[projectID]
	delete(d.pipelines, projectID)
	d.mu.Unlock()
	if ok {
		p.dispose()
	}
}

func (p *pipeline) dispose() {
	p.batcher.Dispose()
	if p.invoker != nil {
		p.invoker.Dispose()
	}
}

func (d *Daemon) notifyProject(projectID, action string) {
	if d.config.Events != nil {
		d.config.Events.ProjectChanged(projectID, action)
	}
}

// ProjectStatus describes one watched project.
type ProjectStatus struct {
	ProjectID     string `json:"projectID"`
	Path          string `json:"path"`
	Directories   int    `json:"directories"`
	Files         int    `json:"files"`
	PendingEvents int    `json:"pendingEvents"`
	SyncSince     int64  `json:"syncSince,omitempty"`
	SyncRuns      int    `json:"syncRuns,omitempty"`
	SyncFailures  int    `json:"syncFailures,omitempty"`
	SyncActive    bool   `json:"syncActive,omitempty"`
}

// Status is a snapshot of the daemon.
type Status struct {
	Server      string               `json:"server"`
	Direct      bool                 `json:"direct"`
	Projects    []ProjectStatus      `json:"projects"`
	Delivery    *delivery.Stats      `json:"delivery,omitempty"`
	Push        watchlist.PushStatus `json:"push"`
	LastRefresh time.Time            `json:"lastRefresh"`
	RefreshErr  string               `json:"refreshError,omitempty"`
}

// Status returns a snapshot of the daemon state.
func (d *Daemon) Status() Status {
	s := Status{
		Server: d.client.BaseURL(),
		Direct: d.config.Direct,
	}

	d.mu.Lock()
	pipelines := make(map[string]*pipeline, len(d.pipelines))
	for id, p := range d.pipelines {
		pipelines[id] = p
	}
	queue, push, poller := d.queue, d.push, d.poller
	d.mu.Unlock()

	for _, project := range d.reconciler.Projects() {
		ps := ProjectStatus{
			ProjectID:   project.ProjectID,
			Path:        project.PathToMonitor,
			Directories: len(d.platform.WatchedDirectories(project.ProjectID)),
			Files:       len(d.files.WatchedFiles(project.ProjectID)),
		}
		if p, ok := pipelines[project.ProjectID]; ok {
			ps.PendingEvents = p.batcher.Pending()
			if p.invoker != nil {
				ps.SyncSince = p.invoker.Since()
				ps.SyncRuns, ps.SyncFailures = p.invoker.Stats()
				ps.SyncActive = p.invoker.Active()
			}
		}
		s.Projects = append(s.Projects, ps)
	}
	sort.Slice(s.Projects, func(i, j int) bool { return s.Projects[i].ProjectID < s.Projects[j].ProjectID })

	if queue != nil {
		stats := queue.Pending()
		s.Delivery = &stats
	}
	if push != nil {
		s.Push = push.Status()
	}
	if poller != nil {
		last, err := poller.LastRefresh()
		s.LastRefresh = last
		if err != nil {
			s.RefreshErr = err.Error()
		}
	}
	return s
}

// reportStatus periodically logs a one-line summary.
func (d *Daemon) reportStatus() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			s := d.Status()
			pending := 0
			for _, p := range s.Projects {
				pending += p.PendingEvents
			}
			kv := []any{"projects", len(s.Projects), "pending", pending, "connected", s.Push.Connected}
			if s.Delivery != nil {
				kv = append(kv, "groups", s.Delivery.Groups, "chunks", s.Delivery.Chunks)
			}
			d.logger.Info("Status", kv...)
		}
	}
}
