// Package watchlist keeps the local set of watched projects in step with
// the server. The Reconciler owns that set; the Poller and PushChannel feed
// it full snapshots and deltas respectively.
package watchlist

import (
	"sort"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/mschirtzinger/filewatchd/internal/logging"
	"github.com/mschirtzinger/filewatchd/internal/model"
)

// PlatformWatcher is the directory-watching side of the reconciler.
type PlatformWatcher interface {
	AddProject(p model.ProjectToWatch) error
	RemoveProject(projectID string)
}

// FileWatcher is the individual-file side of the reconciler.
type FileWatcher interface {
	SetFilesToWatch(projectID string, paths []string)
}

// ProjectObserver is told about every change to the watched set.
type ProjectObserver interface {
	ProjectAdded(p model.ProjectToWatch)
	ProjectUpdated(old, p model.ProjectToWatch)
	ProjectRemoved(projectID string)
}

// ReconcilerConfig holds configuration for a Reconciler.
type ReconcilerConfig struct {
	// Observer is optional.
	Observer ProjectObserver

	// Logger for reconciliation (default: log.Default()).
	Logger *log.Logger
}

// Reconciler diffs incoming watch lists against the current state and
// drives the watch services to match. Applying the same list twice is a
// no-op.
type Reconciler struct {
	platform PlatformWatcher
	files    FileWatcher
	observer ProjectObserver
	logger   *log.Logger

	// applyMu serializes updates from the poller and the push channel.
	applyMu sync.Mutex

	mu       sync.RWMutex
	projects map[string]model.ProjectToWatch
}

// NewReconciler creates a Reconciler with an empty watched set.
func NewReconciler(platform PlatformWatcher, files FileWatcher, config ReconcilerConfig) *Reconciler {
	return &Reconciler{
		platform: platform,
		files:    files,
		observer: config.Observer,
		logger:   logging.Component(config.Logger, "reconcile"),
		projects: make(map[string]model.ProjectToWatch),
	}
}

// ApplyFull replaces the watched set with list. Projects missing from list
// are removed.
func (r *Reconciler) ApplyFull(list []model.ProjectToWatch) {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	wanted := make(map[string]bool, len(list))
	for _, p := range list {
		if p.ChangeType != model.ChangeDelete {
			wanted[p.ProjectID] = true
		}
	}

	for _, id := range r.projectIDs() {
		if !wanted[id] {
			r.remove(id)
		}
	}
	for _, p := range list {
		r.apply(p)
	}
}

// ApplyDelta applies the entries of list without touching other projects.
func (r *Reconciler) ApplyDelta(list []model.ProjectToWatch) {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	for _, p := range list {
		r.apply(p)
	}
}

// Projects returns the watched set ordered by project ID.
func (r *Reconciler) Projects() []model.ProjectToWatch {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]model.ProjectToWatch, 0, len(r.projects))
	for _, p := range r.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// Project returns the current entry for projectID.
func (r *Reconciler) Project(projectID string) (model.ProjectToWatch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.projects[projectID]
	return p, ok
}

// apply handles one entry. Caller must hold applyMu.
func (r *Reconciler) apply(p model.ProjectToWatch) {
	if p.ChangeType == model.ChangeDelete {
		r.remove(p.ProjectID)
		return
	}

	old, exists := r.Project(p.ProjectID)
	if !exists {
		r.logger.Info("Watching project", "project", p.ProjectID, "path", p.PathToMonitor)
		r.store(p)
		if err := r.platform.AddProject(p); err != nil {
			r.logger.Error("Failed to watch project", "project", p.ProjectID, "err", err)
		}
		r.files.SetFilesToWatch(p.ProjectID, p.RefPaths)
		if r.observer != nil {
			r.observer.ProjectAdded(p)
		}
		return
	}

	sameTarget := old.SameWatchTarget(p)
	sameRefs := old.SameRefPaths(p)
	if sameTarget && sameRefs {
		return
	}

	r.store(p)
	if !sameTarget {
		r.logger.Info("Updating project watch", "project", p.ProjectID, "path", p.PathToMonitor)
		r.platform.RemoveProject(p.ProjectID)
		if err := r.platform.AddProject(p); err != nil {
			r.logger.Error("Failed to watch project", "project", p.ProjectID, "err", err)
		}
	}
	if !sameRefs {
		r.logger.Debug("Updating individual files", "project", p.ProjectID, "files", len(p.RefPaths))
		r.files.SetFilesToWatch(p.ProjectID, p.RefPaths)
	}
	if r.observer != nil {
		r.observer.ProjectUpdated(old, p)
	}
}

// remove stops watching projectID if it is watched. Caller must hold applyMu.
func (r *Reconciler) remove(projectID string) {
	r.mu.Lock()
	_, ok := r.projects[projectID]
	delete(r.projects, projectID)
	r.mu.Unlock()
	if !ok {
		return
	}

	r.logger.Info("Unwatching project", "project", projectID)
	r.platform.RemoveProject(projectID)
	r.files.SetFilesToWatch(projectID, nil)
	if r.observer != nil {
		r.observer.ProjectRemoved(projectID)
	}
}

func (r *Reconciler) store(p model.ProjectToWatch) {
	r.mu.Lock()
	r.projects[p.ProjectID] = p
	r.mu.Unlock()
}

func (r *Reconciler) projectIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.projects))
	for id := range r.projects {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
