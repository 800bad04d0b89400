// Package watch provides the two change sources of the watcher: recursive
// OS-level directory watching per project, and one-second polling of
// individual files that live outside any watched tree.
package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/fsnotify/fsnotify"

	"github.com/mschirtzinger/filewatchd/internal/logging"
	"github.com/mschirtzinger/filewatchd/internal/model"
	"github.com/mschirtzinger/filewatchd/internal/pathfilter"
)

// DefaultGracePeriod is how long a project whose root disappeared is kept
// alive waiting for the root to come back.
const DefaultGracePeriod = 30 * time.Second

// ErrDisposed is returned when adding work to a disposed service.
var ErrDisposed = errors.New("service disposed")

// Listener receives change events from the watch services.
type Listener interface {
	ChangesDetected(projectID string, events []model.ChangeEvent)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc func(projectID string, events []model.ChangeEvent)

// ChangesDetected implements Listener.
func (f ListenerFunc) ChangesDetected(projectID string, events []model.ChangeEvent) {
	f(projectID, events)
}

// PlatformConfig holds configuration for PlatformService.
type PlatformConfig struct {
	// GracePeriod is how long to wait for a vanished root to reappear (default: 30s).
	GracePeriod time.Duration

	// Logger for watch activity (default: log.Default()).
	Logger *log.Logger
}

// PlatformService watches project trees with fsnotify, one goroutine and
// one OS watcher per project.
type PlatformService struct {
	listener Listener
	config   PlatformConfig
	logger   *log.Logger

	mu       sync.Mutex
	projects map[string]*projectWatch
	disposed bool
}

// NewPlatformService creates a PlatformService delivering events to listener.
func NewPlatformService(listener Listener, config PlatformConfig) *PlatformService {
	if config.GracePeriod <= 0 {
		config.GracePeriod = DefaultGracePeriod
	}
	return &PlatformService{
		listener: listener,
		config:   config,
		logger:   logging.Component(config.Logger, "watch"),
		projects: make(map[string]*projectWatch),
	}
}

// AddProject starts watching the project's root, replacing any previous
// watch for the same project. Pre-existing files are reported as CREATE
// events once the watch is live.
func (s *PlatformService) AddProject(p model.ProjectToWatch) error {
	filter, err := pathfilter.New(p.Filters)
	if err != nil {
		// Broken patterns are dropped; the valid ones still apply.
		s.logger.Error("Invalid ignore patterns", "project", p.ProjectID, "err", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	pw := &projectWatch{
		id:      p.ProjectID,
		root:    filepath.Clean(filepath.FromSlash(p.PathToMonitor)),
		filter:  filter,
		watcher: watcher,
		dirs:    make(map[string]struct{}),
		done:    make(chan struct{}),
		svc:     s,
		logger:  s.logger.With("project", p.ProjectID),
	}

	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		_ = watcher.Close()
		return ErrDisposed
	}
	old := s.projects[p.ProjectID]
	s.projects[p.ProjectID] = pw
	s.mu.Unlock()

	if old != nil {
		old.stop()
	}

	// Register synchronously so changes made right after AddProject returns are seen.
	initial, err := pw.registerTree(pw.root, false)
	if err != nil {
		pw.logger.Warn("Project root not watchable yet", "path", pw.root, "err", err)
	}

	go pw.run(initial)

	pw.logger.Info("Watching project", "path", pw.root, "directories", pw.dirCount())
	return nil
}

// RemoveProject stops watching a project. It does not wait for the watch
// goroutine to exit.
func (s *PlatformService) RemoveProject(projectID string) {
	s.mu.Lock()
	pw := s.projects[projectID]
	delete(s.projects, projectID)
	s.mu.Unlock()

	if pw != nil {
		pw.stop()
		s.logger.Info("Stopped watching project", "project", projectID)
	}
}

// IsWatching reports whether the project currently has a live watch.
func (s *PlatformService) IsWatching(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.projects[projectID]
	return ok
}

// WatchedDirectories returns the directories registered for a project.
func (s *PlatformService) WatchedDirectories(projectID string) []string {
	s.mu.Lock()
	pw := s.projects[projectID]
	s.mu.Unlock()
	if pw == nil {
		return nil
	}
	return pw.dirList()
}

// Dispose stops every project watch. Safe to call more than once; it
// returns without waiting for the watch goroutines.
func (s *PlatformService) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	projects := s.projects
	s.projects = make(map[string]*projectWatch)
	s.mu.Unlock()

	go func() {
		for _, pw := range projects {
			pw.stop()
		}
		s.logger.Debug("Platform watch service disposed", "projects", len(projects))
	}()
}

// terminated removes pw from the project map if it is still the current watch.
func (s *PlatformService) terminated(pw *projectWatch) {
	s.mu.Lock()
	if s.projects[pw.id] == pw {
		delete(s.projects, pw.id)
	}
	s.mu.Unlock()
}

// projectWatch is the watch state of one project root.
type projectWatch struct {
	id      string
	root    string
	filter  *pathfilter.Filter
	watcher *fsnotify.Watcher
	svc     *PlatformService
	logger  *log.Logger

	mu   sync.Mutex
	dirs map[string]struct{}

	done     chan struct{}
	stopOnce sync.Once
}

func (pw *projectWatch) stop() {
	pw.stopOnce.Do(func() {
		close(pw.done)
		_ = pw.watcher.Close()
	})
}

func (pw *projectWatch) stopped() bool {
	select {
	case <-pw.done:
		return true
	default:
		return false
	}
}

// run is the watch loop of a single project.
func (pw *projectWatch) run(initial []model.ChangeEvent) {
	defer pw.svc.terminated(pw)
	defer pw.stop()

	pw.emit(initial)

	if pw.dirCount() == 0 && !pw.waitForRoot() {
		return
	}

	for {
		select {
		case <-pw.done:
			return

		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			pw.handleSafely(event)

			if pw.dirCount() == 0 && !pw.waitForRoot() {
				return
			}

		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.logger.Warn("Watcher error", "err", err)
		}
	}
}

// handleSafely converts and forwards one OS event; a panic is logged and
// the loop continues.
func (pw *projectWatch) handleSafely(event fsnotify.Event) {
	defer func() {
		if r := recover(); r != nil {
			pw.logger.Error("Panic while handling watch event", "event", event.String(), "panic", r)
		}
	}()
	pw.emit(pw.handleEvent(event))
}

// handleEvent converts an fsnotify event into change events, registering
// newly created directories before anything is forwarded.
func (pw *projectWatch) handleEvent(event fsnotify.Event) []model.ChangeEvent {
	rel, ok := pw.relative(event.Name)
	if !ok {
		return nil
	}

	switch {
	case event.Has(fsnotify.Create):
		if pw.filter.IsExcluded(rel) {
			return nil
		}
		info, err := os.Lstat(event.Name)
		if err != nil {
			// Already gone again; the remove event follows.
			return nil
		}
		if !info.IsDir() {
			return []model.ChangeEvent{model.NewChangeEvent(rel, model.EventCreate, false)}
		}
		events := []model.ChangeEvent{model.NewChangeEvent(rel, model.EventCreate, true)}
		contents, err := pw.registerTree(event.Name, true)
		if err != nil {
			pw.logger.Warn("Failed to watch new directory", "path", event.Name, "err", err)
		}
		return append(events, contents...)

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		// A rename is reported as a delete; the new name triggers its own create.
		isDir := pw.forgetTree(event.Name)
		if rel == "/" || pw.filter.IsExcluded(rel) {
			return nil
		}
		return []model.ChangeEvent{model.NewChangeEvent(rel, model.EventDelete, isDir)}

	case event.Has(fsnotify.Write):
		if pw.filter.IsExcluded(rel) {
			return nil
		}
		if pw.isDir(event.Name) {
			return nil
		}
		return []model.ChangeEvent{model.NewChangeEvent(rel, model.EventModify, false)}

	default:
		// Chmod only.
		return nil
	}
}

// registerTree adds root and every non-excluded directory under it to the
// OS watcher. It returns CREATE events for the files found, and for the
// directories too when includeDirs is set.
func (pw *projectWatch) registerTree(root string, includeDirs bool) ([]model.ChangeEvent, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	var events []model.ChangeEvent
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable entries are skipped, not fatal.
			if d != nil && d.IsDir() && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		rel, ok := pw.relative(path)
		if !ok {
			return nil
		}
		if path != pw.root && pw.filter.IsExcluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			if err := pw.watcher.Add(path); err != nil {
				pw.logger.Warn("Failed to watch directory", "path", path, "err", err)
				return filepath.SkipDir
			}
			pw.mu.Lock()
			pw.dirs[path] = struct{}{}
			pw.mu.Unlock()
			if includeDirs && path != root {
				events = append(events, model.NewChangeEvent(rel, model.EventCreate, true))
			}
			return nil
		}

		events = append(events, model.NewChangeEvent(rel, model.EventCreate, false))
		return nil
	})
	return events, err
}

// forgetTree drops path and every registered directory below it. It
// reports whether path itself was a watched directory.
func (pw *projectWatch) forgetTree(path string) bool {
	prefix := path + string(filepath.Separator)

	pw.mu.Lock()
	defer pw.mu.Unlock()

	_, wasDir := pw.dirs[path]
	for dir := range pw.dirs {
		if dir == path || strings.HasPrefix(dir, prefix) {
			delete(pw.dirs, dir)
			// A renamed directory keeps its OS watch; drop it explicitly.
			_ = pw.watcher.Remove(dir)
		}
	}
	return wasDir
}

// waitForRoot is called when no directories remain watched. It waits out
// the grace period and re-registers the root if it came back. It returns
// false when the watch should terminate.
func (pw *projectWatch) waitForRoot() bool {
	pw.logger.Warn("Project root is no longer watchable, waiting for it to return",
		"path", pw.root, "grace", pw.svc.config.GracePeriod)

	select {
	case <-pw.done:
		return false
	case <-time.After(pw.svc.config.GracePeriod):
	}

	events, err := pw.registerTree(pw.root, true)
	if err != nil || pw.dirCount() == 0 {
		pw.logger.Error("Project root did not return, stopping watch", "path", pw.root, "err", err)
		return false
	}

	pw.logger.Info("Project root returned, watch resumed", "path", pw.root)
	pw.emit(events)
	return true
}

// relative converts an OS path under the root into a project-relative
// slash path with a leading "/".
func (pw *projectWatch) relative(path string) (string, bool) {
	rel, err := filepath.Rel(pw.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	if rel == "." {
		return "/", true
	}
	return "/" + filepath.ToSlash(rel), true
}

func (pw *projectWatch) emit(events []model.ChangeEvent) {
	if len(events) == 0 || pw.stopped() {
		return
	}
	pw.svc.listener.ChangesDetected(pw.id, events)
}

func (pw *projectWatch) isDir(path string) bool {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	_, ok := pw.dirs[path]
	return ok
}

func (pw *projectWatch) dirCount() int {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	return len(pw.dirs)
}

func (pw *projectWatch) dirList() []string {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	out := make([]string, 0, len(pw.dirs))
	for d := range pw.dirs {
		out = append(out, d)
	}
	return out
}
