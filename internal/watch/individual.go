package watch

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/mschirtzinger/filewatchd/internal/logging"
	"github.com/mschirtzinger/filewatchd/internal/model"
)

// DefaultPollInterval is how often individually watched files are checked.
const DefaultPollInterval = time.Second

// PollStatus is the last observed state of a polled file.
type PollStatus int

const (
	// StatusRecentlyAdded marks a file not yet observed; its first
	// observation becomes the baseline and never emits an event.
	StatusRecentlyAdded PollStatus = iota
	// StatusExists marks a file that existed at the last poll.
	StatusExists
	// StatusDoesNotExist marks a file that was missing at the last poll.
	StatusDoesNotExist
)

// String returns a human-readable representation of the status.
func (s PollStatus) String() string {
	switch s {
	case StatusRecentlyAdded:
		return "recently_added"
	case StatusExists:
		return "exists"
	case StatusDoesNotExist:
		return "does_not_exist"
	default:
		return "unknown"
	}
}

// pollEntry is the polling state of one file.
type pollEntry struct {
	path    string
	status  PollStatus
	modTime int64 // Unix millis; 0 when unknown
}

// IndividualConfig holds configuration for IndividualService.
type IndividualConfig struct {
	// PollInterval is the time between poll cycles (default: 1s).
	PollInterval time.Duration

	// Logger for polling activity (default: log.Default()).
	Logger *log.Logger
}

// IndividualService polls a small set of absolute file paths per project
// and reports create, modify and delete transitions.
type IndividualService struct {
	listener Listener
	config   IndividualConfig
	logger   *log.Logger

	mu       sync.Mutex
	projects map[string]map[string]*pollEntry

	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewIndividualService creates the service and starts its poll goroutine.
func NewIndividualService(listener Listener, config IndividualConfig) *IndividualService {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	s := &IndividualService{
		listener: listener,
		config:   config,
		logger:   logging.Component(config.Logger, "poll"),
		projects: make(map[string]map[string]*pollEntry),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go s.pollLoop()
	return s
}

// SetFilesToWatch replaces the set of files polled for a project. New
// paths start as recently added; an empty list removes the project.
// Directories are rejected.
func (s *IndividualService) SetFilesToWatch(projectID string, paths []string) {
	desired := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		osPath := filepath.Clean(filepath.FromSlash(p))
		if !filepath.IsAbs(osPath) {
			s.logger.Error("Ignoring relative path for individual watch", "project", projectID, "path", p)
			continue
		}
		if info, err := os.Stat(osPath); err == nil && info.IsDir() {
			s.logger.Error("Ignoring directory for individual watch", "project", projectID, "path", p)
			continue
		}
		desired[osPath] = struct{}{}
	}

	s.mu.Lock()
	changed := false
	if len(desired) == 0 {
		if _, ok := s.projects[projectID]; ok {
			delete(s.projects, projectID)
			changed = true
		}
	} else {
		entries := s.projects[projectID]
		if entries == nil {
			entries = make(map[string]*pollEntry)
			s.projects[projectID] = entries
		}
		for path := range entries {
			if _, ok := desired[path]; !ok {
				delete(entries, path)
				changed = true
			}
		}
		for path := range desired {
			if _, ok := entries[path]; !ok {
				entries[path] = &pollEntry{path: path, status: StatusRecentlyAdded}
				changed = true
			}
		}
	}
	s.mu.Unlock()

	if changed {
		s.logger.Debug("Individual watch list updated", "project", projectID, "files", len(desired))
		s.signal()
	}
}

// WatchedFiles returns the polled paths of a project, sorted.
func (s *IndividualService) WatchedFiles(projectID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.projects[projectID]
	out := make([]string, 0, len(entries))
	for path := range entries {
		out = append(out, path)
	}
	sort.Strings(out)
	return out
}

// Dispose stops the poll goroutine. Safe to call more than once; it does
// not wait for the goroutine to exit.
func (s *IndividualService) Dispose() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
}

func (s *IndividualService) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pollLoop wakes every PollInterval, or early when the watch list changes.
func (s *IndividualService) pollLoop() {
	timer := time.NewTimer(s.config.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		case <-timer.C:
		}

		s.pollSafely()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.config.PollInterval)
	}
}

func (s *IndividualService) pollSafely() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic during poll cycle", "panic", r)
		}
	}()

	for projectID, events := range s.pollOnce() {
		select {
		case <-s.done:
			return
		default:
		}
		s.listener.ChangesDetected(projectID, events)
	}
}

// pollOnce observes every watched file and returns the resulting events
// per project. File system calls happen outside the lock.
func (s *IndividualService) pollOnce() map[string][]model.ChangeEvent {
	type target struct {
		projectID string
		path      string
	}

	s.mu.Lock()
	targets := make([]target, 0)
	for projectID, entries := range s.projects {
		for path := range entries {
			targets = append(targets, target{projectID, path})
		}
	}
	s.mu.Unlock()

	type observation struct {
		exists  bool
		modTime int64
	}
	observed := make(map[target]observation, len(targets))
	for _, t := range targets {
		info, err := os.Stat(t.path)
		if err != nil || info.IsDir() {
			observed[t] = observation{}
			continue
		}
		observed[t] = observation{exists: true, modTime: info.ModTime().UnixMilli()}
	}

	result := make(map[string][]model.ChangeEvent)

	s.mu.Lock()
	defer s.mu.Unlock()
	for t, obs := range observed {
		// The entry may have been removed or replaced while we were polling.
		entry, ok := s.projects[t.projectID][t.path]
		if !ok {
			continue
		}
		if ev, emit := entry.transition(obs.exists, obs.modTime); emit {
			result[t.projectID] = append(result[t.projectID], ev)
		}
	}
	return result
}

// transition applies one observation to the entry and returns the event
// it produces, if any.
func (e *pollEntry) transition(exists bool, modTime int64) (model.ChangeEvent, bool) {
	prev := e.status
	prevMod := e.modTime

	if exists {
		e.status = StatusExists
		e.modTime = modTime
	} else {
		e.status = StatusDoesNotExist
		e.modTime = 0
	}

	path := filepath.ToSlash(e.path)
	switch {
	case prev == StatusRecentlyAdded:
		return model.ChangeEvent{}, false
	case prev == StatusDoesNotExist && exists:
		return model.NewChangeEvent(path, model.EventCreate, false), true
	case prev == StatusExists && !exists:
		return model.NewChangeEvent(path, model.EventDelete, false), true
	case prev == StatusExists && exists && prevMod != modTime:
		return model.NewChangeEvent(path, model.EventModify, false), true
	default:
		return model.ChangeEvent{}, false
	}
}
