// Package model defines the watch-list and change-event types shared by
// the watchers, the batcher and the delivery path.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// ErrInvalidProject is returned when a project entry is missing required fields.
var ErrInvalidProject = errors.New("invalid project entry")

// ChangeType describes how a ProjectToWatch entry relates to the current watch list.
type ChangeType int

const (
	// ChangeAdd indicates a project that should start being watched.
	ChangeAdd ChangeType = iota
	// ChangeUpdate indicates new filters or ref paths for a watched project.
	ChangeUpdate
	// ChangeDelete indicates a project that should no longer be watched.
	ChangeDelete
)

// String returns the wire representation of the change type.
func (ct ChangeType) String() string {
	switch ct {
	case ChangeAdd:
		return "add"
	case ChangeUpdate:
		return "update"
	case ChangeDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ParseChangeType parses a change type case-insensitively. An empty value
// is treated as ChangeAdd, which is what full watch-list snapshots carry.
func ParseChangeType(s string) (ChangeType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "add":
		return ChangeAdd, nil
	case "update":
		return ChangeUpdate, nil
	case "delete":
		return ChangeDelete, nil
	default:
		return 0, fmt.Errorf("unknown change type %q", s)
	}
}

// Filters holds the ignore patterns of a project.
type Filters struct {
	// IgnoredFilenames are matched against every segment of a project-relative path.
	IgnoredFilenames []string
	// IgnoredPaths are matched against the project-relative path and its ancestors.
	IgnoredPaths []string
}

// Equal reports whether both filter sets contain the same patterns, ignoring order.
func (f Filters) Equal(other Filters) bool {
	return sameSet(f.IgnoredFilenames, other.IgnoredFilenames) &&
		sameSet(f.IgnoredPaths, other.IgnoredPaths)
}

// ProjectToWatch is a single entry of the server's watch list.
type ProjectToWatch struct {
	ProjectID     string
	PathToMonitor string
	Filters       Filters
	// RefPaths are absolute files outside the project tree that are polled individually.
	RefPaths   []string
	ChangeType ChangeType
	// CreationTime is the project creation time in Unix milliseconds.
	CreationTime int64
	// WatchStateID is an opaque server identifier for this watch configuration.
	WatchStateID string
	// Type is the server's project type, kept for logging.
	Type string
	// Timestamp is when this entry was received.
	Timestamp time.Time
}

// SameWatchTarget reports whether the platform watch for p and other can be shared:
// the same root directory and the same filters.
func (p ProjectToWatch) SameWatchTarget(other ProjectToWatch) bool {
	return p.PathToMonitor == other.PathToMonitor && p.Filters.Equal(other.Filters)
}

// SameRefPaths reports whether both entries poll the same individual files.
func (p ProjectToWatch) SameRefPaths(other ProjectToWatch) bool {
	return sameSet(p.RefPaths, other.RefPaths)
}

// Validate checks that the entry can be watched.
func (p ProjectToWatch) Validate() error {
	if p.ProjectID == "" {
		return fmt.Errorf("%w: missing projectID", ErrInvalidProject)
	}
	if p.ChangeType == ChangeDelete {
		return nil
	}
	if p.PathToMonitor == "" {
		return fmt.Errorf("%w: project %s has no pathToMonitor", ErrInvalidProject, p.ProjectID)
	}
	if !filepath.IsAbs(filepath.FromSlash(p.PathToMonitor)) {
		return fmt.Errorf("%w: project %s pathToMonitor %q is not absolute", ErrInvalidProject, p.ProjectID, p.PathToMonitor)
	}
	return nil
}

// projectJSON is the wire form of ProjectToWatch.
type projectJSON struct {
	ProjectID           string            `json:"projectID"`
	PathToMonitor       string            `json:"pathToMonitor"`
	IgnoredFilenames    []string          `json:"ignoredFilenames,omitempty"`
	IgnoredPaths        []string          `json:"ignoredPaths,omitempty"`
	RefPaths            []json.RawMessage `json:"refPaths,omitempty"`
	ChangeType          string            `json:"changeType,omitempty"`
	ProjectCreationTime int64             `json:"projectCreationTime,omitempty"`
	ProjectWatchStateID string            `json:"projectWatchStateId,omitempty"`
	Type                string            `json:"type,omitempty"`
}

// refPathJSON is the object form of a ref path entry.
type refPathJSON struct {
	From string `json:"from"`
}

// UnmarshalJSON decodes a project entry. Ref paths may be plain strings or
// objects with a "from" field.
func (p *ProjectToWatch) UnmarshalJSON(data []byte) error {
	var raw projectJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	ct, err := ParseChangeType(raw.ChangeType)
	if err != nil {
		return err
	}

	refPaths := make([]string, 0, len(raw.RefPaths))
	for _, r := range raw.RefPaths {
		var s string
		if err := json.Unmarshal(r, &s); err == nil {
			refPaths = append(refPaths, s)
			continue
		}
		var obj refPathJSON
		if err := json.Unmarshal(r, &obj); err != nil {
			return fmt.Errorf("invalid refPaths entry %s: %w", string(r), err)
		}
		refPaths = append(refPaths, obj.From)
	}

	*p = ProjectToWatch{
		ProjectID:     raw.ProjectID,
		PathToMonitor: strings.TrimSuffix(filepath.ToSlash(raw.PathToMonitor), "/"),
		Filters: Filters{
			IgnoredFilenames: raw.IgnoredFilenames,
			IgnoredPaths:     raw.IgnoredPaths,
		},
		RefPaths:     refPaths,
		ChangeType:   ct,
		CreationTime: raw.ProjectCreationTime,
		WatchStateID: raw.ProjectWatchStateID,
		Type:         raw.Type,
		Timestamp:    time.Now(),
	}
	if p.PathToMonitor == "" && raw.PathToMonitor == "/" {
		p.PathToMonitor = "/"
	}
	return nil
}

// MarshalJSON encodes a project entry in its wire form.
func (p ProjectToWatch) MarshalJSON() ([]byte, error) {
	refs := make([]json.RawMessage, 0, len(p.RefPaths))
	for _, r := range p.RefPaths {
		b, err := json.Marshal(r)
		if err != nil {
			return nil, err
		}
		refs = append(refs, b)
	}
	return json.Marshal(projectJSON{
		ProjectID:           p.ProjectID,
		PathToMonitor:       p.PathToMonitor,
		IgnoredFilenames:    p.Filters.IgnoredFilenames,
		IgnoredPaths:        p.Filters.IgnoredPaths,
		RefPaths:            refs,
		ChangeType:          p.ChangeType.String(),
		ProjectCreationTime: p.CreationTime,
		ProjectWatchStateID: p.WatchStateID,
		Type:                p.Type,
	})
}

// WatchList is the body of the watch-list GET endpoint.
type WatchList struct {
	Projects []ProjectToWatch `json:"projects"`
}

// ParseWatchList decodes a watch-list payload. Entries that fail validation
// make the whole payload invalid so a partial list never replaces the
// current state.
func ParseWatchList(data []byte) ([]ProjectToWatch, error) {
	var wl WatchList
	if err := json.Unmarshal(data, &wl); err != nil {
		return nil, fmt.Errorf("failed to decode watch list: %w", err)
	}
	for _, p := range wl.Projects {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	return wl.Projects, nil
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa := slices.Clone(a)
	sb := slices.Clone(b)
	slices.Sort(sa)
	slices.Sort(sb)
	return slices.Equal(sa, sb)
}
