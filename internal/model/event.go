package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType represents the type of file system operation.
type EventType int

const (
	// EventCreate indicates a new file or directory was created.
	EventCreate EventType = iota
	// EventModify indicates an existing file was modified.
	EventModify
	// EventDelete indicates a file or directory was deleted.
	EventDelete
)

// String returns the wire representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventCreate:
		return "CREATE"
	case EventModify:
		return "MODIFY"
	case EventDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// MarshalJSON encodes the event type as its wire string.
func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes an event type from its wire string.
func (t *EventType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "CREATE":
		*t = EventCreate
	case "MODIFY":
		*t = EventModify
	case "DELETE":
		*t = EventDelete
	default:
		return fmt.Errorf("unknown event type %q", s)
	}
	return nil
}

// ChangeEvent is a single observed change. Path always uses forward slashes:
// project-relative with a leading "/" for events inside the watched tree,
// absolute for individually polled files.
type ChangeEvent struct {
	Path            string    `json:"path"`
	TimestampMillis int64     `json:"timestamp"`
	Type            EventType `json:"type"`
	IsDirectory     bool      `json:"directory"`
}

// NewChangeEvent creates an event stamped with the current time.
func NewChangeEvent(path string, typ EventType, isDir bool) ChangeEvent {
	return ChangeEvent{
		Path:            path,
		TimestampMillis: time.Now().UnixMilli(),
		Type:            typ,
		IsDirectory:     isDir,
	}
}
