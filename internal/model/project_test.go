package model

import (
	"encoding/json"
	"errors"
	"testing"
)

// TestParseWatchList verifies that a watch list response decodes into projects.
func TestParseWatchList(t *testing.T) {
	data := []byte(`{"projects": [
		{"projectID": "p1", "pathToMonitor": "/work/p1/", "ignoredPaths": ["/target/*"],
		 "ignoredFilenames": ["*.class"], "refPaths": ["/other/a.txt", {"from": "/other/b.txt"}],
		 "projectCreationTime": 1700000000000},
		{"projectID": "p2", "pathToMonitor": "/work/p2", "changeType": "UPDATE"}
	]}`)

	projects, err := ParseWatchList(data)
	if err != nil {
		t.Fatalf("ParseWatchList() failed: %v", err)
	}
	if len(projects) != 2 {
		t.Fatalf("Expected 2 projects, got %d", len(projects))
	}

	p1 := projects[0]
	if p1.PathToMonitor != "/work/p1" {
		t.Errorf("Expected trailing slash to be trimmed, got %q", p1.PathToMonitor)
	}
	if p1.ChangeType != ChangeAdd {
		t.Errorf("Expected empty changeType to parse as add, got %v", p1.ChangeType)
	}
	if len(p1.RefPaths) != 2 || p1.RefPaths[0] != "/other/a.txt" || p1.RefPaths[1] != "/other/b.txt" {
		t.Errorf("Unexpected ref paths: %v", p1.RefPaths)
	}
	if p1.CreationTime != 1700000000000 {
		t.Errorf("Unexpected creation time: %d", p1.CreationTime)
	}
	if projects[1].ChangeType != ChangeUpdate {
		t.Errorf("Expected update change type, got %v", projects[1].ChangeType)
	}
}

// TestParseWatchList_Malformed ensures broken JSON is reported as an error.
func TestParseWatchList_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{"projects": [`},
		{"missing id", `{"projects": [{"pathToMonitor": "/work/p1"}]}`},
		{"relative path", `{"projects": [{"projectID": "p1", "pathToMonitor": "work/p1"}]}`},
		{"bad change type", `{"projects": [{"projectID": "p1", "pathToMonitor": "/p", "changeType": "rename"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseWatchList([]byte(tt.data)); err == nil {
				t.Error("Expected error for malformed payload")
			}
		})
	}
}

// TestValidate_DeleteNeedsOnlyID verifies that a delete entry is valid with only a project ID.
func TestValidate_DeleteNeedsOnlyID(t *testing.T) {
	p := ProjectToWatch{ProjectID: "p1", ChangeType: ChangeDelete}
	if err := p.Validate(); err != nil {
		t.Errorf("Delete entry without path should be valid: %v", err)
	}

	p = ProjectToWatch{PathToMonitor: "/p"}
	if err := p.Validate(); !errors.Is(err, ErrInvalidProject) {
		t.Errorf("Expected ErrInvalidProject, got %v", err)
	}
}

// TestFiltersEqualIgnoresOrder checks that filter comparison does not depend on pattern order.
func TestFiltersEqualIgnoresOrder(t *testing.T) {
	a := Filters{IgnoredFilenames: []string{"a", "b"}, IgnoredPaths: []string{"/x"}}
	b := Filters{IgnoredFilenames: []string{"b", "a"}, IgnoredPaths: []string{"/x"}}
	if !a.Equal(b) {
		t.Error("Filters with same patterns in different order should be equal")
	}
	b.IgnoredPaths = nil
	if a.Equal(b) {
		t.Error("Filters with different paths should not be equal")
	}
}

// TestChangeEventJSON verifies the wire field names of a change event.
func TestChangeEventJSON(t *testing.T) {
	ev := ChangeEvent{Path: "/src/a.go", TimestampMillis: 42, Type: EventDelete, IsDirectory: true}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `{"path":"/src/a.go","timestamp":42,"type":"DELETE","directory":true}`
	if string(data) != want {
		t.Errorf("Expected %s, got %s", want, data)
	}
}
