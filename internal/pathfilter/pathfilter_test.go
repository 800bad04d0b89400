package pathfilter

import (
	"errors"
	"testing"

	"github.com/mschirtzinger/filewatchd/internal/model"
)

// TestIsExcluded covers filename and path pattern matching.
func TestIsExcluded(t *testing.T) {
	f, err := New(model.Filters{
		IgnoredFilenames: []string{"*.class", "node_modules", ".DS_Store"},
		IgnoredPaths:     []string{"/target/*", "/build", "/docs/*.tmp"},
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	tests := []struct {
		path string
		want bool
	}{
		{"/src/main.go", false},
		{"/src/Main.class", true},
		{"/web/node_modules/react/index.js", true},
		{"/web/node_modules", true},
		{"/target/classes/a.txt", true},
		{"/target", false},
		{"/build", true},
		{"/build/out/x.o", true},
		{"/buildinfo.txt", false},
		{"/docs/a/b.tmp", true},
		{"/docs/readme.md", false},
		{"src/.DS_Store", true},
		{"/", false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := f.IsExcluded(tt.path); got != tt.want {
				t.Errorf("IsExcluded(%q) = %v, want %v", tt.path, got, tt.want)
			}
		})
	}
}

// TestNew_InvalidPattern verifies broken patterns are reported while valid ones still apply.
func TestNew_InvalidPattern(t *testing.T) {
	f, err := New(model.Filters{IgnoredFilenames: []string{"[", "*.log"}})
	if !errors.Is(err, ErrInvalidPattern) {
		t.Fatalf("Expected ErrInvalidPattern, got %v", err)
	}
	// Valid patterns are still usable.
	if !f.IsExcluded("/a/b.log") {
		t.Error("Valid pattern should still be applied")
	}
}

// TestNilFilter verifies that a nil filter excludes nothing.
func TestNilFilter(t *testing.T) {
	var f *Filter
	if f.IsExcluded("/anything") {
		t.Error("Nil filter should exclude nothing")
	}
}
