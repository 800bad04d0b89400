package watchlist

import (
	"fmt"
	"sync"
	"testing"

	"github.com/mschirtzinger/filewatchd/internal/logging"
	"github.com/mschirtzinger/filewatchd/internal/model"
)

// fakeServices records calls made by the reconciler to both watch services
// and the observer.
type fakeServices struct {
	mu    sync.Mutex
	calls []string
	files map[string][]string
}

func newFakeServices() *fakeServices {
	return &fakeServices{files: make(map[string][]string)}
}

func (f *fakeServices) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeServices) AddProject(p model.ProjectToWatch) error {
	f.record("add %s %s", p.ProjectID, p.PathToMonitor)
	return nil
}

func (f *fakeServices) RemoveProject(id string) { f.record("remove %s", id) }

func (f *fakeServices) SetFilesToWatch(id string, paths []string) {
	f.mu.Lock()
	if len(paths) == 0 {
		delete(f.files, id)
	} else {
		f.files[id] = paths
	}
	f.mu.Unlock()
	f.record("files %s %d", id, len(paths))
}

func (f *fakeServices) ProjectAdded(p model.ProjectToWatch) { f.record("added %s", p.ProjectID) }

func (f *fakeServices) ProjectUpdated(_, p model.ProjectToWatch) { f.record("updated %s", p.ProjectID) }

func (f *fakeServices) ProjectRemoved(id string) { f.record("removed %s", id) }

func (f *fakeServices) take() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.calls
	f.calls = nil
	return out
}

func newTestReconciler(f *fakeServices) *Reconciler {
	return NewReconciler(f, f, ReconcilerConfig{Observer: f, Logger: logging.Discard()})
}

func project(id, path string, refs ...string) model.ProjectToWatch {
	return model.ProjectToWatch{ProjectID: id, PathToMonitor: path, RefPaths: refs}
}

func assertCalls(t *testing.T, got []string, want ...string) {
	t.Helper()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Calls = %q, want %q", got, want)
	}
}

// TestReconciler_ApplyFullIsIdempotent verifies that applying the same list twice causes no observer calls.
func TestReconciler_ApplyFullIsIdempotent(t *testing.T) {
	f := newFakeServices()
	r := newTestReconciler(f)

	list := []model.ProjectToWatch{
		project("a", "/work/a", "/lib/x.jar"),
		project("b", "/work/b"),
	}
	r.ApplyFull(list)
	assertCalls(t, f.take(),
		"add a /work/a", "files a 1", "added a",
		"add b /work/b", "files b 0", "added b",
	)

	r.ApplyFull(list)
	if calls := f.take(); len(calls) != 0 {
		t.Errorf("Second apply should be a no-op, got %q", calls)
	}
	if n := len(r.Projects()); n != 2 {
		t.Errorf("Expected 2 projects, got %d", n)
	}
}

// TestReconciler_ApplyFullRemovesMissing verifies projects absent from a full list are removed.
func TestReconciler_ApplyFullRemovesMissing(t *testing.T) {
	f := newFakeServices()
	r := newTestReconciler(f)
	r.ApplyFull([]model.ProjectToWatch{project("a", "/work/a"), project("b", "/work/b")})
	f.take()

	r.ApplyFull([]model.ProjectToWatch{project("b", "/work/b")})
	assertCalls(t, f.take(), "remove a", "files a 0", "removed a")

	if _, ok := r.Project("a"); ok {
		t.Error("Project a should be gone")
	}
}

// TestReconciler_ApplyDelta verifies adds and deletes from a delta message.
func TestReconciler_ApplyDelta(t *testing.T) {
	f := newFakeServices()
	r := newTestReconciler(f)
	r.ApplyFull([]model.ProjectToWatch{project("a", "/work/a"), project("b", "/work/b")})
	f.take()

	del := project("a", "")
	del.ChangeType = model.ChangeDelete
	r.ApplyDelta([]model.ProjectToWatch{del, project("c", "/work/c")})
	assertCalls(t, f.take(),
		"remove a", "files a 0", "removed a",
		"add c /work/c", "files c 0", "added c",
	)

	// b is untouched by a delta that does not mention it.
	if _, ok := r.Project("b"); !ok {
		t.Error("Project b should still be watched")
	}

	// Deleting an unknown project does nothing.
	unknown := project("zz", "")
	unknown.ChangeType = model.ChangeDelete
	r.ApplyDelta([]model.ProjectToWatch{unknown})
	if calls := f.take(); len(calls) != 0 {
		t.Errorf("Unexpected calls %q", calls)
	}
}

// TestReconciler_Updates checks that changed filters or paths replace the project.
func TestReconciler_Updates(t *testing.T) {
	tests := []struct {
		name   string
		update model.ProjectToWatch
		want   []string
	}{
		{
			name:   "path change rewatches",
			update: project("a", "/moved/a", "/lib/x.jar"),
			want:   []string{"remove a", "add a /moved/a", "updated a"},
		},
		{
			name: "filter change rewatches",
			update: model.ProjectToWatch{
				ProjectID: "a", PathToMonitor: "/work/a", RefPaths: []string{"/lib/x.jar"},
				Filters: model.Filters{IgnoredPaths: []string{"/target"}},
			},
			want: []string{"remove a", "add a /work/a", "updated a"},
		},
		{
			name:   "ref path change only resyncs files",
			update: project("a", "/work/a", "/lib/x.jar", "/lib/y.jar"),
			want:   []string{"files a 2", "updated a"},
		},
		{
			name:   "unchanged entry is a no-op",
			update: project("a", "/work/a", "/lib/x.jar"),
			want:   nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeServices()
			r := newTestReconciler(f)
			r.ApplyFull([]model.ProjectToWatch{project("a", "/work/a", "/lib/x.jar")})
			f.take()

			r.ApplyDelta([]model.ProjectToWatch{tt.update})
			assertCalls(t, f.take(), tt.want...)

			got, _ := r.Project("a")
			if got.PathToMonitor != tt.update.PathToMonitor {
				t.Errorf("Stored path %s, want %s", got.PathToMonitor, tt.update.PathToMonitor)
			}
		})
	}
}

// TestReconciler_ProjectsSorted checks that Projects returns a stable order.
func TestReconciler_ProjectsSorted(t *testing.T) {
	f := newFakeServices()
	r := newTestReconciler(f)
	r.ApplyFull([]model.ProjectToWatch{project("c", "/c"), project("a", "/a"), project("b", "/b")})

	var ids []string
	for _, p := range r.Projects() {
		ids = append(ids, p.ProjectID)
	}
	if fmt.Sprint(ids) != "[a b c]" {
		t.Errorf("Projects() order = %v", ids)
	}
}
