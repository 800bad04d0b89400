// Package pathfilter decides whether a project-relative path is excluded
// from watching, based on a project's ignore patterns.
package pathfilter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/mschirtzinger/filewatchd/internal/model"
)

// ErrInvalidPattern is returned when an ignore pattern cannot be compiled.
var ErrInvalidPattern = errors.New("invalid ignore pattern")

// Filter matches project-relative paths against compiled ignore patterns.
// A Filter is immutable and safe for concurrent use.
type Filter struct {
	filenames []glob.Glob
	paths     []glob.Glob
}

// New compiles the filters of a project. Paths patterns are matched against
// whole project-relative paths ("/target/*"), and "*" crosses "/".
func New(filters model.Filters) (*Filter, error) {
	f := &Filter{}
	var errs []error

	for _, p := range filters.IgnoredFilenames {
		g, err := glob.Compile(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("%w %q: %v", ErrInvalidPattern, p, err))
			continue
		}
		f.filenames = append(f.filenames, g)
	}

	for _, p := range filters.IgnoredPaths {
		g, err := glob.Compile(normalize(p))
		if err != nil {
			errs = append(errs, fmt.Errorf("%w %q: %v", ErrInvalidPattern, p, err))
			continue
		}
		f.paths = append(f.paths, g)
	}

	return f, errors.Join(errs...)
}

// IsExcluded reports whether relPath, or any directory containing it, is
// ignored. relPath uses forward slashes; a leading "/" is optional.
func (f *Filter) IsExcluded(relPath string) bool {
	if f == nil {
		return false
	}
	relPath = normalize(relPath)
	if relPath == "/" {
		return false
	}

	if len(f.filenames) > 0 {
		for _, segment := range strings.Split(relPath[1:], "/") {
			if segment == "" {
				continue
			}
			for _, g := range f.filenames {
				if g.Match(segment) {
					return true
				}
			}
		}
	}

	if len(f.paths) > 0 {
		// Check every ancestor so "/node_modules" excludes its whole subtree.
		for i := 1; i <= len(relPath); i++ {
			if i != len(relPath) && relPath[i] != '/' {
				continue
			}
			prefix := relPath[:i]
			for _, g := range f.paths {
				if g.Match(prefix) {
					return true
				}
			}
		}
	}

	return false
}

func normalize(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 {
		p = strings.TrimSuffix(p, "/")
	}
	return p
}
