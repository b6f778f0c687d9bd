package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter matches event types against glob patterns, "." separated, so
// "node.state.*" selects every health change.
type GlobFilter struct {
	globs []glob.Glob
}

// NewGlobFilter compiles patterns. No patterns match every event.
func NewGlobFilter(patterns []string) (*GlobFilter, error) {
	f := &GlobFilter{globs: make([]glob.Glob, 0, len(patterns))}
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid event pattern %q: %w", pattern, err)
		}
		f.globs = append(f.globs, g)
	}
	return f, nil
}

func (f *GlobFilter) Match(eventType string) bool {
	if len(f.globs) == 0 {
		return true
	}
	for _, g := range f.globs {
		if g.Match(eventType) {
			return true
		}
	}
	return false
}
