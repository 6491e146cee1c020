package session

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// NoiseFilter drops diagnostic lines matching any of a set of glob
// patterns. Patterns are configuration, so the engine's log format can
// change without touching the supervisor.
type NoiseFilter struct {
	patterns []glob.Glob
	sources  []string
}

// NewNoiseFilter compiles patterns. An empty list suppresses nothing.
func NewNoiseFilter(patterns []string) (*NoiseFilter, error) {
	f := &NoiseFilter{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid noise pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, g)
		f.sources = append(f.sources, p)
	}
	return f, nil
}

// Suppress reports whether line is noise. A nil filter suppresses nothing.
func (f *NoiseFilter) Suppress(line string) bool {
	if f == nil {
		return false
	}
	line = strings.TrimSpace(line)
	for _, g := range f.patterns {
		if g.Match(line) {
			return true
		}
	}
	return false
}

// Patterns returns the compiled pattern sources.
func (f *NoiseFilter) Patterns() []string {
	if f == nil {
		return nil
	}
	return append([]string(nil), f.sources...)
}
