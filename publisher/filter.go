package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter filters events using glob patterns on topic and key
type GlobFilter struct {
	topicGlobs []glob.Glob
	keyGlobs   []glob.Glob
}

// NewGlobFilter creates a new glob-based filter.
// Empty patterns match everything.
func NewGlobFilter(topicPatterns, keyPatterns []string) (*GlobFilter, error) {
	topics, err := compileGlobs("topic", topicPatterns)
	if err != nil {
		return nil, err
	}
	keys, err := compileGlobs("key", keyPatterns)
	if err != nil {
		return nil, err
	}
	return &GlobFilter{topicGlobs: topics, keyGlobs: keys}, nil
}

func compileGlobs(kind string, patterns []string) ([]glob.Glob, error) {
	globs := make([]glob.Glob, 0, len(patterns))
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", kind, pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// Match returns true if topic and key match the configured patterns
func (f *GlobFilter) Match(topic, key string) bool {
	return matchAny(f.topicGlobs, topic) && matchAny(f.keyGlobs, key)
}

func matchAny(globs []glob.Glob, s string) bool {
	if len(globs) == 0 {
		return true
	}
	for _, g := range globs {
		if g.Match(s) {
			return true
		}
	}
	return false
}
