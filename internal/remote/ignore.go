package remote

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Ignored reports whether a relative slash path, or any of its parent
// directories, matches one of the doublestar patterns
func Ignored(patterns []string, relPath string) bool {
	relPath = strings.TrimPrefix(relPath, "/")
	if relPath == "" {
		return false
	}
	parts := strings.Split(relPath, "/")

	for _, pattern := range patterns {
		if matched, err := doublestar.Match(pattern, relPath); err == nil && matched {
			return true
		}
		for i := 1; i < len(parts); i++ {
			partial := strings.Join(parts[:i], "/")
			if matched, _ := doublestar.Match(pattern, partial); matched {
				return true
			}
		}
	}
	return false
}
