package watch

import (
	"path/filepath"
	"strings"
)

// Matcher filters paths against a small gitignore-style dialect:
// `*.log` matches by basename, `name/` matches directories only, and
// `**/name/**` matches any path with name as a component. Patterns
// starting with # are comments.
type Matcher struct {
	hidden   bool
	patterns []ignorePattern
}

type ignorePattern struct {
	glob    string
	dirOnly bool
	anyDir  bool // **/x/** form: match x as any path component
}

// NewMatcher compiles the patterns. Invalid globs are kept and simply
// never match.
func NewMatcher(patterns []string, ignoreHidden bool) *Matcher {
	m := &Matcher{hidden: ignoreHidden}
	for _, raw := range patterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		p := ignorePattern{}
		if strings.HasPrefix(raw, "**/") && strings.HasSuffix(raw, "/**") {
			p.anyDir = true
			raw = strings.TrimSuffix(strings.TrimPrefix(raw, "**/"), "/**")
		}
		if strings.HasSuffix(raw, "/") {
			p.dirOnly = true
			raw = strings.TrimSuffix(raw, "/")
		}
		p.glob = raw
		m.patterns = append(m.patterns, p)
	}
	return m
}

// Match reports whether the path should be ignored.
func (m *Matcher) Match(path string, isDir bool) bool {
	path = filepath.ToSlash(path)
	base := filepath.Base(path)

	if m.hidden && strings.HasPrefix(base, ".") && base != "." && base != ".." {
		return true
	}

	parts := strings.Split(path, "/")
	for _, p := range m.patterns {
		if p.anyDir {
			for _, part := range parts {
				if ok, _ := filepath.Match(p.glob, part); ok {
					return true
				}
			}
			continue
		}
		if p.dirOnly {
			// Directory patterns also exclude everything under the
			// directory, so match any component, not just the last.
			limit := len(parts)
			if !isDir {
				limit--
			}
			for i := 0; i < limit; i++ {
				if ok, _ := filepath.Match(p.glob, parts[i]); ok {
					return true
				}
			}
			continue
		}
		if ok, _ := filepath.Match(p.glob, base); ok {
			return true
		}
	}
	return false
}

// Count returns the number of compiled patterns.
func (m *Matcher) Count() int { return len(m.patterns) }

// DefaultIgnorePatterns cover the directories no language server wants
// change traffic from.
var DefaultIgnorePatterns = []string{
	".git/",
	"node_modules/",
	"vendor/",
	"target/",
	"dist/",
	"build/",
	"__pycache__/",
	"*.swp",
	"*~",
	".DS_Store",
}
