package workspace

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// IgnoreFile is read from the workspace root.
const IgnoreFile = ".wsyncignore"

// defaultIgnorePatterns are always applied regardless of config or .wsyncignore.
var defaultIgnorePatterns = []string{IgnoreFile, ".*"}

// IgnoreMatcher decides which resource files the workspace skips. A pattern containing
// '/' is matched against the slash-separated path relative to the root, so "drafts/*"
// drops a whole resource type; any other pattern is matched against the file name.
type IgnoreMatcher struct {
	byName []string
	byPath []string
}

// NewIgnoreMatcher compiles patterns, skipping blanks and '#' comments.
func NewIgnoreMatcher(patterns []string) *IgnoreMatcher {
	m := &IgnoreMatcher{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		switch {
		case p == "", p[0] == '#':
		case strings.ContainsRune(p, '/'):
			m.byPath = append(m.byPath, p)
		default:
			m.byName = append(m.byName, p)
		}
	}
	return m
}

// Match reports whether rel, a path relative to the workspace root, is ignored.
// Malformed patterns never match.
func (m *IgnoreMatcher) Match(rel string) bool {
	return anyMatch(m.byName, filepath.Base(rel)) || anyMatch(m.byPath, filepath.ToSlash(rel))
}

func anyMatch(patterns []string, target string) bool {
	for _, p := range patterns {
		if ok, err := filepath.Match(p, target); err == nil && ok {
			return true
		}
	}
	return false
}

// ParseIgnoreFile returns the lines of the ignore file at path, or nil if there is none.
func ParseIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return lines, nil
}
