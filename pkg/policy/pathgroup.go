package policy

import (
	"path"
	"sort"
	"strings"
)

// Normalize returns the canonical form of p: absolute, cleaned, without a
// trailing slash (except for the root itself).
func Normalize(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// IsUnder reports whether p equals prefix or lies beneath it. Both paths
// must already be normalized.
func IsUnder(p, prefix string) bool {
	if prefix == "/" {
		return true
	}
	if p == prefix {
		return true
	}
	return strings.HasPrefix(p, prefix) && p[len(prefix)] == '/'
}

// PathGroup is an immutable set of path prefixes.
//
// A path matches the group when it equals one of the prefixes or is a
// descendant of one. Prefixes are stored sorted so matching can stop early.
type PathGroup struct {
	name  string
	paths []string
}

// NewPathGroup builds a group from the given prefixes. Empty entries are
// dropped and duplicates are collapsed.
func NewPathGroup(name string, paths ...string) *PathGroup {
	seen := make(map[string]struct{}, len(paths))
	cleaned := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		p = Normalize(p)
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		cleaned = append(cleaned, p)
	}
	sort.Strings(cleaned)
	return &PathGroup{name: name, paths: cleaned}
}

// ParsePathGroup parses a rules definition. Entries are separated by
// commas, colons or whitespace; everything after a '#' on a line is
// ignored.
func ParsePathGroup(name, def string) *PathGroup {
	var entries []string
	for _, line := range strings.Split(def, "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		entries = append(entries, strings.FieldsFunc(line, isSeparator)...)
	}
	return NewPathGroup(name, entries...)
}

func isSeparator(r rune) bool {
	switch r {
	case ',', ':', ' ', '\t', '\r':
		return true
	}
	return false
}

// Name returns the label used in logs.
func (g *PathGroup) Name() string {
	if g == nil {
		return ""
	}
	return g.name
}

// Len returns the number of prefixes.
func (g *PathGroup) Len() int {
	if g == nil {
		return 0
	}
	return len(g.paths)
}

// Paths returns a copy of the prefixes in sorted order.
func (g *PathGroup) Paths() []string {
	if g == nil {
		return nil
	}
	return append([]string(nil), g.paths...)
}

// Matches reports whether p falls under any prefix of the group. A nil
// group matches nothing.
func (g *PathGroup) Matches(p string) bool {
	if g == nil || len(g.paths) == 0 {
		return false
	}
	p = Normalize(p)

	// Any matching prefix sorts at or before p.
	i := sort.SearchStrings(g.paths, p)
	if i < len(g.paths) && g.paths[i] == p {
		return true
	}
	for j := i - 1; j >= 0; j-- {
		if IsUnder(p, g.paths[j]) {
			return true
		}
	}
	return false
}

// SuffixGroup is an immutable set of file name suffixes.
type SuffixGroup struct {
	suffixes []string
}

// NewSuffixGroup builds a group from the given suffixes, ignoring empties.
func NewSuffixGroup(suffixes ...string) *SuffixGroup {
	cleaned := make([]string, 0, len(suffixes))
	for _, s := range suffixes {
		if s = strings.TrimSpace(s); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	return &SuffixGroup{suffixes: cleaned}
}

// Matches reports whether p ends with one of the suffixes.
func (g *SuffixGroup) Matches(p string) bool {
	if g == nil {
		return false
	}
	for _, s := range g.suffixes {
		if strings.HasSuffix(p, s) {
			return true
		}
	}
	return false
}

// Len returns the number of suffixes.
func (g *SuffixGroup) Len() int {
	if g == nil {
		return 0
	}
	return len(g.suffixes)
}
