// Package policy maps paths to the policy domains that decide how each
// filesystem operation is routed.
//
// Classification is pure: it reads the current RuleSet snapshot and never
// performs I/O. Rule sets are immutable and replaced wholesale, so a single
// Classify call always sees either the old or the new rules.
package policy

import (
	"strings"
	"sync/atomic"
)

// Flags is the set of policy domains a path belongs to.
type Flags uint16

const (
	// Writable paths accept mutations and live in the writable namespace.
	Writable Flags = 1 << iota

	// NativeOnly paths are served straight from the legacy filesystem.
	NativeOnly

	// NoErrorCache paths never cache failed attribute lookups.
	NoErrorCache

	// NoLinkCache paths resolve symlinks through the legacy filesystem.
	NoLinkCache

	// SnapshotOnly paths never fall back to the legacy filesystem.
	SnapshotOnly

	// Compressed paths have their blocks compressed before storing.
	Compressed

	// NoBufferedWrite paths do not write legacy data back into the store.
	NoBufferedWrite

	// PermanentSuffix paths are cached without expiry.
	PermanentSuffix
)

var flagNames = []struct {
	flag Flags
	name string
}{
	{Writable, "writable"},
	{NativeOnly, "native-only"},
	{NoErrorCache, "no-error-cache"},
	{NoLinkCache, "no-link-cache"},
	{SnapshotOnly, "snapshot-only"},
	{Compressed, "compressed"},
	{NoBufferedWrite, "no-buffered-write"},
	{PermanentSuffix, "permanent-suffix"},
}

// Has reports whether every bit of flag is set.
func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

func (f Flags) String() string {
	if f == 0 {
		return "none"
	}
	var names []string
	for _, fn := range flagNames {
		if f.Has(fn.flag) {
			names = append(names, fn.name)
		}
	}
	return strings.Join(names, "|")
}

// RuleSet groups the path rules of every policy domain except the
// writable prefix, which is fixed for the lifetime of the mount.
//
// A RuleSet must not be modified once installed in a Classifier.
type RuleSet struct {
	NativeOnly        *PathGroup
	NoErrorCache      *PathGroup
	NoLinkCache       *PathGroup
	SnapshotOnly      *PathGroup
	Compressed        *PathGroup
	NoBufferedWrite   *PathGroup
	PermanentSuffixes *SuffixGroup
}

// WithNativeOnly returns a copy of r with the native-only group replaced.
func (r *RuleSet) WithNativeOnly(g *PathGroup) *RuleSet {
	next := RuleSet{}
	if r != nil {
		next = *r
	}
	next.NativeOnly = g
	return &next
}

// Classifier classifies paths against a fixed writable prefix and an
// atomically replaceable RuleSet.
type Classifier struct {
	writablePrefix string
	rules          atomic.Pointer[RuleSet]
}

// NewClassifier creates a classifier. A nil rules argument installs an
// empty RuleSet.
func NewClassifier(writablePrefix string, rules *RuleSet) *Classifier {
	if rules == nil {
		rules = &RuleSet{}
	}
	c := &Classifier{writablePrefix: Normalize(writablePrefix)}
	c.rules.Store(rules)
	return c
}

// WritablePrefix returns the normalized writable namespace root.
func (c *Classifier) WritablePrefix() string {
	return c.writablePrefix
}

// Rules returns the active snapshot.
func (c *Classifier) Rules() *RuleSet {
	return c.rules.Load()
}

// ReplaceRules installs rules as the active snapshot.
func (c *Classifier) ReplaceRules(rules *RuleSet) {
	if rules == nil {
		rules = &RuleSet{}
	}
	c.rules.Store(rules)
}

// ReplaceNativeOnly swaps the native-only group, keeping every other rule
// of the current snapshot. Concurrent replacements do not lose updates.
func (c *Classifier) ReplaceNativeOnly(g *PathGroup) {
	for {
		cur := c.rules.Load()
		if c.rules.CompareAndSwap(cur, cur.WithNativeOnly(g)) {
			return
		}
	}
}

// IsWritable reports whether p lies in the writable namespace.
func (c *Classifier) IsWritable(p string) bool {
	return IsUnder(Normalize(p), c.writablePrefix)
}

// Classify returns every policy domain p belongs to.
func (c *Classifier) Classify(p string) Flags {
	p = Normalize(p)
	rules := c.rules.Load()

	var f Flags
	if IsUnder(p, c.writablePrefix) {
		f |= Writable
	}
	if rules.NativeOnly.Matches(p) {
		f |= NativeOnly
	}
	if rules.NoErrorCache.Matches(p) {
		f |= NoErrorCache
	}
	if rules.NoLinkCache.Matches(p) {
		f |= NoLinkCache
	}
	if rules.SnapshotOnly.Matches(p) {
		f |= SnapshotOnly
	}
	if rules.Compressed.Matches(p) {
		f |= Compressed
	}
	if rules.NoBufferedWrite.Matches(p) {
		f |= NoBufferedWrite
	}
	if rules.PermanentSuffixes.Matches(p) {
		f |= PermanentSuffix
	}
	return f
}
