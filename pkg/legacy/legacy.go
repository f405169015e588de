// Package legacy gives read access to the pre-existing network filesystem
// that backs every path not yet migrated to the key-value store.
//
// Logical paths (as seen through the mount) are translated to legacy paths
// with a list of prefix mappings; the longest matching logical prefix wins.
package legacy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/marmos91/dhtfs/internal/logger"
	"github.com/marmos91/dhtfs/internal/ratelimiter"
	"golang.org/x/sys/unix"
)

// ErrNoMapping is returned for logical paths no mapping covers.
var ErrNoMapping = errors.New("legacy: no mapping for path")

// Mapping translates one logical prefix to a legacy prefix.
type Mapping struct {
	Logical string
	Legacy  string
}

// ParseMapping parses "logical:legacy".
func ParseMapping(entry string) (Mapping, error) {
	logical, legacyPath, ok := strings.Cut(entry, ":")
	if !ok || logical == "" || legacyPath == "" {
		return Mapping{}, fmt.Errorf("invalid legacy mapping %q: expected logical:legacy", entry)
	}
	return Mapping{Logical: cleanAbs(logical), Legacy: path.Clean(legacyPath)}, nil
}

// ParseMappings parses every entry, stopping at the first invalid one.
func ParseMappings(entries []string) ([]Mapping, error) {
	mappings := make([]Mapping, 0, len(entries))
	for _, entry := range entries {
		m, err := ParseMapping(entry)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, nil
}

func cleanAbs(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// FS serves lstat, readdir, readlink, pread and statfs against the legacy
// filesystem.
type FS struct {
	mappings []Mapping
	limiter  *ratelimiter.RateLimiter
}

// Option configures an FS.
type Option func(*FS)

// WithRateLimit bounds calls into the legacy filesystem to opsPerSecond,
// with bursts of up to burst. Zero opsPerSecond leaves calls unbounded.
func WithRateLimit(opsPerSecond, burst uint) Option {
	return func(f *FS) {
		if opsPerSecond > 0 {
			f.limiter = ratelimiter.New(opsPerSecond, burst)
		}
	}
}

// New creates an FS over mappings.
func New(mappings []Mapping, opts ...Option) *FS {
	sorted := append([]Mapping(nil), mappings...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Logical) > len(sorted[j].Logical)
	})
	for _, m := range sorted {
		logger.Debug("legacy mapping: %s -> %s", m.Logical, m.Legacy)
	}

	f := &FS{mappings: sorted}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Translate maps a logical path to its legacy path.
func (f *FS) Translate(p string) (string, bool) {
	p = cleanAbs(p)
	for _, m := range f.mappings {
		if m.Logical == "/" {
			return path.Join(m.Legacy, p), true
		}
		if p == m.Logical {
			return m.Legacy, true
		}
		if strings.HasPrefix(p, m.Logical+"/") {
			return path.Join(m.Legacy, p[len(m.Logical):]), true
		}
	}
	return "", false
}

func (f *FS) resolve(ctx context.Context, p string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	target, ok := f.Translate(p)
	if !ok {
		return "", fmt.Errorf("%s: %w", p, ErrNoMapping)
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("legacy rate limit: %w", err)
	}
	return target, nil
}

// Lstat stats p without following a final symlink.
func (f *FS) Lstat(ctx context.Context, p string) (*unix.Stat_t, error) {
	target, err := f.resolve(ctx, p)
	if err != nil {
		return nil, err
	}

	var st unix.Stat_t
	if err := unix.Lstat(target, &st); err != nil {
		return nil, fmt.Errorf("lstat %s: %w", target, err)
	}
	return &st, nil
}

// DirEntry is one legacy directory entry. Mode carries only the file type
// bits (S_IFDIR, S_IFREG, ...).
type DirEntry struct {
	Name string
	Mode uint32
}

// ReadDir lists p, translating each entry's type into mode type bits.
func (f *FS) ReadDir(ctx context.Context, p string) ([]DirEntry, error) {
	target, err := f.resolve(ctx, p)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(target)
	if err != nil {
		return nil, err
	}

	out := make([]DirEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, DirEntry{Name: e.Name(), Mode: TypeBits(e.Type())})
	}
	return out, nil
}

// TypeBits converts a fs.FileMode type to the S_IF* bits of st_mode.
func TypeBits(m fs.FileMode) uint32 {
	switch {
	case m&fs.ModeDir != 0:
		return unix.S_IFDIR
	case m&fs.ModeSymlink != 0:
		return unix.S_IFLNK
	case m&fs.ModeNamedPipe != 0:
		return unix.S_IFIFO
	case m&fs.ModeSocket != 0:
		return unix.S_IFSOCK
	case m&fs.ModeCharDevice != 0:
		return unix.S_IFCHR
	case m&fs.ModeDevice != 0:
		return unix.S_IFBLK
	default:
		return unix.S_IFREG
	}
}

// Readlink returns the target of the symlink at p.
func (f *FS) Readlink(ctx context.Context, p string) (string, error) {
	target, err := f.resolve(ctx, p)
	if err != nil {
		return "", err
	}
	return os.Readlink(target)
}

// ReadAt reads up to len(buf) bytes of p at offset. Hitting end of file is
// not an error; n reports how much was read.
func (f *FS) ReadAt(ctx context.Context, p string, buf []byte, offset int64) (int, error) {
	target, err := f.resolve(ctx, p)
	if err != nil {
		return 0, err
	}

	file, err := os.Open(target)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	n, err := file.ReadAt(buf, offset)
	if errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

// Statfs reports filesystem statistics for the filesystem holding p.
func (f *FS) Statfs(ctx context.Context, p string) (*unix.Statfs_t, error) {
	target, err := f.resolve(ctx, p)
	if err != nil {
		return nil, err
	}

	var st unix.Statfs_t
	if err := unix.Statfs(target, &st); err != nil {
		return nil, fmt.Errorf("statfs %s: %w", target, err)
	}
	return &st, nil
}
