// Package attr stores file attributes in the key-value store behind a
// cache, falling back to the legacy filesystem for paths outside the
// writable namespace.
package attr

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
	xdr "github.com/rasky/go-xdr/xdr2"
	"golang.org/x/sys/unix"
)

// recordVersion is written in front of every encoded attribute record.
const recordVersion = 1

// legacyNamespace seeds the deterministic IDs of legacy files so their
// blocks can be cached under a stable key.
var legacyNamespace = uuid.MustParse("6f3c2b8e-1d7a-4c55-9a0e-3b1f6d2c8e47")

// FileAttributes is the metadata of one file, directory or symlink.
//
// Mode carries both the type bits (S_IFMT) and the permission bits.
// FileID names the file's data blocks; it survives rename, so relinking a
// file never copies data.
type FileAttributes struct {
	Mode   uint32
	UID    uint32
	GID    uint32
	Nlink  uint32
	Size   uint64
	Atime  time.Time
	Mtime  time.Time
	Ctime  time.Time
	FileID uuid.UUID
}

// New returns attributes for a freshly created object with a new FileID
// and all timestamps set to now.
func New(mode, uid, gid uint32) *FileAttributes {
	now := time.Now()
	nlink := uint32(1)
	if mode&unix.S_IFMT == unix.S_IFDIR {
		nlink = 2
	}
	return &FileAttributes{
		Mode:   mode,
		UID:    uid,
		GID:    gid,
		Nlink:  nlink,
		Atime:  now,
		Mtime:  now,
		Ctime:  now,
		FileID: uuid.New(),
	}
}

// FromStat converts a legacy stat result. The FileID is derived from the
// logical path and modification time, so repeated lookups agree and a
// modified legacy file gets fresh blocks.
func FromStat(p string, st *unix.Stat_t) *FileAttributes {
	mtime := time.Unix(st.Mtim.Unix())
	return &FileAttributes{
		Mode:   st.Mode,
		UID:    st.Uid,
		GID:    st.Gid,
		Nlink:  uint32(st.Nlink),
		Size:   uint64(st.Size),
		Atime:  time.Unix(st.Atim.Unix()),
		Mtime:  mtime,
		Ctime:  time.Unix(st.Ctim.Unix()),
		FileID: LegacyFileID(p, mtime),
	}
}

// LegacyFileID returns the FileID used for a legacy file at p last
// modified at mtime.
func LegacyFileID(p string, mtime time.Time) uuid.UUID {
	return uuid.NewSHA1(legacyNamespace, []byte(fmt.Sprintf("%s@%d", p, mtime.UnixNano())))
}

// Type returns the S_IFMT bits.
func (a *FileAttributes) Type() uint32 {
	return a.Mode & unix.S_IFMT
}

func (a *FileAttributes) IsDir() bool {
	return a.Type() == unix.S_IFDIR
}

func (a *FileAttributes) IsSymlink() bool {
	return a.Type() == unix.S_IFLNK
}

func (a *FileAttributes) IsRegular() bool {
	return a.Type() == unix.S_IFREG
}

// Clone returns a deep copy.
func (a *FileAttributes) Clone() *FileAttributes {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}

// SetPerm replaces the permission bits, keeping the type bits.
func (a *FileAttributes) SetPerm(perm uint32) {
	a.Mode = a.Type() | (perm &^ unix.S_IFMT)
}

// Touch sets the change time to now.
func (a *FileAttributes) Touch() {
	a.Ctime = time.Now()
}

// record is the XDR wire form of FileAttributes.
type record struct {
	Version uint32
	Mode    uint32
	UID     uint32
	GID     uint32
	Nlink   uint32
	Size    uint64
	Atime   int64
	Mtime   int64
	Ctime   int64
	FileID  []byte
}

// Encode serializes attributes for the store.
func Encode(a *FileAttributes) ([]byte, error) {
	rec := record{
		Version: recordVersion,
		Mode:    a.Mode,
		UID:     a.UID,
		GID:     a.GID,
		Nlink:   a.Nlink,
		Size:    a.Size,
		Atime:   a.Atime.UnixNano(),
		Mtime:   a.Mtime.UnixNano(),
		Ctime:   a.Ctime.UnixNano(),
		FileID:  a.FileID[:],
	}

	var buf bytes.Buffer
	if _, err := xdr.Marshal(&buf, &rec); err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode parses a record produced by Encode.
func Decode(data []byte) (*FileAttributes, error) {
	var rec record
	if _, err := xdr.Unmarshal(bytes.NewReader(data), &rec); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	if rec.Version != recordVersion {
		return nil, fmt.Errorf("decode attributes: unsupported version %d", rec.Version)
	}

	id, err := uuid.FromBytes(rec.FileID)
	if err != nil {
		return nil, fmt.Errorf("decode attributes: file id: %w", err)
	}

	return &FileAttributes{
		Mode:   rec.Mode,
		UID:    rec.UID,
		GID:    rec.GID,
		Nlink:  rec.Nlink,
		Size:   rec.Size,
		Atime:  time.Unix(0, rec.Atime),
		Mtime:  time.Unix(0, rec.Mtime),
		Ctime:  time.Unix(0, rec.Ctime),
		FileID: id,
	}, nil
}
