package e2e

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"testing"
)

// TestCreateNestedFoldersWithFiles creates a deep tree with one file per level.
func TestCreateNestedFoldersWithFiles(t *testing.T) {
	runOnAllConfigs(t, func(t *testing.T, tc *TestContext) {
		current := tc.Path("nested")
		if err := os.Mkdir(current, 0755); err != nil {
			t.Fatalf("Failed to create base folder: %v", err)
		}

		for i := 0; i < 10; i++ {
			current = filepath.Join(current, fmt.Sprintf("level%d", i))
			if err := os.Mkdir(current, 0755); err != nil {
				t.Fatalf("Failed to create folder at level %d: %v", i, err)
			}
			if err := os.WriteFile(filepath.Join(current, "file.txt"), []byte{}, 0644); err != nil {
				t.Fatalf("Failed to create file at level %d: %v", i, err)
			}
		}

		info, err := os.Stat(filepath.Join(current, "file.txt"))
		if err != nil {
			t.Fatalf("Failed to stat deepest file: %v", err)
		}
		if info.Size() != 0 || !info.Mode().IsRegular() {
			t.Errorf("Expected empty regular file, got mode %v size %d", info.Mode(), info.Size())
		}
	})
}

// TestWriteThenReadBySize round-trips files around and across block
// boundaries.
func TestWriteThenReadBySize(t *testing.T) {
	sizes := []int{0, 1, 4096, 256 << 10, 256<<10 + 1, 3<<20 + 17}

	runOnAllConfigs(t, func(t *testing.T, tc *TestContext) {
		for _, size := range sizes {
			path := tc.Path(fmt.Sprintf("size_%d.bin", size))
			data := pattern(size)

			if err := os.WriteFile(path, data, 0644); err != nil {
				t.Fatalf("Failed to write %d bytes: %v", size, err)
			}

			info, err := os.Stat(path)
			if err != nil {
				t.Fatalf("Failed to stat %d-byte file: %v", size, err)
			}
			if info.Size() != int64(size) {
				t.Errorf("Size mismatch: got %d, want %d", info.Size(), size)
			}

			requireContent(t, path, data)
		}
	})
}

// TestOverwriteAndTruncate rewrites a file shorter and longer, then
// truncates it in place.
func TestOverwriteAndTruncate(t *testing.T) {
	runOnAllConfigs(t, func(t *testing.T, tc *TestContext) {
		path := tc.Path("edit_me.txt")

		if err := os.WriteFile(path, pattern(600<<10), 0644); err != nil {
			t.Fatalf("Failed to create file: %v", err)
		}
		if err := os.WriteFile(path, []byte("short"), 0644); err != nil {
			t.Fatalf("Failed to overwrite file: %v", err)
		}
		requireContent(t, path, []byte("short"))

		if err := os.Truncate(path, 3); err != nil {
			t.Fatalf("Failed to truncate: %v", err)
		}
		requireContent(t, path, []byte("sho"))

		if err := os.Truncate(path, 6); err != nil {
			t.Fatalf("Failed to extend: %v", err)
		}
		requireContent(t, path, []byte("sho\x00\x00\x00"))
	})
}

// TestAppendWrites appends from several opens of the same file.
func TestAppendWrites(t *testing.T) {
	runOnAllConfigs(t, func(t *testing.T, tc *TestContext) {
		path := tc.Path("log.txt")
		var want []byte

		for i := 0; i < 5; i++ {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err != nil {
				t.Fatalf("Failed to open for append: %v", err)
			}
			line := []byte(fmt.Sprintf("line %d\n", i))
			if _, err := f.Write(line); err != nil {
				t.Fatalf("Failed to append: %v", err)
			}
			if err := f.Close(); err != nil {
				t.Fatalf("Failed to close: %v", err)
			}
			want = append(want, line...)
		}

		requireContent(t, path, want)
	})
}

// TestReadDirListsEntries checks readdir after creates and deletes.
func TestReadDirListsEntries(t *testing.T) {
	runOnAllConfigs(t, func(t *testing.T, tc *TestContext) {
		base := tc.Path("listing")
		if err := os.Mkdir(base, 0755); err != nil {
			t.Fatalf("Failed to create folder: %v", err)
		}

		for i := 0; i < 20; i++ {
			if err := os.WriteFile(filepath.Join(base, fmt.Sprintf("file%02d", i)), nil, 0644); err != nil {
				t.Fatalf("Failed to create file %d: %v", i, err)
			}
		}
		if err := os.Mkdir(filepath.Join(base, "sub"), 0755); err != nil {
			t.Fatalf("Failed to create subfolder: %v", err)
		}
		for i := 0; i < 20; i += 2 {
			if err := os.Remove(filepath.Join(base, fmt.Sprintf("file%02d", i))); err != nil {
				t.Fatalf("Failed to delete file %d: %v", i, err)
			}
		}

		entries, err := os.ReadDir(base)
		if err != nil {
			t.Fatalf("Failed to read directory: %v", err)
		}

		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
			if e.Name() == "sub" && !e.IsDir() {
				t.Errorf("sub should be listed as a directory")
			}
		}
		sort.Strings(names)

		want := []string{"file01", "file03", "file05", "file07", "file09",
			"file11", "file13", "file15", "file17", "file19", "sub"}
		if fmt.Sprint(names) != fmt.Sprint(want) {
			t.Errorf("Listing mismatch:\ngot  %v\nwant %v", names, want)
		}
	})
}

// TestRemoveDirectories covers rmdir of empty and non-empty directories.
func TestRemoveDirectories(t *testing.T) {
	runOnAllConfigs(t, func(t *testing.T, tc *TestContext) {
		base := tc.Path("to_delete")
		if err := os.MkdirAll(filepath.Join(base, "child"), 0755); err != nil {
			t.Fatalf("Failed to create folders: %v", err)
		}

		err := syscall.Rmdir(base)
		if !errors.Is(err, syscall.ENOTEMPTY) {
			t.Errorf("Expected ENOTEMPTY removing a non-empty folder, got %v", err)
		}

		if err := os.RemoveAll(base); err != nil {
			t.Fatalf("Failed to delete tree: %v", err)
		}
		if _, err := os.Stat(base); !os.IsNotExist(err) {
			t.Errorf("Folder should not exist after deletion, got %v", err)
		}
	})
}

// TestSymlink creates a relative and an absolute symlink and reads
// through them.
func TestSymlink(t *testing.T) {
	runOnAllConfigs(t, func(t *testing.T, tc *TestContext) {
		target := tc.Path("target.txt")
		if err := os.WriteFile(target, []byte("pointed at"), 0644); err != nil {
			t.Fatalf("Failed to create target: %v", err)
		}

		relative := tc.Path("relative_link")
		if err := os.Symlink("target.txt", relative); err != nil {
			t.Fatalf("Failed to create relative symlink: %v", err)
		}
		got, err := os.Readlink(relative)
		if err != nil {
			t.Fatalf("Failed to read symlink: %v", err)
		}
		// Relative targets are returned resolved against the mount.
		if got != target {
			t.Errorf("Readlink = %q, want %q", got, target)
		}
		requireContent(t, relative, []byte("pointed at"))

		absolute := tc.Path("absolute_link")
		if err := os.Symlink(target, absolute); err != nil {
			t.Fatalf("Failed to create absolute symlink: %v", err)
		}
		requireContent(t, absolute, []byte("pointed at"))

		info, err := os.Lstat(absolute)
		if err != nil {
			t.Fatalf("Failed to lstat symlink: %v", err)
		}
		if info.Mode()&os.ModeSymlink == 0 {
			t.Errorf("Expected symlink mode, got %v", info.Mode())
		}
	})
}

// TestChmod changes permission bits and checks they stick.
func TestChmod(t *testing.T) {
	runOnAllConfigs(t, func(t *testing.T, tc *TestContext) {
		path := tc.Path("perm.txt")
		if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
			t.Fatalf("Failed to create file: %v", err)
		}

		if err := os.Chmod(path, 0600); err != nil {
			t.Fatalf("Failed to chmod: %v", err)
		}

		info, err := os.Stat(path)
		if err != nil {
			t.Fatalf("Failed to stat: %v", err)
		}
		if info.Mode().Perm() != 0600 {
			t.Errorf("Mode = %v, want 0600", info.Mode().Perm())
		}
	})
}

// TestOutsideWritablePrefixIsReadOnly checks that mutations outside the
// writable root fail with EPERM.
func TestOutsideWritablePrefixIsReadOnly(t *testing.T) {
	runOnAllConfigs(t, func(t *testing.T, tc *TestContext) {
		if err := os.WriteFile(filepath.Join(tc.LegacyDir, "existing.txt"), []byte("legacy"), 0644); err != nil {
			t.Fatalf("Failed to seed legacy file: %v", err)
		}

		cases := []struct {
			name string
			op   func() error
		}{
			{"mkdir at root", func() error { return os.Mkdir(filepath.Join(tc.MountPath, "nope"), 0755) }},
			{"create in legacy", func() error { return os.WriteFile(tc.LegacyPath("new.txt"), nil, 0644) }},
			{"remove legacy file", func() error { return os.Remove(tc.LegacyPath("existing.txt")) }},
			{"rename into legacy", func() error {
				if err := os.WriteFile(tc.Path("mover"), nil, 0644); err != nil {
					return err
				}
				return os.Rename(tc.Path("mover"), tc.LegacyPath("mover"))
			}},
		}

		for _, c := range cases {
			err := c.op()
			if !errors.Is(err, syscall.EPERM) && !errors.Is(err, syscall.EACCES) {
				t.Errorf("%s: expected EPERM, got %v", c.name, err)
			}
		}
	})
}

// TestLegacyReadThrough reads files and listings from the legacy
// filesystem through the mount, including a file spanning several blocks.
func TestLegacyReadThrough(t *testing.T) {
	runOnAllConfigs(t, func(t *testing.T, tc *TestContext) {
		big := pattern(700 << 10)
		if err := os.MkdirAll(filepath.Join(tc.LegacyDir, "dir"), 0755); err != nil {
			t.Fatalf("Failed to seed legacy folder: %v", err)
		}
		if err := os.WriteFile(filepath.Join(tc.LegacyDir, "dir", "big.bin"), big, 0644); err != nil {
			t.Fatalf("Failed to seed legacy file: %v", err)
		}
		if err := os.Symlink("dir/big.bin", filepath.Join(tc.LegacyDir, "link")); err != nil {
			t.Fatalf("Failed to seed legacy symlink: %v", err)
		}

		requireContent(t, tc.LegacyPath("dir/big.bin"), big)

		// The second read is served from the store.
		requireContent(t, tc.LegacyPath("dir/big.bin"), big)

		target, err := os.Readlink(tc.LegacyPath("link"))
		if err != nil {
			t.Fatalf("Failed to read legacy symlink: %v", err)
		}
		if target != "dir/big.bin" {
			t.Errorf("Readlink = %q, want %q", target, "dir/big.bin")
		}

		entries, err := os.ReadDir(tc.LegacyPath(""))
		if err != nil {
			t.Fatalf("Failed to list legacy root: %v", err)
		}
		types := map[string]bool{}
		for _, e := range entries {
			types[e.Name()] = e.IsDir()
		}
		if isDir, ok := types["dir"]; !ok || !isDir {
			t.Errorf("Expected dir to be listed as a directory, got %v", types)
		}
		if _, ok := types["link"]; !ok {
			t.Errorf("Expected link to be listed, got %v", types)
		}
	})
}

// TestStatfs checks that statfs answers for the writable root.
func TestStatfs(t *testing.T) {
	runOnAllConfigs(t, func(t *testing.T, tc *TestContext) {
		var st syscall.Statfs_t
		if err := syscall.Statfs(tc.Path(""), &st); err != nil {
			t.Fatalf("Statfs failed: %v", err)
		}
		if st.Bsize <= 0 || st.Blocks == 0 {
			t.Errorf("Unexpected statfs result: bsize=%d blocks=%d", st.Bsize, st.Blocks)
		}
	})
}
