package fs

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"bazil.org/fuse"

	"wrapfs/internal/config"
	"wrapfs/internal/registry"
)

func setupTestFS(t *testing.T) (*WrapFS, string, func()) {
	sourceDir, err := os.MkdirTemp("", "wrapfs-source-*")
	if err != nil {
		t.Fatalf("Failed to create source dir: %v", err)
	}

	testFiles := []string{
		"file1.txt",
		"dir1/file2.txt",
		"dir1/dir2/file3.txt",
	}
	for _, tf := range testFiles {
		fullPath := filepath.Join(sourceDir, tf)
		if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
			t.Fatalf("Failed to create directory: %v", err)
		}
		if err := os.WriteFile(fullPath, []byte("test"), 0644); err != nil {
			t.Fatalf("Failed to create test file: %v", err)
		}
	}

	cfg := config.Default()
	cfg.Source = sourceDir

	vfs, err := NewWrapFS(cfg, registry.New(0))
	if err != nil {
		t.Fatalf("Failed to create filesystem: %v", err)
	}

	cleanup := func() {
		os.RemoveAll(sourceDir)
	}
	return vfs, sourceDir, cleanup
}

func lowerInode(t *testing.T, sourceDir, rel string) uint64 {
	t.Helper()
	info, err := os.Lstat(filepath.Join(sourceDir, rel))
	if err != nil {
		t.Fatalf("Failed to stat %s: %v", rel, err)
	}
	return inodeOf(info)
}

func rootDir(t *testing.T, vfs *WrapFS) *Dir {
	t.Helper()
	root, err := vfs.Root()
	if err != nil {
		t.Fatalf("Failed to get root: %v", err)
	}
	dir, ok := root.(*Dir)
	if !ok {
		t.Fatal("Root should be a Dir")
	}
	return dir
}

func direntNames(entries []fuse.Dirent) map[string]fuse.Dirent {
	names := make(map[string]fuse.Dirent, len(entries))
	for _, e := range entries {
		names[e.Name] = e
	}
	return names
}

func TestDirOperations(t *testing.T) {
	vfs, sourceDir, cleanup := setupTestFS(t)
	defer cleanup()

	ctx := context.Background()

	t.Run("RootDirectory", func(t *testing.T) {
		dir := rootDir(t, vfs)

		attr := &fuse.Attr{}
		if err := dir.Attr(ctx, attr); err != nil {
			t.Errorf("Failed to get root attributes: %v", err)
		}
		if attr.Mode&os.ModeDir == 0 {
			t.Error("Root should be a directory")
		}

		entries, err := dir.ReadDirAll(ctx)
		if err != nil {
			t.Fatalf("Failed to read root directory: %v", err)
		}
		names := direntNames(entries)
		for _, want := range []string{".", "..", "file1.txt", "dir1"} {
			if _, ok := names[want]; !ok {
				t.Errorf("Root directory should contain %q", want)
			}
		}
		if names["dir1"].Type != fuse.DT_Dir {
			t.Errorf("Expected dir1 to be listed as a directory, got %v", names["dir1"].Type)
		}
		if got, want := names["file1.txt"].Inode, lowerInode(t, sourceDir, "file1.txt"); got != want {
			t.Errorf("Expected listed inode %d, got %d", want, got)
		}
	})

	t.Run("LookupNested", func(t *testing.T) {
		node, err := rootDir(t, vfs).Lookup(ctx, "dir1")
		if err != nil {
			t.Fatalf("Failed to lookup dir1: %v", err)
		}
		dir1, ok := node.(*Dir)
		if !ok {
			t.Fatal("dir1 should be a Dir")
		}
		file, err := dir1.Lookup(ctx, "file2.txt")
		if err != nil {
			t.Fatalf("Failed to lookup file2.txt: %v", err)
		}
		if _, ok := file.(*File); !ok {
			t.Error("file2.txt should be a File")
		}

		attr := &fuse.Attr{}
		if err := file.Attr(ctx, attr); err != nil {
			t.Fatalf("Failed to get attributes: %v", err)
		}
		if want := lowerInode(t, sourceDir, "dir1/file2.txt"); attr.Inode != want {
			t.Errorf("Expected inode %d, got %d", want, attr.Inode)
		}
	})

	t.Run("LookupMissing", func(t *testing.T) {
		_, err := rootDir(t, vfs).Lookup(ctx, "nope")
		if err != syscall.ENOENT {
			t.Errorf("Expected ENOENT, got %v", err)
		}
	})

	t.Run("SameNodeTwice", func(t *testing.T) {
		a, _ := rootDir(t, vfs).Lookup(ctx, "file1.txt")
		b, _ := rootDir(t, vfs).Lookup(ctx, "file1.txt")
		if a != b {
			t.Error("Expected repeated lookups to return the same node")
		}
	})
}

func TestHiddenEntries(t *testing.T) {
	vfs, sourceDir, cleanup := setupTestFS(t)
	defer cleanup()

	ctx := context.Background()
	reg := vfs.Registry()
	ino := lowerInode(t, sourceDir, "file1.txt")

	held, err := rootDir(t, vfs).Lookup(ctx, "file1.txt")
	if err != nil {
		t.Fatalf("Failed to lookup file1.txt: %v", err)
	}

	if err := reg.Hide("/file1.txt", ino); err != nil {
		t.Fatalf("Hide failed: %v", err)
	}

	t.Run("LookupFails", func(t *testing.T) {
		if _, err := rootDir(t, vfs).Lookup(ctx, "file1.txt"); err != syscall.ENOENT {
			t.Errorf("Expected ENOENT for hidden entry, got %v", err)
		}
	})

	t.Run("NotListed", func(t *testing.T) {
		entries, err := rootDir(t, vfs).ReadDirAll(ctx)
		if err != nil {
			t.Fatalf("Failed to read root: %v", err)
		}
		if _, ok := direntNames(entries)["file1.txt"]; ok {
			t.Error("Hidden entry should not be listed")
		}
		if _, ok := direntNames(entries)["dir1"]; !ok {
			t.Error("Other entries should still be listed")
		}
	})

	t.Run("HeldNodeStillOpens", func(t *testing.T) {
		h, err := held.(*File).Open(ctx, &fuse.OpenRequest{Flags: fuse.OpenReadOnly}, &fuse.OpenResponse{})
		if err != nil {
			t.Fatalf("Expected held node to open, got %v", err)
		}
		h.(*FileHandle).Release(ctx, &fuse.ReleaseRequest{})
	})

	t.Run("OtherInodeUnaffected", func(t *testing.T) {
		// A record naming a different object with the same path does not apply.
		ino2 := lowerInode(t, sourceDir, "dir1/file2.txt")
		if err := reg.Hide("/dir1/file2.txt", ino2+1000); err != nil {
			t.Fatalf("Hide failed: %v", err)
		}
		dir1, err := rootDir(t, vfs).Lookup(ctx, "dir1")
		if err != nil {
			t.Fatalf("Failed to lookup dir1: %v", err)
		}
		if _, err := dir1.(*Dir).Lookup(ctx, "file2.txt"); err != nil {
			t.Errorf("Entry with another inode should resolve: %v", err)
		}
	})

	t.Run("Unhide", func(t *testing.T) {
		if err := reg.Unhide("/file1.txt", ino); err != nil {
			t.Fatalf("Unhide failed: %v", err)
		}
		if _, err := rootDir(t, vfs).Lookup(ctx, "file1.txt"); err != nil {
			t.Errorf("Expected entry visible after unhide, got %v", err)
		}
	})
}

func TestBlockedEntries(t *testing.T) {
	vfs, sourceDir, cleanup := setupTestFS(t)
	defer cleanup()

	ctx := context.Background()
	reg := vfs.Registry()
	ino := lowerInode(t, sourceDir, "dir1")

	held, err := rootDir(t, vfs).Lookup(ctx, "dir1")
	if err != nil {
		t.Fatalf("Failed to lookup dir1: %v", err)
	}

	h, err := vfs.HandleFor("/dir1")
	if err != nil {
		t.Fatalf("HandleFor failed: %v", err)
	}
	if err := reg.Block(h, "/dir1", ino); err != nil {
		t.Fatalf("Block failed: %v", err)
	}

	t.Run("LookupDenied", func(t *testing.T) {
		if _, err := rootDir(t, vfs).Lookup(ctx, "dir1"); err != syscall.EACCES {
			t.Errorf("Expected EACCES for blocked entry, got %v", err)
		}
	})

	t.Run("StillListed", func(t *testing.T) {
		entries, err := rootDir(t, vfs).ReadDirAll(ctx)
		if err != nil {
			t.Fatalf("Failed to read root: %v", err)
		}
		if _, ok := direntNames(entries)["dir1"]; !ok {
			t.Error("Blocked entry should still be listed")
		}
	})

	t.Run("HeldNodeDenied", func(t *testing.T) {
		dir := held.(*Dir)
		if _, err := dir.Open(ctx, &fuse.OpenRequest{}, &fuse.OpenResponse{}); err != syscall.EACCES {
			t.Errorf("Expected EACCES opening blocked dir, got %v", err)
		}
		if _, err := dir.ReadDirAll(ctx); err != syscall.EACCES {
			t.Errorf("Expected EACCES reading blocked dir, got %v", err)
		}
		if _, err := dir.Lookup(ctx, "file2.txt"); err != syscall.EACCES {
			t.Errorf("Expected EACCES looking up inside blocked dir, got %v", err)
		}
		if _, err := dir.Lookup(ctx, "dir2"); err != syscall.EACCES {
			t.Errorf("Expected EACCES looking up subdirectory of blocked dir, got %v", err)
		}
		err := dir.Remove(ctx, &fuse.RemoveRequest{Name: "file2.txt"})
		if err != syscall.EACCES {
			t.Errorf("Expected EACCES removing inside blocked dir, got %v", err)
		}
		if _, err := os.Stat(filepath.Join(sourceDir, "dir1", "file2.txt")); err != nil {
			t.Errorf("Lower file should be untouched: %v", err)
		}
	})

	t.Run("HiddenWinsOverBlocked", func(t *testing.T) {
		if err := reg.Hide("/dir1", ino); err != nil {
			t.Fatalf("Hide failed: %v", err)
		}
		if _, err := rootDir(t, vfs).Lookup(ctx, "dir1"); err != syscall.ENOENT {
			t.Errorf("Expected ENOENT for hidden and blocked entry, got %v", err)
		}
		if err := reg.Unhide("/dir1", ino); err != nil {
			t.Fatalf("Unhide failed: %v", err)
		}
	})

	t.Run("RemoveDenied", func(t *testing.T) {
		err := rootDir(t, vfs).Remove(ctx, &fuse.RemoveRequest{Name: "dir1", Dir: true})
		if err != syscall.EACCES {
			t.Errorf("Expected EACCES removing blocked entry, got %v", err)
		}
	})

	t.Run("Unblock", func(t *testing.T) {
		if err := reg.Unblock("/dir1", ino); err != nil {
			t.Fatalf("Unblock failed: %v", err)
		}
		if _, err := rootDir(t, vfs).Lookup(ctx, "dir1"); err != nil {
			t.Errorf("Expected entry reachable after unblock, got %v", err)
		}
		if n := reg.ListSize(); n != 0 {
			t.Errorf("Expected empty registry, got %d entries", n)
		}
	})
}

func TestRemove(t *testing.T) {
	vfs, sourceDir, cleanup := setupTestFS(t)
	defer cleanup()

	ctx := context.Background()
	reg := vfs.Registry()

	t.Run("RemoveFile", func(t *testing.T) {
		if _, err := rootDir(t, vfs).Lookup(ctx, "file1.txt"); err != nil {
			t.Fatalf("Failed to lookup: %v", err)
		}
		err := rootDir(t, vfs).Remove(ctx, &fuse.RemoveRequest{Name: "file1.txt"})
		if err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		if _, err := os.Stat(filepath.Join(sourceDir, "file1.txt")); !os.IsNotExist(err) {
			t.Error("Expected lower file to be gone")
		}
		if n := vfs.cachedNode(NewVirtualPath("/file1.txt")); n != nil {
			t.Error("Expected removed node to be forgotten")
		}
	})

	t.Run("RemoveHiddenDropsRecord", func(t *testing.T) {
		ino := lowerInode(t, sourceDir, "dir1/dir2/file3.txt")
		if err := reg.Hide("/dir1/dir2/file3.txt", ino); err != nil {
			t.Fatalf("Hide failed: %v", err)
		}
		dir2 := vfs.node(NewVirtualPath("/dir1/dir2"), true).(*Dir)
		if err := dir2.Remove(ctx, &fuse.RemoveRequest{Name: "file3.txt"}); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		if n := reg.ListSize(); n != 0 {
			t.Errorf("Expected record dropped with the file, got %d entries", n)
		}
	})

	t.Run("RemoveDirectory", func(t *testing.T) {
		dir1 := vfs.node(NewVirtualPath("/dir1"), true).(*Dir)
		if err := dir1.Remove(ctx, &fuse.RemoveRequest{Name: "dir2", Dir: true}); err != nil {
			t.Fatalf("Remove failed: %v", err)
		}
		if _, err := os.Stat(filepath.Join(sourceDir, "dir1", "dir2")); !os.IsNotExist(err) {
			t.Error("Expected lower directory to be gone")
		}
	})

	t.Run("RemoveNonEmpty", func(t *testing.T) {
		err := rootDir(t, vfs).Remove(ctx, &fuse.RemoveRequest{Name: "dir1", Dir: true})
		if err != syscall.ENOTEMPTY {
			t.Errorf("Expected ENOTEMPTY, got %v", err)
		}
	})

	t.Run("RemoveMissing", func(t *testing.T) {
		err := rootDir(t, vfs).Remove(ctx, &fuse.RemoveRequest{Name: "ghost"})
		if err != syscall.ENOENT {
			t.Errorf("Expected ENOENT, got %v", err)
		}
	})
}
