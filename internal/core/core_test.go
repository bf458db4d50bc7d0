package core

import (
	"context"
	"os"
	"testing"
	"time"

	"catfs/internal/handle"
	"catfs/internal/validator"
)

func setupCore(t *testing.T, threads int) (*Core, string, string, func()) {
	srcDir, err := os.MkdirTemp("", "core-src-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	cacheDir, err := os.MkdirTemp("", "core-cache-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}

	srcRoot, err := handle.OpenRoot(srcDir)
	if err != nil {
		t.Fatalf("OpenRoot(src): %v", err)
	}
	cacheRoot, err := handle.OpenRoot(cacheDir)
	if err != nil {
		t.Fatalf("OpenRoot(cache): %v", err)
	}

	c := New(srcRoot, cacheRoot, validator.New(""), threads)
	cleanup := func() {
		c.Close()
		os.RemoveAll(srcDir)
		os.RemoveAll(cacheDir)
	}
	return c, srcDir, cacheDir, cleanup
}

func waitForPageIn(t *testing.T, c *Core, rel string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := c.pagers.Lookup(rel); !ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for page-in of %q to finish", rel)
}

func TestOpenReadFreshFile(t *testing.T) {
	c, srcDir, _, cleanup := setupCore(t, 2)
	defer cleanup()

	content := []byte("hello world")
	if err := os.WriteFile(srcDir+"/f.txt", content, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ctx := context.Background()
	id, err := c.Open(ctx, "f.txt", os.O_RDONLY)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	waitForPageIn(t, c, "f.txt")

	fh, err := c.Handle(id)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}

	buf := make([]byte, len(content))
	n, err := fh.Read(ctx, 0, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != string(content) {
		t.Errorf("Read = %q, want %q", buf[:n], content)
	}

	if err := c.Release(ctx, id); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestSecondOpenIsFreshNoRepage(t *testing.T) {
	c, srcDir, _, cleanup := setupCore(t, 2)
	defer cleanup()

	if err := os.WriteFile(srcDir+"/f.txt", []byte("data"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ctx := context.Background()
	id1, err := c.Open(ctx, "f.txt", os.O_RDONLY)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitForPageIn(t, c, "f.txt")
	c.Release(ctx, id1)

	id2, err := c.Open(ctx, "f.txt", os.O_RDONLY)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	fh, _ := c.Handle(id2)
	if fh.pageMap != nil {
		t.Error("expected second open of an unmodified file to skip page-in")
	}
	c.Release(ctx, id2)
}

func TestWriteThroughMirrorsToSource(t *testing.T) {
	c, srcDir, _, cleanup := setupCore(t, 2)
	defer cleanup()

	if err := os.WriteFile(srcDir+"/f.txt", []byte("0123456789"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ctx := context.Background()
	id, err := c.Open(ctx, "f.txt", os.O_RDWR)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitForPageIn(t, c, "f.txt")

	fh, _ := c.Handle(id)
	if _, err := fh.Write(ctx, 0, []byte("ABCDE")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := c.Release(ctx, id); err != nil {
		t.Fatalf("Release: %v", err)
	}

	got, err := os.ReadFile(srcDir + "/f.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "ABCDE56789" {
		t.Errorf("source content = %q, want %q", got, "ABCDE56789")
	}
}

func TestFlushOnCloseStreamsWholeFileOnRelease(t *testing.T) {
	c, srcDir, _, cleanup := setupCore(t, 2)
	defer cleanup()

	if err := os.WriteFile(srcDir+"/f.txt", []byte("0123456789"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ctx := context.Background()
	id, err := c.Open(ctx, "f.txt", os.O_RDWR)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitForPageIn(t, c, "f.txt")

	fh, _ := c.Handle(id)
	fh.mu.Lock()
	fh.mode = FlushOnClose
	fh.mu.Unlock()

	if _, err := fh.Write(ctx, 10, []byte("XYZ")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := c.Release(ctx, id); err != nil {
		t.Fatalf("Release: %v", err)
	}

	got, err := os.ReadFile(srcDir + "/f.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "0123456789XYZ" {
		t.Errorf("source content = %q, want %q", got, "0123456789XYZ")
	}
}

func TestTruncateInvalidatesCache(t *testing.T) {
	c, srcDir, _, cleanup := setupCore(t, 2)
	defer cleanup()

	if err := os.WriteFile(srcDir+"/f.txt", []byte("0123456789"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ctx := context.Background()
	id, err := c.Open(ctx, "f.txt", os.O_RDONLY)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	waitForPageIn(t, c, "f.txt")
	c.Release(ctx, id)

	if err := c.Truncate("f.txt", 3); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	got, err := os.ReadFile(srcDir + "/f.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "012" {
		t.Errorf("source content after truncate = %q, want %q", got, "012")
	}

	id2, err := c.Open(ctx, "f.txt", os.O_RDONLY)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	fh, _ := c.Handle(id2)
	if fh.pageMap == nil {
		t.Error("expected truncate to invalidate the cache, forcing a re-page on reopen")
	}
	c.Release(ctx, id2)
}

func TestUnlinkRemovesSourceAndCache(t *testing.T) {
	c, srcDir, cacheDir, cleanup := setupCore(t, 2)
	defer cleanup()

	if err := os.WriteFile(srcDir+"/f.txt", []byte("data"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	ctx := context.Background()
	id, _ := c.Open(ctx, "f.txt", os.O_RDONLY)
	waitForPageIn(t, c, "f.txt")
	c.Release(ctx, id)

	if err := c.Unlink("f.txt"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	if _, err := os.Stat(srcDir + "/f.txt"); !os.IsNotExist(err) {
		t.Error("expected source file to be removed")
	}
	if _, err := os.Stat(cacheDir + "/f.txt"); !os.IsNotExist(err) {
		t.Error("expected cache file to be removed")
	}
}

func TestRefCountTracksOpenHandles(t *testing.T) {
	c, srcDir, _, cleanup := setupCore(t, 2)
	defer cleanup()

	if err := os.WriteFile(srcDir+"/f.txt", []byte("data"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ctx := context.Background()
	id, err := c.Open(ctx, "f.txt", os.O_RDONLY)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if c.RefCount("f.txt") != 1 {
		t.Errorf("RefCount = %d, want 1", c.RefCount("f.txt"))
	}

	c.Release(ctx, id)
	if c.RefCount("f.txt") != 0 {
		t.Errorf("RefCount after release = %d, want 0", c.RefCount("f.txt"))
	}
}

func TestOpenCreatesNewSourceFile(t *testing.T) {
	c, srcDir, cacheDir, cleanup := setupCore(t, 2)
	defer cleanup()

	ctx := context.Background()
	id, err := c.Open(ctx, "c.txt", os.O_WRONLY|os.O_CREATE)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	fh, err := c.Handle(id)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, err := fh.Write(ctx, 0, []byte("new content")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := c.Release(ctx, id); err != nil {
		t.Fatalf("Release: %v", err)
	}

	got, err := os.ReadFile(srcDir + "/c.txt")
	if err != nil {
		t.Fatalf("newly-created source file missing: %v", err)
	}
	if string(got) != "new content" {
		t.Errorf("source content = %q, want %q", got, "new content")
	}
	if _, err := os.Stat(cacheDir + "/c.txt"); err != nil {
		t.Errorf("expected a cache twin to exist: %v", err)
	}
}

func TestOpenTruncateBypassesValidation(t *testing.T) {
	c, srcDir, _, cleanup := setupCore(t, 2)
	defer cleanup()

	if err := os.WriteFile(srcDir+"/f.txt", []byte("0123456789"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ctx := context.Background()
	id, err := c.Open(ctx, "f.txt", os.O_RDWR|os.O_TRUNC)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	fh, err := c.Handle(id)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if fh.pageMap != nil {
		t.Error("expected an O_TRUNC open to bypass validation entirely, with no page-in")
	}

	buf := make([]byte, 10)
	n, err := fh.Read(ctx, 0, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 0 {
		t.Errorf("expected the truncated file to read back empty, got %d bytes", n)
	}

	if err := c.Release(ctx, id); err != nil {
		t.Fatalf("Release: %v", err)
	}

	got, err := os.ReadFile(srcDir + "/f.txt")
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("source content after O_TRUNC open = %q, want empty", got)
	}
}
