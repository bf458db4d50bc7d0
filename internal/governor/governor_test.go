package governor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"catfs/internal/validator"
)

type fakeRefs struct {
	held map[string]int
}

func (f fakeRefs) RefCount(rel string) int { return f.held[rel] }

func TestFloorBytesPercent(t *testing.T) {
	g := New(Config{FloorPercent: 10})
	st := unix.Statfs_t{Blocks: 1000, Bsize: 4096}
	got := g.floorBytes(st)
	want := uint64(float64(1000*4096) * 0.10)
	if got != want {
		t.Errorf("floorBytes() = %d, want %d", got, want)
	}
}

func TestFloorBytesAbsolute(t *testing.T) {
	g := New(Config{FloorBytes: 1 << 20})
	st := unix.Statfs_t{Blocks: 1000, Bsize: 4096}
	if got := g.floorBytes(st); got != 1<<20 {
		t.Errorf("floorBytes() = %d, want %d", got, 1<<20)
	}
}

func TestSweepEvictsLRUUntilFloorMet(t *testing.T) {
	cacheDir, err := os.MkdirTemp("", "governor-cache-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(cacheDir)

	files := []string{"old.bin", "mid.bin", "new.bin"}
	now := time.Now()
	for i, name := range files {
		path := filepath.Join(cacheDir, name)
		if err := os.WriteFile(path, make([]byte, 1024), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		atime := now.Add(time.Duration(-(len(files) - i)) * time.Hour)
		if err := os.Chtimes(path, atime, atime); err != nil {
			t.Fatalf("Chtimes: %v", err)
		}
		if err := unix.Lsetxattr(path, validator.FingerprintXattr, []byte("fp"), 0); err != nil {
			t.Fatalf("Lsetxattr: %v", err)
		}
	}

	held := fakeRefs{held: map[string]int{"new.bin": 1}}

	g := New(Config{
		CacheRoot:  cacheDir,
		FloorBytes: 1 << 30, // force "below floor" on any statfs result
		Refs:       held,
	})
	g.statfs = func(path string) (unix.Statfs_t, error) {
		// Pretend there's only 1 byte free, far below the 1GiB floor,
		// and report a tiny block size so the math stays simple.
		return unix.Statfs_t{Bfree: 1, Bsize: 1}, nil
	}

	if err := g.sweepOnce(); err != nil {
		t.Fatalf("sweepOnce: %v", err)
	}

	if _, err := os.Stat(filepath.Join(cacheDir, "old.bin")); !os.IsNotExist(err) {
		t.Error("expected least-recently-accessed file to be evicted first")
	}
	if _, err := os.Stat(filepath.Join(cacheDir, "new.bin")); err != nil {
		t.Error("expected referenced file to survive eviction")
	}
}

func TestSweepNoopWhenAboveFloor(t *testing.T) {
	cacheDir, err := os.MkdirTemp("", "governor-cache-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(cacheDir)

	if err := os.WriteFile(filepath.Join(cacheDir, "f.bin"), []byte("data"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	g := New(Config{CacheRoot: cacheDir, FloorBytes: 10})
	g.statfs = func(path string) (unix.Statfs_t, error) {
		return unix.Statfs_t{Bfree: 1000, Bsize: 1}, nil
	}

	if err := g.sweepOnce(); err != nil {
		t.Fatalf("sweepOnce: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cacheDir, "f.bin")); err != nil {
		t.Error("expected file to survive when free space is above the floor")
	}
}

func TestRunStopsCleanly(t *testing.T) {
	cacheDir, err := os.MkdirTemp("", "governor-cache-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	defer os.RemoveAll(cacheDir)

	g := New(Config{CacheRoot: cacheDir, FloorBytes: 10, Interval: 10 * time.Millisecond})
	g.statfs = func(path string) (unix.Statfs_t, error) {
		return unix.Statfs_t{Bfree: 1000, Bsize: 1}, nil
	}

	stopped := make(chan struct{})
	go func() {
		g.Run(context.Background())
		close(stopped)
	}()

	time.Sleep(30 * time.Millisecond)
	g.Stop()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Run to exit after Stop")
	}
}
