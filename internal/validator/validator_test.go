package validator

import (
	"os"
	"testing"

	"catfs/internal/handle"
)

func setup(t *testing.T) (*handle.Root, *handle.Root, func()) {
	srcDir, err := os.MkdirTemp("", "validator-src-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	cacheDir, err := os.MkdirTemp("", "validator-cache-*")
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

	cleanup := func() {
		srcRoot.Close()
		cacheRoot.Close()
		os.RemoveAll(srcDir)
		os.RemoveAll(cacheDir)
	}
	return srcRoot, cacheRoot, cleanup
}

func TestValidateFreshAfterStamp(t *testing.T) {
	srcRoot, cacheRoot, cleanup := setup(t)
	defer cleanup()

	if err := os.WriteFile(srcRoot.Path()+"/f.txt", []byte("hello"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cache, err := cacheRoot.OpenCache("f.txt", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer cache.Close()

	v := New("")

	fresh, srcFP, err := v.Validate(cache.File, srcRoot, "f.txt")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if fresh {
		t.Fatal("expected a freshly-created cache file with no xattr to be stale/absent")
	}

	if err := v.Stamp(cache.File, srcFP); err != nil {
		t.Fatalf("Stamp: %v", err)
	}

	fresh, _, err = v.Validate(cache.File, srcRoot, "f.txt")
	if err != nil {
		t.Fatalf("Validate after stamp: %v", err)
	}
	if !fresh {
		t.Fatal("expected cache file to be fresh after stamping")
	}
}

func TestValidateStaleAfterSourceChange(t *testing.T) {
	srcRoot, cacheRoot, cleanup := setup(t)
	defer cleanup()

	if err := os.WriteFile(srcRoot.Path()+"/f.txt", []byte("hello"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cache, err := cacheRoot.OpenCache("f.txt", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer cache.Close()

	v := New("")
	_, srcFP, err := v.Validate(cache.File, srcRoot, "f.txt")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if err := v.Stamp(cache.File, srcFP); err != nil {
		t.Fatalf("Stamp: %v", err)
	}

	// Mutate the source: new content changes size, invalidating the fingerprint.
	if err := os.WriteFile(srcRoot.Path()+"/f.txt", []byte("hello world, changed"), 0644); err != nil {
		t.Fatalf("WriteFile (mutate): %v", err)
	}

	fresh, _, err := v.Validate(cache.File, srcRoot, "f.txt")
	if err != nil {
		t.Fatalf("Validate after mutation: %v", err)
	}
	if fresh {
		t.Fatal("expected cache entry to be stale after source mutation")
	}
}

func TestInvalidateClearsFingerprint(t *testing.T) {
	srcRoot, cacheRoot, cleanup := setup(t)
	defer cleanup()

	if err := os.WriteFile(srcRoot.Path()+"/f.txt", []byte("hello"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cache, err := cacheRoot.OpenCache("f.txt", os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		t.Fatalf("OpenCache: %v", err)
	}
	defer cache.Close()

	v := New("")
	_, srcFP, _ := v.Validate(cache.File, srcRoot, "f.txt")
	if err := v.Stamp(cache.File, srcFP); err != nil {
		t.Fatalf("Stamp: %v", err)
	}

	if err := v.Invalidate(cache.File); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}

	_, present, err := v.CacheFingerprint(cache.File)
	if err != nil {
		t.Fatalf("CacheFingerprint: %v", err)
	}
	if present {
		t.Fatal("expected fingerprint to be absent after Invalidate")
	}

	// Invalidating an already-absent fingerprint is not an error.
	if err := v.Invalidate(cache.File); err != nil {
		t.Fatalf("Invalidate (idempotent): %v", err)
	}
}

func TestSourceFingerprintMissingSource(t *testing.T) {
	srcRoot, _, cleanup := setup(t)
	defer cleanup()

	v := New("")
	if _, err := v.SourceFingerprint(srcRoot, "missing.txt"); err == nil {
		t.Fatal("expected error for a missing source file")
	}
}
