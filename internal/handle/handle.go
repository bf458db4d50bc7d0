// Package handle opens files relative to the source and cache roots using
// dirfd-relative openat, avoiding the path-based TOCTOU window a second
// path-based open call would introduce between validating a cache entry
// and acting on it.
package handle

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Root holds an open directory file descriptor for either the source or
// the cache tree, against which every other operation on that tree is
// resolved with *at syscalls.
type Root struct {
	path string
	fd   int
}

// OpenRoot opens path as a directory and keeps its descriptor alive for
// the lifetime of the Root.
func OpenRoot(path string) (*Root, error) {
	fd, err := unix.Open(path, unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return &Root{path: path, fd: fd}, nil
}

// Close releases the root directory descriptor.
func (r *Root) Close() error {
	return unix.Close(r.fd)
}

// Path returns the path this Root was opened against. The Root's own
// methods other than ReadDir go through the held descriptor; callers that
// need path-based calls (lstat, xattrs, chmod) build paths from it.
func (r *Root) Path() string {
	return r.path
}

// SourceHandle is an open file descriptor against a file under the
// source root.
type SourceHandle struct {
	*os.File
}

// CacheHandle is an open file descriptor against a file under the cache
// root.
type CacheHandle struct {
	*os.File
}

// OpenFile opens rel (relative to the root) with the given flags and mode.
func (r *Root) OpenFile(rel string, flags int, mode os.FileMode) (*os.File, error) {
	fd, err := unix.Openat(r.fd, rel, flags|unix.O_CLOEXEC, uint32(mode))
	if err != nil {
		return nil, &os.PathError{Op: "openat", Path: filepath.Join(r.path, rel), Err: err}
	}
	return os.NewFile(uintptr(fd), filepath.Join(r.path, rel)), nil
}

// OpenSource opens a SourceHandle.
func (r *Root) OpenSource(rel string, flags int, mode os.FileMode) (*SourceHandle, error) {
	f, err := r.OpenFile(rel, flags, mode)
	if err != nil {
		return nil, err
	}
	return &SourceHandle{File: f}, nil
}

// OpenCache opens a CacheHandle. It does not create missing parent
// directories; callers use MkdirAll for that first.
func (r *Root) OpenCache(rel string, flags int, mode os.FileMode) (*CacheHandle, error) {
	f, err := r.OpenFile(rel, flags, mode)
	if err != nil {
		return nil, err
	}
	return &CacheHandle{File: f}, nil
}

// MkdirAll creates rel and every missing parent directory under the root.
// Unlike path-based MkdirAll this still resolves every component relative
// to the held root descriptor.
func (r *Root) MkdirAll(rel string, mode os.FileMode) error {
	if rel == "" || rel == "." {
		return nil
	}
	parent := filepath.Dir(rel)
	if parent != "." && parent != rel {
		if err := r.MkdirAll(parent, mode); err != nil {
			return err
		}
	}
	err := unix.Mkdirat(r.fd, rel, uint32(mode))
	if err != nil && err != unix.EEXIST {
		return &os.PathError{Op: "mkdirat", Path: filepath.Join(r.path, rel), Err: err}
	}
	return nil
}

// Remove unlinks a regular file relative to the root.
func (r *Root) Remove(rel string) error {
	if err := unix.Unlinkat(r.fd, rel, 0); err != nil {
		return &os.PathError{Op: "unlinkat", Path: filepath.Join(r.path, rel), Err: err}
	}
	return nil
}

// RemoveDir removes an empty directory relative to the root.
func (r *Root) RemoveDir(rel string) error {
	if err := unix.Unlinkat(r.fd, rel, unix.AT_REMOVEDIR); err != nil {
		return &os.PathError{Op: "unlinkat", Path: filepath.Join(r.path, rel), Err: err}
	}
	return nil
}

// Rename moves oldRel to newRel, both relative to the same root.
func (r *Root) Rename(oldRel, newRel string) error {
	if err := unix.Renameat(r.fd, oldRel, r.fd, newRel); err != nil {
		return &os.PathError{Op: "renameat", Path: filepath.Join(r.path, oldRel), Err: err}
	}
	return nil
}

// Stat returns the lstat-style metadata of rel relative to the root.
func (r *Root) Stat(rel string) (unix.Stat_t, error) {
	var st unix.Stat_t
	if rel == "" {
		rel = "."
	}
	if err := unix.Fstatat(r.fd, rel, &st, unix.AT_SYMLINK_NOFOLLOW); err != nil {
		return st, &os.PathError{Op: "fstatat", Path: filepath.Join(r.path, rel), Err: err}
	}
	return st, nil
}

// ReadDir lists the entries of rel relative to the root. Unlike the other
// Root methods this goes through a path-based os.ReadDir rather than
// openat+readdir: a directory listing has no TOCTOU implications serious
// enough to justify hand-rolling fdopendir/readdir in Go, and os.ReadDir
// is the idiomatic way to enumerate a directory.
func (r *Root) ReadDir(rel string) ([]os.DirEntry, error) {
	return os.ReadDir(filepath.Join(r.path, rel))
}

// StreamCopy copies all remaining bytes from src to dst using a single
// reusable buffer, used by flush-on-close writeback to stream a whole
// cache file back to the source on release.
func StreamCopy(dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 256*1024)
	n, err := io.CopyBuffer(dst, src, buf)
	if err != nil {
		return n, fmt.Errorf("stream copy: %w", err)
	}
	return n, nil
}
