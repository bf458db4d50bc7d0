package core

import (
	"context"
	"errors"
	"io"
	"sync"
	"syscall"

	"catfs/internal/catfserr"
	"catfs/internal/handle"
	"catfs/internal/pager"
)

// WritebackMode selects how a FileHandle propagates writes to the source.
type WritebackMode int

const (
	// WriteThrough mirrors every write to the source immediately.
	WriteThrough WritebackMode = iota
	// FlushOnClose buffers writes in the cache only and streams the
	// whole file to the source on Flush/Release. A handle falls into
	// this mode the first time the source rejects a write as
	// unsupported (a non-sequential write against a backend that only
	// accepts appends), and never falls back out of it.
	FlushOnClose
)

// FileHandle is one kernel-facing open file: a pair of source and cache
// file descriptors, a writeback mode, and (while hydrating) the PageMap
// tracking how much of the cache file is safe to read from.
type FileHandle struct {
	rel   string
	core  *Core
	src   *handle.SourceHandle
	cache *handle.CacheHandle

	mu       sync.Mutex
	mode     WritebackMode
	dirty    bool
	pageMap  *pager.PageMap
	released bool
}

// Read returns up to len(p) bytes read at off, blocking on the PageMap if
// a page-in covering that range is still in flight.
func (fh *FileHandle) Read(ctx context.Context, off int64, p []byte) (int, error) {
	fh.mu.Lock()
	pm := fh.pageMap
	fh.mu.Unlock()

	if pm != nil {
		if err := pm.WaitFor(ctx, fh.rel, off, off+int64(len(p))); err != nil {
			return 0, err
		}
	}

	n, err := fh.cache.ReadAt(p, off)
	if err != nil && err != io.EOF {
		return n, catfserr.New(catfserr.OpRead, fh.rel, catfserr.CacheIO, err)
	}
	return n, nil
}

// Write mirrors data to the source (unless already in FlushOnClose mode)
// and always writes it to the cache.
func (fh *FileHandle) Write(ctx context.Context, off int64, data []byte) (int, error) {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	// A write in flight invalidates any active page-in: the ranges it
	// already copied may no longer reflect what the handle now holds.
	fh.core.pagers.Cancel(fh.rel, catfserr.New(catfserr.OpWrite, fh.rel, catfserr.Canceled, nil))
	fh.pageMap = nil

	if fh.mode == WriteThrough {
		if _, err := fh.src.WriteAt(data, off); err != nil {
			if isNotSupported(err) {
				fh.mode = FlushOnClose
			} else {
				return 0, catfserr.New(catfserr.OpWrite, fh.rel, catfserr.SourceIO, err)
			}
		}
	}

	n, err := fh.cache.WriteAt(data, off)
	if err != nil {
		return n, catfserr.New(catfserr.OpWrite, fh.rel, catfserr.CacheIO, err)
	}
	fh.dirty = true
	return n, nil
}

// Flush commits any FlushOnClose-buffered writes to the source and
// restamps the cache's fingerprint so it is pristine again. It is
// idempotent: calling it twice in a row with no writes in between is a
// no-op the second time.
func (fh *FileHandle) Flush(ctx context.Context) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	return fh.flushLocked()
}

func (fh *FileHandle) flushLocked() error {
	if fh.mode == FlushOnClose && fh.dirty {
		if _, err := fh.cache.Seek(0, io.SeekStart); err != nil {
			return catfserr.New(catfserr.OpFlush, fh.rel, catfserr.CacheIO, err)
		}
		if err := fh.src.Truncate(0); err != nil {
			return catfserr.New(catfserr.OpFlush, fh.rel, catfserr.SourceIO, err)
		}
		if _, err := fh.src.Seek(0, io.SeekStart); err != nil {
			return catfserr.New(catfserr.OpFlush, fh.rel, catfserr.SourceIO, err)
		}
		if _, err := handle.StreamCopy(fh.src.File, fh.cache.File); err != nil {
			return catfserr.New(catfserr.OpFlush, fh.rel, catfserr.SourceIO, err)
		}
	}

	if fh.dirty {
		fp, err := fh.core.validator.SourceFingerprint(fh.core.SrcRoot, fh.rel)
		if err != nil {
			return err
		}
		if err := fh.core.validator.Stamp(fh.cache.File, fp); err != nil {
			return err
		}
		fh.dirty = false
	}
	return nil
}

// Release flushes, closes both descriptors, and drops the handle's
// reference on its path. It is safe to call more than once.
func (fh *FileHandle) Release(ctx context.Context) error {
	fh.mu.Lock()
	if fh.released {
		fh.mu.Unlock()
		return nil
	}
	fh.released = true
	flushErr := fh.flushLocked()
	fh.mu.Unlock()

	fh.src.Close()
	fh.cache.Close()
	fh.core.decRef(fh.rel)
	return flushErr
}

func isNotSupported(err error) bool {
	return errors.Is(err, syscall.ENOTSUP) || errors.Is(err, syscall.EOPNOTSUPP)
}
