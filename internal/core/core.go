// Package core implements the caching engine: validating and hydrating
// cache files from their source counterparts, dispatching reads and
// writes through live handles, and the bookkeeping (handle table,
// per-path reference counts) the free-space governor and filesystem
// façade both depend on.
//
// A Core is constructed once per mount and passed explicitly to every
// collaborator; there is no package-level global state, so tests can
// stand up as many independent Cores as they like against temp
// directories without touching a real mount at all.
package core

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"sync"

	"catfs/internal/catfserr"
	"catfs/internal/handle"
	"catfs/internal/logging"
	"catfs/internal/pager"
	"catfs/internal/pathutil"
	"catfs/internal/validator"
)

var log = logging.GetLogger().WithPrefix("core")

// Core bundles the engine's process-lifetime state.
type Core struct {
	SrcRoot   *handle.Root
	CacheRoot *handle.Root

	validator *validator.Validator
	pagers    *pager.Registry
	handles   *HandleTable
	sem       chan struct{}
	blockSize int

	refMu sync.Mutex
	refs  map[string]int
}

// New constructs a Core over already-open source and cache roots.
// threads bounds how many page-ins may run concurrently.
func New(srcRoot, cacheRoot *handle.Root, v *validator.Validator, threads int) *Core {
	if threads <= 0 {
		threads = 4
	}
	return &Core{
		SrcRoot:   srcRoot,
		CacheRoot: cacheRoot,
		validator: v,
		pagers:    pager.NewRegistry(),
		handles:   NewHandleTable(),
		sem:       make(chan struct{}, threads),
		blockSize: pager.DefaultBlockSize,
		refs:      make(map[string]int),
	}
}

// RefCount implements governor.RefCounter: it reports how many live
// handles reference rel, so the governor never evicts an open file.
func (c *Core) RefCount(rel string) int {
	c.refMu.Lock()
	defer c.refMu.Unlock()
	return c.refs[rel]
}

func (c *Core) incRef(rel string) {
	c.refMu.Lock()
	c.refs[rel]++
	c.refMu.Unlock()
}

func (c *Core) decRef(rel string) {
	c.refMu.Lock()
	c.refs[rel]--
	if c.refs[rel] <= 0 {
		delete(c.refs, rel)
	}
	c.refMu.Unlock()
}

// Stat returns the source's metadata for rel; the source is always
// authoritative for attributes, the cache is opportunistic.
func (c *Core) Stat(rel string) (fs.FileInfo, error) {
	full := pathutil.New(rel).Under(c.SrcRoot.Path())
	info, err := os.Lstat(full)
	if err != nil {
		return nil, catfserr.New(catfserr.OpGetattr, rel, catfserr.SourceNotFound, err)
	}
	return info, nil
}

// ReadDir lists rel's entries from the source, which is authoritative for
// directory structure.
func (c *Core) ReadDir(rel string) ([]os.DirEntry, error) {
	entries, err := c.SrcRoot.ReadDir(rel)
	if err != nil {
		return nil, catfserr.New(catfserr.OpReadDir, rel, catfserr.SourceIO, err)
	}
	return entries, nil
}

// Open validates rel's cache entry, starting a background page-in if it
// is stale or absent, and returns a live handle id. The real O_CREATE,
// O_EXCL, and O_TRUNC flags are passed straight through to the source
// open so the kernel's own create/truncate/exclusive-create semantics
// apply there directly; when O_TRUNC or O_CREATE|O_EXCL is requested the
// resulting source file is known-empty, so validation is bypassed
// entirely and the cache is made to match without paging anything in.
func (c *Core) Open(ctx context.Context, rel string, flags int) (HandleID, error) {
	bypassValidation := flags&os.O_TRUNC != 0 || (flags&os.O_CREATE != 0 && flags&os.O_EXCL != 0)

	src, err := c.SrcRoot.OpenSource(rel, flags, 0644)
	if err != nil {
		kind := catfserr.SourceIO
		if errors.Is(err, os.ErrNotExist) {
			kind = catfserr.SourceNotFound
		}
		return 0, catfserr.New(catfserr.OpOpen, rel, kind, err)
	}

	srcInfo, err := src.Stat()
	if err != nil {
		src.Close()
		return 0, catfserr.New(catfserr.OpOpen, rel, catfserr.SourceIO, err)
	}
	size := srcInfo.Size()

	if parent := pathutil.New(rel).Parent(); !parent.IsRoot() {
		if err := c.CacheRoot.MkdirAll(parent.String(), 0755); err != nil {
			src.Close()
			return 0, catfserr.New(catfserr.OpOpen, rel, catfserr.CacheIO, err)
		}
	}

	cache, err := c.CacheRoot.OpenCache(rel, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		src.Close()
		return 0, catfserr.New(catfserr.OpOpen, rel, catfserr.CacheIO, err)
	}

	fh := &FileHandle{rel: rel, core: c, src: src, cache: cache, mode: WriteThrough}

	if bypassValidation {
		if err := cache.Truncate(0); err != nil {
			src.Close()
			cache.Close()
			return 0, catfserr.New(catfserr.OpOpen, rel, catfserr.CacheIO, err)
		}
		c.pagers.Cancel(rel, catfserr.New(catfserr.OpOpen, rel, catfserr.Canceled, nil))
		c.pagers.Finish(rel)

		srcFP, err := c.validator.SourceFingerprint(c.SrcRoot, rel)
		if err != nil {
			src.Close()
			cache.Close()
			return 0, err
		}
		if err := c.validator.Stamp(cache.File, srcFP); err != nil {
			src.Close()
			cache.Close()
			return 0, err
		}
	} else {
		fresh, srcFP, err := c.validator.Validate(cache.File, c.SrcRoot, rel)
		if err != nil {
			src.Close()
			cache.Close()
			return 0, err
		}

		if fresh {
			c.pagers.Finish(rel)
		} else {
			if err := cache.Truncate(size); err != nil {
				src.Close()
				cache.Close()
				return 0, catfserr.New(catfserr.OpOpen, rel, catfserr.CacheIO, err)
			}
			pm, started := c.pagers.Begin(rel, size)
			fh.pageMap = pm
			if started {
				c.startPageIn(rel, size, srcFP)
			}
		}
	}

	id := c.handles.Alloc(fh)
	c.incRef(rel)
	return id, nil
}

func (c *Core) startPageIn(rel string, size int64, srcFP validator.Fingerprint) {
	go func() {
		c.sem <- struct{}{}
		defer func() { <-c.sem }()

		pm, ok := c.pagers.Lookup(rel)
		if !ok {
			return
		}

		src, err := c.SrcRoot.OpenSource(rel, os.O_RDONLY, 0)
		if err != nil {
			c.pagers.Cancel(rel, catfserr.New(catfserr.OpPageIn, rel, catfserr.SourceIO, err))
			return
		}
		defer src.Close()

		cache, err := c.CacheRoot.OpenCache(rel, os.O_RDWR, 0644)
		if err != nil {
			c.pagers.Cancel(rel, catfserr.New(catfserr.OpPageIn, rel, catfserr.CacheIO, err))
			return
		}
		defer cache.Close()

		if err := pager.Run(context.Background(), rel, src, cache, pm, c.blockSize); err != nil {
			log.Warn("Page-in of %q failed: %v", rel, err)
			c.pagers.Finish(rel)
			return
		}

		if err := c.validator.Stamp(cache.File, srcFP); err != nil {
			log.Warn("Failed to stamp fingerprint for %q after page-in: %v", rel, err)
		}
		c.pagers.Finish(rel)
	}()
}

// Handle resolves id to its live FileHandle.
func (c *Core) Handle(id HandleID) (*FileHandle, error) {
	fh, ok := c.handles.Get(id)
	if !ok {
		return nil, catfserr.New(catfserr.OpRead, "", catfserr.BadHandle, nil)
	}
	return fh, nil
}

// Release flushes and releases id, removing it from the handle table.
func (c *Core) Release(ctx context.Context, id HandleID) error {
	fh, err := c.Handle(id)
	if err != nil {
		return err
	}
	c.handles.Release(id)
	return fh.Release(ctx)
}

// Truncate resizes rel at both source and cache layers without going
// through an open handle (the kernel's setattr path can request a
// truncate on a file with no open fd). Any in-flight page-in for rel is
// canceled and the cache's fingerprint is invalidated so the next open
// re-validates and, if necessary, fully re-pages the file.
func (c *Core) Truncate(rel string, size int64) error {
	c.pagers.Cancel(rel, catfserr.New(catfserr.OpTruncate, rel, catfserr.Canceled, nil))

	src, err := c.SrcRoot.OpenSource(rel, os.O_WRONLY, 0)
	if err != nil {
		return catfserr.New(catfserr.OpTruncate, rel, catfserr.SourceNotFound, err)
	}
	defer src.Close()
	if err := src.Truncate(size); err != nil {
		return catfserr.New(catfserr.OpTruncate, rel, catfserr.SourceIO, err)
	}

	cache, err := c.CacheRoot.OpenCache(rel, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return catfserr.New(catfserr.OpTruncate, rel, catfserr.CacheIO, err)
	}
	defer cache.Close()
	if err := cache.Truncate(size); err != nil {
		return catfserr.New(catfserr.OpTruncate, rel, catfserr.CacheIO, err)
	}
	return c.validator.Invalidate(cache.File)
}

// Unlink removes rel from the source (authoritative) and best-effort from
// the cache.
func (c *Core) Unlink(rel string) error {
	c.pagers.Cancel(rel, catfserr.New(catfserr.OpRemove, rel, catfserr.Canceled, nil))

	if err := c.SrcRoot.Remove(rel); err != nil {
		return catfserr.New(catfserr.OpRemove, rel, catfserr.SourceIO, err)
	}
	if err := c.CacheRoot.Remove(rel); err != nil {
		log.Debug("Best-effort cache removal of %q failed: %v", rel, err)
	}
	return nil
}

// Rmdir removes the directory rel from the source (authoritative) and
// best-effort from the cache.
func (c *Core) Rmdir(rel string) error {
	if err := c.SrcRoot.RemoveDir(rel); err != nil {
		return catfserr.New(catfserr.OpRmdir, rel, catfserr.SourceIO, err)
	}
	if err := c.CacheRoot.RemoveDir(rel); err != nil {
		log.Debug("Best-effort cache rmdir of %q failed: %v", rel, err)
	}
	return nil
}

// Mkdir creates rel under the source (authoritative) and mirrors the
// empty directory into the cache so the tree structures stay aligned.
func (c *Core) Mkdir(rel string, mode os.FileMode) error {
	if err := c.SrcRoot.MkdirAll(rel, mode); err != nil {
		return catfserr.New(catfserr.OpMkdir, rel, catfserr.SourceIO, err)
	}
	if err := c.CacheRoot.MkdirAll(rel, mode); err != nil {
		log.Debug("Best-effort cache mkdir of %q failed: %v", rel, err)
	}
	return nil
}

// Rename moves oldRel to newRel at the source (authoritative) and
// best-effort at the cache.
func (c *Core) Rename(oldRel, newRel string) error {
	c.pagers.Cancel(oldRel, catfserr.New(catfserr.OpRename, oldRel, catfserr.Canceled, nil))

	if err := c.SrcRoot.Rename(oldRel, newRel); err != nil {
		return catfserr.New(catfserr.OpRename, oldRel, catfserr.SourceIO, err)
	}
	if parent := pathutil.New(newRel).Parent(); !parent.IsRoot() {
		c.CacheRoot.MkdirAll(parent.String(), 0755)
	}
	if err := c.CacheRoot.Rename(oldRel, newRel); err != nil {
		log.Debug("Best-effort cache rename of %q to %q failed: %v", oldRel, newRel, err)
	}
	return nil
}

// Close releases the source and cache root descriptors.
func (c *Core) Close() error {
	srcErr := c.SrcRoot.Close()
	cacheErr := c.CacheRoot.Close()
	if srcErr != nil {
		return srcErr
	}
	return cacheErr
}
