// Package pager hydrates cache files from their source in the background,
// letting concurrent readers block only on the specific byte ranges they
// need rather than on the whole-file copy completing.
package pager

import (
	"context"
	"io"
	"sort"
	"sync"

	"catfs/internal/catfserr"
	"catfs/internal/handle"
	"catfs/internal/logging"
)

var log = logging.GetLogger().WithPrefix("pager")

// DefaultBlockSize is the chunk size a Pager copies per iteration: large
// enough to amortize syscall overhead, small enough that a blocked reader
// is woken promptly.
const DefaultBlockSize = 256 * 1024

type byteRange struct {
	lo, hi int64
}

// PageMap tracks which byte ranges of a file have been copied from source
// to cache so far. It is a monotone set of disjoint ranges: once a range
// is marked present it is never un-marked. Cancel (used when the copy
// fails or the file is truncated, renamed, written, or removed out from
// under the page-in) keeps the present ranges but makes every wait on a
// range not yet present fail.
type PageMap struct {
	mu        sync.Mutex
	cond      *sync.Cond
	ranges    []byteRange
	size      int64
	complete  bool
	cancelled bool
	err       error
}

// NewPageMap creates a map for a file of the given total size.
func NewPageMap(size int64) *PageMap {
	pm := &PageMap{size: size}
	pm.cond = sync.NewCond(&pm.mu)
	return pm
}

// MarkPresent records [lo, hi) as copied, merging it into any adjacent or
// overlapping existing range, and wakes every waiter so it can recheck.
func (pm *PageMap) MarkPresent(lo, hi int64) {
	if hi <= lo {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.ranges = append(pm.ranges, byteRange{lo, hi})
	pm.ranges = mergeRanges(pm.ranges)
	pm.cond.Broadcast()
}

func mergeRanges(ranges []byteRange) []byteRange {
	if len(ranges) <= 1 {
		return ranges
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].lo < ranges[j].lo })

	merged := ranges[:1]
	for _, r := range ranges[1:] {
		last := &merged[len(merged)-1]
		if r.lo <= last.hi {
			if r.hi > last.hi {
				last.hi = r.hi
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}

// covers reports whether [lo, hi) is fully contained in the present set.
// Caller must hold pm.mu.
func (pm *PageMap) covers(lo, hi int64) bool {
	for _, r := range pm.ranges {
		if r.lo <= lo && hi <= r.hi {
			return true
		}
	}
	return false
}

// MarkComplete marks the whole file as present and wakes every waiter.
// It is idempotent.
func (pm *PageMap) MarkComplete() {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.ranges = []byteRange{{0, pm.size}}
	pm.complete = true
	pm.cond.Broadcast()
}

// Cancel aborts the page-in with err, waking every blocked reader so its
// WaitFor returns that error.
func (pm *PageMap) Cancel(err error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.cancelled = true
	pm.err = err
	pm.cond.Broadcast()
}

// WaitFor blocks until [lo, hi) is present, the page-in completes, it is
// canceled, or ctx is done. If the page-in was canceled before the range
// became available it returns the error given to Cancel, or an error
// classified as Canceled when that was nil; if the context ended first it
// returns an error classified as Canceled.
func (pm *PageMap) WaitFor(ctx context.Context, rel string, lo, hi int64) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			pm.mu.Lock()
			pm.cond.Broadcast()
			pm.mu.Unlock()
		case <-done:
		}
	}()

	pm.mu.Lock()
	defer pm.mu.Unlock()

	for {
		if pm.covers(lo, hi) || pm.complete {
			return nil
		}
		if pm.cancelled {
			if pm.err != nil {
				return pm.err
			}
			return catfserr.New(catfserr.OpPageIn, rel, catfserr.Canceled, context.Canceled)
		}
		if ctx.Err() != nil {
			return catfserr.New(catfserr.OpPageIn, rel, catfserr.Canceled, ctx.Err())
		}
		pm.cond.Wait()
	}
}

// Run streams src into cache block by block, marking the PageMap as it
// goes. It stops early, without error, if ctx is canceled (the caller
// owns reporting cancellation to waiters via pm.Cancel).
func Run(ctx context.Context, rel string, src *handle.SourceHandle, cache *handle.CacheHandle, pm *PageMap, blockSize int) error {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	buf := make([]byte, blockSize)

	var offset int64
	for offset < pm.size {
		if ctx.Err() != nil {
			return nil
		}

		n := blockSize
		if remaining := pm.size - offset; int64(n) > remaining {
			n = int(remaining)
		}

		read, err := src.ReadAt(buf[:n], offset)
		if err != nil && err != io.EOF {
			wrapped := catfserr.New(catfserr.OpPageIn, rel, catfserr.SourceIO, err)
			pm.Cancel(wrapped)
			return wrapped
		}
		if read == 0 {
			break
		}

		if _, err := cache.WriteAt(buf[:read], offset); err != nil {
			wrapped := catfserr.New(catfserr.OpPageIn, rel, catfserr.CacheIO, err)
			pm.Cancel(wrapped)
			return wrapped
		}

		pm.MarkPresent(offset, offset+int64(read))
		offset += int64(read)

		if read < n {
			break
		}
	}

	pm.MarkComplete()
	log.Debug("Page-in complete for %q (%d bytes)", rel, pm.size)
	return nil
}

// Registry ensures at most one Pager is active per relative path at a
// time, as required by the data model's handle invariant.
type Registry struct {
	mu    sync.Mutex
	byRel map[string]*PageMap
}

// NewRegistry creates an empty pager registry.
func NewRegistry() *Registry {
	return &Registry{byRel: make(map[string]*PageMap)}
}

// Begin returns the PageMap for rel. If one is already active it is
// returned with started=false; the caller must not launch a second Run.
// Otherwise a fresh PageMap is registered and started=true, meaning the
// caller is responsible for calling Run (usually in its own goroutine)
// and Finish when it's done.
func (r *Registry) Begin(rel string, size int64) (pm *PageMap, started bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byRel[rel]; ok {
		return existing, false
	}
	pm = NewPageMap(size)
	r.byRel[rel] = pm
	return pm, true
}

// Lookup returns the active PageMap for rel, if any.
func (r *Registry) Lookup(rel string) (*PageMap, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pm, ok := r.byRel[rel]
	return pm, ok
}

// Cancel cancels and deregisters rel's active Pager, if any.
func (r *Registry) Cancel(rel string, err error) {
	r.mu.Lock()
	pm, ok := r.byRel[rel]
	delete(r.byRel, rel)
	r.mu.Unlock()

	if ok {
		pm.Cancel(err)
	}
}

// Finish deregisters rel's Pager without canceling it, once its Run has
// returned (successfully or not) or no page-in is needed.
func (r *Registry) Finish(rel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byRel, rel)
}
