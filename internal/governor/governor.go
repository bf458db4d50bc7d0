// Package governor keeps the cache filesystem from filling up by
// periodically sampling its free space and evicting the least-recently
// accessed, unreferenced cache files until a configured floor is met.
package governor

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"

	"catfs/internal/logging"
	"catfs/internal/validator"
)

var log = logging.GetLogger().WithPrefix("governor")

// RefCounter reports how many live FileHandles reference a relative
// path, so the governor never evicts a file someone has open.
type RefCounter interface {
	RefCount(rel string) int
}

// Config configures a Governor.
type Config struct {
	// CacheRoot is the absolute path of the cache filesystem to monitor.
	CacheRoot string
	// FloorBytes is the absolute free-space floor, used when FloorPercent
	// is zero.
	FloorBytes uint64
	// FloorPercent, if non-zero, expresses the floor as a percentage of
	// total capacity instead of an absolute count.
	FloorPercent float64
	// Interval is how often the cache filesystem is sampled.
	Interval time.Duration
	// Refs reports live references, excluding open files from eviction.
	Refs RefCounter
}

// candidate is an evictable cache file discovered during a sweep.
type candidate struct {
	rel   string
	atime time.Time
	size  int64
}

// Governor periodically evicts least-recently-used cache files to keep
// free space above a configured floor.
type Governor struct {
	cfg Config

	// statfs is overridable for tests so eviction thresholds can be
	// exercised without actually filling a filesystem.
	statfs func(path string) (unix.Statfs_t, error)

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// New constructs a Governor from cfg.
func New(cfg Config) *Governor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Governor{
		cfg:    cfg,
		statfs: defaultStatfs,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

func defaultStatfs(path string) (unix.Statfs_t, error) {
	var st unix.Statfs_t
	err := unix.Statfs(path, &st)
	return st, err
}

// Run samples the cache filesystem every cfg.Interval until Stop is
// called, evicting when free space falls below the floor.
func (g *Governor) Run(ctx context.Context) {
	defer close(g.doneCh)

	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-ticker.C:
			if err := g.sweepOnce(); err != nil {
				log.Warn("Eviction sweep failed: %v", err)
			}
		}
	}
}

// Stop signals Run to exit and blocks until it has.
func (g *Governor) Stop() {
	g.once.Do(func() { close(g.stopCh) })
	<-g.doneCh
}

// floorBytes resolves the configured floor to an absolute byte count
// against the current statfs sample.
func (g *Governor) floorBytes(st unix.Statfs_t) uint64 {
	if g.cfg.FloorPercent > 0 {
		total := st.Blocks * uint64(st.Bsize)
		return uint64(float64(total) * g.cfg.FloorPercent / 100)
	}
	return g.cfg.FloorBytes
}

// sweepOnce samples free space and, if it's below the floor, evicts
// LRU-by-access-time candidates until the floor is satisfied again.
func (g *Governor) sweepOnce() error {
	st, err := g.statfs(g.cfg.CacheRoot)
	if err != nil {
		return err
	}

	free := st.Bfree * uint64(st.Bsize)
	floor := g.floorBytes(st)
	if free >= floor {
		return nil
	}

	need := floor - free
	log.Info("Free space %s below floor %s on %q, need to reclaim %s",
		humanize.Bytes(free), humanize.Bytes(floor), g.cfg.CacheRoot, humanize.Bytes(need))

	candidates, err := g.collectCandidates()
	if err != nil {
		return err
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].atime.Before(candidates[j].atime)
	})

	var reclaimed uint64
	var evicted int
	for _, c := range candidates {
		if reclaimed >= need {
			break
		}
		if err := os.Remove(filepath.Join(g.cfg.CacheRoot, c.rel)); err != nil {
			log.Warn("Failed to evict %q: %v", c.rel, err)
			continue
		}
		reclaimed += uint64(c.size)
		evicted++
	}

	log.Info("Evicted %d cache files, reclaimed %s", evicted, humanize.Bytes(reclaimed))
	return nil
}

// collectCandidates walks the cache root for regular files that are not
// currently referenced by a live handle, wrapping transient stat races
// (a file disappearing mid-walk) in a bounded retry.
func (g *Governor) collectCandidates() ([]candidate, error) {
	var candidates []candidate

	err := filepath.WalkDir(g.cfg.CacheRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if d.Name() == ".catfs.lock" || d.Name() == ".catfs.probe" {
			return nil
		}

		rel, relErr := filepath.Rel(g.cfg.CacheRoot, path)
		if relErr != nil {
			return nil
		}

		if g.cfg.Refs != nil && g.cfg.Refs.RefCount(rel) > 0 {
			return nil
		}

		if _, err := unix.Lgetxattr(path, validator.FingerprintXattr, nil); err != nil {
			// No fingerprint means the file is still being paged in (or was
			// never validated at all); it is not a normal LRU eviction
			// candidate even though it is otherwise unreferenced.
			return nil
		}

		var info os.FileInfo
		retryErr := retry.Do(
			func() error {
				var statErr error
				info, statErr = d.Info()
				return statErr
			},
			retry.Attempts(3),
			retry.Delay(5*time.Millisecond),
			retry.RetryIf(func(err error) bool { return !os.IsNotExist(err) }),
		)
		if retryErr != nil {
			if os.IsNotExist(retryErr) {
				return nil
			}
			log.Warn("Failed to stat eviction candidate %q: %v", path, retryErr)
			return nil
		}

		candidates = append(candidates, candidate{
			rel:   rel,
			atime: accessTime(info),
			size:  info.Size(),
		})
		return nil
	})

	return candidates, err
}

