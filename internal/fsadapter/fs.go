// Package fsadapter binds internal/core's caching engine to the kernel
// via bazil.org/fuse. It is intentionally thin: every Node and Handle
// here forwards into a core.Core passed in at construction time, holding
// no engine state of its own.
package fsadapter

import (
	fusefs "bazil.org/fuse/fs"

	"catfs/internal/core"
	"catfs/internal/logging"
	"catfs/internal/pathutil"
)

var log = logging.GetLogger().WithPrefix("fsadapter")

// FS is the bazil.org/fuse FS implementation for one mount.
type FS struct {
	core     *core.Core
	uid, gid uint32
}

// New builds an FS bound to core, reporting uid/gid on every attribute.
func New(c *core.Core, uid, gid uint32) *FS {
	return &FS{core: c, uid: uid, gid: gid}
}

// Root implements fusefs.FS.
func (f *FS) Root() (fusefs.Node, error) {
	log.Trace("Resolving root node")
	return &Dir{fs: f, rel: pathutil.New("")}, nil
}
