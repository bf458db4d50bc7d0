package fsadapter

import (
	"context"
	"strings"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"golang.org/x/sys/unix"

	"catfs/internal/catfserr"
	"catfs/internal/pathutil"
)

// File is a regular file node. Metadata (Attr/Setattr/xattrs) is served
// straight from the source path; content reads and writes go through a
// core.Core handle opened lazily in Open.
type File struct {
	fs  *FS
	rel pathutil.Rel
}

// Attr implements fusefs.Node.
func (f *File) Attr(_ context.Context, a *fuse.Attr) error {
	info, err := f.fs.core.Stat(f.rel.String())
	if err != nil {
		return catfserr.ToErrno(err)
	}
	applyAttr(a, info, f.fs.uid, f.fs.gid)
	return nil
}

// Setattr implements fusefs.NodeSetattrer. A size change always routes
// through core.Truncate so the cache's fingerprint is invalidated along
// with the resize; every other attribute is applied straight to source.
func (f *File) Setattr(_ context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	if req.Valid.Size() {
		if err := f.fs.core.Truncate(f.rel.String(), int64(req.Size)); err != nil {
			return catfserr.ToErrno(err)
		}
	}

	srcPath := f.rel.Under(f.fs.core.SrcRoot.Path())
	if err := applySetattr(srcPath, req); err != nil {
		return catfserr.ToErrno(catfserr.New(catfserr.OpSetattr, f.rel.String(), catfserr.SourceIO, err))
	}
	return f.Attr(context.Background(), &resp.Attr)
}

// Open implements fusefs.NodeOpener: it hands off content access to the
// core, which validates the cache (triggering a background page-in if
// stale) and returns a handle id the kernel will address on every
// subsequent read/write/flush/release.
func (f *File) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	id, err := f.fs.core.Open(ctx, f.rel.String(), int(req.Flags))
	if err != nil {
		return nil, catfserr.ToErrno(err)
	}
	return &Handle{fs: f.fs, rel: f.rel, id: id}, nil
}

// Getxattr implements fusefs.NodeGetxattrer, reading straight from the
// source file. The catfs fingerprint namespace is never exposed to callers.
func (f *File) Getxattr(_ context.Context, req *fuse.GetxattrRequest, resp *fuse.GetxattrResponse) error {
	if isInternalXattr(req.Name) {
		return fuse.ErrNoXattr
	}
	srcPath := f.rel.Under(f.fs.core.SrcRoot.Path())
	size, err := unix.Lgetxattr(srcPath, req.Name, nil)
	if err != nil {
		return xattrErrno(err)
	}
	buf := make([]byte, size)
	n, err := unix.Lgetxattr(srcPath, req.Name, buf)
	if err != nil {
		return xattrErrno(err)
	}
	resp.Xattr = buf[:n]
	return nil
}

// Setxattr implements fusefs.NodeSetxattrer.
func (f *File) Setxattr(_ context.Context, req *fuse.SetxattrRequest) error {
	if isInternalXattr(req.Name) {
		return fuse.ErrNoXattr
	}
	srcPath := f.rel.Under(f.fs.core.SrcRoot.Path())
	if err := unix.Lsetxattr(srcPath, req.Name, req.Xattr, int(req.Flags)); err != nil {
		return xattrErrno(err)
	}
	return nil
}

// Listxattr implements fusefs.NodeListxattrer.
func (f *File) Listxattr(_ context.Context, _ *fuse.ListxattrRequest, resp *fuse.ListxattrResponse) error {
	srcPath := f.rel.Under(f.fs.core.SrcRoot.Path())
	size, err := unix.Llistxattr(srcPath, nil)
	if err != nil {
		return xattrErrno(err)
	}
	if size == 0 {
		return nil
	}
	buf := make([]byte, size)
	n, err := unix.Llistxattr(srcPath, buf)
	if err != nil {
		return xattrErrno(err)
	}
	for _, name := range strings.Split(strings.Trim(string(buf[:n]), "\x00"), "\x00") {
		if name == "" || isInternalXattr(name) {
			continue
		}
		resp.Append(name)
	}
	return nil
}

// Removexattr implements fusefs.NodeRemovexattrer.
func (f *File) Removexattr(_ context.Context, req *fuse.RemovexattrRequest) error {
	if isInternalXattr(req.Name) {
		return fuse.ErrNoXattr
	}
	srcPath := f.rel.Under(f.fs.core.SrcRoot.Path())
	if err := unix.Lremovexattr(srcPath, req.Name); err != nil {
		return xattrErrno(err)
	}
	return nil
}

// internalXattrPrefix is the whole namespace catfs reserves for its own
// bookkeeping; none of it is ever surfaced to callers.
const internalXattrPrefix = "user.catfs."

func isInternalXattr(name string) bool {
	return strings.HasPrefix(name, internalXattrPrefix)
}

func xattrErrno(err error) error {
	if err == unix.ENODATA {
		return fuse.ErrNoXattr
	}
	return catfserr.ToErrno(catfserr.New(catfserr.OpGetxattr, "", catfserr.SourceIO, err))
}
