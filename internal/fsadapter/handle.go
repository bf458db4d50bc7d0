package fsadapter

import (
	"context"

	"bazil.org/fuse"

	"catfs/internal/catfserr"
	"catfs/internal/core"
	"catfs/internal/pathutil"
)

// Handle is a live open file, identified by the core's own handle id. All
// read/write/flush/release calls forward straight into the core.
type Handle struct {
	fs  *FS
	rel pathutil.Rel
	id  core.HandleID
}

// Read implements fusefs.HandleReader.
func (h *Handle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	fh, err := h.fs.core.Handle(h.id)
	if err != nil {
		return catfserr.ToErrno(err)
	}

	buf := make([]byte, req.Size)
	n, err := fh.Read(ctx, req.Offset, buf)
	if err != nil {
		return catfserr.ToErrno(err)
	}
	resp.Data = buf[:n]
	return nil
}

// Write implements fusefs.HandleWriter.
func (h *Handle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	fh, err := h.fs.core.Handle(h.id)
	if err != nil {
		return catfserr.ToErrno(err)
	}

	n, err := fh.Write(ctx, req.Offset, req.Data)
	if err != nil {
		return catfserr.ToErrno(err)
	}
	resp.Size = n
	return nil
}

// Flush implements fusefs.HandleFlusher.
func (h *Handle) Flush(ctx context.Context, _ *fuse.FlushRequest) error {
	fh, err := h.fs.core.Handle(h.id)
	if err != nil {
		return catfserr.ToErrno(err)
	}
	return catfserr.ToErrno(fh.Flush(ctx))
}

// Release implements fusefs.HandleReleaser.
func (h *Handle) Release(ctx context.Context, _ *fuse.ReleaseRequest) error {
	return catfserr.ToErrno(h.fs.core.Release(ctx, h.id))
}
