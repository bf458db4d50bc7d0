package fsadapter

import (
	"context"
	"os"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"catfs/internal/catfserr"
	"catfs/internal/pathutil"
)

// Dir is a directory node, always backed by a real source directory:
// catfs never synthesizes virtual directories.
type Dir struct {
	fs  *FS
	rel pathutil.Rel
}

// Attr implements fusefs.Node.
func (d *Dir) Attr(_ context.Context, a *fuse.Attr) error {
	info, err := d.fs.core.Stat(d.rel.String())
	if err != nil {
		return catfserr.ToErrno(err)
	}
	applyAttr(a, info, d.fs.uid, d.fs.gid)
	return nil
}

// Setattr implements fusefs.NodeSetattrer.
func (d *Dir) Setattr(_ context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	srcPath := d.rel.Under(d.fs.core.SrcRoot.Path())
	if err := applySetattr(srcPath, req); err != nil {
		return catfserr.ToErrno(catfserr.New(catfserr.OpSetattr, d.rel.String(), catfserr.SourceIO, err))
	}
	return d.Attr(context.Background(), &resp.Attr)
}

// Lookup implements fusefs.NodeStringLookuper.
func (d *Dir) Lookup(_ context.Context, name string) (fusefs.Node, error) {
	child := d.rel.Join(name)
	info, err := d.fs.core.Stat(child.String())
	if err != nil {
		return nil, catfserr.ToErrno(err)
	}
	if info.IsDir() {
		return &Dir{fs: d.fs, rel: child}, nil
	}
	return &File{fs: d.fs, rel: child}, nil
}

// ReadDirAll implements fusefs.HandleReadDirAller.
func (d *Dir) ReadDirAll(_ context.Context) ([]fuse.Dirent, error) {
	entries, err := d.fs.core.ReadDir(d.rel.String())
	if err != nil {
		return nil, catfserr.ToErrno(err)
	}

	out := make([]fuse.Dirent, 0, len(entries)+2)
	out = append(out, fuse.Dirent{Name: ".", Type: fuse.DT_Dir})
	out = append(out, fuse.Dirent{Name: "..", Type: fuse.DT_Dir})
	for _, e := range entries {
		dt := fuse.DT_File
		if e.IsDir() {
			dt = fuse.DT_Dir
		}
		out = append(out, fuse.Dirent{Name: e.Name(), Type: dt})
	}
	return out, nil
}

// Mkdir implements fusefs.NodeMkdirer.
func (d *Dir) Mkdir(_ context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	child := d.rel.Join(req.Name)
	if err := d.fs.core.Mkdir(child.String(), req.Mode); err != nil {
		return nil, catfserr.ToErrno(err)
	}
	return &Dir{fs: d.fs, rel: child}, nil
}

// Remove implements fusefs.NodeRemover.
func (d *Dir) Remove(_ context.Context, req *fuse.RemoveRequest) error {
	child := d.rel.Join(req.Name)
	var err error
	if req.Dir {
		err = d.fs.core.Rmdir(child.String())
	} else {
		err = d.fs.core.Unlink(child.String())
	}
	return catfserr.ToErrno(err)
}

// Rename implements fusefs.NodeRenamer.
func (d *Dir) Rename(_ context.Context, req *fuse.RenameRequest, newDir fusefs.Node) error {
	target, ok := newDir.(*Dir)
	if !ok {
		return catfserr.ToErrno(catfserr.New(catfserr.OpRename, req.OldName, catfserr.InvalidArgument, os.ErrInvalid))
	}
	oldRel := d.rel.Join(req.OldName)
	newRel := target.rel.Join(req.NewName)
	return catfserr.ToErrno(d.fs.core.Rename(oldRel.String(), newRel.String()))
}

// Create implements fusefs.NodeCreater.
func (d *Dir) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fusefs.Node, fusefs.Handle, error) {
	child := d.rel.Join(req.Name)
	id, err := d.fs.core.Open(ctx, child.String(), int(req.Flags)|os.O_CREATE)
	if err != nil {
		return nil, nil, catfserr.ToErrno(err)
	}

	node := &File{fs: d.fs, rel: child}
	if err := node.Attr(ctx, &resp.Attr); err != nil {
		return nil, nil, err
	}
	return node, &Handle{fs: d.fs, rel: child, id: id}, nil
}
