package fsadapter

import (
	"io/fs"
	"os"
	"time"

	"bazil.org/fuse"

	"catfs/internal/pathutil"
)

// applyAttr copies a stat result into a fuse.Attr, overriding uid/gid with
// the mount's configured values (the source filesystem's own uid/gid
// rarely map onto anything meaningful for the user running catfs).
func applyAttr(a *fuse.Attr, info fs.FileInfo, uid, gid uint32) {
	a.Mode = info.Mode()
	a.Size = pathutil.SafeInt64ToUint64(info.Size())
	a.Mtime = info.ModTime()
	a.Atime = info.ModTime()
	a.Ctime = info.ModTime()
	a.Uid = uid
	a.Gid = gid
	a.BlockSize = 4096
	a.Blocks = pathutil.SafeInt64ToUint64((info.Size() + 511) / 512)
	if info.IsDir() {
		a.Nlink = 2
	} else {
		a.Nlink = 1
	}
}

// applySetattr applies the requested subset of a SetattrRequest against
// the absolute source path, the source being authoritative for metadata.
func applySetattr(srcPath string, req *fuse.SetattrRequest) error {
	if req.Valid.Mode() {
		if err := os.Chmod(srcPath, req.Mode); err != nil {
			return err
		}
	}
	if req.Valid.Uid() || req.Valid.Gid() {
		uid, gid := -1, -1
		if req.Valid.Uid() {
			uid = int(req.Uid)
		}
		if req.Valid.Gid() {
			gid = int(req.Gid)
		}
		if err := os.Chown(srcPath, uid, gid); err != nil {
			return err
		}
	}
	if req.Valid.Atime() || req.Valid.Mtime() {
		atime, mtime := time.Now(), time.Now()
		if req.Valid.Atime() {
			atime = req.Atime
		}
		if req.Valid.Mtime() {
			mtime = req.Mtime
		}
		if err := os.Chtimes(srcPath, atime, mtime); err != nil {
			return err
		}
	}
	return nil
}
