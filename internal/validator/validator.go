// Package validator computes and checks the cryptographic fingerprint
// that decides whether a cache file is still coherent with its source.
package validator

import (
	"crypto/sha512"
	"errors"
	"os"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"catfs/internal/catfserr"
	"catfs/internal/handle"
	"catfs/internal/logging"
)

var log = logging.GetLogger().WithPrefix("validator")

// FingerprintXattr is the reserved extended attribute name that stores a
// cache file's fingerprint. It is the sole source of truth for cache
// coherence; the cache file's own mtime is never consulted.
const FingerprintXattr = "user.catfs.src_chksum"

// Fingerprint is a SHA-512 digest over a source file's identity.
type Fingerprint [sha512.Size]byte

// Validator computes fingerprints and reads/writes them as xattrs.
type Validator struct {
	// EntityTagXattr names a source-side xattr (e.g. "user.s3.etag") that,
	// if present, is folded into the fingerprint so a remote backend's own
	// content identifier strengthens the coherence check. Its absence is
	// never an error.
	EntityTagXattr string
}

// New constructs a Validator that consults entityTagXattr on the source.
func New(entityTagXattr string) *Validator {
	return &Validator{EntityTagXattr: entityTagXattr}
}

// compute hashes entityTag, mtime, and size into a Fingerprint, per the
// canonical "<entity-tag>\n<mtime>\n<size>\n" string, with mtime expressed
// as whole seconds to match the ground-truth algorithm.
func compute(entityTag string, mtime time.Time, size int64) Fingerprint {
	h := sha512.New()
	h.Write([]byte(entityTag))
	h.Write([]byte("\n"))
	h.Write([]byte(strconv.FormatInt(mtime.Unix(), 10)))
	h.Write([]byte("\n"))
	h.Write([]byte(strconv.FormatInt(size, 10)))
	h.Write([]byte("\n"))

	var fp Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp
}

// SourceFingerprint stats rel under root and folds in its entity tag, if
// any, to produce the fingerprint the cache entry must match.
func (v *Validator) SourceFingerprint(root *handle.Root, rel string) (Fingerprint, error) {
	st, err := root.Stat(rel)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Fingerprint{}, catfserr.New(catfserr.OpValidate, rel, catfserr.SourceNotFound, err)
		}
		return Fingerprint{}, catfserr.New(catfserr.OpValidate, rel, catfserr.SourceIO, err)
	}

	entityTag := v.readEntityTag(root, rel)
	mtime := time.Unix(st.Mtim.Sec, st.Mtim.Nsec)
	return compute(entityTag, mtime, st.Size), nil
}

// readEntityTag best-effort reads the configured source xattr; absence or
// an unsupported-xattr filesystem both just mean "no entity tag".
func (v *Validator) readEntityTag(root *handle.Root, rel string) string {
	if v.EntityTagXattr == "" {
		return ""
	}
	full := rel
	if full == "" {
		full = "."
	}
	path := root.Path() + "/" + full

	size, err := unix.Lgetxattr(path, v.EntityTagXattr, nil)
	if err != nil || size <= 0 {
		return ""
	}
	buf := make([]byte, size)
	n, err := unix.Lgetxattr(path, v.EntityTagXattr, buf)
	if err != nil {
		return ""
	}
	return string(buf[:n])
}

// CacheFingerprint reads the stored fingerprint off an open cache file
// descriptor. present is false when the xattr is simply absent (a file
// that was never fully paged in, or was just created).
func (v *Validator) CacheFingerprint(cache *os.File) (fp Fingerprint, present bool, err error) {
	size, err := unix.Fgetxattr(int(cache.Fd()), FingerprintXattr, nil)
	if err != nil {
		if isNoXattr(err) {
			return Fingerprint{}, false, nil
		}
		return Fingerprint{}, false, catfserr.New(catfserr.OpValidate, cache.Name(), catfserr.CacheIO, err)
	}
	if size == 0 {
		return Fingerprint{}, false, nil
	}

	buf := make([]byte, size)
	n, err := unix.Fgetxattr(int(cache.Fd()), FingerprintXattr, buf)
	if err != nil {
		if isNoXattr(err) {
			return Fingerprint{}, false, nil
		}
		return Fingerprint{}, false, catfserr.New(catfserr.OpValidate, cache.Name(), catfserr.CacheIO, err)
	}
	if n != sha512.Size {
		return Fingerprint{}, false, nil
	}
	copy(fp[:], buf[:n])
	return fp, true, nil
}

// Stamp writes fp onto cache's fingerprint xattr, marking it pristine.
func (v *Validator) Stamp(cache *os.File, fp Fingerprint) error {
	err := unix.Fsetxattr(int(cache.Fd()), FingerprintXattr, fp[:], 0)
	if err != nil {
		kind := catfserr.CacheIO
		if errors.Is(err, unix.ENOTSUP) {
			kind = catfserr.XattrUnsupported
		}
		return catfserr.New(catfserr.OpValidate, cache.Name(), kind, err)
	}
	log.Trace("Stamped fingerprint on %q", cache.Name())
	return nil
}

// Invalidate removes the fingerprint xattr, reverting the cache file to
// Absent; an already-absent xattr is not an error.
func (v *Validator) Invalidate(cache *os.File) error {
	err := unix.Fremovexattr(int(cache.Fd()), FingerprintXattr)
	if err != nil && !isNoXattr(err) {
		return catfserr.New(catfserr.OpValidate, cache.Name(), catfserr.CacheIO, err)
	}
	return nil
}

// Validate reports whether the cache file at cache is fresh against its
// source counterpart at rel, and returns the source fingerprint computed
// along the way so a caller that needs to (re)stamp doesn't recompute it.
func (v *Validator) Validate(cache *os.File, root *handle.Root, rel string) (fresh bool, srcFP Fingerprint, err error) {
	srcFP, err = v.SourceFingerprint(root, rel)
	if err != nil {
		return false, Fingerprint{}, err
	}

	cacheFP, present, err := v.CacheFingerprint(cache)
	if err != nil {
		return false, srcFP, err
	}
	if !present {
		return false, srcFP, nil
	}

	return cacheFP == srcFP, srcFP, nil
}

// ProbeXattrSupport verifies that the cache filesystem at root accepts
// extended attributes at all, so a mount-time failure surfaces once as
// XattrUnsupported instead of on every first page-in.
func ProbeXattrSupport(root *handle.Root) error {
	const probeName = "user.catfs.probe"
	f, err := root.OpenCache(".catfs.probe", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return catfserr.New(catfserr.OpValidate, root.Path(), catfserr.CacheIO, err)
	}
	defer f.Close()
	defer root.Remove(".catfs.probe")

	if err := unix.Fsetxattr(int(f.Fd()), probeName, []byte("1"), 0); err != nil {
		if errors.Is(err, unix.ENOTSUP) {
			return catfserr.New(catfserr.OpValidate, root.Path(), catfserr.XattrUnsupported, err)
		}
		return catfserr.New(catfserr.OpValidate, root.Path(), catfserr.CacheIO, err)
	}
	_ = unix.Fremovexattr(int(f.Fd()), probeName)
	return nil
}

func isNoXattr(err error) bool {
	return errors.Is(err, unix.ENODATA)
}
