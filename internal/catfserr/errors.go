// Package catfserr defines the error-kind taxonomy used throughout catfs
// and its deterministic mapping onto POSIX errno values returned to the
// kernel.
package catfserr

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind classifies why an operation failed. It is a closed set: every Kind
// has exactly one entry in the errno mapping table in ToErrno. A Kind
// added without a table entry falls through to the switch's default case
// and maps to EIO.
type Kind int

const (
	// Unknown is never constructed directly; it is the zero value and
	// maps to EIO so a missing Kind assignment fails loud, not silent.
	Unknown Kind = iota

	// SourceNotFound means the source path does not exist.
	SourceNotFound
	// SourceIO means a read, write, or stat against the source directory
	// failed for a reason other than non-existence.
	SourceIO
	// CacheIO means a read, write, or stat against the cache directory
	// failed.
	CacheIO
	// CacheSpaceExhausted means the governor could not free enough space
	// to satisfy a write or page-in.
	CacheSpaceExhausted
	// XattrUnsupported means the cache filesystem rejected the fingerprint
	// xattr outright (ENOTSUP), not merely reported it absent.
	XattrUnsupported
	// Stale means the cache entry's fingerprint did not match the source
	// and had to be invalidated before the operation could proceed.
	Stale
	// Canceled means a blocked operation was unblocked by a cancellation
	// (truncate, unlink, rename, a write, or a truncating or exclusive
	// create open) rather than by the data it was
	// waiting for becoming available.
	Canceled
	// NonSequentialWriteUnsupported means the source rejected a write
	// because it was not a sequential append (ENOTSUP/EOPNOTSUPP) and the
	// handle must fall back to flush-on-close.
	NonSequentialWriteUnsupported
	// BadHandle means the kernel presented a handle id this process never
	// allocated, or one already released.
	BadHandle
	// InvalidArgument means the caller passed a malformed argument
	// (negative offset, zero-length range, etc).
	InvalidArgument
)

func (k Kind) String() string {
	switch k {
	case SourceNotFound:
		return "source-not-found"
	case SourceIO:
		return "source-io"
	case CacheIO:
		return "cache-io"
	case CacheSpaceExhausted:
		return "cache-space-exhausted"
	case XattrUnsupported:
		return "xattr-unsupported"
	case Stale:
		return "stale"
	case Canceled:
		return "canceled"
	case NonSequentialWriteUnsupported:
		return "non-sequential-write-unsupported"
	case BadHandle:
		return "bad-handle"
	case InvalidArgument:
		return "invalid-argument"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with the operation, path, and Kind that
// classify it, mirroring the (Op, Path, Err) shape used throughout the
// codebase's logging.
type Error struct {
	Op   string
	Path string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs a classified Error.
func New(op, path string, kind Kind, err error) *Error {
	return &Error{Op: op, Path: path, Kind: kind, Err: err}
}

// KindOf extracts the Kind carried by err, if any.
func KindOf(err error) (Kind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return Unknown, false
}

// ToErrno maps err onto the POSIX errno the kernel adapter should return.
// The mapping is exhaustive over Kind; anything that isn't a *Error falls
// back to a small set of well-known standard-library sentinels before
// defaulting to EIO.
func ToErrno(err error) error {
	if err == nil {
		return nil
	}

	if kind, ok := KindOf(err); ok {
		switch kind {
		case SourceNotFound:
			return syscall.ENOENT
		case SourceIO:
			return syscall.EIO
		case CacheIO:
			return syscall.EIO
		case CacheSpaceExhausted:
			return syscall.ENOSPC
		case XattrUnsupported:
			return syscall.ENOTSUP
		case Stale:
			return syscall.EIO
		case Canceled:
			return syscall.EINTR
		case NonSequentialWriteUnsupported:
			return syscall.ENOTSUP
		case BadHandle:
			return syscall.EBADF
		case InvalidArgument:
			return syscall.EINVAL
		default:
			return syscall.EIO
		}
	}

	switch {
	case errors.Is(err, syscall.ENOENT):
		return syscall.ENOENT
	case errors.Is(err, syscall.EBADF):
		return syscall.EBADF
	case errors.Is(err, syscall.EINVAL):
		return syscall.EINVAL
	case errors.Is(err, syscall.ENOSPC):
		return syscall.ENOSPC
	case errors.Is(err, syscall.EINTR):
		return syscall.EINTR
	default:
		return syscall.EIO
	}
}

// IsTemporary reports whether retrying the operation unchanged could
// plausibly succeed.
func IsTemporary(err error) bool {
	if _, ok := KindOf(err); ok {
		return false
	}
	switch {
	case errors.Is(err, syscall.EAGAIN):
		return true
	case errors.Is(err, syscall.EBUSY):
		return true
	case errors.Is(err, syscall.ETIMEDOUT):
		return true
	default:
		return false
	}
}

// Common operation names, used consistently in logging and in Error.Op.
const (
	OpLookup    = "lookup"
	OpReadDir   = "readdir"
	OpOpen      = "open"
	OpCreate    = "create"
	OpRead      = "read"
	OpWrite     = "write"
	OpFlush     = "flush"
	OpRelease   = "release"
	OpMkdir     = "mkdir"
	OpRmdir     = "rmdir"
	OpRemove    = "remove"
	OpRename    = "rename"
	OpSetattr   = "setattr"
	OpGetattr   = "getattr"
	OpTruncate  = "truncate"
	OpValidate  = "validate"
	OpPageIn    = "page-in"
	OpEvict     = "evict"
	OpGetxattr  = "getxattr"
	OpSetxattr  = "setxattr"
	OpListxattr = "listxattr"
)
