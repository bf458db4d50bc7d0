// Package config parses catfs's command-line surface: the positional
// source/cache/mountpoint triad, the free-space floor, and the handful of
// mount-time options described by the external interface.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"catfs/internal/pathutil"
)

// DiskSpace is either an absolute byte count or a percentage of the cache
// filesystem's total capacity, matching the "--free" grammar: an integer
// followed by an optional K/M/G/T unit (powers of 1024), or a number
// (fractions allowed) from 0 to 100 followed by "%".
type DiskSpace struct {
	Percent float64
	Bytes   uint64
	isPct   bool
}

// String implements pflag.Value and fmt.Stringer.
func (d *DiskSpace) String() string {
	if d == nil {
		return ""
	}
	if d.isPct {
		return fmt.Sprintf("%g%%", d.Percent)
	}
	return fmt.Sprintf("%d", d.Bytes)
}

// Type implements pflag.Value.
func (d *DiskSpace) Type() string { return "diskspace" }

// IsPercent reports whether the floor is expressed as a percentage of
// total capacity rather than an absolute byte count.
func (d *DiskSpace) IsPercent() bool { return d.isPct }

// Set implements pflag.Value, parsing s per the grammar documented on
// DiskSpace.
func (d *DiskSpace) Set(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("empty disk space value")
	}

	if strings.HasSuffix(s, "%") {
		pct, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return fmt.Errorf("invalid percentage %q: %w", s, err)
		}
		if pct < 0 || pct > 100 {
			return fmt.Errorf("percentage %q out of range [0,100]", s)
		}
		d.isPct = true
		d.Percent = pct
		d.Bytes = 0
		return nil
	}

	mult := uint64(1)
	numPart := s
	if n := len(s); n > 0 {
		switch s[n-1] {
		case 'K', 'k':
			mult = 1 << 10
			numPart = s[:n-1]
		case 'M', 'm':
			mult = 1 << 20
			numPart = s[:n-1]
		case 'G', 'g':
			mult = 1 << 30
			numPart = s[:n-1]
		case 'T', 't':
			mult = 1 << 40
			numPart = s[:n-1]
		}
	}

	val, err := strconv.ParseUint(strings.TrimSpace(numPart), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid disk space %q: %w", s, err)
	}

	d.isPct = false
	d.Bytes = val * mult
	d.Percent = 0
	return nil
}

// ParseDiskSpace is a convenience constructor for tests and defaults.
func ParseDiskSpace(s string) (DiskSpace, error) {
	var d DiskSpace
	if err := d.Set(s); err != nil {
		return DiskSpace{}, err
	}
	return d, nil
}

// FlagStorage holds the fully parsed command line, mirroring the
// "from/to/mountpoint plus options" shape of catfs's external interface.
type FlagStorage struct {
	SourceDir      string
	CacheDir       string
	MountPoint     string
	Free           DiskSpace
	UID            uint32
	GID            uint32
	Foreground     bool
	AllowOther     bool
	Threads        int
	EntityTagXattr string
	MountOptions   map[string]string
	Verbose        bool
}

// Default free-space floor: 10% of the cache filesystem.
const defaultFree = "10%"

// ParseFlags parses argv (excluding the program name) into a FlagStorage.
func ParseFlags(argv []string) (*FlagStorage, error) {
	fs := pflag.NewFlagSet("catfs", pflag.ContinueOnError)

	free := DiskSpace{}
	if err := free.Set(defaultFree); err != nil {
		return nil, err
	}

	foreground := fs.BoolP("foreground", "f", false, "run in the foreground (catfs never daemonizes, so this has no effect)")
	allowOther := fs.Bool("allow-other", false, "allow other users to access the mount")
	threads := fs.Int("threads", runtime.NumCPU(), "number of concurrent page-in workers")
	uid := fs.Uint32("uid", pathutil.SafeIntToUint32(os.Getuid()), "uid to report for all files (defaults to the running user)")
	gid := fs.Uint32("gid", pathutil.SafeIntToUint32(os.Getgid()), "gid to report for all files (defaults to the running group)")
	entityTag := fs.String("entity-tag-xattr", "user.s3.etag", "source xattr consulted for an entity tag, if present")
	verbose := fs.BoolP("verbose", "v", false, "enable debug logging")
	fs.Var(&free, "free", "free space to keep on the cache filesystem, as bytes (with K/M/G/T suffix) or a percentage")

	var rawOpts []string
	fs.StringArrayVarP(&rawOpts, "option", "o", nil, "comma-separated mount options; allow_other is applied to the mount, other options are recorded but not passed to the kernel mount call")

	if err := fs.Parse(argv); err != nil {
		return nil, err
	}

	args := fs.Args()
	if len(args) != 3 {
		return nil, fmt.Errorf("expected exactly 3 positional arguments (source, cache, mountpoint), got %d", len(args))
	}

	opts := make(map[string]string)
	for _, group := range rawOpts {
		for _, kv := range strings.Split(group, ",") {
			if kv == "" {
				continue
			}
			if idx := strings.IndexByte(kv, '='); idx >= 0 {
				opts[kv[:idx]] = kv[idx+1:]
				if kv[:idx] == "allow_other" {
					*allowOther = true
				}
			} else {
				opts[kv] = ""
				if kv == "allow_other" {
					*allowOther = true
				}
			}
		}
	}

	return &FlagStorage{
		SourceDir:      args[0],
		CacheDir:       args[1],
		MountPoint:     args[2],
		Free:           free,
		UID:            *uid,
		GID:            *gid,
		Foreground:     *foreground,
		AllowOther:     *allowOther,
		Threads:        *threads,
		EntityTagXattr: *entityTag,
		MountOptions:   opts,
		Verbose:        *verbose,
	}, nil
}
