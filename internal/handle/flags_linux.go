//go:build linux

package handle

import "golang.org/x/sys/unix"

// directIOFlag returns the platform's O_DIRECT bit, which bypasses the
// page cache. Nothing in this module calls it at present.
func directIOFlag() int {
	return unix.O_DIRECT
}
