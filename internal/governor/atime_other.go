//go:build !linux

package governor

import (
	"os"
	"time"
)

// accessTime falls back to ModTime on platforms where we haven't wired up
// a Stat_t.Atim field layout; this only weakens the LRU ordering, it never
// breaks it (mtime still tracks "last touched").
func accessTime(info os.FileInfo) time.Time {
	return info.ModTime()
}
