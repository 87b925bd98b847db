//go:build !linux && !darwin

package sync

import "os"

// Platforms without Stat_t timestamps fall back to mtime for everything.
// Tie-breaking degrades to mtime ordering there.
func statTimes(info os.FileInfo) (atime, ctime int64) {
	mod := info.ModTime().UnixNano()
	return mod, mod
}
