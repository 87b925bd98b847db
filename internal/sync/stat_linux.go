//go:build linux

package sync

import (
	"os"
	"syscall"
)

func statTimes(info os.FileInfo) (atime, ctime int64) {
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		mod := info.ModTime().UnixNano()
		return mod, mod
	}
	return syscall.TimespecToNsec(st.Atim), syscall.TimespecToNsec(st.Ctim)
}
