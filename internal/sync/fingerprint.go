package sync

import (
	"io/fs"
	"os"
)

// PathKind classifies a filesystem entry by the subset of types the engine
// knows how to propagate.
type PathKind string

const (
	KindRegular   PathKind = "regular"
	KindDirectory PathKind = "dir"
	KindSymlink   PathKind = "link"
	// KindOther covers entries that cannot be propagated: FIFOs, sockets,
	// device nodes. Inspection skips them entirely; hashing a FIFO with no
	// writer would block forever.
	KindOther PathKind = "other"
)

// Fingerprint is a reduced metadata snapshot of a filesystem entry. It is a
// cheap first-pass change indicator; a differing fingerprint does not prove
// the content changed, only that it is worth hashing again.
type Fingerprint struct {
	Mode  uint32 `json:"mode"`
	Size  int64  `json:"size"`
	Mtime int64  `json:"mtime_ns"`
	Atime int64  `json:"atime_ns"`
	Ctime int64  `json:"ctime_ns"`
}

// NewFingerprint builds a Fingerprint from an Lstat result. Mode is the Go
// fs.FileMode, not the raw syscall mode, so it is portable across platforms.
func NewFingerprint(info os.FileInfo) Fingerprint {
	atime, ctime := statTimes(info)
	return Fingerprint{
		Mode:  uint32(info.Mode()),
		Size:  info.Size(),
		Mtime: info.ModTime().UnixNano(),
		Atime: atime,
		Ctime: ctime,
	}
}

func (f Fingerprint) FileMode() fs.FileMode {
	return fs.FileMode(f.Mode)
}

func (f Fingerprint) Kind() PathKind {
	mode := f.FileMode()
	switch {
	case mode.IsDir():
		return KindDirectory
	case mode&fs.ModeSymlink != 0:
		return KindSymlink
	case mode.IsRegular():
		return KindRegular
	default:
		return KindOther
	}
}

func (f Fingerprint) IsDir() bool     { return f.Kind() == KindDirectory }
func (f Fingerprint) IsSymlink() bool { return f.Kind() == KindSymlink }
func (f Fingerprint) IsRegular() bool { return f.Kind() == KindRegular }

// UpdatedTime is the status-change time. Unlike mtime it cannot be set by
// touching the file, which makes it the safer tie-breaker between roots.
func (f Fingerprint) UpdatedTime() int64 {
	return f.Ctime
}

// Matches compares only mtime, size and mode. Inode, uid/gid and atime are
// deliberately excluded: the first two never change without ctime changing
// too, and atime churns on every read on many filesystems.
func (f Fingerprint) Matches(other Fingerprint) bool {
	return f.Mtime == other.Mtime && f.Size == other.Size && f.Mode == other.Mode
}
