package sync

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math/rand"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/gofrs/flock"

	"github.com/mbrown1413/justsync/internal/utils"
)

const (
	stateDirName   = ".justsync"
	stateFileName  = "state.json"
	scratchDirName = "tmp"
	lockFileName   = "lock"
)

var (
	ErrRootLocked      = errors.New("root is being synced by another process")
	ErrPathOutsideRoot = errors.New("path escapes the sync root")
	ErrNotADirectory   = errors.New("root path exists but is not a directory")
)

// SyncRoot owns one synchronized directory tree: its persisted state, its
// in-memory pending changes, and the filesystem mutations that resolve them.
//
// All paths handed to SyncRoot methods are root-relative POSIX paths unless
// the name says otherwise. The reserved .justsync directory holds the state
// file, a scratch area for atomic writes, and a lock file; it is invisible
// to change detection.
//
// The usual cycle is: InspectAll (or Inspect per path) to populate pending
// changes, then for each path either Materialize/Remove (mutate this root to
// match another) or reinspect (this root's copy won), then Flush.
type SyncRoot struct {
	rootPath   string
	stateDir   string
	scratchDir string

	store   *StateStore
	pending map[string]PendingChange
	ignore  *IgnoreList
	digest  DigestFunc
	lock    *flock.Flock
}

type RootOption func(*SyncRoot)

// WithDigestFunc replaces the default MD5 content digest.
func WithDigestFunc(fn DigestFunc) RootOption {
	return func(r *SyncRoot) { r.digest = fn }
}

// NewSyncRoot opens (creating if necessary) the directory at rootPath and
// loads its persisted state. The root is locked against other justsync
// processes until Close.
func NewSyncRoot(rootPath string, opts ...RootOption) (*SyncRoot, error) {
	abs, err := utils.ResolvePath(rootPath)
	if err != nil {
		return nil, err
	}

	if err := utils.EnsureDir(abs); err != nil {
		return nil, fmt.Errorf("create root %s: %w", abs, err)
	}
	if !utils.DirExists(abs) {
		return nil, fmt.Errorf("%w: %s", ErrNotADirectory, abs)
	}

	stateDir := filepath.Join(abs, stateDirName)
	scratchDir := filepath.Join(stateDir, scratchDirName)
	if err := utils.EnsureDir(scratchDir); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	r := &SyncRoot{
		rootPath:   abs,
		stateDir:   stateDir,
		scratchDir: scratchDir,
		store:      NewStateStore(filepath.Join(stateDir, stateFileName)),
		pending:    make(map[string]PendingChange),
		ignore:     NewIgnoreList(abs),
		digest:     MD5Digest,
		lock:       flock.New(filepath.Join(stateDir, lockFileName)),
	}
	for _, opt := range opts {
		opt(r)
	}

	locked, err := r.lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock root %s: %w", abs, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrRootLocked, abs)
	}

	r.sweepScratch()
	r.ignore.Load()
	r.store.Load()

	return r, nil
}

// Close releases the root lock. The root must not be used afterwards.
func (r *SyncRoot) Close() error {
	if !r.lock.Locked() {
		return nil
	}
	if err := r.lock.Unlock(); err != nil {
		return fmt.Errorf("unlock root %s: %w", r.rootPath, err)
	}
	return os.Remove(r.lock.Path())
}

func (r *SyncRoot) Path() string {
	return r.rootPath
}

func (r *SyncRoot) String() string {
	return fmt.Sprintf("<Root %s>", r.rootPath)
}

// Changes returns the current pending changes keyed by relative path.
func (r *SyncRoot) Changes() map[string]PendingChange {
	return r.pending
}

// Abspath resolves a root-relative path to an absolute one, rejecting any
// path that would escape the root.
func (r *SyncRoot) Abspath(relPath string) (string, error) {
	abs := filepath.Clean(filepath.Join(r.rootPath, filepath.FromSlash(relPath)))
	if !utils.PathInDir(abs, r.rootPath) {
		return "", fmt.Errorf("%w: %q", ErrPathOutsideRoot, relPath)
	}
	return abs, nil
}

// RelPath converts an absolute path inside the root to the root-relative
// POSIX form used everywhere else.
func (r *SyncRoot) RelPath(abspath string) (string, error) {
	rel, err := filepath.Rel(r.rootPath, abspath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrPathOutsideRoot, abspath)
	}
	return filepath.ToSlash(rel), nil
}

// ShouldIgnore reports whether a path is invisible to change detection: the
// root itself, the reserved state directory, and anything matched by the
// ignore list.
func (r *SyncRoot) ShouldIgnore(relPath string) bool {
	if relPath == "" || relPath == "." {
		return true
	}
	first, _, _ := strings.Cut(relPath, "/")
	if first == stateDirName {
		return true
	}
	return r.ignore.ShouldIgnore(relPath)
}

// stat Lstats a relative path. A missing entry (including a missing parent
// directory that used to be a directory and is now a file) returns nil with
// no error.
func (r *SyncRoot) stat(relPath string) (*Fingerprint, error) {
	abs, err := r.Abspath(relPath)
	if err != nil {
		return nil, err
	}
	info, err := os.Lstat(abs)
	if err != nil {
		if vanished(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat %s: %w", abs, err)
	}
	fp := NewFingerprint(info)
	return &fp, nil
}

// vanished reports whether err means the path disappeared out from under us,
// including a parent directory having turned into a file.
func vanished(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// Inspect compares one path against stored state and records a pending
// change if they differ. The fingerprint comparison is a heuristic; for
// files and symlinks a real change is only claimed when the content digest
// (or the mode, which carries the executable bit) actually differs. With
// forceDigest the digest is recomputed even when the fingerprint matches,
// which catches writers that race the sync within one mtime granule.
func (r *SyncRoot) Inspect(relPath string, forceDigest bool) error {
	if r.ShouldIgnore(relPath) {
		return nil
	}
	abs, err := r.Abspath(relPath)
	if err != nil {
		return err
	}

	old := r.store.Get(relPath)
	fp, err := r.stat(relPath)
	if err != nil {
		return err
	}
	if fp != nil && fp.Kind() == KindOther {
		slog.Warn("unsupported file type, skipping",
			"root", r.rootPath, "path", relPath, "mode", fp.FileMode().String())
		return nil
	}

	switch {
	case fp == nil:
		// Gone. Drop the record immediately so a crash before the deletion
		// propagates still converges on the next inspection.
		if old != nil {
			r.pending[relPath] = PendingChange{Action: ActionDeleted}
			r.store.Delete(relPath)
			slog.Debug("detected deleted path", "root", r.rootPath, "path", relPath)
		}

	case old == nil:
		var digest string
		if !fp.IsDir() {
			if digest, err = digestEntry(r.digest, abs, *fp); err != nil {
				if vanished(err) {
					return nil // gone between the stat and the open, nothing to record
				}
				return err
			}
		}
		r.pending[relPath] = PendingChange{Action: ActionCreated, Fingerprint: fp}
		r.store.Set(relPath, *fp, digest)
		slog.Debug("detected created path", "root", r.rootPath, "path", relPath)

	case fp.IsDir():
		if !fp.Matches(old.Fingerprint) {
			r.pending[relPath] = PendingChange{Action: ActionUpdated, Fingerprint: fp}
			r.store.Set(relPath, *fp, "")
			slog.Debug("detected updated directory", "root", r.rootPath, "path", relPath)
		}

	case !fp.Matches(old.Fingerprint) || forceDigest:
		digest, err := digestEntry(r.digest, abs, *fp)
		if err != nil {
			if vanished(err) {
				// Deleted between the stat and the open. Record the deletion
				// now instead of failing the whole inspection.
				r.pending[relPath] = PendingChange{Action: ActionDeleted}
				r.store.Delete(relPath)
				slog.Debug("path vanished during inspection", "root", r.rootPath, "path", relPath)
				return nil
			}
			return err
		}
		// A bare mtime bump (touch) changes the fingerprint without changing
		// digest or mode; that is not an update worth propagating.
		if digest != old.Digest || fp.Mode != old.Fingerprint.Mode {
			r.pending[relPath] = PendingChange{Action: ActionUpdated, Fingerprint: fp}
			slog.Debug("detected updated path", "root", r.rootPath, "path", relPath)
		}
		// Record the fresh fingerprint even when the digest didn't move, so
		// the next inspection doesn't re-hash a merely-touched file.
		if *fp != old.Fingerprint || digest != old.Digest {
			r.store.Set(relPath, *fp, digest)
		}
	}

	return nil
}

// InspectAll diffs the whole tree: every recorded path first (catches
// deletions and out-of-band edits), then a walk of the live tree for
// anything not yet covered (catches creations).
func (r *SyncRoot) InspectAll() error {
	inspected := make(map[string]bool)
	for _, relPath := range r.store.Paths() {
		if err := r.Inspect(relPath, false); err != nil {
			return err
		}
		inspected[relPath] = true
	}

	return filepath.WalkDir(r.rootPath, func(abs string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil // vanished mid-walk, the next cycle will see it
			}
			return walkErr
		}
		relPath, err := r.RelPath(abs)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}
		if r.ShouldIgnore(relPath) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !inspected[relPath] {
			if err := r.Inspect(relPath, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// reinspect clears the pending change for a path and immediately inspects it
// again. Used when this root's copy was chosen as golden, or right after a
// mutation: if a concurrent writer touched the path meanwhile, a fresh
// change shows up instead of being silently lost.
func (r *SyncRoot) reinspect(relPath string) error {
	delete(r.pending, relPath)
	return r.Inspect(relPath, true)
}

// Materialize makes relPath on this root a copy of sourceAbs (a path inside
// another root). Ancestor directories are created as needed, converting any
// ancestor that is currently a file. File and symlink content lands via
// scratch-write + rename, so the destination is never partially written.
func (r *SyncRoot) Materialize(relPath string, sourceAbs string) error {
	slog.Debug("materialize", "root", r.rootPath, "path", relPath, "source", sourceAbs)
	absDest, err := r.Abspath(relPath)
	if err != nil {
		return err
	}

	if err := r.ensureAncestors(relPath); err != nil {
		return err
	}

	srcInfo, err := os.Lstat(sourceAbs)
	if err != nil {
		return fmt.Errorf("stat source %s: %w", sourceAbs, err)
	}
	srcFp := NewFingerprint(srcInfo)

	if srcFp.IsDir() {
		if err := r.materializeDir(relPath, absDest, srcFp); err != nil {
			return err
		}
	} else {
		if err := r.materializeEntry(relPath, absDest, sourceAbs, srcFp); err != nil {
			return err
		}
	}

	return r.reinspect(relPath)
}

// ensureAncestors walks the ancestor components of relPath from shallowest
// to deepest, deleting any that exists as a non-directory (a leftover from a
// directory-becomes-file conflict) and creating missing directories.
func (r *SyncRoot) ensureAncestors(relPath string) error {
	dir := path.Dir(relPath)
	if dir == "." || dir == "/" {
		return nil
	}

	partial := ""
	for _, component := range strings.Split(dir, "/") {
		partial = path.Join(partial, component)
		absPartial, err := r.Abspath(partial)
		if err != nil {
			return err
		}

		info, err := os.Lstat(absPartial)
		if err == nil && !info.IsDir() {
			if err := os.Remove(absPartial); err != nil {
				return fmt.Errorf("replace ancestor %s: %w", absPartial, err)
			}
			info = nil
		}
		if info == nil {
			if err := os.Mkdir(absPartial, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
				return fmt.Errorf("create ancestor %s: %w", absPartial, err)
			}
			fp, err := r.stat(partial)
			if err != nil {
				return err
			}
			if fp != nil {
				r.store.Set(partial, *fp, "")
			}
			delete(r.pending, partial)
		}
	}
	return nil
}

func (r *SyncRoot) materializeDir(relPath, absDest string, srcFp Fingerprint) error {
	info, err := os.Lstat(absDest)
	if err == nil && !info.IsDir() {
		// A file sits where the directory goes. Remove it first.
		if err := os.Remove(absDest); err != nil {
			return fmt.Errorf("replace %s with directory: %w", absDest, err)
		}
		info = nil
	}
	if info == nil {
		if err := os.Mkdir(absDest, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create directory %s: %w", absDest, err)
		}
	}
	// Mkdir is subject to the umask; chmod explicitly so permissions
	// converge across roots.
	if err := os.Chmod(absDest, srcFp.FileMode().Perm()); err != nil {
		return fmt.Errorf("chmod directory %s: %w", absDest, err)
	}

	fp, err := r.stat(relPath)
	if err != nil {
		return err
	}
	if fp != nil {
		r.store.Set(relPath, *fp, "")
	}
	return nil
}

func (r *SyncRoot) materializeEntry(relPath, absDest, sourceAbs string, srcFp Fingerprint) error {
	info, err := os.Lstat(absDest)
	if err == nil && info.IsDir() {
		// Destination is a directory being converted to a file. The
		// deepest-path-first resolution order has already emptied it.
		if err := os.Remove(absDest); err != nil {
			return fmt.Errorf("replace directory %s with file: %w", absDest, err)
		}
	}

	digest, err := r.atomicCopy(sourceAbs, absDest, srcFp)
	if err != nil {
		return err
	}

	fp, err := r.stat(relPath)
	if err != nil {
		return err
	}
	if fp != nil {
		r.store.Set(relPath, *fp, digest)
	}
	return nil
}

// Remove deletes relPath from this root. The stored record goes first so
// that a crash mid-removal still converges to "deleted" on the next
// inspection. An already-absent entry is fine; a non-empty directory is not.
func (r *SyncRoot) Remove(relPath string) error {
	slog.Debug("remove", "root", r.rootPath, "path", relPath)
	abs, err := r.Abspath(relPath)
	if err != nil {
		return err
	}

	r.store.Delete(relPath)

	if err := os.Remove(abs); err != nil && !vanished(err) {
		return fmt.Errorf("remove %s: %w", abs, err)
	}

	return r.reinspect(relPath)
}

// Flush persists stored state if it changed, with the same scratch-then-
// rename discipline used for content.
func (r *SyncRoot) Flush() error {
	if !r.store.Dirty() {
		return nil
	}
	data, err := r.store.Encode()
	if err != nil {
		return err
	}
	if err := r.atomicWrite(r.store.FilePath(), data); err != nil {
		return fmt.Errorf("flush state for %s: %w", r.rootPath, err)
	}
	r.store.MarkClean()
	slog.Debug("state flushed", "root", r.rootPath, "paths", r.store.Len())
	return nil
}

// atomicCopy copies file bytes or a symlink target from sourceAbs into the
// scratch area, hashing as it goes, then renames over destAbs in one
// operation. Returns the content digest of what was written.
func (r *SyncRoot) atomicCopy(sourceAbs, destAbs string, srcFp Fingerprint) (string, error) {
	if srcFp.IsSymlink() {
		target, err := os.Readlink(sourceAbs)
		if err != nil {
			return "", fmt.Errorf("read link %s: %w", sourceAbs, err)
		}
		scratch := r.scratchName("link")
		if err := os.Symlink(target, scratch); err != nil {
			return "", fmt.Errorf("scratch symlink: %w", err)
		}
		digest, err := r.digest(strings.NewReader(target))
		if err != nil {
			os.Remove(scratch)
			return "", err
		}
		if err := os.Rename(scratch, destAbs); err != nil {
			os.Remove(scratch)
			return "", fmt.Errorf("rename %s: %w", destAbs, err)
		}
		return digest, nil
	}

	src, err := os.Open(sourceAbs)
	if err != nil {
		return "", fmt.Errorf("open source %s: %w", sourceAbs, err)
	}
	defer src.Close()

	scratch, err := os.CreateTemp(r.scratchDir, "copy-*")
	if err != nil {
		return "", fmt.Errorf("create scratch file: %w", err)
	}
	scratchPath := scratch.Name()

	// Hash while copying: the digest function drains the source through a
	// tee into the scratch file.
	digest, err := r.digest(io.TeeReader(src, scratch))
	if err == nil {
		err = scratch.Chmod(srcFp.FileMode().Perm())
	}
	if closeErr := scratch.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(scratchPath)
		return "", fmt.Errorf("write scratch for %s: %w", destAbs, err)
	}

	if err := os.Rename(scratchPath, destAbs); err != nil {
		os.Remove(scratchPath)
		return "", fmt.Errorf("rename %s: %w", destAbs, err)
	}

	slog.Debug("copied", "dest", destAbs, "size", humanize.Bytes(uint64(srcFp.Size)))
	return digest, nil
}

// atomicWrite writes data to destAbs via a scratch file and rename.
func (r *SyncRoot) atomicWrite(destAbs string, data []byte) error {
	scratch, err := os.CreateTemp(r.scratchDir, "write-*")
	if err != nil {
		return fmt.Errorf("create scratch file: %w", err)
	}
	scratchPath := scratch.Name()

	_, err = scratch.Write(data)
	if closeErr := scratch.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(scratchPath)
		return err
	}

	if err := os.Rename(scratchPath, destAbs); err != nil {
		os.Remove(scratchPath)
		return err
	}
	return nil
}

func (r *SyncRoot) scratchName(prefix string) string {
	return filepath.Join(r.scratchDir, fmt.Sprintf("%s-%d-%d", prefix, os.Getpid(), rand.Int63()))
}

// sweepScratch clears scratch files left behind by a crashed run. Content
// only ever reaches its destination by rename, so anything still in here is
// garbage.
func (r *SyncRoot) sweepScratch() {
	entries, err := os.ReadDir(r.scratchDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		stale := filepath.Join(r.scratchDir, entry.Name())
		if err := os.RemoveAll(stale); err != nil {
			slog.Warn("failed to remove stale scratch file", "path", stale, "error", err)
		}
	}
}
