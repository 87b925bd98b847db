package sync

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/mbrown1413/justsync/internal/utils"
)

// DefaultMaxRevisits caps how many times one path may be selected within a
// single Sync call. It is an empirical safety valve against oscillation
// (typically a writer racing the sync itself), not a derived constant.
const DefaultMaxRevisits = 10

var ErrNestedRoots = errors.New("one sync root cannot be inside another")

// Synchronizer coordinates a fixed set of SyncRoots: it drains their pending
// changes in a deterministic order, resolves each path by delete-wins or
// golden-copy propagation, and sweeps historically known paths so roots that
// missed earlier cycles catch up.
type Synchronizer struct {
	roots       []*SyncRoot
	maxRevisits int
}

type SynchronizerOption func(*Synchronizer)

// WithMaxRevisits overrides the per-path oscillation cap.
func WithMaxRevisits(n int) SynchronizerOption {
	return func(s *Synchronizer) { s.maxRevisits = n }
}

// NewSynchronizer validates that no two roots nest, then performs the
// initial full-tree inspection of every root. Nested roots would make every
// propagation into the outer root reappear as a local change in the inner
// one, so they are rejected before anything is touched.
func NewSynchronizer(roots []*SyncRoot, opts ...SynchronizerOption) (*Synchronizer, error) {
	for i, a := range roots {
		for _, b := range roots[i+1:] {
			if utils.PathInDir(a.Path(), b.Path()) || utils.PathInDir(b.Path(), a.Path()) {
				return nil, fmt.Errorf("%w:\n%s\n%s", ErrNestedRoots, a.Path(), b.Path())
			}
		}
	}

	s := &Synchronizer{
		roots:       roots,
		maxRevisits: DefaultMaxRevisits,
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, root := range roots {
		if err := root.InspectAll(); err != nil {
			return nil, fmt.Errorf("initial inspection of %s: %w", root.Path(), err)
		}
	}
	return s, nil
}

func (s *Synchronizer) Roots() []*SyncRoot {
	return s.roots
}

// Sync reconciles all roots. Pending changes are drained first; then, unless
// trustPreviousCycle is set, every path any root has ever recorded is
// reconciled too — that is what delivers old changes to a root that sat out
// earlier cycles. Finishes by flushing every root's state.
func (s *Synchronizer) Sync(trustPreviousCycle bool) error {
	visits := make(map[string]int)
	resolved := make(map[string]bool)
	catchupDone := trustPreviousCycle

	for {
		for {
			relPath, ok := s.nextChangedPath()
			if !ok {
				break
			}
			visits[relPath]++
			if visits[relPath] > s.maxRevisits {
				slog.Warn("path keeps changing, giving up for this cycle",
					"path", relPath, "visits", visits[relPath])
				return s.flushAll()
			}
			if err := s.resolvePath(relPath); err != nil {
				return err
			}
			resolved[relPath] = true
		}

		if catchupDone {
			break
		}
		catchupDone = true

		// Catch-up pass: reconcile stored paths that produced no pending
		// change anywhere. Covers roots that were absent from a previous
		// sync and never received changes the others already exchanged.
		for _, relPath := range s.recordedPaths() {
			if resolved[relPath] {
				continue
			}
			visits[relPath]++
			if err := s.resolvePath(relPath); err != nil {
				return err
			}
			resolved[relPath] = true
		}
		// Resolutions above may have surfaced fresh pending changes; loop
		// back and drain them before flushing.
	}

	return s.flushAll()
}

func (s *Synchronizer) flushAll() error {
	for _, root := range s.roots {
		if err := root.Flush(); err != nil {
			return err
		}
	}
	return nil
}

// nextChangedPath picks the highest-priority pending path across all roots:
// deletions before creations/updates, and within equal priority the deeper
// path first. Children must be deleted before their parent directory can be,
// and a deep creation must land before a shallower ancestor is converted
// from directory to file.
func (s *Synchronizer) nextChangedPath() (string, bool) {
	best := ""
	bestDeleted := false
	found := false

	better := func(path string, deleted bool) bool {
		if !found {
			return true
		}
		if deleted != bestDeleted {
			return deleted
		}
		if d1, d2 := pathDepth(path), pathDepth(best); d1 != d2 {
			return d1 > d2
		}
		if len(path) != len(best) {
			return len(path) > len(best)
		}
		return path < best
	}

	for _, root := range s.roots {
		for relPath, change := range root.pending {
			deleted := change.Action == ActionDeleted
			if better(relPath, deleted) {
				best, bestDeleted, found = relPath, deleted, true
			}
		}
	}
	return best, found
}

func pathDepth(relPath string) int {
	return strings.Count(relPath, "/")
}

// recordedPaths is the union of every root's stored paths, deepest first so
// the catch-up pass respects the same ordering guarantees as the main loop.
func (s *Synchronizer) recordedPaths() []string {
	seen := make(map[string]bool)
	for _, root := range s.roots {
		for _, relPath := range root.store.Paths() {
			seen[relPath] = true
		}
	}
	paths := make([]string, 0, len(seen))
	for relPath := range seen {
		paths = append(paths, relPath)
	}
	sort.Slice(paths, func(i, j int) bool {
		if d1, d2 := pathDepth(paths[i]), pathDepth(paths[j]); d1 != d2 {
			return d1 > d2
		}
		return paths[i] < paths[j]
	})
	return paths
}

// resolvePath reconciles one path across all roots. Deletion on any root
// wins over simultaneous updates elsewhere; otherwise the golden copy is
// propagated to every root that doesn't already hold identical content.
func (s *Synchronizer) resolvePath(relPath string) error {
	wasDeleted := false
	wasChanged := false
	for _, root := range s.roots {
		change, ok := root.pending[relPath]
		if !ok {
			continue
		}
		if change.Action == ActionDeleted {
			wasDeleted = true
		} else {
			wasChanged = true
		}
	}

	if !wasDeleted && !wasChanged {
		// Reached only via the catch-up pass: no live change anywhere, so
		// compare what the roots remember about the path.
		if !s.storedRecordsDiverge(relPath) {
			return nil
		}
		wasChanged = true
	}

	if wasDeleted {
		return s.resolveDelete(relPath)
	}
	return s.resolveChange(relPath)
}

// resolveDelete applies delete-wins: no merge is attempted between a
// deletion and a concurrent update.
func (s *Synchronizer) resolveDelete(relPath string) error {
	for _, root := range s.roots {
		change, ok := root.pending[relPath]
		if ok && change.Action == ActionDeleted {
			if err := root.reinspect(relPath); err != nil {
				return err
			}
			continue
		}
		if err := root.Remove(relPath); err != nil {
			return err
		}
	}
	return nil
}

func (s *Synchronizer) resolveChange(relPath string) error {
	golden, ok := s.goldenRoot(relPath)
	if !ok {
		// Should not happen: some root flagged this path as changed, yet
		// none holds fingerprint information for it. A genuine race (the
		// only observer deleted it between detection and resolution) can
		// get here, so re-inspect everywhere and let the next cycle sort
		// it out rather than guessing.
		slog.Warn("no root holds fingerprint data for changed path, skipping", "path", relPath)
		for _, root := range s.roots {
			if err := root.reinspect(relPath); err != nil {
				return err
			}
		}
		return nil
	}

	goldenRec := golden.store.Get(relPath)
	sourceAbs, err := golden.Abspath(relPath)
	if err != nil {
		return err
	}

	for _, root := range s.roots {
		if root == golden {
			if err := root.reinspect(relPath); err != nil {
				return err
			}
			continue
		}

		// Identical mode and digest means identical content: skip the I/O.
		rec := root.store.Get(relPath)
		if rec != nil && goldenRec != nil &&
			rec.Fingerprint.Mode == goldenRec.Fingerprint.Mode &&
			rec.Digest == goldenRec.Digest {
			if err := root.reinspect(relPath); err != nil {
				return err
			}
			continue
		}

		if err := root.Materialize(relPath, sourceAbs); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// Source vanished under us. Re-inspect and let the next
				// cycle handle whatever is there now.
				slog.Warn("source disappeared during materialize", "path", relPath, "error", err)
				return root.reinspect(relPath)
			}
			return err
		}
	}
	return nil
}

// goldenRoot ranks the roots' knowledge of relPath and returns the one whose
// copy should win. Live pending observations outrank stored metadata; a
// directory outranks a file or symlink (a directory can hold un-synced
// children that must not be silently destroyed); later status-change time
// wins among equals. Remaining ties go to construction order.
func (s *Synchronizer) goldenRoot(relPath string) (*SyncRoot, bool) {
	type rank struct {
		stored int // 0 live pending, 1 stored record
		file   int // 0 directory, 1 file/symlink
		ctime  int64
	}

	betterThan := func(a, b rank) bool {
		if a.stored != b.stored {
			return a.stored < b.stored
		}
		if a.file != b.file {
			return a.file < b.file
		}
		return a.ctime > b.ctime
	}

	var best *SyncRoot
	var bestRank rank
	for _, root := range s.roots {
		var fp *Fingerprint
		stored := 1
		if change, ok := root.pending[relPath]; ok && change.Fingerprint != nil {
			fp = change.Fingerprint
			stored = 0
		} else if rec := root.store.Get(relPath); rec != nil {
			f := rec.Fingerprint
			fp = &f
		}
		if fp == nil {
			continue
		}

		file := 1
		if fp.IsDir() {
			file = 0
		}
		candidate := rank{stored: stored, file: file, ctime: fp.UpdatedTime()}
		if best == nil || betterThan(candidate, bestRank) {
			best, bestRank = root, candidate
		}
	}
	return best, best != nil
}

// storedRecordsDiverge reports whether the roots disagree about a path they
// are not actively changing: different kind, mode or digest, or the record
// missing from some root entirely.
func (s *Synchronizer) storedRecordsDiverge(relPath string) bool {
	type view struct {
		kind   PathKind
		mode   uint32
		digest string
	}

	var first *view
	for _, root := range s.roots {
		rec := root.store.Get(relPath)
		if rec == nil {
			return true
		}
		v := view{kind: rec.Fingerprint.Kind(), mode: rec.Fingerprint.Mode, digest: rec.Digest}
		if first == nil {
			first = &v
		} else if *first != v {
			return true
		}
	}
	return false
}
