package sync

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncDirs runs one full sync cycle over the given directories the way the
// CLI would: open roots, reconcile, flush, release. Each call starts from
// persisted state only, like a fresh process invocation.
func syncDirs(t *testing.T, dirs ...string) {
	t.Helper()
	roots := make([]*SyncRoot, 0, len(dirs))
	defer func() {
		for _, root := range roots {
			require.NoError(t, root.Close())
		}
	}()
	for _, dir := range dirs {
		root, err := NewSyncRoot(dir)
		require.NoError(t, err)
		roots = append(roots, root)
	}
	s, err := NewSynchronizer(roots)
	require.NoError(t, err)
	require.NoError(t, s.Sync(false))
	for _, root := range roots {
		assert.Empty(t, root.Changes(), "pending changes must be drained after sync")
		assert.False(t, root.store.Dirty(), "state must be flushed after sync")
	}
}

type treeEntry struct {
	kind    PathKind
	content string // file content or symlink target
	perm    fs.FileMode
}

// treeOf captures everything under dir except the reserved state directory.
func treeOf(t *testing.T, dir string) map[string]treeEntry {
	t.Helper()
	tree := make(map[string]treeEntry)
	err := filepath.WalkDir(dir, func(abs string, d fs.DirEntry, err error) error {
		require.NoError(t, err)
		rel, err := filepath.Rel(dir, abs)
		require.NoError(t, err)
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if rel == stateDirName {
			return filepath.SkipDir
		}
		info, err := d.Info()
		require.NoError(t, err)
		entry := treeEntry{perm: info.Mode().Perm()}
		switch {
		case info.IsDir():
			entry.kind = KindDirectory
		case info.Mode()&fs.ModeSymlink != 0:
			entry.kind = KindSymlink
			target, err := os.Readlink(abs)
			require.NoError(t, err)
			entry.content = target
		default:
			entry.kind = KindRegular
			data, err := os.ReadFile(abs)
			require.NoError(t, err)
			entry.content = string(data)
		}
		tree[rel] = entry
		return nil
	})
	require.NoError(t, err)
	return tree
}

func write(t *testing.T, dir, relPath, content string) {
	t.Helper()
	abs := filepath.Join(dir, filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func read(t *testing.T, dir, relPath string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(relPath)))
	require.NoError(t, err)
	return string(data)
}

func exists(dir, relPath string) bool {
	_, err := os.Lstat(filepath.Join(dir, filepath.FromSlash(relPath)))
	return err == nil
}

func twoDirs(t *testing.T) (string, string) {
	t.Helper()
	base := t.TempDir()
	return filepath.Join(base, "r0"), filepath.Join(base, "r1")
}

func TestSyncPropagatesNewFile(t *testing.T) {
	r0, r1 := twoDirs(t)

	write(t, r0, "foo", "bar")
	syncDirs(t, r0, r1)
	assert.Equal(t, "bar", read(t, r1, "foo"))

	write(t, r0, "foo", "baz")
	syncDirs(t, r0, r1)
	assert.Equal(t, "baz", read(t, r0, "foo"))
	assert.Equal(t, "baz", read(t, r1, "foo"))
}

func TestSyncConvergence(t *testing.T) {
	r0, r1 := twoDirs(t)

	write(t, r0, "only-in-r0.txt", "a")
	write(t, r0, "deep/nested/file.txt", "deep")
	write(t, r1, "only-in-r1.txt", "b")
	write(t, r1, "other/thing.txt", "c")

	syncDirs(t, r0, r1)

	assert.Equal(t, treeOf(t, r0), treeOf(t, r1))
	assert.Equal(t, "a", read(t, r1, "only-in-r0.txt"))
	assert.Equal(t, "b", read(t, r0, "only-in-r1.txt"))
}

func TestSyncIdempotence(t *testing.T) {
	r0, r1 := twoDirs(t)
	write(t, r0, "a.txt", "x")
	write(t, r1, "b.txt", "y")
	syncDirs(t, r0, r1)

	// With no intervening filesystem changes, a fresh inspection finds
	// nothing to do.
	roots := make([]*SyncRoot, 0, 2)
	for _, dir := range []string{r0, r1} {
		root, err := NewSyncRoot(dir)
		require.NoError(t, err)
		defer root.Close()
		roots = append(roots, root)
	}
	_, err := NewSynchronizer(roots)
	require.NoError(t, err)
	for _, root := range roots {
		assert.Empty(t, root.Changes())
	}
}

func TestSyncDeleteWins(t *testing.T) {
	r0, r1 := twoDirs(t)
	write(t, r0, "p.txt", "original")
	syncDirs(t, r0, r1)

	require.NoError(t, os.Remove(filepath.Join(r0, "p.txt")))
	write(t, r1, "p.txt", "concurrent update")
	syncDirs(t, r0, r1)

	assert.False(t, exists(r0, "p.txt"))
	assert.False(t, exists(r1, "p.txt"))
}

func TestSyncGoldenCopyByTime(t *testing.T) {
	r0, r1 := twoDirs(t)

	write(t, r0, "p.txt", "older")
	time.Sleep(20 * time.Millisecond) // ensure distinct ctimes
	write(t, r1, "p.txt", "newer")
	syncDirs(t, r0, r1)

	assert.Equal(t, "newer", read(t, r0, "p.txt"))
	assert.Equal(t, "newer", read(t, r1, "p.txt"))
}

func TestSyncDirectoryBeatsFile(t *testing.T) {
	r0, r1 := twoDirs(t)

	write(t, r0, "p", "i am a file")
	require.NoError(t, os.MkdirAll(filepath.Join(r1, "p"), 0o755))
	syncDirs(t, r0, r1)

	for _, dir := range []string{r0, r1} {
		info, err := os.Lstat(filepath.Join(dir, "p"))
		require.NoError(t, err)
		assert.True(t, info.IsDir(), "directory must win over file in %s", dir)
	}
}

func TestSyncDeletesDirectoryTree(t *testing.T) {
	r0, r1 := twoDirs(t)
	write(t, r0, "d/sub/file.txt", "x")
	syncDirs(t, r0, r1)
	require.True(t, exists(r1, "d/sub/file.txt"))

	require.NoError(t, os.RemoveAll(filepath.Join(r0, "d")))
	syncDirs(t, r0, r1)

	assert.False(t, exists(r0, "d"))
	assert.False(t, exists(r1, "d"), "children must be deleted before parents so the whole tree goes")
}

func TestSyncNestedCatchUp(t *testing.T) {
	base := t.TempDir()
	a := filepath.Join(base, "a")
	b := filepath.Join(base, "b")
	c := filepath.Join(base, "c")

	syncDirs(t, a, b)
	write(t, a, "dir/nested.txt", "late to the party")
	syncDirs(t, a, b)

	// c sat out the earlier cycles; the catch-up pass must deliver the
	// already-propagated paths to it.
	syncDirs(t, a, b, c)
	assert.Equal(t, "late to the party", read(t, c, "dir/nested.txt"))
	info, err := os.Lstat(filepath.Join(c, "dir"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestSyncFileBecomesDirectory(t *testing.T) {
	r0, r1 := twoDirs(t)
	write(t, r0, "p", "plain file")
	syncDirs(t, r0, r1)

	require.NoError(t, os.Remove(filepath.Join(r0, "p")))
	require.NoError(t, os.Mkdir(filepath.Join(r0, "p"), 0o755))
	write(t, r0, "p/child.txt", "inside")
	syncDirs(t, r0, r1)

	info, err := os.Lstat(filepath.Join(r1, "p"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.Equal(t, "inside", read(t, r1, "p/child.txt"))
}

func TestSyncDirectoryBecomesFile(t *testing.T) {
	r0, r1 := twoDirs(t)
	write(t, r0, "p/child.txt", "inside")
	syncDirs(t, r0, r1)

	require.NoError(t, os.RemoveAll(filepath.Join(r0, "p")))
	write(t, r0, "p", "now a file")
	syncDirs(t, r0, r1)

	assert.Equal(t, "now a file", read(t, r1, "p"))
	assert.False(t, exists(r1, "p/child.txt"))
}

func TestSyncSymlinkRetarget(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks not generally available on windows")
	}
	r0, r1 := twoDirs(t)
	write(t, r0, "target-a", "a")
	write(t, r0, "target-b", "b")
	require.NoError(t, os.MkdirAll(r1, 0o755))
	require.NoError(t, os.Symlink("target-a", filepath.Join(r0, "link")))
	syncDirs(t, r0, r1)

	target, err := os.Readlink(filepath.Join(r1, "link"))
	require.NoError(t, err)
	assert.Equal(t, "target-a", target)

	require.NoError(t, os.Remove(filepath.Join(r0, "link")))
	require.NoError(t, os.Symlink("target-b", filepath.Join(r0, "link")))
	syncDirs(t, r0, r1)

	target, err = os.Readlink(filepath.Join(r1, "link"))
	require.NoError(t, err)
	assert.Equal(t, "target-b", target)
}

func TestSyncSymlinkBecomesFile(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks not generally available on windows")
	}
	r0, r1 := twoDirs(t)
	require.NoError(t, os.MkdirAll(r0, 0o755))
	require.NoError(t, os.Symlink("somewhere", filepath.Join(r0, "p")))
	syncDirs(t, r0, r1)

	require.NoError(t, os.Remove(filepath.Join(r0, "p")))
	write(t, r0, "p", "regular now")
	syncDirs(t, r0, r1)

	info, err := os.Lstat(filepath.Join(r1, "p"))
	require.NoError(t, err)
	assert.Zero(t, info.Mode()&fs.ModeSymlink)
	assert.Equal(t, "regular now", read(t, r1, "p"))
}

func TestSyncExecutableBitPropagates(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("mode bits not meaningful on windows")
	}
	r0, r1 := twoDirs(t)
	write(t, r0, "run.sh", "#!/bin/sh\necho hi\n")
	syncDirs(t, r0, r1)

	require.NoError(t, os.Chmod(filepath.Join(r0, "run.sh"), 0o755))
	syncDirs(t, r0, r1)

	info, err := os.Lstat(filepath.Join(r1, "run.sh"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0o100, "executable bit must propagate")
	assert.Equal(t, "#!/bin/sh\necho hi\n", read(t, r1, "run.sh"))
}

func TestSynchronizerRejectsNestedRoots(t *testing.T) {
	base := t.TempDir()
	outer, err := NewSyncRoot(filepath.Join(base, "outer"))
	require.NoError(t, err)
	defer outer.Close()
	inner, err := NewSyncRoot(filepath.Join(base, "outer", "inner"))
	require.NoError(t, err)
	defer inner.Close()

	_, err = NewSynchronizer([]*SyncRoot{outer, inner})
	assert.ErrorIs(t, err, ErrNestedRoots)
}

func TestSyncThreeRoots(t *testing.T) {
	base := t.TempDir()
	dirs := []string{
		filepath.Join(base, "a"),
		filepath.Join(base, "b"),
		filepath.Join(base, "c"),
	}
	write(t, dirs[0], "from-a.txt", "a")
	write(t, dirs[1], "from-b.txt", "b")
	write(t, dirs[2], "from-c.txt", "c")

	syncDirs(t, dirs...)

	first := treeOf(t, dirs[0])
	assert.Equal(t, first, treeOf(t, dirs[1]))
	assert.Equal(t, first, treeOf(t, dirs[2]))
	assert.Len(t, first, 3)
}

// The revisit cap is a heuristic guard against a path that never settles,
// e.g. a writer racing the sync. A digest that reports a new value on every
// hash simulates the pathological case exactly.
func TestSyncStopsAtRevisitCap(t *testing.T) {
	r0, r1 := twoDirs(t)
	write(t, r0, "hot.txt", "never settles")

	n := 0
	churn := func(rd io.Reader) (string, error) {
		if _, err := io.Copy(io.Discard, rd); err != nil {
			return "", err
		}
		n++
		return fmt.Sprintf("churn-%d", n), nil
	}

	root0, err := NewSyncRoot(r0, WithDigestFunc(churn))
	require.NoError(t, err)
	defer root0.Close()
	root1, err := NewSyncRoot(r1)
	require.NoError(t, err)
	defer root1.Close()

	s, err := NewSynchronizer([]*SyncRoot{root0, root1}, WithMaxRevisits(3))
	require.NoError(t, err)

	// The cap must end the cycle cleanly: no error, state flushed, and the
	// file still propagated rather than being held hostage by the churn.
	require.NoError(t, s.Sync(false))
	assert.False(t, root0.store.Dirty())
	assert.False(t, root1.store.Dirty())
	assert.True(t, exists(r1, "hot.txt"))
	assert.Equal(t, "never settles", read(t, r1, "hot.txt"))
}
