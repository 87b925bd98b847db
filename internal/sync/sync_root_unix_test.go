//go:build linux || darwin

package sync

import (
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A FIFO with no writer blocks open(2) forever, so inspection must never try
// to hash one. The deadline catches a regression as a test failure instead of
// a hung suite.
func TestInspectSkipsSpecialFiles(t *testing.T) {
	root := newTestRoot(t)
	require.NoError(t, syscall.Mkfifo(filepath.Join(root.Path(), "pipe"), 0o644))
	writeFile(t, root, "regular.txt", "next to the pipe")

	done := make(chan error, 1)
	go func() { done <- root.InspectAll() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("inspection blocked on the FIFO")
	}

	assert.Nil(t, root.store.Get("pipe"), "special files must not be recorded")
	assert.NotContains(t, root.Changes(), "pipe")
	assert.Contains(t, root.Changes(), "regular.txt", "neighbors still sync")
}
