package sync

import (
	"bufio"
	"log/slog"
	"os"
	"path/filepath"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/mbrown1413/justsync/internal/utils"
)

// IgnoreFileName is the optional per-root ignore file, gitignore syntax.
const IgnoreFileName = ".justsyncignore"

var defaultIgnoreLines = []string{
	// never sync our own metadata or the ignore file itself
	stateDirName + "/",
	IgnoreFileName,
	// editor/OS junk
	".DS_Store",
	"Thumbs.db",
	"*.swp",
	"*~",
}

// IgnoreList decides which relative paths are invisible to change detection.
// Built-in defaults always apply; a .justsyncignore at the root appends to
// them.
type IgnoreList struct {
	rootDir string
	ignore  *gitignore.GitIgnore
}

func NewIgnoreList(rootDir string) *IgnoreList {
	return &IgnoreList{rootDir: rootDir}
}

// Load reads the ignore file if present and compiles the rule set. Safe to
// call again to pick up edits.
func (il *IgnoreList) Load() {
	lines := append([]string{}, defaultIgnoreLines...)

	ignorePath := filepath.Join(il.rootDir, IgnoreFileName)
	if utils.FileExists(ignorePath) {
		file, err := os.Open(ignorePath)
		if err != nil {
			slog.Warn("failed to open ignore file", "path", ignorePath, "error", err)
		} else {
			defer file.Close()
			scanner := bufio.NewScanner(file)
			for scanner.Scan() {
				if line := scanner.Text(); line != "" {
					lines = append(lines, line)
				}
			}
		}
	}

	il.ignore = gitignore.CompileIgnoreLines(lines...)
}

// ShouldIgnore matches a root-relative POSIX path against the rule set.
func (il *IgnoreList) ShouldIgnore(relPath string) bool {
	if il.ignore == nil {
		il.Load()
	}
	return il.ignore.MatchesPath(relPath)
}
