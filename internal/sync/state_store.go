package sync

import (
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/goccy/go-json"
)

// PathRecord is the last-known snapshot of one relative path: its reduced
// metadata plus, for files and symlinks, a content digest. Directories never
// carry a digest.
type PathRecord struct {
	Fingerprint Fingerprint `json:"fingerprint"`
	Digest      string      `json:"digest,omitempty"`
}

type stateFile struct {
	Version int                    `json:"version"`
	Paths   map[string]*PathRecord `json:"paths"`
}

const stateFileVersion = 1

// StateStore holds the persisted per-root path records. It tracks a dirty
// flag so Save can be skipped when nothing changed. Persistence itself goes
// through the owning root's scratch area, so Save only produces the encoded
// bytes; the root writes them atomically.
type StateStore struct {
	filePath string
	records  map[string]*PathRecord
	dirty    bool
}

func NewStateStore(filePath string) *StateStore {
	return &StateStore{
		filePath: filePath,
		records:  make(map[string]*PathRecord),
	}
}

// Load reads the state file. A missing or unreadable file is not an error:
// it means no prior state, and every live path will be detected as created.
func (s *StateStore) Load() {
	data, err := os.ReadFile(s.filePath)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("state file unreadable, starting from empty state", "path", s.filePath, "error", err)
		}
		return
	}

	var decoded stateFile
	if err := json.Unmarshal(data, &decoded); err != nil {
		slog.Warn("state file corrupt, starting from empty state", "path", s.filePath, "error", err)
		return
	}
	if decoded.Paths != nil {
		s.records = decoded.Paths
	}
}

// Encode serializes the current records for persistence.
func (s *StateStore) Encode() ([]byte, error) {
	data, err := json.Marshal(&stateFile{
		Version: stateFileVersion,
		Paths:   s.records,
	})
	if err != nil {
		return nil, fmt.Errorf("encode state: %w", err)
	}
	return data, nil
}

func (s *StateStore) FilePath() string {
	return s.filePath
}

func (s *StateStore) Dirty() bool {
	return s.dirty
}

func (s *StateStore) MarkClean() {
	s.dirty = false
}

// Get returns the record for path, or nil if none is stored.
func (s *StateStore) Get(path string) *PathRecord {
	return s.records[path]
}

func (s *StateStore) Set(path string, fp Fingerprint, digest string) {
	if fp.IsDir() {
		digest = ""
	}
	s.records[path] = &PathRecord{Fingerprint: fp, Digest: digest}
	s.dirty = true
}

func (s *StateStore) Delete(path string) {
	if _, ok := s.records[path]; !ok {
		return
	}
	delete(s.records, path)
	s.dirty = true
}

// Paths returns all recorded paths in sorted order, so iteration over state
// is deterministic across runs.
func (s *StateStore) Paths() []string {
	paths := make([]string, 0, len(s.records))
	for p := range s.records {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func (s *StateStore) Len() int {
	return len(s.records)
}
