package agent

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// BinariesFile is the name of the store kept in the save directory.
const BinariesFile = "binaries.yaml"

// BinaryEntry records the last binary uploaded for a node.
type BinaryEntry struct {
	Filename  string `yaml:"filename"`
	Path      string `yaml:"path"`
	Size      int64  `yaml:"size"`
	Hash      string `yaml:"hash"`
	UpdatedAt string `yaml:"updated_at"`
}

type binariesManifest struct {
	Nodes map[string]BinaryEntry `yaml:"nodes"`
}

// ConflictKind says which field clashed with another node's binary.
type ConflictKind int

const (
	NodeMismatch ConflictKind = iota
	FilenameConflict
)

// ConflictError refuses to associate a binary with a second node.
type ConflictError struct {
	Kind     ConflictKind
	Existing string
	Incoming string
}

func (e *ConflictError) Error() string {
	what := "binary"
	if e.Kind == FilenameConflict {
		what = "filename"
	}
	return fmt.Sprintf("%s already associated with node '%s', cannot reassign to '%s'", what, e.Existing, e.Incoming)
}

// BinaryStore persists binaries.yaml. Writes go through a temp file and a
// rename so readers never see a partial file.
type BinaryStore struct {
	mu   sync.Mutex
	path string
}

func NewBinaryStore(dir string) *BinaryStore {
	return &BinaryStore{path: filepath.Join(dir, BinariesFile)}
}

func (s *BinaryStore) load() (*binariesManifest, error) {
	m := &binariesManifest{}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		m.Nodes = map[string]BinaryEntry{}
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading binaries manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parsing binaries manifest: %w", err)
	}
	if m.Nodes == nil {
		m.Nodes = map[string]BinaryEntry{}
	}
	return m, nil
}

// Entries returns a copy of the stored entries.
func (s *BinaryStore) Entries() (map[string]BinaryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.load()
	if err != nil {
		return nil, err
	}
	return m.Nodes, nil
}

// Record associates e with node. The same hash or filename may not belong
// to a different node.
func (s *BinaryStore) Record(node string, e BinaryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.load()
	if err != nil {
		return err
	}
	for saved, b := range m.Nodes {
		if saved == node {
			continue
		}
		if b.Hash == e.Hash {
			return &ConflictError{Kind: NodeMismatch, Existing: saved, Incoming: node}
		}
		if b.Filename == e.Filename {
			return &ConflictError{Kind: FilenameConflict, Existing: saved, Incoming: node}
		}
	}
	if e.UpdatedAt == "" {
		e.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	m.Nodes[node] = e

	data, err := yaml.Marshal(m)
	if err != nil {
		return fmt.Errorf("serializing binaries manifest: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing temp manifest: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("renaming temp manifest: %w", err)
	}
	return nil
}

// SanitizeFilename keeps the base name and replaces anything outside
// [A-Za-z0-9-._] with '_'.
func SanitizeFilename(raw string) string {
	base := filepath.Base(strings.ReplaceAll(raw, "\\", "/"))
	if base == "." || base == "/" {
		base = ""
	}
	var sb strings.Builder
	for _, c := range base {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', strings.ContainsRune("-._", c):
			sb.WriteRune(c)
		default:
			sb.WriteByte('_')
		}
	}
	s := sb.String()
	if s == "" || strings.Trim(s, ".") == "" {
		return "firmware.bin"
	}
	return s
}
