package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownNode = errors.New("UDS node not defined")
	ErrBadTarget   = errors.New("malformed node:path target")
)

// Node is one UDS node on the bus.
type Node struct {
	Name       string `yaml:"-"`
	RequestID  uint32 `yaml:"request_id"`
	ResponseID uint32 `yaml:"response_id"`

	// Optional Security Access before downloads.
	SecurityLevel byte   `yaml:"security_level,omitempty"`
	SecurityKey   string `yaml:"security_key,omitempty"` // hex encoded AES key
}

// Key decodes SecurityKey. A node without a key returns nil.
func (n *Node) Key() ([]byte, error) {
	if n.SecurityKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(strings.ReplaceAll(n.SecurityKey, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("node %s: security_key: %w", n.Name, err)
	}
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("node %s: security_key must be 16, 24 or 32 bytes, got %d", n.Name, len(key))
	}
	return key, nil
}

// Manifest maps node names to their CAN identifiers.
type Manifest struct {
	Nodes map[string]*Node `yaml:"nodes"`

	path string
}

// LoadManifest reads the node manifest. There is no default manifest; any
// error is fatal to the caller.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.path = path
	log.Printf("[config] loaded %d nodes from %s", len(m.Nodes), path)
	return m, nil
}

// ParseManifest decodes and validates manifest YAML.
func ParseManifest(data []byte) (*Manifest, error) {
	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	if len(m.Nodes) == 0 {
		return nil, errors.New("manifest defines no nodes")
	}
	for name, n := range m.Nodes {
		if n == nil {
			return nil, fmt.Errorf("node %s: empty definition", name)
		}
		n.Name = name
		if n.RequestID == 0 || n.ResponseID == 0 {
			return nil, fmt.Errorf("node %s: request_id and response_id are required", name)
		}
		if n.RequestID == n.ResponseID {
			return nil, fmt.Errorf("node %s: request_id equals response_id", name)
		}
		if _, err := n.Key(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Node looks a node up by name.
func (m *Manifest) Node(name string) (*Node, error) {
	n, ok := m.Nodes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNode, name)
	}
	return n, nil
}

// Names returns the node names in sorted order.
func (m *Manifest) Names() []string {
	names := make([]string, 0, len(m.Nodes))
	for name := range m.Nodes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Manifest) Path() string { return m.path }

// Target is one node:path pair of a batch run.
type Target struct {
	Node   string
	Binary string
}

func (t Target) String() string { return t.Node + ":" + t.Binary }

// ParseTarget splits "node:path". Only the first colon separates.
func ParseTarget(s string) (Target, error) {
	node, path, ok := strings.Cut(s, ":")
	node, path = strings.TrimSpace(node), strings.TrimSpace(path)
	if !ok || node == "" || path == "" {
		return Target{}, fmt.Errorf("%w: %q", ErrBadTarget, s)
	}
	return Target{Node: node, Binary: path}, nil
}

// Settings are the CLI defaults.
type Settings struct {
	Device     string
	Manifest   string
	Attempts   int
	RetryDelay time.Duration
	Debug      bool
	LogDir     string
}

// DefaultSettings returns the defaults with CONUDS_* environment overrides
// applied.
func DefaultSettings() Settings {
	s := Settings{
		Device:     "can0",
		Manifest:   "drive-stack/conUDS/nodes.yml",
		Attempts:   3,
		RetryDelay: 1500 * time.Millisecond,
		LogDir:     "logs",
	}
	s.applyEnvOverrides()
	return s
}

// applyEnvOverrides reads CONUDS_DEVICE, CONUDS_MANIFEST, CONUDS_ATTEMPTS,
// CONUDS_RETRY_DELAY, CONUDS_DEBUG and CONUDS_LOG_DIR.
func (s *Settings) applyEnvOverrides() {
	if v := os.Getenv("CONUDS_DEVICE"); v != "" {
		s.Device = v
	}
	if v := os.Getenv("CONUDS_MANIFEST"); v != "" {
		s.Manifest = v
	}
	if v := os.Getenv("CONUDS_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			s.Attempts = n
		}
	}
	if v := os.Getenv("CONUDS_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			s.RetryDelay = d
		}
	}
	if v := os.Getenv("CONUDS_DEBUG"); v != "" {
		s.Debug = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("CONUDS_LOG_DIR"); v != "" {
		s.LogDir = v
	}
}
