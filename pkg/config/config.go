// Package config reads the probe settings file, a YAML document queried with
// slash separated paths such as /config/ping[1]/address.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrNotFound = errors.New("configuration key not found")
	ErrEmpty    = errors.New("empty configuration file")
	ErrBadPath  = errors.New("invalid configuration path")
)

// Config holds the parsed settings file. Reload swaps the document only
// when the new one parses.
type Config struct {
	path string
	root *yaml.Node
}

func Load(path string) (*Config, error) {
	root, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return &Config{path: path, root: root}, nil
}

func Parse(data []byte) (*Config, error) {
	root, err := parse(data)
	if err != nil {
		return nil, err
	}
	return &Config{root: root}, nil
}

func readFile(path string) (*yaml.Node, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	root, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return root, nil
}

func parse(data []byte) (*yaml.Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml.Unmarshal: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, ErrEmpty
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode || len(root.Content) == 0 {
		return nil, ErrEmpty
	}
	return root, nil
}

func (c *Config) Path() string {
	return c.path
}

// Reload re-reads the file Load was called with. On error the previous
// document stays in use.
func (c *Config) Reload() error {
	if c.path == "" {
		return nil
	}
	root, err := readFile(c.path)
	if err != nil {
		return err
	}
	c.root = root
	return nil
}

type segment struct {
	name  string
	index int // 1-based
}

func parsePath(path string) ([]segment, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	segs := make([]segment, 0, len(parts))
	for _, p := range parts {
		seg := segment{name: p, index: 1}
		if open := strings.IndexByte(p, '['); open >= 0 {
			if !strings.HasSuffix(p, "]") {
				return nil, fmt.Errorf("%w: %q", ErrBadPath, path)
			}
			n, err := strconv.Atoi(p[open+1 : len(p)-1])
			if err != nil || n < 1 {
				return nil, fmt.Errorf("%w: %q", ErrBadPath, path)
			}
			seg = segment{name: p[:open], index: n}
		}
		if seg.name == "" {
			return nil, fmt.Errorf("%w: %q", ErrBadPath, path)
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

func lookup(m *yaml.Node, name string) *yaml.Node {
	if m.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == name {
			return m.Content[i+1]
		}
	}
	return nil
}

// GetString returns the scalar at path, starting from the top level mapping
// of the document. [n] selects the n-th element of a list, starting at 1.
func (c *Config) GetString(path string) (string, error) {
	segs, err := parsePath(path)
	if err != nil {
		return "", err
	}

	node := c.root
	for _, seg := range segs {
		node = lookup(node, seg.name)
		if node == nil {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		if node.Kind == yaml.SequenceNode {
			if seg.index > len(node.Content) {
				return "", fmt.Errorf("%w: %s", ErrNotFound, path)
			}
			node = node.Content[seg.index-1]
		} else if seg.index != 1 {
			return "", fmt.Errorf("%w: %s", ErrNotFound, path)
		}
	}
	if node.Kind != yaml.ScalarNode {
		return "", fmt.Errorf("%w: %s is not a value", ErrNotFound, path)
	}
	return node.Value, nil
}
