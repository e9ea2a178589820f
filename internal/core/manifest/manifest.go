// Package manifest loads indexer descriptors.
//
//	namespace: shop
//	identifier: orders
//	graphql_schema: schema/shop.graphql   # or inline text under "schema"
//	execution: sandboxed                  # or native
//	module: build/orders.wasm             # or a native module name
//	start_height: 1000
//	end_height: 2000                      # optional
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/chainindexer/internal/core/domain"
	"github.com/vietddude/chainindexer/internal/execution"
)

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Manifest describes one indexer. It is immutable once loaded.
type Manifest struct {
	Namespace     string         `yaml:"namespace"`
	Identifier    string         `yaml:"identifier"`
	GraphQLSchema string         `yaml:"graphql_schema"`
	Schema        string         `yaml:"schema"`
	Execution     execution.Mode `yaml:"execution"`
	Module        string         `yaml:"module"`
	StartHeight   uint64         `yaml:"start_height"`
	EndHeight     uint64         `yaml:"end_height"`

	// dir resolves relative paths.
	dir string
}

// Load reads a manifest file. Relative schema and module paths resolve
// against the manifest's directory.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes manifest YAML. dir resolves relative paths.
func Parse(data []byte, dir string) (*Manifest, error) {
	var m Manifest
	if err := yaml.UnmarshalStrict(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	m.dir = dir
	if m.Execution == "" {
		m.Execution = execution.ModeNative
		if strings.HasSuffix(m.Module, ".wasm") {
			m.Execution = execution.ModeSandboxed
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks identity, schema reference, module and height range.
func (m *Manifest) Validate() error {
	if !identRe.MatchString(m.Namespace) {
		return fmt.Errorf("manifest: invalid namespace %q", m.Namespace)
	}
	if !identRe.MatchString(m.Identifier) {
		return fmt.Errorf("manifest: invalid identifier %q", m.Identifier)
	}
	if (m.GraphQLSchema == "") == (m.Schema == "") {
		return fmt.Errorf("manifest %s: exactly one of graphql_schema and schema is required", m.UID())
	}
	if m.Module == "" {
		return fmt.Errorf("manifest %s: module is required", m.UID())
	}
	switch m.Execution {
	case execution.ModeSandboxed, execution.ModeNative:
	default:
		return fmt.Errorf("manifest %s: unknown execution mode %q", m.UID(), m.Execution)
	}
	if m.EndHeight > 0 && m.EndHeight < m.StartHeight {
		return fmt.Errorf("manifest %s: end_height %d is below start_height %d", m.UID(), m.EndHeight, m.StartHeight)
	}
	return nil
}

// UID returns "namespace.identifier".
func (m *Manifest) UID() string {
	return domain.UID(m.Namespace, m.Identifier)
}

// SchemaText returns the inline schema or reads the referenced file.
func (m *Manifest) SchemaText() (string, error) {
	if m.Schema != "" {
		return m.Schema, nil
	}
	data, err := os.ReadFile(m.resolve(m.GraphQLSchema))
	if err != nil {
		return "", fmt.Errorf("failed to read schema of %s: %w", m.UID(), err)
	}
	return string(data), nil
}

// ModuleBytes reads the wasm module of a sandboxed indexer.
func (m *Manifest) ModuleBytes() ([]byte, error) {
	if m.Execution != execution.ModeSandboxed {
		return nil, fmt.Errorf("manifest %s: native modules have no bytes", m.UID())
	}
	data, err := os.ReadFile(m.resolve(m.Module))
	if err != nil {
		return nil, fmt.Errorf("failed to read module of %s: %w", m.UID(), err)
	}
	return data, nil
}

func (m *Manifest) resolve(p string) string {
	if filepath.IsAbs(p) || m.dir == "" {
		return p
	}
	return filepath.Join(m.dir, p)
}
