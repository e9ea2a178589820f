package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/chainindexer/internal/execution"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shop.graphql"), []byte("type Count { id: ID! }"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shop.wasm"), []byte{0, 'a', 's', 'm'}, 0o600))
	path := filepath.Join(dir, "shop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
namespace: shop
identifier: orders
graphql_schema: shop.graphql
module: shop.wasm
start_height: 10
end_height: 20
`), 0o600))

	m, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "shop.orders", m.UID())
	assert.Equal(t, execution.ModeSandboxed, m.Execution)
	assert.Equal(t, uint64(10), m.StartHeight)
	assert.Equal(t, uint64(20), m.EndHeight)

	text, err := m.SchemaText()
	require.NoError(t, err)
	assert.Equal(t, "type Count { id: ID! }", text)

	module, err := m.ModuleBytes()
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 'a', 's', 'm'}, module)
}

func TestParseNativeInline(t *testing.T) {
	m, err := Parse([]byte(`
namespace: test
identifier: counter
execution: native
module: counter
schema: |
  type Count { id: ID! value: UInt8! }
`), "")
	require.NoError(t, err)
	assert.Equal(t, execution.ModeNative, m.Execution)

	text, err := m.SchemaText()
	require.NoError(t, err)
	assert.Contains(t, text, "type Count")

	_, err = m.ModuleBytes()
	assert.Error(t, err)
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad namespace", "namespace: my-shop\nidentifier: a\nschema: x\nmodule: m\n"},
		{"missing identifier", "namespace: shop\nschema: x\nmodule: m\n"},
		{"no schema", "namespace: shop\nidentifier: a\nmodule: m\n"},
		{"both schemas", "namespace: shop\nidentifier: a\nschema: x\ngraphql_schema: y\nmodule: m\n"},
		{"no module", "namespace: shop\nidentifier: a\nschema: x\n"},
		{"bad mode", "namespace: shop\nidentifier: a\nschema: x\nmodule: m\nexecution: jit\n"},
		{"inverted range", "namespace: shop\nidentifier: a\nschema: x\nmodule: m\nstart_height: 5\nend_height: 4\n"},
		{"unknown field", "namespace: shop\nidentifier: a\nschema: x\nmodule: m\ncontract_id: abc\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml), "")
			assert.Error(t, err)
		})
	}
}
