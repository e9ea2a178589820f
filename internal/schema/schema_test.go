package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/chainindexer/internal/codec"
	"github.com/vietddude/chainindexer/internal/core/domain"
	"github.com/vietddude/chainindexer/internal/core/typeid"
)

const countSchema = `
schema {
  query: QueryRoot
}

type QueryRoot {
  count: Count
  counts: [Count]
}

type Count {
  id: ID!
  value: UInt8!
}
`

const marketSchema = `
type Account {
  id: ID!
  owner: Address! @unique
  label: Charfield @indexed(method: "hash")
}

type Meta @norelation {
  note: Charfield
}

type Order {
  value: UInt8!
  id: ID!
  buyer: Account!
  seller: Account @norelation
  owner: Account @join(on: "owner")
  meta: Meta
  watchers: [Account!]!
}
`

// =============================================================================
// Parse
// =============================================================================

func TestParseCount(t *testing.T) {
	s, err := Parse("fuel", countSchema)
	require.NoError(t, err)

	assert.Equal(t, typeid.Version(countSchema), s.Version)
	assert.Equal(t, "QueryRoot", s.RootName)
	require.NotNil(t, s.Root)
	require.Len(t, s.Types, 1)

	count := s.Types[0]
	assert.Equal(t, "Count", count.Name)
	require.Len(t, count.Fields, 2)
	assert.Equal(t, codec.KindID, count.Fields[0].Kind)
	assert.Equal(t, codec.KindUInt8, count.Fields[1].Kind)
	assert.False(t, count.Fields[1].Nullable)
	assert.Equal(t, "[Count]", s.Root.Fields[1].GraphQLType())
}

func TestParseDirectives(t *testing.T) {
	s, err := Parse("market", marketSchema)
	require.NoError(t, err)

	account, ok := s.Type("Account")
	require.True(t, ok)
	owner, _ := account.Field("owner")
	assert.True(t, owner.Unique)
	label, _ := account.Field("label")
	assert.True(t, label.Indexed)
	assert.Equal(t, IndexHash, label.IndexMethod)
	assert.True(t, label.Nullable)

	meta, _ := s.Type("Meta")
	assert.True(t, meta.NoRelation)

	order, _ := s.Type("Order")
	join, _ := order.Field("owner")
	assert.Equal(t, "owner", join.JoinOn)
	watchers, _ := order.Field("watchers")
	assert.True(t, watchers.List)
	assert.Equal(t, "[Account!]!", watchers.GraphQLType())
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"syntax", `type Count { id: ID! `},
		{"reserved metadata", `type IndexMetadataEntity { id: ID! }`},
		{"reserved dunder", `type __Thing { id: ID! }`},
		{"shadows scalar", `type UInt8 { id: ID! }`},
		{"unknown directive", `type Count { id: ID! value: UInt8 @weird }`},
		{"unknown type directive", `type Count @entity { id: ID! }`},
		{"unknown scalar", `type Count { id: ID! value: Float }`},
		{"declared unknown scalar", "scalar Decimal\ntype Count { id: ID! }"},
		{"duplicate field", `type Count { id: ID! value: UInt8 value: UInt8 }`},
		{"duplicate type", "type Count { id: ID! }\ntype Count { id: ID! }"},
		{"missing id", `type Count { value: UInt8 }`},
		{"nullable id", `type Count { id: ID value: UInt8 }`},
		{"scalar list", `type Count { id: ID! values: [UInt8!] }`},
		{"nested list", `type A { id: ID! } type B { id: ID! as: [[A]] }`},
		{"bad index method", `type Count { id: ID! v: UInt8 @indexed(method: "gist") }`},
		{"join on scalar", `type Count { id: ID! v: UInt8 @join(on: "id") }`},
		{"enum", "enum Color { RED }\ntype Count { id: ID! }"},
		{"interface", "interface Node { id: ID! }\ntype Count implements Node { id: ID! }"},
		{"mutation root", "schema { query: Q mutation: M }\ntype Q { a: UInt8 }\ntype M { a: UInt8 }"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("fuel", tt.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrSchema)
		})
	}
}

func TestParseAcceptsKnownScalarDeclaration(t *testing.T) {
	_, err := Parse("fuel", "scalar UInt8\ntype Count { id: ID! value: UInt8 }")
	require.NoError(t, err)
}

// =============================================================================
// Compile
// =============================================================================

func TestCompileCount(t *testing.T) {
	s, err := Parse("fuel", countSchema)
	require.NoError(t, err)
	p, err := Compile(s)
	require.NoError(t, err)

	require.Len(t, p.Tables, 1)
	table := p.Tables[0]
	assert.Equal(t, typeid.Of("fuel", "Count"), table.TypeID)
	assert.Equal(t, "count", table.Name)
	require.Len(t, table.Columns, 2)
	assert.Equal(t, Column{Position: 0, Name: "id", Kind: codec.KindID, GraphQLType: "ID!"}, table.Columns[0])
	assert.Equal(t, Column{Position: 1, Name: "value", Kind: codec.KindUInt8, GraphQLType: "UInt8!"}, table.Columns[1])

	require.Len(t, p.RootColumns, 2)
	assert.Equal(t, RootColumn{Name: "count", GraphQLType: "Count"}, p.RootColumns[0])

	layout := p.Layouts()[table.TypeID]
	require.NotNil(t, layout)
	_, err = layout.Row(codec.ID(1), codec.UInt8(42))
	require.NoError(t, err)
}

func TestCompileRelations(t *testing.T) {
	s, err := Parse("market", marketSchema)
	require.NoError(t, err)
	p, err := Compile(s)
	require.NoError(t, err)

	// Account, Order, and the join table; Meta is virtual.
	require.Len(t, p.Tables, 3)
	_, ok := p.Table("Meta")
	assert.False(t, ok)

	account, _ := p.Table("Account")
	require.Len(t, account.Indexes, 2)
	assert.True(t, account.Indexes[0].Unique)
	assert.Equal(t, IndexHash, account.Indexes[1].Method)

	order, ok := p.Table("Order")
	require.True(t, ok)
	names := make([]string, len(order.Columns))
	for i, c := range order.Columns {
		names[i] = c.Name
		assert.Equal(t, i, c.Position)
	}
	// id first, the list field lives in its own table.
	assert.Equal(t, []string{"id", "value", "buyer", "seller", "owner", "meta"}, names)
	assert.Equal(t, codec.KindID, order.Columns[2].Kind)
	assert.Equal(t, codec.KindAddress, order.Columns[4].Kind)
	assert.Equal(t, codec.KindJSON, order.Columns[5].Kind)

	// seller is @norelation: no constraint, but still a join record.
	require.Len(t, order.ForeignKeys, 2)
	assert.Equal(t, ForeignKey{Name: "order_buyer_fkey", Column: "buyer", RefTable: "account", RefColumn: "id"}, order.ForeignKeys[0])
	assert.Equal(t, "owner", order.ForeignKeys[1].RefColumn)

	jt, ok := p.JoinTable(order.TypeID, "watchers")
	require.True(t, ok)
	assert.Equal(t, "order_watchers", jt.Name)
	assert.Equal(t, []string{ParentColumn, ChildColumn}, jt.PrimaryKey)
	assert.Equal(t, typeid.Of("market", "Order_watchers"), jt.TypeID)

	refs := map[string]string{}
	for _, j := range p.Joins {
		refs[j.Field] = j.RefType + "." + j.RefField
	}
	assert.Equal(t, map[string]string{
		"buyer":    "Account.id",
		"seller":   "Account.id",
		"owner":    "Account.owner",
		"watchers": "Account.id",
	}, refs)
}

func TestCompileRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"join unknown field", "type A { id: ID! }\ntype B { id: ID! a: A @join(on: \"nope\") }"},
		{"join non unique", "type A { id: ID! k: UInt8 }\ntype B { id: ID! a: A @join(on: \"k\") }"},
		{"table collision", "type Abc { id: ID! }\ntype ABC { id: ID! }"},
		{"list of virtual", "type V @norelation { x: UInt8 }\ntype B { id: ID! vs: [V] }"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Parse("fuel", tt.raw)
			require.NoError(t, err)
			_, err = Compile(s)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrSchema)
		})
	}
}
