// Package schema turns GraphQL type definitions into a relational plan.
//
// Parse reads the schema text and validates names, directives and scalar
// kinds. Compile derives tables, columns, indexes, foreign keys and join
// tables from the parsed schema. Nothing here touches a database: the plan is
// executed by the registry manager.
package schema

import (
	"strings"

	"github.com/vietddude/chainindexer/internal/codec"
)

// DefaultRootName is the root query type used when the schema has no
// schema { query: ... } definition.
const DefaultRootName = "QueryRoot"

// Schema is the parsed form of one schema text. Types excludes the root query type.
type Schema struct {
	Namespace string
	Version   string
	Raw       string
	RootName  string
	Root      *Object
	Types     []*Object
}

// Type returns the object type with the given name.
func (s *Schema) Type(name string) (*Object, bool) {
	for _, t := range s.Types {
		if t.Name == name {
			return t, true
		}
	}
	return nil, false
}

// Object is a declared object type.
type Object struct {
	Name       string
	NoRelation bool
	Fields     []*Field
}

// Field returns the field with the given name.
func (o *Object) Field(name string) (*Field, bool) {
	for _, f := range o.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// Field is one declared field. Kind is KindInvalid when TypeName refers to
// another object type.
type Field struct {
	Name        string
	TypeName    string
	Kind        codec.Kind
	Nullable    bool
	List        bool
	ElemNonNull bool

	Unique      bool
	Indexed     bool
	IndexMethod string
	JoinOn      string
	NoRelation  bool
}

// Scalar reports whether the field holds a scalar kind.
func (f *Field) Scalar() bool {
	return f.Kind != codec.KindInvalid
}

// GraphQLType renders the declared type, e.g. "UInt8!" or "[Account!]".
func (f *Field) GraphQLType() string {
	var b strings.Builder
	if f.List {
		b.WriteString("[")
		b.WriteString(f.TypeName)
		if f.ElemNonNull {
			b.WriteString("!")
		}
		b.WriteString("]")
	} else {
		b.WriteString(f.TypeName)
	}
	if !f.Nullable {
		b.WriteString("!")
	}
	return b.String()
}
