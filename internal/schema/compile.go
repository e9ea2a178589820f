package schema

import (
	"fmt"
	"strings"

	"github.com/vietddude/chainindexer/internal/codec"
	"github.com/vietddude/chainindexer/internal/core/domain"
	"github.com/vietddude/chainindexer/internal/core/typeid"
)

// IDColumn is the identity column present at position 0 of every entity table.
const IDColumn = "id"

// Join table columns.
const (
	ParentColumn = "parent_id"
	ChildColumn  = "child_id"
)

// Plan is the relational form of a schema, ready to be registered and migrated.
type Plan struct {
	Namespace   string
	Version     string
	Raw         string
	RootName    string
	RootColumns []RootColumn
	Tables      []*Table
	Joins       []Join
}

// Table is one storage table: an entity type or a many-to-many join table.
type Table struct {
	TypeID      int64
	Type        string
	Name        string
	Columns     []Column
	PrimaryKey  []string
	Indexes     []Index
	ForeignKeys []ForeignKey

	// Set on join tables only.
	Parent string
	Field  string
}

// IsJoinTable reports whether t stores a many-to-many association.
func (t *Table) IsJoinTable() bool { return t.Parent != "" }

// Layout returns the codec layout of the table's rows.
func (t *Table) Layout() *codec.Layout {
	cols := make([]codec.Column, len(t.Columns))
	for i, c := range t.Columns {
		cols[i] = codec.Column{Name: c.Name, Kind: c.Kind, Nullable: c.Nullable}
	}
	return &codec.Layout{TypeID: t.TypeID, TypeName: t.Type, Table: t.Name, Columns: cols}
}

// Column is the storage description of one field.
type Column struct {
	Position    int
	Name        string
	Kind        codec.Kind
	Nullable    bool
	GraphQLType string
}

type Index struct {
	Name   string
	Column string
	Method string
	Unique bool
}

type ForeignKey struct {
	Name      string
	Column    string
	RefTable  string
	RefColumn string
}

// Join records a field that references another type.
type Join struct {
	Type     string
	Field    string
	RefType  string
	RefField string
}

type RootColumn struct {
	Name        string
	GraphQLType string
}

// Table returns the table of the given GraphQL type name.
func (p *Plan) Table(typeName string) (*Table, bool) {
	for _, t := range p.Tables {
		if t.Type == typeName {
			return t, true
		}
	}
	return nil, false
}

// JoinTable returns the many-to-many table backing parent.field.
func (p *Plan) JoinTable(parentTypeID int64, field string) (*Table, bool) {
	for _, t := range p.Tables {
		if t.IsJoinTable() && t.Field == field {
			if parent, ok := p.Table(t.Parent); ok && parent.TypeID == parentTypeID {
				return t, true
			}
		}
	}
	return nil, false
}

// Layouts indexes the layout of every table by type id.
func (p *Plan) Layouts() map[int64]*codec.Layout {
	out := make(map[int64]*codec.Layout, len(p.Tables))
	for _, t := range p.Tables {
		out[t.TypeID] = t.Layout()
	}
	return out
}

// TableName is the unqualified storage table of a type.
func TableName(typeName string) string {
	return strings.ToLower(typeName)
}

// JoinTableName is the unqualified storage table of a list field.
func JoinTableName(parent, field string) string {
	return strings.ToLower(parent) + "_" + strings.ToLower(field)
}

// JoinTypeName is the registry name of the join table of parent.field.
func JoinTypeName(parent, field string) string {
	return parent + "_" + field
}

// Compile derives the relational plan of s.
func Compile(s *Schema) (*Plan, error) {
	p := &Plan{
		Namespace: s.Namespace,
		Version:   s.Version,
		Raw:       s.Raw,
		RootName:  s.RootName,
	}
	if s.Root != nil {
		for _, f := range s.Root.Fields {
			p.RootColumns = append(p.RootColumns, RootColumn{Name: f.Name, GraphQLType: f.GraphQLType()})
		}
	}

	tableNames := make(map[string]string)
	claim := func(table, owner string) error {
		if prev, ok := tableNames[table]; ok {
			return compileErr("types %q and %q map to the same table %q", prev, owner, table)
		}
		tableNames[table] = owner
		return nil
	}

	var joinTables []*Table
	for _, obj := range s.Types {
		if obj.NoRelation {
			continue
		}
		t := &Table{
			TypeID:     typeid.Of(s.Namespace, obj.Name),
			Type:       obj.Name,
			Name:       TableName(obj.Name),
			PrimaryKey: []string{IDColumn},
		}
		if err := claim(t.Name, obj.Name); err != nil {
			return nil, err
		}
		t.Columns = append(t.Columns, Column{
			Name:        IDColumn,
			Kind:        codec.KindID,
			GraphQLType: "ID!",
		})

		for _, f := range obj.Fields {
			if f.Name == IDColumn {
				continue
			}
			col, join, err := fieldColumn(s, obj, f)
			if err != nil {
				return nil, err
			}
			if f.List {
				jt, err := joinTable(s, obj, f)
				if err != nil {
					return nil, err
				}
				if err := claim(jt.Name, jt.Type); err != nil {
					return nil, err
				}
				joinTables = append(joinTables, jt)
				p.Joins = append(p.Joins, *join)
				continue
			}

			col.Position = len(t.Columns)
			t.Columns = append(t.Columns, col)
			if f.Unique {
				t.Indexes = append(t.Indexes, Index{
					Name: t.Name + "_" + strings.ToLower(f.Name) + "_key", Column: f.Name, Method: IndexBTree, Unique: true,
				})
			}
			if f.Indexed {
				t.Indexes = append(t.Indexes, Index{
					Name: t.Name + "_" + strings.ToLower(f.Name) + "_idx", Column: f.Name, Method: f.IndexMethod,
				})
			}
			if join != nil {
				p.Joins = append(p.Joins, *join)
				if !f.NoRelation {
					t.ForeignKeys = append(t.ForeignKeys, ForeignKey{
						Name:      t.Name + "_" + strings.ToLower(f.Name) + "_fkey",
						Column:    f.Name,
						RefTable:  TableName(join.RefType),
						RefColumn: join.RefField,
					})
				}
			}
		}
		p.Tables = append(p.Tables, t)
	}
	p.Tables = append(p.Tables, joinTables...)
	return p, nil
}

// fieldColumn maps f to a storage column. Object references also return the
// join bookkeeping record.
func fieldColumn(s *Schema, owner *Object, f *Field) (Column, *Join, error) {
	col := Column{Name: f.Name, Kind: f.Kind, Nullable: f.Nullable, GraphQLType: f.GraphQLType()}
	if f.Scalar() {
		return col, nil, nil
	}

	ref, ok := s.Type(f.TypeName)
	if !ok {
		return Column{}, nil, compileErr("field %s.%s references the root type", owner.Name, f.Name)
	}
	if ref.NoRelation {
		if f.List {
			return Column{}, nil, compileErr("field %s.%s: list of a virtual type", owner.Name, f.Name)
		}
		col.Kind = codec.KindJSON
		return col, nil, nil
	}

	refField := IDColumn
	if f.JoinOn != "" {
		refField = f.JoinOn
	}
	target, ok := ref.Field(refField)
	if !ok {
		return Column{}, nil, compileErr("field %s.%s joins unknown field %s.%s", owner.Name, f.Name, ref.Name, refField)
	}
	if !target.Scalar() || target.List {
		return Column{}, nil, compileErr("field %s.%s joins non-scalar field %s.%s", owner.Name, f.Name, ref.Name, refField)
	}
	if refField != IDColumn && !target.Unique {
		return Column{}, nil, compileErr("field %s.%s joins %s.%s which is not @unique", owner.Name, f.Name, ref.Name, refField)
	}
	col.Kind = target.Kind
	return col, &Join{Type: owner.Name, Field: f.Name, RefType: ref.Name, RefField: refField}, nil
}

func joinTable(s *Schema, owner *Object, f *Field) (*Table, error) {
	if f.JoinOn != "" && f.JoinOn != IDColumn {
		return nil, compileErr("field %s.%s: list joins are always on id", owner.Name, f.Name)
	}
	name := JoinTableName(owner.Name, f.Name)
	child := TableName(f.TypeName)
	return &Table{
		TypeID: typeid.Of(s.Namespace, JoinTypeName(owner.Name, f.Name)),
		Type:   JoinTypeName(owner.Name, f.Name),
		Name:   name,
		Columns: []Column{
			{Position: 0, Name: ParentColumn, Kind: codec.KindID, GraphQLType: owner.Name + "!"},
			{Position: 1, Name: ChildColumn, Kind: codec.KindID, GraphQLType: f.TypeName + "!"},
		},
		PrimaryKey: []string{ParentColumn, ChildColumn},
		ForeignKeys: []ForeignKey{
			{Name: name + "_parent_fkey", Column: ParentColumn, RefTable: TableName(owner.Name), RefColumn: IDColumn},
			{Name: name + "_child_fkey", Column: ChildColumn, RefTable: child, RefColumn: IDColumn},
		},
		Parent: owner.Name,
		Field:  f.Name,
	}, nil
}

func compileErr(format string, args ...any) error {
	return domain.Wrap(domain.ErrSchema, "compile", fmt.Errorf(format, args...))
}
