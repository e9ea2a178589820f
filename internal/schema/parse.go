package schema

import (
	"strings"

	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"

	"github.com/vietddude/chainindexer/internal/codec"
	"github.com/vietddude/chainindexer/internal/core/domain"
	"github.com/vietddude/chainindexer/internal/core/typeid"
)

// MetadataEntity is reserved for the indexer's own bookkeeping type.
const MetadataEntity = "IndexMetadataEntity"

// Directive names.
const (
	DirectiveUnique     = "unique"
	DirectiveIndexed    = "indexed"
	DirectiveJoin       = "join"
	DirectiveNoRelation = "norelation"
)

// Index methods accepted by @indexed(method: ...).
const (
	IndexBTree = "btree"
	IndexHash  = "hash"
)

// Parse reads raw GraphQL SDL into a Schema. All failures are domain.ErrSchema.
func Parse(namespace, raw string) (*Schema, error) {
	if namespace == "" {
		return nil, schemaErr("namespace is required")
	}

	doc, err := parser.ParseSchema(&ast.Source{Name: namespace, Input: raw})
	if err != nil {
		return nil, domain.Wrap(domain.ErrSchema, "parse", err)
	}
	if len(doc.Extensions) > 0 || len(doc.SchemaExtension) > 0 {
		return nil, schemaErr("type extensions are not supported")
	}
	if len(doc.Directives) > 0 {
		return nil, schemaErr("custom directive definitions are not supported")
	}

	s := &Schema{
		Namespace: namespace,
		Version:   typeid.Version(raw),
		Raw:       raw,
		RootName:  DefaultRootName,
	}
	for _, def := range doc.Schema {
		for _, op := range def.OperationTypes {
			if op.Operation != ast.Query {
				return nil, schemaErr("only a query root is supported, got %s", op.Operation)
			}
			s.RootName = op.Type
		}
	}

	objects := make(map[string]*ast.Definition)
	var order []*ast.Definition
	for _, def := range doc.Definitions {
		switch def.Kind {
		case ast.Object:
		case ast.Scalar:
			if _, ok := codec.ParseKind(def.Name); !ok {
				return nil, schemaErr("unsupported scalar %q", def.Name)
			}
			continue
		default:
			return nil, schemaErr("%s %q: only object types are supported", strings.ToLower(string(def.Kind)), def.Name)
		}
		if _, dup := objects[def.Name]; dup {
			return nil, schemaErr("duplicate type %q", def.Name)
		}
		if def.Name != s.RootName {
			if err := checkTypeName(def.Name); err != nil {
				return nil, err
			}
		}
		objects[def.Name] = def
		order = append(order, def)
	}

	for _, def := range order {
		obj, err := parseObject(def, objects)
		if err != nil {
			return nil, err
		}
		if def.Name == s.RootName {
			s.Root = obj
			continue
		}
		if !obj.NoRelation {
			if err := checkIdentity(obj); err != nil {
				return nil, err
			}
		}
		s.Types = append(s.Types, obj)
	}
	return s, nil
}

func checkTypeName(name string) error {
	if name == MetadataEntity || strings.HasPrefix(name, "__") {
		return schemaErr("type name %q is reserved", name)
	}
	if _, ok := codec.ParseKind(name); ok {
		return schemaErr("type name %q shadows a scalar", name)
	}
	return nil
}

func parseObject(def *ast.Definition, objects map[string]*ast.Definition) (*Object, error) {
	obj := &Object{Name: def.Name}
	if len(def.Interfaces) > 0 {
		return nil, schemaErr("type %q: interfaces are not supported", def.Name)
	}
	for _, d := range def.Directives {
		if d.Name != DirectiveNoRelation {
			return nil, schemaErr("type %q: unknown directive @%s", def.Name, d.Name)
		}
		obj.NoRelation = true
	}

	seen := make(map[string]bool, len(def.Fields))
	for _, fd := range def.Fields {
		if seen[fd.Name] {
			return nil, schemaErr("type %q: duplicate field %q", def.Name, fd.Name)
		}
		seen[fd.Name] = true
		if len(fd.Arguments) > 0 {
			return nil, schemaErr("field %s.%s: arguments are not supported", def.Name, fd.Name)
		}

		f, err := parseField(def.Name, fd, objects)
		if err != nil {
			return nil, err
		}
		obj.Fields = append(obj.Fields, f)
	}
	return obj, nil
}

func parseField(owner string, fd *ast.FieldDefinition, objects map[string]*ast.Definition) (*Field, error) {
	t := fd.Type
	f := &Field{Name: fd.Name, Nullable: !t.NonNull}
	if t.Elem != nil {
		if t.Elem.Elem != nil {
			return nil, schemaErr("field %s.%s: nested lists are not supported", owner, fd.Name)
		}
		f.List = true
		f.ElemNonNull = t.Elem.NonNull
		t = t.Elem
	}
	f.TypeName = t.NamedType

	if kind, ok := codec.ParseKind(f.TypeName); ok {
		if f.List {
			return nil, schemaErr("field %s.%s: lists of scalars are not supported", owner, fd.Name)
		}
		f.Kind = kind
	} else if _, ok := objects[f.TypeName]; !ok {
		return nil, schemaErr("field %s.%s: unsupported type %q", owner, fd.Name, f.TypeName)
	}

	for _, d := range fd.Directives {
		switch d.Name {
		case DirectiveUnique:
			f.Unique = true
		case DirectiveIndexed:
			f.Indexed = true
			f.IndexMethod = IndexBTree
			if arg := d.Arguments.ForName("method"); arg != nil && arg.Value != nil {
				f.IndexMethod = strings.ToLower(arg.Value.Raw)
			}
			if f.IndexMethod != IndexBTree && f.IndexMethod != IndexHash {
				return nil, schemaErr("field %s.%s: unknown index method %q", owner, fd.Name, f.IndexMethod)
			}
		case DirectiveJoin:
			arg := d.Arguments.ForName("on")
			if arg == nil || arg.Value == nil || arg.Value.Raw == "" {
				return nil, schemaErr("field %s.%s: @join requires on", owner, fd.Name)
			}
			f.JoinOn = arg.Value.Raw
		case DirectiveNoRelation:
			f.NoRelation = true
		default:
			return nil, schemaErr("field %s.%s: unknown directive @%s", owner, fd.Name, d.Name)
		}
	}
	if f.JoinOn != "" && f.Scalar() {
		return nil, schemaErr("field %s.%s: @join on a scalar field", owner, fd.Name)
	}
	return f, nil
}

func checkIdentity(obj *Object) error {
	id, ok := obj.Field("id")
	if !ok {
		return schemaErr("type %q: missing id field", obj.Name)
	}
	if id.Kind != codec.KindID || id.Nullable || id.List {
		return schemaErr("type %q: id must be ID!", obj.Name)
	}
	return nil
}

func schemaErr(format string, args ...any) error {
	return domain.Errorf(domain.ErrSchema, "parse", format, args...)
}
