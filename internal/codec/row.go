package codec

import "github.com/vietddude/chainindexer/internal/core/domain"

// Row is an entity in storage order. Position 0 is always the identity.
type Row []Value

// ID returns the identity of the row, or 0 for an empty row.
func (r Row) ID() uint64 {
	if len(r) == 0 {
		return 0
	}
	return r[0].AsID()
}

// Equal reports whether both rows hold equal values in the same order.
func (r Row) Equal(o Row) bool {
	if len(r) != len(o) {
		return false
	}
	for i := range r {
		if !r[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

// Column is the codec view of one persisted column.
type Column struct {
	Name     string
	Kind     Kind
	Nullable bool
}

// Layout is the row shape of one entity type, built from column metadata.
type Layout struct {
	TypeID   int64
	TypeName string
	Table    string
	Columns  []Column
}

// Check validates arity, per-position kind and nullability of row.
// Any mismatch means handler code and the deployed schema have diverged.
func (l *Layout) Check(row Row) error {
	if len(row) != len(l.Columns) {
		return domain.Errorf(domain.ErrCodec, l.TypeName,
			"row has %d values, layout has %d columns", len(row), len(l.Columns))
	}
	for i, col := range l.Columns {
		v := row[i]
		if v.kind != col.Kind {
			return domain.Errorf(domain.ErrCodec, l.TypeName,
				"column %d (%s) expects %s, got %s", i, col.Name, col.Kind, v.kind)
		}
		if v.null && !col.Nullable {
			return domain.Errorf(domain.ErrCodec, l.TypeName,
				"null written into non-nullable column %s", col.Name)
		}
	}
	return nil
}

// Row builds a row from values and checks it against the layout.
func (l *Layout) Row(values ...Value) (Row, error) {
	row := Row(values)
	if err := l.Check(row); err != nil {
		return nil, err
	}
	return row, nil
}

// Entity is implemented by handler-side types persisted through the codec.
// FromRow(ToRow()) must reproduce the entity exactly.
type Entity interface {
	TypeName() string
	ToRow() Row
	FromRow(Row) error
}
