package sqlstore

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/vietddude/chainindexer/internal/codec"
)

// Dialect covers the SQL differences between the supported databases.
type Dialect interface {
	// Name is the goose dialect name.
	Name() string

	// Table returns the quoted, namespace-qualified name of a table.
	Table(namespace, table string) string

	// Index returns the quoted name of an index.
	Index(namespace, name string) string

	// ColumnType maps a scalar kind to a storage column type.
	ColumnType(kind codec.Kind) string

	// ObjectType is the column type of the encoded row column.
	ObjectType() string

	// Bind converts a value into a driver argument.
	Bind(v codec.Value) any

	// CreateNamespace returns the statements preparing a namespace, if any.
	CreateNamespace(namespace string) []string

	// IndexMethod returns the USING clause of an index, if supported.
	IndexMethod(method string) string

	// InlineForeignKeys reports whether foreign keys must be declared in CREATE TABLE.
	InlineForeignKeys() bool

	// AddColumns reports whether additive ALTER TABLE ADD COLUMN IF NOT EXISTS is supported.
	AddColumns() bool

	// ConstraintExists reports whether a named constraint is present.
	ConstraintExists(ctx context.Context, tx *sqlx.Tx, namespace, table, name string) (bool, error)
}

func quote(name string) string {
	return pq.QuoteIdentifier(name)
}

// DialectFor returns the dialect of a database/sql driver name.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case DriverPgx, DriverPostgres:
		return Postgres{}, nil
	case DriverSQLite:
		return SQLite{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// =============================================================================
// PostgreSQL
// =============================================================================

// Postgres keeps each namespace in its own schema.
type Postgres struct{}

func (Postgres) Name() string { return "postgres" }

func (Postgres) Table(namespace, table string) string {
	return quote(namespace) + "." + quote(table)
}

// Index names are scoped by the schema of their table.
func (Postgres) Index(_, name string) string { return quote(name) }

func (Postgres) ColumnType(kind codec.Kind) string {
	switch kind {
	case codec.KindID, codec.KindInt8, codec.KindUInt4:
		return "bigint"
	case codec.KindInt4:
		return "integer"
	case codec.KindUInt8:
		return "numeric(20, 0)"
	case codec.KindTimestamp:
		return "timestamptz"
	case codec.KindBoolean:
		return "boolean"
	case codec.KindCharfield:
		return "varchar(255)"
	case codec.KindBlob:
		return "bytea"
	case codec.KindJSON:
		return "jsonb"
	}
	if size := kind.Size(); size > 0 {
		return fmt.Sprintf("varchar(%d)", size*2)
	}
	return "text"
}

func (Postgres) ObjectType() string { return "bytea" }

func (Postgres) Bind(v codec.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case codec.KindID:
		return int64(v.AsID())
	case codec.KindUInt4:
		return int64(v.AsUInt4())
	case codec.KindUInt8:
		return strconv.FormatUint(v.AsUInt8(), 10)
	}
	return bindCommon(v)
}

func (Postgres) CreateNamespace(namespace string) []string {
	return []string{"CREATE SCHEMA IF NOT EXISTS " + quote(namespace)}
}

func (Postgres) IndexMethod(method string) string {
	if method == "" {
		return ""
	}
	return " USING " + method
}

func (Postgres) InlineForeignKeys() bool { return false }
func (Postgres) AddColumns() bool        { return true }

func (Postgres) ConstraintExists(ctx context.Context, tx *sqlx.Tx, namespace, table, name string) (bool, error) {
	var n int
	err := tx.GetContext(ctx, &n, `
		SELECT count(*) FROM pg_constraint c
		JOIN pg_class t ON t.oid = c.conrelid
		JOIN pg_namespace s ON s.oid = t.relnamespace
		WHERE s.nspname = $1 AND t.relname = $2 AND c.conname = $3`,
		namespace, table, name)
	return n > 0, err
}

// =============================================================================
// SQLite
// =============================================================================

// SQLite has no schemas: tables are prefixed with the namespace instead.
type SQLite struct{}

func (SQLite) Name() string { return "sqlite3" }

func (SQLite) Table(namespace, table string) string {
	return quote(namespace + "_" + table)
}

func (SQLite) Index(namespace, name string) string {
	return quote(namespace + "_" + name)
}

func (SQLite) ColumnType(kind codec.Kind) string {
	switch kind {
	case codec.KindID, codec.KindInt4, codec.KindInt8, codec.KindUInt4, codec.KindUInt8:
		return "INTEGER"
	case codec.KindTimestamp:
		return "TIMESTAMP"
	case codec.KindBoolean:
		return "BOOLEAN"
	case codec.KindBlob:
		return "BLOB"
	}
	return "TEXT"
}

func (SQLite) ObjectType() string { return "BLOB" }

// Bind stores 64-bit unsigned values with their bit pattern: SQLite integers
// are signed.
func (SQLite) Bind(v codec.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case codec.KindID, codec.KindUInt8:
		return int64(v.AsUInt8())
	case codec.KindUInt4:
		return int64(v.AsUInt4())
	}
	return bindCommon(v)
}

func (SQLite) CreateNamespace(string) []string { return nil }
func (SQLite) IndexMethod(string) string       { return "" }
func (SQLite) InlineForeignKeys() bool         { return true }
func (SQLite) AddColumns() bool                { return false }

func (SQLite) ConstraintExists(context.Context, *sqlx.Tx, string, string, string) (bool, error) {
	return false, nil
}

func bindCommon(v codec.Value) any {
	switch v.Kind() {
	case codec.KindInt4:
		return v.AsInt4()
	case codec.KindInt8:
		return v.AsInt8()
	case codec.KindTimestamp:
		return v.AsTime()
	case codec.KindBoolean:
		return v.AsBool()
	case codec.KindCharfield, codec.KindJSON:
		return v.AsString()
	case codec.KindBlob:
		return v.AsBytes()
	}
	if v.Kind().Size() > 0 {
		return hex.EncodeToString(v.AsBytes())
	}
	return v.Interface()
}
