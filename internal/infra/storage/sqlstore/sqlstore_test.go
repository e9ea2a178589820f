package sqlstore

import (
	"context"
	"errors"
	"math"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vietddude/chainindexer/internal/codec"
	"github.com/vietddude/chainindexer/internal/core/domain"
	"github.com/vietddude/chainindexer/internal/execution"
	"github.com/vietddude/chainindexer/internal/infra/storage"
	"github.com/vietddude/chainindexer/internal/schema"
)

const shopSchema = `
type Account {
  id: ID!
  name: Charfield! @unique
  balance: UInt8
}

type Order {
  id: ID!
  buyer: Account!
  tags: [Account!]!
}
`

func newTestDB(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()
	db, err := NewDB(ctx, Config{Driver: DriverSQLite, URL: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))
	return db
}

func compile(t *testing.T, namespace, raw string) *schema.Plan {
	t.Helper()
	s, err := schema.Parse(namespace, raw)
	require.NoError(t, err)
	plan, err := schema.Compile(s)
	require.NoError(t, err)
	return plan
}

func deployed(t *testing.T, db *DB) *schema.Plan {
	t.Helper()
	plan := compile(t, "shop", shopSchema)
	require.NoError(t, NewRegistryRepo(db).Apply(context.Background(), plan))
	return plan
}

func typeID(t *testing.T, plan *schema.Plan, name string) int64 {
	t.Helper()
	tbl, ok := plan.Table(name)
	require.True(t, ok, name)
	return tbl.TypeID
}

func account(t *testing.T, id uint64, name string, balance codec.Value) codec.Row {
	t.Helper()
	n, err := codec.Charfield(name)
	require.NoError(t, err)
	return codec.Row{codec.ID(id), n, balance}
}

// =============================================================================
// Migrations and registry
// =============================================================================

func TestMigrateTwice(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.Migrate(context.Background()))
}

func TestApplyRegistersPlan(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewRegistryRepo(db)
	plan := deployed(t, db)

	exists, err := repo.RootExists(ctx, "shop", plan.Version)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = repo.RootExists(ctx, "other", plan.Version)
	require.NoError(t, err)
	assert.False(t, exists)

	root, err := repo.LatestRoot(ctx, "shop")
	require.NoError(t, err)
	assert.Equal(t, plan.Version, root.Version)
	assert.Equal(t, shopSchema, root.Schema)
	assert.Equal(t, schema.DefaultRootName, root.Query)

	cols, err := repo.Columns(ctx, "shop", plan.Version)
	require.NoError(t, err)
	// Account: 3, Order: 2, Order_tags: 2
	assert.Len(t, cols, 7)
	for _, c := range cols {
		_, ok := codec.ParseKind(c.ColumnType)
		assert.True(t, ok, c.ColumnType)
	}
}

func TestLatestRootMissing(t *testing.T) {
	db := newTestDB(t)
	_, err := NewRegistryRepo(db).LatestRoot(context.Background(), "nobody")
	assert.ErrorContains(t, err, "no schema deployed")
}

func TestApplyRollsBackOnDDLFailure(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewRegistryRepo(db)

	// A stale table without the indexed column makes CREATE INDEX fail.
	_, err := db.ExecContext(ctx, `CREATE TABLE "shop_account" (id INTEGER PRIMARY KEY)`)
	require.NoError(t, err)

	plan := compile(t, "shop", shopSchema)
	require.Error(t, repo.Apply(ctx, plan))

	exists, err := repo.RootExists(ctx, "shop", plan.Version)
	require.NoError(t, err)
	assert.False(t, exists)

	var n int
	require.NoError(t, db.GetContext(ctx, &n, `SELECT count(*) FROM graph_registry_type_ids`))
	assert.Zero(t, n)
	require.NoError(t, db.GetContext(ctx, &n,
		`SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'shop_order'`))
	assert.Zero(t, n)
}

func TestCreateTableStatement(t *testing.T) {
	plan := compile(t, "shop", shopSchema)
	order, _ := plan.Table("Order")

	lite := createTable(SQLite{}, plan, order)
	assert.Contains(t, lite, `CREATE TABLE IF NOT EXISTS "shop_order"`)
	assert.Contains(t, lite, `"object" BLOB NOT NULL`)
	assert.Contains(t, lite, `REFERENCES "shop_account" ("id") DEFERRABLE INITIALLY DEFERRED`)

	pg := createTable(Postgres{}, plan, order)
	assert.Contains(t, pg, `"shop"."order"`)
	assert.NotContains(t, pg, "FOREIGN KEY")
}

// =============================================================================
// Unit of work
// =============================================================================

func TestPutGetObject(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	plan := deployed(t, db)
	accountID := typeID(t, plan, "Account")

	uow, err := db.NewUnitOfWork(ctx, plan)
	require.NoError(t, err)
	defer uow.Rollback()

	row := account(t, math.MaxUint64, "alice", codec.UInt8(math.MaxUint64))
	require.NoError(t, uow.PutObject(ctx, accountID, row))

	got, err := uow.GetObject(ctx, accountID, math.MaxUint64)
	require.NoError(t, err)
	assert.True(t, row.Equal(got))

	// Upsert replaces the stored object.
	updated := account(t, math.MaxUint64, "alice", codec.Null(codec.KindUInt8))
	require.NoError(t, uow.PutObject(ctx, accountID, updated))
	got, err = uow.GetObject(ctx, accountID, math.MaxUint64)
	require.NoError(t, err)
	assert.True(t, got[2].IsNull())

	_, err = uow.GetObject(ctx, accountID, 7)
	assert.ErrorIs(t, err, execution.ErrNotFound)

	require.NoError(t, uow.Commit())
	assert.Error(t, uow.Commit())
	assert.NoError(t, uow.Rollback())
}

func TestPutObjectRejects(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	plan := deployed(t, db)

	uow, err := db.NewUnitOfWork(ctx, plan)
	require.NoError(t, err)
	defer uow.Rollback()

	err = uow.PutObject(ctx, typeID(t, plan, "Account"), codec.Row{codec.ID(1)})
	assert.ErrorIs(t, err, domain.ErrCodec)

	err = uow.PutObject(ctx, 42, codec.Row{codec.ID(1)})
	assert.ErrorIs(t, err, domain.ErrExecution)

	join, _ := plan.Table("Order_tags")
	err = uow.PutObject(ctx, join.TypeID, codec.Row{codec.ID(1), codec.ID(2)})
	assert.ErrorIs(t, err, domain.ErrExecution)

	require.NoError(t, uow.PutObject(ctx, typeID(t, plan, "Account"), account(t, 1, "bob", codec.UInt8(1))))
	err = uow.PutObject(ctx, typeID(t, plan, "Account"), account(t, 2, "bob", codec.UInt8(1)))
	assert.ErrorIs(t, err, domain.ErrExecution, "unique violation is not retryable")
}

func TestRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	plan := deployed(t, db)
	accountID := typeID(t, plan, "Account")

	uow, err := db.NewUnitOfWork(ctx, plan)
	require.NoError(t, err)
	require.NoError(t, uow.PutObject(ctx, accountID, account(t, 1, "carol", codec.UInt8(5))))
	require.NoError(t, uow.AdvanceCursor(ctx, "shop", "main", 10))
	require.NoError(t, uow.Rollback())

	uow, err = db.NewUnitOfWork(ctx, plan)
	require.NoError(t, err)
	defer uow.Rollback()
	_, err = uow.GetObject(ctx, accountID, 1)
	assert.ErrorIs(t, err, execution.ErrNotFound)
	require.NoError(t, uow.Rollback())

	_, err = NewCursorRepo(db).Get(ctx, "shop", "main")
	assert.ErrorIs(t, err, storage.ErrCursorNotFound)
}

func TestManyToMany(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	plan := deployed(t, db)
	accountID := typeID(t, plan, "Account")
	orderID := typeID(t, plan, "Order")

	uow, err := db.NewUnitOfWork(ctx, plan)
	require.NoError(t, err)
	require.NoError(t, uow.PutObject(ctx, accountID, account(t, 1, "a", codec.UInt8(0))))
	require.NoError(t, uow.PutObject(ctx, accountID, account(t, 2, "b", codec.UInt8(0))))
	require.NoError(t, uow.PutObject(ctx, orderID, codec.Row{codec.ID(9), codec.ID(1)}))

	rec := codec.ManyToMany{ParentTypeID: orderID, Field: "tags", ParentID: 9, ChildIDs: []uint64{1, 2}}
	require.NoError(t, uow.PutManyToMany(ctx, rec))
	require.NoError(t, uow.PutManyToMany(ctx, rec), "existing pairs are ignored")

	rec.Field = "missing"
	assert.ErrorIs(t, uow.PutManyToMany(ctx, rec), domain.ErrExecution)
	require.NoError(t, uow.Commit())

	var n int
	require.NoError(t, db.GetContext(ctx, &n, `SELECT count(*) FROM "shop_order_tags"`))
	assert.Equal(t, 2, n)
}

func TestDeferredForeignKeyFailsAtCommit(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	plan := deployed(t, db)

	uow, err := db.NewUnitOfWork(ctx, plan)
	require.NoError(t, err)
	// Order written before the account it references.
	require.NoError(t, uow.PutObject(ctx, typeID(t, plan, "Order"), codec.Row{codec.ID(1), codec.ID(77)}))
	err = uow.Commit()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExecution)
}

func TestAdvanceCursor(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	plan := deployed(t, db)

	uow, err := db.NewUnitOfWork(ctx, plan)
	require.NoError(t, err)
	require.NoError(t, uow.AdvanceCursor(ctx, "shop", "main", 5))
	require.NoError(t, uow.Commit())

	uow, err = db.NewUnitOfWork(ctx, plan)
	require.NoError(t, err)
	err = uow.AdvanceCursor(ctx, "shop", "main", 5)
	assert.ErrorIs(t, err, storage.ErrCursorRegression)
	assert.ErrorIs(t, err, domain.ErrExecution)
	require.NoError(t, uow.Rollback())

	c, err := NewCursorRepo(db).Get(ctx, "shop", "main")
	require.NoError(t, err)
	assert.Equal(t, uint64(5), c.Height)
	assert.Equal(t, domain.CursorStateRunning, c.State)
}

// =============================================================================
// Repositories
// =============================================================================

func TestCursorRepo(t *testing.T) {
	ctx := context.Background()
	repo := NewCursorRepo(newTestDB(t))

	_, err := repo.Get(ctx, "ns", "a")
	assert.ErrorIs(t, err, storage.ErrCursorNotFound)
	assert.ErrorIs(t, repo.UpdateState(ctx, "ns", "a", domain.CursorStatePaused, ""), storage.ErrCursorNotFound)

	require.NoError(t, repo.Save(ctx, &domain.Cursor{Namespace: "ns", Identifier: "a", Height: 3}))
	require.NoError(t, repo.Save(ctx, &domain.Cursor{Namespace: "ns", Identifier: "b", Height: 9}))
	require.NoError(t, repo.UpdateState(ctx, "ns", "a", domain.CursorStateStopped, "early exit 2"))

	c, err := repo.Get(ctx, "ns", "a")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), c.Height)
	assert.Equal(t, domain.CursorStateStopped, c.State)
	assert.Equal(t, "early exit 2", c.Reason)
	assert.False(t, c.UpdatedAt.IsZero())

	all, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "ns.a", all[0].UID())

	require.NoError(t, repo.Delete(ctx, "ns", "a"))
	require.NoError(t, repo.Delete(ctx, "ns", "a"))
	_, err = repo.Get(ctx, "ns", "a")
	assert.ErrorIs(t, err, storage.ErrCursorNotFound)
}

func TestIndexerRepo(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	repo := NewIndexerRepo(db)
	cursors := NewCursorRepo(db)

	idx := &storage.Indexer{Namespace: "ns", Identifier: "a", SchemaVersion: "v1", Execution: "native", Module: "count"}
	require.NoError(t, repo.Register(ctx, idx))
	idx.SchemaVersion = "v2"
	require.NoError(t, repo.Register(ctx, idx))

	got, err := repo.Get(ctx, "ns", "a")
	require.NoError(t, err)
	assert.Equal(t, *idx, *got)

	require.NoError(t, cursors.Save(ctx, &domain.Cursor{Namespace: "ns", Identifier: "a", Height: 1}))
	require.NoError(t, repo.Remove(ctx, "ns", "a"))

	_, err = repo.Get(ctx, "ns", "a")
	assert.ErrorIs(t, err, storage.ErrIndexerNotFound)
	_, err = cursors.Get(ctx, "ns", "a")
	assert.ErrorIs(t, err, storage.ErrCursorNotFound)
	assert.ErrorIs(t, repo.Remove(ctx, "ns", "a"), storage.ErrIndexerNotFound)
}

// =============================================================================
// Classify
// =============================================================================

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"pgx connection", &pgconn.PgError{Code: "08006"}, domain.ErrTransport},
		{"pgx serialization", &pgconn.PgError{Code: "40001"}, domain.ErrTransport},
		{"pgx unique", &pgconn.PgError{Code: "23505"}, domain.ErrExecution},
		{"pq undefined column", &pq.Error{Code: "42703"}, domain.ErrExecution},
		{"pq admin shutdown", &pq.Error{Code: "57P01"}, domain.ErrTransport},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, domain.ErrTransport},
		{"sqlite constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, domain.ErrExecution},
		{"deadline", context.DeadlineExceeded, domain.ErrTransport},
		{"canceled", context.Canceled, domain.ErrExecution},
		{"unknown", errors.New("boom"), domain.ErrTransport},
		{"already kinded", domain.Errorf(domain.ErrCodec, "x", "bad"), domain.ErrCodec},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, domain.KindOf(Classify("op", tt.err)))
		})
	}
	assert.NoError(t, Classify("op", nil))
}

// =============================================================================
// Postgres
// =============================================================================

func TestPostgresRoundTrip(t *testing.T) {
	url := os.Getenv("INDEXER_PG_URL")
	if url == "" {
		t.Skip("INDEXER_PG_URL not set")
	}
	ctx := context.Background()
	db, err := NewDB(ctx, Config{Driver: DriverPgx, URL: url})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	plan := compile(t, "pgshop", shopSchema)
	require.NoError(t, NewRegistryRepo(db).Apply(ctx, plan))
	accountID := typeID(t, plan, "Account")

	uow, err := db.NewUnitOfWork(ctx, plan)
	require.NoError(t, err)
	defer uow.Rollback()

	row := account(t, math.MaxUint64, "pg-alice", codec.UInt8(math.MaxUint64))
	require.NoError(t, uow.PutObject(ctx, accountID, row))
	got, err := uow.GetObject(ctx, accountID, math.MaxUint64)
	require.NoError(t, err)
	assert.True(t, row.Equal(got))
	require.NoError(t, uow.Commit())
}
