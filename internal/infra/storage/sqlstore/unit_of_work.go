package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/chainindexer/internal/codec"
	"github.com/vietddude/chainindexer/internal/core/domain"
	"github.com/vietddude/chainindexer/internal/execution"
	"github.com/vietddude/chainindexer/internal/infra/storage"
	"github.com/vietddude/chainindexer/internal/schema"
)

// UnitOfWork bundles the entity writes of one batch and its cursor advance
// into a single database transaction, ensuring atomicity (all succeed or all fail).
type UnitOfWork struct {
	db     *DB
	tx     *sqlx.Tx
	plan   *schema.Plan
	tables map[int64]*schema.Table
}

var _ storage.UnitOfWork = (*UnitOfWork)(nil)

// NewUnitOfWork creates a new unit of work with an active transaction.
func (db *DB) NewUnitOfWork(ctx context.Context, plan *schema.Plan) (storage.UnitOfWork, error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, Classify("begin", fmt.Errorf("failed to begin transaction: %w", err))
	}

	tables := make(map[int64]*schema.Table, len(plan.Tables))
	for _, t := range plan.Tables {
		tables[t.TypeID] = t
	}

	return &UnitOfWork{
		db:     db,
		tx:     tx,
		plan:   plan,
		tables: tables,
	}, nil
}

func (u *UnitOfWork) active() error {
	if u.tx == nil {
		return domain.Errorf(domain.ErrExecution, "session", "transaction already completed")
	}
	return nil
}

func (u *UnitOfWork) entityTable(op string, typeID int64) (*schema.Table, error) {
	t, ok := u.tables[typeID]
	if !ok {
		return nil, domain.Errorf(domain.ErrExecution, op, "unknown type id %d", typeID)
	}
	if t.IsJoinTable() {
		return nil, domain.Errorf(domain.ErrExecution, op, "type %s is a join table", t.Type)
	}
	return t, nil
}

// PutObject upserts an entity row, keeping the typed columns and the encoded
// object in step.
func (u *UnitOfWork) PutObject(ctx context.Context, typeID int64, row codec.Row) error {
	if err := u.active(); err != nil {
		return err
	}
	t, err := u.entityTable("put_object", typeID)
	if err != nil {
		return err
	}
	if err := t.Layout().Check(row); err != nil {
		return err
	}

	d := u.db.dialect
	cols := make([]string, 0, len(t.Columns)+1)
	marks := make([]string, 0, len(t.Columns)+1)
	sets := make([]string, 0, len(t.Columns))
	args := make([]any, 0, len(t.Columns)+1)
	for i, c := range t.Columns {
		cols = append(cols, quote(c.Name))
		marks = append(marks, "?")
		args = append(args, d.Bind(row[i]))
		if c.Name != schema.IDColumn {
			sets = append(sets, quote(c.Name)+" = excluded."+quote(c.Name))
		}
	}
	cols = append(cols, quote(ObjectColumn))
	marks = append(marks, "?")
	args = append(args, codec.EncodeRow(row))
	sets = append(sets, quote(ObjectColumn)+" = excluded."+quote(ObjectColumn))

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		d.Table(u.plan.Namespace, t.Name),
		strings.Join(cols, ", "),
		strings.Join(marks, ", "),
		quote(schema.IDColumn),
		strings.Join(sets, ", "),
	)
	if _, err := u.tx.ExecContext(ctx, u.tx.Rebind(query), args...); err != nil {
		return Classify("put_object", fmt.Errorf("failed to save %s %d: %w", t.Type, row.ID(), err))
	}
	return nil
}

// GetObject loads an entity row written by this or an earlier batch.
func (u *UnitOfWork) GetObject(ctx context.Context, typeID int64, id uint64) (codec.Row, error) {
	if err := u.active(); err != nil {
		return nil, err
	}
	t, err := u.entityTable("get_object", typeID)
	if err != nil {
		return nil, err
	}

	d := u.db.dialect
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		quote(ObjectColumn), d.Table(u.plan.Namespace, t.Name), quote(schema.IDColumn))

	var object []byte
	err = u.tx.GetContext(ctx, &object, u.tx.Rebind(query), d.Bind(codec.ID(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, execution.ErrNotFound
	}
	if err != nil {
		return nil, Classify("get_object", fmt.Errorf("failed to load %s %d: %w", t.Type, id, err))
	}

	row, err := codec.DecodeRow(object)
	if err != nil {
		return nil, err
	}
	if err := t.Layout().Check(row); err != nil {
		return nil, err
	}
	return row, nil
}

// PutManyToMany inserts association rows; existing pairs are left untouched.
func (u *UnitOfWork) PutManyToMany(ctx context.Context, rec codec.ManyToMany) error {
	if err := u.active(); err != nil {
		return err
	}
	t, ok := u.plan.JoinTable(rec.ParentTypeID, rec.Field)
	if !ok {
		return domain.Errorf(domain.ErrExecution, "put_many_to_many",
			"no join table for type %d field %q", rec.ParentTypeID, rec.Field)
	}

	d := u.db.dialect
	query := u.tx.Rebind(fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (?, ?) ON CONFLICT DO NOTHING",
		d.Table(u.plan.Namespace, t.Name), quote(schema.ParentColumn), quote(schema.ChildColumn)))
	parent := d.Bind(codec.ID(rec.ParentID))
	for _, child := range rec.ChildIDs {
		if _, err := u.tx.ExecContext(ctx, query, parent, d.Bind(codec.ID(child))); err != nil {
			return Classify("put_many_to_many",
				fmt.Errorf("failed to link %s %d to %d: %w", t.Type, rec.ParentID, child, err))
		}
	}
	return nil
}

// AdvanceCursor moves the cursor to height within the transaction. The stored
// height never moves backwards.
func (u *UnitOfWork) AdvanceCursor(ctx context.Context, namespace, identifier string, height uint64) error {
	if err := u.active(); err != nil {
		return err
	}
	res, err := u.tx.ExecContext(ctx, u.tx.Rebind(`
		INSERT INTO indexer_cursors (namespace, identifier, height, state, reason, updated_at)
		VALUES (?, ?, ?, ?, '', ?)
		ON CONFLICT (namespace, identifier) DO UPDATE
		SET height = excluded.height, updated_at = excluded.updated_at
		WHERE indexer_cursors.height < excluded.height`),
		namespace, identifier, int64(height), string(domain.CursorStateRunning), time.Now().UTC())
	if err != nil {
		return Classify("advance_cursor", fmt.Errorf("failed to advance cursor: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Classify("advance_cursor", err)
	}
	if n == 0 {
		return domain.Wrap(domain.ErrExecution, "advance_cursor",
			fmt.Errorf("%w: %s to %d", storage.ErrCursorRegression, domain.UID(namespace, identifier), height))
	}
	return nil
}

// Commit commits the transaction.
func (u *UnitOfWork) Commit() error {
	if u.tx == nil {
		return fmt.Errorf("transaction already completed")
	}
	err := u.tx.Commit()
	u.tx = nil
	if err != nil {
		return Classify("commit", fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

// Rollback rolls back the transaction. Safe to call multiple times.
func (u *UnitOfWork) Rollback() error {
	if u.tx == nil {
		return nil // Already committed or rolled back
	}
	err := u.tx.Rollback()
	u.tx = nil
	return err
}
