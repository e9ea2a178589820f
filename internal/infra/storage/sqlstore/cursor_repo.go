package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/chainindexer/internal/core/domain"
	"github.com/vietddude/chainindexer/internal/infra/storage"
)

type cursorRow struct {
	Namespace  string    `db:"namespace"`
	Identifier string    `db:"identifier"`
	Height     int64     `db:"height"`
	State      string    `db:"state"`
	Reason     string    `db:"reason"`
	UpdatedAt  time.Time `db:"updated_at"`
}

func (r cursorRow) toDomain() *domain.Cursor {
	return &domain.Cursor{
		Namespace:  r.Namespace,
		Identifier: r.Identifier,
		Height:     uint64(r.Height),
		State:      domain.CursorState(r.State),
		Reason:     r.Reason,
		UpdatedAt:  r.UpdatedAt,
	}
}

// CursorRepo implements storage.CursorRepository.
type CursorRepo struct {
	db *DB
}

var _ storage.CursorRepository = (*CursorRepo)(nil)

// NewCursorRepo creates a new cursor repository.
func NewCursorRepo(db *DB) *CursorRepo {
	return &CursorRepo{db: db}
}

// Get retrieves the cursor of an indexer.
func (r *CursorRepo) Get(ctx context.Context, namespace, identifier string) (*domain.Cursor, error) {
	var row cursorRow
	err := r.db.GetContext(ctx, &row, r.db.Rebind(`
		SELECT namespace, identifier, height, state, reason, updated_at
		FROM indexer_cursors
		WHERE namespace = ? AND identifier = ?`), namespace, identifier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrCursorNotFound
	}
	if err != nil {
		return nil, Classify("get_cursor", fmt.Errorf("failed to get cursor: %w", err))
	}
	return row.toDomain(), nil
}

// Save creates or overwrites a cursor, including its height.
func (r *CursorRepo) Save(ctx context.Context, cursor *domain.Cursor) error {
	state := cursor.State
	if state == "" {
		state = domain.CursorStateRunning
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO indexer_cursors (namespace, identifier, height, state, reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (namespace, identifier) DO UPDATE
		SET height = excluded.height, state = excluded.state,
		    reason = excluded.reason, updated_at = excluded.updated_at`),
		cursor.Namespace, cursor.Identifier, int64(cursor.Height), string(state), cursor.Reason, time.Now().UTC())
	if err != nil {
		return Classify("save_cursor", fmt.Errorf("failed to save cursor: %w", err))
	}
	return nil
}

// UpdateState changes the scheduling state of an existing cursor.
func (r *CursorRepo) UpdateState(
	ctx context.Context,
	namespace, identifier string,
	state domain.CursorState,
	reason string,
) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE indexer_cursors SET state = ?, reason = ?, updated_at = ?
		WHERE namespace = ? AND identifier = ?`),
		string(state), reason, time.Now().UTC(), namespace, identifier)
	if err != nil {
		return Classify("update_cursor_state", fmt.Errorf("failed to update cursor state: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Classify("update_cursor_state", err)
	}
	if n == 0 {
		return storage.ErrCursorNotFound
	}
	return nil
}

// List returns every cursor ordered by identity.
func (r *CursorRepo) List(ctx context.Context) ([]*domain.Cursor, error) {
	var rows []cursorRow
	err := r.db.SelectContext(ctx, &rows, `
		SELECT namespace, identifier, height, state, reason, updated_at
		FROM indexer_cursors
		ORDER BY namespace, identifier`)
	if err != nil {
		return nil, Classify("list_cursors", fmt.Errorf("failed to list cursors: %w", err))
	}
	cursors := make([]*domain.Cursor, len(rows))
	for i, row := range rows {
		cursors[i] = row.toDomain()
	}
	return cursors, nil
}

// Delete removes a cursor. Deleting a missing cursor is not an error.
func (r *CursorRepo) Delete(ctx context.Context, namespace, identifier string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`DELETE FROM indexer_cursors WHERE namespace = ? AND identifier = ?`), namespace, identifier)
	if err != nil {
		return Classify("delete_cursor", fmt.Errorf("failed to delete cursor: %w", err))
	}
	return nil
}
