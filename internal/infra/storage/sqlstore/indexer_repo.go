package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/chainindexer/internal/infra/storage"
)

// IndexerRepo implements storage.IndexerRepository.
type IndexerRepo struct {
	db *DB
}

var _ storage.IndexerRepository = (*IndexerRepo)(nil)

func NewIndexerRepo(db *DB) *IndexerRepo {
	return &IndexerRepo{db: db}
}

func (r *IndexerRepo) Register(ctx context.Context, idx *storage.Indexer) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO indexer_registry (namespace, identifier, schema_version, execution, module)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (namespace, identifier) DO UPDATE
		SET schema_version = excluded.schema_version, execution = excluded.execution, module = excluded.module`),
		idx.Namespace, idx.Identifier, idx.SchemaVersion, idx.Execution, idx.Module)
	if err != nil {
		return Classify("register_indexer", fmt.Errorf("failed to register indexer: %w", err))
	}
	return nil
}

func (r *IndexerRepo) Get(ctx context.Context, namespace, identifier string) (*storage.Indexer, error) {
	var idx storage.Indexer
	err := r.db.GetContext(ctx, &idx, r.db.Rebind(`
		SELECT namespace, identifier, schema_version, execution, module
		FROM indexer_registry
		WHERE namespace = ? AND identifier = ?`), namespace, identifier)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrIndexerNotFound
	}
	if err != nil {
		return nil, Classify("get_indexer", fmt.Errorf("failed to get indexer: %w", err))
	}
	return &idx, nil
}

// Remove deletes the deployment record and the cursor together. Entity
// tables and registry rows stay: other indexers may share the namespace.
func (r *IndexerRepo) Remove(ctx context.Context, namespace, identifier string) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return Classify("remove_indexer", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, tx.Rebind(
		`DELETE FROM indexer_registry WHERE namespace = ? AND identifier = ?`), namespace, identifier)
	if err != nil {
		return Classify("remove_indexer", fmt.Errorf("failed to delete indexer: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Classify("remove_indexer", err)
	}
	if n == 0 {
		err = storage.ErrIndexerNotFound
		return err
	}

	if _, err = tx.ExecContext(ctx, tx.Rebind(
		`DELETE FROM indexer_cursors WHERE namespace = ? AND identifier = ?`), namespace, identifier); err != nil {
		return Classify("remove_indexer", fmt.Errorf("failed to delete cursor: %w", err))
	}

	if err = tx.Commit(); err != nil {
		return Classify("remove_indexer", fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}
