package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vietddude/chainindexer/internal/schema"
	"github.com/vietddude/chainindexer/internal/schema/registry"
)

// RegistryRepo implements registry.Store.
type RegistryRepo struct {
	db *DB
}

// NewRegistryRepo creates a registry repository.
func NewRegistryRepo(db *DB) *RegistryRepo {
	return &RegistryRepo{db: db}
}

// RootExists reports whether a schema version is registered for namespace.
func (r *RegistryRepo) RootExists(ctx context.Context, namespace, version string) (bool, error) {
	var n int
	err := r.db.GetContext(ctx, &n, r.db.Rebind(
		`SELECT count(*) FROM graph_registry_graph_root WHERE schema_name = ? AND version = ?`),
		namespace, version)
	if err != nil {
		return false, Classify("root_exists", err)
	}
	return n > 0, nil
}

// Apply records the plan in the registry tables and migrates the entity
// tables. Nothing is kept if any step fails.
func (r *RegistryRepo) Apply(ctx context.Context, plan *schema.Plan) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return Classify("apply", fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, t := range plan.Tables {
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO graph_registry_type_ids (id, schema_version, schema_name, graphql_name, table_name)
			VALUES (?, ?, ?, ?, ?)`),
			t.TypeID, plan.Version, plan.Namespace, t.Type, t.Name)
		if err != nil {
			return fmt.Errorf("failed to register type %s: %w", t.Type, err)
		}
		for _, c := range t.Columns {
			_, err = tx.ExecContext(ctx, tx.Rebind(`
				INSERT INTO graph_registry_columns
					(type_id, schema_version, column_position, column_name, column_type, nullable, graphql_type)
				VALUES (?, ?, ?, ?, ?, ?, ?)`),
				t.TypeID, plan.Version, c.Position, c.Name, c.Kind.String(), c.Nullable, c.GraphQLType)
			if err != nil {
				return fmt.Errorf("failed to register column %s.%s: %w", t.Type, c.Name, err)
			}
		}
	}

	var rootID int64
	err = tx.GetContext(ctx, &rootID, tx.Rebind(`
		INSERT INTO graph_registry_graph_root (version, schema_name, query, schema)
		VALUES (?, ?, ?, ?) RETURNING id`),
		plan.Version, plan.Namespace, plan.RootName, plan.Raw)
	if err != nil {
		return fmt.Errorf("failed to register graph root: %w", err)
	}
	for _, c := range plan.RootColumns {
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			INSERT INTO graph_registry_root_columns (root_id, column_name, graphql_type)
			VALUES (?, ?, ?)`),
			rootID, c.Name, c.GraphQLType)
		if err != nil {
			return fmt.Errorf("failed to register root column %s: %w", c.Name, err)
		}
	}

	if err = migrateTables(ctx, tx, r.db.dialect, plan); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

// LatestRoot returns the most recently deployed root of namespace.
func (r *RegistryRepo) LatestRoot(ctx context.Context, namespace string) (*registry.Root, error) {
	var root registry.Root
	err := r.db.GetContext(ctx, &root, r.db.Rebind(`
		SELECT id, version, schema_name, query, schema
		FROM graph_registry_graph_root
		WHERE schema_name = ?
		ORDER BY id DESC
		LIMIT 1`), namespace)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", registry.ErrNoSchema, namespace)
	}
	if err != nil {
		return nil, Classify("latest_root", err)
	}
	return &root, nil
}

// Columns returns the registered columns of a schema version.
func (r *RegistryRepo) Columns(ctx context.Context, namespace, version string) ([]registry.Column, error) {
	var cols []registry.Column
	err := r.db.SelectContext(ctx, &cols, r.db.Rebind(`
		SELECT c.id, c.type_id, c.schema_version, c.column_position, c.column_name,
		       c.column_type, c.nullable, c.graphql_type
		FROM graph_registry_columns c
		JOIN graph_registry_type_ids t ON t.id = c.type_id AND t.schema_version = c.schema_version
		WHERE t.schema_name = ? AND c.schema_version = ?
		ORDER BY c.type_id, c.column_position`), namespace, version)
	if err != nil {
		return nil, Classify("columns", err)
	}
	return cols, nil
}
