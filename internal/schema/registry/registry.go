// Package registry deploys schemas and reads them back from the registry tables.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vietddude/chainindexer/internal/core/domain"
	"github.com/vietddude/chainindexer/internal/core/typeid"
	"github.com/vietddude/chainindexer/internal/indexing/metrics"
	"github.com/vietddude/chainindexer/internal/schema"
)

// ErrNoSchema is returned by Load when a namespace has never been deployed.
var ErrNoSchema = errors.New("no schema deployed")

// Column is one row of graph_registry_columns.
type Column struct {
	ID            int64  `db:"id"`
	TypeID        int64  `db:"type_id"`
	SchemaVersion string `db:"schema_version"`
	Position      int    `db:"column_position"`
	Name          string `db:"column_name"`
	ColumnType    string `db:"column_type"`
	Nullable      bool   `db:"nullable"`
	GraphQLType   string `db:"graphql_type"`
}

// Root is one row of graph_registry_graph_root.
type Root struct {
	ID        int64  `db:"id"`
	Version   string `db:"version"`
	Namespace string `db:"schema_name"`
	Query     string `db:"query"`
	Schema    string `db:"schema"`
}

// Store persists registry rows.
type Store interface {
	// RootExists reports whether (namespace, version) is registered.
	RootExists(ctx context.Context, namespace, version string) (bool, error)

	// Apply registers the plan and runs its DDL in a single transaction.
	Apply(ctx context.Context, plan *schema.Plan) error

	// LatestRoot returns the most recently registered root of a namespace.
	LatestRoot(ctx context.Context, namespace string) (*Root, error)

	// Columns returns the registered columns of a version ordered by type and position.
	Columns(ctx context.Context, namespace, version string) ([]Column, error)
}

// Handle identifies a deployed schema version and carries its plan.
type Handle struct {
	Namespace string
	Version   string
	Plan      *schema.Plan
	// Created is false when the version was already registered.
	Created bool
}

// Manager deploys and loads schemas.
type Manager struct {
	store Store
}

// NewManager creates a schema manager over store.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// Deploy registers raw under namespace. Deploying the same text twice returns
// the existing version without running any DDL.
func (m *Manager) Deploy(ctx context.Context, namespace, raw string) (*Handle, error) {
	version := typeid.Version(raw)

	s, err := schema.Parse(namespace, raw)
	if err != nil {
		metrics.SchemaDeploys.WithLabelValues(namespace, "rejected").Inc()
		return nil, err
	}
	plan, err := schema.Compile(s)
	if err != nil {
		metrics.SchemaDeploys.WithLabelValues(namespace, "rejected").Inc()
		return nil, err
	}

	exists, err := m.store.RootExists(ctx, namespace, version)
	if err != nil {
		return nil, domain.Wrap(domain.ErrTransport, "deploy", fmt.Errorf("failed to check schema version: %w", err))
	}
	if exists {
		slog.Debug("Schema already deployed", "namespace", namespace, "version", version)
		metrics.SchemaDeploys.WithLabelValues(namespace, "existing").Inc()
		return &Handle{Namespace: namespace, Version: version, Plan: plan}, nil
	}

	if err := m.store.Apply(ctx, plan); err != nil {
		metrics.SchemaDeploys.WithLabelValues(namespace, "failed").Inc()
		if domain.KindOf(err) != nil {
			return nil, err
		}
		return nil, domain.Wrap(domain.ErrMigration, "deploy", err)
	}

	slog.Info("Schema deployed",
		"namespace", namespace,
		"version", version,
		"tables", len(plan.Tables),
	)
	metrics.SchemaDeploys.WithLabelValues(namespace, "created").Inc()
	return &Handle{Namespace: namespace, Version: version, Plan: plan, Created: true}, nil
}

// Load rebuilds the latest schema of namespace and its column layout from the
// registry. It never writes.
func (m *Manager) Load(ctx context.Context, namespace string) (*schema.Schema, []Column, error) {
	root, err := m.store.LatestRoot(ctx, namespace)
	if err != nil {
		return nil, nil, err
	}
	s, err := schema.Parse(namespace, root.Schema)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse stored schema: %w", err)
	}
	cols, err := m.store.Columns(ctx, namespace, root.Version)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load columns: %w", err)
	}
	return s, cols, nil
}
