package storage

import (
	"context"
	"errors"

	"github.com/vietddude/chainindexer/internal/core/domain"
	"github.com/vietddude/chainindexer/internal/execution"
	"github.com/vietddude/chainindexer/internal/schema"
)

var (
	// ErrCursorNotFound is returned when a cursor doesn't exist
	ErrCursorNotFound = errors.New("cursor not found")

	// ErrCursorRegression is returned when an advance would not move the cursor forward
	ErrCursorRegression = errors.New("cursor regression")

	// ErrIndexerNotFound is returned when an indexer isn't registered
	ErrIndexerNotFound = errors.New("indexer not found")
)

// CursorRepository handles cursor storage operations
type CursorRepository interface {
	// Get retrieves the cursor of an indexer
	Get(ctx context.Context, namespace, identifier string) (*domain.Cursor, error)

	// Save creates or overwrites a cursor
	Save(ctx context.Context, cursor *domain.Cursor) error

	// UpdateState changes the scheduling state and records the reason
	UpdateState(ctx context.Context, namespace, identifier string, state domain.CursorState, reason string) error

	// List returns every cursor
	List(ctx context.Context) ([]*domain.Cursor, error)

	// Delete removes a cursor
	Delete(ctx context.Context, namespace, identifier string) error
}

// Indexer is a deployed indexer as recorded in the indexer registry.
type Indexer struct {
	Namespace     string `db:"namespace"`
	Identifier    string `db:"identifier"`
	SchemaVersion string `db:"schema_version"`
	Execution     string `db:"execution"`
	Module        string `db:"module"`
}

// IndexerRepository records deployed indexers
type IndexerRepository interface {
	// Register creates or updates a deployment record
	Register(ctx context.Context, idx *Indexer) error

	// Get retrieves a deployment record
	Get(ctx context.Context, namespace, identifier string) (*Indexer, error)

	// Remove deletes the deployment record and its cursor in one transaction
	Remove(ctx context.Context, namespace, identifier string) error
}

// UnitOfWork is one batch transaction: entity writes plus the cursor advance.
type UnitOfWork interface {
	execution.Session

	// AdvanceCursor moves the cursor forward to height inside the transaction
	AdvanceCursor(ctx context.Context, namespace, identifier string, height uint64) error

	// Commit makes every write of the unit visible
	Commit() error

	// Rollback discards every write of the unit. Safe to call multiple times.
	Rollback() error
}

// Store opens units of work against the entity tables of a deployed plan.
type Store interface {
	NewUnitOfWork(ctx context.Context, plan *schema.Plan) (UnitOfWork, error)
}
