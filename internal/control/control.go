package control

import (
	"context"

	"github.com/vietddude/chainindexer/internal/core/domain"
)

// StopStore carries stop requests between processes.
type StopStore interface {
	// RequestStop asks the dispatcher of an indexer to stop at its next batch boundary
	RequestStop(ctx context.Context, namespace, identifier, reason string) error

	// StopRequested reports a pending stop request and its reason
	StopRequested(ctx context.Context, namespace, identifier string) (string, bool, error)

	// ClearStop drops a pending stop request
	ClearStop(ctx context.Context, namespace, identifier string) error
}

// HaltStore keeps the halt history of indexers.
type HaltStore interface {
	Publish(ctx context.Context, h *domain.Halt) error

	// Latest returns the most recent halt, or nil
	Latest(ctx context.Context, namespace, identifier string) (*domain.Halt, error)

	// Clear drops the history of an indexer
	Clear(ctx context.Context, namespace, identifier string) error
}

// IndexerStatus is the persisted view of one indexer.
type IndexerStatus struct {
	Namespace  string
	Identifier string
	Height     uint64
	State      domain.CursorState
	Reason     string
	// Halt is the latest halt when a halt store is configured.
	Halt *domain.Halt
}
