// Package execution defines the dispatch contract shared by sandboxed and
// native handler modules.
//
// An Executor receives one batch of blocks per call together with a Session,
// the only storage handle handler code ever sees. The Session is bound to the
// caller's transaction and is valid for the duration of that one call.
package execution

import (
	"context"
	"errors"

	"github.com/vietddude/chainindexer/internal/codec"
	"github.com/vietddude/chainindexer/internal/core/domain"
)

// Mode selects how handler code is executed.
type Mode string

const (
	ModeSandboxed Mode = "sandboxed"
	ModeNative    Mode = "native"
)

// ErrNotFound is returned by Session.GetObject for an unknown identity.
var ErrNotFound = errors.New("object not found")

// Session is the per-dispatch storage handle.
type Session interface {
	// PutObject upserts the entity row of the given type.
	PutObject(ctx context.Context, typeID int64, row codec.Row) error

	// GetObject loads the entity row of the given type by identity.
	GetObject(ctx context.Context, typeID int64, id uint64) (codec.Row, error)

	// PutManyToMany inserts association rows, ignoring ones that exist.
	PutManyToMany(ctx context.Context, rec codec.ManyToMany) error
}

// Executor runs handler code over a batch of blocks.
type Executor interface {
	// Dispatch runs every registered handler for the batch in order. Writes go
	// through session only. An *domain.ExitError means handler code asked to stop.
	Dispatch(ctx context.Context, session Session, blocks []domain.Block) error

	// Close releases the module instance.
	Close(ctx context.Context) error
}
