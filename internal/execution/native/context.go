package native

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/vietddude/chainindexer/internal/codec"
	"github.com/vietddude/chainindexer/internal/core/domain"
	"github.com/vietddude/chainindexer/internal/execution"
)

// ErrHandleReleased is returned when a handler keeps its Context past the
// dispatch it was given for.
var ErrHandleReleased = errors.New("handler context used after dispatch")

// Context is the storage handle of one dispatch.
type Context struct {
	ctx     context.Context
	logger  *slog.Logger
	layouts map[string]*codec.Layout

	mu       sync.Mutex
	session  execution.Session
	released bool
}

func newContext(ctx context.Context, session execution.Session, layouts map[string]*codec.Layout, logger *slog.Logger) *Context {
	return &Context{ctx: ctx, session: session, layouts: layouts, logger: logger}
}

// Context returns the dispatch context.
func (c *Context) Context() context.Context { return c.ctx }

// Logger returns a logger tagged with the indexer.
func (c *Context) Logger() *slog.Logger { return c.logger }

func (c *Context) release() {
	c.mu.Lock()
	c.released = true
	c.session = nil
	c.mu.Unlock()
}

func (c *Context) acquire() (execution.Session, error) {
	if c.released {
		return nil, domain.Wrap(domain.ErrExecution, "context", ErrHandleReleased)
	}
	return c.session, nil
}

func (c *Context) layout(typeName string) (*codec.Layout, error) {
	l, ok := c.layouts[typeName]
	if !ok {
		return nil, domain.Errorf(domain.ErrCodec, typeName, "type is not in the deployed schema")
	}
	return l, nil
}

// Save upserts an entity.
func (c *Context) Save(e codec.Entity) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.acquire()
	if err != nil {
		return err
	}
	l, err := c.layout(e.TypeName())
	if err != nil {
		return err
	}
	row, err := l.Row(e.ToRow()...)
	if err != nil {
		return err
	}
	return s.PutObject(c.ctx, l.TypeID, row)
}

// Load fills e with the stored entity of the given identity. It returns
// execution.ErrNotFound when there is none.
func (c *Context) Load(e codec.Entity, id uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.acquire()
	if err != nil {
		return err
	}
	l, err := c.layout(e.TypeName())
	if err != nil {
		return err
	}
	row, err := s.GetObject(c.ctx, l.TypeID, id)
	if err != nil {
		return err
	}
	if err := l.Check(row); err != nil {
		return err
	}
	return e.FromRow(row)
}

// Link records many-to-many associations of parent.field.
func (c *Context) Link(parent codec.Entity, field string, childIDs ...uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.acquire()
	if err != nil {
		return err
	}
	l, err := c.layout(parent.TypeName())
	if err != nil {
		return err
	}
	return s.PutManyToMany(c.ctx, codec.ManyToMany{
		ParentTypeID: l.TypeID,
		Field:        field,
		ParentID:     parent.ToRow().ID(),
		ChildIDs:     childIDs,
	})
}

// Exit returns the error a handler returns to stop the indexer on purpose.
func (c *Context) Exit(code int32) error {
	return &domain.ExitError{Code: code}
}
