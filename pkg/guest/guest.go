// Package guest is the module side of the sandboxed execution ABI.
//
// A module registers handlers by event kind from init and is built as a
// reactor:
//
//	GOOS=wasip1 GOARCH=wasm go build -buildmode=c-shared -o orders.wasm ./orders
//
// The host calls handle_events once per batch. Handlers write entities
// through the Context; a handler error traps the module and faults the
// indexer, while Context.Exit stops it on purpose.
package guest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vietddude/chainindexer/internal/codec"
	"github.com/vietddude/chainindexer/internal/core/domain"
	"github.com/vietddude/chainindexer/internal/core/typeid"
)

// Handler processes one event of a block.
type Handler func(ctx *Context, block domain.Block, event domain.Event) error

// Config identifies the schema the module was built against.
type Config struct {
	Namespace string
	// Version is exported through get_version_ptr and must match the
	// deployed schema version. Empty skips the check.
	Version string
}

var (
	mu       sync.RWMutex
	cfg      Config
	handlers = map[string]Handler{}
)

// Configure sets the schema identity. Call it from init.
func Configure(c Config) {
	mu.Lock()
	defer mu.Unlock()
	cfg = c
}

// Handle registers h for events of kind. Registering a kind twice panics.
func Handle(kind string, h Handler) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := handlers[kind]; dup {
		panic(fmt.Sprintf("guest: duplicate handler for %q", kind))
	}
	handlers[kind] = h
}

// Level is a log level understood by ff_log_data.
type Level int32

const (
	LevelError Level = iota + 1
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

// Host is the set of host functions a Context calls.
type Host interface {
	PutObject(typeID int64, row []byte)
	// GetObject returns nil when the object does not exist.
	GetObject(typeID int64, id uint64) []byte
	PutManyToMany(rec []byte)
	Log(level Level, msg string)
	// Exit does not return when running under the host.
	Exit(code int32)
}

// errExit unwinds a dispatch after Exit when the host returns control.
var errExit = errors.New("guest: early exit")

// Context is the storage handle of one batch.
type Context struct {
	host      Host
	namespace string
}

func (c *Context) typeID(e codec.Entity) int64 {
	return typeid.Of(c.namespace, e.TypeName())
}

// Save upserts e.
func (c *Context) Save(e codec.Entity) {
	c.host.PutObject(c.typeID(e), codec.EncodeRow(e.ToRow()))
}

// Load fills e with the stored object id. It reports false when no such
// object exists.
func (c *Context) Load(e codec.Entity, id uint64) (bool, error) {
	b := c.host.GetObject(c.typeID(e), id)
	if b == nil {
		return false, nil
	}
	row, err := codec.DecodeRow(b)
	if err != nil {
		return false, err
	}
	return true, e.FromRow(row)
}

// Link records many-to-many associations of parent.field.
func (c *Context) Link(parent codec.Entity, field string, childIDs ...uint64) {
	c.host.PutManyToMany(codec.EncodeManyToMany(codec.ManyToMany{
		ParentTypeID: c.typeID(parent),
		Field:        field,
		ParentID:     parent.ToRow().ID(),
		ChildIDs:     childIDs,
	}))
}

func (c *Context) Log(level Level, format string, args ...any) {
	c.host.Log(level, fmt.Sprintf(format, args...))
}

// Exit stops the indexer with code. The batch is rolled back.
func (c *Context) Exit(code int32) error {
	c.host.Exit(code)
	return errExit
}

// dispatch decodes a batch and runs the registered handlers in order.
// Events without a handler are skipped.
func dispatch(host Host, payload []byte) error {
	blocks, err := codec.DecodeBatch(payload)
	if err != nil {
		return err
	}

	mu.RLock()
	ctx := &Context{host: host, namespace: cfg.Namespace}
	table := handlers
	mu.RUnlock()

	for _, block := range blocks {
		for _, tx := range block.Transactions {
			for _, event := range tx.Events {
				h, ok := table[event.Kind]
				if !ok {
					continue
				}
				if err := h(ctx, block, event); err != nil {
					if errors.Is(err, errExit) {
						return nil
					}
					return fmt.Errorf("handler %q at height %d: %w", event.Kind, block.Height, err)
				}
			}
		}
	}
	return nil
}

func version() string {
	mu.RLock()
	defer mu.RUnlock()
	return cfg.Version
}
