// Package native runs handler modules linked into the indexer binary.
//
// Modules add themselves to a static table from an init function, the same
// way database/sql drivers do:
//
//	func init() {
//		native.Register(native.Module{
//			Name:     "counter",
//			Handlers: map[string]native.HandlerFunc{"count": handleCount},
//		})
//	}
package native

import (
	"fmt"
	"sort"
	"sync"

	"github.com/vietddude/chainindexer/internal/core/domain"
)

// HandlerFunc handles one decoded event of a block.
type HandlerFunc func(ctx *Context, block domain.Block, event domain.Event) error

// Module is a named set of handlers keyed by event discriminant.
type Module struct {
	Name     string
	Handlers map[string]HandlerFunc
}

var (
	modulesMu sync.RWMutex
	modules   = make(map[string]Module)
)

// Register makes a module available by name. It panics if the name is empty,
// the module has no handlers, or Register is called twice with the same name.
func Register(m Module) {
	modulesMu.Lock()
	defer modulesMu.Unlock()

	if m.Name == "" {
		panic("native: Register module without a name")
	}
	if len(m.Handlers) == 0 {
		panic(fmt.Sprintf("native: Register module %q without handlers", m.Name))
	}
	if _, dup := modules[m.Name]; dup {
		panic(fmt.Sprintf("native: Register called twice for module %q", m.Name))
	}

	handlers := make(map[string]HandlerFunc, len(m.Handlers))
	for kind, fn := range m.Handlers {
		if fn == nil {
			panic(fmt.Sprintf("native: module %q has a nil handler for %q", m.Name, kind))
		}
		handlers[kind] = fn
	}
	modules[m.Name] = Module{Name: m.Name, Handlers: handlers}
}

// Lookup returns a registered module.
func Lookup(name string) (Module, bool) {
	modulesMu.RLock()
	defer modulesMu.RUnlock()
	m, ok := modules[name]
	return m, ok
}

// Modules returns the sorted names of the registered modules.
func Modules() []string {
	modulesMu.RLock()
	defer modulesMu.RUnlock()
	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
