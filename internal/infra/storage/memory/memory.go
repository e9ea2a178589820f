// Package memory is an in-process implementation of the storage interfaces,
// used by tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/chainindexer/internal/codec"
	"github.com/vietddude/chainindexer/internal/core/domain"
	"github.com/vietddude/chainindexer/internal/execution"
	"github.com/vietddude/chainindexer/internal/infra/storage"
	"github.com/vietddude/chainindexer/internal/schema"
)

type link struct {
	parent, child uint64
}

type MemoryStorage struct {
	objects map[int64]map[uint64]codec.Row
	links   map[int64]map[link]struct{}
	cursors map[string]*domain.Cursor
	mu      sync.RWMutex

	// CommitHook, when set, runs before a commit is applied. A non-nil error
	// aborts the commit and nothing is written.
	CommitHook func() error
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		objects: make(map[int64]map[uint64]codec.Row),
		links:   make(map[int64]map[link]struct{}),
		cursors: make(map[string]*domain.Cursor),
	}
}

// Object returns a committed row.
func (s *MemoryStorage) Object(typeID int64, id uint64) (codec.Row, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.objects[typeID][id]
	return row, ok
}

// Count returns the number of committed rows of a type.
func (s *MemoryStorage) Count(typeID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects[typeID]) + len(s.links[typeID])
}

// -----------------------------------------------------------------------------
// Unit of work
// -----------------------------------------------------------------------------

type UnitOfWork struct {
	store   *MemoryStorage
	plan    *schema.Plan
	layouts map[int64]*codec.Layout
	done    bool

	objects map[int64]map[uint64]codec.Row
	links   map[int64]map[link]struct{}
	cursors map[string]domain.Cursor
}

var _ storage.UnitOfWork = (*UnitOfWork)(nil)

func (s *MemoryStorage) NewUnitOfWork(_ context.Context, plan *schema.Plan) (storage.UnitOfWork, error) {
	return &UnitOfWork{
		store:   s,
		plan:    plan,
		layouts: plan.Layouts(),
		objects: make(map[int64]map[uint64]codec.Row),
		links:   make(map[int64]map[link]struct{}),
		cursors: make(map[string]domain.Cursor),
	}, nil
}

func (u *UnitOfWork) check() error {
	if u.done {
		return domain.Errorf(domain.ErrExecution, "session", "transaction already completed")
	}
	return nil
}

func (u *UnitOfWork) PutObject(_ context.Context, typeID int64, row codec.Row) error {
	if err := u.check(); err != nil {
		return err
	}
	layout, ok := u.layouts[typeID]
	if !ok {
		return domain.Errorf(domain.ErrExecution, "put_object", "unknown type id %d", typeID)
	}
	if err := layout.Check(row); err != nil {
		return err
	}
	if u.objects[typeID] == nil {
		u.objects[typeID] = make(map[uint64]codec.Row)
	}
	u.objects[typeID][row.ID()] = append(codec.Row(nil), row...)
	return nil
}

func (u *UnitOfWork) GetObject(_ context.Context, typeID int64, id uint64) (codec.Row, error) {
	if err := u.check(); err != nil {
		return nil, err
	}
	if _, ok := u.layouts[typeID]; !ok {
		return nil, domain.Errorf(domain.ErrExecution, "get_object", "unknown type id %d", typeID)
	}
	if row, ok := u.objects[typeID][id]; ok {
		return row, nil
	}
	if row, ok := u.store.Object(typeID, id); ok {
		return row, nil
	}
	return nil, execution.ErrNotFound
}

func (u *UnitOfWork) PutManyToMany(_ context.Context, rec codec.ManyToMany) error {
	if err := u.check(); err != nil {
		return err
	}
	t, ok := u.plan.JoinTable(rec.ParentTypeID, rec.Field)
	if !ok {
		return domain.Errorf(domain.ErrExecution, "put_many_to_many",
			"no join table for type %d field %q", rec.ParentTypeID, rec.Field)
	}
	if u.links[t.TypeID] == nil {
		u.links[t.TypeID] = make(map[link]struct{})
	}
	for _, child := range rec.ChildIDs {
		u.links[t.TypeID][link{rec.ParentID, child}] = struct{}{}
	}
	return nil
}

func (u *UnitOfWork) AdvanceCursor(_ context.Context, namespace, identifier string, height uint64) error {
	if err := u.check(); err != nil {
		return err
	}
	uid := domain.UID(namespace, identifier)
	u.store.mu.RLock()
	current, ok := u.store.cursors[uid]
	u.store.mu.RUnlock()
	if ok && current.Height >= height {
		return domain.Wrap(domain.ErrExecution, "advance_cursor",
			fmt.Errorf("%w: %s to %d", storage.ErrCursorRegression, uid, height))
	}
	u.cursors[uid] = domain.Cursor{Namespace: namespace, Identifier: identifier, Height: height}
	return nil
}

func (u *UnitOfWork) Commit() error {
	if u.done {
		return fmt.Errorf("transaction already completed")
	}
	u.done = true

	s := u.store
	if s.CommitHook != nil {
		if err := s.CommitHook(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for typeID, rows := range u.objects {
		if s.objects[typeID] == nil {
			s.objects[typeID] = make(map[uint64]codec.Row)
		}
		for id, row := range rows {
			s.objects[typeID][id] = row
		}
	}
	for typeID, links := range u.links {
		if s.links[typeID] == nil {
			s.links[typeID] = make(map[link]struct{})
		}
		for l := range links {
			s.links[typeID][l] = struct{}{}
		}
	}
	for uid, staged := range u.cursors {
		c, ok := s.cursors[uid]
		if !ok {
			c = &domain.Cursor{Namespace: staged.Namespace, Identifier: staged.Identifier, State: domain.CursorStateRunning}
			s.cursors[uid] = c
		}
		c.Height = staged.Height
		c.UpdatedAt = time.Now()
	}
	return nil
}

func (u *UnitOfWork) Rollback() error {
	u.done = true
	return nil
}

// -----------------------------------------------------------------------------
// Cursor Repository
// -----------------------------------------------------------------------------

type CursorRepo struct {
	store *MemoryStorage
}

var _ storage.CursorRepository = (*CursorRepo)(nil)

func NewCursorRepo(store *MemoryStorage) *CursorRepo {
	return &CursorRepo{store: store}
}

func (r *CursorRepo) Get(_ context.Context, namespace, identifier string) (*domain.Cursor, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	c, ok := r.store.cursors[domain.UID(namespace, identifier)]
	if !ok {
		return nil, storage.ErrCursorNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *CursorRepo) Save(_ context.Context, cursor *domain.Cursor) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cp := *cursor
	if cp.State == "" {
		cp.State = domain.CursorStateRunning
	}
	cp.UpdatedAt = time.Now()
	r.store.cursors[cursor.UID()] = &cp
	return nil
}

func (r *CursorRepo) UpdateState(_ context.Context, namespace, identifier string, state domain.CursorState, reason string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c, ok := r.store.cursors[domain.UID(namespace, identifier)]
	if !ok {
		return storage.ErrCursorNotFound
	}
	c.State = state
	c.Reason = reason
	c.UpdatedAt = time.Now()
	return nil
}

func (r *CursorRepo) List(_ context.Context) ([]*domain.Cursor, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.Cursor, 0, len(r.store.cursors))
	for _, c := range r.store.cursors {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID() < out[j].UID() })
	return out, nil
}

func (r *CursorRepo) Delete(_ context.Context, namespace, identifier string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.cursors, domain.UID(namespace, identifier))
	return nil
}
