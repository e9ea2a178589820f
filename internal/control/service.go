package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vietddude/chainindexer/internal/core/config"
	"github.com/vietddude/chainindexer/internal/core/domain"
	"github.com/vietddude/chainindexer/internal/core/manifest"
	"github.com/vietddude/chainindexer/internal/execution"
	"github.com/vietddude/chainindexer/internal/execution/native"
	"github.com/vietddude/chainindexer/internal/execution/wasm"
	"github.com/vietddude/chainindexer/internal/indexing/dispatcher"
	"github.com/vietddude/chainindexer/internal/indexing/health"
	redisclient "github.com/vietddude/chainindexer/internal/infra/redis"
	"github.com/vietddude/chainindexer/internal/infra/source"
	"github.com/vietddude/chainindexer/internal/infra/storage"
	"github.com/vietddude/chainindexer/internal/infra/storage/sqlstore"
	"github.com/vietddude/chainindexer/internal/schema/registry"
)

// ErrRunning is returned for operations that need the indexer to be idle.
var ErrRunning = errors.New("indexer is running")

// Deps are the shared connections of a Service. Source, Stops and Halts are
// optional.
type Deps struct {
	DB     *sqlstore.DB
	Source source.Source
	Stops  StopStore
	Halts  HaltStore
	// Redis is closed with the service when set.
	Redis *redisclient.Client
}

// Service deploys indexers and runs one dispatcher per indexer.
type Service struct {
	cfg      *config.AppConfig
	db       *sqlstore.DB
	schemas  *registry.Manager
	cursors  storage.CursorRepository
	indexers storage.IndexerRepository
	stops    StopStore
	halts    HaltStore
	redis    *redisclient.Client
	log      *slog.Logger

	healthServer *health.Server

	mu      sync.Mutex
	source  source.Source
	runners map[string]*runner
	wg      sync.WaitGroup
}

type runner struct {
	manifest   *manifest.Manifest
	dispatcher *dispatcher.Dispatcher
	done       chan struct{}
}

// Open connects to the configured database and, when configured, Redis, and
// applies the bookkeeping migrations.
func Open(ctx context.Context, cfg *config.AppConfig) (*Service, error) {
	db, err := sqlstore.NewDB(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to init db: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate db: %w", err)
	}

	deps := Deps{DB: db}
	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("Failed to connect to Redis, stop requests and halt history disabled", "error", err)
		} else {
			deps.Redis = client
			deps.Stops = client
			deps.Halts = redisclient.NewHaltRepo(client)
		}
	}
	return New(cfg, deps), nil
}

// New builds a service over already opened connections.
func New(cfg *config.AppConfig, deps Deps) *Service {
	return &Service{
		cfg:      cfg,
		db:       deps.DB,
		schemas:  registry.NewManager(sqlstore.NewRegistryRepo(deps.DB)),
		cursors:  sqlstore.NewCursorRepo(deps.DB),
		indexers: sqlstore.NewIndexerRepo(deps.DB),
		stops:    deps.Stops,
		halts:    deps.Halts,
		redis:    deps.Redis,
		source:   deps.Source,
		log:      slog.Default(),
		runners:  make(map[string]*runner),
	}
}

// Deploy registers the schema and the indexer of m. Redeploying a stopped
// indexer returns it to running at its committed height.
func (s *Service) Deploy(ctx context.Context, m *manifest.Manifest) (*registry.Handle, error) {
	text, err := m.SchemaText()
	if err != nil {
		return nil, err
	}
	handle, err := s.schemas.Deploy(ctx, m.Namespace, text)
	if err != nil {
		return nil, err
	}

	if err := s.indexers.Register(ctx, &storage.Indexer{
		Namespace:     m.Namespace,
		Identifier:    m.Identifier,
		SchemaVersion: handle.Version,
		Execution:     string(m.Execution),
		Module:        m.Module,
	}); err != nil {
		return nil, err
	}

	cur, err := s.cursors.Get(ctx, m.Namespace, m.Identifier)
	switch {
	case errors.Is(err, storage.ErrCursorNotFound):
	case err != nil:
		return nil, err
	case cur.State != domain.CursorStateRunning:
		if err := s.cursors.UpdateState(ctx, m.Namespace, m.Identifier, domain.CursorStateRunning, "redeployed"); err != nil {
			return nil, err
		}
		s.log.Info("Indexer resumed by deploy", "indexer", m.UID(), "height", cur.Height, "was", cur.State)
	}
	s.clearSignals(ctx, m.Namespace, m.Identifier)

	s.log.Info("Indexer deployed",
		"indexer", m.UID(),
		"version", handle.Version,
		"execution", m.Execution,
		"module", m.Module,
	)
	return handle, nil
}

func (s *Service) clearSignals(ctx context.Context, namespace, identifier string) {
	if s.stops != nil {
		if err := s.stops.ClearStop(ctx, namespace, identifier); err != nil {
			s.log.Warn("Failed to clear stop request", "indexer", domain.UID(namespace, identifier), "error", err)
		}
	}
	if s.halts != nil {
		if err := s.halts.Clear(ctx, namespace, identifier); err != nil {
			s.log.Warn("Failed to clear halts", "indexer", domain.UID(namespace, identifier), "error", err)
		}
	}
}

// Start deploys m and runs its dispatcher in the background until ctx is
// cancelled, Stop is called or the indexer halts.
func (s *Service) Start(ctx context.Context, m *manifest.Manifest) error {
	uid := m.UID()

	s.mu.Lock()
	if r, ok := s.runners[uid]; ok && !r.finished() {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w", uid, ErrRunning)
	}
	s.mu.Unlock()

	handle, err := s.Deploy(ctx, m)
	if err != nil {
		return err
	}
	src, err := s.blockSource()
	if err != nil {
		return err
	}
	exec, err := s.newExecutor(ctx, m, handle)
	if err != nil {
		return err
	}

	d := dispatcher.New(dispatcher.Config{
		Namespace:    m.Namespace,
		Identifier:   m.Identifier,
		Mode:         m.Execution,
		BatchSize:    s.cfg.Executor.BatchSize,
		IdleInterval: s.cfg.Executor.IdleInterval,
		StartHeight:  m.StartHeight,
		EndHeight:    m.EndHeight,
		Backoff:      s.cfg.Executor.Backoff(),
		Throttle:     s.cfg.Executor.Throttle(),
		Plan:         handle.Plan,
		Executor:     exec,
		Source:       src,
		Store:        s.db,
		Cursors:      s.cursors,
		Stops:        s.stops,
		Halts:        s.halts,
	})
	r := &runner{manifest: m, dispatcher: d, done: make(chan struct{})}

	s.mu.Lock()
	s.runners[uid] = r
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(r.done)
		defer func() {
			if err := exec.Close(context.Background()); err != nil {
				s.log.Warn("Failed to close executor", "indexer", uid, "error", err)
			}
		}()

		halt, err := d.Run(ctx)
		switch {
		case err != nil:
			s.log.Error("Dispatcher failed", "indexer", uid, "error", err)
		case halt != nil:
			s.log.Warn("Indexer halted",
				"indexer", uid,
				"kind", halt.Kind,
				"height", halt.Height,
				"reason", halt.Error,
			)
		}
	}()
	return nil
}

func (r *runner) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (s *Service) newExecutor(ctx context.Context, m *manifest.Manifest, h *registry.Handle) (execution.Executor, error) {
	timeout := s.cfg.Executor.DispatchTimeout
	if m.Execution == execution.ModeSandboxed {
		code, err := m.ModuleBytes()
		if err != nil {
			return nil, err
		}
		exec, err := wasm.New(ctx, wasm.Config{
			Indexer: m.UID(),
			Module:  code,
			Version: h.Version,
			Timeout: timeout,
		})
		if err != nil {
			return nil, err
		}
		return exec, nil
	}

	exec, err := native.New(native.Config{
		Indexer: m.UID(),
		Module:  m.Module,
		Plan:    h.Plan,
		Timeout: timeout,
	})
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// blockSource returns the shared source, building it from config on first use.
func (s *Service) blockSource() (source.Source, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.source != nil {
		return s.source, nil
	}

	sc := s.cfg.Source
	if sc.URL == "" {
		return nil, fmt.Errorf("source.url is required to run indexers")
	}
	switch strings.ToLower(sc.Kind) {
	case source.KindHTTP:
		s.source = source.NewHTTPSource(source.KindHTTP, sc.URL, sc.Timeout)
	default:
		src, err := source.NewGRPCSource(source.KindGRPC, sc.URL, sc.Timeout)
		if err != nil {
			return nil, fmt.Errorf("failed to create grpc source: %w", err)
		}
		s.source = src
	}
	return s.source, nil
}

// StartAll starts every configured indexer together with the health server
// and the database metrics collector.
func (s *Service) StartAll(ctx context.Context) error {
	if s.cfg.Server.Port > 0 {
		s.healthServer = health.NewServer(health.NewMonitor(s, s.db), s.cfg.Server.Port)
		go func() {
			if err := s.healthServer.Start(); err != nil {
				s.log.Error("Health server failed", "error", err)
			}
		}()
	}
	s.db.StartMetricsCollector(ctx)

	for _, path := range s.cfg.Indexers {
		m, err := manifest.Load(path)
		if err != nil {
			return err
		}
		stopped, err := s.isStopped(ctx, m)
		if err != nil {
			return err
		}
		if stopped {
			s.log.Warn("Indexer is stopped, deploy it to resume", "indexer", m.UID(), "manifest", path)
			continue
		}
		s.log.Info("Starting indexer", "indexer", m.UID(), "manifest", path)
		if err := s.Start(ctx, m); err != nil {
			return fmt.Errorf("failed to start %s: %w", m.UID(), err)
		}
	}
	return nil
}

// isStopped reports whether the indexer's cursor was stopped by a halt or an
// operator. Only an explicit deploy resumes it.
func (s *Service) isStopped(ctx context.Context, m *manifest.Manifest) (bool, error) {
	cur, err := s.cursors.Get(ctx, m.Namespace, m.Identifier)
	switch {
	case errors.Is(err, storage.ErrCursorNotFound):
		return false, nil
	case err != nil:
		return false, err
	}
	return cur.State == domain.CursorStateStopped, nil
}

// Statuses implements health.StatusSource.
func (s *Service) Statuses() []dispatcher.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]dispatcher.Status, 0, len(s.runners))
	for _, r := range s.runners {
		out = append(out, r.dispatcher.Status())
	}
	return out
}

// Wait blocks until every started dispatcher has returned or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status lists the persisted state of every indexer with a cursor.
func (s *Service) Status(ctx context.Context) ([]IndexerStatus, error) {
	cursors, err := s.cursors.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]IndexerStatus, 0, len(cursors))
	for _, c := range cursors {
		st := IndexerStatus{
			Namespace:  c.Namespace,
			Identifier: c.Identifier,
			Height:     c.Height,
			State:      c.State,
			Reason:     c.Reason,
		}
		if s.halts != nil {
			halt, err := s.halts.Latest(ctx, c.Namespace, c.Identifier)
			if err != nil {
				s.log.Warn("Failed to read halts", "indexer", c.UID(), "error", err)
			}
			st.Halt = halt
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *Service) localRunner(namespace, identifier string) (*runner, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runners[domain.UID(namespace, identifier)]
	if !ok || r.finished() {
		return nil, false
	}
	return r, true
}

// ResetCursor moves the cursor of a registered indexer to height and marks
// it running. Entity rows written above height are kept.
func (s *Service) ResetCursor(ctx context.Context, namespace, identifier string, height uint64) error {
	if _, ok := s.localRunner(namespace, identifier); ok {
		return fmt.Errorf("%s: %w", domain.UID(namespace, identifier), ErrRunning)
	}
	if _, err := s.indexers.Get(ctx, namespace, identifier); err != nil {
		return err
	}
	if err := s.cursors.Save(ctx, &domain.Cursor{
		Namespace:  namespace,
		Identifier: identifier,
		Height:     height,
		State:      domain.CursorStateRunning,
		Reason:     "reset",
		UpdatedAt:  time.Now(),
	}); err != nil {
		return err
	}
	if s.stops != nil {
		if err := s.stops.ClearStop(ctx, namespace, identifier); err != nil {
			s.log.Warn("Failed to clear stop request", "indexer", domain.UID(namespace, identifier), "error", err)
		}
	}
	s.log.Info("Cursor reset", "indexer", domain.UID(namespace, identifier), "height", height)
	return nil
}

// RequestStop asks a running indexer to stop at its next batch boundary.
// With a stop store the request reaches dispatchers in other processes and
// the cursor is marked stopped.
func (s *Service) RequestStop(ctx context.Context, namespace, identifier, reason string) error {
	if s.stops != nil {
		return s.stops.RequestStop(ctx, namespace, identifier, reason)
	}
	r, ok := s.localRunner(namespace, identifier)
	if !ok {
		return fmt.Errorf("%s is not running here and no stop store is configured", domain.UID(namespace, identifier))
	}
	r.dispatcher.Stop()
	return nil
}

// Remove stops a local dispatcher, then deletes the deployment record, the
// cursor and the halt history. Entity tables are kept.
func (s *Service) Remove(ctx context.Context, namespace, identifier string) error {
	if r, ok := s.localRunner(namespace, identifier); ok {
		r.dispatcher.Stop()
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := s.indexers.Remove(ctx, namespace, identifier); err != nil {
		return err
	}
	s.clearSignals(ctx, namespace, identifier)

	s.mu.Lock()
	delete(s.runners, domain.UID(namespace, identifier))
	s.mu.Unlock()

	s.log.Info("Indexer removed", "indexer", domain.UID(namespace, identifier))
	return nil
}

// Stop stops every dispatcher, waits for in-flight batches and releases
// the shared connections.
func (s *Service) Stop(ctx context.Context) error {
	s.log.Info("Stopping indexers...")

	s.mu.Lock()
	for _, r := range s.runners {
		r.dispatcher.Stop()
	}
	s.mu.Unlock()

	var errs []error
	if err := s.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("dispatchers did not stop: %w", err))
	}

	if s.healthServer != nil {
		if err := s.healthServer.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	s.mu.Lock()
	if s.source != nil {
		if err := s.source.Close(); err != nil {
			s.log.Warn("Failed to close source", "error", err)
		}
	}
	s.mu.Unlock()
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
