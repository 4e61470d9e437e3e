// Package store implements C5: the per-tenant SQL-backed configuration
// store with an immutable, lazily-loaded snapshot cache. Exactly one global
// singleton exists process-wide; one store exists per defined route,
// created on first reference and destroyed when the route is deleted
// (see Manager in manager.go).
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pressly/goose/v3"

	_ "github.com/mattn/go-sqlite3"

	"github.com/divortio/wafu/internal/sinks"
	"github.com/divortio/wafu/internal/waf"
)

//go:embed migrations/global/*.sql
var globalMigrations embed.FS

//go:embed migrations/route/*.sql
var routeMigrations embed.FS

// Kind distinguishes the global singleton store from a per-route store; the
// global store alone owns routes and error_pages.
type Kind string

const (
	KindGlobal Kind = "global"
	KindRoute  Kind = "route"
)

// Snapshot is the immutable, cached read view of a tenant store. It is
// never mutated in place: a write invalidates the cached Snapshot, and the
// next GetSnapshot reloads it from SQL and publishes it under Store.snapMu.
type Snapshot struct {
	Rules      []waf.Rule
	Routes     []waf.Route         // populated only for the global store
	ErrorPages map[int]waf.ErrorPage // populated only for the global store
}

// RuleByID returns the rule with the given id, if present.
func (s *Snapshot) RuleByID(id string) (waf.Rule, bool) {
	for _, r := range s.Rules {
		if r.ID == id {
			return r, true
		}
	}
	return waf.Rule{}, false
}

// Store is one tenant's durable configuration, SQL-backed and fronted by an
// in-memory snapshot.
type Store struct {
	kind Kind
	id   string
	db   *sql.DB
	log  *slog.Logger
	audit sinks.Sink

	writeMu sync.Mutex // serializes mutations against this store's SQL

	snapMu   sync.RWMutex
	snapshot *Snapshot // nil until first load
	epoch    uint64    // bumped by invalidate; guards against publishing a load started before a write
	gate     loadGate
}

// Open opens (creating if necessary) the SQLite file at path, applies
// migrations for kind, and returns a ready Store. audit may be nil, in
// which case writes emit no audit record.
func Open(ctx context.Context, kind Kind, id, path string, audit sinks.Sink, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %q: %w", path, err)
	}

	if err := migrate(db, kind); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{kind: kind, id: id, db: db, log: log.With("tenant", id), audit: audit}, nil
}

func migrate(db *sql.DB, kind Kind) error {
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("store: set dialect: %w", err)
	}
	switch kind {
	case KindGlobal:
		goose.SetBaseFS(globalMigrations)
		defer goose.SetBaseFS(nil)
		return goose.Up(db, "migrations/global")
	default:
		goose.SetBaseFS(routeMigrations)
		defer goose.SetBaseFS(nil)
		return goose.Up(db, "migrations/route")
	}
}

// Close releases the underlying SQL connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ID returns the tenant identity ("global" or a route id).
func (s *Store) ID() string { return s.id }

// Kind reports whether this is the global store or a route store.
func (s *Store) Kind() Kind { return s.kind }

// GetSnapshot returns the current cached view, loading from SQL on miss.
// Concurrent misses coordinate through a single in-flight load.
func (s *Store) GetSnapshot(ctx context.Context) (*Snapshot, error) {
	s.snapMu.RLock()
	if s.snapshot != nil {
		snap := s.snapshot
		s.snapMu.RUnlock()
		return snap, nil
	}
	epoch := s.epoch
	s.snapMu.RUnlock()

	snap, err := s.gate.do(func() (*Snapshot, error) {
		return s.loadFromSQL(ctx)
	})
	if err != nil {
		return nil, err
	}

	s.snapMu.Lock()
	// Only publish this load if no write invalidated the cache while it was
	// in flight; otherwise it may reflect pre-write state and must not
	// linger as the cached snapshot past the write that already tried to
	// evict it.
	if s.snapshot == nil && s.epoch == epoch {
		s.snapshot = snap
	}
	current := s.snapshot
	s.snapMu.Unlock()
	if current == nil {
		return snap, nil
	}
	return current, nil
}

// invalidate drops the cached snapshot and advances the epoch so the next
// read reloads from SQL, even if a load already in flight from before this
// call returns after it.
func (s *Store) invalidate() {
	s.snapMu.Lock()
	s.snapshot = nil
	s.epoch++
	s.snapMu.Unlock()
}

func (s *Store) loadFromSQL(ctx context.Context) (*Snapshot, error) {
	rules, err := s.loadRules(ctx, s.db)
	if err != nil {
		return nil, waf.NewError(waf.ErrInternal, "load rules", err)
	}
	snap := &Snapshot{Rules: rules}

	if s.kind == KindGlobal {
		routes, err := s.loadRoutes(ctx, s.db)
		if err != nil {
			return nil, waf.NewError(waf.ErrInternal, "load routes", err)
		}
		pages, err := s.loadErrorPages(ctx, s.db)
		if err != nil {
			return nil, waf.NewError(waf.ErrInternal, "load error pages", err)
		}
		snap.Routes = routes
		snap.ErrorPages = pages
	}
	return snap, nil
}

// emitAudit appends an audit record; failures are logged, never propagated,
// per §4.5 ("audit emission failure is logged but does not roll back").
func (s *Store) emitAudit(ctx context.Context, actor, action, targetID string, before, after any) {
	if s.audit == nil {
		return
	}
	record := map[string]any{
		"actor":     actor,
		"context":   s.id,
		"action":    action,
		"target_id": targetID,
		"before":    before,
		"after":     after,
	}
	if err := s.audit.Append(ctx, record); err != nil {
		s.log.Warn("audit emission failed", "action", action, "target_id", targetID, "error", err)
	}
}
