package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/divortio/wafu/internal/sinks"
)

// Manager owns the global store and lazily creates/destroys per-route
// stores, keyed by route id, per §3's tenant store lifecycle. Its map lock
// is distinct from any individual store's write lock (§5).
type Manager struct {
	dataDir string
	audit   sinks.Sink
	log     *slog.Logger

	global *Store

	mu     sync.RWMutex
	routes map[string]*Store
}

// NewManager opens (or creates) the global store under dataDir and returns
// a ready Manager. dataDir/routes holds one SQLite file per route.
func NewManager(ctx context.Context, dataDir string, audit sinks.Sink, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(dataDir, "routes"), 0o755); err != nil {
		return nil, fmt.Errorf("store: create data dir: %w", err)
	}

	global, err := Open(ctx, KindGlobal, "global", filepath.Join(dataDir, "global.db"), audit, log)
	if err != nil {
		return nil, err
	}

	return &Manager{
		dataDir: dataDir,
		audit:   audit,
		log:     log,
		global:  global,
		routes:  make(map[string]*Store),
	}, nil
}

// Global returns the process-wide global tenant store.
func (m *Manager) Global() *Store { return m.global }

// Route returns the tenant store for routeID, opening it on first
// reference. The caller must have already confirmed routeID names a real
// route in the global store's directory.
func (m *Manager) Route(ctx context.Context, routeID string) (*Store, error) {
	m.mu.RLock()
	s, ok := m.routes[routeID]
	m.mu.RUnlock()
	if ok {
		return s, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.routes[routeID]; ok {
		return s, nil
	}

	s, err := Open(ctx, KindRoute, routeID, m.routeDBPath(routeID), m.audit, m.log)
	if err != nil {
		return nil, err
	}
	m.routes[routeID] = s
	return s, nil
}

// DeleteRoute removes routeID's store registration, closes its SQL
// connection, and deletes its database file. It does not touch the route's
// record in the global store; callers delete that via Global().DeleteRoute
// first.
func (m *Manager) DeleteRoute(routeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.routes[routeID]; ok {
		_ = s.Close()
		delete(m.routes, routeID)
	}
	path := m.routeDBPath(routeID)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: remove route db %q: %w", path, err)
	}
	return nil
}

func (m *Manager) routeDBPath(routeID string) string {
	return filepath.Join(m.dataDir, "routes", routeID+".db")
}

// Close closes the global store and every open route store.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.routes {
		_ = s.Close()
	}
	return m.global.Close()
}
