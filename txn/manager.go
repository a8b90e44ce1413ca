// Package txn implements the transaction manager: snapshot + plan + commit
// over a backend.Backend, per spec.md §4.2. Grounded on the teacher's
// storage/mvcc split between building up mutations (mvcc.Transaction) and
// committing them atomically (mvcc.Revision), generalized here to a typed
// object graph with symmetric bindings instead of raw key-value mutations.
package txn

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jrife/zoom/backend"
	"github.com/jrife/zoom/registry"
	"github.com/jrife/zoom/zoomlog"
)

// Manager opens Transactions against a fixed backend and registry.
type Manager struct {
	backend  backend.Backend
	registry *registry.Registry
	paths    Paths
	logger   *zap.Logger
}

// NewManager constructs a Manager, first idempotently bootstrapping the
// backend node hierarchy (root/version/models/objects/locks/zoomlocks,
// plus a models and objects directory per registered class) that every
// later operation depends on, per spec.md §3. registry must already be
// built.
func NewManager(ctx context.Context, b backend.Backend, r *registry.Registry, paths Paths, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if !r.IsBuilt() {
		return nil, &ServiceUnavailableError{Reason: "registry not built"}
	}

	m := &Manager{backend: b, registry: r, paths: paths, logger: logger}

	if err := m.bootstrap(ctx); err != nil {
		return nil, &InternalObjectMapperError{Cause: fmt.Errorf("bootstrapping backend hierarchy: %w", err)}
	}

	return m, nil
}

// New opens a fresh transaction: it creates an ephemeral sequential marker
// node and records its backend-assigned creation version as the
// transaction's snapshot upper bound Z, per spec.md §4.2.
func (m *Manager) New(ctx context.Context, owner string) (*Transaction, error) {
	if !m.registry.IsBuilt() {
		return nil, &ServiceUnavailableError{Reason: "registry not built"}
	}

	markerPath, err := m.backend.CreateEphemeralSequential(ctx, m.paths.MarkerPrefix(), []byte(owner))
	if err != nil {
		return nil, &InternalObjectMapperError{Cause: fmt.Errorf("creating snapshot marker: %w", err)}
	}

	_, z, err := m.backend.Exists(ctx, markerPath)
	if err != nil {
		return nil, &InternalObjectMapperError{Cause: fmt.Errorf("reading snapshot marker version: %w", err)}
	}

	return &Transaction{
		manager:    m,
		owner:      owner,
		markerPath: markerPath,
		z:          z,
		objects:    map[objKey]*cacheEntry{},
		planned:    map[objKey]*plannedObject{},
		rawOps:     map[string]*rawOp{},
		visited:    map[objKey]bool{},
	}, nil
}

// logger scoped with a context's structured fields.
func (m *Manager) log(ctx context.Context) *zap.Logger {
	return zoomlog.WithContext(ctx, m.logger)
}

// Backend returns the coordination backend this Manager opens transactions
// against, for use by callers (such as store) that need to read or watch
// outside the scope of any single transaction.
func (m *Manager) Backend() backend.Backend { return m.backend }

// Registry returns this Manager's built class registry.
func (m *Manager) Registry() *registry.Registry { return m.registry }

// Paths returns this Manager's configured path scheme.
func (m *Manager) Paths() Paths { return m.paths }
