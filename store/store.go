// Package store is the public Storage Facade (spec.md §4.3): the entry
// point wiring together the class registry, transaction manager, topology
// lock, and observable caches into the single object most callers hold.
// Grounded on the teacher's storage/mvcc.Store, which plays the same role
// atop mvcc.Transaction/mvcc.Revision.
package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jrife/zoom/backend"
	"github.com/jrife/zoom/config"
	"github.com/jrife/zoom/lock"
	"github.com/jrife/zoom/observable"
	"github.com/jrife/zoom/registry"
	"github.com/jrife/zoom/txn"
	"github.com/jrife/zoom/zoomlog"
	"github.com/jrife/zoom/zoommetrics"
)

// Store is the public API described in spec.md §4.3.
type Store struct {
	manager *txn.Manager
	lock    *lock.TopologyLock
	cfg     *config.Config
	logger  *zap.Logger

	objectCache *observable.Cache[objKey, interface{}]
	classCache  *observable.Cache[string, ClassMember]

	stopMetrics chan struct{}
}

type objKey struct {
	class string
	id    string
}

// Open builds a Store bound to b and r. r must already be built (spec.md
// §3, "attempting to use the store before build() is an error").
func Open(ctx context.Context, b backend.Backend, r *registry.Registry, cfg *config.Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	if !r.IsBuilt() {
		return nil, &txn.ServiceUnavailableError{Reason: "registry not built"}
	}

	paths := txn.NewPaths(cfg.RootKey, "v1")

	manager, err := txn.NewManager(ctx, b, r, paths, logger)
	if err != nil {
		return nil, fmt.Errorf("store: opening transaction manager: %w", err)
	}

	l, err := lock.New(ctx, b, paths.LockPath(), logger)
	if err != nil {
		return nil, fmt.Errorf("store: opening topology lock: %w", err)
	}

	s := &Store{
		manager:     manager,
		lock:        l,
		cfg:         cfg,
		logger:      logger,
		objectCache: observable.NewCache[objKey, interface{}](),
		classCache:  observable.NewCache[string, ClassMember](),
		stopMetrics: make(chan struct{}),
	}

	go s.reportMetrics()

	return s, nil
}

func (s *Store) reportMetrics() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			zoommetrics.SetObservableCacheSize("object", s.objectCache.Size())
			zoommetrics.SetObservableCacheSize("class", s.classCache.Size())
		case <-s.stopMetrics:
			return
		}
	}
}

// Close releases the topology lock's watch and stops background metrics
// reporting. It does not close the underlying backend, which the caller
// still owns.
func (s *Store) Close() error {
	close(s.stopMetrics)
	return s.lock.Close()
}

// Get fetches (class, id) into out, a pointer to the registered class's Go
// type, per spec.md §4.3 ("missing node → NotFound").
func (s *Store) Get(ctx context.Context, class, id string, out interface{}) error {
	defer zoommetrics.Timer(zoommetrics.BackendOpGet)()

	ci, ok := s.manager.Registry().Class(class)
	if !ok {
		return &txn.InternalObjectMapperError{Cause: fmt.Errorf("unregistered class %q", class)}
	}

	data, _, err := s.manager.Backend().Get(ctx, s.manager.Paths().ModelPath(class, id))

	if errors.Is(err, backend.ErrNoNode) {
		zoommetrics.IncError(zoommetrics.ErrorKindNotFound)
		return &txn.NotFoundError{Class: class, ID: id}
	}

	if err != nil {
		zoommetrics.IncError(zoommetrics.ErrorKindStorageFailure)
		return &txn.StorageFailureError{Reason: "get", Cause: err}
	}

	if err := ci.Serializer.Unmarshal(data, out); err != nil {
		return &txn.InternalObjectMapperError{Cause: err}
	}

	return nil
}

// Exists reports whether (class, id) exists, per spec.md §4.3 ("never
// raises on missing, returns boolean").
func (s *Store) Exists(ctx context.Context, class, id string) (bool, error) {
	defer zoommetrics.Timer(zoommetrics.BackendOpExists)()

	exists, _, err := s.manager.Backend().Exists(ctx, s.manager.Paths().ModelPath(class, id))
	if err != nil {
		return false, &txn.StorageFailureError{Reason: "exists", Cause: err}
	}

	return exists, nil
}

// GetAll fetches every id in ids, in order, into freshly allocated values
// of class's registered type, per spec.md §4.3 ("parallel fan-out of
// get"). A NotFoundError for any single id fails the whole call.
func (s *Store) GetAll(ctx context.Context, class string, ids []string) ([]interface{}, error) {
	ci, ok := s.manager.Registry().Class(class)
	if !ok {
		return nil, &txn.InternalObjectMapperError{Cause: fmt.Errorf("unregistered class %q", class)}
	}

	results := make([]interface{}, len(ids))
	errs := make([]error, len(ids))

	var wg sync.WaitGroup
	wg.Add(len(ids))

	for i, id := range ids {
		go func(i int, id string) {
			defer wg.Done()

			out := reflect.New(ci.Type).Interface()

			if err := s.Get(ctx, class, id, out); err != nil {
				errs[i] = err
				return
			}

			results[i] = out
		}(i, id)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	return results, nil
}

// GetAllInClass lists class's directory and fans out GetAll across every
// id found there, per spec.md §4.3. A missing class directory is an
// internal error, since Open's transaction manager bootstrap creates the
// directory of every registered class.
func (s *Store) GetAllInClass(ctx context.Context, class string) ([]interface{}, error) {
	defer zoommetrics.Timer(zoommetrics.BackendOpChildren)()

	ids, err := s.manager.Backend().Children(ctx, s.manager.Paths().ClassModelsDir(class))

	if errors.Is(err, backend.ErrNoNode) {
		return nil, &txn.InternalObjectMapperError{Cause: fmt.Errorf("class %q has no models directory", class)}
	}

	if err != nil {
		return nil, &txn.InternalObjectMapperError{Cause: fmt.Errorf("listing class %q: %w", class, err)}
	}

	sort.Strings(ids)

	return s.GetAll(ctx, class, ids)
}

// Transaction opens a fresh Transaction bound to owner, per spec.md §4.3.
func (s *Store) Transaction(ctx context.Context, owner string) (*txn.Transaction, error) {
	return s.manager.New(ctx, owner)
}

// TryTransaction acquires the topology lock (unless lock-free mode is
// active), runs body inside a fresh transaction, commits, and retries the
// entire body on ConcurrentModification up to TransactionAttempts-1
// additional times, per spec.md §4.3.
func (s *Store) TryTransaction(ctx context.Context, owner string, body lock.Body) error {
	err := lock.TryTransaction(ctx, s.lock, s.manager, owner, s.cfg.TransactionAttempts, s.cfg.LockTimeout, s.logger, body)

	if err != nil {
		if txn.IsConcurrentModification(err) {
			zoommetrics.IncError(zoommetrics.ErrorKindConcurrentModified)
		} else {
			zoomlog.WithContext(ctx, s.logger).Error("tryTransaction failed", zap.String("owner", owner), zap.Error(err))
		}
	}

	return err
}

// Multi opens a transaction with owner "", applies ops in order, and
// commits, per spec.md §4.3.
func (s *Store) Multi(ctx context.Context, ops ...Op) error {
	tx, err := s.manager.New(ctx, "")
	if err != nil {
		return err
	}

	for _, op := range ops {
		if err := op.apply(ctx, tx); err != nil {
			tx.Close(ctx)
			return err
		}
	}

	return tx.Commit(ctx)
}
