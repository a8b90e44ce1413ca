package txn

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/jrife/zoom/backend"
)

// bootstrap idempotently creates the backend node hierarchy every other
// operation depends on, per spec.md §3 ("Class directories are created
// once at build(), after idempotent existence checks"). The coordination
// backends this module ships against a hierarchical namespace
// (backend/memory, backend/boltdriver) require a node's parent to already
// exist before the node itself can be created, so none of this can be
// created lazily by the first transaction or read that happens to need it.
func (m *Manager) bootstrap(ctx context.Context) error {
	if err := ensureNode(ctx, m.backend, m.paths.Base); err != nil {
		return fmt.Errorf("creating %s: %w", m.paths.Base, err)
	}

	for _, dir := range []string{"models", "objects", "locks", "zoomlocks"} {
		nodePath := path.Join(m.paths.Base, dir)

		if err := ensureNode(ctx, m.backend, nodePath); err != nil {
			return fmt.Errorf("creating %s: %w", nodePath, err)
		}
	}

	for _, class := range m.registry.Classes() {
		if err := ensureNode(ctx, m.backend, m.paths.ClassModelsDir(class)); err != nil {
			return fmt.Errorf("creating models dir for class %q: %w", class, err)
		}

		if err := ensureNode(ctx, m.backend, m.paths.ClassObjectsDir(class)); err != nil {
			return fmt.Errorf("creating objects dir for class %q: %w", class, err)
		}
	}

	return nil
}

// ensureNode creates nodePath and every ancestor that does not already
// exist, tolerating ErrNodeExists at each level so two callers racing to
// bootstrap the same backend (e.g. two Store.Open calls) converge without
// error instead of one failing the other.
func ensureNode(ctx context.Context, b backend.Backend, nodePath string) error {
	segments := strings.Split(strings.Trim(nodePath, "/"), "/")

	cur := ""

	for _, seg := range segments {
		if seg == "" {
			continue
		}

		cur += "/" + seg

		if err := b.Create(ctx, cur, nil); err != nil && !errors.Is(err, backend.ErrNodeExists) {
			return err
		}
	}

	return nil
}
