package lock

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jrife/zoom/txn"
	"github.com/jrife/zoom/zoomlog"
)

// Body is the caller-supplied unit of work run inside a fresh transaction
// by TryTransaction. Returning a non-nil error aborts and, if it is a
// *txn.ConcurrentModificationError, triggers a retry.
type Body func(ctx context.Context, tx *txn.Transaction) error

// TryTransaction acquires l (unless lock-free mode is active), runs body
// inside a fresh transaction opened from manager, commits, and retries the
// entire body on ConcurrentModification up to attempts-1 additional times,
// per spec.md §4.3 and DESIGN NOTES §9 ("Transaction retry").
func TryTransaction(ctx context.Context, l *TopologyLock, manager *txn.Manager, owner string, attempts int, lockTimeout time.Duration, logger *zap.Logger, body Body) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	if attempts < 1 {
		attempts = 1
	}

	release, err := l.Acquire(ctx, lockTimeout)
	if err != nil {
		return &txn.StorageFailureError{Reason: "lock acquisition timed out", Cause: err}
	}

	defer release()

	var lastErr error

	for attempt := 0; attempt < attempts; attempt++ {
		tx, err := manager.New(ctx, owner)
		if err != nil {
			return err
		}

		bodyErr := body(ctx, tx)

		if bodyErr != nil {
			tx.Close(ctx)
			lastErr = bodyErr

			if txn.IsConcurrentModification(bodyErr) {
				logger.Info("transaction body observed concurrent modification, retrying",
					zoomlog.Attempt(attempt+1))
				continue
			}

			return bodyErr
		}

		commitErr := tx.Commit(ctx)

		if commitErr == nil {
			return nil
		}

		lastErr = commitErr

		if !txn.IsConcurrentModification(commitErr) {
			return commitErr
		}

		logger.Info("transaction commit observed concurrent modification, retrying",
			zoomlog.Attempt(attempt+1))
	}

	return lastErr
}
