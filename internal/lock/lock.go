// Package lock enforces single-handler ownership of a task via the
// is_processing flag on the task record.
package lock

import (
	"context"
	"log"

	"github.com/jabeeworks/vibeflow/internal/store"
)

// Manager wraps the store's conditional-write primitive. The underlying
// UPDATE is a single compare-and-set, so no in-process serialization is
// needed on top of it.
type Manager struct {
	Store store.Store
}

func NewManager(s store.Store) Manager {
	return Manager{Store: s}
}

// TryAcquire attempts to take the lock for taskID. Exactly one of any
// number of concurrent callers succeeds.
func (m Manager) TryAcquire(ctx context.Context, taskID string) (bool, error) {
	return m.Store.TryAcquire(ctx, taskID)
}

// Release clears the lock regardless of handler outcome. Handlers that
// finish with a status write fold the release into that write instead;
// this path is for failure exits.
func (m Manager) Release(ctx context.Context, taskID string) {
	if err := m.Store.Release(ctx, taskID); err != nil {
		// A failed release leaves the task stuck until the next startup
		// recovery pass; nothing more can be done at runtime.
		log.Printf("lock: release %s failed: %v", taskID, err)
	}
}

// RecoverStuckLocks clears every held lock and returns the count. A
// prior process instance may have died mid-handler; this pass is the
// sole crash-recovery mechanism and must run before the feed starts.
func (m Manager) RecoverStuckLocks(ctx context.Context) (int, error) {
	n, err := m.Store.ClearStuckLocks(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("lock: recovered %d stuck task(s)", n)
	}
	return n, nil
}
