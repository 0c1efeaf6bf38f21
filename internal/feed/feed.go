// Package feed turns the task change log into a deduplicated stream of
// (taskID, snapshot) events for the planner. Delivery is at-least-once;
// the lock makes duplicates safe.
package feed

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jabeeworks/vibeflow/internal/domain"
	"github.com/jabeeworks/vibeflow/internal/store"
)

// Event is one observed creation or update of a task, paired with the
// snapshot read at delivery time.
type Event struct {
	TaskID string
	Task   domain.Task
}

const defaultPollInterval = 2 * time.Second

// Source is the slice of the task store the subscriber reads from.
type Source interface {
	LatestChangeID(ctx context.Context) (int64, error)
	ListTasks(ctx context.Context, f store.TaskFilters) ([]domain.Task, error)
	ChangesAfter(ctx context.Context, cursor int64, limit int, statuses []domain.Status) ([]domain.Change, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
}

// Subscriber tails the change log filtered to the actionable statuses.
type Subscriber struct {
	Store        Source
	Statuses     []domain.Status
	PollInterval time.Duration

	cursor int64
}

func NewSubscriber(s Source) *Subscriber {
	return &Subscriber{
		Store:        s,
		Statuses:     domain.ActionableStatuses,
		PollInterval: defaultPollInterval,
	}
}

// Run emits events to out until ctx is done. It first replays every
// task currently sitting in an actionable status (a new subscriber sees
// the existing backlog, matching live-query semantics), then follows
// the change log from the current tail. Transient store errors are
// retried with exponential backoff without losing the cursor, so no
// early events are dropped across reconnects.
func (f *Subscriber) Run(ctx context.Context, out chan<- Event) error {
	interval := f.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if len(f.Statuses) == 0 {
		f.Statuses = domain.ActionableStatuses
	}

	if err := f.replayBacklog(ctx, out); err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // keep resubscribing for the life of the process

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := f.drain(ctx, out); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := bo.NextBackOff()
			log.Printf("feed: poll failed, retrying in %s: %v", wait, err)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		bo.Reset()
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// replayBacklog snapshots the tail cursor first, then lists actionable
// tasks. Changes written during the listing are at or before the tail
// and may be delivered twice; never skipped.
func (f *Subscriber) replayBacklog(ctx context.Context, out chan<- Event) error {
	tail, err := f.Store.LatestChangeID(ctx)
	if err != nil {
		return err
	}
	tasks, err := f.Store.ListTasks(ctx, store.TaskFilters{Statuses: f.Statuses})
	if err != nil {
		return err
	}
	f.cursor = tail
	for _, t := range tasks {
		if !f.emit(ctx, out, t) {
			return ctx.Err()
		}
	}
	return nil
}

// drain consumes all change rows past the cursor, collapsing multiple
// rows for the same task into one event carrying the latest snapshot.
func (f *Subscriber) drain(ctx context.Context, out chan<- Event) error {
	for {
		changes, err := f.Store.ChangesAfter(ctx, f.cursor, 100, f.Statuses)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			return nil
		}
		seen := map[string]bool{}
		var order []string
		for _, c := range changes {
			if !seen[c.TaskID] {
				seen[c.TaskID] = true
				order = append(order, c.TaskID)
			}
		}
		for _, id := range order {
			t, err := f.Store.GetTask(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				continue // deleted since the change was logged
			}
			if err != nil {
				// Leave the cursor where it was: the retry after
				// backoff re-reads this batch instead of dropping it.
				return err
			}
			if !t.Status.Actionable() {
				continue // moved on since the change was logged
			}
			if !f.emit(ctx, out, t) {
				return ctx.Err()
			}
		}
		f.cursor = changes[len(changes)-1].ID
	}
}

func (f *Subscriber) emit(ctx context.Context, out chan<- Event, t domain.Task) bool {
	select {
	case out <- Event{TaskID: t.ID, Task: t}:
		return true
	case <-ctx.Done():
		return false
	}
}
