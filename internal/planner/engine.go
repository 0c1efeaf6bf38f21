// Package planner drives tasks through the idea-to-shipped-app
// lifecycle. The engine watches the change feed and dispatches each
// actionable task to exactly one handler at a time; the is_processing
// lock is the only cross-event ordering constraint.
package planner

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/jabeeworks/vibeflow/internal/agent"
	"github.com/jabeeworks/vibeflow/internal/domain"
	"github.com/jabeeworks/vibeflow/internal/feed"
	"github.com/jabeeworks/vibeflow/internal/lock"
	"github.com/jabeeworks/vibeflow/internal/notify"
	"github.com/jabeeworks/vibeflow/internal/pipeline"
	"github.com/jabeeworks/vibeflow/internal/provision"
	"github.com/jabeeworks/vibeflow/internal/store"
)

const (
	defaultWorkers  = 4
	defaultQueueCap = 64
	// Approval deadline written by Refine Draft: one day out.
	defaultDeadlineOffset = 24 * time.Hour
)

// handlerFunc runs one transition. Its last act on success is a single
// combined status+release write through the store; on failure it
// returns an error and the engine releases the lock with status
// untouched (or the handler has already reverted it).
type handlerFunc func(ctx context.Context, t domain.Task) error

// Engine is the status-keyed dispatch table plus the worker pool that
// consumes feed events.
type Engine struct {
	Store       store.Store
	Locks       lock.Manager
	Agent       agent.Invoker
	Provisioner provision.Provisioner
	Pipeline    pipeline.Runner
	Notifier    notify.Sink

	Workers        int
	QueueCap       int
	DeadlineOffset time.Duration
	Now            func() time.Time

	handlers map[domain.Status]handlerFunc
}

// New wires an engine. All collaborators are required except Notifier,
// which defaults to a discard sink.
func New(s store.Store, locks lock.Manager, inv agent.Invoker, prov provision.Provisioner, pipe pipeline.Runner, sink notify.Sink) *Engine {
	if sink == nil {
		sink = notify.Discard{}
	}
	e := &Engine{
		Store:          s,
		Locks:          locks,
		Agent:          inv,
		Provisioner:    prov,
		Pipeline:       pipe,
		Notifier:       sink,
		Workers:        defaultWorkers,
		QueueCap:       defaultQueueCap,
		DeadlineOffset: defaultDeadlineOffset,
		Now:            time.Now,
	}
	e.handlers = map[domain.Status]handlerFunc{
		domain.StatusDraft:              e.refineDraft,
		domain.StatusFeedbackPending:    e.applyFeedback,
		domain.StatusApproved:           e.provisionAndDesign,
		domain.StatusDevelopmentStarted: e.startDevelopment,
		domain.StatusRejected:           e.rejectAndCleanup,
	}
	return e
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Run performs the startup recovery pass, then consumes sub's events
// with a fixed-size worker pool until ctx is done. Exactly one recovery
// pass runs before the subscription starts, so a freshly delivered
// event can never race a recovery write for the same task.
func (e *Engine) Run(ctx context.Context, sub *feed.Subscriber) error {
	if _, err := e.Locks.RecoverStuckLocks(ctx); err != nil {
		return err
	}

	workers := e.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueCap := e.QueueCap
	if queueCap <= 0 {
		queueCap = defaultQueueCap
	}
	events := make(chan feed.Event, queueCap)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range events {
				e.Dispatch(ctx, ev)
			}
		}()
	}

	err := sub.Run(ctx, events)
	close(events)
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Dispatch handles one feed event: skip if locked or terminal, acquire,
// re-read, and run the matching handler. Handler errors are isolated
// per task and never propagate.
func (e *Engine) Dispatch(ctx context.Context, ev feed.Event) {
	t := ev.Task
	if t.Terminal() {
		return
	}
	if t.IsProcessing {
		// Another in-flight handler owns it, or recovery has not run.
		return
	}
	ok, err := e.Locks.TryAcquire(ctx, t.ID)
	if err != nil {
		log.Printf("planner: acquire %s: %v", t.ID, err)
		return
	}
	if !ok {
		return
	}

	// Re-read under the lock: the delivered snapshot may be stale.
	t, err = e.Store.GetTask(ctx, t.ID)
	if err != nil {
		log.Printf("planner: read %s: %v", t.ID, err)
		e.Locks.Release(ctx, ev.TaskID)
		return
	}
	handler, found := e.handlers[t.Status]
	if !found || t.Terminal() {
		e.Locks.Release(ctx, t.ID)
		return
	}

	log.Printf("planner: [%s] %s", t.Status, t.Title)
	if err := e.runHandler(ctx, handler, t); err != nil {
		log.Printf("planner: handler for %s failed: %v", t.ID, err)
		// Release on every failure path; the successful path released
		// as part of its combined status write.
		e.Locks.Release(ctx, t.ID)
	}
}

// runHandler isolates panics so a broken handler cannot take down the
// orchestrator process.
func (e *Engine) runHandler(ctx context.Context, h handlerFunc, t domain.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errorFromPanic(r)
		}
	}()
	return h(ctx, t)
}

func errorFromPanic(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return errors.New("handler panic")
}

func statusPtr(s domain.Status) *domain.Status { return &s }

func strPtr(s string) *string { return &s }

func boolPtr(b bool) *bool { return &b }
