package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jabeeworks/vibeflow/internal/db"
	"github.com/jabeeworks/vibeflow/internal/domain"
	"github.com/jabeeworks/vibeflow/internal/migrate"
	"github.com/jabeeworks/vibeflow/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.New(conn)
}

func TestCreateAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created, err := s.CreateTask(ctx, domain.Task{Title: "Habit tracker", Overview: "streaks"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated id")
	}
	if created.Status != domain.StatusDraft {
		t.Fatalf("default status = %s, want draft", created.Status)
	}
	got, err := s.GetTask(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Habit tracker" || got.Overview != "streaks" {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if _, err := s.GetTask(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing task err = %v, want ErrNotFound", err)
	}
}

func TestCreateTaskRequiresTitle(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateTask(context.Background(), domain.Task{}); err == nil {
		t.Fatal("expected error for empty title")
	}
}

func TestUpdateTaskPartialAndRelease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created, err := s.CreateTask(ctx, domain.Task{Title: "Idea"})
	if err != nil {
		t.Fatal(err)
	}
	ok, err := s.TryAcquire(ctx, created.ID)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}

	status := domain.StatusNew
	overview := "refined"
	deadline := "2026-08-30"
	got, err := s.UpdateTask(ctx, created.ID, store.Update{
		Status:   &status,
		Overview: &overview,
		Deadline: &deadline,
		Release:  true,
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Status != domain.StatusNew || got.Overview != "refined" {
		t.Fatalf("update not applied: %+v", got)
	}
	if got.Deadline == nil || *got.Deadline != "2026-08-30" {
		t.Fatalf("deadline = %v", got.Deadline)
	}
	// The release landed in the same write as the status.
	if got.IsProcessing {
		t.Fatal("expected lock released")
	}
	// Untouched fields survive.
	if got.Title != "Idea" {
		t.Fatalf("title clobbered: %s", got.Title)
	}
}

func TestTryAcquireMutualExclusion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created, err := s.CreateTask(ctx, domain.Task{Title: "contested"})
	if err != nil {
		t.Fatal(err)
	}

	const attempts = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.TryAcquire(ctx, created.ID)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins)
	}

	if err := s.Release(ctx, created.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err := s.TryAcquire(ctx, created.ID)
	if err != nil || !ok {
		t.Fatalf("reacquire after release: ok=%v err=%v", ok, err)
	}
}

func TestClearStuckLocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, title := range []string{"a", "b"} {
		created, err := s.CreateTask(ctx, domain.Task{Title: title})
		if err != nil {
			t.Fatal(err)
		}
		if ok, err := s.TryAcquire(ctx, created.ID); err != nil || !ok {
			t.Fatalf("acquire %s: ok=%v err=%v", title, ok, err)
		}
	}
	n, err := s.ClearStuckLocks(ctx)
	if err != nil {
		t.Fatalf("clear: %v", err)
	}
	if n != 2 {
		t.Fatalf("cleared = %d, want 2", n)
	}
	// Idempotent: a second pass finds nothing.
	n, err = s.ClearStuckLocks(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second clear = %d, %v; want 0, nil", n, err)
	}
}

func TestChangesAfterCursorAndFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	created, err := s.CreateTask(ctx, domain.Task{Title: "x"}) // draft change
	if err != nil {
		t.Fatal(err)
	}
	status := domain.StatusNew
	if _, err := s.UpdateTask(ctx, created.ID, store.Update{Status: &status}); err != nil {
		t.Fatal(err)
	}

	all, err := s.ChangesAfter(ctx, 0, 10, nil)
	if err != nil {
		t.Fatalf("changes: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("changes = %d, want 2", len(all))
	}
	if all[0].ID >= all[1].ID {
		t.Fatal("change ids not increasing")
	}

	drafts, err := s.ChangesAfter(ctx, 0, 10, []domain.Status{domain.StatusDraft})
	if err != nil {
		t.Fatal(err)
	}
	if len(drafts) != 1 || drafts[0].Status != domain.StatusDraft {
		t.Fatalf("filtered changes = %+v", drafts)
	}

	tail, err := s.LatestChangeID(ctx)
	if err != nil {
		t.Fatal(err)
	}
	after, err := s.ChangesAfter(ctx, tail, 10, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != 0 {
		t.Fatalf("changes past tail = %d, want 0", len(after))
	}
}

func TestListTasksByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateTask(ctx, domain.Task{Title: "d1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateTask(ctx, domain.Task{Title: "n1", Status: domain.StatusNew}); err != nil {
		t.Fatal(err)
	}
	drafts, err := s.ListTasks(ctx, store.TaskFilters{Statuses: []domain.Status{domain.StatusDraft}})
	if err != nil {
		t.Fatal(err)
	}
	if len(drafts) != 1 || drafts[0].Title != "d1" {
		t.Fatalf("drafts = %+v", drafts)
	}
	all, err := s.ListTasks(ctx, store.TaskFilters{})
	if err != nil || len(all) != 2 {
		t.Fatalf("all = %d, %v", len(all), err)
	}
}

func TestPurgeRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	past := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return past }
	stale, err := s.CreateTask(ctx, domain.Task{Title: "old", Status: domain.StatusRejected, CleanupDone: true})
	if err != nil {
		t.Fatal(err)
	}
	s.Now = time.Now
	fresh, err := s.CreateTask(ctx, domain.Task{Title: "fresh", Status: domain.StatusRejected, CleanupDone: true})
	if err != nil {
		t.Fatal(err)
	}
	pending, err := s.CreateTask(ctx, domain.Task{Title: "pending", Status: domain.StatusRejected})
	if err != nil {
		t.Fatal(err)
	}

	n, err := s.PurgeRejected(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged = %d, want 1", n)
	}
	if _, err := s.GetTask(ctx, stale.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("stale task still present: %v", err)
	}
	// Recent and not-yet-cleaned tasks survive.
	if _, err := s.GetTask(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh task gone: %v", err)
	}
	if _, err := s.GetTask(ctx, pending.ID); err != nil {
		t.Fatalf("pending task gone: %v", err)
	}
}

func TestExistingTitles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, title := range []string{"one", "two", "three"} {
		if _, err := s.CreateTask(ctx, domain.Task{Title: title}); err != nil {
			t.Fatal(err)
		}
	}
	titles, err := s.ExistingTitles(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(titles) != 2 {
		t.Fatalf("titles = %v, want 2 entries", titles)
	}
}
