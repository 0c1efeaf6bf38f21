package ideas_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jabeeworks/vibeflow/internal/db"
	"github.com/jabeeworks/vibeflow/internal/domain"
	"github.com/jabeeworks/vibeflow/internal/ideas"
	"github.com/jabeeworks/vibeflow/internal/migrate"
	"github.com/jabeeworks/vibeflow/internal/store"
)

const batchJSON = `{
  "ideas": [
    {"title": "Plant Pal", "overview": "watering reminders", "monetization": "ads", "target": "plant owners", "difficulty": "*", "type": "mobile app"},
    {"title": "Focus Fox", "overview": "pomodoro with a pet", "monetization": "subscriptions", "target": "students", "difficulty": "**", "type": "mobile app"}
  ]
}`

type fakeInvoker struct {
	prompts []string
	answer  string
	err     error
}

func (f *fakeInvoker) Invoke(ctx context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.answer, f.err
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store.New(conn)
}

func TestGeneratorInsertsBatch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inv := &fakeInvoker{answer: batchJSON}
	gen := ideas.NewGenerator(s, inv, nil)
	gen.Now = func() time.Time { return time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC) }

	if err := gen.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	tasks, err := s.ListTasks(ctx, store.TaskFilters{Statuses: []domain.Status{domain.StatusNew}})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("inserted = %d, want 2", len(tasks))
	}
	for _, task := range tasks {
		if task.Deadline == nil || *task.Deadline != "2026-08-30" {
			t.Fatalf("deadline = %v", task.Deadline)
		}
	}
}

func TestGeneratorFeedsExistingTitles(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.CreateTask(ctx, domain.Task{Title: "Plant Pal"}); err != nil {
		t.Fatal(err)
	}
	inv := &fakeInvoker{answer: batchJSON}
	gen := ideas.NewGenerator(s, inv, nil)
	if err := gen.Run(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(inv.prompts) != 1 {
		t.Fatalf("prompts = %d", len(inv.prompts))
	}
	if want := "Plant Pal"; !strings.Contains(inv.prompts[0], want) {
		t.Fatalf("prompt missing existing title %q", want)
	}
}

func TestGeneratorMalformedResponseWritesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	inv := &fakeInvoker{answer: "sorry, no ideas today"}
	gen := ideas.NewGenerator(s, inv, nil)
	if err := gen.Run(ctx); err == nil {
		t.Fatal("expected error for unparsable response")
	}
	tasks, err := s.ListTasks(ctx, store.TaskFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Fatalf("tasks after failed batch = %d, want 0", len(tasks))
	}
}

func TestGeneratorAgentErrorWritesNothing(t *testing.T) {
	s := newTestStore(t)
	inv := &fakeInvoker{err: errors.New("model unavailable")}
	gen := ideas.NewGenerator(s, inv, nil)
	if err := gen.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestSweeperPurgesOldRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	past := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	s.Now = func() time.Time { return past }
	old, err := s.CreateTask(ctx, domain.Task{Title: "old", Status: domain.StatusRejected, CleanupDone: true})
	if err != nil {
		t.Fatal(err)
	}
	s.Now = time.Now
	if _, err := s.CreateTask(ctx, domain.Task{Title: "fresh", Status: domain.StatusRejected, CleanupDone: true}); err != nil {
		t.Fatal(err)
	}

	sw := ideas.NewSweeper(s)
	n, err := sw.Run(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("purged = %d, want 1", n)
	}
	if _, err := s.GetTask(ctx, old.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("old task survived: %v", err)
	}
}
