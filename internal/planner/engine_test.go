package planner_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jabeeworks/vibeflow/internal/db"
	"github.com/jabeeworks/vibeflow/internal/domain"
	"github.com/jabeeworks/vibeflow/internal/feed"
	"github.com/jabeeworks/vibeflow/internal/lock"
	"github.com/jabeeworks/vibeflow/internal/migrate"
	"github.com/jabeeworks/vibeflow/internal/planner"
	"github.com/jabeeworks/vibeflow/internal/store"
)

const refinedJSON = `{
  "title": "Habit Hero",
  "overview": "Gamified habit tracking",
  "monetization": "subscriptions",
  "target": "students",
  "difficulty": "**",
  "type": "mobile app"
}`

type fakeInvoker struct {
	mu      sync.Mutex
	calls   []string
	respond func(prompt string) (string, error)
}

func (f *fakeInvoker) Invoke(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, prompt)
	f.mu.Unlock()
	if f.respond == nil {
		return refinedJSON, nil
	}
	return f.respond(prompt)
}

func (f *fakeInvoker) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeProvisioner struct {
	mu          sync.Mutex
	provisioned []string
	designs     map[string]string
	removed     []string
	missing     bool
	failWith    error
}

func (f *fakeProvisioner) Provision(ctx context.Context, name string) (string, error) {
	if f.failWith != nil {
		return "", f.failWith
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisioned = append(f.provisioned, name)
	return "/tmp/" + name, nil
}

func (f *fakeProvisioner) WriteDesignDoc(name, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.designs == nil {
		f.designs = map[string]string{}
	}
	f.designs[name] = content
	return nil
}

func (f *fakeProvisioner) Remove(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, name)
	return nil
}

func (f *fakeProvisioner) Exists(name string) bool { return !f.missing }

func (f *fakeProvisioner) Dir(name string) string { return "/tmp/" + name }

type fakePipeline struct {
	mu      sync.Mutex
	started []string
}

func (f *fakePipeline) Start(ctx context.Context, taskID, projectName string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, projectName)
}

type testEnv struct {
	Store       store.Store
	Engine      *planner.Engine
	Invoker     *fakeInvoker
	Provisioner *fakeProvisioner
	Pipeline    *fakePipeline
	Ctx         context.Context
}

func newTestEnv(t *testing.T) *testEnv {
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
	s := store.New(conn)
	inv := &fakeInvoker{}
	prov := &fakeProvisioner{}
	pipe := &fakePipeline{}
	e := planner.New(s, lock.NewManager(s), inv, prov, pipe, nil)
	e.Now = func() time.Time { return time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC) }
	return &testEnv{Store: s, Engine: e, Invoker: inv, Provisioner: prov, Pipeline: pipe, Ctx: context.Background()}
}

func (env *testEnv) dispatch(t *testing.T, id string) domain.Task {
	t.Helper()
	task, err := env.Store.GetTask(env.Ctx, id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	env.Engine.Dispatch(env.Ctx, feed.Event{TaskID: task.ID, Task: task})
	task, err = env.Store.GetTask(env.Ctx, id)
	if err != nil {
		t.Fatalf("reread task: %v", err)
	}
	return task
}

func TestRefineDraft(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.Store.CreateTask(env.Ctx, domain.Task{Title: "habit app", Overview: "rough note"})
	if err != nil {
		t.Fatal(err)
	}

	task := env.dispatch(t, created.ID)
	if task.Status != domain.StatusNew {
		t.Fatalf("status = %s, want new", task.Status)
	}
	if task.Title != "Habit Hero" || task.Monetization != "subscriptions" {
		t.Fatalf("refined fields missing: %+v", task)
	}
	if task.Deadline == nil || *task.Deadline != "2026-08-30" {
		t.Fatalf("deadline = %v, want 2026-08-30", task.Deadline)
	}
	if task.IsProcessing {
		t.Fatal("lock still held after success")
	}
}

func TestRefineDraftAgentFailureLeavesDraft(t *testing.T) {
	env := newTestEnv(t)
	env.Invoker.respond = func(string) (string, error) { return "", errors.New("model unavailable") }
	created, err := env.Store.CreateTask(env.Ctx, domain.Task{Title: "habit app"})
	if err != nil {
		t.Fatal(err)
	}

	task := env.dispatch(t, created.ID)
	if task.Status != domain.StatusDraft {
		t.Fatalf("status = %s, want draft for retry", task.Status)
	}
	if task.IsProcessing {
		t.Fatal("lock still held after failure")
	}
}

func TestApplyFeedback(t *testing.T) {
	env := newTestEnv(t)
	comment := "make it for seniors"
	created, err := env.Store.CreateTask(env.Ctx, domain.Task{
		Title:           "habit app",
		Status:          domain.StatusFeedbackPending,
		FeedbackComment: &comment,
	})
	if err != nil {
		t.Fatal(err)
	}

	task := env.dispatch(t, created.ID)
	if task.Status != domain.StatusRevised {
		t.Fatalf("status = %s, want revised", task.Status)
	}
	if task.IsProcessing {
		t.Fatal("lock still held")
	}
	found := false
	for _, prompt := range env.Invoker.calls {
		if strings.Contains(prompt, comment) {
			found = true
		}
	}
	if !found {
		t.Fatal("feedback comment never reached the agent")
	}
}

func TestProvisionAndDesign(t *testing.T) {
	env := newTestEnv(t)
	env.Invoker.respond = func(prompt string) (string, error) {
		if strings.Contains(prompt, "project identifier") {
			return "habit_hero", nil
		}
		return "# Design\nScreens and flows.", nil
	}
	created, err := env.Store.CreateTask(env.Ctx, domain.Task{Title: "Habit Hero", Status: domain.StatusApproved})
	if err != nil {
		t.Fatal(err)
	}

	task := env.dispatch(t, created.ID)
	if task.Status != domain.StatusDesigned {
		t.Fatalf("status = %s, want designed", task.Status)
	}
	if task.DirectoryName == nil || *task.DirectoryName != "habit_hero" {
		t.Fatalf("directory = %v", task.DirectoryName)
	}
	if env.Provisioner.designs["habit_hero"] == "" {
		t.Fatal("design doc never persisted")
	}
	if !strings.Contains(task.Overview, "habit_hero") {
		t.Fatalf("next-steps note missing from overview: %q", task.Overview)
	}
}

func TestApprovedReplayIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.Invoker.respond = func(prompt string) (string, error) {
		if strings.Contains(prompt, "project identifier") {
			return "habit_hero", nil
		}
		return "design", nil
	}
	created, err := env.Store.CreateTask(env.Ctx, domain.Task{Title: "Habit Hero", Status: domain.StatusApproved})
	if err != nil {
		t.Fatal(err)
	}
	env.dispatch(t, created.ID)

	// Crash-replay: force the task back to approved and run it again.
	status := domain.StatusApproved
	if _, err := env.Store.UpdateTask(env.Ctx, created.ID, store.Update{Status: &status}); err != nil {
		t.Fatal(err)
	}
	task := env.dispatch(t, created.ID)
	if task.Status != domain.StatusDesigned {
		t.Fatalf("replay status = %s, want designed", task.Status)
	}
}

func TestEmptyDesignKeepsApproved(t *testing.T) {
	env := newTestEnv(t)
	env.Invoker.respond = func(prompt string) (string, error) {
		if strings.Contains(prompt, "project identifier") {
			return "habit_hero", nil
		}
		return "   ", nil
	}
	created, err := env.Store.CreateTask(env.Ctx, domain.Task{Title: "Habit Hero", Status: domain.StatusApproved})
	if err != nil {
		t.Fatal(err)
	}

	task := env.dispatch(t, created.ID)
	// Partial progress is recorded but the status holds for a retry.
	if task.Status != domain.StatusApproved {
		t.Fatalf("status = %s, want approved", task.Status)
	}
	if task.DirectoryName == nil || *task.DirectoryName != "habit_hero" {
		t.Fatalf("directory = %v, want recorded despite failure", task.DirectoryName)
	}
	if task.IsProcessing {
		t.Fatal("lock still held")
	}
}

func TestDesignRetryKeepsDirectoryName(t *testing.T) {
	env := newTestEnv(t)
	nameCalls, designCalls := 0, 0
	env.Invoker.respond = func(prompt string) (string, error) {
		if strings.Contains(prompt, "project identifier") {
			nameCalls++
			if nameCalls == 1 {
				return "first_try", nil
			}
			return "second_try", nil
		}
		designCalls++
		if designCalls == 1 {
			return "   ", nil
		}
		return "# Design", nil
	}
	created, err := env.Store.CreateTask(env.Ctx, domain.Task{Title: "Habit Hero", Status: domain.StatusApproved})
	if err != nil {
		t.Fatal(err)
	}

	// First pass scaffolds and records the directory, then fails at the
	// design step, leaving the task approved for re-delivery.
	first := env.dispatch(t, created.ID)
	if first.DirectoryName == nil || *first.DirectoryName != "first_try" {
		t.Fatalf("directory = %v, want first_try", first.DirectoryName)
	}

	// The retry must reuse the recorded name; an agent with a new
	// suggestion on hand must never rename or re-scaffold.
	task := env.dispatch(t, created.ID)
	if task.Status != domain.StatusDesigned {
		t.Fatalf("retry status = %s, want designed", task.Status)
	}
	if task.DirectoryName == nil || *task.DirectoryName != "first_try" {
		t.Fatalf("directory renamed on retry: %v", task.DirectoryName)
	}
	if nameCalls != 1 {
		t.Fatalf("naming asked %d times, want 1", nameCalls)
	}
	for _, name := range env.Provisioner.provisioned {
		if name != "first_try" {
			t.Fatalf("scaffolded %q alongside first_try", name)
		}
	}
	if env.Provisioner.designs["first_try"] == "" {
		t.Fatal("design doc never persisted to the original directory")
	}
}

func TestProvisionFailureKeepsApproved(t *testing.T) {
	env := newTestEnv(t)
	env.Provisioner.failWith = errors.New("disk full")
	created, err := env.Store.CreateTask(env.Ctx, domain.Task{Title: "Habit Hero", Status: domain.StatusApproved})
	if err != nil {
		t.Fatal(err)
	}

	task := env.dispatch(t, created.ID)
	if task.Status != domain.StatusApproved {
		t.Fatalf("status = %s, want approved", task.Status)
	}
	if task.IsProcessing {
		t.Fatal("lock still held")
	}
}

func TestStartDevelopment(t *testing.T) {
	env := newTestEnv(t)
	dir := "habit_hero"
	created, err := env.Store.CreateTask(env.Ctx, domain.Task{
		Title:         "Habit Hero",
		Status:        domain.StatusDevelopmentStarted,
		DirectoryName: &dir,
	})
	if err != nil {
		t.Fatal(err)
	}

	task := env.dispatch(t, created.ID)
	if task.Status != domain.StatusDevReady {
		t.Fatalf("status = %s, want dev_ready", task.Status)
	}
	if len(env.Pipeline.started) != 1 || env.Pipeline.started[0] != "habit_hero" {
		t.Fatalf("pipeline started = %v", env.Pipeline.started)
	}
}

func TestStartDevelopmentRecoversDirFromNotes(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.Store.CreateTask(env.Ctx, domain.Task{
		Title:    "Habit Hero",
		Overview: "Approved earlier. Project directory: habit_hero. Review pending.",
		Status:   domain.StatusDevelopmentStarted,
	})
	if err != nil {
		t.Fatal(err)
	}

	task := env.dispatch(t, created.ID)
	if task.Status != domain.StatusDevReady {
		t.Fatalf("status = %s, want dev_ready", task.Status)
	}
	if len(env.Pipeline.started) != 1 || env.Pipeline.started[0] != "habit_hero" {
		t.Fatalf("pipeline started = %v", env.Pipeline.started)
	}
}

func TestStartDevelopmentMissingDirReleasesUnchanged(t *testing.T) {
	env := newTestEnv(t)
	env.Provisioner.missing = true
	dir := "gone"
	created, err := env.Store.CreateTask(env.Ctx, domain.Task{
		Title:         "Habit Hero",
		Status:        domain.StatusDevelopmentStarted,
		DirectoryName: &dir,
	})
	if err != nil {
		t.Fatal(err)
	}

	task := env.dispatch(t, created.ID)
	if task.Status != domain.StatusDevelopmentStarted {
		t.Fatalf("status = %s, want unchanged", task.Status)
	}
	if task.IsProcessing {
		t.Fatal("lock still held")
	}
	if len(env.Pipeline.started) != 0 {
		t.Fatalf("pipeline started = %v, want none", env.Pipeline.started)
	}
}

func TestRejectAndCleanup(t *testing.T) {
	env := newTestEnv(t)
	dir := "habit_hero"
	created, err := env.Store.CreateTask(env.Ctx, domain.Task{
		Title:         "Habit Hero",
		Status:        domain.StatusRejected,
		DirectoryName: &dir,
	})
	if err != nil {
		t.Fatal(err)
	}

	task := env.dispatch(t, created.ID)
	if !task.CleanupDone {
		t.Fatal("cleanup marker not set")
	}
	if task.Status != domain.StatusRejected {
		t.Fatalf("status = %s, want rejected", task.Status)
	}
	if len(env.Provisioner.removed) != 1 || env.Provisioner.removed[0] != "habit_hero" {
		t.Fatalf("removed = %v", env.Provisioner.removed)
	}

	// Terminal absorption: a re-delivered event is a no-op.
	before := env.Invoker.callCount()
	task = env.dispatch(t, created.ID)
	if env.Invoker.callCount() != before || len(env.Provisioner.removed) != 1 {
		t.Fatal("terminal task was reprocessed")
	}
	if task.IsProcessing {
		t.Fatal("terminal task locked")
	}
}

func TestRejectWithoutDirectorySkipsRemoval(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.Store.CreateTask(env.Ctx, domain.Task{Title: "never provisioned", Status: domain.StatusRejected})
	if err != nil {
		t.Fatal(err)
	}
	task := env.dispatch(t, created.ID)
	if !task.CleanupDone {
		t.Fatal("cleanup marker not set")
	}
	if len(env.Provisioner.removed) != 0 {
		t.Fatalf("removed = %v, want none", env.Provisioner.removed)
	}
}

func TestDispatchSkipsLockedTask(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.Store.CreateTask(env.Ctx, domain.Task{Title: "busy"})
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := env.Store.TryAcquire(env.Ctx, created.ID); err != nil || !ok {
		t.Fatalf("pre-acquire: ok=%v err=%v", ok, err)
	}

	task := env.dispatch(t, created.ID)
	if env.Invoker.callCount() != 0 {
		t.Fatal("handler ran on a locked task")
	}
	if task.Status != domain.StatusDraft {
		t.Fatalf("status = %s, want untouched", task.Status)
	}
}

func TestConcurrentDispatchRunsHandlerOnce(t *testing.T) {
	env := newTestEnv(t)
	created, err := env.Store.CreateTask(env.Ctx, domain.Task{Title: "contested"})
	if err != nil {
		t.Fatal(err)
	}
	task, err := env.Store.GetTask(env.Ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.Engine.Dispatch(env.Ctx, feed.Event{TaskID: task.ID, Task: task})
		}()
	}
	wg.Wait()

	if n := env.Invoker.callCount(); n != 1 {
		t.Fatalf("handler invocations = %d, want 1", n)
	}
	final, err := env.Store.GetTask(env.Ctx, created.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != domain.StatusNew || final.IsProcessing {
		t.Fatalf("final = %s locked=%v", final.Status, final.IsProcessing)
	}
}
