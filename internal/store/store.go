// Package store is the typed client for the shared task collection. All
// lifecycle mutations go through it, and every write appends a row to
// the task change log so the feed can observe it in write order.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jabeeworks/vibeflow/internal/domain"
)

type Store struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

func New(conn *sql.DB) Store {
	return Store{DB: conn, Now: time.Now}
}

func (s Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

const taskColumns = `id,title,overview,monetization,target,difficulty,type,status,is_processing,feedback_comment,directory_name,review_url,deadline,cleanup_done,created_at,updated_at`

// CreateTask inserts a new task and logs the creation as a change.
// A missing ID gets a fresh UUID; a missing status defaults to draft.
func (s Store) CreateTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	if t.Title == "" {
		return t, errors.New("title is required")
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = domain.StatusDraft
	}
	if !t.Status.Valid() {
		return t, fmt.Errorf("unknown status %q", t.Status)
	}
	now := s.now().UTC().Format(time.RFC3339)
	t.CreatedAt = now
	t.UpdatedAt = now

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Title, nullable(t.Overview), nullable(t.Monetization), nullable(t.Target), nullable(t.Difficulty), nullable(t.Type),
		string(t.Status), boolInt(t.IsProcessing), nullableStringPtr(t.FeedbackComment), nullableStringPtr(t.DirectoryName),
		nullableStringPtr(t.ReviewURL), nullableStringPtr(t.Deadline), boolInt(t.CleanupDone), t.CreatedAt, t.UpdatedAt); err != nil {
		return t, fmt.Errorf("insert task: %w", err)
	}
	if err := s.appendChange(ctx, tx, t.ID, t.Status, now); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// Update is a partial write against one task. Nil fields are left alone.
// Release folds the unlock into the same write so the status transition
// and the lock release land atomically.
type Update struct {
	Title           *string
	Overview        *string
	Monetization    *string
	Target          *string
	Difficulty      *string
	Type            *string
	Status          *domain.Status
	FeedbackComment *string
	DirectoryName   *string
	ReviewURL       *string
	Deadline        *string
	CleanupDone     *bool
	Release         bool
}

// UpdateTask applies u to the task and appends a change row. updated_at
// is always refreshed.
func (s Store) UpdateTask(ctx context.Context, id string, u Update) (domain.Task, error) {
	if u.Status != nil && !u.Status.Valid() {
		return domain.Task{}, fmt.Errorf("unknown status %q", *u.Status)
	}
	var (
		fields []string
		args   []any
	)
	set := func(col string, v any) {
		fields = append(fields, col+"=?")
		args = append(args, v)
	}
	if u.Title != nil {
		set("title", *u.Title)
	}
	if u.Overview != nil {
		set("overview", nullable(*u.Overview))
	}
	if u.Monetization != nil {
		set("monetization", nullable(*u.Monetization))
	}
	if u.Target != nil {
		set("target", nullable(*u.Target))
	}
	if u.Difficulty != nil {
		set("difficulty", nullable(*u.Difficulty))
	}
	if u.Type != nil {
		set("type", nullable(*u.Type))
	}
	if u.Status != nil {
		set("status", string(*u.Status))
	}
	if u.FeedbackComment != nil {
		set("feedback_comment", nullable(*u.FeedbackComment))
	}
	if u.DirectoryName != nil {
		set("directory_name", nullable(*u.DirectoryName))
	}
	if u.ReviewURL != nil {
		set("review_url", nullable(*u.ReviewURL))
	}
	if u.Deadline != nil {
		set("deadline", nullable(*u.Deadline))
	}
	if u.CleanupDone != nil {
		set("cleanup_done", boolInt(*u.CleanupDone))
	}
	if u.Release {
		set("is_processing", 0)
	}
	now := s.now().UTC().Format(time.RFC3339)
	set("updated_at", now)
	args = append(args, id)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE tasks SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return domain.Task{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Task{}, ErrNotFound
	}
	t, err := s.getTaskTx(ctx, tx, id)
	if err != nil {
		return t, err
	}
	if err := s.appendChange(ctx, tx, t.ID, t.Status, now); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

// TryAcquire sets is_processing for the task if and only if it is
// currently clear. A single conditional UPDATE, so two concurrent
// acquirers can never both win.
func (s Store) TryAcquire(ctx context.Context, id string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE tasks SET is_processing=1, updated_at=? WHERE id=? AND is_processing=0`,
		s.now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release unconditionally clears the processing flag. No change row is
// appended: a bare release means the handler failed and the task should
// wait for the next genuine change or redelivery.
func (s Store) Release(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE tasks SET is_processing=0, updated_at=? WHERE id=?`,
		s.now().UTC().Format(time.RFC3339), id)
	return err
}

// ClearStuckLocks clears is_processing on every task and returns how
// many were stuck. Run once at startup, before the feed subscribes.
func (s Store) ClearStuckLocks(ctx context.Context) (int, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE tasks SET is_processing=0, updated_at=? WHERE is_processing=1`,
		s.now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s Store) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (s Store) getTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// DeleteTask removes the task record. Only the maintenance sweep calls
// this; the planner never hard-deletes.
func (s Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PurgeRejected deletes rejected tasks whose cleanup finished and whose
// last write predates the cutoff, along with their change rows. Returns
// the number of tasks removed.
func (s Store) PurgeRejected(ctx context.Context, before time.Time) (int, error) {
	cutoff := before.UTC().Format(time.RFC3339)
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	const where = `status=? AND cleanup_done=1 AND updated_at < ?`
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM task_changes WHERE task_id IN (SELECT id FROM tasks WHERE `+where+`)`,
		string(domain.StatusRejected), cutoff); err != nil {
		return 0, fmt.Errorf("purge changes: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE `+where,
		string(domain.StatusRejected), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), tx.Commit()
}

// TaskFilters narrows ListTasks. Statuses is a multi-value equality
// filter; empty means all.
type TaskFilters struct {
	Statuses []domain.Status
	Limit    int
}

func (s Store) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "status IN ("+strings.Join(ph, ",")+")")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListProcessing returns tasks currently holding the lock.
func (s Store) ListProcessing(ctx context.Context) ([]domain.Task, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE is_processing=1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ExistingTitles returns up to limit recent task titles, newest first.
// The daily generator feeds these back to the agent to avoid repeats.
func (s Store) ExistingTitles(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT title FROM tasks ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var titles []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		if t != "" {
			titles = append(titles, t)
		}
	}
	return titles, rows.Err()
}

func (s Store) CountByStatus(ctx context.Context) (map[domain.Status]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.Status]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[domain.Status(status)] = count
	}
	return res, rows.Err()
}

// --- change log ---

func (s Store) appendChange(ctx context.Context, tx *sql.Tx, taskID string, status domain.Status, ts string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_changes(ts,task_id,status) VALUES (?,?,?)`, ts, taskID, string(status))
	if err != nil {
		return fmt.Errorf("append change: %w", err)
	}
	return nil
}

// ChangesAfter returns change rows with IDs greater than cursor in
// ascending write order, optionally filtered to the given statuses.
func (s Store) ChangesAfter(ctx context.Context, cursor int64, limit int, statuses []domain.Status) ([]domain.Change, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if len(statuses) > 0 {
		ph := make([]string, len(statuses))
		for i, st := range statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "status IN ("+strings.Join(ph, ",")+")")
	}
	query := `SELECT id,ts,task_id,status FROM task_changes WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Change
	for rows.Next() {
		var c domain.Change
		var status string
		if err := rows.Scan(&c.ID, &c.TS, &c.TaskID, &status); err != nil {
			return nil, err
		}
		c.Status = domain.Status(status)
		res = append(res, c)
	}
	return res, rows.Err()
}

// LatestChangeID returns the most recent change row ID, 0 if none.
func (s Store) LatestChangeID(ctx context.Context) (int64, error) {
	var id int64
	err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM task_changes`).Scan(&id)
	return id, err
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var overview, monetization, target, difficulty, typ, feedback, dir, review, deadline sql.NullString
	var status string
	var processing, cleanup int
	err := row.Scan(&t.ID, &t.Title, &overview, &monetization, &target, &difficulty, &typ, &status,
		&processing, &feedback, &dir, &review, &deadline, &cleanup, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Status = domain.Status(status)
	t.IsProcessing = processing != 0
	t.CleanupDone = cleanup != 0
	if overview.Valid {
		t.Overview = overview.String
	}
	if monetization.Valid {
		t.Monetization = monetization.String
	}
	if target.Valid {
		t.Target = target.String
	}
	if difficulty.Valid {
		t.Difficulty = difficulty.String
	}
	if typ.Valid {
		t.Type = typ.String
	}
	if feedback.Valid {
		t.FeedbackComment = &feedback.String
	}
	if dir.Valid {
		t.DirectoryName = &dir.String
	}
	if review.Valid {
		t.ReviewURL = &review.String
	}
	if deadline.Valid {
		t.Deadline = &deadline.String
	}
	return t, nil
}

func scanTaskRows(rows *sql.Rows) (domain.Task, error) {
	return scanTask(rows)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
