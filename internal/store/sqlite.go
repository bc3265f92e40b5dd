package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "tasknova/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the SQLite store and runs migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("store path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers. A single connection
	// also makes CreateTaskWithReminders transactions serialize naturally.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	// FULL: a successful write must survive an immediate crash.
	_, _ = db.Exec("PRAGMA synchronous = FULL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) CreateTaskWithReminders(ctx context.Context, t Task, rs []Reminder) (int64, error) {
	if len(rs) == 0 {
		return 0, ErrNoReminders
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	if t.Status == "" {
		t.Status = TaskActive
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO tasks(recipient_id, description, due_time_raw, created_at, status)
		 VALUES(?,?,?,?,?)`,
		t.RecipientID, t.Description, t.DueTimeRaw, fmtInstant(t.CreatedAt), t.Status,
	)
	if err != nil {
		return 0, err
	}
	taskID, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	now := fmtInstant(time.Now())
	for _, r := range rs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO reminders(id, task_id, recipient_id, fire_time_utc, message, status, created_at)
			 VALUES(?,?,?,?,?,?,?)`,
			r.ID, taskID, r.RecipientID, fmtInstant(r.FireTimeUTC), r.Message, ReminderPending, now,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return 0, fmt.Errorf("reminder %s: %w", r.ID, ErrDuplicateReminder)
			}
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return taskID, nil
}

func (s *sqliteStore) ListPendingReminders(ctx context.Context) ([]PendingReminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.id, r.task_id, r.recipient_id, r.fire_time_utc, r.message, r.status, t.description
		 FROM reminders r
		 JOIN tasks t ON r.task_id = t.id
		 WHERE r.status = ?
		 ORDER BY r.fire_time_utc ASC`,
		ReminderPending,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []PendingReminder
	for rows.Next() {
		var (
			p    PendingReminder
			fire string
		)
		if err := rows.Scan(&p.ID, &p.TaskID, &p.RecipientID, &fire, &p.Message, &p.Status, &p.TaskDescription); err != nil {
			return nil, err
		}
		t, err := parseInstant(fire)
		if err != nil {
			return nil, fmt.Errorf("reminder %s: %w", p.ID, err)
		}
		p.FireTimeUTC = t
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *sqliteStore) MarkSent(ctx context.Context, reminderID string) error {
	// Pending-only guard keeps the transition single-shot; repeated calls are no-ops.
	_, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET status = ?, sent_at = ? WHERE id = ? AND status = ?`,
		ReminderSent, fmtInstant(time.Now()), reminderID, ReminderPending,
	)
	return err
}

func (s *sqliteStore) MarkExpired(ctx context.Context, reminderID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET status = ? WHERE id = ? AND status = ?`,
		ReminderExpired, reminderID, ReminderPending,
	)
	return err
}

func (s *sqliteStore) ListTasksForRecipient(ctx context.Context, recipientID int64, limit int) ([]TaskSummary, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT t.id, t.recipient_id, t.description, t.due_time_raw, t.created_at, t.status,
		        COUNT(r.id) AS total,
		        COUNT(CASE WHEN r.status = ? THEN 1 END) AS sent
		 FROM tasks t
		 LEFT JOIN reminders r ON t.id = r.task_id
		 WHERE t.recipient_id = ?
		 GROUP BY t.id
		 ORDER BY t.created_at DESC
		 LIMIT ?`,
		ReminderSent, recipientID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskSummary
	for rows.Next() {
		var (
			ts      TaskSummary
			created string
		)
		if err := rows.Scan(&ts.ID, &ts.RecipientID, &ts.Description, &ts.DueTimeRaw, &created, &ts.Status, &ts.TotalReminders, &ts.SentReminders); err != nil {
			return nil, err
		}
		t, err := parseInstant(created)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", ts.ID, err)
		}
		ts.CreatedAt = t
		out = append(out, ts)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SweepOldCompleted(ctx context.Context, olderThan time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	// Lazy transition: a task is completed once it has reminders and none are pending.
	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?
		 WHERE id IN (
		     SELECT t.id FROM tasks t
		     LEFT JOIN reminders r ON t.id = r.task_id
		     WHERE t.status = ?
		     GROUP BY t.id
		     HAVING COUNT(r.id) > 0 AND COUNT(CASE WHEN r.status = ? THEN 1 END) = 0
		 )`,
		TaskCompleted, TaskActive, ReminderPending,
	)
	if err != nil {
		return 0, err
	}

	res, err := tx.ExecContext(ctx,
		`DELETE FROM tasks WHERE status = ? AND created_at < ?`,
		TaskCompleted, fmtInstant(olderThan),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *sqliteStore) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reminders WHERE status = ?`, ReminderPending,
	).Scan(&n)
	return n, err
}

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{
		TasksByStatus:     map[string]int{},
		RemindersByStatus: map[string]int{},
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return st, err
	}
	if err := scanStatusCounts(rows, st.TasksByStatus); err != nil {
		return st, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM reminders GROUP BY status`)
	if err != nil {
		return st, err
	}
	if err := scanStatusCounts(rows, st.RemindersByStatus); err != nil {
		return st, err
	}
	return st, nil
}

func scanStatusCounts(rows *sql.Rows, into map[string]int) error {
	defer rows.Close()
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return err
		}
		into[status] = n
	}
	return rows.Err()
}

// Instants are stored as timezone-aware ISO-8601 UTC strings at second
// precision. Fixed-width RFC3339 with a trailing Z sorts lexicographically,
// which ORDER BY fire_time_utc relies on.
func fmtInstant(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func parseInstant(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
