package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicateReminder reports an id collision during task creation.
	// With uuid identifiers this indicates an id-generation bug, not a user error.
	ErrDuplicateReminder = errors.New("duplicate reminder id")

	// ErrNoReminders rejects creating a task without at least one reminder.
	ErrNoReminders = errors.New("task requires at least one reminder")
)

// Task statuses. "completed" is computed lazily by the retention sweep.
const (
	TaskActive    = "active"
	TaskCompleted = "completed"
)

// Reminder statuses. A reminder moves pending -> sent exactly once.
// "expired" marks pending reminders whose fire time had already passed at
// restoration so they never count as deliverable again.
const (
	ReminderPending = "pending"
	ReminderSent    = "sent"
	ReminderExpired = "expired"
)

// Config configures the store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Task is one user-level intention, owner of its reminders.
type Task struct {
	ID          int64
	RecipientID int64
	Description string
	DueTimeRaw  string // original due-time expression, verbatim for display/audit
	CreatedAt   time.Time
	Status      string
}

// Reminder is one scheduled notification belonging to exactly one task.
type Reminder struct {
	ID          string // uuid, stable across restarts
	TaskID      int64
	RecipientID int64
	FireTimeUTC time.Time
	Message     string
	Status      string
	SentAt      *time.Time
}

// PendingReminder joins a pending reminder with the task context needed to
// re-arm and deliver it.
type PendingReminder struct {
	Reminder
	TaskDescription string
}

// TaskSummary is a task with aggregate reminder counts.
type TaskSummary struct {
	Task
	TotalReminders int
	SentReminders  int
}

// Stats reports row counts by status for health reporting.
type Stats struct {
	TasksByStatus     map[string]int
	RemindersByStatus map[string]int
}

// Store is the persistence API used by the dispatch coordinator and the
// admin surface. All writes are durable before the call returns.
type Store interface {
	// CreateTaskWithReminders atomically writes the task row and all reminder
	// rows, or nothing. Returns the generated task id.
	CreateTaskWithReminders(ctx context.Context, t Task, rs []Reminder) (int64, error)

	// ListPendingReminders returns pending reminders ascending by fire time,
	// joined with task context. Used at startup restoration and diagnostics.
	ListPendingReminders(ctx context.Context) ([]PendingReminder, error)

	// MarkSent transitions a reminder pending -> sent. Idempotent: marking an
	// already-sent reminder again is a no-op.
	MarkSent(ctx context.Context, reminderID string) error

	// MarkExpired transitions a pending reminder to expired. Idempotent.
	MarkExpired(ctx context.Context, reminderID string) error

	// ListTasksForRecipient returns recent tasks most-recent-first with
	// aggregate reminder counts.
	ListTasksForRecipient(ctx context.Context, recipientID int64, limit int) ([]TaskSummary, error)

	// SweepOldCompleted lazily marks fully-delivered tasks completed, then
	// deletes completed tasks created before the cutoff (cascading to their
	// reminders). Returns the number of tasks deleted.
	SweepOldCompleted(ctx context.Context, olderThan time.Time) (int64, error)

	// PendingCount reports the number of pending reminders.
	PendingCount(ctx context.Context) (int, error)

	// Stats reports row counts by status.
	Stats(ctx context.Context) (Stats, error)

	Close() error
}
