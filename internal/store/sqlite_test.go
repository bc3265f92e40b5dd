package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	logx "tasknova/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "tasks.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testTask(recipient int64) Task {
	return Task{
		RecipientID: recipient,
		Description: "submit the report",
		DueTimeRaw:  "2025-06-14T19:30",
		CreatedAt:   time.Now().UTC(),
	}
}

func testReminder(id string, recipient int64, fireAt time.Time) Reminder {
	return Reminder{
		ID:          id,
		RecipientID: recipient,
		FireTimeUTC: fireAt,
		Message:     "submit the report",
	}
}

func TestCreateTaskWithReminders(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	fireAt := time.Now().UTC().Add(time.Hour).Truncate(time.Second)

	taskID, err := st.CreateTaskWithReminders(ctx, testTask(42), []Reminder{
		testReminder("r1", 42, fireAt),
		testReminder("r2", 42, fireAt.Add(30*time.Minute)),
	})
	if err != nil {
		t.Fatalf("CreateTaskWithReminders: %v", err)
	}
	if taskID <= 0 {
		t.Fatalf("task id = %d", taskID)
	}

	pending, err := st.ListPendingReminders(ctx)
	if err != nil {
		t.Fatalf("ListPendingReminders: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].ID != "r1" || pending[1].ID != "r2" {
		t.Fatalf("pending not ordered by fire time: %s, %s", pending[0].ID, pending[1].ID)
	}
	for _, p := range pending {
		if p.TaskID != taskID {
			t.Fatalf("reminder %s task_id = %d, want %d", p.ID, p.TaskID, taskID)
		}
		if p.TaskDescription != "submit the report" {
			t.Fatalf("task description missing: %q", p.TaskDescription)
		}
	}
	if !pending[0].FireTimeUTC.Equal(fireAt) {
		t.Fatalf("fire time round trip: got %v want %v", pending[0].FireTimeUTC, fireAt)
	}
}

func TestCreateRequiresReminders(t *testing.T) {
	st := openTestStore(t)
	if _, err := st.CreateTaskWithReminders(context.Background(), testTask(1), nil); !errors.Is(err, ErrNoReminders) {
		t.Fatalf("want ErrNoReminders, got %v", err)
	}
}

func TestCreateIsAtomicOnDuplicateID(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	fireAt := time.Now().UTC().Add(time.Hour)

	_, err := st.CreateTaskWithReminders(ctx, testTask(7), []Reminder{
		testReminder("dup", 7, fireAt),
		testReminder("dup", 7, fireAt.Add(time.Minute)),
	})
	if !errors.Is(err, ErrDuplicateReminder) {
		t.Fatalf("want ErrDuplicateReminder, got %v", err)
	}

	// Nothing may survive the failed transaction, including the task row.
	pending, err := st.ListPendingReminders(ctx)
	if err != nil {
		t.Fatalf("ListPendingReminders: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending = %d after failed create, want 0", len(pending))
	}
	tasks, err := st.ListTasksForRecipient(ctx, 7, 10)
	if err != nil {
		t.Fatalf("ListTasksForRecipient: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("tasks = %d after failed create, want 0", len(tasks))
	}
}

func TestMarkSentIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	fireAt := time.Now().UTC().Add(time.Hour)

	if _, err := st.CreateTaskWithReminders(ctx, testTask(9), []Reminder{testReminder("r1", 9, fireAt)}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := st.MarkSent(ctx, "r1"); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if err := st.MarkSent(ctx, "r1"); err != nil {
		t.Fatalf("MarkSent second call: %v", err)
	}
	// Sent reminders cannot be expired.
	if err := st.MarkExpired(ctx, "r1"); err != nil {
		t.Fatalf("MarkExpired: %v", err)
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.RemindersByStatus[ReminderSent] != 1 {
		t.Fatalf("sent count = %d, want 1", stats.RemindersByStatus[ReminderSent])
	}
	if stats.RemindersByStatus[ReminderExpired] != 0 {
		t.Fatalf("expired count = %d, want 0", stats.RemindersByStatus[ReminderExpired])
	}

	n, err := st.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount: %v", err)
	}
	if n != 0 {
		t.Fatalf("pending count = %d, want 0", n)
	}
}

func TestMarkExpired(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if _, err := st.CreateTaskWithReminders(ctx, testTask(3), []Reminder{
		testReminder("old", 3, time.Now().UTC().Add(-time.Hour)),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := st.MarkExpired(ctx, "old"); err != nil {
		t.Fatalf("MarkExpired: %v", err)
	}
	pending, err := st.ListPendingReminders(ctx)
	if err != nil {
		t.Fatalf("ListPendingReminders: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expired reminder still pending")
	}
}

func TestListTasksForRecipient(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	fireAt := time.Now().UTC().Add(time.Hour)

	task := testTask(5)
	task.CreatedAt = time.Now().UTC().Add(-time.Minute)
	if _, err := st.CreateTaskWithReminders(ctx, task, []Reminder{
		testReminder("a1", 5, fireAt),
		testReminder("a2", 5, fireAt.Add(time.Minute)),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	other := testTask(6)
	if _, err := st.CreateTaskWithReminders(ctx, other, []Reminder{testReminder("b1", 6, fireAt)}); err != nil {
		t.Fatalf("create other: %v", err)
	}
	if err := st.MarkSent(ctx, "a1"); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	tasks, err := st.ListTasksForRecipient(ctx, 5, 10)
	if err != nil {
		t.Fatalf("ListTasksForRecipient: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(tasks))
	}
	got := tasks[0]
	if got.TotalReminders != 2 || got.SentReminders != 1 {
		t.Fatalf("counts = %d/%d, want 1/2 sent/total", got.SentReminders, got.TotalReminders)
	}
	if got.Status != TaskActive {
		t.Fatalf("status = %q", got.Status)
	}
}

func TestSweepOldCompleted(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	// Old task, all reminders delivered: swept.
	oldTask := testTask(1)
	oldTask.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	if _, err := st.CreateTaskWithReminders(ctx, oldTask, []Reminder{
		testReminder("done", 1, time.Now().UTC().Add(-47*time.Hour)),
	}); err != nil {
		t.Fatalf("create old: %v", err)
	}
	if err := st.MarkSent(ctx, "done"); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	// Old task with a pending reminder: kept.
	openTask := testTask(1)
	openTask.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	if _, err := st.CreateTaskWithReminders(ctx, openTask, []Reminder{
		testReminder("waiting", 1, time.Now().UTC().Add(time.Hour)),
	}); err != nil {
		t.Fatalf("create open: %v", err)
	}

	deleted, err := st.SweepOldCompleted(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("SweepOldCompleted: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}

	tasks, err := st.ListTasksForRecipient(ctx, 1, 10)
	if err != nil {
		t.Fatalf("ListTasksForRecipient: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("tasks after sweep = %d, want 1", len(tasks))
	}
	// The delete must cascade: only the open task's reminder remains.
	pending, err := st.ListPendingReminders(ctx)
	if err != nil {
		t.Fatalf("ListPendingReminders: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "waiting" {
		t.Fatalf("pending after sweep = %+v", pending)
	}
}

func TestSweepKeepsRecentCompleted(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	task := testTask(2)
	if _, err := st.CreateTaskWithReminders(ctx, task, []Reminder{
		testReminder("fresh", 2, time.Now().UTC().Add(-time.Minute)),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.MarkSent(ctx, "fresh"); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	deleted, err := st.SweepOldCompleted(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("SweepOldCompleted: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("deleted = %d, want 0", deleted)
	}

	// The lazy transition still ran.
	tasks, err := st.ListTasksForRecipient(ctx, 2, 10)
	if err != nil {
		t.Fatalf("ListTasksForRecipient: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Status != TaskCompleted {
		t.Fatalf("task not marked completed: %+v", tasks)
	}
}

func TestFireTimeOrderingAcrossDays(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 12, 31, 23, 0, 0, 0, time.UTC)

	if _, err := st.CreateTaskWithReminders(ctx, testTask(8), []Reminder{
		testReminder("later", 8, base.AddDate(0, 0, 1)),
		testReminder("sooner", 8, base),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	pending, err := st.ListPendingReminders(ctx)
	if err != nil {
		t.Fatalf("ListPendingReminders: %v", err)
	}
	if pending[0].ID != "sooner" || pending[1].ID != "later" {
		t.Fatalf("ordering wrong: %s before %s", pending[0].ID, pending[1].ID)
	}
}
