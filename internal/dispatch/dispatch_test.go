package dispatch

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tasknova/internal/clock"
	"tasknova/internal/eventbus"
	"tasknova/internal/scheduler"
	"tasknova/internal/store"
	logx "tasknova/pkg/logx"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	err  error
	ch   chan string
}

func newFakeSender() *fakeSender {
	return &fakeSender{ch: make(chan string, 16)}
}

func (f *fakeSender) Send(ctx context.Context, chatID int64, text string) error {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	err := f.err
	f.mu.Unlock()
	f.ch <- text
	return err
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fixture struct {
	store store.Store
	sched *scheduler.Service
	send  *fakeSender
	coord *Coordinator
}

func newFixture(t *testing.T, started bool) *fixture {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "tasks.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	norm, err := clock.NewNormalizer("Asia/Kolkata")
	if err != nil {
		t.Fatalf("NewNormalizer: %v", err)
	}

	sched := scheduler.New(scheduler.Config{Workers: 2, QueueSize: 16}, logx.Nop())
	if started {
		sched.Start(context.Background())
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			sched.Stop(ctx)
		})
	}

	send := newFakeSender()
	coord := New(st, sched, send, norm, eventbus.New(), logx.Nop())
	return &fixture{store: st, sched: sched, send: send, coord: coord}
}

// waitPendingCount polls until the pending count reaches want.
func waitPendingCount(t *testing.T, st store.Store, want int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		n, err := st.PendingCount(context.Background())
		if err != nil {
			t.Fatalf("PendingCount: %v", err)
		}
		if n == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("pending count = %d, want %d", n, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSchedulePlanFiltersPastReminders(t *testing.T) {
	f := newFixture(t, false)
	// 2025-06-14 19:00 IST.
	ref := time.Date(2025, 6, 14, 13, 30, 0, 0, time.UTC)
	f.coord.now = func() time.Time { return ref }

	res, err := f.coord.SchedulePlan(context.Background(), 42, "submit the report", "2025-06-14T19:30", []ReminderInput{
		{Time: "2025-06-14T19:30", Message: "report due in 30 minutes... now"},
		{Time: "2025-06-14T18:30", Message: "report due soon"},
	})
	if err != nil {
		t.Fatalf("SchedulePlan: %v", err)
	}
	if len(res.Scheduled) != 1 {
		t.Fatalf("scheduled = %d, want 1", len(res.Scheduled))
	}
	if res.SkippedPast != 1 {
		t.Fatalf("skipped past = %d, want 1", res.SkippedPast)
	}

	pending, err := f.store.ListPendingReminders(context.Background())
	if err != nil {
		t.Fatalf("ListPendingReminders: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("persisted = %d, want 1", len(pending))
	}
	want := time.Date(2025, 6, 14, 14, 0, 0, 0, time.UTC) // 19:30 IST
	if !pending[0].FireTimeUTC.Equal(want) {
		t.Fatalf("fire time = %v, want %v", pending[0].FireTimeUTC, want)
	}
}

func TestSchedulePlanAllPast(t *testing.T) {
	f := newFixture(t, false)
	ref := time.Date(2025, 6, 14, 13, 30, 0, 0, time.UTC)
	f.coord.now = func() time.Time { return ref }

	_, err := f.coord.SchedulePlan(context.Background(), 42, "too late", "2025-06-14T12:00", []ReminderInput{
		{Time: "2025-06-14T12:00"},
		{Time: "2025-06-14T18:59"},
	})
	if !errors.Is(err, ErrAllRemindersPast) {
		t.Fatalf("want ErrAllRemindersPast, got %v", err)
	}

	// Nothing persisted.
	tasks, err := f.store.ListTasksForRecipient(context.Background(), 42, 10)
	if err != nil {
		t.Fatalf("ListTasksForRecipient: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("tasks = %d, want 0", len(tasks))
	}
	waitPendingCount(t, f.store, 0)
}

func TestSchedulePlanUnparseableTimesSkipped(t *testing.T) {
	f := newFixture(t, false)

	res, err := f.coord.SchedulePlan(context.Background(), 1, "mixed", "whenever", []ReminderInput{
		{Time: "whenever"},
		{Time: clock.UTCString(time.Now().Add(time.Hour))},
	})
	if err != nil {
		t.Fatalf("SchedulePlan: %v", err)
	}
	if res.SkippedInvalid != 1 || len(res.Scheduled) != 1 {
		t.Fatalf("invalid=%d scheduled=%d, want 1/1", res.SkippedInvalid, len(res.Scheduled))
	}
}

func TestReminderDeliveredAndMarkedSent(t *testing.T) {
	f := newFixture(t, true)

	_, err := f.coord.SchedulePlan(context.Background(), 7, "stretch", "soon", []ReminderInput{
		{Time: clock.UTCString(time.Now().Add(60 * time.Millisecond)), Message: "time to stretch"},
	})
	if err != nil {
		t.Fatalf("SchedulePlan: %v", err)
	}

	select {
	case text := <-f.send.ch:
		if text != "time to stretch" {
			t.Fatalf("sent %q", text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reminder not delivered")
	}
	waitPendingCount(t, f.store, 0)

	stats, err := f.store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.RemindersByStatus[store.ReminderSent] != 1 {
		t.Fatalf("sent = %d, want 1", stats.RemindersByStatus[store.ReminderSent])
	}
}

func TestSendFailureStillMarksSent(t *testing.T) {
	f := newFixture(t, true)
	f.send.err = errors.New("telegram unreachable")

	_, err := f.coord.SchedulePlan(context.Background(), 7, "doomed", "soon", []ReminderInput{
		{Time: clock.UTCString(time.Now().Add(50 * time.Millisecond))},
	})
	if err != nil {
		t.Fatalf("SchedulePlan: %v", err)
	}

	select {
	case <-f.send.ch:
	case <-time.After(3 * time.Second):
		t.Fatal("send not attempted")
	}
	// At-most-once: a failed attempt is still consumed.
	waitPendingCount(t, f.store, 0)
	if n := f.send.count(); n != 1 {
		t.Fatalf("send attempts = %d, want 1 (no retry)", n)
	}
}

func TestRestoreOnStartup(t *testing.T) {
	f := newFixture(t, true)
	now := time.Now().UTC()

	_, err := f.store.CreateTaskWithReminders(context.Background(), store.Task{
		RecipientID: 9,
		Description: "restored task",
		DueTimeRaw:  "earlier",
		CreatedAt:   now.Add(-time.Hour),
	}, []store.Reminder{
		{ID: "missed", RecipientID: 9, FireTimeUTC: now.Add(-30 * time.Minute), Message: "too late"},
		{ID: "upcoming", RecipientID: 9, FireTimeUTC: now.Add(80 * time.Millisecond), Message: "still due"},
	})
	if err != nil {
		t.Fatalf("seed store: %v", err)
	}

	armed, expired, err := f.coord.RestoreOnStartup(context.Background())
	if err != nil {
		t.Fatalf("RestoreOnStartup: %v", err)
	}
	if armed != 1 || expired != 1 {
		t.Fatalf("armed=%d expired=%d, want 1/1", armed, expired)
	}

	// The future reminder fires; the missed one never does.
	select {
	case text := <-f.send.ch:
		if text != "still due" {
			t.Fatalf("delivered %q", text)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("restored reminder not delivered")
	}
	waitPendingCount(t, f.store, 0)

	stats, err := f.store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.RemindersByStatus[store.ReminderExpired] != 1 {
		t.Fatalf("expired = %d, want 1", stats.RemindersByStatus[store.ReminderExpired])
	}
	if stats.RemindersByStatus[store.ReminderSent] != 1 {
		t.Fatalf("sent = %d, want 1", stats.RemindersByStatus[store.ReminderSent])
	}
	if n := f.send.count(); n != 1 {
		t.Fatalf("sends = %d, want 1 (missed reminder must not fire)", n)
	}
}

func TestSweepNow(t *testing.T) {
	f := newFixture(t, false)
	now := time.Now().UTC()
	f.coord.SetRetention(24 * time.Hour)

	_, err := f.store.CreateTaskWithReminders(context.Background(), store.Task{
		RecipientID: 4,
		Description: "ancient",
		DueTimeRaw:  "long ago",
		CreatedAt:   now.Add(-72 * time.Hour),
	}, []store.Reminder{
		{ID: "gone", RecipientID: 4, FireTimeUTC: now.Add(-71 * time.Hour)},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := f.store.MarkSent(context.Background(), "gone"); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	deleted, err := f.coord.SweepNow(context.Background())
	if err != nil {
		t.Fatalf("SweepNow: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
}
