package router

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"tasknova/internal/clock"
	"tasknova/internal/dispatch"
	"tasknova/internal/eventbus"
	"tasknova/internal/planner"
	"tasknova/internal/scheduler"
	"tasknova/internal/store"
	kit "tasknova/internal/transport"
	logx "tasknova/pkg/logx"
)

type replyRecorder struct {
	mu      sync.Mutex
	replies []string
}

func (r *replyRecorder) Send(ctx context.Context, chatID int64, text string) error {
	r.mu.Lock()
	r.replies = append(r.replies, text)
	r.mu.Unlock()
	return nil
}

func (r *replyRecorder) last(t *testing.T) string {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.replies) == 0 {
		t.Fatal("no reply recorded")
	}
	return r.replies[len(r.replies)-1]
}

type fixedPlanner struct {
	plan planner.Plan
	err  error
}

func (p *fixedPlanner) Plan(ctx context.Context, text string, now time.Time) (planner.Plan, error) {
	return p.plan, p.err
}

func newRouter(t *testing.T, pl planner.Planner) (*Router, *replyRecorder, store.Store) {
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
	sched := scheduler.New(scheduler.Config{}, logx.Nop())
	rec := &replyRecorder{}
	disp := dispatch.New(st, sched, rec, norm, eventbus.New(), logx.Nop())
	return New(Config{}, pl, disp, st, rec, norm, logx.Nop()), rec, st
}

func TestHandleStart(t *testing.T) {
	r, rec, _ := newRouter(t, &fixedPlanner{err: planner.ErrNoPlan})
	r.handle(context.Background(), &kit.Message{ChatID: 1, Text: "/start"})
	if !strings.Contains(rec.last(t), "/tasks") {
		t.Fatalf("greeting should mention /tasks, got %q", rec.last(t))
	}
}

func TestHandleUnknownCommand(t *testing.T) {
	r, rec, _ := newRouter(t, &fixedPlanner{err: planner.ErrNoPlan})
	r.handle(context.Background(), &kit.Message{ChatID: 1, Text: "/frobnicate"})
	if !strings.Contains(rec.last(t), "Unknown command") {
		t.Fatalf("got %q", rec.last(t))
	}
}

func TestHandlePlanConfirms(t *testing.T) {
	future := time.Now().Add(2 * time.Hour).UTC().Format(time.RFC3339)
	pl := &fixedPlanner{plan: planner.Plan{
		Task:      "submit the report",
		BaseTime:  future,
		Reminders: []planner.PlannedReminder{{Time: future, Message: "report due"}},
	}}
	r, rec, st := newRouter(t, pl)

	r.handle(context.Background(), &kit.Message{ChatID: 77, Text: "remind me to submit the report"})

	reply := rec.last(t)
	if !strings.Contains(reply, "Scheduled: submit the report") {
		t.Fatalf("got %q", reply)
	}
	tasks, err := st.ListTasksForRecipient(context.Background(), 77, 10)
	if err != nil {
		t.Fatalf("ListTasksForRecipient: %v", err)
	}
	if len(tasks) != 1 || tasks[0].TotalReminders != 1 {
		t.Fatalf("tasks = %+v", tasks)
	}
}

func TestHandlePlanAllPast(t *testing.T) {
	past := time.Now().Add(-2 * time.Hour).UTC().Format(time.RFC3339)
	pl := &fixedPlanner{plan: planner.Plan{
		Task:      "too late",
		BaseTime:  past,
		Reminders: []planner.PlannedReminder{{Time: past}},
	}}
	r, rec, st := newRouter(t, pl)

	r.handle(context.Background(), &kit.Message{ChatID: 5, Text: "whatever"})
	if !strings.Contains(rec.last(t), "already in the past") {
		t.Fatalf("got %q", rec.last(t))
	}
	tasks, err := st.ListTasksForRecipient(context.Background(), 5, 10)
	if err != nil {
		t.Fatalf("ListTasksForRecipient: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("nothing should be persisted, got %+v", tasks)
	}
}

func TestHandlePlanNoPlan(t *testing.T) {
	r, rec, _ := newRouter(t, &fixedPlanner{err: planner.ErrNoPlan})
	r.handle(context.Background(), &kit.Message{ChatID: 5, Text: "good morning"})
	if !strings.Contains(rec.last(t), "couldn't work out") {
		t.Fatalf("got %q", rec.last(t))
	}
}

func TestHandleTasksEmpty(t *testing.T) {
	r, rec, _ := newRouter(t, &fixedPlanner{err: planner.ErrNoPlan})
	r.handle(context.Background(), &kit.Message{ChatID: 3, Text: "/tasks"})
	if !strings.Contains(rec.last(t), "no tasks yet") {
		t.Fatalf("got %q", rec.last(t))
	}
}
