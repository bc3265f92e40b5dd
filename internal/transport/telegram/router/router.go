// Package router consumes incoming chat updates and turns them into
// scheduling actions: slash commands are handled directly, everything else
// goes through the planner. Every message gets a reply, even on failure.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tasknova/internal/clock"
	"tasknova/internal/dispatch"
	"tasknova/internal/planner"
	"tasknova/internal/store"
	kit "tasknova/internal/transport"
	logx "tasknova/pkg/logx"
)

const taskListLimit = 10

type Config struct {
	// PlanTimeout bounds one planner call.
	PlanTimeout time.Duration
}

type Router struct {
	cfg   Config
	plan  planner.Planner
	disp  *dispatch.Coordinator
	store store.Store
	send  dispatch.Sender
	norm  *clock.Normalizer
	log   logx.Logger

	now func() time.Time
}

func New(cfg Config, plan planner.Planner, disp *dispatch.Coordinator, st store.Store, send dispatch.Sender, norm *clock.Normalizer, log logx.Logger) *Router {
	if cfg.PlanTimeout <= 0 {
		cfg.PlanTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Router{
		cfg:   cfg,
		plan:  plan,
		disp:  disp,
		store: st,
		send:  send,
		norm:  norm,
		log:   log,
		now:   time.Now,
	}
}

// Run consumes updates until ctx is canceled or the channel closes.
func (r *Router) Run(ctx context.Context, in <-chan kit.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-in:
			if !ok {
				return
			}
			if up.Message == nil || strings.TrimSpace(up.Message.Text) == "" {
				continue
			}
			r.handle(ctx, up.Message)
		}
	}
}

func (r *Router) handle(ctx context.Context, m *kit.Message) {
	text := strings.TrimSpace(m.Text)
	var reply string
	switch {
	case strings.HasPrefix(text, "/start"):
		reply = "Hi! Tell me what to remind you about, e.g. \"remind me to submit the report tomorrow at 18:00\".\nUse /tasks to list your recent tasks."
	case strings.HasPrefix(text, "/tasks"):
		reply = r.handleTasks(ctx, m.ChatID)
	case strings.HasPrefix(text, "/"):
		reply = "Unknown command. Send me a reminder request, or use /tasks."
	default:
		reply = r.handlePlan(ctx, m.ChatID, text)
	}

	if err := r.send.Send(ctx, m.ChatID, reply); err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", m.ChatID), logx.Err(err))
	}
}

func (r *Router) handlePlan(ctx context.Context, chatID int64, text string) string {
	pctx, cancel := context.WithTimeout(ctx, r.cfg.PlanTimeout)
	defer cancel()

	p, err := r.plan.Plan(pctx, text, r.now())
	if err != nil {
		if errors.Is(err, planner.ErrNoPlan) {
			return "Sorry, I couldn't work out a task and a time from that. Try something like \"remind me to call Sam in 20 minutes\"."
		}
		r.log.Error("planner failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return "Something went wrong while reading your request. Please try again."
	}

	inputs := make([]dispatch.ReminderInput, 0, len(p.Reminders))
	for _, rem := range p.Reminders {
		inputs = append(inputs, dispatch.ReminderInput{Time: rem.Time, Message: rem.Message})
	}

	res, err := r.disp.SchedulePlan(ctx, chatID, p.Task, p.BaseTime, inputs)
	if err != nil {
		if errors.Is(err, dispatch.ErrAllRemindersPast) {
			return "All the reminder times for that are already in the past, so I didn't schedule anything."
		}
		r.log.Error("scheduling failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return "I understood the task but couldn't save it. Please try again."
	}

	return r.confirmText(p.Task, res)
}

func (r *Router) confirmText(task string, res dispatch.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Scheduled: %s\n", task)
	for _, rem := range res.Scheduled {
		fmt.Fprintf(&b, "  • %s\n", r.norm.FormatUser(rem.FireTimeUTC))
	}
	if res.SkippedPast > 0 {
		fmt.Fprintf(&b, "(%d reminder(s) were already in the past and were skipped)\n", res.SkippedPast)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Router) handleTasks(ctx context.Context, chatID int64) string {
	tasks, err := r.store.ListTasksForRecipient(ctx, chatID, taskListLimit)
	if err != nil {
		r.log.Error("task listing failed", logx.Int64("chat_id", chatID), logx.Err(err))
		return "Couldn't load your tasks right now. Please try again."
	}
	if len(tasks) == 0 {
		return "You have no tasks yet. Send me a reminder request to create one."
	}

	var b strings.Builder
	b.WriteString("Your recent tasks:\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "#%d %s — %s (%d/%d reminders sent)\n",
			t.ID, t.Description, t.Status, t.SentReminders, t.TotalReminders)
	}
	return strings.TrimRight(b.String(), "\n")
}
