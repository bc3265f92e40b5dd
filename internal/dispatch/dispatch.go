// Package dispatch coordinates the reminder pipeline: it normalizes planned
// reminder times to UTC, persists them durably, arms in-memory timers, and
// delivers notifications with at-most-once semantics.
//
// Persistence is authoritative and timers are disposable: after a restart,
// RestoreOnStartup rebuilds every timer from the pending rows. A reminder is
// marked sent after its single delivery attempt regardless of the send
// outcome, so a crash between attempt and mark can at worst replay once,
// while a completed mark can never replay.
package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tasknova/internal/clock"
	"tasknova/internal/eventbus"
	"tasknova/internal/scheduler"
	"tasknova/internal/store"
	logx "tasknova/pkg/logx"
)

// ErrAllRemindersPast reports a plan whose reminder times had all already
// passed at scheduling time. Nothing is persisted in that case.
var ErrAllRemindersPast = errors.New("all reminder times are in the past")

// Sender delivers one message to a chat. Implemented by the notifier.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// ReminderInput is one reminder from a plan, time still in the user's
// timezone notation.
type ReminderInput struct {
	Time    string
	Message string
}

// Result summarizes what SchedulePlan persisted and armed.
type Result struct {
	TaskID    int64
	Scheduled []store.Reminder
	// SkippedPast counts reminders dropped because their time had passed.
	SkippedPast int
	// SkippedInvalid counts reminders dropped because their time expression
	// could not be parsed.
	SkippedInvalid int
}

type Coordinator struct {
	store store.Store
	sched *scheduler.Service
	send  Sender
	norm  *clock.Normalizer
	bus   eventbus.Bus
	log   logx.Logger

	// markTimeout bounds the status write that follows a delivery attempt.
	markTimeout time.Duration

	// retention is how long completed tasks are kept before the sweep
	// deletes them. Atomic because hot reload can change it while the
	// sweep runs.
	retention atomic.Int64

	now func() time.Time
}

func New(st store.Store, sched *scheduler.Service, send Sender, norm *clock.Normalizer, bus eventbus.Bus, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	c := &Coordinator{
		store:       st,
		sched:       sched,
		send:        send,
		norm:        norm,
		bus:         bus,
		log:         log,
		markTimeout: 10 * time.Second,
		now:         time.Now,
	}
	c.retention.Store(int64(7 * 24 * time.Hour))
	return c
}

// SetRetention overrides the default completed-task retention window.
func (c *Coordinator) SetRetention(d time.Duration) {
	if d > 0 {
		c.retention.Store(int64(d))
	}
}

// SchedulePlan persists a task with its future reminders and arms a timer
// for each. Past and unparseable reminder times are dropped; if nothing
// remains, ErrAllRemindersPast is returned and nothing is written.
//
// Arming failures after the commit are logged, not rolled back: the rows are
// durable and the next restart's restoration will arm them.
func (c *Coordinator) SchedulePlan(ctx context.Context, recipientID int64, description, dueTimeRaw string, reminders []ReminderInput) (Result, error) {
	ref := c.now().UTC()
	res := Result{}

	rows := make([]store.Reminder, 0, len(reminders))
	for _, in := range reminders {
		fireAt, err := c.norm.ParseInstant(in.Time)
		if err != nil {
			res.SkippedInvalid++
			c.log.Warn("unparseable reminder time",
				logx.String("time", in.Time), logx.Int64("recipient", recipientID))
			continue
		}
		fireAt = fireAt.UTC()
		if !fireAt.After(ref) {
			res.SkippedPast++
			continue
		}
		msg := in.Message
		if msg == "" {
			msg = description
		}
		rows = append(rows, store.Reminder{
			ID:          uuid.NewString(),
			RecipientID: recipientID,
			FireTimeUTC: fireAt,
			Message:     msg,
			Status:      store.ReminderPending,
		})
	}
	if len(rows) == 0 {
		return res, ErrAllRemindersPast
	}

	taskID, err := c.store.CreateTaskWithReminders(ctx, store.Task{
		RecipientID: recipientID,
		Description: description,
		DueTimeRaw:  dueTimeRaw,
		CreatedAt:   ref,
		Status:      store.TaskActive,
	}, rows)
	if err != nil {
		return res, err
	}
	res.TaskID = taskID

	for i := range rows {
		rows[i].TaskID = taskID
		r := rows[i]
		if err := c.sched.Arm(r.ID, r.FireTimeUTC, c.fireJob(r)); err != nil {
			c.log.Error("arm failed, reminder will fire after next restart",
				logx.String("reminder_id", r.ID), logx.Err(err))
		}
	}
	res.Scheduled = rows

	c.publish(eventbus.PlanScheduled, map[string]any{
		"task_id":   taskID,
		"recipient": recipientID,
		"reminders": len(rows),
	})
	c.log.Info("plan scheduled",
		logx.Int64("task_id", taskID),
		logx.Int64("recipient", recipientID),
		logx.Int("reminders", len(rows)),
		logx.Int("skipped_past", res.SkippedPast))
	return res, nil
}

// fireJob builds the scheduler job for one reminder. The send is attempted
// once; the reminder is marked sent either way.
func (c *Coordinator) fireJob(r store.Reminder) scheduler.Job {
	return func(ctx context.Context) error {
		sendErr := c.send.Send(ctx, r.RecipientID, r.Message)
		if sendErr != nil {
			c.log.Warn("reminder delivery failed, marking sent anyway",
				logx.String("reminder_id", r.ID), logx.Err(sendErr))
		}

		// The status write must survive job-context cancellation during
		// shutdown, otherwise a delivered reminder could replay.
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.markTimeout)
		defer cancel()
		if err := c.store.MarkSent(mctx, r.ID); err != nil {
			return err
		}

		c.publish(eventbus.ReminderSent, map[string]any{
			"reminder_id": r.ID,
			"task_id":     r.TaskID,
			"recipient":   r.RecipientID,
			"delivered":   sendErr == nil,
		})
		return sendErr
	}
}

// RestoreOnStartup rebuilds timers from the pending reminder rows. Rows
// whose fire time already passed are marked expired and never delivered.
// Must complete before the transport starts accepting messages.
func (c *Coordinator) RestoreOnStartup(ctx context.Context) (armed, expired int, err error) {
	pending, err := c.store.ListPendingReminders(ctx)
	if err != nil {
		return 0, 0, err
	}
	ref := c.now().UTC()

	for _, p := range pending {
		if !p.FireTimeUTC.After(ref) {
			if err := c.store.MarkExpired(ctx, p.ID); err != nil {
				return armed, expired, err
			}
			expired++
			c.publish(eventbus.ReminderExpired, map[string]any{
				"reminder_id": p.ID,
				"task_id":     p.TaskID,
			})
			c.log.Info("expired missed reminder",
				logx.String("reminder_id", p.ID),
				logx.Time("fire_time", p.FireTimeUTC))
			continue
		}
		if err := c.sched.Arm(p.ID, p.FireTimeUTC, c.fireJob(p.Reminder)); err != nil {
			return armed, expired, err
		}
		armed++
	}

	c.log.Info("restoration complete", logx.Int("armed", armed), logx.Int("expired", expired))
	return armed, expired, nil
}

// SweepNow deletes completed tasks older than the retention window.
func (c *Coordinator) SweepNow(ctx context.Context) (int64, error) {
	cutoff := c.now().UTC().Add(-time.Duration(c.retention.Load()))
	n, err := c.store.SweepOldCompleted(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.log.Info("retention sweep", logx.Int64("deleted_tasks", n))
	}
	c.publish(eventbus.SweepCompleted, map[string]any{"deleted": n})
	return n, nil
}

// SweepJob adapts SweepNow to a scheduler job for the cron trigger.
func (c *Coordinator) SweepJob() scheduler.Job {
	return func(ctx context.Context) error {
		_, err := c.SweepNow(ctx)
		return err
	}
}

func (c *Coordinator) publish(typ string, data any) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(eventbus.Event{Type: typ, Data: data})
}
