package planner

import (
	"context"
	"regexp"
	"strings"
	"time"

	"tasknova/internal/clock"
)

// Heuristic is a deterministic planner used when no model is configured.
// It handles the common phrasings ("remind me to X in 20 minutes",
// "X tomorrow at 9:00") with a single reminder at the requested time.
type Heuristic struct {
	norm *clock.Normalizer
}

func NewHeuristic(norm *clock.Normalizer) *Heuristic {
	return &Heuristic{norm: norm}
}

var (
	reLeadIn  = regexp.MustCompile(`(?i)^(please\s+)?(remind\s+me\s+(to|about)?|reminder:?)\s*`)
	reTimeTag = regexp.MustCompile(`(?i)\b(in\s+\d+\s+\w+|today(\s+at\s+\d{1,2}(:\d{2})?)?|tomorrow(\s+at\s+\d{1,2}(:\d{2})?)?|at\s+\d{1,2}(:\d{2})?)\s*$`)
)

func (h *Heuristic) Plan(ctx context.Context, text string, now time.Time) (Plan, error) {
	_ = ctx

	fireAt, err := h.norm.ParseRelative(text, now)
	if err != nil {
		return Plan{}, ErrNoPlan
	}

	task := taskDescription(text)
	if task == "" {
		return Plan{}, ErrNoPlan
	}

	local := h.norm.ToUserTZ(fireAt).Format("2006-01-02T15:04")
	return Plan{
		Task:     task,
		BaseTime: local,
		Reminders: []PlannedReminder{
			{Time: local, Message: task},
		},
	}, nil
}

// taskDescription strips the lead-in and the trailing time phrase, leaving
// just the thing to be reminded about.
func taskDescription(text string) string {
	s := strings.TrimSpace(text)
	s = reLeadIn.ReplaceAllString(s, "")
	s = reTimeTag.ReplaceAllString(s, "")
	s = strings.Trim(s, " .,!")
	return s
}
