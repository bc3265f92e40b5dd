// Package planner turns free-form reminder requests into a structured plan:
// a task description, a due time, and one or more reminder times with
// messages. Times in a plan are strings in the user's timezone; the caller
// normalizes them to UTC before persisting.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var ErrNoPlan = errors.New("could not understand the request")

// PlannedReminder is one reminder within a plan. Time is either RFC 3339 or
// a naive "2006-01-02T15:04" local time.
type PlannedReminder struct {
	Time    string `json:"time"`
	Message string `json:"message"`
}

type Plan struct {
	Task      string            `json:"task"`
	BaseTime  string            `json:"base_time"`
	Reminders []PlannedReminder `json:"reminders"`
}

type Planner interface {
	// Plan extracts a reminder plan from text. now anchors relative phrases
	// like "in 20 minutes". Returns ErrNoPlan when the text does not describe
	// a schedulable task.
	Plan(ctx context.Context, text string, now time.Time) (Plan, error)
}

// decodePlan parses a plan from model output. Models often wrap JSON in
// markdown fences or prose, so the first balanced JSON object is extracted.
func decodePlan(raw string) (Plan, error) {
	body := extractJSON(raw)
	if body == "" {
		return Plan{}, ErrNoPlan
	}
	var p Plan
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return Plan{}, ErrNoPlan
	}
	p.Task = strings.TrimSpace(p.Task)
	p.BaseTime = strings.TrimSpace(p.BaseTime)
	kept := p.Reminders[:0]
	for _, r := range p.Reminders {
		r.Time = strings.TrimSpace(r.Time)
		r.Message = strings.TrimSpace(r.Message)
		if r.Time == "" {
			continue
		}
		kept = append(kept, r)
	}
	p.Reminders = kept
	if p.Task == "" || len(p.Reminders) == 0 {
		return Plan{}, ErrNoPlan
	}
	if p.BaseTime == "" {
		p.BaseTime = p.Reminders[0].Time
	}
	return p, nil
}

// extractJSON returns the first balanced top-level JSON object in s, or "".
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inStr := false
	esc := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			inStr = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
