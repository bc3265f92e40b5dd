package clock

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ErrParse reports that a string contained no recognizable time expression.
var ErrParse = errors.New("no recognizable time expression")

// Normalizer converts between the configured user timezone and UTC.
//
// All stored timestamps are UTC; the user timezone exists only for parsing
// naive inputs and for display. Comparisons against "now" must be done on the
// UTC values this package returns.
type Normalizer struct {
	user *time.Location
}

func NewNormalizer(tz string) (*Normalizer, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return nil, errors.New("user timezone is required")
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", tz, err)
	}
	return &Normalizer{user: loc}, nil
}

func (n *Normalizer) UserLocation() *time.Location { return n.user }

// ToUTC canonicalizes an instant to UTC.
func (n *Normalizer) ToUTC(t time.Time) time.Time { return t.UTC() }

// ToUserTZ converts an instant into the user timezone. Display only.
func (n *Normalizer) ToUserTZ(t time.Time) time.Time { return t.In(n.user) }

// FormatUser renders an instant for chat display in the user timezone.
func (n *Normalizer) FormatUser(t time.Time) string {
	return t.In(n.user).Format("2006-01-02 15:04")
}

// UTCString renders an instant as a timezone-aware ISO-8601 UTC string,
// the canonical storage form.
func UTCString(t time.Time) string { return t.UTC().Format(time.RFC3339) }

// Layouts accepted for naive (offset-less) instants. The user timezone is
// attached before converting to UTC.
var naiveLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseInstant parses an ISO-8601 instant. Offset-carrying inputs are taken
// as-is; naive inputs are interpreted in the user timezone. The result is
// always UTC, never naive.
func (n *Normalizer) ParseInstant(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("parse instant: %w", ErrParse)
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, n.user); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse instant %q: %w", s, ErrParse)
}

var (
	reIn       = regexp.MustCompile(`(?i)\bin\s+(\d+)\s*(seconds?|secs?|minutes?|mins?|hours?|hrs?|days?|[smhd])\b`)
	reAt       = regexp.MustCompile(`(?i)\b(?:at\s+)?([01]?\d|2[0-3]):([0-5]\d)\b`)
	reToday    = regexp.MustCompile(`(?i)\btoday\b`)
	reTomorrow = regexp.MustCompile(`(?i)\btomorrow\b`)
)

// ParseRelative resolves a short relative expression ("in 20 minutes",
// "tomorrow at 18:30", "at 07:00") against a reference instant.
//
// ref is first moved into the user timezone so calendar words resolve the way
// the user reads them. The result is UTC. If nothing in text is recognizable
// as a time, it fails with ErrParse.
func (n *Normalizer) ParseRelative(text string, ref time.Time) (time.Time, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return time.Time{}, fmt.Errorf("parse relative: %w", ErrParse)
	}

	// A full instant embedded in the text wins.
	if t, err := n.ParseInstant(text); err == nil {
		return t, nil
	}

	local := ref.In(n.user)

	if m := reIn.FindStringSubmatch(text); m != nil {
		amount, err := strconv.Atoi(m[1])
		if err != nil || amount < 0 {
			return time.Time{}, fmt.Errorf("parse relative %q: %w", text, ErrParse)
		}
		unit := durationUnit(m[2])
		if unit == 0 {
			return time.Time{}, fmt.Errorf("parse relative %q: %w", text, ErrParse)
		}
		return local.Add(time.Duration(amount) * unit).UTC(), nil
	}

	day := local
	dayShift := false
	switch {
	case reTomorrow.MatchString(text):
		day = local.AddDate(0, 0, 1)
		dayShift = true
	case reToday.MatchString(text):
		dayShift = true
	}

	if m := reAt.FindStringSubmatch(text); m != nil {
		hour, _ := strconv.Atoi(m[1])
		minute, _ := strconv.Atoi(m[2])
		at := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, n.user)
		// A bare clock time that already passed means the next occurrence.
		if !dayShift && !at.After(local) {
			at = at.AddDate(0, 0, 1)
		}
		return at.UTC(), nil
	}

	if dayShift {
		// Day word with no clock time: default to 09:00 user time.
		at := time.Date(day.Year(), day.Month(), day.Day(), 9, 0, 0, 0, n.user)
		return at.UTC(), nil
	}

	return time.Time{}, fmt.Errorf("parse relative %q: %w", text, ErrParse)
}

func durationUnit(s string) time.Duration {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "s", "sec", "secs", "second", "seconds":
		return time.Second
	case "m", "min", "mins", "minute", "minutes":
		return time.Minute
	case "h", "hr", "hrs", "hour", "hours":
		return time.Hour
	case "d", "day", "days":
		return 24 * time.Hour
	}
	return 0
}
