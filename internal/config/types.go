package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Clock fixes the timezone all user-facing times are interpreted in.
	Clock ClockConfig `json:"clock"`

	Planner   PlannerConfig   `json:"planner,omitempty"`
	Store     StoreConfig     `json:"store"`
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`
	Notifier  NotifierConfig  `json:"notifier,omitempty"`
	Admin     AdminConfig     `json:"admin,omitempty"`
	Retention RetentionConfig `json:"retention,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type ClockConfig struct {
	// Timezone is an IANA name, e.g. "Asia/Kolkata".
	Timezone string `json:"timezone"`
}

// PlannerConfig selects how free-text requests become plans.
//
// Provider "googleai" uses a Gemini model; "heuristic" uses the built-in
// deterministic parser; "auto" (default) uses googleai when an API key is
// available and falls back to heuristic otherwise.
type PlannerConfig struct {
	Provider string `json:"provider,omitempty"`
	Model    string `json:"model,omitempty"`
	// APIKey overrides the GEMINI_API_KEY environment variable (do not log).
	APIKey string `json:"api_key,omitempty"`
	// Timeout is a Go duration string bounding one planner call.
	Timeout string `json:"timeout,omitempty"`
}

type StoreConfig struct {
	Path string `json:"path"`
	// BusyTimeout is a Go duration string (sqlite busy handler).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SchedulerConfig struct {
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
}

type NotifierConfig struct {
	RatePerSec int `json:"rate_per_sec,omitempty"`
	// SendTimeout is a Go duration string bounding one send attempt.
	SendTimeout string `json:"send_timeout,omitempty"`
}

// AdminConfig controls the operational HTTP surface.
//
// Security: prefer binding to localhost. A non-loopback bind requires a
// token or an explicit allow_insecure.
type AdminConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:8484"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	EnablePprof   bool   `json:"enable_pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type RetentionConfig struct {
	// SweepCron is a cron expression for the retention sweep.
	// Default: "0 30 3 * * *" (daily at 03:30).
	SweepCron string `json:"sweep_cron,omitempty"`
	// OlderThan is a Go duration string; completed tasks older than this are
	// deleted by the sweep. Default: "168h" (7 days).
	OlderThan string `json:"older_than,omitempty"`
}

// Validate checks the fields that would otherwise fail deep inside startup.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Telegram.Token) == "" {
		return errors.New("telegram.token is required")
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return errors.New("store.path is required")
	}
	if tz := strings.TrimSpace(c.Clock.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("clock.timezone: %w", err)
		}
	}
	for _, f := range []struct{ path, raw string }{
		{"telegram.poll_timeout", c.Telegram.PollTimeout},
		{"planner.timeout", c.Planner.Timeout},
		{"store.busy_timeout", c.Store.BusyTimeout},
		{"notifier.send_timeout", c.Notifier.SendTimeout},
		{"admin.read_timeout", c.Admin.ReadTimeout},
		{"admin.write_timeout", c.Admin.WriteTimeout},
		{"admin.idle_timeout", c.Admin.IdleTimeout},
		{"retention.older_than", c.Retention.OlderThan},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	switch p := strings.TrimSpace(c.Planner.Provider); p {
	case "", "auto", "googleai", "heuristic":
	default:
		return fmt.Errorf("planner.provider: unknown provider %q", p)
	}
	return nil
}
