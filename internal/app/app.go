// Package app wires the components together and owns their lifecycle.
//
// Startup order matters: the store opens and the scheduler starts before
// restoration rebuilds timers from pending rows, and only after restoration
// completes does the Telegram adapter start consuming updates (and systemd
// get the ready signal). This guarantees an incoming message can never race
// a half-restored timer set.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"tasknova/internal/admin"
	"tasknova/internal/clock"
	"tasknova/internal/config"
	"tasknova/internal/dispatch"
	"tasknova/internal/eventbus"
	"tasknova/internal/notifier"
	"tasknova/internal/planner"
	rtsup "tasknova/internal/runtime/supervisor"
	"tasknova/internal/scheduler"
	"tasknova/internal/store"
	kit "tasknova/internal/transport"
	telegram "tasknova/internal/transport/telegram/adapter"
	"tasknova/internal/transport/telegram/router"
	logx "tasknova/pkg/logx"
	"tasknova/pkg/sdnotify"
)

const (
	defaultTimezone  = "UTC"
	defaultSweepCron = "0 30 3 * * *"
	defaultRetention = 7 * 24 * time.Hour
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus
	norm *clock.Normalizer

	store   store.Store
	sched   *scheduler.Service
	adapter *telegram.Adapter
	notif   *notifier.Service
	disp    *dispatch.Coordinator
	router  *router.Router
	admin   *admin.Service

	updates  chan kit.Update
	stopOnce sync.Once
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("comp", "app"))

	tz := strings.TrimSpace(cfg.Clock.Timezone)
	if tz == "" {
		tz = defaultTimezone
	}
	norm, err := clock.NewNormalizer(tz)
	if err != nil {
		return nil, fmt.Errorf("clock.timezone: %w", err)
	}

	busyTimeout, err := config.ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(store.Config{
		Path:        cfg.Store.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(scheduler.Config{
		Workers:   cfg.Scheduler.Workers,
		QueueSize: cfg.Scheduler.QueueSize,
		Timezone:  tz,
	}, log.With(logx.String("comp", "scheduler")))

	sendTimeout, err := config.ParseDurationOrDefault("notifier.send_timeout", cfg.Notifier.SendTimeout, 15*time.Second)
	if err != nil {
		return nil, err
	}
	notif := notifier.New(notifier.Config{
		RatePerSec:  cfg.Notifier.RatePerSec,
		SendTimeout: sendTimeout,
	}, ad, log.With(logx.String("comp", "notifier")))

	bus := eventbus.New()
	disp := dispatch.New(st, sched, notif, norm, bus, log.With(logx.String("comp", "dispatch")))
	retention, err := config.ParseDurationOrDefault("retention.older_than", cfg.Retention.OlderThan, defaultRetention)
	if err != nil {
		return nil, err
	}
	disp.SetRetention(retention)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		norm:    norm,
		store:   st,
		sched:   sched,
		adapter: ad,
		notif:   notif,
		disp:    disp,
		updates: make(chan kit.Update, 64),
	}

	planTimeout, err := config.ParseDurationOrDefault("planner.timeout", cfg.Planner.Timeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	pl := a.buildPlanner(cfg)
	a.router = router.New(router.Config{PlanTimeout: planTimeout},
		pl, disp, st, notif, norm, log.With(logx.String("comp", "router")))

	adminCfg, err := mapAdminConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.admin = admin.New(adminCfg, st, sched, disp, log.With(logx.String("comp", "admin")))

	return a, nil
}

// buildPlanner picks the configured provider, falling back to the heuristic
// parser when no model is usable.
func (a *App) buildPlanner(cfg *config.Config) planner.Planner {
	provider := strings.TrimSpace(cfg.Planner.Provider)
	if provider == "" {
		provider = "auto"
	}
	if provider == "heuristic" {
		a.log.Info("planner: heuristic")
		return planner.NewHeuristic(a.norm)
	}

	g, err := planner.NewGemini(context.Background(), planner.GeminiConfig{
		Model:    cfg.Planner.Model,
		APIKey:   cfg.Planner.APIKey,
		Timezone: a.norm.UserLocation().String(),
	}, a.log.With(logx.String("comp", "planner")))
	if err != nil {
		if provider == "googleai" {
			a.log.Error("planner: googleai unavailable, using heuristic", logx.Err(err))
		} else {
			a.log.Info("planner: no API key, using heuristic")
		}
		return planner.NewHeuristic(a.norm)
	}
	return g
}

func mapAdminConfig(cfg *config.Config) (admin.Config, error) {
	rt, err := config.ParseDurationField("admin.read_timeout", cfg.Admin.ReadTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	wt, err := config.ParseDurationField("admin.write_timeout", cfg.Admin.WriteTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	it, err := config.ParseDurationField("admin.idle_timeout", cfg.Admin.IdleTimeout)
	if err != nil {
		return admin.Config{}, err
	}
	return admin.Config{
		Enabled:       cfg.Admin.Enabled,
		Addr:          cfg.Admin.Addr,
		Token:         cfg.Admin.Token,
		AllowInsecure: cfg.Admin.AllowInsecure,
		EnablePprof:   cfg.Admin.EnablePprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	// Timers and the retention cron before anything can enqueue work.
	a.sched.Start(a.sup.Context())

	cronSpec := strings.TrimSpace(a.cfgm.Get().Retention.SweepCron)
	if cronSpec == "" {
		cronSpec = defaultSweepCron
	}
	if err := a.sched.AddCron("retention.sweep", cronSpec, a.disp.SweepJob()); err != nil {
		return fmt.Errorf("retention.sweep_cron: %w", err)
	}

	// Restoration must finish before the adapter accepts traffic.
	armed, expired, err := a.disp.RestoreOnStartup(ctx)
	if err != nil {
		return fmt.Errorf("restore reminders: %w", err)
	}
	a.log.Info("restored", logx.Int("armed", armed), logx.Int("expired", expired))

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.sup.Go0("router.run", func(c context.Context) {
		a.router.Run(c, a.updates)
	})

	if a.admin.Enabled() {
		a.admin.Start(a.sup.Context())
	}

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
	a.startReloadLoop()
	a.startEventLog()

	sdnotify.Ready()
	sdnotify.Status("running")
	a.log.Info("started")
	return nil
}

// startReloadLoop applies hot-reloadable settings when the config file
// changes. Store path and telegram token changes need a restart.
func (a *App) startReloadLoop() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: only the latest snapshot matters.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto apply
					}
				}
			apply:
				a.applyReload(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

func (a *App) applyReload(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Debug("config reload received, no effective changes")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config changed", fields...)

	for _, s := range sections {
		switch s {
		case "logging":
			a.logs.Apply(logx.Config{
				Level:   newCfg.Logging.Level,
				Console: newCfg.Logging.Console,
				File: logx.FileConfig{
					Enabled: newCfg.Logging.File.Enabled,
					Path:    newCfg.Logging.File.Path,
				},
			})
		case "notifier":
			sendTimeout, err := config.ParseDurationOrDefault("notifier.send_timeout", newCfg.Notifier.SendTimeout, 15*time.Second)
			if err != nil {
				a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
				continue
			}
			a.notif.Apply(notifier.Config{
				RatePerSec:  newCfg.Notifier.RatePerSec,
				SendTimeout: sendTimeout,
			})
		case "retention":
			if d, err := config.ParseDurationOrDefault("retention.older_than", newCfg.Retention.OlderThan, defaultRetention); err == nil {
				a.disp.SetRetention(d)
			}
		case "telegram", "store", "clock", "planner", "scheduler", "admin":
			a.log.Warn("config section requires restart to take effect", logx.String("section", s))
		}
	}
}

// startEventLog mirrors bus events into debug logging.
func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})
}

func (a *App) Stop(ctx context.Context) error {
	var ferr error
	a.stopOnce.Do(func() {
		sdnotify.Stopping()
		a.log.Info("stopping")
		if a.sup != nil {
			a.sup.Cancel()
		}

		// Bound each step so one component can't stall the whole stop.
		step := func(name string, max time.Duration, fn func(context.Context)) {
			stepCtx, cancel := context.WithTimeout(ctx, max)
			defer cancel()
			done := make(chan struct{})
			go func() {
				defer close(done)
				defer func() {
					if r := recover(); r != nil {
						a.log.Warn("panic in stop step", logx.String("name", name), logx.Any("panic", r))
					}
				}()
				fn(stepCtx)
			}()
			select {
			case <-done:
			case <-stepCtx.Done():
				a.log.Warn("stop step deadline reached", logx.String("name", name))
			}
		}

		// Intake first, then timers, then outbound, then state.
		step("adapter", 4*time.Second, func(c context.Context) { _ = a.adapter.Stop(c) })
		step("admin", 2*time.Second, func(c context.Context) { a.admin.Stop(c) })
		step("scheduler", 3*time.Second, func(c context.Context) { a.sched.Stop(c) })
		a.notif.Close()

		if a.sup != nil {
			wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			_ = a.sup.Wait(wctx)
			cancel()
		}

		if err := a.store.Close(); err != nil {
			a.log.Warn("store close", logx.Err(err))
			ferr = err
		}
		a.log.Info("stopped")
		if a.logs != nil {
			a.logs.Close()
		}
	})
	return ferr
}

// Err surfaces the first fatal error from background goroutines.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Done is closed when the app's run context is canceled, either by the
// parent context or by a fatal internal error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}
