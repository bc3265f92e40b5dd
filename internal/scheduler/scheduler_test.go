package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	logx "tasknova/pkg/logx"
)

func startService(t *testing.T) *Service {
	t.Helper()
	s := New(Config{Workers: 2, QueueSize: 16}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	t.Cleanup(func() {
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		s.Stop(sctx)
		cancel()
	})
	return s
}

func waitFired(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("fired %q, want %q", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timer %q did not fire", want)
	}
}

func TestArmFiresOnce(t *testing.T) {
	s := startService(t)
	fired := make(chan string, 4)

	err := s.Arm("r1", time.Now().Add(30*time.Millisecond), func(ctx context.Context) error {
		fired <- "r1"
		return nil
	})
	if err != nil {
		t.Fatalf("Arm: %v", err)
	}

	waitFired(t, fired, "r1")
	select {
	case extra := <-fired:
		t.Fatalf("unexpected second fire: %q", extra)
	case <-time.After(200 * time.Millisecond):
	}
	if got := s.Snapshot().Armed; got != 0 {
		t.Fatalf("armed after fire = %d, want 0", got)
	}
}

func TestRearmReplacesEarlierTimer(t *testing.T) {
	s := startService(t)
	fired := make(chan string, 4)
	var count atomic.Int32

	job := func(tag string) Job {
		return func(ctx context.Context) error {
			count.Add(1)
			fired <- tag
			return nil
		}
	}

	if err := s.Arm("r1", time.Now().Add(50*time.Millisecond), job("first")); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	// Replace before the first fires; the later arming must win.
	if err := s.Arm("r1", time.Now().Add(150*time.Millisecond), job("second")); err != nil {
		t.Fatalf("re-Arm: %v", err)
	}

	waitFired(t, fired, "second")
	time.Sleep(200 * time.Millisecond)
	if n := count.Load(); n != 1 {
		t.Fatalf("fire count = %d, want exactly 1", n)
	}
}

func TestArmPastInstantFiresImmediately(t *testing.T) {
	s := startService(t)
	fired := make(chan string, 1)

	err := s.Arm("r1", time.Now().Add(-time.Minute), func(ctx context.Context) error {
		fired <- "r1"
		return nil
	})
	if err != nil {
		t.Fatalf("Arm: %v", err)
	}
	waitFired(t, fired, "r1")
}

func TestCancel(t *testing.T) {
	s := startService(t)
	fired := make(chan string, 1)

	if err := s.Arm("r1", time.Now().Add(80*time.Millisecond), func(ctx context.Context) error {
		fired <- "r1"
		return nil
	}); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if !s.Cancel("r1") {
		t.Fatal("Cancel returned false for armed id")
	}
	if s.Cancel("r1") {
		t.Fatal("Cancel returned true for unknown id")
	}

	select {
	case <-fired:
		t.Fatal("cancelled timer fired")
	case <-time.After(250 * time.Millisecond):
	}
}

func TestArmValidation(t *testing.T) {
	s := New(Config{}, logx.Nop())
	noop := func(ctx context.Context) error { return nil }

	if err := s.Arm("", time.Now().Add(time.Hour), noop); err == nil {
		t.Fatal("expected error for empty id")
	}
	if err := s.Arm("r1", time.Time{}, noop); err == nil {
		t.Fatal("expected error for zero fire time")
	}
	if err := s.Arm("r1", time.Now().Add(time.Hour), nil); err == nil {
		t.Fatal("expected error for nil job")
	}
}

func TestArmSurvivesStopStart(t *testing.T) {
	s := New(Config{Workers: 1, QueueSize: 4}, logx.Nop())
	ctx := context.Background()
	s.Start(ctx)

	fired := make(chan string, 1)
	if err := s.Arm("r1", time.Now().Add(300*time.Millisecond), func(ctx context.Context) error {
		fired <- "r1"
		return nil
	}); err != nil {
		t.Fatalf("Arm: %v", err)
	}

	sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	s.Stop(sctx)
	cancel()

	// The arming definition survives a stop; the timer is rebuilt on start.
	s.Start(ctx)
	defer func() {
		sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		s.Stop(sctx)
	}()
	waitFired(t, fired, "r1")
}

func TestAddCronValidatesSpec(t *testing.T) {
	s := New(Config{}, logx.Nop())
	noop := func(ctx context.Context) error { return nil }

	if err := s.AddCron("sweep", "not a cron spec", noop); err == nil {
		t.Fatal("expected parse error")
	}
	if err := s.AddCron("sweep", "0 30 3 * * *", noop); err != nil {
		t.Fatalf("AddCron: %v", err)
	}
	// Upsert by name.
	if err := s.AddCron("sweep", "@hourly", noop); err != nil {
		t.Fatalf("AddCron upsert: %v", err)
	}
	if got := s.Snapshot().Crons; got != 1 {
		t.Fatalf("crons = %d, want 1", got)
	}
}
