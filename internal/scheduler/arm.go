package scheduler

import (
	"errors"
	"strings"
	"time"

	logx "tasknova/pkg/logx"
)

// Arm registers a single-fire timer for id. The job runs on the worker pool
// at-or-after fireAt.
//
// Re-arming the same id before it fires replaces the prior arming (last write
// wins): a version counter invalidates callbacks from superseded timers, so
// the firing count per id is exactly one. Callers must have filtered out
// past instants already; a non-positive delay is clamped to fire immediately.
func (s *Service) Arm(id string, fireAt time.Time, job Job) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("arm: id required")
	}
	if job == nil {
		return errors.New("arm: job required")
	}
	if fireAt.IsZero() {
		return errors.New("arm: fire time required")
	}

	s.tmu.Lock()
	// Upsert: stop any existing timer for this id.
	if t, ok := s.timers[id]; ok {
		_ = t.Stop()
		delete(s.timers, id)
	}
	ver := s.armVer[id] + 1
	s.armVer[id] = ver
	s.armAt[id] = fireAt
	s.armJob[id] = job
	s.timers[id] = s.newTimerLocked(id, fireAt, ver)
	s.tmu.Unlock()

	s.log.Debug("reminder armed", logx.String("id", id), logx.Time("fire_at", fireAt), logx.Duration("in", time.Until(fireAt)))
	return nil
}

// Cancel removes an arming. Best-effort: returns false when the id was not
// armed (already fired or never registered).
func (s *Service) Cancel(id string) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	_, ok := s.armAt[id]
	if t, tok := s.timers[id]; tok {
		_ = t.Stop()
		delete(s.timers, id)
		ok = true
	}
	delete(s.armAt, id)
	delete(s.armJob, id)
	delete(s.armVer, id)
	return ok
}

// newTimerLocked creates the runtime timer for one arming. Call with tmu held.
func (s *Service) newTimerLocked(id string, fireAt time.Time, ver uint64) *time.Timer {
	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}
	return time.AfterFunc(delay, func() {
		// If the arming was cancelled or replaced, ignore this callback.
		s.tmu.Lock()
		if s.armVer[id] != ver {
			s.tmu.Unlock()
			return
		}
		job := s.armJob[id]
		// Cleanup definitions first (prevents double-exec after a restart).
		delete(s.timers, id)
		delete(s.armAt, id)
		delete(s.armJob, id)
		delete(s.armVer, id)
		s.tmu.Unlock()

		if job == nil {
			return
		}
		s.enqueue(task{id: id, name: "reminder.fire", run: job})
	})
}

// rebuildTimersLocked recreates runtime timers from arming definitions.
// Call with s.mu held.
func (s *Service) rebuildTimersLocked() {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	// Should already be empty after Stop(); stop defensively regardless.
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}

	for id, fireAt := range s.armAt {
		if s.armJob[id] == nil {
			delete(s.armAt, id)
			delete(s.armJob, id)
			delete(s.armVer, id)
			continue
		}
		ver := s.armVer[id]
		if ver == 0 {
			ver = 1
			s.armVer[id] = ver
		}
		s.timers[id] = s.newTimerLocked(id, fireAt, ver)
	}
}

// AddCron registers a recurring trigger by name (upsert). Used for the
// retention sweep cadence, not for reminders.
func (s *Service) AddCron(name, spec string, job Job) error {
	if strings.TrimSpace(name) == "" {
		return errors.New("cron: name required")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeCronLocked(name)
	s.crons = append(s.crons, cronDef{name: name, spec: spec, job: job})
	if s.c != nil {
		s.addCronLocked(&s.crons[len(s.crons)-1])
	}
	// Not started yet: definition is registered when Start() runs.
	return nil
}

// addCronLocked registers one definition with the running cron. Call with s.mu held.
func (s *Service) addCronLocked(d *cronDef) {
	name := d.name
	job := d.job
	eid, err := s.c.AddFunc(d.spec, func() {
		s.enqueue(task{id: "cron:" + name, name: name, run: job})
	})
	if err != nil {
		s.log.Error("cron register failed", logx.String("name", d.name), logx.String("spec", d.spec), logx.Err(err))
		return
	}
	d.entryID = eid
	s.log.Debug("cron registered", logx.String("name", d.name), logx.String("spec", d.spec))
}

// removeCronLocked removes all definitions matching name. Call with s.mu held.
func (s *Service) removeCronLocked(name string) {
	n := 0
	for _, d := range s.crons {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			continue
		}
		s.crons[n] = d
		n++
	}
	s.crons = s.crons[:n]
}
