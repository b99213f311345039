package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"execbot/internal/task/engine"
	logx "execbot/pkg/logx"
)

// AddSchedule registers a recurring job from a schedule string (see
// ParseSchedule). Interval schedules get a random first-run spread.
func (s *Service) AddSchedule(name, schedule string, timeout time.Duration, job Job) error {
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	if ps.Kind == SpecInterval {
		return s.add(scheduleDef{name: name, spec: "@every " + ps.Every.String(), every: ps.Every, spread: true, timeout: timeout, job: job})
	}
	return s.add(scheduleDef{name: name, spec: ps.Cron, timeout: timeout, job: job})
}

// AddInterval registers a job that runs every interval, first at now+every.
func (s *Service) AddInterval(name string, every, timeout time.Duration, job Job) error {
	if every <= 0 {
		return fmt.Errorf("interval must be > 0")
	}
	return s.add(scheduleDef{name: name, spec: "@every " + every.String(), every: every, timeout: timeout, job: job})
}

func (s *Service) add(d scheduleDef) error {
	d.name = strings.TrimSpace(d.name)
	if d.name == "" {
		return errors.New("name required")
	}
	if d.job == nil {
		return errors.New("job required")
	}
	if d.every == 0 {
		if _, err := s.parser.Parse(d.spec); err != nil {
			return fmt.Errorf("parse %q: %w", d.spec, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Upsert by name so re-registration never duplicates a job.
	s.removeLocked(d.name)
	s.defs = append(s.defs, d)
	if s.c == nil {
		return nil
	}
	if err := s.addCronLocked(&s.defs[len(s.defs)-1]); err != nil {
		return err
	}
	s.log.Debug("schedule registered", logx.String("name", d.name), logx.String("spec", d.spec), logx.Duration("timeout", d.timeout))
	return nil
}

// Remove unregisters the schedule called name.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(strings.TrimSpace(name))
}

func (s *Service) removeLocked(name string) bool {
	n, removed := 0, false
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	name, timeout, run := d.name, d.timeout, d.job
	job := cron.FuncJob(func() {
		if s.engine == nil {
			return
		}
		err := s.engine.Enqueue(engine.Task{
			Name:    name,
			Timeout: timeout,
			Overlap: engine.OverlapSkipIfRunning,
			Run:     run,
		})
		if err != nil {
			s.reportEnqueueError(name, err)
		}
	})

	if d.every > 0 {
		var sched cron.Schedule = cron.Every(d.every)
		if d.spread {
			loc := s.loc
			if loc == nil {
				loc = time.Local
			}
			sched, _ = makeIntervalScheduleWithSpread(d.every, time.Now().In(loc), d.name)
		}
		d.entryID = s.c.Schedule(sched, job)
		return nil
	}
	eid, err := s.c.AddJob(d.spec, job)
	if err != nil {
		return err
	}
	d.entryID = eid
	return nil
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.defs {
		_ = s.addCronLocked(&s.defs[i])
	}
	s.c.Start()
	s.log.Info("service restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}
