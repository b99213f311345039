package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"execbot/internal/eventbus"
	"execbot/internal/task/engine"
	logx "execbot/pkg/logx"
)

// Arm schedules job to run after delay under key, replacing any timer already
// armed for key. A negative delay fires immediately. A delay above MaxDelay
// returns ErrDelayOutOfRange and leaves no timer for key.
func (s *Service) Arm(key, purpose string, delay time.Duration, job Job) (TimerInfo, error) {
	return s.ArmTimeout(key, purpose, delay, 0, job)
}

// ArmTimeout is Arm with an explicit task timeout (0 uses the engine default).
func (s *Service) ArmTimeout(key, purpose string, delay, timeout time.Duration, job Job) (TimerInfo, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return TimerInfo{}, fmt.Errorf("timer key required")
	}
	if job == nil {
		return TimerInfo{}, fmt.Errorf("timer job required")
	}
	delay = max(delay, 0)

	s.tmu.Lock()
	prev := s.cancelLocked(key)
	if delay > MaxDelay {
		s.tmu.Unlock()
		if prev != nil {
			s.publish(eventbus.TimerCancelled, TimerEvent{Key: key, Purpose: prev.Purpose, Version: prev.Version, FireAt: prev.FireAt})
		}
		return TimerInfo{}, fmt.Errorf("%w: %s", ErrDelayOutOfRange, delay)
	}
	s.version++
	now := time.Now()
	info := TimerInfo{Key: key, Purpose: purpose, Version: s.version, ArmedAt: now, FireAt: now.Add(delay)}
	e := &timerEntry{info: info, timeout: timeout, job: job}
	ver := info.Version
	e.timer = time.AfterFunc(delay, func() { s.fire(key, ver) })
	s.timers[key] = e
	s.tmu.Unlock()

	s.log.Debug("timer armed", logx.String("key", key), logx.String("purpose", purpose), logx.Duration("delay", delay), logx.Uint64("version", ver))
	s.publish(eventbus.TimerArmed, TimerEvent{Key: key, Purpose: purpose, Version: ver, Delay: delay, FireAt: info.FireAt})
	return info, nil
}

// Cancel stops the timer armed for key. It reports whether one existed.
func (s *Service) Cancel(key string) bool {
	s.tmu.Lock()
	prev := s.cancelLocked(strings.TrimSpace(key))
	s.tmu.Unlock()
	if prev == nil {
		return false
	}
	s.log.Debug("timer cancelled", logx.String("key", prev.Key), logx.String("purpose", prev.Purpose))
	s.publish(eventbus.TimerCancelled, TimerEvent{Key: prev.Key, Purpose: prev.Purpose, Version: prev.Version, FireAt: prev.FireAt})
	return true
}

// Timer returns the timer armed for key.
func (s *Service) Timer(key string) (TimerInfo, bool) {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	e, ok := s.timers[key]
	if !ok {
		return TimerInfo{}, false
	}
	return e.info, true
}

// Timers lists armed timers ordered by fire time.
func (s *Service) Timers() []TimerInfo {
	s.tmu.Lock()
	out := make([]TimerInfo, 0, len(s.timers))
	for _, e := range s.timers {
		out = append(out, e.info)
	}
	s.tmu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FireAt.Before(out[j].FireAt) })
	return out
}

func (s *Service) cancelLocked(key string) *TimerInfo {
	e, ok := s.timers[key]
	if !ok {
		return nil
	}
	e.timer.Stop()
	delete(s.timers, key)
	info := e.info
	return &info
}

// fire runs on the timer goroutine. A callback whose version no longer
// matches the armed entry belongs to a replaced timer and is dropped.
func (s *Service) fire(key string, ver uint64) {
	s.tmu.Lock()
	e, ok := s.timers[key]
	if !ok || e.info.Version != ver {
		s.tmu.Unlock()
		return
	}
	delete(s.timers, key)
	s.tmu.Unlock()

	info := e.info
	s.publish(eventbus.TimerFired, TimerEvent{Key: key, Purpose: info.Purpose, Version: ver, FireAt: info.FireAt})
	if s.engine == nil {
		return
	}
	err := s.engine.Submit(s.context(), engine.Task{
		Name:    "timer." + info.Purpose,
		Key:     key,
		Timeout: e.timeout,
		Run:     e.job,
	})
	if err != nil {
		s.reportEnqueueError("timer."+info.Purpose+":"+key, err)
	}
}
