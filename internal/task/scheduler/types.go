package scheduler

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"execbot/internal/eventbus"
	"execbot/internal/task/engine"
	logx "execbot/pkg/logx"
)

// MaxDelay is the largest delay a timer accepts (2^31-1 ms, about 24.8 days).
const MaxDelay = time.Duration(math.MaxInt32) * time.Millisecond

var ErrDelayOutOfRange = errors.New("timer delay out of range")

// Config controls the scheduler service.
type Config struct {
	Timezone string // IANA TZ, e.g. "UTC"
}

// Job is the callback run by the task engine when a trigger fires.
type Job func(ctx context.Context) error

// TimerInfo describes an armed deadline timer.
type TimerInfo struct {
	Key     string
	Purpose string
	Version uint64
	ArmedAt time.Time
	FireAt  time.Time
}

// TimerEvent is published on the bus for timer.armed, timer.cancelled and
// timer.fired.
type TimerEvent struct {
	Key     string        `json:"key"`
	Purpose string        `json:"purpose"`
	Version uint64        `json:"version"`
	Delay   time.Duration `json:"delay,omitempty"`
	FireAt  time.Time     `json:"fire_at"`
}

type timerEntry struct {
	info    TimerInfo
	timer   *time.Timer
	timeout time.Duration
	job     Job
}

type scheduleDef struct {
	name    string
	spec    string
	every   time.Duration
	spread  bool
	timeout time.Duration
	job     Job
	entryID cron.EntryID
}

type ScheduleInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
}

type Snapshot struct {
	Timezone  string
	Timers    []TimerInfo
	Schedules []ScheduleInfo
	Engine    engine.Snapshot
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	bus eventbus.Bus

	engine *engine.Service

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef
	runCtx context.Context

	enqMu       sync.Mutex
	lastEnqWarn map[string]time.Time

	tmu     sync.Mutex
	timers  map[string]*timerEntry
	version uint64
}
