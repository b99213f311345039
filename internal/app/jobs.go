package app

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"execbot/internal/keeper"
	"execbot/internal/notifier"
	"execbot/internal/runtime/supervisor"
	"execbot/internal/task/engine"
	"execbot/internal/task/scheduler"
	logx "execbot/pkg/logx"
)

// addJobs registers the recurring jobs: periodic restart, heartbeat and the
// systemd watchdog when the unit asks for one.
func (a *App) addJobs() error {
	if a.res.RestartEvery > 0 {
		err := a.sched.AddInterval("restart", a.res.RestartEvery, 0, func(context.Context) error {
			a.requestRestart()
			return nil
		})
		if err != nil {
			return err
		}
	}
	if err := a.sched.AddSchedule("heartbeat", a.res.Heartbeat, 10*time.Second, a.heartbeat); err != nil {
		return err
	}
	if every, err := daemon.SdWatchdogEnabled(false); err == nil && every > 0 {
		err := a.sched.AddInterval("systemd.watchdog", every/2, 0, func(context.Context) error {
			_, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			return err
		})
		if err != nil {
			return err
		}
		a.log.Info("systemd watchdog enabled", logx.Duration("every", every))
	}
	return nil
}

func (a *App) heartbeat(context.Context) error {
	ks := a.keeper.Snapshot()
	ss := a.sched.Snapshot()
	a.log.Info("heartbeat",
		logx.Duration("uptime", time.Since(a.startedAt).Round(time.Second)),
		logx.Int("items", ks.Items),
		logx.Int("timers", len(ss.Timers)),
		logx.Int("retrying", ks.Retrying),
		logx.Int("in_flight", ss.Engine.InFlight),
		logx.Int("queue", ss.Engine.QueueLen),
		logx.Uint64("dropped", ss.Engine.Dropped),
		logx.Any("nonces", ks.Nonces),
	)
	return nil
}

// Snapshot is the operator view served by the status endpoint.
type Snapshot struct {
	Network   string                        `json:"network"`
	StartedAt time.Time                     `json:"started_at"`
	Keeper    keeper.Snapshot               `json:"keeper"`
	Timers    []scheduler.TimerInfo         `json:"timers"`
	Schedules []scheduler.ScheduleInfo      `json:"schedules"`
	Engine    engine.Snapshot               `json:"engine"`
	Runtime   supervisor.SupervisorSnapshot `json:"runtime"`
	Alerts    []notifier.HistoryItem        `json:"alerts"`
}

func (a *App) Snapshot() Snapshot {
	ss := a.sched.Snapshot()
	out := Snapshot{
		Network:   networkName(a.cfg),
		StartedAt: a.startedAt,
		Keeper:    a.keeper.Snapshot(),
		Timers:    ss.Timers,
		Schedules: ss.Schedules,
		Engine:    ss.Engine,
		Alerts:    a.notif.History(),
	}
	if a.sup != nil {
		out.Runtime = a.sup.Snapshot()
	}
	return out
}
