package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"execbot/internal/chain"
	"execbot/internal/config"
	"execbot/internal/eventbus"
	"execbot/internal/gasprice"
	"execbot/internal/indexer"
	"execbot/internal/keeper"
	"execbot/internal/notifier"
	"execbot/internal/observability/status"
	"execbot/internal/protocol"
	"execbot/internal/runtime/supervisor"
	"execbot/internal/storage"
	"execbot/internal/subgraph"
	"execbot/internal/task/engine"
	"execbot/internal/task/scheduler"
	logx "execbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config
	res  config.Resolved

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	client  *chain.Client
	engine  *engine.Service
	sched   *scheduler.Service
	notif   *notifier.Service
	keeper  *keeper.Service
	indexer *indexer.Updater
	status  *status.Server

	sup       *supervisor.Supervisor
	startedAt time.Time

	restartOnce sync.Once
	restart     chan struct{}
}

// New loads the config and secrets, dials the ledger and builds every
// component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	res, err := config.Resolve(cfg)
	if err != nil {
		return nil, err
	}
	sec, err := config.LoadSecrets(cfg, nil)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	network := networkName(cfg)
	log.Info("config loaded", logx.String("path", cfgm.Path()), logx.String("network", network))

	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		if store, err = storage.Open(sc, log.With(logx.String("comp", "storage"))); err != nil {
			return nil, err
		}
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	bus := eventbus.New()

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	transports, err := buildTransports(cfg, sec)
	if err != nil {
		return nil, err
	}
	notifSvc := notifier.New(ncfg, transports, log, bus, store)
	// forwarding needs the sender in place before Apply enables it
	logSvc.SetAlertSender(notifSvc)
	logSvc.Apply(mapLogConfig(cfg))

	client, err := chain.Dial(ctx, cfg.Ledger.RPCURL, res.CallTimeout, log)
	if err != nil {
		return nil, err
	}
	chainID, err := resolveChainID(ctx, cfg, client)
	if err != nil {
		client.Close()
		return nil, err
	}
	signer, err := chain.NewSigner(sec.PrivateKey, chainID)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("keeper.private_key_env: %w", err)
	}
	var alt *chain.Signer
	if sec.AltPrivateKey != "" {
		if alt, err = chain.NewSigner(sec.AltPrivateKey, chainID); err != nil {
			client.Close()
			return nil, fmt.Errorf("keeper.alt_private_key_env: %w", err)
		}
	}

	reg, err := protocol.NewRegistry(mapVersions(cfg))
	if err != nil {
		client.Close()
		return nil, err
	}
	gw := protocol.NewGateway(client, reg, log)

	engineSvc := engine.New(mapEngineConfig(res), log.With(logx.String("comp", "taskengine")), bus)
	schedSvc := scheduler.New(scheduler.Config{Timezone: cfg.Scheduler.Timezone}, engineSvc, log.With(logx.String("comp", "scheduler")), bus)

	deps := keeper.Deps{
		Ledger:    gw,
		Timers:    schedSvc,
		Signer:    signer,
		AltSigner: alt,
		Alerts:    notifSvc,
		Store:     store,
		Bus:       bus,
		Log:       log,
	}
	if url := strings.TrimSpace(cfg.Subgraph.URL); url != "" {
		deps.Index = subgraph.New(subgraph.Config{URL: url, Timeout: res.SubgraphTimeout}, log)
	}
	if res.Gas.OracleURL != "" {
		deps.Gas = gasprice.New(gasprice.Config{
			URL:         res.Gas.OracleURL,
			Timeout:     res.Gas.OracleTimeout,
			RatePerMin:  res.Gas.OracleRatePerMin,
			CacheMaxAge: res.Gas.OracleCacheAge,
		}, log)
	}

	a := &App{
		cfgm:    cfgm,
		cfg:     cfg,
		res:     res,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		client:  client,
		engine:  engineSvc,
		sched:   schedSvc,
		notif:   notifSvc,
		restart: make(chan struct{}),
	}
	deps.Supervise = []supervisor.SupervisorOption{supervisor.WithFaultHandler(res.FaultAlertEvery, a.onFault)}
	if a.keeper, err = keeper.New(mapKeeperConfig(cfg, res), deps); err != nil {
		client.Close()
		return nil, err
	}
	a.indexer = indexer.New(indexer.Config{
		URL:     cfg.Indexer.URL,
		Retries: res.IndexerRetries,
		Timeout: res.IndexerTimeout,
	}, network, engineSvc, bus, notifSvc, log)

	var attempts status.AttemptLog
	if store != nil {
		attempts = store
	}
	a.status = status.New(mapStatusConfig(cfg, sec), func() any { return a.Snapshot() }, attempts, log)

	log.Info("app configured",
		logx.String("network", network),
		logx.String("chain_id", chainID.String()),
		logx.Int("versions", len(reg.Versions())),
		logx.Bool("subgraph", deps.Index != nil),
		logx.Bool("gas_oracle", deps.Gas != nil),
		logx.Bool("indexer", a.indexer.Enabled()),
		logx.Int("alert_transports", len(transports)),
	)
	return a, nil
}

func resolveChainID(ctx context.Context, cfg *config.Config, client *chain.Client) (*big.Int, error) {
	remote, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id: %w", err)
	}
	if want := cfg.Network.ChainID; want != 0 && remote.Cmp(big.NewInt(want)) != 0 {
		return nil, fmt.Errorf("network.chain_id is %d but the node reports %s", want, remote)
	}
	return remote, nil
}

// Done is closed when the app supervisor context is cancelled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// RestartRequested is closed when the periodic restart job fires.
func (a *App) RestartRequested() <-chan struct{} { return a.restart }

func (a *App) requestRestart() {
	a.restartOnce.Do(func() {
		a.log.Info("scheduled restart", logx.Duration("uptime", time.Since(a.startedAt)))
		close(a.restart)
	})
}

func (a *App) Start(ctx context.Context) error {
	a.startedAt = time.Now()
	a.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true),
		supervisor.WithFaultHandler(a.res.FaultAlertEvery, a.onFault),
	)
	runCtx := a.sup.Context()

	if a.notif.Enabled() {
		a.notif.Start(runCtx)
	}
	a.engine.Start(runCtx)
	a.sched.Start(runCtx)
	if err := a.addJobs(); err != nil {
		return err
	}
	if err := a.keeper.Start(runCtx); err != nil {
		return err
	}
	if a.indexer.Enabled() {
		a.sup.Go("indexer", a.indexer.Run)
	}
	if err := a.status.Start(runCtx); err != nil {
		return err
	}

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

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validateReload)
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(last, newCfg)
				last = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started")
	return nil
}

// validateReload rejects a reloaded file that could not be started from:
// a different chain, or secrets missing from the environment.
func (a *App) validateReload(_ context.Context, next *config.Config) error {
	if next.Network.ChainID != a.cfg.Network.ChainID {
		return fmt.Errorf("network.chain_id changed from %d to %d", a.cfg.Network.ChainID, next.Network.ChainID)
	}
	if _, err := config.LoadSecrets(next, nil); err != nil {
		return err
	}
	return nil
}

// applyConfig applies logging live. Other sections take effect on the next
// restart.
func (a *App) applyConfig(prev, next *config.Config) {
	sections, attrs, needsRestart := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	a.logs.Apply(mapLogConfig(next))
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	if needsRestart {
		a.log.Warn("config change takes effect after restart", fields...)
		return
	}
	a.log.Info("config applied", fields...)
}

// onFault is the safety net for panics and unexpected exits.
func (a *App) onFault(name string, err error, suppressed uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	body := fmt.Sprintf("goroutine %s\nerror: %v", name, err)
	if suppressed > 0 {
		body += fmt.Sprintf("\n(%d similar faults suppressed)", suppressed)
	}
	if aerr := a.notif.Alert(ctx, "Unhandled error: "+networkName(a.cfg), body); aerr != nil {
		a.log.Info("fault alert not sent", logx.Err(aerr))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("keeper", 3*time.Second, a.keeper.Stop)
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("ledger", time.Second, func(context.Context) error { a.client.Close(); return nil })
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	return a.logs.Close()
}
