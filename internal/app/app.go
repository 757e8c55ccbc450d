package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"tfmon/internal/config"
	"tfmon/internal/eventbus"
	"tfmon/internal/fetch"
	"tfmon/internal/monitor"
	"tfmon/internal/notify"
	"tfmon/internal/observability/pprof"
	"tfmon/internal/report"
	"tfmon/internal/runtime/supervisor"
	"tfmon/internal/storage"
	logx "tfmon/pkg/logx"
	"tfmon/pkg/systemd"
)

// StopReason says why the app is shutting down; it is logged once at Stop.
type StopReason string

const (
	StopSIGINT     StopReason = "sigint"
	StopSIGTERM    StopReason = "sigterm"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// App wires the monitor pipeline together: config manager, logging, event
// bus, optional storage, fetcher, notification dispatcher, the check loop,
// the digest scheduler, and the pprof server.
type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	mon   *monitor.Monitor
	disp  *notify.Dispatcher
	rep   *report.Service
	pprof *pprof.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	warnings, err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	for _, w := range warnings {
		log.Warn("config warning", logx.String("warn", w))
	}

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		logSvc.Close()
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			logSvc.Close()
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver), logx.String("path", sc.Path))
	}

	app, err := assemble(cfg, cfgm, logSvc, log, bus, store)
	if err != nil {
		if store != nil {
			store.Close()
		}
		logSvc.Close()
		return nil, err
	}
	return app, nil
}

// assemble builds the service graph on top of already-opened resources.
// Split out of NewApp so construction failures can unwind storage and the
// log service in one place.
func assemble(cfg *config.Config, cfgm *config.Manager, logSvc *logx.Service, log logx.Logger, bus eventbus.Bus, store storage.Store) (*App, error) {
	fcfg, err := mapFetchConfig(cfg)
	if err != nil {
		return nil, err
	}
	fetcher := fetch.New(fcfg, log.With(logx.String("comp", "fetch")))

	channels, err := buildChannels(cfg)
	if err != nil {
		return nil, err
	}
	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := notify.New(ncfg, channels, log.With(logx.String("comp", "notify")), bus)
	if len(channels) > 0 {
		logSvc.SetAlertSender(disp)
	}

	mcfg, err := mapMonitorConfig(cfg)
	if err != nil {
		return nil, err
	}
	reg := monitor.NewRegistry()
	for _, id := range cfg.AppIDs() {
		if err := reg.Register(id); err != nil {
			return nil, err
		}
	}
	mon, err := monitor.New(mcfg, reg, monitor.Deps{
		Fetcher:  fetcher,
		Notifier: disp,
		Journal:  store,
		Bus:      bus,
		Log:      log.With(logx.String("comp", "monitor")),
	})
	if err != nil {
		return nil, err
	}

	// Restore cooldown marks so a restart inside the window does not
	// re-alert for a slot we already announced.
	if store != nil {
		seedCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, target := range mon.Targets() {
			at, ok, err := store.GetCooldown(seedCtx, target)
			if err != nil {
				log.Warn("cooldown seed failed", logx.String("target", target), logx.Err(err))
				continue
			}
			if ok {
				mon.SeedCooldown(target, at)
				log.Debug("cooldown seeded", logx.String("target", target), logx.Time("notified_at", at))
			}
		}
	}

	rep := report.New(mapReportConfig(cfg), disp, bus, log.With(logx.String("comp", "report")))

	pcfg, err := mapPprofConfig(cfg)
	if err != nil {
		return nil, err
	}
	pprofSvc := pprof.New(pcfg, log.With(logx.String("comp", "pprof")))

	return &App{
		cfgm:  cfgm,
		log:   log,
		logs:  logSvc,
		bus:   bus,
		store: store,
		mon:   mon,
		disp:  disp,
		rep:   rep,
		pprof: pprofSvc,
	}, nil
}

// neverStarted stands in for the supervisor context before Start runs.
var neverStarted = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop()). Before Start it is already closed.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return neverStarted
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		warnings, err := cfg.Validate()
		if err != nil {
			return err
		}
		for _, w := range warnings {
			a.log.Warn("config warning", logx.String("warn", w))
		}
		// Mapping catches what Validate leaves to the services.
		if _, err := mapPprofConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	a.sup.Go("monitor.run", a.mon.Run)

	if a.rep.Enabled() {
		if err := a.rep.Start(a.sup.Context()); err != nil {
			return err
		}
	}
	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
	}

	// Both subscriptions happen here, before the goroutines launch, so
	// nothing published during startup slips past them.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		a.traceBus(c, events, unsub)
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		a.reloadLoop(c, sub)
	})

	// The watcher self-heals internally; the restart wrapper covers the
	// paths it treats as fatal (e.g. the config directory vanishing).
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(time.Second, time.Minute),
		supervisor.WithStopOnCleanExit(true),
	)

	systemd.Ready(a.log)
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		systemd.Watchdog(c, a.log)
	})

	a.log.Info("app started",
		logx.Int("targets", len(a.mon.Targets())),
		logx.Any("channels", a.disp.ChannelNames()),
	)
	return nil
}

// traceBus mirrors every bus event to the debug log.
func (a *App) traceBus(ctx context.Context, events <-chan eventbus.Event, unsub func()) {
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		}
	}
}

// reloadLoop consumes committed configs from the manager. Only logging
// and pprof apply live; every other section is fixed for the run and
// gets a restart-required warning instead.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			newCfg = drainNewest(sub, newCfg)

			changed, attrs := config.SummarizeChange(lastApplied, newCfg)
			lastApplied = newCfg
			if len(changed) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(changed, ","))}, attrs...)
			a.log.Debug("config change summary", fields...)

			if restart := config.RestartRequired(changed); len(restart) > 0 {
				a.log.Warn("config sections changed that need a restart to take effect",
					logx.String("sections", strings.Join(restart, ",")))
			}

			a.logs.Apply(mapLoggingConfig(newCfg))

			if pcfg, err := mapPprofConfig(newCfg); err != nil {
				a.log.Warn("invalid pprof config; keeping previous", logx.Err(err))
			} else {
				a.pprof.Reconfigure(ctx, pcfg)
			}

			a.log.Info("config reloaded", logx.String("changed", strings.Join(changed, ",")))
		}
	}
}

// drainNewest collapses a burst of queued reloads down to the latest one.
func drainNewest(sub chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case next := <-sub:
			if next != nil {
				cur = next
			}
		default:
			return cur
		}
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	systemd.Stopping(a.log)

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	a.stopStep(ctx, "report", 2*time.Second, func(context.Context) error { a.rep.Stop(); return nil })
	a.stopStep(ctx, "pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })

	// Wait for supervised goroutines (monitor loop, config watch/reload,
	// watchdog) before closing what they write to.
	a.stopStep(ctx, "supervisor", 3*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.stopStep(ctx, "storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

// stopStep runs one shutdown action under a per-step time limit so a
// single component cannot stall the whole stop. A step that overruns is
// abandoned (it keeps ctx and must unwind on its own) and its eventual
// outcome is logged when it lands.
func (a *App) stopStep(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("shutdown step", logx.String("name", name), logx.Duration("limit", limit))

	stepCtx, cancel := capDeadline(ctx, limit)
	if cancel != nil {
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in shutdown step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("shutdown step failed", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("shutdown step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("shutdown step timed out, moving on",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("shutdown step finished late", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("shutdown step finished late", logx.String("name", name), logx.Duration("took", took))
			}
		}()
	}
}

// capDeadline bounds ctx to limit without ever extending a deadline the
// caller already set. The returned cancel is nil when ctx is used as-is.
func capDeadline(ctx context.Context, limit time.Duration) (context.Context, context.CancelFunc) {
	if limit <= 0 {
		return ctx, nil
	}
	if dl, ok := ctx.Deadline(); ok {
		rem := time.Until(dl)
		if rem <= 0 {
			return ctx, nil
		}
		if rem < limit {
			limit = rem
		}
	}
	return context.WithTimeout(ctx, limit)
}
