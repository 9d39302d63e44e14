// Package app assembles the remindd process: configuration, logging,
// storage, the timer engine, the notification pipeline and the trigger
// bridge between them.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"remindd/internal/clock"
	"remindd/internal/config"
	"remindd/internal/eventbus"
	"remindd/internal/notify"
	"remindd/internal/runtime/supervisor"
	"remindd/internal/scheduler"
	"remindd/internal/storage"
	"remindd/internal/trigger"
	logx "remindd/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	store storage.Store
	bus   eventbus.Bus

	sched  *scheduler.Service
	disp   *notify.Dispatcher
	bridge *trigger.Handler
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
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

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store == nil {
		store = storage.NewMemory()
		log.Warn("no storage driver configured; state will not survive restarts")
	}

	bus := eventbus.New()
	clk := clock.System()

	schedCfg, err := schedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	sched := scheduler.New(schedCfg, store, bus, clk,
		log.With(logx.String("comp", "scheduler")))

	dispCfg, err := dispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	reg := notify.NewRegistry()
	registerSenders(reg, cfg.Channels, log)
	disp := notify.NewDispatcher(dispCfg, store, reg, sched, bus, clk,
		log.With(logx.String("comp", "dispatch")))

	dedupWindow, err := config.ParseDurationOrDefault("dispatch.dedup_window", cfg.Dispatch.DedupWindow, 0)
	if err != nil {
		return nil, err
	}
	bridge := trigger.New(trigger.Config{DedupWindow: dedupWindow},
		store, store, disp, bus,
		log.With(logx.String("comp", "trigger")))

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		bus:     bus,
		sched:   sched,
		disp:    disp,
		bridge:  bridge,
	}, nil
}

// Scheduler exposes the timer engine for callers that create and cancel
// reminders (CLI surfaces, embedding programs).
func (a *App) Scheduler() *scheduler.Service { return a.sched }

func (a *App) Dispatcher() *notify.Dispatcher { return a.disp }

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
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
	a.sup = supervisor.New(ctx,
		supervisor.WithLogger(a.log),
		supervisor.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := schedulerConfig(cfg); err != nil {
			return err
		}
		if _, err := dispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := config.ParseDurationOrDefault("dispatch.dedup_window", cfg.Dispatch.DedupWindow, 0); err != nil {
			return err
		}
		for _, raw := range cfg.Channels {
			if _, err := notify.ParseChannel(raw); err != nil {
				return fmt.Errorf("channels: %w", err)
			}
		}
		return nil
	})

	a.disp.Start(a.sup.Context())
	a.bridge.Start(a.sup.Context())
	if a.sched.Enabled() {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, newCfg)
			}
		}
	})

	// The watcher self-heals: a panic or watcher failure restarts it with
	// backoff instead of taking the process down.
	a.sup.GoRestart("config.watch", a.cfgm.Watch, time.Second, 30*time.Second)

	a.log.Info("started")
	return nil
}

// applyReload applies the hot-reloadable subset of the configuration.
// Engine sizing (workers, queue depth, batch limits) is fixed at startup;
// the validator has already accepted cfg so parse failures here are
// impossible short of a race, and are logged and skipped.
func (a *App) applyReload(ctx context.Context, cfg *config.Config) {
	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})

	prevEnabled := a.sched.Enabled()
	if prevEnabled && !cfg.Scheduler.Enabled {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	} else if !prevEnabled && cfg.Scheduler.Enabled {
		a.log.Info("scheduler enabled via config")
		if err := a.sched.Start(ctx); err != nil {
			a.log.Warn("scheduler restart failed", logx.Err(err))
		}
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")

	a.sup.Cancel()

	// Bounded shutdown steps so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
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
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Err(stepCtx.Err()))
		}
	}

	// Scheduler first: no new triggers while the pipeline drains.
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("trigger", 1*time.Second, func(context.Context) error { a.bridge.Stop(); return nil })
	step("dispatch", 3*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Stop(c) })
	if n := a.sup.Active(); n > 0 {
		a.log.Warn("goroutines still running after stop", logx.Int64("count", n))
	}

	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close", logx.Err(err))
		}
	}
	a.log.Info("stopped")
	return a.logs.Close()
}

func schedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	precision, err := config.ParseDurationOrDefault("scheduler.precision", cfg.Scheduler.Precision, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	retryBase, err := config.ParseDurationOrDefault("scheduler.persist_retry_base", cfg.Scheduler.PersistRetryBase, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	retryMax, err := config.ParseDurationOrDefault("scheduler.persist_retry_max", cfg.Scheduler.PersistRetryMax, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	if cfg.Scheduler.BatchLimit < 0 {
		return scheduler.Config{}, fmt.Errorf("scheduler.batch_limit must be >= 0")
	}
	return scheduler.Config{
		Enabled:          cfg.Scheduler.Enabled,
		Precision:        precision,
		BatchLimit:       cfg.Scheduler.BatchLimit,
		PersistRetryBase: retryBase,
		PersistRetryMax:  retryMax,
	}, nil
}

func dispatchConfig(cfg *config.Config) (notify.Config, error) {
	sendTimeout, err := config.ParseDurationOrDefault("dispatch.send_timeout", cfg.Dispatch.SendTimeout, 0)
	if err != nil {
		return notify.Config{}, err
	}
	retryBase, err := config.ParseDurationOrDefault("dispatch.retry_base", cfg.Dispatch.RetryBase, 0)
	if err != nil {
		return notify.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("dispatch.retry_max_delay", cfg.Dispatch.RetryMaxDelay, 0)
	if err != nil {
		return notify.Config{}, err
	}
	if cfg.Dispatch.RetryMax < 0 {
		return notify.Config{}, fmt.Errorf("dispatch.retry_max must be >= 0")
	}
	return notify.Config{
		Workers:       cfg.Dispatch.Workers,
		QueueSize:     cfg.Dispatch.QueueSize,
		SendTimeout:   sendTimeout,
		RatePerSec:    cfg.Dispatch.RatePerSec,
		RetryMax:      cfg.Dispatch.RetryMax,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMaxDelay,
		RetryJitter:   cfg.Dispatch.RetryJitter,
	}, nil
}

// registerSenders wires a sender for every enabled channel. Desktop is the
// built-in local surface; email and sms run through the same local sender
// until a real transport is registered by the embedding program.
func registerSenders(reg *notify.Registry, channels []string, log logx.Logger) {
	if len(channels) == 0 {
		channels = []string{string(notify.ChannelDesktop)}
	}
	for _, raw := range channels {
		ch, err := notify.ParseChannel(strings.TrimSpace(raw))
		if err != nil {
			log.Warn("skipping unknown channel", logx.String("channel", raw))
			continue
		}
		reg.Register(ch, notify.NewDesktopSender(log.With(logx.String("channel", string(ch)))))
	}
}
