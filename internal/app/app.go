package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"confessbot/internal/broadcast"
	"confessbot/internal/commands"
	"confessbot/internal/confession"
	"confessbot/internal/config"
	"confessbot/internal/eligibility"
	"confessbot/internal/eventbus"
	"confessbot/internal/maintenance"
	"confessbot/internal/observability/metrics"
	"confessbot/internal/observability/ops"
	"confessbot/internal/queue"
	"confessbot/internal/ratelimit"
	"confessbot/internal/registry"
	rtsup "confessbot/internal/runtime/supervisor"
	"confessbot/internal/sequence"
	"confessbot/internal/storage"
	kit "confessbot/internal/transport"
	"confessbot/internal/transport/discord"
	"confessbot/internal/transport/telegram"
	logx "confessbot/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	store   storage.Store
	metrics *metrics.Metrics

	pipeline *eligibility.Pipeline
	queue    *queue.Queue
	registry *registry.Registry
	throttle *ratelimit.Throttle
	delay    *ratelimit.GlobalDelay

	confessions *confession.Service
	worker      *broadcast.Worker
	cmdm        *commands.Manager
	maint       *maintenance.Service
	ops         *ops.Service

	mux      *kit.Mux
	adapters []kit.Adapter

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	appLog := log.With(logx.String("comp", "app"))

	a := &App{
		cfgm:    cfgm,
		log:     appLog,
		logs:    logSvc,
		bus:     eventbus.New(),
		metrics: metrics.New(),
		mux:     kit.NewMux(),
		updates: make(chan kit.Update, 256),
	}

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := storage.Open(sc, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.store = st
	appLog.Info("storage opened", logx.String("driver", sc.Driver))

	set, err := eligibility.FromConfig(cfg.Eligibility)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	bs := mapBroadcastConfig(cfg)

	a.pipeline = eligibility.New(st, set, log)
	a.queue = queue.New()
	a.registry = registry.New(st, log)
	a.throttle = ratelimit.NewThrottle(bs.MinInterval)
	a.delay = ratelimit.NewGlobalDelay(st, storage.SettingGlobalDelay, bs.GlobalDelay)

	a.confessions = confession.New(confession.Deps{
		Pipeline: a.pipeline,
		IDs:      sequence.New(st, storage.SequenceConfession),
		Store:    st,
		Queue:    a.queue,
		Bus:      a.bus,
		Metrics:  a.metrics,
		Log:      log,
	})
	a.worker = broadcast.New(broadcast.Deps{
		Source:   a.queue,
		Registry: a.registry,
		Store:    st,
		Sender:   a.mux,
		Throttle: a.throttle,
		Delay:    a.delay,
		Bus:      a.bus,
		Metrics:  a.metrics,
		Log:      log,
	}, bs.Options)

	a.cmdm = commands.NewManager(log)
	a.cmdm.SetRegistry((&commands.Handlers{
		Confessions:  a.confessions,
		Destinations: a.registry,
		Store:        st,
		Delay:        a.delay,
		OnRemoved:    a.throttle.Forget,
	}).Commands())
	a.applyOwners(cfg)

	if err := a.buildAdapters(cfg, log); err != nil {
		_ = st.Close()
		return nil, err
	}

	a.maint = maintenance.New(maintenance.FromConfig(cfg.Maintenance, locationOf(cfg)), st, a.metrics, log)
	a.ops = ops.New(ops.FromConfig(cfg.Ops), a.metrics.Registry, st.Ping, log)

	return a, nil
}

func (a *App) buildAdapters(cfg *config.Config, log logx.Logger) error {
	if tc := cfg.Telegram; tc != nil && tc.Enabled {
		tg, err := telegram.New(mapTelegramConfig(tc), log)
		if err != nil {
			return fmt.Errorf("telegram: %w", err)
		}
		a.addAdapter(tg)
		if tc.AlertChatID != 0 {
			a.logs.SetAlertSender(tg)
		}
	}
	if dc := cfg.Discord; dc != nil && dc.Enabled {
		ds, err := discord.New(mapDiscordConfig(dc), log)
		if err != nil {
			return fmt.Errorf("discord: %w", err)
		}
		a.addAdapter(ds)
	}
	if len(a.adapters) == 0 {
		return errors.New("no transport enabled: enable telegram and/or discord")
	}
	return nil
}

func (a *App) addAdapter(ad kit.Adapter) {
	a.adapters = append(a.adapters, ad)
	a.mux.Register(ad.Platform(), ad)
	if mu, ok := ad.(kit.CommandMenuUpdater); ok {
		a.cmdm.AddMenuUpdater(mu)
	}
}

func (a *App) applyOwners(cfg *config.Config) {
	a.cmdm.SetOwners(kit.PlatformTelegram, telegramOwners(cfg))
	a.cmdm.SetOwners(kit.PlatformDiscord, discordOwners(cfg))
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
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
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log),
		rtsup.WithCancelOnError(true),
		rtsup.WithRestartHook(a.metrics.Restart),
	)

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := eligibility.FromConfig(cfg.Eligibility); err != nil {
			return fmt.Errorf("eligibility: %w", err)
		}
		if _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	runCtx := a.sup.Context()
	if _, err := requeuePending(runCtx, a.store, a.queue, a.log); err != nil {
		return err
	}
	for _, ad := range a.adapters {
		if err := ad.Start(runCtx, a.updates); err != nil {
			return fmt.Errorf("%s adapter: %w", ad.Platform(), err)
		}
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.Run(c, a.updates)
	})
	a.sup.Go0("commands.menus", func(c context.Context) {
		a.cmdm.PublishMenus(c)
	})

	bo := a.worker.Options().ErrorBackoff
	a.sup.GoRestart("broadcast.worker", a.worker.Run,
		rtsup.WithRestartBackoff(bo, 6*bo),
	)

	if err := a.maint.Start(runCtx); err != nil {
		return err
	}
	a.ops.Start(runCtx)

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
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// hot reload config fan-out
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
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.Strings("platforms", a.mux.Platforms()))
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	for _, s := range sections {
		if s == "storage" || s == "platforms" {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLoggingConfig(cfg))
	a.applyOwners(cfg)

	if set, err := eligibility.FromConfig(cfg.Eligibility); err != nil {
		a.log.Warn("invalid eligibility config; keeping previous", logx.Err(err))
	} else {
		a.pipeline.Apply(set)
	}

	bs := mapBroadcastConfig(cfg)
	a.worker.Apply(bs.Options)
	a.throttle.SetMinInterval(bs.MinInterval)
	a.delay.SetFallback(bs.GlobalDelay)

	if err := a.maint.Apply(maintenance.FromConfig(cfg.Maintenance, locationOf(cfg))); err != nil {
		a.log.Warn("maintenance reschedule failed", logx.Err(err))
	}
	a.ops.Reconfigure(ctx, ops.FromConfig(cfg.Ops))

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigApplied, Time: time.Now(), Data: sections})

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Intake first so nothing new is admitted while the worker unwinds.
	for _, ad := range a.adapters {
		step(ad.Platform()+".adapter", 2*time.Second, ad.Stop)
	}
	step("maintenance", 2*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("queue", time.Second, func(context.Context) error {
		if n := a.queue.Len(); n > 0 {
			a.log.Warn("queued confessions left for redelivery on restart", logx.Int("pending", n))
		}
		a.queue.Close()
		return nil
	})

	// In-flight sends finish before storage closes.
	step("supervisor", 25*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
	return nil
}
