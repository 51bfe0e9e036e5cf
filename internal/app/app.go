// Package app wires the publish daemon: storage, the scheduler and its
// engine and triggers, the HTTP API, and the optional notifier and Kafka
// forwarder, plus config hot reload.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/twmb/franz-go/pkg/kgo"

	"zhihupub/internal/config"
	"zhihupub/internal/engine"
	"zhihupub/internal/eventbus"
	kafkagw "zhihupub/internal/gateway/kafka"
	"zhihupub/internal/generator"
	"zhihupub/internal/httpapi"
	"zhihupub/internal/metrics"
	"zhihupub/internal/notifier"
	"zhihupub/internal/pilot"
	"zhihupub/internal/publisher"
	"zhihupub/internal/ratelimit"
	"zhihupub/internal/retry"
	rtsup "zhihupub/internal/runtime/supervisor"
	"zhihupub/internal/scheduler"
	"zhihupub/internal/storage"
	"zhihupub/internal/trigger"
	logx "zhihupub/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	base  logx.Logger
	log   logx.Logger
	logs  *logx.Service
	bus   *eventbus.Bus
	store storage.Store

	prom    *metrics.PromMetrics
	limiter *ratelimit.Limiter
	backoff *retry.Backoff
	engine  *engine.Service
	trig    *trigger.Service
	sched   *scheduler.Service
	notif   *notifier.Service
	pilot   *pilot.Service
	http    *httpapi.Server

	kclient *kgo.Client
	fwd     *kafkagw.Forwarder

	started time.Time
}

// New loads cfgPath (empty means built-in defaults) and builds every component.
// Nothing runs until Start.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.Manager, cfg *config.Config) (_ *App, err error) {
	logSvc, log := logx.New(mapLogConfig(cfg))
	a := &App{cfgm: cfgm, logs: logSvc, base: log, log: log.Component("app")}
	defer func() {
		if err != nil {
			a.closeResources()
		}
	}()

	a.store, err = storage.Open(mapStorageConfig(cfg), log.Component("storage"))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	var sm metrics.SchedulerMetrics = metrics.Nop{}
	var metricsHandler http.Handler
	if cfg.Metrics.On() {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.prom = metrics.NewPromMetrics(reg)
		sm = a.prom
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	busCfg := mapBusConfig(cfg)
	busCfg.OnDrop = func(uint64) { sm.EventSubscriberDropped() }
	a.bus = eventbus.New(busCfg)

	policy, err := mapRateLimitPolicy(cfg)
	if err != nil {
		return nil, err
	}
	a.limiter = ratelimit.New(policy, a.store)
	a.backoff = retry.New(mapRetryPolicy(cfg), nil)

	pub, err := publisher.New(mapPublisherConfig(cfg), log.Component("publisher"))
	if err != nil {
		return nil, fmt.Errorf("publisher: %w", err)
	}
	gen, err := generator.New(mapGeneratorConfig(cfg), log.Component("generator"))
	if err != nil {
		return nil, fmt.Errorf("generator: %w", err)
	}

	a.engine = engine.New(mapEngineConfig(cfg), log.Component("engine"), a.engineHooks())
	a.trig = trigger.New(mapTriggerConfig(cfg), log.Component("trigger"))
	a.sched, err = scheduler.New(mapSchedulerConfig(cfg), scheduler.Deps{
		Store:     a.store,
		Publisher: pub,
		Limiter:   a.limiter,
		Backoff:   a.backoff,
		Bus:       a.bus,
		Engine:    a.engine,
		Triggers:  a.trig,
		Metrics:   sm,
		Log:       log.Component("scheduler"),
	})
	if err != nil {
		return nil, err
	}

	drafts := generator.NewDrafts(gen, a.store, log.Component("drafts"))
	if pcfg := mapPilotConfig(cfg); pcfg.Enabled {
		a.pilot, err = pilot.New(pcfg, pilot.Deps{
			Drafts:   drafts,
			Queue:    a.sched,
			Accounts: a.store,
			Window:   a.limiter,
			Bus:      a.bus,
			Log:      log.Component("pilot"),
		})
		if err != nil {
			return nil, err
		}
		// armed by the trigger service when the scheduler starts
		if err := a.trig.Every("pilot", a.pilot.Every(), a.pilot.Tick); err != nil {
			return nil, fmt.Errorf("pilot: %w", err)
		}
	}

	ncfg := mapNotifierConfig(cfg)
	sender, err := newSender(ncfg)
	if err != nil {
		return nil, fmt.Errorf("notifier: %w", err)
	}
	a.notif = notifier.New(ncfg, sender, log.Component("notifier"))
	// logging.alert.enabled gates delivery; the sink is always the notifier.
	logSvc.SetAlertSender(a.notif)

	if kcfg := mapKafkaConfig(cfg); kcfg.Enabled {
		a.kclient, err = kafkagw.NewClient(kcfg)
		if err != nil {
			return nil, fmt.Errorf("kafka: %w", err)
		}
		a.fwd = kafkagw.NewForwarder(a.kclient, kcfg, log.Component("kafka"))
	}

	var pr httpapi.Pilot
	if a.pilot != nil {
		pr = a.pilot
	}
	a.http, err = httpapi.New(mapHTTPConfig(cfg), httpapi.Deps{
		Scheduler: a.sched,
		Catalog:   a.store,
		Bus:       a.bus,
		Drafts:    drafts,
		Limits:    a.limiter,
		Pilot:     pr,
		Metrics:   metricsHandler,
		Health:    a.Health,
	}, log.Component("http"))
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newSender returns nil while the notifier is disabled.
func newSender(cfg notifier.Config) (notifier.Sender, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	return notifier.NewTelegram(cfg.Token, cfg.ChatID, cfg.ThreadID)
}

func (a *App) engineHooks() engine.Hooks {
	return engine.Hooks{
		OnStart: func(j engine.Job, queueDelay time.Duration) {
			if a.prom != nil {
				a.prom.EngineQueueDelay(queueDelay)
			}
		},
		OnFinish: func(j engine.Job, dur time.Duration, err error) {
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Debug("job finished with error",
					logx.String("job", j.Name),
					logx.String("key", j.Key),
					logx.Duration("took", dur),
					logx.Err(err),
				)
			}
		},
	}
}

// Done is closed when the app supervisor context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error seen by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Addr is the API listen address once Start has bound it.
func (a *App) Addr() string { return a.http.Addr() }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.started = time.Now()

	a.cfgm.SetLogger(a.base.Component("config"))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		_, err := mapRateLimitPolicy(cfg)
		return err
	})

	c := a.sup.Context()
	// Stop drains the notifier after the supervisor is cancelled.
	a.notif.Start(context.WithoutCancel(c))
	a.sup.Go("notifier.watch", func(c context.Context) error {
		return a.notif.Watch(c, a.bus)
	})

	if err := a.sched.Start(c); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.http.Start(c)

	if a.fwd != nil {
		a.sup.GoRestart("kafka.forward", func(c context.Context) error {
			return a.fwd.Run(c, a.bus)
		}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}

	a.sup.Go0("eventbus.log", func(c context.Context) {
		_ = a.bus.Consume(c, func(e eventbus.Event) {
			a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
		})
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("config", a.cfgm.Path()))
	return nil
}

// Health is served on /healthz.
func (a *App) Health() map[string]any {
	eng := a.engine.Snapshot()
	eng.History = nil
	h := map[string]any{
		"status": "ok",
		"engine": eng,
		"events": a.bus.Stats(),
		"triggers": map[string]any{
			"pending": len(a.trig.Pending()),
			"jobs":    a.trig.Jobs(),
		},
		"notifier": map[string]any{
			"enabled": a.notif.Enabled(),
			"stats":   a.notif.Stats(),
		},
	}
	if !a.started.IsZero() {
		h["uptime"] = time.Since(a.started).Round(time.Second).String()
	}
	if a.sup != nil {
		h["supervisor"] = a.sup.Counters()
		if err := a.sup.Err(); err != nil {
			h["status"] = "degraded"
			h["error"] = err.Error()
		}
	}
	if a.fwd != nil {
		h["kafka"] = a.fwd.Stats()
	}
	if a.pilot != nil {
		h["pilot"] = a.pilot.Stats()
	}
	return h
}

// closeResources releases what build opened when construction fails.
func (a *App) closeResources() {
	if a.kclient != nil {
		a.kclient.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
