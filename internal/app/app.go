package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"beacon/internal/broadcast"
	"beacon/internal/config"
	"beacon/internal/delivery"
	"beacon/internal/delivery/provider"
	"beacon/internal/dispatch"
	"beacon/internal/eventbus"
	"beacon/internal/health"
	"beacon/internal/httpapi"
	"beacon/internal/observability/debug"
	"beacon/internal/runtime/supervisor"
	"beacon/internal/storage"
	"beacon/internal/task/engine"
	logx "beacon/pkg/logx"
)

// Mode selects which half of the deployment a process runs.
type Mode string

const (
	// ModeServer serves the operator API and dispatches tasks.
	ModeServer Mode = "server"
	// ModeWorker consumes dispatch tasks from the AMQP queue.
	ModeWorker Mode = "worker"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModeServer:
		return ModeServer, nil
	case ModeWorker:
		return ModeWorker, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

type App struct {
	mode Mode

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store *storage.Store

	channels map[delivery.Medium]*delivery.Channel
	tracker  *health.Tracker
	svc      *broadcast.Service

	// engine mode
	engine *engine.Service
	// amqp mode
	publisher *dispatch.Publisher
	consumer  *dispatch.Consumer

	srv      *http.Server
	ln       net.Listener
	shutdown time.Duration

	debug *debug.Service
}

func NewApp(cfgPath string, mode Mode) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	amqpMode := strings.EqualFold(strings.TrimSpace(cfg.Dispatch.Mode), "amqp")
	if mode == ModeWorker && !amqpMode {
		return nil, fmt.Errorf("worker mode requires dispatch.mode=amqp")
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))
	fail := func(err error, closers ...func() error) (*App, error) {
		for _, c := range closers {
			_ = c()
		}
		_ = logSvc.Close()
		return nil, err
	}

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return fail(err)
	}
	st, err := storage.Open(context.Background(), sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return fail(err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	hstore, err := openHealthStore(cfg)
	if err != nil {
		return fail(err, st.Close)
	}
	hcfg := mapHealthConfig(cfg)
	tracker := health.NewTracker(hcfg, hstore, bus, log.With(logx.String("comp", "health")))
	if err := tracker.Validate(hcfg); err != nil {
		return fail(err, st.Close, hstore.Close)
	}

	reg := delivery.NewRegistry()
	if err := provider.Register(reg); err != nil {
		return fail(err, st.Close, hstore.Close)
	}
	channels, err := buildChannels(cfg, reg, tracker, bus, log.With(logx.String("comp", "delivery")))
	if err != nil {
		return fail(err, st.Close, hstore.Close)
	}
	senders := make(map[delivery.Medium]broadcast.Sender, len(channels))
	for m, ch := range channels {
		senders[m] = ch
	}

	svc := broadcast.New(st, senders,
		broadcast.WithPublisher(bus),
		broadcast.WithLogger(log.With(logx.String("comp", "broadcast"))),
		broadcast.WithConfig(mapBroadcastConfig(cfg)),
	)

	a := &App{
		mode:     mode,
		cfgm:     cfgm,
		log:      log,
		logs:     logSvc,
		bus:      bus,
		store:    st,
		channels: channels,
		tracker:  tracker,
		svc:      svc,
	}

	switch {
	case amqpMode:
		ac, err := mapAMQPConfig(cfg)
		if err != nil {
			return fail(err, st.Close, hstore.Close)
		}
		if mode == ModeWorker {
			a.consumer = dispatch.NewConsumer(ac, svc, log)
		} else {
			pub, err := dispatch.DialPublisher(ac, log)
			if err != nil {
				return fail(err, st.Close, hstore.Close)
			}
			a.publisher = pub
			svc.SetDispatcher(pub)
		}
	default:
		ec, err := mapEngineConfig(cfg)
		if err != nil {
			return fail(err, st.Close, hstore.Close)
		}
		a.engine = engine.New(ec, log, bus)
		svc.SetDispatcher(dispatch.NewEngine(a.engine, svc, ec.DefaultTimeout, log))
	}

	a.debug = debug.New(mapDebugConfig(cfg), debug.Sources{
		Lane:   a.laneSnapshot,
		Health: a.healthSnapshot,
	}, log)

	if mode == ModeServer {
		if err := a.buildServer(cfg); err != nil {
			return fail(err, st.Close, hstore.Close)
		}
	}
	return a, nil
}

func (a *App) buildServer(cfg *config.Config) error {
	secret := strings.TrimSpace(cfg.HTTP.JWTSecret)
	if secret == "" {
		return fmt.Errorf("http.jwt_secret is required in server mode")
	}
	readTimeout, err := config.ParseDurationOrDefault("http.read_timeout", cfg.HTTP.ReadTimeout, 15*time.Second)
	if err != nil {
		return err
	}
	writeTimeout, err := config.ParseDurationOrDefault("http.write_timeout", cfg.HTTP.WriteTimeout, 30*time.Second)
	if err != nil {
		return err
	}
	a.shutdown, err = config.ParseDurationOrDefault("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout, 10*time.Second)
	if err != nil {
		return err
	}
	addr := strings.TrimSpace(cfg.HTTP.Addr)
	if addr == "" {
		addr = ":8080"
	}

	chans := make([]*delivery.Channel, 0, len(a.channels))
	for _, m := range delivery.Media {
		if ch, ok := a.channels[m]; ok {
			chans = append(chans, ch)
		}
	}
	a.srv = &http.Server{
		Addr: addr,
		Handler: httpapi.NewRouter(httpapi.Deps{
			Broadcasts: a.svc,
			Channels:   chans,
			Health:     a.tracker,
			JWTSecret:  []byte(secret),
			Log:        a.log,
		}),
		ReadHeaderTimeout: readTimeout,
		ReadTimeout:       readTimeout,
		WriteTimeout:      writeTimeout,
	}
	return nil
}

func (a *App) laneSnapshot() any {
	if a.engine == nil {
		return map[string]string{"mode": "amqp"}
	}
	snap := a.engine.Snapshot()
	snap.History = nil
	return snap
}

func (a *App) healthSnapshot() any {
	out := make(map[string]delivery.ChannelHealth)
	for k, h := range a.tracker.Snapshot() {
		out[k.String()] = h
	}
	return out
}

// Service exposes the orchestrator, mainly for provisioning tools and tests.
func (a *App) Service() *broadcast.Service { return a.svc }

// Store exposes the relational store.
func (a *App) Store() *storage.Store { return a.store }

// Addr is the bound HTTP address once Start has returned in server mode.
func (a *App) Addr() string {
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
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
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		return a.tracker.Validate(mapHealthConfig(cfg))
	})

	if err := a.tracker.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.engine != nil {
		a.engine.Start(a.sup.Context())
	}
	if a.consumer != nil {
		a.consumer.Start(a.sup.Context())
	}
	a.debug.Start(a.sup.Context())
	if a.srv != nil {
		ln, err := net.Listen("tcp", a.srv.Addr)
		if err != nil {
			return fmt.Errorf("http listen %s: %w", a.srv.Addr, err)
		}
		a.ln = ln
		a.sup.Go("http.serve", func(context.Context) error {
			if err := a.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		a.log.Info("http listening", logx.String("addr", ln.Addr().String()))
	}

	events, unsub := a.bus.SubscribePrefix("broadcast.", 128)
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
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

	a.log.Info("app started", logx.String("mode", string(a.mode)))
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for changes to take effect", logx.String("sections", strings.Join(restart, ",")))
	}

	a.logs.Apply(mapLoggingConfig(next))
	if err := a.tracker.Apply(mapHealthConfig(next)); err != nil {
		a.log.Warn("invalid health config; keeping previous", logx.Err(err))
	}
	a.svc.Apply(mapBroadcastConfig(next))
	a.debug.Reconfigure(ctx, mapDebugConfig(next))

	if a.engine != nil {
		if ec, err := mapEngineConfig(next); err != nil {
			a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
		} else if snap := a.engine.Snapshot(); snap.QueueLen == 0 && snap.InFlight == 0 {
			a.engine.Apply(ctx, ec)
		} else {
			// Resizing restarts workers and abandons the queue.
			a.log.Warn("engine busy; config change deferred until restart",
				logx.Int("queued", snap.QueueLen), logx.Int("in_flight", snap.InFlight))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Stop accepting requests before the run context goes away.
	if a.srv != nil {
		stopStep(ctx, a.log, "http", a.shutdown, func(c context.Context) error { return a.srv.Shutdown(c) })
	}

	a.sup.Cancel()

	if a.consumer != nil {
		stopStep(ctx, a.log, "amqp.consumer", 5*time.Second, a.consumer.Stop)
	}
	if a.engine != nil {
		stopStep(ctx, a.log, "engine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	}
	if a.publisher != nil {
		stopStep(ctx, a.log, "amqp.publisher", time.Second, func(context.Context) error { return a.publisher.Close() })
	}
	stopStep(ctx, a.log, "debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })
	stopStep(ctx, a.log, "health", 2*time.Second, a.tracker.Stop)
	stopStep(ctx, a.log, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	stopStep(ctx, a.log, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}
