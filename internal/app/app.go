package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"statusmon/internal/config"
	"statusmon/internal/eventbus"
	"statusmon/internal/monitor"
	"statusmon/internal/pubsub"
	rtsup "statusmon/internal/runtime/supervisor"
	"statusmon/internal/server"
	"statusmon/internal/storage"
	"statusmon/internal/value"
	"statusmon/internal/wslink"
	logx "statusmon/pkg/logx"
)

// App is one statusmon node: a Minimon on a broadcaster, its peer links,
// persistence and the HTTP surface.
type App struct {
	cfgPath string
	name    string

	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	backend  storage.Backend
	registry *pubsub.Registry
	broker   *pubsub.Broadcaster
	mon      *monitor.Minimon
	logsink  *monitor.Handler
	http     *server.Service
	cron     *cron.Cron
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	return build(cfgm, cfg)
}

func build(cfgm *config.Manager, cfg *config.Config) (a *App, err error) {
	logs, log := logx.New(cfg.Logging.Logx())
	a = &App{
		cfgPath:  cfgm.Path(),
		name:     cfg.Node.Name,
		cfgm:     cfgm,
		log:      log,
		logs:     logs,
		bus:      eventbus.New(),
		registry: pubsub.NewRegistry(),
	}
	defer func() {
		if err != nil {
			if a.backend != nil {
				_ = a.backend.Close()
			}
			logs.Close()
			a = nil
		}
	}()

	scfg, enabled, err := cfg.StorageBackend()
	if err != nil {
		return nil, err
	}
	if enabled {
		if a.backend, err = storage.Open(scfg, a.log); err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
	}

	late, err := cfg.LateThreshold()
	if err != nil {
		return nil, err
	}
	failureLimit, err := cfg.Duration("pubsub.failure_limit")
	if err != nil {
		return nil, err
	}
	deliveryTimeout, err := cfg.Duration("pubsub.delivery_timeout")
	if err != nil {
		return nil, err
	}

	a.broker = pubsub.New(pubsub.Options{
		Name:            cfg.Node.Name,
		Directory:       a.registry,
		Workers:         cfg.PubSub.Workers,
		QueueSize:       cfg.PubSub.QueueSize,
		FailureLimit:    failureLimit,
		DeliveryTimeout: deliveryTimeout,
		Logger:          a.log,
		Bus:             a.bus,
	})
	a.broker.AddChannels(cfg.NodeChannels()...)
	aggs := make([]string, 0, len(cfg.PubSub.Aggregates))
	for name := range cfg.PubSub.Aggregates {
		aggs = append(aggs, name)
	}
	sort.Strings(aggs)
	for _, name := range aggs {
		if err := a.broker.Aggregate(name, cfg.PubSub.Aggregates[name]...); err != nil {
			return nil, fmt.Errorf("pubsub.aggregates.%s: %w", name, err)
		}
	}

	opts := []monitor.Option{
		monitor.WithLogger(a.log),
		monitor.WithChannels(cfg.NodeChannels()...),
		monitor.WithLateThreshold(late),
	}
	if a.backend != nil {
		opts = append(opts, monitor.WithBackend(a.backend))
	}
	a.mon = monitor.NewMinimon(cfg.Node.Name, a.broker, opts...)
	a.broker.SetLocal(a.mon)

	if cfg.Server.Enabled {
		scfg, err := serverConfig(cfg)
		if err != nil {
			return nil, err
		}
		a.http = server.New(scfg, server.Routes{
			WS:     wslink.Handler(a.broker, a.linkOptions(nil)),
			Status: a.mon.Subtree,
		}, a.log)
	}
	return a, nil
}

func serverConfig(cfg *config.Config) (server.Config, error) {
	sc := cfg.Server
	read, err := cfg.Duration("server.read_timeout")
	if err != nil {
		return server.Config{}, err
	}
	idle, err := cfg.Duration("server.idle_timeout")
	if err != nil {
		return server.Config{}, err
	}
	return server.Config{
		Addr:          sc.Addr,
		WSPath:        sc.WSPath,
		MetricsPath:   sc.MetricsPath,
		StatusPath:    sc.StatusPath,
		Pprof:         sc.Pprof,
		PprofPrefix:   sc.PprofPrefix,
		AllowInsecure: sc.AllowInsecure,
		ReadTimeout:   read,
		IdleTimeout:   idle,
	}, nil
}

func (a *App) linkOptions(subscribe []string) wslink.Options {
	return wslink.Options{
		Logger:    a.log,
		Bus:       a.bus,
		Registry:  a.registry,
		Subscribe: subscribe,
	}
}

func (a *App) Monitor() *monitor.Minimon { return a.mon }

func (a *App) Broker() *pubsub.Broadcaster { return a.broker }

// HTTPAddr is the bound listener address, or "" when the server is off or
// not yet listening.
func (a *App) HTTPAddr() string {
	if a.http == nil {
		return ""
	}
	return a.http.Addr()
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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	a.cfgm.SetLogger(a.log.With(logx.Component("config")))
	a.cfgm.SetValidator(func(_ context.Context, next *config.Config) error {
		if next.Node.Name != a.name {
			return fmt.Errorf("node.name cannot change at runtime (%q -> %q)", a.name, next.Node.Name)
		}
		return nil
	})

	if err := a.broker.Start(a.sup.Context()); err != nil {
		return err
	}

	if a.backend != nil && cfg.Storage.RestoreOnStart {
		switch err := a.mon.Restore(ctx); {
		case errors.Is(err, storage.ErrEmpty):
			a.log.Info("no saved tree to restore")
		case err != nil:
			return err
		default:
			a.log.Info("tree restored", logx.Int("leaves", a.leafCount()))
		}
	}

	if cfg.Logging.Monitor.Enabled {
		if err := a.attachLogSink(cfg); err != nil {
			return err
		}
	}

	if err := a.startCheckpoints(cfg); err != nil {
		return err
	}

	for i, p := range cfg.Peers {
		a.startPeer(fmt.Sprintf("peer.%d", i), p)
	}

	if a.http != nil {
		a.http.Start(a.sup.Context())
	}

	// "0s" disables the loop.
	interval, err := cfg.Duration("node.status_interval")
	if err != nil {
		return err
	}
	if interval > 0 {
		a.sup.Go0("node.status", func(c context.Context) { a.statusLoop(c, interval) })
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
				a.logEvent(e)
			}
		}
	})

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
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.notifyReady()
	a.log.Info("node started",
		logx.String("node", a.name),
		logx.Channels(cfg.NodeChannels()),
		logx.Int("peers", len(cfg.Peers)),
		logx.Bool("storage", a.backend != nil),
	)
	return nil
}

func (a *App) attachLogSink(cfg *config.Config) error {
	lm := cfg.Logging.Monitor
	interval, err := cfg.Duration("logging.monitor.interval")
	if err != nil {
		return err
	}
	a.logsink = monitor.NewHandler(monitor.HandlerConfig{
		Path:        cfg.MonitorPath(),
		Channels:    lm.Channels,
		BufferLimit: lm.BufferLimit,
		Interval:    interval,
	})
	return a.mon.AttachLogSink(a.logs, a.logsink, lm.Sink, a.sup)
}

// startPeer keeps one outbound link up, redialing with backoff.
func (a *App) startPeer(name string, p config.PeerConfig) {
	url := strings.TrimSpace(p.URL)
	a.sup.GoRestart(name, func(ctx context.Context) error {
		l, err := wslink.Dial(ctx, url, a.broker, a.linkOptions(p.Subscribe))
		if err != nil {
			return err
		}
		return l.Run(ctx)
	},
		rtsup.WithRestartBackoff(time.Second, 30*time.Second),
		rtsup.WithStopOnCleanExit(false),
	)
}

// statusLoop publishes supervisor stats under <name>.runtime.
func (a *App) statusLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	a.publishStatus(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			a.publishStatus(ctx)
		}
	}
}

func (a *App) publishStatus(ctx context.Context) {
	status := map[string]any{
		"app":   a.sup.Status(),
		"peers": len(a.registry.Names()),
	}
	if a.http != nil {
		if hs := a.http.Supervisor(); hs != nil {
			status["http"] = hs.Status()
		}
	}
	if a.logsink != nil {
		status["log_dropped"] = a.logsink.Dropped()
	}
	v, err := value.FromAny(status)
	if err != nil {
		a.log.Warn("runtime status not representable", logx.Err(err), logx.Local())
		return
	}
	if err := a.mon.Update(ctx, a.name+".runtime", v); err != nil && !errors.Is(err, monitor.ErrBroadcast) {
		a.log.Warn("runtime status update failed", logx.Err(err), logx.Local())
	}
}

func (a *App) logEvent(e eventbus.Event) {
	fields := []logx.Field{logx.String("type", e.Type), logx.String("name", e.Name)}
	if e.Err != nil {
		fields = append(fields, logx.Err(e.Err))
	}
	switch e.Type {
	case eventbus.SubscriberDropped, eventbus.CheckpointFailed:
		a.log.Warn("event", fields...)
	case eventbus.CheckpointWritten:
		a.log.Debug("event", fields...)
	default:
		a.log.Info("event", fields...)
	}
}

func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(newCfg.Logging.Logx())
	if late, err := newCfg.LateThreshold(); err == nil {
		a.mon.SetLateThreshold(late)
	}
	if rr := config.RestartRequired(sections); len(rr) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(rr, ",")))
	}
	if oldCfg.Logging.Monitor.Enabled != newCfg.Logging.Monitor.Enabled && a.logsink == nil {
		a.log.Warn("logging.monitor enabled at runtime; the tree sink attaches on restart")
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Name: a.cfgPath})
}

func (a *App) leafCount() int {
	leaves, err := a.mon.LeafPaths("")
	if err != nil {
		return 0
	}
	return len(leaves)
}
