// Package app wires configuration, storage, transport and the delivery
// pipeline together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"dripline/internal/config"
	"dripline/internal/delivery"
	"dripline/internal/eventbus"
	"dripline/internal/events/mqtt"
	"dripline/internal/httpapi"
	"dripline/internal/runtime/supervisor"
	"dripline/internal/storage"
	"dripline/internal/telemetry"
	"dripline/internal/transition"
	"dripline/internal/transport"
	"dripline/internal/transport/telegram"
	"dripline/internal/trigger"
	"dripline/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	logs *logx.Service
	log  logx.Logger

	oneShot bool

	store    *storage.Store
	bus      eventbus.Bus
	tg       *telegram.Sender
	engine   *delivery.Engine
	trig     *trigger.Service
	influx   *telemetry.Influx
	tracing  func(context.Context) error
	sup      *supervisor.Supervisor
	stopOnce sync.Once

	lastMu  sync.Mutex
	lastRun *delivery.Summary
}

type Option func(*App)

// OneShot builds the app for a single CLI command: background scheduling is
// forced off so no wake timer outlives the command.
func OneShot() Option { return func(a *App) { a.oneShot = true } }

// NewApp loads the config, opens and migrates the store and builds the
// delivery pipeline. Nothing runs until Start.
func NewApp(ctx context.Context, cfgPath string, opts ...Option) (*App, error) {
	a := &App{cfgm: config.NewConfigManager(cfgPath), tracing: func(context.Context) error { return nil }}
	for _, o := range opts {
		o(a)
	}
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	tgCfg, err := mapTelegram(cfg)
	if err != nil {
		return nil, err
	}
	a.logs, a.log = logx.New(mapLogging(cfg), nil)
	a.tg = telegram.New(tgCfg, a.log)
	if chat := cfg.Logging.Chat; chat.Enabled && chat.ChatID != 0 {
		a.logs.SetChatSender(telegram.NewLogSink(a.tg, chat.Token, chat.ChatID, chat.ThreadID))
	}
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(a.validate)

	if err := a.build(ctx, cfg); err != nil {
		_ = a.close()
		_ = a.logs.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, cfg *config.Config) error {
	scfg, err := mapStorage(cfg)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(scfg, a.log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate storage: %w", err)
	}

	if !a.oneShot {
		shutdown, err := telemetry.SetupTracing(ctx, mapTracing(cfg))
		if err != nil {
			a.log.Warn("tracing disabled", logx.Err(err))
		} else {
			a.tracing = shutdown
		}
	}

	dcfg, err := mapDelivery(cfg)
	if err != nil {
		return err
	}
	tcfg, err := mapTrigger(cfg)
	if err != nil {
		return err
	}
	if a.oneShot {
		tcfg.Enabled = false
	}

	a.bus = eventbus.New()
	handler := transition.New(a.store, a.log)
	a.engine = delivery.New(dcfg, a.store, a.sender(cfg), handler, a.log)

	var topts []trigger.Option
	if in, err := telemetry.ConnectInflux(ctx, mapMetrics(cfg), a.log); err == nil {
		a.influx = in
		topts = append(topts, trigger.WithRecorder(in))
	} else if !errors.Is(err, telemetry.ErrMetricsDisabled) {
		a.log.Warn("metrics disabled", logx.Err(err))
	}
	a.trig = trigger.New(tcfg, a.engine, a.store, a.bus, a.log, topts...)
	return nil
}

// sender builds the outbound chain: driver routing, then per-account throttling.
func (a *App) sender(cfg *config.Config) transport.Sender {
	dry := transport.LogSender{Log: a.log.With(logx.String("comp", "transport.log"))}
	var s transport.Sender
	if strings.EqualFold(strings.TrimSpace(cfg.Transport.Driver), "log") {
		s = dry
	} else {
		mux := transport.NewMux("telegram")
		mux.Handle("telegram", a.tg)
		mux.Handle("log", dry)
		s = mux
	}
	return transport.NewThrottled(s, cfg.Transport.RatePerSec, cfg.Transport.Burst)
}

func (a *App) validate(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapDelivery(cfg); err != nil {
		return err
	}
	if _, err := mapTrigger(cfg); err != nil {
		return err
	}
	_, err := mapHTTP(cfg)
	return err
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Store() *storage.Store { return a.store }

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Done is closed when the supervisor gives up on a component.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Start launches the long-lived components under a supervisor and notifies
// systemd once they are running.
func (a *App) Start(ctx context.Context) error {
	cfg := a.cfgm.Get()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log.With(logx.String("comp", "supervisor"))), supervisor.WithCancelOnError(true))

	a.sup.GoRestart("trigger", a.trig.Run)

	if cfg.HTTP.Enabled {
		hcfg, err := mapHTTP(cfg)
		if err != nil {
			return err
		}
		srv := httpapi.New(hcfg, httpapi.Deps{Trigger: a.trig, Enroller: a.store, Bus: a.bus, Health: a.health}, a.log)
		a.sup.GoRestart("http", srv.Run, supervisor.WithMaxRestarts(5))
	}
	if mcfg, ok := mapMQTT(cfg); ok {
		sub := mqtt.New(mcfg, a.trig, a.log)
		a.sup.GoRestart("mqtt", sub.Run, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}

	runs, unsub := a.bus.Subscribe(16, eventbus.RunCompleted)
	a.sup.Go("runs.track", func(c context.Context) error {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-runs:
				if !ok {
					return nil
				}
				if sum, ok := e.Data.(delivery.Summary); ok {
					a.lastMu.Lock()
					a.lastRun = &sum
					a.lastMu.Unlock()
				}
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case next, ok := <-sub:
				if !ok {
					return nil
				}
				a.reload(last, next)
				last = next
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Debug("sd_notify failed", logx.Err(err))
	}
	a.log.Info("app started")
	return nil
}

// reload applies what can change at runtime. Storage, transport and the
// listeners need a restart.
func (a *App) reload(prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	a.logs.Apply(mapLogging(next))

	if dcfg, err := mapDelivery(next); err != nil {
		a.log.Warn("invalid delivery config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(dcfg)
	}
	if tcfg, err := mapTrigger(next); err != nil {
		a.log.Warn("invalid trigger config; keeping previous", logx.Err(err))
	} else if err := a.trig.Apply(tcfg); err != nil {
		a.log.Warn("trigger reconfigure failed", logx.Err(err))
	}

	for _, s := range sections {
		switch s {
		case "storage", "transport", "http", "mqtt", "metrics", "tracing":
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		}
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

type health struct {
	Supervisor supervisor.Snapshot `json:"supervisor"`
	LastRun    *delivery.Summary   `json:"lastRun,omitempty"`
	Records    map[string]int      `json:"records,omitempty"`
	Wake       *time.Time          `json:"nextWake,omitempty"`
	BusDropped uint64              `json:"busDropped"`
}

func (a *App) health() any {
	h := health{Supervisor: a.sup.Snapshot(), BusDropped: a.bus.Dropped()}
	a.lastMu.Lock()
	h.LastRun = a.lastRun
	a.lastMu.Unlock()
	if at, ok := a.trig.PendingWake(); ok {
		h.Wake = &at
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if counts, err := a.store.StatusCounts(ctx); err == nil {
		h.Records = make(map[string]int, len(counts))
		for st, n := range counts {
			h.Records[string(st)] = n
		}
	}
	return h
}

// Stop cancels every supervised component and closes resources. Each step is
// bounded so one component cannot stall shutdown.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var err error
	a.stopOnce.Do(func() {
		a.log.Info("stopping", logx.String("reason", string(reason)))
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

		if a.sup != nil {
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if werr := a.sup.Stop(sctx); werr != nil && !errors.Is(werr, context.DeadlineExceeded) {
				a.log.Warn("supervisor stopped with error", logx.Err(werr))
			} else if werr != nil {
				a.log.Warn("supervisor stop deadline reached")
			}
			cancel()
		}
		err = a.close()
		a.log.Info("stopped")
		if a.logs != nil {
			_ = a.logs.Close()
		}
	})
	return err
}

func (a *App) close() error {
	var errs []error
	if a.influx != nil {
		a.influx.Close()
	}
	tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tracing(tctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close storage: %w", err))
		}
	}
	return errors.Join(errs...)
}
