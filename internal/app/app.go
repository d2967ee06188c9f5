// Package app wires the bridge together: config, logging, the IRC adapter,
// the notification sink, the webhook listener and the ops server. It owns
// the hot-reload fan-out and the bounded shutdown sequence.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"neferus/internal/config"
	"neferus/internal/metrics"
	"neferus/internal/runtime/supervisor"
	"neferus/internal/services/ops"
	"neferus/internal/services/sink"
	ircadapter "neferus/internal/transport/irc/adapter"
	"neferus/internal/webhook"
	"neferus/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service

	metrics *metrics.Metrics
	adapter *ircadapter.Adapter
	sink    *sink.Service
	server  *webhook.Server
	ops     *ops.Service
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	m := metrics.New()

	ircCfg, err := mapIRCConfig(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := ircadapter.New(ircCfg, log.With(logx.String("comp", "irc")), m)
	if err != nil {
		return nil, err
	}
	// The IRC log sink goes live only once a client exists to carry it.
	logSvc.SetSender(ad)

	sinkCfg, err := mapSinkConfig(cfg)
	if err != nil {
		return nil, err
	}
	snk := sink.New(sinkCfg, ad, log.With(logx.String("comp", "sink")), m)

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		metrics: m,
		adapter: ad,
		sink:    snk,
	}

	// Validate the webhook section once up front; the handler re-reads its
	// options from the config snapshot on every request.
	serverCfg, err := mapWebhookServerConfig(cfg)
	if err != nil {
		return nil, err
	}
	if _, err := mapHandlerOptions(cfg); err != nil {
		return nil, err
	}
	handler := webhook.NewHandler(a.handlerOptions, snk, log.With(logx.String("comp", "webhook")), m)
	a.server = webhook.NewServer(serverCfg, handler, log.With(logx.String("comp", "webhook")))

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.ops = ops.New(opsCfg, ad, a.supervisorSnapshot, m, log.With(logx.String("comp", "ops")))

	return a, nil
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

// handlerOptions snapshots the per-request handler settings from the current
// config so a hot reload applies without restarting the listener.
func (a *App) handlerOptions() webhook.Options {
	opts, err := mapHandlerOptions(a.cfgm.Get())
	if err != nil {
		// Committed configs passed validation; fall back to the defaults
		// already filled in if a bad snapshot slips through anyway.
		a.log.Warn("invalid webhook options, using defaults", logx.Err(err))
	}
	return opts
}

// supervisorSnapshot merges the app-level tasks with the adapter's internal
// ones for /healthz and /debug/supervisor.
func (a *App) supervisorSnapshot() supervisor.Snapshot {
	snap := a.sup.Snapshot()
	if asup := a.adapter.Supervisor(); asup != nil {
		as := asup.Snapshot()
		snap.Counters.Active += as.Counters.Active
		snap.Counters.Started += as.Counters.Started
		if snap.FirstError == "" {
			snap.FirstError = as.FirstError
		}
		snap.Tasks = append(snap.Tasks, as.Tasks...)
	}
	return snap
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional config reload: every section must map cleanly before a
	// new snapshot commits.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapIRCConfig(cfg); err != nil {
			return err
		}
		if _, err := mapSinkConfig(cfg); err != nil {
			return err
		}
		if _, err := mapWebhookServerConfig(cfg); err != nil {
			return err
		}
		if _, err := mapHandlerOptions(cfg); err != nil {
			return err
		}
		if _, err := mapOpsConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if err := a.adapter.Start(a.sup.Context()); err != nil {
		return err
	}
	a.sink.Start(a.sup.Context())
	if err := a.server.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.ops.Enabled() {
		a.ops.Start(a.sup.Context())
	}

	// Hot-reload fan-out.
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
				// Coalesce bursts: keep only the latest config.
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
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) applyReload(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	a.logs.Apply(mapLoggingConfig(newCfg))

	// The connection identity cannot be swapped under a live client; only
	// channels, rate and reclaim schedule apply without a restart.
	if connectionChanged(oldCfg, newCfg) {
		a.log.Warn("irc connection settings changed; restart required for them to take effect")
	}

	if sinkCfg, err := mapSinkConfig(newCfg); err != nil {
		a.log.Warn("invalid sink config, keeping previous", logx.Err(err))
	} else {
		a.sink.Apply(sinkCfg)
	}

	if serverCfg, err := mapWebhookServerConfig(newCfg); err != nil {
		a.log.Warn("invalid webhook config, keeping previous", logx.Err(err))
	} else {
		a.server.Reconfigure(ctx, serverCfg)
	}
	// Handler options (secret, render limits, timeouts) are re-read per
	// request; nothing to push.

	if opsCfg, err := mapOpsConfig(newCfg); err != nil {
		a.log.Warn("invalid ops config, keeping previous", logx.Err(err))
	} else {
		a.ops.Reconfigure(ctx, opsCfg)
	}

	a.log.Info("config reloaded", fields...)
}

func connectionChanged(oldCfg, newCfg *config.Config) bool {
	if oldCfg == nil || newCfg == nil {
		return false
	}
	o, n := oldCfg.IRC, newCfg.IRC
	return o.Host != n.Host || o.Port != n.Port || o.TLS != n.TLS || o.Nick != n.Nick ||
		o.ReconnectDelay != n.ReconnectDelay || o.JoinTimeout != n.JoinTimeout
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding
	// while the ordered steps below run.
	a.sup.Cancel()

	// step runs one shutdown stage with an upper bound so a single
	// component cannot stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// Respect the caller's deadline; never extend it.
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
			// Observe when, and whether, the step eventually finishes.
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline",
						logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				} else {
					a.log.Info("stop step finished after deadline",
						logx.String("name", name), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	// Ingress first so nothing new arrives, then drain the sink, then take
	// the connection down.
	step("webhook", 2*time.Second, func(c context.Context) error { a.server.Stop(c); return nil })
	step("sink", 2*time.Second, func(c context.Context) error { a.sink.Stop(c); return nil })
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })

	// Finally wait for supervised goroutines (config watch/reload).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		return a.logs.Close()
	}
	return nil
}

func mapIRCConfig(cfg *config.Config) (ircadapter.Config, error) {
	out := ircadapter.Config{}
	if cfg == nil {
		return out, fmt.Errorf("config is empty")
	}
	out.Host = strings.TrimSpace(cfg.IRC.Host)
	if out.Host == "" {
		return out, fmt.Errorf("irc.host is required")
	}
	if cfg.IRC.Port < 0 || cfg.IRC.Port > 65535 {
		return out, fmt.Errorf("irc.port out of range: %d", cfg.IRC.Port)
	}
	out.Port = cfg.IRC.Port
	out.TLS = cfg.IRC.TLS
	out.Nick = strings.TrimSpace(cfg.IRC.Nick)
	if out.Nick == "" {
		out.Nick = "Neferus"
	}
	out.Channels = cfg.IRC.ChannelList()
	if len(out.Channels) == 0 {
		return out, fmt.Errorf("irc.channels must name at least one channel")
	}
	var err error
	if out.ReconnectDelay, err = config.ParseDurationOrDefault("irc.reconnect_delay", cfg.IRC.ReconnectDelay, 2*time.Second); err != nil {
		return out, err
	}
	if out.JoinTimeout, err = config.ParseDurationOrDefault("irc.join_timeout", cfg.IRC.JoinTimeout, 10*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

func mapSinkConfig(cfg *config.Config) (sink.Config, error) {
	out := sink.Config{}
	if cfg == nil {
		return out, fmt.Errorf("config is empty")
	}
	if cfg.IRC.RatePerSec < 0 {
		return out, fmt.Errorf("irc.rate_per_sec must be >= 0")
	}
	out.Channels = cfg.IRC.ChannelList()
	out.RatePerSec = cfg.IRC.RatePerSec
	out.ReclaimSchedule = cfg.IRC.ReclaimSchedule
	return out, nil
}

func mapWebhookServerConfig(cfg *config.Config) (webhook.ServerConfig, error) {
	out := webhook.ServerConfig{Socket: "tcp", Host: "0.0.0.0", Port: 8000}
	if cfg == nil {
		return out, nil
	}
	switch socket := strings.ToLower(strings.TrimSpace(cfg.Webhook.Socket)); socket {
	case "":
	case "tcp", "unix":
		out.Socket = socket
	default:
		return out, fmt.Errorf("webhook.socket must be tcp or unix, got %q", cfg.Webhook.Socket)
	}
	if out.Socket == "unix" && strings.TrimSpace(cfg.Webhook.Path) == "" {
		return out, fmt.Errorf("webhook.path is required when webhook.socket is unix")
	}
	if h := strings.TrimSpace(cfg.Webhook.Host); h != "" {
		out.Host = h
	}
	if cfg.Webhook.Port < 0 || cfg.Webhook.Port > 65535 {
		return out, fmt.Errorf("webhook.port out of range: %d", cfg.Webhook.Port)
	}
	if cfg.Webhook.Port != 0 {
		out.Port = cfg.Webhook.Port
	}
	out.Path = cfg.Webhook.Path
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("webhook.read_timeout", cfg.Webhook.ReadTimeout, 10*time.Second); err != nil {
		return out, err
	}
	if out.WriteTimeout, err = config.ParseDurationOrDefault("webhook.write_timeout", cfg.Webhook.WriteTimeout, 30*time.Second); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("webhook.idle_timeout", cfg.Webhook.IdleTimeout, 60*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

func mapHandlerOptions(cfg *config.Config) (webhook.Options, error) {
	out := webhook.Options{
		MaxCommits:     3,
		ConnectTimeout: 10 * time.Second,
		HandleTimeout:  5 * time.Second,
	}
	if cfg == nil {
		return out, nil
	}
	out.Secret = cfg.Webhook.Secret
	out.AnnounceRuntime = cfg.Render.AnnounceRuntime
	if cfg.Render.MaxCommits < 0 {
		return out, fmt.Errorf("render.max_commits must be >= 0")
	}
	if cfg.Render.MaxCommits > 0 {
		out.MaxCommits = cfg.Render.MaxCommits
	}
	var err error
	if out.ConnectTimeout, err = config.ParseDurationOrDefault("webhook.connect_timeout", cfg.Webhook.ConnectTimeout, 10*time.Second); err != nil {
		return out, err
	}
	if out.HandleTimeout, err = config.ParseDurationOrDefault("webhook.handle_timeout", cfg.Webhook.HandleTimeout, 5*time.Second); err != nil {
		return out, err
	}
	return out, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	out := ops.Config{Addr: "127.0.0.1:6060"}
	if cfg == nil {
		return out, nil
	}
	out.Enabled = cfg.Ops.Enabled
	if addr := strings.TrimSpace(cfg.Ops.Addr); addr != "" {
		out.Addr = addr
	}
	out.Token = cfg.Ops.Token
	out.AllowInsecure = cfg.Ops.AllowInsecure
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", cfg.Ops.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	// Write timeout stays off unless set: a CPU profile holds the response
	// open for the full ?seconds= window.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("ops.write_timeout", cfg.Ops.WriteTimeout, 0); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", cfg.Ops.IdleTimeout, 60*time.Second); err != nil {
		return out, err
	}
	out.MutexProfileFraction = cfg.Ops.MutexProfileFraction
	out.BlockProfileRate = cfg.Ops.BlockProfileRate
	out.MemProfileRate = cfg.Ops.MemProfileRate
	return out, nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	if cfg == nil {
		return logx.Config{Level: "INFO", Console: true}
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		IRC: logx.IRCConfig{
			Enabled:    cfg.Logging.IRC.Enabled,
			Channel:    cfg.Logging.IRC.Channel,
			MinLevel:   cfg.Logging.IRC.MinLevel,
			RatePerSec: cfg.Logging.IRC.RatePerSec,
		},
	}
}
