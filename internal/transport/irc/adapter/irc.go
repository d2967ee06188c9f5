// Package adapter drives the IRC connection with girc. One run-loop
// goroutine owns connect attempts; girc handler callbacks own the state
// transitions. Everything else (sink, logging) talks to the connection
// through the transport.Client surface.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/lrstanley/girc"

	"neferus/internal/metrics"
	rtsup "neferus/internal/runtime/supervisor"
	"neferus/internal/transport"
	"neferus/pkg/logx"
)

// quitMessage is sent with QUIT on shutdown. An in-joke older than the bot.
const quitMessage = "hsgNeferus::Neferus()->Shutdown();"

const ctcpTimeReply = "PEANUT BUTTER JELLY TIME!"

// ircTextLimit bounds one outbound line. The protocol frame is 512 bytes
// including command, target and server-added prefix; 400 leaves headroom.
const ircTextLimit = 400

var errNotConnected = errors.New("irc not connected")

type Config struct {
	Host     string
	Port     int
	TLS      bool
	Nick     string
	Channels []string

	// ReconnectDelay is the fixed pause between connect attempts. Failures
	// here are transient blips; there is no growing backoff.
	ReconnectDelay time.Duration
	// JoinTimeout bounds how long readiness waits for join acks.
	JoinTimeout time.Duration
}

type Adapter struct {
	cfg     Config
	log     logx.Logger
	metrics *metrics.Metrics

	client *girc.Client
	ident  *identity

	runMu   sync.Mutex
	running bool
	// sup owns adapter internal goroutines (run loop, stop watcher).
	// Created on Start(), cancelled on Stop().
	sup *rtsup.Supervisor

	mu       sync.Mutex
	state    transport.State
	channels []string
	joined   map[string]bool
	readyCh  chan struct{} // closed while Ready, replaced on leaving Ready
	epoch    uint64        // connection generation, guards stale join timers

	pongMu      sync.Mutex
	pongWaiters map[string]chan struct{}

	attempts uint64
}

func New(cfg Config, log logx.Logger, m *metrics.Metrics) (*Adapter, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("irc host is empty")
	}
	if strings.TrimSpace(cfg.Nick) == "" {
		return nil, errors.New("irc nick is empty")
	}
	if cfg.Port <= 0 {
		cfg.Port = 6667
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 10 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	a := &Adapter{
		cfg:         cfg,
		log:         log,
		metrics:     m,
		ident:       newIdentity(cfg.Nick),
		channels:    append([]string(nil), cfg.Channels...),
		joined:      map[string]bool{},
		readyCh:     make(chan struct{}),
		pongWaiters: map[string]chan struct{}{},
	}

	a.client = girc.New(girc.Config{
		Server:    cfg.Host,
		Port:      cfg.Port,
		SSL:       cfg.TLS,
		Nick:      cfg.Nick,
		User:      cfg.Nick,
		Name:      cfg.Nick,
		Version:   fmt.Sprintf("neferus - %s - %s", runtime.GOOS, runtime.Version()),
		PingDelay: time.Minute,
		HandleNickCollide: func(taken string) string {
			next := a.ident.collide(taken)
			a.log.Warn("nick in use, trying fallback",
				logx.String("taken", taken), logx.String("next", next))
			a.metrics.RecordNickChange()
			return next
		},
	})
	a.registerHandlers()
	return a, nil
}

func (a *Adapter) registerHandlers() {
	a.client.Handlers.Add(girc.CONNECTED, func(c *girc.Client, e girc.Event) {
		a.onConnected(c)
	})
	a.client.Handlers.Add(girc.DISCONNECTED, func(c *girc.Client, e girc.Event) {
		a.setState(transport.StateDisconnected)
	})
	a.client.Handlers.Add(girc.JOIN, func(c *girc.Client, e girc.Event) {
		if len(e.Params) > 0 && strings.EqualFold(e.Source.Name, c.GetNick()) {
			a.markJoined(e.Params[0])
		}
	})
	a.client.Handlers.Add(girc.KICK, func(c *girc.Client, e girc.Event) {
		a.onKick(c, e)
	})
	a.client.Handlers.Add(girc.PONG, func(c *girc.Client, e girc.Event) {
		a.onPong(e.Last())
	})
	a.client.Handlers.Add(girc.NICK, func(c *girc.Client, e girc.Event) {
		if strings.EqualFold(e.Last(), c.GetNick()) {
			a.log.Info("nick changed",
				logx.String("old", e.Source.Name), logx.String("new", e.Last()))
			a.metrics.RecordNickChange()
		}
	})
	a.client.CTCP.Set(girc.CTCP_TIME, func(c *girc.Client, e girc.CTCPEvent) {
		c.Cmd.SendCTCPReply(e.Source.Name, girc.CTCP_TIME, ctcpTimeReply)
	})
}

// Supervisor returns the adapter's internal supervisor (nil if not started).
// Used for operational visibility on /healthz.
func (a *Adapter) Supervisor() *rtsup.Supervisor {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.sup
}

func (a *Adapter) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.runMu.Lock()
	if a.running {
		a.runMu.Unlock()
		return nil
	}
	a.running = true
	a.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "irc.adapter"))),
		// Connection trouble must not take down the whole app.
		rtsup.WithCancelOnError(false),
	)
	sup := a.sup
	a.runMu.Unlock()

	// girc.Connect does not take a context; close the client when the
	// adapter is cancelled so the run loop can return. A live connection
	// gets a polite QUIT and a short grace window first.
	sup.Go0("irc.stop_on_cancel", func(c context.Context) {
		<-c.Done()
		if a.client.IsConnected() {
			a.client.Quit(quitMessage)
			deadline := time.NewTimer(2 * time.Second)
			tick := time.NewTicker(50 * time.Millisecond)
			defer deadline.Stop()
			defer tick.Stop()
		wait:
			for {
				select {
				case <-deadline.C:
					break wait
				case <-tick.C:
					if !a.client.IsConnected() {
						break wait
					}
				}
			}
		}
		a.client.Close()
	})

	// One connect attempt per invocation; the supervisor's restart backoff
	// is the fixed reconnect cadence.
	sup.GoRestart0("irc.run", a.run,
		rtsup.WithRestartBackoff(a.cfg.ReconnectDelay, a.cfg.ReconnectDelay),
		rtsup.WithPublishFirstError(true),
		rtsup.WithStopOnCleanExit(false),
	)
	return nil
}

func (a *Adapter) run(ctx context.Context) {
	if atomic.AddUint64(&a.attempts, 1) > 1 {
		a.metrics.RecordReconnect()
	}
	a.ident.reset()

	a.mu.Lock()
	a.epoch++
	a.joined = map[string]bool{}
	a.toStateLocked(transport.StateConnecting)
	a.mu.Unlock()

	a.log.Info("connecting",
		logx.String("host", a.cfg.Host), logx.Int("port", a.cfg.Port),
		logx.Bool("tls", a.cfg.TLS))

	err := a.client.Connect()

	a.mu.Lock()
	a.toStateLocked(transport.StateDisconnected)
	a.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		a.log.Warn("irc connection lost", logx.Err(err))
	}
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	sup := a.sup
	a.sup = nil
	wasRunning := a.running
	a.running = false
	a.runMu.Unlock()

	if !wasRunning {
		a.log.Debug("irc stop called but not running")
		return nil
	}
	a.log.Info("stopping irc")

	if sup != nil {
		sup.Cancel()
	}

	// Keep shutdown snappy even when the server sits on the QUIT.
	grace := 3 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	if sup == nil {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := sup.Wait(wctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			a.log.Warn("irc stop timed out", logx.Err(err))
			return nil
		}
		a.log.Warn("irc stop error", logx.Err(err))
	}
	return nil
}

// toStateLocked transitions state and keeps readyCh in sync: closed exactly
// while Ready, fresh otherwise. Callers hold a.mu.
func (a *Adapter) toStateLocked(s transport.State) {
	if a.state == transport.StateReady && s != transport.StateReady {
		a.readyCh = make(chan struct{})
	}
	if s == transport.StateReady && a.state != transport.StateReady {
		close(a.readyCh)
	}
	a.state = s
}

func (a *Adapter) setState(s transport.State) {
	a.mu.Lock()
	a.toStateLocked(s)
	a.mu.Unlock()
}

func (a *Adapter) State() transport.State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Adapter) Nick() string {
	if !a.client.IsConnected() {
		return ""
	}
	return a.client.GetNick()
}

// JoinedChannels reports the channels whose joins the server acknowledged.
func (a *Adapter) JoinedChannels() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.joined))
	for ch := range a.joined {
		out = append(out, ch)
	}
	return out
}

func (a *Adapter) onConnected(c *girc.Client) {
	a.mu.Lock()
	a.toStateLocked(transport.StateConnected)
	channels := append([]string(nil), a.channels...)
	epoch := a.epoch
	a.mu.Unlock()

	a.log.Info("connected", logx.String("nick", c.GetNick()))

	if len(channels) == 0 {
		a.setState(transport.StateReady)
		return
	}

	a.setState(transport.StateJoining)
	for _, ch := range channels {
		c.Cmd.Join(ch)
	}

	// A channel that never acks (invite-only, banned) must not wedge
	// delivery to the rest.
	joinTimeout := a.cfg.JoinTimeout
	time.AfterFunc(joinTimeout, func() {
		a.mu.Lock()
		if a.epoch != epoch || a.state != transport.StateJoining {
			a.mu.Unlock()
			return
		}
		var pending []string
		for _, ch := range a.channels {
			if !a.joined[strings.ToLower(ch)] {
				pending = append(pending, ch)
			}
		}
		a.toStateLocked(transport.StateReady)
		a.mu.Unlock()
		a.log.Warn("ready without all join acks",
			logx.Duration("after", joinTimeout), logx.Any("pending", pending))
	})
}

func (a *Adapter) markJoined(channel string) {
	a.mu.Lock()
	a.joined[strings.ToLower(channel)] = true
	all := true
	for _, ch := range a.channels {
		if !a.joined[strings.ToLower(ch)] {
			all = false
			break
		}
	}
	becameReady := all && a.state == transport.StateJoining
	if becameReady {
		a.toStateLocked(transport.StateReady)
	}
	a.mu.Unlock()

	a.log.Debug("joined channel", logx.String("channel", channel))
	if becameReady {
		a.log.Info("all channels joined, ready")
	}
}

func (a *Adapter) onKick(c *girc.Client, e girc.Event) {
	if len(e.Params) < 2 || !strings.EqualFold(e.Params[1], c.GetNick()) {
		return
	}
	channel := e.Params[0]
	a.log.Error("kicked from channel, rejoining",
		logx.String("channel", channel),
		logx.String("by", e.Source.Name),
		logx.String("reason", e.Last()))

	// Losing one channel is not a connection problem: stay in the current
	// state and rejoin in place.
	a.mu.Lock()
	delete(a.joined, strings.ToLower(channel))
	a.mu.Unlock()

	c.Cmd.Join(channel)
}

func (a *Adapter) onPong(token string) {
	a.pongMu.Lock()
	if ch, ok := a.pongWaiters[token]; ok {
		close(ch)
		delete(a.pongWaiters, token)
	}
	a.pongMu.Unlock()
}

func (a *Adapter) WaitReady(ctx context.Context) error {
	for {
		a.mu.Lock()
		st, ch := a.state, a.readyCh
		a.mu.Unlock()
		if st == transport.StateReady {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Probe sends PING with a unique token and waits for the matching PONG. A
// reused connection can look established long after the server forgot us;
// only a round trip proves otherwise. On failure the connection is closed
// so the run loop dials fresh.
func (a *Adapter) Probe(ctx context.Context) error {
	if !a.client.IsConnected() {
		return errNotConnected
	}

	token := fmt.Sprintf("neferus-%d", time.Now().UnixNano())
	ch := make(chan struct{})
	a.pongMu.Lock()
	a.pongWaiters[token] = ch
	a.pongMu.Unlock()
	defer func() {
		a.pongMu.Lock()
		delete(a.pongWaiters, token)
		a.pongMu.Unlock()
	}()

	a.client.Cmd.Ping(token)

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		a.metrics.RecordProbeFailure()
		a.log.Warn("liveness probe failed, dropping connection", logx.Err(ctx.Err()))
		a.client.Close()
		return fmt.Errorf("liveness probe: %w", ctx.Err())
	}
}

func (a *Adapter) ReclaimNick() {
	if !a.client.IsConnected() {
		return
	}
	cur := a.client.GetNick()
	if strings.EqualFold(cur, a.cfg.Nick) {
		return
	}
	// This may not work. If it doesn't, the server says nothing, so we
	// better not wait on it.
	a.log.Debug("requesting primary nick back",
		logx.String("current", cur), logx.String("primary", a.cfg.Nick))
	a.client.Cmd.Nick(a.cfg.Nick)
}

func (a *Adapter) SendLine(ctx context.Context, channel, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !a.client.IsConnected() {
		return errNotConnected
	}
	a.client.Cmd.Message(channel, sanitizeLine(text))
	return nil
}

func (a *Adapter) SetChannels(channels []string) {
	a.mu.Lock()
	old := a.channels
	a.channels = append([]string(nil), channels...)
	a.mu.Unlock()

	if !a.client.IsConnected() {
		return
	}
	for _, ch := range channels {
		if !containsFold(old, ch) {
			a.client.Cmd.Join(ch)
		}
	}
	for _, ch := range old {
		if !containsFold(channels, ch) {
			a.mu.Lock()
			delete(a.joined, strings.ToLower(ch))
			a.mu.Unlock()
			a.client.Cmd.Part(ch)
		}
	}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// sanitizeLine keeps one outbound line protocol-safe: no embedded line
// breaks, bounded length, cut on a rune boundary.
func sanitizeLine(s string) string {
	if strings.ContainsAny(s, "\r\n") {
		s = strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
	}
	if len(s) <= ircTextLimit {
		return s
	}
	cut := ircTextLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

var _ transport.Client = (*Adapter)(nil)
