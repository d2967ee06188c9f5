// Package sink fans rendered notification lines out to the configured IRC
// channels. It owns the delivery rate limit, the shared readiness check for
// incoming webhooks, and the periodic nick reclaim.
package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"neferus/internal/metrics"
	"neferus/internal/transport"
	"neferus/pkg/logx"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// ErrStopped is returned by Deliver after Stop has been called.
var ErrStopped = errors.New("sink stopped")

type Config struct {
	// Channels receive every notification.
	Channels []string
	// RatePerSec caps outgoing lines across all channels combined.
	RatePerSec int
	// ReclaimSchedule is a cron spec for retrying the primary nick.
	ReclaimSchedule string
	// ProbeTimeout bounds the liveness ping on an established connection.
	ProbeTimeout time.Duration
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	client  transport.Client
	metrics *metrics.Metrics

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	parser cron.Parser
	c      *cron.Cron

	sf singleflight.Group
}

func New(cfg Config, client transport.Client, log logx.Logger, m *metrics.Metrics) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log,
		client:  client,
		metrics: m,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	s.applyLocked(cfg)
	return s
}

// Apply swaps the runtime configuration and pushes the channel list down to
// the IRC client so joins and parts happen without a reconnect.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	oldSpec := s.cfg.ReclaimSchedule
	s.applyLocked(cfg)
	if s.c != nil && s.cfg.ReclaimSchedule != oldSpec {
		s.restartReclaimLocked()
	}
	channels := append([]string(nil), s.cfg.Channels...)
	s.mu.Unlock()

	s.client.SetChannels(channels)
}

func (s *Service) applyLocked(cfg Config) {
	// Defaults
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if cfg.ReclaimSchedule == "" {
		cfg.ReclaimSchedule = "@every 1m"
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	out := cfg.Channels[:0:0]
	for _, ch := range cfg.Channels {
		if ch = strings.TrimSpace(ch); ch != "" {
			out = append(out, ch)
		}
	}
	cfg.Channels = out

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so a multi-line push drains
	// quickly and only sustained traffic is slowed down.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.accepting = true
	s.c = cron.New(cron.WithParser(s.parser))
	if err := s.scheduleReclaimLocked(); err != nil {
		s.log.Warn("invalid reclaim schedule, nick reclaim disabled",
			logx.String("spec", s.cfg.ReclaimSchedule), logx.Err(err))
	}
	s.c.Start()
	s.log.Info("sink started",
		logx.Int("channels", len(s.cfg.Channels)),
		logx.Int("rate_per_sec", s.cfg.RatePerSec),
		logx.String("reclaim", s.cfg.ReclaimSchedule))
}

// Stop blocks new deliveries and waits for in-flight ones until ctx expires.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	if c == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.c = nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.sendWG.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}

	select {
	case <-ctx.Done():
	case <-c.Stop().Done():
	}
	s.log.Info("sink stopped")
}

func (s *Service) scheduleReclaimLocked() error {
	_, err := s.c.AddFunc(s.cfg.ReclaimSchedule, s.reclaimTick)
	return err
}

func (s *Service) restartReclaimLocked() {
	<-s.c.Stop().Done()
	s.c = cron.New(cron.WithParser(s.parser))
	if err := s.scheduleReclaimLocked(); err != nil {
		s.log.Warn("invalid reclaim schedule, nick reclaim disabled",
			logx.String("spec", s.cfg.ReclaimSchedule), logx.Err(err))
	}
	s.c.Start()
}

func (s *Service) reclaimTick() {
	if s.client.State() != transport.StateReady {
		return
	}
	s.client.ReclaimNick()
}

// EnsureReady blocks until the IRC connection can carry notifications.
// Concurrent webhook deliveries share a single readiness check.
func (s *Service) EnsureReady(ctx context.Context) error {
	ch := s.sf.DoChan("ready", func() (interface{}, error) {
		return nil, s.ensureReady(ctx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) ensureReady(ctx context.Context) error {
	s.mu.Lock()
	probeTimeout := s.cfg.ProbeTimeout
	s.mu.Unlock()

	if s.client.State() == transport.StateReady {
		// The connection may be one the server silently dropped while
		// the bridge was idle. Verify it answers before trusting it.
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := s.client.Probe(pctx)
		cancel()
		if err == nil {
			s.client.ReclaimNick()
			return nil
		}
		s.log.Warn("connection probe failed, waiting for reconnect", logx.Err(err))
	}

	if err := s.client.WaitReady(ctx); err != nil {
		return fmt.Errorf("wait for irc ready: %w", err)
	}
	s.client.ReclaimNick()
	return nil
}

// Deliver sends every line to every configured channel. Lines keep their
// order within a channel; channels are written concurrently. A failing
// channel does not stop delivery to the others.
func (s *Service) Deliver(ctx context.Context, lines []string) error {
	if len(lines) == 0 {
		return nil
	}

	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return ErrStopped
	}
	channels := append([]string(nil), s.cfg.Channels...)
	lim := s.limiter
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if len(channels) == 0 {
		return nil
	}

	start := time.Now()
	var (
		emu    sync.Mutex
		errs   []error
		sent   int
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, channel := range channels {
		channel := channel
		g.Go(func() error {
			for i, line := range lines {
				if err := lim.Wait(gctx); err != nil {
					emu.Lock()
					errs = append(errs, fmt.Errorf("%s: %w", channel, err))
					failed += len(lines) - i
					emu.Unlock()
					return nil
				}
				if err := s.client.SendLine(gctx, channel, line); err != nil {
					// Order matters within a channel, so the rest of
					// this channel's lines are dropped with it.
					emu.Lock()
					errs = append(errs, fmt.Errorf("%s: %w", channel, err))
					failed += len(lines) - i
					emu.Unlock()
					return nil
				}
				emu.Lock()
				sent++
				emu.Unlock()
			}
			return nil
		})
	}
	// Workers report failures through errs, never through the group, so
	// one bad channel cannot cancel the siblings.
	_ = g.Wait()

	s.metrics.RecordDelivery(sent, failed, time.Since(start))
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.log.Debug("notification delivered",
		logx.Int("lines", len(lines)), logx.Int("channels", len(channels)))
	return nil
}
