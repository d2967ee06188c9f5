package sink

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"neferus/internal/transport"
	"neferus/pkg/logx"
)

type fakeClient struct {
	mu         sync.Mutex
	state      transport.State
	readyCh    chan struct{}
	sent       map[string][]string
	failOn     map[string]bool
	probeErr   error
	probeCalls int
	waitCalls  int
	reclaims   int
	channels   []string
}

var _ transport.Client = (*fakeClient)(nil)

func newFakeClient(state transport.State) *fakeClient {
	return &fakeClient{
		state:   state,
		readyCh: make(chan struct{}),
		sent:    map[string][]string{},
		failOn:  map[string]bool{},
	}
}

func (f *fakeClient) Start(ctx context.Context) error { return nil }
func (f *fakeClient) Stop(ctx context.Context) error  { return nil }
func (f *fakeClient) Nick() string                    { return "neferus" }

func (f *fakeClient) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeClient) setReady() {
	f.mu.Lock()
	f.state = transport.StateReady
	close(f.readyCh)
	f.mu.Unlock()
}

func (f *fakeClient) WaitReady(ctx context.Context) error {
	f.mu.Lock()
	f.waitCalls++
	if f.state == transport.StateReady {
		f.mu.Unlock()
		return nil
	}
	ch := f.readyCh
	f.mu.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

func (f *fakeClient) Probe(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probeCalls++
	if f.probeErr != nil {
		f.state = transport.StateDisconnected
		return f.probeErr
	}
	return nil
}

func (f *fakeClient) ReclaimNick() {
	f.mu.Lock()
	f.reclaims++
	f.mu.Unlock()
}

func (f *fakeClient) SendLine(ctx context.Context, channel, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[channel] {
		return errors.New("simulated write error")
	}
	f.sent[channel] = append(f.sent[channel], text)
	return nil
}

func (f *fakeClient) SetChannels(channels []string) {
	f.mu.Lock()
	f.channels = append([]string(nil), channels...)
	f.mu.Unlock()
}

func (f *fakeClient) lines(channel string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent[channel]...)
}

func (f *fakeClient) counters() (reclaims, probes, waits int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reclaims, f.probeCalls, f.waitCalls
}

func (f *fakeClient) currentChannels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.channels...)
}

func TestDeliverFansOutInOrder(t *testing.T) {
	t.Parallel()

	fc := newFakeClient(transport.StateReady)
	s := New(Config{Channels: []string{"#alpha", "#beta"}, RatePerSec: 100}, fc, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	lines := []string{"one", "two", "three"}
	if err := s.Deliver(context.Background(), lines); err != nil {
		t.Fatalf("Deliver() = %v, want nil", err)
	}
	for _, ch := range []string{"#alpha", "#beta"} {
		got := fc.lines(ch)
		if len(got) != len(lines) {
			t.Fatalf("channel %s got %d lines, want %d", ch, len(got), len(lines))
		}
		for i := range lines {
			if got[i] != lines[i] {
				t.Fatalf("channel %s line %d = %q, want %q", ch, i, got[i], lines[i])
			}
		}
	}
}

func TestDeliverPartialFailure(t *testing.T) {
	t.Parallel()

	fc := newFakeClient(transport.StateReady)
	fc.failOn["#beta"] = true
	s := New(Config{Channels: []string{"#alpha", "#beta"}, RatePerSec: 100}, fc, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	err := s.Deliver(context.Background(), []string{"one", "two"})
	if err == nil {
		t.Fatal("Deliver() = nil, want error for failing channel")
	}
	if !strings.Contains(err.Error(), "#beta") {
		t.Fatalf("Deliver() error %q does not name the failing channel", err)
	}
	if got := fc.lines("#alpha"); len(got) != 2 {
		t.Fatalf("healthy channel got %d lines, want 2", len(got))
	}
	if got := fc.lines("#beta"); len(got) != 0 {
		t.Fatalf("failing channel got %d lines, want 0", len(got))
	}
}

func TestDeliverAfterStop(t *testing.T) {
	t.Parallel()

	fc := newFakeClient(transport.StateReady)
	s := New(Config{Channels: []string{"#alpha"}}, fc, logx.Nop(), nil)
	s.Start(context.Background())
	s.Stop(context.Background())

	if err := s.Deliver(context.Background(), []string{"late"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Deliver() after Stop = %v, want ErrStopped", err)
	}
}

func TestDeliverEmptyAndCanceled(t *testing.T) {
	t.Parallel()

	fc := newFakeClient(transport.StateReady)
	s := New(Config{Channels: []string{"#alpha"}, RatePerSec: 100}, fc, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Deliver(context.Background(), nil); err != nil {
		t.Fatalf("Deliver(nil) = %v, want nil", err)
	}
	if got := fc.lines("#alpha"); len(got) != 0 {
		t.Fatalf("Deliver(nil) sent %d lines, want 0", len(got))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := s.Deliver(ctx, []string{"one"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Deliver() with canceled ctx = %v, want context.Canceled", err)
	}
}

func TestEnsureReadyProbesEstablishedConnection(t *testing.T) {
	t.Parallel()

	fc := newFakeClient(transport.StateReady)
	s := New(Config{Channels: []string{"#alpha"}}, fc, logx.Nop(), nil)

	if err := s.EnsureReady(context.Background()); err != nil {
		t.Fatalf("EnsureReady() = %v, want nil", err)
	}
	reclaims, probes, waits := fc.counters()
	if probes != 1 {
		t.Fatalf("probes = %d, want 1", probes)
	}
	if reclaims != 1 {
		t.Fatalf("reclaims = %d, want 1", reclaims)
	}
	if waits != 0 {
		t.Fatalf("waits = %d, want 0", waits)
	}
}

func TestEnsureReadyWaitsForConnection(t *testing.T) {
	t.Parallel()

	fc := newFakeClient(transport.StateDisconnected)
	s := New(Config{Channels: []string{"#alpha"}}, fc, logx.Nop(), nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		fc.setReady()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.EnsureReady(ctx); err != nil {
		t.Fatalf("EnsureReady() = %v, want nil", err)
	}
	reclaims, probes, _ := fc.counters()
	if probes != 0 {
		t.Fatalf("probes = %d, want 0 when not yet ready", probes)
	}
	if reclaims != 1 {
		t.Fatalf("reclaims = %d, want 1", reclaims)
	}
}

func TestEnsureReadyProbeFailureFallsBackToWait(t *testing.T) {
	t.Parallel()

	fc := newFakeClient(transport.StateReady)
	fc.probeErr = errors.New("server gone")
	s := New(Config{Channels: []string{"#alpha"}, ProbeTimeout: 50 * time.Millisecond}, fc, logx.Nop(), nil)

	// Nobody reconnects the fake, so after the failed probe the wait
	// must run into the caller's deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err := s.EnsureReady(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("EnsureReady() = %v, want context.DeadlineExceeded", err)
	}
	_, probes, waits := fc.counters()
	if probes != 1 {
		t.Fatalf("probes = %d, want 1", probes)
	}
	if waits != 1 {
		t.Fatalf("waits = %d, want 1", waits)
	}
}

func TestEnsureReadySharedAcrossCallers(t *testing.T) {
	t.Parallel()

	fc := newFakeClient(transport.StateDisconnected)
	s := New(Config{Channels: []string{"#alpha"}}, fc, logx.Nop(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	errsCh := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errsCh <- s.EnsureReady(ctx)
		}()
	}
	time.Sleep(100 * time.Millisecond)
	fc.setReady()
	wg.Wait()
	close(errsCh)

	for err := range errsCh {
		if err != nil {
			t.Fatalf("EnsureReady() = %v, want nil", err)
		}
	}
	reclaims, _, waits := fc.counters()
	if waits != 1 {
		t.Fatalf("waits = %d, want 1 shared readiness check", waits)
	}
	if reclaims != 1 {
		t.Fatalf("reclaims = %d, want 1", reclaims)
	}
}

func TestApplyPushesChannels(t *testing.T) {
	t.Parallel()

	fc := newFakeClient(transport.StateReady)
	s := New(Config{Channels: []string{"#alpha"}}, fc, logx.Nop(), nil)

	s.Apply(Config{Channels: []string{" #fresh ", ""}})
	got := fc.currentChannels()
	if len(got) != 1 || got[0] != "#fresh" {
		t.Fatalf("SetChannels got %v, want [#fresh]", got)
	}
}

func TestReclaimTickRequiresReady(t *testing.T) {
	t.Parallel()

	fc := newFakeClient(transport.StateConnecting)
	s := New(Config{Channels: []string{"#alpha"}}, fc, logx.Nop(), nil)

	s.reclaimTick()
	if reclaims, _, _ := fc.counters(); reclaims != 0 {
		t.Fatalf("reclaims = %d, want 0 while connecting", reclaims)
	}

	fc.setReady()
	s.reclaimTick()
	if reclaims, _, _ := fc.counters(); reclaims != 1 {
		t.Fatalf("reclaims = %d, want 1 once ready", reclaims)
	}
}

func TestReclaimRunsOnSchedule(t *testing.T) {
	t.Parallel()

	fc := newFakeClient(transport.StateReady)
	s := New(Config{Channels: []string{"#alpha"}, ReclaimSchedule: "@every 1s"}, fc, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if reclaims, _, _ := fc.counters(); reclaims >= 1 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("reclaim never fired on schedule")
}

func TestStartSurvivesInvalidSchedule(t *testing.T) {
	t.Parallel()

	fc := newFakeClient(transport.StateReady)
	s := New(Config{Channels: []string{"#alpha"}, ReclaimSchedule: "not a cron spec", RatePerSec: 100}, fc, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Deliver(context.Background(), []string{"still works"}); err != nil {
		t.Fatalf("Deliver() = %v, want nil", err)
	}
}
