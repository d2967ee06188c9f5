package adapter

import (
	"context"
	"strings"
	"testing"
	"time"

	"neferus/internal/transport"
	"neferus/pkg/logx"
)

func newTestAdapter(t *testing.T, channels ...string) *Adapter {
	t.Helper()
	a, err := New(Config{
		Host:     "irc.example.test",
		Nick:     "Neferus",
		Channels: channels,
	}, logx.Nop(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNewValidation(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{Nick: "n"}, logx.Nop(), nil); err == nil {
		t.Fatal("expected error for empty host")
	}
	if _, err := New(Config{Host: "irc.example.test"}, logx.Nop(), nil); err == nil {
		t.Fatal("expected error for empty nick")
	}
}

func TestStateStartsDisconnected(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, "#notifications")
	if got := a.State(); got != transport.StateDisconnected {
		t.Fatalf("State = %v, want %v", got, transport.StateDisconnected)
	}
	if got := a.Nick(); got != "" {
		t.Fatalf("Nick = %q, want empty while disconnected", got)
	}
}

func TestWaitReady(t *testing.T) {
	t.Parallel()

	t.Run("already ready", func(t *testing.T) {
		t.Parallel()
		a := newTestAdapter(t)
		a.setState(transport.StateReady)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := a.WaitReady(ctx); err != nil {
			t.Fatalf("WaitReady: %v", err)
		}
	})

	t.Run("unblocks on transition", func(t *testing.T) {
		t.Parallel()
		a := newTestAdapter(t)
		a.setState(transport.StateConnecting)

		done := make(chan error, 1)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			done <- a.WaitReady(ctx)
		}()

		time.Sleep(20 * time.Millisecond)
		a.setState(transport.StateReady)

		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("WaitReady: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("WaitReady did not unblock")
		}
	})

	t.Run("honors deadline", func(t *testing.T) {
		t.Parallel()
		a := newTestAdapter(t)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		if err := a.WaitReady(ctx); err != context.DeadlineExceeded {
			t.Fatalf("WaitReady = %v, want %v", err, context.DeadlineExceeded)
		}
	})
}

func TestMarkJoinedReachesReady(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, "#alpha", "#Beta")
	a.setState(transport.StateJoining)

	a.markJoined("#ALPHA")
	if got := a.State(); got != transport.StateJoining {
		t.Fatalf("State after one join = %v, want %v", got, transport.StateJoining)
	}

	a.markJoined("#beta")
	if got := a.State(); got != transport.StateReady {
		t.Fatalf("State after all joins = %v, want %v", got, transport.StateReady)
	}
}

func TestReadinessResetsWhenLeavingReady(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t)
	a.setState(transport.StateReady)
	a.setState(transport.StateDisconnected)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := a.WaitReady(ctx); err != context.DeadlineExceeded {
		t.Fatalf("WaitReady after disconnect = %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestPongWaiters(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t)

	ch := make(chan struct{})
	a.pongMu.Lock()
	a.pongWaiters["tok-1"] = ch
	a.pongMu.Unlock()

	a.onPong("unrelated")
	select {
	case <-ch:
		t.Fatal("unrelated pong must not signal the waiter")
	default:
	}

	a.onPong("tok-1")
	select {
	case <-ch:
	default:
		t.Fatal("matching pong must signal the waiter")
	}
}

func TestSendLineDisconnected(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, "#notifications")
	if err := a.SendLine(context.Background(), "#notifications", "hello"); err != errNotConnected {
		t.Fatalf("SendLine = %v, want %v", err, errNotConnected)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := a.SendLine(ctx, "#notifications", "hello"); err != context.Canceled {
		t.Fatalf("SendLine with cancelled ctx = %v, want %v", err, context.Canceled)
	}
}

func TestSetChannelsWhileDisconnected(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(t, "#old")
	a.SetChannels([]string{"#new-one", "#new-two"})

	a.mu.Lock()
	got := append([]string(nil), a.channels...)
	a.mu.Unlock()
	if len(got) != 2 || got[0] != "#new-one" || got[1] != "#new-two" {
		t.Fatalf("channels = %q", got)
	}
}

func TestSanitizeLine(t *testing.T) {
	t.Parallel()

	t.Run("line breaks flattened", func(t *testing.T) {
		t.Parallel()
		got := sanitizeLine("one\r\ntwo\nthree")
		if strings.ContainsAny(got, "\r\n") {
			t.Fatalf("sanitized line still has breaks: %q", got)
		}
	})

	t.Run("long lines bounded", func(t *testing.T) {
		t.Parallel()
		got := sanitizeLine(strings.Repeat("x", 2*ircTextLimit))
		if len(got) != ircTextLimit {
			t.Fatalf("len = %d, want %d", len(got), ircTextLimit)
		}
	})

	t.Run("cut lands on rune boundary", func(t *testing.T) {
		t.Parallel()
		// é is two bytes; an odd prefix forces the cut into the middle
		// of a rune unless the boundary is respected.
		s := "a" + strings.Repeat("é", ircTextLimit)
		got := sanitizeLine(s)
		if len(got) > ircTextLimit {
			t.Fatalf("len = %d, want <= %d", len(got), ircTextLimit)
		}
		if !strings.HasSuffix(got, "é") && got != "a" {
			t.Fatalf("cut broke a rune: % x", got[len(got)-3:])
		}
	})

	t.Run("short lines untouched", func(t *testing.T) {
		t.Parallel()
		if got := sanitizeLine("plain"); got != "plain" {
			t.Fatalf("got %q", got)
		}
	})
}
