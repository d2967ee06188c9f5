// Package transport defines the contract between the notification sink and
// the chat client that carries its lines.
package transport

import "context"

// State tracks where a chat connection is in its lifecycle. Any detected
// disconnect sends the client back to StateConnecting; being removed from a
// single channel does not (the client rejoins in place).
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	// StateConnected: registered with the server, channels not joined yet.
	StateConnected
	StateJoining
	// StateReady: joined and deliverable.
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateJoining:
		return "joining"
	case StateReady:
		return "ready"
	default:
		return "invalid"
	}
}

// Client is the surface the sink drives. Implementations own the socket,
// the reconnect loop and all protocol state; callers only observe and send.
type Client interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// State reports the current connection state.
	State() State
	// Nick reports the nickname currently held, empty when disconnected.
	Nick() string

	// WaitReady blocks until the client reaches StateReady or ctx expires.
	WaitReady(ctx context.Context) error
	// Probe verifies an established connection end to end. An error means
	// the connection was stale; the client has torn it down so the run
	// loop can rebuild it.
	Probe(ctx context.Context) error
	// ReclaimNick asks the server for the primary nickname when the
	// current one differs. Fire and forget: the server stays silent when
	// the request fails.
	ReclaimNick()
	// SendLine delivers one line of text to one channel.
	SendLine(ctx context.Context, channel, text string) error
	// SetChannels replaces the joined-channel set, joining and parting on
	// a live connection as needed.
	SetChannels(channels []string)
}
