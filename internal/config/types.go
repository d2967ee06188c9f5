package config

import "strings"

type Config struct {
	IRC     IRCConfig     `json:"irc"`
	Webhook WebhookConfig `json:"webhook"`
	Render  RenderConfig  `json:"render,omitempty"`
	Logging LoggingConfig `json:"logging"`
	Ops     OpsConfig     `json:"ops,omitempty"`
}

// IRCConfig controls the IRC connection that carries notifications.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type IRCConfig struct {
	Host string `json:"host"`
	Port int    `json:"port,omitempty"` // default: 6667
	TLS  bool   `json:"tls,omitempty"`
	Nick string `json:"nick"`

	// Channels is a whitespace-separated list, e.g. "#dev #ops".
	Channels string `json:"channels"`

	// ReconnectDelay is the fixed pause between connection attempts.
	ReconnectDelay string `json:"reconnect_delay,omitempty"` // default: "2s"
	// JoinTimeout caps how long the client waits for channel join acks
	// before treating the connection as ready anyway.
	JoinTimeout string `json:"join_timeout,omitempty"` // default: "10s"

	// RatePerSec caps outgoing notification lines across all channels.
	RatePerSec int `json:"rate_per_sec,omitempty"` // default: 2

	// ReclaimSchedule is a cron spec for retrying the primary nick after
	// a collision forced a fallback.
	ReclaimSchedule string `json:"reclaim_schedule,omitempty"` // default: "@every 1m"
}

// ChannelList splits the whitespace-separated channel string.
func (c IRCConfig) ChannelList() []string { return strings.Fields(c.Channels) }

// WebhookConfig controls the HTTP listener GitHub delivers to.
//
// Secret is usually left out of the file and supplied through the
// NEFERUS_GITHUB_SECRET environment variable instead.
type WebhookConfig struct {
	Socket string `json:"socket,omitempty"` // "tcp" (default) or "unix"
	Host   string `json:"host,omitempty"`   // tcp only; default: "0.0.0.0"
	Port   int    `json:"port,omitempty"`   // tcp only; default: 8000
	Path   string `json:"path,omitempty"`   // unix only; socket path or directory

	Secret string `json:"secret,omitempty"`

	// ConnectTimeout bounds waiting for the IRC side to become ready
	// before a delivery; HandleTimeout bounds the delivery itself.
	ConnectTimeout string `json:"connect_timeout,omitempty"` // default: "10s"
	HandleTimeout  string `json:"handle_timeout,omitempty"`  // default: "5s"

	ReadTimeout  string `json:"read_timeout,omitempty"`  // default: "10s"
	WriteTimeout string `json:"write_timeout,omitempty"` // default: "30s"
	IdleTimeout  string `json:"idle_timeout,omitempty"`  // default: "60s"
}

// RenderConfig controls how events are turned into channel lines.
type RenderConfig struct {
	// MaxCommits caps per-commit detail lines on a push. The summary
	// line is always sent.
	MaxCommits int `json:"max_commits,omitempty"` // default: 3
	// AnnounceRuntime appends a line with the Go runtime to ping replies.
	AnnounceRuntime bool `json:"announce_runtime,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	IRC     LoggingIRC  `json:"irc"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingIRC struct {
	Enabled    bool   `json:"enabled"`
	Channel    string `json:"channel"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// OpsConfig controls the optional operational HTTP server
// (/healthz, /metrics, /debug/pprof, /debug/supervisor).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /debug/pprof/profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
	MemProfileRate       int `json:"mem_profile_rate,omitempty"`
}
