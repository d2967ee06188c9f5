package config

import (
	"sort"
	"strings"

	"neferus/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections plus
// safe structured attrs for logging. Secrets (webhook secret, ops token)
// are only ever reported as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 5)
	attrs := make([]logx.Field, 0, 20)

	// IRC
	if oldCfg.IRC != newCfg.IRC {
		changed = append(changed, "irc")
		attrs = append(attrs,
			logx.String("irc.host", strings.TrimSpace(newCfg.IRC.Host)),
			logx.Int("irc.port", newCfg.IRC.Port),
			logx.Bool("irc.tls", newCfg.IRC.TLS),
			logx.String("irc.nick", strings.TrimSpace(newCfg.IRC.Nick)),
			logx.Int("irc.channel_count", len(newCfg.IRC.ChannelList())),
			logx.String("irc.reconnect_delay", strings.TrimSpace(newCfg.IRC.ReconnectDelay)),
			logx.Int("irc.rate_per_sec", newCfg.IRC.RatePerSec),
			logx.String("irc.reclaim_schedule", strings.TrimSpace(newCfg.IRC.ReclaimSchedule)),
		)
	}

	// Webhook (never log the secret itself)
	if oldCfg.Webhook != newCfg.Webhook {
		changed = append(changed, "webhook")
		attrs = append(attrs,
			logx.String("webhook.socket", strings.TrimSpace(newCfg.Webhook.Socket)),
			logx.String("webhook.host", strings.TrimSpace(newCfg.Webhook.Host)),
			logx.Int("webhook.port", newCfg.Webhook.Port),
			logx.Bool("webhook.path_set", strings.TrimSpace(newCfg.Webhook.Path) != ""),
			logx.Bool("webhook.secret_set", strings.TrimSpace(newCfg.Webhook.Secret) != ""),
			logx.String("webhook.connect_timeout", strings.TrimSpace(newCfg.Webhook.ConnectTimeout)),
			logx.String("webhook.handle_timeout", strings.TrimSpace(newCfg.Webhook.HandleTimeout)),
		)
	}

	// Render
	if oldCfg.Render != newCfg.Render {
		changed = append(changed, "render")
		attrs = append(attrs,
			logx.Int("render.max_commits", newCfg.Render.MaxCommits),
			logx.Bool("render.announce_runtime", newCfg.Render.AnnounceRuntime),
		)
	}

	// Logging
	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.irc_enabled", newCfg.Logging.IRC.Enabled),
			logx.String("logx.irc_channel", strings.TrimSpace(newCfg.Logging.IRC.Channel)),
		)
	}

	// Ops (never log the token itself)
	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.allow_insecure", newCfg.Ops.AllowInsecure),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
