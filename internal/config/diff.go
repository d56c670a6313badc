package config

import (
	"encoding/json"
	"reflect"
	"strings"

	logx "confessbot/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured fields for logging. Secrets (tokens, passwords) are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.alert_enabled", newCfg.Logging.Alert.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Eligibility, newCfg.Eligibility) {
		e := newCfg.Eligibility
		changed = append(changed, "eligibility")
		attrs = append(attrs,
			logx.String("eligibility.cooldown", strings.TrimSpace(e.Cooldown)),
			logx.Int("eligibility.daily_quota", e.DailyQuota),
			logx.String("eligibility.profile", e.Profile),
			logx.Int("eligibility.banned_words", len(e.BannedWords)),
			logx.Int("eligibility.origin_overrides", len(e.Origins)),
		)
	}

	if oldCfg.Broadcast != newCfg.Broadcast {
		b := newCfg.Broadcast
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.String("broadcast.global_delay", b.GlobalDelay),
			logx.String("broadcast.per_destination_interval", b.PerDestinationInterval),
			logx.Int("broadcast.concurrency", b.Concurrency),
		)
	}

	if storageKey(oldCfg.Storage) != storageKey(newCfg.Storage) {
		// Storage cannot be swapped at runtime; surface it so operators restart.
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver), logx.Bool("storage.restart_required", true))
	}

	if platformKey(oldCfg) != platformKey(newCfg) {
		changed = append(changed, "platforms")
		attrs = append(attrs,
			logx.Bool("telegram.enabled", newCfg.Telegram != nil && newCfg.Telegram.Enabled),
			logx.Bool("discord.enabled", newCfg.Discord != nil && newCfg.Discord.Enabled),
		)
	}

	if oldCfg.Ops != newCfg.Ops {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", newCfg.Ops.Addr),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.metrics", newCfg.Ops.Metrics),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs,
			logx.String("maintenance.schedule", newCfg.Maintenance.Schedule),
			logx.String("maintenance.retention", newCfg.Maintenance.Retention),
		)
	}

	return changed, attrs
}

func storageKey(s StorageConfig) string {
	k := strings.ToLower(strings.TrimSpace(s.Driver)) + "|" + strings.TrimSpace(s.Path) + "|" + s.BusyTimeout
	if s.Redis != nil {
		k += "|" + s.Redis.Addr + "|" + s.Redis.Prefix
	}
	return k
}

// platformKey ignores tokens so rotating a secret is not logged as a value change.
func platformKey(c *Config) string {
	var tg *TelegramConfig
	if c.Telegram != nil {
		cp := *c.Telegram
		cp.Token = ""
		tg = &cp
	}
	var dc *DiscordConfig
	if c.Discord != nil {
		cp := *c.Discord
		cp.Token = ""
		dc = &cp
	}
	b, _ := json.Marshal(struct {
		T *TelegramConfig
		D *DiscordConfig
	}{tg, dc})
	return string(b)
}
