package app

import (
	"strconv"
	"strings"
	"time"

	"confessbot/internal/broadcast"
	"confessbot/internal/config"
	"confessbot/internal/storage"
	"confessbot/internal/transport/discord"
	"confessbot/internal/transport/telegram"
	logx "confessbot/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	lc := cfg.Logging
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console,
		JSON:    lc.JSON,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    lc.Alert.Enabled,
			MinLevel:   lc.Alert.MinLevel,
			RatePerSec: lc.Alert.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	out := storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(sc.Driver)),
		Path:        strings.TrimSpace(sc.Path),
		BusyTimeout: busy,
	}
	if r := sc.Redis; r != nil {
		out.RedisAddr = strings.TrimSpace(r.Addr)
		out.RedisPassword = r.Password
		out.RedisDB = r.DB
		out.RedisPrefix = r.Prefix
	}
	return out, nil
}

// broadcastSettings splits the broadcast section into the worker options and
// the two pacing knobs owned by ratelimit.
type broadcastSettings struct {
	Options     broadcast.Options
	MinInterval time.Duration
	GlobalDelay time.Duration
}

func mapBroadcastConfig(cfg *config.Config) broadcastSettings {
	bc := cfg.Broadcast
	conc := bc.Concurrency
	if conc <= 0 {
		conc = config.DefaultConcurrency
	}
	header := bc.Header
	if strings.TrimSpace(header) == "" {
		header = config.DefaultHeader
	}
	return broadcastSettings{
		Options: broadcast.Options{
			Concurrency:  conc,
			ErrorBackoff: config.MustDuration(bc.ErrorBackoff, config.DefaultErrorBackoff),
			SendTimeout:  config.MustDuration(bc.SendTimeout, config.DefaultSendTimeout),
			Header:       header,
		},
		MinInterval: config.MustDuration(bc.PerDestinationInterval, 0),
		GlobalDelay: config.MustDuration(bc.GlobalDelay, config.DefaultGlobalDelay),
	}
}

func mapTelegramConfig(tc *config.TelegramConfig) telegram.Config {
	return telegram.Config{
		Token:       strings.TrimSpace(tc.Token),
		PollTimeout: config.MustDuration(tc.PollTimeout, 10*time.Second),
		RatePerSec:  tc.RatePerSec,
		AlertChatID: tc.AlertChatID,
	}
}

func mapDiscordConfig(dc *config.DiscordConfig) discord.Config {
	return discord.Config{
		Token:      strings.TrimSpace(dc.Token),
		GuildIDs:   dc.GuildIDs,
		RatePerSec: dc.RatePerSec,
	}
}

func telegramOwners(cfg *config.Config) []string {
	if cfg.Telegram == nil {
		return nil
	}
	out := make([]string, 0, len(cfg.Telegram.OwnerUserIDs))
	for _, id := range cfg.Telegram.OwnerUserIDs {
		out = append(out, strconv.FormatInt(id, 10))
	}
	return out
}

func discordOwners(cfg *config.Config) []string {
	if cfg.Discord == nil {
		return nil
	}
	return cfg.Discord.OwnerUserIDs
}

// locationOf returns the admission timezone; maintenance runs on the same clock.
func locationOf(cfg *config.Config) *time.Location {
	if tz := strings.TrimSpace(cfg.Eligibility.Timezone); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			return loc
		}
	}
	return time.UTC
}
