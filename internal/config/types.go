package config

// Config is the whole process configuration. A committed *Config is never
// mutated; reloads replace it wholesale.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Eligibility EligibilityConfig `json:"eligibility"`
	Broadcast   BroadcastConfig   `json:"broadcast"`
	Storage     StorageConfig     `json:"storage"`

	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Discord  *DiscordConfig  `json:"discord,omitempty"`

	Ops         OpsConfig         `json:"ops,omitempty"`
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

// EligibilityConfig controls admission.
//
// Defaults (when fields are omitted/zero):
//   - cooldown: "15s"
//   - daily_quota: 3
//   - timezone: "UTC"
//   - profile: "collapse"
//   - max_length: 1500
//   - caps_ratio: 0.7 (applied when length > caps_min_length, default 15)
//   - max_mentions: 5
type EligibilityConfig struct {
	Cooldown      string   `json:"cooldown,omitempty"`
	DailyQuota    int      `json:"daily_quota,omitempty"`
	Timezone      string   `json:"timezone,omitempty"`
	Profile       string   `json:"profile,omitempty"`
	MaxLength     int      `json:"max_length,omitempty"`
	CapsRatio     float64  `json:"caps_ratio,omitempty"`
	CapsMinLength int      `json:"caps_min_length,omitempty"`
	MaxMentions   int      `json:"max_mentions,omitempty"`
	BannedWords   []string `json:"banned_words,omitempty"`

	// Origins holds per-origin overrides keyed by origin id
	// (e.g. "discord:1234" or "telegram:-100987").
	Origins map[string]OriginConfig `json:"origins,omitempty"`
}

// OriginConfig overrides eligibility knobs for one origin. Zero values inherit.
type OriginConfig struct {
	Cooldown    string   `json:"cooldown,omitempty"`
	DailyQuota  int      `json:"daily_quota,omitempty"`
	AllowLinks  bool     `json:"allow_links,omitempty"`
	ExtraBanned []string `json:"extra_banned,omitempty"`
}

// BroadcastConfig controls the fan-out worker.
//
// Defaults:
//   - global_delay: "5s" (the persisted /setdelay value wins when set)
//   - per_destination_interval: "0s" (disabled)
//   - concurrency: 10
//   - error_backoff: "5s"
//   - send_timeout: "20s"
//   - header: "Anonymous Confession #{id}"
type BroadcastConfig struct {
	GlobalDelay            string `json:"global_delay,omitempty"`
	PerDestinationInterval string `json:"per_destination_interval,omitempty"`
	Concurrency            int    `json:"concurrency,omitempty"`
	ErrorBackoff           string `json:"error_backoff,omitempty"`
	SendTimeout            string `json:"send_timeout,omitempty"`
	Header                 string `json:"header,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/confessbot.db" }
type StorageConfig struct {
	Driver      string       `json:"driver"`
	Path        string       `json:"path,omitempty"`
	BusyTimeout string       `json:"busy_timeout,omitempty"` // sqlite
	Redis       *RedisConfig `json:"redis,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"` // prefer CONFESSBOT_REDIS_PASSWORD
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"` // default: "confess:"
}

type TelegramConfig struct {
	Enabled      bool    `json:"enabled"`
	Token        string  `json:"token,omitempty"` // prefer CONFESSBOT_TELEGRAM_TOKEN
	OwnerUserIDs []int64 `json:"owner_user_ids,omitempty"`
	// AlertChatID receives warn+ log lines when logging.alert is enabled.
	AlertChatID int64 `json:"alert_chat_id,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// RatePerSec bounds outbound sends across all chats (default 25).
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

type DiscordConfig struct {
	Enabled      bool     `json:"enabled"`
	Token        string   `json:"token,omitempty"` // prefer CONFESSBOT_DISCORD_TOKEN
	OwnerUserIDs []string `json:"owner_user_ids,omitempty"`
	// GuildIDs limits slash command registration; empty registers globally.
	GuildIDs   []string `json:"guild_ids,omitempty"`
	RatePerSec int      `json:"rate_per_sec,omitempty"` // default 40
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	JSON    bool         `json:"json,omitempty"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// OpsConfig controls the ops HTTP listener (healthz, metrics, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9090").
//   - A non-loopback address requires a token or allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default: "127.0.0.1:9090"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Metrics       bool   `json:"metrics,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// MaintenanceConfig schedules pruning of expired bookkeeping rows.
type MaintenanceConfig struct {
	// Schedule is a cron expression with optional seconds or a descriptor
	// such as "@every 1h". Empty disables maintenance.
	Schedule  string `json:"schedule,omitempty"`
	Retention string `json:"retention,omitempty"` // default: "72h"
	Timeout   string `json:"timeout,omitempty"`   // default: "30s"
}
