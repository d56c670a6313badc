package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Defaults applied by the app when a field is omitted.
const (
	DefaultCooldown           = 15 * time.Second
	DefaultDailyQuota         = 3
	DefaultMaxLength          = 1500
	DefaultCapsRatio          = 0.7
	DefaultCapsMinLength      = 15
	DefaultMaxMentions        = 5
	DefaultGlobalDelay        = 5 * time.Second
	DefaultConcurrency        = 10
	DefaultErrorBackoff       = 5 * time.Second
	DefaultSendTimeout        = 20 * time.Second
	DefaultHeader             = "Anonymous Confession #{id}"
	DefaultRetention          = 72 * time.Hour
	DefaultMaintenanceTimeout = 30 * time.Second
	DefaultOpsAddr            = "127.0.0.1:9090"
)

// CronParser accepts an optional seconds field and descriptors like "@every 1h".
var CronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Validate checks a parsed config. All problems are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		check(err)
	}

	e := cfg.Eligibility
	dur("eligibility.cooldown", e.Cooldown)
	if e.DailyQuota < 0 {
		check(errors.New("eligibility.daily_quota must be >= 0"))
	}
	if tz := strings.TrimSpace(e.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			check(fmt.Errorf("eligibility.timezone: %w", err))
		}
	}
	switch strings.ToLower(strings.TrimSpace(e.Profile)) {
	case "", "collapse", "strip":
	default:
		check(fmt.Errorf("eligibility.profile: unknown profile %q", e.Profile))
	}
	if e.CapsRatio < 0 || e.CapsRatio > 1 {
		check(errors.New("eligibility.caps_ratio must be within [0,1]"))
	}
	for id, o := range e.Origins {
		dur("eligibility.origins."+id+".cooldown", o.Cooldown)
		if o.DailyQuota < 0 {
			check(fmt.Errorf("eligibility.origins.%s.daily_quota must be >= 0", id))
		}
	}

	b := cfg.Broadcast
	dur("broadcast.global_delay", b.GlobalDelay)
	dur("broadcast.per_destination_interval", b.PerDestinationInterval)
	dur("broadcast.error_backoff", b.ErrorBackoff)
	dur("broadcast.send_timeout", b.SendTimeout)
	if b.Concurrency < 0 {
		check(errors.New("broadcast.concurrency must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "memory":
	case "sqlite", "sqlite3":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			check(errors.New("storage.path is required for sqlite"))
		}
		dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	case "redis":
		if cfg.Storage.Redis == nil || strings.TrimSpace(cfg.Storage.Redis.Addr) == "" {
			check(errors.New("storage.redis.addr is required for redis"))
		}
	default:
		check(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	if tg := cfg.Telegram; tg != nil && tg.Enabled {
		if strings.TrimSpace(tg.Token) == "" {
			check(errors.New("telegram.token is required (or " + EnvTelegramToken + ")"))
		}
		dur("telegram.poll_timeout", tg.PollTimeout)
	}
	if dc := cfg.Discord; dc != nil && dc.Enabled {
		if strings.TrimSpace(dc.Token) == "" {
			check(errors.New("discord.token is required (or " + EnvDiscordToken + ")"))
		}
	}

	if cfg.Ops.Enabled {
		dur("ops.read_timeout", cfg.Ops.ReadTimeout)
		dur("ops.write_timeout", cfg.Ops.WriteTimeout)
		dur("ops.idle_timeout", cfg.Ops.IdleTimeout)
		addr := strings.TrimSpace(cfg.Ops.Addr)
		if addr == "" {
			addr = DefaultOpsAddr
		}
		if !IsLoopbackAddr(addr) && strings.TrimSpace(cfg.Ops.Token) == "" && !cfg.Ops.AllowInsecure {
			check(fmt.Errorf("ops.addr %q is not loopback; set ops.token or ops.allow_insecure", addr))
		}
	}

	if s := strings.TrimSpace(cfg.Maintenance.Schedule); s != "" {
		if _, err := CronParser.Parse(s); err != nil {
			check(fmt.Errorf("maintenance.schedule: %w", err))
		}
	}
	dur("maintenance.retention", cfg.Maintenance.Retention)
	dur("maintenance.timeout", cfg.Maintenance.Timeout)

	return errors.Join(errs...)
}

// IsLoopbackAddr reports whether a listen address binds only to loopback.
func IsLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
