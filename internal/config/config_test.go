package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleYAML = `
logging:
  level: debug
  console: true
eligibility:
  cooldown: 15s
  daily_quota: 3
  banned_words: [badword]
  origins:
    "discord:42":
      cooldown: 30s
broadcast:
  global_delay: 5s
  concurrency: 10
storage:
  driver: memory
telegram:
  enabled: true
maintenance:
  schedule: "@every 1h"
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestLoadYAMLWithEnvToken(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	m.getenv = func(k string) string {
		if k == EnvTelegramToken {
			return "123:abc"
		}
		return ""
	}
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram == nil || cfg.Telegram.Token != "123:abc" {
		t.Fatalf("telegram token not applied from env: %+v", cfg.Telegram)
	}
	if got := cfg.Eligibility.Origins["discord:42"].Cooldown; got != "30s" {
		t.Fatalf("origin cooldown=%q", got)
	}
	if m.Get() != cfg {
		t.Fatalf("Load must commit the parsed config")
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(writeFile(t, "config.json", `{"storage":{"driver":"memory"},"bogus":1}`))
	if _, err := m.Parse(); err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestParseSniffsJSONWithoutExtension(t *testing.T) {
	t.Parallel()

	m := NewConfigManager(writeFile(t, "config", `{"storage":{"driver":"memory"}}`))
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("driver=%q", cfg.Storage.Driver)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{name: "minimal", cfg: Config{Storage: StorageConfig{Driver: "memory"}}},
		{name: "unknown driver", cfg: Config{Storage: StorageConfig{Driver: "mongo"}}, wantErr: "storage.driver"},
		{name: "sqlite needs path", cfg: Config{Storage: StorageConfig{Driver: "sqlite"}}, wantErr: "storage.path"},
		{name: "redis needs addr", cfg: Config{Storage: StorageConfig{Driver: "redis"}}, wantErr: "storage.redis.addr"},
		{
			name:    "bad cooldown",
			cfg:     Config{Storage: StorageConfig{Driver: "memory"}, Eligibility: EligibilityConfig{Cooldown: "soon"}},
			wantErr: "eligibility.cooldown",
		},
		{
			name:    "bad cron",
			cfg:     Config{Storage: StorageConfig{Driver: "memory"}, Maintenance: MaintenanceConfig{Schedule: "every day"}},
			wantErr: "maintenance.schedule",
		},
		{
			name:    "public ops without token",
			cfg:     Config{Storage: StorageConfig{Driver: "memory"}, Ops: OpsConfig{Enabled: true, Addr: "0.0.0.0:9090"}},
			wantErr: "not loopback",
		},
		{
			name: "public ops with token",
			cfg:  Config{Storage: StorageConfig{Driver: "memory"}, Ops: OpsConfig{Enabled: true, Addr: "0.0.0.0:9090", Token: "s"}},
		},
		{
			name:    "telegram enabled without token",
			cfg:     Config{Storage: StorageConfig{Driver: "memory"}, Telegram: &TelegramConfig{Enabled: true}},
			wantErr: "telegram.token",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			err := Validate(&tc.cfg)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("err=%v want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestSummarizeConfigChangeHidesTokens(t *testing.T) {
	t.Parallel()

	oldCfg := &Config{Telegram: &TelegramConfig{Enabled: true, Token: "a"}}
	newCfg := &Config{Telegram: &TelegramConfig{Enabled: true, Token: "b"}, Broadcast: BroadcastConfig{GlobalDelay: "10s"}}

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	if len(changed) != 1 || changed[0] != "broadcast" {
		t.Fatalf("changed=%v want [broadcast]", changed)
	}
}
