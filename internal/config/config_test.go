package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Bot.Name != "skybot" || cfg.Bot.Workers != 4 {
		t.Errorf("unexpected bot defaults %+v", cfg.Bot)
	}
	if !cfg.Bot.Comments || !cfg.Bot.Submissions {
		t.Error("both kinds should be enabled by default")
	}
	if cfg.Bot.RestartBackoff() != 10*time.Minute {
		t.Errorf("expected 10m restart backoff, got %v", cfg.Bot.RestartBackoff())
	}
	if cfg.Ledger.Backend != LedgerPostgres || cfg.Ledger.TTL() != 72*time.Hour {
		t.Errorf("unexpected ledger defaults %+v", cfg.Ledger)
	}
	if cfg.Server.Addr() != "0.0.0.0:8080" {
		t.Errorf("unexpected server addr %q", cfg.Server.Addr())
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
bot:
  name: linkbot
  workers: 8
  submissions: false
jetstream:
  channels:
    - did:plc:alice
    - did:plc:bob
ledger:
  backend: Redis
database:
  dbname: fromfile
`)
	t.Setenv("BOT_WORKERS", "2")
	t.Setenv("DB_NAME", "fromenv")
	t.Setenv("BLUESKY_HANDLE", "bot.test")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Bot.Name != "linkbot" {
		t.Errorf("expected name from file, got %q", cfg.Bot.Name)
	}
	if cfg.Bot.Workers != 2 {
		t.Errorf("expected env to override workers, got %d", cfg.Bot.Workers)
	}
	if cfg.Bot.Submissions || !cfg.Bot.Comments {
		t.Errorf("unexpected kinds comments=%v submissions=%v", cfg.Bot.Comments, cfg.Bot.Submissions)
	}
	if len(cfg.Jetstream.Channels) != 2 || cfg.Jetstream.Channels[1] != "did:plc:bob" {
		t.Errorf("unexpected channels %v", cfg.Jetstream.Channels)
	}
	if cfg.Ledger.Backend != LedgerRedis {
		t.Errorf("expected backend normalized to redis, got %q", cfg.Ledger.Backend)
	}
	if cfg.Database.DBName != "fromenv" {
		t.Errorf("expected DB_NAME to win, got %q", cfg.Database.DBName)
	}
	if cfg.Bluesky.Handle != "bot.test" {
		t.Errorf("unexpected handle %q", cfg.Bluesky.Handle)
	}
}

func TestChannelsFromEnv(t *testing.T) {
	t.Setenv("JETSTREAM_CHANNELS", "did:plc:a, did:plc:b,,")

	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(cfg.Jetstream.Channels) != 2 || cfg.Jetstream.Channels[0] != "did:plc:a" {
		t.Errorf("unexpected channels %v", cfg.Jetstream.Channels)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Bot:     BotConfig{Name: "skybot", Workers: 1, Comments: true},
			Bluesky: BlueskyConfig{Handle: "bot.test", Password: "pw"},
			Ledger:  LedgerConfig{Backend: LedgerNone},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"zero workers", func(c *Config) { c.Bot.Workers = 0 }, true},
		{"negative workers", func(c *Config) { c.Bot.Workers = -3 }, true},
		{"no kinds", func(c *Config) { c.Bot.Comments = false }, true},
		{"no name", func(c *Config) { c.Bot.Name = "" }, true},
		{"no password", func(c *Config) { c.Bluesky.Password = "" }, true},
		{"bad ledger", func(c *Config) { c.Ledger.Backend = "sqlite" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConnStringSafeOmitsPassword(t *testing.T) {
	db := DatabaseConfig{Host: "h", Port: 5432, User: "u", Password: "secret", DBName: "d", SSLMode: "disable"}
	if got := db.DatabaseConnStringSafe(); got != "host=h port=5432 user=u dbname=d sslmode=disable" {
		t.Errorf("unexpected safe conn string %q", got)
	}
	if got := db.DatabaseConnString(); got == db.DatabaseConnStringSafe() {
		t.Error("conn string should include the password")
	}
}
