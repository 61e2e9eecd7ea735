package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
bot:
  token: "123:abc"
  storage_channel: -1001234
  admins: [1, 2]
database:
  driver: sqlite
  path: ./data/test.db
delivery:
  file_delete_time: 30m
  message_delete_time: 1m
schedule:
  sweep_interval: 5s
logging:
  level: debug
  file: ./logs/test.log
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath, true, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name     string
		got      interface{}
		expected interface{}
	}{
		{"bot.token", cfg.Bot.Token, "123:abc"},
		{"bot.storage_channel", cfg.Bot.StorageChannel, int64(-1001234)},
		{"bot.admins", len(cfg.Bot.Admins), 2},
		{"bot.scratch_chat falls back to storage", cfg.Bot.ScratchChat, int64(-1001234)},
		{"bot.poll_timeout", cfg.Bot.PollTimeout, 10 * time.Second},
		{"database.path", cfg.Database.Path, "./data/test.db"},
		{"delivery.file_delete_time", cfg.Delivery.FileDeleteTime, 30 * time.Minute},
		{"delivery.message_delete_time", cfg.Delivery.MessageDeleteTime, time.Minute},
		{"delivery.item_pause", cfg.Delivery.ItemPause, time.Second},
		{"delivery.caption_limit", cfg.Delivery.CaptionLimit, 1000},
		{"schedule.sweep_interval", cfg.Schedule.SweepInterval, 5 * time.Second},
		{"schedule.workers", cfg.Schedule.Workers, 16},
		{"gate.invite_cache_ttl", cfg.Gate.InviteCacheTTL, time.Hour},
		{"http.addr", cfg.HTTP.Addr, ":8000"},
		{"logging.level", cfg.Logging.Level, "debug"},
		{"logging.file", cfg.Logging.File, "./logs/test.log"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.expected {
				t.Errorf("got %v, want %v", tt.got, tt.expected)
			}
		})
	}

	t.Run("non-existent file", func(t *testing.T) {
		if _, err := Load(filepath.Join(tmpDir, "missing.yaml"), true, nil); err == nil {
			t.Error("expected error for non-existent file")
		}
	})
}

func TestLoadEnvAndFlags(t *testing.T) {
	t.Setenv("FILELINK_BOT_TOKEN", "")
	t.Setenv("BOT_TOKEN", "env-token")
	t.Setenv("FILELINK_SCHEDULE_WORKERS", "4")
	t.Setenv("FILELINK_BOT_STORAGE_CHANNEL", "-1009")
	t.Setenv("FILELINK_DELIVERY_MESSAGE_DELETE_TIME", "90")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	Flags(fs)
	if err := fs.Parse([]string{"--http.addr", ":9000"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), false, fs)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Bot.Token != "env-token" {
		t.Errorf("token = %q, want BOT_TOKEN fallback", cfg.Bot.Token)
	}
	if cfg.Schedule.Workers != 4 {
		t.Errorf("workers = %d, want 4", cfg.Schedule.Workers)
	}
	if cfg.HTTP.Addr != ":9000" {
		t.Errorf("http.addr = %q, want :9000", cfg.HTTP.Addr)
	}
	if cfg.Bot.ScratchChat != -1009 {
		t.Errorf("scratch_chat = %d, want storage channel -1009", cfg.Bot.ScratchChat)
	}
	if cfg.Delivery.MessageDeleteTime != 90*time.Second {
		t.Errorf("message_delete_time = %v, want 90s", cfg.Delivery.MessageDeleteTime)
	}
	if cfg.Database.Driver != DriverSQLite {
		t.Errorf("driver = %q, want sqlite", cfg.Database.Driver)
	}
}

func TestLoadBareSecondsAndScratchChat(t *testing.T) {
	t.Setenv("FILELINK_BOT_TOKEN", "t")
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	configContent := `
bot:
  storage_channel: -1005
  scratch_chat: -1007
delivery:
  file_delete_time: 600
  message_delete_time: 1.5
schedule:
  sweep_interval: 30
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath, true, nil)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Delivery.FileDeleteTime != 10*time.Minute {
		t.Errorf("file_delete_time = %v, want 10m", cfg.Delivery.FileDeleteTime)
	}
	if cfg.Delivery.MessageDeleteTime != 1500*time.Millisecond {
		t.Errorf("message_delete_time = %v, want 1.5s", cfg.Delivery.MessageDeleteTime)
	}
	if cfg.Schedule.SweepInterval != 30*time.Second {
		t.Errorf("sweep_interval = %v, want 30s", cfg.Schedule.SweepInterval)
	}
	if cfg.Bot.ScratchChat != -1007 {
		t.Errorf("scratch_chat = %d, want explicit -1007", cfg.Bot.ScratchChat)
	}
}

func TestLoadRequiresScratchChat(t *testing.T) {
	t.Setenv("FILELINK_BOT_TOKEN", "t")
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), false, nil); err == nil {
		t.Error("Load() without storage_channel or scratch_chat succeeded")
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		c := &Config{}
		c.Bot.Token = "t"
		c.Bot.ScratchChat = -100
		c.Database.Driver = DriverSQLite
		c.Database.Path = "x.db"
		c.Schedule.SweepInterval = 10 * time.Second
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"no token", func(c *Config) { c.Bot.Token = "" }, true},
		{"no scratch chat", func(c *Config) { c.Bot.ScratchChat = 0 }, true},
		{"mongo without uri", func(c *Config) { c.Database.Driver = DriverMongo }, true},
		{"mongo with uri", func(c *Config) { c.Database.Driver = DriverMongo; c.Database.MongoURI = "mongodb://localhost" }, false},
		{"unknown driver", func(c *Config) { c.Database.Driver = "redis" }, true},
		{"negative delay", func(c *Config) { c.Delivery.FileDeleteTime = -time.Second }, true},
		{"sub-second delay", func(c *Config) { c.Delivery.FileDeleteTime = 600 }, true},
		{"sub-second sweep", func(c *Config) { c.Schedule.SweepInterval = time.Millisecond }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			if err := c.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
