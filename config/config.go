package config

import (
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Bot struct {
		Token          string
		StorageChannel int64 `mapstructure:"storage_channel"`
		ScratchChat    int64 `mapstructure:"scratch_chat"`
		Admins         []int64
		PollTimeout    time.Duration `mapstructure:"poll_timeout"`
	}
	Database struct {
		Driver        string
		Path          string
		MongoURI      string `mapstructure:"mongo_uri"`
		MongoDatabase string `mapstructure:"mongo_database"`
	}
	Delivery struct {
		ItemPause         time.Duration `mapstructure:"item_pause"`
		CaptionLimit      int           `mapstructure:"caption_limit"`
		FileDeleteTime    time.Duration `mapstructure:"file_delete_time"`
		MessageDeleteTime time.Duration `mapstructure:"message_delete_time"`
	}
	Schedule struct {
		SweepInterval time.Duration `mapstructure:"sweep_interval"`
		ClaimTTL      time.Duration `mapstructure:"claim_ttl"`
		DispatchDelay time.Duration `mapstructure:"dispatch_delay"`
		Workers       int
	}
	Gate struct {
		InviteCacheSize int           `mapstructure:"invite_cache_size"`
		InviteCacheTTL  time.Duration `mapstructure:"invite_cache_ttl"`
	}
	HTTP struct {
		Addr string
	}
	Logging Logging
}

const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("bot.storage_channel", int64(0))
	v.SetDefault("bot.scratch_chat", int64(0))
	v.SetDefault("bot.poll_timeout", 10*time.Second)
	v.SetDefault("database.driver", DriverSQLite)
	v.SetDefault("database.path", "filelink.db")
	v.SetDefault("database.mongo_database", "filelink")
	v.SetDefault("delivery.item_pause", time.Second)
	v.SetDefault("delivery.caption_limit", 1000)
	v.SetDefault("delivery.file_delete_time", time.Duration(0))
	v.SetDefault("delivery.message_delete_time", time.Duration(0))
	v.SetDefault("schedule.sweep_interval", 10*time.Second)
	v.SetDefault("schedule.claim_ttl", time.Minute)
	v.SetDefault("schedule.dispatch_delay", time.Duration(0))
	v.SetDefault("schedule.workers", 16)
	v.SetDefault("gate.invite_cache_size", 256)
	v.SetDefault("gate.invite_cache_ttl", time.Hour)
	v.SetDefault("http.addr", ":8000")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", "")
}

// Flags registers the command line flags Load understands.
func Flags(fs *pflag.FlagSet) {
	fs.String("config", "config.yaml", "path to config file")
	fs.String("bot.token", "", "bot API token")
	fs.String("database.driver", DriverSQLite, "storage backend: sqlite or mongo")
	fs.String("database.path", "filelink.db", "sqlite database path")
	fs.String("http.addr", ":8000", "status and metrics listen address")
	fs.String("logging.level", "info", "log level: debug or info")
}

// Load reads the YAML file at path, then FILELINK_ environment variables,
// then any flags that were set explicitly. A missing file is only an error
// when required is true.
func Load(path string, required bool, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("FILELINK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, errors.Wrap(err, "bind flags")
		}
	}

	if path != "" {
		_, err := os.Stat(path)
		switch {
		case err == nil:
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, errors.Wrapf(err, "read config %s", path)
			}
		case os.IsNotExist(err) && !required:
		default:
			return nil, errors.Wrapf(err, "config %s", path)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}

	// Source captions are read through a forward; the storage channel
	// serves when no dedicated scratch chat is set.
	if cfg.Bot.ScratchChat == 0 {
		cfg.Bot.ScratchChat = cfg.Bot.StorageChannel
	}

	// Same fallback the bot always had.
	if cfg.Bot.Token == "" {
		cfg.Bot.Token = os.Getenv("BOT_TOKEN")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// secondsHook decodes bare numbers into durations as seconds, so
// "file_delete_time: 600" means ten minutes.
func secondsHook() mapstructure.DecodeHookFuncType {
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != durationType || from == durationType {
			return data, nil
		}
		v := reflect.ValueOf(data)
		switch from.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return time.Duration(v.Int()) * time.Second, nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return time.Duration(v.Uint()) * time.Second, nil
		case reflect.Float32, reflect.Float64:
			return time.Duration(v.Float() * float64(time.Second)), nil
		case reflect.String:
			if n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64); err == nil {
				return time.Duration(n) * time.Second, nil
			}
		}
		return data, nil
	}
}

func (c *Config) Validate() error {
	if c.Bot.Token == "" {
		return errors.New("bot token is not set (bot.token, FILELINK_BOT_TOKEN or BOT_TOKEN)")
	}
	if c.Bot.ScratchChat == 0 {
		return errors.New("bot.scratch_chat or bot.storage_channel is required to read source captions")
	}
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.Path == "" {
			return errors.New("database.path is required for sqlite")
		}
	case DriverMongo:
		if c.Database.MongoURI == "" {
			return errors.New("database.mongo_uri is required for mongo")
		}
	default:
		return errors.Errorf("unknown database driver %q", c.Database.Driver)
	}
	for name, d := range map[string]time.Duration{
		"delivery.file_delete_time":    c.Delivery.FileDeleteTime,
		"delivery.message_delete_time": c.Delivery.MessageDeleteTime,
	} {
		if d < 0 {
			return errors.Errorf("%s must not be negative", name)
		}
		// Delays are persisted in whole seconds.
		if d > 0 && d < time.Second {
			return errors.Errorf("%s of %s is below one second", name, d)
		}
	}
	if c.Schedule.SweepInterval < time.Second {
		return errors.New("schedule.sweep_interval must be at least 1s")
	}
	return nil
}
