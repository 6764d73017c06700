package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"werewolf-session/internal/session"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "WEREWOLF"

type AppConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`

	Remote     RemoteConfig     `mapstructure:"remote"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Connection ConnectionConfig `mapstructure:"connection"`
	Backup     BackupConfig     `mapstructure:"backup"`
	Phase      PhaseConfig      `mapstructure:"phase"`
	Service    ServiceConfig    `mapstructure:"service"`
}

type RemoteConfig struct {
	// memory | postgres
	Driver  string `mapstructure:"driver"`
	DSN     string `mapstructure:"dsn"`
	Channel string `mapstructure:"channel"`
}

type StorageConfig struct {
	// memory | sqlite
	Driver string `mapstructure:"driver"`
	Path   string `mapstructure:"path"`
}

type ConnectionConfig struct {
	HeartbeatInterval    time.Duration `mapstructure:"heartbeat_interval"`
	ReconnectBase        time.Duration `mapstructure:"reconnect_base"`
	ReconnectCap         time.Duration `mapstructure:"reconnect_cap"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	PresenceTimeout      time.Duration `mapstructure:"presence_timeout"`
	ExcellentLatency     time.Duration `mapstructure:"excellent_latency"`
	GoodLatency          time.Duration `mapstructure:"good_latency"`
}

type BackupConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	Freshness time.Duration `mapstructure:"freshness"`
	Retain    int           `mapstructure:"retain"`
	MaxAge    time.Duration `mapstructure:"max_age"`
	Audit     bool          `mapstructure:"audit"`
}

type PhaseConfig struct {
	MinPlayers  int           `mapstructure:"min_players"`
	QuietPeriod time.Duration `mapstructure:"quiet_period"`
	Countdown   time.Duration `mapstructure:"countdown"`
}

type ServiceConfig struct {
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

var cfg *AppConfig

func GetConfig() *AppConfig {
	if cfg == nil {
		cfg = InitConfig()
	}

	return cfg
}

// InitConfig reads defaults, then app_config.json if present, then WEREWOLF_*
// environment variables (a .env file is loaded first). Invalid settings
// abort start-up.
func InitConfig() *AppConfig {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		panic(fmt.Errorf("failed to load .env: %w", err))
	}

	config, err := Load(newViper())
	if err != nil {
		panic(err)
	}
	return config
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetConfigName("app_config")
	v.SetConfigType("json")
	v.AddConfigPath(".")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return v
}

func setDefaults(v *viper.Viper) {
	d := session.DefaultConfig()

	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")

	v.SetDefault("remote.driver", "memory")
	v.SetDefault("remote.dsn", "")
	v.SetDefault("remote.channel", "werewolf_changes")

	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.path", "werewolf-session.db")

	v.SetDefault("connection.heartbeat_interval", d.HeartbeatInterval)
	v.SetDefault("connection.reconnect_base", d.ReconnectBase)
	v.SetDefault("connection.reconnect_cap", d.ReconnectCap)
	v.SetDefault("connection.max_reconnect_attempts", d.MaxReconnectAttempts)
	v.SetDefault("connection.presence_timeout", d.PresenceTimeout)
	v.SetDefault("connection.excellent_latency", d.ExcellentLatency)
	v.SetDefault("connection.good_latency", d.GoodLatency)

	v.SetDefault("backup.interval", d.BackupInterval)
	v.SetDefault("backup.freshness", d.BackupFreshness)
	v.SetDefault("backup.retain", d.BackupRetain)
	v.SetDefault("backup.max_age", d.BackupMaxAge)
	v.SetDefault("backup.audit", d.BackupAudit)

	v.SetDefault("phase.min_players", d.MinPlayers)
	v.SetDefault("phase.quiet_period", d.QuietPeriod)
	v.SetDefault("phase.countdown", d.Countdown)

	v.SetDefault("service.cleanup_interval", time.Minute)
}

// Load reads v into an AppConfig. A missing config file is not an error.
func Load(v *viper.Viper) (*AppConfig, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config AppConfig

	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *AppConfig) Validate() error {
	switch c.Remote.Driver {
	case "memory":
	case "postgres":
		if c.Remote.DSN == "" {
			return errors.New("remote.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown remote.driver %q", c.Remote.Driver)
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Connection.ReconnectBase <= 0 || c.Connection.ReconnectCap < c.Connection.ReconnectBase {
		return errors.New("connection.reconnect_base must be positive and not above reconnect_cap")
	}
	if c.Connection.MaxReconnectAttempts < 0 {
		return errors.New("connection.max_reconnect_attempts must not be negative")
	}
	if c.Connection.PresenceTimeout <= 0 {
		return errors.New("connection.presence_timeout must be positive")
	}
	if c.Backup.Freshness <= 0 {
		return errors.New("backup.freshness must be positive")
	}
	if c.Phase.Countdown <= 0 || c.Phase.QuietPeriod < 0 {
		return errors.New("phase.countdown must be positive and phase.quiet_period not negative")
	}
	if c.Service.CleanupInterval <= 0 {
		return errors.New("service.cleanup_interval must be positive")
	}

	return nil
}

// SessionConfig is the per-session slice of the configuration.
func (c *AppConfig) SessionConfig() session.Config {
	return session.Config{
		HeartbeatInterval:    c.Connection.HeartbeatInterval,
		ReconnectBase:        c.Connection.ReconnectBase,
		ReconnectCap:         c.Connection.ReconnectCap,
		MaxReconnectAttempts: c.Connection.MaxReconnectAttempts,
		PresenceTimeout:      c.Connection.PresenceTimeout,
		ExcellentLatency:     c.Connection.ExcellentLatency,
		GoodLatency:          c.Connection.GoodLatency,

		BackupInterval:  c.Backup.Interval,
		BackupFreshness: c.Backup.Freshness,
		BackupRetain:    c.Backup.Retain,
		BackupMaxAge:    c.Backup.MaxAge,
		BackupAudit:     c.Backup.Audit,

		MinPlayers:  c.Phase.MinPlayers,
		QuietPeriod: c.Phase.QuietPeriod,
		Countdown:   c.Phase.Countdown,
	}
}
