package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity"`
	Location     LocationConfig     `mapstructure:"location"`
	Gateway      GatewayConfig      `mapstructure:"gateway"`
	Cooldown     CooldownConfig     `mapstructure:"cooldown"`
	Sync         SyncConfig         `mapstructure:"sync"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// AuthToken protects /api/v1 when set.
	AuthToken string `mapstructure:"auth_token"`
}

type StorageConfig struct {
	Driver string       `mapstructure:"driver"`
	SQLite SQLiteConfig `mapstructure:"sqlite"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type RemoteConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIToken      string        `mapstructure:"api_token"`
	SigningSecret string        `mapstructure:"signing_secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type ConnectivityConfig struct {
	// Mode is "probe" or "static".
	Mode         string        `mapstructure:"mode"`
	StaticOnline bool          `mapstructure:"static_online"`
	ProbeAddr    string        `mapstructure:"probe_addr"`
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
	CacheTTL     time.Duration `mapstructure:"cache_ttl"`
}

type LocationConfig struct {
	Budget    time.Duration `mapstructure:"budget"`
	Recency   time.Duration `mapstructure:"recency"`
	Simulated bool          `mapstructure:"simulated"`
	NATS      NATSConfig    `mapstructure:"nats"`
	GeoIP     GeoIPConfig   `mapstructure:"geoip"`
}

type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

type GeoIPConfig struct {
	Database string `mapstructure:"database"`
	IP       string `mapstructure:"ip"`
}

type GatewayConfig struct {
	EmergencyBudget time.Duration `mapstructure:"emergency_budget"`
	OfflineFallback bool          `mapstructure:"offline_fallback"`
	AnonymousUser   string        `mapstructure:"anonymous_user"`
}

type CooldownConfig struct {
	Period time.Duration `mapstructure:"period"`
}

type SyncConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	PurgeInterval    time.Duration `mapstructure:"purge_interval"`
	BackoffStep      time.Duration `mapstructure:"backoff_step"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	ManualMaxRetries int           `mapstructure:"manual_max_retries"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var envKeyReplacer = strings.NewReplacer(".", "_")

func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sosrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/sosrelay")
	}

	setDefaults(v)

	v.SetEnvPrefix("SOSRELAY")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.auth_token", "")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite.path", "./data/sosrelay.db")

	v.SetDefault("remote.base_url", "")
	v.SetDefault("remote.api_token", "")
	v.SetDefault("remote.signing_secret", "")
	v.SetDefault("remote.timeout", 10*time.Second)

	v.SetDefault("connectivity.mode", "probe")
	v.SetDefault("connectivity.static_online", true)
	v.SetDefault("connectivity.probe_addr", "")
	v.SetDefault("connectivity.probe_timeout", 2*time.Second)
	v.SetDefault("connectivity.cache_ttl", 15*time.Second)

	v.SetDefault("location.budget", 5*time.Second)
	v.SetDefault("location.recency", 15*time.Minute)
	v.SetDefault("location.simulated", false)
	v.SetDefault("location.nats.url", "")
	v.SetDefault("location.nats.subject", "sosrelay.location")
	v.SetDefault("location.geoip.database", "")
	v.SetDefault("location.geoip.ip", "")

	v.SetDefault("gateway.emergency_budget", 5*time.Second)
	v.SetDefault("gateway.offline_fallback", true)
	v.SetDefault("gateway.anonymous_user", "anonymous")

	v.SetDefault("cooldown.period", 10*time.Minute)

	v.SetDefault("sync.interval", time.Hour)
	v.SetDefault("sync.purge_interval", 6*time.Hour)
	v.SetDefault("sync.backoff_step", 5*time.Minute)
	v.SetDefault("sync.max_attempts", 8)
	v.SetDefault("sync.manual_max_retries", 3)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	durations := []struct {
		key string
		d   time.Duration
	}{
		{"server.read_timeout", c.Server.ReadTimeout},
		{"server.write_timeout", c.Server.WriteTimeout},
		{"remote.timeout", c.Remote.Timeout},
		{"connectivity.probe_timeout", c.Connectivity.ProbeTimeout},
		{"connectivity.cache_ttl", c.Connectivity.CacheTTL},
		{"location.budget", c.Location.Budget},
		{"location.recency", c.Location.Recency},
		{"gateway.emergency_budget", c.Gateway.EmergencyBudget},
		{"cooldown.period", c.Cooldown.Period},
		{"sync.interval", c.Sync.Interval},
		{"sync.purge_interval", c.Sync.PurgeInterval},
		{"sync.backoff_step", c.Sync.BackoffStep},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.key, d.d)
		}
	}

	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1, got %d", c.Sync.MaxAttempts)
	}
	if c.Sync.ManualMaxRetries < 0 {
		return fmt.Errorf("sync.manual_max_retries must not be negative, got %d", c.Sync.ManualMaxRetries)
	}

	switch c.Connectivity.Mode {
	case "static", "probe":
	default:
		return fmt.Errorf("unknown connectivity.mode %q", c.Connectivity.Mode)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}
