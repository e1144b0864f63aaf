package config

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Log       LogConfig       `koanf:"log"`
	Auth      AuthConfig      `koanf:"auth"`
	Access    AccessConfig    `koanf:"access"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Notify    NotifyConfig    `koanf:"notify"`
	Metrics   MetricsConfig   `koanf:"metrics"`
	Cron      CronConfig      `koanf:"cron"`
}

type AuthConfig struct {
	DevMode bool `koanf:"devmode"`
	// DevUserID is the identity behind "Bearer dev" in dev mode.
	DevUserID string    `koanf:"devuserid"`
	JWT       JWTConfig `koanf:"jwt"`
}

type JWTConfig struct {
	SigningKey  string `koanf:"signingkey"`
	Issuer      string `koanf:"issuer"`
	ExpiryHours int    `koanf:"expiryhours"`
}

type ServerConfig struct {
	Host        string   `koanf:"host"`
	Port        int      `koanf:"port"`
	CORSOrigins []string `koanf:"corsorigins"`
}

type DatabaseConfig struct {
	URL                  string `koanf:"url"`
	MigrationsPath       string `koanf:"migrationspath"`
	MaxConns             int    `koanf:"maxconns"`
	MinConns             int    `koanf:"minconns"`
	StatementTimeoutSecs int    `koanf:"statementtimeoutsecs"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// AccessConfig controls the accessible-users query planner.
type AccessConfig struct {
	FreshnessSecs   int `koanf:"freshnesssecs"`
	DefaultPageSize int `koanf:"pagesize"`
	MaxPageSize     int `koanf:"maxpagesize"`
}

// FreshnessThreshold is the maximum age of the precomputed view before
// EVENTUAL reads fall back to the live path.
func (c AccessConfig) FreshnessThreshold() time.Duration {
	return time.Duration(c.FreshnessSecs) * time.Second
}

// SchedulerConfig controls the background job loop.
type SchedulerConfig struct {
	Enabled          bool    `koanf:"enabled"`
	IntervalSecs     int     `koanf:"intervalsecs"`
	SweepSecs        int     `koanf:"sweepsecs"`
	ClaimBatchSize   int     `koanf:"claimbatch"`
	MaxRetries       int     `koanf:"maxretries"`
	BaseRetrySecs    int     `koanf:"baseretrysecs"`
	MaxRetrySecs     int     `koanf:"maxretrysecs"`
	JitterFraction   float64 `koanf:"jitter"`
	LockTimeoutSecs  int     `koanf:"locktimeoutsecs"`
	RefreshPerSecond float64 `koanf:"refreshrate"`
	RefreshBurst     int     `koanf:"refreshburst"`
	RefreshOnGrant   bool    `koanf:"refreshongrant"`
}

// NotifyConfig selects the sink for access-change notifications.
type NotifyConfig struct {
	Driver   string `koanf:"driver"` // "none", "nats" or "redis"
	NATSURL  string `koanf:"natsurl"`
	RedisURL string `koanf:"redisurl"`
	Subject  string `koanf:"subject"`
}

type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
}

// CronConfig protects the externally triggered view refresh endpoint.
type CronConfig struct {
	Secret string `koanf:"secret"`
}

func Load(configPaths ...string) (*Config, error) {
	k := koanf.New(".")

	// Defaults
	_ = k.Load(confmap.Provider(map[string]any{
		"server.port":                   8080,
		"server.host":                   "0.0.0.0",
		"database.maxconns":             25,
		"database.migrationspath":       "migrations",
		"database.statementtimeoutsecs": 30,
		"log.level":                     "info",
		"log.format":                    "json",
		"auth.devmode":                  false,
		"auth.jwt.issuer":               "ekko",
		"auth.jwt.expiryhours":          24,
		"access.freshnesssecs":          300,
		"access.pagesize":               20,
		"access.maxpagesize":            100,
		"scheduler.enabled":             true,
		"scheduler.intervalsecs":        30,
		"scheduler.sweepsecs":           300,
		"scheduler.claimbatch":          10,
		"scheduler.maxretries":          3,
		"scheduler.baseretrysecs":       5,
		"scheduler.maxretrysecs":        300,
		"scheduler.jitter":              0.2,
		"scheduler.locktimeoutsecs":     600,
		"scheduler.refreshrate":         5.0,
		"scheduler.refreshburst":        20,
		"scheduler.refreshongrant":      true,
		"notify.driver":                 "none",
		"notify.subject":                "ekko.access.changed",
		"metrics.enabled":               true,
	}, "."), nil)

	// YAML file (optional)
	for _, path := range configPaths {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			// Config file is optional, skip if not found
			continue
		}
	}

	// Environment variables override everything
	// EKKO_SERVER_PORT -> server.port
	_ = k.Load(env.Provider("EKKO_", ".", func(s string) string {
		return strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "EKKO_")),
			"_", ".",
		)
	}), nil)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
