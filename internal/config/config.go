package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "RACEROOM"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabaseDriver      = "sqlite"
	defaultDatabaseDSN         = "raceroom.db"
	defaultLogLevel            = "info"
	defaultLogFormat           = "json"
	defaultAuthIssuer          = "raceroom-auth"
	defaultCookieName          = "app_session"
	defaultCountdownSeconds    = 15
	defaultMessageWindow       = 100
	defaultMinEntrants         = 1
	defaultSnapshotCacheSize   = 512
	defaultSnapshotStalenessMs = 2000
	defaultBroadcastBufferSize = 32
	defaultHeartbeatSpec       = "@every 20s"
	defaultRecoverySpec        = "@every 30s"
	defaultRatingsTimeout      = 10
	defaultRatingsQueue        = "ratings"
)

// AppConfig captures runtime configuration for the API server and the rating worker.
type AppConfig struct {
	HTTPAddress         string
	AllowedOrigins      []string
	DatabaseDriver      string
	DatabaseDSN         string
	LogLevel            string
	LogFormat           string
	AuthSigningSecret   string
	AuthIssuer          string
	AuthCookieName      string
	CountdownDuration   time.Duration
	MessageWindow       int
	MinEntrants         int
	SnapshotCacheSize   int
	SnapshotMaxStale    time.Duration
	BroadcastBufferSize int
	HeartbeatSpec       string
	RecoverySpec        string
	RatingsWebhookURL   string
	RatingsTimeout      time.Duration
	RatingsRedisAddress string
	RatingsQueue        string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("race.countdown_seconds", defaultCountdownSeconds)
	configViper.SetDefault("race.message_window", defaultMessageWindow)
	configViper.SetDefault("race.min_entrants", defaultMinEntrants)
	configViper.SetDefault("snapshot.cache_size", defaultSnapshotCacheSize)
	configViper.SetDefault("snapshot.max_staleness_ms", defaultSnapshotStalenessMs)
	configViper.SetDefault("broadcast.buffer_size", defaultBroadcastBufferSize)
	configViper.SetDefault("jobs.heartbeat_spec", defaultHeartbeatSpec)
	configViper.SetDefault("jobs.recovery_spec", defaultRecoverySpec)
	configViper.SetDefault("ratings.timeout_seconds", defaultRatingsTimeout)
	configViper.SetDefault("ratings.queue", defaultRatingsQueue)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		AllowedOrigins:      normalizeOrigins(configViper.GetStringSlice("http.allowed_origins")),
		DatabaseDriver:      strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:         configViper.GetString("database.dsn"),
		LogLevel:            configViper.GetString("log.level"),
		LogFormat:           configViper.GetString("log.format"),
		AuthSigningSecret:   configViper.GetString("auth.signing_secret"),
		AuthIssuer:          configViper.GetString("auth.issuer"),
		AuthCookieName:      configViper.GetString("auth.cookie_name"),
		CountdownDuration:   time.Duration(configViper.GetInt("race.countdown_seconds")) * time.Second,
		MessageWindow:       configViper.GetInt("race.message_window"),
		MinEntrants:         configViper.GetInt("race.min_entrants"),
		SnapshotCacheSize:   configViper.GetInt("snapshot.cache_size"),
		SnapshotMaxStale:    time.Duration(configViper.GetInt("snapshot.max_staleness_ms")) * time.Millisecond,
		BroadcastBufferSize: configViper.GetInt("broadcast.buffer_size"),
		HeartbeatSpec:       configViper.GetString("jobs.heartbeat_spec"),
		RecoverySpec:        configViper.GetString("jobs.recovery_spec"),
		RatingsWebhookURL:   strings.TrimSpace(configViper.GetString("ratings.webhook_url")),
		RatingsTimeout:      time.Duration(configViper.GetInt("ratings.timeout_seconds")) * time.Second,
		RatingsRedisAddress: strings.TrimSpace(configViper.GetString("ratings.redis_address")),
		RatingsQueue:        configViper.GetString("ratings.queue"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.CountdownDuration <= 0 {
		return fmt.Errorf("race.countdown_seconds must be positive")
	}
	if c.MessageWindow <= 0 {
		return fmt.Errorf("race.message_window must be positive")
	}
	if c.MinEntrants < 1 {
		return fmt.Errorf("race.min_entrants must be at least 1")
	}
	if c.RatingsTimeout <= 0 {
		return fmt.Errorf("ratings.timeout_seconds must be positive")
	}
	if c.RatingsRedisAddress != "" && strings.TrimSpace(c.RatingsQueue) == "" {
		return fmt.Errorf("ratings.queue is required when ratings.redis_address is set")
	}
	return nil
}

// normalizeOrigins trims entries and splits comma lists, since env values
// arrive as a single string.
func normalizeOrigins(values []string) []string {
	var origins []string
	for _, value := range values {
		for _, origin := range strings.Split(value, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				origins = append(origins, origin)
			}
		}
	}
	return origins
}
