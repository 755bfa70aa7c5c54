package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "BOARDSYNC"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "boardsync.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "app_session"
	defaultSessionIssuer     = "tauth"
	defaultSendBuffer        = 256
	defaultPingInterval      = 30 * time.Second
	defaultPongWait          = 60 * time.Second
	defaultPollWait          = 25 * time.Second
	defaultPollIdleTimeout   = 90 * time.Second
	defaultAwayAfter         = 5 * time.Minute
	defaultCheckpointQueue   = 1024
	defaultRedisPresenceTTL  = 2 * time.Minute
	defaultNATSSubjectPrefix = "boardsync"
)

// AppConfig captures runtime configuration for the synchronizer.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	SessionSigningKey string
	SessionCookieName string
	SessionIssuer     string

	SendBuffer      int
	PingInterval    time.Duration
	PongWait        time.Duration
	PollWait        time.Duration
	PollIdleTimeout time.Duration
	AwayAfter       time.Duration
	CheckpointQueue int

	RedisAddress     string
	RedisPassword    string
	RedisDB          int
	RedisPresenceTTL time.Duration

	NATSURL           string
	NATSSubjectPrefix string

	AllowedOrigins []string
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.issuer", defaultSessionIssuer)
	configViper.SetDefault("realtime.send_buffer", defaultSendBuffer)
	configViper.SetDefault("realtime.ping_interval", defaultPingInterval)
	configViper.SetDefault("realtime.pong_wait", defaultPongWait)
	configViper.SetDefault("realtime.poll_wait", defaultPollWait)
	configViper.SetDefault("realtime.poll_idle_timeout", defaultPollIdleTimeout)
	configViper.SetDefault("realtime.away_after", defaultAwayAfter)
	configViper.SetDefault("realtime.checkpoint_queue", defaultCheckpointQueue)
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("redis.presence_ttl", defaultRedisPresenceTTL)
	configViper.SetDefault("nats.url", "")
	configViper.SetDefault("nats.subject_prefix", defaultNATSSubjectPrefix)
	configViper.SetDefault("cors.allowed_origins", []string{"*"})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SessionSigningKey: configViper.GetString("auth.signing_secret"),
		SessionCookieName: configViper.GetString("auth.cookie_name"),
		SessionIssuer:     configViper.GetString("auth.issuer"),
		SendBuffer:        configViper.GetInt("realtime.send_buffer"),
		PingInterval:      configViper.GetDuration("realtime.ping_interval"),
		PongWait:          configViper.GetDuration("realtime.pong_wait"),
		PollWait:          configViper.GetDuration("realtime.poll_wait"),
		PollIdleTimeout:   configViper.GetDuration("realtime.poll_idle_timeout"),
		AwayAfter:         configViper.GetDuration("realtime.away_after"),
		CheckpointQueue:   configViper.GetInt("realtime.checkpoint_queue"),
		RedisAddress:      strings.TrimSpace(configViper.GetString("redis.address")),
		RedisPassword:     configViper.GetString("redis.password"),
		RedisDB:           configViper.GetInt("redis.db"),
		RedisPresenceTTL:  configViper.GetDuration("redis.presence_ttl"),
		NATSURL:           strings.TrimSpace(configViper.GetString("nats.url")),
		NATSSubjectPrefix: strings.TrimSpace(configViper.GetString("nats.subject_prefix")),
		AllowedOrigins:    splitOrigins(configViper.GetStringSlice("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// RedisEnabled reports whether the presence mirror is configured.
func (c AppConfig) RedisEnabled() bool {
	return c.RedisAddress != ""
}

// NATSEnabled reports whether the edit journal is configured.
func (c AppConfig) NATSEnabled() bool {
	return c.NATSURL != ""
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningKey) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	if c.PingInterval <= 0 || c.PongWait <= c.PingInterval {
		return fmt.Errorf("realtime.pong_wait must exceed a positive realtime.ping_interval")
	}
	if c.PollWait <= 0 || c.PollIdleTimeout <= c.PollWait {
		return fmt.Errorf("realtime.poll_idle_timeout must exceed a positive realtime.poll_wait")
	}
	if c.AwayAfter < 0 {
		return fmt.Errorf("realtime.away_after must not be negative")
	}
	if c.CheckpointQueue <= 0 {
		return fmt.Errorf("realtime.checkpoint_queue must be positive")
	}
	if c.RedisEnabled() && c.RedisPresenceTTL <= 0 {
		return fmt.Errorf("redis.presence_ttl must be positive")
	}
	if c.NATSEnabled() && c.NATSSubjectPrefix == "" {
		return fmt.Errorf("nats.subject_prefix is required when nats.url is set")
	}
	if len(c.AllowedOrigins) == 0 {
		return fmt.Errorf("cors.allowed_origins is required")
	}
	return nil
}

// splitOrigins accepts both list values and a comma separated env string.
func splitOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
