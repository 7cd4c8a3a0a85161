package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "DURANU"
	defaultHTTPAddress    = "0.0.0.0:8080"
	defaultDatabaseDriver = DriverSQLite
	defaultDatabasePath   = "duranu.db"
	defaultLogLevel       = "info"
	defaultCookieName     = "duranu_session"
	defaultSessionIssuer  = "duranu-auth"
	defaultSessionTTL     = 12 * time.Hour

	defaultAFKTimeout              = 20 * time.Minute
	defaultMemberDisconnectTimeout = 80 * time.Minute
	defaultHostDisconnectTimeout   = 80 * time.Minute
	defaultJoinGrace               = 60 * time.Second
	defaultOnlineGrace             = 2 * time.Minute
	defaultSweepInterval           = 2 * time.Minute

	defaultEventRetention  = 24 * time.Hour
	defaultKnockKeyTTL     = 2 * time.Hour
	defaultKnockPendingTTL = 10 * time.Minute

	defaultStreamBatchSize          = 50
	defaultStreamMessageLimit       = 50
	defaultStreamMaxDuration        = 30 * time.Second
	defaultStreamMaxIterations      = 60
	defaultStreamMaxEmptyIterations = 20

	defaultRateLimitMaxRequests = 120
	defaultRateLimitWindow      = time.Minute
)

const (
	// DriverSQLite selects the embedded pure-Go SQLite store.
	DriverSQLite = "sqlite"
	// DriverMySQL selects a MySQL server reached through database.dsn.
	DriverMySQL = "mysql"
)

// PresenceConfig holds the liveness thresholds used by the sweeper and the stream.
type PresenceConfig struct {
	AFKTimeout              time.Duration
	MemberDisconnectTimeout time.Duration
	HostDisconnectTimeout   time.Duration
	JoinGrace               time.Duration
	OnlineGrace             time.Duration
	SweepInterval           time.Duration
}

// StreamConfig bounds a single long-poll connection.
type StreamConfig struct {
	BatchSize          int
	MessageLimit       int
	MaxDuration        time.Duration
	MaxIterations      int
	MaxEmptyIterations int
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress          string
	DatabaseDriver       string
	DatabasePath         string
	DatabaseDSN          string
	LogLevel             string
	SessionSigningSecret string
	SessionIssuer        string
	SessionCookieName    string
	SessionTTL           time.Duration
	Presence             PresenceConfig
	EventRetention       time.Duration
	KnockKeyTTL          time.Duration
	KnockPendingTTL      time.Duration
	Stream               StreamConfig
	RedisURL             string
	RateLimitMaxRequests int
	RateLimitWindow      time.Duration
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("session.issuer", defaultSessionIssuer)
	configViper.SetDefault("session.cookie_name", defaultCookieName)
	configViper.SetDefault("session.ttl", defaultSessionTTL)

	configViper.SetDefault("presence.afk_timeout", defaultAFKTimeout)
	configViper.SetDefault("presence.member_disconnect_timeout", defaultMemberDisconnectTimeout)
	configViper.SetDefault("presence.host_disconnect_timeout", defaultHostDisconnectTimeout)
	configViper.SetDefault("presence.join_grace", defaultJoinGrace)
	configViper.SetDefault("presence.online_grace", defaultOnlineGrace)
	configViper.SetDefault("presence.sweep_interval", defaultSweepInterval)

	configViper.SetDefault("events.retention", defaultEventRetention)
	configViper.SetDefault("knocks.key_ttl", defaultKnockKeyTTL)
	configViper.SetDefault("knocks.pending_ttl", defaultKnockPendingTTL)

	configViper.SetDefault("stream.batch_size", defaultStreamBatchSize)
	configViper.SetDefault("stream.message_limit", defaultStreamMessageLimit)
	configViper.SetDefault("stream.max_duration", defaultStreamMaxDuration)
	configViper.SetDefault("stream.max_iterations", defaultStreamMaxIterations)
	configViper.SetDefault("stream.max_empty_iterations", defaultStreamMaxEmptyIterations)

	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("ratelimit.max_requests", defaultRateLimitMaxRequests)
	configViper.SetDefault("ratelimit.window", defaultRateLimitWindow)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:          configViper.GetString("http.address"),
		DatabaseDriver:       strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:         configViper.GetString("database.path"),
		DatabaseDSN:          configViper.GetString("database.dsn"),
		LogLevel:             configViper.GetString("log.level"),
		SessionSigningSecret: configViper.GetString("session.signing_secret"),
		SessionIssuer:        configViper.GetString("session.issuer"),
		SessionCookieName:    configViper.GetString("session.cookie_name"),
		SessionTTL:           configViper.GetDuration("session.ttl"),
		Presence: PresenceConfig{
			AFKTimeout:              configViper.GetDuration("presence.afk_timeout"),
			MemberDisconnectTimeout: configViper.GetDuration("presence.member_disconnect_timeout"),
			HostDisconnectTimeout:   configViper.GetDuration("presence.host_disconnect_timeout"),
			JoinGrace:               configViper.GetDuration("presence.join_grace"),
			OnlineGrace:             configViper.GetDuration("presence.online_grace"),
			SweepInterval:           configViper.GetDuration("presence.sweep_interval"),
		},
		EventRetention:  configViper.GetDuration("events.retention"),
		KnockKeyTTL:     configViper.GetDuration("knocks.key_ttl"),
		KnockPendingTTL: configViper.GetDuration("knocks.pending_ttl"),
		Stream: StreamConfig{
			BatchSize:          configViper.GetInt("stream.batch_size"),
			MessageLimit:       configViper.GetInt("stream.message_limit"),
			MaxDuration:        configViper.GetDuration("stream.max_duration"),
			MaxIterations:      configViper.GetInt("stream.max_iterations"),
			MaxEmptyIterations: configViper.GetInt("stream.max_empty_iterations"),
		},
		RedisURL:             strings.TrimSpace(configViper.GetString("redis.url")),
		RateLimitMaxRequests: configViper.GetInt("ratelimit.max_requests"),
		RateLimitWindow:      configViper.GetDuration("ratelimit.window"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SessionSigningSecret) == "" {
		return fmt.Errorf("session.signing_secret is required")
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverMySQL:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}

	presence := c.Presence
	if presence.AFKTimeout <= 0 || presence.MemberDisconnectTimeout <= 0 || presence.HostDisconnectTimeout <= 0 {
		return fmt.Errorf("presence timeouts must be positive")
	}
	if presence.MemberDisconnectTimeout < presence.AFKTimeout || presence.HostDisconnectTimeout < presence.AFKTimeout {
		return fmt.Errorf("presence disconnect timeouts must not be shorter than presence.afk_timeout")
	}
	if presence.SweepInterval <= 0 {
		return fmt.Errorf("presence.sweep_interval must be positive")
	}
	if c.KnockKeyTTL <= 0 || c.KnockPendingTTL <= 0 {
		return fmt.Errorf("knock ttl values must be positive")
	}
	if c.Stream.BatchSize <= 0 || c.Stream.MaxIterations <= 0 || c.Stream.MaxDuration <= 0 {
		return fmt.Errorf("stream bounds must be positive")
	}
	if c.RedisURL != "" && (c.RateLimitMaxRequests <= 0 || c.RateLimitWindow <= 0) {
		return fmt.Errorf("ratelimit settings must be positive when redis.url is set")
	}
	return nil
}
