package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/spf13/viper"
)

const (
	envPrefix = "PIXELBOARD"

	// DriverSQLite stores state through gorm on a local SQLite file.
	DriverSQLite = "sqlite"
	// DriverPostgres stores state through a pgx pool.
	DriverPostgres = "postgres"

	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DriverSQLite
	defaultDatabasePath      = "pixelboard.db"
	defaultDatabaseMaxConns  = 10
	defaultLogLevel          = "info"
	defaultLogEncoding       = "json"
	defaultCookieName        = "app_session"
	defaultIssuer            = "tauth"
	defaultCooldown          = 5 * time.Second
	defaultWriteTimeout      = 10 * time.Second
	defaultFeedBufferSize    = 256
	defaultHeartbeatInterval = 15 * time.Second
	defaultPresenceWindow    = 2 * time.Minute
	defaultSweepCron         = "* * * * *"
	defaultRateLimitRPS      = 5.0
	defaultRateLimitBurst    = 10
	defaultRewardsTimeout    = 15 * time.Second
	defaultOAuthJWKSURL      = "https://www.googleapis.com/oauth2/v3/certs"
	defaultOAuthSessionTTL   = 24 * time.Hour
)

var defaultOAuthIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	TrustedProxies []string
	LogLevel       string
	LogEncoding    string

	DatabaseDriver   string
	DatabasePath     string
	DatabaseDSN      string
	DatabaseMaxConns int32

	TAuthSigningKey string
	TAuthCookieName string
	TAuthIssuer     string

	Cooldown       time.Duration
	StrictCooldown bool
	WriteTimeout   time.Duration
	AdminUserIDs   []string

	FeedBufferSize    int
	HeartbeatInterval time.Duration

	PresenceWindow time.Duration
	SweepCron      string

	RateLimitRPS   float64
	RateLimitBurst int

	Rewards RewardsConfig
	OAuth   OAuthConfig
}

// OAuthConfig configures the ID-token login exchange. An empty ClientID disables it.
type OAuthConfig struct {
	ClientID   string
	JWKSURL    string
	Issuers    []string
	SessionTTL time.Duration
}

// Enabled reports whether an OAuth client is configured.
func (o OAuthConfig) Enabled() bool {
	return strings.TrimSpace(o.ClientID) != ""
}

// RewardsConfig holds the token transfer parameters. An empty Endpoint disables rewards.
type RewardsConfig struct {
	Endpoint     string
	SecretKey    string
	ChainID      string
	TokenAddress string
	FromAddress  string
	Timeout      time.Duration
}

// Enabled reports whether a transfer endpoint is configured.
func (r RewardsConfig) Enabled() bool {
	return strings.TrimSpace(r.Endpoint) != ""
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
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("http.trusted_proxies", []string{})
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("database.max_conns", defaultDatabaseMaxConns)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultIssuer)
	configViper.SetDefault("canvas.cooldown", defaultCooldown)
	configViper.SetDefault("canvas.strict_cooldown", true)
	configViper.SetDefault("canvas.write_timeout", defaultWriteTimeout)
	configViper.SetDefault("canvas.admin_user_ids", []string{})
	configViper.SetDefault("feed.buffer_size", defaultFeedBufferSize)
	configViper.SetDefault("feed.heartbeat_interval", defaultHeartbeatInterval)
	configViper.SetDefault("presence.window", defaultPresenceWindow)
	configViper.SetDefault("presence.sweep_cron", defaultSweepCron)
	configViper.SetDefault("ratelimit.rps", defaultRateLimitRPS)
	configViper.SetDefault("ratelimit.burst", defaultRateLimitBurst)
	configViper.SetDefault("rewards.endpoint", "")
	configViper.SetDefault("rewards.secret_key", "")
	configViper.SetDefault("rewards.chain_id", "")
	configViper.SetDefault("rewards.token_address", "")
	configViper.SetDefault("rewards.from_address", "")
	configViper.SetDefault("rewards.timeout", defaultRewardsTimeout)
	configViper.SetDefault("oauth.client_id", "")
	configViper.SetDefault("oauth.jwks_url", defaultOAuthJWKSURL)
	configViper.SetDefault("oauth.issuers", defaultOAuthIssuers)
	configViper.SetDefault("oauth.session_ttl", defaultOAuthSessionTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    splitList(configViper.GetStringSlice("http.allowed_origins")),
		TrustedProxies:    splitList(configViper.GetStringSlice("http.trusted_proxies")),
		LogLevel:          configViper.GetString("log.level"),
		LogEncoding:       configViper.GetString("log.encoding"),
		DatabaseDriver:    strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:      configViper.GetString("database.path"),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		DatabaseMaxConns:  configViper.GetInt32("database.max_conns"),
		TAuthSigningKey:   configViper.GetString("tauth.signing_secret"),
		TAuthCookieName:   configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:       configViper.GetString("tauth.issuer"),
		Cooldown:          configViper.GetDuration("canvas.cooldown"),
		StrictCooldown:    configViper.GetBool("canvas.strict_cooldown"),
		WriteTimeout:      configViper.GetDuration("canvas.write_timeout"),
		AdminUserIDs:      splitList(configViper.GetStringSlice("canvas.admin_user_ids")),
		FeedBufferSize:    configViper.GetInt("feed.buffer_size"),
		HeartbeatInterval: configViper.GetDuration("feed.heartbeat_interval"),
		PresenceWindow:    configViper.GetDuration("presence.window"),
		SweepCron:         strings.TrimSpace(configViper.GetString("presence.sweep_cron")),
		RateLimitRPS:      configViper.GetFloat64("ratelimit.rps"),
		RateLimitBurst:    configViper.GetInt("ratelimit.burst"),
		Rewards: RewardsConfig{
			Endpoint:     configViper.GetString("rewards.endpoint"),
			SecretKey:    configViper.GetString("rewards.secret_key"),
			ChainID:      configViper.GetString("rewards.chain_id"),
			TokenAddress: configViper.GetString("rewards.token_address"),
			FromAddress:  configViper.GetString("rewards.from_address"),
			Timeout:      configViper.GetDuration("rewards.timeout"),
		},
		OAuth: OAuthConfig{
			ClientID:   strings.TrimSpace(configViper.GetString("oauth.client_id")),
			JWKSURL:    strings.TrimSpace(configViper.GetString("oauth.jwks_url")),
			Issuers:    splitList(configViper.GetStringSlice("oauth.issuers")),
			SessionTTL: configViper.GetDuration("oauth.session_ttl"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("canvas.cooldown must be positive")
	}
	if c.PresenceWindow <= 0 {
		return fmt.Errorf("presence.window must be positive")
	}
	if !gronx.IsValid(c.SweepCron) {
		return fmt.Errorf("presence.sweep_cron %q is not a valid cron expression", c.SweepCron)
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst <= 0 {
		return fmt.Errorf("ratelimit.burst must be positive when ratelimit.rps is set")
	}
	if c.OAuth.Enabled() && c.OAuth.JWKSURL == "" {
		return fmt.Errorf("oauth.jwks_url is required when oauth.client_id is set")
	}
	return nil
}

// splitList accepts both repeated values and a single comma separated env value.
func splitList(values []string) []string {
	var result []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
