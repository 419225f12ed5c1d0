package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/example/tokenkeeper/internal/token"
)

const defaultSecret = "change-me"

type Config struct {
	Port     string
	Env      string
	LogLevel string
	LogFile  string

	DBAdapter  string
	SQLiteFile string
	// PostgreSQL connection settings
	PostgresDSN      string
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string
	MigrateOnStart   bool

	// RevocationBackend selects where refresh records live: "sql" uses the
	// principal database, "redis" uses RedisAddr.
	RevocationBackend string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisPrefix       string

	JwtSecret          string
	JwtAlg             string
	JwtPreviousSecrets []string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	PurgeInterval      time.Duration

	RateLimitPerMinute int
	CORSAllowOrigins   []string
	AllowedHosts       []string
	// TrustedProxies lists the peers (IPs or CIDRs) whose X-Forwarded-For
	// header is believed. Requests from anyone else are keyed by socket peer.
	TrustedProxies []string

	AccessCookieName  string
	RefreshCookieName string
	CookieDomain      string
	CookieSecure      bool
	CookieSameSite    string
	CookiePath        string
}

func defaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("env", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	v.SetDefault("db_adapter", "postgres")
	v.SetDefault("sqlite_file", "./data/tokenkeeper.db")
	v.SetDefault("postgres_dsn", "")
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", "5432")
	v.SetDefault("postgres_user", "tokenkeeper")
	v.SetDefault("postgres_password", "")
	v.SetDefault("postgres_db", "tokenkeeper")
	v.SetDefault("postgres_sslmode", "disable")
	v.SetDefault("migrate_on_start", true)
	v.SetDefault("revocation_backend", "sql")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("redis_prefix", "tk")
	v.SetDefault("jwt_secret", defaultSecret)
	v.SetDefault("jwt_alg", "HS256")
	v.SetDefault("jwt_previous_secrets", "")
	v.SetDefault("access_token_ttl", 900)
	v.SetDefault("refresh_token_ttl", 604800)
	v.SetDefault("purge_interval", "1h")
	v.SetDefault("rate_limit_per_minute", 60)
	v.SetDefault("cors_allow_origins", "")
	v.SetDefault("allowed_hosts", "")
	v.SetDefault("trusted_proxies", "")
	v.SetDefault("access_cookie_name", "access_token")
	v.SetDefault("refresh_cookie_name", "refresh_token")
	v.SetDefault("cookie_domain", "")
	v.SetDefault("cookie_secure", true)
	v.SetDefault("cookie_samesite", "lax")
	v.SetDefault("cookie_path", "/")
}

// splitList parses a comma separated env value.
func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	// If DSN is provided directly, use it
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}
	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)
	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}
	return dsn, nil
}

// TrustedProxyNets parses TrustedProxies. A bare IP becomes a single-host
// network.
func (c *Config) TrustedProxyNets() ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(c.TrustedProxies))
	for _, p := range c.TrustedProxies {
		if !strings.Contains(p, "/") {
			ip := net.ParseIP(p)
			if ip == nil {
				return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry: %s", p)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(p)
		if err != nil {
			return nil, fmt.Errorf("invalid TRUSTED_PROXIES entry: %s", p)
		}
		nets = append(nets, n)
	}
	return nets, nil
}

// IsProduction reports whether ENV names a production deployment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Env)
	return env == "production" || env == "prod"
}

// SigningKeys returns the codec key ring: the active secret first, then the
// verify-only previous secrets in the order given.
func (c *Config) SigningKeys() []token.Key {
	keys := []token.Key{{Secret: []byte(c.JwtSecret), Algorithm: c.JwtAlg}}
	for _, s := range c.JwtPreviousSecrets {
		keys = append(keys, token.Key{Secret: []byte(s), Algorithm: c.JwtAlg})
	}
	return keys
}

// New reads configuration from the environment and, when CONFIG_FILE is set,
// from that file. Environment values win over the file.
func New() (*Config, error) {
	v := viper.New()
	defaults(v)
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	c := &Config{
		Port:     v.GetString("port"),
		Env:      v.GetString("env"),
		LogLevel: v.GetString("log_level"),
		LogFile:  v.GetString("log_file"),

		DBAdapter:        strings.ToLower(v.GetString("db_adapter")),
		SQLiteFile:       v.GetString("sqlite_file"),
		PostgresDSN:      v.GetString("postgres_dsn"),
		PostgresHost:     v.GetString("postgres_host"),
		PostgresPort:     v.GetString("postgres_port"),
		PostgresUser:     v.GetString("postgres_user"),
		PostgresPassword: v.GetString("postgres_password"),
		PostgresDB:       v.GetString("postgres_db"),
		PostgresSSLMode:  v.GetString("postgres_sslmode"),
		MigrateOnStart:   v.GetBool("migrate_on_start"),

		RevocationBackend: strings.ToLower(v.GetString("revocation_backend")),
		RedisAddr:         v.GetString("redis_addr"),
		RedisPassword:     v.GetString("redis_password"),
		RedisDB:           v.GetInt("redis_db"),
		RedisPrefix:       v.GetString("redis_prefix"),

		JwtSecret:          v.GetString("jwt_secret"),
		JwtAlg:             strings.ToUpper(v.GetString("jwt_alg")),
		JwtPreviousSecrets: splitList(v.GetString("jwt_previous_secrets")),
		AccessTokenTTL:     time.Duration(v.GetInt64("access_token_ttl")) * time.Second,
		RefreshTokenTTL:    time.Duration(v.GetInt64("refresh_token_ttl")) * time.Second,
		PurgeInterval:      v.GetDuration("purge_interval"),

		RateLimitPerMinute: v.GetInt("rate_limit_per_minute"),
		CORSAllowOrigins:   splitList(v.GetString("cors_allow_origins")),
		AllowedHosts:       splitList(v.GetString("allowed_hosts")),
		TrustedProxies:     splitList(v.GetString("trusted_proxies")),

		AccessCookieName:  v.GetString("access_cookie_name"),
		RefreshCookieName: v.GetString("refresh_cookie_name"),
		CookieDomain:      v.GetString("cookie_domain"),
		CookieSecure:      v.GetBool("cookie_secure"),
		CookieSameSite:    strings.ToLower(v.GetString("cookie_samesite")),
		CookiePath:        v.GetString("cookie_path"),
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
	case "sqlite":
		if c.SQLiteFile == "" {
			return errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown DB_ADAPTER: %s", c.DBAdapter)
	}

	switch c.RevocationBackend {
	case "sql":
	case "redis":
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR must be set when REVOCATION_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown REVOCATION_BACKEND: %s", c.RevocationBackend)
	}

	if c.JwtSecret == "" {
		return errors.New("JWT_SECRET must be set")
	}
	if c.IsProduction() && c.JwtSecret == defaultSecret {
		return errors.New("JWT_SECRET must be set in production")
	}
	switch c.JwtAlg {
	case "HS256", "HS384", "HS512":
	default:
		return fmt.Errorf("unsupported JWT_ALG: %s", c.JwtAlg)
	}

	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return errors.New("ACCESS_TOKEN_TTL and REFRESH_TOKEN_TTL must be positive")
	}
	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		return errors.New("REFRESH_TOKEN_TTL must be longer than ACCESS_TOKEN_TTL")
	}
	if c.PurgeInterval < 0 {
		return errors.New("PURGE_INTERVAL must not be negative")
	}

	switch c.CookieSameSite {
	case "lax", "strict":
	case "none":
		if !c.CookieSecure {
			return errors.New("COOKIE_SAMESITE=none requires COOKIE_SECURE")
		}
	default:
		return fmt.Errorf("invalid COOKIE_SAMESITE: %s", c.CookieSameSite)
	}

	if _, err := c.TrustedProxyNets(); err != nil {
		return err
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid PORT: %s", c.Port)
	}
	return nil
}
