package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved service configuration.
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Redis       RedisConfig
	Security    SecurityConfig
	JWT         JWTConfig
	RateLimit   RateLimitConfig
	Idempotency IdempotencyConfig
	Log         LogConfig
}

type ServerConfig struct {
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	AllowedOrigins    []string
	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Only enable behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Addr returns the host:port Redis address.
func (c RedisConfig) Addr() string {
	return c.Host + ":" + c.Port
}

// SecurityConfig carries the secrets the field vault is derived from.
type SecurityConfig struct {
	EncryptionKey  string
	EncryptionSalt string
	IndexSalt      string
	KDFIterations  int
	RoutingNumber  string
}

type JWTConfig struct {
	SecretKey string
}

// RateLimitConfig selects the limiter backend and per-operation policies.
type RateLimitConfig struct {
	Backend      string
	IdleTTL      time.Duration
	Transfer     Policy
	TransferUser Policy
	Register     Policy
	AccountOpen  Policy
	IPRate       float64
	IPBurst      int
}

// Policy is a token bucket size and its refill interval.
type Policy struct {
	Tokens   int
	Interval time.Duration
}

type IdempotencyConfig struct {
	Retention time.Duration
}

type LogConfig struct {
	Level  string
	Format string
}

var envBindings = map[string]string{
	"server.port":                      "PORT",
	"server.allowed_origins":           "SERVER_ALLOWED_ORIGINS",
	"server.read_timeout":              "SERVER_READ_TIMEOUT",
	"server.write_timeout":             "SERVER_WRITE_TIMEOUT",
	"server.idle_timeout":              "SERVER_IDLE_TIMEOUT",
	"server.trust_proxy_headers":       "SERVER_TRUST_PROXY_HEADERS",
	"database.host":                    "DATABASE_HOST",
	"database.port":                    "DATABASE_PORT",
	"database.user":                    "DATABASE_USER",
	"database.password":                "DATABASE_PASSWORD",
	"database.name":                    "DATABASE_NAME",
	"database.ssl_mode":                "DATABASE_SSL_MODE",
	"database.max_open_conns":          "DATABASE_MAX_OPEN_CONNS",
	"database.max_idle_conns":          "DATABASE_MAX_IDLE_CONNS",
	"database.conn_max_lifetime":       "DATABASE_CONN_MAX_LIFETIME",
	"redis.host":                       "REDIS_HOST",
	"redis.port":                       "REDIS_PORT",
	"redis.password":                   "REDIS_PASSWORD",
	"redis.db":                         "REDIS_DB",
	"security.encryption_key":          "ENCRYPTION_KEY",
	"security.encryption_salt":         "ENCRYPTION_SALT",
	"security.index_salt":              "INDEX_HASH_SALT",
	"security.kdf_iterations":          "KDF_ITERATIONS",
	"security.routing_number":          "BANK_ROUTING_NUMBER",
	"jwt.secret_key":                   "JWT_SECRET_KEY",
	"ratelimit.backend":                "RATE_LIMIT_BACKEND",
	"ratelimit.idle_ttl":               "RATE_LIMIT_IDLE_TTL",
	"ratelimit.transfer.tokens":        "RATE_LIMIT_TRANSFER_TOKENS",
	"ratelimit.transfer.interval":      "RATE_LIMIT_TRANSFER_INTERVAL",
	"ratelimit.transfer_user.tokens":   "RATE_LIMIT_TRANSFER_USER_TOKENS",
	"ratelimit.transfer_user.interval": "RATE_LIMIT_TRANSFER_USER_INTERVAL",
	"ratelimit.register.tokens":        "RATE_LIMIT_REGISTER_TOKENS",
	"ratelimit.register.interval":      "RATE_LIMIT_REGISTER_INTERVAL",
	"ratelimit.account_open.tokens":    "RATE_LIMIT_ACCOUNT_OPEN_TOKENS",
	"ratelimit.account_open.interval":  "RATE_LIMIT_ACCOUNT_OPEN_INTERVAL",
	"ratelimit.ip_rps":                 "RATE_LIMIT_IP_RPS",
	"ratelimit.ip_burst":               "RATE_LIMIT_IP_BURST",
	"idempotency.retention":            "IDEMPOTENCY_RETENTION",
	"log.level":                        "LOG_LEVEL",
	"log.format":                       "LOG_FORMAT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.allowed_origins", "https://*,http://*")
	v.SetDefault("server.trust_proxy_headers", false)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "password")
	v.SetDefault("database.name", "ledgercore")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("security.kdf_iterations", 210000)
	v.SetDefault("security.routing_number", "021000021")

	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.idle_ttl", time.Hour)
	v.SetDefault("ratelimit.transfer.tokens", 10)
	v.SetDefault("ratelimit.transfer.interval", time.Minute)
	v.SetDefault("ratelimit.transfer_user.tokens", 5)
	v.SetDefault("ratelimit.transfer_user.interval", time.Minute)
	v.SetDefault("ratelimit.register.tokens", 5)
	v.SetDefault("ratelimit.register.interval", time.Hour)
	v.SetDefault("ratelimit.account_open.tokens", 3)
	v.SetDefault("ratelimit.account_open.interval", time.Hour)
	v.SetDefault("ratelimit.ip_rps", 20.0)
	v.SetDefault("ratelimit.ip_burst", 40)

	v.SetDefault("idempotency.retention", 24*time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration from envFile (if present) and the environment.
func Load(envFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if envFile != "" {
		loadEnvFile(v, envFile)
	}
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, err
		}
	}

	cfg := fromViper(v)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnvFile maps VARIABLE=value lines of a .env file onto the dotted keys
// as defaults, so real environment variables still take precedence.
// A missing file is fine.
func loadEnvFile(v *viper.Viper, path string) {
	file := viper.New()
	file.SetConfigFile(path)
	file.SetConfigType("env")
	if err := file.ReadInConfig(); err != nil {
		return
	}
	for key, env := range envBindings {
		if name := strings.ToLower(env); file.IsSet(name) {
			v.SetDefault(key, file.Get(name))
		}
	}
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Server: ServerConfig{
			Port:              v.GetString("server.port"),
			ReadTimeout:       v.GetDuration("server.read_timeout"),
			WriteTimeout:      v.GetDuration("server.write_timeout"),
			IdleTimeout:       v.GetDuration("server.idle_timeout"),
			AllowedOrigins:    splitList(v.GetString("server.allowed_origins")),
			TrustProxyHeaders: v.GetBool("server.trust_proxy_headers"),
		},
		Database: DatabaseConfig{
			Host:            v.GetString("database.host"),
			Port:            v.GetString("database.port"),
			User:            v.GetString("database.user"),
			Password:        v.GetString("database.password"),
			Name:            v.GetString("database.name"),
			SSLMode:         v.GetString("database.ssl_mode"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
		},
		Redis: RedisConfig{
			Host:     v.GetString("redis.host"),
			Port:     v.GetString("redis.port"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Security: SecurityConfig{
			EncryptionKey:  v.GetString("security.encryption_key"),
			EncryptionSalt: v.GetString("security.encryption_salt"),
			IndexSalt:      v.GetString("security.index_salt"),
			KDFIterations:  v.GetInt("security.kdf_iterations"),
			RoutingNumber:  v.GetString("security.routing_number"),
		},
		JWT: JWTConfig{
			SecretKey: v.GetString("jwt.secret_key"),
		},
		RateLimit: RateLimitConfig{
			Backend:      v.GetString("ratelimit.backend"),
			IdleTTL:      v.GetDuration("ratelimit.idle_ttl"),
			Transfer:     policy(v, "ratelimit.transfer"),
			TransferUser: policy(v, "ratelimit.transfer_user"),
			Register:     policy(v, "ratelimit.register"),
			AccountOpen:  policy(v, "ratelimit.account_open"),
			IPRate:       v.GetFloat64("ratelimit.ip_rps"),
			IPBurst:      v.GetInt("ratelimit.ip_burst"),
		},
		Idempotency: IdempotencyConfig{
			Retention: v.GetDuration("idempotency.retention"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
	}
}

func policy(v *viper.Viper, prefix string) Policy {
	return Policy{
		Tokens:   v.GetInt(prefix + ".tokens"),
		Interval: v.GetDuration(prefix + ".interval"),
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects configurations the service must not start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Security.EncryptionKey == "" {
		errs = append(errs, errors.New("ENCRYPTION_KEY is required"))
	}
	if c.Security.EncryptionSalt == "" {
		errs = append(errs, errors.New("ENCRYPTION_SALT is required"))
	}
	if c.Security.IndexSalt == "" {
		errs = append(errs, errors.New("INDEX_HASH_SALT is required"))
	}
	if c.JWT.SecretKey == "" {
		errs = append(errs, errors.New("JWT_SECRET_KEY is required"))
	}
	switch c.RateLimit.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, errors.New("ratelimit backend must be memory or redis"))
	}
	var longest time.Duration
	for name, p := range map[string]Policy{
		"transfer":      c.RateLimit.Transfer,
		"transfer_user": c.RateLimit.TransferUser,
		"register":      c.RateLimit.Register,
		"account_open":  c.RateLimit.AccountOpen,
	} {
		if p.Tokens <= 0 || p.Interval <= 0 {
			errs = append(errs, errors.New("ratelimit policy "+name+" must have positive tokens and interval"))
		}
		longest = max(longest, p.Interval)
	}
	if c.RateLimit.IdleTTL > 0 && c.RateLimit.IdleTTL < longest {
		errs = append(errs, fmt.Errorf("ratelimit idle_ttl %s is shorter than the longest policy interval %s", c.RateLimit.IdleTTL, longest))
	}
	if c.Idempotency.Retention <= 0 {
		errs = append(errs, errors.New("idempotency retention must be positive"))
	}
	return errors.Join(errs...)
}
