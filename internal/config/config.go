package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "UNEARTH"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabasePath      = "unearth.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "unearth_session"
	defaultIssuer            = "unearth"
	defaultRateLimitBackend  = "database"
	defaultRateLimitAttempts = 5
	defaultRateLimitWindow   = 60 * time.Second
	defaultStorageBackend    = "s3"
	defaultStorageRegion     = "us-east-1"
	defaultURLTTL            = 15 * time.Minute
	defaultSecretsMemoryKiB  = 64 * 1024
	defaultSecretsIterations = 3
	defaultSecretsThreads    = 2
	defaultThrottleRPS       = 50.0
	defaultThrottleBurst     = 100
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	TrustedProxies []string
	LogLevel       string
	Database       DatabaseConfig
	Auth           AuthConfig
	RateLimit      RateLimitConfig
	Redis          RedisConfig
	Storage        StorageConfig
	Secrets        SecretsConfig
	Throttle       ThrottleConfig
}

type DatabaseConfig struct {
	Driver string
	Path   string
	DSN    string
}

type AuthConfig struct {
	SigningSecret string
	Issuer        string
	CookieName    string
}

// RateLimitConfig selects the attempt store; AddressSalt keys the address digest.
type RateLimitConfig struct {
	Backend     string
	MaxAttempts int
	Window      time.Duration
	AddressSalt string
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

type StorageConfig struct {
	Backend         string
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	URLTTL          time.Duration
}

type SecretsConfig struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
}

type ThrottleConfig struct {
	RPS   float64
	Burst int
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
	configViper.SetDefault("http.trusted_proxies", []string{})
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("ratelimit.backend", defaultRateLimitBackend)
	configViper.SetDefault("ratelimit.max_attempts", defaultRateLimitAttempts)
	configViper.SetDefault("ratelimit.window", defaultRateLimitWindow)
	configViper.SetDefault("ratelimit.address_salt", "")
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("storage.backend", defaultStorageBackend)
	configViper.SetDefault("storage.bucket", "")
	configViper.SetDefault("storage.region", defaultStorageRegion)
	configViper.SetDefault("storage.endpoint", "")
	configViper.SetDefault("storage.access_key_id", "")
	configViper.SetDefault("storage.secret_access_key", "")
	configViper.SetDefault("storage.url_ttl", defaultURLTTL)
	configViper.SetDefault("secrets.memory_kib", defaultSecretsMemoryKiB)
	configViper.SetDefault("secrets.iterations", defaultSecretsIterations)
	configViper.SetDefault("secrets.parallelism", defaultSecretsThreads)
	configViper.SetDefault("throttle.rps", defaultThrottleRPS)
	configViper.SetDefault("throttle.burst", defaultThrottleBurst)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		TrustedProxies: trimmedList(configViper.GetStringSlice("http.trusted_proxies")),
		LogLevel:       configViper.GetString("log.level"),
		Database: DatabaseConfig{
			Driver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
			Path:   configViper.GetString("database.path"),
			DSN:    configViper.GetString("database.dsn"),
		},
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        configViper.GetString("auth.issuer"),
			CookieName:    configViper.GetString("auth.cookie_name"),
		},
		RateLimit: RateLimitConfig{
			Backend:     strings.ToLower(strings.TrimSpace(configViper.GetString("ratelimit.backend"))),
			MaxAttempts: configViper.GetInt("ratelimit.max_attempts"),
			Window:      configViper.GetDuration("ratelimit.window"),
			AddressSalt: configViper.GetString("ratelimit.address_salt"),
		},
		Redis: RedisConfig{
			Address:  configViper.GetString("redis.address"),
			Password: configViper.GetString("redis.password"),
			DB:       configViper.GetInt("redis.db"),
		},
		Storage: StorageConfig{
			Backend:         strings.ToLower(strings.TrimSpace(configViper.GetString("storage.backend"))),
			Bucket:          configViper.GetString("storage.bucket"),
			Region:          configViper.GetString("storage.region"),
			Endpoint:        configViper.GetString("storage.endpoint"),
			AccessKeyID:     configViper.GetString("storage.access_key_id"),
			SecretAccessKey: configViper.GetString("storage.secret_access_key"),
			URLTTL:          configViper.GetDuration("storage.url_ttl"),
		},
		Secrets: SecretsConfig{
			MemoryKiB:   configViper.GetUint32("secrets.memory_kib"),
			Iterations:  configViper.GetUint32("secrets.iterations"),
			Parallelism: uint8(configViper.GetUint("secrets.parallelism")),
		},
		Throttle: ThrottleConfig{
			RPS:   configViper.GetFloat64("throttle.rps"),
			Burst: configViper.GetInt("throttle.burst"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.Auth.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.Auth.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if strings.TrimSpace(c.Database.Path) == "" {
			return fmt.Errorf("database.path is required")
		}
	case "postgres":
		if strings.TrimSpace(c.Database.DSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}

	switch c.RateLimit.Backend {
	case "database":
	case "redis":
		if strings.TrimSpace(c.Redis.Address) == "" {
			return fmt.Errorf("redis.address is required for the redis rate limit backend")
		}
	default:
		return fmt.Errorf("ratelimit.backend must be database or redis, got %q", c.RateLimit.Backend)
	}
	if c.RateLimit.MaxAttempts <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.max_attempts and ratelimit.window must be positive")
	}
	if strings.TrimSpace(c.RateLimit.AddressSalt) == "" {
		return fmt.Errorf("ratelimit.address_salt is required")
	}

	switch c.Storage.Backend {
	case "memory":
	case "s3":
		if strings.TrimSpace(c.Storage.Bucket) == "" {
			return fmt.Errorf("storage.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("storage.backend must be s3 or memory, got %q", c.Storage.Backend)
	}
	if c.Storage.URLTTL <= 0 {
		return fmt.Errorf("storage.url_ttl must be positive")
	}

	if c.Secrets.MemoryKiB == 0 || c.Secrets.Iterations == 0 || c.Secrets.Parallelism == 0 {
		return fmt.Errorf("secrets cost parameters must be positive")
	}
	if c.Throttle.RPS <= 0 || c.Throttle.Burst <= 0 {
		return fmt.Errorf("throttle.rps and throttle.burst must be positive")
	}
	return nil
}

// trimmedList accepts both list values and comma separated env strings.
func trimmedList(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}
