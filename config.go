package sdk

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"

	"github.com/steamrec/steamrec/sdk/go/tokenstore"
)

// EnvPrefix prefixes every environment variable read by LoadEnvConfig.
const EnvPrefix = "STEAMREC_"

// StoreKind selects the token store backend.
type StoreKind string

const (
	StoreMemory StoreKind = "memory"
	StoreFile   StoreKind = "file"
	StoreRedis  StoreKind = "redis"
)

// UnmarshalText implements encoding.TextUnmarshaler for StoreKind.
func (k *StoreKind) UnmarshalText(text []byte) error {
	v := StoreKind(strings.ToLower(strings.TrimSpace(string(text))))
	switch v {
	case StoreMemory, StoreFile, StoreRedis:
		*k = v
		return nil
	default:
		return fmt.Errorf("invalid StoreKind: %q (valid options: memory, file, redis)", v)
	}
}

// RedisConfig configures the Redis token store.
type RedisConfig struct {
	Addr     string        `env:"ADDR"     envDefault:"localhost:6379"`
	Password string        `env:"PASSWORD"`
	DB       int           `env:"DB"       envDefault:"0"`
	Prefix   string        `env:"PREFIX"   envDefault:"steamrec:session:"`
	TTL      time.Duration `env:"TTL"      envDefault:"720h"`
}

// EnvConfig is the environment-driven configuration used by command line
// tools built on the SDK.
type EnvConfig struct {
	BaseURL        string        `env:"BASE_URL"        envDefault:"https://api.steamrec.app/api"`
	Store          StoreKind     `env:"STORE"           envDefault:"file"`
	TokenFile      string        `env:"TOKEN_FILE"`
	DefaultRole    string        `env:"DEFAULT_ROLE"    envDefault:"guest"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
	LogLevel       string        `env:"LOG_LEVEL"       envDefault:"info"`

	Redis RedisConfig `envPrefix:"REDIS_"`
}

// LoadEnvConfig reads STEAMREC_* variables.
func LoadEnvConfig() (EnvConfig, error) {
	var cfg EnvConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return EnvConfig{}, fmt.Errorf("sdk: load env config: %w", err)
	}
	if cfg.TokenFile == "" {
		cfg.TokenFile = defaultTokenFile()
	}
	return cfg, nil
}

func defaultTokenFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "steamrec", "session.json")
}

// OpenStore builds the configured token store. The returned close func
// releases backend resources and is never nil.
func (c EnvConfig) OpenStore(log *slog.Logger) (*tokenstore.Store, func() error, error) {
	noop := func() error { return nil }
	switch c.Store {
	case StoreMemory, "":
		return tokenstore.New(tokenstore.NewMemoryBackend(), tokenstore.WithLogger(log)), noop, nil
	case StoreFile:
		backend, err := tokenstore.NewFileBackend(c.TokenFile)
		if err != nil {
			return nil, noop, err
		}
		if log != nil {
			log.Debug("token store", "kind", string(c.Store), "path", backend.Path())
		}
		return tokenstore.New(backend, tokenstore.WithLogger(log)), noop, nil
	case StoreRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		backend, err := tokenstore.NewRedisBackend(rdb, c.Redis.Prefix, c.Redis.TTL)
		if err != nil {
			_ = rdb.Close()
			return nil, noop, err
		}
		return tokenstore.New(backend, tokenstore.WithLogger(log)), rdb.Close, nil
	default:
		return nil, noop, ConfigError{Reason: fmt.Sprintf("unknown store %q", c.Store)}
	}
}

// ClientConfig returns a Config for NewClient using store. The HTTP client
// gets its cookie jar from NewClient, persisted in store.
func (c EnvConfig) ClientConfig(store *tokenstore.Store, log *slog.Logger) Config {
	return Config{
		BaseURL:     c.BaseURL,
		HTTPClient:  &http.Client{Timeout: c.RequestTimeout},
		Store:       store,
		Logger:      log,
		DefaultRole: c.DefaultRole,
	}
}

// NewLogger creates a JSON structured logger with an explicit log level.
func NewLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
