// Package config carrega a configuração do coupond: arquivo YAML opcional,
// padrões, sobrescrita por variáveis de ambiente COUPON_* e validação.
//
// Ordem de carga:
//
//  1. Default()
//  2. YAML do arquivo (se path != "")
//  3. variáveis de ambiente
//  4. Validate
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Store       StoreConfig       `yaml:"store"`
	Quota       QuotaConfig       `yaml:"quota"`
	Token       TokenConfig       `yaml:"token"`
	Keys        KeysConfig        `yaml:"keys"`
	Throttle    ThrottleConfig    `yaml:"throttle"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Events      EventsConfig      `yaml:"events"`
	Log         LogConfig         `yaml:"log"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// OwnerHeader é o header com a identidade do dono, já autenticada por quem
	// está na frente do serviço.
	OwnerHeader       string        `yaml:"owner_header"`
	TrustXFF          bool          `yaml:"trust_xff"`
	RetryAfter        time.Duration `yaml:"retry_after"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
}

type StoreConfig struct {
	Backend     string        `yaml:"backend"` // "redis" ou "memory"
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	OpTimeout   time.Duration `yaml:"op_timeout"`
}

type QuotaConfig struct {
	GlobalLimit int64 `yaml:"global_limit"`
	OwnerLimit  int64 `yaml:"owner_limit"`
	// Mode: "two_phase" (padrão) ou "script" (admissão atômica multi-chave).
	Mode           string        `yaml:"mode"`
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type TokenConfig struct {
	Secret string        `yaml:"secret"`
	Issuer string        `yaml:"issuer"`
	TTL    time.Duration `yaml:"ttl"`
}

type KeysConfig struct {
	Namespace    string `yaml:"namespace"`
	Global       string `yaml:"global"`
	OwnerPrefix  string `yaml:"owner_prefix"`
	IssuedPrefix string `yaml:"issued_prefix"`
	UsedPrefix   string `yaml:"used_prefix"`
}

type ThrottleConfig struct {
	Enabled bool          `yaml:"enabled"`
	RPS     float64       `yaml:"rps"`
	Burst   int           `yaml:"burst"`
	IdleTTL time.Duration `yaml:"idle_ttl"`
	// AddHeaders liga os cabeçalhos X-RateLimit-* nas respostas.
	AddHeaders bool `yaml:"add_headers"`
}

type ConcurrencyConfig struct {
	Max            int           `yaml:"max"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

type EventsConfig struct {
	Redis       bool          `yaml:"redis"`
	Prefix      string        `yaml:"prefix"`
	TTL         time.Duration `yaml:"ttl"`
	Bucket      string        `yaml:"bucket"`
	TrackOwners bool          `yaml:"track_owners"`
	Metrics     bool          `yaml:"metrics"`
	JournalPath string        `yaml:"journal_path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const (
	ModeTwoPhase = "two_phase"
	ModeScript   = "script"

	BackendRedis  = "redis"
	BackendMemory = "memory"
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:        ":8005",
			OwnerHeader:       "X-Owner-ID",
			RetryAfter:        time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       90 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Store: StoreConfig{
			Backend:     BackendRedis,
			Addr:        "localhost:6379",
			PoolSize:    20,
			DialTimeout: 5 * time.Second,
			OpTimeout:   5 * time.Second,
		},
		Quota: QuotaConfig{
			GlobalLimit:    77,
			OwnerLimit:     5,
			Mode:           ModeTwoPhase,
			MaxRetries:     50,
			InitialBackoff: 5 * time.Millisecond,
			MaxBackoff:     100 * time.Millisecond,
		},
		Token: TokenConfig{
			Issuer: "coupond",
			TTL:    24 * time.Hour,
		},
		Keys: KeysConfig{
			Global:       "global_counter",
			OwnerPrefix:  "owner_counter:",
			IssuedPrefix: "owner_issued:",
			UsedPrefix:   "used:",
		},
		Throttle: ThrottleConfig{
			Enabled: true,
			RPS:     10,
			Burst:   20,
			IdleTTL: 15 * time.Minute,
		},
		Concurrency: ConcurrencyConfig{Max: 100},
		Events: EventsConfig{
			Prefix:  "coupon:events",
			TTL:     24 * time.Hour,
			Bucket:  "minute",
			Metrics: true,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load aplica padrões, o YAML em path (se não vazio), as variáveis de
// ambiente e valida o resultado.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration file %q: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Server.ListenAddr = getenvDefault("COUPON_LISTEN_ADDR", cfg.Server.ListenAddr)
	cfg.Server.OwnerHeader = getenvDefault("COUPON_OWNER_HEADER", cfg.Server.OwnerHeader)
	cfg.Server.TrustXFF = getenvBoolDefault("COUPON_TRUST_XFF", cfg.Server.TrustXFF)
	cfg.Server.RetryAfter = getenvDurationDefault("COUPON_RETRY_AFTER", cfg.Server.RetryAfter)

	cfg.Store.Backend = getenvDefault("COUPON_STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.Addr = getenvDefault("COUPON_REDIS_ADDR", cfg.Store.Addr)
	cfg.Store.Password = getenvDefault("COUPON_REDIS_PASSWORD", cfg.Store.Password)
	cfg.Store.DB = getenvIntDefault("COUPON_REDIS_DB", cfg.Store.DB)
	cfg.Store.PoolSize = getenvIntDefault("COUPON_REDIS_POOL_SIZE", cfg.Store.PoolSize)

	cfg.Quota.GlobalLimit = int64(getenvIntDefault("COUPON_MAX_TOKENS", int(cfg.Quota.GlobalLimit)))
	cfg.Quota.OwnerLimit = int64(getenvIntDefault("COUPON_MAX_TOKENS_PER_OWNER", int(cfg.Quota.OwnerLimit)))
	cfg.Quota.Mode = getenvDefault("COUPON_QUOTA_MODE", cfg.Quota.Mode)
	cfg.Quota.MaxRetries = getenvIntDefault("COUPON_MAX_RETRIES", cfg.Quota.MaxRetries)

	cfg.Token.Secret = getenvDefault("COUPON_TOKEN_SECRET", cfg.Token.Secret)
	cfg.Token.TTL = getenvDurationDefault("COUPON_TOKEN_TTL", cfg.Token.TTL)

	cfg.Keys.Namespace = getenvDefault("COUPON_KEY_NAMESPACE", cfg.Keys.Namespace)

	cfg.Throttle.Enabled = getenvBoolDefault("COUPON_THROTTLE_ENABLED", cfg.Throttle.Enabled)
	cfg.Throttle.RPS = getenvFloatDefault("COUPON_THROTTLE_RPS", cfg.Throttle.RPS)
	cfg.Throttle.Burst = getenvIntDefault("COUPON_THROTTLE_BURST", cfg.Throttle.Burst)
	cfg.Throttle.AddHeaders = getenvBoolDefault("COUPON_THROTTLE_HEADERS", cfg.Throttle.AddHeaders)

	cfg.Concurrency.Max = getenvIntDefault("COUPON_CONCURRENCY_MAX", cfg.Concurrency.Max)
	cfg.Concurrency.AcquireTimeout = getenvDurationDefault("COUPON_CONCURRENCY_TIMEOUT", cfg.Concurrency.AcquireTimeout)

	cfg.Events.Redis = getenvBoolDefault("COUPON_EVENTS_REDIS", cfg.Events.Redis)
	cfg.Events.Metrics = getenvBoolDefault("COUPON_EVENTS_METRICS", cfg.Events.Metrics)
	cfg.Events.JournalPath = getenvDefault("COUPON_JOURNAL_PATH", cfg.Events.JournalPath)

	cfg.Log.Level = getenvDefault("COUPON_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getenvDefault("COUPON_LOG_FORMAT", cfg.Log.Format)
}

// Validate junta todos os problemas encontrados num único erro.
func Validate(cfg *Config) error {
	var errs []error

	switch cfg.Store.Backend {
	case BackendRedis:
		if strings.TrimSpace(cfg.Store.Addr) == "" {
			errs = append(errs, errors.New("store.addr is required when store.backend=redis"))
		}
	case BackendMemory:
		if cfg.Events.Redis {
			errs = append(errs, errors.New("events.redis requires store.backend=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend must be %q or %q, got %q", BackendRedis, BackendMemory, cfg.Store.Backend))
	}

	if cfg.Quota.GlobalLimit <= 0 {
		errs = append(errs, errors.New("quota.global_limit must be > 0"))
	}
	if cfg.Quota.OwnerLimit <= 0 {
		errs = append(errs, errors.New("quota.owner_limit must be > 0"))
	}
	if cfg.Quota.Mode != ModeTwoPhase && cfg.Quota.Mode != ModeScript {
		errs = append(errs, fmt.Errorf("quota.mode must be %q or %q, got %q", ModeTwoPhase, ModeScript, cfg.Quota.Mode))
	}
	if cfg.Quota.MaxRetries <= 0 {
		errs = append(errs, errors.New("quota.max_retries must be > 0"))
	}

	if cfg.Token.Secret == "" {
		errs = append(errs, errors.New("token.secret is required (COUPON_TOKEN_SECRET)"))
	}
	if cfg.Token.TTL <= 0 {
		errs = append(errs, errors.New("token.ttl must be > 0"))
	}

	if cfg.Keys.Global == "" || cfg.Keys.OwnerPrefix == "" || cfg.Keys.IssuedPrefix == "" || cfg.Keys.UsedPrefix == "" {
		errs = append(errs, errors.New("keys.global, keys.owner_prefix, keys.issued_prefix and keys.used_prefix must not be empty"))
	} else if strings.HasPrefix(cfg.Keys.OwnerPrefix, cfg.Keys.IssuedPrefix) || strings.HasPrefix(cfg.Keys.IssuedPrefix, cfg.Keys.OwnerPrefix) {
		// os scans por padrão "prefixo*" misturariam as duas famílias.
		errs = append(errs, fmt.Errorf("keys.owner_prefix %q and keys.issued_prefix %q must not overlap", cfg.Keys.OwnerPrefix, cfg.Keys.IssuedPrefix))
	}

	if cfg.Throttle.Enabled {
		if cfg.Throttle.RPS <= 0 {
			errs = append(errs, errors.New("throttle.rps must be > 0"))
		}
		if cfg.Throttle.Burst <= 0 {
			errs = append(errs, errors.New("throttle.burst must be > 0"))
		}
	}
	if cfg.Concurrency.Max < 0 {
		errs = append(errs, errors.New("concurrency.max must be >= 0"))
	}

	if _, err := logrus.ParseLevel(cfg.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", cfg.Log.Format))
	}

	return errors.Join(errs...)
}
