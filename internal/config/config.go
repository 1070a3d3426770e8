// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev  bool
	Role string
}

type ServerConfig struct {
	Port            int           `yaml:"port" validate:"gte=1,lte=65535"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level    string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format   string `yaml:"format" validate:"oneof=json console"`
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
	Migrate  bool   `yaml:"migrate"`
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" validate:"required,min=16"`
	Issuer    string `yaml:"issuer"`
	Audience  string `yaml:"audience"`
}

type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" validate:"min=1"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	AllowedMethods []string `yaml:"allowed_methods"`
}

// VendorConfig holds credentials for one provider kind.
type VendorConfig struct {
	APIKey          string `yaml:"api_key"`
	BaseURL         string `yaml:"base_url" validate:"omitempty,url"`
	DefaultModel    string `yaml:"default_model"`
	MaxOutputTokens int    `yaml:"max_output_tokens"`
}

// ProviderSeed is one row of llm_providers as written by cmd/seed.
type ProviderSeed struct {
	Slug            string `yaml:"slug" validate:"required,max=100"`
	Kind            string `yaml:"kind" validate:"required,oneof=openai anthropic gemini"`
	Name            string `yaml:"name"`
	TimeoutSeconds  int    `yaml:"timeout_seconds" validate:"gte=0"`
	MaxRetries      int    `yaml:"max_retries" validate:"gte=0,lte=20"`
	Model           string `yaml:"model"`
	MaxOutputTokens int    `yaml:"max_output_tokens"`
	Delivery        string `yaml:"delivery" validate:"omitempty,oneof=sync webhook"`
	Enabled         *bool  `yaml:"enabled"`
}

func (p ProviderSeed) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }

type LLMConfig struct {
	DefaultProvider   string         `yaml:"default_provider" validate:"required"`
	OpenAI            VendorConfig   `yaml:"openai"`
	Anthropic         VendorConfig   `yaml:"anthropic"`
	Gemini            VendorConfig   `yaml:"gemini"`
	ConcurrentLimit   int            `yaml:"concurrent_limit"` // max concurrent calls per provider
	RequestsPerSecond float64        `yaml:"requests_per_second"`
	Providers         []ProviderSeed `yaml:"providers" validate:"dive"`
}

type RateLimitConfig struct {
	DefaultQuota int           `yaml:"default_quota" validate:"gte=1"`
	Window       time.Duration `yaml:"window" validate:"gte=1s"`
}

type BackoffConfig struct {
	Base       time.Duration `yaml:"base"`
	Max        time.Duration `yaml:"max"`
	Multiplier float64       `yaml:"multiplier" validate:"gte=1"`
}

type WorkerConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Concurrency  int           `yaml:"concurrency" validate:"gte=1"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size" validate:"gte=1"`
	Backoff      BackoffConfig `yaml:"backoff"`
	StaleAfter   time.Duration `yaml:"stale_after"`
	ReapInterval time.Duration `yaml:"reap_interval"`
}

type WebhookConfig struct {
	// Secrets maps provider kind (or slug) to its signing secret.
	Secrets   map[string]string `yaml:"secrets"`
	Tolerance time.Duration     `yaml:"tolerance"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	CORS      CORSConfig      `yaml:"cors"`
	LLM       LLMConfig       `yaml:"llm"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Worker    WorkerConfig    `yaml:"worker"`
	Webhook   WebhookConfig   `yaml:"webhook"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the yaml file at path, expanding ${VAR} references from the
// environment, applies defaults and validates the result.
func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b, dev)
}

func Parse(b []byte, dev bool) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Runtime.Dev = dev
	applyDefaults(&cfg)

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if cfg.Database.URL == "" && !dev {
		return nil, errors.New("database.url is required")
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	cfg.Server.ReadTimeout = orDuration(cfg.Server.ReadTimeout, 15*time.Second)
	// sync queries hold the connection for the whole provider call
	cfg.Server.WriteTimeout = orDuration(cfg.Server.WriteTimeout, 150*time.Second)
	cfg.Server.RequestTimeout = orDuration(cfg.Server.RequestTimeout, 140*time.Second)
	cfg.Server.ShutdownTimeout = orDuration(cfg.Server.ShutdownTimeout, 20*time.Second)

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 20
	}
	cfg.Redis.TTL = normalizeTTL(cfg.Redis.TTL)

	if len(cfg.CORS.AllowedOrigins) == 0 {
		cfg.CORS.AllowedOrigins = []string{"*"}
	}
	if len(cfg.CORS.AllowedHeaders) == 0 {
		cfg.CORS.AllowedHeaders = []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Client-Info", "Apikey"}
	}
	if len(cfg.CORS.AllowedMethods) == 0 {
		cfg.CORS.AllowedMethods = []string{"GET", "POST", "OPTIONS"}
	}

	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "openai"
	}
	if cfg.LLM.ConcurrentLimit <= 0 {
		cfg.LLM.ConcurrentLimit = 16
	}
	if cfg.LLM.OpenAI.DefaultModel == "" {
		cfg.LLM.OpenAI.DefaultModel = "gpt-4o-mini"
	}
	if cfg.LLM.Anthropic.DefaultModel == "" {
		cfg.LLM.Anthropic.DefaultModel = "claude-3-5-haiku-latest"
	}
	if cfg.LLM.Gemini.DefaultModel == "" {
		cfg.LLM.Gemini.DefaultModel = "gemini-2.0-flash"
	}
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		p.Kind = strings.ToLower(p.Kind)
		if p.Name == "" {
			p.Name = p.Slug
		}
		if p.TimeoutSeconds == 0 {
			p.TimeoutSeconds = 60
		}
	}

	if cfg.RateLimit.DefaultQuota == 0 {
		cfg.RateLimit.DefaultQuota = 1000
	}
	cfg.RateLimit.Window = orDuration(cfg.RateLimit.Window, time.Hour)

	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 4
	}
	if cfg.Worker.BatchSize <= 0 {
		cfg.Worker.BatchSize = cfg.Worker.Concurrency
	}
	cfg.Worker.PollInterval = orDuration(cfg.Worker.PollInterval, 2*time.Second)
	cfg.Worker.Backoff.Base = orDuration(cfg.Worker.Backoff.Base, 2*time.Second)
	cfg.Worker.Backoff.Max = orDuration(cfg.Worker.Backoff.Max, 5*time.Minute)
	if cfg.Worker.Backoff.Multiplier == 0 {
		cfg.Worker.Backoff.Multiplier = 2
	}
	cfg.Worker.StaleAfter = orDuration(cfg.Worker.StaleAfter, 10*time.Minute)
	cfg.Worker.ReapInterval = orDuration(cfg.Worker.ReapInterval, time.Minute)

	cfg.Webhook.Tolerance = orDuration(cfg.Webhook.Tolerance, 5*time.Minute)
}

func orDuration(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func normalizeTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Hour
	}
	return d
}
