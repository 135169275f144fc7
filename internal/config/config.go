package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the innoweaver backend
type Config struct {
	Redis     RedisConfig     `yaml:"redis"`
	Server    ServerConfig    `yaml:"server"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	LLM       LLMConfig       `yaml:"llm"`
	Drawing   DrawingConfig   `yaml:"drawing"`
	Search    SearchConfig    `yaml:"search"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EndpointLimit is a per-path request policy
type EndpointLimit struct {
	Path   string        `yaml:"path"`
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// RateLimitConfig holds request-rate governor settings
type RateLimitConfig struct {
	Enabled       bool            `yaml:"enabled"`
	KeyPrefix     string          `yaml:"key_prefix"`
	DefaultLimit  int             `yaml:"default_limit"`
	DefaultWindow time.Duration   `yaml:"default_window"`
	IPLimit       int             `yaml:"ip_limit"`
	IPWindow      time.Duration   `yaml:"ip_window"`
	FailOpen      bool            `yaml:"fail_open"`
	Endpoints     []EndpointLimit `yaml:"endpoints"`
}

// PipelineConfig holds stage engine settings
type PipelineConfig struct {
	// TTL applied to a task record on every write
	TaskTTL time.Duration `yaml:"task_ttl"`

	// How long a failed task stays pollable before it is reclaimed
	FailureGrace time.Duration `yaml:"failure_grace"`

	// Overall deadline for one stage call
	StageDeadline time.Duration `yaml:"stage_deadline"`

	// Drawing makes one generate+upload per sub-solution and gets a longer budget
	DrawingDeadline time.Duration `yaml:"drawing_deadline"`

	// Optimistic write retries under contention
	MaxUpdateRetries int           `yaml:"max_update_retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`

	// Parallel document lookups for paper/example stages
	LookupConcurrency int `yaml:"lookup_concurrency"`

	// Directory of <name>.txt system prompts; built-in prompts are used when empty
	PromptDir string `yaml:"prompt_dir"`
}

// LLMConfig holds default chat-completion settings; user credentials override them
type LLMConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// DrawingConfig holds image generation and upload settings
type DrawingConfig struct {
	BaseURL      string        `yaml:"base_url"`
	APIKey       string        `yaml:"api_key"`
	Model        string        `yaml:"model"`
	UploadURL    string        `yaml:"upload_url"`
	UploadAPIKey string        `yaml:"upload_api_key"`
	JPEGQuality  int           `yaml:"jpeg_quality"`
	Timeout      time.Duration `yaml:"timeout"`
}

// SearchConfig holds search index settings
type SearchConfig struct {
	Host          string        `yaml:"host"`
	APIKey        string        `yaml:"api_key"`
	PaperIndex    string        `yaml:"paper_index"`
	SolutionIndex string        `yaml:"solution_index"`
	Limit         int           `yaml:"limit"`
	Timeout       time.Duration `yaml:"timeout"`
}

// AuthConfig holds credential settings
type AuthConfig struct {
	SecretKey   string        `yaml:"secret_key"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
	KeyPrefix   string        `yaml:"key_prefix"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: 10,
		},
		Server: ServerConfig{
			ListenAddr:      getEnv("LISTEN_ADDR", ":5001"),
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    11 * time.Minute,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			KeyPrefix:     "innoweaver:ratelimit:",
			DefaultLimit:  60,
			DefaultWindow: time.Minute,
			IPLimit:       100,
			IPWindow:      time.Minute,
			FailOpen:      true,
			Endpoints: []EndpointLimit{
				{Path: "/api/query", Limit: 5, Window: time.Minute},
				{Path: "/api/knowledge_extraction", Limit: 10, Window: time.Minute},
				{Path: "/api/user/api_key", Limit: 5, Window: time.Minute},
				{Path: "/api/login", Limit: 10, Window: time.Minute},
			},
		},
		Pipeline: PipelineConfig{
			TaskTTL:           time.Hour,
			FailureGrace:      5 * time.Minute,
			StageDeadline:     3 * time.Minute,
			DrawingDeadline:   10 * time.Minute,
			MaxUpdateRetries:  8,
			RetryBackoff:      20 * time.Millisecond,
			LookupConcurrency: 8,
			PromptDir:         getEnv("PROMPT_DIR", ""),
		},
		LLM: LLMConfig{
			BaseURL: getEnv("OPENAI_BASE_URL", "https://api.deepseek.com/v1"),
			APIKey:  getEnv("OPENAI_API_KEY", ""),
			Model:   getEnv("OPENAI_MODEL", "deepseek-chat"),
			Timeout: 5 * time.Minute,
		},
		Drawing: DrawingConfig{
			BaseURL:      getEnv("DRAW_URL", "https://api.openai.com/v1"),
			APIKey:       getEnv("DRAW_API_KEY", ""),
			Model:        getEnv("DRAW_MODEL", "dall-e-3"),
			UploadURL:    getEnv("SM_MS_UPLOAD_URL", "https://sm.ms/api/v2/upload"),
			UploadAPIKey: getEnv("SM_MS_API_KEY", ""),
			JPEGQuality:  30,
			Timeout:      time.Minute,
		},
		Search: SearchConfig{
			Host:          getEnv("MEILI_HOST", "http://127.0.0.1:7700"),
			APIKey:        getEnv("MEILI_API_KEY", ""),
			PaperIndex:    "paper_id",
			SolutionIndex: "solution_id",
			Limit:         10,
			Timeout:       30 * time.Second,
		},
		Auth: AuthConfig{
			SecretKey:   getEnv("SECRET_KEY", ""),
			TokenExpiry: 7 * 24 * time.Hour,
			KeyPrefix:   "innoweaver:user:",
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "text"),
		},
	}
}

// Load returns defaults overlaid with the YAML file at path, if any.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// RedisAddr returns the full Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Redis.Host == "" {
		return fmt.Errorf("redis host cannot be empty")
	}
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server listen address cannot be empty")
	}
	if c.Auth.SecretKey == "" {
		return fmt.Errorf("auth secret key cannot be empty")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.DefaultLimit < 1 || c.RateLimit.IPLimit < 1 {
			return fmt.Errorf("rate limits must be at least 1")
		}
		if c.RateLimit.DefaultWindow < time.Second || c.RateLimit.IPWindow < time.Second {
			return fmt.Errorf("rate limit windows must be at least 1s")
		}
		for _, ep := range c.RateLimit.Endpoints {
			if ep.Path == "" || ep.Limit < 1 || ep.Window < time.Second {
				return fmt.Errorf("invalid endpoint limit for %q", ep.Path)
			}
		}
	}
	if c.Pipeline.TaskTTL <= 0 {
		return fmt.Errorf("task ttl must be positive")
	}
	if c.Pipeline.StageDeadline <= 0 {
		return fmt.Errorf("stage deadline must be positive")
	}
	if longest := max(c.Pipeline.StageDeadline, c.Pipeline.DrawingDeadline); c.Server.WriteTimeout <= longest {
		return fmt.Errorf("server write timeout %v must exceed the longest stage deadline %v", c.Server.WriteTimeout, longest)
	}
	if c.Pipeline.MaxUpdateRetries < 1 {
		return fmt.Errorf("max update retries must be at least 1")
	}
	if c.Drawing.JPEGQuality < 1 || c.Drawing.JPEGQuality > 100 {
		return fmt.Errorf("jpeg quality must be in [1,100]")
	}
	return nil
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
