// Package config loads bot configuration from a YAML file with environment
// variable fallback. A .env file in the working directory is honored the same
// way the deployment scripts expect.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	// Telegram
	TelegramToken string `yaml:"telegram_token"`

	// Phyxie API
	APIBaseURL string `yaml:"api_base_url"`
	APIKey     string `yaml:"api_key"`

	// Request handling
	ChatTimeout   time.Duration `yaml:"chat_timeout"`
	UploadTimeout time.Duration `yaml:"upload_timeout"`

	Retry RetryConfig `yaml:"retry"`

	// File validation
	MaxFileSizeMB      int      `yaml:"max_file_size_mb"`
	AllowedExtensions  []string `yaml:"allowed_extensions"`
	ImageExtensions    []string `yaml:"image_extensions"`
	DocumentExtensions []string `yaml:"document_extensions"`

	Session SessionConfig `yaml:"session"`

	// Observability
	MetricsPort int    `yaml:"metrics_port"`
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"` // text or json

	// Inbound rate limiting (messages per second per user)
	RateLimitPerSecond float64 `yaml:"rate_limit_per_second"`
	RateLimitBurst     int     `yaml:"rate_limit_burst"`
}

// RetryConfig holds retry policy configuration for the API client
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// SessionConfig holds session store configuration
type SessionConfig struct {
	// RedisAddr selects the Redis backend when non-empty (host:port).
	// An empty address uses the in-memory store.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	// IdleWindow is how long a session may stay inactive before the
	// expiry sweep removes it.
	IdleWindow time.Duration `yaml:"idle_window"`
	// SweepSchedule is a cron expression for the expiry sweep.
	SweepSchedule string `yaml:"sweep_schedule"`
}

const (
	defaultChatTimeout   = 90 * time.Second
	defaultUploadTimeout = 2 * time.Minute
	defaultIdleWindow    = 24 * time.Hour
)

var defaultAllowedExtensions = []string{
	"jpg", "jpeg", "png", "gif", "webp", "svg",
	"pdf", "txt", "md", "markdown", "html", "xlsx", "xls", "docx",
	"csv", "eml", "msg", "pptx", "ppt", "xml", "epub",
}

var defaultImageExtensions = []string{"jpg", "jpeg", "png", "gif", "webp", "svg"}

var defaultDocumentExtensions = []string{
	"pdf", "txt", "md", "markdown", "html", "xlsx", "xls", "docx",
	"csv", "eml", "msg", "pptx", "ppt", "xml", "epub",
}

// Load loads configuration from a YAML file. A missing file is not an error;
// everything can be supplied through the environment.
func Load(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	return &cfg, nil
}

func (c *Config) applyEnv() {
	if c.TelegramToken == "" {
		c.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	}
	if c.APIBaseURL == "" {
		c.APIBaseURL = os.Getenv("PHYXIE_API_BASE_URL")
	}
	if c.APIKey == "" {
		c.APIKey = os.Getenv("PHYXIE_API_KEY")
	}
	if c.LogLevel == "" {
		c.LogLevel = os.Getenv("LOG_LEVEL")
	}
	if c.Session.RedisAddr == "" {
		c.Session.RedisAddr = os.Getenv("REDIS_ADDR")
	}
	if c.MaxFileSizeMB == 0 {
		if v := os.Getenv("MAX_FILE_SIZE_MB"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				c.MaxFileSizeMB = n
			}
		}
	}
	if len(c.AllowedExtensions) == 0 {
		if v := os.Getenv("ALLOWED_FILE_EXTENSIONS"); v != "" {
			c.AllowedExtensions = splitExtensions(v)
		}
	}
}

func (c *Config) applyDefaults() {
	if c.APIBaseURL == "" {
		c.APIBaseURL = "https://dify.com/v1"
	}
	if c.ChatTimeout == 0 {
		c.ChatTimeout = defaultChatTimeout
	}
	if c.UploadTimeout == 0 {
		c.UploadTimeout = defaultUploadTimeout
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay == 0 {
		c.Retry.BaseDelay = time.Second
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = 30 * time.Second
	}
	if c.MaxFileSizeMB == 0 {
		c.MaxFileSizeMB = 15
	}
	if len(c.AllowedExtensions) == 0 {
		c.AllowedExtensions = defaultAllowedExtensions
	}
	if len(c.ImageExtensions) == 0 {
		c.ImageExtensions = defaultImageExtensions
	}
	if len(c.DocumentExtensions) == 0 {
		c.DocumentExtensions = defaultDocumentExtensions
	}
	if c.Session.IdleWindow == 0 {
		c.Session.IdleWindow = defaultIdleWindow
	}
	if c.Session.SweepSchedule == "" {
		c.Session.SweepSchedule = "@every 10m"
	}
	if c.MetricsPort == 0 {
		c.MetricsPort = 8080
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.RateLimitPerSecond == 0 {
		c.RateLimitPerSecond = 1
	}
	if c.RateLimitBurst == 0 {
		c.RateLimitBurst = 3
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.TelegramToken == "" {
		return fmt.Errorf("telegram_token is required (TELEGRAM_BOT_TOKEN)")
	}
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required (PHYXIE_API_KEY)")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be at least 1")
	}
	if c.MaxFileSizeMB < 1 {
		return fmt.Errorf("max_file_size_mb must be at least 1")
	}
	return nil
}

// MaxFileSizeBytes returns the configured file size limit in bytes.
func (c *Config) MaxFileSizeBytes() int64 {
	return int64(c.MaxFileSizeMB) * 1024 * 1024
}

func splitExtensions(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, strings.TrimPrefix(p, "."))
		}
	}
	return out
}
