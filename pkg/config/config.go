package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/xaenox/weather-chat/internal/agent"
)

type Config struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Agent    AgentConfig    `mapstructure:"agent"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Database DatabaseConfig `mapstructure:"database"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Log      LogConfig      `mapstructure:"log"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
	// EditInterval throttles how often a streaming reply is re-rendered.
	EditInterval time.Duration `mapstructure:"edit_interval"`
}

type AgentConfig struct {
	Backend     string        `mapstructure:"backend"` // http or openai
	URL         string        `mapstructure:"url"`
	RunID       string        `mapstructure:"run_id"`
	ResourceID  string        `mapstructure:"resource_id"`
	MaxRetries  int           `mapstructure:"max_retries"`
	MaxSteps    int           `mapstructure:"max_steps"`
	Temperature float64       `mapstructure:"temperature"`
	TopP        float64       `mapstructure:"top_p"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type OpenAIConfig struct {
	APIKey    string `mapstructure:"api_key"`
	BaseURL   string `mapstructure:"base_url"`
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

type ChatConfig struct {
	// DefaultThreadID identifies the conversation used until another thread is selected.
	DefaultThreadID string `mapstructure:"default_thread_id"`
}

type StorageConfig struct {
	Backend string `mapstructure:"backend"` // memory, postgres, sqlite or redis
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type LogConfig struct {
	Development bool `mapstructure:"development"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		if port, err = strconv.Atoi(u.Port()); err != nil {
			return DatabaseConfig{}, fmt.Errorf("invalid port %q: %w", u.Port(), err)
		}
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		DBName:   strings.TrimPrefix(u.Path, "/"),
		SSLMode:  sslMode,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telegram.edit_interval", time.Second)
	v.SetDefault("agent.backend", "http")
	v.SetDefault("agent.url", agent.DefaultURL)
	v.SetDefault("agent.run_id", "weatherAgent")
	v.SetDefault("agent.resource_id", "weatherAgent")
	v.SetDefault("agent.max_retries", 2)
	v.SetDefault("agent.max_steps", 5)
	v.SetDefault("agent.temperature", 0.5)
	v.SetDefault("agent.top_p", 1.0)
	v.SetDefault("agent.timeout", 2*time.Minute)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("openai.max_tokens", 1024)
	v.SetDefault("chat.default_thread_id", "2")
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("sqlite.path", "data/weather-chat.db")
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("log.development", false)
}

// LoadConfig reads path if it exists and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Enable environment variable support, e.g. AGENT_URL or STORAGE_BACKEND
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, err
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Check for DATABASE_URL environment variable
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		config.Database = dbConfig
	}

	if token := v.GetString("TELEGRAM_TOKEN"); token != "" {
		config.Telegram.Token = token
	}
	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}
	if redisURL := v.GetString("REDIS_URL"); redisURL != "" {
		config.Redis.URL = redisURL
	}
	if threadID := strings.TrimSpace(v.GetString("THREAD_ID")); threadID != "" {
		config.Chat.DefaultThreadID = threadID
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	switch c.Agent.Backend {
	case "http":
	case "openai":
		if c.OpenAI.APIKey == "" {
			return fmt.Errorf("openai.api_key is required for the openai agent backend")
		}
	default:
		return fmt.Errorf("unknown agent backend %q", c.Agent.Backend)
	}

	switch c.Storage.Backend {
	case "memory", "postgres", "sqlite", "redis":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if strings.TrimSpace(c.Chat.DefaultThreadID) == "" {
		return fmt.Errorf("chat.default_thread_id must not be empty")
	}
	return nil
}
