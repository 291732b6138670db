package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the research orchestrator
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Locking   LockingConfig   `mapstructure:"locking"`
	Events    EventsConfig    `mapstructure:"events"`
	Judge     JudgeConfig     `mapstructure:"judge"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Server    ServerConfig    `mapstructure:"server"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// PipelineConfig controls phase sequencing, concurrency and timeouts.
type PipelineConfig struct {
	ConcurrencyLimit    int           `mapstructure:"concurrency_limit"`
	PlanningTimeout     time.Duration `mapstructure:"planning_timeout"`
	SearchTimeout       time.Duration `mapstructure:"search_timeout"`
	EvaluationTimeout   time.Duration `mapstructure:"evaluation_timeout"`
	SynthesisTimeout    time.Duration `mapstructure:"synthesis_timeout"`
	SessionBudget       time.Duration `mapstructure:"session_budget"`
	MaxGapFills         int           `mapstructure:"max_gap_fills"`
	PlanningRetries     int           `mapstructure:"planning_retries"`
	RetryFailedSearches bool          `mapstructure:"retry_failed_searches"`
}

// WorkerConfig selects and configures the worker invoker.
type WorkerConfig struct {
	Type   string       `mapstructure:"type"` // offline, openai, gemini, exec
	OpenAI OpenAIConfig `mapstructure:"openai"`
	Gemini GeminiConfig `mapstructure:"gemini"`
	Exec   ExecConfig   `mapstructure:"exec"`
}

// OpenAIConfig configures an OpenAI-compatible chat completions endpoint.
type OpenAIConfig struct {
	APIKey      string  `mapstructure:"api_key"`
	BaseURL     string  `mapstructure:"base_url"`
	Model       string  `mapstructure:"model"`
	Temperature float64 `mapstructure:"temperature"`
	MaxTokens   int     `mapstructure:"max_tokens"`
}

// GeminiConfig configures the Gemini API worker.
type GeminiConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// ExecConfig configures a worker backed by an external command.
type ExecConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	Dir     string   `mapstructure:"dir"`
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Backend  string         `mapstructure:"backend"` // file, postgres
	File     FileConfig     `mapstructure:"file"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// FileConfig contains file storage settings
type FileConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// LockingConfig selects how the single-writer rule is enforced.
type LockingConfig struct {
	Backend string        `mapstructure:"backend"` // local, redis
	TTL     time.Duration `mapstructure:"ttl"`
}

// EventsConfig controls publication of session transition events.
type EventsConfig struct {
	RedisStream string `mapstructure:"redis_stream"`
	MaxLen      int64  `mapstructure:"max_len"`
}

// JudgeConfig configures the rubric used by the scorer.
type JudgeConfig struct {
	RubricFile        string        `mapstructure:"rubric_file"`
	AdoptionThreshold *float64      `mapstructure:"adoption_threshold"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name"`
}

// ServerConfig contains HTTP server and auth settings
type ServerConfig struct {
	Address   string `mapstructure:"address"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("pipeline.concurrency_limit", 6)
	v.SetDefault("pipeline.planning_timeout", 120*time.Second)
	v.SetDefault("pipeline.search_timeout", 180*time.Second)
	v.SetDefault("pipeline.evaluation_timeout", 120*time.Second)
	v.SetDefault("pipeline.synthesis_timeout", 300*time.Second)
	v.SetDefault("pipeline.session_budget", 30*time.Minute)
	v.SetDefault("pipeline.max_gap_fills", 1)
	v.SetDefault("pipeline.planning_retries", 1)
	v.SetDefault("pipeline.retry_failed_searches", false)
	v.SetDefault("worker.type", "offline")
	v.SetDefault("worker.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("worker.openai.model", "gpt-4o-mini")
	v.SetDefault("worker.openai.temperature", 0.2)
	v.SetDefault("worker.gemini.model", "gemini-2.0-flash")
	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.file.data_dir", "./sessions")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.timeout", 5*time.Second)
	v.SetDefault("locking.backend", "local")
	v.SetDefault("locking.ttl", 45*time.Minute)
	v.SetDefault("events.max_len", 10000)
	v.SetDefault("judge.timeout", 120*time.Second)
	v.SetDefault("telemetry.service_name", "deepsearch")
	v.SetDefault("server.address", ":10001")
}

// LoadConfig loads config from file. An empty path searches the usual
// locations; a missing file there is not an error and defaults apply.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("DEEPSEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Pipeline = cfg.Pipeline.Normalize()
	cfg.Storage = cfg.Storage.Normalize()
	cfg.Locking = cfg.Locking.Normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.Pipeline.Validate(); err != nil {
		return err
	}
	if err := c.Worker.Validate(); err != nil {
		return err
	}
	if err := c.Storage.Validate(); err != nil {
		return err
	}
	if err := c.Locking.Validate(c.Storage.Redis); err != nil {
		return err
	}
	if c.Events.RedisStream != "" {
		if err := c.Storage.Redis.Validate(); err != nil {
			return fmt.Errorf("events.redis_stream: %w", err)
		}
	}
	if c.Judge.AdoptionThreshold != nil && *c.Judge.AdoptionThreshold < 0 {
		return fmt.Errorf("judge.adoption_threshold cannot be negative")
	}
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	return nil
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && t.MetricsPort < 0 {
		return fmt.Errorf("telemetry.metrics_port cannot be negative")
	}
	return nil
}
