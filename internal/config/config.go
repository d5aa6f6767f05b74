package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/leofalp/agentcanvas/providers/skill"
)

// EnvPrefix is shared by every environment override.
const EnvPrefix = "AGENTCANVAS_"

// Store and presence drivers.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

var validate = validator.New()

// Config is the complete server configuration.
type Config struct {
	Server    ServerConfig       `yaml:"server"`
	Log       LogConfig          `yaml:"log"`
	Engine    EngineConfig       `yaml:"engine"`
	LLM       LLMConfig          `yaml:"llm"`
	Store     StoreConfig        `yaml:"store"`
	Presence  PresenceConfig     `yaml:"presence"`
	MQTT      MQTTConfig         `yaml:"mqtt"`
	Skills    []skill.Descriptor `yaml:"skills" validate:"dive"`
	Schedules []ScheduleConfig   `yaml:"schedules" validate:"dive"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	CORSOrigins     []string      `yaml:"cors_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Format string `yaml:"format" validate:"omitempty,oneof=compact pretty json"`
}

type EngineConfig struct {
	MaxParallelism   int           `yaml:"max_parallelism" validate:"gte=1"`
	ExecutionTimeout time.Duration `yaml:"execution_timeout" validate:"gt=0"`
	SkillTimeout     time.Duration `yaml:"skill_timeout" validate:"gt=0"`
	LLMTimeout       time.Duration `yaml:"llm_timeout" validate:"gt=0"`
	StallTimeout     time.Duration `yaml:"stall_timeout" validate:"gt=0"`

	// RunRetention keeps finished runs in memory for snapshots and replay.
	RunRetention time.Duration `yaml:"run_retention" validate:"gt=0"`

	Retry RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts" validate:"gte=1"`
	InitialBackoff time.Duration `yaml:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `yaml:"max_backoff" validate:"gtefield=InitialBackoff"`
}

type LLMConfig struct {
	BaseURL      string `yaml:"base_url" validate:"omitempty,url"`
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
}

type StoreConfig struct {
	Driver      string `yaml:"driver" validate:"oneof=memory postgres"`
	PostgresURL string `yaml:"postgres_url" validate:"required_if=Driver postgres"`
	TablePrefix string `yaml:"table_prefix"`

	// MigrateOnStart creates the tables when they do not exist.
	MigrateOnStart bool `yaml:"migrate_on_start"`
}

type PresenceConfig struct {
	Driver           string        `yaml:"driver" validate:"oneof=memory redis"`
	RedisURL         string        `yaml:"redis_url" validate:"required_if=Driver redis"`
	KeyPrefix        string        `yaml:"key_prefix"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" validate:"gt=0"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BrokerURL   string `yaml:"broker_url" validate:"required_if=Enabled true"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	SkipTokens  bool   `yaml:"skip_tokens"`
}

// ScheduleConfig declares a cron trigger at startup.
type ScheduleConfig struct {
	ID       string         `yaml:"id" validate:"required"`
	Cron     string         `yaml:"cron" validate:"required"`
	Timezone string         `yaml:"timezone"`
	Graph    string         `yaml:"graph" validate:"required"`
	Input    map[string]any `yaml:"input"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "compact"},
		Engine: EngineConfig{
			MaxParallelism:   8,
			ExecutionTimeout: 10 * time.Minute,
			SkillTimeout:     30 * time.Second,
			LLMTimeout:       120 * time.Second,
			StallTimeout:     30 * time.Second,
			RunRetention:     10 * time.Minute,
			Retry: RetryConfig{
				MaxAttempts:    3,
				InitialBackoff: 500 * time.Millisecond,
				MaxBackoff:     10 * time.Second,
			},
		},
		Store:    StoreConfig{Driver: DriverMemory, MigrateOnStart: true},
		Presence: PresenceConfig{Driver: DriverMemory, HeartbeatTimeout: 30 * time.Second},
		MQTT:     MQTTConfig{ClientID: "agentcanvas", TopicPrefix: "agentcanvas/executions"},
	}
}

// Load builds the configuration from defaults, the YAML file at path, the
// given .env files and the environment. An empty path falls back to
// AGENTCANVAS_CONFIG; when that is empty too no file is read. Missing .env
// files are ignored.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := loadDotEnv(envFiles...); err != nil {
		return nil, err
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes YAML on top of the defaults without reading the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and skill descriptors.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	seen := make(map[string]bool, len(c.Skills))
	for _, descriptor := range c.Skills {
		if err := descriptor.Validate(); err != nil {
			return fmt.Errorf("%w: skill %q: %w", ErrInvalidConfig, descriptor.ID, err)
		}
		if seen[descriptor.ID] {
			return fmt.Errorf("%w: duplicate skill id %q", ErrInvalidConfig, descriptor.ID)
		}
		seen[descriptor.ID] = true
	}
	return nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func loadDotEnv(files ...string) error {
	for _, file := range files {
		if _, err := os.Stat(file); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("config: load %s: %w", file, err)
		}
	}
	return nil
}

// applyEnv overrides fields from AGENTCANVAS_* variables.
func (c *Config) applyEnv() error {
	var errs []error
	str := func(name string, target *string) {
		if value, found := os.LookupEnv(EnvPrefix + name); found && value != "" {
			*target = value
		}
	}
	secret := func(name string, target *string) {
		value, err := ResolveSecret(EnvPrefix + name)
		if err != nil {
			errs = append(errs, err)
			return
		}
		if value != "" {
			*target = value
		}
	}
	number := func(name string, target *int) {
		if value, found := os.LookupEnv(EnvPrefix + name); found && value != "" {
			parsed, err := strconv.Atoi(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err))
				return
			}
			*target = parsed
		}
	}
	duration := func(name string, target *time.Duration) {
		if value, found := os.LookupEnv(EnvPrefix + name); found && value != "" {
			parsed, err := time.ParseDuration(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err))
				return
			}
			*target = parsed
		}
	}
	boolean := func(name string, target *bool) {
		if value, found := os.LookupEnv(EnvPrefix + name); found && value != "" {
			parsed, err := strconv.ParseBool(value)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err))
				return
			}
			*target = parsed
		}
	}

	str("ADDR", &c.Server.Addr)
	if value := os.Getenv(EnvPrefix + "CORS_ORIGINS"); value != "" {
		c.Server.CORSOrigins = splitList(value)
	}
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)

	number("MAX_PARALLELISM", &c.Engine.MaxParallelism)
	duration("EXECUTION_TIMEOUT", &c.Engine.ExecutionTimeout)
	duration("SKILL_TIMEOUT", &c.Engine.SkillTimeout)
	duration("LLM_TIMEOUT", &c.Engine.LLMTimeout)
	duration("STALL_TIMEOUT", &c.Engine.StallTimeout)
	number("RETRY_MAX_ATTEMPTS", &c.Engine.Retry.MaxAttempts)

	str("LLM_BASE_URL", &c.LLM.BaseURL)
	str("LLM_MODEL", &c.LLM.DefaultModel)
	secret("LLM_API_KEY", &c.LLM.APIKey)

	str("STORE_DRIVER", &c.Store.Driver)
	secret("DATABASE_URL", &c.Store.PostgresURL)

	str("PRESENCE_DRIVER", &c.Presence.Driver)
	secret("REDIS_URL", &c.Presence.RedisURL)
	duration("HEARTBEAT_TIMEOUT", &c.Presence.HeartbeatTimeout)

	boolean("MQTT_ENABLED", &c.MQTT.Enabled)
	str("MQTT_URL", &c.MQTT.BrokerURL)
	str("MQTT_USERNAME", &c.MQTT.Username)
	secret("MQTT_PASSWORD", &c.MQTT.Password)

	return errors.Join(errs...)
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
