package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
server:
  addr: ":9090"
  cors_origins: ["http://localhost:5173"]
engine:
  max_parallelism: 4
  llm_timeout: 90s
  retry:
    max_attempts: 5
store:
  driver: postgres
  postgres_url: postgres://canvas@db/canvas
skills:
  - id: weather
    endpoint: https://api.example.com/weather
    http_method: GET
    auth_type: api_key
    credential_ref: weather-key
schedules:
  - id: nightly
    cron: "0 3 * * *"
    timezone: Europe/Rome
    graph: graphs/report.json
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestParse_MergesOverDefaults(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if cfg.Server.Addr != ":9090" || len(cfg.Server.CORSOrigins) != 1 {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Engine.MaxParallelism != 4 || cfg.Engine.LLMTimeout != 90*time.Second {
		t.Errorf("engine = %+v", cfg.Engine)
	}
	if cfg.Engine.SkillTimeout != 30*time.Second || cfg.Engine.Retry.InitialBackoff != 500*time.Millisecond {
		t.Errorf("unset engine fields lost their defaults: %+v", cfg.Engine)
	}
	if cfg.Engine.Retry.MaxAttempts != 5 {
		t.Errorf("retry.max_attempts = %d, want 5", cfg.Engine.Retry.MaxAttempts)
	}
	if len(cfg.Skills) != 1 || cfg.Skills[0].Method() != "GET" {
		t.Errorf("skills = %+v", cfg.Skills)
	}
	if len(cfg.Schedules) != 1 || cfg.Schedules[0].Timezone != "Europe/Rome" {
		t.Errorf("schedules = %+v", cfg.Schedules)
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown store driver", "store:\n  driver: sqlite\n"},
		{"postgres without url", "store:\n  driver: postgres\n"},
		{"redis without url", "presence:\n  driver: redis\n"},
		{"mqtt without broker", "mqtt:\n  enabled: true\n"},
		{"zero parallelism", "engine:\n  max_parallelism: 0\n"},
		{"backoff cap below initial", "engine:\n  retry:\n    initial_backoff: 5s\n    max_backoff: 1s\n"},
		{"bad log format", "log:\n  format: xml\n"},
		{"skill without endpoint", "skills:\n  - id: broken\n"},
		{"skill auth without credential", "skills:\n  - id: s\n    endpoint: https://x.test\n    auth_type: bearer\n"},
		{"duplicate skill", "skills:\n  - id: s\n    endpoint: https://x.test\n  - id: s\n    endpoint: https://y.test\n"},
		{"schedule without graph", "schedules:\n  - id: s\n    cron: '* * * * *'\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := writeFile(t, "agentcanvas.yaml", sampleYAML)
	secret := writeFile(t, "db-url", "postgres://secret@db/canvas\n")

	t.Setenv("AGENTCANVAS_ADDR", ":7000")
	t.Setenv("AGENTCANVAS_MAX_PARALLELISM", "16")
	t.Setenv("AGENTCANVAS_EXECUTION_TIMEOUT", "2m")
	t.Setenv("AGENTCANVAS_CORS_ORIGINS", "https://a.test, https://b.test")
	t.Setenv("AGENTCANVAS_DATABASE_URL_FILE", secret)
	t.Setenv("AGENTCANVAS_MQTT_ENABLED", "true")
	t.Setenv("AGENTCANVAS_MQTT_URL", "tcp://broker:1883")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Addr != ":7000" || cfg.Engine.MaxParallelism != 16 || cfg.Engine.ExecutionTimeout != 2*time.Minute {
		t.Errorf("overrides not applied: server=%+v engine=%+v", cfg.Server, cfg.Engine)
	}
	if strings.Join(cfg.Server.CORSOrigins, "|") != "https://a.test|https://b.test" {
		t.Errorf("cors origins = %v", cfg.Server.CORSOrigins)
	}
	if cfg.Store.PostgresURL != "postgres://secret@db/canvas" {
		t.Errorf("postgres url = %q, want the file secret", cfg.Store.PostgresURL)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.BrokerURL != "tcp://broker:1883" {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
}

func TestLoad_ConfigPathFromEnvironment(t *testing.T) {
	path := writeFile(t, "agentcanvas.yaml", "server:\n  addr: \":6060\"\n")
	t.Setenv("AGENTCANVAS_CONFIG", path)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Addr != ":6060" {
		t.Errorf("addr = %q, want :6060", cfg.Server.Addr)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	envFile := writeFile(t, ".env", "AGENTCANVAS_LLM_MODEL=gpt-4.1-mini\n")
	t.Setenv("AGENTCANVAS_LLM_MODEL", "")
	os.Unsetenv("AGENTCANVAS_LLM_MODEL")

	cfg, err := Load("", envFile, filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.LLM.DefaultModel != "gpt-4.1-mini" {
		t.Errorf("default model = %q, want value from .env", cfg.LLM.DefaultModel)
	}
}

func TestLoad_BadValues(t *testing.T) {
	t.Setenv("AGENTCANVAS_MAX_PARALLELISM", "many")
	t.Setenv("AGENTCANVAS_LLM_TIMEOUT", "soon")
	_, err := Load("")
	if err == nil {
		t.Fatal("expected parse errors")
	}
	if !strings.Contains(err.Error(), "MAX_PARALLELISM") || !strings.Contains(err.Error(), "LLM_TIMEOUT") {
		t.Errorf("expected both variables to be reported, got %v", err)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected an error for a missing config file")
	}
}

func TestResolveSecret(t *testing.T) {
	const envName = "AGENTCANVAS_TEST_SECRET"
	t.Setenv(envName, "env-value")

	value, err := ResolveSecret(envName)
	if err != nil || value != "env-value" {
		t.Fatalf("ResolveSecret = %q, %v; want env-value", value, err)
	}

	t.Setenv(envName+"_FILE", writeFile(t, "secret", "file-value\n"))
	value, err = ResolveSecret(envName)
	if err != nil || value != "file-value" {
		t.Fatalf("ResolveSecret = %q, %v; want file-value", value, err)
	}

	t.Setenv(envName+"_FILE", filepath.Join(t.TempDir(), "nope"))
	if _, err := ResolveSecret(envName); err == nil {
		t.Fatal("expected an error for an unreadable secret file")
	}
}
