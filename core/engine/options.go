package engine

import (
	"context"
	"time"

	"github.com/leofalp/agentcanvas/core/retry"
	"github.com/leofalp/agentcanvas/core/stream"
	"github.com/leofalp/agentcanvas/providers/ai"
	"github.com/leofalp/agentcanvas/providers/observability"
	"github.com/leofalp/agentcanvas/providers/skill"
)

// Defaults applied by New.
const (
	DefaultMaxParallelism   = 8
	DefaultExecutionTimeout = 10 * time.Minute
	DefaultSkillTimeout     = 30 * time.Second
	DefaultLLMTimeout       = 120 * time.Second
	DefaultStallTimeout     = 30 * time.Second
	DefaultRunRetention     = 10 * time.Minute
	DefaultArraySeparator   = ", "
)

// SkillCaller performs one skill request. *skill.Client implements it.
type SkillCaller interface {
	Call(ctx context.Context, descriptor skill.Descriptor, input map[string]any) (*skill.Response, error)
}

// Option is a functional option for configuring an Engine.
type Option func(*config)

type config struct {
	maxParallelism   int
	executionTimeout time.Duration
	skillTimeout     time.Duration
	llmTimeout       time.Duration
	stallTimeout     time.Duration
	runRetention     time.Duration
	retryPolicy      retry.Policy
	observer         observability.Provider
	store            Store
	hub              *stream.Hub
	model            ai.Provider
	defaultModel     string
	catalog          skill.Catalog
	skillCaller      SkillCaller
	credentials      skill.Credentials
	now              func() time.Time
	newID            func() string
}

// WithMaxParallelism bounds how many nodes run at once across one
// execution. Values below 1 are ignored.
//
// Example:
//
//	engine.New(engine.WithMaxParallelism(2))
func WithMaxParallelism(maxParallelism int) Option {
	return func(config *config) {
		if maxParallelism > 0 {
			config.maxParallelism = maxParallelism
		}
	}
}

// WithExecutionTimeout caps a whole execution. When it fires, in-flight
// nodes fail and the rest are skipped with reason timeout.
func WithExecutionTimeout(timeout time.Duration) Option {
	return func(config *config) {
		if timeout > 0 {
			config.executionTimeout = timeout
		}
	}
}

// WithSkillTimeout sets the per-attempt timeout of skill calls. A node's
// timeout_seconds overrides it.
func WithSkillTimeout(timeout time.Duration) Option {
	return func(config *config) {
		if timeout > 0 {
			config.skillTimeout = timeout
		}
	}
}

// WithLLMTimeout sets the absolute cap of an llm node, across attempts.
func WithLLMTimeout(timeout time.Duration) Option {
	return func(config *config) {
		if timeout > 0 {
			config.llmTimeout = timeout
		}
	}
}

// WithStallTimeout sets how long an llm stream may stay silent before a
// stalled keepalive is published.
func WithStallTimeout(timeout time.Duration) Option {
	return func(config *config) {
		if timeout > 0 {
			config.stallTimeout = timeout
		}
	}
}

// WithRunRetention sets how long finished executions stay in memory for
// Wait, Snapshot and Cancel when no Store is configured.
func WithRunRetention(retention time.Duration) Option {
	return func(config *config) {
		if retention > 0 {
			config.runRetention = retention
		}
	}
}

// WithRetryPolicy sets the backoff used by llm and skill nodes. A node's
// max_attempts overrides MaxAttempts.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(config *config) {
		config.retryPolicy = policy.WithDefaults()
	}
}

// WithObserver enables tracing, metrics and logging.
func WithObserver(observer observability.Provider) Option {
	return func(config *config) {
		config.observer = observer
	}
}

// WithStore persists executions and steps.
func WithStore(store Store) Option {
	return func(config *config) {
		config.store = store
	}
}

// WithHub shares an event hub, for example with an HTTP server.
func WithHub(hub *stream.Hub) Option {
	return func(config *config) {
		config.hub = hub
	}
}

// WithModelProvider sets the backend used by llm nodes. Providers that
// implement ai.StreamProvider are streamed.
func WithModelProvider(provider ai.Provider) Option {
	return func(config *config) {
		config.model = provider
	}
}

// WithDefaultModel names the model used by llm nodes that leave it empty.
func WithDefaultModel(model string) Option {
	return func(config *config) {
		config.defaultModel = model
	}
}

// WithSkillCatalog resolves skill_id references.
func WithSkillCatalog(catalog skill.Catalog) Option {
	return func(config *config) {
		config.catalog = catalog
	}
}

// WithSkillCaller replaces the HTTP skill client.
func WithSkillCaller(caller SkillCaller) Option {
	return func(config *config) {
		config.skillCaller = caller
	}
}

// WithCredentials sets the secret source of the default skill client.
func WithCredentials(credentials skill.Credentials) Option {
	return func(config *config) {
		config.credentials = credentials
	}
}

// WithClock replaces time.Now for recorded timestamps.
func WithClock(now func() time.Time) Option {
	return func(config *config) {
		config.now = now
	}
}

// WithIDGenerator replaces the UUID execution id generator.
func WithIDGenerator(newID func() string) Option {
	return func(config *config) {
		config.newID = newID
	}
}

// RunOption configures a single Run call.
type RunOption func(*runConfig)

type runConfig struct {
	trigger string
	timeout time.Duration
}

// WithTrigger records what started the run, such as "api" or
// "schedule:<id>".
func WithTrigger(trigger string) RunOption {
	return func(config *runConfig) {
		config.trigger = trigger
	}
}

// WithRunTimeout overrides the engine's execution timeout for one run.
func WithRunTimeout(timeout time.Duration) RunOption {
	return func(config *runConfig) {
		if timeout > 0 {
			config.timeout = timeout
		}
	}
}

// TriggerOf returns the trigger recorded by opts, empty when none sets one.
func TriggerOf(opts ...RunOption) string {
	var config runConfig
	for _, opt := range opts {
		opt(&config)
	}
	return config.trigger
}
