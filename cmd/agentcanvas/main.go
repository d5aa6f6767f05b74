// Command agentcanvas serves the workflow engine, execution streams,
// presence and schedules over HTTP.
//
//	agentcanvas -config agentcanvas.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/leofalp/agentcanvas/core/engine"
	"github.com/leofalp/agentcanvas/core/presence"
	"github.com/leofalp/agentcanvas/core/retry"
	"github.com/leofalp/agentcanvas/core/schedule"
	"github.com/leofalp/agentcanvas/core/stream"
	"github.com/leofalp/agentcanvas/core/workflow"
	"github.com/leofalp/agentcanvas/internal/config"
	"github.com/leofalp/agentcanvas/internal/server"
	"github.com/leofalp/agentcanvas/providers/ai/openai"
	"github.com/leofalp/agentcanvas/providers/bridge/mqttbridge"
	"github.com/leofalp/agentcanvas/providers/observability"
	"github.com/leofalp/agentcanvas/providers/observability/promobs"
	"github.com/leofalp/agentcanvas/providers/observability/slogobs"
	"github.com/leofalp/agentcanvas/providers/presence/redispresence"
	"github.com/leofalp/agentcanvas/providers/skill"
	"github.com/leofalp/agentcanvas/providers/store/memstore"
	"github.com/leofalp/agentcanvas/providers/store/pgstore"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration (default $AGENTCANVAS_CONFIG)")
	envFile := flag.String("env-file", ".env", "dotenv file loaded before the environment is read")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, *envFile); err != nil {
		fmt.Fprintln(os.Stderr, "agentcanvas:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, envFile string) error {
	cfg, err := config.Load(configPath, envFile)
	if err != nil {
		return err
	}

	level, err := slogobs.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	observer := promobs.New(slogobs.New(
		slogobs.WithLevel(level),
		slogobs.WithFormat(slogobs.ParseFormat(cfg.Log.Format)),
	))

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	hub := stream.NewHub(stream.WithObserver(observer), stream.WithRetention(cfg.Engine.RunRetention))
	if cfg.MQTT.Enabled {
		bridge, disconnect, err := openBridge(cfg.MQTT)
		if err != nil {
			return err
		}
		defer disconnect()
		hub.AddSink(bridge)
		observer.Info(ctx, "mqtt bridge connected", observability.String("mqtt.broker", cfg.MQTT.BrokerURL))
	}

	catalog, err := skill.NewStaticCatalog(cfg.Skills...)
	if err != nil {
		return fmt.Errorf("skills: %w", err)
	}

	model := openai.New()
	if cfg.LLM.APIKey != "" {
		model = model.WithAPIKey(cfg.LLM.APIKey)
	}
	if cfg.LLM.BaseURL != "" {
		model = model.WithBaseURL(cfg.LLM.BaseURL)
	}
	if cfg.LLM.DefaultModel != "" {
		model = model.WithDefaultModel(cfg.LLM.DefaultModel)
	}

	runner := engine.New(
		engine.WithObserver(observer),
		engine.WithStore(store),
		engine.WithHub(hub),
		engine.WithModelProvider(model),
		engine.WithDefaultModel(cfg.LLM.DefaultModel),
		engine.WithSkillCatalog(catalog),
		engine.WithCredentials(skill.EnvCredentials{}),
		engine.WithMaxParallelism(cfg.Engine.MaxParallelism),
		engine.WithExecutionTimeout(cfg.Engine.ExecutionTimeout),
		engine.WithSkillTimeout(cfg.Engine.SkillTimeout),
		engine.WithLLMTimeout(cfg.Engine.LLMTimeout),
		engine.WithStallTimeout(cfg.Engine.StallTimeout),
		engine.WithRunRetention(cfg.Engine.RunRetention),
		engine.WithRetryPolicy(retry.Policy{
			MaxAttempts:    cfg.Engine.Retry.MaxAttempts,
			InitialBackoff: cfg.Engine.Retry.InitialBackoff,
			MaxBackoff:     cfg.Engine.Retry.MaxBackoff,
		}),
	)

	presenceStore, closePresence, err := openPresence(ctx, cfg.Presence)
	if err != nil {
		return err
	}
	defer closePresence()
	presenceService := presence.NewService(presenceStore,
		presence.WithHeartbeatTimeout(cfg.Presence.HeartbeatTimeout),
		presence.WithObserver(observer),
	)

	scheduler := schedule.New(runner, schedule.WithObserver(observer))
	if err := addSchedules(scheduler, cfg.Schedules); err != nil {
		return err
	}

	api := server.New(runner,
		server.WithAddr(cfg.Server.Addr),
		server.WithCORSOrigins(cfg.Server.CORSOrigins),
		server.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		server.WithObserver(observer),
		server.WithPresence(presenceService),
		server.WithScheduler(scheduler),
	)

	background, cancelBackground := context.WithCancel(ctx)
	defer cancelBackground()
	go hub.Run(background)
	go presenceService.Run(background)
	scheduler.Start(background)

	serveErr := make(chan error, 1)
	go func() { serveErr <- api.ListenAndServe() }()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		observer.Info(context.Background(), "shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(
		scheduler.Stop(shutdownCtx),
		runner.Close(shutdownCtx),
		api.Shutdown(shutdownCtx),
		hub.Flush(shutdownCtx),
	)
}

func openStore(ctx context.Context, cfg config.StoreConfig) (engine.Store, func(), error) {
	if cfg.Driver != config.DriverPostgres {
		return memstore.New(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("store: ping: %w", err)
	}
	opts := make([]pgstore.Option, 0, 1)
	if cfg.TablePrefix != "" {
		opts = append(opts, pgstore.WithTablePrefix(cfg.TablePrefix))
	}
	store := pgstore.New(pool, opts...)
	if cfg.MigrateOnStart {
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}
	return store, pool.Close, nil
}

func openPresence(ctx context.Context, cfg config.PresenceConfig) (presence.Store, func(), error) {
	if cfg.Driver != config.DriverRedis {
		return presence.NewMemoryStore(), func() {}, nil
	}
	opts := []redispresence.Option{redispresence.WithTTL(2 * cfg.HeartbeatTimeout)}
	if cfg.KeyPrefix != "" {
		opts = append(opts, redispresence.WithKeyPrefix(cfg.KeyPrefix))
	}
	store, err := redispresence.Connect(ctx, cfg.RedisURL, opts...)
	if err != nil {
		return nil, nil, err
	}
	return store, func() { _ = store.Close() }, nil
}

func openBridge(cfg config.MQTTConfig) (*mqttbridge.Bridge, func(), error) {
	client, err := mqttbridge.Connect(mqttbridge.ClientOptions{
		BrokerURL: cfg.BrokerURL,
		ClientID:  cfg.ClientID,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, nil, err
	}
	opts := []mqttbridge.Option{mqttbridge.WithTopicPrefix(cfg.TopicPrefix)}
	if cfg.SkipTokens {
		opts = append(opts, mqttbridge.WithoutTokens())
	}
	return mqttbridge.New(client, opts...), func() { client.Disconnect(250) }, nil
}

// addSchedules registers the schedules declared in the configuration. Their
// graphs are read from JSON files.
func addSchedules(scheduler *schedule.Scheduler, schedules []config.ScheduleConfig) error {
	for _, declared := range schedules {
		raw, err := os.ReadFile(declared.Graph)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", declared.ID, err)
		}
		graph, err := workflow.Parse(raw)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", declared.ID, err)
		}
		var input any
		if declared.Input != nil {
			input = declared.Input
		}
		if _, err := scheduler.Add(schedule.Schedule{
			ID:       declared.ID,
			Cron:     declared.Cron,
			Timezone: declared.Timezone,
			Graph:    graph,
			Input:    input,
		}); err != nil {
			return err
		}
	}
	return nil
}
