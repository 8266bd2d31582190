package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/hermes/internal/agent"
	"github.com/haasonsaas/hermes/internal/agent/providers"
	"github.com/haasonsaas/hermes/internal/approval"
	"github.com/haasonsaas/hermes/internal/channels"
	"github.com/haasonsaas/hermes/internal/channels/media"
	"github.com/haasonsaas/hermes/internal/compress"
	"github.com/haasonsaas/hermes/internal/config"
	"github.com/haasonsaas/hermes/internal/gateway"
	"github.com/haasonsaas/hermes/internal/logging"
	"github.com/haasonsaas/hermes/internal/observability"
	"github.com/haasonsaas/hermes/internal/procs"
	"github.com/haasonsaas/hermes/internal/sessions"
	"github.com/haasonsaas/hermes/internal/skills"
	"github.com/haasonsaas/hermes/internal/tools"
	"github.com/haasonsaas/hermes/internal/tools/sandbox"
)

// runtime holds the wired components every long-running command shares.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics

	store    *sessions.Store
	registry *tools.Registry
	gate     *approval.Gate
	sandbox  *sandbox.Manager
	procs    *procs.Registry
	skills   *skills.Library
	media    *media.Cache

	loop       *agent.Loop
	summarizer *agent.Summarizer
	adapters   *channels.Registry
	gw         *gateway.Gateway

	traceShutdown func(context.Context) error
}

// loadConfig reads and validates config for commands that only need the
// file, not the full component graph.
func loadConfig(home string) (*config.Config, error) {
	cfg, err := config.Load(home)
	if err != nil {
		return nil, err
	}
	if err := cfg.Paths().Ensure(); err != nil {
		return nil, fmt.Errorf("preparing %s: %w", cfg.Paths().Root, err)
	}
	return cfg, nil
}

// newRuntime builds the full component graph: store, tools, sandbox,
// provider, loop, and gateway. Adapters are registered separately by
// serve (platform bots) and chat (terminal).
func newRuntime(ctx context.Context, home string, debug bool) (*runtime, error) {
	cfg, err := loadConfig(home)
	if err != nil {
		return nil, err
	}

	logCfg := cfg.Logging
	if debug {
		logCfg.Level = "debug"
	}
	logger, err := logging.New(logCfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	rt := &runtime{cfg: cfg, logger: logger}

	rt.metrics = observability.NewMetrics()
	if ep := cfg.Observability.OTLPEndpoint; ep != "" {
		_, shutdown, err := observability.NewTracer(ctx, observability.TraceConfig{
			ServiceName:    "hermes",
			ServiceVersion: version,
			Endpoint:       ep,
		})
		if err != nil {
			return nil, fmt.Errorf("tracing: %w", err)
		}
		rt.traceShutdown = shutdown
	}

	storeOpts := []sessions.Option{sessions.WithLogger(logger)}
	if cfg.Session.ExportJSONL == nil || *cfg.Session.ExportJSONL {
		storeOpts = append(storeOpts, sessions.WithTranscriptDir(cfg.Paths().SessionsDir))
	}
	rt.store, err = sessions.Open(cfg.Session.DBPath, storeOpts...)
	if err != nil {
		return nil, fmt.Errorf("session store: %w", err)
	}

	rt.gate, err = approval.NewGate(cfg.Paths().ApprovalsFile,
		time.Duration(cfg.Gateway.ApprovalTimeout), logger)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("approval gate: %w", err)
	}

	rt.sandbox, err = sandbox.NewManager(sandboxConfig(cfg), logger)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("sandbox: %w", err)
	}

	rt.procs = procs.NewRegistry(procs.WithLogger(logger))
	rt.skills = skills.NewLibrary(cfg.Skills.Dir, skills.WithLogger(logger))

	rt.media, err = media.NewCache(cfg.Paths().MediaCacheDir, logger)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("media cache: %w", err)
	}

	rt.registry = tools.NewRegistry()
	tools.RegisterBuiltins(rt.registry)
	for name, def := range cfg.Tools.Toolsets {
		rt.registry.DefineToolset(name, tools.ToolsetDef{
			Tools:    def.Tools,
			Includes: def.Includes,
		})
	}

	provider, err := providers.New(ctx, cfg)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}

	if cfg.LLM.AuxModel != "" {
		creds := cfg.LLM.OpenRouter
		rt.summarizer = agent.NewSummarizer(creds.APIKey, creds.BaseURL, cfg.LLM.AuxModel, logger)
	}

	compOpts := []compress.Option{
		compress.WithThreshold(cfg.Compression.Threshold),
		compress.WithProtect(cfg.Compression.ProtectFirst, cfg.Compression.ProtectLast),
		compress.WithLogger(logger),
		compress.WithMetrics(rt.metrics),
	}
	if rt.summarizer != nil {
		compOpts = append(compOpts, compress.WithSummarizer(rt.summarizer))
	}
	comp := compress.New(cfg.Compression.ContextWindow, compOpts...)

	rt.loop = agent.New(provider, rt.registry, rt.store,
		agent.WithLogger(logger),
		agent.WithMetrics(rt.metrics),
		agent.WithCompressor(comp),
	)

	hooks, err := gateway.DiscoverHooks(cfg.Hooks.Dir, logger)
	if err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("hooks: %w", err)
	}

	rt.adapters = channels.NewRegistry()
	gwOpts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithMetrics(rt.metrics),
		gateway.WithSkills(rt.skills),
		gateway.WithHooks(hooks),
	}
	if rt.summarizer != nil {
		gwOpts = append(gwOpts, gateway.WithSummarizer(rt.summarizer.Complete))
	}
	rt.gw, err = gateway.New(cfg, rt.adapters, rt.store, rt.loop, rt.registry,
		rt.gate, rt.sandbox, rt.procs, gwOpts...)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	return rt, nil
}

// Close releases everything the runtime opened, tolerating partial
// construction.
func (rt *runtime) Close(ctx context.Context) {
	if rt.sandbox != nil {
		rt.sandbox.CleanupAll()
	}
	if rt.store != nil {
		if err := rt.store.Close(); err != nil {
			rt.logger.Warn("store close failed", "error", err)
		}
	}
	if rt.traceShutdown != nil {
		if err := rt.traceShutdown(ctx); err != nil {
			rt.logger.Warn("trace shutdown failed", "error", err)
		}
	}
}

func sandboxConfig(cfg *config.Config) sandbox.Config {
	t := cfg.Terminal
	sc := sandbox.Config{
		Backend:      t.Backend,
		Root:         t.SandboxDir,
		ScratchDir:   t.ScratchDir,
		SudoPassword: t.SudoPassword,
		Timeout:      time.Duration(t.Timeout),
		Persist:      t.Persist,
	}
	sc.Docker.Image = t.Docker.Image
	sc.Docker.Network = t.Docker.Network
	sc.Singularity.Image = t.Singularity.Image
	sc.Singularity.OverlayEnabled = t.Singularity.OverlayEnabled
	sc.SSH.Host = t.SSH.Host
	sc.SSH.User = t.SSH.User
	sc.SSH.Port = t.SSH.Port
	sc.SSH.KeyPath = t.SSH.KeyPath
	sc.Cloud.APIKey = t.Cloud.APIKey
	sc.Cloud.APIURL = t.Cloud.APIURL
	sc.Cloud.Target = t.Cloud.Target
	sc.Cloud.Image = t.Cloud.Image
	return sc
}
