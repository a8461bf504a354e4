// Package runtime assembles one agentserver process: it owns
// construction order for every component main.go needs and gives them
// a single value to hold instead of a spray of package-level globals,
// following cmd/nexus/main.go's runServe (config load -> store ->
// providers -> gateway -> servers) with the TODO'd component list
// there actually built out.
package runtime

import (
	"context"
	"fmt"
	"log/slog"

	agentcontext "github.com/agentserver/agentserver/internal/context"
	"github.com/agentserver/agentserver/internal/config"
	"github.com/agentserver/agentserver/internal/eventbus"
	"github.com/agentserver/agentserver/internal/httpapi"
	"github.com/agentserver/agentserver/internal/httpapi/auth"
	"github.com/agentserver/agentserver/internal/metrics"
	"github.com/agentserver/agentserver/internal/models"
	"github.com/agentserver/agentserver/internal/permission"
	"github.com/agentserver/agentserver/internal/provider"
	"github.com/agentserver/agentserver/internal/provider/anthropic"
	"github.com/agentserver/agentserver/internal/provider/openai"
	"github.com/agentserver/agentserver/internal/runner"
	"github.com/agentserver/agentserver/internal/sandbox"
	"github.com/agentserver/agentserver/internal/store"
	"github.com/agentserver/agentserver/internal/store/sqlite"
	memorystore "github.com/agentserver/agentserver/internal/store/memory"
	"github.com/agentserver/agentserver/internal/store/postgres"
	"github.com/agentserver/agentserver/internal/subagent"
	"github.com/agentserver/agentserver/internal/telemetry"
	"github.com/agentserver/agentserver/internal/tool"
)

// Runtime holds every long-lived component of one process, wired
// together by New. Nothing outside this package constructs these
// pieces directly.
type Runtime struct {
	Config *config.Config
	Logger *slog.Logger

	Store    store.Store
	Hub      *eventbus.Hub
	Writer   *eventbus.Writer
	Gate     *permission.Gate
	Sweeper  *permission.Sweeper
	FS       *sandbox.FS
	Tools    *tool.Registry
	Runner   *runner.Runner
	Subagent *subagent.Manager
	Metrics  *metrics.Metrics
	Server   *httpapi.Server

	shutdownTracer func(context.Context) error
}

// New loads configuration from configPath and wires every component
// in dependency order: store, event bus, sandbox, permission gate,
// tool registry (with the sub-agent tool registered last, once the
// runner it needs already exists), model provider, runner, telemetry,
// metrics, and finally the HTTP/SSE surface.
func New(configPath string, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	hub := eventbus.NewHub(st, logger)
	writer := eventbus.NewWriter(st, hub)

	fs := sandbox.NewFS(cfg.Sandbox.RootDir, st)

	gate := permission.NewGate(st, cfg.Permission.RequestTimeout)

	sweeper, err := permission.NewSweeper(st, cfg.Permission.RequestTimeout, cfg.Permission.SweepInterval, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build permission sweeper: %w", err)
	}

	modelProvider, modelName, err := buildProvider(cfg.LLM)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("build model provider: %w", err)
	}

	// run_shell is deliberately not registered here: it is an internal
	// tool type exercised by tests, never exposed in the public
	// registry. Sub-agent allowlists are matched against this registry,
	// so they cannot reach it either.
	registry := tool.NewRegistry()
	for _, t := range []tool.Tool{
		tool.NewReadFileTool(fs),
		tool.NewWriteFileTool(fs),
		tool.NewApplyPatchTool(fs),
		tool.NewListTreeTool(fs),
	} {
		if err := registry.Register(t); err != nil {
			st.Close()
			return nil, fmt.Errorf("register tool %s: %w", t.Name(), err)
		}
	}

	ctxBuilder := agentcontext.NewBuilderForModel(defaultSystemPrompt, modelName)
	ctxBuilder.Contexts = st
	ctxBuilder.Logger = logger
	ctxBuilder.Loader = func(ctx context.Context, item *models.ContextItem) (string, error) {
		if item.Kind != models.ContextItemFile {
			return item.ContentRef, nil
		}
		data, _, err := fs.Read(ctx, item.ContentRef)
		return string(data), err
	}

	r := runner.New(st, writer, gate, registry, ctxBuilder, modelProvider, modelName, logger)

	tracer, shutdownTracer := telemetry.New(cfg.Tracing)
	r.Tracer = tracer

	m := metrics.New(hub.SubscriberCount)
	r.Metrics = m
	gate.Metrics = m

	subManager := subagent.NewManager(r, subagent.MaxDepth+4)
	if err := registry.Register(tool.NewSpawnSubagentTool(subManager)); err != nil {
		st.Close()
		return nil, fmt.Errorf("register spawn_subagent tool: %w", err)
	}

	verifier := auth.New(auth.Config{StaticToken: cfg.Auth.StaticToken, JWTSecret: cfg.Auth.JWTSecret})

	server := httpapi.New(st, hub, writer, gate, fs, registry, r, verifier, logger)

	return &Runtime{
		Config: cfg, Logger: logger,
		Store: st, Hub: hub, Writer: writer, Gate: gate, Sweeper: sweeper,
		FS: fs, Tools: registry, Runner: r, Subagent: subManager, Metrics: m, Server: server,
		shutdownTracer: shutdownTracer,
	}, nil
}

// Run starts the permission sweeper and the HTTP/SSE surface, and
// blocks until ctx is cancelled or the server exits with an error.
func (rt *Runtime) Run(ctx context.Context) error {
	go rt.Sweeper.Run(ctx)

	err := rt.Server.Serve(ctx, rt.Config.Server.Addr)
	shutdownCtx := context.WithoutCancel(ctx)
	if shutErr := rt.shutdownTracer(shutdownCtx); shutErr != nil {
		rt.Logger.Warn("tracer shutdown failed", "error", shutErr)
	}
	if closeErr := rt.Store.Close(); closeErr != nil {
		rt.Logger.Warn("store close failed", "error", closeErr)
	}
	return err
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "memory":
		return memorystore.New(), nil
	case "sqlite", "":
		return sqlite.Open(cfg.DSN)
	case "postgres":
		return postgres.Open(cfg.DSN, postgres.DefaultConfig())
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func buildProvider(cfg config.LLMConfig) (provider.ModelStream, string, error) {
	switch cfg.Provider {
	case "openai":
		p, err := openai.New(openai.Config{APIKey: cfg.APIKey, DefaultModel: cfg.Model})
		return p, cfg.Model, err
	case "anthropic", "":
		p, err := anthropic.New(anthropic.Config{APIKey: cfg.APIKey, DefaultModel: cfg.Model})
		return p, cfg.Model, err
	default:
		return nil, "", fmt.Errorf("unsupported LLM provider %q", cfg.Provider)
	}
}

const defaultSystemPrompt = "You are a helpful coding agent with access to a sandboxed workspace and a small set of tools. Use tools when they help; otherwise answer directly."
