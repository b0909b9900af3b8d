// Command server runs the AI code execution service: it extracts code
// blocks from AI chat responses, executes them in per-conversation
// sandbox containers, and streams results back over SSE with a bounded
// auto-fix loop.
//
// Configuration is layered: built-in defaults, an optional YAML file
// (-config flag, AICODEEXEC_CONFIG, ./config.yaml, or
// /etc/ai-code-executor/config.yaml), then environment variables.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	ctrl "sigs.k8s.io/controller-runtime"
	k8sclient "sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/Ark0N/AI-Code-Executor/pkg/api"
	"github.com/Ark0N/AI-Code-Executor/pkg/auth"
	"github.com/Ark0N/AI-Code-Executor/pkg/auth/apikey"
	"github.com/Ark0N/AI-Code-Executor/pkg/auth/jwt"
	"github.com/Ark0N/AI-Code-Executor/pkg/config"
	"github.com/Ark0N/AI-Code-Executor/pkg/debug"
	"github.com/Ark0N/AI-Code-Executor/pkg/observability"
	"github.com/Ark0N/AI-Code-Executor/pkg/pipeline"
	"github.com/Ark0N/AI-Code-Executor/pkg/provider"
	"github.com/Ark0N/AI-Code-Executor/pkg/provider/anthropic"
	"github.com/Ark0N/AI-Code-Executor/pkg/provider/openaicompat"
	"github.com/Ark0N/AI-Code-Executor/pkg/sandbox"
	"github.com/Ark0N/AI-Code-Executor/pkg/sandbox/docker"
	"github.com/Ark0N/AI-Code-Executor/pkg/sandbox/kubernetes"
	"github.com/Ark0N/AI-Code-Executor/pkg/storage/memory"
	"github.com/Ark0N/AI-Code-Executor/pkg/storage/postgres"
	"github.com/Ark0N/AI-Code-Executor/pkg/transport"
	transporthttp "github.com/Ark0N/AI-Code-Executor/pkg/transport/http"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	debug.Init(cfg.Logging.Debug, cfg.Logging.Level)

	ctx := context.Background()

	runtime, err := buildRuntime(ctx, cfg)
	if err != nil {
		return fmt.Errorf("sandbox runtime: %w", err)
	}
	defer runtime.Close()

	router, err := buildRouter(cfg)
	if err != nil {
		return fmt.Errorf("providers: %w", err)
	}
	defer router.Close()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	if store != nil {
		defer store.Close()
	}

	var recorder pipeline.Recorder
	if store != nil {
		recorder = store
	}

	pipe, err := pipeline.New(runtime, router, recorder, pipeline.Config{
		Limits: sandbox.ResourceLimits{
			CPUs:            cfg.Sandbox.CPUs,
			Memory:          cfg.Sandbox.Memory,
			Storage:         cfg.Sandbox.Storage,
			NetworkDisabled: cfg.Sandbox.NetworkDisabled,
		},
		DefaultModel:   cfg.Providers.DefaultModel,
		TimeoutSeconds: api.Int(cfg.Sandbox.TimeoutSeconds),
		MaxFixAttempts: api.Int(cfg.AutoFix.MaxAttempts),
	})
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	// Settings adjusted through the management API outlive a restart
	// when a store is configured.
	if store != nil {
		if saved, err := store.GetSettings(ctx); err == nil {
			pipe.ApplySettings(*saved)
			slog.Info("restored persisted settings",
				"cpus", saved.CPUs, "memory", saved.Memory, "timeout", saved.TimeoutSeconds)
		}
	}

	authMW, err := buildAuthMiddleware(cfg.Server.Auth)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	opts := []transporthttp.ServerOption{
		transporthttp.WithAddr(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)),
		transporthttp.WithMaxBodySize(cfg.Limits.MaxBodyBytes),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	}
	if authMW != nil {
		opts = append(opts, transporthttp.WithHTTPMiddleware(authMW))
	}

	srv := transporthttp.NewServer(transporthttp.Deps{
		Runner:   pipe,
		Runtime:  runtime,
		Store:    store,
		Settings: pipe,
		Locks:    pipe.Locks(),
	}, opts...)

	stopSweep := startReclaimLoop(runtime, cfg.Sandbox.ReclaimInterval, cfg.Sandbox.IdleTTL)
	defer stopSweep()

	slog.Info("starting ai-code-executor",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"backend", cfg.Sandbox.Backend,
		"storage", cfg.Storage.Type,
		"auth", cfg.Server.Auth.Mode)

	return srv.ListenAndServe()
}

// buildRuntime creates the configured container backend.
func buildRuntime(ctx context.Context, cfg *config.Config) (sandbox.Runtime, error) {
	switch cfg.Sandbox.Backend {
	case "docker":
		return docker.NewRuntime(ctx,
			docker.WithImage(cfg.Sandbox.Image),
			docker.WithFileViewLimit(cfg.Limits.MaxFileViewBytes),
			docker.WithOutputLimit(cfg.Limits.MaxOutputBytes),
		)

	case "kubernetes":
		scheme, err := kubernetes.NewScheme()
		if err != nil {
			return nil, err
		}
		restCfg, err := ctrl.GetConfig()
		if err != nil {
			return nil, fmt.Errorf("kubernetes config: %w", err)
		}
		cl, err := k8sclient.New(restCfg, k8sclient.Options{Scheme: scheme})
		if err != nil {
			return nil, fmt.Errorf("kubernetes client: %w", err)
		}
		k := cfg.Sandbox.Kubernetes
		return kubernetes.NewRuntime(cl, k.Namespace, k.Template, k.ReadyTimeout), nil

	default:
		return nil, fmt.Errorf("unknown sandbox backend %q", cfg.Sandbox.Backend)
	}
}

// buildRouter wires the AI backends into a model router. Models tagged
// "ollama:" go to the local Ollama endpoint, "claude-" models go to
// Anthropic, and everything else falls through to the configured
// default provider.
func buildRouter(cfg *config.Config) (*provider.Router, error) {
	router := provider.NewRouter()

	openaiClient, err := openaicompat.New(openaicompat.Config{
		Name:    "openai",
		BaseURL: cfg.Providers.OpenAI.BaseURL,
		APIKey:  cfg.Providers.OpenAI.APIKey,
	})
	if err != nil {
		return nil, err
	}

	anthropicClient, err := anthropic.New(anthropic.Config{
		BaseURL: cfg.Providers.Anthropic.BaseURL,
		APIKey:  cfg.Providers.Anthropic.APIKey,
	})
	if err != nil {
		return nil, err
	}

	ollamaClient, err := openaicompat.New(openaicompat.Config{
		Name:    "ollama",
		BaseURL: cfg.Providers.Ollama.BaseURL,
	})
	if err != nil {
		return nil, err
	}

	router.Register("ollama:", true, ollamaClient)
	router.Register("claude-", false, anthropicClient)

	switch cfg.Providers.Default {
	case "anthropic":
		router.SetDefault(anthropicClient)
	case "openai":
		router.SetDefault(openaiClient)
	default:
		return nil, fmt.Errorf("unknown default provider %q", cfg.Providers.Default)
	}

	return router, nil
}

// buildStore creates the configured persistence backend, or nil for
// stateless operation.
func buildStore(ctx context.Context, cfg *config.Config) (transport.Store, error) {
	switch cfg.Storage.Type {
	case "memory":
		slog.Info("storage enabled", "type", "memory",
			"max_conversations", cfg.Storage.Memory.MaxConversations)
		return memory.New(cfg.Storage.Memory.MaxConversations), nil

	case "postgres":
		pg, err := postgres.New(ctx, postgres.Config{
			DSN:            cfg.Storage.Postgres.DSN,
			MaxConns:       cfg.Storage.Postgres.MaxConns,
			MigrateOnStart: cfg.Storage.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("storage enabled", "type", "postgres")
		return pg, nil

	case "none":
		slog.Info("storage disabled")
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Storage.Type)
	}
}

// buildAuthMiddleware assembles the HTTP auth middleware for the
// configured mode. Mode "none" returns nil: no auth and no rate
// limiting, for deployments behind a trusted frontend.
func buildAuthMiddleware(cfg config.AuthConfig) (func(http.Handler) http.Handler, error) {
	var authenticators []auth.Authenticator

	switch cfg.Mode {
	case "none":
		return nil, nil

	case "apikey":
		entries := make([]apikey.RawKeyEntry, 0, len(cfg.APIKeys))
		for _, k := range cfg.APIKeys {
			entries = append(entries, apikey.RawKeyEntry{
				Key:      k.Key,
				Identity: auth.Identity{Subject: k.Subject},
			})
		}
		authenticators = append(authenticators, apikey.New(entries))

	case "jwt":
		authenticators = append(authenticators, jwt.New(jwt.Config{
			Issuer:   cfg.JWT.Issuer,
			Audience: cfg.JWT.Audience,
			JWKSURL:  cfg.JWT.JWKSURL,
		}))

	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}

	chain := &auth.Chain{
		Authenticators:  authenticators,
		DefaultDecision: auth.No,
	}

	var limiter auth.RateLimiter
	if cfg.RateLimitRPM > 0 {
		limiter = auth.NewInProcessLimiter(cfg.RateLimitRPM)
	}

	return auth.Middleware(chain, limiter, auth.DefaultBypassEndpoints), nil
}

// startReclaimLoop periodically removes containers idle longer than ttl
// and refreshes the active-containers gauge. Returns a stop function.
func startReclaimLoop(runtime sandbox.Runtime, interval, ttl time.Duration) func() {
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				reclaimed, err := runtime.ReclaimIdle(ctx, ttl)
				if err != nil {
					slog.Warn("idle container sweep failed", "error", err.Error())
				} else if reclaimed > 0 {
					slog.Info("reclaimed idle containers", "count", reclaimed)
				}
				if infos, err := runtime.List(ctx); err == nil {
					observability.ContainersActive.Set(float64(len(infos)))
				}
				cancel()
			}
		}
	}()

	return func() { close(done) }
}
