package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/tandemhq/tandem/internal/agent"
	"github.com/tandemhq/tandem/internal/agent/providers"
	"github.com/tandemhq/tandem/internal/agent/routing"
	"github.com/tandemhq/tandem/internal/config"
	"github.com/tandemhq/tandem/internal/memory"
	"github.com/tandemhq/tandem/internal/observability"
	"github.com/tandemhq/tandem/internal/sessions"
	"github.com/tandemhq/tandem/internal/skills"
	"github.com/tandemhq/tandem/internal/tokenizer"
	"github.com/tandemhq/tandem/pkg/models"
)

const defaultSystemPrompt = `You are Tandem, a helpful assistant running on the user's own machine.
Answer directly and concisely. Use the available tools when a question
concerns local files.`

// runtime bundles everything a command needs, with a teardown.
type runtime struct {
	loop    *agent.Loop
	store   sessions.Store
	logger  *slog.Logger
	cleanup []func() error
}

func (r *runtime) close() {
	for i := len(r.cleanup) - 1; i >= 0; i-- {
		if err := r.cleanup[i](); err != nil {
			r.logger.Warn("cleanup failed", "error", err)
		}
	}
}

func buildRuntime(cfg *config.Config) (*runtime, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slog.SetDefault(logger)
	rt := &runtime{logger: logger}

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics(nil)
		go func() {
			if err := http.ListenAndServe(cfg.Metrics.Addr, promhttp.Handler()); err != nil {
				logger.Warn("metrics server stopped", "error", err)
			}
		}()
	}

	local := providers.NewLocal(providers.LocalConfig{
		BaseURL:       cfg.Local.BaseURL,
		APIKey:        cfg.Local.APIKey,
		Model:         cfg.Local.Model,
		ContextWindow: cfg.Local.ContextWindow,
		Vision:        cfg.Local.Vision,
	})

	var remote providers.Provider
	if len(cfg.Remote.Keys) > 0 {
		pool := providers.NewKeyPool(cfg.Remote.Keys)
		factory := func(credential string) providers.Provider {
			return providers.NewAnthropic(providers.AnthropicConfig{
				APIKey:         credential,
				Model:          cfg.Remote.Model,
				ContextWindow:  cfg.Remote.ContextWindow,
				MaxTokens:      cfg.Remote.MaxTokens,
				BaseURL:        cfg.Remote.BaseURL,
				RequestTimeout: cfg.Remote.RequestTimeout,
			})
		}
		var opts []providers.PooledOption
		if cfg.Remote.RateLimit > 0 {
			opts = append(opts, providers.WithRateLimit(rate.Limit(cfg.Remote.RateLimit), 1))
		}
		if metrics != nil {
			opts = append(opts, providers.WithRotationHook(func(kind string) {
				metrics.KeyRotations.WithLabelValues(kind).Inc()
			}))
		}
		remote = providers.NewPooledProvider(pool, factory, opts...)
	}

	var skillReg *skills.Registry
	if cfg.Skills.Dir != "" {
		var err error
		skillReg, err = skills.LoadDir(cfg.Skills.Dir)
		if err != nil {
			return nil, fmt.Errorf("load skills: %w", err)
		}
	}

	var rules []routing.Rule
	for _, r := range cfg.Routing.Rules {
		rules = append(rules, routing.Rule{
			Name:     r.Name,
			Priority: r.Priority,
			Patterns: r.Patterns,
			Target:   routing.Target(r.Target),
		})
	}
	router := routing.NewRouter(routing.Config{
		Local:         local,
		Remote:        remote,
		AlwaysLocal:   cfg.Routing.AlwaysLocal,
		AlwaysRemote:  cfg.Routing.AlwaysRemote,
		Rules:         rules,
		Skills:        skillReg,
		DefaultTarget: routing.Target(cfg.Routing.DefaultTarget),
		Logger:        logger,
	})

	var store sessions.Store
	if cfg.Store.SessionsPath != "" {
		sq, err := sessions.OpenSQLite(cfg.Store.SessionsPath)
		if err != nil {
			return nil, err
		}
		rt.cleanup = append(rt.cleanup, sq.Close)
		store = sq
	} else {
		store = sessions.NewMemoryStore()
	}
	rt.store = store

	var mem memory.Store
	if cfg.Store.MemoryPath != "" {
		sq, err := memory.OpenSQLite(cfg.Store.MemoryPath)
		if err != nil {
			return nil, err
		}
		rt.cleanup = append(rt.cleanup, sq.Close)
		mem = sq
	}

	tools := agent.NewRegistry()
	registerBuiltinTools(tools)

	// System prompt token counts come from the local backend's /tokenize
	// endpoint, falling back to estimation when it is unavailable.
	counter := tokenizer.NewRemoteCounter(cfg.Local.BaseURL, tokenizer.WithLogger(logger))

	loop, err := agent.NewLoop(agent.Options{
		Local:   local,
		Remote:  remote,
		Router:  router,
		Tools:   tools,
		Store:   store,
		Memory:  mem,
		Counter: counter,
		Skills:  skillReg,
		Metrics: metrics,
		Logger:  logger,
		Config: agent.LoopConfig{
			SystemPrompt:        defaultSystemPrompt,
			MaxTurns:            cfg.Agent.MaxTurns,
			ReserveForOutput:    cfg.Agent.ReserveForOutput,
			MaxToolResultTokens: cfg.Agent.MaxToolResultTokens,
			Temperature:         cfg.Agent.Temperature,
			EscalationThreshold: cfg.Agent.EscalationThreshold,
			RunTimeout:          cfg.Agent.RunTimeout,
		},
	})
	if err != nil {
		return nil, err
	}
	rt.loop = loop
	return rt, nil
}

func runChat(ctx context.Context, cfg *config.Config, sessionKey string) error {
	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	fmt.Println("tandem ready. Ctrl-D to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		events := &agent.Events{
			OnToken: func(text string) { fmt.Print(text) },
			OnRoutingDecision: func(d agent.RoutingDecision) {
				rt.logger.Debug("routed", "target", d.Target, "provider", d.Provider, "reason", d.Reason)
			},
			OnEscalation: func(reason string) {
				fmt.Printf("\n[escalating to remote: %s]\n", reason)
			},
			OnToolCallStart: func(calls []models.ToolCall) {
				for _, c := range calls {
					fmt.Printf("\n[tool: %s]\n", c.Name)
				}
			},
		}
		resp, err := rt.loop.Run(ctx, sessionKey, line, events)
		if err != nil {
			fmt.Fprintln(os.Stderr, "\nerror:", err)
			continue
		}
		// Streaming already printed the content; finish the line and
		// show where the answer came from.
		fmt.Printf("\n[%s", resp.Provider)
		if resp.Escalated {
			fmt.Print(", escalated")
		}
		fmt.Println("]")
	}
}

func runCompact(ctx context.Context, cfg *config.Config, maxAgeDays, maxMessages int) error {
	rt, err := buildRuntime(cfg)
	if err != nil {
		return err
	}
	defer rt.close()

	n, err := rt.store.Compact(ctx, sessions.CompactOptions{
		MaxAgeDays:  maxAgeDays,
		MaxMessages: maxMessages,
	})
	if err != nil {
		return err
	}
	fmt.Printf("deleted %d messages\n", n)
	return nil
}
