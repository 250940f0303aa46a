package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nugget/newsdesk/internal/agent"
	"github.com/nugget/newsdesk/internal/articles"
	"github.com/nugget/newsdesk/internal/config"
	"github.com/nugget/newsdesk/internal/confirm"
	"github.com/nugget/newsdesk/internal/events"
	"github.com/nugget/newsdesk/internal/llm"
	"github.com/nugget/newsdesk/internal/memory"
	"github.com/nugget/newsdesk/internal/metrics"
	"github.com/nugget/newsdesk/internal/opstate"
	"github.com/nugget/newsdesk/internal/tools"
)

// app holds the components shared by every command that touches state.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	state    *opstate.Store
	articles articles.Store
	llm      *llm.Client
	registry *tools.Registry
	memory   *memory.Store
	bus      *events.Bus
	metrics  *metrics.Metrics
	gate     *confirm.Gate
	router   *agent.Router
}

// newApp opens the state store and article store and wires the
// registry, memory, gate and router. gateOpts are appended after the
// defaults, so callers can add a prompter or actor formatting.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, gateOpts ...confirm.Option) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", cfg.DataDir, err)
	}

	state, err := opstate.NewStoreWithDriver(cfg.State.Driver, cfg.State.Path, logger)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	store, err := articles.NewStore(ctx, cfg.Articles.DatabaseURL)
	if err != nil {
		state.Close()
		return nil, fmt.Errorf("open article store: %w", err)
	}
	if cfg.Articles.DatabaseURL == "" {
		logger.Warn("no articles.database_url configured, using in-memory article store")
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New("newsdesk", promReg)
	bus := events.New()

	client := llm.New(llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		ImageModel:  cfg.LLM.ImageModel,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
		Referer:     cfg.LLM.Referer,
		Title:       cfg.LLM.Title,
	}, logger)
	if cfg.LLM.APIKey == "" {
		logger.Warn("no llm.api_key configured, model calls will fail")
	}

	registry := tools.NewRegistry(logger)
	tools.RegisterArticleTools(registry, store)
	tools.RegisterContentTools(registry, client, client)
	registry.SetObserver(func(name string, res tools.Result, elapsed time.Duration) {
		m.ToolInvoked(name, res.Success)
		logger.Debug("operation invoked", "operation", name, "success", res.Success, "elapsed", elapsed)
	})
	registry.Freeze()

	mem := memory.NewStore(state, cfg.Memory.MaxMessages)

	opts := []confirm.Option{
		confirm.WithBus(bus),
		confirm.WithMetrics(m),
		confirm.WithLogger(logger),
		confirm.WithTimeout(cfg.Confirmation.Timeout),
		confirm.WithPreviewBaseURL(cfg.PublicURL),
	}
	gate := confirm.New(state, registry, mem, append(opts, gateOpts...)...)

	router := agent.NewRouter(agent.Config{
		Registry: registry,
		Gate:     gate,
		Memory:   mem,
		Decider:  agent.NewLLMDecider(client, logger),
		Bus:      bus,
		Metrics:  m,
		Logger:   logger,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		state:    state,
		articles: store,
		llm:      client,
		registry: registry,
		memory:   mem,
		bus:      bus,
		metrics:  m,
		gate:     gate,
		router:   router,
	}, nil
}

// Close releases the stores.
func (a *app) Close() error {
	var errs []error
	if c, ok := a.articles.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, a.state.Close())
	return errors.Join(errs...)
}
