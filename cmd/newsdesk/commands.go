package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
	"golang.org/x/sync/errgroup"

	"github.com/nugget/newsdesk/internal/agent"
	"github.com/nugget/newsdesk/internal/buildinfo"
	"github.com/nugget/newsdesk/internal/config"
	"github.com/nugget/newsdesk/internal/confirm"
	"github.com/nugget/newsdesk/internal/connwatch"
	"github.com/nugget/newsdesk/internal/dispatch"
	"github.com/nugget/newsdesk/internal/extract"
	"github.com/nugget/newsdesk/internal/httpkit"
	"github.com/nugget/newsdesk/internal/mqtt"
	"github.com/nugget/newsdesk/internal/slackbot"
	"github.com/nugget/newsdesk/internal/web"
)

// pinger is implemented by article stores that can check their
// connection.
type pinger interface {
	Ping(ctx context.Context) error
}

// shutdownTimeout bounds graceful shutdown of the HTTP server and MQTT
// connection.
const shutdownTimeout = 10 * time.Second

// runServe starts every long-running component and blocks until ctx is
// cancelled or one of them fails.
func runServe(ctx context.Context, stdout io.Writer, opts options) error {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(stdout, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)
	logger.Info("starting newsdesk", "version", buildinfo.Version, "listen", cfg.Listen.Addr(), "public_url", cfg.PublicURL)

	var (
		slackAPI   *slack.Client
		gateOpts   []confirm.Option
		socketMode *socketmode.Client
	)
	if cfg.Slack.Configured() {
		slackAPI = slack.New(cfg.Slack.BotToken,
			slack.OptionAppLevelToken(cfg.Slack.AppToken),
			slack.OptionDebug(cfg.Slack.Debug),
			slack.OptionHTTPClient(httpkit.NewClient(httpkit.WithTimeout(30*time.Second), httpkit.WithLogger(logger))),
		)
		socketMode = socketmode.New(slackAPI, socketmode.OptionDebug(cfg.Slack.Debug))
		gateOpts = append(gateOpts,
			confirm.WithPrompter(slackbot.NewPrompter(slackAPI)),
			confirm.WithActorFormat(slackbot.FormatActor),
		)
	} else {
		logger.Warn("slack is not configured, only the HTTP surface will run")
	}

	a, err := newApp(ctx, cfg, logger, gateOpts...)
	if err != nil {
		return err
	}
	defer a.Close()

	dispatcher := dispatch.New(dispatch.Config{
		Handler:       dispatch.RouterHandler(a.router, logger),
		IdleTimeout:   cfg.Dispatch.IdleTimeout,
		HandleTimeout: cfg.Dispatch.HandleTimeout,
		QueueSize:     cfg.Dispatch.QueueSize,
		Metrics:       a.metrics,
		Logger:        logger,
	})

	var pub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return err
		}
		pub = mqtt.New(cfg.MQTT, instanceID, a.bus, logger)
	}

	g, gctx := errgroup.WithContext(ctx)

	health := connwatch.NewManager(a.bus, logger)
	health.Watch(gctx, connwatch.Dependency{Name: "state", Critical: true, Probe: a.state.Ping})
	if p, ok := a.articles.(pinger); ok {
		health.Watch(gctx, connwatch.Dependency{Name: "articles", Critical: true, Probe: p.Ping})
	}
	if cfg.LLM.APIKey != "" {
		health.Watch(gctx, connwatch.Dependency{Name: "llm", Probe: a.llm.Ping})
	}
	if slackAPI != nil {
		health.Watch(gctx, connwatch.Dependency{Name: "slack", Probe: func(ctx context.Context) error {
			_, err := slackAPI.AuthTestContext(ctx)
			return err
		}})
	}

	srv := web.NewWebServer(web.Config{
		Gate:           a.gate,
		Bus:            a.bus,
		Health:         health,
		Metrics:        a.metrics.Handler(),
		Logger:         logger,
		AllowAnyOrigin: cfg.Listen.AllowAnyOrigin,
	})
	httpServer := &http.Server{
		Addr:              cfg.Listen.Addr(),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.Go(func() error { return dispatcher.Run(gctx) })

	g.Go(func() error {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if socketMode != nil {
		bridge := slackbot.NewBridge(slackbot.BridgeConfig{
			API:          slackAPI,
			Socket:       socketMode,
			Dispatcher:   dispatcher,
			Extractor:    extract.New(cfg.Extract.AllowedTypes, cfg.Extract.MaxChars, logger),
			Bus:          a.bus,
			Logger:       logger,
			RateLimit:    cfg.Slack.RateLimitPerMinute,
			MaxFileBytes: cfg.Extract.MaxFileBytes,
		})
		g.Go(func() error { return bridge.Run(gctx) })
	}

	if pub != nil {
		g.Go(func() error {
			err := pub.Start(gctx)
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			if stopErr := pub.Stop(stopCtx); stopErr != nil {
				logger.Warn("mqtt disconnect failed", "error", stopErr)
			}
			return err
		})
	}

	err = g.Wait()
	health.Wait()
	logger.Info("newsdesk stopped")
	return err
}

// cliLogger logs to stderr so command output on stdout stays clean.
func cliLogger(stderr io.Writer, cfg *config.Config) (*slog.Logger, error) {
	level := cfg.LogLevel
	if level == "" {
		level = "warn"
	}
	return config.NewLogger(stderr, level, cfg.LogFormat)
}

// openCLI loads config and builds the shared components for a one-shot
// command.
func openCLI(ctx context.Context, stderr io.Writer, opts options) (*app, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	logger, err := cliLogger(stderr, cfg)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, logger)
}

// runAsk sends one request through the agent in a fresh conversation
// and prints the reply. Gated operations are stored as pending and can
// be resolved with approve or deny.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts options, text string) error {
	a, err := openCLI(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	conv := "cli:" + strconv.FormatInt(time.Now().UnixNano(), 10)
	reply, err := a.router.HandleMessage(ctx, agent.Turn{
		ConversationID: conv,
		Sender:         defaultActor(),
		Text:           text,
	})
	if err != nil {
		return err
	}

	if opts.outputFmt == "json" {
		return writeJSON(stdout, map[string]any{
			"conversation_id": conv,
			"reply":           reply.Text,
			"decision":        reply.Decision,
			"outcome":         reply.Outcome,
			"result":          reply.Result,
		})
	}
	fmt.Fprintln(stdout, reply.Text)
	if reply.Outcome != nil && reply.Outcome.Kind == confirm.OutcomeRequested {
		fmt.Fprintf(stdout, "\nConversation: %s\n", conv)
	}
	return nil
}

// runPending lists every stored pending action.
func runPending(ctx context.Context, stdout, stderr io.Writer, opts options) error {
	a, err := openCLI(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.gate.List()
	if err != nil {
		return err
	}

	if opts.outputFmt == "json" {
		return writeJSON(stdout, map[string]any{"pending": list, "count": len(list)})
	}
	if len(list) == 0 {
		fmt.Fprintln(stdout, "No pending actions.")
		return nil
	}
	for _, l := range list {
		status := ""
		if l.Expired {
			status = " (expired)"
		}
		fmt.Fprintf(stdout, "%s  %s%s\n", l.ConversationID, l.Action.Operation, status)
		fmt.Fprintf(stdout, "    %s\n", l.Action.Summary)
		fmt.Fprintf(stdout, "    requested %s by %s\n", age(l.Action.CreatedAt), orUnknown(l.Action.RequestedBy))
		fmt.Fprintf(stdout, "    %s\n", a.gate.PreviewURL(l.ConversationID))
	}
	return nil
}

// runResolve approves or denies a conversation's pending action.
func runResolve(ctx context.Context, stdout, stderr io.Writer, opts options, approve bool, conv, actor string) error {
	a, err := openCLI(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	var out confirm.Outcome
	if approve {
		out = a.gate.Approve(ctx, conv, actor)
	} else {
		out = a.gate.Deny(ctx, conv, actor)
	}

	if opts.outputFmt == "json" {
		return writeJSON(stdout, out)
	}
	fmt.Fprintln(stdout, out.Text)
	if out.Kind == confirm.OutcomeUnavailable {
		return errors.New("pending action store unavailable")
	}
	return nil
}

// runPurge discards every pending action without running any of them.
func runPurge(ctx context.Context, stdout, stderr io.Writer, opts options, actor string) error {
	a, err := openCLI(ctx, stderr, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.gate.Purge(actor)
	if err != nil {
		return err
	}
	if opts.outputFmt == "json" {
		return writeJSON(stdout, map[string]any{"purged": n, "actor": actor})
	}
	fmt.Fprintf(stdout, "Discarded %d pending action(s).\n", n)
	return nil
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
