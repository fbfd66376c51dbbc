package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v3"

	"myft-client/internal/bus"
	"myft-client/internal/client"
	"myft-client/internal/config"
	"myft-client/internal/identity"
	"myft-client/internal/personalise"
	"myft-client/internal/telemetry"
	"myft-client/internal/transport"
	"myft-client/pkg/myft"
)

const (
	defaultShutdownTimeout = 5 * time.Second
	metricsReadTimeout     = 5 * time.Second
)

// app carries the command output and the runtime built for one invocation.
type app struct {
	out    io.Writer
	logOut io.Writer

	// newRuntime is replaced in tests to inject fake transports.
	newRuntime func(ctx context.Context, cfg config.Config, logger *slog.Logger) (*runtime, error)
}

// runtime holds the collaborators of one command invocation.
type runtime struct {
	client   *client.Client
	registry *prometheus.Registry
	cfg      config.Config
	logger   *slog.Logger
	shutdown func(context.Context) error
}

func run(ctx context.Context, args []string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	application := &app{out: os.Stdout, logOut: os.Stderr, newRuntime: buildRuntime}

	return application.command().Run(ctx, args)
}

func (a *app) command() *cli.Command {
	return &cli.Command{
		Name:  "myft",
		Usage: "Read and change a reader's followed, saved and preferred relationships",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "JSON config file (default " + config.DefaultConfigFilePath + " when present)"},
			&cli.StringFlag{Name: "api-root", Usage: "relationship API root URL"},
			&cli.StringFlag{Name: "session-root", Usage: "session service root URL"},
			&cli.StringFlag{Name: "session-token", Usage: "session token"},
			&cli.StringSliceFlag{Name: "relationship", Usage: "additional relationship to load, as relationship.type"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "serve Prometheus metrics on this address"},
		},
		Commands: []*cli.Command{
			a.initCommand(),
			a.getCommand(),
			a.hasCommand(),
			a.mutationCommand(myft.MutationActionAdd),
			a.mutationCommand(myft.MutationActionRemove),
			a.personaliseCommand(),
			a.watchCommand(),
		},
	}
}

func (a *app) initCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Load every requested relationship and print item counts",
		Action: a.withRuntime(func(ctx context.Context, c *cli.Command, rt *runtime) error {
			if err := rt.init(ctx); err != nil {
				return err
			}
			if err := rt.client.WaitLoaded(ctx); err != nil {
				return err
			}

			for _, key := range rt.client.Requested() {
				items, err := rt.client.GetAll(ctx, key)
				if err != nil {
					return err
				}
				if err := a.printJSON(map[string]any{"relationship": key.String(), "items": len(items)}); err != nil {
					return err
				}
			}

			return nil
		}),
	}
}

func (a *app) getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Print relationship items, optionally filtered by subject",
		ArgsUsage: "<relationship.type> [subject]",
		Action: a.withRuntime(func(ctx context.Context, c *cli.Command, rt *runtime) error {
			key, err := keyArg(c)
			if err != nil {
				return err
			}
			if err := rt.init(ctx, key); err != nil {
				return err
			}

			items, err := rt.client.Get(ctx, key, c.Args().Get(1))
			if err != nil {
				return err
			}

			return a.printJSON(items)
		}),
	}
}

func (a *app) hasCommand() *cli.Command {
	return &cli.Command{
		Name:      "has",
		Usage:     "Report whether a relationship contains subject",
		ArgsUsage: "<relationship.type|verb> <subject>",
		Action: a.withRuntime(func(ctx context.Context, c *cli.Command, rt *runtime) error {
			if c.Args().Len() < 2 {
				return fmt.Errorf("has: relationship and subject are required")
			}

			var has bool
			if mapping, ok := rt.cfg.Verbs[c.Args().Get(0)]; ok {
				if err := rt.init(ctx, mapping.Key()); err != nil {
					return err
				}
				found, err := rt.client.HasVerb(ctx, c.Args().Get(0), c.Args().Get(1))
				if err != nil {
					return err
				}
				has = found
			} else {
				key, err := keyArg(c)
				if err != nil {
					return err
				}
				if err := rt.init(ctx, key); err != nil {
					return err
				}
				found, err := rt.client.Has(ctx, key, c.Args().Get(1))
				if err != nil {
					return err
				}
				has = found
			}

			return a.printJSON(map[string]bool{"has": has})
		}),
	}
}

func (a *app) mutationCommand(action myft.MutationAction) *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{Name: "actor", Value: myft.ActorUser, Usage: "actor owning the relationship"},
		&cli.StringFlag{Name: "actor-id", Usage: "actor id; defaults to the current user for actor user"},
	}
	if action == myft.MutationActionAdd {
		flags = append(flags, &cli.StringFlag{Name: "data", Usage: "JSON body sent with the relationship"})
	}

	return &cli.Command{
		Name:      string(action),
		Usage:     string(action) + " a relationship",
		ArgsUsage: "<relationship.type> <subject>",
		Flags:     flags,
		Action: a.withRuntime(func(ctx context.Context, c *cli.Command, rt *runtime) error {
			if c.Args().Len() < 2 {
				return fmt.Errorf("%s: relationship and subject are required", action)
			}
			key, err := keyArg(c)
			if err != nil {
				return err
			}

			mutation := myft.Mutation{
				Actor:   c.String("actor"),
				ActorID: c.String("actor-id"),
				Key:     key,
				Subject: c.Args().Get(1),
			}
			if raw := strings.TrimSpace(c.String("data")); raw != "" {
				if !json.Valid([]byte(raw)) {
					return fmt.Errorf("%s: --data is not valid JSON", action)
				}
				mutation.Data = json.RawMessage(raw)
			}

			var details myft.MutationDetails
			if action == myft.MutationActionAdd {
				details, err = rt.client.Add(ctx, mutation)
			} else {
				details, err = rt.client.Remove(ctx, mutation)
			}
			if err != nil {
				return err
			}

			return a.printJSON(details)
		}),
	}
}

func (a *app) personaliseCommand() *cli.Command {
	return &cli.Command{
		Name:      "personalise",
		Usage:     "Rewrite a URL to address the current user's page",
		ArgsUsage: "<url>",
		Action: a.withRuntime(func(ctx context.Context, c *cli.Command, rt *runtime) error {
			if c.Args().Len() < 1 {
				return fmt.Errorf("personalise: url is required")
			}

			personalised, err := rt.client.PersonaliseURL(ctx, c.Args().Get(0))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(a.out, personalised)

			return err
		}),
	}
}

func (a *app) watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Load relationships and print every event as a JSON line until interrupted",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "topic", Usage: "event name pattern, * matches one segment"},
		},
		Action: a.withRuntime(func(ctx context.Context, c *cli.Command, rt *runtime) error {
			encoder := json.NewEncoder(a.out)
			_, err := rt.client.Subscribe(ctx, myft.SubscriptionSpec{
				Name:   "watch",
				Topics: myft.Topics(c.StringSlice("topic")),
			}, func(_ context.Context, event *myft.Event) error {
				return encoder.Encode(watchLine{
					ID:         event.ID,
					Name:       event.Name,
					OccurredAt: event.OccurredAt,
					Payload:    event.Payload,
				})
			})
			if err != nil {
				return err
			}

			if rt.cfg.MetricsAddr != "" {
				stopMetrics := serveMetrics(rt.cfg.MetricsAddr, rt.registry, rt.logger)
				defer stopMetrics()
			}
			if err := rt.init(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			return nil
		}),
	}
}

type watchLine struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    any       `json:"payload"`
}

type runtimeAction func(ctx context.Context, c *cli.Command, rt *runtime) error

// withRuntime loads configuration, builds the client, and closes it after action.
func (a *app) withRuntime(action runtimeAction) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger := slog.New(slog.NewJSONHandler(a.logOut, &slog.HandlerOptions{Level: cfg.LogLevel}))
		rt, err := a.newRuntime(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer rt.close(logger)

		return action(ctx, c, rt)
	}
}

func loadConfig(c *cli.Command) (config.Config, error) {
	cfg := config.Default()

	configFile, err := config.ResolveFilePath(c.String("config"))
	if err != nil {
		return config.Config{}, err
	}
	if configFile != "" {
		if err := config.ApplyFile(&cfg, configFile); err != nil {
			return config.Config{}, err
		}
	}
	if err := config.ApplyEnv(&cfg, nil); err != nil {
		return config.Config{}, err
	}
	if err := applyFlags(&cfg, c); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func applyFlags(cfg *config.Config, c *cli.Command) error {
	if value := c.String("api-root"); value != "" {
		cfg.APIRoot = value
	}
	if value := c.String("session-root"); value != "" {
		cfg.SessionRoot = value
	}
	if value := c.String("session-token"); value != "" {
		cfg.SessionToken = value
	}
	if value := c.String("metrics-addr"); value != "" {
		cfg.MetricsAddr = value
	}
	if value := c.String("log-level"); value != "" {
		level, err := config.ParseLogLevel(value)
		if err != nil {
			return fmt.Errorf("parse --log-level: %w", err)
		}
		cfg.LogLevel = level
	}
	if raw := c.StringSlice("relationship"); len(raw) > 0 {
		keys, err := config.ParseRelationshipKeys(raw)
		if err != nil {
			return fmt.Errorf("parse --relationship: %w", err)
		}
		cfg.Additional = myft.MergeRelationships(cfg.Additional, keys...)
	}

	return nil
}

func buildRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*runtime, error) {
	shutdown, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
		ServiceName: cfg.ServiceName,
		Endpoint:    cfg.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("setup tracing: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(registry)

	transportOptions := []transport.Option{
		transport.WithLogger(logger),
		transport.WithMetrics(metrics),
		transport.WithTimeout(cfg.RequestTimeout),
		transport.WithSessionHeader(cfg.SessionHeader),
		transport.WithSessionCookie(cfg.SessionCookie),
	}

	provider, err := buildIdentityProvider(cfg, transportOptions)
	if err != nil {
		return nil, errors.Join(err, shutdown(ctx))
	}

	eventBus := bus.New(
		bus.WithLogger(logger),
		bus.WithDefaultBuffer(cfg.SubscriptionBuffer),
		bus.WithDefaultWorkers(cfg.SubscriptionWorkers),
		bus.WithDefaultHandlerTimeout(cfg.HandlerTimeout),
	)

	personaliserOptions := []personalise.Option{}
	if cfg.PersonaliseRoot != "" {
		personaliserOptions = append(personaliserOptions, personalise.WithRoot(cfg.PersonaliseRoot))
	}
	if cfg.ImmutableSegments != nil {
		personaliserOptions = append(personaliserOptions, personalise.WithImmutableSegments(cfg.ImmutableSegments...))
	}

	myftClient, err := client.New(client.Config{
		APIRoot:       cfg.APIRoot,
		Relationships: cfg.Relationships,
		Verbs:         cfg.Verbs,
	},
		client.WithLogger(logger),
		client.WithMetrics(metrics),
		client.WithTransportOptions(transportOptions...),
		client.WithIdentityProvider(provider),
		client.WithEventBus(eventBus),
		client.WithPersonaliser(personalise.New(personaliserOptions...)),
	)
	if err != nil {
		return nil, errors.Join(err, eventBus.Close(ctx), shutdown(ctx))
	}

	return &runtime{
		client:   myftClient,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
		shutdown: func(ctx context.Context) error {
			return errors.Join(myftClient.Close(ctx), eventBus.Close(ctx), shutdown(ctx))
		},
	}, nil
}

func buildIdentityProvider(cfg config.Config, transportOptions []transport.Option) (myft.IdentityProvider, error) {
	var tokens identity.TokenSource = identity.EnvToken(cfg.SessionTokenEnv)
	if cfg.SessionToken != "" {
		tokens = identity.StaticToken(cfg.SessionToken)
	}

	switch cfg.IdentityMode {
	case config.IdentityModeSession:
		sessionTransport, err := transport.New(cfg.SessionRoot, transportOptions...)
		if err != nil {
			return nil, fmt.Errorf("build session transport: %w", err)
		}
		return identity.NewSessionProvider(sessionTransport, tokens)
	default:
		return identity.NewTokenProvider(tokens, []byte(cfg.SessionSigningKey))
	}
}

// init initializes the client with the configured and extra relationships and
// rejects anonymous users.
func (rt *runtime) init(ctx context.Context, extra ...myft.RelationshipKey) error {
	additional := myft.MergeRelationships(rt.cfg.Additional, extra...)
	if err := rt.client.Init(ctx, additional...); err != nil {
		return err
	}
	if _, ok := rt.client.Identity(); !ok {
		return fmt.Errorf("init: %w", myft.ErrNoSession)
	}

	return nil
}

func (rt *runtime) close(logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := rt.shutdown(ctx); err != nil {
		logger.Error("myft shutdown failed", "error", err)
	}
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: metricsReadTimeout}

	go func() {
		logger.Info("metrics listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(ctx)
	}
}

func keyArg(c *cli.Command) (myft.RelationshipKey, error) {
	if c.Args().Len() < 1 {
		return myft.RelationshipKey{}, fmt.Errorf("%s: relationship is required", c.Name)
	}

	return myft.ParseRelationshipKey(c.Args().Get(0))
}

func (a *app) printJSON(value any) error {
	encoder := json.NewEncoder(a.out)
	encoder.SetIndent("", "  ")

	return encoder.Encode(value)
}
