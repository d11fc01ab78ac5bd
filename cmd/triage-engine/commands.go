package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/miradorstack/mirador-triage/internal/analysis"
	"github.com/miradorstack/mirador-triage/internal/api"
	"github.com/miradorstack/mirador-triage/internal/config"
	"github.com/miradorstack/mirador-triage/internal/metrics"
	"github.com/miradorstack/mirador-triage/internal/redact"
	"github.com/miradorstack/mirador-triage/internal/tracing"
	"github.com/miradorstack/mirador-triage/internal/utils"
)

const version = "0.1.0"

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "triage-engine",
		Short:         "Clusters error telemetry, triages it with a two-tier model and escalates incidents",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if opts.envFile == "" {
				return nil
			}
			if err := godotenv.Load(opts.envFile); err != nil {
				return fmt.Errorf("load env file %s: %w", opts.envFile, err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to configuration file (defaults to $"+config.EnvConfigPath+")")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "Additional .env file to load before reading configuration")

	root.AddCommand(newServeCmd(opts), newRunOnceCmd(opts), newRulesCmd(opts), newVersionCmd())
	return root
}

func configPath(opts *rootOptions) string {
	if opts.configPath != "" {
		return opts.configPath
	}
	return os.Getenv(config.EnvConfigPath)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, the gRPC control plane and the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, configPath(opts))
		},
	}
}

func serve(ctx context.Context, path string) error {
	watcher, err := config.NewWatcher(path, nil)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", path), slog.Any("error", err))
		return err
	}
	cfg := watcher.Current()
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting mirador-triage",
		slog.String("version", version),
		slog.String("grpc_address", cfg.Server.GRPCAddress),
		slog.String("http_address", cfg.Server.HTTPAddress),
	)

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     version,
		SampleRatio: cfg.Tracing.SampleRatio,
		Pretty:      cfg.Tracing.Pretty,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()
	watcher.OnReload(a.stage)

	if err := a.restore(ctx); err != nil {
		logger.Warn("state restore failed, starting empty", slog.Any("error", err))
	}

	grpcServer, err := api.NewServer(cfg.Server, a.service, logger)
	if err != nil {
		return fmt.Errorf("create gRPC server: %w", err)
	}
	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(a.service, api.RouterConfig{MaxBodyBytes: cfg.Server.MaxBodyBytes, Metrics: promhttp.Handler()}, logger)
	httpServer := api.NewHTTPServer(cfg.Server.HTTPAddress, router)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error {
		logger.Info("gRPC server listening", slog.String("address", grpcServer.Address()))
		return grpcServer.Start()
	})
	g.Go(func() error {
		logger.Info("http server listening", slog.String("address", cfg.Server.HTTPAddress))
		return httpServer.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout(cfg))
		defer cancel()
		grpcServer.Shutdown(shutdownCtx)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown incomplete", slog.Any("error", err))
		}
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("trace flush failed", slog.Any("error", err))
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("engine exited", slog.Any("error", err))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func newRunOnceCmd(opts *rootOptions) *cobra.Command {
	var eventsPath string
	cmd := &cobra.Command{
		Use:   "run-once",
		Short: "Run a single batch over events read from a file or stdin and print the result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath(opts))
			if err != nil {
				return err
			}
			raw, err := readEvents(cmd.InOrStdin(), eventsPath)
			if err != nil {
				return err
			}
			return runOnce(cmd.Context(), cfg, raw, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&eventsPath, "events", "-", "JSON file holding an event array or {\"events\": [...]}; - reads stdin")
	return cmd
}

func readEvents(stdin io.Reader, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return raw, nil
}

func runOnce(ctx context.Context, cfg *config.Config, raw []byte, out io.Writer) error {
	logger := utils.NewLoggerTo(os.Stderr, cfg.Logging.Level, cfg.Logging.JSON)
	events, err := api.DecodeEvents(raw)
	if err != nil {
		return err
	}
	a, err := buildApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()
	if err := a.restore(ctx); err != nil {
		logger.Warn("state restore failed", slog.Any("error", err))
	}

	res := a.pipeline.RunBatch(ctx, events)
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

func newRulesCmd(opts *rootOptions) *cobra.Command {
	rules := &cobra.Command{
		Use:   "rules",
		Short: "Inspect redaction and fallback rule packs",
	}
	rules.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the configured redaction and fallback rule packs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath(opts))
			if err != nil {
				return err
			}
			return checkRules(cfg, cmd.OutOrStdout())
		},
	})
	return rules
}

func checkRules(cfg *config.Config, out io.Writer) error {
	redaction, err := redact.LoadRules(cfg.Redaction.RulesPath)
	if err != nil {
		return fmt.Errorf("redaction rules: %w", err)
	}
	fallback, err := analysis.NewRuleEngine(cfg.Inference.FallbackRulesPath, slog.New(slog.DiscardHandler))
	if err != nil {
		return fmt.Errorf("fallback rules: %w", err)
	}
	source := cfg.Redaction.RulesPath
	if source == "" {
		source = "embedded"
	}
	fmt.Fprintf(out, "redaction rules: %d (%s)\n", len(redaction), source)
	fmt.Fprintf(out, "fallback rules:  %d\n", len(fallback.Rules()))
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the engine version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
