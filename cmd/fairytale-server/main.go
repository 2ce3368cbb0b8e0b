package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MegaGrindStone/fairytale-mcp"
	"github.com/MegaGrindStone/fairytale-mcp/internal/config"
	"github.com/MegaGrindStone/fairytale-mcp/internal/httpserver"
	"github.com/MegaGrindStone/fairytale-mcp/internal/logging"
	"github.com/MegaGrindStone/fairytale-mcp/internal/metrics"
	"github.com/MegaGrindStone/fairytale-mcp/servers/fairytale"
)

type streams struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "fairytale-server",
		Short:         "Expose fairytale projects as MCP resources",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			err = run(ctx, cfg, streams{
				stdin:  cmd.InOrStdin(),
				stdout: cmd.OutOrStdout(),
				stderr: cmd.ErrOrStderr(),
			})
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
			}
			return err
		},
	}

	cmd.Flags().String("config", "", "path to configuration file")
	cmd.Flags().String("transport", "", "transport to serve on: stdio or sse")
	cmd.Flags().String("listen", "", "listen address of the sse transport")
	cmd.Flags().String("projects-root", "", "projects directory, instead of the platform location")
	cmd.Flags().String("log-level", "", "log level: debug, info, warn or error")

	return cmd
}

// loadConfig merges the file, the environment and the flags that were set, in that order.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	overrides := map[string]*string{
		"transport":     &cfg.Server.Transport,
		"listen":        &cfg.Server.Listen,
		"projects-root": &cfg.Projects.Root,
		"log-level":     &cfg.Log.Level,
	}
	for name, field := range overrides {
		if cmd.Flags().Changed(name) {
			*field, _ = cmd.Flags().GetString(name)
		}
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// run serves until ctx is done or, with the stdio transport, until the input stream ends.
func run(ctx context.Context, cfg config.Config, s streams) error {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, s.stderr)
	if err != nil {
		return err
	}

	rootFunc := fairytale.DefaultRoot
	if cfg.Projects.Root != "" {
		rootFunc = fairytale.StaticRoot(cfg.Projects.Root)
	}
	// Resolved once here so an unsupported platform fails before serving.
	root, err := rootFunc()
	if err != nil {
		return fmt.Errorf("failed to resolve projects directory: %w", err)
	}
	logger.Info("serving fairytale projects", slog.String("root", root))

	projects, err := fairytale.NewServer(
		fairytale.WithRootFunc(rootFunc),
		fairytale.WithIgnorePatterns(cfg.Projects.Ignore...),
		fairytale.WithStrictDescriptors(cfg.Projects.StrictDescriptors),
		fairytale.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	options := []mcp.ServerOption{
		mcp.WithResourceServer(projects),
		mcp.WithToolServer(projects),
		mcp.WithServerLogger(logger),
		mcp.WithServerOnClientConnected(func(id string, info mcp.Info) {
			logger.Info("client connected",
				slog.String("sessionID", id),
				slog.String("client", info.Name),
				slog.String("version", info.Version))
		}),
		mcp.WithServerOnClientDisconnected(func(id string) {
			logger.Info("client disconnected", slog.String("sessionID", id))
		}),
	}
	if cfg.Server.Instructions != "" {
		options = append(options, mcp.WithInstructions(cfg.Server.Instructions))
	}

	var routes []httpserver.RouterOption
	if metricsServed(cfg) {
		collector := metrics.NewCollector()
		options = append(options, mcp.WithRequestObserver(collector))
		routes = append(routes, httpserver.WithMetrics(collector.Handler()))
	}

	var transport mcp.ServerTransport
	var httpSrv *httpserver.Server

	switch cfg.Server.Transport {
	case config.TransportSSE:
		sse := mcp.NewSSEServer(httpserver.MessagePath, mcp.WithSSEServerLogger(logger))
		transport = sse
		routes = append(routes, httpserver.WithSSE(sse))
		httpSrv = httpserver.New(cfg.Server.Listen, httpserver.NewRouter(logger, routes...), logger)
	default:
		transport = mcp.NewStdIO(s.stdin, s.stdout, mcp.WithStdIOLogger(logger))
		if metricsServed(cfg) {
			httpSrv = httpserver.New(cfg.Metrics.Listen, httpserver.NewRouter(logger, routes...), logger)
		}
	}

	srv := mcp.NewServer(mcp.Info{Name: cfg.Server.Name, Version: cfg.Server.Version}, transport, options...)

	httpErrs := make(chan error, 1)
	if httpSrv != nil {
		go func() {
			httpErrs <- httpSrv.ListenAndServe()
		}()
	}

	served := make(chan struct{})
	go func() {
		srv.Serve()
		close(served)
	}()

	if cfg.Server.Transport == config.TransportStdIO {
		logger.Info("running on stdio")
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case <-served:
		logger.Info("input stream closed")
	case err := <-httpErrs:
		if err != nil {
			runErr = fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", slog.String("err", err.Error()))
	}
	if httpSrv != nil {
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown http server", slog.String("err", err.Error()))
		}
	}

	select {
	case <-served:
	case <-time.After(cfg.Server.ShutdownTimeout):
		logger.Warn("sessions still running after shutdown")
	}

	logger.Info("server closed")
	return runErr
}

// metricsServed reports whether a listener exposes /metrics: the sse listener, or with
// stdio, a configured metrics listener.
func metricsServed(cfg config.Config) bool {
	if !cfg.Metrics.Enabled {
		return false
	}
	return cfg.Server.Transport == config.TransportSSE || cfg.Metrics.Listen != ""
}
