/*
Package main is the entry point for the agentlink client.

agentlink connects to an agent runtime over a WebSocket, executes the tools the
agent requests on this machine, folds the agent's streamed updates into
conversation state, and can record a session and replay it later.

Commands:
- serve (default): connect to the backend and expose the host HTTP API
- replay <file>: play a saved session offline and print the final snapshot
- tools: print the tool definitions announced to the backend
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentlink/core"
	"agentlink/tools"
	"agentlink/transport"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "agentlink",
		Short:         "Tool bridge, stream aggregator and session recorder for an agent runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), core.LoadConfigFrom(v))
		},
	}

	flags := root.PersistentFlags()
	flags.String("port", "", "HTTP port of the host API (env PORT)")
	flags.String("backend", "", "WebSocket URL of the agent runtime (env BACKEND_URL)")
	flags.String("log-level", "", "debug, info, warn or error (env LOG_LEVEL)")
	_ = v.BindPFlag("PORT", flags.Lookup("port"))
	_ = v.BindPFlag("BACKEND_URL", flags.Lookup("backend"))
	_ = v.BindPFlag("LOG_LEVEL", flags.Lookup("log-level"))

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Connect to the backend and serve the host API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), core.LoadConfigFrom(v))
		},
	})

	replay := &cobra.Command{
		Use:   "replay <file>",
		Short: "Replay a saved session offline and print the final snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), core.LoadConfigFrom(v), args[0], cmd.OutOrStdout())
		},
	}
	replay.Flags().Int("delay-ms", 100, "delay between entries in milliseconds (env PLAYBACK_DELAY_MS)")
	_ = v.BindPFlag("PLAYBACK_DELAY_MS", replay.Flags().Lookup("delay-ms"))
	root.AddCommand(replay)

	root.AddCommand(&cobra.Command{
		Use:   "tools",
		Short: "Print the tool definitions announced to the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, err := buildRegistry(core.LoadConfigFrom(v))
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(registry.Definitions())
		},
	})

	return root
}

// buildRegistry registers the client tools.
func buildRegistry(config *core.Config) (*tools.Registry, error) {
	fetch := tools.NewFetchTool(tools.FetchConfig{
		CacheSize: config.FetchCacheSize,
		MaxBytes:  config.FetchMaxBytes,
	})

	registry := tools.NewRegistry()
	for _, tool := range []tools.Tool{
		tools.NewCalculatorTool(),
		tools.NewExpressionTool(),
		tools.NewFileTool(config.WorkingDir),
		tools.NewGrepTool(config.WorkingDir),
		fetch,
		tools.NewDateTimeTool(),
		tools.NewSysInfoTool(config.WorkingDir),
	} {
		if err := registry.Register(tool); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func runServe(ctx context.Context, config *core.Config) error {
	logger := core.InitializeLogger(config)
	logger.Info("Starting agentlink")

	registry, err := buildRegistry(config)
	if err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}
	metricsRegistry := prometheus.NewRegistry()
	metrics := core.MustNewMetrics(metricsRegistry)

	session := core.NewSession(config, registry, logger, metrics)
	var client *transport.Client
	defer func() {
		// The session goes first so canceled tools can still submit their results.
		session.Close()
		if client != nil {
			client.Close()
		}
	}()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := session.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if config.BackendURL != "" {
		client, err = transport.Dial(ctx, transport.Config{
			URL:         config.BackendURL,
			Token:       config.BackendToken,
			CallTimeout: config.CallTimeout,
		}, session.Bus().Deliver, logger)
		if err != nil {
			return fmt.Errorf("failed to connect to backend: %w", err)
		}
		session.SetTransport(client)

		initCtx, cancel := context.WithTimeout(ctx, config.CallTimeout)
		err = session.Init(initCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to initialize agent: %w", err)
		}

		group.Go(func() error { return session.Tasks().Run(ctx) })
		group.Go(func() error {
			select {
			case <-client.Done():
				return fmt.Errorf("backend connection closed")
			case <-ctx.Done():
				return nil
			}
		})
	} else {
		logger.Warn("BACKEND_URL is not set; running offline (playback and local inspection only)")
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	core.NewServer(session, config, metricsRegistry, logger).RegisterRoutes(e)

	group.Go(func() error {
		logger.WithField("port", config.Port).Info("Starting server")
		if err := e.Start(fmt.Sprintf(":%s", config.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := e.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("Failed to gracefully shutdown server")
			return err
		}
		logger.Info("Server shutdown complete")
		return nil
	})

	return group.Wait()
}

// runReplay plays a saved session into a fresh offline session and prints
// the resulting snapshot.
func runReplay(ctx context.Context, config *core.Config, path string, out io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read session log: %w", err)
	}

	// stdout carries the snapshot; keep routine logs out of it.
	if config.LogLevel == "info" {
		config.LogLevel = "warn"
	}
	logger := core.InitializeLogger(config)
	logger.SetOutput(os.Stderr)

	registry, err := buildRegistry(config)
	if err != nil {
		return err
	}
	session := core.NewSession(config, registry, logger, nil)
	defer session.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = session.Run(ctx) }()

	done, err := session.Replay(data)
	if err != nil {
		return err
	}
	select {
	case err := <-done:
		if err != nil {
			return err
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(session.Aggregator().Snapshot())
}
