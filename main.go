package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "k-proxy",
		Short:         "MCP proxy gateway",
		Long:          "k-proxy terminates MCP client connections and relays correlated calls to configured upstream MCP servers.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config path or http(s) URL (default: config home)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d upstream(s), listening on %s\n",
				len(cfg.Upstreams), cfg.Gateway.Addr)
			return nil
		},
	}

	root.AddCommand(serve, check)
	return root
}

func runServe(configPath string) error {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.Gateway.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	if envEnabled("K_PROXY_DEBUG") {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateway, err := newGateway(ctx, cfg, logger)
	if err != nil {
		return err
	}

	logger.Info().
		Str("name", cfg.Gateway.Name).
		Str("version", cfg.Gateway.Version).
		Int("upstreams", len(cfg.Upstreams)).
		Msg("starting MCP proxy gateway")

	if err := gateway.run(ctx); err != nil {
		logger.Error().Err(err).Msg("gateway exited")
		return err
	}
	logger.Info().Msg("gateway stopped")
	return nil
}
