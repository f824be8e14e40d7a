// Command engine runs the customer-success agent orchestration engine.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/xiaot623/gogo/csagent/internal/config"
	"github.com/xiaot623/gogo/csagent/internal/logging"
)

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var envFile string

	cmd := &cobra.Command{
		Use:   "engine",
		Short: "Agent orchestration and human-in-the-loop execution engine",
		Long: "engine routes customer-success conversations to specialist agents, runs their tool calls " +
			"under policy and holds consequential actions for human approval.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(envFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&envFile, "env", "", "env file to load before reading the environment (default ./.env when present)")
	return cmd
}

func run(parent context.Context, cfg *config.Config) error {
	logger := logging.NewWithFormat(cfg.LogFormat, cfg.LogLevel)
	logger.Info().
		Int("http_port", cfg.HTTPPort).
		Str("llm_mode", cfg.LLMMode).
		Str("cache", cfg.CacheBackend).
		Bool("auth", cfg.JWTSecret != "").
		Msg("starting engine")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger, nil)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize engine")
		return err
	}
	defer a.Close()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := a.Reload(ctx); err != nil {
					logger.Error().Err(err).Msg("catalog reload failed, keeping previous catalog")
				}
			}
		}
	}()

	if err := a.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("engine stopped with error")
		return err
	}
	logger.Info().Msg("engine stopped")
	return nil
}
