package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/spf13/cobra"

	"github.com/sipeed/clawgate/pkg/app"
	"github.com/sipeed/clawgate/pkg/gateway/discord"
	"github.com/sipeed/clawgate/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the gateway and dispatch events",
		Long: `Connect every configured shard and dispatch events until interrupted.

Configuration comes from the --config file and CLAWGATE_* environment
variables, the latter taking precedence.

Example:
  CLAWGATE_GATEWAY_TOKEN=... clawgate run
  clawgate run --config /etc/clawgate.yaml --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGateway(cmd, rootOpts)
		},
	}
}

func runGateway(cmd *cobra.Command, opts *RootOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireToken(); err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err)
	}
	if err := app.ConfigureLogging(cfg.Logging); err != nil {
		return WrapExitError(ExitCommandError, "invalid logging config", err)
	}
	defer logger.DisableFileLogging()

	conn, err := discord.New(discord.Options{
		Token:      cfg.Gateway.Token,
		ShardCount: cfg.Gateway.ShardCount,
		Intents:    discordgo.Intent(cfg.Gateway.Intents),
		LogLevel:   logger.GetLevel(),
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create gateway sessions", err)
	}

	container, err := app.NewContainer(cfg, conn, conn.Messenger())
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build application", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := container.Start(ctx); err != nil {
		_ = container.Stop(context.Background())
		return WrapExitError(ExitFailure, "failed to start", err)
	}

	<-ctx.Done()
	logger.InfoC("app", "Shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := container.Stop(shutdownCtx); err != nil {
		return WrapExitError(ExitFailure, "unclean shutdown", err)
	}
	return nil
}
