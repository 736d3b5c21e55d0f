package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Sou1ence/RabbitSimpleChat/internal/app"
	"github.com/Sou1ence/RabbitSimpleChat/internal/config"
	"github.com/Sou1ence/RabbitSimpleChat/internal/log"
)

type flags struct {
	configPath string
	nickname   string
	room       string
	amqpURL    string
	logLevel   string
	inMemory   bool
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "wirechat",
		Short: "Terminal chat over RabbitMQ rooms",
		Long: "wirechat joins a chat room on a RabbitMQ broker. Room history is replayed on join,\n" +
			"private messages go straight to a user's inbox and new rooms are announced to everyone.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, f)
		},
	}

	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "path to config.yaml (created with defaults if missing)")
	cmd.Flags().StringVarP(&f.nickname, "nick", "n", "", "nickname to chat as")
	cmd.Flags().StringVarP(&f.room, "room", "r", "", "room to join on start")
	cmd.Flags().StringVar(&f.amqpURL, "amqp-url", "", "AMQP broker URL, overrides broker.url")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "log level (debug, info, warn, error, off)")
	cmd.Flags().BoolVar(&f.inMemory, "inmem", false, "use an in-process broker instead of RabbitMQ")
	_ = cmd.MarkFlagRequired("nick")

	return cmd
}

func run(cmd *cobra.Command, f flags) error {
	bootLogger := log.New("info", cmd.ErrOrStderr())

	cfg, path, err := config.Load(bootLogger, f.configPath)
	if err != nil {
		return err
	}
	cfg.UpdateFrom(config.Config{
		Broker:   config.BrokerConfig{URL: f.amqpURL},
		LogLevel: f.logLevel,
	})

	logger := log.New(cfg.LogLevel, cmd.ErrOrStderr())
	logger.Debug().Str("path", path).Msg("config loaded")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(&cfg, app.Options{
		Nickname: f.nickname,
		Room:     f.room,
		InMemory: f.inMemory,
		In:       cmd.InOrStdin(),
		Out:      cmd.OutOrStdout(),
	}, logger)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}

	logger.Info().Str("nick", f.nickname).Str("room", f.room).Msg("starting wirechat")
	if err := application.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("wirechat exited with error")
		return err
	}
	logger.Info().Msg("wirechat stopped")
	return nil
}
