package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tether-labs/tether/internal/client"
	"github.com/tether-labs/tether/internal/daemon"
	"github.com/tether-labs/tether/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "tether",
		Short:        "Bridge chat channels to local CLI sessions",
		Long:         "tether runs a daemon that relays messages between chat channels (Telegram, iMessage, Matrix) and long-lived local CLI sessions attached over a unix socket.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), configPath)
		},
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	rootCmd.AddCommand(
		newDaemonCmd(&configPath),
		newConnectCmd(&configPath),
		newSetupCmd(&configPath),
		newVersionCmd(),
	)
	return rootCmd
}

func newDaemonCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the daemon (same as running tether with no command)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), *configPath)
		},
	}
}

func runDaemon(parent context.Context, configPath string) error {
	if configPath == "" {
		configPath = daemon.DefaultConfigPath()
		if _, err := os.Stat(configPath); err != nil {
			return fmt.Errorf("config not found at %s; run 'tether setup' first", configPath)
		}
	}

	cfg, err := daemon.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(cfg.EnabledChannelIDs()) == 0 {
		return fmt.Errorf("no channels enabled in %s", configPath)
	}

	logging.Setup(logging.Config{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	defer logging.Close()

	slog.Info("tether starting",
		"version", version,
		"config", configPath,
		"channels", cfg.EnabledChannelIDs(),
	)

	ctx, cancel := signalContext(parent)
	defer cancel()

	return daemon.New(cfg).Run(ctx)
}

func newConnectCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "connect <channel> <name>",
		Short: "Attach a CLI session to the daemon",
		Long:  "Attach a CLI session under a name. Channel messages addressed with @<name> are pushed here; lines you type are sent back through that channel.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			channelID, name := args[0], args[1]
			switch channelID {
			case "imessage", "telegram", "matrix":
			default:
				return fmt.Errorf("unknown channel %q (available: imessage, telegram, matrix)", channelID)
			}

			socketPath := daemon.DefaultSocketPath
			path := *configPath
			if path == "" {
				path = daemon.DefaultConfigPath()
			}
			if _, err := os.Stat(path); err == nil {
				cfg, err := daemon.LoadConfig(path)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
				socketPath = cfg.SocketPath
			}

			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			return client.Run(ctx, client.Config{
				SocketPath: socketPath,
				Channel:    channelID,
				Name:       name,
				Input:      os.Stdin,
				Output:     os.Stdout,
			})
		},
	}
}

func newSetupCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactively write a config file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := *configPath
			if path == "" {
				path = daemon.DefaultConfigPath()
			}
			return runSetup(bufio.NewScanner(cmd.InOrStdin()), cmd.OutOrStdout(), path)
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "tether %s (%s)\n", version, commit)
			return err
		},
	}
}

// signalContext derives a context cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
