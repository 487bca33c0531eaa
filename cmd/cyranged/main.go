package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cyrange/config"
	"cyrange/daemon"
	"cyrange/internal/buildinfo"
	"cyrange/internal/logging"

	"github.com/spf13/cobra"
)

func main() {
	if err := logging.Configure(logging.LevelInfo, logging.FormatText); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		socketPath string
		dataDir    string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:           "cyranged",
		Short:         "Cyber range container reconciliation daemon",
		Version:       buildinfo.Full(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if socketPath != "" {
				cfg.Socket = socketPath
			}
			if dataDir != "" {
				cfg.DataDir = dataDir
			}
			if debug {
				cfg.LogLevel = logging.LevelDebug
			}
			if err := logging.Configure(cfg.LogLevel, cfg.LogFormat); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			slog.Info("starting cyranged", "version", buildinfo.Full(), "config", configPath)
			return daemon.Run(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Configuration file")
	cmd.Flags().StringVar(&socketPath, "socket", "", "Control socket path, overrides the config file")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "State directory, overrides the config file")
	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.AddCommand(checkConfigCmd(&configPath))
	return cmd
}

func checkConfigCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if err := daemon.SupervisorConfig(cfg).Validate(); err != nil {
				return err
			}
			cmd.Printf("%s: %d hosts, %d scopes\n", *configPath, len(cfg.Hosts), len(cfg.Scopes))
			return nil
		},
	}
}
