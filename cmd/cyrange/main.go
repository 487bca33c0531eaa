package main

import (
	"fmt"
	"os"

	declarecmd "cyrange/cmd/cyrange/declare"
	statescmd "cyrange/cmd/cyrange/states"
	statuscmd "cyrange/cmd/cyrange/status"
	synccmd "cyrange/cmd/cyrange/sync"
	"cyrange/cmd/cyrange/ui"
	"cyrange/internal/buildinfo"
	"cyrange/internal/logging"

	"github.com/spf13/cobra"
)

func main() {
	var (
		debug   bool
		noColor bool
		socket  string
	)
	if err := logging.Configure(logging.LevelWarn, logging.FormatText); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	root := &cobra.Command{
		Use:           "cyrange",
		Short:         "Manage cyber range container state through cyranged",
		Version:       buildinfo.Full(),
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ui.ConfigureColor(noColor)
			level := logging.LevelWarn
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level, logging.FormatText)
		},
	}
	root.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	root.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable coloured output")
	root.PersistentFlags().StringVar(&socket, "socket", "", "cyranged control socket (default $CYRANGE_SOCKET or the platform path)")

	root.AddCommand(statuscmd.Cmd(&socket))
	root.AddCommand(statuscmd.StatsCmd(&socket))
	root.AddCommand(statuscmd.DiscoverCmd(&socket))
	root.AddCommand(synccmd.Cmd(&socket))
	root.AddCommand(synccmd.ForceSyncCmd(&socket))
	root.AddCommand(synccmd.CleanupCmd(&socket))
	root.AddCommand(synccmd.ResetFailedCmd(&socket))
	root.AddCommand(statescmd.Cmd(&socket))
	root.AddCommand(declarecmd.Cmd(&socket))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.ErrorMsg("%v", err))
		os.Exit(1)
	}
}
