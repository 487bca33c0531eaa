package synccmd

import (
	"fmt"
	"strconv"
	"time"

	"cyrange/cmd/cyrange/cmdutil"
	"cyrange/cmd/cyrange/ui"
	"cyrange/internal/controlapi"

	"github.com/spf13/cobra"
)

// Cmd returns the "cyrange sync" command group.
func Cmd(socket *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Control the reconciliation loop",
	}
	cmd.AddCommand(triggerCmd(socket))
	cmd.AddCommand(resetFailuresCmd(socket))
	cmd.AddCommand(ForceSyncCmd(socket))
	return cmd
}

func triggerCmd(socket *string) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger",
		Short: "Start a sync pass now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := cmdutil.Connect(*socket)
			if err != nil {
				return err
			}
			defer client.Close()

			started, err := client.TriggerSync(cmd.Context())
			if err != nil {
				return err
			}
			if !started {
				fmt.Fprintln(cmd.OutOrStdout(), ui.WarnMsg("a sync pass is already running"))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("sync pass started"))
			return nil
		},
	}
}

func resetFailuresCmd(socket *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-failures",
		Short: "Close the circuit breaker and clear the consecutive failure count",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := cmdutil.Connect(*socket)
			if err != nil {
				return err
			}
			defer client.Close()

			if err := client.ResetFailureCount(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("failure count reset"))
			return nil
		},
	}
}

// ForceSyncCmd returns "force-sync <asset-id>".
func ForceSyncCmd(socket *string) *cobra.Command {
	return &cobra.Command{
		Use:   "force-sync <asset-id>",
		Short: "Reconcile every record of an asset now, ignoring retry budgets",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cmdutil.Connect(*socket)
			if err != nil {
				return err
			}
			defer client.Close()

			results, err := client.ForceSyncAsset(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ResultsTable(results))
			return nil
		},
	}
}

// ResultsTable renders reconciliation results.
func ResultsTable(results []controlapi.Result) string {
	rows := make([][]string, 0, len(results))
	for _, r := range results {
		rows = append(rows, []string{
			r.RecordID, r.HostID, r.Action, ui.Outcome(r.Outcome),
			r.From + " -> " + r.To,
			strconv.Itoa(r.Attempt),
			(time.Duration(r.DurationMS) * time.Millisecond).String(),
			r.Error,
		})
	}
	return ui.Table([]string{"RECORD", "HOST", "ACTION", "OUTCOME", "TRANSITION", "ATTEMPT", "TOOK", "ERROR"}, rows)
}

// CleanupCmd returns "cyrange cleanup".
func CleanupCmd(socket *string) *cobra.Command {
	var retention time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete SYNCED records not modified within the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if retention < 0 {
				return fmt.Errorf("retention must not be negative")
			}
			client, err := cmdutil.Connect(*socket)
			if err != nil {
				return err
			}
			defer client.Close()

			n, err := client.Cleanup(cmd.Context(), int64(retention/time.Second))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("deleted %d synced records", n))
			return nil
		},
	}
	cmd.Flags().DurationVar(&retention, "retention", 0, "Override the configured retention, e.g. 72h")
	return cmd
}

// ResetFailedCmd returns "cyrange reset-failed".
func ResetFailedCmd(socket *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset-failed",
		Short: "Give every FAILED record a fresh retry budget",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := cmdutil.Connect(*socket)
			if err != nil {
				return err
			}
			defer client.Close()

			n, err := client.ResetFailed(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("reset %d failed records", n))
			return nil
		},
	}
}
