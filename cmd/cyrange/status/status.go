package statuscmd

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"time"

	"cyrange/cmd/cyrange/cmdutil"
	"cyrange/cmd/cyrange/ui"

	"github.com/spf13/cobra"
)

// Cmd returns "cyrange status". socket points at the root --socket flag.
func Cmd(socket *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show scheduler, breaker and host health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := cmdutil.Connect(*socket)
			if err != nil {
				return err
			}
			defer client.Close()

			st, err := client.Status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return cmdutil.WriteJSON(cmd.OutOrStdout(), st)
			}

			health := ui.Success("healthy")
			if !st.Healthy {
				health = ui.Error("unhealthy")
			}
			breaker := st.Breaker
			if breaker == "open" {
				breaker = ui.Error(breaker)
			}
			pairs := []ui.Pair{
				ui.KV("Health", health),
				ui.KV("Sync running", ui.Bool(st.InProgress)),
				ui.KV("Last sync", ui.Time(st.LastSyncAt)),
				ui.KV("Breaker", fmt.Sprintf("%s (%d/%d failures)", breaker, st.ConsecutiveFailures, st.MaxConsecutiveFailures)),
				ui.KV("Clock", clockSummary(st.Clock.Phase, st.Clock.OffsetMS, st.Clock.Error)),
			}
			if p := st.LastPass; p != nil {
				pairs = append(pairs, ui.KV("Last pass", fmt.Sprintf("%d processed, %d synced, %d failed, %d exhausted, %d skipped in %s",
					p.Processed, p.Synced, p.Failed, p.Exhausted, p.Skipped, p.FinishedAt.Sub(p.StartedAt).Round(time.Millisecond))))
			}
			fmt.Fprint(cmd.OutOrStdout(), ui.KeyValues("  ", pairs...))

			if len(st.Hosts) > 0 {
				rows := make([][]string, 0, len(st.Hosts))
				for _, h := range st.Hosts {
					rows = append(rows, []string{h.ID, h.Phase, ui.Time(h.LastAccess), ui.Time(h.LastProbeAt), h.LastError})
				}
				fmt.Fprintln(cmd.OutOrStdout(), ui.Table([]string{"HOST", "PHASE", "LAST ACCESS", "LAST PROBE", "ERROR"}, rows))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func clockSummary(phase string, offsetMS int64, errMsg string) string {
	switch phase {
	case "healthy":
		return ui.Success(phase) + " " + ui.Muted("offset "+strconv.FormatInt(offsetMS, 10)+"ms")
	case "unhealthy_offset":
		return ui.Warn(phase) + " " + ui.Muted("offset "+strconv.FormatInt(offsetMS, 10)+"ms")
	case "error":
		return ui.Error(phase) + " " + ui.Muted(errMsg)
	case "unknown", "unchecked":
		return ui.Muted("not checked")
	default:
		return ui.Muted(phase)
	}
}

// StatsCmd returns "cyrange stats".
func StatsCmd(socket *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count state records by sync and health status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := cmdutil.Connect(*socket)
			if err != nil {
				return err
			}
			defer client.Close()

			st, err := client.Stats(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return cmdutil.WriteJSON(cmd.OutOrStdout(), st)
			}

			pairs := []ui.Pair{
				ui.KV("Total", strconv.Itoa(st.Total)),
				ui.KV("Needing reconciliation", strconv.Itoa(st.NeedingReconciliation)),
				ui.KV("Failed", strconv.Itoa(st.Failed)),
			}
			for _, k := range slices.Sorted(maps.Keys(st.BySync)) {
				pairs = append(pairs, ui.KV(k, strconv.Itoa(st.BySync[k])))
			}
			for _, k := range slices.Sorted(maps.Keys(st.ByHealth)) {
				pairs = append(pairs, ui.KV(k, strconv.Itoa(st.ByHealth[k])))
			}
			fmt.Fprint(cmd.OutOrStdout(), ui.KeyValues("  ", pairs...))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

// DiscoverCmd returns "cyrange discover".
func DiscoverCmd(socket *string) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Run a discovery pass over every configured scope",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := cmdutil.Connect(*socket)
			if err != nil {
				return err
			}
			defer client.Close()

			scopes, err := client.Discover(cmd.Context())
			if err != nil {
				return err
			}
			if len(scopes) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), ui.WarnMsg("no discovery scopes configured"))
				return nil
			}
			rows := make([][]string, 0, len(scopes))
			for _, s := range scopes {
				rows = append(rows, []string{
					s.ScopeID, s.HostID,
					strconv.Itoa(s.Observed), strconv.Itoa(s.Added), strconv.Itoa(s.Updated),
					strconv.Itoa(s.Removed), strconv.Itoa(s.Propagated), s.Error,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.Table([]string{"SCOPE", "HOST", "OBSERVED", "ADDED", "UPDATED", "REMOVED", "PROPAGATED", "ERROR"}, rows))
			return nil
		},
	}
}
