package statescmd

import (
	"fmt"
	"strconv"
	"time"

	"cyrange/cmd/cyrange/cmdutil"
	"cyrange/cmd/cyrange/ui"
	"cyrange/internal/controlapi"

	"github.com/spf13/cobra"
)

// Cmd returns the "cyrange states" command group.
func Cmd(socket *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "states",
		Aliases: []string{"state", "records"},
		Short:   "Inspect and edit container state records",
	}
	cmd.AddCommand(listCmd(socket))
	cmd.AddCommand(getCmd(socket))
	cmd.AddCommand(setDesiredCmd(socket))
	cmd.AddCommand(resetCmd(socket))
	return cmd
}

type listFlags struct {
	host                string
	asset               string
	createdBy           string
	sync                []string
	needsReconciliation bool
	failed              bool
	notSyncedFor        time.Duration
	createdFrom         string
	createdTo           string
	asJSON              bool
}

func (f listFlags) request(now time.Time) (controlapi.ListRecordsRequest, error) {
	req := controlapi.ListRecordsRequest{
		HostID:              f.host,
		AssetID:             f.asset,
		CreatedBy:           f.createdBy,
		Sync:                f.sync,
		NeedsReconciliation: f.needsReconciliation,
		Failed:              f.failed,
	}
	if f.notSyncedFor < 0 {
		return req, fmt.Errorf("--not-synced-for must not be negative")
	}
	if f.notSyncedFor > 0 {
		req.NotSyncedSince = now.Add(-f.notSyncedFor)
	}
	var err error
	if req.CreatedFrom, err = cmdutil.ParseTime(f.createdFrom); err != nil {
		return req, fmt.Errorf("--created-from: %w", err)
	}
	if req.CreatedTo, err = cmdutil.ParseTime(f.createdTo); err != nil {
		return req, fmt.Errorf("--created-to: %w", err)
	}
	if !req.CreatedFrom.IsZero() && !req.CreatedTo.IsZero() && req.CreatedTo.Before(req.CreatedFrom) {
		return req, fmt.Errorf("--created-to is before --created-from")
	}
	return req, nil
}

func listCmd(socket *string) *cobra.Command {
	var f listFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List state records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := f.request(time.Now())
			if err != nil {
				return err
			}
			client, err := cmdutil.Connect(*socket)
			if err != nil {
				return err
			}
			defer client.Close()

			recs, err := client.ListRecords(cmd.Context(), req)
			if err != nil {
				return err
			}
			if f.asJSON {
				return cmdutil.WriteJSON(cmd.OutOrStdout(), recs)
			}
			if len(recs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), ui.Muted("no records"))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), RecordsTable(recs))
			return nil
		},
	}
	cmd.Flags().StringVar(&f.host, "host", "", "Only records on this host")
	cmd.Flags().StringVar(&f.asset, "asset", "", "Only records of this asset")
	cmd.Flags().StringVar(&f.createdBy, "created-by", "", "Only records created by this user")
	cmd.Flags().StringSliceVar(&f.sync, "sync", nil, "Only these sync statuses (SYNCED, OUT_OF_SYNC, SYNCING, FAILED)")
	cmd.Flags().BoolVar(&f.needsReconciliation, "needs-reconciliation", false, "Only records the next pass would reconcile")
	cmd.Flags().BoolVar(&f.failed, "failed", false, "Only records that exhausted their retry budget")
	cmd.Flags().DurationVar(&f.notSyncedFor, "not-synced-for", 0, "Only records unchanged for at least this long")
	cmd.Flags().StringVar(&f.createdFrom, "created-from", "", "Only records created at or after this time")
	cmd.Flags().StringVar(&f.createdTo, "created-to", "", "Only records created before this time")
	cmd.Flags().BoolVar(&f.asJSON, "json", false, "Print JSON")
	return cmd
}

// RecordsTable renders records one per row.
func RecordsTable(recs []controlapi.Record) string {
	rows := make([][]string, 0, len(recs))
	for _, r := range recs {
		container := r.ContainerName
		if container == "" {
			container = shortID(r.ContainerID)
		}
		rows = append(rows, []string{
			r.ID, r.HostID, r.AssetID, container,
			r.Desired, r.Current, ui.Health(r.Health), ui.SyncStatus(r.Sync),
			strconv.Itoa(r.SyncAttempts) + "/" + strconv.Itoa(r.MaxSyncAttempts),
		})
	}
	return ui.Table([]string{"ID", "HOST", "ASSET", "CONTAINER", "DESIRED", "CURRENT", "HEALTH", "SYNC", "ATTEMPTS"}, rows)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func printRecord(cmd *cobra.Command, r controlapi.Record) {
	fmt.Fprint(cmd.OutOrStdout(), ui.KeyValues("  ",
		ui.KV("ID", r.ID),
		ui.KV("Host", r.HostID),
		ui.KV("Asset", r.AssetID),
		ui.KV("Container", r.ContainerName+" "+ui.Muted(shortID(r.ContainerID))),
		ui.KV("Image", r.ImageName),
		ui.KV("Desired", r.Desired),
		ui.KV("Current", r.Current),
		ui.KV("Health", ui.Health(r.Health)),
		ui.KV("Sync", ui.SyncStatus(r.Sync)+" "+ui.Muted(r.Description)),
		ui.KV("Attempts", strconv.Itoa(r.SyncAttempts)+"/"+strconv.Itoa(r.MaxSyncAttempts)),
		ui.KV("Last error", r.SyncError),
		ui.KV("Last sync", ui.Time(r.LastSyncAt)),
		ui.KV("Created", ui.Time(r.CreatedAt)+" "+ui.Muted(r.CreatedBy)),
		ui.KV("Updated", ui.Time(r.UpdatedAt)),
		ui.KV("Version", strconv.FormatInt(r.Version, 10)),
	))
}

func getCmd(socket *string) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one state record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cmdutil.Connect(*socket)
			if err != nil {
				return err
			}
			defer client.Close()

			rec, err := client.GetRecord(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return cmdutil.WriteJSON(cmd.OutOrStdout(), rec)
			}
			printRecord(cmd, rec)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON")
	return cmd
}

func setDesiredCmd(socket *string) *cobra.Command {
	return &cobra.Command{
		Use:   "set-desired <id> <RUNNING|STOPPED|PAUSED|RESTARTED>",
		Short: "Change the desired status of a record",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cmdutil.Connect(*socket)
			if err != nil {
				return err
			}
			defer client.Close()

			rec, err := client.SetDesired(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("%s desired %s: %s", rec.ID, rec.Desired, rec.Description))
			return nil
		},
	}
}

func resetCmd(socket *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <id>",
		Short: "Clear a record's retry budget and error",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := cmdutil.Connect(*socket)
			if err != nil {
				return err
			}
			defer client.Close()

			rec, err := client.ResetRecord(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("%s reset: %s", rec.ID, rec.Description))
			return nil
		},
	}
}
