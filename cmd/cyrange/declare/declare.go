package declarecmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"cyrange/cmd/cyrange/cmdutil"
	"cyrange/cmd/cyrange/ui"
	"cyrange/internal/controlapi"
	"cyrange/internal/declare"

	"github.com/spf13/cobra"
)

type flags struct {
	file        string
	project     string
	host        string
	asset       string
	container   string
	name        string
	image       string
	desired     string
	maxAttempts int
	createdBy   string
}

// Cmd returns "cyrange declare". Declarations come from a compose file
// (-f, "-" for stdin) or from the single-container flags.
func Cmd(socket *string) *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:   "declare",
		Short: "Create or update state records from a compose file or flags",
		Example: `  cyrange declare -f range.yaml --host lab-1
  cyrange declare --host lab-1 --asset kali-01 --name kali --image kalilinux/kali-rolling --desired RUNNING`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			decls, err := f.declarations(cmd)
			if err != nil {
				return err
			}
			client, err := cmdutil.Connect(*socket)
			if err != nil {
				return err
			}
			defer client.Close()

			resp, err := client.Declare(cmd.Context(), decls)
			if err != nil {
				return err
			}
			for _, d := range resp.Results {
				verb := "updated"
				switch {
				case d.Adopted:
					verb = "adopted"
				case d.Created:
					verb = "created"
				}
				fmt.Fprintln(cmd.OutOrStdout(), ui.SuccessMsg("%s %s (%s): %s", verb, d.Record.ID, containerLabel(d.Record), d.Record.Description))
			}
			if resp.Error != "" {
				fmt.Fprintln(cmd.ErrOrStderr(), ui.ErrorMsg("%s", resp.Error))
				return errors.New("some declarations failed")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&f.file, "file", "f", "", "Compose file to declare, - for stdin")
	cmd.Flags().StringVar(&f.project, "project", "", "Compose project name override")
	cmd.Flags().StringVar(&f.host, "host", "", "Host the containers run on")
	cmd.Flags().StringVar(&f.asset, "asset", "", "Asset id")
	cmd.Flags().StringVar(&f.container, "container-id", "", "Existing container id")
	cmd.Flags().StringVar(&f.name, "name", "", "Container name")
	cmd.Flags().StringVar(&f.image, "image", "", "Image to create the container from")
	cmd.Flags().StringVar(&f.desired, "desired", "RUNNING", "Desired status")
	cmd.Flags().IntVar(&f.maxAttempts, "max-attempts", 0, "Retry budget, 0 for the daemon default")
	cmd.Flags().StringVar(&f.createdBy, "created-by", cmdutil.CurrentUser(), "User recorded as creator")
	return cmd
}

func (f flags) declarations(cmd *cobra.Command) ([]controlapi.Declaration, error) {
	if f.file == "" {
		if f.host == "" {
			return nil, errors.New("--host is required")
		}
		return []controlapi.Declaration{{
			HostID:          f.host,
			AssetID:         f.asset,
			ContainerID:     f.container,
			ContainerName:   f.name,
			ImageName:       f.image,
			Desired:         f.desired,
			MaxSyncAttempts: f.maxAttempts,
			CreatedBy:       f.createdBy,
		}}, nil
	}

	data, err := readFile(cmd.InOrStdin(), f.file)
	if err != nil {
		return nil, err
	}
	decls, err := declare.LoadCompose(cmd.Context(), data, declare.ComposeOptions{
		Project:   f.project,
		HostID:    f.host,
		CreatedBy: f.createdBy,
	})
	if err != nil {
		return nil, err
	}
	out := make([]controlapi.Declaration, 0, len(decls))
	for _, d := range decls {
		out = append(out, toWire(d))
	}
	return out, nil
}

func toWire(d declare.Declaration) controlapi.Declaration {
	return controlapi.Declaration{
		HostID:          d.HostID,
		AssetID:         d.AssetID,
		ContainerID:     d.ContainerID,
		ContainerName:   d.ContainerName,
		ImageName:       d.ImageName,
		Desired:         d.Desired.String(),
		MaxSyncAttempts: d.MaxSyncAttempts,
		CreatedBy:       d.CreatedBy,
	}
}

func readFile(stdin io.Reader, path string) ([]byte, error) {
	if strings.TrimSpace(path) == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read compose file: %w", err)
	}
	return data, nil
}

func containerLabel(r controlapi.Record) string {
	if r.ContainerName != "" {
		return r.HostID + "/" + r.ContainerName
	}
	return r.HostID + "/" + r.ContainerID
}
