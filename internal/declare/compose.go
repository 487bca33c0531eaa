package declare

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"cyrange/internal/reconcile"
	"cyrange/internal/state"

	"github.com/compose-spec/compose-go/v2/loader"
	compose "github.com/compose-spec/compose-go/v2/types"
)

const (
	composeFilename = "compose.yaml"
	// defaultProject names projects whose file carries no name.
	defaultProject = "cyrange"
)

// Service labels read by LoadCompose. cyrange.host and cyrange.asset match
// the labels the reconciler stamps on the containers it creates.
const (
	LabelHost        = reconcile.LabelHost
	LabelAsset       = reconcile.LabelAsset
	LabelDesired     = "cyrange.desired"
	LabelMaxAttempts = "cyrange.max-attempts"
)

// ComposeOptions supplies the defaults for services that do not carry the
// cyrange labels.
type ComposeOptions struct {
	// Project overrides the compose project name.
	Project   string
	HostID    string
	CreatedBy string
}

// LoadCompose turns every service of a compose file into a declaration,
// ordered by service name. Containers are named after container_name or
// "<project>-<service>".
func LoadCompose(ctx context.Context, data []byte, opts ComposeOptions) ([]Declaration, error) {
	details := compose.ConfigDetails{
		ConfigFiles: []compose.ConfigFile{
			{Filename: composeFilename, Content: data},
		},
	}
	loadOpts := []func(*loader.Options){func(o *loader.Options) {
		o.SetProjectName(defaultProject, false)
	}}
	if name := strings.TrimSpace(opts.Project); name != "" {
		loadOpts = append(loadOpts, func(o *loader.Options) {
			o.SetProjectName(name, true)
		})
	}

	project, err := loader.LoadWithContext(ctx, details, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("parse compose file: %w", err)
	}
	if len(project.Services) == 0 {
		return nil, errors.New("compose file has no services")
	}

	names := make([]string, 0, len(project.Services))
	for name := range project.Services {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Declaration, 0, len(names))
	var errs []error
	for _, name := range names {
		d, err := fromService(project.Name, project.Services[name], opts)
		if err != nil {
			errs = append(errs, fmt.Errorf("service %q: %w", name, err))
			continue
		}
		out = append(out, d)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

func fromService(project string, svc compose.ServiceConfig, opts ComposeOptions) (Declaration, error) {
	if strings.TrimSpace(svc.Image) == "" {
		return Declaration{}, errors.New("image is required")
	}

	d := Declaration{
		HostID:        opts.HostID,
		AssetID:       svc.Name,
		ContainerName: svc.ContainerName,
		ImageName:     svc.Image,
		Desired:       state.DesiredRunning,
		CreatedBy:     opts.CreatedBy,
	}
	if d.ContainerName == "" {
		d.ContainerName = project + "-" + svc.Name
	}
	if v := strings.TrimSpace(svc.Labels[LabelHost]); v != "" {
		d.HostID = v
	}
	if v := strings.TrimSpace(svc.Labels[LabelAsset]); v != "" {
		d.AssetID = v
	}
	if v := strings.TrimSpace(svc.Labels[LabelDesired]); v != "" {
		desired, err := state.ParseDesiredStatus(v)
		if err != nil {
			return Declaration{}, fmt.Errorf("label %s: %w", LabelDesired, err)
		}
		d.Desired = desired
	}
	if v := strings.TrimSpace(svc.Labels[LabelMaxAttempts]); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Declaration{}, fmt.Errorf("label %s: want a positive integer, got %q", LabelMaxAttempts, v)
		}
		d.MaxSyncAttempts = n
	}
	if strings.TrimSpace(d.HostID) == "" {
		return Declaration{}, fmt.Errorf("no host: set label %s or a default host", LabelHost)
	}
	return d, nil
}
