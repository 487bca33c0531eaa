package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"cyrange/internal/discovery"
	"cyrange/internal/reconcile"
	"cyrange/internal/state"
	"cyrange/internal/supervisor"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	dockerfilters "github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

var _ supervisor.Runtime = (*Runtime)(nil)

var ErrUnknownHost = errors.New("unknown host")

// Host names a Docker daemon. An empty DockerHost means the daemon from the
// environment (DOCKER_HOST or the local socket).
type Host struct {
	ID         string
	DockerHost string
}

// Runtime implements supervisor.Runtime over the Docker Engine API with one
// client per host.
type Runtime struct {
	mu      sync.RWMutex
	clients map[string]*client.Client
	log     *slog.Logger
}

// NewRuntime creates a client for every host. Clients connect lazily, so an
// unreachable host does not fail construction.
func NewRuntime(hosts []Host) (*Runtime, error) {
	r := &Runtime{
		clients: make(map[string]*client.Client, len(hosts)),
		log:     slog.With("component", "docker"),
	}
	for _, h := range hosts {
		id := strings.TrimSpace(h.ID)
		if id == "" {
			_ = r.Close()
			return nil, errors.New("docker host id is required")
		}
		if _, dup := r.clients[id]; dup {
			_ = r.Close()
			return nil, fmt.Errorf("duplicate docker host %q", id)
		}
		opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if h.DockerHost != "" {
			opts = append(opts, client.WithHost(h.DockerHost))
		}
		cli, err := client.NewClientWithOpts(opts...)
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("create docker client for host %q: %w", id, err)
		}
		r.clients[id] = cli
	}
	return r, nil
}

// Hosts returns the configured host ids in order.
func (r *Runtime) Hosts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Runtime) client(hostID string) (*client.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cli, ok := r.clients[hostID]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownHost, hostID)
	}
	return cli, nil
}

// ApplyDesiredState issues the action in req and reads the container back.
// ActionCreate adopts a container with the same name when one exists and
// brings the container to the desired status in the same call.
func (r *Runtime) ApplyDesiredState(ctx context.Context, req reconcile.Request) (reconcile.Applied, error) {
	cli, err := r.client(req.HostID)
	if err != nil {
		return reconcile.Applied{}, err
	}

	id := req.Container.ID
	switch req.Action {
	case state.ActionCreate:
		id, err = r.createOrAdopt(ctx, cli, req)
		if err != nil {
			return reconcile.Applied{}, err
		}
	case state.ActionStart:
		err = cli.ContainerStart(ctx, id, container.StartOptions{})
	case state.ActionStop:
		err = cli.ContainerStop(ctx, id, container.StopOptions{})
	case state.ActionPause:
		err = cli.ContainerPause(ctx, id)
	case state.ActionUnpause:
		err = cli.ContainerUnpause(ctx, id)
	case state.ActionRestart:
		err = cli.ContainerRestart(ctx, id, container.StopOptions{})
	case state.ActionNone:
	default:
		return reconcile.Applied{}, fmt.Errorf("unsupported action %s", req.Action)
	}
	if err != nil {
		return reconcile.Applied{}, fmt.Errorf("%s container %s on %s: %w", req.Action, id, req.HostID, err)
	}

	return inspect(ctx, cli, id)
}

func (r *Runtime) createOrAdopt(ctx context.Context, cli *client.Client, req reconcile.Request) (string, error) {
	ref := req.Container
	name := strings.TrimPrefix(strings.TrimSpace(ref.Name), "/")

	if name != "" {
		existing, err := cli.ContainerInspect(ctx, name)
		switch {
		case err == nil:
			r.log.Debug("adopting existing container", "host", req.HostID, "name", name, "container_id", existing.ID)
			cur := state.CurrentUnknown
			if existing.State != nil {
				cur = discovery.MapStatus(existing.State.Status)
			}
			return existing.ID, bringTo(ctx, cli, existing.ID, cur, req.Desired)
		case !errdefs.IsNotFound(err):
			return "", fmt.Errorf("inspect container %q on %s: %w", name, req.HostID, err)
		}
	}

	if strings.TrimSpace(ref.Image) == "" {
		return "", fmt.Errorf("create container %q on %s: image is required", name, req.HostID)
	}
	cfg := &container.Config{
		Image:  ref.Image,
		Labels: ref.Labels,
	}
	hc := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	created, err := cli.ContainerCreate(ctx, cfg, hc, nil, nil, name)
	if errdefs.IsNotFound(err) {
		r.log.Info("pulling image", "host", req.HostID, "image", ref.Image)
		if err := pullImage(ctx, cli, ref.Image); err != nil {
			return "", err
		}
		created, err = cli.ContainerCreate(ctx, cfg, hc, nil, nil, name)
	}
	if err != nil {
		return "", fmt.Errorf("create container %q on %s: %w", name, req.HostID, err)
	}
	r.log.Debug("created container", "host", req.HostID, "name", name, "container_id", created.ID)
	return created.ID, bringTo(ctx, cli, created.ID, state.CurrentStopped, req.Desired)
}

// bringTo moves a freshly created or adopted container from cur to desired.
func bringTo(ctx context.Context, cli *client.Client, id string, cur state.CurrentStatus, desired state.DesiredStatus) error {
	var err error
	switch desired {
	case state.DesiredRunning, state.DesiredRestarted:
		switch cur {
		case state.CurrentRunning:
		case state.CurrentPaused:
			err = cli.ContainerUnpause(ctx, id)
		default:
			err = cli.ContainerStart(ctx, id, container.StartOptions{})
		}
	case state.DesiredPaused:
		switch cur {
		case state.CurrentPaused:
		case state.CurrentRunning:
			err = cli.ContainerPause(ctx, id)
		default:
			if err = cli.ContainerStart(ctx, id, container.StartOptions{}); err == nil {
				err = cli.ContainerPause(ctx, id)
			}
		}
	case state.DesiredStopped:
		if cur == state.CurrentRunning || cur == state.CurrentPaused {
			err = cli.ContainerStop(ctx, id, container.StopOptions{})
		}
	}
	if err != nil {
		return fmt.Errorf("bring container %s to %s: %w", id, desired, err)
	}
	return nil
}

func inspect(ctx context.Context, cli *client.Client, id string) (reconcile.Applied, error) {
	info, err := cli.ContainerInspect(ctx, id)
	if err != nil {
		return reconcile.Applied{}, fmt.Errorf("inspect container %s: %w", id, err)
	}
	applied := reconcile.Applied{
		ContainerID: info.ID,
		Status:      state.CurrentUnknown,
		Health:      state.HealthUnknown,
	}
	if info.State != nil {
		applied.Status = discovery.MapStatus(info.State.Status)
		if info.State.Health != nil {
			applied.Health = discovery.MapHealth(info.State.Health.Status)
		}
	}
	return applied, nil
}

func pullImage(ctx context.Context, cli *client.Client, ref string) error {
	pull, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %q: %w", ref, err)
	}
	_, _ = io.Copy(io.Discard, pull)
	_ = pull.Close()
	return nil
}

// ProbeContainers lists every container on the scope's host that carries
// all of the scope's labels.
func (r *Runtime) ProbeContainers(ctx context.Context, scope discovery.Scope) ([]discovery.Observation, error) {
	cli, err := r.client(scope.HostID)
	if err != nil {
		return nil, err
	}

	filters := dockerfilters.NewArgs()
	for key, value := range scope.Labels {
		filters.Add("label", key+"="+value)
	}
	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filters})
	if err != nil {
		return nil, fmt.Errorf("list containers on %s: %w", scope.HostID, err)
	}

	out := make([]discovery.Observation, 0, len(containers))
	for _, c := range containers {
		out = append(out, observation(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContainerID < out[j].ContainerID })
	return out, nil
}

func observation(c container.Summary) discovery.Observation {
	name := ""
	if len(c.Names) > 0 {
		name = strings.TrimPrefix(c.Names[0], "/")
	}
	health := ""
	if h := discovery.MapHealth(c.Status); h != state.HealthUnknown {
		health = h.String()
	}
	return discovery.Observation{
		ContainerID: c.ID,
		Name:        name,
		Image:       c.Image,
		Status:      c.State,
		Health:      health,
		Ports:       formatPorts(c.Ports),
		Labels:      discovery.FormatLabels(c.Labels),
		AssetID:     c.Labels[reconcile.LabelAsset],
		AssetName:   c.Labels[LabelAssetName],
	}
}

// LabelAssetName carries a human readable asset name on probed containers.
const LabelAssetName = "cyrange.asset-name"

// formatPorts renders published ports the way `docker ps` does, e.g.
// "0.0.0.0:8080->80/tcp, 443/tcp".
func formatPorts(ports []container.Port) string {
	if len(ports) == 0 {
		return ""
	}
	parts := make([]string, 0, len(ports))
	for _, p := range ports {
		proto := p.Type
		if proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, fmt.Sprint(p.PrivatePort))
		if err != nil {
			continue
		}
		if p.PublicPort == 0 {
			parts = append(parts, string(port))
			continue
		}
		ip := p.IP
		if ip == "" {
			ip = "0.0.0.0"
		}
		parts = append(parts, fmt.Sprintf("%s:%d->%s", ip, p.PublicPort, port))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

func (r *Runtime) Ping(ctx context.Context, hostID string) error {
	cli, err := r.client(hostID)
	if err != nil {
		return err
	}
	if _, err := cli.Ping(ctx); err != nil {
		return fmt.Errorf("ping docker on %s: %w", hostID, err)
	}
	return nil
}

func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for id, cli := range r.clients {
		if err := cli.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close docker client for %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
