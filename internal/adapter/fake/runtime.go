package fake

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"

	"cyrange/internal/adapter/fake/fault"
	"cyrange/internal/discovery"
	"cyrange/internal/reconcile"
	"cyrange/internal/state"
	"cyrange/internal/supervisor"
)

var _ supervisor.Runtime = (*Runtime)(nil)

const (
	FaultRuntimeApply = "runtime.apply"
	FaultRuntimeProbe = "runtime.probe"
	FaultRuntimePing  = "runtime.ping"
)

var ErrNoSuchContainer = errors.New("no such container")

// Container is a container held by the fake runtime.
type Container struct {
	ID     string
	HostID string
	Name   string
	Image  string
	Status state.CurrentStatus
	Health state.HealthStatus
	Labels map[string]string
}

// Runtime is an in-memory container runtime spanning several hosts.
type Runtime struct {
	CallRecorder
	mu         sync.Mutex
	containers map[string]*Container
	stuck      map[string]bool
	nextID     int
	faults     *fault.Injector

	ApplyErr func(ctx context.Context, req reconcile.Request) error
	ProbeErr func(ctx context.Context, scope discovery.Scope) error
	PingErr  func(ctx context.Context, hostID string) error
}

func NewRuntime() *Runtime {
	return &Runtime{
		containers: make(map[string]*Container),
		stuck:      make(map[string]bool),
		faults:     fault.NewInjector(),
	}
}

func (r *Runtime) FailOnce(point string, err error)        { r.faults.FailOnce(point, err) }
func (r *Runtime) FailTimes(point string, n int, err error) { r.faults.FailTimes(point, n, err) }
func (r *Runtime) FailAlways(point string, err error)      { r.faults.FailAlways(point, err) }
func (r *Runtime) SetFaultHook(point string, h fault.Hook) { r.faults.SetHook(point, h) }
func (r *Runtime) ClearFault(point string)                 { r.faults.Clear(point) }

// AddContainer registers an existing container and returns its id.
func (r *Runtime) AddContainer(c Container) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == "" {
		r.nextID++
		c.ID = fmt.Sprintf("ctr-%d", r.nextID)
	}
	if c.Status == 0 {
		c.Status = state.CurrentStopped
	}
	if c.Health == 0 {
		c.Health = state.HealthUnknown
	}
	c.Labels = maps.Clone(c.Labels)
	r.containers[c.ID] = &c
	return c.ID
}

// Container returns a copy of the container with the given id.
func (r *Runtime) Container(id string) (Container, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.containers[id]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

// SetStatus changes a container behind the reconciler's back.
func (r *Runtime) SetStatus(id string, status state.CurrentStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.containers[id]; ok {
		c.Status = status
	}
}

// SetStuck makes actions on id succeed without changing its status.
func (r *Runtime) SetStuck(id string, stuck bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stuck[id] = stuck
}

func (r *Runtime) RemoveContainer(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.containers, id)
}

func (r *Runtime) ApplyDesiredState(ctx context.Context, req reconcile.Request) (reconcile.Applied, error) {
	r.record("ApplyDesiredState", req.HostID, req.Container.ID, req.Action)
	if err := r.faults.Eval(FaultRuntimeApply, ctx, req); err != nil {
		return reconcile.Applied{}, err
	}
	if r.ApplyErr != nil {
		if err := r.ApplyErr(ctx, req); err != nil {
			return reconcile.Applied{}, err
		}
	}
	if err := ctx.Err(); err != nil {
		return reconcile.Applied{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var c *Container
	if req.Action == state.ActionCreate {
		c = r.findByNameLocked(req.HostID, req.Container.Name)
		if c == nil {
			r.nextID++
			c = &Container{
				ID:     fmt.Sprintf("ctr-%d", r.nextID),
				HostID: req.HostID,
				Name:   req.Container.Name,
				Image:  req.Container.Image,
				Status: state.CurrentStopped,
				Health: state.HealthUnknown,
				Labels: maps.Clone(req.Container.Labels),
			}
			r.containers[c.ID] = c
		}
	} else {
		var ok bool
		c, ok = r.containers[req.Container.ID]
		if !ok || c.HostID != req.HostID {
			return reconcile.Applied{}, fmt.Errorf("container %s on %s: %w", req.Container.ID, req.HostID, ErrNoSuchContainer)
		}
	}

	if !r.stuck[c.ID] {
		c.Status = statusAfter(req, c.Status)
	}
	return reconcile.Applied{ContainerID: c.ID, Status: c.Status, Health: c.Health}, nil
}

func statusAfter(req reconcile.Request, cur state.CurrentStatus) state.CurrentStatus {
	switch req.Action {
	case state.ActionStart, state.ActionUnpause, state.ActionRestart:
		return state.CurrentRunning
	case state.ActionStop:
		return state.CurrentStopped
	case state.ActionPause:
		return state.CurrentPaused
	case state.ActionCreate:
		switch req.Desired {
		case state.DesiredRunning, state.DesiredRestarted:
			return state.CurrentRunning
		case state.DesiredPaused:
			return state.CurrentPaused
		default:
			return state.CurrentStopped
		}
	}
	return cur
}

func (r *Runtime) findByNameLocked(hostID, name string) *Container {
	if name == "" {
		return nil
	}
	for _, c := range r.containers {
		if c.HostID == hostID && c.Name == name {
			return c
		}
	}
	return nil
}

func (r *Runtime) ProbeContainers(ctx context.Context, scope discovery.Scope) ([]discovery.Observation, error) {
	r.record("ProbeContainers", scope.ID)
	if err := r.faults.Eval(FaultRuntimeProbe, ctx, scope); err != nil {
		return nil, err
	}
	if r.ProbeErr != nil {
		if err := r.ProbeErr(ctx, scope); err != nil {
			return nil, err
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []discovery.Observation
	for _, c := range r.containers {
		if c.HostID != scope.HostID || !labelsMatch(c.Labels, scope.Labels) {
			continue
		}
		health := ""
		if c.Health != state.HealthUnknown {
			health = c.Health.String()
		}
		out = append(out, discovery.Observation{
			ContainerID: c.ID,
			Name:        c.Name,
			Image:       c.Image,
			Status:      runtimeWord(c.Status),
			Health:      health,
			Labels:      discovery.FormatLabels(c.Labels),
			AssetID:     c.Labels[reconcile.LabelAsset],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContainerID < out[j].ContainerID })
	return out, nil
}

func (r *Runtime) Ping(ctx context.Context, hostID string) error {
	r.record("Ping", hostID)
	if err := r.faults.Eval(FaultRuntimePing, ctx, hostID); err != nil {
		return err
	}
	if r.PingErr != nil {
		return r.PingErr(ctx, hostID)
	}
	return nil
}

func labelsMatch(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// runtimeWord renders a status the way docker reports container state.
func runtimeWord(s state.CurrentStatus) string {
	switch s {
	case state.CurrentRunning:
		return "running"
	case state.CurrentPaused:
		return "paused"
	case state.CurrentStopped:
		return "exited"
	default:
		return strings.ToLower(s.String())
	}
}
