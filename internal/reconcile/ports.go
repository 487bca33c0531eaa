package reconcile

import (
	"context"

	"cyrange/internal/state"
)

// ContainerRef identifies the container an action targets. ID is empty when
// the container has not been created yet; Name and Image are then used to
// create or adopt it.
type ContainerRef struct {
	ID     string
	Name   string
	Image  string
	Labels map[string]string
}

// Request is one runtime call issued by the Reconciler.
type Request struct {
	HostID    string
	Container ContainerRef
	Action    state.Action
	Desired   state.DesiredStatus
}

// Applied is the container state read back after an action.
type Applied struct {
	ContainerID string
	Status      state.CurrentStatus
	Health      state.HealthStatus
}

// Runtime drives containers on hosts.
// Production: adapter/docker.Runtime
// Testing: adapter/fake.Runtime
type Runtime interface {
	ApplyDesiredState(ctx context.Context, req Request) (Applied, error)
}

// Label keys stamped on containers created by the reconciler.
const (
	LabelRecord = "cyrange.record"
	LabelAsset  = "cyrange.asset"
	LabelHost   = "cyrange.host"
)
