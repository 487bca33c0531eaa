package supervisor

import (
	"context"

	"cyrange/internal/discovery"
	"cyrange/internal/reconcile"
)

// Runtime is the full runtime driver used by the loop.
// Production: adapter/docker.Runtime
// Testing: adapter/fake.Runtime
type Runtime interface {
	reconcile.Runtime
	// ProbeContainers lists every container of a scope. An error means the
	// listing is incomplete and must not be diffed.
	ProbeContainers(ctx context.Context, scope discovery.Scope) ([]discovery.Observation, error)
	// Ping checks that the host's runtime answers.
	Ping(ctx context.Context, hostID string) error
}
