package discovery

import (
	"context"
	"errors"
	"time"
)

var ErrScopeRequired = errors.New("discovery scope id is required")

// Observation is one container reported by a probe of a scope.
type Observation struct {
	ContainerID string
	Name        string
	Image       string
	// Status is the runtime state word, e.g. "running" or "exited".
	Status string
	// Health is "healthy", "unhealthy" or empty when the container has no
	// health check.
	Health    string
	Ports     string
	Labels    string
	AssetID   string
	AssetName string
}

// Record is the stored inventory entry for one container in one scope.
// Records are keyed by (ScopeID, ContainerID).
type Record struct {
	ScopeID       string
	ContainerID   string
	AssetID       string
	AssetName     string
	ContainerName string
	Image         string
	Status        string
	Ports         string
	Labels        string
	DiscoveredAt  time.Time
	LastSeenAt    time.Time
}

// Store persists discovery records.
type Store interface {
	ListScope(ctx context.Context, scopeID string) ([]Record, error)
	// ApplyScopeChanges writes one diff atomically.
	ApplyScopeChanges(ctx context.Context, scopeID string, ch Changes) error
}

// Scope is a probed grouping of containers on one host.
type Scope struct {
	ID     string
	HostID string
	// Labels restrict the probe to containers carrying every label.
	Labels map[string]string
}
