package state

import (
	"fmt"
	"strings"

	"cyrange/internal/check"
)

// DesiredStatus is the operator-declared target for a container.
type DesiredStatus uint8

const (
	DesiredRunning DesiredStatus = iota + 1
	DesiredStopped
	DesiredPaused
	// DesiredRestarted is a one-shot intent. Once a restart succeeds the
	// record settles on DesiredRunning.
	DesiredRestarted
)

func (d DesiredStatus) String() string {
	switch d {
	case DesiredRunning:
		return "RUNNING"
	case DesiredStopped:
		return "STOPPED"
	case DesiredPaused:
		return "PAUSED"
	case DesiredRestarted:
		return "RESTARTED"
	default:
		return "INVALID"
	}
}

func (d DesiredStatus) Valid() bool {
	return d >= DesiredRunning && d <= DesiredRestarted
}

// SatisfiedBy reports whether the observed status fulfils d.
// DesiredRestarted is never satisfied by observation alone.
func (d DesiredStatus) SatisfiedBy(c CurrentStatus) bool {
	switch d {
	case DesiredRunning:
		return c == CurrentRunning
	case DesiredStopped:
		return c == CurrentStopped
	case DesiredPaused:
		return c == CurrentPaused
	default:
		return false
	}
}

func ParseDesiredStatus(s string) (DesiredStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "RUNNING":
		return DesiredRunning, nil
	case "STOPPED":
		return DesiredStopped, nil
	case "PAUSED":
		return DesiredPaused, nil
	case "RESTARTED", "RESTART":
		return DesiredRestarted, nil
	default:
		return 0, fmt.Errorf("invalid desired status %q", s)
	}
}

// CurrentStatus is the last observed status of a container.
type CurrentStatus uint8

const (
	CurrentUnknown CurrentStatus = iota + 1
	CurrentRunning
	CurrentStopped
	CurrentPaused
)

func (c CurrentStatus) String() string {
	switch c {
	case CurrentUnknown:
		return "UNKNOWN"
	case CurrentRunning:
		return "RUNNING"
	case CurrentStopped:
		return "STOPPED"
	case CurrentPaused:
		return "PAUSED"
	default:
		return "INVALID"
	}
}

func (c CurrentStatus) Valid() bool {
	return c >= CurrentUnknown && c <= CurrentPaused
}

func ParseCurrentStatus(s string) (CurrentStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "UNKNOWN":
		return CurrentUnknown, nil
	case "RUNNING":
		return CurrentRunning, nil
	case "STOPPED":
		return CurrentStopped, nil
	case "PAUSED":
		return CurrentPaused, nil
	default:
		return 0, fmt.Errorf("invalid current status %q", s)
	}
}

type HealthStatus uint8

const (
	HealthUnknown HealthStatus = iota + 1
	HealthHealthy
	HealthUnhealthy
)

func (h HealthStatus) String() string {
	switch h {
	case HealthUnknown:
		return "unknown"
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "invalid"
	}
}

func ParseHealthStatus(s string) (HealthStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unknown":
		return HealthUnknown, nil
	case "healthy":
		return HealthHealthy, nil
	case "unhealthy":
		return HealthUnhealthy, nil
	default:
		return 0, fmt.Errorf("invalid health status %q", s)
	}
}

// SyncStatus is the convergence phase of a record.
type SyncStatus uint8

const (
	SyncSynced SyncStatus = iota + 1
	SyncOutOfSync
	SyncSyncing
	SyncFailed
)

// SyncStatuses lists every sync status in display order.
var SyncStatuses = []SyncStatus{SyncSynced, SyncOutOfSync, SyncSyncing, SyncFailed}

func (s SyncStatus) String() string {
	switch s {
	case SyncSynced:
		return "SYNCED"
	case SyncOutOfSync:
		return "OUT_OF_SYNC"
	case SyncSyncing:
		return "SYNCING"
	case SyncFailed:
		return "FAILED"
	default:
		return "INVALID"
	}
}

func ParseSyncStatus(s string) (SyncStatus, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SYNCED":
		return SyncSynced, nil
	case "OUT_OF_SYNC":
		return SyncOutOfSync, nil
	case "SYNCING":
		return SyncSyncing, nil
	case "FAILED":
		return SyncFailed, nil
	default:
		return 0, fmt.Errorf("invalid sync status %q", s)
	}
}

// CanTransition reports whether s may move to the given status.
//
// OUT_OF_SYNC is reachable from every status because a new desired status
// overrides whatever the record was doing. FAILED -> SYNCING is only taken
// when the retry budget was raised after exhaustion.
func (s SyncStatus) CanTransition(to SyncStatus) bool {
	if to == SyncOutOfSync {
		return s >= SyncSynced && s <= SyncFailed
	}
	switch s {
	case SyncSynced:
		return false
	case SyncOutOfSync:
		return to == SyncSyncing || to == SyncSynced
	case SyncSyncing:
		return to == SyncSynced || to == SyncFailed
	case SyncFailed:
		return to == SyncSyncing || to == SyncSynced
	}
	return false
}

// Transition returns to when the move is legal and s otherwise.
func (s SyncStatus) Transition(to SyncStatus) SyncStatus {
	ok := s.CanTransition(to)
	check.Assertf(ok, "sync status transition: %s -> %s", s, to)
	if !ok {
		return s
	}
	return to
}
