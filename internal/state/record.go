package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultMaxSyncAttempts is the retry budget given to records that do not
// declare one.
const DefaultMaxSyncAttempts = 3

var (
	ErrNotFound          = errors.New("state record not found")
	ErrConflict          = errors.New("state record modified concurrently")
	ErrInvalidTransition = errors.New("invalid sync status transition")
	// ErrUnchanged is returned from an Update mutation to abandon the write.
	ErrUnchanged = errors.New("state record unchanged")
)

// Record is the desired-vs-observed ledger entry for one container on one
// host. Records are mutated only through their methods so that sync status,
// attempts and timestamps stay consistent with each other.
type Record struct {
	ID          string
	HostID      string
	AssetID     string
	ContainerID string // empty until the runtime has created the container
	// ContainerName and ImageName are used to create or adopt the container
	// when ContainerID is empty.
	ContainerName string
	ImageName     string

	Desired DesiredStatus
	Current CurrentStatus
	Health  HealthStatus
	Sync    SyncStatus

	SyncAttempts    int
	MaxSyncAttempts int
	SyncError       string
	LastSyncAt      time.Time // zero until the first attempt

	CreatedAt time.Time
	UpdatedAt time.Time
	CreatedBy string

	// Version increments on every persisted write.
	Version int64
}

// Spec carries the declared attributes of a new record.
type Spec struct {
	HostID          string
	AssetID         string
	ContainerID     string
	ContainerName   string
	ImageName       string
	Desired         DesiredStatus
	MaxSyncAttempts int
	CreatedBy       string
}

func (s Spec) Validate() error {
	if strings.TrimSpace(s.HostID) == "" {
		return errors.New("host id is required")
	}
	if !s.Desired.Valid() {
		return fmt.Errorf("desired status %s is not valid", s.Desired)
	}
	if s.MaxSyncAttempts < 0 {
		return fmt.Errorf("max sync attempts must not be negative, got %d", s.MaxSyncAttempts)
	}
	if s.ContainerID == "" && s.ContainerName == "" {
		return errors.New("container id or container name is required")
	}
	return nil
}

// NewRecord returns a record that has never been observed.
func NewRecord(id string, spec Spec, now time.Time) Record {
	maxAttempts := spec.MaxSyncAttempts
	if maxAttempts == 0 {
		maxAttempts = DefaultMaxSyncAttempts
	}
	return Record{
		ID:              id,
		HostID:          spec.HostID,
		AssetID:         spec.AssetID,
		ContainerID:     spec.ContainerID,
		ContainerName:   spec.ContainerName,
		ImageName:       spec.ImageName,
		Desired:         spec.Desired,
		Current:         CurrentUnknown,
		Health:          HealthUnknown,
		Sync:            SyncOutOfSync,
		MaxSyncAttempts: maxAttempts,
		CreatedAt:       now,
		UpdatedAt:       now,
		CreatedBy:       spec.CreatedBy,
	}
}

// Converged reports whether the observed status fulfils the desired one.
func (r Record) Converged() bool {
	return r.Desired.SatisfiedBy(r.Current)
}

// NeedsReconciliation reports whether the record is eligible for another
// sync attempt.
func (r Record) NeedsReconciliation() bool {
	return !r.Converged() && r.Sync != SyncSyncing && r.SyncAttempts < r.MaxSyncAttempts
}

func (r Record) HasExceededMaxAttempts() bool {
	return r.SyncAttempts >= r.MaxSyncAttempts
}

// IsFailed matches records that will not be retried without a reset.
func (r Record) IsFailed() bool {
	return r.Sync == SyncFailed || r.HasExceededMaxAttempts()
}

func (r Record) IsHealthy() bool {
	return r.Health == HealthHealthy && r.Sync == SyncSynced
}

// StaleSync reports whether r has been SYNCING for longer than after.
func (r Record) StaleSync(now time.Time, after time.Duration) bool {
	if r.Sync != SyncSyncing {
		return false
	}
	return r.LastSyncAt.IsZero() || now.Sub(r.LastSyncAt) > after
}

// Describe renders the sync status for humans, e.g. "failed (3/3)".
func (r Record) Describe() string {
	switch r.Sync {
	case SyncSynced:
		return "synced"
	case SyncOutOfSync:
		return fmt.Sprintf("out of sync (desired: %s, current: %s)", r.Desired, r.Current)
	case SyncSyncing:
		return fmt.Sprintf("syncing (%d/%d)", r.SyncAttempts, r.MaxSyncAttempts)
	case SyncFailed:
		return fmt.Sprintf("failed (%d/%d)", r.SyncAttempts, r.MaxSyncAttempts)
	default:
		return "unknown"
	}
}

func (r *Record) setSync(to SyncStatus) error {
	if r.Sync == to {
		return nil
	}
	if !r.Sync.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Sync, to)
	}
	r.Sync = r.Sync.Transition(to)
	return nil
}

// SetDesired records a new operator intent. A target that the current
// status does not already satisfy starts a fresh convergence with a full
// retry budget.
func (r *Record) SetDesired(d DesiredStatus, now time.Time) error {
	if !d.Valid() {
		return fmt.Errorf("desired status %s is not valid", d)
	}
	r.Desired = d
	r.UpdatedAt = now
	if !r.Converged() {
		r.SyncAttempts = 0
		r.SyncError = ""
		return r.setSync(SyncOutOfSync)
	}
	if r.Sync != SyncSyncing {
		r.SyncAttempts = 0
		r.SyncError = ""
		return r.setSync(SyncSynced)
	}
	return nil
}

// Observe applies a runtime observation made outside of a sync attempt.
// A converged record becomes SYNCED unless an attempt is in flight; a
// SYNCED record that drifted starts a new convergence.
func (r *Record) Observe(current CurrentStatus, health HealthStatus, now time.Time) error {
	if !current.Valid() {
		return fmt.Errorf("current status %s is not valid", current)
	}
	r.Current = current
	if health != 0 {
		r.Health = health
	}
	r.UpdatedAt = now
	switch {
	case r.Sync == SyncSyncing:
		return nil
	case r.Converged():
		r.SyncError = ""
		return r.setSync(SyncSynced)
	case r.Sync == SyncSynced:
		r.SyncAttempts = 0
		return r.setSync(SyncOutOfSync)
	}
	return nil
}

// BeginSync claims the record for one attempt.
func (r *Record) BeginSync(now time.Time) error {
	if !r.NeedsReconciliation() {
		return fmt.Errorf("%w: record %s does not need reconciliation (%s)", ErrInvalidTransition, r.ID, r.Describe())
	}
	if err := r.setSync(SyncSyncing); err != nil {
		return err
	}
	r.SyncAttempts++
	r.LastSyncAt = now
	r.UpdatedAt = now
	return nil
}

// SyncSucceeded concludes an attempt whose runtime call returned without
// error. The attempt still fails when the reported status does not match
// the target.
func (r *Record) SyncSucceeded(current CurrentStatus, health HealthStatus, now time.Time) error {
	if r.Sync != SyncSyncing {
		return fmt.Errorf("%w: %s is not syncing", ErrInvalidTransition, r.ID)
	}
	if !current.Valid() {
		return fmt.Errorf("current status %s is not valid", current)
	}
	r.Current = current
	if health != 0 {
		r.Health = health
	}
	if r.Desired == DesiredRestarted && current == CurrentRunning {
		r.Desired = DesiredRunning
	}
	if !r.Converged() {
		return r.SyncFailed(fmt.Sprintf("runtime reported %s, want %s", current, r.Desired), now)
	}
	r.SyncError = ""
	r.UpdatedAt = now
	return r.setSync(SyncSynced)
}

// SyncFailed concludes an attempt with an error. The record becomes FAILED
// once the retry budget is spent.
func (r *Record) SyncFailed(reason string, now time.Time) error {
	if r.Sync != SyncSyncing {
		return fmt.Errorf("%w: %s is not syncing", ErrInvalidTransition, r.ID)
	}
	r.SyncError = reason
	r.UpdatedAt = now
	if r.HasExceededMaxAttempts() {
		return r.setSync(SyncFailed)
	}
	return r.setSync(SyncOutOfSync)
}

// ResetSync restores a full retry budget and clears the last error.
func (r *Record) ResetSync(now time.Time) error {
	r.SyncAttempts = 0
	r.SyncError = ""
	r.UpdatedAt = now
	if r.Converged() {
		return r.setSync(SyncSynced)
	}
	return r.setSync(SyncOutOfSync)
}
