package state

import (
	"context"
	"slices"
	"time"
)

// Store persists State Records. Implementations must make Update atomic per
// record: the mutation sees the latest persisted version and its result is
// written only if no other writer got there first.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	Get(ctx context.Context, id string) (Record, error)
	// Update loads the record, applies mutate and persists the result.
	// When mutate returns an error nothing is written; the record as loaded
	// is returned together with that error, unwrapped.
	Update(ctx context.Context, id string, mutate func(*Record) error) (Record, error)
	List(ctx context.Context, f Filter) ([]Record, error)
	Delete(ctx context.Context, id string) error
	// DeleteSyncedBefore removes SYNCED records last updated before threshold.
	DeleteSyncedBefore(ctx context.Context, threshold time.Time) (int, error)
	Stats(ctx context.Context) (Stats, error)
}

// Filter selects records. Zero fields do not constrain the result.
type Filter struct {
	HostID        string
	AssetID       string
	ContainerID   string
	ContainerName string
	CreatedBy     string
	Sync          []SyncStatus

	NeedsReconciliation bool
	// Failed matches FAILED records and records whose budget is spent.
	Failed bool
	// SyncingBefore matches SYNCING records whose last attempt started
	// before the given time.
	SyncingBefore time.Time
	// UpdatedBefore matches records not updated since the given time.
	UpdatedBefore time.Time
	CreatedFrom   time.Time
	CreatedTo     time.Time
}

func (f Filter) Matches(r Record) bool {
	if f.HostID != "" && r.HostID != f.HostID {
		return false
	}
	if f.AssetID != "" && r.AssetID != f.AssetID {
		return false
	}
	if f.ContainerID != "" && r.ContainerID != f.ContainerID {
		return false
	}
	if f.ContainerName != "" && r.ContainerName != f.ContainerName {
		return false
	}
	if f.CreatedBy != "" && r.CreatedBy != f.CreatedBy {
		return false
	}
	if len(f.Sync) > 0 && !slices.Contains(f.Sync, r.Sync) {
		return false
	}
	if f.NeedsReconciliation && !r.NeedsReconciliation() {
		return false
	}
	if f.Failed && !r.IsFailed() {
		return false
	}
	if !f.SyncingBefore.IsZero() && (r.Sync != SyncSyncing || !r.LastSyncAt.Before(f.SyncingBefore)) {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !r.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	if !f.CreatedFrom.IsZero() && r.CreatedAt.Before(f.CreatedFrom) {
		return false
	}
	if !f.CreatedTo.IsZero() && r.CreatedAt.After(f.CreatedTo) {
		return false
	}
	return true
}

// Stats aggregates the record set.
type Stats struct {
	Total                 int
	BySync                map[SyncStatus]int
	ByHealth              map[HealthStatus]int
	NeedingReconciliation int
	Failed                int
}

// Tally computes Stats over an in-memory record set.
func Tally(records []Record) Stats {
	st := Stats{
		BySync:   make(map[SyncStatus]int),
		ByHealth: make(map[HealthStatus]int),
	}
	for _, r := range records {
		st.Total++
		st.BySync[r.Sync]++
		st.ByHealth[r.Health]++
		if r.NeedsReconciliation() {
			st.NeedingReconciliation++
		}
		if r.IsFailed() {
			st.Failed++
		}
	}
	return st
}

// Clock abstracts time for the reconciler and scheduler.
type Clock interface {
	Now() time.Time
}

// WallClock reads the system clock in UTC.
type WallClock struct{}

func (WallClock) Now() time.Time { return time.Now().UTC() }
