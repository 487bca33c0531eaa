package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"cyrange/internal/state"
)

// Syncer applies probe results to the stored inventory.
type Syncer struct {
	Store Store
	Clock state.Clock
	Log   *slog.Logger
}

func NewSyncer(store Store, clock state.Clock) *Syncer {
	return &Syncer{
		Store: store,
		Clock: clock,
		Log:   slog.With("component", "discovery"),
	}
}

// Sync makes the stored inventory of scopeID equal to observed. observed
// must be the complete result of a successful probe; on probe failure the
// caller skips the scope instead.
func (s *Syncer) Sync(ctx context.Context, scopeID string, observed []Observation) (Changes, error) {
	scopeID = strings.TrimSpace(scopeID)
	if scopeID == "" {
		return Changes{}, ErrScopeRequired
	}

	observed = slices.DeleteFunc(slices.Clone(observed), func(o Observation) bool {
		return IsSystemContainer(o.Name, o.Image)
	})

	stored, err := s.Store.ListScope(ctx, scopeID)
	if err != nil {
		return Changes{}, fmt.Errorf("list discovery records for scope %q: %w", scopeID, err)
	}

	ch := Diff(scopeID, stored, observed, s.Clock.Now())
	for _, id := range ch.Duplicates {
		s.Log.Warn("duplicate container id in probe result", "scope", scopeID, "container_id", id)
	}
	if ch.Skipped > 0 {
		s.Log.Warn("probe reported containers without id", "scope", scopeID, "count", ch.Skipped)
	}

	if err := s.Store.ApplyScopeChanges(ctx, scopeID, ch); err != nil {
		return Changes{}, fmt.Errorf("apply discovery changes for scope %q: %w", scopeID, err)
	}

	if !ch.Empty() {
		s.Log.Info("discovery synced",
			"scope", scopeID,
			"added", len(ch.Added),
			"updated", len(ch.Updated),
			"removed", len(ch.Removed))
	} else {
		s.Log.Debug("discovery unchanged", "scope", scopeID, "containers", len(ch.Refreshed))
	}
	return ch, nil
}
