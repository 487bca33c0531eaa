package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cyrange/internal/events"
	"cyrange/internal/reconcile"
	"cyrange/internal/state"
)

// Statistics tallies the records and refreshes the record gauges.
func (s *Supervisor) Statistics(ctx context.Context) (state.Stats, error) {
	started := s.clock.Now()
	st, err := s.store.Stats(ctx)
	if err != nil {
		s.metrics.ObservePass("stats", "error", s.clock.Now().Sub(started))
		return state.Stats{}, fmt.Errorf("collect record statistics: %w", err)
	}
	s.metrics.SetRecordStats(st)
	s.metrics.ObservePass("stats", "ok", s.clock.Now().Sub(started))
	s.log.Info("record statistics",
		"total", st.Total,
		"synced", st.BySync[state.SyncSynced],
		"out_of_sync", st.BySync[state.SyncOutOfSync],
		"syncing", st.BySync[state.SyncSyncing],
		"failed", st.BySync[state.SyncFailed],
		"needing_sync", st.NeedingReconciliation,
		"unhealthy", st.ByHealth[state.HealthUnhealthy])
	return st, nil
}

// Cleanup deletes SYNCED records not modified within retention. A zero
// retention uses the configured one.
func (s *Supervisor) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	if !s.cleaning.CompareAndSwap(false, true) {
		return 0, ErrAlreadyRunning
	}
	defer s.cleaning.Store(false)

	if retention <= 0 {
		retention = s.cfg.Retention
	}
	if retention <= 0 {
		retention = DefaultConfig().Retention
	}
	started := s.clock.Now()
	threshold := started.Add(-retention)
	n, err := s.store.DeleteSyncedBefore(ctx, threshold)
	if err != nil {
		s.metrics.ObservePass("cleanup", "error", s.clock.Now().Sub(started))
		return 0, fmt.Errorf("delete synced records before %s: %w", threshold.Format(time.RFC3339), err)
	}
	s.metrics.ObservePass("cleanup", "ok", s.clock.Now().Sub(started))
	if n > 0 {
		s.log.Info("cleaned up synced records", "deleted", n, "retention", retention)
		s.publish(ctx, events.Event{Type: events.TypeCleanup, Message: fmt.Sprintf("deleted %d records", n)})
	}
	return n, nil
}

// ResetFailed gives every FAILED record a fresh retry budget.
func (s *Supervisor) ResetFailed(ctx context.Context) (int, error) {
	if !s.resetting.CompareAndSwap(false, true) {
		return 0, ErrAlreadyRunning
	}
	defer s.resetting.Store(false)

	started := s.clock.Now()
	failed, err := s.store.List(ctx, state.Filter{Failed: true})
	if err != nil {
		s.metrics.ObservePass("reset", "error", s.clock.Now().Sub(started))
		return 0, fmt.Errorf("list failed records: %w", err)
	}

	var (
		n    int
		errs []error
	)
	for _, rec := range failed {
		updated, err := s.store.Update(ctx, rec.ID, func(cur *state.Record) error {
			if !cur.IsFailed() || cur.Sync == state.SyncSyncing {
				return state.ErrUnchanged
			}
			return cur.ResetSync(s.clock.Now())
		})
		switch {
		case errors.Is(err, state.ErrUnchanged), errors.Is(err, state.ErrNotFound):
			continue
		case err != nil:
			errs = append(errs, fmt.Errorf("reset record %s: %w", rec.ID, err))
			continue
		}
		n++
		s.publish(ctx, events.Event{
			Type:     events.TypeFailedReset,
			RecordID: rec.ID,
			HostID:   rec.HostID,
			AssetID:  rec.AssetID,
			From:     rec.Sync.String(),
			To:       updated.Sync.String(),
		})
	}

	result := "ok"
	if len(errs) > 0 {
		result = "error"
	}
	s.metrics.ObservePass("reset", result, s.clock.Now().Sub(started))
	if n > 0 {
		s.log.Info("reset failed records", "reset", n)
	}
	return n, errors.Join(errs...)
}

// ForceSyncAsset resets every record of an asset and reconciles the ones
// that still need it, bypassing the schedule and host throttling.
func (s *Supervisor) ForceSyncAsset(ctx context.Context, assetID string) ([]reconcile.Result, error) {
	assetID = strings.TrimSpace(assetID)
	if assetID == "" {
		return nil, fmt.Errorf("force sync: asset id is required")
	}
	recs, err := s.store.List(ctx, state.Filter{AssetID: assetID})
	if err != nil {
		return nil, fmt.Errorf("list records of asset %s: %w", assetID, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("asset %s: %w", assetID, state.ErrNotFound)
	}

	var out []reconcile.Result
	for _, rec := range recs {
		reset, err := s.store.Update(ctx, rec.ID, func(cur *state.Record) error {
			if cur.Sync == state.SyncSyncing {
				return state.ErrUnchanged
			}
			return cur.ResetSync(s.clock.Now())
		})
		switch {
		case errors.Is(err, state.ErrNotFound):
			continue
		case errors.Is(err, state.ErrUnchanged):
			s.log.Debug("force sync: record already syncing", "record", rec.ID)
			continue
		case err != nil:
			return out, fmt.Errorf("reset record %s: %w", rec.ID, err)
		}
		if !reset.NeedsReconciliation() {
			continue
		}
		res, err := s.reconciler.Reconcile(ctx, reset)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	s.log.Info("forced sync of asset", "asset", assetID, "records", len(recs), "attempted", len(out))
	return out, nil
}
