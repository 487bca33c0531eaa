package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"cyrange/internal/events"
	"cyrange/internal/reconcile"
	"cyrange/internal/state"
	"cyrange/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

// PassResult summarizes one sync pass.
type PassResult struct {
	Processed int
	Synced    int
	// Failed counts failed attempts, whether or not budget remains.
	Failed int
	// Exhausted counts records that entered FAILED during the pass.
	Exhausted int
	// Skipped counts records not attempted: claimed elsewhere, already
	// converged, or on a throttled or unreachable host.
	Skipped        int
	SkippedHosts   []string
	StaleRecovered int
	Results        []reconcile.Result
	StartedAt      time.Time
	FinishedAt     time.Time
}

func (r PassResult) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

func (r *PassResult) add(res reconcile.Result) {
	r.Processed++
	r.Results = append(r.Results, res)
	switch res.Outcome {
	case reconcile.OutcomeSynced:
		r.Synced++
	case reconcile.OutcomeRetry:
		r.Failed++
	case reconcile.OutcomeFailed:
		r.Failed++
		r.Exhausted++
	default:
		r.Skipped++
	}
}

// runSync is one sync pass. The caller holds the syncing flag.
func (s *Supervisor) runSync(ctx context.Context) (PassResult, error) {
	s.mu.Lock()
	open := s.breaker.open()
	s.mu.Unlock()
	if open {
		s.log.Debug("sync pass skipped: breaker open")
		s.metrics.ObservePass("sync", "skipped", 0)
		return PassResult{}, ErrCircuitOpen
	}

	res := PassResult{StartedAt: s.clock.Now()}
	res, err := s.syncRecords(ctx, res)
	res.FinishedAt = s.clock.Now()
	s.finishSync(ctx, res, err)
	return res, err
}

func (s *Supervisor) syncRecords(ctx context.Context, res PassResult) (PassResult, error) {
	recovered, err := s.recoverStale(ctx)
	res.StaleRecovered = recovered
	if err != nil {
		return res, err
	}

	pending, err := s.store.List(ctx, state.Filter{NeedsReconciliation: true})
	if err != nil {
		return res, fmt.Errorf("list records needing sync: %w", err)
	}
	if len(pending) == 0 {
		s.log.Debug("no records need sync")
		return res, nil
	}

	byHost := make(map[string][]state.Record)
	for _, rec := range pending {
		byHost[rec.HostID] = append(byHost[rec.HostID], rec)
	}
	hostIDs := make([]string, 0, len(byHost))
	for id := range byHost {
		hostIDs = append(hostIDs, id)
	}
	sort.Strings(hostIDs)

	plan := telemetry.Plan{Steps: make([]telemetry.PlannedStep, 0, len(hostIDs))}
	for _, id := range hostIDs {
		plan.Steps = append(plan.Steps, telemetry.PlannedStep{
			ID:    "host/" + id,
			Title: fmt.Sprintf("reconcile %d records on %s", len(byHost[id]), id),
		})
	}
	op, err := telemetry.Start(ctx, s.tracer, "sync.pass", plan)
	if err != nil {
		return res, err
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.cfg.HostConcurrency)
	for _, hostID := range hostIDs {
		recs := byHost[hostID]
		g.Go(func() error {
			return op.RunStep(op.Context(), "host/"+hostID, func(ctx context.Context) error {
				hr, err := s.syncHost(ctx, hostID, recs)
				mu.Lock()
				defer mu.Unlock()
				for _, r := range hr.results {
					res.add(r)
				}
				if hr.skipped {
					res.Skipped += len(recs)
					res.SkippedHosts = append(res.SkippedHosts, hostID)
				}
				return err
			})
		})
	}
	err = g.Wait()
	sort.Strings(res.SkippedHosts)

	op.SetAttributes(
		attribute.Int("cyrange.pass.processed", res.Processed),
		attribute.Int("cyrange.pass.synced", res.Synced),
		attribute.Int("cyrange.pass.failed", res.Failed),
		attribute.Int("cyrange.pass.skipped", res.Skipped),
	)
	op.End(err)
	return res, err
}

type hostResult struct {
	results []reconcile.Result
	skipped bool
}

// syncHost reconciles the records of one host in order. A throttled or
// unreachable host is skipped without touching its records. Only store
// errors are returned.
func (s *Supervisor) syncHost(ctx context.Context, hostID string, recs []state.Record) (hostResult, error) {
	log := s.log.With("host", hostID)
	if !s.hosts.Acquire(hostID) {
		log.Debug("host throttled", "records", len(recs))
		return hostResult{skipped: true}, nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, s.callTimeout())
	err := s.runtime.Ping(pingCtx, hostID)
	cancel()
	s.hosts.RecordProbe(hostID, err)
	if err != nil {
		log.Warn("host unreachable, skipping its records", "records", len(recs), "err", err)
		return hostResult{skipped: true}, nil
	}

	var out hostResult
	for i, rec := range recs {
		if i > 0 && s.cfg.RecordInterval > 0 {
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(s.cfg.RecordInterval):
			}
		}
		r, err := s.reconciler.Reconcile(ctx, rec)
		if err != nil {
			return out, err
		}
		out.results = append(out.results, r)
	}
	return out, nil
}

// recoverStale concludes attempts left in SYNCING longer than
// StaleSyncAfter, typically by a crash mid-call.
func (s *Supervisor) recoverStale(ctx context.Context) (int, error) {
	if s.cfg.StaleSyncAfter <= 0 {
		return 0, nil
	}
	now := s.clock.Now()
	stale, err := s.store.List(ctx, state.Filter{
		Sync:          []state.SyncStatus{state.SyncSyncing},
		SyncingBefore: now.Add(-s.cfg.StaleSyncAfter),
	})
	if err != nil {
		return 0, fmt.Errorf("list stale syncing records: %w", err)
	}

	recovered := 0
	for _, rec := range stale {
		reason := fmt.Sprintf("sync abandoned: no result within %s", s.cfg.StaleSyncAfter)
		updated, err := s.store.Update(ctx, rec.ID, func(cur *state.Record) error {
			if !cur.StaleSync(now, s.cfg.StaleSyncAfter) {
				return state.ErrUnchanged
			}
			return cur.SyncFailed(reason, now)
		})
		switch {
		case errors.Is(err, state.ErrUnchanged), errors.Is(err, state.ErrNotFound):
			continue
		case err != nil:
			return recovered, fmt.Errorf("recover stale record %s: %w", rec.ID, err)
		}
		recovered++
		s.log.Warn("recovered stale sync", "record", rec.ID, "host", rec.HostID, "now", updated.Sync)
		s.onResult(reconcile.Result{
			RecordID: rec.ID,
			HostID:   rec.HostID,
			AssetID:  rec.AssetID,
			From:     state.SyncSyncing,
			To:       updated.Sync,
			Attempt:  updated.SyncAttempts,
			Error:    reason,
		})
	}
	return recovered, nil
}

func (s *Supervisor) finishSync(ctx context.Context, res PassResult, passErr error) {
	s.mu.Lock()
	var opened bool
	if passErr != nil && ctx.Err() == nil {
		opened = s.breaker.recordFailure()
	} else if passErr == nil {
		opened = s.breaker.recordPass(res.Synced, res.Failed)
	}
	consecutive, isOpen := s.breaker.consecutive, s.breaker.open()
	s.lastSyncAt = res.FinishedAt
	last := res
	s.lastResult = &last
	s.mu.Unlock()

	outcome := "ok"
	if passErr != nil {
		outcome = "error"
	} else if res.Failed > 0 {
		outcome = "partial"
	}
	s.metrics.ObservePass("sync", outcome, res.Duration())
	s.metrics.SetBreaker(consecutive, isOpen)

	log := s.log.With(
		"processed", res.Processed,
		"synced", res.Synced,
		"failed", res.Failed,
		"skipped", res.Skipped,
		"stale_recovered", res.StaleRecovered,
		"consecutive_failures", consecutive,
		"duration", res.Duration(),
	)
	switch {
	case passErr != nil:
		log.Error("sync pass failed", "err", passErr)
	case res.Processed > 0 || res.Skipped > 0 || res.StaleRecovered > 0:
		log.Info("sync pass complete")
	default:
		log.Debug("sync pass complete")
	}

	msg := fmt.Sprintf("synced=%d failed=%d skipped=%d", res.Synced, res.Failed, res.Skipped)
	if passErr != nil {
		msg = passErr.Error()
	}
	s.publish(ctx, events.Event{Type: events.TypeSyncPass, Message: msg})
	if opened {
		s.log.Error("sync breaker opened; passes suspended until reset", "consecutive_failures", consecutive)
		s.publish(ctx, events.Event{
			Type:    events.TypeBreakerOpened,
			Message: fmt.Sprintf("%d consecutive failed passes", consecutive),
		})
	}
}

func (s *Supervisor) callTimeout() time.Duration {
	if s.cfg.CallTimeout > 0 {
		return s.cfg.CallTimeout
	}
	return reconcile.DefaultCallTimeout
}
