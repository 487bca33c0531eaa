package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cyrange/internal/discovery"
	"cyrange/internal/events"
	"cyrange/internal/state"
	"cyrange/internal/telemetry"
)

// ScopeResult is the outcome of discovery for one scope.
type ScopeResult struct {
	ScopeID  string
	HostID   string
	Added    int
	Updated  int
	Removed  int
	Observed int
	// Propagated counts state records updated from observations.
	Propagated int
	// Error is set when the probe failed and the scope was skipped.
	Error string
}

type DiscoveryResult struct {
	Scopes []ScopeResult
}

// Discover probes every configured scope, syncs the discovery inventory
// and feeds the observations into the state records. A scope whose probe
// fails is skipped so its inventory is not mistaken for empty.
func (s *Supervisor) Discover(ctx context.Context) (DiscoveryResult, error) {
	if !s.discovering.CompareAndSwap(false, true) {
		return DiscoveryResult{}, ErrAlreadyRunning
	}
	defer s.discovering.Store(false)

	var out DiscoveryResult
	if len(s.cfg.Scopes) == 0 {
		return out, nil
	}

	plan := telemetry.Plan{}
	for _, sc := range s.cfg.Scopes {
		plan.Steps = append(plan.Steps, telemetry.PlannedStep{ID: "scope/" + sc.ID, Title: "discover " + sc.ID + " on " + sc.HostID})
	}
	op, err := telemetry.Start(ctx, s.tracer, "discovery.pass", plan)
	if err != nil {
		return out, err
	}
	started := s.clock.Now()

	var errs []error
	for _, sc := range s.cfg.Scopes {
		var res ScopeResult
		err := op.RunStep(op.Context(), "scope/"+sc.ID, func(ctx context.Context) error {
			var err error
			res, err = s.discoverScope(ctx, sc)
			return err
		})
		out.Scopes = append(out.Scopes, res)
		if err != nil {
			errs = append(errs, err)
		}
	}
	err = errors.Join(errs...)
	op.End(err)

	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.ObservePass("discovery", result, s.clock.Now().Sub(started))
	return out, err
}

func (s *Supervisor) discoverScope(ctx context.Context, sc discovery.Scope) (ScopeResult, error) {
	res := ScopeResult{ScopeID: sc.ID, HostID: sc.HostID}
	log := s.log.With("scope", sc.ID, "host", sc.HostID)

	probeCtx, cancel := context.WithTimeout(ctx, s.callTimeout())
	observed, err := s.runtime.ProbeContainers(probeCtx, sc)
	cancel()
	s.hosts.RecordProbe(sc.HostID, err)
	if err != nil {
		log.Warn("probe failed, scope skipped", "err", err)
		res.Error = err.Error()
		return res, nil
	}
	res.Observed = len(observed)

	ch, err := s.syncer.Sync(ctx, sc.ID, observed)
	if err != nil {
		return res, err
	}
	res.Added, res.Updated, res.Removed = len(ch.Added), len(ch.Updated), len(ch.Removed)
	s.metrics.AddDiscoveryChanges(sc.ID, res.Added, res.Updated, res.Removed)
	if !ch.Empty() {
		s.publish(ctx, events.Event{
			Type:    events.TypeDiscoveryChanged,
			ScopeID: sc.ID,
			HostID:  sc.HostID,
			Message: fmt.Sprintf("added=%d updated=%d removed=%d", res.Added, res.Updated, res.Removed),
		})
	}

	n, err := s.propagate(ctx, sc.HostID, observed, ch.Removed)
	res.Propagated = n
	return res, err
}

// propagate applies observations to the state records of a host. Records
// are matched by container id, then by container name for records whose
// container was never created by the engine. Records pointing at removed
// containers lose their container id so the next sync recreates them.
func (s *Supervisor) propagate(ctx context.Context, hostID string, observed []discovery.Observation, removed []discovery.Record) (int, error) {
	recs, err := s.store.List(ctx, state.Filter{HostID: hostID})
	if err != nil {
		return 0, fmt.Errorf("list records of host %s: %w", hostID, err)
	}
	if len(recs) == 0 {
		return 0, nil
	}
	byContainer := make(map[string]state.Record, len(recs))
	byName := make(map[string]state.Record)
	for _, r := range recs {
		if r.ContainerID != "" {
			byContainer[r.ContainerID] = r
		} else if r.ContainerName != "" {
			byName[r.ContainerName] = r
		}
	}

	n := 0
	for _, o := range observed {
		if o.ContainerID == "" || discovery.IsSystemContainer(o.Name, o.Image) {
			continue
		}
		rec, ok := byContainer[o.ContainerID]
		adopt := false
		if !ok {
			if rec, ok = byName[strings.TrimPrefix(o.Name, "/")]; !ok {
				continue
			}
			adopt = true
		}
		current := discovery.MapStatus(o.Status)
		health := discovery.MapHealth(o.Health)
		_, err := s.store.Update(ctx, rec.ID, func(cur *state.Record) error {
			switch {
			case adopt && cur.ContainerID == "":
				cur.ContainerID = o.ContainerID
			case cur.ContainerID != o.ContainerID:
				return state.ErrUnchanged
			}
			if cur.Current == current && (health == state.HealthUnknown || cur.Health == health) && !adopt {
				return state.ErrUnchanged
			}
			return cur.Observe(current, health, s.clock.Now())
		})
		switch {
		case errors.Is(err, state.ErrUnchanged), errors.Is(err, state.ErrNotFound), errors.Is(err, state.ErrConflict):
			continue
		case err != nil:
			return n, fmt.Errorf("observe record %s: %w", rec.ID, err)
		}
		n++
	}

	for _, gone := range removed {
		rec, ok := byContainer[gone.ContainerID]
		if !ok {
			continue
		}
		_, err := s.store.Update(ctx, rec.ID, func(cur *state.Record) error {
			if cur.ContainerID != gone.ContainerID || cur.Sync == state.SyncSyncing {
				return state.ErrUnchanged
			}
			cur.ContainerID = ""
			return cur.Observe(state.CurrentUnknown, state.HealthUnknown, s.clock.Now())
		})
		switch {
		case errors.Is(err, state.ErrUnchanged), errors.Is(err, state.ErrNotFound), errors.Is(err, state.ErrConflict):
			continue
		case err != nil:
			return n, fmt.Errorf("detach record %s: %w", rec.ID, err)
		}
		s.log.Info("container gone, record detached", "record", rec.ID, "container_id", gone.ContainerID)
		n++
	}
	return n, nil
}
