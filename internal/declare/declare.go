package declare

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"cyrange/internal/discovery"
	"cyrange/internal/events"
	"cyrange/internal/state"

	"github.com/google/uuid"
)

// Declaration is an operator's intent for one container.
type Declaration struct {
	HostID        string
	AssetID       string
	ContainerID   string
	ContainerName string
	ImageName     string
	Desired       state.DesiredStatus
	// MaxSyncAttempts of zero keeps the existing budget or applies the
	// default for new records.
	MaxSyncAttempts int
	CreatedBy       string
}

func (d Declaration) normalized() Declaration {
	d.HostID = strings.TrimSpace(d.HostID)
	d.AssetID = strings.TrimSpace(d.AssetID)
	d.ContainerID = strings.TrimSpace(d.ContainerID)
	d.ContainerName = strings.TrimPrefix(strings.TrimSpace(d.ContainerName), "/")
	d.ImageName = strings.TrimSpace(d.ImageName)
	d.CreatedBy = strings.TrimSpace(d.CreatedBy)
	return d
}

func (d Declaration) spec() state.Spec {
	return state.Spec{
		HostID:          d.HostID,
		AssetID:         d.AssetID,
		ContainerID:     d.ContainerID,
		ContainerName:   d.ContainerName,
		ImageName:       d.ImageName,
		Desired:         d.Desired,
		MaxSyncAttempts: d.MaxSyncAttempts,
		CreatedBy:       d.CreatedBy,
	}
}

// Result reports what Declare did.
type Result struct {
	Record  state.Record
	Created bool
	// Adopted is set when a new record took over a container already
	// present in the discovery inventory.
	Adopted bool
}

// Service creates and updates State Records from declarations.
type Service struct {
	Store     state.Store
	Discovery discovery.Store
	Scopes    []discovery.Scope
	Clock     state.Clock
	Events    events.Publisher
	NewID     func() string

	// DefaultMaxAttempts is the retry budget of new records declared
	// without one. Zero uses the state package default.
	DefaultMaxAttempts int

	log *slog.Logger
}

func New(store state.Store, disc discovery.Store, scopes []discovery.Scope, clock state.Clock, pub events.Publisher) *Service {
	if clock == nil {
		clock = state.WallClock{}
	}
	if pub == nil {
		pub = events.Noop{}
	}
	return &Service{
		Store:     store,
		Discovery: disc,
		Scopes:    scopes,
		Clock:     clock,
		Events:    pub,
		NewID:     uuid.NewString,
		log:       slog.With("component", "declare"),
	}
}

// Declare updates the record matching d or creates a new one. An existing
// record gets the new desired status; a target it does not already satisfy
// restarts convergence with a full retry budget.
func (s *Service) Declare(ctx context.Context, d Declaration) (Result, error) {
	d = d.normalized()
	if err := d.spec().Validate(); err != nil {
		return Result{}, fmt.Errorf("validate declaration: %w", err)
	}

	existing, err := s.find(ctx, d)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		return s.update(ctx, *existing, d)
	}
	return s.create(ctx, d)
}

// DeclareAll applies every declaration and keeps going past failures.
func (s *Service) DeclareAll(ctx context.Context, decls []Declaration) ([]Result, error) {
	out := make([]Result, 0, len(decls))
	var errs []error
	for _, d := range decls {
		res, err := s.Declare(ctx, d)
		if err != nil {
			errs = append(errs, fmt.Errorf("declare %s/%s: %w", d.HostID, containerRef(d), err))
			continue
		}
		out = append(out, res)
	}
	return out, errors.Join(errs...)
}

func (s *Service) find(ctx context.Context, d Declaration) (*state.Record, error) {
	f := state.Filter{HostID: d.HostID, AssetID: d.AssetID}
	if d.ContainerID != "" {
		f.ContainerID = d.ContainerID
	} else {
		f.ContainerName = d.ContainerName
	}
	recs, err := s.Store.List(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("find record for %s: %w", containerRef(d), err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	if len(recs) > 1 {
		s.log.Warn("several records match declaration, updating the oldest",
			"host", d.HostID, "container", containerRef(d), "matches", len(recs))
	}
	return &recs[0], nil
}

func (s *Service) update(ctx context.Context, rec state.Record, d Declaration) (Result, error) {
	now := s.Clock.Now()
	updated, err := s.Store.Update(ctx, rec.ID, func(r *state.Record) error {
		if d.ImageName != "" && r.ContainerID == "" {
			r.ImageName = d.ImageName
		}
		if d.MaxSyncAttempts > 0 {
			r.MaxSyncAttempts = d.MaxSyncAttempts
		}
		return r.SetDesired(d.Desired, now)
	})
	if err != nil {
		return Result{}, fmt.Errorf("update record %s: %w", rec.ID, err)
	}
	s.log.Info("record redeclared", "id", updated.ID, "desired", updated.Desired, "sync", updated.Sync)
	s.publish(ctx, updated, "updated")
	return Result{Record: updated}, nil
}

func (s *Service) create(ctx context.Context, d Declaration) (Result, error) {
	now := s.Clock.Now()
	spec := d.spec()
	if spec.MaxSyncAttempts == 0 {
		spec.MaxSyncAttempts = s.DefaultMaxAttempts
	}
	rec := state.NewRecord(s.NewID(), spec, now)

	adopted := false
	if rec.ContainerID == "" {
		match, ok := s.discovered(ctx, rec.HostID, rec.ContainerName)
		if ok {
			rec.ContainerID = match.ContainerID
			if rec.AssetID == "" {
				rec.AssetID = match.AssetID
			}
			if rec.ImageName == "" {
				rec.ImageName = match.Image
			}
			if err := rec.Observe(discovery.MapStatus(match.Status), 0, now); err != nil {
				return Result{}, fmt.Errorf("adopt container %s: %w", match.ContainerID, err)
			}
			adopted = true
		}
	}

	if err := s.Store.Insert(ctx, rec); err != nil {
		return Result{}, fmt.Errorf("insert record: %w", err)
	}
	rec.Version = 1
	s.log.Info("record declared",
		"id", rec.ID,
		"host", rec.HostID,
		"container", containerRef(d),
		"desired", rec.Desired,
		"adopted", adopted)
	s.publish(ctx, rec, "created")
	return Result{Record: rec, Created: true, Adopted: adopted}, nil
}

// discovered looks the container name up in the inventory of every scope on
// the host. Lookup failures only disable adoption.
func (s *Service) discovered(ctx context.Context, hostID, name string) (discovery.Record, bool) {
	if s.Discovery == nil || name == "" {
		return discovery.Record{}, false
	}
	for _, scope := range s.Scopes {
		if scope.HostID != hostID {
			continue
		}
		recs, err := s.Discovery.ListScope(ctx, scope.ID)
		if err != nil {
			s.log.Warn("list discovery records failed", "scope", scope.ID, "err", err)
			continue
		}
		for _, r := range recs {
			if strings.TrimPrefix(r.ContainerName, "/") == name {
				return r, true
			}
		}
	}
	return discovery.Record{}, false
}

func (s *Service) publish(ctx context.Context, rec state.Record, msg string) {
	err := s.Events.Publish(ctx, events.Event{
		Type:     events.TypeRecordDeclared,
		RecordID: rec.ID,
		HostID:   rec.HostID,
		AssetID:  rec.AssetID,
		To:       rec.Desired.String(),
		Message:  msg,
		At:       s.Clock.Now(),
	})
	if err != nil {
		s.log.Debug("publish event failed", "type", events.TypeRecordDeclared, "err", err)
	}
}

func containerRef(d Declaration) string {
	if d.ContainerID != "" {
		return d.ContainerID
	}
	return d.ContainerName
}
