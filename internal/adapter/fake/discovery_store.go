package fake

import (
	"context"
	"sort"
	"sync"

	"cyrange/internal/adapter/fake/fault"
	"cyrange/internal/discovery"
)

var _ discovery.Store = (*DiscoveryStore)(nil)

const (
	FaultDiscoveryStoreList  = "discovery_store.list"
	FaultDiscoveryStoreApply = "discovery_store.apply"
)

// DiscoveryStore is an in-memory discovery.Store.
type DiscoveryStore struct {
	CallRecorder
	mu     sync.Mutex
	scopes map[string]map[string]discovery.Record
	faults *fault.Injector
}

func NewDiscoveryStore() *DiscoveryStore {
	return &DiscoveryStore{scopes: make(map[string]map[string]discovery.Record), faults: fault.NewInjector()}
}

func (s *DiscoveryStore) FailOnce(point string, err error)   { s.faults.FailOnce(point, err) }
func (s *DiscoveryStore) FailAlways(point string, err error) { s.faults.FailAlways(point, err) }

func (s *DiscoveryStore) ListScope(ctx context.Context, scopeID string) ([]discovery.Record, error) {
	s.record("ListScope", scopeID)
	if err := s.faults.Eval(FaultDiscoveryStoreList, ctx, scopeID); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]discovery.Record, 0, len(s.scopes[scopeID]))
	for _, rec := range s.scopes[scopeID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContainerID < out[j].ContainerID })
	return out, nil
}

func (s *DiscoveryStore) ApplyScopeChanges(ctx context.Context, scopeID string, ch discovery.Changes) error {
	s.record("ApplyScopeChanges", scopeID, ch)
	if err := s.faults.Eval(FaultDiscoveryStoreApply, ctx, scopeID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.scopes[scopeID]
	if recs == nil {
		recs = make(map[string]discovery.Record)
		s.scopes[scopeID] = recs
	}
	for _, rec := range ch.Removed {
		delete(recs, rec.ContainerID)
	}
	for _, group := range [][]discovery.Record{ch.Added, ch.Updated, ch.Refreshed} {
		for _, rec := range group {
			recs[rec.ContainerID] = rec
		}
	}
	return nil
}

// Seed replaces the stored records of a scope. Test setup only.
func (s *DiscoveryStore) Seed(scopeID string, recs ...discovery.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[string]discovery.Record, len(recs))
	for _, rec := range recs {
		rec.ScopeID = scopeID
		m[rec.ContainerID] = rec
	}
	s.scopes[scopeID] = m
}
