package fake

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cyrange/internal/adapter/fake/fault"
	"cyrange/internal/check"
	"cyrange/internal/state"
)

var _ state.Store = (*StateStore)(nil)

const (
	FaultStateStoreInsert             = "state_store.insert"
	FaultStateStoreGet                = "state_store.get"
	FaultStateStoreUpdate             = "state_store.update"
	FaultStateStoreList               = "state_store.list"
	FaultStateStoreDelete             = "state_store.delete"
	FaultStateStoreDeleteSyncedBefore = "state_store.delete_synced_before"
	FaultStateStoreStats              = "state_store.stats"
)

const maxUpdateRetries = 3

// StateStore is an in-memory state.Store with the same optimistic
// versioning as the sqlite store.
type StateStore struct {
	CallRecorder
	mu      sync.Mutex
	records map[string]state.Record
	faults  *fault.Injector

	// BeforeWrite runs inside Update after mutate and before the version
	// check. Tests use it to interleave a concurrent writer.
	BeforeWrite func(id string)
}

func NewStateStore() *StateStore {
	return &StateStore{records: make(map[string]state.Record), faults: fault.NewInjector()}
}

func (s *StateStore) FailOnce(point string, err error)        { s.faults.FailOnce(point, err) }
func (s *StateStore) FailAlways(point string, err error)      { s.faults.FailAlways(point, err) }
func (s *StateStore) SetFaultHook(point string, h fault.Hook) { s.faults.SetHook(point, h) }
func (s *StateStore) ClearFault(point string)                 { s.faults.Clear(point) }

func (s *StateStore) evalFault(point string, args ...any) error {
	check.Assert(s.faults != nil, "StateStore.evalFault: faults injector must not be nil")
	return s.faults.Eval(point, args...)
}

func (s *StateStore) Insert(ctx context.Context, rec state.Record) error {
	s.record("Insert", rec.ID)
	if err := s.evalFault(FaultStateStoreInsert, ctx, rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[rec.ID]; ok {
		return fmt.Errorf("insert record %s: %w", rec.ID, state.ErrConflict)
	}
	rec.Version = 1
	s.records[rec.ID] = rec
	return nil
}

func (s *StateStore) Get(ctx context.Context, id string) (state.Record, error) {
	s.record("Get", id)
	if err := s.evalFault(FaultStateStoreGet, ctx, id); err != nil {
		return state.Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return state.Record{}, fmt.Errorf("get record %s: %w", id, state.ErrNotFound)
	}
	return rec, nil
}

func (s *StateStore) Update(ctx context.Context, id string, mutate func(*state.Record) error) (state.Record, error) {
	s.record("Update", id)
	if err := s.evalFault(FaultStateStoreUpdate, ctx, id); err != nil {
		return state.Record{}, err
	}

	for range maxUpdateRetries {
		s.mu.Lock()
		loaded, ok := s.records[id]
		s.mu.Unlock()
		if !ok {
			return state.Record{}, fmt.Errorf("update record %s: %w", id, state.ErrNotFound)
		}

		next := loaded
		if err := mutate(&next); err != nil {
			return loaded, err
		}
		if s.BeforeWrite != nil {
			s.BeforeWrite(id)
		}

		s.mu.Lock()
		cur, ok := s.records[id]
		if !ok {
			s.mu.Unlock()
			return state.Record{}, fmt.Errorf("update record %s: %w", id, state.ErrNotFound)
		}
		if cur.Version != loaded.Version {
			s.mu.Unlock()
			continue
		}
		next.Version = loaded.Version + 1
		s.records[id] = next
		s.mu.Unlock()
		return next, nil
	}
	return state.Record{}, fmt.Errorf("update record %s: %w", id, state.ErrConflict)
}

func (s *StateStore) List(ctx context.Context, f state.Filter) ([]state.Record, error) {
	s.record("List", f)
	if err := s.evalFault(FaultStateStoreList, ctx, f); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]state.Record, 0, len(s.records))
	for _, rec := range s.records {
		if f.Matches(rec) {
			out = append(out, rec)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *StateStore) Delete(ctx context.Context, id string) error {
	s.record("Delete", id)
	if err := s.evalFault(FaultStateStoreDelete, ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[id]; !ok {
		return fmt.Errorf("delete record %s: %w", id, state.ErrNotFound)
	}
	delete(s.records, id)
	return nil
}

func (s *StateStore) DeleteSyncedBefore(ctx context.Context, threshold time.Time) (int, error) {
	s.record("DeleteSyncedBefore", threshold)
	if err := s.evalFault(FaultStateStoreDeleteSyncedBefore, ctx, threshold); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.records {
		if rec.Sync == state.SyncSynced && rec.UpdatedAt.Before(threshold) {
			delete(s.records, id)
			n++
		}
	}
	return n, nil
}

func (s *StateStore) Stats(ctx context.Context) (state.Stats, error) {
	s.record("Stats")
	if err := s.evalFault(FaultStateStoreStats, ctx); err != nil {
		return state.Stats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	all := make([]state.Record, 0, len(s.records))
	for _, rec := range s.records {
		all = append(all, rec)
	}
	return state.Tally(all), nil
}

// Put stores rec as is, bypassing versioning. Test setup only.
func (s *StateStore) Put(rec state.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Version == 0 {
		rec.Version = 1
	}
	s.records[rec.ID] = rec
}

// Snapshot returns the stored record without recording a call.
func (s *StateStore) Snapshot(id string) (state.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

func sortRecords(recs []state.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}
