package hosts

import (
	"sort"
	"sync"
	"time"

	"cyrange/internal/check"
	"cyrange/internal/state"
)

type Phase uint8

const (
	Unknown Phase = iota + 1
	Reachable
	Unreachable
)

func (p Phase) String() string {
	switch p {
	case Unknown:
		return "unknown"
	case Reachable:
		return "reachable"
	case Unreachable:
		return "unreachable"
	default:
		return "unknown_phase"
	}
}

func (p Phase) Transition(to Phase) Phase {
	ok := false
	switch p {
	case Unknown, Reachable, Unreachable:
		ok = to == Reachable || to == Unreachable
	}
	check.Assertf(ok, "host transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}

type hostState struct {
	phase       Phase
	lastAccess  time.Time
	lastProbeAt time.Time
	lastError   string
}

// Health is the tracked view of one host.
type Health struct {
	HostID      string
	Phase       Phase
	LastAccess  time.Time
	LastProbeAt time.Time
	LastError   string
}

// Tracker throttles access to hosts and remembers their reachability.
type Tracker struct {
	mu          sync.Mutex
	hosts       map[string]hostState
	minInterval time.Duration
	clock       state.Clock
}

func NewTracker(minInterval time.Duration, clock state.Clock) *Tracker {
	check.Assert(clock != nil, "hosts.NewTracker: clock must not be nil")
	return &Tracker{
		hosts:       make(map[string]hostState),
		minInterval: minInterval,
		clock:       clock,
	}
}

// Acquire reports whether hostID may be accessed now and, if so, stamps
// the access. A host is throttled until minInterval has passed since its
// last access.
func (t *Tracker) Acquire(hostID string) bool {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.hosts[hostID]
	if !ok {
		h.phase = Unknown
	}
	if !h.lastAccess.IsZero() && now.Sub(h.lastAccess) < t.minInterval {
		return false
	}
	h.lastAccess = now
	t.hosts[hostID] = h
	return true
}

// RecordProbe stores the outcome of a reachability check.
func (t *Tracker) RecordProbe(hostID string, err error) {
	now := t.clock.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.hosts[hostID]
	if !ok {
		h.phase = Unknown
	}
	h.lastProbeAt = now
	if err != nil {
		h.phase = h.phase.Transition(Unreachable)
		h.lastError = err.Error()
	} else {
		h.phase = h.phase.Transition(Reachable)
		h.lastError = ""
	}
	t.hosts[hostID] = h
}

// Snapshot returns every tracked host ordered by id.
func (t *Tracker) Snapshot() []Health {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Health, 0, len(t.hosts))
	for id, h := range t.hosts {
		out = append(out, Health{
			HostID:      id,
			Phase:       h.phase,
			LastAccess:  h.lastAccess,
			LastProbeAt: h.lastProbeAt,
			LastError:   h.lastError,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].HostID < out[j].HostID })
	return out
}
