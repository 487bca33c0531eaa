package ntp

import (
	"context"
	"strings"
	"sync"
	"time"

	"cyrange/internal/check"
	"cyrange/internal/state"

	"github.com/beevik/ntp"
)

const (
	DefaultPool      = "pool.ntp.org"
	DefaultInterval  = 5 * time.Minute
	DefaultThreshold = 500 * time.Millisecond
)

type Phase uint8

const (
	Unchecked Phase = iota + 1
	Healthy
	UnhealthyOffset
	Error
)

func (p Phase) String() string {
	switch p {
	case Unchecked:
		return "unchecked"
	case Healthy:
		return "healthy"
	case UnhealthyOffset:
		return "unhealthy_offset"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

func (p Phase) Transition(to Phase) Phase {
	ok := false
	switch p {
	case Unchecked:
		ok = to == Healthy || to == UnhealthyOffset || to == Error
	case Healthy:
		ok = to == Healthy || to == UnhealthyOffset || to == Error
	case UnhealthyOffset:
		ok = to == Healthy || to == UnhealthyOffset || to == Error
	case Error:
		ok = to == Healthy || to == UnhealthyOffset || to == Error
	}
	check.Assertf(ok, "ntp transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}

// Status is the latest clock offset measurement. Retention and stale-sync
// thresholds compare wall-clock timestamps, so a large offset makes them
// unreliable.
type Status struct {
	Offset    time.Duration
	Phase     Phase
	Error     string
	CheckedAt time.Time
}

// Degraded reports whether a completed check found the clock unusable.
func (s Status) Degraded() bool {
	return s.Phase == UnhealthyOffset || s.Phase == Error
}

type Checker struct {
	mu        sync.RWMutex
	status    Status
	pool      string
	interval  time.Duration
	threshold time.Duration
	clock     state.Clock

	// QueryFunc replaces the network query in tests.
	QueryFunc func(pool string) (time.Duration, error)
}

func NewChecker(clock state.Clock, pool string) *Checker {
	check.Assert(clock != nil, "ntp.NewChecker: clock must not be nil")
	if strings.TrimSpace(pool) == "" {
		pool = DefaultPool
	}
	return &Checker{
		pool:      pool,
		interval:  DefaultInterval,
		threshold: DefaultThreshold,
		status:    Status{Phase: Unchecked},
		clock:     clock,
	}
}

func (n *Checker) Run(ctx context.Context) {
	n.Check()

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Check()
		}
	}
}

// Check queries the pool once and updates the status.
func (n *Checker) Check() {
	offset, err := n.query()

	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.clock.Now()
	if err != nil {
		n.status = Status{Error: err.Error(), Phase: n.status.Phase.Transition(Error), CheckedAt: now}
		return
	}

	next := UnhealthyOffset
	if offset.Abs() < n.threshold {
		next = Healthy
	}
	n.status = Status{Offset: offset, Phase: n.status.Phase.Transition(next), CheckedAt: now}
}

func (n *Checker) query() (time.Duration, error) {
	if n.QueryFunc != nil {
		return n.QueryFunc(n.pool)
	}
	resp, err := ntp.Query(n.pool)
	if err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

func (n *Checker) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.status
}
