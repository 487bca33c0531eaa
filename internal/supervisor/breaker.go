package supervisor

import "cyrange/internal/check"

// BreakerPhase gates sync passes after repeated failures.
type BreakerPhase uint8

const (
	BreakerClosed BreakerPhase = iota + 1
	BreakerOpen
)

func (p BreakerPhase) String() string {
	switch p {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

func (p BreakerPhase) Transition(to BreakerPhase) BreakerPhase {
	ok := false
	switch p {
	case BreakerClosed:
		ok = to == BreakerOpen
	case BreakerOpen:
		ok = to == BreakerClosed
	}
	check.Assertf(ok, "breaker transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}

// breaker counts consecutive failed sync passes. Callers hold the
// supervisor mutex.
type breaker struct {
	phase       BreakerPhase
	consecutive int
	max         int
}

func newBreaker(max int) breaker {
	return breaker{phase: BreakerClosed, max: max}
}

func (b *breaker) open() bool { return b.phase == BreakerOpen }

// recordPass applies the outcome of a completed pass. A pass counts as
// failed only when it synced nothing and failed at least one record; a
// pass without failures clears the count. It reports whether the breaker
// opened.
func (b *breaker) recordPass(synced, failed int) bool {
	switch {
	case failed == 0:
		b.consecutive = 0
		return false
	case synced == 0:
		return b.recordFailure()
	}
	return false
}

// recordFailure counts a pass that could not run at all.
func (b *breaker) recordFailure() bool {
	b.consecutive++
	if b.phase == BreakerClosed && b.consecutive >= b.max {
		b.phase = b.phase.Transition(BreakerOpen)
		return true
	}
	return false
}

func (b *breaker) reset() {
	b.consecutive = 0
	if b.phase == BreakerOpen {
		b.phase = b.phase.Transition(BreakerClosed)
	}
}
