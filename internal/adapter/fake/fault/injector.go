package fault

import (
	"fmt"
	"strings"
	"sync"

	"cyrange/internal/check"
)

// Hook decides per call whether a point fails. args are the arguments of the
// faulted method, context first.
type Hook func(args ...any) error

type pointFault struct {
	queued    []error
	alwaysErr error
	hook      Hook
	evals     int
}

// Injector holds named fault points for the fake adapters. A point fails
// through a hook, a queue of one-shot errors or a persistent error.
type Injector struct {
	mu     sync.Mutex
	points map[string]*pointFault
}

func NewInjector() *Injector {
	return &Injector{points: make(map[string]*pointFault)}
}

func validPoint(point string) bool {
	return strings.TrimSpace(point) != ""
}

// FailOnce queues err for the next evaluation of point.
func (i *Injector) FailOnce(point string, err error) {
	i.FailTimes(point, 1, err)
}

// FailTimes queues err for the next n evaluations of point.
func (i *Injector) FailTimes(point string, n int, err error) {
	check.Assert(i != nil, "fault.Injector.FailTimes: receiver must not be nil")
	check.Assert(validPoint(point), "fault.Injector.FailTimes: point must not be empty")
	check.Assert(err != nil, "fault.Injector.FailTimes: err must not be nil")
	if i == nil || !validPoint(point) || err == nil || n <= 0 {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	pf := i.ensurePoint(point)
	for range n {
		pf.queued = append(pf.queued, err)
	}
}

// FailAlways makes every evaluation of point fail with err.
func (i *Injector) FailAlways(point string, err error) {
	check.Assert(i != nil, "fault.Injector.FailAlways: receiver must not be nil")
	check.Assert(validPoint(point), "fault.Injector.FailAlways: point must not be empty")
	check.Assert(err != nil, "fault.Injector.FailAlways: err must not be nil")
	if i == nil || !validPoint(point) || err == nil {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	i.ensurePoint(point).alwaysErr = err
}

func (i *Injector) SetHook(point string, hook Hook) {
	check.Assert(i != nil, "fault.Injector.SetHook: receiver must not be nil")
	check.Assert(validPoint(point), "fault.Injector.SetHook: point must not be empty")
	check.Assert(hook != nil, "fault.Injector.SetHook: hook must not be nil")
	if i == nil || !validPoint(point) || hook == nil {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	i.ensurePoint(point).hook = hook
}

// Clear removes the faults of one point.
func (i *Injector) Clear(point string) {
	if i == nil || !validPoint(point) {
		return
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.points, point)
}

// Reset removes every configured fault.
func (i *Injector) Reset() {
	if i == nil {
		return
	}
	i.mu.Lock()
	i.points = make(map[string]*pointFault)
	i.mu.Unlock()
}

// Evaluations returns how often point was evaluated since it was configured.
func (i *Injector) Evaluations(point string) int {
	if i == nil {
		return 0
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if pf := i.points[point]; pf != nil {
		return pf.evals
	}
	return 0
}

// Eval returns the injected error for this call of point, if any.
// Precedence: hook, then queued, then always.
func (i *Injector) Eval(point string, args ...any) error {
	check.Assert(validPoint(point), "fault.Injector.Eval: point must not be empty")
	if i == nil || !validPoint(point) {
		return nil
	}

	i.mu.Lock()
	pf := i.points[point]
	if pf == nil {
		i.mu.Unlock()
		return nil
	}
	pf.evals++
	hook := pf.hook
	var queued error
	if len(pf.queued) > 0 {
		queued = pf.queued[0]
		pf.queued = pf.queued[1:]
	}
	alwaysErr := pf.alwaysErr
	i.mu.Unlock()

	if hook != nil {
		if err := hook(args...); err != nil {
			return fmt.Errorf("fault %s (hook): %w", point, err)
		}
	}
	if queued != nil {
		return fmt.Errorf("fault %s (queued): %w", point, queued)
	}
	if alwaysErr != nil {
		return fmt.Errorf("fault %s (always): %w", point, alwaysErr)
	}
	return nil
}

func (i *Injector) ensurePoint(point string) *pointFault {
	pf, ok := i.points[point]
	if !ok {
		pf = &pointFault{}
		i.points[point] = pf
	}
	return pf
}
