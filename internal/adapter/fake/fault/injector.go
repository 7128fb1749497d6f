// Package fault injects failures into fake adapters at named points.
package fault

import (
	"fmt"
	"slices"
	"strings"
	"sync"

	"proxysync/internal/check"
)

// Hook inspects call arguments and returns a non-nil error to fail the call.
type Hook func(args ...any) error

type pointFault struct {
	onceErrs  []error
	alwaysErr error
	hook      Hook
}

// Injector manages per-point fault injection for fake adapters.
// It supports queued one-shot failures, persistent failures, and
// argument-aware hooks.
type Injector struct {
	mu     sync.Mutex
	points map[string]*pointFault
}

func NewInjector() *Injector {
	return &Injector{points: make(map[string]*pointFault)}
}

// FailOnce queues err for the next evaluation of point.
func (i *Injector) FailOnce(point string, err error) {
	i.FailTimes(point, 1, err)
}

// FailTimes queues err for the next n evaluations of point.
func (i *Injector) FailTimes(point string, n int, err error) {
	check.Assert(err != nil, "fault.Injector.FailTimes: err must not be nil")
	if err == nil || n <= 0 {
		return
	}
	i.update(point, func(pf *pointFault) {
		for range n {
			pf.onceErrs = append(pf.onceErrs, err)
		}
	})
}

// FailAlways injects err on every evaluation of point until cleared.
func (i *Injector) FailAlways(point string, err error) {
	check.Assert(err != nil, "fault.Injector.FailAlways: err must not be nil")
	i.update(point, func(pf *pointFault) { pf.alwaysErr = err })
}

// SetHook sets an argument-aware hook for point.
func (i *Injector) SetHook(point string, hook Hook) {
	check.Assert(hook != nil, "fault.Injector.SetHook: hook must not be nil")
	i.update(point, func(pf *pointFault) { pf.hook = hook })
}

// FailArg fails every evaluation of point whose first argument equals arg.
func (i *Injector) FailArg(point string, arg any, err error) {
	i.SetHook(point, func(args ...any) error {
		if len(args) > 0 && args[0] == arg {
			return err
		}
		return nil
	})
}

// Clear removes all faults for a single point.
func (i *Injector) Clear(point string) {
	i.mu.Lock()
	delete(i.points, normalize(point))
	i.mu.Unlock()
}

// Reset removes all configured faults.
func (i *Injector) Reset() {
	i.mu.Lock()
	i.points = make(map[string]*pointFault)
	i.mu.Unlock()
}

// Eval evaluates whether point should fail for this call.
// Precedence: hook -> once -> always. A nil Injector never fails.
func (i *Injector) Eval(point string, args ...any) error {
	if i == nil {
		return nil
	}
	point = normalize(point)

	i.mu.Lock()
	pf := i.points[point]
	if pf == nil {
		i.mu.Unlock()
		return nil
	}
	hook := pf.hook
	var onceErr error
	if len(pf.onceErrs) > 0 {
		onceErr = pf.onceErrs[0]
		pf.onceErrs = slices.Delete(pf.onceErrs, 0, 1)
	}
	alwaysErr := pf.alwaysErr
	i.mu.Unlock()

	if hook != nil {
		if err := hook(args...); err != nil {
			return fmt.Errorf("fault %s (hook): %w", point, err)
		}
	}
	if onceErr != nil {
		return fmt.Errorf("fault %s (once): %w", point, onceErr)
	}
	if alwaysErr != nil {
		return fmt.Errorf("fault %s (always): %w", point, alwaysErr)
	}
	return nil
}

func (i *Injector) update(point string, fn func(*pointFault)) {
	point = normalize(point)
	check.Assert(point != "", "fault.Injector: point must not be empty")
	if point == "" {
		return
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	pf, ok := i.points[point]
	if !ok {
		pf = &pointFault{}
		i.points[point] = pf
	}
	fn(pf)
}

func normalize(point string) string {
	return strings.TrimSpace(point)
}
