package utils

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Phase is one timed step of a run.
type Phase struct {
	Name     string
	Start    time.Time
	Duration time.Duration
	done     bool
}

// Timer records the phases of a run in the order they were started.
// It is safe for concurrent use.
type Timer struct {
	mu     sync.Mutex
	name   string
	clock  Clock
	start  time.Time
	phases []*Phase
}

// NewTimer creates a timer. A nil clock means the real clock.
func NewTimer(name string, clock Clock) *Timer {
	if clock == nil {
		clock = NewRealClock()
	}
	return &Timer{name: name, clock: clock, start: clock.Now()}
}

// Start begins a phase and returns the function that ends it, suitable for
// defer. Calling the returned function more than once has no further effect.
func (t *Timer) Start(name string) func() time.Duration {
	t.mu.Lock()
	p := &Phase{Name: name, Start: t.clock.Now()}
	t.phases = append(t.phases, p)
	t.mu.Unlock()

	return func() time.Duration {
		t.mu.Lock()
		defer t.mu.Unlock()
		if !p.done {
			p.Duration = t.clock.Since(p.Start)
			p.done = true
		}
		return p.Duration
	}
}

// Time runs fn as a phase and returns its error.
func (t *Timer) Time(name string, fn func() error) error {
	stop := t.Start(name)
	defer stop()
	return fn()
}

// Phases returns a copy of the completed phases in start order.
func (t *Timer) Phases() []Phase {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Phase, 0, len(t.phases))
	for _, p := range t.phases {
		if p.done {
			out = append(out, *p)
		}
	}
	return out
}

// Total returns the time elapsed since the timer was created.
func (t *Timer) Total() time.Duration {
	return t.clock.Since(t.start)
}

// Summary renders "name total (phase=dur, ...)".
func (t *Timer) Summary() string {
	parts := make([]string, 0, len(t.phases))
	for _, p := range t.Phases() {
		parts = append(parts, fmt.Sprintf("%s=%s", p.Name, p.Duration.Round(time.Microsecond)))
	}
	return fmt.Sprintf("%s %s (%s)", t.name, t.Total().Round(time.Microsecond), strings.Join(parts, ", "))
}

// Log writes the summary at debug level.
func (t *Timer) Log(logger Logger) {
	if logger != nil {
		logger.Debug("timing: %s", t.Summary())
	}
}
