// Package breaker implements a persisted per-key circuit breaker. Each key
// names an external dependency (e.g. "agent.invoke"); its state survives
// restarts as a small JSON file replaced atomically on every transition.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow when the breaker is short-circuiting calls.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker regime.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Settings configures a breaker. Zero values take the defaults.
type Settings struct {
	FailureThreshold  int           // Consecutive failures before opening (default 5)
	Cooldown          time.Duration // Open -> half-open delay (default 60s)
	HalfOpenSuccesses int           // Probe successes required to close (default 2)
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.Cooldown <= 0 {
		s.Cooldown = 60 * time.Second
	}
	if s.HalfOpenSuccesses <= 0 {
		s.HalfOpenSuccesses = 2
	}
	return s
}

// Record is the persisted state of one breaker key.
type Record struct {
	Key                    string     `json:"key"`
	State                  State      `json:"state"`
	ConsecutiveFailures    int        `json:"consecutive_failures"`
	OpenedAt               *time.Time `json:"opened_at,omitempty"`
	NextProbeAt            *time.Time `json:"next_probe_at,omitempty"`
	SuccessCountInHalfOpen int        `json:"success_count_in_half_open"`
	UpdatedAt              time.Time  `json:"updated_at"`
}

// Breaker tracks failures for one key.
type Breaker struct {
	mu       sync.Mutex
	settings Settings
	rec      Record
	probing  bool // A half-open probe is in flight

	now     func() time.Time
	persist func(Record) error
}

// newBreaker builds a breaker around an existing record.
func newBreaker(rec Record, settings Settings, now func() time.Time, persist func(Record) error) *Breaker {
	if rec.State == "" {
		rec.State = StateClosed
	}
	return &Breaker{
		settings: settings.withDefaults(),
		rec:      rec,
		now:      now,
		persist:  persist,
	}
}

// Allow reports whether a call may proceed. In half-open, exactly one probe
// call is permitted at a time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.rec.State {
	case StateClosed:
		return nil
	case StateOpen:
		if b.rec.NextProbeAt != nil && !b.now().Before(*b.rec.NextProbeAt) {
			b.transitionLocked(StateHalfOpen)
			b.probing = true
			return nil
		}
		return ErrOpen
	case StateHalfOpen:
		if b.probing {
			return ErrOpen
		}
		b.probing = true
		return nil
	}
	return nil
}

// ReportSuccess records a successful call.
func (b *Breaker) ReportSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.rec.State {
	case StateClosed:
		if b.rec.ConsecutiveFailures != 0 {
			b.rec.ConsecutiveFailures = 0
			b.saveLocked()
		}
	case StateHalfOpen:
		b.probing = false
		b.rec.SuccessCountInHalfOpen++
		if b.rec.SuccessCountInHalfOpen >= b.settings.HalfOpenSuccesses {
			b.rec.ConsecutiveFailures = 0
			b.transitionLocked(StateClosed)
		} else {
			b.saveLocked()
		}
	}
}

// ReportFailure records a failed call.
func (b *Breaker) ReportFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.rec.State {
	case StateClosed:
		b.rec.ConsecutiveFailures++
		if b.rec.ConsecutiveFailures >= b.settings.FailureThreshold {
			b.transitionLocked(StateOpen)
		} else {
			b.saveLocked()
		}
	case StateHalfOpen:
		b.probing = false
		b.transitionLocked(StateOpen)
	case StateOpen:
		// A failure while open (probe that was admitted before the state
		// flipped) restarts the cooldown.
		b.transitionLocked(StateOpen)
	}
}

// State returns the current regime.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rec.State
}

// Snapshot returns a copy of the persisted record.
func (b *Breaker) Snapshot() Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rec
}

// transitionLocked moves to a new state, stamping the transition fields,
// and persists. Caller holds b.mu.
func (b *Breaker) transitionLocked(to State) {
	now := b.now()
	b.rec.State = to

	switch to {
	case StateOpen:
		b.rec.OpenedAt = &now
		probe := now.Add(b.settings.Cooldown)
		b.rec.NextProbeAt = &probe
		b.rec.SuccessCountInHalfOpen = 0
	case StateHalfOpen:
		b.rec.SuccessCountInHalfOpen = 0
	case StateClosed:
		b.rec.OpenedAt = nil
		b.rec.NextProbeAt = nil
		b.rec.SuccessCountInHalfOpen = 0
	}
	b.saveLocked()
}

// saveLocked persists the record. Caller holds b.mu.
func (b *Breaker) saveLocked() {
	b.rec.UpdatedAt = b.now()
	if b.persist != nil {
		_ = b.persist(b.rec)
	}
}
