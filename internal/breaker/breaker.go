// Package breaker is the process-wide resilience state machine. One upstream
// dependency means one breaker: it is never sharded by model or caller.
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is the breaker's position in the closed/open/half-open cycle.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Auditor receives breaker transitions for the structured audit trail.
type Auditor interface {
	RecordBreakerTransition(from, to string, failures int)
}

// Breaker tracks consecutive upstream failures and substitutes a fallback
// model while the upstream cools down. All state lives behind one mutex;
// reads and writes of {state, failures, lastFailure} are a single atomic unit.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time

	threshold int
	coolDown  time.Duration
	fallbacks []string
	auditor   Auditor
	now       func() time.Time
}

// New builds a closed breaker. fallbacks is the static ordered model list
// used while the breaker is open.
func New(threshold int, coolDown time.Duration, fallbacks []string, auditor Auditor) *Breaker {
	return &Breaker{
		threshold: threshold,
		coolDown:  coolDown,
		fallbacks: fallbacks,
		auditor:   auditor,
		now:       time.Now,
	}
}

// ModelFor returns the model a dispatch should use and whether it was
// substituted. While open within the cool-down, the first fallback differing
// from the requested model is substituted; once the cool-down elapses the
// breaker moves to half-open and the requested model is probed.
func (b *Breaker) ModelFor(requested string) (model string, substituted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Open {
		return requested, false
	}

	if b.now().Sub(b.lastFailure) >= b.coolDown {
		b.transition(HalfOpen)
		return requested, false
	}

	for _, fb := range b.fallbacks {
		if fb != requested {
			return fb, true
		}
	}
	// No usable fallback; the requested model is tried anyway.
	return requested, false
}

// RecordSuccess notes a successful dispatch. Any success while not closed
// closes the breaker and resets the consecutive-failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != Closed {
		b.transition(Closed)
	}
	b.failures = 0
}

// RecordFailure notes a failed dispatch. Reaching the threshold opens the
// breaker; a failure while half-open reopens it without resetting the count.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case Closed:
		if b.failures >= b.threshold {
			b.transition(Open)
		}
	case HalfOpen:
		b.transition(Open)
	}
}

// State returns the current state, observing the half-open promotion of an
// open breaker whose cool-down has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == Open && b.now().Sub(b.lastFailure) >= b.coolDown {
		b.transition(HalfOpen)
	}
	return b.state
}

// transition must be called with the mutex held.
func (b *Breaker) transition(to State) {
	from := b.state
	b.state = to

	log.Warn().
		Str("from", from.String()).
		Str("to", to.String()).
		Int("failures", b.failures).
		Msg("breaker: state transition")
	if b.auditor != nil {
		b.auditor.RecordBreakerTransition(from.String(), to.String(), b.failures)
	}
}
