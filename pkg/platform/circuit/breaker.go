// Package circuit guards calls to an optional dependency. After enough
// consecutive failures the breaker opens and callers skip the dependency
// until a cooldown passes, then a single probe decides whether it closes.
package circuit

import (
	"time"

	"github.com/sony/gobreaker"
)

// State is the breaker position.
type State string

const (
	Closed  State = "closed"
	Open    State = "open"
	Probing State = "probing"
)

func stateOf(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return Open
	case gobreaker.StateHalfOpen:
		return Probing
	default:
		return Closed
	}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

type settings struct {
	threshold uint32
	cooldown  time.Duration
	onChange  func(name string, from, to State)
}

// Option configures a Breaker.
type Option func(*settings)

// WithFailureThreshold sets how many consecutive failures open the breaker. Default 5.
func WithFailureThreshold(n int) Option {
	return func(s *settings) {
		if n > 0 {
			s.threshold = uint32(n)
		}
	}
}

// WithCooldown sets how long the breaker stays open before probing. Default 10s.
func WithCooldown(d time.Duration) Option {
	return func(s *settings) {
		if d > 0 {
			s.cooldown = d
		}
	}
}

// WithStateChange registers a callback for transitions. It runs while the
// breaker is locked and must not call back into it.
func WithStateChange(fn func(name string, from, to State)) Option {
	return func(s *settings) {
		s.onChange = fn
	}
}

// New creates a closed breaker.
func New(name string, opts ...Option) *Breaker {
	s := settings{threshold: 5, cooldown: 10 * time.Second}
	for _, opt := range opts {
		opt(&s)
	}
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     s.cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.threshold
		},
	}
	if s.onChange != nil {
		st.OnStateChange = func(name string, from, to gobreaker.State) {
			s.onChange(name, stateOf(from), stateOf(to))
		}
	}
	return &Breaker{cb: gobreaker.NewTwoStepCircuitBreaker(st)}
}

func (b *Breaker) Name() string { return b.cb.Name() }

func (b *Breaker) State() State { return stateOf(b.cb.State()) }

// Allow reports whether the caller may use the dependency. When it may, done
// must be called exactly once with the outcome. Once the cooldown has passed
// a single caller is let through until it reports back.
func (b *Breaker) Allow() (done func(ok bool), allowed bool) {
	done, err := b.cb.Allow()
	if err != nil {
		return nil, false
	}
	return done, true
}
