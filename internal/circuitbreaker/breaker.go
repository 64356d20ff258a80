// Package circuitbreaker guards calls to external collaborators (CRM,
// payment providers, Slack) so a dead upstream sheds load fast instead of
// tying up workers in timeouts.
package circuitbreaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State of a breaker.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // upstream considered down, calls rejected
	StateHalfOpen              // probing whether the upstream recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned while the breaker rejects calls outright.
	ErrOpen = errors.New("circuitbreaker: open")
	// ErrProbeLimit is returned in half-open state once the probe budget
	// for this generation is spent.
	ErrProbeLimit = errors.New("circuitbreaker: probe limit reached")
)

// Counts tracks request outcomes within the current generation.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c Counts) failureRatio() float64 {
	if c.Requests == 0 {
		return 0
	}
	return float64(c.TotalFailures) / float64(c.Requests)
}

func (c *Counts) clear() { *c = Counts{} }

func (c *Counts) success() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) failure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

// Settings tune one breaker. Zero values take the defaults noted.
type Settings struct {
	Name string

	// MaxProbes bounds requests allowed through in half-open state.
	// Default 3.
	MaxProbes uint32

	// Interval is how often closed-state counts reset, so old failures
	// age out. Default 60s.
	Interval time.Duration

	// OpenFor is how long the breaker stays open before probing.
	// Default 30s.
	OpenFor time.Duration

	// TripAfter decides when closed flips to open. Default: at least 5
	// requests with a failure ratio above 50%.
	TripAfter func(Counts) bool

	// OnStateChange observes transitions, e.g. to audit them.
	OnStateChange func(name string, from, to State)

	Logger *slog.Logger
}

func (s Settings) withDefaults() Settings {
	if s.MaxProbes == 0 {
		s.MaxProbes = 3
	}
	if s.Interval <= 0 {
		s.Interval = 60 * time.Second
	}
	if s.OpenFor <= 0 {
		s.OpenFor = 30 * time.Second
	}
	if s.TripAfter == nil {
		s.TripAfter = func(c Counts) bool {
			return c.Requests >= 5 && c.failureRatio() > 0.5
		}
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	return s
}

// Breaker is a three-state circuit breaker. Generations make results from
// before a state flip harmless: a slow call that finishes after the
// breaker already tripped cannot corrupt the new generation's counts.
type Breaker struct {
	settings Settings

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
}

func New(settings Settings) *Breaker {
	return &Breaker{settings: settings.withDefaults(), state: StateClosed}
}

func (b *Breaker) Name() string { return b.settings.Name }

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, _ := b.currentState(time.Now())
	return state
}

func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Do runs fn if the breaker admits the call. fn's error (or panic) counts
// as a failure; ctx errors count too, since a timeout is exactly the
// signal the breaker exists to react to.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	generation, err := b.before()
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			b.after(generation, false)
			panic(r)
		}
	}()

	err = fn(ctx)
	b.after(generation, err == nil)
	return err
}

// Allow reports whether a call would be admitted right now, without
// consuming a probe. Used by read-only pre-checks.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, _ := b.currentState(time.Now())
	switch {
	case state == StateOpen:
		return ErrOpen
	case state == StateHalfOpen && b.counts.Requests >= b.settings.MaxProbes:
		return ErrProbeLimit
	}
	return nil
}

func (b *Breaker) before() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, generation := b.currentState(now)

	if state == StateOpen {
		return generation, ErrOpen
	}
	if state == StateHalfOpen && b.counts.Requests >= b.settings.MaxProbes {
		return generation, ErrProbeLimit
	}
	b.counts.Requests++
	return generation, nil
}

func (b *Breaker) after(generation uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state, current := b.currentState(now)
	if generation != current {
		return // result from a previous generation
	}

	if success {
		b.onSuccess(state, now)
	} else {
		b.onFailure(state, now)
	}
}

func (b *Breaker) onSuccess(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.success()
	case StateHalfOpen:
		b.counts.success()
		if b.counts.ConsecutiveSuccesses >= b.settings.MaxProbes {
			b.setState(StateClosed, now)
		}
	}
}

func (b *Breaker) onFailure(state State, now time.Time) {
	switch state {
	case StateClosed:
		b.counts.failure()
		if b.settings.TripAfter(b.counts) {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && b.expiry.Before(now) {
			b.newGeneration(now)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state, b.generation
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.newGeneration(now)

	b.settings.Logger.Warn("circuit breaker state change",
		"breaker", b.settings.Name, "from", prev.String(), "to", state.String())
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.settings.Name, prev, state)
	}
}

func (b *Breaker) newGeneration(now time.Time) {
	b.generation++
	b.counts.clear()

	switch b.state {
	case StateClosed:
		if b.settings.Interval > 0 {
			b.expiry = now.Add(b.settings.Interval)
		} else {
			b.expiry = time.Time{}
		}
	case StateOpen:
		b.expiry = now.Add(b.settings.OpenFor)
	default:
		b.expiry = time.Time{}
	}
}
