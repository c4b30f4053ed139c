// Package circuitbreaker stops calling a dependency that keeps failing. The
// SMTP relay transport wraps every connection attempt in a breaker so that
// a dead relay turns deliveries into quick temporary failures.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/migadu/sievevm/logger"
	"github.com/migadu/sievevm/pkg/metrics"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	}
	return "unknown"
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests in half-open state")
)

// Settings configure a breaker. Zero values get defaults: one probe while
// half-open, a 60 second open period, tripping after more than five
// consecutive failures, and success meaning a nil error.
type Settings struct {
	Name        string
	MaxRequests uint32        // probes allowed while half-open
	Interval    time.Duration // closed-state window after which counts reset; 0 never resets
	Timeout     time.Duration // how long the breaker stays open

	ReadyToTrip   func(counts Counts) bool
	OnStateChange func(name string, from, to State)
	IsSuccessful  func(err error) bool
}

// Counts are the request outcomes of the current window.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) record(success bool) {
	if success {
		c.TotalSuccesses++
		c.ConsecutiveSuccesses++
		c.ConsecutiveFailures = 0
		return
	}
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

type CircuitBreaker struct {
	st  Settings
	now func() time.Time

	mu     sync.Mutex
	state  State
	window uint64 // bumped on every state change and count reset
	counts Counts
	expiry time.Time
}

func NewCircuitBreaker(st Settings) *CircuitBreaker {
	if st.Name == "" {
		st.Name = "circuit_breaker"
	}
	if st.MaxRequests == 0 {
		st.MaxRequests = 1
	}
	if st.Interval < 0 {
		st.Interval = 0
	}
	if st.Timeout <= 0 {
		st.Timeout = 60 * time.Second
	}
	if st.ReadyToTrip == nil {
		st.ReadyToTrip = func(c Counts) bool { return c.ConsecutiveFailures > 5 }
	}
	if st.IsSuccessful == nil {
		st.IsSuccessful = func(err error) bool { return err == nil }
	}
	cb := &CircuitBreaker{st: st, now: time.Now}
	cb.reset(cb.now())
	return cb
}

func (cb *CircuitBreaker) Name() string {
	return cb.st.Name
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	state, _ := cb.current(cb.now())
	return state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.counts
}

// Do runs fn unless the breaker is open or its half-open probes are used
// up. A context that is already done fails without counting against the
// dependency. A panic in fn counts as a failure and is re-raised.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	window, err := cb.admit()
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			cb.done(window, false)
			panic(p)
		}
	}()
	err = fn(ctx)
	cb.done(window, cb.st.IsSuccessful(err))
	return err
}

func (cb *CircuitBreaker) admit() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state, window := cb.current(cb.now())
	switch {
	case state == StateOpen:
		return window, ErrCircuitBreakerOpen
	case state == StateHalfOpen && cb.counts.Requests >= cb.st.MaxRequests:
		return window, ErrTooManyRequests
	}
	cb.counts.Requests++
	return window, nil
}

func (cb *CircuitBreaker) done(window uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.now()
	state, current := cb.current(now)
	// The outcome belongs to a window that has already been closed.
	if current != window {
		return
	}
	cb.counts.record(success)
	switch {
	case success && state == StateHalfOpen:
		cb.transition(StateClosed, now)
	case !success && (state == StateHalfOpen || cb.st.ReadyToTrip(cb.counts)):
		cb.transition(StateOpen, now)
	}
}

// current advances time-driven transitions and returns the state and
// window in effect at now.
func (cb *CircuitBreaker) current(now time.Time) (State, uint64) {
	switch cb.state {
	case StateClosed:
		if !cb.expiry.IsZero() && now.After(cb.expiry) {
			cb.reset(now)
		}
	case StateOpen:
		if now.After(cb.expiry) {
			cb.transition(StateHalfOpen, now)
		}
	}
	return cb.state, cb.window
}

func (cb *CircuitBreaker) transition(to State, now time.Time) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.reset(now)
	if cb.st.OnStateChange != nil {
		cb.st.OnStateChange(cb.st.Name, from, to)
	}
}

func (cb *CircuitBreaker) reset(now time.Time) {
	cb.window++
	cb.counts = Counts{}
	cb.expiry = time.Time{}
	switch cb.state {
	case StateClosed:
		if cb.st.Interval > 0 {
			cb.expiry = now.Add(cb.st.Interval)
		}
	case StateOpen:
		cb.expiry = now.Add(cb.st.Timeout)
	}
}

// DefaultSettings trips after five consecutive failures and probes again
// after 30 seconds. State changes are logged and exported as the
// sievevm_circuit_breaker_state gauge.
func DefaultSettings(name string) Settings {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to State) {
			logger.Warn("Circuit breaker changed state", "name", name, "from", from.String(), "to", to.String())
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	}
}
