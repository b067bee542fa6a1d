package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type BreakerConfig struct {
	Threshold int           // consecutive failures before opening
	Timeout   time.Duration // how long the circuit stays open before a trial call
}

// Snapshot is a read-only view of a breaker for status reporting.
type Snapshot struct {
	Name        string     `json:"name"`
	State       string     `json:"state"`
	Failures    int        `json:"failures"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
	OpenedAt    *time.Time `json:"opened_at,omitempty"`
}

// CircuitBreaker isolates one named operation. State is process-local.
type CircuitBreaker struct {
	name      string
	threshold int
	timeout   time.Duration
	now       func() time.Time
	log       *zerolog.Logger
	onChange  func(name string, s State)

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	openedAt    time.Time
	trialActive bool
}

func NewCircuitBreaker(name string, cfg BreakerConfig, logger *zerolog.Logger) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("breaker", name).Logger()
	return &CircuitBreaker{
		name:      name,
		threshold: cfg.Threshold,
		timeout:   cfg.Timeout,
		now:       time.Now,
		log:       &l,
	}
}

// WithClock replaces the time source; tests use it to skip the open window.
func (c *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	c.now = now
	return c
}

// OnStateChange registers a hook fired after each state change.
func (c *CircuitBreaker) OnStateChange(fn func(name string, s State)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

func (c *CircuitBreaker) Name() string { return c.name }

// Execute runs op unless the circuit is open. While half-open only one trial
// call is let through; concurrent callers are rejected.
func (c *CircuitBreaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := c.before(); err != nil {
		return err
	}
	err := op(ctx)
	c.after(err)
	return err
}

func (c *CircuitBreaker) before() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateOpen && c.now().Sub(c.openedAt) >= c.timeout {
		c.setState(StateHalfOpen)
	}
	switch c.state {
	case StateOpen:
		return &CircuitOpenError{Name: c.name}
	case StateHalfOpen:
		if c.trialActive {
			return &CircuitOpenError{Name: c.name}
		}
		c.trialActive = true
	}
	return nil
}

func (c *CircuitBreaker) after(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wasTrial := c.state == StateHalfOpen
	c.trialActive = false

	if err == nil {
		c.failures = 0
		if c.state != StateClosed {
			c.setState(StateClosed)
		}
		return
	}
	if !countsAsFailure(err) {
		return
	}

	c.failures++
	c.lastFailure = c.now()
	if wasTrial || c.failures >= c.threshold {
		c.openedAt = c.lastFailure
		if c.state != StateOpen {
			c.setState(StateOpen)
		}
	}
}

// setState must be called with mu held.
func (c *CircuitBreaker) setState(s State) {
	prev := c.state
	c.state = s
	c.log.Warn().Str("from", prev.String()).Str("to", s.String()).Int("failures", c.failures).Msg("circuit state change")
	if c.onChange != nil {
		c.onChange(c.name, s)
	}
}

// A caller-side cancellation or a request the provider rejected as invalid says
// nothing about provider health.
func countsAsFailure(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return Classify(err) == Retryable
}

// State returns the current state, moving open to half-open once the timeout elapsed.
func (c *CircuitBreaker) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateOpen && c.now().Sub(c.openedAt) >= c.timeout {
		c.setState(StateHalfOpen)
	}
	return c.state
}

// Reset closes the circuit and clears the failure count.
func (c *CircuitBreaker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures = 0
	c.trialActive = false
	if c.state != StateClosed {
		c.setState(StateClosed)
	}
}

func (c *CircuitBreaker) Snapshot() Snapshot {
	st := c.State()
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{Name: c.name, State: st.String(), Failures: c.failures}
	if !c.lastFailure.IsZero() {
		lf := c.lastFailure
		s.LastFailure = &lf
	}
	if st != StateClosed && !c.openedAt.IsZero() {
		oa := c.openedAt
		s.OpenedAt = &oa
	}
	return s
}
