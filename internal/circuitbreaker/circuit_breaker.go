// Package circuitbreaker stops callers from hammering a dependency that is
// already failing.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

var ErrOpen = errors.New("circuit breaker is open")

type Config struct {
	Name string
	// MaxFailures consecutive failures open the breaker.
	MaxFailures int
	// OpenTimeout is how long the breaker rejects calls before probing.
	OpenTimeout time.Duration
	// HalfOpenRequests is the number of probes let through while half-open.
	HalfOpenRequests int
	// IsFailure decides which errors count against the dependency. By
	// default every error except a cancelled caller context does.
	IsFailure     func(err error) bool
	OnStateChange func(name string, from, to State)
}

// Counts is a snapshot of a breaker.
type Counts struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalRequests       int64     `json:"total_requests"`
	TotalFailures       int64     `json:"total_failures"`
	TotalSuccesses      int64     `json:"total_successes"`
	TotalRejected       int64     `json:"total_rejected"`
	StateChanges        int64     `json:"state_changes"`
	LastFailure         time.Time `json:"last_failure,omitempty"`
	LastStateChange     time.Time `json:"last_state_change,omitempty"`
}

type CircuitBreaker struct {
	cfg    Config
	now    func() time.Time
	logger *logrus.Logger

	mu       sync.Mutex
	state    State
	probes   int
	counts   Counts
	openedAt time.Time
}

func defaultIsFailure(err error) bool {
	return !errors.Is(err, context.Canceled)
}

func New(cfg Config, logger *logrus.Logger) *CircuitBreaker {
	if cfg.Name == "" {
		cfg.Name = "unnamed"
	}
	if cfg.MaxFailures <= 0 {
		logger.WithFields(logrus.Fields{
			"circuit_breaker": cfg.Name,
			"invalid_value":   cfg.MaxFailures,
		}).Warn("Invalid MaxFailures value, using default")
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests <= 0 {
		cfg.HalfOpenRequests = 1
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = defaultIsFailure
	}

	return &CircuitBreaker{
		cfg:    cfg,
		now:    time.Now,
		logger: logger,
		counts: Counts{Name: cfg.Name},
	}
}

// Execute runs fn unless the breaker is open. fn receives ctx unchanged; a
// call whose ctx is already done is not attempted.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.before(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.after(err)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen {
		if cb.now().Sub(cb.openedAt) < cb.cfg.OpenTimeout {
			cb.counts.TotalRejected++
			return fmt.Errorf("%s: %w", cb.cfg.Name, ErrOpen)
		}
		cb.setState(StateHalfOpen)
	}
	if cb.state == StateHalfOpen {
		if cb.probes >= cb.cfg.HalfOpenRequests {
			cb.counts.TotalRejected++
			return fmt.Errorf("%s: %w", cb.cfg.Name, ErrOpen)
		}
		cb.probes++
	}
	cb.counts.TotalRequests++
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && cb.cfg.IsFailure(err) {
		cb.counts.TotalFailures++
		cb.counts.ConsecutiveFailures++
		cb.counts.LastFailure = cb.now()
		if cb.state == StateHalfOpen || cb.counts.ConsecutiveFailures >= cb.cfg.MaxFailures {
			cb.setState(StateOpen)
		}
		return
	}

	cb.counts.TotalSuccesses++
	cb.counts.ConsecutiveFailures = 0
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
	}
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.probes = 0
	cb.counts.StateChanges++
	cb.counts.LastStateChange = cb.now()
	if to == StateOpen {
		cb.openedAt = cb.now()
	}

	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.cfg.Name,
		"from_state":      from.String(),
		"to_state":        to.String(),
	}).Info("Circuit breaker state changed")

	if cb.cfg.OnStateChange != nil {
		go cb.notify(from, to)
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	defer func() {
		if r := recover(); r != nil {
			cb.logger.WithFields(logrus.Fields{
				"circuit_breaker": cb.cfg.Name,
				"panic":           r,
			}).Error("Circuit breaker state change callback panicked")
		}
	}()
	cb.cfg.OnStateChange(cb.cfg.Name, from, to)
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	c := cb.counts
	c.State = cb.state.String()
	return c
}

func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(StateClosed)
	cb.counts.ConsecutiveFailures = 0
}

func (cb *CircuitBreaker) String() string {
	c := cb.Counts()
	return fmt.Sprintf("CircuitBreaker(name=%s, state=%s, failures=%d/%d)",
		c.Name, c.State, c.ConsecutiveFailures, cb.cfg.MaxFailures)
}
