// Package breaker implements the failure-isolation state machine guarding upstream calls.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/quantpulse/streamcore/errs"
	"github.com/quantpulse/streamcore/internal/observability"
)

// State enumerates breaker positions.
type State int

const (
	// Closed admits every call and counts qualifying failures.
	Closed State = iota
	// Open rejects calls until the recovery timeout elapses.
	Open
	// HalfOpen admits exactly one trial call.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Classifier decides whether an error counts toward the failure threshold.
// Errors it rejects still propagate to the caller but leave the breaker untouched.
type Classifier func(error) bool

// Config parameterizes a breaker instance.
type Config struct {
	// Name labels the protected resource in logs and stats.
	Name string
	// FailureThreshold is the consecutive qualifying-failure count that opens the breaker.
	FailureThreshold int
	// RecoveryTimeout is how long the breaker stays open before permitting a trial call.
	RecoveryTimeout time.Duration
	// IsFailure classifies errors; nil counts every non-nil error.
	IsFailure Classifier
}

func (c Config) normalize() Config {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	if c.IsFailure == nil {
		c.IsFailure = func(err error) bool { return err != nil }
	}
	return c
}

// Snapshot is a point-in-time view of breaker state for diagnostics.
type Snapshot struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	FailureCount  int       `json:"failureCount"`
	LastFailureAt time.Time `json:"lastFailureAt"`
}

// Breaker is a circuit breaker with closed/open/half-open semantics. State
// transitions happen under a dedicated mutex so a slow trial call never blocks
// unrelated state reads beyond the transition check itself.
type Breaker struct {
	cfg Config

	mu            sync.Mutex
	state         State
	failureCount  int
	lastFailureAt time.Time
	trialInFlight bool
}

// New constructs a breaker in the closed state.
func New(cfg Config) *Breaker {
	b := new(Breaker)
	b.cfg = cfg.normalize()
	b.state = Closed
	return b
}

// Execute runs fn under the breaker's admission policy. While open and before
// the recovery timeout elapses it fails fast with a circuit_open error without
// invoking fn. The half-open trial admits a single in-flight call.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if fn == nil {
		return errs.New("breaker/"+b.cfg.Name, errs.CodeInvalid, errs.WithMessage("fn must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}

	trial, err := b.admit()
	if err != nil {
		return err
	}

	callErr := fn(ctx)
	b.settle(trial, callErr)
	return callErr
}

// State returns the current breaker state, applying the open→half-open
// transition when the recovery timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeRecoverLocked(time.Now())
	return b.state
}

// Snapshot reports breaker internals for the stats surface.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeRecoverLocked(time.Now())
	return Snapshot{
		Name:          b.cfg.Name,
		State:         b.state.String(),
		FailureCount:  b.failureCount,
		LastFailureAt: b.lastFailureAt,
	}
}

// admit decides whether a call may proceed and whether it is the half-open trial.
func (b *Breaker) admit() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.maybeRecoverLocked(now)

	switch b.state {
	case Closed:
		return false, nil
	case HalfOpen:
		if b.trialInFlight {
			return false, errs.New("breaker/"+b.cfg.Name, errs.CodeCircuitOpen,
				errs.WithMessage("trial call already in flight"))
		}
		b.trialInFlight = true
		return true, nil
	default:
		return false, errs.New("breaker/"+b.cfg.Name, errs.CodeCircuitOpen,
			errs.WithMessage("circuit open"))
	}
}

// settle records the call outcome and performs the resulting transition.
func (b *Breaker) settle(trial bool, callErr error) {
	counted := callErr != nil && b.cfg.IsFailure(callErr)

	b.mu.Lock()
	defer b.mu.Unlock()

	if trial {
		b.trialInFlight = false
		if counted {
			b.state = Open
			b.lastFailureAt = time.Now()
			observability.Log().Info("breaker reopened after failed trial",
				observability.Field{Key: "breaker", Value: b.cfg.Name})
			return
		}
		if callErr == nil {
			b.state = Closed
			b.failureCount = 0
			observability.Log().Info("breaker closed after successful trial",
				observability.Field{Key: "breaker", Value: b.cfg.Name})
		}
		return
	}

	if b.state != Closed {
		return
	}
	if callErr == nil {
		b.failureCount = 0
		return
	}
	if !counted {
		return
	}
	b.failureCount++
	b.lastFailureAt = time.Now()
	if b.failureCount >= b.cfg.FailureThreshold {
		b.state = Open
		observability.Log().Error("breaker opened",
			observability.Field{Key: "breaker", Value: b.cfg.Name},
			observability.Field{Key: "failures", Value: b.failureCount})
	}
}

func (b *Breaker) maybeRecoverLocked(now time.Time) {
	if b.state == Open && now.Sub(b.lastFailureAt) >= b.cfg.RecoveryTimeout {
		b.state = HalfOpen
		b.trialInFlight = false
	}
}
