// Package ratelimit provides the token-bucket admission primitive used by the fetch layer.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/quantpulse/streamcore/errs"
)

// maxWait bounds a single WaitAcquire sleep so cancellation stays responsive.
const maxWait = time.Second

// Config sizes a limiter.
type Config struct {
	// Capacity is the maximum token burst.
	Capacity int `yaml:"capacity"`
	// RefillPerSec is the steady-state token refill rate.
	RefillPerSec float64 `yaml:"refillPerSec"`
	// WindowLimit caps total admissions inside Window regardless of burst tokens.
	// Zero disables the window check.
	WindowLimit int `yaml:"windowLimit"`
	// Window is the sliding-window span for WindowLimit.
	Window time.Duration `yaml:"window"`
}

func (c Config) normalize() Config {
	if c.Capacity <= 0 {
		c.Capacity = 1
	}
	if c.RefillPerSec <= 0 {
		c.RefillPerSec = 1
	}
	if c.WindowLimit > 0 && c.Window <= 0 {
		c.Window = time.Second
	}
	return c
}

// Stats is a point-in-time view of limiter saturation.
type Stats struct {
	Capacity        int     `json:"capacity"`
	TokensAvailable float64 `json:"tokensAvailable"`
	WindowLimit     int     `json:"windowLimit"`
	WindowCount     int     `json:"windowCount"`
}

// Limiter combines a token bucket with a sliding-window request ceiling.
// Admission requires both checks to pass.
type Limiter struct {
	cfg    Config
	bucket *rate.Limiter

	mu     sync.Mutex
	recent []time.Time
}

// New constructs a limiter from the provided configuration.
func New(cfg Config) *Limiter {
	cfg = cfg.normalize()
	l := new(Limiter)
	l.cfg = cfg
	l.bucket = rate.NewLimiter(rate.Limit(cfg.RefillPerSec), cfg.Capacity)
	return l
}

// Acquire attempts to withdraw n tokens without blocking. It returns true only
// when both the bucket and the sliding window admit the request; a denied
// request leaves all state untouched.
func (l *Limiter) Acquire(n int) bool {
	if n <= 0 {
		return true
	}
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(now)
	if l.cfg.WindowLimit > 0 && len(l.recent)+n > l.cfg.WindowLimit {
		return false
	}
	if !l.bucket.AllowN(now, n) {
		return false
	}
	if l.cfg.WindowLimit > 0 {
		for i := 0; i < n; i++ {
			l.recent = append(l.recent, now)
		}
	}
	return true
}

// WaitAcquire suspends the caller until Acquire(n) succeeds or ctx is done.
// Sleeps are computed from the token deficit and capped so shutdown signals
// are observed promptly.
func (l *Limiter) WaitAcquire(ctx context.Context, n int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if n <= 0 {
		return nil
	}
	if n > l.cfg.Capacity {
		return errs.New("ratelimit", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("requested %d tokens exceeds capacity %d", n, l.cfg.Capacity)))
	}

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		if l.Acquire(n) {
			return nil
		}
		wait := l.nextWait(n)
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait acquire: %w", ctx.Err())
		case <-timer.C:
		}
	}
}

// nextWait estimates the minimal sleep before n tokens could be admitted.
func (l *Limiter) nextWait(n int) time.Duration {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	wait := time.Duration(0)
	if deficit := float64(n) - l.bucket.TokensAt(now); deficit > 0 {
		wait = time.Duration(deficit / l.cfg.RefillPerSec * float64(time.Second))
	}
	l.pruneLocked(now)
	if l.cfg.WindowLimit > 0 && len(l.recent)+n > l.cfg.WindowLimit && len(l.recent) > 0 {
		windowWait := l.recent[0].Add(l.cfg.Window).Sub(now)
		if windowWait > wait {
			wait = windowWait
		}
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	if wait > maxWait {
		wait = maxWait
	}
	return wait
}

// Stats reports current limiter saturation for diagnostics.
func (l *Limiter) Stats() Stats {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.pruneLocked(now)
	return Stats{
		Capacity:        l.cfg.Capacity,
		TokensAvailable: l.bucket.TokensAt(now),
		WindowLimit:     l.cfg.WindowLimit,
		WindowCount:     len(l.recent),
	}
}

// pruneLocked evicts window entries older than the configured span.
func (l *Limiter) pruneLocked(now time.Time) {
	if l.cfg.WindowLimit <= 0 || len(l.recent) == 0 {
		return
	}
	cutoff := now.Add(-l.cfg.Window)
	idx := 0
	for idx < len(l.recent) && !l.recent[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		l.recent = append(l.recent[:0], l.recent[idx:]...)
	}
}
