// Package fetch performs outbound calls under rate limiting, circuit breaking,
// bounded concurrency, and retry with backoff.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"

	"github.com/quantpulse/streamcore/errs"
	"github.com/quantpulse/streamcore/internal/breaker"
	"github.com/quantpulse/streamcore/internal/observability"
	"github.com/quantpulse/streamcore/internal/ratelimit"
)

const (
	defaultMaxConcurrent  = 8
	defaultRetries        = 3
	defaultAttemptTimeout = 10 * time.Second
	defaultBackoffInitial = 250 * time.Millisecond
	defaultBackoffMax     = 5 * time.Second
	maxErrorBodyBytes     = 4 << 10
	maxResponseBodyBytes  = 8 << 20
)

// Target describes a single outbound request.
type Target struct {
	URL     string
	Method  string
	Headers map[string]string
	Body    []byte
	// Endpoint scopes the per-endpoint limiter and breaker; defaults to the URL host.
	Endpoint string
}

func (t Target) scope() string {
	if s := strings.TrimSpace(t.Endpoint); s != "" {
		return s
	}
	parsed, err := url.Parse(t.URL)
	if err != nil || parsed.Host == "" {
		return t.URL
	}
	return parsed.Host
}

// Response carries the outcome of a successful fetch.
type Response struct {
	StatusCode int
	Body       []byte
	Attempts   int
}

// Result pairs a batch input with its response or error. Every batch input
// produces exactly one result.
type Result struct {
	Target   Target
	Response *Response
	Err      error
}

// Config parameterizes an executor.
type Config struct {
	// MaxConcurrent bounds in-flight requests across all callers.
	MaxConcurrent int `yaml:"maxConcurrent"`
	// Retries is the number of additional attempts after the first failure.
	Retries int `yaml:"retries"`
	// AttemptTimeout bounds each individual attempt, separate from the retry budget.
	AttemptTimeout time.Duration `yaml:"attemptTimeout"`
	// BackoffInitial seeds the exponential backoff between attempts.
	BackoffInitial time.Duration `yaml:"backoffInitial"`
	// BackoffMax caps the backoff interval.
	BackoffMax time.Duration `yaml:"backoffMax"`
	// Global is the process-wide admission limiter.
	Global ratelimit.Config `yaml:"global"`
	// PerEndpoint sizes the limiter created lazily for each endpoint scope.
	PerEndpoint ratelimit.Config `yaml:"perEndpoint"`
	// BreakerThreshold is the consecutive-failure count opening an endpoint breaker.
	BreakerThreshold int `yaml:"breakerThreshold"`
	// BreakerRecovery is the open-state cooldown before a trial call.
	BreakerRecovery time.Duration `yaml:"breakerRecovery"`
}

func (c Config) normalize() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = defaultMaxConcurrent
	}
	if c.Retries < 0 {
		c.Retries = defaultRetries
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = defaultAttemptTimeout
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = defaultBackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	return c
}

// Executor runs outbound requests. The embedded http.Client reuses
// connections across attempts and targets.
type Executor struct {
	cfg    Config
	client *http.Client
	global *ratelimit.Limiter
	sem    chan struct{}

	mu       sync.Mutex
	scoped   map[string]*ratelimit.Limiter
	breakers map[string]*breaker.Breaker
}

// NewExecutor constructs an executor. A nil client uses a default with the
// attempt timeout applied per request context, not on the client itself.
func NewExecutor(cfg Config, client *http.Client) *Executor {
	cfg = cfg.normalize()
	if client == nil {
		client = &http.Client{}
	}
	e := new(Executor)
	e.cfg = cfg
	e.client = client
	e.global = ratelimit.New(cfg.Global)
	e.sem = make(chan struct{}, cfg.MaxConcurrent)
	e.scoped = make(map[string]*ratelimit.Limiter)
	e.breakers = make(map[string]*breaker.Breaker)
	return e
}

// FetchOne performs one logical fetch: global and endpoint admission, breaker
// protection, per-attempt timeout, and retry with jittered exponential backoff
// on transient failures. Rate-limit and circuit-open conditions surface to the
// caller unretried so upstream logic can degrade deliberately.
func (e *Executor) FetchOne(ctx context.Context, target Target) (*Response, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(target.URL) == "" {
		return nil, errs.New("fetch", errs.CodeInvalid, errs.WithMessage("target url required"))
	}

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch admission: %w", ctx.Err())
	}
	defer func() { <-e.sem }()

	scope := target.scope()
	if err := e.global.WaitAcquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("global limiter: %w", err)
	}
	if err := e.limiterFor(scope).WaitAcquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("endpoint limiter %s: %w", scope, err)
	}

	brk := e.breakerFor(scope)
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.BackoffInitial
	policy.MaxInterval = e.cfg.BackoffMax

	var resp *Response
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= e.cfg.Retries; attempt++ {
		attempts++
		execErr := brk.Execute(ctx, func(callCtx context.Context) error {
			r, err := e.attempt(callCtx, target)
			if err != nil {
				return err
			}
			resp = r
			return nil
		})
		if execErr == nil {
			resp.Attempts = attempts
			return resp, nil
		}
		if errs.CodeOf(execErr) == errs.CodeCircuitOpen {
			return nil, execErr
		}
		lastErr = execErr
		if !errs.IsTransient(execErr) {
			return nil, execErr
		}
		if attempt == e.cfg.Retries {
			break
		}

		sleep := policy.NextBackOff()
		if sleep == backoff.Stop {
			sleep = e.cfg.BackoffMax
		}
		observability.Log().Debug("fetch retrying",
			observability.Field{Key: "endpoint", Value: scope},
			observability.Field{Key: "attempt", Value: attempts},
			observability.Field{Key: "backoff", Value: sleep.String()})
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("fetch backoff: %w", ctx.Err())
		case <-time.After(sleep):
		}
	}

	return nil, errs.New("fetch", errs.CodeMaxRetries,
		errs.WithMessage("retry budget exhausted for "+scope),
		errs.WithAttempts(attempts),
		errs.WithCause(lastErr))
}

// FetchJSON fetches the target and decodes the response body into out.
func (e *Executor) FetchJSON(ctx context.Context, target Target, out any) (int, error) {
	resp, err := e.FetchOne(ctx, target)
	if err != nil {
		return 0, err
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// attempt performs a single HTTP round trip bounded by the attempt timeout.
func (e *Executor) attempt(ctx context.Context, target Target) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
	defer cancel()

	method := target.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(target.Body) > 0 {
		body = bytes.NewReader(target.Body)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, target.URL, body)
	if err != nil {
		return nil, errs.New("fetch", errs.CodeInvalid, errs.WithMessage("create request"), errs.WithCause(err))
	}
	for key, value := range target.Headers {
		req.Header.Set(key, value)
	}

	httpResp, err := e.client.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		payload, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBodyBytes))
		if err != nil {
			return nil, errs.New("fetch", errs.CodeNetwork, errs.WithMessage("read body"), errs.WithCause(err))
		}
		return &Response{StatusCode: httpResp.StatusCode, Body: payload, Attempts: 0}, nil
	}

	snippet, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBodyBytes))
	message := strings.TrimSpace(string(snippet))
	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return nil, errs.New("fetch", errs.CodeRateLimited, errs.WithHTTP(httpResp.StatusCode), errs.WithMessage(message))
	case httpResp.StatusCode >= 500:
		return nil, errs.New("fetch", errs.CodeUpstream, errs.WithHTTP(httpResp.StatusCode), errs.WithMessage(message))
	default:
		return nil, errs.New("fetch", errs.CodeInvalid, errs.WithHTTP(httpResp.StatusCode), errs.WithMessage(message))
	}
}

func classifyTransportError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return errs.New("fetch", errs.CodeTimeout, errs.WithMessage("attempt deadline exceeded"), errs.WithCause(err))
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("fetch attempt: %w", err)
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return errs.New("fetch", errs.CodeTimeout, errs.WithMessage("network timeout"), errs.WithCause(err))
		}
		return errs.New("fetch", errs.CodeNetwork, errs.WithMessage("transport failure"), errs.WithCause(err))
	}
}

func (e *Executor) limiterFor(scope string) *ratelimit.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	limiter, ok := e.scoped[scope]
	if !ok {
		limiter = ratelimit.New(e.cfg.PerEndpoint)
		e.scoped[scope] = limiter
	}
	return limiter
}

func (e *Executor) breakerFor(scope string) *breaker.Breaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	brk, ok := e.breakers[scope]
	if !ok {
		brk = breaker.New(breaker.Config{
			Name:             scope,
			FailureThreshold: e.cfg.BreakerThreshold,
			RecoveryTimeout:  e.cfg.BreakerRecovery,
			IsFailure:        errs.IsTransient,
		})
		e.breakers[scope] = brk
	}
	return brk
}

// Stats reports limiter saturation and breaker states for the stats surface.
type Stats struct {
	Global   ratelimit.Stats            `json:"global"`
	Scoped   map[string]ratelimit.Stats `json:"scoped"`
	Breakers []breaker.Snapshot         `json:"breakers"`
}

// Stats returns a point-in-time view of executor saturation.
func (e *Executor) Stats() Stats {
	stats := Stats{Global: e.global.Stats(), Scoped: make(map[string]ratelimit.Stats), Breakers: nil}

	e.mu.Lock()
	defer e.mu.Unlock()
	for scope, limiter := range e.scoped {
		stats.Scoped[scope] = limiter.Stats()
	}
	for _, brk := range e.breakers {
		stats.Breakers = append(stats.Breakers, brk.Snapshot())
	}
	return stats
}
