// Package supervisor owns the lifecycle of named background workers.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quantpulse/streamcore/errs"
	"github.com/quantpulse/streamcore/internal/observability"
)

// TaskFunc is the body of a managed worker. It must observe ctx cancellation
// within a bounded poll interval and may report liveness via handle.Heartbeat.
type TaskFunc func(ctx context.Context, handle *Handle) error

// CleanupFunc releases resources owned by a worker. The supervisor guarantees
// it runs exactly once on every exit path: clean return, stop timeout, or panic.
type CleanupFunc func()

// Config tunes the supervisor's monitor loop.
type Config struct {
	// MonitorInterval is how often exited tasks are reaped and heartbeats checked.
	MonitorInterval time.Duration `yaml:"monitorInterval"`
	// StaleAfter is the heartbeat age past which a worker is reported stuck.
	StaleAfter time.Duration `yaml:"staleAfter"`
	// DefaultStopTimeout bounds the wait when replacing a duplicate-named task.
	DefaultStopTimeout time.Duration `yaml:"defaultStopTimeout"`
}

func (c Config) normalize() Config {
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 2 * time.Minute
	}
	if c.DefaultStopTimeout <= 0 {
		c.DefaultStopTimeout = 5 * time.Second
	}
	return c
}

// Handle references a spawned worker.
type Handle struct {
	name      string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	lastBeat  atomic.Int64

	cleanupOnce sync.Once
	cleanup     CleanupFunc
}

// Name returns the worker's registered name.
func (h *Handle) Name() string { return h.name }

// Heartbeat records worker liveness for the staleness monitor.
func (h *Handle) Heartbeat() {
	h.lastBeat.Store(time.Now().UnixNano())
}

// Done is closed when the worker goroutine has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

func (h *Handle) runCleanup() {
	h.cleanupOnce.Do(func() {
		if h.cleanup != nil {
			h.cleanup()
		}
	})
}

func (h *Handle) lastHeartbeat() time.Time {
	nanos := h.lastBeat.Load()
	if nanos == 0 {
		return h.startedAt
	}
	return time.Unix(0, nanos)
}

// TaskInfo describes a registered task for diagnostics.
type TaskInfo struct {
	Name          string    `json:"name"`
	StartedAt     time.Time `json:"startedAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// Supervisor tracks named background workers and guarantees cleanup on stop.
type Supervisor struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	tasks map[string]*Handle

	shutdownOnce sync.Once
	monitorDone  chan struct{}
}

// New constructs a supervisor and starts its monitor loop.
func New(cfg Config) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	s := new(Supervisor)
	s.cfg = cfg.normalize()
	s.ctx = ctx
	s.cancel = cancel
	s.tasks = make(map[string]*Handle)
	s.monitorDone = make(chan struct{})
	go s.monitor()
	return s
}

// Spawn starts fn as a managed worker under the given name. At most one live
// task exists per name; a duplicate spawn stops the predecessor first.
func (s *Supervisor) Spawn(name string, fn TaskFunc, cleanup CleanupFunc) (*Handle, error) {
	if name == "" {
		return nil, errs.New("supervisor", errs.CodeInvalid, errs.WithMessage("task name required"))
	}
	if fn == nil {
		return nil, errs.New("supervisor", errs.CodeInvalid, errs.WithMessage("task fn required"))
	}
	if err := s.ctx.Err(); err != nil {
		return nil, errs.New("supervisor", errs.CodeUnavailable, errs.WithMessage("supervisor shut down"), errs.WithCause(err))
	}

	s.mu.Lock()
	existing := s.tasks[name]
	s.mu.Unlock()
	if existing != nil {
		if err := s.Stop(name, s.cfg.DefaultStopTimeout); err != nil {
			observability.Log().Info("replaced task did not stop in time",
				observability.Field{Key: "task", Value: name},
				observability.Field{Key: "error", Value: err.Error()})
		}
	}

	taskCtx, taskCancel := context.WithCancel(s.ctx)
	handle := new(Handle)
	handle.name = name
	handle.startedAt = time.Now()
	handle.cancel = taskCancel
	handle.done = make(chan struct{})
	handle.cleanup = cleanup

	s.mu.Lock()
	s.tasks[name] = handle
	s.mu.Unlock()

	go s.run(taskCtx, handle, fn)
	return handle, nil
}

func (s *Supervisor) run(ctx context.Context, handle *Handle, fn TaskFunc) {
	defer func() {
		if r := recover(); r != nil {
			observability.Log().Error("task panicked",
				observability.Field{Key: "task", Value: handle.name},
				observability.Field{Key: "panic", Value: fmt.Sprint(r)})
		}
		close(handle.done)
		handle.runCleanup()
	}()
	if err := fn(ctx, handle); err != nil && ctx.Err() == nil {
		observability.Log().Error("task exited with error",
			observability.Field{Key: "task", Value: handle.name},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

// Stop cancels the named worker and waits up to timeout for it to exit.
// Cleanup runs exactly once even when the worker ignores cancellation; the
// leaked goroutine is logged, never silently dropped.
func (s *Supervisor) Stop(name string, timeout time.Duration) error {
	s.mu.Lock()
	handle := s.tasks[name]
	delete(s.tasks, name)
	s.mu.Unlock()

	if handle == nil {
		return errs.New("supervisor", errs.CodeInvalid, errs.WithMessage("unknown task: "+name))
	}
	return s.stopHandle(handle, timeout)
}

func (s *Supervisor) stopHandle(handle *Handle, timeout time.Duration) error {
	handle.cancel()

	if timeout <= 0 {
		timeout = s.cfg.DefaultStopTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-handle.done:
		handle.runCleanup()
		return nil
	case <-timer.C:
		handle.runCleanup()
		observability.Log().Error("task ignored cancellation; goroutine leaked",
			observability.Field{Key: "task", Value: handle.name},
			observability.Field{Key: "timeout", Value: timeout.String()})
		return errs.New("supervisor", errs.CodeTimeout,
			errs.WithMessage("task "+handle.name+" did not stop within "+timeout.String()))
	}
}

// ShutdownAll stops every registered task. It is idempotent and used at process exit.
func (s *Supervisor) ShutdownAll(timeout time.Duration) {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		handles := make([]*Handle, 0, len(s.tasks))
		for name, handle := range s.tasks {
			handles = append(handles, handle)
			delete(s.tasks, name)
		}
		s.mu.Unlock()

		for _, handle := range handles {
			_ = s.stopHandle(handle, timeout)
		}
		s.cancel()
		<-s.monitorDone
	})
}

// Tasks reports the currently registered tasks.
func (s *Supervisor) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	infos := make([]TaskInfo, 0, len(s.tasks))
	for _, handle := range s.tasks {
		infos = append(infos, TaskInfo{
			Name:          handle.name,
			StartedAt:     handle.startedAt,
			LastHeartbeat: handle.lastHeartbeat(),
		})
	}
	return infos
}

// monitor reaps exited tasks and reports stale heartbeats. Heartbeat absence
// is a diagnostic signal only; the monitor never kills a worker.
func (s *Supervisor) monitor() {
	defer close(s.monitorDone)
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Supervisor) sweep() {
	now := time.Now()

	s.mu.Lock()
	var reaped []string
	var stale []string
	for name, handle := range s.tasks {
		select {
		case <-handle.done:
			delete(s.tasks, name)
			reaped = append(reaped, name)
			continue
		default:
		}
		if now.Sub(handle.lastHeartbeat()) > s.cfg.StaleAfter {
			stale = append(stale, name)
		}
	}
	s.mu.Unlock()

	for _, name := range reaped {
		observability.Log().Debug("reaped exited task", observability.Field{Key: "task", Value: name})
	}
	for _, name := range stale {
		observability.Log().Error("task heartbeat stale",
			observability.Field{Key: "task", Value: name},
			observability.Field{Key: "threshold", Value: s.cfg.StaleAfter.String()})
	}
}
