package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		MonitorInterval:    20 * time.Millisecond,
		StaleAfter:         time.Minute,
		DefaultStopTimeout: 200 * time.Millisecond,
	}
}

func TestStopRunsCleanupOnCleanExit(t *testing.T) {
	s := New(testConfig())
	defer s.ShutdownAll(time.Second)

	var cleanups atomic.Int32
	_, err := s.Spawn("worker", func(ctx context.Context, h *Handle) error {
		<-ctx.Done()
		return nil
	}, func() { cleanups.Add(1) })
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	if err := s.Stop("worker", time.Second); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := cleanups.Load(); got != 1 {
		t.Fatalf("cleanup ran %d times, want 1", got)
	}
}

func TestStopRunsCleanupWhenWorkerIgnoresCancellation(t *testing.T) {
	s := New(testConfig())
	defer s.ShutdownAll(time.Second)

	var cleanups atomic.Int32
	release := make(chan struct{})
	_, err := s.Spawn("stubborn", func(ctx context.Context, h *Handle) error {
		<-release
		return nil
	}, func() { cleanups.Add(1) })
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	if err := s.Stop("stubborn", 50*time.Millisecond); err == nil {
		t.Fatal("expected timeout error")
	}
	if got := cleanups.Load(); got != 1 {
		t.Fatalf("cleanup ran %d times, want 1", got)
	}
	close(release)

	// Late exit must not run cleanup a second time.
	time.Sleep(20 * time.Millisecond)
	if got := cleanups.Load(); got != 1 {
		t.Fatalf("cleanup ran %d times after late exit, want 1", got)
	}
}

func TestCleanupRunsOnPanic(t *testing.T) {
	s := New(testConfig())
	defer s.ShutdownAll(time.Second)

	var cleanups atomic.Int32
	handle, err := s.Spawn("panicky", func(ctx context.Context, h *Handle) error {
		panic("boom")
	}, func() { cleanups.Add(1) })
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after panic")
	}
	if got := cleanups.Load(); got != 1 {
		t.Fatalf("cleanup ran %d times, want 1", got)
	}
}

func TestSpawnDuplicateNameStopsPredecessor(t *testing.T) {
	s := New(testConfig())
	defer s.ShutdownAll(time.Second)

	firstStopped := make(chan struct{})
	first, err := s.Spawn("poller", func(ctx context.Context, h *Handle) error {
		<-ctx.Done()
		close(firstStopped)
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}

	second, err := s.Spawn("poller", func(ctx context.Context, h *Handle) error {
		<-ctx.Done()
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("duplicate Spawn() error = %v", err)
	}

	select {
	case <-firstStopped:
	case <-time.After(time.Second):
		t.Fatal("first worker was not stopped by duplicate spawn")
	}
	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("first worker did not exit")
	}

	tasks := s.Tasks()
	if len(tasks) != 1 || tasks[0].Name != "poller" {
		t.Fatalf("tasks = %+v, want exactly one poller", tasks)
	}
	if second.Name() != "poller" {
		t.Fatalf("second handle name = %q", second.Name())
	}
}

func TestMonitorReapsExitedTasks(t *testing.T) {
	s := New(testConfig())
	defer s.ShutdownAll(time.Second)

	handle, err := s.Spawn("oneshot", func(ctx context.Context, h *Handle) error {
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	<-handle.Done()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(s.Tasks()) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("exited task was not reaped")
}

func TestShutdownAllIsIdempotent(t *testing.T) {
	s := New(testConfig())

	var cleanups atomic.Int32
	for _, name := range []string{"a", "b"} {
		_, err := s.Spawn(name, func(ctx context.Context, h *Handle) error {
			h.Heartbeat()
			<-ctx.Done()
			return nil
		}, func() { cleanups.Add(1) })
		if err != nil {
			t.Fatalf("Spawn(%s) error = %v", name, err)
		}
	}

	s.ShutdownAll(time.Second)
	s.ShutdownAll(time.Second)

	if got := cleanups.Load(); got != 2 {
		t.Fatalf("cleanups = %d, want 2", got)
	}
	if _, err := s.Spawn("late", func(ctx context.Context, h *Handle) error { return nil }, nil); err == nil {
		t.Fatal("expected Spawn after shutdown to fail")
	}
}
