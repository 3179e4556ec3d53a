package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestPool_EnqueueAndDispatch(t *testing.T) {
	p := New(2, testLogger())

	var ran atomic.Bool
	p.Register(TaskCleanup, func(ctx context.Context, task Context) error {
		ran.Store(true)
		return nil
	})

	go p.Run()
	defer p.Stop()

	p.Enqueue(Task{Type: TaskCleanup, Payload: "sweep"})

	waitFor(t, time.Second, ran.Load)
}

func TestPool_DedupesInFlightAndQueued(t *testing.T) {
	p := New(1, testLogger())

	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32

	p.Register(TaskMonitorPoll, func(ctx context.Context, task Context) error {
		runs.Add(1)
		close(started)
		<-release
		return nil
	})

	go p.Run()
	defer p.Stop()

	p.Enqueue(Task{Type: TaskMonitorPoll, Key: "exec-1"})
	<-started

	// Same key, enqueued while the first is still in flight: must be dropped.
	p.Enqueue(Task{Type: TaskMonitorPoll, Key: "exec-1"})

	close(release)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(1), runs.Load())
}

func TestPool_RetriesFailedTaskUpToMaxRetries(t *testing.T) {
	p := New(1, testLogger())

	var attempts atomic.Int32
	p.Register(TaskRunExecution, func(ctx context.Context, task Context) error {
		attempts.Add(1)
		return errors.New("broker unavailable")
	})

	go p.Run()
	defer p.Stop()

	p.Enqueue(Task{Type: TaskRunExecution, Key: "exec-42"})

	waitFor(t, 2*time.Second, func() bool {
		return attempts.Load() == int32(MaxRetries)
	})

	// Give the pool a moment to settle and confirm it does not retry past
	// MaxRetries (the dedup guard must not have silently swallowed retries
	// before reaching this count, and must stop exactly here).
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(MaxRetries), attempts.Load())
}

func TestPool_RetryEventuallySucceeds(t *testing.T) {
	p := New(1, testLogger())

	var attempts atomic.Int32
	p.Register(TaskCheckApprovalTimeout, func(ctx context.Context, task Context) error {
		n := attempts.Add(1)
		if n < 2 {
			return errors.New("transient")
		}
		return nil
	})

	go p.Run()
	defer p.Stop()

	p.Enqueue(Task{Type: TaskCheckApprovalTimeout, Key: "token-1"})

	waitFor(t, 2*time.Second, func() bool {
		return attempts.Load() == 2
	})

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(2), attempts.Load())
}

func TestPool_DelayedTaskRunsAtRunAt(t *testing.T) {
	p := New(1, testLogger())

	var ran atomic.Bool
	var runAt atomic.Int64
	p.Register(TaskDispatchTrigger, func(ctx context.Context, task Context) error {
		ran.Store(true)
		runAt.Store(time.Now().UnixNano())
		return nil
	})

	go p.Run()
	defer p.Stop()

	scheduled := time.Now().Add(150 * time.Millisecond)
	p.Enqueue(Task{Type: TaskDispatchTrigger, Payload: "p1", RunAt: scheduled})

	time.Sleep(50 * time.Millisecond)
	assert.False(t, ran.Load(), "task must not run before RunAt")

	waitFor(t, 2*time.Second, ran.Load)
	assert.GreaterOrEqual(t, runAt.Load(), scheduled.UnixNano())
}

func TestPool_UnregisteredTaskTypeDoesNotHang(t *testing.T) {
	p := New(1, testLogger())

	go p.Run()
	defer p.Stop()

	p.Enqueue(Task{Type: TaskType("unknown"), Payload: "x"})

	// No handler registered; Stop must still return promptly.
	done := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(done)
	}()
	<-done
}

func TestPool_HandlerReceivesBoundedContext(t *testing.T) {
	p := New(1, testLogger())

	var hadDeadline atomic.Bool
	p.Register(TaskCleanup, func(ctx context.Context, task Context) error {
		_, ok := ctx.Deadline()
		hadDeadline.Store(ok)
		return nil
	})

	go p.Run()
	defer p.Stop()

	p.Enqueue(Task{Type: TaskCleanup, Payload: "x"})

	waitFor(t, time.Second, hadDeadline.Load)
}
