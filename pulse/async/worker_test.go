package async

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gustavoali/ytrag/am"
	"github.com/gustavoali/ytrag/errors"
	ytest "github.com/gustavoali/ytrag/internal/testing"
)

// ============================================================================
// TAS Bot & Kirby Worker Test Universe
// ============================================================================
//
// Characters:
//   - TAS Bot: schedules tasks with precision timing
//   - Kirby: the worker who copies and executes tasks ('Poyo!')
//   - Cronos: appears for shutdown and timing-sensitive tests
// ============================================================================

func testPoolConfig(workers int) WorkerPoolConfig {
	return WorkerPoolConfig{Workers: workers, PollInterval: 5 * time.Millisecond, ShutdownTimeout: 5 * time.Second}
}

func waitForStatus(t *testing.T, queue *Queue, id string, want TaskStatus) *Task {
	t.Helper()
	var last *Task
	require.Eventually(t, func() bool {
		task, err := queue.GetTask(context.Background(), id)
		if err != nil {
			return false
		}
		last = task
		return task.Status == want
	}, 5*time.Second, 5*time.Millisecond, "task %s never reached %s", id, want)
	return last
}

func TestPoolConfigFromAM(t *testing.T) {
	cfg := PoolConfigFromAM(am.PulseConfig{Workers: 4, PollIntervalMS: 250})
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)

	assert.Equal(t, DefaultWorkerPoolConfig(), PoolConfigFromAM(am.PulseConfig{}))
}

func TestKirbyExecutesTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := NewQueue(ytest.CreateFileTestDB(t))
	pool := NewWorkerPool(ctx, queue, testPoolConfig(3), zaptest.NewLogger(t).Sugar())

	var ran atomic.Int32
	pool.Registry().Register(HandlerFunc{HandlerName: "poyo", Fn: func(ctx context.Context, task *Task) error {
		ran.Add(1)
		return nil
	}})
	pool.Start()
	defer pool.Stop()

	var ids []string
	for i := 0; i < 10; i++ {
		task := newTestTask(t, "poyo", "job", 1)
		require.NoError(t, queue.Enqueue(ctx, task))
		ids = append(ids, task.ID)
	}
	for _, id := range ids {
		waitForStatus(t, queue, id, TaskStatusCompleted)
	}
	assert.Equal(t, int32(10), ran.Load())
}

func TestKirbyRecordsHandlerFailureAndPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := NewQueue(ytest.CreateMigratedTestDB(t))
	pool := NewWorkerPool(ctx, queue, testPoolConfig(1), zaptest.NewLogger(t).Sugar())
	pool.Registry().Register(HandlerFunc{HandlerName: "fails", Fn: func(context.Context, *Task) error {
		return errors.New("whisper exited with status 2")
	}})
	pool.Registry().Register(HandlerFunc{HandlerName: "panics", Fn: func(context.Context, *Task) error {
		panic("boom")
	}})
	pool.Start()
	defer pool.Stop()

	failing := newTestTask(t, "fails", "job-a", 1)
	panicking := newTestTask(t, "panics", "job-b", 1)
	after := newTestTask(t, "fails", "job-c", 0)
	require.NoError(t, queue.Enqueue(ctx, failing))
	require.NoError(t, queue.Enqueue(ctx, panicking))
	require.NoError(t, queue.Enqueue(ctx, after))

	got := waitForStatus(t, queue, failing.ID, TaskStatusFailed)
	assert.Equal(t, "whisper exited with status 2", got.Error)
	got = waitForStatus(t, queue, panicking.ID, TaskStatusFailed)
	assert.Contains(t, got.Error, "panicked")
	waitForStatus(t, queue, after.ID, TaskStatusFailed)
}

func TestKirbyCancelsTaskWhenJobContextIsCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := NewQueue(ytest.CreateMigratedTestDB(t))
	pool := NewWorkerPool(ctx, queue, testPoolConfig(1), zaptest.NewLogger(t).Sugar())
	pool.Registry().Register(HandlerFunc{HandlerName: "cancelled", Fn: func(context.Context, *Task) error {
		return errors.Mark(errors.New("job was cancelled"), errors.ErrCancelled)
	}})
	pool.Start()
	defer pool.Stop()

	task := newTestTask(t, "cancelled", "job", 1)
	require.NoError(t, queue.Enqueue(ctx, task))
	got := waitForStatus(t, queue, task.ID, TaskStatusCancelled)
	assert.Equal(t, "job cancelled", got.Error)
}

func TestCronosRequeuesTaskInterruptedByShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := NewQueue(ytest.CreateFileTestDB(t))
	pool := NewWorkerPool(ctx, queue, testPoolConfig(1), zaptest.NewLogger(t).Sugar())

	started := make(chan struct{})
	var once sync.Once
	pool.Registry().Register(HandlerFunc{HandlerName: "slow", Fn: func(ctx context.Context, task *Task) error {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return ctx.Err()
	}})
	pool.Start()

	task := newTestTask(t, "slow", "job", 1)
	require.NoError(t, queue.Enqueue(ctx, task))

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}
	pool.Stop()

	got, err := queue.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusQueued, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestCronosRecoversOrphanedRunningTasks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := NewQueue(ytest.CreateMigratedTestDB(t))

	// Left running by a process that died
	task := newTestTask(t, "resume", "job", 1)
	require.NoError(t, queue.Enqueue(ctx, task))
	_, err := queue.Dequeue(ctx)
	require.NoError(t, err)

	pool := NewWorkerPool(ctx, queue, testPoolConfig(1), zaptest.NewLogger(t).Sugar())
	pool.Registry().Register(HandlerFunc{HandlerName: "resume", Fn: func(context.Context, *Task) error { return nil }})
	pool.Start()
	defer pool.Stop()

	got := waitForStatus(t, queue, task.ID, TaskStatusCompleted)
	assert.Equal(t, 2, got.Attempts)
}

func TestSystemMetrics(t *testing.T) {
	queue := NewQueue(ytest.CreateMigratedTestDB(t))
	pool := NewWorkerPool(context.Background(), queue, testPoolConfig(2), zaptest.NewLogger(t).Sugar())
	require.NoError(t, queue.Enqueue(context.Background(), newTestTask(t, "h", "job", 1)))

	m := pool.GetSystemMetrics(context.Background())
	assert.Equal(t, 2, m.WorkersTotal)
	assert.Equal(t, 1, m.TasksQueued)
	assert.Zero(t, m.WorkersActive)
}

func TestCalculateSafeWorkerCount(t *testing.T) {
	assert.Equal(t, 1, calculateSafeWorkerCount(0.5))
	assert.Equal(t, 1, calculateSafeWorkerCount(2))
	assert.Equal(t, 3, calculateSafeWorkerCount(7.5))
	assert.Equal(t, 16, calculateSafeWorkerCount(512))
}
