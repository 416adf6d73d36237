package async

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gustavoali/ytrag/errors"
	ytest "github.com/gustavoali/ytrag/internal/testing"
)

// ============================================================================
// TAS Bot & Yugi Queue Test Universe
// ============================================================================
//
// Characters:
//   - TAS Bot: enqueues stage tasks with frame-perfect timing
//   - Yugi: draws tasks from the queue like cards
//   - Cronos: handles delayed (scheduled) tasks
// ============================================================================

func TestYugiDrawsEnqueuedTask(t *testing.T) {
	queue := NewQueue(ytest.CreateMigratedTestDB(t))
	ctx := context.Background()

	task := newTestTask(t, "ingest.download", "job-1", 1)
	require.NoError(t, queue.Enqueue(ctx, task))

	drawn, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, drawn)
	assert.Equal(t, task.ID, drawn.ID)
	assert.Equal(t, TaskStatusRunning, drawn.Status)

	empty, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestCronosSchedulesDelayedTask(t *testing.T) {
	queue := NewQueue(ytest.CreateMigratedTestDB(t))
	ctx := context.Background()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	queue.timeNow = func() time.Time { return now }

	task := newTestTask(t, "ingest.transcription", "job-1", 1)
	require.NoError(t, queue.Schedule(ctx, task, 10*time.Minute))
	assert.Equal(t, now.Add(10*time.Minute), task.RunAt)

	drawn, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	assert.Nil(t, drawn, "not due yet")

	now = now.Add(11 * time.Minute)
	drawn, err = queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, drawn)
	assert.Equal(t, task.ID, drawn.ID)
}

func TestTASBotDeletesJobTasks(t *testing.T) {
	queue := NewQueue(ytest.CreateMigratedTestDB(t))
	ctx := context.Background()

	require.NoError(t, queue.Enqueue(ctx, newTestTask(t, "a", "job-1", 1)))
	require.NoError(t, queue.Enqueue(ctx, newTestTask(t, "b", "job-1", 1)))
	require.NoError(t, queue.Enqueue(ctx, newTestTask(t, "a", "job-2", 1)))

	n, err := queue.Delete(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	drawn, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, drawn)
	assert.Equal(t, "job-2", drawn.JobID)
}

func TestYugiFinishesTasks(t *testing.T) {
	queue := NewQueue(ytest.CreateMigratedTestDB(t))
	ctx := context.Background()

	ok := newTestTask(t, "h", "job-ok", 1)
	bad := newTestTask(t, "h", "job-bad", 1)
	stopped := newTestTask(t, "h", "job-stopped", 1)
	for _, task := range []*Task{ok, bad, stopped} {
		require.NoError(t, queue.Enqueue(ctx, task))
	}

	require.NoError(t, queue.CompleteTask(ctx, ok.ID))
	require.NoError(t, queue.FailTask(ctx, bad.ID, errors.New("download refused")))
	require.NoError(t, queue.CancelTask(ctx, stopped.ID, "job cancelled"))

	got, err := queue.GetTask(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusFailed, got.Status)
	assert.Equal(t, "download refused", got.Error)
	assert.NotNil(t, got.CompletedAt)

	stats, err := queue.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Completed)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, stats.Cancelled)
	assert.Equal(t, 3, stats.Total)

	err = queue.CompleteTask(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSubscribersSeeUpdates(t *testing.T) {
	queue := NewQueue(ytest.CreateMigratedTestDB(t))
	ctx := context.Background()

	ch := queue.Subscribe()
	defer queue.Unsubscribe(ch)

	task := newTestTask(t, "h", "job-1", 1)
	require.NoError(t, queue.Enqueue(ctx, task))
	_, err := queue.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, queue.CompleteTask(ctx, task.ID))

	var statuses []TaskStatus
	for i := 0; i < 3; i++ {
		select {
		case update := <-ch:
			statuses = append(statuses, update.Status)
		case <-time.After(time.Second):
			t.Fatal("missing update")
		}
	}
	assert.Equal(t, []TaskStatus{TaskStatusQueued, TaskStatusRunning, TaskStatusCompleted}, statuses)
}

func TestConcurrentDequeueClaimsEachTaskOnce(t *testing.T) {
	queue := NewQueue(ytest.CreateFileTestDB(t))
	ctx := context.Background()

	const total = 40
	for i := 0; i < total; i++ {
		require.NoError(t, queue.Enqueue(ctx, newTestTask(t, "h", "job", 1)))
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	seen := make(map[string]int)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := queue.Dequeue(ctx)
				if err != nil || task == nil {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "task %s claimed more than once", id)
	}
}
