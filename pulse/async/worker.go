package async

import (
	"context"
	"database/sql"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gustavoali/ytrag/am"
	"github.com/gustavoali/ytrag/errors"
	"github.com/gustavoali/ytrag/logger"
	"github.com/gustavoali/ytrag/sym"
)

// MaxOrphanedTasksToRecover limits how many running tasks left by a crash are
// requeued on startup.
const MaxOrphanedTasksToRecover = 1000

// pulseLogger wraps zap.SugaredLogger with special methods for Pulse operations
// - DEBUG level → STARTING (✿ Opening operations)
// - WARN level → CLOSING (❀ Closing operations)
// - INFO level → PULSE (general worker operations)
type pulseLogger struct {
	*zap.SugaredLogger
}

// Starting logs an Opening (✿) event
func (l pulseLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw(sym.PulseOpen+" "+msg, keysAndValues...)
}

// Closing logs a Closing (❀) event
func (l pulseLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw(sym.PulseClose+" "+msg, keysAndValues...)
}

// Pulse logs general worker operations
func (l pulseLogger) Pulse(msg string, keysAndValues ...interface{}) {
	l.Infow(sym.Pulse+" "+msg, keysAndValues...)
}

// TaskExecutor runs a claimed task.
type TaskExecutor interface {
	Execute(ctx context.Context, task *Task) error
}

// WorkerPoolConfig contains configuration for the worker pool
type WorkerPoolConfig struct {
	Workers         int           `json:"workers"`          // Number of concurrent workers
	PollInterval    time.Duration `json:"poll_interval"`    // How often an idle worker looks for work
	ShutdownTimeout time.Duration `json:"shutdown_timeout"` // How long Stop waits for running tasks
}

// DefaultWorkerPoolConfig returns sensible defaults
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{
		Workers:         2,
		PollInterval:    time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// PoolConfigFromAM converts the [pulse] config section, filling zero values from the defaults.
func PoolConfigFromAM(cfg am.PulseConfig) WorkerPoolConfig {
	out := DefaultWorkerPoolConfig()
	if cfg.Workers > 0 {
		out.Workers = cfg.Workers
	}
	if cfg.PollIntervalMS > 0 {
		out.PollInterval = time.Duration(cfg.PollIntervalMS) * time.Millisecond
	}
	if cfg.ShutdownTimeoutSeconds > 0 {
		out.ShutdownTimeout = time.Duration(cfg.ShutdownTimeoutSeconds) * time.Second
	}
	return out
}

// WorkerPool runs tasks from the queue on a fixed number of goroutines.
// Different jobs run in parallel; the queue decides which task is next.
type WorkerPool struct {
	queue      *Queue
	registry   *HandlerRegistry
	executor   TaskExecutor
	poolConfig WorkerPoolConfig
	workers    int
	parentCtx  context.Context
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     pulseLogger

	mu             sync.Mutex
	activeWorkers  int
	tasksProcessed int
	startTime      time.Time
}

// NewWorkerPool creates a worker pool with an empty handler registry.
// Callers must register handlers before calling Start().
func NewWorkerPool(ctx context.Context, queue *Queue, poolCfg WorkerPoolConfig, log *zap.SugaredLogger) *WorkerPool {
	return NewWorkerPoolWithRegistry(ctx, queue, poolCfg, log, NewHandlerRegistry())
}

// NewWorkerPoolWithRegistry creates a worker pool dispatching through registry.
// Cancelling ctx stops the workers; running tasks are requeued.
func NewWorkerPoolWithRegistry(ctx context.Context, queue *Queue, poolCfg WorkerPoolConfig, log *zap.SugaredLogger, registry *HandlerRegistry) *WorkerPool {
	if poolCfg.Workers <= 0 {
		poolCfg.Workers = 1
	}
	if poolCfg.PollInterval <= 0 {
		poolCfg.PollInterval = DefaultWorkerPoolConfig().PollInterval
	}
	if poolCfg.ShutdownTimeout <= 0 {
		poolCfg.ShutdownTimeout = DefaultWorkerPoolConfig().ShutdownTimeout
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	workerCtx, cancel := context.WithCancel(ctx)
	return &WorkerPool{
		queue:      queue,
		registry:   registry,
		executor:   registry,
		poolConfig: poolCfg,
		workers:    poolCfg.Workers,
		parentCtx:  ctx,
		ctx:        workerCtx,
		cancel:     cancel,
		logger:     pulseLogger{log.Named("pulse")},
	}
}

// Start recovers tasks orphaned by a previous crash and starts the workers.
func (wp *WorkerPool) Start() {
	wp.mu.Lock()
	select {
	case <-wp.ctx.Done():
		// Restarted after Stop
		wp.ctx, wp.cancel = context.WithCancel(wp.parentCtx)
		wp.logger.Starting("Recreated worker context after previous shutdown")
	default:
	}
	wp.startTime = time.Now()
	wp.tasksProcessed = 0
	ctx := wp.ctx
	wp.mu.Unlock()

	if err := wp.recoverOrphanedTasks(ctx); err != nil {
		wp.logger.Warnw("Failed to recover orphaned tasks", logger.FieldError, err)
	}

	if warning := wp.checkMemoryPressure(); warning != "" {
		wp.logger.Warnw("Memory pressure warning", "warning", warning, "workers", wp.workers)
	}

	wp.logger.Pulse("Worker pool started", "workers", wp.workers, "handlers", wp.registry.Names())
	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx, i)
	}
}

// recoverOrphanedTasks requeues tasks still marked running. With a single
// pool per database these can only come from a process that died mid-task.
func (wp *WorkerPool) recoverOrphanedTasks(ctx context.Context) error {
	running := TaskStatusRunning
	orphaned, err := wp.queue.ListTasks(ctx, &running, MaxOrphanedTasksToRecover)
	if err != nil {
		return errors.Wrap(err, "failed to list running tasks")
	}
	if len(orphaned) == 0 {
		return nil
	}

	wp.logger.Starting("Opening - found orphaned tasks from previous run", logger.FieldCount, len(orphaned))
	recovered := 0
	for _, task := range orphaned {
		task.Requeue()
		if err := wp.queue.UpdateTask(ctx, task); err != nil {
			wp.logger.Warnw("Failed to recover orphaned task", logger.FieldTaskID, task.ID, logger.FieldError, err)
			continue
		}
		recovered++
	}
	wp.logger.Starting("Recovered orphaned tasks", "recovered", recovered, "total", len(orphaned))
	return nil
}

// Stop cancels the workers and waits up to the shutdown timeout for running
// tasks to return. Tasks interrupted by Stop go back to the queue.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	cancel := wp.cancel
	wp.mu.Unlock()
	cancel()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Pulse("WorkerPool.Stop() complete - all workers exited cleanly")
	case <-time.After(wp.poolConfig.ShutdownTimeout):
		wp.logger.Closing("WorkerPool.Stop() timeout - workers may still be running", "timeout", wp.poolConfig.ShutdownTimeout)
	}
}

// worker processes tasks from the queue
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	defer wp.wg.Done()

	ticker := time.NewTicker(wp.poolConfig.PollInterval)
	defer ticker.Stop()

	errorCount := 0
	const maxConsecutiveErrors = 5
	backoffDuration := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		// Drain everything that is due before waiting for the next tick
		for {
			processed, err := wp.processNextTask(ctx, id)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, sql.ErrConnDone) {
					return
				}
				errorCount++
				wp.logger.Errorw("Worker error processing task",
					logger.FieldWorkerID, id,
					logger.FieldError, err,
					"consecutive_errors", errorCount)

				if errorCount >= maxConsecutiveErrors {
					wp.logger.Warnw("Worker backing off due to consecutive errors",
						logger.FieldWorkerID, id,
						"backoff", backoffDuration,
						"consecutive_errors", errorCount)
					select {
					case <-ctx.Done():
						return
					case <-time.After(backoffDuration):
					}
					backoffDuration = min(backoffDuration*2, maxBackoff)
				}
				break
			}

			if errorCount > 0 {
				wp.logger.Infow("Worker recovered from errors",
					logger.FieldWorkerID, id,
					"previous_error_count", errorCount)
			}
			errorCount = 0
			backoffDuration = time.Second

			if !processed || ctx.Err() != nil {
				break
			}
		}
	}
}

// processNextTask claims and runs one task. processed is false when nothing was due.
//
// A handler error fails the task; cancellation of the job's own context
// cancels it; cancellation of the pool (shutdown) requeues it.
func (wp *WorkerPool) processNextTask(ctx context.Context, workerID int) (processed bool, err error) {
	if ctx.Err() != nil {
		return false, nil
	}

	task, err := wp.queue.Dequeue(ctx)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, nil
	}

	wp.mu.Lock()
	wp.tasksProcessed++
	wp.activeWorkers++
	wp.mu.Unlock()
	defer func() {
		wp.mu.Lock()
		wp.activeWorkers--
		wp.mu.Unlock()
	}()

	log := wp.logger.With(
		logger.FieldTaskID, task.ID,
		logger.FieldJobID, task.JobID,
		logger.FieldHandler, task.HandlerName,
		logger.FieldWorkerID, workerID)

	start := time.Now()
	execErr := wp.safeExecute(ctx, task)
	elapsed := time.Since(start)

	// Bookkeeping must outlive a pool shutdown
	bg := context.WithoutCancel(ctx)

	switch {
	case execErr == nil:
		log.Debugw("Task completed", logger.FieldDurationMS, elapsed.Milliseconds())
		return true, wp.queue.CompleteTask(bg, task.ID)

	case ctx.Err() != nil:
		log.Warnw(sym.PulseClose+" Task interrupted by shutdown, re-queuing", logger.FieldError, execErr)
		task.Requeue()
		if updateErr := wp.queue.UpdateTask(bg, task); updateErr != nil {
			log.Errorw("Failed to re-queue interrupted task", logger.FieldError, updateErr)
		}
		return true, nil

	case errors.Is(execErr, context.Canceled) || errors.Is(execErr, errors.ErrCancelled):
		log.Infow("Task cancelled", logger.FieldDurationMS, elapsed.Milliseconds())
		return true, wp.queue.CancelTask(bg, task.ID, "job cancelled")

	default:
		classified := ClassifyError(task.HandlerName, execErr)
		log.Warnw("Task failed",
			logger.FieldError, execErr,
			logger.FieldErrorCode, classified.Code,
			logger.FieldDurationMS, elapsed.Milliseconds())
		return true, wp.queue.FailTask(bg, task.ID, execErr)
	}
}

// safeExecute turns a handler panic into an error so one bad task cannot
// take the worker down.
func (wp *WorkerPool) safeExecute(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Errorw("Handler panicked",
				logger.FieldTaskID, task.ID,
				logger.FieldHandler, task.HandlerName,
				"panic", r,
				"stack", string(debug.Stack()))
			err = errors.Newf("handler %s panicked: %v", task.HandlerName, r)
		}
	}()
	return wp.executor.Execute(ctx, task)
}

// Queue returns the work queue (useful for enqueuing tasks)
func (wp *WorkerPool) Queue() *Queue {
	return wp.queue
}

// Workers returns the number of concurrent workers configured for this pool
func (wp *WorkerPool) Workers() int {
	return wp.workers
}

// Registry returns the handler registry for registering task handlers.
// Register handlers before calling Start():
//
//	pool := async.NewWorkerPool(ctx, queue, poolCfg, logger)
//	orchestrator.RegisterHandlers(pool.Registry())
//	pool.Start()
func (wp *WorkerPool) Registry() *HandlerRegistry {
	return wp.registry
}
