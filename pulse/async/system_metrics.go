package async

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/gustavoali/ytrag/errors"
)

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"`  // Number of workers currently executing tasks
	WorkersTotal  int     `json:"workers_total"`   // Total configured workers
	MemoryUsedGB  float64 `json:"memory_used_gb"`  // Current memory usage in GB
	MemoryTotalGB float64 `json:"memory_total_gb"` // Total system memory in GB
	MemoryPercent float64 `json:"memory_percent"`  // Memory utilization percentage
	TasksQueued   int     `json:"tasks_queued"`    // Tasks waiting in queue
	TasksRunning  int     `json:"tasks_running"`   // Tasks currently executing
}

// getMemoryStats returns total and available memory in bytes
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// ReadMemory returns used and total system memory in GB.
func ReadMemory() (usedGB, totalGB float64, err error) {
	total, available, err := getMemoryStats()
	if err != nil {
		return 0, 0, err
	}
	return bytesToGB(total - available), bytesToGB(total), nil
}

func bytesToGB(b uint64) float64 {
	return float64(b) / 1024 / 1024 / 1024
}

// calculateSafeWorkerCount recommends worker count based on available memory.
// A local speech-to-text model plus ffmpeg needs roughly 2GB per concurrent stage.
func calculateSafeWorkerCount(availableGB float64) int {
	const memoryPerWorker = 2.0 // GB per concurrent transcription
	const memoryBuffer = 1.0    // GB reserved for the system

	if availableGB < memoryBuffer {
		return 1
	}

	recommended := int((availableGB - memoryBuffer) / memoryPerWorker)
	if recommended < 1 {
		return 1
	}
	if recommended > 16 {
		return 16
	}
	return recommended
}

// GetSystemMetrics returns current system resource usage
func (wp *WorkerPool) GetSystemMetrics(ctx context.Context) SystemMetrics {
	var memUsedGB, memTotalGB, memPercent float64
	if used, total, err := ReadMemory(); err == nil && total > 0 {
		memUsedGB, memTotalGB = used, total
		memPercent = used / total * 100
	}

	queued, running, err := wp.queue.GetTaskCounts(ctx)
	if err != nil {
		queued, running = 0, 0
	}

	wp.mu.Lock()
	activeWorkers := wp.activeWorkers
	wp.mu.Unlock()

	return SystemMetrics{
		WorkersActive: activeWorkers,
		WorkersTotal:  wp.workers,
		MemoryUsedGB:  memUsedGB,
		MemoryTotalGB: memTotalGB,
		MemoryPercent: memPercent,
		TasksQueued:   queued,
		TasksRunning:  running,
	}
}

// checkMemoryPressure validates worker count against available memory.
// Returns a warning if the worker count may be too high, empty string if OK.
func (wp *WorkerPool) checkMemoryPressure() string {
	total, available, err := getMemoryStats()
	if err != nil {
		return ""
	}

	availableGB := bytesToGB(available)
	totalGB := bytesToGB(total)
	recommended := calculateSafeWorkerCount(availableGB)

	if wp.workers > recommended {
		return fmt.Sprintf(
			"Worker count (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB). "+
				"Consider reducing workers to prevent memory pressure.",
			wp.workers, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}
