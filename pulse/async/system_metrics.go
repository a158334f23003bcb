package async

import (
	"context"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/hrpulse/errors"
)

// SystemMetrics is a point-in-time view of the worker pool and its host
type SystemMetrics struct {
	WorkersActive int     `json:"workers_active"`  // Workers currently executing jobs
	WorkersTotal  int     `json:"workers_total"`   // Configured workers
	MemoryUsedGB  float64 `json:"memory_used_gb"`  // Host memory in use
	MemoryTotalGB float64 `json:"memory_total_gb"` // Host memory
	MemoryPercent float64 `json:"memory_percent"`
	JobsQueued    int     `json:"jobs_queued"`
	JobsRunning   int     `json:"jobs_running"`
}

// getMemoryStats returns host memory in bytes
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

const gib = 1024 * 1024 * 1024

// GetSystemMetrics returns current resource usage. Memory and job counts
// read as zero when they cannot be determined.
func (wp *WorkerPool) GetSystemMetrics(ctx context.Context) SystemMetrics {
	var m SystemMetrics
	if total, available, err := getMemoryStats(); err == nil && total > 0 {
		m.MemoryTotalGB = float64(total) / gib
		m.MemoryUsedGB = float64(total-available) / gib
		m.MemoryPercent = m.MemoryUsedGB / m.MemoryTotalGB * 100
	}

	if counts, err := wp.queue.store.CountByStatus(ctx); err == nil {
		m.JobsQueued = counts[JobStatusQueued]
		m.JobsRunning = counts[JobStatusRunning]
	}

	wp.mu.Lock()
	m.WorkersActive = wp.active
	wp.mu.Unlock()
	m.WorkersTotal = wp.poolConfig.Workers
	return m
}
