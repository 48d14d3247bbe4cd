package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/SentinelIQ/SentinelCore/metrics"
	"github.com/SentinelIQ/SentinelCore/util/goroutine"
	"go.uber.org/zap"
)

// WorkerPool is a bounded pool of workers pulling tasks from a queue.
// Each pipeline stage owns one pool; pools never share queues, so a slow
// stage cannot starve another.
type WorkerPool struct {
	workers     int
	queueSize   int
	maxPerChild int // tasks a worker processes before recycling; 0 = unlimited
	taskCh      chan func()
	wg          sync.WaitGroup
	logger      *zap.SugaredLogger
	ctx         context.Context
	cancel      context.CancelFunc
	running     bool
	mu          sync.RWMutex
	poolType    string
}

// NewWorkerPool creates a worker pool bound to parentCtx. Workers are not
// started until Start is called; cancelling parentCtx stops them.
func NewWorkerPool(parentCtx context.Context, workers, queueSize, maxPerChild int, poolType string, logger *zap.SugaredLogger) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	if poolType == "" {
		poolType = "default"
	}
	ctx, cancel := context.WithCancel(parentCtx)
	return &WorkerPool{
		workers:     workers,
		queueSize:   queueSize,
		maxPerChild: maxPerChild,
		taskCh:      make(chan func(), queueSize),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		poolType:    poolType,
	}
}

// Start begins processing tasks.
func (wp *WorkerPool) Start() error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.running {
		return nil
	}
	wp.running = true
	wp.logger.Infow("Starting worker pool",
		"pool_type", wp.poolType,
		"workers", wp.workers,
		"queue_size", wp.queueSize,
		"max_tasks_per_worker", wp.maxPerChild)

	metrics.WorkerPoolActiveWorkers.WithLabelValues(wp.poolType).Set(float64(wp.workers))

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	return nil
}

// Stop gracefully shuts down the pool, waiting up to 30s for in-flight tasks.
// The lock is released before waiting so recycling workers can observe the
// stopped state instead of blocking against it.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	if !wp.running {
		wp.mu.Unlock()
		return
	}
	wp.running = false
	wp.cancel()
	close(wp.taskCh)
	wp.mu.Unlock()

	done := make(chan struct{})
	go func() {
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Infow("Worker pool stopped", "pool_type", wp.poolType)
	case <-time.After(30 * time.Second):
		wp.logger.Errorw("Worker pool shutdown timed out - goroutines leaked",
			"pool_type", wp.poolType,
			"workers", wp.workers)
		metrics.WorkerPoolActiveWorkers.WithLabelValues(wp.poolType).Set(-1)
	}
}

// Submit adds a task to the pool queue without blocking.
func (wp *WorkerPool) Submit(task func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if !wp.running {
		return ErrWorkerPoolNotRunning
	}

	select {
	case wp.taskCh <- task:
		metrics.WorkerPoolQueueSize.WithLabelValues(wp.poolType).Set(float64(len(wp.taskCh)))
		return nil
	default:
		return ErrWorkerPoolQueueFull
	}
}

// GetStats returns a snapshot of pool state.
func (wp *WorkerPool) GetStats() WorkerPoolStats {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	return WorkerPoolStats{
		Workers:     wp.workers,
		QueueSize:   wp.queueSize,
		Running:     wp.running,
		QueuedTasks: len(wp.taskCh),
		Capacity:    cap(wp.taskCh),
	}
}

// worker processes tasks until the pool stops or the worker hits its
// recycling limit, in which case a fresh worker replaces it. Recycling
// bounds memory growth from long-lived workers.
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	defer goroutine.Recover("worker-pool", wp.logger)

	processed := 0
	for {
		select {
		case <-wp.ctx.Done():
			return
		case task, ok := <-wp.taskCh:
			if !ok {
				return
			}

			func() {
				defer func() {
					if r := recover(); r != nil {
						wp.logger.Errorw("Task panicked in worker",
							"pool_type", wp.poolType,
							"worker_id", id,
							"panic", r)
					}
				}()
				task()
				metrics.WorkerPoolTasksProcessed.WithLabelValues(wp.poolType).Inc()
			}()

			processed++
			if wp.maxPerChild > 0 && processed >= wp.maxPerChild {
				wp.recycle(id)
				return
			}
		}
	}
}

// recycle replaces an exhausted worker with a fresh one if the pool is
// still running. The running check and the Add share one critical section,
// and the caller has not yet released its own WaitGroup slot, so the count
// never touches zero while a replacement is being registered.
func (wp *WorkerPool) recycle(id int) {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if !wp.running {
		return
	}
	wp.logger.Debugw("Recycling worker", "pool_type", wp.poolType, "worker_id", id)
	wp.wg.Add(1)
	go wp.worker(id)
}

// WorkerPoolStats contains statistics about the worker pool.
type WorkerPoolStats struct {
	Workers     int  `json:"workers"`
	QueueSize   int  `json:"queue_size"`
	Running     bool `json:"running"`
	QueuedTasks int  `json:"queued_tasks"`
	Capacity    int  `json:"capacity"`
}

// Errors
var (
	ErrWorkerPoolNotRunning = errors.New("worker pool is not running")
	ErrWorkerPoolQueueFull  = errors.New("worker pool task queue is full")
)
