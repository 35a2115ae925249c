package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dwiprep/dwiprep/internal/domain"
	"github.com/dwiprep/dwiprep/internal/ports"
)

// workItem is one dispatched stage instance with its resolved inputs.
type workItem struct {
	key     domain.InstanceKey
	request ports.ExecutionRequest
	exec    ports.StageExecutor
}

// workResult reports the outcome of one executed stage instance.
type workResult struct {
	key      domain.InstanceKey
	outputs  []domain.Artifact
	err      error
	duration time.Duration
}

// workerStatus represents worker status.
type workerStatus string

const (
	workerIdle    workerStatus = "idle"
	workerBusy    workerStatus = "busy"
	workerStopped workerStatus = "stopped"
)

// pool manages the bounded set of worker goroutines that invoke external
// executors. The number of workers equals the configured process slots; the
// thread budget is enforced by the coordinator before an item is enqueued.
type pool struct {
	size    int
	logger  *zap.Logger
	metrics ports.MetricsCollector

	workCh chan workItem
	doneCh chan workResult

	workers []*worker
	wg      sync.WaitGroup
	health  *healthMonitor
}

// worker is a single worker goroutine.
type worker struct {
	id      string
	pool    *pool
	mu      sync.RWMutex
	status  workerStatus
	lastJob time.Time
}

func newPool(size int, metrics ports.MetricsCollector, logger *zap.Logger, healthInterval time.Duration) *pool {
	p := &pool{
		size:    size,
		logger:  logger,
		metrics: metrics,
		workCh:  make(chan workItem),
		doneCh:  make(chan workResult, size),
		workers: make([]*worker, size),
	}
	p.health = newHealthMonitor(p, healthInterval, logger)
	return p
}

// start launches the workers and the health monitor.
func (p *pool) start(ctx context.Context) {
	p.logger.Info("starting worker pool", zap.Int("size", p.size))

	for i := 0; i < p.size; i++ {
		w := &worker{
			id:      fmt.Sprintf("worker-%d", i),
			pool:    p,
			status:  workerIdle,
			lastJob: time.Now(),
		}
		p.workers[i] = w

		p.wg.Add(1)
		go w.run(ctx)
	}

	p.health.start()
}

// stop closes the work channel and waits for in-flight executions to drain.
func (p *pool) stop() {
	p.health.stop()
	close(p.workCh)
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// statuses returns the status of every worker.
func (p *pool) statuses() map[string]workerStatus {
	out := make(map[string]workerStatus, len(p.workers))
	for _, w := range p.workers {
		w.mu.RLock()
		out[w.id] = w.status
		w.mu.RUnlock()
	}
	return out
}

// run is the main worker loop: pull an item, execute it, report the result.
func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()

	w.pool.logger.Debug("worker started", zap.String("worker_id", w.id))

	for item := range w.pool.workCh {
		w.mu.Lock()
		w.status = workerBusy
		w.lastJob = time.Now()
		w.mu.Unlock()

		start := time.Now()
		outputs, err := item.exec.Execute(ctx, item.request)
		w.pool.doneCh <- workResult{
			key:      item.key,
			outputs:  outputs,
			err:      err,
			duration: time.Since(start),
		}

		w.mu.Lock()
		w.status = workerIdle
		w.mu.Unlock()
	}

	w.mu.Lock()
	w.status = workerStopped
	w.mu.Unlock()
}
