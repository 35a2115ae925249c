package scheduler

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// healthMonitor periodically reports worker pool occupancy to the metrics
// collector and warns when every slot is busy for a sustained interval.
type healthMonitor struct {
	pool     *pool
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

func newHealthMonitor(p *pool, interval time.Duration, logger *zap.Logger) *healthMonitor {
	return &healthMonitor{
		pool:     p,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

func (h *healthMonitor) start() {
	h.mu.Lock()
	if h.running || h.interval <= 0 {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.run()
}

func (h *healthMonitor) stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.stopCh)
}

func (h *healthMonitor) run() {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.check()
		}
	}
}

func (h *healthMonitor) check() {
	var idle, busy int
	for _, status := range h.pool.statuses() {
		switch status {
		case workerIdle:
			idle++
		case workerBusy:
			busy++
		}
	}

	h.pool.metrics.RecordWorkerPoolStatus(idle, busy)

	h.logger.Debug("worker pool health check",
		zap.Int("idle", idle),
		zap.Int("busy", busy))

	if busy == h.pool.size {
		h.logger.Warn("all worker slots are busy",
			zap.Int("slots", h.pool.size))
	}
}
