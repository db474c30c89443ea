package dbsync

import (
	"sync"
	"time"

	"qrforge/pkg/domain"
)

// statusHolder owns the process-wide sync status. Only the engine writes
// it; readers take value-copy snapshots, so no caller ever observes a
// half-updated stats block. It is rebuilt empty on every process start.
type statusHolder struct {
	mu      sync.RWMutex
	running bool
	last    *time.Time
	stats   domain.SyncStats
}

// tryBegin flips the running flag. It refuses when a batch is already in
// flight, which makes the periodic engine single-flight.
func (h *statusHolder) tryBegin() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		return false
	}
	h.running = true
	return true
}

// finish publishes the batch outcome as one atomic unit.
func (h *statusHolder) finish(stats domain.SyncStats, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = false
	h.stats = stats
	h.last = &at
}

// abort clears the running flag without touching the last published stats.
func (h *statusHolder) abort() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = false
}

func (h *statusHolder) snapshot() domain.SyncStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	status := domain.SyncStatus{
		IsRunning: h.running,
		Stats:     h.stats,
	}
	if h.last != nil {
		t := *h.last
		status.LastBatchSync = &t
	}
	return status
}
