package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// teardownJob is one pending deferred reclamation: run fn no earlier than
// deadline. Grounded in the same ticker-driven worker shape as
// ScanPoller.Run — a background goroutine that wakes on an interval and
// drains whatever is due, continuing past per-item failures.
type teardownJob struct {
	deadline time.Time
	fn       func()
}

// Reclaimer defers App destruction until the grace period has elapsed,
// so that readers which observed the App before its removal from the
// registry indices are guaranteed to have released their guard by the
// time the socket is actually closed (§4.2, §5).
type Reclaimer struct {
	grace  time.Duration
	logger *zap.Logger

	mu   sync.Mutex
	jobs []teardownJob
}

// NewReclaimer creates a Reclaimer with the given grace period.
func NewReclaimer(grace time.Duration, logger *zap.Logger) *Reclaimer {
	return &Reclaimer{grace: grace, logger: logger}
}

// Schedule enqueues fn to run after the grace period. fn must be
// idempotent-safe to call exactly once; Reclaimer guarantees exactly one
// call.
func (r *Reclaimer) Schedule(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, teardownJob{deadline: time.Now().Add(r.grace), fn: fn})
}

// Run drains due jobs on a fixed tick until ctx is cancelled. It is meant
// to run in its own goroutine alongside the app-listener thread.
func (r *Reclaimer) Run(ctx context.Context) {
	tick := r.grace / 4
	if tick <= 0 {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reclaimer stopping")
			return
		case <-ticker.C:
			r.drainDue()
		}
	}
}

func (r *Reclaimer) drainDue() {
	now := time.Now()
	r.mu.Lock()
	var due []teardownJob
	remaining := r.jobs[:0]
	for _, j := range r.jobs {
		if !now.Before(j.deadline) {
			due = append(due, j)
		} else {
			remaining = append(remaining, j)
		}
	}
	r.jobs = remaining
	r.mu.Unlock()

	for _, j := range due {
		func() {
			defer func() {
				if p := recover(); p != nil {
					r.logger.Error("reclaim job panicked", zap.Any("panic", p))
				}
			}()
			j.fn()
		}()
	}
}

// Pending returns the number of jobs still waiting for their grace period.
func (r *Reclaimer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}
