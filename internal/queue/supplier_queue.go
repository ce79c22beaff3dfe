package queue

import (
	"sync"
	"time"

	"parts-enrichment/internal/models"
)

// SupplierQueue holds the pending, running, and archived tasks for a single
// supplier, plus the supplier's pacing state. Exactly one processing loop is
// ever active per queue (the processing guard); producers only insert into
// pending, so the mutex sees short, uncontended critical sections.
type SupplierQueue struct {
	mu sync.Mutex

	supplier string
	delay    time.Duration // minimum spacing between outbound requests

	pending   []*models.EnrichmentTask
	running   map[string]*models.EnrichmentTask
	completed []*models.EnrichmentTask
	failed    []*models.EnrichmentTask

	lastRequest time.Time
	processing  bool
}

// NewSupplierQueue builds an empty queue for the named supplier.
func NewSupplierQueue(supplier string, delay time.Duration) *SupplierQueue {
	return &SupplierQueue{
		supplier: supplier,
		delay:    delay,
		running:  make(map[string]*models.EnrichmentTask),
	}
}

func (q *SupplierQueue) Supplier() string     { return q.supplier }
func (q *SupplierQueue) Delay() time.Duration { return q.delay }

// Add inserts a task by priority. Urgent tasks go ahead of everything
// non-urgent, high ahead of the first normal/low, and normal/low append in
// arrival order. Ties keep arrival order: insertion is stable, the list is
// never re-sorted.
func (q *SupplierQueue) Add(task *models.EnrichmentTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task.Status = models.StatusPending
	idx := len(q.pending)
	if task.Priority >= models.PriorityHigh {
		for i, t := range q.pending {
			if t.Priority < task.Priority {
				idx = i
				break
			}
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = task
}

// Next pops the front of pending and moves it into the running set, marking
// it running. Returns nil when the queue is empty.
func (q *SupplierQueue) Next(now time.Time) *models.EnrichmentTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	task := q.pending[0]
	q.pending = q.pending[1:]
	task.Status = models.StatusRunning
	if task.StartedAt == nil {
		started := now
		task.StartedAt = &started
	}
	q.running[task.ID] = task
	return task
}

// RemovePending removes a not-yet-started task, for cancellation. Reports
// whether the task was found in pending.
func (q *SupplierQueue) RemovePending(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, t := range q.pending {
		if t.ID == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Release takes a task out of the running set without archiving it, for the
// requeue paths (rate limited, retryable failure).
func (q *SupplierQueue) Release(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, id)
}

// ArchiveCompleted moves a running task into the completed archive.
func (q *SupplierQueue) ArchiveCompleted(task *models.EnrichmentTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, task.ID)
	q.completed = append(q.completed, task)
}

// ArchiveFailed moves a running task into the failed archive.
func (q *SupplierQueue) ArchiveFailed(task *models.EnrichmentTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.running, task.ID)
	q.failed = append(q.failed, task)
}

// PacingWait returns how long the caller must still wait before the next
// outbound request to this supplier.
func (q *SupplierQueue) PacingWait(now time.Time) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.delay <= 0 || q.lastRequest.IsZero() {
		return 0
	}
	elapsed := now.Sub(q.lastRequest)
	if elapsed >= q.delay {
		return 0
	}
	return q.delay - elapsed
}

// RecordRequest notes the time of the most recent outbound request.
func (q *SupplierQueue) RecordRequest(t time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lastRequest = t
}

// TryBeginProcessing claims the processing guard. Only the caller that gets
// true may run the queue's loop.
func (q *SupplierQueue) TryBeginProcessing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.processing {
		return false
	}
	q.processing = true
	return true
}

// FinishIfDrained clears the processing guard only if pending is empty,
// atomically with respect to producers, so work added just before the loop
// exits is never stranded.
func (q *SupplierQueue) FinishIfDrained() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) > 0 {
		return false
	}
	q.processing = false
	return true
}

// AbortProcessing clears the guard unconditionally, for shutdown.
func (q *SupplierQueue) AbortProcessing() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processing = false
}

// PendingDepth returns the number of queued tasks.
func (q *SupplierQueue) PendingDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// EstimateCompletion sums remaining capability counts across pending tasks,
// spaced by the supplier's delay. An estimate only; returns nil when the
// queue is empty.
func (q *SupplierQueue) EstimateCompletion(now time.Time) *time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	var remaining int
	for _, t := range q.pending {
		remaining += len(t.Remaining())
	}
	eta := now.Add(time.Duration(remaining) * q.delay)
	return &eta
}

// Snapshot returns a read-only view of the queue's counters.
func (q *SupplierQueue) Snapshot(now time.Time) models.QueueSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	snap := models.QueueSnapshot{
		Supplier:       q.supplier,
		Pending:        len(q.pending),
		Running:        len(q.running),
		Completed:      len(q.completed),
		Failed:         len(q.failed),
		Processing:     q.processing,
		RateLimitDelay: q.delay.String(),
	}
	if len(q.pending) > 0 {
		var remaining int
		for _, t := range q.pending {
			remaining += len(t.Remaining())
		}
		eta := now.Add(time.Duration(remaining) * q.delay)
		snap.EstimatedCompletion = &eta
	}
	return snap
}

// withTask runs fn while holding the queue mutex. The manager uses it to
// mutate or snapshot task fields owned by this queue.
func (q *SupplierQueue) withTask(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	fn()
}
