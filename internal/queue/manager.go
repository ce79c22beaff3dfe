package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"parts-enrichment/internal/models"
	"parts-enrichment/internal/progress"
	"parts-enrichment/internal/ratelimit"
	"parts-enrichment/internal/supplier"
	"parts-enrichment/internal/telemetry"
)

// History receives terminal task snapshots for durable audit. The in-memory
// registry stays the source of truth; a nil History disables persistence.
type History interface {
	RecordTerminal(ctx context.Context, snap models.TaskSnapshot) error
}

// Manager owns the supplier queues and the global task registry. It accepts
// new enrichment work, drives one processing loop per active supplier queue,
// applies the retry policy, and emits progress events.
//
// Construct one per process (or per test); there is no package-level
// instance.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queues map[string]*SupplierQueue
	tasks  map[string]*models.EnrichmentTask

	suppliers  *supplier.Registry
	oracle     ratelimit.Oracle
	publisher  *progress.Publisher
	history    History
	logger     *slog.Logger
	maxRetries int

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	wg sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the structured logger used by the processing loops.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithProgress sets the publisher that receives progress events and terminal
// notifications.
func WithProgress(p *progress.Publisher) Option {
	return func(m *Manager) { m.publisher = p }
}

// WithHistory sets the durable store for terminal task snapshots.
func WithHistory(h History) Option {
	return func(m *Manager) { m.history = h }
}

// WithMaxRetries sets the default retry budget for new tasks.
func WithMaxRetries(n int) Option {
	return func(m *Manager) { m.maxRetries = n }
}

// WithClock replaces the wall clock and the sleeper, for tests that need to
// observe pacing and backoff without real waiting.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) {
		m.now = now
		m.sleep = sleep
	}
}

// NewManager builds a manager with one queue per registered supplier.
func NewManager(reg *supplier.Registry, oracle ratelimit.Oracle, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		ctx:        ctx,
		cancel:     cancel,
		queues:     make(map[string]*SupplierQueue),
		tasks:      make(map[string]*models.EnrichmentTask),
		suppliers:  reg,
		oracle:     oracle,
		logger:     slog.Default(),
		maxRetries: 3,
		now:        time.Now,
		sleep:      sleepContext,
	}
	for _, o := range opts {
		o(m)
	}
	for _, name := range reg.Names() {
		desc, _, _ := reg.Lookup(name)
		m.queues[name] = NewSupplierQueue(name, desc.Delay())
	}
	return m
}

// Stop cancels all processing loops and waits for them to exit. Pending
// tasks stay in their queues; terminal tasks keep their archives.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// QueuePartEnrichment creates a task for the part and inserts it into the
// supplier's queue, starting a processing loop if none is active. Returns
// immediately; processing is asynchronous. Duplicate capabilities are
// collapsed, keeping the first occurrence's position.
func (m *Manager) QueuePartEnrichment(subjectID, subjectName, supplierName string, capabilities []models.Capability, priority models.TaskPriority) (string, error) {
	name := supplier.Normalize(supplierName)
	m.mu.Lock()
	q := m.queues[name]
	m.mu.Unlock()
	if q == nil {
		return "", fmt.Errorf("%w: %s", ErrSupplierUnavailable, supplierName)
	}

	seen := make(map[models.Capability]struct{}, len(capabilities))
	ordered := make([]models.Capability, 0, len(capabilities))
	for _, c := range capabilities {
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		ordered = append(ordered, c)
	}

	task := &models.EnrichmentTask{
		ID:           uuid.New().String(),
		SubjectID:    subjectID,
		SubjectName:  subjectName,
		Supplier:     name,
		Capabilities: ordered,
		Priority:     priority,
		Status:       models.StatusPending,
		MaxRetries:   m.maxRetries,
		CreatedAt:    m.now(),
	}

	m.mu.Lock()
	m.tasks[task.ID] = task
	m.mu.Unlock()

	q.Add(task)
	telemetry.TasksQueued.Inc()
	m.updateDepth(q)
	m.startLoop(q)
	return task.ID, nil
}

// StartProcessing starts a loop for every queue with pending work that is
// not already processing, then blocks until the loops it started have
// drained. Idempotent; safe to call again after new work arrives.
func (m *Manager) StartProcessing() {
	m.mu.Lock()
	queues := make([]*SupplierQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	var started sync.WaitGroup
	for _, q := range queues {
		if q.PendingDepth() == 0 {
			continue
		}
		if m.ctx.Err() != nil {
			break
		}
		if !q.TryBeginProcessing() {
			continue
		}
		started.Add(1)
		m.wg.Add(1)
		go func(q *SupplierQueue) {
			defer started.Done()
			defer m.wg.Done()
			m.processSupplierQueue(q)
		}(q)
	}
	started.Wait()
}

// CancelTask cancels a pending or running task. Returns false when the id is
// unknown or the task is already terminal. A running task is flagged and
// observed before its next capability begins; the in-flight fetch finishes.
func (m *Manager) CancelTask(id string) bool {
	m.mu.Lock()
	task := m.tasks[id]
	var q *SupplierQueue
	if task != nil {
		q = m.queues[task.Supplier]
	}
	m.mu.Unlock()
	if task == nil || q == nil {
		return false
	}

	var ok, removed bool
	q.withTask(func() {
		if task.Status.Terminal() {
			return
		}
		ok = true
		for i, t := range q.pending {
			if t.ID == id {
				q.pending = append(q.pending[:i], q.pending[i+1:]...)
				removed = true
				break
			}
		}
		if removed {
			task.Status = models.StatusCancelled
			done := m.now()
			task.CompletedAt = &done
		} else {
			task.RequestCancel()
		}
	})
	if !ok {
		return false
	}
	if removed {
		telemetry.TasksCancelled.Inc()
		m.updateDepth(q)
		m.notifyTerminal(q, task, progress.SeverityInfo, "enrichment cancelled")
		m.recordHistory(q, task)
	}
	return true
}

// TaskStatus returns a read-only snapshot of the task, or nil when unknown.
func (m *Manager) TaskStatus(id string) *models.TaskSnapshot {
	m.mu.Lock()
	task := m.tasks[id]
	var q *SupplierQueue
	if task != nil {
		q = m.queues[task.Supplier]
	}
	m.mu.Unlock()
	if task == nil || q == nil {
		return nil
	}
	var snap models.TaskSnapshot
	q.withTask(func() { snap = task.Snapshot() })
	return &snap
}

// QueueStatus returns the snapshot for one supplier queue.
func (m *Manager) QueueStatus(supplierName string) (models.QueueSnapshot, bool) {
	m.mu.Lock()
	q := m.queues[supplier.Normalize(supplierName)]
	m.mu.Unlock()
	if q == nil {
		return models.QueueSnapshot{}, false
	}
	return q.Snapshot(m.now()), true
}

// QueueStatuses returns snapshots for all supplier queues.
func (m *Manager) QueueStatuses() map[string]models.QueueSnapshot {
	m.mu.Lock()
	queues := make([]*SupplierQueue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.mu.Unlock()

	out := make(map[string]models.QueueSnapshot, len(queues))
	now := m.now()
	for _, q := range queues {
		out[q.Supplier()] = q.Snapshot(now)
	}
	return out
}

// Statistics sums queue counters across all suppliers.
func (m *Manager) Statistics() models.AggregateSnapshot {
	statuses := m.QueueStatuses()
	m.mu.Lock()
	total := len(m.tasks)
	m.mu.Unlock()

	agg := models.AggregateSnapshot{Suppliers: len(statuses), TotalTasks: total}
	for _, s := range statuses {
		agg.Pending += s.Pending
		agg.Running += s.Running
		agg.Completed += s.Completed
		agg.Failed += s.Failed
	}
	return agg
}

// startLoop claims the queue's processing guard and spawns its loop.
func (m *Manager) startLoop(q *SupplierQueue) {
	if m.ctx.Err() != nil {
		return
	}
	if !q.TryBeginProcessing() {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.processSupplierQueue(q)
	}()
}

// processSupplierQueue drains one supplier queue. Exactly one instance runs
// per queue; all mutation of the queue's tasks happens here or under the
// queue mutex.
func (m *Manager) processSupplierQueue(q *SupplierQueue) {
	for {
		if m.ctx.Err() != nil {
			q.AbortProcessing()
			return
		}
		task := q.Next(m.now())
		if task == nil {
			if q.FinishIfDrained() {
				return
			}
			continue
		}
		m.updateDepth(q)
		telemetry.InFlightGauge.Inc()
		err := m.processTask(q, task)
		telemetry.InFlightGauge.Dec()

		var rl *RateLimitError
		switch {
		case err == nil:
			// Task finalized inside processTask (completed or cancelled).
		case errors.As(err, &rl):
			m.requeueRateLimited(q, task)
			telemetry.RateLimitDenials.Inc()
			m.logger.Info("rate limited, backing off",
				"supplier", q.Supplier(), "task_id", task.ID, "retry_after", rl.RetryAfter)
			if sleepErr := m.sleep(m.ctx, rl.RetryAfter); sleepErr != nil {
				q.AbortProcessing()
				return
			}
		case m.ctx.Err() != nil:
			// Shutdown interrupted the task; put it back without charging a retry.
			q.Release(task.ID)
			q.Add(task)
			m.updateDepth(q)
			q.AbortProcessing()
			return
		default:
			m.retryOrFail(q, task, err)
		}
	}
}

// processTask works through the task's remaining capabilities in requested
// order. Capability-scoped failures are recorded and skipped; rate limit
// denials and task-level errors escape to the queue loop.
func (m *Manager) processTask(q *SupplierQueue, task *models.EnrichmentTask) error {
	_, exec, ok := m.suppliers.Lookup(task.Supplier)
	if !ok {
		return fmt.Errorf("no executor registered for supplier %s", task.Supplier)
	}
	ref := supplier.PartRef{ID: task.SubjectID, Name: task.SubjectName}

	for _, capability := range task.Remaining() {
		if task.CancelRequested() {
			m.finishCancelled(q, task)
			return nil
		}

		dec, err := m.oracle.Check(m.ctx, task.Supplier, capability)
		if err != nil {
			return fmt.Errorf("rate limit check: %w", err)
		}
		if !dec.Allowed {
			return &RateLimitError{RetryAfter: dec.RetryAfter}
		}

		if wait := q.PacingWait(m.now()); wait > 0 {
			if err := m.sleep(m.ctx, wait); err != nil {
				return err
			}
		}

		start := m.now()
		res, execErr := exec.Execute(m.ctx, ref, capability)
		elapsed := m.now().Sub(start)

		var errText string
		if execErr != nil {
			errText = execErr.Error()
		}
		if recErr := m.oracle.Record(m.ctx, task.Supplier, capability, execErr == nil, elapsed, errText); recErr != nil {
			m.logger.Warn("record request outcome",
				"supplier", task.Supplier, "capability", string(capability), "error", recErr)
		}

		var capErr *supplier.CapabilityError
		switch {
		case execErr == nil:
			q.withTask(func() { task.Completed = append(task.Completed, capability) })
			q.RecordRequest(m.now())
			telemetry.CapabilitySuccesses.Inc()
			m.logger.Debug("capability fetched",
				"supplier", task.Supplier, "task_id", task.ID,
				"capability", string(capability), "location", res.Location, "elapsed", elapsed)
			m.emitProgress(q, task, capability)
		case errors.As(execErr, &capErr):
			q.withTask(func() { task.Failed = append(task.Failed, capability) })
			telemetry.CapabilityFailures.Inc()
			m.logger.Warn("capability failed",
				"supplier", task.Supplier, "task_id", task.ID,
				"capability", string(capability), "error", execErr)
			m.emitProgress(q, task, capability)
		default:
			return execErr
		}
	}

	m.finishCompleted(q, task)
	return nil
}

// requeueRateLimited puts a denied task back into pending at its original
// priority. Status passes through rate_limited before the re-insert flips it
// back to pending.
func (m *Manager) requeueRateLimited(q *SupplierQueue, task *models.EnrichmentTask) {
	q.Release(task.ID)
	q.withTask(func() { task.Status = models.StatusRateLimited })
	q.Add(task)
	m.updateDepth(q)
}

// retryOrFail applies the retry policy for a task-level error: requeue at
// the task's original priority until the retry budget is spent, then archive
// as failed. A retried task competes with fresh arrivals purely by
// priority and arrival order; no aging or elevation (a low-priority retry
// can wait behind newer normal-priority work indefinitely).
func (m *Manager) retryOrFail(q *SupplierQueue, task *models.EnrichmentTask, cause error) {
	var exhausted bool
	q.withTask(func() {
		task.RetryCount++
		task.ErrorMessage = cause.Error()
		exhausted = task.RetryCount > task.MaxRetries
	})

	if !exhausted {
		telemetry.TaskRetries.Inc()
		m.logger.Warn("task failed, retrying",
			"supplier", q.Supplier(), "task_id", task.ID,
			"retry", task.RetryCount, "max_retries", task.MaxRetries, "error", cause)
		q.Release(task.ID)
		q.Add(task)
		m.updateDepth(q)
		return
	}

	q.withTask(func() {
		// Account for capabilities the fatal error left unresolved.
		task.Failed = append(task.Failed, task.Remaining()...)
		task.Status = models.StatusFailed
		done := m.now()
		task.CompletedAt = &done
	})
	q.ArchiveFailed(task)
	telemetry.TasksFailed.Inc()
	m.logger.Error("task failed permanently",
		"supplier", q.Supplier(), "task_id", task.ID, "error", cause)
	m.notifyTerminal(q, task, progress.SeverityError,
		fmt.Sprintf("enrichment failed after %d attempts: %v", task.RetryCount, cause))
	m.recordHistory(q, task)
}

// finishCompleted archives the task as completed. Partial success is still
// completed; the notification severity reflects how much failed.
func (m *Manager) finishCompleted(q *SupplierQueue, task *models.EnrichmentTask) {
	var failedCount, total int
	q.withTask(func() {
		task.Status = models.StatusCompleted
		done := m.now()
		task.CompletedAt = &done
		failedCount = len(task.Failed)
		total = len(task.Capabilities)
	})
	q.ArchiveCompleted(task)
	telemetry.TasksCompleted.Inc()

	switch {
	case failedCount == 0:
		m.notifyTerminal(q, task, progress.SeverityInfo, "enrichment completed")
	case failedCount < total:
		m.notifyTerminal(q, task, progress.SeverityWarning,
			fmt.Sprintf("enrichment completed with %d of %d capabilities failed", failedCount, total))
	default:
		m.notifyTerminal(q, task, progress.SeverityError, "enrichment failed for all capabilities")
	}
	m.recordHistory(q, task)
}

// finishCancelled finalizes a running task whose cancel flag was observed.
func (m *Manager) finishCancelled(q *SupplierQueue, task *models.EnrichmentTask) {
	q.Release(task.ID)
	q.withTask(func() {
		task.Status = models.StatusCancelled
		done := m.now()
		task.CompletedAt = &done
	})
	telemetry.TasksCancelled.Inc()
	m.notifyTerminal(q, task, progress.SeverityInfo, "enrichment cancelled")
	m.recordHistory(q, task)
}

func (m *Manager) emitProgress(q *SupplierQueue, task *models.EnrichmentTask, current models.Capability) {
	if m.publisher == nil {
		return
	}
	var resolved, total int
	q.withTask(func() {
		resolved = len(task.Completed) + len(task.Failed)
		total = len(task.Capabilities)
	})
	var percent float64
	if total > 0 {
		percent = float64(resolved) / float64(total) * 100
	}
	m.publisher.Publish(progress.Event{
		TaskID:      task.ID,
		Supplier:    task.Supplier,
		SubjectID:   task.SubjectID,
		SubjectName: task.SubjectName,
		Completed:   resolved,
		Total:       total,
		Percent:     percent,
		Current:     current,
	})
}

func (m *Manager) notifyTerminal(q *SupplierQueue, task *models.EnrichmentTask, severity progress.Severity, message string) {
	if m.publisher == nil {
		return
	}
	var failed []models.Capability
	q.withTask(func() { failed = append([]models.Capability(nil), task.Failed...) })
	m.publisher.Notify(progress.Notification{
		TaskID:      task.ID,
		Supplier:    task.Supplier,
		SubjectID:   task.SubjectID,
		SubjectName: task.SubjectName,
		Severity:    severity,
		Message:     message,
		Failed:      failed,
	})
}

func (m *Manager) recordHistory(q *SupplierQueue, task *models.EnrichmentTask) {
	if m.history == nil {
		return
	}
	var snap models.TaskSnapshot
	q.withTask(func() { snap = task.Snapshot() })
	if err := m.history.RecordTerminal(m.ctx, snap); err != nil {
		m.logger.Warn("record task history", "task_id", task.ID, "error", err)
	}
}

func (m *Manager) updateDepth(q *SupplierQueue) {
	telemetry.QueueDepthGauge.WithLabelValues(q.Supplier()).Set(float64(q.PendingDepth()))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
