package queue

import (
	"testing"
	"time"

	"parts-enrichment/internal/models"
)

func newTestTask(id string, priority models.TaskPriority, caps ...models.Capability) *models.EnrichmentTask {
	if len(caps) == 0 {
		caps = []models.Capability{models.CapabilityDatasheet}
	}
	return &models.EnrichmentTask{
		ID:           id,
		SubjectID:    "part-" + id,
		SubjectName:  "Part " + id,
		Supplier:     "MOUSER",
		Capabilities: caps,
		Priority:     priority,
		Status:       models.StatusPending,
		MaxRetries:   3,
		CreatedAt:    time.Now(),
	}
}

func TestPriorityOrdering(t *testing.T) {
	q := NewSupplierQueue("MOUSER", 0)
	q.Add(newTestTask("normal", models.PriorityNormal))
	q.Add(newTestTask("urgent", models.PriorityUrgent))
	q.Add(newTestTask("high", models.PriorityHigh))

	want := []string{"urgent", "high", "normal"}
	for _, expected := range want {
		task := q.Next(time.Now())
		if task == nil {
			t.Fatalf("expected task %q, queue empty", expected)
		}
		if task.ID != expected {
			t.Fatalf("expected %q, got %q", expected, task.ID)
		}
	}
	if task := q.Next(time.Now()); task != nil {
		t.Fatalf("expected empty queue, got %q", task.ID)
	}
}

func TestPriorityTiesKeepArrivalOrder(t *testing.T) {
	q := NewSupplierQueue("MOUSER", 0)
	q.Add(newTestTask("u1", models.PriorityUrgent))
	q.Add(newTestTask("h1", models.PriorityHigh))
	q.Add(newTestTask("u2", models.PriorityUrgent))
	q.Add(newTestTask("n1", models.PriorityNormal))
	q.Add(newTestTask("h2", models.PriorityHigh))
	q.Add(newTestTask("l1", models.PriorityLow))
	q.Add(newTestTask("n2", models.PriorityNormal))

	want := []string{"u1", "u2", "h1", "h2", "n1", "l1", "n2"}
	for _, expected := range want {
		task := q.Next(time.Now())
		if task == nil || task.ID != expected {
			t.Fatalf("expected %q, got %v", expected, task)
		}
	}
}

func TestNextMarksRunning(t *testing.T) {
	q := NewSupplierQueue("MOUSER", 0)
	q.Add(newTestTask("a", models.PriorityNormal))

	task := q.Next(time.Now())
	if task.Status != models.StatusRunning {
		t.Fatalf("expected running, got %s", task.Status)
	}
	if task.StartedAt == nil {
		t.Fatalf("expected started_at to be set")
	}
	snap := q.Snapshot(time.Now())
	if snap.Running != 1 || snap.Pending != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestRemovePending(t *testing.T) {
	q := NewSupplierQueue("MOUSER", 0)
	q.Add(newTestTask("a", models.PriorityNormal))
	q.Add(newTestTask("b", models.PriorityNormal))

	if !q.RemovePending("a") {
		t.Fatalf("expected to remove pending task")
	}
	if q.RemovePending("a") {
		t.Fatalf("expected second removal to fail")
	}
	task := q.Next(time.Now())
	if task == nil || task.ID != "b" {
		t.Fatalf("expected b at the front, got %v", task)
	}
}

func TestEstimateCompletion(t *testing.T) {
	q := NewSupplierQueue("MOUSER", 2*time.Second)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if eta := q.EstimateCompletion(now); eta != nil {
		t.Fatalf("expected nil estimate for empty queue, got %v", eta)
	}

	q.Add(newTestTask("a", models.PriorityNormal, models.CapabilityDatasheet, models.CapabilityImage))
	q.Add(newTestTask("b", models.PriorityNormal, models.CapabilityPricing))

	eta := q.EstimateCompletion(now)
	if eta == nil {
		t.Fatalf("expected an estimate")
	}
	if want := now.Add(6 * time.Second); !eta.Equal(want) {
		t.Fatalf("expected eta %v, got %v", want, *eta)
	}
}

func TestPacingWait(t *testing.T) {
	q := NewSupplierQueue("MOUSER", 2*time.Second)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if wait := q.PacingWait(now); wait != 0 {
		t.Fatalf("expected no wait before any request, got %s", wait)
	}

	q.RecordRequest(now)
	if wait := q.PacingWait(now.Add(500 * time.Millisecond)); wait != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s wait, got %s", wait)
	}
	if wait := q.PacingWait(now.Add(3 * time.Second)); wait != 0 {
		t.Fatalf("expected no wait after delay elapsed, got %s", wait)
	}
}

func TestProcessingGuard(t *testing.T) {
	q := NewSupplierQueue("MOUSER", 0)
	if !q.TryBeginProcessing() {
		t.Fatalf("expected to claim the guard")
	}
	if q.TryBeginProcessing() {
		t.Fatalf("expected second claim to fail")
	}

	// Work added before the loop exits keeps the guard held.
	q.Add(newTestTask("a", models.PriorityNormal))
	if q.FinishIfDrained() {
		t.Fatalf("expected finish to fail with pending work")
	}
	q.Next(time.Now())
	if !q.FinishIfDrained() {
		t.Fatalf("expected finish once drained")
	}
	if !q.TryBeginProcessing() {
		t.Fatalf("expected guard to be reclaimable")
	}
}
