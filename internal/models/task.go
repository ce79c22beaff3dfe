package models

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// TaskStatus enumerates enrichment task lifecycle states.
type TaskStatus string

const (
	StatusPending     TaskStatus = "pending"
	StatusRunning     TaskStatus = "running"
	StatusCompleted   TaskStatus = "completed"
	StatusFailed      TaskStatus = "failed"
	StatusRateLimited TaskStatus = "rate_limited"
	StatusCancelled   TaskStatus = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func (s TaskStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusRateLimited, StatusCancelled:
		return true
	}
	return false
}

// TaskPriority orders tasks within a supplier queue. Higher values win.
type TaskPriority int

const (
	PriorityLow TaskPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority maps a request string to a priority tier.
func ParsePriority(v string) (TaskPriority, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", v)
}

// Capability is a kind of supplier-sourced enrichment data.
type Capability string

const (
	CapabilityDatasheet Capability = "datasheet"
	CapabilityImage     Capability = "image"
	CapabilityPricing   Capability = "pricing"
	CapabilityStock     Capability = "stock"
)

func (c Capability) IsValid() bool {
	switch c {
	case CapabilityDatasheet, CapabilityImage, CapabilityPricing, CapabilityStock:
		return true
	}
	return false
}

// ParseCapability validates a request string against the closed capability set.
func ParseCapability(v string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(v)))
	if !c.IsValid() {
		return "", fmt.Errorf("unknown capability %q", v)
	}
	return c, nil
}

// EnrichmentTask is one unit of enrichment work: one part, one supplier, an
// ordered set of capabilities. Fields other than the cancel flag are guarded
// by the owning supplier queue's mutex; only that queue's processing loop
// mutates them once the task is registered.
type EnrichmentTask struct {
	ID           string
	SubjectID    string
	SubjectName  string
	Supplier     string
	Capabilities []Capability
	Priority     TaskPriority

	Status       TaskStatus
	Completed    []Capability
	Failed       []Capability
	RetryCount   int
	MaxRetries   int
	ErrorMessage string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	cancel atomic.Bool
}

// RequestCancel flags the task for cancellation. The processing loop observes
// the flag before each capability; an in-flight fetch is allowed to finish.
func (t *EnrichmentTask) RequestCancel() { t.cancel.Store(true) }

// CancelRequested reports whether cancellation has been requested.
func (t *EnrichmentTask) CancelRequested() bool { return t.cancel.Load() }

// Resolved reports whether the capability has already succeeded or failed.
func (t *EnrichmentTask) Resolved(c Capability) bool {
	for _, d := range t.Completed {
		if d == c {
			return true
		}
	}
	for _, d := range t.Failed {
		if d == c {
			return true
		}
	}
	return false
}

// Remaining returns the capabilities not yet resolved, in requested order.
func (t *EnrichmentTask) Remaining() []Capability {
	out := make([]Capability, 0, len(t.Capabilities))
	for _, c := range t.Capabilities {
		if !t.Resolved(c) {
			out = append(out, c)
		}
	}
	return out
}

// Snapshot copies the task into an immutable view for external callers.
func (t *EnrichmentTask) Snapshot() TaskSnapshot {
	return TaskSnapshot{
		ID:           t.ID,
		SubjectID:    t.SubjectID,
		SubjectName:  t.SubjectName,
		Supplier:     t.Supplier,
		Capabilities: append([]Capability(nil), t.Capabilities...),
		Completed:    append([]Capability(nil), t.Completed...),
		Failed:       append([]Capability(nil), t.Failed...),
		Priority:     t.Priority.String(),
		Status:       t.Status,
		RetryCount:   t.RetryCount,
		MaxRetries:   t.MaxRetries,
		ErrorMessage: t.ErrorMessage,
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
	}
}

// TaskSnapshot is the read-only task view served to status queries.
type TaskSnapshot struct {
	ID           string       `json:"id"`
	SubjectID    string       `json:"subject_id"`
	SubjectName  string       `json:"subject_name"`
	Supplier     string       `json:"supplier"`
	Capabilities []Capability `json:"capabilities"`
	Completed    []Capability `json:"completed_capabilities"`
	Failed       []Capability `json:"failed_capabilities"`
	Priority     string       `json:"priority"`
	Status       TaskStatus   `json:"status"`
	RetryCount   int          `json:"retry_count"`
	MaxRetries   int          `json:"max_retries"`
	ErrorMessage string       `json:"error_message,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	StartedAt    *time.Time   `json:"started_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

// QueueSnapshot summarizes one supplier queue.
type QueueSnapshot struct {
	Supplier            string     `json:"supplier"`
	Pending             int        `json:"pending"`
	Running             int        `json:"running"`
	Completed           int        `json:"completed"`
	Failed              int        `json:"failed"`
	Processing          bool       `json:"processing"`
	RateLimitDelay      string     `json:"rate_limit_delay"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

// AggregateSnapshot sums queue counters across all suppliers.
type AggregateSnapshot struct {
	Suppliers  int `json:"suppliers"`
	Pending    int `json:"pending"`
	Running    int `json:"running"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	TotalTasks int `json:"total_tasks"`
}
