// Package progress decouples the enrichment scheduler from delivery of
// progress updates. The scheduler publishes immutable event values onto a
// buffered channel; a consumer goroutine fans them out to registered sinks.
package progress

import (
	"log/slog"
	"sync"

	"parts-enrichment/internal/models"
)

// Event reports per-capability progress of a running task.
type Event struct {
	TaskID      string            `json:"task_id"`
	Supplier    string            `json:"supplier"`
	SubjectID   string            `json:"subject_id"`
	SubjectName string            `json:"subject_name"`
	Completed   int               `json:"capabilities_completed"`
	Total       int               `json:"capabilities_total"`
	Percent     float64           `json:"progress_percentage"`
	Current     models.Capability `json:"current_capability"`
}

// Severity classifies terminal notifications.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Notification is the terminal message emitted once per task.
type Notification struct {
	TaskID      string              `json:"task_id"`
	Supplier    string              `json:"supplier"`
	SubjectID   string              `json:"subject_id"`
	SubjectName string              `json:"subject_name"`
	Severity    Severity            `json:"severity"`
	Message     string              `json:"message"`
	Failed      []models.Capability `json:"failed_capabilities,omitempty"`
}

// Sink receives events after they leave the scheduler. Implementations must
// not block for long; slow sinks delay every other sink, not the scheduler.
type Sink interface {
	Progress(Event)
	Notify(Notification)
}

type message struct {
	event        *Event
	notification *Notification
}

// Publisher owns the event channel and the consumer goroutine. Publishing is
// non-blocking: if the buffer is full the message is dropped (fire and
// forget, per the scheduler's contract with the transport layer).
type Publisher struct {
	ch        chan message
	sinks     []Sink
	done      chan struct{}
	closeOnce sync.Once
}

// NewPublisher starts the consumer goroutine. A buffer of zero falls back to
// a small default so publishing stays non-blocking.
func NewPublisher(buffer int, sinks ...Sink) *Publisher {
	if buffer <= 0 {
		buffer = 64
	}
	p := &Publisher{
		ch:    make(chan message, buffer),
		sinks: sinks,
		done:  make(chan struct{}),
	}
	go p.consume()
	return p
}

func (p *Publisher) consume() {
	defer close(p.done)
	for msg := range p.ch {
		for _, s := range p.sinks {
			if msg.event != nil {
				s.Progress(*msg.event)
			}
			if msg.notification != nil {
				s.Notify(*msg.notification)
			}
		}
	}
}

// Publish forwards a progress event without blocking.
func (p *Publisher) Publish(e Event) {
	select {
	case p.ch <- message{event: &e}:
	default:
	}
}

// Notify forwards a terminal notification without blocking.
func (p *Publisher) Notify(n Notification) {
	select {
	case p.ch <- message{notification: &n}:
	default:
	}
}

// Close drains buffered messages and stops the consumer. Publishing after
// Close panics, so callers stop the scheduler first.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		close(p.ch)
		<-p.done
	})
}

// LogSink writes progress to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Progress(e Event) {
	s.Logger.Debug("enrichment progress",
		"task_id", e.TaskID,
		"supplier", e.Supplier,
		"subject_id", e.SubjectID,
		"capability", string(e.Current),
		"completed", e.Completed,
		"total", e.Total,
		"percent", e.Percent,
	)
}

func (s LogSink) Notify(n Notification) {
	attrs := []any{
		"task_id", n.TaskID,
		"supplier", n.Supplier,
		"subject_id", n.SubjectID,
		"message", n.Message,
	}
	switch n.Severity {
	case SeverityError:
		s.Logger.Error("enrichment finished", attrs...)
	case SeverityWarning:
		s.Logger.Warn("enrichment finished", attrs...)
	default:
		s.Logger.Info("enrichment finished", attrs...)
	}
}
