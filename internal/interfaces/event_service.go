package interfaces

import (
	"context"
	"time"
)

// EventType represents different event types in the system
type EventType string

const (
	// Batch lifecycle events. Payload: models.BatchRecord (started, failed, cancelled),
	// models.BatchProgress (progress), *models.MergedResult (completed).
	EventBatchStarted   EventType = "batch_started"
	EventBatchProgress  EventType = "batch_progress"
	EventBatchCompleted EventType = "batch_completed"
	EventBatchFailed    EventType = "batch_failed"
	EventBatchCancelled EventType = "batch_cancelled"

	// Per-job events. Payload: JobEvent.
	EventJobSubmitted EventType = "job_submitted"
	EventJobProgress  EventType = "job_progress"
	EventJobCompleted EventType = "job_completed"
	EventJobFailed    EventType = "job_failed"
)

// AllEventTypes lists every event type published by the orchestrator
var AllEventTypes = []EventType{
	EventBatchStarted,
	EventBatchProgress,
	EventBatchCompleted,
	EventBatchFailed,
	EventBatchCancelled,
	EventJobSubmitted,
	EventJobProgress,
	EventJobCompleted,
	EventJobFailed,
}

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// JobEvent is the payload of the per-job events
type JobEvent struct {
	BatchID   string    `json:"batch_id"`
	TaskID    string    `json:"task_id,omitempty"`
	Key       string    `json:"key"`
	Status    string    `json:"status"`
	Progress  int       `json:"progress"`
	Step      string    `json:"step,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	// Subscribe registers a handler and returns its subscription ID
	Subscribe(eventType EventType, handler EventHandler) (string, error)

	// Unsubscribe removes the handler registered under subscriptionID
	Unsubscribe(eventType EventType, subscriptionID string) error

	// Publish an event to all subscribers
	Publish(ctx context.Context, event Event) error

	// PublishSync publishes event and waits for all handlers to complete
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
