package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventType names an audit event on the job lifecycle.
type EventType string

const (
	JobCreated      EventType = "job.created"
	JobCancelled    EventType = "job.cancelled"
	JobCompleted    EventType = "job.completed"
	JobFailed       EventType = "job.failed"
	FileRetried     EventType = "file.retried"
	FileFailed      EventType = "file.failed"
	QuotaDenied     EventType = "quota.denied"
	ArtifactCreated EventType = "artifact.created"
	ArtifactFailed  EventType = "artifact.failed"
)

// Event is the audit envelope published on every lifecycle transition.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent stamps a fresh envelope.
func NewEvent(eventType EventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Data:      data,
	}
}

// ToJSON serializes the event for the wire.
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers audit events. Publishing is best effort: callers log
// failures but never fail the job transition that produced the event.
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Close() error
}
