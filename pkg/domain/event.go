package domain

import "time"

// EventType identifies an orchestration event
type EventType string

const (
	EventTypeRequestStarted   EventType = "request.started"
	EventTypeNodeCompleted    EventType = "node.completed"
	EventTypeRequestCompleted EventType = "request.completed"
)

// EventsTopic is the topic all orchestration events are published on
const EventsTopic = "orchestration.events"

// Event is published on the event bus while requests are orchestrated
type Event struct {
	ID          string                 `json:"id"`
	Type        EventType              `json:"type"`
	ExecutionID string                 `json:"execution_id"`
	RequestID   string                 `json:"request_id"`
	NodeName    string                 `json:"node,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]interface{} `json:"data,omitempty"`
}
