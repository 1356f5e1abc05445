package domain

import "time"

// NodeTrace is the status-only summary of one node dispatch
type NodeTrace struct {
	Name           string     `json:"name"`
	Status         NodeStatus `json:"status"`
	HTTPStatus     int        `json:"http_status,omitempty"`
	DurationMs     int64      `json:"duration_ms"`
	SkippedBecause string     `json:"skipped_because,omitempty"`
}

// ExecutionRecord is the trace of one handled request. It never carries
// request or response bodies.
type ExecutionRecord struct {
	// ExecutionID is assigned by the service and unique per handled request.
	// RequestID is the caller's correlation ID and may repeat.
	ExecutionID  string      `json:"execution_id"`
	RequestID    string      `json:"request_id"`
	Model        string      `json:"model"`
	Outcome      string      `json:"outcome"`
	HTTPStatus   int         `json:"http_status"`
	TerminalNode string      `json:"terminal_node"`
	Nodes        []NodeTrace `json:"nodes"`
	StartedAt    time.Time   `json:"started_at"`
	CompletedAt  time.Time   `json:"completed_at"`
}

// OutcomeSuccess is the outcome of a request that produced a response
const OutcomeSuccess = "success"
