// Package ports declares the interfaces the orchestration core depends on.
// Adapters under pkg/adapters implement them.
package ports

import (
	"context"
	"errors"
	"time"

	"github.com/aescanero/megaservice/pkg/domain"
)

// EventHandler handles one event delivered by an EventBus
type EventHandler func(ctx context.Context, event domain.Event) error

// EventBus publishes and delivers orchestration events
type EventBus interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
	// Subscribe delivers events until ctx is cancelled
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Unsubscribe(ctx context.Context, topic string) error
	Close() error
}

// ErrNotFound is returned by an ExecutionStore for unknown execution IDs
var ErrNotFound = errors.New("execution not found")

// ExecutionStore keeps status-only execution traces keyed by execution ID
type ExecutionStore interface {
	Save(ctx context.Context, record *domain.ExecutionRecord) error
	Get(ctx context.Context, executionID string) (*domain.ExecutionRecord, error)
	List(ctx context.Context, limit int) ([]*domain.ExecutionRecord, error)
}

// MetricsCollector records orchestration metrics
type MetricsCollector interface {
	RecordRequest(outcome string, duration time.Duration)
	RecordNode(node, role string, status domain.NodeStatus, duration time.Duration)
	RecordDefaultApplied(kind string)
	SetInFlight(count int)
	SetNodeHealth(node string, healthy bool)
}
