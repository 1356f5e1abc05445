package orchestrator

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aescanero/megaservice/pkg/domain"
	"github.com/aescanero/megaservice/pkg/domain/graph"
	"github.com/aescanero/megaservice/pkg/ports"
	"github.com/stretchr/testify/require"
)

// backend is a test node server that records the payloads it receives
type backend struct {
	srv      *httptest.Server
	hits     atomic.Int64
	mu       sync.Mutex
	payloads [][]byte
}

func newBackend(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *backend {
	t.Helper()
	b := &backend{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b.hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		b.mu.Lock()
		b.payloads = append(b.payloads, body)
		b.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

// jsonBackend answers every request with status and body
func jsonBackend(t *testing.T, status int, body string) *backend {
	return newBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}

func (b *backend) node(t *testing.T, name string) graph.ServiceNode {
	t.Helper()
	host, port, err := net.SplitHostPort(b.srv.Listener.Addr().String())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	return graph.ServiceNode{
		Name:   name,
		Host:   host,
		Port:   p,
		Path:   "/v1/" + name,
		Role:   graph.RoleGeneric,
		Remote: true,
	}
}

func (b *backend) lastPayload() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.payloads) == 0 {
		return nil
	}
	return b.payloads[len(b.payloads)-1]
}

func buildGraph(t *testing.T, nodes []graph.ServiceNode, edges ...graph.Edge) *graph.Graph {
	t.Helper()
	g, err := BuildGraph(Topology{Nodes: nodes, Edges: edges})
	require.NoError(t, err)
	return g
}

func chatRequest() *domain.ChatCompletionRequest {
	return &domain.ChatCompletionRequest{
		Model:    "test-model",
		Messages: []domain.ChatMessage{{Role: "user", Content: "What is a DAG?"}},
	}
}

const validBody = `{
	"id": "chatcmpl-abc",
	"object": "chat.completion",
	"created": 1700000000,
	"model": "backend-model",
	"choices": [{"index": 0, "message": {"role": "assistant", "content": "A directed acyclic graph."}, "finish_reason": "stop"}],
	"usage": {"prompt_tokens": 7, "completion_tokens": 5, "total_tokens": 12}
}`

// recordingMetrics records every metric call
type recordingMetrics struct {
	mu       sync.Mutex
	requests map[string]int
	nodes    map[string]domain.NodeStatus
	defaults map[string]int
	inFlight []int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		requests: map[string]int{},
		nodes:    map[string]domain.NodeStatus{},
		defaults: map[string]int{},
	}
}

func (m *recordingMetrics) RecordRequest(outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[outcome]++
}

func (m *recordingMetrics) RecordNode(node, _ string, status domain.NodeStatus, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[node] = status
}

func (m *recordingMetrics) RecordDefaultApplied(kind string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults[kind]++
}

func (m *recordingMetrics) SetInFlight(count int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inFlight = append(m.inFlight, count)
}

func (m *recordingMetrics) SetNodeHealth(string, bool) {}

// recordingBus collects published events synchronously
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, topic string, event domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBus) Subscribe(context.Context, string, ports.EventHandler) error {
	return nil
}

func (b *recordingBus) Unsubscribe(context.Context, string) error { return nil }

func (b *recordingBus) Close() error { return nil }

func (b *recordingBus) types() []domain.EventType {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.EventType, len(b.events))
	for i, e := range b.events {
		out[i] = e.Type
	}
	return out
}
