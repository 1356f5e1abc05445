package health

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/aescanero/megaservice/pkg/domain/graph"
	"github.com/aescanero/megaservice/pkg/ports"
	"go.uber.org/zap"
)

// DialFunc opens a connection to addr
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// NodeStatus is the latest probe result of one node
type NodeStatus struct {
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	Remote    bool      `json:"remote"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Status summarizes the health of every node
type Status struct {
	Healthy   bool         `json:"healthy"`
	Nodes     []NodeStatus `json:"nodes"`
	Timestamp time.Time    `json:"timestamp"`
}

// Monitor periodically probes graph nodes
type Monitor struct {
	nodes    []graph.ServiceNode
	interval time.Duration
	timeout  time.Duration
	dial     DialFunc
	metrics  ports.MetricsCollector
	logger   *zap.Logger

	mu       sync.RWMutex
	statuses map[string]NodeStatus
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Config holds the monitor settings
type Config struct {
	Interval time.Duration
	Timeout  time.Duration

	// Dial defaults to a net.Dialer
	Dial    DialFunc
	Metrics ports.MetricsCollector
	Logger  *zap.Logger
}

// NewMonitor creates a monitor for the given nodes
func NewMonitor(nodes []graph.ServiceNode, cfg Config) *Monitor {
	m := &Monitor{
		nodes:    append([]graph.ServiceNode(nil), nodes...),
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		dial:     cfg.Dial,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		statuses: make(map[string]NodeStatus, len(nodes)),
	}
	if m.interval <= 0 {
		m.interval = 30 * time.Second
	}
	if m.timeout <= 0 {
		m.timeout = 2 * time.Second
	}
	if m.dial == nil {
		d := &net.Dialer{}
		m.dial = d.DialContext
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

// Start probes all nodes once and then on every interval until Stop
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run()
}

// Stop stops the monitor and waits for an in-progress check to finish
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check probes every node concurrently and records the results
func (m *Monitor) Check(ctx context.Context) {
	var wg sync.WaitGroup
	results := make([]NodeStatus, len(m.nodes))

	for i, node := range m.nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = m.probe(ctx, node)
		}()
	}
	wg.Wait()

	m.mu.Lock()
	for _, st := range results {
		prev, seen := m.statuses[st.Name]
		m.statuses[st.Name] = st
		if seen && prev.Healthy != st.Healthy {
			if st.Healthy {
				m.logger.Info("node became reachable",
					zap.String("node", st.Name),
					zap.String("address", st.Address))
			} else {
				m.logger.Warn("node became unreachable",
					zap.String("node", st.Name),
					zap.String("address", st.Address),
					zap.String("error", st.Error))
			}
		} else if !seen && !st.Healthy {
			m.logger.Warn("node is unreachable",
				zap.String("node", st.Name),
				zap.String("address", st.Address),
				zap.String("error", st.Error))
		}
	}
	m.mu.Unlock()

	if m.metrics != nil {
		for _, st := range results {
			m.metrics.SetNodeHealth(st.Name, st.Healthy)
		}
	}
}

// probe dials a remote node. In-process nodes are always healthy.
func (m *Monitor) probe(ctx context.Context, node graph.ServiceNode) NodeStatus {
	st := NodeStatus{
		Name:      node.Name,
		Remote:    node.Remote,
		Healthy:   true,
		CheckedAt: time.Now(),
	}
	if !node.Remote {
		return st
	}
	st.Address = node.Address()

	dialCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	conn, err := m.dial(dialCtx, "tcp", st.Address)
	if err != nil {
		st.Healthy = false
		st.Error = err.Error()
		return st
	}
	_ = conn.Close()
	return st
}

// GetStatus returns the latest probe results. Nodes not yet probed are
// reported unhealthy.
func (m *Monitor) GetStatus() *Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := &Status{Healthy: true, Timestamp: time.Now()}
	for _, node := range m.nodes {
		st, ok := m.statuses[node.Name]
		if !ok {
			st = NodeStatus{Name: node.Name, Remote: node.Remote, Error: "not checked yet"}
			if node.Remote {
				st.Address = node.Address()
			}
		}
		if !st.Healthy {
			status.Healthy = false
		}
		status.Nodes = append(status.Nodes, st)
	}
	sort.Slice(status.Nodes, func(i, j int) bool { return status.Nodes[i].Name < status.Nodes[j].Name })
	return status
}

// IsHealthy returns true if every node answered its last probe
func (m *Monitor) IsHealthy() bool {
	return m.GetStatus().Healthy
}
