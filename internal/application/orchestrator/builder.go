package orchestrator

import (
	"fmt"

	"github.com/aescanero/megaservice/pkg/domain/graph"
)

// Topology is the static description of an execution graph
type Topology struct {
	Nodes []graph.ServiceNode `yaml:"nodes"`
	Edges []graph.Edge        `yaml:"edges"`

	// ResponseNode is the node whose downstream sink carries the response
	ResponseNode string `yaml:"response_node"`
}

// BuildGraph builds and validates the graph described by t. Every failure
// is an OrchestrationError of kind configuration_error.
func BuildGraph(t Topology) (*graph.Graph, error) {
	if len(t.Nodes) == 0 {
		return nil, configurationError(fmt.Errorf("topology has no nodes"))
	}

	g := graph.New()
	for _, node := range t.Nodes {
		if err := g.Add(node); err != nil {
			return nil, configurationError(fmt.Errorf("failed to add node %s: %w", node.Name, err))
		}
	}

	for _, edge := range t.Edges {
		if err := g.Connect(edge.From, edge.To); err != nil {
			return nil, configurationError(fmt.Errorf("failed to connect %s -> %s: %w", edge.From, edge.To, err))
		}
	}

	if _, err := g.TopologicalOrder(); err != nil {
		return nil, configurationError(err)
	}

	return g, nil
}
