package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/aescanero/megaservice/internal/application/orchestrator"
	"github.com/aescanero/megaservice/pkg/domain/graph"
	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

// ServiceConfig is the outbound address of one node, read from
// <NODE>_SERVICE_* variables
type ServiceConfig struct {
	HostIP    string `env:"HOST_IP"`
	Port      int    `env:"PORT"`
	Endpoint  string `env:"ENDPOINT"`
	Streaming bool   `env:"STREAMING"`
	Role      string `env:"ROLE"`
	Remote    bool   `env:"REMOTE"`
}

// serviceAddress is the short <NODE>_HOST / <NODE>_PORT form of a node
// address. <NODE>_SERVICE_* variables take precedence over it.
type serviceAddress struct {
	Host string `env:"HOST"`
	Port int    `env:"PORT"`
}

// serviceDefaults are the addresses used when a well-known node has no
// variables set
var serviceDefaults = map[string]ServiceConfig{
	"embedding": {HostIP: "0.0.0.0", Port: 6000, Endpoint: "/v1/embeddings", Role: string(graph.RoleEmbedding), Remote: true},
	"llm":       {HostIP: "0.0.0.0", Port: 8008, Endpoint: "/v1/chat/completions", Streaming: true, Role: string(graph.RoleLLM), Remote: true},
	"rerank":    {HostIP: "0.0.0.0", Port: 8000, Endpoint: "/v1/reranking", Role: string(graph.RoleRerank), Remote: true},
	"retriever": {HostIP: "0.0.0.0", Port: 7000, Endpoint: "/v1/retrieval", Role: string(graph.RoleRetriever), Remote: true},
}

// nodePrefix returns the variable prefix of a node, e.g. LLM_
func nodePrefix(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_"
}

// servicePrefix returns the service variable prefix of a node, e.g. LLM_SERVICE_
func servicePrefix(name string) string {
	return nodePrefix(name) + "SERVICE_"
}

// loadService resolves the configuration of one node
func loadService(name string, vars map[string]string) (graph.ServiceNode, error) {
	sc, ok := serviceDefaults[name]
	if !ok {
		sc = ServiceConfig{Remote: true}
	}

	var addr serviceAddress
	if err := env.ParseWithOptions(&addr, env.Options{Environment: vars, Prefix: nodePrefix(name)}); err != nil {
		return graph.ServiceNode{}, fmt.Errorf("node %s: %w", name, err)
	}
	if addr.Host != "" {
		sc.HostIP = addr.Host
	}
	if addr.Port != 0 {
		sc.Port = addr.Port
	}

	if err := env.ParseWithOptions(&sc, env.Options{Environment: vars, Prefix: servicePrefix(name)}); err != nil {
		return graph.ServiceNode{}, fmt.Errorf("node %s: %w", name, err)
	}

	role, err := graph.ParseRole(sc.Role)
	if err != nil {
		return graph.ServiceNode{}, fmt.Errorf("node %s: %w", name, err)
	}

	return graph.ServiceNode{
		Name:      name,
		Host:      sc.HostIP,
		Port:      sc.Port,
		Path:      sc.Endpoint,
		Role:      role,
		Remote:    sc.Remote,
		Streaming: sc.Streaming,
	}, nil
}

// topologyFromEnv builds a topology from PIPELINE_*, <NODE>_SERVICE_* and
// <NODE>_HOST/<NODE>_PORT variables
func topologyFromEnv(p PipelineConfig, vars map[string]string) (orchestrator.Topology, error) {
	t := orchestrator.Topology{ResponseNode: strings.TrimSpace(p.ResponseNode)}

	for _, raw := range p.Nodes {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		node, err := loadService(name, vars)
		if err != nil {
			return orchestrator.Topology{}, err
		}
		t.Nodes = append(t.Nodes, node)
	}

	for _, raw := range p.Edges {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		edge, err := parseEdge(raw)
		if err != nil {
			return orchestrator.Topology{}, err
		}
		t.Edges = append(t.Edges, edge)
	}

	return t, nil
}

// parseEdge parses "from>to"
func parseEdge(s string) (graph.Edge, error) {
	from, to, ok := strings.Cut(s, ">")
	from, to = strings.TrimSpace(from), strings.TrimSpace(to)
	if !ok || from == "" || to == "" {
		return graph.Edge{}, fmt.Errorf("invalid edge %q (want from>to)", s)
	}
	return graph.Edge{From: from, To: to}, nil
}

// fileNode is a node entry of a topology file. Remote defaults to true.
type fileNode struct {
	Name      string `yaml:"name"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Role      string `yaml:"role"`
	Remote    *bool  `yaml:"remote"`
	Streaming bool   `yaml:"streaming"`
}

type fileTopology struct {
	Nodes        []fileNode   `yaml:"nodes"`
	Edges        []graph.Edge `yaml:"edges"`
	ResponseNode string       `yaml:"response_node"`
}

// loadTopologyFile reads a YAML topology file
func loadTopologyFile(path string) (orchestrator.Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return orchestrator.Topology{}, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	return parseTopology(data)
}

func parseTopology(data []byte) (orchestrator.Topology, error) {
	var ft fileTopology
	if err := yaml.Unmarshal(data, &ft); err != nil {
		return orchestrator.Topology{}, fmt.Errorf("failed to parse pipeline file: %w", err)
	}

	t := orchestrator.Topology{Edges: ft.Edges, ResponseNode: ft.ResponseNode}
	if t.ResponseNode == "" {
		t.ResponseNode = "llm"
	}

	for _, fn := range ft.Nodes {
		role, err := graph.ParseRole(fn.Role)
		if err != nil {
			return orchestrator.Topology{}, fmt.Errorf("node %s: %w", fn.Name, err)
		}
		remote := true
		if fn.Remote != nil {
			remote = *fn.Remote
		}
		t.Nodes = append(t.Nodes, graph.ServiceNode{
			Name:      fn.Name,
			Host:      fn.Host,
			Port:      fn.Port,
			Path:      fn.Path,
			Role:      role,
			Remote:    remote,
			Streaming: fn.Streaming,
		})
	}

	return t, nil
}
